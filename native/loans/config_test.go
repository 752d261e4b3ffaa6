package loans

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGenesis(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write genesis: %v", err)
	}
	return path
}

func TestLoadConfigParsesAllocations(t *testing.T) {
	body := `Deployer = "` + deployerAddr.String() + `"
MaxLoanCents = 500000
UnitsPerBaseCurrency = "1000"

[[alloc]]
Address = "` + borrowerAddr.String() + `"
Amount = "25000"
`
	cfg, err := LoadConfig(writeGenesis(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	settings, err := cfg.Settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if !settings.Deployer.Equal(deployerAddr) {
		t.Fatalf("unexpected deployer %s", settings.Deployer)
	}
	if settings.MaxLoan.Uint64() != 500000 || settings.UnitsPerBaseCurrency.Uint64() != 1000 {
		t.Fatalf("unexpected limits %+v", settings)
	}
	if len(settings.Alloc) != 1 || settings.Alloc[0].Amount.Uint64() != 25000 {
		t.Fatalf("unexpected allocations %+v", settings.Alloc)
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeGenesis(t, `Deployer = "`+deployerAddr.String()+`"`+"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxLoanCents != DefaultMaxLoanCents || cfg.UnitsPerBaseCurrency != DefaultUnitsPerBaseCurrency {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestSettingsValidation(t *testing.T) {
	cases := map[string]Config{
		"deployer":             {MaxLoanCents: 1, UnitsPerBaseCurrency: "1"},
		"MaxLoanCents":         {Deployer: deployerAddr.String(), UnitsPerBaseCurrency: "1"},
		"UnitsPerBaseCurrency": {Deployer: deployerAddr.String(), MaxLoanCents: 1, UnitsPerBaseCurrency: "0"},
		"duplicate": {
			Deployer:             deployerAddr.String(),
			MaxLoanCents:         1,
			UnitsPerBaseCurrency: "1",
			Alloc: []Allocation{
				{Address: borrowerAddr.String(), Amount: "1"},
				{Address: borrowerAddr.String(), Amount: "2"},
			},
		},
	}
	for want, cfg := range cases {
		_, err := cfg.Settings()
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error mentioning %q, got %v", want, err)
		}
	}
}
