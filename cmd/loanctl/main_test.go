package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"pegledger/crypto"
	"pegledger/native/loans"
)

func testAddress(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	return crypto.MustNewAddress(crypto.AccountPrefix, raw)
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestParseCents(t *testing.T) {
	cases := map[string]string{
		"1050":  "1050",
		"10.50": "1050",
		"10.5":  "1050",
		"0.01":  "1",
	}
	for in, want := range cases {
		got, err := parseCents(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "1.234", "-1.00", "abc", "-5"} {
		_, err := parseCents(bad)
		require.Error(t, err, bad)
	}
}

func TestLeadingPositionalArguments(t *testing.T) {
	positional, rest := leading([]string{"3", "-amount", "10"})
	require.Equal(t, []string{"3"}, positional)
	require.Equal(t, []string{"-amount", "10"}, rest)

	positional, rest = leading([]string{"-amount", "10", "3"})
	require.Empty(t, positional)
	require.Len(t, rest, 3)
}

func TestOpenPostsLoanRequest(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1,"state":"ACTIVE"}`))
	}))
	defer server.Close()

	code, stdout, stderr := runCLI("open", "-endpoint", server.URL, "-token", "abc", "-amount", "10.00", "-collateral", "15")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, "/v1/loans", gotPath)
	require.Equal(t, "Bearer abc", gotAuth)
	require.Equal(t, map[string]string{"amount": "1000", "collateral": "15"}, gotBody)
	require.Contains(t, stdout, `"state": "ACTIVE"`)
}

func TestSettleReportsLedgerError(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"loans: insufficient allowance","code":"insufficient_allowance"}`))
	}))
	defer server.Close()

	code, _, stderr := runCLI("settle", "7", "-endpoint", server.URL, "-amount", "500")
	require.Equal(t, 1, code)
	require.Equal(t, "/v1/loans/7/settle", gotPath)
	require.Contains(t, stderr, "insufficient_allowance")
	require.Contains(t, stderr, "402")
}

func TestCommandsValidateArguments(t *testing.T) {
	code, _, stderr := runCLI("loan")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "<id>")

	code, _, stderr = runCLI("set-oracle", "not-an-address")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "address")

	code, _, _ = runCLI("bogus")
	require.Equal(t, 1, code)
}

func TestIssueTokenSignsSubject(t *testing.T) {
	original := secretSource
	secretSource = func() (string, error) { return "signing-secret", nil }
	defer func() { secretSource = original }()

	subject := testAddress(9)
	code, stdout, stderr := runCLI("issue-token", "-sub", subject.String(), "-scope", "admin")
	require.Equal(t, 0, code, stderr)

	token, err := jwt.Parse(strings.TrimSpace(stdout), func(*jwt.Token) (interface{}, error) {
		return []byte("signing-secret"), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	require.Equal(t, subject.String(), claims["sub"])
	require.Equal(t, "admin", claims["scope"])
	require.Equal(t, "pegledger", claims["iss"])
}

func TestKeygenAndAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.hex")
	code, stdout, stderr := runCLI("keygen", "-out", path)
	require.Equal(t, 0, code, stderr)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	code, addrOut, stderr := runCLI("address", "-key", path)
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, strings.TrimSpace(addrOut))

	code, _, _ = runCLI("keygen", "-out", path)
	require.Equal(t, 1, code)
}

func TestKeygenEncryptedKeystore(t *testing.T) {
	original := keystorePassphrase
	keystorePassphrase = func() (string, error) { return "correct horse", nil }
	defer func() { keystorePassphrase = original }()

	path := filepath.Join(t.TempDir(), "operator.json")
	code, stdout, stderr := runCLI("keygen", "-out", path, "-encrypt", "-light-kdf")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "Keystore written to")

	code, addrOut, stderr := runCLI("address", "-key", path)
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, strings.TrimSpace(addrOut))

	code, _, stderr = runCLI("keygen", "-out", path, "-encrypt", "-light-kdf")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "already exists")

	keystorePassphrase = func() (string, error) { return "wrong", nil }
	code, _, _ = runCLI("address", "-key", path)
	require.Equal(t, 1, code)

	code, _, stderr = runCLI("keygen", "-encrypt")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "-encrypt requires -out")
}

func TestGenesisTemplateRoundTrips(t *testing.T) {
	deployer := testAddress(1)
	holder := testAddress(2)
	path := filepath.Join(t.TempDir(), "genesis.toml")
	code, _, stderr := runCLI("genesis", "-deployer", deployer.String(), "-alloc", holder.String()+"=500", "-out", path)
	require.Equal(t, 0, code, stderr)

	var cfg loans.Config
	_, err := toml.DecodeFile(path, &cfg)
	require.NoError(t, err)
	settings, err := cfg.Settings()
	require.NoError(t, err)
	require.True(t, settings.Deployer.Equal(deployer))
	require.Len(t, settings.Alloc, 1)
	require.Equal(t, uint64(500), settings.Alloc[0].Amount.Uint64())

	code, _, _ = runCLI("genesis")
	require.Equal(t, 1, code)
}
