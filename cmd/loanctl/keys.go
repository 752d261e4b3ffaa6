package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	jwt "github.com/golang-jwt/jwt/v5"

	"pegledger/cmd/internal/passphrase"
	"pegledger/crypto"
	"pegledger/native/loans"
)

// Swapped in tests.
var (
	secretSource = func() (string, error) {
		return passphrase.NewSource(signingSecretEnv, "token signing secret").Get()
	}
	keystorePassphrase = func() (string, error) {
		return passphrase.NewSource(keystorePassEnv, "keystore passphrase").Get()
	}
)

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "", "write the hex-encoded private key to this file")
	force := fs.Bool("force", false, "overwrite an existing key file")
	encrypt := fs.Bool("encrypt", false, "write -out as a passphrase-protected keystore file")
	lightKDF := fs.Bool("light-kdf", false, "use a cheaper scrypt cost for the keystore")
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: generate key: %v\n", err)
		return 1
	}
	if *encrypt {
		return writeKeystore(key, strings.TrimSpace(*out), *force, *lightKDF, stdout, stderr)
	}
	encoded := hex.EncodeToString(key.Bytes())
	if path := strings.TrimSpace(*out); path != "" {
		flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
		if *force {
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		file, err := os.OpenFile(path, flags, 0o600)
		if err != nil {
			fmt.Fprintf(stderr, "Error: write key: %v\n", err)
			return 1
		}
		_, err = file.WriteString(encoded + "\n")
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: write key: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Address: %s\nKey written to %s\n", key.PubKey().Address(), path)
		return 0
	}
	fmt.Fprintf(stdout, "Address: %s\nPrivate key: %s\n", key.PubKey().Address(), encoded)
	return 0
}

func writeKeystore(key *crypto.PrivateKey, path string, force, light bool, stdout, stderr io.Writer) int {
	if path == "" {
		fmt.Fprintln(stderr, "Error: -encrypt requires -out")
		return 1
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(stderr, "Error: %s already exists (use -force to overwrite)\n", path)
			return 1
		}
	}
	pass, err := keystorePassphrase()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	kdf := crypto.StandardKDF
	if light {
		kdf = crypto.LightKDF
	}
	if err := crypto.SaveToKeystore(path, key, pass, kdf); err != nil {
		fmt.Fprintf(stderr, "Error: write keystore: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Address: %s\nKeystore written to %s\n", key.PubKey().Address(), path)
	return 0
}

// loadKey reads either a hex key file or an encrypted keystore.
func loadKey(path string) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		pass, err := keystorePassphrase()
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(path, pass)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return crypto.PrivateKeyFromBytes(raw)
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	keyPath := fs.String("key", "", "hex-encoded private key file or keystore")
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	if strings.TrimSpace(*keyPath) == "" {
		fmt.Fprintln(stderr, "Error: -key is required")
		return 1
	}
	key, err := loadKey(*keyPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, key.PubKey().Address())
	return 0
}

func runIssueToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("issue-token", stderr)
	subject := fs.String("sub", "", "caller address the token authenticates")
	keyPath := fs.String("key", "", "derive the subject from this private key file instead of -sub")
	scope := fs.String("scope", "", "space separated scopes, e.g. admin")
	issuer := fs.String("issuer", "pegledger", "token issuer")
	audience := fs.String("audience", "ledger", "token audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	sub, err := resolveSubject(*subject, *keyPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *ttl <= 0 {
		fmt.Fprintln(stderr, "Error: -ttl must be positive")
		return 1
	}
	secret, err := secretSource()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(*ttl).Unix(),
	}
	if v := strings.TrimSpace(*issuer); v != "" {
		claims["iss"] = v
	}
	if v := strings.TrimSpace(*audience); v != "" {
		claims["aud"] = v
	}
	if v := strings.TrimSpace(*scope); v != "" {
		claims["scope"] = v
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
	if err != nil {
		fmt.Fprintf(stderr, "Error: sign token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, signed)
	return 0
}

func resolveSubject(sub, keyPath string) (string, error) {
	sub = strings.TrimSpace(sub)
	keyPath = strings.TrimSpace(keyPath)
	switch {
	case sub != "" && keyPath != "":
		return "", errors.New("use either -sub or -key, not both")
	case keyPath != "":
		key, err := loadKey(keyPath)
		if err != nil {
			return "", err
		}
		return key.PubKey().Address().String(), nil
	case sub != "":
		addr, err := crypto.DecodeAddress(sub)
		if err != nil {
			return "", fmt.Errorf("-sub: %w", err)
		}
		return addr.String(), nil
	default:
		return "", errors.New("-sub or -key is required")
	}
}

type allocFlags []loans.Allocation

func (a *allocFlags) String() string { return fmt.Sprint(len(*a)) }

func (a *allocFlags) Set(value string) error {
	addr, amount, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("allocation must be addr=amount, got %q", value)
	}
	*a = append(*a, loans.Allocation{Address: strings.TrimSpace(addr), Amount: strings.TrimSpace(amount)})
	return nil
}

func runGenesis(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("genesis", stderr)
	cfg := loans.DefaultConfig()
	fs.StringVar(&cfg.Deployer, "deployer", "", "address allowed to register the oracle")
	fs.Uint64Var(&cfg.MaxLoanCents, "max-loan", cfg.MaxLoanCents, "maximum loan amount in cents")
	fs.StringVar(&cfg.UnitsPerBaseCurrency, "units", cfg.UnitsPerBaseCurrency, "atomic units per base-currency unit")
	var alloc allocFlags
	fs.Var(&alloc, "alloc", "genesis base-currency allocation addr=amount (repeatable)")
	out := fs.String("out", "", "write the genesis file here instead of stdout")
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	cfg.Alloc = []loans.Allocation(alloc)
	if _, err := cfg.Settings(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	w := stdout
	if path := strings.TrimSpace(*out); path != "" {
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer file.Close()
		w = file
	}
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		fmt.Fprintf(stderr, "Error: encode genesis: %v\n", err)
		return 1
	}
	return 0
}
