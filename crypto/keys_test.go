package crypto

import (
	"bytes"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	if addr.Prefix() != AccountPrefix {
		t.Fatalf("unexpected prefix %q", addr.Prefix())
	}
	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) {
		t.Fatalf("decoded address mismatch: %s != %s", decoded, addr)
	}

	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if !restored.PubKey().Address().Equal(addr) {
		t.Fatalf("restored key derives a different address")
	}
}

func TestModuleAddressDeterministic(t *testing.T) {
	a := ModuleAddress("loans")
	b := ModuleAddress("loans")
	c := ModuleAddress("token")
	if !a.Equal(b) {
		t.Fatalf("module address must be deterministic")
	}
	if a.Equal(c) {
		t.Fatalf("distinct modules must not collide")
	}
	if a.Prefix() != ModulePrefix {
		t.Fatalf("unexpected module prefix %q", a.Prefix())
	}
}

func TestRawConversion(t *testing.T) {
	raw := [AddressLength]byte{1, 2, 3}
	addr := FromRaw(raw)
	if addr.Raw() != raw {
		t.Fatalf("raw round trip mismatch")
	}
	if !FromRaw([AddressLength]byte{}).IsZero() {
		t.Fatalf("zero raw must map to unset address")
	}
	if (Address{}).String() != "" {
		t.Fatalf("unset address must render empty")
	}
}

func TestDecodeRejectsForeignPrefix(t *testing.T) {
	if _, err := NewAddress(AccountPrefix, bytes.Repeat([]byte{1}, 19)); err == nil {
		t.Fatalf("expected length error")
	}
	if _, err := DecodeAddress("not-an-address"); err == nil {
		t.Fatalf("expected decode error")
	}
}
