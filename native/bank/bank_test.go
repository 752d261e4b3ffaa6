package bank

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"pegledger/core/state"
	"pegledger/crypto"
	"pegledger/storage"
)

func account(b byte) crypto.Address {
	return crypto.FromRaw([crypto.AddressLength]byte{b})
}

func TestTransferMovesBalance(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	bank := New(mgr)
	alice, bob := account(1), account(2)

	if err := bank.Credit(alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := bank.Transfer(alice, bob, uint256.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	aliceBal, _ := bank.BalanceOf(alice)
	bobBal, _ := bank.BalanceOf(bob)
	if aliceBal.Uint64() != 60 || bobBal.Uint64() != 40 {
		t.Fatalf("unexpected balances alice=%s bob=%s", aliceBal, bobBal)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	bank := New(state.NewManager(storage.NewMemDB()))
	alice, bob := account(1), account(2)
	if err := bank.Credit(alice, uint256.NewInt(5)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	err := bank.Transfer(alice, bob, uint256.NewInt(6))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	bal, _ := bank.BalanceOf(alice)
	if bal.Uint64() != 5 {
		t.Fatalf("failed transfer must not debit, got %s", bal)
	}
}

func TestTransferRejectsUnsetAccounts(t *testing.T) {
	bank := New(state.NewManager(storage.NewMemDB()))
	if err := bank.Transfer(crypto.Address{}, account(2), uint256.NewInt(1)); !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("expected invalid account, got %v", err)
	}
}

func TestTransferWithinDiscardedTx(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	alice, bob := account(1), account(2)
	if err := New(mgr).Credit(alice, uint256.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	tx := mgr.Begin()
	if err := New(tx).Transfer(alice, bob, uint256.NewInt(10)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	tx.Discard()
	bal, _ := New(mgr).BalanceOf(alice)
	if bal.Uint64() != 10 {
		t.Fatalf("discarded transfer leaked into state: %s", bal)
	}
}
