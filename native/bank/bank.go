package bank

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"pegledger/core/state"
	"pegledger/crypto"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the account balance.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrInvalidAccount is returned for unset source or destination accounts.
	ErrInvalidAccount = errors.New("bank: invalid account")
	// ErrOverflow is returned when a credit would overflow the balance.
	ErrOverflow = errors.New("bank: balance overflow")
)

var balancePrefix = []byte("bank/balance/")

func balanceKey(addr crypto.Address) []byte {
	key := make([]byte, 0, len(balancePrefix)+crypto.AddressLength)
	key = append(key, balancePrefix...)
	return append(key, addr.Bytes()...)
}

// Bank tracks base-currency balances in atomic units. Every write goes through
// the bound KV so callers holding a state transaction get all-or-nothing
// semantics.
type Bank struct {
	kv state.KV
}

// New binds a bank to the provided state view.
func New(kv state.KV) *Bank {
	return &Bank{kv: kv}
}

// BalanceOf returns the balance held by addr.
func (b *Bank) BalanceOf(addr crypto.Address) (*uint256.Int, error) {
	if addr.IsZero() {
		return nil, ErrInvalidAccount
	}
	return state.GetAmount(b.kv, balanceKey(addr))
}

// Credit adds amount to addr. It is used for genesis allocations.
func (b *Bank) Credit(addr crypto.Address, amount *uint256.Int) error {
	if addr.IsZero() {
		return ErrInvalidAccount
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	balance, err := b.BalanceOf(addr)
	if err != nil {
		return err
	}
	updated, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return ErrOverflow
	}
	return state.PutAmount(b.kv, balanceKey(addr), updated)
}

// Transfer moves amount from one account to another.
func (b *Bank) Transfer(from, to crypto.Address, amount *uint256.Int) error {
	if from.IsZero() || to.IsZero() {
		return ErrInvalidAccount
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	balance, err := b.BalanceOf(from)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance.Dec(), amount.Dec())
	}
	if from.Equal(to) {
		return nil
	}
	if err := state.PutAmount(b.kv, balanceKey(from), new(uint256.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return b.Credit(to, amount)
}
