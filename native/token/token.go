package token

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"pegledger/core/state"
	"pegledger/crypto"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrUnauthorizedMinter    = errors.New("token: caller is not the minter")
	ErrInvalidAccount        = errors.New("token: invalid account")
	ErrOverflow              = errors.New("token: supply overflow")
)

var (
	balancePrefix   = []byte("token/balance/")
	allowancePrefix = []byte("token/allowance/")
	supplyKey       = []byte("token/supply")
)

func balanceKey(addr crypto.Address) []byte {
	key := append([]byte(nil), balancePrefix...)
	return append(key, addr.Bytes()...)
}

func allowanceKey(owner, spender crypto.Address) []byte {
	key := append([]byte(nil), allowancePrefix...)
	key = append(key, owner.Bytes()...)
	key = append(key, '/')
	return append(key, spender.Bytes()...)
}

// Address identifies the accounting token when registering it with the loan
// ledger.
var Address = crypto.ModuleAddress("token")

// Token is the price-pegged accounting token, denominated in cents. Only the
// configured minter may issue new units.
type Token struct {
	kv     state.KV
	minter crypto.Address
}

// New binds the token to the provided state view. The minter is normally the
// loan ledger's module account.
func New(kv state.KV, minter crypto.Address) *Token {
	return &Token{kv: kv, minter: minter}
}

// Address returns the token's registered identity.
func (t *Token) Address() crypto.Address { return Address }

// Minter returns the account allowed to mint.
func (t *Token) Minter() crypto.Address { return t.minter }

func (t *Token) BalanceOf(addr crypto.Address) (*uint256.Int, error) {
	if addr.IsZero() {
		return nil, ErrInvalidAccount
	}
	return state.GetAmount(t.kv, balanceKey(addr))
}

func (t *Token) Allowance(owner, spender crypto.Address) (*uint256.Int, error) {
	if owner.IsZero() || spender.IsZero() {
		return nil, ErrInvalidAccount
	}
	return state.GetAmount(t.kv, allowanceKey(owner, spender))
}

func (t *Token) TotalSupply() (*uint256.Int, error) {
	return state.GetAmount(t.kv, supplyKey)
}

// Mint issues amount to recipient and grows the total supply.
func (t *Token) Mint(caller, recipient crypto.Address, amount *uint256.Int) error {
	if t.minter.IsZero() || !caller.Equal(t.minter) {
		return ErrUnauthorizedMinter
	}
	if recipient.IsZero() {
		return ErrInvalidAccount
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	supply, err := t.TotalSupply()
	if err != nil {
		return err
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(supply, amount)
	if overflow {
		return ErrOverflow
	}
	balance, err := t.BalanceOf(recipient)
	if err != nil {
		return err
	}
	// Balances never exceed supply, so this cannot overflow once supply fits.
	if err := state.PutAmount(t.kv, balanceKey(recipient), new(uint256.Int).Add(balance, amount)); err != nil {
		return err
	}
	return state.PutAmount(t.kv, supplyKey, newSupply)
}

// Burn destroys amount from holder's balance.
func (t *Token) Burn(holder crypto.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	balance, err := t.BalanceOf(holder)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance.Dec(), amount.Dec())
	}
	supply, err := t.TotalSupply()
	if err != nil {
		return err
	}
	if err := state.PutAmount(t.kv, balanceKey(holder), new(uint256.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return state.PutAmount(t.kv, supplyKey, new(uint256.Int).Sub(supply, amount))
}

// Transfer moves amount between two holders.
func (t *Token) Transfer(from, to crypto.Address, amount *uint256.Int) error {
	if from.IsZero() || to.IsZero() {
		return ErrInvalidAccount
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	balance, err := t.BalanceOf(from)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance.Dec(), amount.Dec())
	}
	if from.Equal(to) {
		return nil
	}
	recipient, err := t.BalanceOf(to)
	if err != nil {
		return err
	}
	if err := state.PutAmount(t.kv, balanceKey(from), new(uint256.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return state.PutAmount(t.kv, balanceKey(to), new(uint256.Int).Add(recipient, amount))
}

// Approve sets the amount spender may pull from owner, replacing any previous
// allowance.
func (t *Token) Approve(owner, spender crypto.Address, amount *uint256.Int) error {
	if owner.IsZero() || spender.IsZero() {
		return ErrInvalidAccount
	}
	return state.PutAmount(t.kv, allowanceKey(owner, spender), amount)
}

// TransferFrom moves amount from owner to recipient on behalf of spender,
// consuming allowance.
func (t *Token) TransferFrom(spender, owner, recipient crypto.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	allowance, err := t.Allowance(owner, spender)
	if err != nil {
		return err
	}
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: approved %s, need %s", ErrInsufficientAllowance, allowance.Dec(), amount.Dec())
	}
	if err := t.Transfer(owner, recipient, amount); err != nil {
		return err
	}
	return state.PutAmount(t.kv, allowanceKey(owner, spender), new(uint256.Int).Sub(allowance, amount))
}
