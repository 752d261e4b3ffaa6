package loans

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"pegledger/core/events"
	"pegledger/crypto"
)

type engineState interface {
	paramState
	GetLoan(id uint64) (*Loan, bool, error)
	PutLoan(loan *Loan) error
	LoanCount() (uint64, error)
	SetLoanCount(count uint64) error
}

// Token is the accounting token the engine issues and retires.
type Token interface {
	Address() crypto.Address
	Mint(caller, recipient crypto.Address, amount *uint256.Int) error
	Burn(holder crypto.Address, amount *uint256.Int) error
	TransferFrom(spender, owner, recipient crypto.Address, amount *uint256.Int) error
}

// Vault moves base currency between accounts.
type Vault interface {
	Transfer(from, to crypto.Address, amount *uint256.Int) error
}

// Liquidator receives under-collateralised loans and reports their outcome.
type Liquidator interface {
	StartLiquidation(loanID uint64, collateral, amount *uint256.Int, duration uint64) error
	MarkResolved(loanID uint64, sold *uint256.Int, buyer crypto.Address) error
}

// Engine applies the loan state machine. It assumes the caller provides
// serialisation and all-or-nothing commit around each call; see Ledger.
type Engine struct {
	state         engineState
	params        *ParameterStore
	guard         AccessGuard
	token         Token
	vault         Vault
	liquidator    Liquidator
	emitter       events.Emitter
	moduleAddress crypto.Address
	maxLoan       *uint256.Int
	units         *uint256.Int
	nowFn         func() time.Time
}

// NewEngine constructs an engine with the given limits. maxLoan caps a single
// loan in token cents; units is the number of atomic units per base-currency
// unit.
func NewEngine(maxLoan, units *uint256.Int) *Engine {
	return &Engine{
		moduleAddress: ModuleAddress,
		maxLoan:       cloneOrZero(maxLoan),
		units:         cloneOrZero(units),
		emitter:       events.NoopEmitter{},
		nowFn:         time.Now,
	}
}

// SetState wires the engine to the persistence layer.
func (e *Engine) SetState(state engineState) {
	e.state = state
	e.rebuildParams()
}

// SetGuard installs the access guard.
func (e *Engine) SetGuard(guard AccessGuard) {
	e.guard = guard
	e.rebuildParams()
}

// SetEmitter configures the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
	e.rebuildParams()
}

func (e *Engine) SetToken(token Token)                { e.token = token }
func (e *Engine) SetVault(vault Vault)                { e.vault = vault }
func (e *Engine) SetLiquidator(liquidator Liquidator) { e.liquidator = liquidator }

// SetNowFunc overrides the clock used for audit timestamps.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

func (e *Engine) rebuildParams() {
	if e.state == nil {
		e.params = nil
		return
	}
	e.params = NewParameterStore(e.state, e.guard, e.emitter)
}

// ParameterStore exposes the parameter setters bound to this engine.
func (e *Engine) ParameterStore() *ParameterStore { return e.params }

func (e *Engine) now() int64 { return e.nowFn().UTC().Unix() }

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.params == nil {
		return errNilState
	}
	return nil
}

func (e *Engine) calculator(params *Parameters) Calculator {
	return NewCalculator(params, e.units)
}

func (e *Engine) requireToken(params *Parameters) error {
	if e.token == nil || params.TokenAddress.IsZero() {
		return fmt.Errorf("%w: token", ErrNotConfigured)
	}
	if !e.token.Address().Equal(params.TokenAddress) {
		return fmt.Errorf("%w: token address mismatch", ErrNotConfigured)
	}
	return nil
}

func (e *Engine) requireVault() error {
	if e.vault == nil {
		return fmt.Errorf("%w: vault", ErrNotConfigured)
	}
	return nil
}

func (e *Engine) loadLoan(id uint64) (*Loan, error) {
	loan, ok, err := e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if !ok || loan == nil {
		return nil, fmt.Errorf("%w: %d", ErrLoanNotFound, id)
	}
	return loan, nil
}

func (e *Engine) saveLoan(loan *Loan) error {
	loan.UpdatedAt = e.now()
	return e.state.PutLoan(loan)
}

// Loan returns a copy of the loan with the given id.
func (e *Engine) Loan(id uint64) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// LoanCount returns the highest id assigned so far.
func (e *Engine) LoanCount() (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.state.LoanCount()
}

// Parameters returns the current parameters.
func (e *Engine) Parameters() (*Parameters, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.params.Parameters()
}

// MinCollateral evaluates the collateral requirement for amount at current
// parameters.
func (e *Engine) MinCollateral(amount *uint256.Int) (*uint256.Int, error) {
	params, err := e.Parameters()
	if err != nil {
		return nil, err
	}
	return e.calculator(params).MinCollateral(amount)
}

func (e *Engine) SetOracleAddress(caller, addr crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.params.SetOracleAddress(caller, addr)
}

func (e *Engine) SetLiquidatorAddress(caller, addr crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.params.SetLiquidatorAddress(caller, addr)
}

func (e *Engine) SetTokenAddress(caller, addr crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.params.SetTokenAddress(caller, addr)
}

func (e *Engine) SetVariable(caller crypto.Address, kind Variable, value *uint256.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.params.SetVariable(caller, kind, value)
}

// OpenLoan locks collateral from caller, records a new ACTIVE loan and mints
// amount tokens to caller.
func (e *Engine) OpenLoan(caller crypto.Address, amount, collateral *uint256.Int) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guard.Active(); err != nil {
		return nil, err
	}
	if err := e.guard.Caller(caller); err != nil {
		return nil, err
	}
	if err := e.guard.NonZero(amount); err != nil {
		return nil, err
	}
	if amount.Gt(e.maxLoan) {
		return nil, fmt.Errorf("%w: %s > %s", ErrExceededMaxLoan, amount.Dec(), e.maxLoan.Dec())
	}
	params, err := e.params.Parameters()
	if err != nil {
		return nil, err
	}
	if err := e.requireToken(params); err != nil {
		return nil, err
	}
	if err := e.requireVault(); err != nil {
		return nil, err
	}
	if collateral == nil {
		collateral = new(uint256.Int)
	}
	required, err := e.calculator(params).MinCollateral(amount)
	if err != nil {
		return nil, err
	}
	if collateral.Lt(required) {
		return nil, fmt.Errorf("%w: supplied %s, need %s", ErrInsufficientCollateral, collateral.Dec(), required.Dec())
	}

	count, err := e.state.LoanCount()
	if err != nil {
		return nil, err
	}
	if count == ^uint64(0) {
		return nil, ErrArithmeticOverflow
	}
	id := count + 1
	if err := e.state.SetLoanCount(id); err != nil {
		return nil, err
	}
	now := e.now()
	loan := &Loan{
		ID:         id,
		Recipient:  caller,
		Collateral: new(uint256.Int).Set(collateral),
		Amount:     new(uint256.Int).Set(amount),
		State:      StateActive,
		OpenedAt:   now,
		UpdatedAt:  now,
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := e.vault.Transfer(caller, e.moduleAddress, collateral); err != nil {
		return nil, fmt.Errorf("loans: lock collateral: %w", err)
	}
	if err := e.token.Mint(e.moduleAddress, caller, amount); err != nil {
		return nil, fmt.Errorf("loans: mint: %w", err)
	}
	e.emitter.Emit(events.LoanOpened{
		Recipient:  caller,
		LoanID:     id,
		Amount:     new(uint256.Int).Set(amount),
		Collateral: new(uint256.Int).Set(collateral),
	})
	return loan.Clone(), nil
}

// QuickLoan opens a loan sized to half of what collateral supports.
func (e *Engine) QuickLoan(caller crypto.Address, collateral *uint256.Int) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guard.NonZero(collateral); err != nil {
		return nil, err
	}
	params, err := e.params.Parameters()
	if err != nil {
		return nil, err
	}
	amount, err := e.calculator(params).QuickLoanAmount(collateral)
	if err != nil {
		return nil, err
	}
	return e.OpenLoan(caller, amount, collateral)
}

// IncreaseCollateral adds collateral from caller to an ACTIVE loan.
func (e *Engine) IncreaseCollateral(caller crypto.Address, id uint64, added *uint256.Int) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guard.Active(); err != nil {
		return nil, err
	}
	if err := e.guard.Caller(caller); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if err := e.guard.InState(loan, StateActive); err != nil {
		return nil, err
	}
	if err := e.guard.NonZero(added); err != nil {
		return nil, err
	}
	if err := e.requireVault(); err != nil {
		return nil, err
	}
	total, err := add(loan.Collateral, added)
	if err != nil {
		return nil, err
	}
	loan.Collateral = total
	if err := e.saveLoan(loan); err != nil {
		return nil, err
	}
	if err := e.vault.Transfer(caller, e.moduleAddress, added); err != nil {
		return nil, fmt.Errorf("loans: lock collateral: %w", err)
	}
	e.emitter.Emit(events.CollateralIncreased{
		Recipient: loan.Recipient,
		LoanID:    id,
		Added:     new(uint256.Int).Set(added),
		Total:     new(uint256.Int).Set(total),
	})
	return loan.Clone(), nil
}

// DecreaseCollateral releases collateral to the owner as long as the remainder
// still covers the outstanding amount. Terminal loans have no outstanding
// amount, so any residue can be reclaimed.
func (e *Engine) DecreaseCollateral(caller crypto.Address, id uint64, amount *uint256.Int) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guard.Active(); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if err := e.guard.Owner(caller, loan); err != nil {
		return nil, err
	}
	if err := e.guard.NotInState(loan, StateUnderLiquidation); err != nil {
		return nil, err
	}
	if err := e.guard.NonZero(amount); err != nil {
		return nil, err
	}
	if err := e.requireVault(); err != nil {
		return nil, err
	}
	if amount.Gt(loan.Collateral) {
		return nil, fmt.Errorf("%w: loan %d holds %s", ErrInsufficientCollateral, id, loan.Collateral.Dec())
	}
	remaining, err := sub(loan.Collateral, amount)
	if err != nil {
		return nil, err
	}
	params, err := e.params.Parameters()
	if err != nil {
		return nil, err
	}
	required, err := e.calculator(params).MinCollateral(loan.Amount)
	if err != nil {
		return nil, err
	}
	if remaining.Lt(required) {
		return nil, fmt.Errorf("%w: %s left, need %s", ErrInsufficientCollateral, remaining.Dec(), required.Dec())
	}
	loan.Collateral = remaining
	if err := e.saveLoan(loan); err != nil {
		return nil, err
	}
	if err := e.vault.Transfer(e.moduleAddress, loan.Recipient, amount); err != nil {
		return nil, fmt.Errorf("loans: release collateral: %w", err)
	}
	e.emitter.Emit(events.CollateralDecreased{
		Recipient: loan.Recipient,
		LoanID:    id,
		Removed:   new(uint256.Int).Set(amount),
		Total:     new(uint256.Int).Set(remaining),
	})
	return loan.Clone(), nil
}

// SettleLoan pulls repay tokens from caller, burns them and releases the
// proportional share of collateral to the loan's recipient.
func (e *Engine) SettleLoan(caller crypto.Address, id uint64, repay *uint256.Int) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guard.Active(); err != nil {
		return nil, err
	}
	if err := e.guard.Caller(caller); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if err := e.guard.InState(loan, StateActive); err != nil {
		return nil, err
	}
	if err := e.guard.NonZero(repay); err != nil {
		return nil, err
	}
	if repay.Gt(loan.Amount) {
		return nil, fmt.Errorf("%w: repay %s exceeds outstanding %s", ErrInvalidAmount, repay.Dec(), loan.Amount.Dec())
	}
	params, err := e.params.Parameters()
	if err != nil {
		return nil, err
	}
	if err := e.requireToken(params); err != nil {
		return nil, err
	}
	if err := e.requireVault(); err != nil {
		return nil, err
	}
	if err := e.token.TransferFrom(e.moduleAddress, caller, e.moduleAddress, repay); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInsufficientAllowance, err)
	}
	if err := e.token.Burn(e.moduleAddress, repay); err != nil {
		return nil, fmt.Errorf("loans: burn: %w", err)
	}
	payback, err := Payback(loan.Collateral, repay, loan.Amount)
	if err != nil {
		return nil, err
	}
	if loan.Collateral, err = sub(loan.Collateral, payback); err != nil {
		return nil, err
	}
	if loan.Amount, err = sub(loan.Amount, repay); err != nil {
		return nil, err
	}
	if loan.Amount.IsZero() {
		loan.State = StateSettled
	}
	if err := e.saveLoan(loan); err != nil {
		return nil, err
	}
	if err := e.vault.Transfer(e.moduleAddress, loan.Recipient, payback); err != nil {
		return nil, fmt.Errorf("loans: release collateral: %w", err)
	}
	e.emitter.Emit(events.LoanSettled{
		Recipient: loan.Recipient,
		LoanID:    id,
		Repaid:    new(uint256.Int).Set(repay),
		Payback:   payback,
		Remaining: new(uint256.Int).Set(loan.Amount),
	})
	return loan.Clone(), nil
}

// Liquidate hands an under-collateralised ACTIVE loan to the liquidator. Any
// caller may trigger it.
func (e *Engine) Liquidate(caller crypto.Address, id uint64) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guard.Active(); err != nil {
		return nil, err
	}
	if err := e.guard.Caller(caller); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if err := e.guard.InState(loan, StateActive); err != nil {
		return nil, err
	}
	params, err := e.params.Parameters()
	if err != nil {
		return nil, err
	}
	if e.liquidator == nil || params.LiquidatorAddress.IsZero() {
		return nil, fmt.Errorf("%w: liquidator", ErrNotConfigured)
	}
	required, err := e.calculator(params).MinCollateral(loan.Amount)
	if err != nil {
		return nil, err
	}
	if !loan.Collateral.Lt(required) {
		return nil, fmt.Errorf("%w: loan %d holds %s, needs %s", ErrSufficientCollateral, id, loan.Collateral.Dec(), required.Dec())
	}
	loan.State = StateUnderLiquidation
	if err := e.saveLoan(loan); err != nil {
		return nil, err
	}
	if err := e.liquidator.StartLiquidation(id, loan.Collateral, loan.Amount, params.LiquidationDuration); err != nil {
		return nil, fmt.Errorf("loans: start liquidation: %w", err)
	}
	e.emitter.Emit(events.LiquidationStarted{
		Recipient:  loan.Recipient,
		LoanID:     id,
		Collateral: new(uint256.Int).Set(loan.Collateral),
		Amount:     new(uint256.Int).Set(loan.Amount),
		Duration:   params.LiquidationDuration,
	})
	return loan.Clone(), nil
}

// ResolveLiquidation records the liquidator's sale, clears the debt and
// transfers the sold collateral to buyer. Unsold collateral stays on the loan.
func (e *Engine) ResolveLiquidation(caller crypto.Address, id uint64, sold *uint256.Int, buyer crypto.Address) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	params, err := e.params.Parameters()
	if err != nil {
		return nil, err
	}
	if err := e.guard.Liquidator(caller, params); err != nil {
		return nil, err
	}
	if err := e.guard.Active(); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return nil, err
	}
	if err := e.guard.InState(loan, StateUnderLiquidation); err != nil {
		return nil, err
	}
	if sold == nil {
		sold = new(uint256.Int)
	}
	if sold.Gt(loan.Collateral) {
		return nil, fmt.Errorf("%w: sold %s exceeds collateral %s", ErrInvalidAmount, sold.Dec(), loan.Collateral.Dec())
	}
	if !sold.IsZero() && buyer.IsZero() {
		return nil, fmt.Errorf("%w: buyer required", ErrInvalidAmount)
	}
	if e.liquidator == nil {
		return nil, fmt.Errorf("%w: liquidator", ErrNotConfigured)
	}
	if err := e.requireVault(); err != nil {
		return nil, err
	}
	if loan.Collateral, err = sub(loan.Collateral, sold); err != nil {
		return nil, err
	}
	loan.Amount = new(uint256.Int)
	loan.State = StateLiquidated
	if err := e.saveLoan(loan); err != nil {
		return nil, err
	}
	if err := e.liquidator.MarkResolved(id, sold, buyer); err != nil {
		return nil, fmt.Errorf("loans: resolve liquidation: %w", err)
	}
	if !sold.IsZero() {
		if err := e.vault.Transfer(e.moduleAddress, buyer, sold); err != nil {
			return nil, fmt.Errorf("loans: transfer sold collateral: %w", err)
		}
	}
	e.emitter.Emit(events.LiquidationResolved{
		Recipient:      loan.Recipient,
		LoanID:         id,
		CollateralSold: new(uint256.Int).Set(sold),
		Buyer:          buyer,
		Residual:       new(uint256.Int).Set(loan.Collateral),
	})
	return loan.Clone(), nil
}
