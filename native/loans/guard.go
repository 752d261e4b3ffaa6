package loans

import (
	"fmt"

	"github.com/holiman/uint256"

	"pegledger/crypto"
	nativecommon "pegledger/native/common"
)

// AccessGuard holds the stateless precondition checks run at the top of every
// guarded operation. Each check fails closed.
type AccessGuard struct {
	pauses   nativecommon.PauseView
	deployer crypto.Address
}

// NewAccessGuard builds a guard for the given deployer and pause view.
func NewAccessGuard(deployer crypto.Address, pauses nativecommon.PauseView) AccessGuard {
	return AccessGuard{pauses: pauses, deployer: deployer}
}

// Active fails while the loans module is paused.
func (g AccessGuard) Active() error {
	return nativecommon.Guard(g.pauses, moduleName)
}

// Deployer requires the bootstrap account.
func (g AccessGuard) Deployer(caller crypto.Address) error {
	return requireRole(caller, g.deployer)
}

// Oracle requires the registered oracle.
func (g AccessGuard) Oracle(caller crypto.Address, params *Parameters) error {
	return requireRole(caller, params.OracleAddress)
}

// Liquidator requires the registered liquidator.
func (g AccessGuard) Liquidator(caller crypto.Address, params *Parameters) error {
	return requireRole(caller, params.LiquidatorAddress)
}

// Owner requires the loan's recipient.
func (g AccessGuard) Owner(caller crypto.Address, loan *Loan) error {
	return requireRole(caller, loan.Recipient)
}

// Caller requires an authenticated, non-zero caller.
func (g AccessGuard) Caller(caller crypto.Address) error {
	if caller.IsZero() {
		return ErrUnauthorized
	}
	return nil
}

// NonZero rejects nil or zero amounts.
func (g AccessGuard) NonZero(value *uint256.Int) error {
	if value == nil || value.IsZero() {
		return ErrInvalidAmount
	}
	return nil
}

// InState requires the loan to be in want.
func (g AccessGuard) InState(loan *Loan, want LoanState) error {
	if loan.State != want {
		return fmt.Errorf("%w: loan %d is %s, want %s", ErrInvalidLoanState, loan.ID, loan.State, want)
	}
	return nil
}

// NotInState rejects loans in the forbidden state.
func (g AccessGuard) NotInState(loan *Loan, forbidden LoanState) error {
	if loan.State == forbidden {
		return fmt.Errorf("%w: loan %d is %s", ErrInvalidLoanState, loan.ID, loan.State)
	}
	return nil
}

func requireRole(caller, role crypto.Address) error {
	if caller.IsZero() || role.IsZero() || !caller.Equal(role) {
		return ErrUnauthorized
	}
	return nil
}
