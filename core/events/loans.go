package events

import (
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"pegledger/core/types"
	"pegledger/crypto"
)

const (
	// TypeLoanOpened is emitted when a new loan is recorded and its token issued.
	TypeLoanOpened = "loans.opened"
	// TypeLoanSettled is emitted for every full or partial repayment.
	TypeLoanSettled = "loans.settled"
	// TypeCollateralIncreased is emitted when collateral is topped up.
	TypeCollateralIncreased = "loans.collateral_increased"
	// TypeCollateralDecreased is emitted when collateral is released to the owner.
	TypeCollateralDecreased = "loans.collateral_decreased"
	// TypeLiquidationStarted is emitted when a loan is handed to the liquidator.
	TypeLiquidationStarted = "loans.liquidation_started"
	// TypeLiquidationResolved is emitted when the liquidator reports a sale.
	TypeLiquidationResolved = "loans.liquidation_resolved"
	// TypeParamUpdated is emitted when the oracle overwrites a numeric parameter.
	TypeParamUpdated = "loans.param_updated"
	// TypeAddressRegistered is emitted when a one-time collaborator address is set.
	TypeAddressRegistered = "loans.address_registered"
)

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

// LoanOpened records the creation of a loan.
type LoanOpened struct {
	Recipient  crypto.Address
	LoanID     uint64
	Amount     *uint256.Int
	Collateral *uint256.Int
}

func (LoanOpened) EventType() string { return TypeLoanOpened }

func (e LoanOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanOpened,
		Attributes: map[string]string{
			"recipient":  e.Recipient.String(),
			"loanId":     formatID(e.LoanID),
			"amount":     formatAmount(e.Amount),
			"collateral": formatAmount(e.Collateral),
		},
	}
}

// LoanSettled records a repayment and the collateral released for it.
type LoanSettled struct {
	Recipient crypto.Address
	LoanID    uint64
	Repaid    *uint256.Int
	Payback   *uint256.Int
	Remaining *uint256.Int
}

func (LoanSettled) EventType() string { return TypeLoanSettled }

func (e LoanSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanSettled,
		Attributes: map[string]string{
			"recipient": e.Recipient.String(),
			"loanId":    formatID(e.LoanID),
			"repaid":    formatAmount(e.Repaid),
			"payback":   formatAmount(e.Payback),
			"remaining": formatAmount(e.Remaining),
		},
	}
}

// CollateralIncreased records a collateral top-up.
type CollateralIncreased struct {
	Recipient crypto.Address
	LoanID    uint64
	Added     *uint256.Int
	Total     *uint256.Int
}

func (CollateralIncreased) EventType() string { return TypeCollateralIncreased }

func (e CollateralIncreased) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralIncreased,
		Attributes: map[string]string{
			"recipient":  e.Recipient.String(),
			"loanId":     formatID(e.LoanID),
			"added":      formatAmount(e.Added),
			"collateral": formatAmount(e.Total),
		},
	}
}

// CollateralDecreased records collateral released back to the owner.
type CollateralDecreased struct {
	Recipient crypto.Address
	LoanID    uint64
	Removed   *uint256.Int
	Total     *uint256.Int
}

func (CollateralDecreased) EventType() string { return TypeCollateralDecreased }

func (e CollateralDecreased) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralDecreased,
		Attributes: map[string]string{
			"recipient":  e.Recipient.String(),
			"loanId":     formatID(e.LoanID),
			"removed":    formatAmount(e.Removed),
			"collateral": formatAmount(e.Total),
		},
	}
}

// LiquidationStarted records the hand-off to the liquidator.
type LiquidationStarted struct {
	Recipient  crypto.Address
	LoanID     uint64
	Collateral *uint256.Int
	Amount     *uint256.Int
	Duration   uint64
}

func (LiquidationStarted) EventType() string { return TypeLiquidationStarted }

func (e LiquidationStarted) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquidationStarted,
		Attributes: map[string]string{
			"recipient":  e.Recipient.String(),
			"loanId":     formatID(e.LoanID),
			"collateral": formatAmount(e.Collateral),
			"amount":     formatAmount(e.Amount),
			"duration":   strconv.FormatUint(e.Duration, 10),
		},
	}
}

// LiquidationResolved records the liquidator's reported sale.
type LiquidationResolved struct {
	Recipient      crypto.Address
	LoanID         uint64
	CollateralSold *uint256.Int
	Buyer          crypto.Address
	Residual       *uint256.Int
}

func (LiquidationResolved) EventType() string { return TypeLiquidationResolved }

func (e LiquidationResolved) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquidationResolved,
		Attributes: map[string]string{
			"recipient":      e.Recipient.String(),
			"loanId":         formatID(e.LoanID),
			"collateralSold": formatAmount(e.CollateralSold),
			"buyer":          e.Buyer.String(),
			"residual":       formatAmount(e.Residual),
		},
	}
}

// ParamUpdated records an oracle-driven parameter change.
type ParamUpdated struct {
	Variable string
	Value    *uint256.Int
	Oracle   crypto.Address
}

func (ParamUpdated) EventType() string { return TypeParamUpdated }

func (e ParamUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeParamUpdated,
		Attributes: map[string]string{
			"variable": strings.TrimSpace(e.Variable),
			"value":    formatAmount(e.Value),
			"oracle":   e.Oracle.String(),
		},
	}
}

// AddressRegistered records a one-time collaborator address assignment.
type AddressRegistered struct {
	Role    string
	Address crypto.Address
	Setter  crypto.Address
}

func (AddressRegistered) EventType() string { return TypeAddressRegistered }

func (e AddressRegistered) Event() *types.Event {
	return &types.Event{
		Type: TypeAddressRegistered,
		Attributes: map[string]string{
			"role":    strings.TrimSpace(e.Role),
			"address": e.Address.String(),
			"setter":  e.Setter.String(),
		},
	}
}
