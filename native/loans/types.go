package loans

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"pegledger/crypto"
)

// PrecisionFactor scales CollateralRatio: 1500 means 1.5x.
const PrecisionFactor = 1000

const moduleName = "loans"

// ModuleAddress is the account that holds locked collateral and mints tokens.
var ModuleAddress = crypto.ModuleAddress(moduleName)

// LoanState enumerates the lifecycle stages of a loan. Transitions only move
// forward: ACTIVE to UNDER_LIQUIDATION to LIQUIDATED, or ACTIVE to SETTLED.
type LoanState uint8

const (
	StateActive LoanState = iota
	StateUnderLiquidation
	StateLiquidated
	StateSettled
)

var stateNames = map[LoanState]string{
	StateActive:           "ACTIVE",
	StateUnderLiquidation: "UNDER_LIQUIDATION",
	StateLiquidated:       "LIQUIDATED",
	StateSettled:          "SETTLED",
}

func (s LoanState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// Terminal reports whether no further transition is possible.
func (s LoanState) Terminal() bool {
	return s == StateLiquidated || s == StateSettled
}

// MarshalText renders the state name for JSON payloads.
func (s LoanState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseLoanState resolves a state name case-insensitively.
func ParseLoanState(name string) (LoanState, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for state, label := range stateNames {
		if label == want {
			return state, nil
		}
	}
	return 0, fmt.Errorf("loans: unknown state %q", name)
}

// Loan is a single borrowing position.
type Loan struct {
	ID         uint64
	Recipient  crypto.Address
	Collateral *uint256.Int
	Amount     *uint256.Int
	State      LoanState
	OpenedAt   int64
	UpdatedAt  int64
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Collateral != nil {
		clone.Collateral = new(uint256.Int).Set(l.Collateral)
	}
	if l.Amount != nil {
		clone.Amount = new(uint256.Int).Set(l.Amount)
	}
	return &clone
}

// Variable names an oracle-settable numeric parameter.
type Variable uint8

const (
	VariableEtherPrice Variable = iota + 1
	VariableCollateralRatio
	VariableLiquidationDuration
)

func (v Variable) String() string {
	switch v {
	case VariableEtherPrice:
		return "etherPrice"
	case VariableCollateralRatio:
		return "collateralRatio"
	case VariableLiquidationDuration:
		return "liquidationDuration"
	default:
		return fmt.Sprintf("variable(%d)", uint8(v))
	}
}

// ParseVariable accepts the camelCase names used on the wire.
func ParseVariable(name string) (Variable, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "etherprice", "ether_price", "price":
		return VariableEtherPrice, nil
	case "collateralratio", "collateral_ratio", "ratio":
		return VariableCollateralRatio, nil
	case "liquidationduration", "liquidation_duration", "duration":
		return VariableLiquidationDuration, nil
	default:
		return 0, fmt.Errorf("%w: unknown variable %q", ErrInvalidAmount, name)
	}
}

// Parameters holds the oracle-controlled settings and the one-time
// collaborator addresses. Unset addresses are the zero Address.
type Parameters struct {
	EtherPrice          *uint256.Int
	CollateralRatio     *uint256.Int
	LiquidationDuration uint64
	OracleAddress       crypto.Address
	LiquidatorAddress   crypto.Address
	TokenAddress        crypto.Address
}

// Clone returns a deep copy of the parameters.
func (p *Parameters) Clone() *Parameters {
	if p == nil {
		return &Parameters{EtherPrice: new(uint256.Int), CollateralRatio: new(uint256.Int)}
	}
	clone := *p
	clone.EtherPrice = cloneOrZero(p.EtherPrice)
	clone.CollateralRatio = cloneOrZero(p.CollateralRatio)
	return &clone
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
