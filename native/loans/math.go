package loans

import "github.com/holiman/uint256"

var precision = uint256.NewInt(PrecisionFactor)

// Calculator evaluates collateral thresholds against a parameter snapshot.
// Every division truncates. The minimum may therefore sit marginally below the
// exact requirement, and partial repayments may leave dust in the loan.
type Calculator struct {
	EtherPrice           *uint256.Int
	CollateralRatio      *uint256.Int
	UnitsPerBaseCurrency *uint256.Int
}

// NewCalculator snapshots the pricing inputs from params.
func NewCalculator(params *Parameters, units *uint256.Int) Calculator {
	p := params.Clone()
	return Calculator{
		EtherPrice:           p.EtherPrice,
		CollateralRatio:      p.CollateralRatio,
		UnitsPerBaseCurrency: cloneOrZero(units),
	}
}

func (c Calculator) ready() error {
	if c.EtherPrice == nil || c.EtherPrice.IsZero() || c.CollateralRatio == nil || c.CollateralRatio.IsZero() {
		return ErrParametersUnset
	}
	if c.UnitsPerBaseCurrency == nil || c.UnitsPerBaseCurrency.IsZero() {
		return ErrNotConfigured
	}
	return nil
}

func mul(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func add(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func sub(a, b *uint256.Int) (*uint256.Int, error) {
	out, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// MinCollateral returns amount × ratio × units / precision / price. A zero debt
// needs no collateral, even before the oracle has published a price.
func (c Calculator) MinCollateral(amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return new(uint256.Int), nil
	}
	if err := c.ready(); err != nil {
		return nil, err
	}
	v, err := mul(amount, c.CollateralRatio)
	if err != nil {
		return nil, err
	}
	if v, err = mul(v, c.UnitsPerBaseCurrency); err != nil {
		return nil, err
	}
	v.Div(v, precision)
	return v.Div(v, c.EtherPrice), nil
}

// QuickLoanAmount sizes a loan at half of what collateral could support:
// collateral × precision × price / ratio / units / 2.
func (c Calculator) QuickLoanAmount(collateral *uint256.Int) (*uint256.Int, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if collateral == nil || collateral.IsZero() {
		return new(uint256.Int), nil
	}
	v, err := mul(collateral, precision)
	if err != nil {
		return nil, err
	}
	if v, err = mul(v, c.EtherPrice); err != nil {
		return nil, err
	}
	v.Div(v, c.CollateralRatio)
	v.Div(v, c.UnitsPerBaseCurrency)
	return v.Rsh(v, 1), nil
}

// Payback returns the share of collateral released for repaying repay out of
// outstanding: collateral × repay / outstanding.
func Payback(collateral, repay, outstanding *uint256.Int) (*uint256.Int, error) {
	if outstanding == nil || outstanding.IsZero() {
		return nil, ErrInvalidAmount
	}
	if collateral == nil || repay == nil {
		return new(uint256.Int), nil
	}
	v, err := mul(collateral, repay)
	if err != nil {
		return nil, err
	}
	return v.Div(v, outstanding), nil
}
