package loans

import (
	"errors"

	"pegledger/native/bank"
	nativecommon "pegledger/native/common"
	"pegledger/native/liquidation"
	"pegledger/native/token"
)

var (
	ErrUnauthorized           = errors.New("loans: unauthorized")
	ErrAlreadyInitialized     = errors.New("loans: already initialized")
	ErrInvalidAmount          = errors.New("loans: invalid amount")
	ErrExceededMaxLoan        = errors.New("loans: exceeded max loan")
	ErrInsufficientCollateral = errors.New("loans: insufficient collateral")
	ErrSufficientCollateral   = errors.New("loans: sufficient collateral")
	ErrInsufficientAllowance  = errors.New("loans: insufficient allowance")
	ErrInvalidLoanState       = errors.New("loans: invalid loan state")

	ErrLoanNotFound       = errors.New("loans: loan not found")
	ErrParametersUnset    = errors.New("loans: price or collateral ratio not set")
	ErrNotConfigured      = errors.New("loans: collaborator not configured")
	ErrArithmeticOverflow = errors.New("loans: arithmetic overflow")

	errNilState = errors.New("loans: state not configured")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrExceededMaxLoan, "exceeded_max_loan"},
	{ErrInsufficientCollateral, "insufficient_collateral"},
	{ErrSufficientCollateral, "sufficient_collateral"},
	{ErrInsufficientAllowance, "insufficient_allowance"},
	{ErrInvalidLoanState, "invalid_loan_state"},
	{ErrLoanNotFound, "loan_not_found"},
	{ErrParametersUnset, "parameters_unset"},
	{ErrNotConfigured, "not_configured"},
	{ErrArithmeticOverflow, "arithmetic_overflow"},
	{nativecommon.ErrModulePaused, "module_paused"},
	{bank.ErrInsufficientBalance, "insufficient_balance"},
	{token.ErrInsufficientBalance, "insufficient_balance"},
	{token.ErrInsufficientAllowance, "insufficient_allowance"},
	{bank.ErrInvalidAccount, "invalid_account"},
	{token.ErrInvalidAccount, "invalid_account"},
	{liquidation.ErrAuctionNotFound, "auction_not_found"},
}

// ErrorCode returns a stable identifier for err, "ok" for nil and "internal"
// for errors that wrap none of the ledger sentinels.
func ErrorCode(err error) string {
	if err == nil {
		return "ok"
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "internal"
}
