package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"pegledger/crypto"
	"pegledger/native/liquidation"
	"pegledger/native/loans"
)

const requestBodyLimit = 1 << 16

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var statusByCode = map[string]int{
	"unauthorized":            http.StatusForbidden,
	"already_initialized":     http.StatusConflict,
	"invalid_loan_state":      http.StatusConflict,
	"invalid_amount":          http.StatusBadRequest,
	"exceeded_max_loan":       http.StatusBadRequest,
	"arithmetic_overflow":     http.StatusBadRequest,
	"invalid_account":         http.StatusBadRequest,
	"insufficient_collateral": http.StatusUnprocessableEntity,
	"sufficient_collateral":   http.StatusUnprocessableEntity,
	"insufficient_balance":    http.StatusUnprocessableEntity,
	"insufficient_allowance":  http.StatusPaymentRequired,
	"loan_not_found":          http.StatusNotFound,
	"auction_not_found":       http.StatusNotFound,
	"parameters_unset":        http.StatusPreconditionFailed,
	"not_configured":          http.StatusPreconditionFailed,
	"module_paused":           http.StatusServiceUnavailable,
}

// statusFor maps a ledger error to its HTTP status and stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "cancelled"
	}
	code := loans.ErrorCode(err)
	if status, ok := statusByCode[code]; ok {
		return status, code
	}
	return http.StatusInternalServerError, code
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, badRequest("%s is required", field)
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, badRequest("%s: %v", field, err)
	}
	return v, nil
}

func parseAddress(field, raw string) (crypto.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return crypto.Address{}, badRequest("%s is required", field)
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, badRequest("%s: %v", field, err)
	}
	return addr, nil
}

func parseLoanID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("invalid loan id %q", raw)
	}
	return id, nil
}

func queryUint(r *http.Request, key string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("invalid %s %q", key, raw)
	}
	return v, nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// tokenDisplay renders a cent-denominated token amount with two decimals.
func tokenDisplay(cents *uint256.Int) string {
	if cents == nil {
		return "0.00"
	}
	return decimal.NewFromBigInt(cents.ToBig(), -2).StringFixed(2)
}

// baseDisplay renders atomic collateral units in whole base-currency units.
func baseDisplay(units, perBase *uint256.Int) string {
	if units == nil {
		return "0"
	}
	amount := decimal.NewFromBigInt(units.ToBig(), 0)
	if perBase == nil || perBase.IsZero() {
		return amount.String()
	}
	return amount.DivRound(decimal.NewFromBigInt(perBase.ToBig(), 0), 18).String()
}

type loanView struct {
	ID                uint64 `json:"id"`
	Recipient         string `json:"recipient"`
	State             string `json:"state"`
	Amount            string `json:"amount"`
	AmountDisplay     string `json:"amountDisplay"`
	Collateral        string `json:"collateral"`
	CollateralDisplay string `json:"collateralDisplay"`
	OpenedAt          int64  `json:"openedAt"`
	UpdatedAt         int64  `json:"updatedAt"`
}

func renderLoan(loan *loans.Loan, perBase *uint256.Int) loanView {
	return loanView{
		ID:                loan.ID,
		Recipient:         loan.Recipient.String(),
		State:             loan.State.String(),
		Amount:            amountString(loan.Amount),
		AmountDisplay:     tokenDisplay(loan.Amount),
		Collateral:        amountString(loan.Collateral),
		CollateralDisplay: baseDisplay(loan.Collateral, perBase),
		OpenedAt:          loan.OpenedAt,
		UpdatedAt:         loan.UpdatedAt,
	}
}

type paramsView struct {
	EtherPrice           string `json:"etherPrice"`
	CollateralRatio      string `json:"collateralRatio"`
	LiquidationDuration  uint64 `json:"liquidationDuration"`
	OracleAddress        string `json:"oracleAddress"`
	LiquidatorAddress    string `json:"liquidatorAddress"`
	TokenAddress         string `json:"tokenAddress"`
	Deployer             string `json:"deployer"`
	MaxLoan              string `json:"maxLoan"`
	MaxLoanDisplay       string `json:"maxLoanDisplay"`
	UnitsPerBaseCurrency string `json:"unitsPerBaseCurrency"`
}

func renderParams(p *loans.Parameters, s loans.Settings) paramsView {
	return paramsView{
		EtherPrice:           amountString(p.EtherPrice),
		CollateralRatio:      amountString(p.CollateralRatio),
		LiquidationDuration:  p.LiquidationDuration,
		OracleAddress:        p.OracleAddress.String(),
		LiquidatorAddress:    p.LiquidatorAddress.String(),
		TokenAddress:         p.TokenAddress.String(),
		Deployer:             s.Deployer.String(),
		MaxLoan:              amountString(s.MaxLoan),
		MaxLoanDisplay:       tokenDisplay(s.MaxLoan),
		UnitsPerBaseCurrency: amountString(s.UnitsPerBaseCurrency),
	}
}

type auctionView struct {
	LoanID     uint64 `json:"loanId"`
	Collateral string `json:"collateral"`
	Amount     string `json:"amount"`
	Duration   uint64 `json:"duration"`
	StartedAt  int64  `json:"startedAt"`
	Deadline   int64  `json:"deadline"`
	Resolved   bool   `json:"resolved"`
	Sold       string `json:"sold"`
	Buyer      string `json:"buyer,omitempty"`
}

func renderAuction(a *liquidation.Auction) auctionView {
	return auctionView{
		LoanID:     a.LoanID,
		Collateral: amountString(a.Collateral),
		Amount:     amountString(a.Amount),
		Duration:   a.Duration,
		StartedAt:  a.StartedAt,
		Deadline:   a.Deadline,
		Resolved:   a.Resolved,
		Sold:       amountString(a.Sold),
		Buyer:      a.Buyer.String(),
	}
}

type accountView struct {
	Address         string `json:"address"`
	Base            string `json:"base"`
	BaseDisplay     string `json:"baseDisplay"`
	Token           string `json:"token"`
	TokenDisplay    string `json:"tokenDisplay"`
	LedgerAllowance string `json:"ledgerAllowance"`
}

func renderAccount(a *loans.Account, perBase *uint256.Int) accountView {
	return accountView{
		Address:         a.Address.String(),
		Base:            amountString(a.Base),
		BaseDisplay:     baseDisplay(a.Base, perBase),
		Token:           amountString(a.Token),
		TokenDisplay:    tokenDisplay(a.Token),
		LedgerAllowance: amountString(a.LedgerAllowance),
	}
}
