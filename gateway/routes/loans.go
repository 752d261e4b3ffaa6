package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"pegledger/crypto"
	"pegledger/gateway/middleware"
	"pegledger/native/loans"
	"pegledger/services/journal"
)

// EventSource lists journaled ledger events.
type EventSource interface {
	List(ctx context.Context, q journal.Query) ([]journal.Record, error)
}

var errAnonymous = errors.New("authentication required")

type ledgerRoutes struct {
	ledger  *loans.Ledger
	journal EventSource
	timeout time.Duration
	logger  *slog.Logger
}

func (lr *ledgerRoutes) mountReads(r chi.Router) {
	r.Get("/params", lr.getParams)
	r.Get("/collateral/min", lr.getMinCollateral)
	r.Get("/loans", lr.listLoans)
	r.Get("/loans/{id}", lr.getLoan)
	r.Get("/loans/{id}/events", lr.loanEvents)
	r.Get("/events", lr.listEvents)
	r.Get("/liquidations", lr.listLiquidations)
	r.Get("/liquidations/{id}", lr.getLiquidation)
	r.Get("/accounts/{address}", lr.getAccount)
	r.Get("/token/supply", lr.getSupply)
}

func (lr *ledgerRoutes) mountWrites(r chi.Router) {
	r.Post("/loans", lr.openLoan)
	r.Post("/loans/quick", lr.quickLoan)
	r.Post("/loans/{id}/collateral/increase", lr.increaseCollateral)
	r.Post("/loans/{id}/collateral/decrease", lr.decreaseCollateral)
	r.Post("/loans/{id}/settle", lr.settleLoan)
	r.Post("/loans/{id}/liquidate", lr.liquidate)
	r.Post("/liquidations/{id}/resolve", lr.resolveLiquidation)
	r.Post("/token/approve", lr.approve)
	r.Post("/token/transfer", lr.transferToken)
	r.Post("/bank/transfer", lr.transferBase)
}

func (lr *ledgerRoutes) mountAdmin(r chi.Router) {
	r.Post("/oracle", lr.registerAddress(lr.ledger.SetOracleAddress))
	r.Post("/liquidator", lr.registerAddress(lr.ledger.SetLiquidatorAddress))
	r.Post("/token", lr.registerAddress(lr.ledger.SetTokenAddress))
	r.Post("/variables", lr.setVariable)
}

func (lr *ledgerRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, lr.timeout)
}

func (lr *ledgerRoutes) perBase() *uint256.Int {
	return lr.ledger.Settings().UnitsPerBaseCurrency
}

func callerOf(r *http.Request) (crypto.Address, error) {
	caller := middleware.CallerFromContext(r.Context())
	if caller.IsZero() {
		return crypto.Address{}, errAnonymous
	}
	return caller, nil
}

func (lr *ledgerRoutes) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errAnonymous) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), Code: "unauthenticated"})
		return
	}
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		lr.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("requestId", middleware.RequestIDFromContext(r.Context())),
			slog.String("reason", code),
			slog.Any("error", err))
	}
	writeError(w, err)
}

func (lr *ledgerRoutes) writeLoan(w http.ResponseWriter, status int, loan *loans.Loan) {
	writeJSON(w, status, renderLoan(loan, lr.perBase()))
}

// --- reads ---

func (lr *ledgerRoutes) getParams(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	params, err := lr.ledger.Parameters(ctx)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderParams(params, lr.ledger.Settings()))
}

func (lr *ledgerRoutes) getMinCollateral(w http.ResponseWriter, r *http.Request) {
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	required, err := lr.ledger.MinCollateral(ctx, amount)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"amount":            amount.Dec(),
		"minCollateral":     required.Dec(),
		"collateralDisplay": baseDisplay(required, lr.perBase()),
	})
}

func (lr *ledgerRoutes) listLoans(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after")
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	if limit > 500 {
		limit = 500
	}
	var owner crypto.Address
	if raw := strings.TrimSpace(r.URL.Query().Get("recipient")); raw != "" {
		if owner, err = parseAddress("recipient", raw); err != nil {
			lr.fail(w, r, err)
			return
		}
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	list, err := lr.ledger.Loans(ctx, after, int(limit))
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	out := make([]loanView, 0, len(list))
	for _, loan := range list {
		if !owner.IsZero() && !loan.Recipient.Equal(owner) {
			continue
		}
		out = append(out, renderLoan(loan, lr.perBase()))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loans": out})
}

func (lr *ledgerRoutes) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(r)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	loan, err := lr.ledger.Loan(ctx, id)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	lr.writeLoan(w, http.StatusOK, loan)
}

type eventView struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (lr *ledgerRoutes) queryEvents(w http.ResponseWriter, r *http.Request, q journal.Query) {
	if lr.journal == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "event journal disabled", Code: "journal_disabled"})
		return
	}
	after, err := queryUint(r, "after")
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	q.AfterSeq = after
	q.Limit = int(limit)
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	records, err := lr.journal.List(ctx, q)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	out := make([]eventView, 0, len(records))
	for i := range records {
		ev, err := records[i].Event()
		if err != nil {
			lr.fail(w, r, err)
			return
		}
		out = append(out, eventView{
			ID:         records[i].ID.String(),
			Sequence:   records[i].Sequence,
			Type:       ev.Type,
			Attributes: ev.Attributes,
			CreatedAt:  records[i].CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

func (lr *ledgerRoutes) loanEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(r)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	lr.queryEvents(w, r, journal.Query{LoanID: id})
}

func (lr *ledgerRoutes) listEvents(w http.ResponseWriter, r *http.Request) {
	lr.queryEvents(w, r, journal.Query{
		Type:      r.URL.Query().Get("type"),
		Recipient: r.URL.Query().Get("recipient"),
	})
}

func (lr *ledgerRoutes) listLiquidations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	pending, err := lr.ledger.PendingLiquidations(ctx)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	out := make([]auctionView, 0, len(pending))
	for _, auction := range pending {
		out = append(out, renderAuction(auction))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": out})
}

func (lr *ledgerRoutes) getLiquidation(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(r)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	auction, err := lr.ledger.Auction(ctx, id)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderAuction(auction))
}

func (lr *ledgerRoutes) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	account, err := lr.ledger.Account(ctx, addr)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderAccount(account, lr.perBase()))
}

func (lr *ledgerRoutes) getSupply(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	supply, err := lr.ledger.TotalSupply(ctx)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"totalSupply": supply.Dec(),
		"display":     tokenDisplay(supply),
	})
}

// --- loan writes ---

type openLoanRequest struct {
	Amount     string `json:"amount"`
	Collateral string `json:"collateral"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type quickLoanRequest struct {
	Collateral string `json:"collateral"`
}

type resolveRequest struct {
	CollateralSold string `json:"collateralSold"`
	Buyer          string `json:"buyer"`
}

func (lr *ledgerRoutes) openLoan(w http.ResponseWriter, r *http.Request) {
	var req openLoanRequest
	caller, err := callerOf(r)
	if err == nil {
		err = decodeBody(r, &req)
	}
	var amount, collateral *uint256.Int
	if err == nil {
		amount, err = parseAmount("amount", req.Amount)
	}
	if err == nil {
		collateral, err = parseAmount("collateral", req.Collateral)
	}
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	loan, err := lr.ledger.OpenLoan(ctx, caller, amount, collateral)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	lr.writeLoan(w, http.StatusCreated, loan)
}

func (lr *ledgerRoutes) quickLoan(w http.ResponseWriter, r *http.Request) {
	var req quickLoanRequest
	caller, err := callerOf(r)
	if err == nil {
		err = decodeBody(r, &req)
	}
	var collateral *uint256.Int
	if err == nil {
		collateral, err = parseAmount("collateral", req.Collateral)
	}
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	loan, err := lr.ledger.QuickLoan(ctx, caller, collateral)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	lr.writeLoan(w, http.StatusCreated, loan)
}

type loanAmountOp func(ctx context.Context, caller crypto.Address, id uint64, amount *uint256.Int) (*loans.Loan, error)

// loanAmount handles the loan-scoped operations taking a single amount.
func (lr *ledgerRoutes) loanAmount(op loanAmountOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		caller, err := callerOf(r)
		var id uint64
		if err == nil {
			id, err = parseLoanID(r)
		}
		if err == nil {
			err = decodeBody(r, &req)
		}
		var amount *uint256.Int
		if err == nil {
			amount, err = parseAmount("amount", req.Amount)
		}
		if err != nil {
			lr.fail(w, r, err)
			return
		}
		ctx, cancel := lr.context(r.Context())
		defer cancel()
		loan, err := op(ctx, caller, id, amount)
		if err != nil {
			lr.fail(w, r, err)
			return
		}
		lr.writeLoan(w, http.StatusOK, loan)
	}
}

func (lr *ledgerRoutes) increaseCollateral(w http.ResponseWriter, r *http.Request) {
	lr.loanAmount(lr.ledger.IncreaseCollateral)(w, r)
}

func (lr *ledgerRoutes) decreaseCollateral(w http.ResponseWriter, r *http.Request) {
	lr.loanAmount(lr.ledger.DecreaseCollateral)(w, r)
}

func (lr *ledgerRoutes) settleLoan(w http.ResponseWriter, r *http.Request) {
	lr.loanAmount(lr.ledger.SettleLoan)(w, r)
}

func (lr *ledgerRoutes) liquidate(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	var id uint64
	if err == nil {
		id, err = parseLoanID(r)
	}
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	loan, err := lr.ledger.Liquidate(ctx, caller, id)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	lr.writeLoan(w, http.StatusOK, loan)
}

func (lr *ledgerRoutes) resolveLiquidation(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	caller, err := callerOf(r)
	var id uint64
	if err == nil {
		id, err = parseLoanID(r)
	}
	if err == nil {
		err = decodeBody(r, &req)
	}
	var sold *uint256.Int
	if err == nil {
		sold, err = parseAmount("collateralSold", req.CollateralSold)
	}
	var buyer crypto.Address
	if err == nil && strings.TrimSpace(req.Buyer) != "" {
		buyer, err = parseAddress("buyer", req.Buyer)
	}
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	loan, err := lr.ledger.ResolveLiquidation(ctx, caller, id, sold, buyer)
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	lr.writeLoan(w, http.StatusOK, loan)
}

// --- token and bank ---

type transferRequest struct {
	To      string `json:"to"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type transferOp func(ctx context.Context, from, to crypto.Address, amount *uint256.Int) error

func (lr *ledgerRoutes) transfer(counterparty func(transferRequest) (string, string), op transferOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		caller, err := callerOf(r)
		if err == nil {
			err = decodeBody(r, &req)
		}
		field, raw := counterparty(req)
		var to crypto.Address
		if err == nil {
			to, err = parseAddress(field, raw)
		}
		var amount *uint256.Int
		if err == nil {
			amount, err = parseAmount("amount", req.Amount)
		}
		if err != nil {
			lr.fail(w, r, err)
			return
		}
		ctx, cancel := lr.context(r.Context())
		defer cancel()
		if err := op(ctx, caller, to, amount); err != nil {
			lr.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func spenderOf(req transferRequest) (string, string) {
	if strings.TrimSpace(req.Spender) == "" {
		return "spender", loans.ModuleAddress.String()
	}
	return "spender", req.Spender
}

func recipientOf(req transferRequest) (string, string) { return "to", req.To }

func (lr *ledgerRoutes) approve(w http.ResponseWriter, r *http.Request) {
	lr.transfer(spenderOf, lr.ledger.Approve)(w, r)
}

func (lr *ledgerRoutes) transferToken(w http.ResponseWriter, r *http.Request) {
	lr.transfer(recipientOf, lr.ledger.TransferToken)(w, r)
}

func (lr *ledgerRoutes) transferBase(w http.ResponseWriter, r *http.Request) {
	lr.transfer(recipientOf, lr.ledger.TransferBase)(w, r)
}

// --- admin ---

type addressRequest struct {
	Address string `json:"address"`
}

type variableRequest struct {
	Variable string `json:"variable"`
	Value    string `json:"value"`
}

func (lr *ledgerRoutes) registerAddress(op func(ctx context.Context, caller, addr crypto.Address) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addressRequest
		caller, err := callerOf(r)
		if err == nil {
			err = decodeBody(r, &req)
		}
		var addr crypto.Address
		if err == nil {
			addr, err = parseAddress("address", req.Address)
		}
		if err != nil {
			lr.fail(w, r, err)
			return
		}
		ctx, cancel := lr.context(r.Context())
		defer cancel()
		if err := op(ctx, caller, addr); err != nil {
			lr.fail(w, r, err)
			return
		}
		lr.getParams(w, r)
	}
}

func (lr *ledgerRoutes) setVariable(w http.ResponseWriter, r *http.Request) {
	var req variableRequest
	caller, err := callerOf(r)
	if err == nil {
		err = decodeBody(r, &req)
	}
	var kind loans.Variable
	if err == nil {
		kind, err = loans.ParseVariable(req.Variable)
	}
	var value *uint256.Int
	if err == nil {
		value, err = parseAmount("value", req.Value)
	}
	if err != nil {
		lr.fail(w, r, err)
		return
	}
	ctx, cancel := lr.context(r.Context())
	defer cancel()
	if err := lr.ledger.SetVariable(ctx, caller, kind, value); err != nil {
		lr.fail(w, r, err)
		return
	}
	lr.getParams(w, r)
}
