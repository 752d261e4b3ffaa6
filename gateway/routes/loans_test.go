package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"pegledger/core/events"
	"pegledger/core/state"
	"pegledger/crypto"
	"pegledger/gateway/middleware"
	"pegledger/native/loans"
	"pegledger/native/token"
	"pegledger/services/journal"
	"pegledger/storage"
)

func testAddr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = b
	return crypto.MustNewAddress(crypto.AccountPrefix, raw)
}

var (
	deployer   = testAddr(1)
	oracle     = testAddr(2)
	liquidator = testAddr(3)
	borrower   = testAddr(4)
	buyer      = testAddr(5)
)

type harness struct {
	handler http.Handler
	ledger  *loans.Ledger
	hub     *events.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger := loans.NewLedger(state.NewManager(storage.NewMemDB()), loans.Settings{
		Deployer:             deployer,
		MaxLoan:              uint256.NewInt(1_000_000),
		UnitsPerBaseCurrency: uint256.NewInt(1),
		Alloc:                []loans.Credit{{Address: borrower, Amount: uint256.NewInt(100)}},
	})
	ledger.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	_, err := ledger.ApplyGenesis(context.Background())
	require.NoError(t, err)

	db, err := journal.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	j, err := journal.New(db, nil)
	require.NoError(t, err)
	hub := events.NewHub(16)
	ledger.SetEmitter(events.Multi{hub, j})
	idempotency, err := middleware.OpenIdempotencyStore(filepath.Join(t.TempDir(), "idem.db"), time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idempotency.Close() })

	handler, err := New(Config{
		Ledger:        ledger,
		Journal:       j,
		Hub:           hub,
		Idempotency:   idempotency,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{TrustCallerHeader: true}, nil),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{}, nil),
	})
	require.NoError(t, err)
	return &harness{handler: handler, ledger: ledger, hub: hub}
}

func (h *harness) do(t *testing.T, method, path string, caller crypto.Address, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if !caller.IsZero() {
		req.Header.Set(middleware.CallerHeader, caller.String())
	}
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res
}

func decode(t *testing.T, res *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), dst))
}

func (h *harness) configure(t *testing.T) {
	t.Helper()
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/admin/oracle", deployer, map[string]string{"address": oracle.String()}).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/admin/liquidator", oracle, map[string]string{"address": liquidator.String()}).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/admin/token", oracle, map[string]string{"address": token.Address.String()}).Code)
	for variable, value := range map[string]string{"etherPrice": "100", "collateralRatio": "1500", "liquidationDuration": "600"} {
		res := h.do(t, http.MethodPost, "/v1/admin/variables", oracle, map[string]string{"variable": variable, "value": value})
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	}
}

func TestAdminRoutesEnforceRoles(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, http.MethodPost, "/v1/admin/oracle", oracle, map[string]string{"address": oracle.String()})
	require.Equal(t, http.StatusForbidden, res.Code)

	h.configure(t)
	res = h.do(t, http.MethodPost, "/v1/admin/oracle", deployer, map[string]string{"address": buyer.String()})
	require.Equal(t, http.StatusConflict, res.Code)
	var body errorResponse
	decode(t, res, &body)
	require.Equal(t, "already_initialized", body.Code)

	res = h.do(t, http.MethodPost, "/v1/admin/variables", oracle, map[string]string{"variable": "etherPrice", "value": "0"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodGet, "/v1/params", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var params paramsView
	decode(t, res, &params)
	require.Equal(t, "100", params.EtherPrice)
	require.Equal(t, "1500", params.CollateralRatio)
	require.Equal(t, uint64(600), params.LiquidationDuration)
	require.Equal(t, oracle.String(), params.OracleAddress)
	require.Equal(t, "10000.00", params.MaxLoanDisplay)
}

func TestLoanLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	res := h.do(t, http.MethodPost, "/v1/loans", crypto.Address{}, openLoanRequest{Amount: "1000", Collateral: "15"})
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = h.do(t, http.MethodPost, "/v1/loans", borrower, openLoanRequest{Amount: "1000", Collateral: "14"})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)

	res = h.do(t, http.MethodPost, "/v1/loans", borrower, openLoanRequest{Amount: "1000", Collateral: "15"})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var loan loanView
	decode(t, res, &loan)
	require.Equal(t, uint64(1), loan.ID)
	require.Equal(t, "ACTIVE", loan.State)
	require.Equal(t, "10.00", loan.AmountDisplay)
	require.Equal(t, "15", loan.CollateralDisplay)

	res = h.do(t, http.MethodGet, "/v1/collateral/min?amount=1000", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"minCollateral":"15"`)

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/loans/9", crypto.Address{}, nil).Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/loans/abc", crypto.Address{}, nil).Code)

	res = h.do(t, http.MethodPost, "/v1/loans/1/settle", borrower, amountRequest{Amount: "1000"})
	require.Equal(t, http.StatusPaymentRequired, res.Code)

	res = h.do(t, http.MethodPost, "/v1/token/approve", borrower, transferRequest{Amount: "1000"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.do(t, http.MethodPost, "/v1/loans/1/settle", borrower, amountRequest{Amount: "1000"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	decode(t, res, &loan)
	require.Equal(t, "SETTLED", loan.State)

	res = h.do(t, http.MethodPost, "/v1/loans/1/settle", borrower, amountRequest{Amount: "1"})
	require.Equal(t, http.StatusConflict, res.Code)

	res = h.do(t, http.MethodGet, "/v1/accounts/"+borrower.String(), crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var account accountView
	decode(t, res, &account)
	require.Equal(t, "100", account.Base)
	require.Equal(t, "0", account.Token)

	res = h.do(t, http.MethodGet, "/v1/loans/1/events", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var listed struct {
		Events []eventView `json:"events"`
	}
	decode(t, res, &listed)
	require.Len(t, listed.Events, 2)
	require.Equal(t, events.TypeLoanOpened, listed.Events[0].Type)
	require.Equal(t, events.TypeLoanSettled, listed.Events[1].Type)

	res = h.do(t, http.MethodGet, "/v1/loans?recipient="+borrower.String(), crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"state":"SETTLED"`)
}

func TestLiquidationOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	res := h.do(t, http.MethodPost, "/v1/loans/quick", borrower, quickLoanRequest{Collateral: "30"})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = h.do(t, http.MethodPost, "/v1/loans/1/liquidate", buyer, nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)

	res = h.do(t, http.MethodPost, "/v1/admin/variables", oracle, variableRequest{Variable: "etherPrice", Value: "40"})
	require.Equal(t, http.StatusOK, res.Code)

	res = h.do(t, http.MethodPost, "/v1/loans/1/liquidate", buyer, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.do(t, http.MethodGet, "/v1/liquidations", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"loanId":1`)

	res = h.do(t, http.MethodPost, "/v1/liquidations/1/resolve", buyer, resolveRequest{CollateralSold: "30", Buyer: buyer.String()})
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(t, http.MethodPost, "/v1/liquidations/1/resolve", liquidator, resolveRequest{CollateralSold: "30", Buyer: buyer.String()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var loan loanView
	decode(t, res, &loan)
	require.Equal(t, "LIQUIDATED", loan.State)

	res = h.do(t, http.MethodGet, "/v1/liquidations/1", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var auction auctionView
	decode(t, res, &auction)
	require.True(t, auction.Resolved)
	require.Equal(t, buyer.String(), auction.Buyer)
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	res := h.do(t, http.MethodPost, "/v1/loans", borrower, map[string]string{"amount": "1000", "bogus": "1"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodPost, "/v1/loans", borrower, openLoanRequest{Amount: "12x", Collateral: "15"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodPost, "/v1/bank/transfer", borrower, transferRequest{To: "nope", Amount: "1"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodGet, "/healthz", crypto.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.NotEmpty(t, res.Header().Get(middleware.RequestIDHeader))
}

func TestStreamRelaysCommittedEvents(t *testing.T) {
	h := newHarness(t)
	h.configure(t)
	server := httptest.NewServer(h.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/stream?type=" + events.TypeLoanOpened
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test complete")

	require.Eventually(t, func() bool { return h.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.ledger.TransferBase(ctx, borrower, buyer, uint256.NewInt(1)))
	_, err = h.ledger.OpenLoan(ctx, borrower, uint256.NewInt(1000), uint256.NewInt(15))
	require.NoError(t, err)

	msgType, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, msgType)
	var ev struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, events.TypeLoanOpened, ev.Type)
	require.Equal(t, "1", ev.Attributes["loanId"])
}

func TestStatusForMapsLedgerErrors(t *testing.T) {
	cases := map[error]int{
		loans.ErrUnauthorized:           http.StatusForbidden,
		loans.ErrInvalidLoanState:       http.StatusConflict,
		loans.ErrExceededMaxLoan:        http.StatusBadRequest,
		loans.ErrSufficientCollateral:   http.StatusUnprocessableEntity,
		loans.ErrInsufficientAllowance:  http.StatusPaymentRequired,
		loans.ErrLoanNotFound:           http.StatusNotFound,
		context.DeadlineExceeded:        http.StatusGatewayTimeout,
		fmt.Errorf("disk: %w", errBoom): http.StatusInternalServerError,
	}
	for err, want := range cases {
		status, _ := statusFor(err)
		require.Equal(t, want, status, err.Error())
	}
}

var errBoom = errors.New("boom")

func TestRetriedOpenWithIdempotencyKeyOpensOnce(t *testing.T) {
	h := newHarness(t)
	h.configure(t)

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/loans", strings.NewReader(body))
		req.Header.Set(middleware.CallerHeader, borrower.String())
		req.Header.Set(middleware.IdempotencyHeader, "open-1")
		res := httptest.NewRecorder()
		h.handler.ServeHTTP(res, req)
		return res
	}
	first := send(`{"amount":"1000","collateral":"15"}`)
	require.Less(t, first.Code, 300, first.Body.String())
	second := send(`{"amount":"1000","collateral":"15"}`)
	require.Equal(t, first.Code, second.Code)
	require.Equal(t, "true", second.Header().Get(middleware.ReplayedHeader))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	all, err := h.ledger.Loans(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)

	reused := send(`{"amount":"500","collateral":"15"}`)
	require.Equal(t, http.StatusUnprocessableEntity, reused.Code)
}
