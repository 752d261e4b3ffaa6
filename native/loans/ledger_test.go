package loans

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pegledger/core/events"
	"pegledger/core/state"
	"pegledger/native/bank"
	"pegledger/native/token"
	"pegledger/storage"
)

func newTestLedger(t *testing.T) (*Ledger, *capturingEmitter) {
	t.Helper()
	ctx := context.Background()
	ledger := NewLedger(state.NewManager(storage.NewMemDB()), Settings{
		Deployer:             deployerAddr,
		MaxLoan:              uint256.NewInt(1_000_000),
		UnitsPerBaseCurrency: uint256.NewInt(1),
		Alloc:                []Credit{{Address: borrowerAddr, Amount: uint256.NewInt(100)}},
	})
	ledger.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	emitter := &capturingEmitter{}
	ledger.SetEmitter(emitter)

	if _, err := ledger.ApplyGenesis(ctx); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	mustNoErr(t, ledger.SetOracleAddress(ctx, deployerAddr, oracleAddr))
	mustNoErr(t, ledger.SetLiquidatorAddress(ctx, oracleAddr, liquidatorAddr))
	mustNoErr(t, ledger.SetTokenAddress(ctx, oracleAddr, token.Address))
	mustNoErr(t, ledger.SetVariable(ctx, oracleAddr, VariableEtherPrice, uint256.NewInt(100)))
	mustNoErr(t, ledger.SetVariable(ctx, oracleAddr, VariableCollateralRatio, uint256.NewInt(1500)))
	mustNoErr(t, ledger.SetVariable(ctx, oracleAddr, VariableLiquidationDuration, uint256.NewInt(600)))
	emitter.events = nil
	return ledger, emitter
}

func TestLedgerOpenAndSettleRoundTrip(t *testing.T) {
	ctx := context.Background()
	ledger, emitter := newTestLedger(t)

	loan, err := ledger.OpenLoan(ctx, borrowerAddr, uint256.NewInt(1000), uint256.NewInt(15))
	mustNoErr(t, err)
	account, err := ledger.Account(ctx, borrowerAddr)
	mustNoErr(t, err)
	if account.Base.Uint64() != 85 || account.Token.Uint64() != 1000 {
		t.Fatalf("unexpected balances after open: base=%s token=%s", account.Base, account.Token)
	}

	_, err = ledger.SettleLoan(ctx, borrowerAddr, loan.ID, uint256.NewInt(1000))
	expectErr(t, err, ErrInsufficientAllowance)
	expectErr(t, err, token.ErrInsufficientAllowance)

	mustNoErr(t, ledger.Approve(ctx, borrowerAddr, ModuleAddress, uint256.NewInt(1000)))
	settled, err := ledger.SettleLoan(ctx, borrowerAddr, loan.ID, uint256.NewInt(1000))
	mustNoErr(t, err)
	if settled.State != StateSettled || !settled.Amount.IsZero() {
		t.Fatalf("unexpected settled loan %+v", settled)
	}

	account, err = ledger.Account(ctx, borrowerAddr)
	mustNoErr(t, err)
	if account.Base.Uint64() != 100 || !account.Token.IsZero() || !account.LedgerAllowance.IsZero() {
		t.Fatalf("unexpected balances after settle: %+v", account)
	}
	supply, err := ledger.TotalSupply(ctx)
	mustNoErr(t, err)
	if !supply.IsZero() {
		t.Fatalf("repaid tokens must be burned, supply=%s", supply)
	}
	want := []string{events.TypeLoanOpened, events.TypeLoanSettled}
	got := emitter.types()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected published events %v", got)
	}
}

func TestLedgerRollsBackFailedOperation(t *testing.T) {
	ctx := context.Background()
	ledger, emitter := newTestLedger(t)

	// Enough collateral by ratio, but more than the borrower holds.
	_, err := ledger.OpenLoan(ctx, borrowerAddr, uint256.NewInt(1000), uint256.NewInt(500))
	if !errors.Is(err, bank.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	loans, err := ledger.Loans(ctx, 0, 10)
	mustNoErr(t, err)
	if len(loans) != 0 {
		t.Fatalf("failed open must not leave a loan behind")
	}
	supply, err := ledger.TotalSupply(ctx)
	mustNoErr(t, err)
	if !supply.IsZero() {
		t.Fatalf("failed open must not mint")
	}
	if len(emitter.events) != 0 {
		t.Fatalf("failed operation must not publish events")
	}

	loan, err := ledger.OpenLoan(ctx, borrowerAddr, uint256.NewInt(1000), uint256.NewInt(15))
	mustNoErr(t, err)
	if loan.ID != 1 {
		t.Fatalf("rolled back open must not consume an id, got %d", loan.ID)
	}
}

func TestLedgerLiquidationFlow(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	loan, err := ledger.OpenLoan(ctx, borrowerAddr, uint256.NewInt(1000), uint256.NewInt(15))
	mustNoErr(t, err)
	_, err = ledger.Liquidate(ctx, otherAddr, loan.ID)
	expectErr(t, err, ErrSufficientCollateral)

	mustNoErr(t, ledger.SetVariable(ctx, oracleAddr, VariableEtherPrice, uint256.NewInt(60)))
	_, err = ledger.Liquidate(ctx, otherAddr, loan.ID)
	mustNoErr(t, err)

	pending, err := ledger.PendingLiquidations(ctx)
	mustNoErr(t, err)
	if len(pending) != 1 || pending[0].LoanID != loan.ID || pending[0].Duration != 600 {
		t.Fatalf("unexpected pending auctions %+v", pending)
	}

	_, err = ledger.ResolveLiquidation(ctx, otherAddr, loan.ID, uint256.NewInt(15), buyerAddr)
	expectErr(t, err, ErrUnauthorized)
	resolved, err := ledger.ResolveLiquidation(ctx, liquidatorAddr, loan.ID, uint256.NewInt(15), buyerAddr)
	mustNoErr(t, err)
	if resolved.State != StateLiquidated || !resolved.Collateral.IsZero() {
		t.Fatalf("unexpected resolved loan %+v", resolved)
	}
	buyer, err := ledger.Account(ctx, buyerAddr)
	mustNoErr(t, err)
	if buyer.Base.Uint64() != 15 {
		t.Fatalf("buyer should hold the sold collateral, got %s", buyer.Base)
	}
	pending, err = ledger.PendingLiquidations(ctx)
	mustNoErr(t, err)
	if len(pending) != 0 {
		t.Fatalf("resolved auction must leave the pending list")
	}
	auction, err := ledger.Auction(ctx, loan.ID)
	mustNoErr(t, err)
	if !auction.Resolved || !auction.Buyer.Equal(buyerAddr) {
		t.Fatalf("unexpected auction record %+v", auction)
	}
}

func TestLedgerGenesisAppliedOnce(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	applied, err := ledger.ApplyGenesis(ctx)
	mustNoErr(t, err)
	if applied {
		t.Fatalf("genesis must not be applied twice")
	}
	account, err := ledger.Account(ctx, borrowerAddr)
	mustNoErr(t, err)
	if account.Base.Uint64() != 100 {
		t.Fatalf("unexpected genesis balance %s", account.Base)
	}
}

func TestLedgerObserverSeesOutcome(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	var ops []string
	var failures int
	ledger.SetObserver(func(op string, _ time.Duration, err error) {
		ops = append(ops, op)
		if err != nil {
			failures++
		}
	})

	_, _ = ledger.OpenLoan(ctx, borrowerAddr, uint256.NewInt(0), uint256.NewInt(1))
	_, err := ledger.QuickLoan(ctx, borrowerAddr, uint256.NewInt(30))
	mustNoErr(t, err)
	if len(ops) != 2 || ops[0] != "open_loan" || ops[1] != "quick_loan" || failures != 1 {
		t.Fatalf("unexpected observations ops=%v failures=%d", ops, failures)
	}
}

func TestLedgerHonoursCancelledContext(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ledger.OpenLoan(ctx, borrowerAddr, uint256.NewInt(1000), uint256.NewInt(15)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestLedgerTracesOperations(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ledger.SetTracer(provider.Tracer("test"))

	_, err := ledger.OpenLoan(ctx, borrowerAddr, uint256.NewInt(1000), uint256.NewInt(15))
	mustNoErr(t, err)
	_, err = ledger.OpenLoan(ctx, borrowerAddr, uint256.NewInt(1000), uint256.NewInt(1))
	expectErr(t, err, ErrInsufficientCollateral)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected two spans, got %d", len(spans))
	}
	if spans[0].Name() != "ledger.open_loan" || spans[0].Status().Code == codes.Error {
		t.Fatalf("unexpected first span %s status=%v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Status().Code != codes.Error {
		t.Fatalf("rejected operation must mark the span failed")
	}
	var code string
	for _, attr := range spans[1].Attributes() {
		if attr.Key == "ledger.error_code" {
			code = attr.Value.AsString()
		}
	}
	if code != "insufficient_collateral" {
		t.Fatalf("unexpected error code attribute %q", code)
	}
}
