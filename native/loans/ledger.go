package loans

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pegledger/core/events"
	"pegledger/core/state"
	"pegledger/crypto"
	"pegledger/native/bank"
	nativecommon "pegledger/native/common"
	"pegledger/native/liquidation"
	"pegledger/native/token"
)

var genesisKey = []byte("loans/genesis")

// Observer is notified after every ledger operation.
type Observer func(op string, elapsed time.Duration, err error)

// Binding groups the engine and its collaborators bound to a single state
// transaction.
type Binding struct {
	KV     state.KV
	Engine *Engine
	Token  *token.Token
	Bank   *bank.Bank
	Desk   *liquidation.Desk
}

// Ledger is the transactional wrapper around Engine. Operations are
// serialised; each runs against a staged state transaction that is committed
// only when the engine and every collaborator call succeed. Events are
// published after the commit.
type Ledger struct {
	mu       sync.RWMutex
	manager  *state.Manager
	settings Settings
	pauses   nativecommon.PauseView
	emitter  events.Emitter
	observer Observer
	tracer   trace.Tracer
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewLedger constructs a ledger over manager.
func NewLedger(manager *state.Manager, settings Settings) *Ledger {
	return &Ledger{
		manager:  manager,
		settings: settings,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		nowFn:    time.Now,
	}
}

func (l *Ledger) SetPauses(p nativecommon.PauseView) { l.pauses = p }

func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

func (l *Ledger) SetObserver(observer Observer) { l.observer = observer }

// SetTracer wraps every mutating operation in a span. Nil disables tracing.
func (l *Ledger) SetTracer(tracer trace.Tracer) { l.tracer = tracer }

func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	l.logger = logger
}

func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.nowFn = now
}

// Settings returns the parsed genesis settings.
func (l *Ledger) Settings() Settings { return l.settings }

func (l *Ledger) bind(kv state.KV, emitter events.Emitter) *Binding {
	tok := token.New(kv, ModuleAddress)
	vault := bank.New(kv)
	desk := liquidation.New(kv)
	desk.SetNowFunc(l.nowFn)

	engine := NewEngine(l.settings.MaxLoan, l.settings.UnitsPerBaseCurrency)
	engine.SetState(NewKVState(kv))
	engine.SetGuard(NewAccessGuard(l.settings.Deployer, l.pauses))
	engine.SetEmitter(emitter)
	engine.SetToken(tok)
	engine.SetVault(vault)
	engine.SetLiquidator(desk)
	engine.SetNowFunc(l.nowFn)
	return &Binding{KV: kv, Engine: engine, Token: tok, Bank: vault, Desk: desk}
}

// Execute runs fn inside a state transaction. Any error discards every staged
// write and every buffered event.
func (l *Ledger) Execute(ctx context.Context, op string, fn func(*Binding) error) (err error) {
	if err = ctx.Err(); err != nil {
		return err
	}
	if l.tracer != nil {
		var span trace.Span
		_, span = l.tracer.Start(ctx, "ledger."+op)
		defer span.End()
		defer func() {
			if err != nil {
				span.SetAttributes(attribute.String("ledger.error_code", ErrorCode(err)))
				span.SetStatus(codes.Error, err.Error())
			}
		}()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	buf := &events.Buffer{}
	tx := l.manager.Begin()
	err = fn(l.bind(tx, buf))
	if err == nil {
		err = tx.Commit()
	} else {
		tx.Discard()
	}
	elapsed := time.Since(start)
	if l.observer != nil {
		l.observer(op, elapsed, err)
	}
	if err != nil {
		l.logger.Warn("ledger operation rejected", slog.String("op", op), slog.Any("error", err))
		return err
	}
	published := buf.Flush(l.emitter)
	l.logger.Debug("ledger operation committed",
		slog.String("op", op),
		slog.Int("events", published),
		slog.Duration("elapsed", elapsed))
	return nil
}

// View runs fn against a read-only snapshot. Writes made by fn are dropped.
func (l *Ledger) View(ctx context.Context, fn func(*Binding) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx := l.manager.Begin()
	defer tx.Discard()
	return fn(l.bind(tx, events.NoopEmitter{}))
}

// ApplyGenesis credits the configured allocations once. Later calls are no-ops.
func (l *Ledger) ApplyGenesis(ctx context.Context) (bool, error) {
	applied := false
	err := l.Execute(ctx, "genesis", func(b *Binding) error {
		var done bool
		ok, err := b.KV.KVGet(genesisKey, &done)
		if err != nil {
			return err
		}
		if ok && done {
			return nil
		}
		for _, credit := range l.settings.Alloc {
			if err := b.Bank.Credit(credit.Address, credit.Amount); err != nil {
				return err
			}
		}
		applied = true
		return b.KV.KVPut(genesisKey, true)
	})
	return applied, err
}

func (l *Ledger) loanOp(ctx context.Context, op string, fn func(*Engine) (*Loan, error)) (*Loan, error) {
	var out *Loan
	err := l.Execute(ctx, op, func(b *Binding) error {
		loan, err := fn(b.Engine)
		out = loan
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) OpenLoan(ctx context.Context, caller crypto.Address, amount, collateral *uint256.Int) (*Loan, error) {
	return l.loanOp(ctx, "open_loan", func(e *Engine) (*Loan, error) {
		return e.OpenLoan(caller, amount, collateral)
	})
}

func (l *Ledger) QuickLoan(ctx context.Context, caller crypto.Address, collateral *uint256.Int) (*Loan, error) {
	return l.loanOp(ctx, "quick_loan", func(e *Engine) (*Loan, error) {
		return e.QuickLoan(caller, collateral)
	})
}

func (l *Ledger) IncreaseCollateral(ctx context.Context, caller crypto.Address, id uint64, added *uint256.Int) (*Loan, error) {
	return l.loanOp(ctx, "increase_collateral", func(e *Engine) (*Loan, error) {
		return e.IncreaseCollateral(caller, id, added)
	})
}

func (l *Ledger) DecreaseCollateral(ctx context.Context, caller crypto.Address, id uint64, amount *uint256.Int) (*Loan, error) {
	return l.loanOp(ctx, "decrease_collateral", func(e *Engine) (*Loan, error) {
		return e.DecreaseCollateral(caller, id, amount)
	})
}

func (l *Ledger) SettleLoan(ctx context.Context, caller crypto.Address, id uint64, repay *uint256.Int) (*Loan, error) {
	return l.loanOp(ctx, "settle_loan", func(e *Engine) (*Loan, error) {
		return e.SettleLoan(caller, id, repay)
	})
}

func (l *Ledger) Liquidate(ctx context.Context, caller crypto.Address, id uint64) (*Loan, error) {
	return l.loanOp(ctx, "liquidate", func(e *Engine) (*Loan, error) {
		return e.Liquidate(caller, id)
	})
}

func (l *Ledger) ResolveLiquidation(ctx context.Context, caller crypto.Address, id uint64, sold *uint256.Int, buyer crypto.Address) (*Loan, error) {
	return l.loanOp(ctx, "resolve_liquidation", func(e *Engine) (*Loan, error) {
		return e.ResolveLiquidation(caller, id, sold, buyer)
	})
}

func (l *Ledger) SetOracleAddress(ctx context.Context, caller, addr crypto.Address) error {
	return l.Execute(ctx, "set_oracle", func(b *Binding) error {
		return b.Engine.SetOracleAddress(caller, addr)
	})
}

func (l *Ledger) SetLiquidatorAddress(ctx context.Context, caller, addr crypto.Address) error {
	return l.Execute(ctx, "set_liquidator", func(b *Binding) error {
		return b.Engine.SetLiquidatorAddress(caller, addr)
	})
}

func (l *Ledger) SetTokenAddress(ctx context.Context, caller, addr crypto.Address) error {
	return l.Execute(ctx, "set_token", func(b *Binding) error {
		return b.Engine.SetTokenAddress(caller, addr)
	})
}

func (l *Ledger) SetVariable(ctx context.Context, caller crypto.Address, kind Variable, value *uint256.Int) error {
	return l.Execute(ctx, "set_variable", func(b *Binding) error {
		return b.Engine.SetVariable(caller, kind, value)
	})
}

// Approve lets spender pull up to amount tokens from owner.
func (l *Ledger) Approve(ctx context.Context, owner, spender crypto.Address, amount *uint256.Int) error {
	return l.Execute(ctx, "token_approve", func(b *Binding) error {
		return b.Token.Approve(owner, spender, amount)
	})
}

// TransferToken moves accounting tokens between holders.
func (l *Ledger) TransferToken(ctx context.Context, from, to crypto.Address, amount *uint256.Int) error {
	return l.Execute(ctx, "token_transfer", func(b *Binding) error {
		return b.Token.Transfer(from, to, amount)
	})
}

// TransferBase moves base currency between accounts.
func (l *Ledger) TransferBase(ctx context.Context, from, to crypto.Address, amount *uint256.Int) error {
	return l.Execute(ctx, "bank_transfer", func(b *Binding) error {
		return b.Bank.Transfer(from, to, amount)
	})
}

func (l *Ledger) Loan(ctx context.Context, id uint64) (*Loan, error) {
	var out *Loan
	err := l.View(ctx, func(b *Binding) error {
		loan, err := b.Engine.Loan(id)
		out = loan
		return err
	})
	return out, err
}

// Loans lists loans in id order, starting after afterID, up to limit entries.
func (l *Ledger) Loans(ctx context.Context, afterID uint64, limit int) ([]*Loan, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*Loan
	err := l.View(ctx, func(b *Binding) error {
		count, err := b.Engine.LoanCount()
		if err != nil {
			return err
		}
		for id := afterID + 1; id <= count && len(out) < limit; id++ {
			loan, err := b.Engine.Loan(id)
			if err != nil {
				return err
			}
			out = append(out, loan)
		}
		return nil
	})
	return out, err
}

func (l *Ledger) Parameters(ctx context.Context) (*Parameters, error) {
	var out *Parameters
	err := l.View(ctx, func(b *Binding) error {
		params, err := b.Engine.Parameters()
		out = params
		return err
	})
	return out, err
}

func (l *Ledger) MinCollateral(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	var out *uint256.Int
	err := l.View(ctx, func(b *Binding) error {
		v, err := b.Engine.MinCollateral(amount)
		out = v
		return err
	})
	return out, err
}

// Account summarises balances for a single address.
type Account struct {
	Address         crypto.Address
	Base            *uint256.Int
	Token           *uint256.Int
	LedgerAllowance *uint256.Int
}

func (l *Ledger) Account(ctx context.Context, addr crypto.Address) (*Account, error) {
	var out *Account
	err := l.View(ctx, func(b *Binding) error {
		base, err := b.Bank.BalanceOf(addr)
		if err != nil {
			return err
		}
		tok, err := b.Token.BalanceOf(addr)
		if err != nil {
			return err
		}
		allowance, err := b.Token.Allowance(addr, ModuleAddress)
		if err != nil {
			return err
		}
		out = &Account{Address: addr, Base: base, Token: tok, LedgerAllowance: allowance}
		return nil
	})
	return out, err
}

func (l *Ledger) TotalSupply(ctx context.Context) (*uint256.Int, error) {
	var out *uint256.Int
	err := l.View(ctx, func(b *Binding) error {
		v, err := b.Token.TotalSupply()
		out = v
		return err
	})
	return out, err
}

func (l *Ledger) PendingLiquidations(ctx context.Context) ([]*liquidation.Auction, error) {
	var out []*liquidation.Auction
	err := l.View(ctx, func(b *Binding) error {
		pending, err := b.Desk.Pending()
		out = pending
		return err
	})
	return out, err
}

func (l *Ledger) Auction(ctx context.Context, id uint64) (*liquidation.Auction, error) {
	var out *liquidation.Auction
	err := l.View(ctx, func(b *Binding) error {
		auction, err := b.Desk.Auction(id)
		out = auction
		return err
	})
	return out, err
}
