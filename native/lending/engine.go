package lending

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"debtledger/core/events"
	"debtledger/crypto"
	nativecommon "debtledger/native/common"
)

// ModuleName is the key the ledger checks in the pause view.
const ModuleName = "lending"

type engineState interface {
	GetLendingAccount(addr crypto.Address) (*Account, bool, error)
	PutLendingAccount(acc *Account) error
	LendingAccounts() ([]crypto.Address, error)
	GetLendingMeta() (*Meta, bool, error)
	PutLendingMeta(meta *Meta) error
}

// InitParams configures the one-shot ledger bootstrap.
type InitParams struct {
	Manager       crypto.Address
	Treasury      crypto.Address
	BorrowFeeRate uint64
	ApprovalDelay uint64
	Policy        string
}

// Engine is the debt ledger. It owns borrower accounts, routes borrow fees,
// delegates validation to the active Policy and re-checks every proposal
// before committing it. All public operations are serialised.
//
// Re-entrant calls are recognised by the context the engine hands to its
// collaborators. A collaborator that calls back on a context not derived from
// that one waits on the engine lock held by its own caller and never returns.
// Vault and token implementations must pass on the context they receive.
type Engine struct {
	mu sync.Mutex

	state    engineState
	address  crypto.Address
	vault    Vault
	token    DebtToken
	registry *Registry

	initialized bool
	config      LedgerConfig
	policy      Policy
	candidate   PolicyCandidate

	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewEngine constructs a ledger operating from the supplied custody address.
func NewEngine(address crypto.Address, vault Vault, token DebtToken, registry *Registry) *Engine {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Engine{
		address:   address,
		vault:     vault,
		token:     token,
		registry:  registry,
		candidate: emptyCandidate(),
		emitter:   events.NoopEmitter{},
		nowFn:     time.Now,
		logger:    slog.Default(),
		tracer:    otel.Tracer("debtledger/native/lending"),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event sink. Nil restores the no-op emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the clock used for accrual and the approval delay.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// Address returns the ledger's custody address.
func (e *Engine) Address() crypto.Address { return e.address }

// Load restores governance state persisted by a previous run. A fresh store
// leaves the engine uninitialised.
func (e *Engine) Load(ctx context.Context) error {
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if e.state == nil {
		return errNilState
	}
	meta, ok, err := e.state.GetLendingMeta()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	policy, err := e.registry.Lookup(meta.ActivePolicy)
	if err != nil {
		return fmt.Errorf("lending: restore active policy: %w", err)
	}
	e.initialized = true
	e.config = meta.Config
	e.policy = policy
	e.candidate = meta.Candidate
	if e.candidate.Empty() {
		e.candidate = emptyCandidate()
	}
	e.logger.InfoContext(ctx, "lending ledger restored",
		slog.String("policy", policy.Name()),
		slog.String("treasury", e.config.Treasury.String()))
	return nil
}

// Initialize performs the one-shot bootstrap. The manager defaults to the
// caller when params.Manager is unset.
func (e *Engine) Initialize(ctx context.Context, caller crypto.Address, params InitParams) error {
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if e.state == nil {
		return errNilState
	}
	if e.initialized {
		return ErrAlreadyInitialized
	}
	_, persisted, err := e.state.GetLendingMeta()
	if err != nil {
		return err
	}
	if persisted {
		return ErrAlreadyInitialized
	}
	manager := params.Manager
	if manager.IsZero() {
		manager = caller
	}
	if manager.IsZero() {
		return fmt.Errorf("%w: manager required", ErrInvalidAddress)
	}
	if params.Treasury.IsZero() {
		return fmt.Errorf("%w: treasury required", ErrInvalidAddress)
	}
	if params.BorrowFeeRate > MaxBorrowFeeRate {
		return ErrFeeCapExceeded
	}
	name := strings.TrimSpace(params.Policy)
	if name == "" {
		name = PolicyStandard
	}
	policy, err := e.registry.Lookup(name)
	if err != nil {
		return err
	}
	cfg := LedgerConfig{
		BorrowFeeRate: params.BorrowFeeRate,
		Treasury:      params.Treasury,
		ApprovalDelay: params.ApprovalDelay,
		Manager:       manager,
	}
	if err := e.state.PutLendingMeta(&Meta{Config: cfg, ActivePolicy: policy.Name(), Candidate: emptyCandidate()}); err != nil {
		return err
	}
	e.initialized = true
	e.config = cfg
	e.policy = policy
	e.candidate = emptyCandidate()
	e.emitter.Emit(events.LendingInitialized{
		Manager:       cfg.Manager,
		Treasury:      cfg.Treasury,
		FeeRate:       cfg.BorrowFeeRate,
		ApprovalDelay: cfg.ApprovalDelay,
		Policy:        policy.Name(),
		Timestamp:     e.now(),
	})
	return nil
}

// Borrow mints amount of debt-token against the caller's collateral after
// moving collateralDelta shares into custody. A zero amount with a nonzero
// delta is a pure collateral deposit.
func (e *Engine) Borrow(ctx context.Context, caller crypto.Address, amount, collateralDelta *uint256.Int) (receipt *BorrowReceipt, err error) {
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, span := e.startSpan(ctx, "lending.Borrow", caller)
	defer func() { endSpan(span, err) }()

	if err := e.ready(true); err != nil {
		return nil, err
	}
	amount = clone(amount)
	collateralDelta = clone(collateralDelta)
	if amount.IsZero() && collateralDelta.IsZero() {
		return nil, fmt.Errorf("%w: borrow amount and collateral are both zero", ErrInvalidAmount)
	}
	now := e.now()
	prev, debt, err := e.position(ctx, caller, now)
	if err != nil {
		return nil, err
	}
	proposal, err := e.policy.ProposeBorrow(ctx, e.env(now), amount, collateralDelta, prev.CollateralAmount, debt)
	if err != nil {
		return nil, err
	}
	if proposal.Time <= prev.BorrowTime ||
		orZero(proposal.Collateral).Lt(prev.CollateralAmount) ||
		orZero(proposal.Debt).Lt(debt) {
		return nil, ErrInvariantViolation
	}
	fee, net, err := BorrowFee(amount, e.config.BorrowFeeRate)
	if err != nil {
		return nil, err
	}
	next := &Account{
		Address:          caller,
		BorrowedAmount:   clone(proposal.Debt),
		BorrowTime:       proposal.Time,
		CollateralAmount: clone(proposal.Collateral),
	}
	treasury := e.config.Treasury
	err = e.apply(ctx, prev, next, func(j *journal) error {
		if !collateralDelta.IsZero() {
			if err := e.vault.TransferIn(ctx, caller, collateralDelta); err != nil {
				return fmt.Errorf("lending: collateral transfer in: %w", err)
			}
			j.record("collateral transfer in", func(ctx context.Context) error {
				return e.vault.TransferOut(ctx, caller, collateralDelta)
			})
		}
		if amount.IsZero() {
			return nil
		}
		if err := e.token.Mint(ctx, e.address, amount); err != nil {
			return fmt.Errorf("lending: mint: %w", err)
		}
		j.record("mint", func(ctx context.Context) error {
			return e.token.Burn(ctx, amount)
		})
		if !fee.IsZero() {
			if err := e.token.Transfer(ctx, treasury, fee); err != nil {
				return fmt.Errorf("lending: fee transfer: %w", err)
			}
			j.record("fee transfer", func(ctx context.Context) error {
				return e.token.Clawback(ctx, treasury, fee)
			})
		}
		// The borrower payout is the only leg without an undo and runs last.
		if !net.IsZero() {
			if err := e.token.Transfer(ctx, caller, net); err != nil {
				return fmt.Errorf("lending: borrower transfer: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !fee.IsZero() {
		e.emitter.Emit(events.LendingFeeCharged{
			Account:   caller,
			Treasury:  treasury,
			Fee:       clone(fee),
			Rate:      e.config.BorrowFeeRate,
			Timestamp: now,
		})
	}
	e.emitter.Emit(events.LendingBorrow{
		Account:         caller,
		Amount:          clone(amount),
		CollateralDelta: clone(collateralDelta),
		Fee:             clone(fee),
		Received:        clone(net),
		Debt:            clone(next.BorrowedAmount),
		Collateral:      clone(next.CollateralAmount),
		Timestamp:       now,
	})
	return &BorrowReceipt{Fee: fee, Received: net, Account: next.Clone()}, nil
}

// Repay burns amount of debt-token pulled from the caller's allowance.
func (e *Engine) Repay(ctx context.Context, caller crypto.Address, amount *uint256.Int) (receipt *RepayReceipt, err error) {
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, span := e.startSpan(ctx, "lending.Repay", caller)
	defer func() { endSpan(span, err) }()

	if err := e.ready(false); err != nil {
		return nil, err
	}
	if isZero(amount) {
		return nil, fmt.Errorf("%w: repay amount is zero", ErrInvalidAmount)
	}
	return e.repay(ctx, caller, clone(amount), nil)
}

// RepayAll repays the caller's full outstanding debt including interest
// accrued up to now.
func (e *Engine) RepayAll(ctx context.Context, caller crypto.Address) (receipt *RepayReceipt, err error) {
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, span := e.startSpan(ctx, "lending.RepayAll", caller)
	defer func() { endSpan(span, err) }()

	if err := e.ready(false); err != nil {
		return nil, err
	}
	now := e.now()
	prev, debt, err := e.position(ctx, caller, now)
	if err != nil {
		return nil, err
	}
	if debt.IsZero() {
		return nil, fmt.Errorf("%w: no outstanding debt", ErrInvalidAmount)
	}
	return e.repay(ctx, caller, debt, &positionAt{account: prev, debt: debt, now: now})
}

type positionAt struct {
	account *Account
	debt    *uint256.Int
	now     uint64
}

func (e *Engine) repay(ctx context.Context, caller crypto.Address, amount *uint256.Int, pos *positionAt) (*RepayReceipt, error) {
	if pos == nil {
		now := e.now()
		prev, debt, err := e.position(ctx, caller, now)
		if err != nil {
			return nil, err
		}
		pos = &positionAt{account: prev, debt: debt, now: now}
	}
	prev := pos.account
	proposal, err := e.policy.ProposeRepay(ctx, e.env(pos.now), amount, pos.debt)
	if err != nil {
		return nil, err
	}
	if proposal.Time <= prev.BorrowTime || !orZero(proposal.Debt).Lt(pos.debt) {
		return nil, ErrInvariantViolation
	}
	next := &Account{
		Address:          caller,
		BorrowedAmount:   clone(proposal.Debt),
		BorrowTime:       proposal.Time,
		CollateralAmount: clone(prev.CollateralAmount),
	}
	err = e.apply(ctx, prev, next, func(j *journal) error {
		if err := e.token.TransferFrom(ctx, caller, e.address, amount); err != nil {
			return fmt.Errorf("lending: pull repayment: %w", err)
		}
		j.record("pull repayment", func(ctx context.Context) error {
			return e.token.Transfer(ctx, caller, amount)
		})
		if err := e.token.Burn(ctx, amount); err != nil {
			return fmt.Errorf("lending: burn: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingRepay{
		Account:   caller,
		Amount:    clone(amount),
		Debt:      clone(next.BorrowedAmount),
		Timestamp: pos.now,
	})
	return &RepayReceipt{Repaid: amount, Account: next.Clone()}, nil
}

// Withdraw releases amount collateral shares to the caller.
func (e *Engine) Withdraw(ctx context.Context, caller crypto.Address, amount *uint256.Int) (receipt *WithdrawReceipt, err error) {
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, span := e.startSpan(ctx, "lending.Withdraw", caller)
	defer func() { endSpan(span, err) }()

	if err := e.ready(true); err != nil {
		return nil, err
	}
	if isZero(amount) {
		return nil, fmt.Errorf("%w: withdraw amount is zero", ErrInvalidAmount)
	}
	now := e.now()
	prev, debt, err := e.position(ctx, caller, now)
	if err != nil {
		return nil, err
	}
	return e.withdraw(ctx, caller, clone(amount), &positionAt{account: prev, debt: debt, now: now})
}

// WithdrawAll releases the largest amount that keeps the position at or under
// the active policy's LTV ceiling. With outstanding debt the amount is shaved
// by 0.1% so rounding cannot push the position over the ceiling.
func (e *Engine) WithdrawAll(ctx context.Context, caller crypto.Address) (receipt *WithdrawReceipt, err error) {
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, span := e.startSpan(ctx, "lending.WithdrawAll", caller)
	defer func() { endSpan(span, err) }()

	if err := e.ready(true); err != nil {
		return nil, err
	}
	now := e.now()
	prev, debt, err := e.position(ctx, caller, now)
	if err != nil {
		return nil, err
	}
	amount := clone(prev.CollateralAmount)
	if !debt.IsZero() {
		price, err := e.vault.PricePerShare(ctx)
		if err != nil {
			return nil, fmt.Errorf("lending: price per share: %w", err)
		}
		maxLTV, err := e.policy.Ceiling(ctx, e.env(now))
		if err != nil {
			return nil, err
		}
		minimum, err := MinCollateral(debt, maxLTV, price)
		if err != nil {
			return nil, err
		}
		if !amount.Gt(minimum) {
			return nil, fmt.Errorf("%w: no withdrawable collateral", ErrInvalidAmount)
		}
		amount.Sub(amount, minimum)
		if amount, err = mulDiv(amount, uint256.NewInt(withdrawAllKeepPerMille), uint256.NewInt(FeeDenominator)); err != nil {
			return nil, err
		}
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: no withdrawable collateral", ErrInvalidAmount)
	}
	return e.withdraw(ctx, caller, amount, &positionAt{account: prev, debt: debt, now: now})
}

func (e *Engine) withdraw(ctx context.Context, caller crypto.Address, amount *uint256.Int, pos *positionAt) (*WithdrawReceipt, error) {
	prev := pos.account
	proposal, err := e.policy.ProposeWithdraw(ctx, e.env(pos.now), amount, prev.CollateralAmount, pos.debt)
	if err != nil {
		return nil, err
	}
	if proposal.Time <= prev.BorrowTime || orZero(proposal.Collateral).Gt(prev.CollateralAmount) {
		return nil, ErrInvariantViolation
	}
	// Debt carries forward at its accrued value since BorrowTime is reset.
	next := &Account{
		Address:          caller,
		BorrowedAmount:   clone(pos.debt),
		BorrowTime:       proposal.Time,
		CollateralAmount: clone(proposal.Collateral),
	}
	err = e.apply(ctx, prev, next, func(j *journal) error {
		if err := e.vault.TransferOut(ctx, caller, amount); err != nil {
			return fmt.Errorf("lending: collateral transfer out: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingWithdraw{
		Account:    caller,
		Amount:     clone(amount),
		Collateral: clone(next.CollateralAmount),
		Timestamp:  pos.now,
	})
	return &WithdrawReceipt{Withdrawn: amount, Account: next.Clone()}, nil
}

// AccountInfo reports the caller's position valued at the current price.
func (e *Engine) AccountInfo(ctx context.Context, addr crypto.Address) (*AccountInfo, error) {
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := e.ready(false); err != nil {
		return nil, err
	}
	now := e.now()
	acc, debt, err := e.position(ctx, addr, now)
	if err != nil {
		return nil, err
	}
	price, err := e.vault.PricePerShare(ctx)
	if err != nil {
		return nil, fmt.Errorf("lending: price per share: %w", err)
	}
	maxLTV, err := e.vault.LTVCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("lending: ltv cap: %w", err)
	}
	value, err := CollateralValue(acc.CollateralAmount, price)
	if err != nil {
		return nil, err
	}
	info := &AccountInfo{
		Address:         addr,
		Principal:       clone(acc.BorrowedAmount),
		Debt:            debt,
		Collateral:      clone(acc.CollateralAmount),
		CollateralValue: value,
		BorrowTime:      acc.BorrowTime,
		MaxLTV:          clone(maxLTV),
	}
	ltv, err := LoanToValue(nil, debt, nil, acc.CollateralAmount, price)
	switch {
	case err == nil:
		info.LTV = ltv
	case debt.IsZero():
		info.LTV = new(uint256.Int)
	default:
		// Unbounded ratio; reported as nil.
	}
	return info, nil
}

// Config returns the current governance parameters.
func (e *Engine) Config(ctx context.Context) (LedgerConfig, error) {
	_, release, err := e.enter(ctx)
	if err != nil {
		return LedgerConfig{}, err
	}
	defer release()
	if !e.initialized {
		return LedgerConfig{}, ErrNotInitialized
	}
	return e.config, nil
}

func (e *Engine) position(ctx context.Context, addr crypto.Address, now uint64) (*Account, *uint256.Int, error) {
	acc, ok, err := e.state.GetLendingAccount(addr)
	if err != nil {
		return nil, nil, err
	}
	if !ok || acc == nil {
		acc = newAccount(addr)
	}
	rate, err := e.vault.InterestRate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("lending: interest rate: %w", err)
	}
	debt, err := TotalDebt(acc, rate, now)
	if err != nil {
		return nil, nil, err
	}
	return acc, debt, nil
}

// apply commits next, then runs move. When move fails the journal is unwound
// and prev is written back.
func (e *Engine) apply(ctx context.Context, prev, next *Account, move func(*journal) error) error {
	if err := e.state.PutLendingAccount(next); err != nil {
		return err
	}
	j := &journal{}
	moveErr := move(j)
	if moveErr == nil {
		return nil
	}
	if err := j.rollback(ctx); err != nil {
		e.logger.ErrorContext(ctx, "lending rollback incomplete",
			slog.String("account", next.Address.String()),
			slog.Any("error", err))
		moveErr = fmt.Errorf("%w (rollback: %v)", moveErr, err)
	}
	if err := e.state.PutLendingAccount(prev); err != nil {
		e.logger.ErrorContext(ctx, "lending account restore failed",
			slog.String("account", prev.Address.String()),
			slog.Any("error", err))
		return fmt.Errorf("%w (restore: %v)", moveErr, err)
	}
	return moveErr
}

func (e *Engine) ready(guarded bool) error {
	if e.state == nil {
		return errNilState
	}
	if !e.initialized || e.policy == nil {
		return ErrNotInitialized
	}
	if guarded {
		return nativecommon.Guard(e.pauses, ModuleName)
	}
	return nil
}

func (e *Engine) env(now uint64) Env {
	return callEnv{engine: e, now: now}
}

func (e *Engine) now() uint64 {
	ts := e.nowFn().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

type engineCallKey struct{}

// enter acquires the engine lock and marks ctx as inside this engine. Calls
// arriving with a marked context come from a collaborator re-entering the
// ledger and are rejected instead of deadlocking.
func (e *Engine) enter(ctx context.Context) (context.Context, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if owner, ok := ctx.Value(engineCallKey{}).(*Engine); ok && owner == e {
		return nil, nil, ErrReentrantCall
	}
	e.mu.Lock()
	return context.WithValue(ctx, engineCallKey{}, e), e.mu.Unlock, nil
}

func (e *Engine) startSpan(ctx context.Context, name string, caller crypto.Address) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("lending.account", caller.String())))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
