package lending

import (
	"context"
	"fmt"
	"log/slog"

	"debtledger/core/events"
	"debtledger/crypto"
)

// ProposeImplementation records name as the policy candidate, replacing any
// unconsumed proposal. The candidate becomes activatable once the approval
// delay has elapsed.
func (e *Engine) ProposeImplementation(ctx context.Context, caller crypto.Address, name string) (err error) {
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	ctx, span := e.startSpan(ctx, "lending.ProposeImplementation", caller)
	defer func() { endSpan(span, err) }()

	if err := e.authorize(caller); err != nil {
		return err
	}
	policy, err := e.registry.Lookup(name)
	if err != nil {
		return err
	}
	now := e.now()
	candidate := PolicyCandidate{Implementation: policy.Name(), ProposedTime: now}
	if err := e.persistMeta(e.config, e.policy, candidate); err != nil {
		return err
	}
	e.candidate = candidate
	activatable, ok := candidate.ActivatableAt(e.config.ApprovalDelay)
	if !ok {
		activatable = NoProposalTime
	}
	e.emitter.Emit(events.LendingPolicyProposed{
		Manager:        caller,
		Implementation: candidate.Implementation,
		ProposedTime:   now,
		ActivatableAt:  activatable,
	})
	return nil
}

// UpgradeImplementation activates the pending candidate once the approval
// delay has elapsed and clears the candidate slot.
func (e *Engine) UpgradeImplementation(ctx context.Context, caller crypto.Address) (err error) {
	ctx, release, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	ctx, span := e.startSpan(ctx, "lending.UpgradeImplementation", caller)
	defer func() { endSpan(span, err) }()

	if err := e.authorize(caller); err != nil {
		return err
	}
	if e.candidate.Empty() {
		return ErrNoCandidate
	}
	now := e.now()
	activatable, ok := e.candidate.ActivatableAt(e.config.ApprovalDelay)
	if !ok || now < activatable {
		return ErrDelayNotElapsed
	}
	next, err := e.registry.Lookup(e.candidate.Implementation)
	if err != nil {
		return err
	}
	if err := e.persistMeta(e.config, next, emptyCandidate()); err != nil {
		return err
	}
	previous := e.policy.Name()
	e.policy = next
	e.candidate = emptyCandidate()
	e.logger.InfoContext(ctx, "lending policy activated",
		slog.String("previous", previous),
		slog.String("policy", next.Name()))
	e.emitter.Emit(events.LendingPolicyActivated{
		Manager:        caller,
		Previous:       previous,
		Implementation: next.Name(),
		Timestamp:      now,
	})
	return nil
}

// SetBorrowFeeRate updates the per-mille borrow fee. Rates above
// MaxBorrowFeeRate are rejected.
func (e *Engine) SetBorrowFeeRate(ctx context.Context, caller crypto.Address, rate uint64) error {
	_, release, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := e.authorize(caller); err != nil {
		return err
	}
	if rate > MaxBorrowFeeRate {
		return ErrFeeCapExceeded
	}
	cfg := e.config
	previous := cfg.BorrowFeeRate
	cfg.BorrowFeeRate = rate
	if err := e.persistMeta(cfg, e.policy, e.candidate); err != nil {
		return err
	}
	e.config = cfg
	e.emitter.Emit(events.LendingFeeRateUpdated{
		Manager:   caller,
		Previous:  previous,
		Rate:      rate,
		Timestamp: e.now(),
	})
	return nil
}

// SetTreasury changes the fee destination.
func (e *Engine) SetTreasury(ctx context.Context, caller, treasury crypto.Address) error {
	_, release, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := e.authorize(caller); err != nil {
		return err
	}
	if treasury.IsZero() {
		return fmt.Errorf("%w: treasury required", ErrInvalidAddress)
	}
	cfg := e.config
	previous := cfg.Treasury
	cfg.Treasury = treasury
	if err := e.persistMeta(cfg, e.policy, e.candidate); err != nil {
		return err
	}
	e.config = cfg
	e.emitter.Emit(events.LendingTreasuryUpdated{
		Manager:   caller,
		Previous:  previous,
		Treasury:  treasury,
		Timestamp: e.now(),
	})
	return nil
}

// Candidate returns the pending policy proposal. An empty candidate carries
// NoProposalTime.
func (e *Engine) Candidate(ctx context.Context) (PolicyCandidate, error) {
	_, release, err := e.enter(ctx)
	if err != nil {
		return PolicyCandidate{}, err
	}
	defer release()
	if !e.initialized {
		return PolicyCandidate{}, ErrNotInitialized
	}
	return e.candidate, nil
}

// ActivePolicy returns the name of the policy currently validating requests.
func (e *Engine) ActivePolicy(ctx context.Context) (string, error) {
	_, release, err := e.enter(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	if !e.initialized || e.policy == nil {
		return "", ErrNotInitialized
	}
	return e.policy.Name(), nil
}

func (e *Engine) authorize(caller crypto.Address) error {
	if e.state == nil {
		return errNilState
	}
	if !e.initialized {
		return ErrNotInitialized
	}
	if caller.IsZero() || !caller.Equal(e.config.Manager) {
		return ErrNotAuthorized
	}
	return nil
}

func (e *Engine) persistMeta(cfg LedgerConfig, policy Policy, candidate PolicyCandidate) error {
	meta := &Meta{Config: cfg, Candidate: candidate}
	if policy != nil {
		meta.ActivePolicy = policy.Name()
	}
	return e.state.PutLendingMeta(meta)
}
