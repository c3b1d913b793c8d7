package lending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/holiman/uint256"
)

// Policy names understood by the default registry.
const (
	PolicyStandard = "standard"
	PolicyBuffered = "buffered"
)

// DefaultBufferBps is the LTV haircut applied by the registered buffered
// policy (5%).
const DefaultBufferBps = 500

// Policy validates a borrower request against the current market parameters
// and proposes the account's next state. Policies never mutate ledger state.
type Policy interface {
	Name() string
	ProposeBorrow(ctx context.Context, env Env, amount, collateralDelta, currentCollateral, existingDebt *uint256.Int) (Proposal, error)
	ProposeRepay(ctx context.Context, env Env, amount, existingDebt *uint256.Int) (Proposal, error)
	ProposeWithdraw(ctx context.Context, env Env, amount, currentCollateral, existingDebt *uint256.Int) (Proposal, error)
	// Ceiling is the LTV limit the policy enforces at the vault's current cap.
	Ceiling(ctx context.Context, env Env) (*uint256.Int, error)
}

// StandardPolicy enforces the vault's LTV cap as published.
type StandardPolicy struct{}

func (StandardPolicy) Name() string { return PolicyStandard }

func (StandardPolicy) ProposeBorrow(ctx context.Context, env Env, amount, collateralDelta, currentCollateral, existingDebt *uint256.Int) (Proposal, error) {
	return proposeBorrow(ctx, env, 0, amount, collateralDelta, currentCollateral, existingDebt)
}

func (StandardPolicy) ProposeRepay(ctx context.Context, env Env, amount, existingDebt *uint256.Int) (Proposal, error) {
	return proposeRepay(env, amount, existingDebt)
}

func (StandardPolicy) ProposeWithdraw(ctx context.Context, env Env, amount, currentCollateral, existingDebt *uint256.Int) (Proposal, error) {
	return proposeWithdraw(ctx, env, 0, amount, currentCollateral, existingDebt)
}

func (StandardPolicy) Ceiling(ctx context.Context, env Env) (*uint256.Int, error) {
	return ceiling(ctx, env, 0)
}

// BufferedPolicy applies the standard rules against an LTV ceiling reduced by
// BufferBps basis points, leaving headroom below the vault's cap.
type BufferedPolicy struct {
	BufferBps uint64
}

func (BufferedPolicy) Name() string { return PolicyBuffered }

func (p BufferedPolicy) ProposeBorrow(ctx context.Context, env Env, amount, collateralDelta, currentCollateral, existingDebt *uint256.Int) (Proposal, error) {
	return proposeBorrow(ctx, env, p.BufferBps, amount, collateralDelta, currentCollateral, existingDebt)
}

func (p BufferedPolicy) ProposeRepay(ctx context.Context, env Env, amount, existingDebt *uint256.Int) (Proposal, error) {
	return proposeRepay(env, amount, existingDebt)
}

func (p BufferedPolicy) ProposeWithdraw(ctx context.Context, env Env, amount, currentCollateral, existingDebt *uint256.Int) (Proposal, error) {
	return proposeWithdraw(ctx, env, p.BufferBps, amount, currentCollateral, existingDebt)
}

func (p BufferedPolicy) Ceiling(ctx context.Context, env Env) (*uint256.Int, error) {
	return ceiling(ctx, env, p.BufferBps)
}

func proposeBorrow(ctx context.Context, env Env, bufferBps uint64, amount, collateralDelta, currentCollateral, existingDebt *uint256.Int) (Proposal, error) {
	amount = orZero(amount)
	collateralDelta = orZero(collateralDelta)
	if err := checkLTV(ctx, env, bufferBps, amount, existingDebt, collateralDelta, currentCollateral); err != nil {
		return Proposal{}, err
	}
	if !amount.IsZero() {
		available, err := env.DebtToken().AvailableToMint(ctx)
		if err != nil {
			return Proposal{}, fmt.Errorf("lending policy: available to mint: %w", err)
		}
		if orZero(available).Lt(amount) {
			return Proposal{}, ErrInsufficientLiquidity
		}
	}
	debt, err := add(orZero(existingDebt), amount)
	if err != nil {
		return Proposal{}, err
	}
	collateral, err := add(orZero(currentCollateral), collateralDelta)
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{Debt: debt, Collateral: collateral, Time: env.Now()}, nil
}

func proposeRepay(env Env, amount, existingDebt *uint256.Int) (Proposal, error) {
	amount = orZero(amount)
	existingDebt = orZero(existingDebt)
	if amount.Gt(existingDebt) {
		return Proposal{}, ErrOverRepay
	}
	debt, err := sub(existingDebt, amount)
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{Debt: debt, Time: env.Now()}, nil
}

func proposeWithdraw(ctx context.Context, env Env, bufferBps uint64, amount, currentCollateral, existingDebt *uint256.Int) (Proposal, error) {
	amount = orZero(amount)
	currentCollateral = orZero(currentCollateral)
	if amount.Gt(currentCollateral) {
		return Proposal{}, ErrUnderflow
	}
	remaining, err := sub(currentCollateral, amount)
	if err != nil {
		return Proposal{}, err
	}
	if err := checkLTV(ctx, env, bufferBps, nil, existingDebt, nil, remaining); err != nil {
		return Proposal{}, err
	}
	return Proposal{Debt: clone(existingDebt), Collateral: remaining, Time: env.Now()}, nil
}

func checkLTV(ctx context.Context, env Env, bufferBps uint64, amount, existingDebt, collateralDelta, currentCollateral *uint256.Int) error {
	price, err := env.Vault().PricePerShare(ctx)
	if err != nil {
		return fmt.Errorf("lending policy: price per share: %w", err)
	}
	limit, err := ceiling(ctx, env, bufferBps)
	if err != nil {
		return err
	}
	ltv, err := LoanToValue(amount, existingDebt, collateralDelta, currentCollateral, price)
	if errors.Is(err, ErrZeroCollateralValue) {
		return fmt.Errorf("%w: %w", ErrOverLTV, err)
	}
	if err != nil {
		return err
	}
	if ltv.Gt(limit) {
		return ErrOverLTV
	}
	return nil
}

func ceiling(ctx context.Context, env Env, bufferBps uint64) (*uint256.Int, error) {
	limit, err := env.Vault().LTVCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("lending policy: ltv cap: %w", err)
	}
	limit = orZero(limit)
	if bufferBps == 0 {
		return limit, nil
	}
	return applyBuffer(limit, bufferBps)
}

// Registry resolves policy names to implementations. Governance proposals
// reference policies by name.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry returns a registry holding the supplied policies.
func NewRegistry(policies ...Policy) *Registry {
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if p != nil {
			r.policies[p.Name()] = p
		}
	}
	return r
}

// DefaultRegistry registers the standard policy and a buffered policy using
// DefaultBufferBps.
func DefaultRegistry() *Registry {
	return NewRegistry(StandardPolicy{}, BufferedPolicy{BufferBps: DefaultBufferBps})
}

// Register adds or replaces a policy under its name.
func (r *Registry) Register(p Policy) error {
	if p == nil || strings.TrimSpace(p.Name()) == "" {
		return fmt.Errorf("lending: policy name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name()] = p
	return nil
}

// Lookup returns the policy registered under name.
func (r *Registry) Lookup(name string) (Policy, error) {
	if r == nil {
		return nil, ErrUnknownPolicy
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Names lists registered policy names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
