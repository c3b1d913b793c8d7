package events

import (
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"debtledger/core/types"
	"debtledger/crypto"
)

const (
	TypeLendingInitialized     = "lending.initialized"
	TypeLendingBorrow          = "lending.borrow"
	TypeLendingRepay           = "lending.repay"
	TypeLendingWithdraw        = "lending.withdraw"
	TypeLendingFeeCharged      = "lending.fee_charged"
	TypeLendingFeeRateUpdated  = "lending.fee_rate_updated"
	TypeLendingTreasuryUpdated = "lending.treasury_updated"
	TypeLendingPolicyProposed  = "lending.policy_proposed"
	TypeLendingPolicyActivated = "lending.policy_activated"
)

// LendingInitialized records the one-shot ledger bootstrap.
type LendingInitialized struct {
	Manager       crypto.Address
	Treasury      crypto.Address
	FeeRate       uint64
	ApprovalDelay uint64
	Policy        string
	Timestamp     uint64
}

func (LendingInitialized) EventType() string { return TypeLendingInitialized }

func (e LendingInitialized) Event() *types.Event {
	attrs := map[string]string{
		"feeRate":       strconv.FormatUint(e.FeeRate, 10),
		"approvalDelay": strconv.FormatUint(e.ApprovalDelay, 10),
	}
	putAddress(attrs, "manager", e.Manager)
	putAddress(attrs, "treasury", e.Treasury)
	if policy := strings.TrimSpace(e.Policy); policy != "" {
		attrs["policy"] = policy
	}
	return &types.Event{Type: TypeLendingInitialized, Timestamp: e.Timestamp, Attributes: attrs}
}

// LendingBorrow records a committed borrow, including collateral-only
// deposits where Amount is zero.
type LendingBorrow struct {
	Account         crypto.Address
	Amount          *uint256.Int
	CollateralDelta *uint256.Int
	Fee             *uint256.Int
	Received        *uint256.Int
	Debt            *uint256.Int
	Collateral      *uint256.Int
	Timestamp       uint64
}

func (LendingBorrow) EventType() string { return TypeLendingBorrow }

func (e LendingBorrow) Event() *types.Event {
	attrs := map[string]string{
		"amount":          formatAmount(e.Amount),
		"collateralDelta": formatAmount(e.CollateralDelta),
		"fee":             formatAmount(e.Fee),
		"received":        formatAmount(e.Received),
		"debt":            formatAmount(e.Debt),
		"collateral":      formatAmount(e.Collateral),
	}
	putAddress(attrs, "account", e.Account)
	return &types.Event{Type: TypeLendingBorrow, Timestamp: e.Timestamp, Attributes: attrs}
}

// LendingRepay records a committed repayment.
type LendingRepay struct {
	Account   crypto.Address
	Amount    *uint256.Int
	Debt      *uint256.Int
	Timestamp uint64
}

func (LendingRepay) EventType() string { return TypeLendingRepay }

func (e LendingRepay) Event() *types.Event {
	attrs := map[string]string{
		"amount": formatAmount(e.Amount),
		"debt":   formatAmount(e.Debt),
	}
	putAddress(attrs, "account", e.Account)
	return &types.Event{Type: TypeLendingRepay, Timestamp: e.Timestamp, Attributes: attrs}
}

// LendingWithdraw records collateral released back to its owner.
type LendingWithdraw struct {
	Account    crypto.Address
	Amount     *uint256.Int
	Collateral *uint256.Int
	Timestamp  uint64
}

func (LendingWithdraw) EventType() string { return TypeLendingWithdraw }

func (e LendingWithdraw) Event() *types.Event {
	attrs := map[string]string{
		"amount":     formatAmount(e.Amount),
		"collateral": formatAmount(e.Collateral),
	}
	putAddress(attrs, "account", e.Account)
	return &types.Event{Type: TypeLendingWithdraw, Timestamp: e.Timestamp, Attributes: attrs}
}

// LendingFeeCharged records the borrow fee routed to the treasury.
type LendingFeeCharged struct {
	Account   crypto.Address
	Treasury  crypto.Address
	Fee       *uint256.Int
	Rate      uint64
	Timestamp uint64
}

func (LendingFeeCharged) EventType() string { return TypeLendingFeeCharged }

func (e LendingFeeCharged) Event() *types.Event {
	attrs := map[string]string{
		"fee":  formatAmount(e.Fee),
		"rate": strconv.FormatUint(e.Rate, 10),
	}
	putAddress(attrs, "account", e.Account)
	putAddress(attrs, "treasury", e.Treasury)
	return &types.Event{Type: TypeLendingFeeCharged, Timestamp: e.Timestamp, Attributes: attrs}
}

// LendingFeeRateUpdated records a governance fee change.
type LendingFeeRateUpdated struct {
	Manager   crypto.Address
	Previous  uint64
	Rate      uint64
	Timestamp uint64
}

func (LendingFeeRateUpdated) EventType() string { return TypeLendingFeeRateUpdated }

func (e LendingFeeRateUpdated) Event() *types.Event {
	attrs := map[string]string{
		"previous": strconv.FormatUint(e.Previous, 10),
		"rate":     strconv.FormatUint(e.Rate, 10),
	}
	putAddress(attrs, "manager", e.Manager)
	return &types.Event{Type: TypeLendingFeeRateUpdated, Timestamp: e.Timestamp, Attributes: attrs}
}

// LendingTreasuryUpdated records a governance change of the fee destination.
type LendingTreasuryUpdated struct {
	Manager   crypto.Address
	Previous  crypto.Address
	Treasury  crypto.Address
	Timestamp uint64
}

func (LendingTreasuryUpdated) EventType() string { return TypeLendingTreasuryUpdated }

func (e LendingTreasuryUpdated) Event() *types.Event {
	attrs := map[string]string{}
	putAddress(attrs, "manager", e.Manager)
	putAddress(attrs, "previous", e.Previous)
	putAddress(attrs, "treasury", e.Treasury)
	return &types.Event{Type: TypeLendingTreasuryUpdated, Timestamp: e.Timestamp, Attributes: attrs}
}

// LendingPolicyProposed records a new timelocked policy candidate.
type LendingPolicyProposed struct {
	Manager        crypto.Address
	Implementation string
	ProposedTime   uint64
	ActivatableAt  uint64
}

func (LendingPolicyProposed) EventType() string { return TypeLendingPolicyProposed }

func (e LendingPolicyProposed) Event() *types.Event {
	attrs := map[string]string{
		"implementation": e.Implementation,
		"proposedTime":   strconv.FormatUint(e.ProposedTime, 10),
		"activatableAt":  strconv.FormatUint(e.ActivatableAt, 10),
	}
	putAddress(attrs, "manager", e.Manager)
	return &types.Event{Type: TypeLendingPolicyProposed, Timestamp: e.ProposedTime, Attributes: attrs}
}

// LendingPolicyActivated records the swap of the active borrow policy.
type LendingPolicyActivated struct {
	Manager        crypto.Address
	Previous       string
	Implementation string
	Timestamp      uint64
}

func (LendingPolicyActivated) EventType() string { return TypeLendingPolicyActivated }

func (e LendingPolicyActivated) Event() *types.Event {
	attrs := map[string]string{
		"previous":       e.Previous,
		"implementation": e.Implementation,
	}
	putAddress(attrs, "manager", e.Manager)
	return &types.Event{Type: TypeLendingPolicyActivated, Timestamp: e.Timestamp, Attributes: attrs}
}

func putAddress(attrs map[string]string, key string, addr crypto.Address) {
	if len(addr.Bytes()) == 0 {
		return
	}
	attrs[key] = addr.String()
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
