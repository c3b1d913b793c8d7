package lending

import (
	"math"

	"github.com/holiman/uint256"

	"debtledger/crypto"
)

// NoProposalTime is the ProposedTime carried by an empty policy candidate.
const NoProposalTime = math.MaxUint64

// Account tracks one borrower's position. Accounts are created lazily with
// zero values and never removed.
type Account struct {
	Address          crypto.Address
	BorrowedAmount   *uint256.Int
	BorrowTime       uint64
	CollateralAmount *uint256.Int
}

func newAccount(addr crypto.Address) *Account {
	return &Account{
		Address:          addr,
		BorrowedAmount:   new(uint256.Int),
		CollateralAmount: new(uint256.Int),
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	return &Account{
		Address:          a.Address,
		BorrowedAmount:   clone(a.BorrowedAmount),
		BorrowTime:       a.BorrowTime,
		CollateralAmount: clone(a.CollateralAmount),
	}
}

func (a *Account) pristine() bool {
	return a.BorrowTime == 0 && isZero(a.BorrowedAmount) && isZero(a.CollateralAmount)
}

// PolicyCandidate is a pending policy replacement awaiting the approval delay.
type PolicyCandidate struct {
	Implementation string
	ProposedTime   uint64
}

func emptyCandidate() PolicyCandidate {
	return PolicyCandidate{ProposedTime: NoProposalTime}
}

// Empty reports whether no candidate is pending.
func (c PolicyCandidate) Empty() bool {
	return c.Implementation == ""
}

// ActivatableAt returns the earliest time the candidate may be activated and
// false when the addition overflows.
func (c PolicyCandidate) ActivatableAt(delay uint64) (uint64, bool) {
	if c.ProposedTime > math.MaxUint64-delay {
		return 0, false
	}
	return c.ProposedTime + delay, true
}

// LedgerConfig captures the governance-controlled parameters of the ledger.
type LedgerConfig struct {
	BorrowFeeRate uint64
	Treasury      crypto.Address
	ApprovalDelay uint64
	Manager       crypto.Address
}

// Meta is the persisted singleton describing an initialised ledger.
type Meta struct {
	Config       LedgerConfig
	ActivePolicy string
	Candidate    PolicyCandidate
}

// Proposal is a policy's answer to an operation request. Debt and Collateral
// are the account's post-operation values and Time its new BorrowTime.
type Proposal struct {
	Debt       *uint256.Int
	Collateral *uint256.Int
	Time       uint64
}

// AccountInfo is the read-only view returned by Engine.AccountInfo.
type AccountInfo struct {
	Address         crypto.Address
	Principal       *uint256.Int
	Debt            *uint256.Int
	Collateral      *uint256.Int
	CollateralValue *uint256.Int
	BorrowTime      uint64
	LTV             *uint256.Int
	MaxLTV          *uint256.Int
}

// BorrowReceipt summarises a successful borrow.
type BorrowReceipt struct {
	Fee      *uint256.Int
	Received *uint256.Int
	Account  *Account
}

// RepayReceipt summarises a successful repayment.
type RepayReceipt struct {
	Repaid  *uint256.Int
	Account *Account
}

// WithdrawReceipt summarises a successful withdrawal.
type WithdrawReceipt struct {
	Withdrawn *uint256.Int
	Account   *Account
}
