package lending

import "errors"

// Policy-level failures. Policies return these verbatim and the engine
// propagates them unchanged.
var (
	ErrOverLTV               = errors.New("lending: loan-to-value exceeds ceiling")
	ErrOverRepay             = errors.New("lending: repayment exceeds outstanding debt")
	ErrInsufficientLiquidity = errors.New("lending: insufficient debt-token liquidity")
	ErrUnderflow             = errors.New("lending: withdrawal exceeds collateral")
)

// Engine-level failures.
var (
	ErrInvariantViolation = errors.New("lending: state transition violates ledger invariants")
	ErrNoCandidate        = errors.New("lending: no policy candidate proposed")
	ErrDelayNotElapsed    = errors.New("lending: approval delay not elapsed")
	ErrNotAuthorized      = errors.New("lending: caller not authorized")
	ErrAlreadyInitialized = errors.New("lending: ledger already initialised")
	ErrNotInitialized     = errors.New("lending: ledger not initialised")
	ErrFeeCapExceeded     = errors.New("lending: borrow fee rate exceeds cap")
	ErrInvalidAmount      = errors.New("lending: invalid amount")
	ErrInvalidAddress     = errors.New("lending: invalid address")
	ErrUnknownPolicy      = errors.New("lending: unknown policy implementation")
	ErrReentrantCall      = errors.New("lending: re-entrant call rejected")
)

// Arithmetic failures raised by the calculator.
var (
	ErrZeroCollateralValue = errors.New("lending: collateral value is zero")
	ErrArithmeticOverflow  = errors.New("lending: arithmetic overflow")
)

var errNilState = errors.New("lending engine: state not configured")
