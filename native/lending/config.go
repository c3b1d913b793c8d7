package lending

import (
	"fmt"
	"strings"

	"debtledger/crypto"
)

// Config captures the operator-supplied ledger bootstrap parameters.
type Config struct {
	Manager              string `toml:"manager"`
	Treasury             string `toml:"treasury"`
	BorrowFeeRate        uint64 `toml:"borrow_fee_rate"`
	ApprovalDelaySeconds uint64 `toml:"approval_delay_seconds"`
	Policy               string `toml:"policy"`
	PolicyBufferBps      uint64 `toml:"policy_buffer_bps"`
}

// Validate ensures the configuration can bootstrap a ledger.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Treasury) == "" {
		return fmt.Errorf("%w: treasury required", ErrInvalidAddress)
	}
	if c.BorrowFeeRate > MaxBorrowFeeRate {
		return fmt.Errorf("%w: borrow_fee_rate %d > %d", ErrFeeCapExceeded, c.BorrowFeeRate, MaxBorrowFeeRate)
	}
	if c.PolicyBufferBps >= basisPoints {
		return fmt.Errorf("lending: policy_buffer_bps must be below %d", basisPoints)
	}
	switch strings.TrimSpace(c.Policy) {
	case "", PolicyStandard, PolicyBuffered:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, c.Policy)
	}
	return nil
}

// Registry returns the policy registry described by the configuration.
func (c Config) Registry() *Registry {
	buffer := c.PolicyBufferBps
	if buffer == 0 {
		buffer = DefaultBufferBps
	}
	return NewRegistry(StandardPolicy{}, BufferedPolicy{BufferBps: buffer})
}

// InitParams decodes the configured addresses into bootstrap parameters.
func (c Config) InitParams() (InitParams, error) {
	if err := c.Validate(); err != nil {
		return InitParams{}, err
	}
	treasury, err := crypto.DecodeAddress(c.Treasury)
	if err != nil {
		return InitParams{}, fmt.Errorf("%w: treasury: %v", ErrInvalidAddress, err)
	}
	params := InitParams{
		Treasury:      treasury,
		BorrowFeeRate: c.BorrowFeeRate,
		ApprovalDelay: c.ApprovalDelaySeconds,
		Policy:        strings.TrimSpace(c.Policy),
	}
	if strings.TrimSpace(c.Manager) != "" {
		if params.Manager, err = crypto.DecodeAddress(c.Manager); err != nil {
			return InitParams{}, fmt.Errorf("%w: manager: %v", ErrInvalidAddress, err)
		}
	}
	return params, nil
}
