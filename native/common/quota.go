package common

import (
	"errors"
	"math"
	"sync"
	"time"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaAmountExceeded   = errors.New("quota amount cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an account.
type QuotaNow struct {
	ReqCount   uint32
	AmountUsed uint64
	EpochID    uint64
}

// Quota defines the limits enforced per account within one epoch. Zero
// disables a limit.
type Quota struct {
	MaxRequestsPerEpoch uint32 `yaml:"max_requests_per_epoch"`
	MaxAmountPerEpoch   uint64 `yaml:"max_amount_per_epoch"`
	EpochSeconds        uint32 `yaml:"epoch_seconds"`
}

// Epoch maps a timestamp onto the quota's epoch counter.
func (q Quota) Epoch(now time.Time) uint64 {
	if q.EpochSeconds == 0 {
		return 0
	}
	ts := now.Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts) / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether the additional request and amount fit within the
// configured quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addAmount uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addAmount > 0 {
		if next.AmountUsed > math.MaxUint64-addAmount {
			return prev, ErrQuotaCounterOverflow
		}
		next.AmountUsed += addAmount
	}
	if q.MaxAmountPerEpoch > 0 && next.AmountUsed > q.MaxAmountPerEpoch {
		return prev, ErrQuotaAmountExceeded
	}

	return next, nil
}

// QuotaTracker applies a Quota to many accounts.
type QuotaTracker struct {
	mu    sync.Mutex
	quota Quota
	usage map[string]QuotaNow
	nowFn func() time.Time
}

// NewQuotaTracker returns a tracker enforcing q.
func NewQuotaTracker(q Quota) *QuotaTracker {
	return &QuotaTracker{quota: q, usage: make(map[string]QuotaNow), nowFn: time.Now}
}

// Consume records one request and amount units against key. Denied requests
// leave the counters untouched.
func (t *QuotaTracker) Consume(key string, amount uint64) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := CheckQuota(t.quota, t.quota.Epoch(t.nowFn()), t.usage[key], 1, amount)
	if err != nil {
		return err
	}
	t.usage[key] = next
	return nil
}

// Refund returns one request and amount units to key when the charge was made
// in the current epoch. Counters never go below zero.
func (t *QuotaTracker) Refund(key string, amount uint64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage, ok := t.usage[key]
	if !ok || usage.EpochID != t.quota.Epoch(t.nowFn()) {
		return
	}
	if usage.ReqCount > 0 {
		usage.ReqCount--
	}
	if usage.AmountUsed > amount {
		usage.AmountUsed -= amount
	} else {
		usage.AmountUsed = 0
	}
	t.usage[key] = usage
}
