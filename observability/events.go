package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"debtledger/core/events"
)

type eventMetrics struct {
	emitted  *prometheus.CounterVec
	fees     prometheus.Counter
	upgrades *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics

	tokenScale = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
)

// Events returns the metrics registry tracking ledger events. The registry
// implements events.Emitter so it can be attached to the engine directly.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of ledger events segmented by type.",
			}, []string{"type"}),
			fees: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "fees_charged_tokens_total",
				Help:      "Borrow fees routed to the treasury, in whole debt tokens.",
			}),
			upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "policy_activations_total",
				Help:      "Count of borrow policy activations segmented by implementation.",
			}, []string{"policy"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.fees, eventRegistry.upgrades)
	})
	return eventRegistry
}

// Emit implements events.Emitter.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	typ := strings.TrimSpace(evt.EventType())
	if typ == "" {
		typ = "unknown"
	}
	m.emitted.WithLabelValues(typ).Inc()
	switch e := evt.(type) {
	case events.LendingFeeCharged:
		m.fees.Add(wholeTokens(e.Fee))
	case events.LendingPolicyActivated:
		m.upgrades.WithLabelValues(normalizeLabel(e.Implementation, "unknown")).Inc()
	}
}

func wholeTokens(v *uint256.Int) float64 {
	if v == nil || v.IsZero() {
		return 0
	}
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(v.ToBig()), tokenScale).Float64()
	return out
}
