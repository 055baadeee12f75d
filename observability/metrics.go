// Package observability exposes the Prometheus metrics recorded by the
// treasury core and an event-driven adapter feeding them.
package observability

import (
	"math"
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"tidepool/core/events"
)

// TreasuryMetrics aggregates the counters describing settlement activity.
type TreasuryMetrics struct {
	FundsReceived  *prometheus.CounterVec
	Deposits       *prometheus.CounterVec
	Withdrawals    *prometheus.CounterVec
	EpochsSettled  prometheus.Counter
	NativeBurned   prometheus.Counter
	NativeSkimmed  prometheus.Counter
	SwapsExecuted  prometheus.Counter
	SwapSpareIn    prometheus.Counter
	LiquidityAdded prometheus.Counter
}

var (
	treasuryOnce     sync.Once
	treasuryRegistry *TreasuryMetrics
)

// Metrics returns the lazily-initialised treasury metrics registry.
func Metrics() *TreasuryMetrics {
	treasuryOnce.Do(func() {
		treasuryRegistry = &TreasuryMetrics{
			FundsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "treasury",
				Name:      "funds_received_total",
				Help:      "Inbound payment volume segmented by asset.",
			}, []string{"asset"}),
			Deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "ledger",
				Name:      "deposits_total",
				Help:      "Ledger deposit volume segmented by asset.",
			}, []string{"asset"}),
			Withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "ledger",
				Name:      "withdrawals_total",
				Help:      "Ledger withdrawal volume segmented by asset.",
			}, []string{"asset"}),
			EpochsSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "treasury",
				Name:      "epochs_settled_total",
				Help:      "Number of completed epoch executions.",
			}),
			NativeBurned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "treasury",
				Name:      "native_burned_total",
				Help:      "Native asset routed to the irrecoverable burn sink.",
			}),
			NativeSkimmed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "treasury",
				Name:      "native_skimmed_total",
				Help:      "Native asset routed to the staking sink.",
			}),
			SwapsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "swap",
				Name:      "conversions_total",
				Help:      "Number of bounded conversions executed.",
			}),
			SwapSpareIn: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "swap",
				Name:      "spare_in_total",
				Help:      "Unconsumed input routed back for recycling.",
			}),
			LiquidityAdded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "swap",
				Name:      "liquidity_added_total",
				Help:      "Liquidity units added to the managed position.",
			}),
		}
		prometheus.MustRegister(
			treasuryRegistry.FundsReceived,
			treasuryRegistry.Deposits,
			treasuryRegistry.Withdrawals,
			treasuryRegistry.EpochsSettled,
			treasuryRegistry.NativeBurned,
			treasuryRegistry.NativeSkimmed,
			treasuryRegistry.SwapsExecuted,
			treasuryRegistry.SwapSpareIn,
			treasuryRegistry.LiquidityAdded,
		)
	})
	return treasuryRegistry
}

// MetricsEmitter feeds treasury events into the Prometheus registry. It can be
// chained in front of another emitter so events still reach subscribers.
type MetricsEmitter struct {
	Next events.Emitter
}

// Emit implements events.Emitter.
func (m MetricsEmitter) Emit(event events.Event) {
	metrics := Metrics()
	attrs := event.Attributes()
	switch event.EventType() {
	case events.TypeFundsReceived:
		metrics.FundsReceived.WithLabelValues(attrs["asset"]).Add(attrFloat(attrs, "amount"))
	case events.TypeDeposit:
		metrics.Deposits.WithLabelValues(attrs["asset"]).Add(attrFloat(attrs, "amount"))
	case events.TypeWithdraw:
		metrics.Withdrawals.WithLabelValues(attrs["asset"]).Add(attrFloat(attrs, "amount"))
	case events.TypeEpochSettled:
		metrics.EpochsSettled.Inc()
		metrics.NativeBurned.Add(attrFloat(attrs, "burned"))
		metrics.NativeSkimmed.Add(attrFloat(attrs, "skimmed"))
	case events.TypeSwapExecuted:
		metrics.SwapsExecuted.Inc()
		metrics.SwapSpareIn.Add(attrFloat(attrs, "spareIn"))
		metrics.LiquidityAdded.Add(attrFloat(attrs, "liquidityDelta"))
	}
	if m.Next != nil {
		m.Next.Emit(event)
	}
}

// attrFloat converts a decimal attribute to float64, clamping overflows; the
// counters are operator telemetry, not accounting state.
func attrFloat(attrs map[string]string, key string) float64 {
	raw, ok := attrs[key]
	if !ok || raw == "" {
		return 0
	}
	value, ok := new(big.Float).SetString(raw)
	if !ok {
		return 0
	}
	out, _ := value.Float64()
	if math.IsInf(out, 0) || math.IsNaN(out) {
		return 0
	}
	return out
}
