// Package metrics exposes daemon-level prometheus metrics for the cycle
// engine. Amounts are reported in whole tokens; the sqlite audit trail
// keeps the exact integers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aethercycle/aethercycle-engine/internal/engine"
	"github.com/aethercycle/aethercycle-engine/internal/model"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	cyclesTotal     *prometheus.CounterVec
	burnedTotal     prometheus.Counter
	lpDeployedTotal prometheus.Counter
	refilledTotal   prometheus.Counter
	callerPaidTotal prometheus.Counter
	deferredSteps   prometheus.Counter

	engineBalance prometheus.Gauge
	pairedBalance prometheus.Gauge
	conserved     prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aethercycle",
			Name:      "cycles_total",
			Help:      "Cycle runs by outcome.",
		}, []string{"outcome"}),
		burnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aethercycle",
			Name:      "burned_tokens_total",
			Help:      "Tokens permanently burned.",
		}),
		lpDeployedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aethercycle",
			Name:      "lp_deployed_tokens_total",
			Help:      "Base tokens deployed as protocol-owned liquidity.",
		}),
		refilledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aethercycle",
			Name:      "refilled_tokens_total",
			Help:      "Tokens delivered to staking pools.",
		}),
		callerPaidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aethercycle",
			Name:      "caller_paid_tokens_total",
			Help:      "Caller incentives paid.",
		}),
		deferredSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aethercycle",
			Name:      "deferred_substeps_total",
			Help:      "External sub-steps that failed and deferred funds.",
		}),
		engineBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aethercycle",
			Name:      "engine_balance_tokens",
			Help:      "Current engine base-token balance.",
		}),
		pairedBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aethercycle",
			Name:      "engine_paired_balance_tokens",
			Help:      "Current engine paired-asset balance.",
		}),
		conserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aethercycle",
			Name:      "conservation_ok",
			Help:      "1 when the lifetime conservation equation holds.",
		}),
	}
	reg.MustRegister(
		m.cyclesTotal, m.burnedTotal, m.lpDeployedTotal, m.refilledTotal,
		m.callerPaidTotal, m.deferredSteps, m.engineBalance, m.pairedBalance,
		m.conserved,
	)
	return m
}

// ObserveCycle folds one cycle result into the counters.
func (m *Metrics) ObserveCycle(res *engine.CycleResult) {
	m.cyclesTotal.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome != engine.OutcomeCompleted {
		return
	}
	m.burnedTotal.Add(model.ToFloatTokens(res.Burned))
	m.lpDeployedTotal.Add(model.ToFloatTokens(res.LPBaseDeployed))
	refilled := model.ToFloatTokens(res.RefillLP) + model.ToFloatTokens(res.RefillToken) + model.ToFloatTokens(res.RefillNFT)
	m.refilledTotal.Add(refilled)
	m.callerPaidTotal.Add(model.ToFloatTokens(res.CallerPaid))
	m.deferredSteps.Add(float64(len(res.Diagnostics)))
}

// ObserveStatus updates the gauges from a health snapshot.
func (m *Metrics) ObserveStatus(st engine.Status) {
	m.engineBalance.Set(model.ToFloatTokens(st.EngineBalance))
	m.pairedBalance.Set(model.ToFloatTokens(st.PairedBalance))
	if st.Conserved {
		m.conserved.Set(1)
	} else {
		m.conserved.Set(0)
	}
}

// Handler returns the scrape endpoint for gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
