package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the engine updates.
type Metrics struct {
	Cycles        *prometheus.CounterVec
	Outcomes      *prometheus.CounterVec
	Orders        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	LedgerEntries prometheus.Gauge
	LastCycle     prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "washguard_cycles_total",
				Help: "Cycles run, by result (ok, error, panic)",
			},
			[]string{"result"},
		),

		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "washguard_instrument_outcomes_total",
				Help: "Per-instrument evaluation outcomes",
			},
			[]string{"outcome"},
		),

		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "washguard_orders_total",
				Help: "Orders submitted, by action and status",
			},
			[]string{"action", "status"},
		),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "washguard_cycle_duration_seconds",
				Help:    "Wall time of one full cycle",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		LedgerEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "washguard_ledger_entries",
				Help: "Symbols currently in the wash-sale ledger",
			},
		),

		LastCycle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "washguard_last_cycle_timestamp_seconds",
				Help: "Unix time the last cycle finished",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.Cycles, m.Outcomes, m.Orders, m.CycleDuration, m.LedgerEntries, m.LastCycle)
	}
	return m
}
