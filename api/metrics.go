package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/reward-ledger/ledger"
)

// Metrics holds the ledger's Prometheus collectors. Each Handler registers
// its own set so tests can use a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	postbacks       *prometheus.CounterVec
	postbackLatency *prometheus.HistogramVec
	adminActions    *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
	sweepRuns       *prometheus.CounterVec
	sweepPromoted   prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		postbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_postback_total",
			Help: "Partner postbacks by partner and outcome",
		}, []string{"partner", "outcome"}),
		postbackLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_postback_duration_seconds",
			Help:    "Postback handling latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"partner"}),
		adminActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_admin_actions_total",
			Help: "Admin task transitions by action and result",
		}, []string{"action", "result"}),
		withdrawals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_withdrawals_total",
			Help: "Withdrawal operations by action and result",
		}, []string{"action", "result"}),
		sweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_sweep_runs_total",
			Help: "Expiry sweep runs by trigger and result",
		}, []string{"trigger", "result"}),
		sweepPromoted: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_sweep_promoted_total",
			Help: "Pending tasks released by the expiry sweep",
		}),
	}
}

// result labels an operation "ok" or by its error category.
func result(err error) string {
	if err == nil {
		return "ok"
	}
	return ledger.Category(err)
}
