// Package metrics aggregates execution outcomes into rolling per-strategy
// counters, keeps the bounded history ring, and mirrors everything into
// Prometheus for the /metrics endpoint.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

// StrategyStats is the rolling counter set for one strategy kind.
type StrategyStats struct {
	Attempts     int64           `json:"attempts"`
	Successes    int64           `json:"successes"`
	Failures     int64           `json:"failures"`
	Expired      int64           `json:"expired"`
	Rejected     int64           `json:"rejected"`
	Cancelled    int64           `json:"cancelled"`
	ProfitUSD    decimal.Decimal `json:"profit_usd"`
	GasCostUSD   decimal.Decimal `json:"gas_cost_usd"`
	TotalElapsed time.Duration   `json:"total_elapsed"`
}

// SuccessRate returns successes over attempts, 0 when nothing ran.
func (s StrategyStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// AvgElapsed returns the mean execution time across attempts.
func (s StrategyStats) AvgElapsed() time.Duration {
	if s.Attempts == 0 {
		return 0
	}
	return s.TotalElapsed / time.Duration(s.Attempts)
}

// Collector owns the counters. Writes come only from the coordinator's
// goroutines; readers get value snapshots.
type Collector struct {
	mu      sync.RWMutex
	perKind map[opportunity.Kind]*StrategyStats
	history *ring

	execTotal   *prometheus.CounterVec
	profitTotal *prometheus.CounterVec
	gasTotal    *prometheus.CounterVec
	execSeconds *prometheus.HistogramVec
	activeExecs prometheus.Gauge
	queueDepth  *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates a collector with a 1000-entry history ring registered on
// its own Prometheus registry.
func New() *Collector {
	c := &Collector{
		perKind:  make(map[opportunity.Kind]*StrategyStats),
		history:  newRing(1000),
		registry: prometheus.NewRegistry(),
		execTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbrun_executions_total",
			Help: "Terminal execution results by strategy kind and state",
		}, []string{"kind", "state"}),
		profitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbrun_realized_profit_usd_total",
			Help: "Cumulative realized profit in USD by strategy kind",
		}, []string{"kind"}),
		gasTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbrun_realized_gas_usd_total",
			Help: "Cumulative realized gas cost in USD by strategy kind",
		}, []string{"kind"}),
		execSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbrun_execution_seconds",
			Help:    "Execution elapsed time by strategy kind",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		activeExecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbrun_active_executions",
			Help: "Opportunities currently in the Executing state",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbrun_queue_depth",
			Help: "Execution queue depth by strategy kind",
		}, []string{"kind"}),
	}
	c.registry.MustRegister(c.execTotal, c.profitTotal, c.gasTotal, c.execSeconds, c.activeExecs, c.queueDepth)
	return c
}

// Registry exposes the Prometheus registry for the HTTP surface.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Record folds one terminal result into the counters and the ring.
func (c *Collector) Record(res opportunity.ExecutionResult) {
	c.mu.Lock()
	st, ok := c.perKind[res.Kind]
	if !ok {
		st = &StrategyStats{}
		c.perKind[res.Kind] = st
	}
	st.Attempts++
	switch res.State {
	case opportunity.StateSuccess:
		st.Successes++
	case opportunity.StateFailed:
		st.Failures++
	case opportunity.StateExpired:
		st.Expired++
	case opportunity.StateRejected:
		st.Rejected++
	case opportunity.StateCancelled:
		st.Cancelled++
	}
	st.ProfitUSD = st.ProfitUSD.Add(res.ProfitUSD)
	st.GasCostUSD = st.GasCostUSD.Add(res.GasCostUSD)
	st.TotalElapsed += res.Elapsed
	c.history.add(res)
	c.mu.Unlock()

	kind := string(res.Kind)
	c.execTotal.WithLabelValues(kind, string(res.State)).Inc()
	profit, _ := res.ProfitUSD.Float64()
	gas, _ := res.GasCostUSD.Float64()
	if profit > 0 {
		c.profitTotal.WithLabelValues(kind).Add(profit)
	}
	if gas > 0 {
		c.gasTotal.WithLabelValues(kind).Add(gas)
	}
	c.execSeconds.WithLabelValues(kind).Observe(res.Elapsed.Seconds())
}

// SetActive updates the in-flight execution gauge.
func (c *Collector) SetActive(n int) {
	c.activeExecs.Set(float64(n))
}

// SetQueueDepths updates the per-kind queue depth gauges.
func (c *Collector) SetQueueDepths(depths map[opportunity.Kind]int) {
	for k, d := range depths {
		c.queueDepth.WithLabelValues(string(k)).Set(float64(d))
	}
}

// Snapshot returns a consistent copy of every per-kind counter set.
func (c *Collector) Snapshot() map[opportunity.Kind]StrategyStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[opportunity.Kind]StrategyStats, len(c.perKind))
	for k, st := range c.perKind {
		out[k] = *st
	}
	return out
}

// History returns the recorded terminal results, oldest first, capped at
// the ring size.
func (c *Collector) History() []opportunity.ExecutionResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.history.items()
}
