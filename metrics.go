package flagkit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the flag store and rate limiter.
// All recording helpers are nil-safe so instrumentation stays optional: a nil
// *Metrics records nothing.
type Metrics struct {
	FlagReads          *prometheus.CounterVec // result=success|error
	FlagWrites         *prometheus.CounterVec // result=success|error
	ValidationFailures prometheus.Counter
	WatchReloads       prometheus.Counter

	StorageOpSeconds *prometheus.HistogramVec // op=read|write|cleanup
	BackupsPruned    prometheus.Counter

	RateLimitDecisions *prometheus.CounterVec // endpoint, decision=granted|denied|failopen
}

// NewMetrics creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer for the global registry, or a dedicated
// *prometheus.Registry to keep collectors isolated (tests, embedded use).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlagReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flagkit",
				Subsystem: "flags",
				Name:      "reads_total",
				Help:      "Total flag document reads by result.",
			},
			[]string{"result"},
		),
		FlagWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flagkit",
				Subsystem: "flags",
				Name:      "writes_total",
				Help:      "Total flag document writes by result.",
			},
			[]string{"result"},
		),
		ValidationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flagkit",
				Subsystem: "flags",
				Name:      "validation_failures_total",
				Help:      "Total flag documents rejected by schema validation.",
			},
		),
		WatchReloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flagkit",
				Subsystem: "flags",
				Name:      "watch_reloads_total",
				Help:      "Total snapshot reloads triggered by file watch events.",
			},
		),
		StorageOpSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "flagkit",
				Subsystem: "storage",
				Name:      "op_duration_seconds",
				Help:      "Duration of storage operations, including lock wait.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"op"},
		),
		BackupsPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flagkit",
				Subsystem: "storage",
				Name:      "backups_pruned_total",
				Help:      "Total backup files removed by retention cleanup.",
			},
		),
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flagkit",
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Total rate limit decisions by endpoint and outcome.",
			},
			[]string{"endpoint", "decision"},
		),
	}

	reg.MustRegister(
		m.FlagReads,
		m.FlagWrites,
		m.ValidationFailures,
		m.WatchReloads,
		m.StorageOpSeconds,
		m.BackupsPruned,
		m.RateLimitDecisions,
	)

	return m
}

func (m *Metrics) flagRead(err error) {
	if m == nil {
		return
	}
	m.FlagReads.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) flagWrite(err error) {
	if m == nil {
		return
	}
	m.FlagWrites.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) validationFailure() {
	if m == nil {
		return
	}
	m.ValidationFailures.Inc()
}

func (m *Metrics) watchReload() {
	if m == nil {
		return
	}
	m.WatchReloads.Inc()
}

func (m *Metrics) storageOp(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.StorageOpSeconds.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) backupsPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BackupsPruned.Add(float64(n))
}

func (m *Metrics) rateLimitDecision(endpoint, decision string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(endpoint, decision).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
