// Package metrics exposes retry tracker activity as Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bundleretry/pkg/retry"
)

const namespace = "bundleretry"

// Retry is a prometheus.Collector for tracker decisions and waits.
type Retry struct {
	decisions *prometheus.CounterVec
	waits     *prometheus.CounterVec
	waitTime  *prometheus.HistogramVec
	tracked   *prometheus.Desc

	mu         sync.Mutex
	trackedLen func() int
}

// NewRetry returns the collectors. Register them with Register or a registry
// of your own.
func NewRetry() *Retry {
	return &Retry{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_decisions_total",
				Help:      "EndPackage decisions by phase and outcome.",
			}, []string{"kind", "decision"},
		),
		waits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_waits_total",
				Help:      "Pauses applied before a retry.",
			}, []string{"kind"},
		),
		waitTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_wait_seconds",
				Help:      "Configured pause applied before a retry.",
				Buckets:   []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			}, []string{"kind"},
		),
		tracked: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "retry_tracked_entries"),
			"Keys currently tracked by the retry tracker.",
			nil, nil,
		),
	}
}

// Register adds the collectors to reg.
func (r *Retry) Register(reg prometheus.Registerer) error {
	return reg.Register(r)
}

// Describe is part of the prometheus.Collector interface.
func (r *Retry) Describe(ch chan<- *prometheus.Desc) {
	r.decisions.Describe(ch)
	r.waits.Describe(ch)
	r.waitTime.Describe(ch)
	ch <- r.tracked
}

// Collect is part of the prometheus.Collector interface.
func (r *Retry) Collect(ch chan<- prometheus.Metric) {
	r.decisions.Collect(ch)
	r.waits.Collect(ch)
	r.waitTime.Collect(ch)

	r.mu.Lock()
	fn := r.trackedLen
	r.mu.Unlock()
	var n int
	if fn != nil {
		n = fn()
	}
	ch <- prometheus.MustNewConstMetric(r.tracked, prometheus.GaugeValue, float64(n))
}

// ObserveDecision counts one EndPackage outcome.
func (r *Retry) ObserveDecision(kind retry.Kind, d retry.Decision) {
	r.decisions.WithLabelValues(kind.String(), d.String()).Inc()
}

// ObserveWait records a retry pause of d.
func (r *Retry) ObserveWait(kind retry.Kind, d time.Duration) {
	r.waits.WithLabelValues(kind.String()).Inc()
	r.waitTime.WithLabelValues(kind.String()).Observe(d.Seconds())
}

// TrackLen makes the tracked entries gauge report fn at collection time,
// typically (*retry.Tracker).Len. Without it the gauge reads 0.
func (r *Retry) TrackLen(fn func() int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackedLen = fn
}
