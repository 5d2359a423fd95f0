// Package metrics exposes the pool and breaker health as Prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for a data source.
type Collector struct {
	Registry *prometheus.Registry

	connectionsIdle  prometheus.Gauge
	connectionsInUse prometheus.Gauge
	connectionsTotal prometheus.Gauge
	waiting          prometheus.Gauge
	sizingTarget     prometheus.Gauge

	acquireDuration prometheus.Histogram
	acquireErrors   *prometheus.CounterVec
	poolExhausted   prometheus.Counter
	evictions       prometheus.Counter
	leaksDetected   prometheus.Counter

	breakerState prometheus.Gauge
	breakerTrips prometheus.Counter

	validationDuration prometheus.Histogram
}

// New creates and registers all metrics on a private registry. Safe to call
// multiple times (e.g. one data source per test): each call gets an
// independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myriad_connections_idle",
			Help: "Number of idle pooled connections",
		}),
		connectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myriad_connections_in_use",
			Help: "Number of reserved or in-use pooled connections",
		}),
		connectionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myriad_connections_total",
			Help: "Total pooled connections",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myriad_acquire_waiting",
			Help: "Number of tasks parked waiting for a connection",
		}),
		sizingTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myriad_pool_sizing_target",
			Help: "Adaptive sizing target",
		}),
		acquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "myriad_acquire_duration_seconds",
			Help:    "Time spent acquiring a connection from the pool",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		acquireErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myriad_acquire_errors_total",
			Help: "Acquisition failures by kind",
		}, []string{"kind"}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myriad_pool_exhausted_total",
			Help: "Times an acquirer had to park because the pool was exhausted",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myriad_connections_evicted_total",
			Help: "Connections evicted from the pool",
		}),
		leaksDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myriad_connection_leaks_detected_total",
			Help: "Reservations that outlived the leak detection threshold",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myriad_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myriad_breaker_trips_total",
			Help: "Times the circuit breaker opened",
		}),
		validationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "myriad_validation_duration_seconds",
			Help:    "Duration of connection validation probes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		c.connectionsIdle, c.connectionsInUse, c.connectionsTotal,
		c.waiting, c.sizingTarget,
		c.acquireDuration, c.acquireErrors, c.poolExhausted,
		c.evictions, c.leaksDetected,
		c.breakerState, c.breakerTrips,
		c.validationDuration,
	)
	return c
}

// UpdatePoolStats refreshes the pool gauges from a stats snapshot.
func (c *Collector) UpdatePoolStats(idle, inUse, total, waiting, target int) {
	c.connectionsIdle.Set(float64(idle))
	c.connectionsInUse.Set(float64(inUse))
	c.connectionsTotal.Set(float64(total))
	c.waiting.Set(float64(waiting))
	c.sizingTarget.Set(float64(target))
}

// ObserveAcquire records one acquisition attempt.
func (c *Collector) ObserveAcquire(d time.Duration, errKind string) {
	c.acquireDuration.Observe(d.Seconds())
	if errKind != "" {
		c.acquireErrors.WithLabelValues(errKind).Inc()
	}
}

// PoolExhausted counts one parked acquirer.
func (c *Collector) PoolExhausted() {
	c.poolExhausted.Inc()
}

// ConnectionEvicted counts one eviction.
func (c *Collector) ConnectionEvicted() {
	c.evictions.Inc()
}

// LeakDetected counts one suspected leak.
func (c *Collector) LeakDetected() {
	c.leaksDetected.Inc()
}

// SetBreakerState mirrors the breaker position.
func (c *Collector) SetBreakerState(state int) {
	c.breakerState.Set(float64(state))
}

// BreakerTripped counts one transition to open.
func (c *Collector) BreakerTripped() {
	c.breakerTrips.Inc()
}

// ObserveValidation records one validation probe.
func (c *Collector) ObserveValidation(d time.Duration) {
	c.validationDuration.Observe(d.Seconds())
}
