package inventory

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for engine operations
// エンジン操作のPrometheusメトリクス
type Metrics struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	insufficient *prometheus.CounterVec
	lockTimeouts *prometheus.CounterVec
	publishFails *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// NewMetrics registers the engine metrics against registerer. A nil
// registerer uses the default Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultMetricsOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock_engine",
			Name:      "operations_total",
			Help:      "Number of stock engine operations by result.",
		}, []string{"operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stock_engine",
			Name:      "operation_duration_seconds",
			Help:      "Duration of stock engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		insufficient: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock_engine",
			Name:      "insufficient_stock_total",
			Help:      "Operations rejected for insufficient stock.",
		}, []string{"operation"}),
		lockTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock_engine",
			Name:      "lock_timeouts_total",
			Help:      "Operations that failed waiting for row locks.",
		}, []string{"operation"}),
		publishFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock_engine",
			Name:      "event_publish_failures_total",
			Help:      "Events that could not be published after commit.",
		}, []string{"event"}),
	}
	registerer.MustRegister(m.operations, m.duration, m.insufficient, m.lockTimeouts, m.publishFails)
	return m
}

// observe records the outcome of one operation; it is safe on a nil receiver.
func (m *Metrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientStock):
		result = "insufficient_stock"
		m.insufficient.WithLabelValues(operation).Inc()
	case errors.Is(err, ErrLockTimeout):
		result = "lock_timeout"
		m.lockTimeouts.WithLabelValues(operation).Inc()
	case errors.Is(err, ErrInvalidOperation), errors.Is(err, ErrInvalidTransition):
		result = "invalid"
	default:
		result = "error"
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) publishFailed(event string) {
	if m == nil {
		return
	}
	m.publishFails.WithLabelValues(event).Inc()
}
