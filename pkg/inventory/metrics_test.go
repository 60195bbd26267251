package inventory

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_ObserveClassifiesResults(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	start := time.Now()

	m.observe("confirm", start, nil)
	m.observe("confirm", start, errors.Join(&InsufficientStockError{ProductID: 1, LocationID: 1, Requested: 2}))
	m.observe("transfer", start, NewConcurrencyError("lock", "s:1:1", "timeout", nil))
	m.observe("transfer", start, NewValidationError("quantity", "bad", "0"))
	m.observe("release", start, errors.New("db down"))
	m.publishFailed("stock_changed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("confirm", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("confirm", "insufficient_stock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.insufficient.WithLabelValues("confirm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockTimeouts.WithLabelValues("transfer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("transfer", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("release", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishFails.WithLabelValues("stock_changed")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observe("confirm", time.Now(), nil)
		m.publishFailed("stock_changed")
	})
}
