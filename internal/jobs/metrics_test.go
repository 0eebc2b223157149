package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	assert.NoError(t, m.Track("security:sweep").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("security:sweep").End(boom), boom)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("security:sweep", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("security:sweep", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("security:sweep")))
}

func TestAddRemoved(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddRemoved("csrf_tokens", 3)
	m.AddRemoved("csrf_tokens", 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.removed.WithLabelValues("csrf_tokens")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddRemoved("x", 1)
	assert.NoError(t, m.Track("x").End(nil))
}
