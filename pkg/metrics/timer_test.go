package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewTimer tests timer creation
func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	assert.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())
}

// TestObserveDuration tests that elapsed time lands in the histogram
func TestObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_timer_duration_seconds",
		Help: "test histogram",
	})

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(h)

	var m dto.Metric
	require.NoError(t, h.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	assert.Greater(t, m.GetHistogram().GetSampleSum(), 0.0)
}

// TestObserveDurationVec tests labeled histogram observation
func TestObserveDurationVec(t *testing.T) {
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_timer_vec_duration_seconds",
		Help: "test histogram vec",
	}, []string{"loop"})

	timer := NewTimer()
	timer.ObserveDurationVec(hv, "wc")

	var m dto.Metric
	obs, err := hv.GetMetricWithLabelValues("wc")
	require.NoError(t, err)
	require.NoError(t, obs.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}
