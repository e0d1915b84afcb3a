package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildName(t *testing.T) {
	assert.Equal(t, "greengage_cluster_segments_total", BuildName(SubsystemCluster, "segments_total"))
	assert.Equal(t, "greengage_exporter_total_scraped", BuildName(SubsystemExporter, "total_scraped"))
}

func TestMeterIDLabelOrderIndependent(t *testing.T) {
	a := meterID("m", prometheus.Labels{"x": "1", "y": "2"})
	b := meterID("m", prometheus.Labels{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
	assert.Equal(t, "m{x=1,y=2}", a.String())

	bare := meterID("m", nil)
	assert.Equal(t, "m", bare.String())
	assert.NotEqual(t, a, bare)
}

func TestGaugeRegistersAndGathers(t *testing.T) {
	r := NewRegistry()
	_, err := r.Gauge("test_gauge", "help", prometheus.Labels{"host": "sdw1"}, func() float64 { return 42 })
	require.NoError(t, err)

	families, err := r.Prometheus().Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "test_gauge", families[0].GetName())
	require.Len(t, families[0].GetMetric(), 1)
	assert.Equal(t, float64(42), families[0].GetMetric()[0].GetGauge().GetValue())
}

func TestDuplicateIdentityRejected(t *testing.T) {
	r := NewRegistry()
	_, err := r.Gauge("dup", "help", prometheus.Labels{"a": "1"}, func() float64 { return 0 })
	require.NoError(t, err)

	_, err = r.Gauge("dup", "help", prometheus.Labels{"a": "1"}, func() float64 { return 0 })
	assert.ErrorContains(t, err, "already registered")

	// Same name with different labels is a distinct identity.
	_, err = r.Gauge("dup", "help", prometheus.Labels{"a": "2"}, func() float64 { return 0 })
	assert.NoError(t, err)
}

func TestRemoveUnregistersSeries(t *testing.T) {
	r := NewRegistry()
	id, err := r.Gauge("removable", "help", prometheus.Labels{"k": "v"}, func() float64 { return 1 })
	require.NoError(t, err)

	assert.True(t, r.Remove(id))

	families, err := r.Prometheus().Gather()
	require.NoError(t, err)
	assert.Empty(t, families)

	// Second removal reports the identity as unknown.
	assert.False(t, r.Remove(id))

	// The identity can be registered again after removal.
	_, err = r.Gauge("removable", "help", prometheus.Labels{"k": "v"}, func() float64 { return 2 })
	assert.NoError(t, err)
}

func TestCounterVecAndSummary(t *testing.T) {
	r := NewRegistry()

	cv, err := r.CounterVec("errors_total", "help", "collector")
	require.NoError(t, err)
	cv.WithLabelValues("segment").Inc()
	cv.WithLabelValues("segment").Inc()

	s, err := r.Summary("duration_seconds", "help")
	require.NoError(t, err)
	s.Observe(0.5)

	families, err := r.Prometheus().Gather()
	require.NoError(t, err)
	assert.Len(t, families, 2)
}
