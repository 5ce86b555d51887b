package metric

import (
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvistreams/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry(RegistryOptions{Version: "1.2.3"})

	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())

	names := gatheredNames(t, registry)
	assert.True(t, names["ruuvi_build_info"])
	assert.True(t, names["go_goroutines"])
	assert.False(t, names["process_start_time_seconds"], "process collector is opt-in")

	assert.Equal(t, 1.0, testutil.ToFloat64(
		registry.Metrics.BuildInfo.WithLabelValues("1.2.3", runtime.Version())))
}

func TestNewMetricsRegistry_ProcessCollector(t *testing.T) {
	registry := NewMetricsRegistry(RegistryOptions{ProcessCollector: true})
	names := gatheredNames(t, registry)
	assert.True(t, names["process_start_time_seconds"])
}

func TestMetricsRegistry_RegisterDuplicate(t *testing.T) {
	registry := NewMetricsRegistry(RegistryOptions{})

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"}, []string{"device"})
	require.NoError(t, registry.RegisterGaugeVec("test", "test_gauge", vec))

	err := registry.RegisterGaugeVec("test", "test_gauge", vec)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same collector under a different key collides inside prometheus.
	err = registry.RegisterGaugeVec("other", "test_gauge", vec)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry(RegistryOptions{})

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	require.NoError(t, registry.RegisterCounter("test", "test_counter", counter))
	counter.Inc()
	assert.True(t, gatheredNames(t, registry)["test_counter"])

	assert.True(t, registry.Unregister("test", "test_counter"))
	assert.False(t, registry.Unregister("test", "test_counter"))
	assert.False(t, gatheredNames(t, registry)["test_counter"])

	require.NoError(t, registry.RegisterCounter("test", "test_counter", counter))
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()

	m.RecordSessions(3)
	m.RecordSessionAdmitted()
	m.RecordDiscoveryEvent("found")
	m.RecordDiscoveryEvent("found")
	m.RecordPublished(true)
	m.RecordPublished(false)
	m.RecordSeriesExpired(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsAdmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DiscoveryEvents.WithLabelValues("found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadingsPublished.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SeriesExpired))
}
