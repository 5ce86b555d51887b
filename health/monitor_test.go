package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvistreams/component"
)

type stubComponent struct {
	name   string
	health component.HealthStatus
}

func (s stubComponent) Meta() component.Metadata        { return component.Metadata{Name: s.name} }
func (s stubComponent) Health() component.HealthStatus  { return s.health }
func (s stubComponent) DataFlow() component.FlowMetrics { return component.FlowMetrics{} }

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("ruuvistreams", tt.subs)
			assert.Equal(t, tt.expected, got.Status)
			assert.Equal(t, tt.expected == StatusHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestFromComponentHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := FromComponentHealth("scanner", component.HealthStatus{Healthy: true, Uptime: time.Minute})
		assert.True(t, s.IsHealthy())
		require.NotNil(t, s.Metrics)
		assert.Equal(t, time.Minute, s.Metrics.Uptime)
	})

	t.Run("running with errors is degraded", func(t *testing.T) {
		s := FromComponentHealth("discovery", component.HealthStatus{
			Healthy:    true,
			ErrorCount: 2,
			LastError:  "publish to nats://user:pw@broker:4222 failed",
		})
		assert.True(t, s.IsDegraded())
		assert.False(t, s.Healthy)
		assert.NotContains(t, s.Message, "broker")
		assert.Contains(t, s.Message, "[URL]")
	})

	t.Run("stopped is unhealthy", func(t *testing.T) {
		s := FromComponentHealth("scanner", component.HealthStatus{Healthy: false})
		assert.True(t, s.IsUnhealthy())
	})
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "", sanitizeErrorMessage(""))
	assert.Equal(t, "connect [URL] refused", sanitizeErrorMessage("connect nats://10.0.0.2:4222 refused"))
	assert.Equal(t, "auth [REDACTED]", sanitizeErrorMessage("auth token=abc123"))
}

func TestMonitor_Check(t *testing.T) {
	m := NewMonitor()
	m.RegisterComponent(stubComponent{name: "scanner", health: component.HealthStatus{Healthy: true}})
	m.Register("discovery", func() Status { return NewDegraded("ignored", "adapter busy") })
	assert.Equal(t, 2, m.Count())

	status := m.Check("ruuvistreams")
	assert.True(t, status.IsDegraded())
	require.Len(t, status.SubStatuses, 2)
	assert.Equal(t, "discovery", status.SubStatuses[0].Component)
	assert.Equal(t, "scanner", status.SubStatuses[1].Component)

	// registering again replaces the check
	m.Register("discovery", func() Status { return NewHealthy("discovery", "running") })
	assert.Equal(t, 2, m.Count())
	assert.True(t, m.Check("ruuvistreams").IsHealthy())
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.RegisterComponent(stubComponent{name: "scanner", health: component.HealthStatus{Healthy: true}})

	rec := httptest.NewRecorder()
	m.Handler("ruuvistreams").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ruuvistreams", body.Component)
	assert.True(t, body.Healthy)

	m.RegisterComponent(stubComponent{name: "discovery", health: component.HealthStatus{Healthy: false}})
	rec = httptest.NewRecorder()
	m.Handler("ruuvistreams").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
