package metric

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the exporter's own metrics (not per-sensor readings)
type Metrics struct {
	BuildInfo         *prometheus.GaugeVec
	SessionsActive    prometheus.Gauge
	SessionsAdmitted  prometheus.Counter
	DiscoveryEvents   *prometheus.CounterVec
	ReadingsPublished *prometheus.CounterVec
	SeriesExpired     prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all exporter metrics
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "ruuvi",
				Name:      "build_info",
				Help:      "Build information of the exporter, always 1",
			},
			[]string{"version", "goversion"},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ruuvistreams",
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Number of devices with a live processing session",
			},
		),

		SessionsAdmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ruuvistreams",
				Subsystem: "sessions",
				Name:      "admitted_total",
				Help:      "Total number of processing sessions started",
			},
		),

		DiscoveryEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ruuvistreams",
				Subsystem: "discovery",
				Name:      "events_total",
				Help:      "Discovery events by kind (found, lost)",
			},
			[]string{"kind"},
		),

		ReadingsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ruuvistreams",
				Subsystem: "nats",
				Name:      "published_total",
				Help:      "Readings republished to NATS by status (ok, error)",
			},
			[]string{"status"},
		),

		SeriesExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ruuvistreams",
				Subsystem: "series",
				Name:      "expired_total",
				Help:      "Devices whose sensor series were removed after the idle timeout",
			},
		),
	}
}

// RecordBuildInfo sets the build info series for version
func (c *Metrics) RecordBuildInfo(version string) {
	c.BuildInfo.WithLabelValues(version, runtime.Version()).Set(1)
}

// RecordSessions updates the active session gauge
func (c *Metrics) RecordSessions(active int) {
	c.SessionsActive.Set(float64(active))
}

// RecordSessionAdmitted increments the admitted session counter
func (c *Metrics) RecordSessionAdmitted() {
	c.SessionsAdmitted.Inc()
}

// RecordDiscoveryEvent increments the discovery event counter
func (c *Metrics) RecordDiscoveryEvent(kind string) {
	c.DiscoveryEvents.WithLabelValues(kind).Inc()
}

// RecordPublished increments the republish counter
func (c *Metrics) RecordPublished(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.ReadingsPublished.WithLabelValues(status).Inc()
}

// RecordSeriesExpired adds n expired devices
func (c *Metrics) RecordSeriesExpired(n int) {
	c.SeriesExpired.Add(float64(n))
}
