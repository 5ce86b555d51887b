// Package metric provides the Prometheus registry, the per-device sensor
// series and the HTTP server of the exporter.
//
// MetricsRegistry owns a private prometheus.Registry holding the exporter's
// own metrics (build info, sessions, discovery events, republishing) and the
// Go runtime collector; the process collector is optional. SensorMetrics
// registers the ruuvi_* vectors and records by metric name, which is what the
// reading recorder writes through. IdleSweeper removes the series of devices
// that have not reported within the idle timeout.
//
//	registry := metric.NewMetricsRegistry(metric.RegistryOptions{Version: version})
//	sensors, err := metric.NewSensorMetrics(registry)
//	server := metric.NewServer("0.0.0.0:9185", "/metrics", registry, monitor.Handler("ruuvistreams"))
//	go server.Start()
package metric
