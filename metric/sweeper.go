package metric

import (
	"context"
	"log/slog"
	"time"
)

// IdleSweeper periodically removes the series of devices that stopped
// reporting, so a sensor that leaves range does not export stale values.
type IdleSweeper struct {
	sensors *SensorMetrics
	timeout time.Duration
	metrics *Metrics
	logger  *slog.Logger
}

// NewIdleSweeper creates a sweeper for sensors. metrics may be nil.
func NewIdleSweeper(sensors *SensorMetrics, timeout time.Duration, metrics *Metrics, logger *slog.Logger) *IdleSweeper {
	if logger == nil {
		logger = slog.Default().With("component", "idle-sweeper")
	}
	return &IdleSweeper{
		sensors: sensors,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// Run sweeps every timeout/2 until ctx is done
func (s *IdleSweeper) Run(ctx context.Context) {
	if s.sensors == nil || s.timeout <= 0 {
		return
	}

	interval := s.timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one expiry pass and returns the number of devices removed
func (s *IdleSweeper) Sweep() int {
	expired := s.sensors.ExpireIdle(s.timeout)
	for _, device := range expired {
		s.logger.Info("Removed idle device series", "device", device, "idle_timeout", s.timeout)
	}
	if s.metrics != nil && len(expired) > 0 {
		s.metrics.RecordSeriesExpired(len(expired))
	}
	return len(expired)
}
