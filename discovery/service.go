// Package discovery turns the transport's discovery stream into device
// sessions.
//
// Service is the discovery loop: it records fresh signal strength for every
// Found event, admits each device through the session registry, seeds
// metrics from the device's current properties and starts one Processor per
// admitted device. Lost events release the device's session.
package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/ruuvistreams/component"
	"github.com/c360/ruuvistreams/errors"
	"github.com/c360/ruuvistreams/input/ble"
	"github.com/c360/ruuvistreams/metric"
	"github.com/c360/ruuvistreams/pkg/ruuvi"
	"github.com/c360/ruuvistreams/session"
)

// Deps holds the service dependencies. Metrics and Logger are optional.
type Deps struct {
	Transport ble.Transport
	Recorder  Recorder
	Registry  *session.Registry
	Metrics   *metric.Metrics
	Logger    *slog.Logger
}

// Service is the discovery loop
type Service struct {
	transport ble.Transport
	recorder  Recorder
	registry  *session.Registry
	metrics   *metric.Metrics
	logger    *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startTime time.Time

	processors sync.WaitGroup
	running    atomic.Bool
	found      atomic.Int64
	admitted   atomic.Int64
	lost       atomic.Int64
	errors     atomic.Int64
	lastEvent  atomic.Value // time.Time
	lastError  atomic.Value // string
}

var _ component.LifecycleComponent = (*Service)(nil)

// NewService creates a discovery service
func NewService(deps Deps) (*Service, error) {
	if deps.Transport == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "discovery", "NewService", "transport required")
	}
	if deps.Recorder == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "discovery", "NewService", "recorder required")
	}
	if deps.Registry == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "discovery", "NewService", "session registry required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "discovery")
	}

	s := &Service{
		transport: deps.Transport,
		recorder:  deps.Recorder,
		registry:  deps.Registry,
		metrics:   deps.Metrics,
		logger:    logger,
	}
	s.lastEvent.Store(time.Time{})
	s.lastError.Store("")
	return s, nil
}

// Run consumes discovery events until the stream closes or ctx is done.
// Processors started by Run receive ctx.
func (s *Service) Run(ctx context.Context) error {
	events, err := s.transport.Discover(ctx)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "discovery", "Run", "open discovery stream")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				s.logger.Info("Discovery stream closed")
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev ble.DiscoveryEvent) {
	s.lastEvent.Store(time.Now())
	if s.metrics != nil {
		s.metrics.RecordDiscoveryEvent(ev.Kind.String())
	}

	switch ev.Kind {
	case ble.DeviceFound:
		s.found.Add(1)
		s.deviceFound(ctx, ev)
	case ble.DeviceLost:
		s.lost.Add(1)
		id := ev.Device.Address().String()
		if s.registry.Release(id) {
			s.logger.Debug("Device lost", "device", id)
		}
	default:
		s.logger.Debug("Ignoring discovery event", "kind", ev.Kind.String())
	}

	if s.metrics != nil {
		s.metrics.RecordSessions(s.registry.Len())
	}
}

func (s *Service) deviceFound(ctx context.Context, ev ble.DiscoveryEvent) {
	id := ev.Device.Address().String()

	// signal strength is fresh even when the session already exists
	if ev.RSSI != nil {
		s.recorder.RecordSignalStrength(id, *ev.RSSI)
	}

	lease, ok := s.registry.TryAdmit(id)
	if !ok {
		return
	}
	s.admitted.Add(1)
	if s.metrics != nil {
		s.metrics.RecordSessionAdmitted()
	}
	s.logger.Info("Device admitted", "device", id, "session_id", lease.Session.String())

	s.seed(ctx, id, ev.Device)

	proc := NewProcessor(lease, ev.Device, s.recorder, s.registry, s.logger)
	s.processors.Add(1)
	go func() {
		defer s.processors.Done()
		proc.Run(ctx)
	}()
}

// seed records the device's current manufacturer data, if any, before the
// first live event arrives
func (s *Service) seed(ctx context.Context, id string, device ble.Device) {
	props, err := device.Properties(ctx)
	if err != nil {
		s.logger.Warn("Failed to read device properties", "device", id, "error", err)
		return
	}

	for _, prop := range props {
		if prop.Kind != ble.PropertyManufacturerData {
			continue
		}
		raw, ok := prop.ManufacturerData[ruuvi.ManufacturerID]
		if !ok {
			s.logger.Warn("Manufacturer data without Ruuvi key",
				"device", id, "error", errors.ErrMissingManufacturerData)
			return
		}
		if err := s.recorder.HandleManufacturerData(ctx, id, raw); err != nil {
			s.logger.Warn("Failed to decode manufacturer data",
				"device", id, "error", err, "payload", hex.EncodeToString(raw))
		}
		return
	}
}

// Meta returns the component metadata
func (s *Service) Meta() component.Metadata {
	return component.Metadata{
		Name:        "discovery",
		Type:        "processor",
		Description: "Admits discovered Ruuvi devices and runs one event processor each",
		Version:     "1.0.0",
	}
}

// Health returns the current health status
func (s *Service) Health() component.HealthStatus {
	lastErr, _ := s.lastError.Load().(string)

	s.mu.Lock()
	startTime := s.startTime
	s.mu.Unlock()

	var uptime time.Duration
	if !startTime.IsZero() {
		uptime = time.Since(startTime)
	}

	return component.HealthStatus{
		Healthy:    s.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errors.Load()),
		LastError:  lastErr,
		Uptime:     uptime,
	}
}

// DataFlow returns discovery throughput
func (s *Service) DataFlow() component.FlowMetrics {
	lastEvent, _ := s.lastEvent.Load().(time.Time)
	health := s.Health()

	var perSecond float64
	if seconds := health.Uptime.Seconds(); seconds > 0 {
		perSecond = float64(s.found.Load()+s.lost.Load()) / seconds
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		LastActivity:      lastEvent,
	}
}

// Initialize is a no-op; dependencies are checked by NewService
func (s *Service) Initialize() error {
	return nil
}

// Start runs the discovery loop in the background
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "discovery", "Start", "start check")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startTime = time.Now()
	s.running.Store(true)

	go func() {
		defer close(s.done)
		defer s.running.Store(false)
		if err := s.Run(runCtx); err != nil {
			s.logger.Error("Discovery loop failed", "error", err)
		}
	}()

	s.logger.Info("Discovery service started")
	return nil
}

// Stop cancels the discovery loop and waits up to timeout for it and the
// device processors to exit
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	finished := make(chan struct{})
	go func() {
		<-done
		s.processors.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.logger.Info("Discovery service stopped", "sessions", s.registry.Len())
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("processors still running after %s", timeout), "discovery", "Stop", "wait for processors")
	}
}

// Stats returns cumulative discovery counters
func (s *Service) Stats() (found, admitted, lost int64) {
	return s.found.Load(), s.admitted.Load(), s.lost.Load()
}

func (s *Service) recordError(err error) {
	s.errors.Add(1)
	s.lastError.Store(err.Error())
}
