package ble

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ruuvistreams/component"
	"github.com/c360/ruuvistreams/errors"
	"github.com/c360/ruuvistreams/metric"
	"github.com/c360/ruuvistreams/pkg/retry"
	"github.com/c360/ruuvistreams/pkg/ruuvi"
)

// Metrics holds Prometheus metrics for the scanner
type Metrics struct {
	advertisements prometheus.Counter
	filtered       prometheus.Counter
	droppedEvents  prometheus.Counter
	devices        prometheus.Gauge
}

// newMetrics creates and registers scanner metrics
func newMetrics(registry metric.MetricsRegistrar) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		advertisements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ruuvistreams",
			Subsystem: "ble",
			Name:      "advertisements_total",
			Help:      "Advertising reports received from the adapter",
		}),
		filtered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ruuvistreams",
			Subsystem: "ble",
			Name:      "filtered_total",
			Help:      "Advertising reports without the watched manufacturer data",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ruuvistreams",
			Subsystem: "ble",
			Name:      "dropped_events_total",
			Help:      "Property events dropped because a device stream was full",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ruuvistreams",
			Subsystem: "ble",
			Name:      "devices",
			Help:      "Devices currently tracked by the scanner",
		}),
	}

	registry.RegisterCounter(serviceName, "advertisements", m.advertisements)
	registry.RegisterCounter(serviceName, "filtered", m.filtered)
	registry.RegisterCounter(serviceName, "dropped_events", m.droppedEvents)
	registry.RegisterGauge(serviceName, "devices", m.devices)

	return m
}

const serviceName = "ble_scanner"

// Config holds scanner settings
type Config struct {
	// AdapterName is the preferred adapter; on failure the default adapter is used.
	AdapterName string
	// IdleTimeout after which a silent device is reported lost.
	IdleTimeout time.Duration
	// ManufacturerID of advertisements to admit.
	ManufacturerID uint16
	// StreamBuffer is the per-device property stream capacity.
	StreamBuffer int
}

// DefaultConfig returns the defaults for a Ruuvi scanner on hci0
func DefaultConfig() Config {
	return Config{
		AdapterName:    "hci0",
		IdleTimeout:    60 * time.Second,
		ManufacturerID: ruuvi.ManufacturerID,
		StreamBuffer:   32,
	}
}

// ScannerDeps holds runtime dependencies for the scanner
type ScannerDeps struct {
	Config          Config
	Adapter         Adapter                 // nil selects NamedAdapter(Config.AdapterName)
	MetricsRegistry metric.MetricsRegistrar // nil disables metrics
	Logger          *slog.Logger
	Clock           func() time.Time
}

// Scanner is a passive scanner implementing Transport. It tracks devices that
// advertise the configured manufacturer data, emits Found on the first
// report and Lost after IdleTimeout of silence.
type Scanner struct {
	config      Config
	adapter     Adapter
	logger      *slog.Logger
	clock       func() time.Time
	retryConfig retry.Config
	metrics     *Metrics

	events   chan DiscoveryEvent
	taken    atomic.Bool
	emitMu   sync.RWMutex
	closed   bool
	shutdown chan struct{}

	mu      sync.Mutex
	devices map[Address]*device

	running   atomic.Bool
	stopped   atomic.Bool
	startTime atomic.Value // time.Time
	wg        sync.WaitGroup

	advertisements atomic.Int64
	dropped        atomic.Int64
	errors         atomic.Int64
	lastActivity   atomic.Value // time.Time
	lastError      atomic.Value // string
}

var _ Transport = (*Scanner)(nil)
var _ component.LifecycleComponent = (*Scanner)(nil)

// NewScanner creates a scanner. It does not touch the adapter until Start.
func NewScanner(deps ScannerDeps) *Scanner {
	cfg := deps.Config
	defaults := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.ManufacturerID == 0 {
		cfg.ManufacturerID = defaults.ManufacturerID
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaults.StreamBuffer
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ble-scanner", "adapter", cfg.AdapterName)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Scanner{
		config:      cfg,
		adapter:     deps.Adapter,
		logger:      logger,
		clock:       clock,
		retryConfig: retry.DefaultConfig(),
		metrics:     newMetrics(deps.MetricsRegistry),
		events:      make(chan DiscoveryEvent, 64),
		shutdown:    make(chan struct{}),
		devices:     make(map[Address]*device),
	}
	s.startTime.Store(time.Time{})
	s.lastActivity.Store(time.Time{})
	s.lastError.Store("")
	return s
}

func (s *Scanner) started() time.Time {
	t, _ := s.startTime.Load().(time.Time)
	return t
}

// Discover returns the discovery stream. There is a single stream per
// scanner; it closes when the scanner stops.
func (s *Scanner) Discover(_ context.Context) (<-chan DiscoveryEvent, error) {
	if !s.taken.CompareAndSwap(false, true) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("discovery stream already taken"), "ble-scanner", "Discover", "stream check")
	}
	return s.events, nil
}

// Meta returns the component metadata
func (s *Scanner) Meta() component.Metadata {
	return component.Metadata{
		Name:        "ble-scanner",
		Type:        "input",
		Description: fmt.Sprintf("Passive BLE scanner for manufacturer 0x%04x", s.config.ManufacturerID),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the scanner
func (s *Scanner) Health() component.HealthStatus {
	lastErr, _ := s.lastError.Load().(string)

	var uptime time.Duration
	if started := s.started(); !started.IsZero() {
		uptime = time.Since(started)
	}
	return component.HealthStatus{
		Healthy:    s.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errors.Load()),
		LastError:  lastErr,
		Uptime:     uptime,
	}
}

// DataFlow returns the current data flow metrics
func (s *Scanner) DataFlow() component.FlowMetrics {
	adverts := s.advertisements.Load()
	lastActivity, _ := s.lastActivity.Load().(time.Time)

	var perSecond, errorRate float64
	if started := s.started(); !started.IsZero() {
		if uptime := time.Since(started).Seconds(); uptime > 0 {
			perSecond = float64(adverts) / uptime
		}
	}
	if adverts > 0 {
		errorRate = float64(s.dropped.Load()) / float64(adverts)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the configuration
func (s *Scanner) Initialize() error {
	if s.config.IdleTimeout <= 0 {
		return errors.WrapInvalid(fmt.Errorf("idle timeout must be positive"),
			"ble-scanner", "Initialize", "config validation")
	}
	return nil
}

// Start enables the adapter, with retry and fallback to the default
// adapter, and begins scanning.
func (s *Scanner) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "ble-scanner", "Start", "restart after stop")
	}
	if s.running.Load() {
		return nil
	}

	adapter, err := s.enableAdapter(ctx)
	if err != nil {
		s.recordError(err)
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrAdapterUnavailable, err), "ble-scanner", "Start", "enable adapter")
	}
	s.adapter = adapter

	s.running.Store(true)
	s.startTime.Store(time.Now())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := adapter.Scan(s.handleAdvertisement); err != nil && s.running.Load() {
			s.recordError(err)
			s.logger.Error("Scan stopped", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.idleLoop()
	}()

	s.logger.Info("BLE scanner started", "idle_timeout", s.config.IdleTimeout,
		"manufacturer_id", fmt.Sprintf("0x%04x", s.config.ManufacturerID))
	return nil
}

func (s *Scanner) enableAdapter(ctx context.Context) (Adapter, error) {
	candidates := []Adapter{s.adapter}
	if s.adapter == nil {
		candidates = []Adapter{NamedAdapter(s.config.AdapterName)}
		if s.config.AdapterName != "" {
			candidates = append(candidates, DefaultAdapter())
		}
	}

	var lastErr error
	for i, a := range candidates {
		err := retry.Do(ctx, s.retryConfig, a.Enable)
		if err == nil {
			return a, nil
		}
		lastErr = err
		if i < len(candidates)-1 {
			s.logger.Warn("Preferred adapter unavailable, falling back to default adapter",
				"adapter", s.config.AdapterName, "error", err)
		}
	}
	return nil, lastErr
}

// Stop stops scanning, closes every device stream and then the discovery
// stream.
func (s *Scanner) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.stopped.Store(true)

	if err := s.adapter.StopScan(); err != nil {
		s.logger.Warn("Stop scan failed", "error", err)
	}
	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.WrapTransient(errors.ErrConnectionTimeout, "ble-scanner", "Stop", "wait for scan loop")
	}

	s.mu.Lock()
	for addr, d := range s.devices {
		d.close()
		delete(s.devices, addr)
	}
	s.mu.Unlock()

	s.emitMu.Lock()
	s.closed = true
	close(s.events)
	s.emitMu.Unlock()

	s.logger.Info("BLE scanner stopped")
	return err
}

func (s *Scanner) recordError(err error) {
	s.errors.Add(1)
	s.lastError.Store(err.Error())
}

// handleAdvertisement is called from the adapter's scan goroutine
func (s *Scanner) handleAdvertisement(adv Advertisement) {
	s.advertisements.Add(1)
	if s.metrics != nil {
		s.metrics.advertisements.Inc()
	}

	if _, ok := adv.ManufacturerData[s.config.ManufacturerID]; !ok {
		if s.metrics != nil {
			s.metrics.filtered.Inc()
		}
		return
	}

	now := s.clock()
	s.lastActivity.Store(now)

	s.mu.Lock()
	d, known := s.devices[adv.Address]
	if !known {
		d = newDevice(adv.Address, s.config.StreamBuffer)
		s.devices[adv.Address] = d
		if s.metrics != nil {
			s.metrics.devices.Set(float64(len(s.devices)))
		}
		d.update(adv, now)
		rssi := adv.RSSI
		s.logger.Debug("Device found", "device", adv.Address.String(), "rssi", rssi)
		// Found and Lost are emitted under s.mu so that per address they
		// reach discovery in the order the map changed
		s.emit(DiscoveryEvent{Kind: DeviceFound, Device: d, RSSI: &rssi})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	changes := d.update(adv, now)
	for _, p := range changes {
		if !d.send(PropertyEvent{Property: p}) {
			s.dropped.Add(1)
			if s.metrics != nil {
				s.metrics.droppedEvents.Inc()
			}
		}
	}
}

func (s *Scanner) emit(ev DiscoveryEvent) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.shutdown:
	}
}

func (s *Scanner) idleLoop() {
	interval := s.config.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.expireIdle(s.clock())
		}
	}
}

// expireIdle reports devices silent for longer than IdleTimeout as lost.
// The address stays locked until Lost is emitted, so a reappearing beacon's
// Found always follows it.
func (s *Scanner) expireIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for addr, d := range s.devices {
		if now.Sub(d.seen()) <= s.config.IdleTimeout {
			continue
		}
		delete(s.devices, addr)
		if s.metrics != nil {
			s.metrics.devices.Set(float64(len(s.devices)))
		}
		d.close()
		s.logger.Debug("Device lost", "device", d.addr.String(), "idle_timeout", s.config.IdleTimeout)
		s.emit(DiscoveryEvent{Kind: DeviceLost, Device: d})
	}
}

// device is the scanner's view of one source
type device struct {
	addr Address

	mu       sync.Mutex
	mfg      map[uint16][]byte
	rssi     int16
	name     string
	lastSeen time.Time
	stream   chan PropertyEvent
	buffer   int
	closed   bool
}

func newDevice(addr Address, buffer int) *device {
	return &device{addr: addr, mfg: make(map[uint16][]byte), buffer: buffer}
}

func (d *device) Address() Address { return d.addr }

func (d *device) Properties(_ context.Context) ([]Property, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	props := []Property{{Kind: PropertySignalStrength, RSSI: d.rssi}}
	if len(d.mfg) > 0 {
		props = append(props, Property{Kind: PropertyManufacturerData, ManufacturerData: copyData(d.mfg)})
	}
	return props, nil
}

func (d *device) Subscribe(_ context.Context) (<-chan PropertyEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.WrapTransient(errors.ErrStreamClosed, "ble-device", "Subscribe", "device lost")
	}
	if d.stream != nil {
		return nil, errors.WrapInvalid(errors.ErrSubscriptionFailed, "ble-device", "Subscribe", "already subscribed")
	}
	d.stream = make(chan PropertyEvent, d.buffer)
	return d.stream, nil
}

// update applies an advertisement and returns the changed properties
func (d *device) update(adv Advertisement, now time.Time) []Property {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastSeen = now
	var changes []Property

	mfgChanged := false
	for id, data := range adv.ManufacturerData {
		if !bytes.Equal(d.mfg[id], data) {
			d.mfg[id] = data
			mfgChanged = true
		}
	}
	if mfgChanged {
		changes = append(changes, Property{Kind: PropertyManufacturerData, ManufacturerData: copyData(adv.ManufacturerData)})
	}
	if adv.RSSI != d.rssi {
		d.rssi = adv.RSSI
		changes = append(changes, Property{Kind: PropertySignalStrength, RSSI: adv.RSSI})
	}
	if adv.LocalName != "" && adv.LocalName != d.name {
		d.name = adv.LocalName
		changes = append(changes, Property{Kind: PropertyUnknown, Name: "LocalName"})
	}
	return changes
}

func (d *device) seen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

// send delivers ev without blocking the scan goroutine. It reports false when
// the event was dropped because the stream is full.
func (d *device) send(ev PropertyEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.stream == nil {
		return true
	}
	select {
	case d.stream <- ev:
		return true
	default:
		return false
	}
}

func (d *device) close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	if d.stream != nil {
		close(d.stream)
	}
}

func copyData(m map[uint16][]byte) map[uint16][]byte {
	out := make(map[uint16][]byte, len(m))
	for k, v := range m {
		out[k] = bytes.Clone(v)
	}
	return out
}
