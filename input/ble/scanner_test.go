package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvistreams/errors"
	"github.com/c360/ruuvistreams/metric"
	"github.com/c360/ruuvistreams/pkg/retry"
	"github.com/c360/ruuvistreams/pkg/ruuvi"
)

// fakeAdapter lets tests inject advertisements into a running scanner
type fakeAdapter struct {
	mu        sync.Mutex
	enableErr error
	enables   int
	fn        func(Advertisement)
	scanning  chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{scanning: make(chan struct{}), stop: make(chan struct{})}
}

func (f *fakeAdapter) Enable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables++
	return f.enableErr
}

func (f *fakeAdapter) Scan(fn func(Advertisement)) error {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	close(f.scanning)
	<-f.stop
	return nil
}

func (f *fakeAdapter) StopScan() error {
	f.stopOnce.Do(func() { close(f.stop) })
	return nil
}

func (f *fakeAdapter) advertise(t *testing.T, adv Advertisement) {
	t.Helper()
	select {
	case <-f.scanning:
	case <-time.After(time.Second):
		t.Fatal("scan never started")
	}
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	fn(adv)
}

// fakeClock is a settable clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testAddr = Address{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

func ruuviAdvert(rssi int16, data ...byte) Advertisement {
	return Advertisement{
		Address:          testAddr,
		RSSI:             rssi,
		ManufacturerData: map[uint16][]byte{ruuvi.ManufacturerID: data},
	}
}

func newTestScanner(t *testing.T, adapter Adapter, clock *fakeClock, idle time.Duration) (*Scanner, *metric.MetricsRegistry) {
	t.Helper()
	registry := metric.NewMetricsRegistry(metric.RegistryOptions{})
	s := NewScanner(ScannerDeps{
		Config:          Config{IdleTimeout: idle},
		Adapter:         adapter,
		MetricsRegistry: registry,
		Clock:           clock.Now,
	})
	s.retryConfig = retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return s, registry
}

func nextEvent(t *testing.T, events <-chan DiscoveryEvent) DiscoveryEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "discovery stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery event")
		return DiscoveryEvent{}
	}
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, testAddr, a)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", a.String())

	_, err = ParseAddress("not-an-address")
	assert.Error(t, err)

	_, err = ParseAddress("00:00:5e:00:53:01:02:03")
	assert.Error(t, err)
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "found", DeviceFound.String())
	assert.Equal(t, "lost", DeviceLost.String())
	assert.Equal(t, "manufacturer_data", PropertyManufacturerData.String())
	assert.Equal(t, "signal_strength", PropertySignalStrength.String())
	assert.Equal(t, "advertising_flags", PropertyAdvertisingFlags.String())
	assert.Equal(t, "unknown", PropertyUnknown.String())
}

func TestScanner_FoundPropertiesAndChanges(t *testing.T) {
	adapter := newFakeAdapter()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, _ := newTestScanner(t, adapter, clock, time.Hour)

	events, err := s.Discover(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(time.Second)

	adapter.advertise(t, ruuviAdvert(-60, 0x05, 0x01))

	ev := nextEvent(t, events)
	assert.Equal(t, DeviceFound, ev.Kind)
	assert.Equal(t, testAddr, ev.Device.Address())
	require.NotNil(t, ev.RSSI)
	assert.Equal(t, int16(-60), *ev.RSSI)

	props, err := ev.Device.Properties(context.Background())
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, PropertySignalStrength, props[0].Kind)
	assert.Equal(t, PropertyManufacturerData, props[1].Kind)
	assert.Equal(t, []byte{0x05, 0x01}, props[1].ManufacturerData[ruuvi.ManufacturerID])

	stream, err := ev.Device.Subscribe(context.Background())
	require.NoError(t, err)

	// identical report changes nothing
	adapter.advertise(t, ruuviAdvert(-60, 0x05, 0x01))
	adapter.advertise(t, ruuviAdvert(-42, 0x05, 0x02))

	first := <-stream
	require.NoError(t, first.Err)
	assert.Equal(t, PropertyManufacturerData, first.Kind)
	assert.Equal(t, []byte{0x05, 0x02}, first.ManufacturerData[ruuvi.ManufacturerID])

	second := <-stream
	assert.Equal(t, PropertySignalStrength, second.Kind)
	assert.Equal(t, int16(-42), second.RSSI)

	assert.Empty(t, stream)
}

func TestScanner_SecondSubscribeFails(t *testing.T) {
	d := newDevice(testAddr, 4)
	_, err := d.Subscribe(context.Background())
	require.NoError(t, err)

	_, err = d.Subscribe(context.Background())
	assert.ErrorIs(t, err, errors.ErrSubscriptionFailed)

	d.close()
	_, err = d.Subscribe(context.Background())
	assert.ErrorIs(t, err, errors.ErrStreamClosed)
}

func TestScanner_FiltersForeignManufacturer(t *testing.T) {
	adapter := newFakeAdapter()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, registry := newTestScanner(t, adapter, clock, time.Hour)

	events, err := s.Discover(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	adapter.advertise(t, Advertisement{
		Address:          testAddr,
		RSSI:             -50,
		ManufacturerData: map[uint16][]byte{0x004c: {0x02, 0x15}},
	})
	adapter.advertise(t, Advertisement{Address: testAddr, RSSI: -50})

	require.NoError(t, s.Stop(time.Second))

	_, open := <-events
	assert.False(t, open, "no device should have been reported")

	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.advertisements))
	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.filtered))
	count, err := testutil.GatherAndCount(registry.PrometheusRegistry(), "ruuvistreams_ble_filtered_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestScanner_IdleDeviceIsLost(t *testing.T) {
	adapter := newFakeAdapter()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, _ := newTestScanner(t, adapter, clock, 50*time.Millisecond)

	events, err := s.Discover(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(time.Second)

	adapter.advertise(t, ruuviAdvert(-60, 0x05))
	found := nextEvent(t, events)
	require.Equal(t, DeviceFound, found.Kind)

	stream, err := found.Device.Subscribe(context.Background())
	require.NoError(t, err)

	clock.Advance(time.Minute)

	lost := nextEvent(t, events)
	assert.Equal(t, DeviceLost, lost.Kind)
	assert.Equal(t, testAddr, lost.Device.Address())
	assert.Nil(t, lost.RSSI)

	_, open := <-stream
	assert.False(t, open, "property stream closes when the device is lost")

	// the address is admitted again as a new device
	adapter.advertise(t, ruuviAdvert(-61, 0x05))
	again := nextEvent(t, events)
	assert.Equal(t, DeviceFound, again.Kind)
}

func TestScanner_ReappearanceWaitsForLost(t *testing.T) {
	adapter := newFakeAdapter()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, _ := newTestScanner(t, adapter, clock, time.Minute)

	events, err := s.Discover(context.Background())
	require.NoError(t, err)

	s.handleAdvertisement(ruuviAdvert(-60, 0x05))
	clock.Advance(2 * time.Minute)

	// fill the discovery stream so the Lost below has to wait for a reader
	others := cap(events) - 1
	for i := 0; i < others; i++ {
		adv := ruuviAdvert(-70, 0x05)
		adv.Address = Address{0x10, 0, 0, 0, byte(i >> 8), byte(i)}
		s.handleAdvertisement(adv)
	}
	require.Len(t, events, cap(events))

	go s.expireIdle(clock.Now())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.devices) == float64(others)
	}, time.Second, time.Millisecond)

	readvertised := make(chan struct{})
	go func() {
		defer close(readvertised)
		s.handleAdvertisement(ruuviAdvert(-61, 0x05))
	}()

	select {
	case <-readvertised:
		t.Fatal("reappearing device was handled while its Lost was pending")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, float64(others), testutil.ToFloat64(s.metrics.devices))

	first := nextEvent(t, events)
	require.Equal(t, DeviceFound, first.Kind)
	require.Equal(t, testAddr, first.Device.Address())
	for i := 0; i < others; i++ {
		nextEvent(t, events)
	}

	lost := nextEvent(t, events)
	assert.Equal(t, DeviceLost, lost.Kind)
	assert.Same(t, first.Device, lost.Device)

	again := nextEvent(t, events)
	assert.Equal(t, DeviceFound, again.Kind)
	assert.Equal(t, testAddr, again.Device.Address())
	assert.NotSame(t, first.Device, again.Device)

	select {
	case <-readvertised:
	case <-time.After(time.Second):
		t.Fatal("reappearing device never handled")
	}
	assert.Equal(t, float64(others+1), testutil.ToFloat64(s.metrics.devices))
}

func TestScanner_HealthBeforeStart(t *testing.T) {
	s := NewScanner(ScannerDeps{Adapter: newFakeAdapter()})

	health := s.Health()
	assert.False(t, health.Healthy)
	assert.Zero(t, health.Uptime)
	assert.Zero(t, s.DataFlow().MessagesPerSecond)
}

func TestScanner_FullStreamDropsEvents(t *testing.T) {
	adapter := newFakeAdapter()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	registry := metric.NewMetricsRegistry(metric.RegistryOptions{})
	s := NewScanner(ScannerDeps{
		Config:          Config{IdleTimeout: time.Hour, StreamBuffer: 1},
		Adapter:         adapter,
		MetricsRegistry: registry,
		Clock:           clock.Now,
	})

	events, err := s.Discover(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(time.Second)

	adapter.advertise(t, ruuviAdvert(-60, 0x00))
	found := nextEvent(t, events)
	_, err = found.Device.Subscribe(context.Background())
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		adapter.advertise(t, ruuviAdvert(-60, byte(i)))
	}

	assert.Equal(t, int64(2), s.dropped.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.droppedEvents))
}

func TestScanner_DiscoverOnce(t *testing.T) {
	s := NewScanner(ScannerDeps{Adapter: newFakeAdapter()})

	_, err := s.Discover(context.Background())
	require.NoError(t, err)

	_, err = s.Discover(context.Background())
	assert.True(t, errors.IsInvalid(err))
}

func TestScanner_AdapterUnavailable(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.enableErr = fmt.Errorf("org.bluez.Error.NotReady")
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, _ := newTestScanner(t, adapter, clock, time.Hour)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAdapterUnavailable)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 2, adapter.enables)

	health := s.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, 1, health.ErrorCount)
}

func TestScanner_StopClosesStreams(t *testing.T) {
	adapter := newFakeAdapter()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s, _ := newTestScanner(t, adapter, clock, time.Hour)

	events, err := s.Discover(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Health().Healthy)

	adapter.advertise(t, ruuviAdvert(-60, 0x05))
	found := nextEvent(t, events)
	stream, err := found.Device.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Stop(time.Second))
	require.NoError(t, s.Stop(time.Second))

	_, open := <-stream
	assert.False(t, open)
	_, open = <-events
	assert.False(t, open)

	assert.True(t, errors.Is(s.Start(context.Background()), errors.ErrShuttingDown))
}

func TestScanner_Meta(t *testing.T) {
	s := NewScanner(ScannerDeps{})
	meta := s.Meta()
	assert.Equal(t, "ble-scanner", meta.Name)
	assert.Equal(t, "input", meta.Type)
	assert.Contains(t, meta.Description, "0x0499")
	assert.NoError(t, s.Initialize())
	assert.Equal(t, 60*time.Second, s.config.IdleTimeout)
	assert.Equal(t, 32, s.config.StreamBuffer)
}
