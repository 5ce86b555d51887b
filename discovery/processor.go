package discovery

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/ruuvistreams/errors"
	"github.com/c360/ruuvistreams/input/ble"
	"github.com/c360/ruuvistreams/pkg/ruuvi"
	"github.com/c360/ruuvistreams/session"
)

// State is the lifecycle state of a Processor
type State int32

// Processor states
const (
	Running State = iota
	Draining
	Terminated
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Recorder is the part of recorder.Recorder used by discovery
type Recorder interface {
	HandleManufacturerData(ctx context.Context, id string, raw []byte) error
	RecordSignalStrength(id string, rssi int16)
}

// Processor consumes the property stream of one admitted device. Events are
// handled in arrival order on the goroutine calling Run. Whatever ends the
// stream, the processor's lease is released exactly once.
type Processor struct {
	lease    session.Lease
	device   ble.Device
	recorder Recorder
	registry *session.Registry
	logger   *slog.Logger

	state   atomic.Int32
	release sync.Once
}

// NewProcessor creates a processor holding lease for device
func NewProcessor(lease session.Lease, device ble.Device, recorder Recorder, registry *session.Registry, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default().With("component", "discovery")
	}
	return &Processor{
		lease:    lease,
		device:   device,
		recorder: recorder,
		registry: registry,
		logger:   logger.With("device", lease.ID, "session_id", lease.Session.String()),
	}
}

// State returns the current state
func (p *Processor) State() State {
	return State(p.state.Load())
}

// Run subscribes to the device and processes events until the stream ends,
// reports an error or ctx is done. Subscription is never retried; a lost
// device comes back through discovery.
func (p *Processor) Run(ctx context.Context) {
	defer p.releaseLease()

	events, err := p.device.Subscribe(ctx)
	if err != nil {
		p.logger.Error("Failed to subscribe to device events", "error", err)
		p.releaseLease()
		p.state.Store(int32(Terminated))
		return
	}
	p.logger.Debug("Processing device events")

	p.consume(ctx, events)

	p.state.Store(int32(Draining))
	p.releaseLease()
	p.state.Store(int32(Terminated))
	p.logger.Debug("Device event processing finished")
}

func (p *Processor) consume(ctx context.Context, events <-chan ble.PropertyEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != nil {
				p.logger.Error("Device event stream failed", "error", ev.Err)
				return
			}
			p.handle(ctx, ev.Property)
		}
	}
}

func (p *Processor) handle(ctx context.Context, prop ble.Property) {
	switch prop.Kind {
	case ble.PropertyManufacturerData:
		raw, ok := prop.ManufacturerData[ruuvi.ManufacturerID]
		if !ok {
			p.logger.Warn("Manufacturer data without Ruuvi key",
				"error", errors.ErrMissingManufacturerData, "keys", len(prop.ManufacturerData))
			return
		}
		if err := p.recorder.HandleManufacturerData(ctx, p.lease.ID, raw); err != nil {
			p.logger.Warn("Failed to decode manufacturer data",
				"error", err, "payload", hex.EncodeToString(raw))
		}
	case ble.PropertySignalStrength:
		p.recorder.RecordSignalStrength(p.lease.ID, prop.RSSI)
	case ble.PropertyAdvertisingFlags:
		p.logger.Debug("Ignoring advertising flags", "flags", hex.EncodeToString(prop.Flags))
	default:
		p.logger.Debug("Ignoring unknown property", "property", prop.Name, "kind", prop.Kind.String())
	}
}

func (p *Processor) releaseLease() {
	p.release.Do(func() {
		if !p.registry.ReleaseLease(p.lease) {
			p.logger.Debug("Session already released")
		}
	})
}
