// Package recorder turns decoded Ruuvi frames into telemetry writes.
//
// Every successfully decoded frame produces exactly one frame counter
// increment (labels device and format), one format gauge and one last-updated
// gauge, plus one gauge per field the frame carries. Capabilities a format
// does not report are skipped; their previous values stay exported. A frame
// that fails to decode writes nothing.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ruuvistreams/errors"
	"github.com/c360/ruuvistreams/metric"
	"github.com/c360/ruuvistreams/pkg/ruuvi"
	"github.com/c360/ruuvistreams/processor/reading"
)

// Sink receives counter increments and gauge sets by metric name
type Sink interface {
	IncCounter(name string, labels prometheus.Labels)
	SetGauge(name string, labels prometheus.Labels, value float64)
}

// Publisher republishes encoded readings. natsclient.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Deps holds the recorder dependencies. Only Sink is required.
type Deps struct {
	Sink          Sink
	Publisher     Publisher
	SubjectPrefix string
	Metrics       *metric.Metrics
	Logger        *slog.Logger
	Clock         func() time.Time
}

// DefaultSubjectPrefix is used when a Publisher is set without a prefix
const DefaultSubjectPrefix = "ruuvi.readings"

// Stats are cumulative recorder counters
type Stats struct {
	Frames        uint64
	DecodeErrors  uint64
	Published     uint64
	PublishErrors uint64
	LastFrame     time.Time
}

// Recorder writes normalized readings through a Sink
type Recorder struct {
	sink      Sink
	publisher Publisher
	prefix    string
	metrics   *metric.Metrics
	logger    *slog.Logger
	clock     func() time.Time

	frames        atomic.Uint64
	decodeErrors  atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64
	lastFrame     atomic.Int64
}

// New creates a Recorder
func New(deps Deps) (*Recorder, error) {
	if deps.Sink == nil {
		return nil, errors.WrapFatal(fmt.Errorf("nil sink"), "Recorder", "New", "validate dependencies")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "recorder")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	prefix := deps.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	return &Recorder{
		sink:      deps.Sink,
		publisher: deps.Publisher,
		prefix:    strings.TrimSuffix(prefix, "."),
		metrics:   deps.Metrics,
		logger:    logger,
		clock:     clock,
	}, nil
}

// HandleManufacturerData decodes the manufacturer data value of device id and
// records it. Decode failures are returned as invalid errors and record
// nothing.
func (r *Recorder) HandleManufacturerData(ctx context.Context, id string, raw []byte) error {
	payload, err := ruuvi.Decode(raw)
	if err != nil {
		r.decodeErrors.Add(1)
		return err
	}
	r.logger.Debug("Decoded frame", "device", id, "format", payload.Format(), "bytes", len(raw))

	r.Record(ctx, id, reading.Normalize(payload))
	return nil
}

// Record writes one normalized reading. The frame counter, format gauge and
// last-updated gauge are written exactly once per call.
func (r *Recorder) Record(ctx context.Context, id string, rd reading.Reading) {
	now := r.clock()
	device := prometheus.Labels{metric.LabelDevice: id}

	r.sink.IncCounter(metric.FramesTotal, prometheus.Labels{
		metric.LabelDevice: id,
		metric.LabelFormat: string(rd.Format),
	})
	r.sink.SetGauge(metric.FormatVersion, device, float64(rd.Format.Code()))

	derived := reading.Derive(rd)
	r.recordEnvironment(device, rd.Environment, derived)
	r.recordMotion(id, device, rd.Motion)
	r.recordAirQuality(device, rd.AirQuality, derived)
	if rd.Sequence != nil {
		r.sink.SetGauge(metric.SequenceNumber, device, *rd.Sequence)
	}

	r.sink.SetGauge(metric.LastUpdated, device, float64(now.Unix()))

	r.frames.Add(1)
	r.lastFrame.Store(now.UnixNano())

	if r.publisher != nil {
		r.publish(ctx, id, now, rd, derived)
	}
}

// RecordSignalStrength sets the RSSI gauge of device id
func (r *Recorder) RecordSignalStrength(id string, rssi int16) {
	r.sink.SetGauge(metric.RSSI, prometheus.Labels{metric.LabelDevice: id}, float64(rssi))
}

func (r *Recorder) recordEnvironment(device prometheus.Labels, env *reading.Environment, d reading.Derived) {
	if env == nil {
		return
	}
	r.sink.SetGauge(metric.Temperature, device, env.Temperature)
	r.sink.SetGauge(metric.Humidity, device, env.HumidityRatio)
	if d.DewPoint != nil {
		r.sink.SetGauge(metric.DewPoint, device, *d.DewPoint)
	}
	r.sink.SetGauge(metric.Pressure, device, env.PressureHPa)
}

func (r *Recorder) recordMotion(id string, device prometheus.Labels, m *reading.Motion) {
	if m == nil {
		return
	}
	for _, axis := range []struct {
		name  string
		value *float64
	}{
		{"X", m.AccelerationX},
		{"Y", m.AccelerationY},
		{"Z", m.AccelerationZ},
	} {
		if axis.value != nil {
			r.sink.SetGauge(metric.Acceleration, prometheus.Labels{
				metric.LabelDevice: id,
				metric.LabelAxis:   axis.name,
			}, *axis.value)
		}
	}
	r.setOptional(metric.BatteryVoltage, device, m.BatteryVoltage)
	r.setOptional(metric.TxPower, device, m.TxPower)
	r.setOptional(metric.MovementCount, device, m.MovementCounter)
}

func (r *Recorder) recordAirQuality(device prometheus.Labels, aq *reading.AirQuality, d reading.Derived) {
	if aq == nil {
		return
	}
	r.setOptional(metric.PM1_0, device, aq.PM1_0)
	r.setOptional(metric.PM2_5, device, aq.PM2_5)
	r.setOptional(metric.AirQualityIndex, device, d.AirQualityIndex)
	r.setOptional(metric.PM4_0, device, aq.PM4_0)
	r.setOptional(metric.PM10_0, device, aq.PM10_0)
	r.setOptional(metric.CO2, device, aq.CO2)
	r.setOptional(metric.VOCIndex, device, aq.VOCIndex)
	r.setOptional(metric.NOxIndex, device, aq.NOxIndex)
	r.sink.SetGauge(metric.Calibrating, device, aq.Calibrating)
}

func (r *Recorder) setOptional(name string, labels prometheus.Labels, v *float64) {
	if v != nil {
		r.sink.SetGauge(name, labels, *v)
	}
}

// Frame is the JSON document republished for every decoded frame
type Frame struct {
	Device      string               `json:"device"`
	Format      ruuvi.Format         `json:"format"`
	Timestamp   time.Time            `json:"timestamp"`
	Environment *reading.Environment `json:"environment,omitempty"`
	Motion      *reading.Motion      `json:"motion,omitempty"`
	AirQuality  *reading.AirQuality  `json:"air_quality,omitempty"`
	Sequence    *float64             `json:"sequence,omitempty"`
	reading.Derived
}

// Subject returns the republish subject of device id
func (r *Recorder) Subject(id string) string {
	return r.prefix + "." + strings.ReplaceAll(id, ":", "")
}

func (r *Recorder) publish(ctx context.Context, id string, now time.Time, rd reading.Reading, d reading.Derived) {
	data, err := json.Marshal(Frame{
		Device:      id,
		Format:      rd.Format,
		Timestamp:   now.UTC(),
		Environment: rd.Environment,
		Motion:      rd.Motion,
		AirQuality:  rd.AirQuality,
		Sequence:    rd.Sequence,
		Derived:     d,
	})
	if err == nil {
		err = r.publisher.Publish(ctx, r.Subject(id), data)
	}

	if r.metrics != nil {
		r.metrics.RecordPublished(err == nil)
	}
	if err != nil {
		r.publishErrors.Add(1)
		r.logger.Warn("Failed to republish reading", "device", id, "error", err)
		return
	}
	r.published.Add(1)
}

// Stats returns a snapshot of the recorder counters
func (r *Recorder) Stats() Stats {
	s := Stats{
		Frames:        r.frames.Load(),
		DecodeErrors:  r.decodeErrors.Load(),
		Published:     r.published.Load(),
		PublishErrors: r.publishErrors.Load(),
	}
	if ns := r.lastFrame.Load(); ns != 0 {
		s.LastFrame = time.Unix(0, ns)
	}
	return s
}
