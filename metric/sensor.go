package metric

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ruuvistreams/errors"
)

// Label names used on sensor series
const (
	LabelDevice = "device"
	LabelAxis   = "axis"
	LabelFormat = "format"
)

// Sensor metric names
const (
	FramesTotal     = "ruuvi_frames_total"
	Temperature     = "ruuvi_temperature_celsius"
	Humidity        = "ruuvi_humidity_ratio"
	DewPoint        = "ruuvi_dew_point_celsius"
	Pressure        = "ruuvi_pressure_hpa"
	Acceleration    = "ruuvi_acceleration_g"
	BatteryVoltage  = "ruuvi_battery_volts"
	RSSI            = "ruuvi_rssi_dbm"
	TxPower         = "ruuvi_txpower_dbm"
	SequenceNumber  = "ruuvi_seqno_current"
	PM1_0           = "ruuvi_pm1_0_ug_m3"
	PM2_5           = "ruuvi_pm2_5_ug_m3"
	PM4_0           = "ruuvi_pm4_0_ug_m3"
	PM10_0          = "ruuvi_pm10_0_ug_m3"
	CO2             = "ruuvi_co2_ppm"
	VOCIndex        = "ruuvi_voc_index"
	NOxIndex        = "ruuvi_nox_index"
	Calibrating     = "ruuvi_air_calibrating"
	AirQualityIndex = "ruuvi_air_quality_index"
	LastUpdated     = "ruuvi_last_updated"
	MovementCount   = "ruuvi_movecount_total"
	FormatVersion   = "ruuvi_format"
)

type seriesDef struct {
	name   string
	help   string
	labels []string
}

var counterDefs = []seriesDef{
	{FramesTotal, "Total Ruuvi frames received", []string{LabelDevice, LabelFormat}},
}

var gaugeDefs = []seriesDef{
	{Temperature, "Ruuvi tag sensor temperature", []string{LabelDevice}},
	{Humidity, "Ruuvi tag sensor relative humidity", []string{LabelDevice}},
	{DewPoint, "Calculated dew point derived from temperature and humidity", []string{LabelDevice}},
	{Pressure, "Ruuvi tag sensor air pressure", []string{LabelDevice}},
	{Acceleration, "Ruuvi tag sensor acceleration X/Y/Z", []string{LabelDevice, LabelAxis}},
	{BatteryVoltage, "Ruuvi tag battery voltage", []string{LabelDevice}},
	{RSSI, "Ruuvi tag received signal strength RSSI", []string{LabelDevice}},
	{TxPower, "Ruuvi transmit power in dBm", []string{LabelDevice}},
	{SequenceNumber, "Ruuvi frame sequence number", []string{LabelDevice}},
	{PM1_0, "Ruuvi PM1.0 concentration in ug/m3", []string{LabelDevice}},
	{PM2_5, "Ruuvi PM2.5 concentration in ug/m3", []string{LabelDevice}},
	{PM4_0, "Ruuvi PM4.0 concentration in ug/m3", []string{LabelDevice}},
	{PM10_0, "Ruuvi PM10.0 concentration in ug/m3", []string{LabelDevice}},
	{CO2, "Ruuvi CO2 concentration in ppm", []string{LabelDevice}},
	{VOCIndex, "Ruuvi VOC index", []string{LabelDevice}},
	{NOxIndex, "Ruuvi NOx index", []string{LabelDevice}},
	{Calibrating, "Ruuvi air quality sensor calibrating (0 or 1)", []string{LabelDevice}},
	{AirQualityIndex, "Air quality score from PM2.5 and CO2, 0 (poor) to 100 (excellent)", []string{LabelDevice}},
	{LastUpdated, "Last update of RuuviTag as unix time", []string{LabelDevice}},
	// A gauge: the sensor reports the absolute counter which wraps at 255.
	{MovementCount, "Ruuvi movement counter", []string{LabelDevice}},
	{FormatVersion, "Ruuvi frame format version (5, 6 or 225 for E1)", []string{LabelDevice}},
}

// SensorMetrics holds the per-device sensor series. It records by metric
// name so the recorder stays independent of prometheus vector types, and it
// remembers when each device was last written for idle expiry.
type SensorMetrics struct {
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec

	// writes hold sweep for reading so an expiry never splits a write
	// from its lastSeen update
	sweep sync.RWMutex

	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewSensorMetrics creates all sensor vectors and registers them
func NewSensorMetrics(registry MetricsRegistrar) (*SensorMetrics, error) {
	if registry == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("nil registry"), "SensorMetrics", "NewSensorMetrics", "metrics registry not provided")
	}

	m := &SensorMetrics{
		counters: make(map[string]*prometheus.CounterVec, len(counterDefs)),
		gauges:   make(map[string]*prometheus.GaugeVec, len(gaugeDefs)),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}

	for _, def := range counterDefs {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: def.name, Help: def.help}, def.labels)
		if err := registry.RegisterCounterVec("ruuvi", def.name, vec); err != nil {
			return nil, err
		}
		m.counters[def.name] = vec
	}
	for _, def := range gaugeDefs {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: def.name, Help: def.help}, def.labels)
		if err := registry.RegisterGaugeVec("ruuvi", def.name, vec); err != nil {
			return nil, err
		}
		m.gauges[def.name] = vec
	}

	return m, nil
}

// IncCounter increments a sensor counter. Unknown names and label sets that
// do not match the vector are dropped.
func (m *SensorMetrics) IncCounter(name string, labels prometheus.Labels) {
	vec, ok := m.counters[name]
	if !ok {
		return
	}
	m.sweep.RLock()
	defer m.sweep.RUnlock()

	c, err := vec.GetMetricWith(labels)
	if err != nil {
		return
	}
	c.Inc()
	m.touch(labels)
}

// SetGauge sets a sensor gauge. Unknown names and label sets that do not
// match the vector are dropped.
func (m *SensorMetrics) SetGauge(name string, labels prometheus.Labels, value float64) {
	vec, ok := m.gauges[name]
	if !ok {
		return
	}
	m.sweep.RLock()
	defer m.sweep.RUnlock()

	g, err := vec.GetMetricWith(labels)
	if err != nil {
		return
	}
	g.Set(value)
	m.touch(labels)
}

func (m *SensorMetrics) touch(labels prometheus.Labels) {
	device := labels[LabelDevice]
	if device == "" {
		return
	}
	m.mu.Lock()
	m.lastSeen[device] = m.now()
	m.mu.Unlock()
}

// Devices returns the number of devices with live series
func (m *SensorMetrics) Devices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastSeen)
}

// ExpireIdle deletes every series of devices not written within timeout and
// returns their ids.
func (m *SensorMetrics) ExpireIdle(timeout time.Duration) []string {
	m.sweep.Lock()
	defer m.sweep.Unlock()

	cutoff := m.now().Add(-timeout)

	m.mu.Lock()
	var expired []string
	for device, seen := range m.lastSeen {
		if seen.Before(cutoff) {
			expired = append(expired, device)
			delete(m.lastSeen, device)
		}
	}
	m.mu.Unlock()

	for _, device := range expired {
		match := prometheus.Labels{LabelDevice: device}
		for _, vec := range m.counters {
			vec.DeletePartialMatch(match)
		}
		for _, vec := range m.gauges {
			vec.DeletePartialMatch(match)
		}
	}
	return expired
}
