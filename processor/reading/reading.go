// Package reading normalizes decoded Ruuvi payloads into physical readings
// grouped by capability and derives secondary indicators from them.
//
// A payload exposes up to four capabilities: Environment, Motion, AirQuality
// and a measurement sequence number. A nil capability means the format has
// nothing to report for that category; it is never an error.
//
// Unit conversions:
//
//	format 5   humidity %/100 -> ratio, pressure Pa/100 -> hPa,
//	           acceleration mG/1000 -> g, battery mV/1000 -> V
//	format 6   humidity %/100 -> ratio, pressure hPa as is
//	format E1  same as format 6
//
// Air quality values are kept in their native units.
package reading

import (
	"github.com/c360/ruuvistreams/pkg/ruuvi"
)

// Environment holds the values every environmental format reports. It is only
// present when temperature, humidity and pressure were all available.
type Environment struct {
	Temperature   float64 `json:"temperature_celsius"`
	HumidityRatio float64 `json:"humidity_ratio"`
	PressureHPa   float64 `json:"pressure_hpa"`
}

// Motion holds acceleration and housekeeping values of format 5.
type Motion struct {
	AccelerationX   *float64 `json:"acceleration_x_g,omitempty"`
	AccelerationY   *float64 `json:"acceleration_y_g,omitempty"`
	AccelerationZ   *float64 `json:"acceleration_z_g,omitempty"`
	BatteryVoltage  *float64 `json:"battery_volts,omitempty"`
	TxPower         *float64 `json:"tx_power_dbm,omitempty"`
	MovementCounter *float64 `json:"movement_counter,omitempty"`
}

// AirQuality holds particulate and gas readings of formats 6 and E1.
type AirQuality struct {
	PM1_0       *float64 `json:"pm1_0_ug_m3,omitempty"`
	PM2_5       *float64 `json:"pm2_5_ug_m3,omitempty"`
	PM4_0       *float64 `json:"pm4_0_ug_m3,omitempty"`
	PM10_0      *float64 `json:"pm10_0_ug_m3,omitempty"`
	CO2         *float64 `json:"co2_ppm,omitempty"`
	VOCIndex    *float64 `json:"voc_index,omitempty"`
	NOxIndex    *float64 `json:"nox_index,omitempty"`
	Calibrating float64  `json:"calibrating"`
}

// Reading is the normalized projection of one decoded payload.
type Reading struct {
	Format      ruuvi.Format
	Environment *Environment
	Motion      *Motion
	AirQuality  *AirQuality
	Sequence    *float64
}

// Normalize maps a decoded payload onto its capabilities. The payload set is
// closed, so an unknown type yields a Reading with only Format set.
func Normalize(p ruuvi.Payload) Reading {
	switch v := p.(type) {
	case *ruuvi.DataFormatV5:
		return normalizeV5(v)
	case *ruuvi.DataFormatV6:
		return normalizeV6(v)
	case *ruuvi.DataFormatE1:
		return normalizeE1(v)
	}
	if p == nil {
		return Reading{}
	}
	return Reading{Format: p.Format()}
}

func normalizeV5(v *ruuvi.DataFormatV5) Reading {
	r := Reading{
		Format: ruuvi.FormatV5,
		Motion: &Motion{
			AccelerationX:   scaled(v.AccelerationX, 1000),
			AccelerationY:   scaled(v.AccelerationY, 1000),
			AccelerationZ:   scaled(v.AccelerationZ, 1000),
			BatteryVoltage:  scaled(v.BatteryVoltage, 1000),
			TxPower:         scaled(v.TxPower, 1),
			MovementCounter: scaled(v.MovementCounter, 1),
		},
		Sequence: scaled(v.MeasurementSequence, 1),
	}
	if v.Temperature != nil && v.Humidity != nil && v.Pressure != nil {
		r.Environment = &Environment{
			Temperature:   *v.Temperature,
			HumidityRatio: *v.Humidity / 100,
			PressureHPa:   *v.Pressure / 100,
		}
	}
	return r
}

func normalizeV6(v *ruuvi.DataFormatV6) Reading {
	return Reading{
		Format:      ruuvi.FormatV6,
		Environment: hpaEnvironment(v.Temperature, v.Humidity, v.Pressure),
		AirQuality: &AirQuality{
			PM2_5:       v.PM2_5,
			CO2:         scaled(v.CO2, 1),
			VOCIndex:    scaled(v.VOCIndex, 1),
			NOxIndex:    scaled(v.NOxIndex, 1),
			Calibrating: float64(v.Flags & ruuvi.FlagCalibrating),
		},
		Sequence: scaled(v.MeasurementSequence, 1),
	}
}

func normalizeE1(v *ruuvi.DataFormatE1) Reading {
	return Reading{
		Format:      ruuvi.FormatE1,
		Environment: hpaEnvironment(v.Temperature, v.Humidity, v.Pressure),
		AirQuality: &AirQuality{
			PM1_0:       v.PM1_0,
			PM2_5:       v.PM2_5,
			PM4_0:       v.PM4_0,
			PM10_0:      v.PM10_0,
			CO2:         scaled(v.CO2, 1),
			VOCIndex:    scaled(v.VOCIndex, 1),
			NOxIndex:    scaled(v.NOxIndex, 1),
			Calibrating: float64(v.Flags & ruuvi.FlagCalibrating),
		},
		Sequence: scaled(v.MeasurementSequence, 1),
	}
}

// hpaEnvironment builds the environment of formats that already report hPa.
func hpaEnvironment(t, h, p *float64) *Environment {
	if t == nil || h == nil || p == nil {
		return nil
	}
	return &Environment{
		Temperature:   *t,
		HumidityRatio: *h / 100,
		PressureHPa:   *p,
	}
}

type number interface {
	~int8 | ~int16 | ~uint8 | ~uint16 | ~uint32 | ~float64
}

func scaled[T number](v *T, divisor float64) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v) / divisor
	return &f
}
