package reading

import "math"

// Magnus coefficients for water over -45..60 °C.
const (
	dewPointB = 17.368
	dewPointC = 238.88
)

const epsilon = 2.220446049250313e-16 // float64 machine epsilon

// DewPoint returns the dew point in °C for temperature t (°C) and relative
// humidity ratio h. ok is false when h is outside (0, 1] or the Magnus
// formula would divide by zero.
func DewPoint(t, h float64) (dewPoint float64, ok bool) {
	if !(h > 0 && h <= 1) {
		return 0, false
	}
	if math.Abs(dewPointC+t) < epsilon {
		return 0, false
	}

	gamma := math.Log(h) + dewPointB*t/(dewPointC+t)
	if math.Abs(dewPointB-gamma) < epsilon {
		return 0, false
	}
	return dewPointC * gamma / (dewPointB - gamma), true
}

const (
	aqiMax = 100.0
	pmMin  = 0.0
	pmMax  = 60.0
	co2Min = 420.0
	co2Max = 2300.0
)

// AirQualityIndex combines PM2.5 (µg/m³) and CO2 (ppm) into an integral score
// between 0 (poor) and 100 (excellent).
func AirQualityIndex(pm25, co2 float64) float64 {
	pmTerm := (clamp(pm25, pmMin, pmMax) - pmMin) * aqiMax / (pmMax - pmMin)
	co2Term := (clamp(co2, co2Min, co2Max) - co2Min) * aqiMax / (co2Max - co2Min)

	raw := aqiMax - math.Sqrt(pmTerm*pmTerm+co2Term*co2Term)
	if math.IsNaN(raw) {
		return 0
	}
	return math.Round(clamp(raw, 0, aqiMax))
}

// clamp keeps NaN so the caller can detect it.
func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

// Derived holds the indicators computed from a Reading.
type Derived struct {
	DewPoint        *float64 `json:"dew_point_celsius,omitempty"`
	AirQualityIndex *float64 `json:"air_quality_index,omitempty"`
}

// Derive computes the dew point from the environment and the air quality
// index when both PM2.5 and CO2 are present.
func Derive(r Reading) Derived {
	var d Derived
	if env := r.Environment; env != nil {
		if dp, ok := DewPoint(env.Temperature, env.HumidityRatio); ok {
			d.DewPoint = &dp
		}
	}
	if aq := r.AirQuality; aq != nil && aq.PM2_5 != nil && aq.CO2 != nil {
		idx := AirQualityIndex(*aq.PM2_5, *aq.CO2)
		d.AirQualityIndex = &idx
	}
	return d
}
