package ruuvi

// DataFormatV5 is a decoded RAWv2 frame.
type DataFormatV5 struct {
	MACAddress          string
	Temperature         *float64 // °C
	Humidity            *float64 // %RH
	Pressure            *float64 // Pa
	AccelerationX       *int16   // mG
	AccelerationY       *int16   // mG
	AccelerationZ       *int16   // mG
	BatteryVoltage      *uint16  // mV
	TxPower             *int8    // dBm
	MovementCounter     *uint8
	MeasurementSequence *uint16
}

// Format implements Payload
func (*DataFormatV5) Format() Format { return FormatV5 }
func (*DataFormatV5) sealed()        {}

// DataFormatV6 is a decoded format 6 air quality frame.
type DataFormatV6 struct {
	MACAddress          string   // lowest three bytes only
	Temperature         *float64 // °C
	Humidity            *float64 // %RH
	Pressure            *float64 // hPa
	PM2_5               *float64 // µg/m³
	CO2                 *uint16  // ppm
	VOCIndex            *uint16
	NOxIndex            *uint16
	MeasurementSequence *uint8
	Flags               uint8
}

// Format implements Payload
func (*DataFormatV6) Format() Format { return FormatV6 }
func (*DataFormatV6) sealed()        {}

// DataFormatE1 is a decoded extended v1 air quality frame.
type DataFormatE1 struct {
	MACAddress          string
	Temperature         *float64 // °C
	Humidity            *float64 // %RH
	Pressure            *float64 // hPa
	PM1_0               *float64 // µg/m³
	PM2_5               *float64 // µg/m³
	PM4_0               *float64 // µg/m³
	PM10_0              *float64 // µg/m³
	CO2                 *uint16  // ppm
	VOCIndex            *uint16
	NOxIndex            *uint16
	MeasurementSequence *uint32
	Flags               uint8
}

// Format implements Payload
func (*DataFormatE1) Format() Format { return FormatE1 }
func (*DataFormatE1) sealed()        {}

// FlagCalibrating marks an air quality sensor still in its calibration period.
const FlagCalibrating uint8 = 0x01

const (
	flagNOxLSB = 6
	flagVOCLSB = 7
)

func decodeV5(b []byte) *DataFormatV5 {
	d := &DataFormatV5{
		Temperature:   temperature(b, 1),
		Humidity:      humidityPercent(b, 3),
		Pressure:      pressurePa(b, 5),
		AccelerationX: acceleration(b, 7),
		AccelerationY: acceleration(b, 9),
		AccelerationZ: acceleration(b, 11),
		MACAddress:    macString(b[18:24]),
	}

	power := u16(b, 13)
	if battery := power >> 5; battery != 0x7FF {
		d.BatteryVoltage = ptr(battery + 1600)
	}
	if tx := power & 0x1F; tx != 0x1F {
		d.TxPower = ptr(int8(tx)*2 - 40)
	}
	if movement := b[15]; movement != 0xFF {
		d.MovementCounter = ptr(movement)
	}
	if seq := u16(b, 16); seq != 0xFFFF {
		d.MeasurementSequence = ptr(seq)
	}
	return d
}

func acceleration(b []byte, off int) *int16 {
	raw := u16(b, off)
	if raw == 0x8000 {
		return nil
	}
	return ptr(int16(raw))
}

func decodeV6(b []byte) *DataFormatV6 {
	flags := b[16]
	d := &DataFormatV6{
		Temperature: temperature(b, 1),
		Humidity:    humidityPercent(b, 3),
		Pressure:    hectopascal(pressurePa(b, 5)),
		PM2_5:       particulate(b, 7),
		CO2:         co2(b, 9),
		VOCIndex:    index9(b[11], flags, flagVOCLSB),
		NOxIndex:    index9(b[12], flags, flagNOxLSB),
		Flags:       flags,
		MACAddress:  macString(b[17:20]),
	}
	if seq := b[15]; seq != 0xFF {
		d.MeasurementSequence = ptr(seq)
	}
	return d
}

func decodeE1(b []byte) *DataFormatE1 {
	flags := b[28]
	d := &DataFormatE1{
		Temperature: temperature(b, 1),
		Humidity:    humidityPercent(b, 3),
		Pressure:    hectopascal(pressurePa(b, 5)),
		PM1_0:       particulate(b, 7),
		PM2_5:       particulate(b, 9),
		PM4_0:       particulate(b, 11),
		PM10_0:      particulate(b, 13),
		CO2:         co2(b, 15),
		VOCIndex:    index9(b[17], flags, flagVOCLSB),
		NOxIndex:    index9(b[18], flags, flagNOxLSB),
		Flags:       flags,
		MACAddress:  macString(b[34:40]),
	}
	if seq := u24(b, 25); seq != 0xFFFFFF {
		d.MeasurementSequence = ptr(seq)
	}
	return d
}

func hectopascal(pa *float64) *float64 {
	if pa == nil {
		return nil
	}
	return ptr(*pa / 100)
}
