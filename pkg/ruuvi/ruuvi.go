// Package ruuvi decodes Ruuvi manufacturer-specific advertisement payloads.
//
// Three payload formats are supported:
//
//   - 5 (RAWv2): environment, acceleration, battery and movement data
//   - 6: compact air quality frame (PM2.5, CO2, VOC, NOx)
//   - E1 (extended v1): full air quality frame (PM1.0 to PM10.0, CO2, VOC, NOx)
//
// The input is the manufacturer data value registered under ManufacturerID,
// i.e. the bytes that follow the company identifier in the advertisement.
// Every field that the sensor reports as "not available" decodes to nil.
package ruuvi

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/c360/ruuvistreams/errors"
)

// ManufacturerID is the Bluetooth SIG company identifier of Ruuvi Innovations.
const ManufacturerID uint16 = 0x0499

// Format identifies a decoded payload format. Its string form is used as
// the format label on telemetry.
type Format string

// Supported formats
const (
	FormatV5 Format = "5"
	FormatV6 Format = "6"
	FormatE1 Format = "E1"
)

// Code returns the numeric format byte (5, 6 or 0xE1).
func (f Format) Code() uint8 {
	switch f {
	case FormatV5:
		return 0x05
	case FormatV6:
		return 0x06
	case FormatE1:
		return 0xE1
	default:
		return 0
	}
}

// Payload is the closed set of decoded formats: *DataFormatV5, *DataFormatV6
// and *DataFormatE1.
type Payload interface {
	Format() Format
	sealed()
}

const (
	lenV5 = 24
	lenV6 = 20
	lenE1 = 40
)

// Decode decodes a raw manufacturer data value.
func Decode(data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, errors.WrapInvalid(errors.ErrPayloadTooShort, "ruuvi", "Decode", "read format byte")
	}

	switch data[0] {
	case 0x05:
		if len(data) < lenV5 {
			return nil, shortPayload(FormatV5, len(data), lenV5)
		}
		return decodeV5(data), nil
	case 0x06:
		if len(data) < lenV6 {
			return nil, shortPayload(FormatV6, len(data), lenV6)
		}
		return decodeV6(data), nil
	case 0xE1:
		if len(data) < lenE1 {
			return nil, shortPayload(FormatE1, len(data), lenE1)
		}
		return decodeE1(data), nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: 0x%02x", errors.ErrUnsupportedFormat, data[0]),
			"ruuvi", "Decode", "format dispatch")
	}
}

// DecodeHex decodes a hex encoded manufacturer data value.
func DecodeHex(s string) (Payload, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"ruuvi", "DecodeHex", "hex decoding")
	}
	return Decode(data)
}

func shortPayload(f Format, got, want int) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: format %s needs %d bytes, got %d", errors.ErrPayloadTooShort, f, want, got),
		"ruuvi", "Decode", "length check")
}

func ptr[T any](v T) *T {
	return &v
}

func u16(b []byte, off int) uint16 {
	return binary.BigEndian.Uint16(b[off:])
}

func u24(b []byte, off int) uint32 {
	return uint32(b[off])<<16 | uint32(b[off+1])<<8 | uint32(b[off+2])
}

func temperature(b []byte, off int) *float64 {
	raw := u16(b, off)
	if raw == 0x8000 {
		return nil
	}
	return ptr(float64(int16(raw)) * 0.005)
}

func humidityPercent(b []byte, off int) *float64 {
	raw := u16(b, off)
	if raw == 0xFFFF {
		return nil
	}
	return ptr(float64(raw) * 0.0025)
}

// pressurePa returns the pressure in Pa.
func pressurePa(b []byte, off int) *float64 {
	raw := u16(b, off)
	if raw == 0xFFFF {
		return nil
	}
	return ptr(float64(raw) + 50000)
}

func particulate(b []byte, off int) *float64 {
	raw := u16(b, off)
	if raw == 0xFFFF {
		return nil
	}
	return ptr(float64(raw) * 0.1)
}

func co2(b []byte, off int) *uint16 {
	raw := u16(b, off)
	if raw == 0xFFFF {
		return nil
	}
	return ptr(raw)
}

// index9 rebuilds a 9 bit VOC/NOx index from its high byte and the flag bit
// carrying the least significant bit.
func index9(high, flags byte, lsbBit uint) *uint16 {
	raw := uint16(high)<<1 | uint16(flags>>lsbBit)&0x01
	if raw == 0x1FF {
		return nil
	}
	return ptr(raw)
}

func macString(b []byte) string {
	return hex.EncodeToString(b)
}
