// Package ble is the bluetooth low energy transport of ruuvistreams.
//
// It defines the transport contract consumed by the discovery service
// (Transport, Device, DiscoveryEvent, Property) and implements it with
// Scanner, a passive scanner on top of tinygo.org/x/bluetooth.
package ble

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Address is a 6 byte bluetooth device address
type Address [6]byte

// ParseAddress parses a colon separated hardware address, any case
func ParseAddress(s string) (Address, error) {
	var a Address
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return a, err
	}
	if len(hw) != len(a) {
		return a, fmt.Errorf("address %q is not 6 bytes", s)
	}
	copy(a[:], hw)
	return a, nil
}

// String returns the canonical lowercase colon form, e.g. aa:bb:cc:dd:ee:ff
func (a Address) String() string {
	return net.HardwareAddr(a[:]).String()
}

// EventKind distinguishes discovery events
type EventKind int

// Discovery event kinds
const (
	DeviceFound EventKind = iota
	DeviceLost
)

// String returns the event kind name
func (k EventKind) String() string {
	switch k {
	case DeviceFound:
		return "found"
	case DeviceLost:
		return "lost"
	default:
		return "unknown"
	}
}

// DiscoveryEvent reports a device appearing or disappearing. RSSI is set
// when the transport had a fresh sample with the event.
type DiscoveryEvent struct {
	Kind   EventKind
	Device Device
	RSSI   *int16
}

// PropertyKind tags a device property
type PropertyKind int

// Property kinds
const (
	PropertyUnknown PropertyKind = iota
	PropertyManufacturerData
	PropertySignalStrength
	PropertyAdvertisingFlags
)

// String returns the property kind name
func (k PropertyKind) String() string {
	switch k {
	case PropertyManufacturerData:
		return "manufacturer_data"
	case PropertySignalStrength:
		return "signal_strength"
	case PropertyAdvertisingFlags:
		return "advertising_flags"
	default:
		return "unknown"
	}
}

// Property is one device property value. Only the field matching Kind is set.
type Property struct {
	Kind PropertyKind
	// ManufacturerData maps company identifiers to their data value.
	ManufacturerData map[uint16][]byte
	RSSI             int16
	Flags            []byte
	// Name of the property when Kind is PropertyUnknown.
	Name string
}

// PropertyEvent is one item of a device's property stream. A non-nil Err is
// a transport error and is the last item before the stream closes.
type PropertyEvent struct {
	Property
	Err error
}

// Device is a discovered broadcast source
type Device interface {
	Address() Address
	// Properties returns the currently known properties.
	Properties(ctx context.Context) ([]Property, error)
	// Subscribe returns the stream of property changes. The channel is
	// closed when the device is lost or the transport stops.
	Subscribe(ctx context.Context) (<-chan PropertyEvent, error)
}

// Transport yields discovery events until the returned channel closes
type Transport interface {
	Discover(ctx context.Context) (<-chan DiscoveryEvent, error)
}

// Advertisement is one received advertising report
type Advertisement struct {
	Address          Address
	RSSI             int16
	LocalName        string
	ManufacturerData map[uint16][]byte
}

// Adapter is a bluetooth adapter able to scan. Scan blocks, calling fn for
// every report, until StopScan is called.
type Adapter interface {
	Enable() error
	Scan(fn func(Advertisement)) error
	StopScan() error
}
