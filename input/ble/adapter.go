package ble

import (
	"bytes"

	"tinygo.org/x/bluetooth"
)

// btAdapter adapts a tinygo bluetooth adapter to Adapter
type btAdapter struct {
	adapter *bluetooth.Adapter
}

func (b *btAdapter) Enable() error {
	return b.adapter.Enable()
}

func (b *btAdapter) Scan(fn func(Advertisement)) error {
	return b.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr, err := ParseAddress(result.Address.String())
		if err != nil {
			return
		}

		adv := Advertisement{
			Address:   addr,
			RSSI:      result.RSSI,
			LocalName: result.LocalName(),
		}
		for _, element := range result.ManufacturerData() {
			if adv.ManufacturerData == nil {
				adv.ManufacturerData = make(map[uint16][]byte)
			}
			// the stack may reuse its buffers between reports
			adv.ManufacturerData[element.CompanyID] = bytes.Clone(element.Data)
		}
		fn(adv)
	})
}

func (b *btAdapter) StopScan() error {
	return b.adapter.StopScan()
}

// DefaultAdapter returns the system default adapter
func DefaultAdapter() Adapter {
	return &btAdapter{adapter: bluetooth.DefaultAdapter}
}
