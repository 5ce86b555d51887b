//go:build linux

package ble

import "tinygo.org/x/bluetooth"

// NamedAdapter returns the BlueZ adapter with the given id, e.g. hci0
func NamedAdapter(name string) Adapter {
	if name == "" {
		return DefaultAdapter()
	}
	return &btAdapter{adapter: bluetooth.NewAdapter(name)}
}
