//go:build !linux

package ble

// NamedAdapter returns the default adapter; selecting adapters by name is
// only supported by BlueZ.
func NamedAdapter(string) Adapter {
	return DefaultAdapter()
}
