//go:build linux

package ble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

func TestNamedAdapter(t *testing.T) {
	named, ok := NamedAdapter("hci1").(*btAdapter)
	require.True(t, ok)
	require.NotNil(t, named.adapter)
	assert.NotSame(t, bluetooth.DefaultAdapter, named.adapter)

	fallback, ok := NamedAdapter("").(*btAdapter)
	require.True(t, ok)
	assert.Same(t, bluetooth.DefaultAdapter, fallback.adapter)
}
