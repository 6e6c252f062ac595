package goble

import (
	"sync/atomic"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the local ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return dev, nil
}

// Adapter tracks whether the local Bluetooth adapter is usable. go-ble exposes
// no power-state callback, so the state is inferred from operation errors.
type Adapter struct {
	off atomic.Bool
}

// BluetoothEnabled implements peripheral.Host.
func (a *Adapter) BluetoothEnabled() bool { return !a.off.Load() }

// Observe updates the adapter state from the outcome of a go-ble call and
// returns the normalised error.
func (a *Adapter) Observe(err error) error {
	err = NormalizeError(err)
	switch {
	case err == nil:
		a.off.Store(false)
	case isBluetoothOff(err):
		a.off.Store(true)
	}
	return err
}
