// Package bluez binds device.Backend to tinygo.org/x/bluetooth, which talks
// to BlueZ over D-Bus on Linux. Other platforms get a backend that refuses
// every operation with device.ErrUnsupported.
package bluez

import (
	"fmt"

	"github.com/srg/blehost/internal/device"
)

// BackendName identifies this binding in configuration and logs.
const BackendName = "bluez"

// NormalizeError maps BlueZ D-Bus error names onto the device sentinels.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case device.ContainsIgnoreCase(msg, "org.bluez.Error.NotReady"),
		device.ContainsIgnoreCase(msg, "Resource Not Ready"),
		device.ContainsIgnoreCase(msg, "no such adapter"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "org.bluez.Error.NotConnected"),
		device.ContainsIgnoreCase(msg, "Software caused connection abort"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "org.bluez.Error.AlreadyConnected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case device.ContainsIgnoreCase(msg, "org.bluez.Error.NotSupported"),
		device.ContainsIgnoreCase(msg, "org.bluez.Error.NotPermitted"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	default:
		return err
	}
}
