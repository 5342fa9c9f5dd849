package main

import (
	"errors"
	"fmt"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/locator"
)

// Command-level errors
var (
	// ErrDeviceNotFound is returned by locate when every attempt came back empty.
	// It is an expected outcome rather than a fault, but still exits non-zero.
	ErrDeviceNotFound = errors.New("device not found")
)

// FormatUserError turns internal errors into messages a bench operator can act on.
func FormatUserError(err error) string {
	var terr *device.TransportError
	var merr *device.ProtocolMismatchError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or no adapter is available"
	case errors.Is(err, locator.ErrInvalidOptions):
		return fmt.Sprintf("invalid scan settings: %v", err)
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("operation not supported on this platform: %v", err)
	case errors.As(err, &merr):
		return fmt.Sprintf("peripheral does not match the profile: %v", merr)
	case errors.As(err, &terr):
		return fmt.Sprintf("BLE %s failed: %v", terr.Op, terr.Err)
	}
	return err.Error()
}
