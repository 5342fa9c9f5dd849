// Package device defines the capability interfaces every BLE backend
// implements (scan, connect, characteristic I/O) together with the fault
// kinds test steps report: TransportError for failing primitives and
// ProtocolMismatchError for peripherals that do not match their profile.
//
// Backends live in sub-packages:
//   - goble: github.com/go-ble/ble (HCI sockets on Linux, CoreBluetooth on macOS)
//   - bluez: tinygo.org/x/bluetooth over BlueZ D-Bus (Linux only)
package device
