package device

import (
	"context"
	"time"
)

// Advertisement is a single BLE broadcast observed during a scan.
// Backends decode the advertised name before handing it out; LocalName
// returns "" when the peripheral did not advertise one.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	Services() []string
}

// Scanner represents a BLE stack capable of scanning for advertisements.
// Scan blocks until ctx is done or the stack fails; the handler may be
// called from a backend goroutine.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// ConnectOptions defines BLE connection options
type ConnectOptions struct {
	ConnectTimeout time.Duration
}

// Connector opens GATT sessions to peripherals found by a Scanner.
type Connector interface {
	Connect(ctx context.Context, address string, opts *ConnectOptions) (Session, error)
}

// Backend is one interchangeable BLE library binding.
type Backend interface {
	Scanner
	Connector
	Name() string
}

// Session is a live connection with its discovered GATT profile.
// Disconnect releases the radio connection slot and is safe to call more than once.
type Session interface {
	Address() string
	Services() []Service
	Characteristic(service, uuid string) (Characteristic, error)
	Disconnect() error
}

// Service represents a GATT service interface
type Service interface {
	UUID() string
	Characteristics() []Characteristic
}

// CharacteristicReader provides read operations
type CharacteristicReader interface {
	Read(timeout time.Duration) ([]byte, error)
}

// CharacteristicWriter provides write operations
type CharacteristicWriter interface {
	Write(data []byte, withResponse bool, timeout time.Duration) error
}

// Characteristic combines identity with read, write and notification operations.
// Subscribe returns an error wrapping ErrUnsupported when the characteristic
// can neither notify nor indicate.
type Characteristic interface {
	CharacteristicReader
	CharacteristicWriter

	UUID() string
	Subscribe(handler func(data []byte)) error
}
