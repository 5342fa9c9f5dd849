package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blehost/internal/bledb"
)

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	BluetoothOff     ConnectionState = "bluetooth is turned off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// TransportError reports that a scan, connect, read, write or subscribe
// primitive itself failed. It aborts the current test step.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolMismatchError reports a peripheral that does not expose what the
// profile expects, or that answers inconsistently.
type ProtocolMismatchError struct {
	Resource string   // "service", "characteristic", "value"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
	Name     string   // friendly name from the profile, if any
	Detail   string
}

func (e *ProtocolMismatchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Resource)
	if e.Name != "" {
		fmt.Fprintf(&b, " %q", e.Name)
	}
	switch len(e.UUIDs) {
	case 0:
	case 1:
		fmt.Fprintf(&b, " (%s)", bledb.FormatUUID(e.UUIDs[0]))
	default:
		fmt.Fprintf(&b, " (%s in service %s)", bledb.FormatUUID(e.UUIDs[len(e.UUIDs)-1]), bledb.FormatUUID(e.UUIDs[0]))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	} else {
		b.WriteString(": not found")
	}
	return b.String()
}

// Transport wraps err as a TransportError for op unless it already carries a
// fault kind (TransportError, ProtocolMismatchError) or is a context error.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var terr *TransportError
	var merr *ProtocolMismatchError
	switch {
	case errors.As(err, &terr), errors.As(err, &merr):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ContainsIgnoreCase checks the substring case-insensitively. Backends use it
// to map library error strings onto the sentinels above.
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
