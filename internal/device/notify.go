package device

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultListenerBuffer is the number of notifications a Listener keeps before dropping new ones.
const DefaultListenerBuffer = 32

// Listener buffers notifications from one characteristic so a test step can
// block on them with a timeout instead of reacting to callbacks.
type Listener struct {
	uuid    string
	ch      chan []byte
	dropped atomic.Uint64
}

// Listen subscribes to c and returns a Listener fed by its notifications.
func Listen(c Characteristic, buffer int) (*Listener, error) {
	if buffer <= 0 {
		buffer = DefaultListenerBuffer
	}
	l := &Listener{
		uuid: c.UUID(),
		ch:   make(chan []byte, buffer),
	}
	if err := c.Subscribe(l.push); err != nil {
		return nil, err
	}
	return l, nil
}

// push copies data since backends may reuse their buffers after the callback returns.
func (l *Listener) push(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case l.ch <- buf:
	default:
		l.dropped.Add(1)
	}
}

// Wait blocks until a notification arrives, ctx is done or timeout elapses.
// Expiry returns an error wrapping ErrTimeout.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-l.ch:
		return data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no notification from %s within %v", ErrTimeout, l.uuid, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns how many notifications were discarded because the buffer was full.
func (l *Listener) Dropped() uint64 {
	return l.dropped.Load()
}

// ReadStable reads c twice and returns the second value. Two reads of
// different length mean the peripheral (or the backend) is serving stale or
// partial data, reported as a ProtocolMismatchError rather than papered over.
func ReadStable(c Characteristic, timeout time.Duration) ([]byte, error) {
	first, err := c.Read(timeout)
	if err != nil {
		return nil, Transport("read", err)
	}
	second, err := c.Read(timeout)
	if err != nil {
		return nil, Transport("read", err)
	}
	if len(first) != len(second) {
		return nil, &ProtocolMismatchError{
			Resource: "value",
			UUIDs:    []string{c.UUID()},
			Detail:   fmt.Sprintf("consecutive reads returned %d and %d bytes", len(first), len(second)),
		}
	}
	return second, nil
}
