//go:build linux

package bluez

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanDoesNotStartAfterCancel(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBackend(helper.Logger)
	err := b.Scan(ctx, false, func(device.Advertisement) {
		t.Error("handler MUST NOT run for a cancelled scan")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, b.enabled, "adapter MUST NOT be touched once ctx is done")
}

func TestStopScanRetriesUntilScanReturns(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	done := make(chan error, 1)
	var calls atomic.Int32

	// The first stop lands before the scan started and has no effect.
	stop := func() error {
		if calls.Add(1) == 2 {
			done <- nil
		}
		return nil
	}

	result := make(chan error, 1)
	go func() { result <- stopScan(stop, done, helper.Logger) }()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stopScan MUST keep stopping until the scan returns")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestWriteWithResponseUnsupported(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	c := &characteristic{
		uuid:    "6e400002b5a3f393e0a9e50e24dcca9e",
		session: &session{address: "00:00:00:00:00:01", logger: helper.Logger},
	}

	err := c.Write([]byte("x"), true, time.Second)
	assert.ErrorIs(t, err, device.ErrUnsupported, "BlueZ binding only supports write commands")

	c.session.closed = true
	assert.ErrorIs(t, c.Write([]byte("x"), false, time.Second), device.ErrNotConnected)
}
