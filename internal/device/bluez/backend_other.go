//go:build !linux

package bluez

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
)

// Backend is unavailable outside Linux.
type Backend struct{}

func NewBackend(_ *logrus.Logger) *Backend { return &Backend{} }

func (b *Backend) Name() string { return BackendName }

func (b *Backend) Scan(context.Context, bool, func(device.Advertisement)) error {
	return b.unsupported()
}

func (b *Backend) Connect(context.Context, string, *device.ConnectOptions) (device.Session, error) {
	return nil, b.unsupported()
}

func (b *Backend) unsupported() error {
	return fmt.Errorf("%w: the bluez backend requires linux, running on %s", device.ErrUnsupported, runtime.GOOS)
}
