package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
)

// BackendName identifies this binding in configuration and logs.
const BackendName = "goble"

// Backend binds device.Backend to github.com/go-ble/ble. The underlying
// ble.Device is opened on first use and shared by scans and connections.
type Backend struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewBackend creates a go-ble backend; the HCI device is not opened yet.
func NewBackend(logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{logger: logger}
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) device() (ble.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dev != nil {
		return b.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		b.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	b.dev = dev
	return dev, nil
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement.
// Expiry of ctx ends the scan normally and is reported as ctx.Err().
func (b *Backend) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	dev, err := b.device()
	if err != nil {
		return err
	}

	err = dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(newAdvertisement(adv))
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, ctxErr) || errors.Is(err, context.Canceled)) {
			return ctxErr
		}
		return NormalizeError(err)
	}
	return ctx.Err()
}

// Connect dials address and discovers its full GATT profile. The connection is
// cancelled if discovery fails so that no radio slot is leaked.
func (b *Backend) Connect(ctx context.Context, address string, opts *device.ConnectOptions) (device.Session, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	dev, err := b.device()
	if err != nil {
		return nil, err
	}

	connCtx := ctx
	if opts != nil && opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	log := b.logger.WithField("address", address)
	log.Debug("Dialing BLE device...")
	client, err := dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		if errors.Is(connCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, device.ErrTimeout)
		}
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	log.Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	s := newSession(address, client, profile, b.logger)
	log.WithField("services", len(s.services)).Info("BLE device connected successfully")
	return s, nil
}
