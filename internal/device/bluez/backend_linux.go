//go:build linux

package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// Backend drives the default BlueZ adapter. The adapter is enabled on first use.
type Backend struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	mu      sync.Mutex
	enabled bool
}

func NewBackend(logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{adapter: bluetooth.DefaultAdapter, logger: logger}
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) enable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enabled {
		return nil
	}
	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", NormalizeError(err))
	}
	b.enabled = true
	return nil
}

// Scan runs the adapter scan until ctx is done. BlueZ reports every property
// change as a new result, so duplicates are filtered here unless allowDup is set.
func (b *Backend) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	// adapter.Scan started after StopScan never returns, so don't start late.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.enable(); err != nil {
		return err
	}

	var mu sync.Mutex
	seen := make(map[string]struct{})
	done := make(chan error, 1)

	groutine.Go(ctx, "bluez-scan", func(context.Context) {
		done <- b.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if ctx.Err() != nil {
				return
			}
			adv := newAdvertisement(result)
			if !allowDup {
				mu.Lock()
				_, dup := seen[adv.addr]
				seen[adv.addr] = struct{}{}
				mu.Unlock()
				if dup {
					return
				}
			}
			handler(adv)
		})
	})

	select {
	case err := <-done:
		if err != nil {
			return NormalizeError(err)
		}
		return ctx.Err()
	case <-ctx.Done():
		if err := stopScan(b.adapter.StopScan, done, b.logger); err != nil {
			b.logger.WithField("error", err).Warn("BLE scan ended with errors")
		}
		return ctx.Err()
	}
}

// stopRetryInterval paces StopScan retries while the scan goroutine catches up.
const stopRetryInterval = 50 * time.Millisecond

// stopScan calls stop until the scan reports back on done. A StopScan that
// lands before adapter.Scan registered the discovery is a no-op, so a single
// call can leave the scan running forever.
func stopScan(stop func() error, done <-chan error, logger *logrus.Logger) error {
	ticker := time.NewTicker(stopRetryInterval)
	defer ticker.Stop()
	for {
		if err := stop(); err != nil {
			logger.WithField("error", err).Debug("StopScan failed, retrying")
		}
		select {
		case err := <-done:
			return err
		case <-ticker.C:
		}
	}
}

// Connect dials address and walks every service and characteristic. A
// connection that completes after ctx expired is torn down again.
func (b *Backend) Connect(ctx context.Context, address string, opts *device.ConnectOptions) (device.Session, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if err := b.enable(); err != nil {
		return nil, err
	}
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", address, err)
	}

	connCtx := ctx
	if opts != nil && opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	type connectResult struct {
		dev bluetooth.Device
		err error
	}
	resultCh := make(chan connectResult, 1)
	groutine.Go(ctx, "bluez-connect", func(context.Context) {
		dev, err := b.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, bluetooth.ConnectionParams{})
		resultCh <- connectResult{dev: dev, err: err}
	})

	var dev bluetooth.Device
	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(r.err))
		}
		dev = r.dev
	case <-connCtx.Done():
		groutine.Go(context.Background(), "bluez-connect-reaper", func(context.Context) {
			if r := <-resultCh; r.err == nil {
				_ = r.dev.Disconnect()
			}
		})
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, device.ErrTimeout)
	}

	s := &session{address: address, dev: dev, logger: b.logger}
	if err := s.discover(); err != nil {
		if derr := dev.Disconnect(); derr != nil {
			b.logger.WithField("cancel_error", derr).Warn("Failed to disconnect after discovery failure")
		}
		return nil, err
	}
	b.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(s.services),
	}).Info("BLE device connected successfully")
	return s, nil
}

type advertisement struct {
	name string
	addr string
	rssi int
}

func newAdvertisement(r bluetooth.ScanResult) *advertisement {
	return &advertisement{
		name: device.DecodeName([]byte(r.LocalName())),
		addr: r.Address.String(),
		rssi: int(r.RSSI),
	}
}

func (a *advertisement) LocalName() string  { return a.name }
func (a *advertisement) Addr() string       { return a.addr }
func (a *advertisement) RSSI() int          { return a.rssi }
func (a *advertisement) Connectable() bool  { return true }
func (a *advertisement) Services() []string { return nil }
