//go:build linux

package bluez

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bledb"
	"github.com/srg/blehost/internal/device"
	"tinygo.org/x/bluetooth"
)

// readBufferSize covers the largest attribute value BlueZ hands back (512 bytes).
const readBufferSize = 512

type session struct {
	address string
	logger  *logrus.Logger

	mu       sync.Mutex
	dev      bluetooth.Device
	closed   bool
	services []*service
}

func (s *session) discover() error {
	svcs, err := s.dev.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("failed to discover services: %w", NormalizeError(err))
	}
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("failed to discover characteristics of %s: %w", svcs[i].UUID().String(), NormalizeError(err))
		}
		svc := &service{uuid: device.NormalizeUUID(svcs[i].UUID().String())}
		for j := range chars {
			svc.chars = append(svc.chars, &characteristic{
				uuid:    device.NormalizeUUID(chars[j].UUID().String()),
				char:    chars[j],
				session: s,
			})
		}
		s.services = append(s.services, svc)
	}
	return nil
}

func (s *session) Address() string { return s.address }

func (s *session) Services() []device.Service {
	result := make([]device.Service, 0, len(s.services))
	for _, svc := range s.services {
		result = append(result, svc)
	}
	return result
}

func (s *session) Characteristic(serviceUUID, uuid string) (device.Characteristic, error) {
	for _, svc := range s.services {
		if !bledb.EqualUUID(svc.uuid, serviceUUID) {
			continue
		}
		for _, c := range svc.chars {
			if bledb.EqualUUID(c.uuid, uuid) {
				return c, nil
			}
		}
		return nil, &device.ProtocolMismatchError{Resource: "characteristic", UUIDs: []string{serviceUUID, uuid}}
	}
	return nil, &device.ProtocolMismatchError{Resource: "service", UUIDs: []string{serviceUUID}}
}

func (s *session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.dev.Disconnect(); err != nil {
		s.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	s.logger.WithField("address", s.address).Info("BLE device disconnected successfully")
	return nil
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrNotConnected
	}
	return nil
}

type service struct {
	uuid  string
	chars []*characteristic
}

func (s *service) UUID() string { return s.uuid }

func (s *service) Characteristics() []device.Characteristic {
	result := make([]device.Characteristic, 0, len(s.chars))
	for _, c := range s.chars {
		result = append(result, c)
	}
	return result
}

type characteristic struct {
	uuid    string
	char    bluetooth.DeviceCharacteristic
	session *session
}

func (c *characteristic) UUID() string { return c.uuid }

func (c *characteristic) Read(timeout time.Duration) ([]byte, error) {
	if err := c.session.checkOpen(); err != nil {
		return nil, err
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		buf := make([]byte, readBufferSize)
		n, err := c.char.Read(buf)
		resultCh <- readResult{data: buf[:n], err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, NormalizeError(r.err))
		}
		return r.data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: reading characteristic %s after %v", device.ErrTimeout, c.uuid, timeout)
	}
}

// Write hands the whole value to BlueZ, which fragments it to the negotiated MTU.
// The Linux binding of tinygo bluetooth only issues write commands, so a write
// with response is reported as device.ErrUnsupported and callers fall back.
func (c *characteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	if err := c.session.checkOpen(); err != nil {
		return err
	}
	if withResponse {
		return fmt.Errorf("%w: write with response on characteristic %s", device.ErrUnsupported, c.uuid)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := c.char.WriteWithoutResponse(data)
		resultCh <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-resultCh:
		if err != nil {
			return fmt.Errorf("failed to write to characteristic %s: %w", c.uuid, NormalizeError(err))
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: writing characteristic %s after %v", device.ErrTimeout, c.uuid, timeout)
	}
}

func (c *characteristic) Subscribe(handler func([]byte)) error {
	if err := c.session.checkOpen(); err != nil {
		return err
	}
	if err := c.char.EnableNotifications(handler); err != nil {
		return fmt.Errorf("failed to subscribe to characteristic %s: %w", c.uuid, NormalizeError(err))
	}
	return nil
}
