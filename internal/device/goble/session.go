package goble

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bledb"
	"github.com/srg/blehost/internal/device"
)

const (
	// DefaultBLEWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines an ATT_MTU of 23 bytes (20 bytes payload after the ATT header).
	DefaultBLEWriteChunkSize = 20

	// DefaultBLEWriteDelay is the delay between consecutive write chunks.
	DefaultBLEWriteDelay = 10 * time.Millisecond
)

// session is a live go-ble connection with its discovered profile.
type session struct {
	address string
	logger  *logrus.Logger

	mu         sync.Mutex
	writeMutex sync.Mutex
	client     ble.Client
	services   []*service
}

func newSession(address string, client ble.Client, profile *ble.Profile, logger *logrus.Logger) *session {
	s := &session{address: address, client: client, logger: logger}
	if profile == nil {
		return s
	}
	for _, bs := range profile.Services {
		svc := &service{uuid: device.NormalizeUUID(bs.UUID.String())}
		for _, bc := range bs.Characteristics {
			svc.chars = append(svc.chars, &characteristic{
				uuid:    device.NormalizeUUID(bc.UUID.String()),
				bleChar: bc,
				session: s,
			})
		}
		s.services = append(s.services, svc)
	}
	return s
}

func (s *session) Address() string { return s.address }

func (s *session) Services() []device.Service {
	result := make([]device.Service, 0, len(s.services))
	for _, svc := range s.services {
		result = append(result, svc)
	}
	return result
}

// Characteristic retrieves a characteristic by service and characteristic UUID.
// Returns a ProtocolMismatchError if the service or characteristic is not found.
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

// Disconnect drops remote subscriptions and cancels the connection. Only the
// first call talks to the radio.
func (s *session) Disconnect() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		s.logger.WithField("address", s.address).Debug("Disconnect called but already disconnected")
		return nil
	}

	if err := client.ClearSubscriptions(); err != nil {
		s.logger.WithField("error", err).Warn("Failed to unsubscribe from some characteristics during disconnect")
	}
	if err := client.CancelConnection(); err != nil {
		s.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	s.logger.WithField("address", s.address).Info("BLE device disconnected successfully")
	return nil
}

func (s *session) liveClient() (ble.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, device.ErrNotConnected
	}
	return s.client, nil
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
	bleChar *ble.Characteristic
	session *session
}

func (c *characteristic) UUID() string { return c.uuid }

// Read reads the current value with the specified timeout.
// This prevents indefinite blocking if the device becomes unresponsive during a read operation.
func (c *characteristic) Read(timeout time.Duration) ([]byte, error) {
	client, err := c.session.liveClient()
	if err != nil {
		return nil, err
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, err := client.ReadCharacteristic(c.bleChar)
		resultCh <- readResult{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, NormalizeError(result.err))
		}
		return result.data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: reading characteristic %s after %v", device.ErrTimeout, c.uuid, timeout)
	}
}

// Write sends data in DefaultBLEWriteChunkSize chunks. The timeout bounds the whole transfer.
func (c *characteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	client, err := c.session.liveClient()
	if err != nil {
		return err
	}

	c.session.writeMutex.Lock()
	defer c.session.writeMutex.Unlock()

	deadline := time.Now().Add(timeout)
	for len(data) > 0 {
		if timeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("%w: writing characteristic %s after %v", device.ErrTimeout, c.uuid, timeout)
		}
		n := min(len(data), DefaultBLEWriteChunkSize)
		if err := client.WriteCharacteristic(c.bleChar, data[:n], !withResponse); err != nil {
			return fmt.Errorf("failed to write to characteristic %s: %w", c.uuid, NormalizeError(err))
		}
		data = data[n:]
		if len(data) > 0 {
			time.Sleep(DefaultBLEWriteDelay)
		}
	}
	return nil
}

// Subscribe enables notifications, or indications when that is all the
// characteristic offers. go-ble needs the CCCD descriptor for either.
func (c *characteristic) Subscribe(handler func([]byte)) error {
	client, err := c.session.liveClient()
	if err != nil {
		return err
	}

	notify := c.bleChar.Property&ble.CharNotify != 0
	indicate := c.bleChar.Property&ble.CharIndicate != 0
	if (!notify && !indicate) || c.bleChar.CCCD == nil {
		return fmt.Errorf("characteristic %s: %w: no notify or indicate support", c.uuid, device.ErrUnsupported)
	}

	if err := client.Subscribe(c.bleChar, !notify, ble.NotificationHandler(handler)); err != nil {
		return fmt.Errorf("failed to subscribe to characteristic %s: %w", c.uuid, NormalizeError(err))
	}
	return nil
}
