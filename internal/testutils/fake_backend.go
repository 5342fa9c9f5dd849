package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blehost/internal/bledb"
	"github.com/srg/blehost/internal/device"
	"github.com/stretchr/testify/mock"
)

// FakeAdvertisement is a fixed device.Advertisement.
type FakeAdvertisement struct {
	Name        string
	Address     string
	Rssi        int
	ServiceList []string
}

// Adv creates a connectable advertisement with the given name and address.
func Adv(name, address string) *FakeAdvertisement {
	return &FakeAdvertisement{Name: name, Address: address, Rssi: -50}
}

func (a *FakeAdvertisement) LocalName() string  { return a.Name }
func (a *FakeAdvertisement) Addr() string       { return a.Address }
func (a *FakeAdvertisement) RSSI() int          { return a.Rssi }
func (a *FakeAdvertisement) Connectable() bool  { return true }
func (a *FakeAdvertisement) Services() []string { return a.ServiceList }

// FakeBackend is a scripted device.Backend. Each Scan call replays the next
// configured cycle; calls past the script see an empty radio.
//
// Usage:
//
//	backend := testutils.NewFakeBackend().
//	    WithCycle(testutils.Adv("dev-02", "00:00:00:00:00:02")).
//	    WithCycle(testutils.Adv("dev-01", "00:00:00:00:00:01"))
type FakeBackend struct {
	mu          sync.Mutex
	cycles      [][]device.Advertisement
	scanErrors  map[int]error
	peripherals map[string]*FakePeripheral
	connectErr  error
	blockScans  bool

	scans    int
	connects int
	inFlight atomic.Int32
	overlap  atomic.Bool
}

// NewFakeBackend creates an empty scripted backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		scanErrors:  make(map[int]error),
		peripherals: make(map[string]*FakePeripheral),
	}
}

// WithCycle appends one scan cycle producing advs in order.
func (b *FakeBackend) WithCycle(advs ...device.Advertisement) *FakeBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cycles = append(b.cycles, advs)
	return b
}

// WithScanError makes the n-th (1-based) Scan call fail with err.
func (b *FakeBackend) WithScanError(n int, err error) *FakeBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanErrors[n] = err
	return b
}

// WithBlockingScans makes Scan wait for its context like a real radio does.
func (b *FakeBackend) WithBlockingScans() *FakeBackend {
	b.blockScans = true
	return b
}

// WithPeripheral registers a connectable peripheral under its address.
func (b *FakeBackend) WithPeripheral(p *FakePeripheral) *FakeBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peripherals[p.address] = p
	return b
}

// WithConnectError makes every Connect call fail with err.
func (b *FakeBackend) WithConnectError(err error) *FakeBackend {
	b.connectErr = err
	return b
}

func (b *FakeBackend) Name() string { return "fake" }

func (b *FakeBackend) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	b.enter()
	defer b.inFlight.Add(-1)

	b.mu.Lock()
	b.scans++
	n := b.scans
	err := b.scanErrors[n]
	var advs []device.Advertisement
	if n <= len(b.cycles) {
		advs = b.cycles[n-1]
	}
	b.mu.Unlock()

	if err != nil {
		return err
	}
	for _, adv := range advs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handler(adv)
	}
	if b.blockScans {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (b *FakeBackend) Connect(_ context.Context, address string, _ *device.ConnectOptions) (device.Session, error) {
	b.enter()
	defer b.inFlight.Add(-1)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if b.connectErr != nil {
		return nil, b.connectErr
	}
	p, ok := b.peripherals[address]
	if !ok {
		return nil, fmt.Errorf("failed to connect to device with address %q: no such peripheral", address)
	}
	p.connected.Store(true)
	return p, nil
}

// ScanCount returns the number of Scan invocations so far.
func (b *FakeBackend) ScanCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scans
}

// ConnectCount returns the number of Connect invocations so far.
func (b *FakeBackend) ConnectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Overlapped reports whether two radio operations ever ran at the same time.
func (b *FakeBackend) Overlapped() bool {
	return b.overlap.Load()
}

func (b *FakeBackend) enter() {
	if b.inFlight.Add(1) > 1 {
		b.overlap.Store(true)
	}
}

// FakePeripheral is a connectable peripheral; it doubles as its own device.Session.
type FakePeripheral struct {
	address     string
	services    []*FakeService
	connected   atomic.Bool
	disconnects atomic.Int32
}

// NewFakePeripheral creates a peripheral without services.
func NewFakePeripheral(address string) *FakePeripheral {
	return &FakePeripheral{address: address}
}

// WithService adds a service exposing chars.
func (p *FakePeripheral) WithService(uuid string, chars ...*FakeCharacteristic) *FakePeripheral {
	svc := &FakeService{uuid: bledb.NormalizeUUID(uuid)}
	for _, c := range chars {
		svc.chars = append(svc.chars, c)
	}
	p.services = append(p.services, svc)
	return p
}

// DisconnectCount returns how many times Disconnect was called.
func (p *FakePeripheral) DisconnectCount() int {
	return int(p.disconnects.Load())
}

// IsConnected reports whether a session is open.
func (p *FakePeripheral) IsConnected() bool {
	return p.connected.Load()
}

func (p *FakePeripheral) Address() string { return p.address }

func (p *FakePeripheral) Services() []device.Service {
	result := make([]device.Service, 0, len(p.services))
	for _, s := range p.services {
		result = append(result, s)
	}
	return result
}

func (p *FakePeripheral) Characteristic(service, uuid string) (device.Characteristic, error) {
	for _, s := range p.services {
		if !bledb.EqualUUID(s.uuid, service) {
			continue
		}
		for _, c := range s.chars {
			if bledb.EqualUUID(c.UUID(), uuid) {
				return c, nil
			}
		}
		return nil, &device.ProtocolMismatchError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return nil, &device.ProtocolMismatchError{Resource: "service", UUIDs: []string{service}}
}

func (p *FakePeripheral) Disconnect() error {
	p.disconnects.Add(1)
	p.connected.Store(false)
	return nil
}

// FakeService is a GATT service of a FakePeripheral.
type FakeService struct {
	uuid  string
	chars []device.Characteristic
}

func (s *FakeService) UUID() string                             { return s.uuid }
func (s *FakeService) Characteristics() []device.Characteristic { return s.chars }

// FakeCharacteristic is a testify mock for Read and Write; notifications are
// pushed by the test through Notify.
//
//	rx := testutils.NewFakeCharacteristic("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
//	rx.On("Read", mock.Anything).Return([]byte("hi"), nil)
type FakeCharacteristic struct {
	mock.Mock

	uuid         string
	mu           sync.Mutex
	handlers     []func([]byte)
	subscribeErr error
}

// NewFakeCharacteristic creates a characteristic with no expectations set.
func NewFakeCharacteristic(uuid string) *FakeCharacteristic {
	return &FakeCharacteristic{uuid: bledb.NormalizeUUID(uuid)}
}

// WithSubscribeError makes Subscribe fail with err.
func (c *FakeCharacteristic) WithSubscribeError(err error) *FakeCharacteristic {
	c.subscribeErr = err
	return c
}

func (c *FakeCharacteristic) UUID() string { return c.uuid }

func (c *FakeCharacteristic) Read(timeout time.Duration) ([]byte, error) {
	args := c.Called(timeout)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (c *FakeCharacteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	args := c.Called(data, withResponse, timeout)
	return args.Error(0)
}

func (c *FakeCharacteristic) Subscribe(handler func([]byte)) error {
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
	return nil
}

// Subscribed reports whether any handler is registered.
func (c *FakeCharacteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers) > 0
}

// Notify delivers data to every subscribed handler.
func (c *FakeCharacteristic) Notify(data []byte) {
	c.mu.Lock()
	handlers := append([]func([]byte){}, c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}
