package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/locator"
	"github.com/srg/blehost/internal/profile"
	"github.com/srg/blehost/internal/relay"
	"github.com/srg/blehost/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	devAddr = "00:00:00:00:00:01"

	uartService = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	uartTX      = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	uartRX      = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"

	secureService = "C30F7571-116B-4BF2-8EB3-B97CD531A113"
	secureChar    = "C30F7572-116B-4BF2-8EB3-B97CD531A113"
)

type HarnessTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	out      *testutils.SyncBuffer
	backend  *testutils.FakeBackend
	profiles *profile.Registry
}

func (s *HarnessTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.out = &testutils.SyncBuffer{}
	s.backend = testutils.NewFakeBackend()

	var err error
	s.profiles, err = profile.Bundled()
	s.Require().NoError(err)
}

func (s *HarnessTestSuite) options() Options {
	return Options{
		Locate:         locator.Options{MaxAttempts: 3, AttemptTimeout: 20 * time.Millisecond},
		ConnectTimeout: time.Second,
		ReadTimeout:    50 * time.Millisecond,
		NotifyWindow:   50 * time.Millisecond,
		QueueSize:      4,
	}
}

func (s *HarnessTestSuite) harness(suiteName string, tune ...func(*Options)) *Harness {
	opts := s.options()
	opts.Suite = suiteName
	for _, fn := range tune {
		fn(&opts)
	}
	h, err := New(s.backend, relay.NewWriter(s.out, s.helper.Logger), s.profiles, opts, s.helper.Logger)
	s.Require().NoError(err)
	h.digit = func() string { return "7" }
	return h
}

func (s *HarnessTestSuite) handle(h *Harness, key, value string) {
	s.Require().NoError(h.Handle(context.Background(), relay.Event{Key: key, Value: value}))
}

func (s *HarnessTestSuite) assertTranscript(lines ...string) {
	testutils.NewTextAsserter(s.T()).AssertLines(s.out.String(), lines...)
}

// advertise makes the device visible in the first scan cycle.
func (s *HarnessTestSuite) advertise(p *testutils.FakePeripheral) {
	s.backend.WithCycle(testutils.Adv("dev-01", devAddr))
	if p != nil {
		s.backend.WithPeripheral(p)
	}
}

func (s *HarnessTestSuite) uartPeripheral() (*testutils.FakePeripheral, *testutils.FakeCharacteristic, *testutils.FakeCharacteristic) {
	tx := testutils.NewFakeCharacteristic(uartTX)
	rx := testutils.NewFakeCharacteristic(uartRX)
	p := testutils.NewFakePeripheral(devAddr).WithService(uartService, tx, rx)
	return p, tx, rx
}

// notifyWhenSubscribed pushes data once the harness subscribed to c.
func notifyWhenSubscribed(c *testutils.FakeCharacteristic, data ...string) {
	go func() {
		for !c.Subscribed() {
			time.Sleep(time.Millisecond)
		}
		for _, d := range data {
			c.Notify([]byte(d))
		}
	}()
}

// --- manager suite ---

func (s *HarnessTestSuite) TestManagerDiscoverFound() {
	s.advertise(nil)
	s.handle(s.harness("manager"), "discover", "dev-01")

	s.assertTranscript("{{discovered;dev-01}}")
	s.Equal(1, s.backend.ScanCount())
}

func (s *HarnessTestSuite) TestManagerDiscoverNotFoundRelaysSentinel() {
	s.handle(s.harness("manager"), "discover", "ghost")

	s.assertTranscript("{{discovered;--NOTFOUND--}}")
	s.Equal(3, s.backend.ScanCount(), "every attempt MUST be spent before reporting not found")
}

func (s *HarnessTestSuite) TestManagerScanFaultIsNotNotFound() {
	s.backend.WithScanError(1, device.ErrBluetoothOff)
	s.handle(s.harness("manager"), "discover", "dev-01")

	out := s.out.String()
	s.True(strings.HasPrefix(out, "{{discovered;ERROR: scan failed: "), "transport fault MUST be relayed distinctly, got %q", out)
	s.NotContains(out, relay.NotFound)
}

func (s *HarnessTestSuite) TestManagerConnectLingersAndDisconnects() {
	p, _, _ := s.uartPeripheral()
	s.advertise(p)

	s.handle(s.harness("manager"), "connect", "dev-01")

	s.Empty(s.out.String(), "successful connect MUST leave the announcement to the device")
	s.Equal(1, p.DisconnectCount())
	s.False(p.IsConnected())
}

func (s *HarnessTestSuite) TestManagerConnectNotFound() {
	s.handle(s.harness("manager"), "connect", "ghost")

	s.assertTranscript("{{connected;--NOTFOUND--}}")
	s.Zero(s.backend.ConnectCount())
}

func (s *HarnessTestSuite) TestManagerConnectFailure() {
	s.advertise(nil)
	s.backend.WithConnectError(errors.New("le-connection-abort-by-local"))

	s.handle(s.harness("manager"), "connect", "dev-01")

	s.assertTranscript("{{connected;ERROR: connect failed: le-connection-abort-by-local}}")
}

func (s *HarnessTestSuite) TestManagerEchoes() {
	h := s.harness("manager")
	s.handle(h, "connected", "dev-01")
	s.handle(h, "disconnected", "OK")

	s.assertTranscript("{{connected;dev-01}}", "{{disconnected;OK}}")
}

// --- uart suite ---

func (s *HarnessTestSuite) TestUartDiscoverListsProfile() {
	p, _, _ := s.uartPeripheral()
	s.advertise(p)

	s.handle(s.harness("uart"), "discover", "dev-01")

	s.assertTranscript(
		"{{UART TX;"+uartTX+"}}",
		"{{UART RX;"+uartRX+"}}",
	)
	s.Equal(1, p.DisconnectCount())
}

func (s *HarnessTestSuite) TestUartDiscoverMissingCharacteristic() {
	tx := testutils.NewFakeCharacteristic(uartTX)
	p := testutils.NewFakePeripheral(devAddr).WithService(uartService, tx)
	s.advertise(p)

	s.handle(s.harness("uart"), "discover", "dev-01")

	s.assertTranscript(
		"{{UART TX;"+uartTX+"}}",
		"{{discovered;MISMATCH: expected UART RX "+uartRX+"}}",
	)
	s.Equal(1, p.DisconnectCount(), "mismatch after connect MUST still disconnect exactly once")
}

func (s *HarnessTestSuite) TestUartDiscoverMissingService() {
	p := testutils.NewFakePeripheral(devAddr).WithService("180f")
	s.advertise(p)

	s.handle(s.harness("uart"), "discover", "dev-01")

	s.assertTranscript("{{discovered;MISMATCH: expected service " + uartService + "}}")
	s.Equal(1, p.DisconnectCount())
}

func (s *HarnessTestSuite) TestUartWriteData() {
	p, tx, _ := s.uartPeripheral()
	tx.On("Write", []byte(uartService), true, 50*time.Millisecond).Return(nil).Once()
	s.advertise(p)

	s.handle(s.harness("uart"), "writedata", "dev-01")

	s.assertTranscript("{{expect;" + uartService + "}}")
	tx.AssertExpectations(s.T())
	s.Equal(1, p.DisconnectCount())
}

func (s *HarnessTestSuite) TestUartWriteFailure() {
	p, tx, _ := s.uartPeripheral()
	tx.On("Write", mock.Anything, true, mock.Anything).Return(errors.New("att: write not permitted")).Once()
	s.advertise(p)

	s.handle(s.harness("uart"), "writedata", "dev-01")

	s.assertTranscript(
		"{{expect;"+uartService+"}}",
		"{{expect;ERROR: write failed: att: write not permitted}}",
	)
	s.Equal(1, p.DisconnectCount(), "write fault MUST still disconnect exactly once")
}

func (s *HarnessTestSuite) TestUartReadDataNotification() {
	p, _, rx := s.uartPeripheral()
	s.advertise(p)
	notifyWhenSubscribed(rx, "hello")

	s.handle(s.harness("uart", func(o *Options) { o.NotifyWindow = time.Second }), "readdata", "dev-01")

	s.assertTranscript("{{received;hello}}")
	s.Equal(1, p.DisconnectCount())
}

func (s *HarnessTestSuite) TestUartReadDataNotificationTimeout() {
	p, _, _ := s.uartPeripheral()
	s.advertise(p)

	s.handle(s.harness("uart"), "readdata", "dev-01")

	s.assertTranscript("{{received;--TIMEOUT--}}")
	s.Equal(1, p.DisconnectCount())
}

// Scenario C: the read of UART RX times out, the timeout is relayed and the
// session is still released.
func (s *HarnessTestSuite) TestUartReadTimeoutStillDisconnects() {
	rx := testutils.NewFakeCharacteristic(uartRX).WithSubscribeError(device.ErrUnsupported)
	rx.On("Read", 50*time.Millisecond).Return(nil, fmt.Errorf("%w: reading characteristic", device.ErrTimeout)).Once()
	p := testutils.NewFakePeripheral(devAddr).WithService(uartService, testutils.NewFakeCharacteristic(uartTX), rx)
	s.advertise(p)

	s.handle(s.harness("uart"), "readdata", "dev-01")

	s.assertTranscript("{{received;--TIMEOUT--}}")
	rx.AssertExpectations(s.T())
	s.Equal(1, p.DisconnectCount())
	s.False(p.IsConnected())
}

func (s *HarnessTestSuite) TestUartReadFallbackValue() {
	rx := testutils.NewFakeCharacteristic(uartRX).WithSubscribeError(fmt.Errorf("characteristic: %w", device.ErrUnsupported))
	rx.On("Read", mock.Anything).Return([]byte("polled"), nil).Once()
	p := testutils.NewFakePeripheral(devAddr).WithService(uartService, testutils.NewFakeCharacteristic(uartTX), rx)
	s.advertise(p)

	s.handle(s.harness("uart"), "readdata", "dev-01")

	s.assertTranscript("{{received;polled}}")
}

func (s *HarnessTestSuite) TestUartReadTransportFault() {
	rx := testutils.NewFakeCharacteristic(uartRX).WithSubscribeError(errors.New("org.bluez.Error.Failed"))
	p := testutils.NewFakePeripheral(devAddr).WithService(uartService, testutils.NewFakeCharacteristic(uartTX), rx)
	s.advertise(p)

	s.handle(s.harness("uart"), "readdata", "dev-01")

	s.assertTranscript("{{received;ERROR: subscribe failed: org.bluez.Error.Failed}}")
	s.Equal(1, p.DisconnectCount())
}

func (s *HarnessTestSuite) TestPanicInStepStillDisconnects() {
	// tx has no Write expectation, so the mock panics mid-step.
	p, _, _ := s.uartPeripheral()
	s.advertise(p)

	s.handle(s.harness("uart"), "writedata", "dev-01")

	out := s.out.String()
	s.Contains(out, "{{expect;ERROR: internal error: ")
	s.Equal(1, p.DisconnectCount(), "a panicking step MUST still release the connection")
}

// --- security suite ---

func (s *HarnessTestSuite) securePeripheral() (*testutils.FakePeripheral, *testutils.FakeCharacteristic) {
	c := testutils.NewFakeCharacteristic(secureChar)
	return testutils.NewFakePeripheral(devAddr).WithService(secureService, c), c
}

func (s *HarnessTestSuite) TestSecurityConnectSecure() {
	p, c := s.securePeripheral()
	c.On("Read", 50*time.Millisecond).Return([]byte("7"), nil).Twice()
	s.advertise(p)
	notifyWhenSubscribed(c, "7")

	s.handle(s.harness("security", func(o *Options) { o.NotifyWindow = 200 * time.Millisecond }), "connect_secure", "dev-01")

	s.assertTranscript(
		"{{expect;7}}",
		"{{received;7}}",
		"{{received;7}}",
		"{{finished;OK}}",
	)
	c.AssertExpectations(s.T())
	s.Equal(1, p.DisconnectCount())
}

func (s *HarnessTestSuite) TestSecurityWithoutNotifications() {
	p, c := s.securePeripheral()
	c.WithSubscribeError(device.ErrUnsupported)
	c.On("Read", mock.Anything).Return([]byte("7"), nil).Twice()
	s.advertise(p)

	s.handle(s.harness("security"), "connect_secure", "dev-01")

	s.assertTranscript("{{expect;7}}", "{{received;7}}", "{{finished;OK}}")
}

func (s *HarnessTestSuite) TestSecurityInconsistentReads() {
	p, c := s.securePeripheral()
	c.On("Read", mock.Anything).Return([]byte("7"), nil).Once()
	c.On("Read", mock.Anything).Return([]byte("77"), nil).Once()
	s.advertise(p)

	s.handle(s.harness("security"), "connect_secure", "dev-01")

	s.assertTranscript(
		"{{expect;7}}",
		"{{finished;MISMATCH: expected value "+secureChar+": consecutive reads returned 1 and 2 bytes}}",
	)
	s.Equal(1, p.DisconnectCount())
}

func (s *HarnessTestSuite) TestSecurityNotFound() {
	s.handle(s.harness("security"), "connect_secure", "C0NNECTME")

	s.assertTranscript("{{expect;--NOTFOUND--}}")
}

func (s *HarnessTestSuite) TestSecurityDeviceEvents() {
	h := s.harness("security")
	s.handle(h, "secured", "3")
	s.handle(h, "passkey", "010101")
	s.handle(h, "disconnected", "OK")

	s.assertTranscript("{{secured;3}}", "{{disconnected;OK}}")
}

// --- suite selection ---

func (s *HarnessTestSuite) TestSuiteSelectedByHostTestName() {
	h := s.harness("")
	s.Nil(h.Suite())

	err := h.Handle(context.Background(), relay.Event{Key: "discover", Value: "dev-01"})
	s.ErrorIs(err, ErrUnknownEvent, "events before a suite is selected MUST be refused")

	s.handle(h, relay.KeyHostTestName, "BLEUartServiceTests")
	s.Require().NotNil(h.Suite())
	s.Equal("uart", h.Suite().Name)

	s.ErrorIs(h.Handle(context.Background(), relay.Event{Key: "connect_secure", Value: "x"}), ErrUnknownEvent)
	s.NoError(h.Handle(context.Background(), relay.Event{Key: "__sync", Value: "abc"}), "control events MUST be ignored")
	s.Error(h.Handle(context.Background(), relay.Event{Key: relay.KeyHostTestName, Value: "NoSuchTests"}))
	s.Empty(s.out.String())
}

func (s *HarnessTestSuite) TestForcedSuiteWinsOverHostTestName() {
	p, c := s.securePeripheral()
	c.WithSubscribeError(device.ErrUnsupported)
	c.On("Read", mock.Anything).Return([]byte("7"), nil).Twice()
	s.advertise(p)
	h := s.harness("security")

	// The security firmware announces the manager host test.
	s.handle(h, relay.KeyHostTestName, "BLEManagerTests")
	s.Require().NotNil(h.Suite())
	s.Equal("security", h.Suite().Name, "forced suite MUST survive the firmware announcement")

	s.handle(h, "connect_secure", "dev-01")
	s.assertTranscript("{{expect;7}}", "{{received;7}}", "{{finished;OK}}")
	s.Equal(1, p.DisconnectCount())
}

func (s *HarnessTestSuite) TestUartWriteFallsBackToWriteCommand() {
	p, tx, _ := s.uartPeripheral()
	tx.On("Write", []byte(uartService), true, mock.Anything).Return(fmt.Errorf("%w: write with response", device.ErrUnsupported)).Once()
	tx.On("Write", []byte(uartService), false, mock.Anything).Return(nil).Once()
	s.advertise(p)

	s.handle(s.harness("uart"), "writedata", "dev-01")

	s.assertTranscript("{{expect;" + uartService + "}}")
	tx.AssertExpectations(s.T())
}

func (s *HarnessTestSuite) TestProfileOverride() {
	opts := s.options()
	opts.Suite = "uart"
	opts.Profile = "missing"
	_, err := New(s.backend, relay.NewWriter(s.out, s.helper.Logger), s.profiles, opts, s.helper.Logger)
	s.Error(err, "unknown profile override MUST be rejected up front")
}

// --- serving ---

func (s *HarnessTestSuite) TestServeRunsEventStream() {
	s.advertise(nil)
	h := s.harness("")

	input := strings.Join([]string{
		"{{__sync;0a1b}}",
		"{{__host_test_name;BLEManagerTests}}",
		"{{discover;dev-01}}",
		"{{discover;ghost}}",
		"{{connected;dev-01}}",
	}, "\n")

	err := h.Serve(context.Background(), relay.NewReader(strings.NewReader(input)))

	s.Require().NoError(err)
	out := s.out.String()
	s.Contains(out, "{{discovered;dev-01}}")
	s.Contains(out, "{{discovered;--NOTFOUND--}}")
	s.Contains(out, "{{connected;dev-01}}")
	s.Less(strings.Index(out, "{{discovered;dev-01}}"), strings.Index(out, "{{discovered;--NOTFOUND--}}"), "radio steps MUST run in arrival order")
}

func (s *HarnessTestSuite) TestServeRejectsWhenQueueIsFull() {
	s.backend.WithBlockingScans()
	h := s.harness("manager", func(o *Options) {
		o.QueueSize = 1
		o.Locate = locator.Options{MaxAttempts: 1, AttemptTimeout: 100 * time.Millisecond}
	})

	input := strings.Repeat("{{discover;ghost}}\n", 5)
	s.Require().NoError(h.Serve(context.Background(), relay.NewReader(strings.NewReader(input))))

	out := s.out.String()
	busy := strings.Count(out, "{{discovered;"+relay.Busy+"}}")
	notFound := strings.Count(out, "{{discovered;"+relay.NotFound+"}}")
	s.Equal(5, busy+notFound, "every request MUST get exactly one answer")
	s.GreaterOrEqual(busy, 3, "requests beyond the running and the queued one MUST be rejected")
	s.False(s.backend.Overlapped(), "radio operations MUST never overlap")
}

func (s *HarnessTestSuite) TestServeStopsOnCancel() {
	h := s.harness("manager")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A reader that never returns would block forever if Serve ignored ctx.
	r, w := io.Pipe()
	defer w.Close()
	s.ErrorIs(h.Serve(ctx, relay.NewReader(r)), context.Canceled)
}

func TestHarnessTestSuite(t *testing.T) {
	suite.Run(t, new(HarnessTestSuite))
}

func TestMismatchValue(t *testing.T) {
	tests := []struct {
		err  *device.ProtocolMismatchError
		want string
	}{
		{&device.ProtocolMismatchError{Resource: "characteristic", Name: "UART RX", UUIDs: []string{"6e400001b5a3f393e0a9e50e24dcca9e", "6e400003b5a3f393e0a9e50e24dcca9e"}}, "MISMATCH: expected UART RX " + uartRX},
		{&device.ProtocolMismatchError{Resource: "service", UUIDs: []string{"180f"}}, "MISMATCH: expected service 180F"},
		{&device.ProtocolMismatchError{Resource: "value", Detail: "stale"}, "MISMATCH: expected value: stale"},
	}
	for _, tt := range tests {
		if got := mismatchValue(tt.err); got != tt.want {
			t.Errorf("mismatchValue() = %q, MUST be %q", got, tt.want)
		}
	}
}
