package harness

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/srg/blehost/internal/bledb"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/profile"
	"github.com/srg/blehost/internal/relay"
)

// Suite is the set of events one firmware test sends to the host.
type Suite struct {
	Name         string
	HostTestName string
	Profile      string

	steps map[string]*stepDef
}

// Events lists the events the suite answers, sorted.
func (s *Suite) Events() []string {
	events := make([]string, 0, len(s.steps))
	for k := range s.steps {
		events = append(events, k)
	}
	sort.Strings(events)
	return events
}

// stepDef describes how to answer one event. reply is the key failures are
// reported under; radio steps are serialised on the dispatcher.
type stepDef struct {
	reply string
	radio bool
	run   func(st *Step) error
}

var suites = []*Suite{
	{
		Name:         "manager",
		HostTestName: "BLEManagerTests",
		steps: map[string]*stepDef{
			"discover":            {reply: relay.KeyDiscovered, radio: true, run: discoverDevice},
			"connect":             {reply: relay.KeyConnected, radio: true, run: connectDevice},
			relay.KeyConnected:    {reply: relay.KeyConnected, run: echo},
			relay.KeyDisconnected: {reply: relay.KeyDisconnected, run: echo},
		},
	},
	{
		Name:         "uart",
		HostTestName: "BLEUartServiceTests",
		Profile:      "uart",
		steps: map[string]*stepDef{
			"discover":  {reply: relay.KeyDiscovered, radio: true, run: listCharacteristics},
			"writedata": {reply: relay.KeyExpect, radio: true, run: writeData},
			"readdata":  {reply: relay.KeyReceived, radio: true, run: readData},
		},
	},
	{
		Name:         "security",
		HostTestName: "BLESecurityTests",
		Profile:      "secure",
		steps: map[string]*stepDef{
			"connect_secure":      {reply: relay.KeyExpect, radio: true, run: connectSecure},
			"secured":             {reply: "secured", run: echo},
			"passkey":             {reply: "passkey", run: logOnly},
			relay.KeyDisconnected: {reply: relay.KeyDisconnected, run: echo},
		},
	},
}

// LookupSuite finds a suite by short name or host test name.
func LookupSuite(name string) (*Suite, bool) {
	for _, s := range suites {
		if strings.EqualFold(s.Name, name) || s.HostTestName == name {
			return s, true
		}
	}
	return nil, false
}

// SuiteNames lists the short suite names.
func SuiteNames() []string {
	names := make([]string, 0, len(suites))
	for _, s := range suites {
		names = append(names, s.Name)
	}
	return names
}

// Suites returns every known suite.
func Suites() []*Suite {
	return append([]*Suite(nil), suites...)
}

func echo(st *Step) error {
	st.log.Info("Echoing device event")
	st.Send(st.Event.Key, st.Event.Value)
	return nil
}

func logOnly(st *Step) error {
	st.log.Info("Device event")
	return nil
}

// discoverDevice reports the advertised name of the located peripheral.
func discoverDevice(st *Step) error {
	adv, err := st.locate(st.Event.Value)
	if err != nil {
		return err
	}
	st.Send(relay.KeyDiscovered, adv.LocalName())
	return nil
}

// connectDevice holds a connection for the linger time. The device itself
// announces the connection with a "connected" event.
func connectDevice(st *Step) error {
	return st.withSession(st.Event.Value, func(device.Session) error {
		return st.sleep(st.h.opts.Linger)
	})
}

// listCharacteristics relays (friendly name, UUID) for every characteristic
// of the profile, in declaration order.
func listCharacteristics(st *Step) error {
	p, err := st.h.profile()
	if err != nil {
		return err
	}
	return st.withSession(st.Event.Value, func(sess device.Session) error {
		for _, c := range p.Characteristics() {
			if _, err := st.characteristic(sess, c); err != nil {
				return err
			}
			st.Send(c.Name, bledb.FormatUUID(c.UUID))
		}
		return nil
	})
}

// writeData announces the primary service UUID and writes it to the tx characteristic.
func writeData(st *Step) error {
	p, err := st.h.profile()
	if err != nil {
		return err
	}
	return st.withSession(st.Event.Value, func(sess device.Session) error {
		tx, err := st.role(sess, profile.RoleTX)
		if err != nil {
			return err
		}
		value := bledb.FormatUUID(p.PrimaryService().UUID)
		st.Send(relay.KeyExpect, value)
		err = tx.Write([]byte(value), true, st.h.opts.ReadTimeout)
		if errors.Is(err, device.ErrUnsupported) {
			st.log.Debug("Backend cannot write with response, sending a write command")
			err = tx.Write([]byte(value), false, st.h.opts.ReadTimeout)
		}
		if err != nil {
			return device.Transport("write", err)
		}
		return nil
	})
}

// readData relays the first value of the rx characteristic within the notify
// window, or relay.Timeout when none arrives.
func readData(st *Step) error {
	return st.withSession(st.Event.Value, func(sess device.Session) error {
		rx, err := st.role(sess, profile.RoleRX)
		if err != nil {
			return err
		}

		data, err := awaitValue(st, rx, st.h.opts.NotifyWindow)
		if errors.Is(err, device.ErrTimeout) {
			st.log.WithField("window", st.h.opts.NotifyWindow).Warn("No data received")
			st.Send(relay.KeyReceived, relay.Timeout)
			return nil
		}
		if err != nil {
			return err
		}
		st.Send(relay.KeyReceived, string(data))
		return nil
	})
}

// awaitValue waits for a notification, or reads when c cannot notify.
func awaitValue(st *Step, c device.Characteristic, window time.Duration) ([]byte, error) {
	l, err := device.Listen(c, 0)
	if errors.Is(err, device.ErrUnsupported) {
		st.log.Debug("Characteristic does not notify, reading instead")
		data, err := c.Read(window)
		if err != nil && !errors.Is(err, device.ErrTimeout) {
			return nil, device.Transport("read", err)
		}
		return data, err
	}
	if err != nil {
		return nil, device.Transport("subscribe", err)
	}
	return l.Wait(st.ctx, window)
}

// connectSecure tells the device which digit to serve, then relays every
// value of the secure characteristic seen within the notify window followed
// by a double-checked read.
func connectSecure(st *Step) error {
	adv, err := st.locate(st.Event.Value)
	if err != nil {
		return err
	}

	st.Send(relay.KeyExpect, st.h.digit())
	st.Reply = relay.KeyFinished

	return st.connect(adv, func(sess device.Session) error {
		c, err := st.role(sess, profile.RoleSecure)
		if err != nil {
			return err
		}

		l, err := device.Listen(c, 0)
		switch {
		case errors.Is(err, device.ErrUnsupported):
			st.log.Debug("Secure characteristic does not notify")
		case err != nil:
			return device.Transport("subscribe", err)
		default:
			deadline := time.Now().Add(st.h.opts.NotifyWindow)
			for remaining := time.Until(deadline); remaining > 0; remaining = time.Until(deadline) {
				data, err := l.Wait(st.ctx, remaining)
				if errors.Is(err, device.ErrTimeout) {
					break
				}
				if err != nil {
					return err
				}
				st.Send(relay.KeyReceived, string(data))
			}
			if n := l.Dropped(); n > 0 {
				st.log.WithField("dropped", n).Warn("Notifications dropped")
			}
		}

		value, err := device.ReadStable(c, st.h.opts.ReadTimeout)
		if err != nil {
			return err
		}
		st.Send(relay.KeyReceived, string(value))
		st.Send(relay.KeyFinished, "OK")
		return nil
	})
}
