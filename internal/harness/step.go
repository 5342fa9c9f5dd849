package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bledb"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/locator"
	"github.com/srg/blehost/internal/profile"
	"github.com/srg/blehost/internal/relay"
)

// ErrNotFound is the step-level form of locator.StateNotFound.
var ErrNotFound = errors.New("device not found")

// Step is one running answer to a device event.
type Step struct {
	ID    string
	Event relay.Event
	// Reply is the key a failure is reported under; steps move it forward as
	// the device starts waiting for a different key.
	Reply string

	ctx context.Context
	h   *Harness
	log *logrus.Entry
}

func (h *Harness) execute(ctx context.Context, def *stepDef, ev relay.Event) {
	if def.radio {
		h.radio.Lock()
		defer h.radio.Unlock()
	}

	st := &Step{
		ID:    ulid.Make().String(),
		Event: ev,
		Reply: def.reply,
		ctx:   ctx,
		h:     h,
	}
	st.log = h.logger.WithFields(logrus.Fields{
		"step":  st.ID,
		"event": ev.Key,
		"value": ev.Value,
	})

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			st.log.WithField("panic", r).Error("Step panicked")
			st.fail(fmt.Errorf("internal error: %v", r))
		}
		st.log.WithField("duration", time.Since(start)).Debug("Step finished")
	}()

	st.log.Info("Step started")
	if err := def.run(st); err != nil {
		st.fail(err)
	}
}

// Send relays a key/value pair; relay failures are logged, never returned.
func (st *Step) Send(key, value string) {
	if err := st.h.relay.Send(key, value); err != nil {
		st.log.WithFields(logrus.Fields{
			"key":   key,
			"error": err,
		}).Error("Failed to relay result")
	}
}

// fail converts a step error into the reply the orchestrator expects.
func (st *Step) fail(err error) {
	var merr *device.ProtocolMismatchError
	switch {
	case errors.Is(err, ErrNotFound):
		st.log.WithField("error", err).Warn("Device not found")
		st.Send(st.Reply, relay.NotFound)
	case errors.As(err, &merr):
		st.log.WithField("error", err).Error("Peripheral does not match profile")
		st.Send(st.Reply, mismatchValue(merr))
	default:
		st.log.WithField("error", err).Error("Step failed")
		st.Send(st.Reply, "ERROR: "+err.Error())
	}
}

func mismatchValue(merr *device.ProtocolMismatchError) string {
	name := merr.Name
	if name == "" {
		name = merr.Resource
	}
	var b strings.Builder
	b.WriteString("MISMATCH: expected ")
	b.WriteString(name)
	if len(merr.UUIDs) > 0 {
		b.WriteString(" ")
		b.WriteString(bledb.FormatUUID(merr.UUIDs[len(merr.UUIDs)-1]))
	}
	if merr.Detail != "" {
		b.WriteString(": ")
		b.WriteString(merr.Detail)
	}
	return b.String()
}

// locate finds the peripheral named name or returns ErrNotFound.
func (st *Step) locate(name string) (device.Advertisement, error) {
	res, err := st.h.locator.Locate(st.ctx, name, st.h.opts.Locate, func(state locator.State, attempt int) {
		st.log.WithFields(logrus.Fields{
			"state":   state.String(),
			"attempt": attempt,
		}).Debug("Locate progress")
	})
	if err != nil {
		return nil, err
	}
	if !res.Found() {
		return nil, fmt.Errorf("%w: %q after %d attempts", ErrNotFound, name, res.Attempts)
	}
	return res.Device, nil
}

// connect opens a session to adv and runs fn with it. The session is
// disconnected exactly once on every return path, panics included.
func (st *Step) connect(adv device.Advertisement, fn func(device.Session) error) error {
	sess, err := st.h.backend.Connect(st.ctx, adv.Addr(), &device.ConnectOptions{ConnectTimeout: st.h.opts.ConnectTimeout})
	if err != nil {
		return device.Transport("connect", err)
	}
	st.log.WithField("address", sess.Address()).Debug("Connected")

	defer func() {
		if err := sess.Disconnect(); err != nil {
			st.log.WithField("error", err).Warn("Disconnect failed")
			return
		}
		st.log.WithField("address", sess.Address()).Debug("Disconnected")
	}()
	return fn(sess)
}

// withSession locates name, connects and runs fn.
func (st *Step) withSession(name string, fn func(device.Session) error) error {
	adv, err := st.locate(name)
	if err != nil {
		return err
	}
	return st.connect(adv, fn)
}

// characteristic resolves an expected characteristic, naming it in the mismatch if absent.
func (st *Step) characteristic(sess device.Session, c profile.Characteristic) (device.Characteristic, error) {
	ch, err := sess.Characteristic(c.Service, c.UUID)
	if err != nil {
		var merr *device.ProtocolMismatchError
		if errors.As(err, &merr) {
			if merr.Resource == "characteristic" {
				merr.Name = c.Name
				merr.UUIDs = []string{c.Service, c.UUID}
			}
			return nil, merr
		}
		return nil, device.Transport("discover", err)
	}
	return ch, nil
}

// role resolves the characteristic playing role in the active profile.
func (st *Step) role(sess device.Session, role profile.Role) (device.Characteristic, error) {
	p, err := st.h.profile()
	if err != nil {
		return nil, err
	}
	c, err := p.ByRole(role)
	if err != nil {
		return nil, err
	}
	return st.characteristic(sess, c)
}

func (st *Step) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-st.ctx.Done():
		return st.ctx.Err()
	}
}
