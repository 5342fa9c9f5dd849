// Package harness answers greentea host-test events from the device under
// test: it locates and connects to the peripheral, exercises its GATT
// profile and relays every outcome back to the orchestrator.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/groutine"
	"github.com/srg/blehost/internal/locator"
	"github.com/srg/blehost/internal/profile"
	"github.com/srg/blehost/internal/relay"
)

// Options tunes the timing of every step.
type Options struct {
	Locate         locator.Options
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	NotifyWindow   time.Duration
	Linger         time.Duration
	QueueSize      int

	// Suite forces a suite and makes __host_test_name informational;
	// otherwise __host_test_name selects it.
	Suite string
	// Profile overrides the profile of the selected suite.
	Profile string
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Locate:         locator.DefaultOptions(),
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    5 * time.Second,
		NotifyWindow:   10 * time.Second,
		Linger:         2 * time.Second,
		QueueSize:      8,
	}
}

// ErrUnknownEvent is returned by Handle for events the active suite does not answer.
var ErrUnknownEvent = errors.New("unknown event")

// Harness dispatches device events to the steps of the active suite.
type Harness struct {
	backend  device.Backend
	locator  *locator.Locator
	relay    relay.Relay
	profiles *profile.Registry
	opts     Options
	logger   *logrus.Logger

	// radio serialises every step that touches the adapter, whichever path started it.
	radio sync.Mutex

	mu    sync.RWMutex
	suite *Suite

	digit func() string
}

// New creates a harness. A forced suite in opts is selected immediately.
func New(backend device.Backend, rel relay.Relay, profiles *profile.Registry, opts Options, logger *logrus.Logger) (*Harness, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := opts.Locate.Validate(); err != nil {
		return nil, err
	}
	h := &Harness{
		backend:  backend,
		locator:  locator.New(backend, logger),
		relay:    rel,
		profiles: profiles,
		opts:     opts,
		logger:   logger,
		digit:    func() string { return fmt.Sprint(rand.IntN(10)) },
	}
	if opts.Suite != "" {
		if err := h.Select(opts.Suite); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Select activates a suite by its short name or its host test name.
func (h *Harness) Select(name string) error {
	s, ok := LookupSuite(name)
	if !ok {
		return fmt.Errorf("unknown suite %q (available: %s)", name, strings.Join(SuiteNames(), ", "))
	}
	profileName := s.Profile
	if h.opts.Profile != "" {
		profileName = h.opts.Profile
	}
	if profileName != "" {
		if _, err := h.profiles.Get(profileName); err != nil {
			return fmt.Errorf("suite %s: %w", s.Name, err)
		}
	}

	h.mu.Lock()
	h.suite = s
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{
		"suite":   s.Name,
		"profile": profileName,
	}).Info("Host test suite selected")
	return nil
}

// Suite returns the active suite, or nil.
func (h *Harness) Suite() *Suite {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.suite
}

func (h *Harness) profile() (*profile.Profile, error) {
	s := h.Suite()
	name := s.Profile
	if h.opts.Profile != "" {
		name = h.opts.Profile
	}
	return h.profiles.Get(name)
}

// Serve reads events until r is exhausted or ctx is done. Radio steps run on
// a single background worker; Serve returns once every accepted step finished.
func (h *Harness) Serve(ctx context.Context, r *relay.Reader) error {
	d := NewDispatcher(ctx, h.opts.QueueSize, h.logger)
	defer d.Close()

	events := make(chan relay.Event)
	errCh := make(chan error, 1)
	groutine.Go(ctx, "relay-reader", func(ctx context.Context) {
		for {
			ev, err := r.Next()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	})

	h.logger.Info("Waiting for host test events...")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				h.logger.Info("Event stream closed, finishing queued steps")
				return nil
			}
			return err
		case ev := <-events:
			h.dispatch(ctx, d, ev)
		}
	}
}

// Handle runs one event to completion on the calling goroutine.
func (h *Harness) Handle(ctx context.Context, ev relay.Event) error {
	def, err := h.resolve(ev)
	if err != nil || def == nil {
		return err
	}
	h.execute(ctx, def, ev)
	return nil
}

func (h *Harness) dispatch(ctx context.Context, d *Dispatcher, ev relay.Event) {
	def, err := h.resolve(ev)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"event": ev.Key,
			"value": ev.Value,
		}).Warn(err.Error())
		return
	}
	if def == nil {
		return
	}
	if !def.radio {
		h.execute(ctx, def, ev)
		return
	}

	err = d.Submit(Job{Name: ev.Key, Run: func(ctx context.Context) { h.execute(ctx, def, ev) }})
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"event": ev.Key,
			"error": err,
		}).Warn("Step rejected")
		if sendErr := h.relay.Send(def.reply, relay.Busy); sendErr != nil {
			h.logger.WithField("error", sendErr).Error("Failed to relay rejection")
		}
	}
}

// resolve returns the step for ev, or nil for events that need no step.
func (h *Harness) resolve(ev relay.Event) (*stepDef, error) {
	if ev.Key == relay.KeyHostTestName {
		// Several firmware tests announce a shared host test name, so a
		// forced suite wins over the announcement.
		if h.opts.Suite != "" {
			h.logger.WithFields(logrus.Fields{
				"announced": ev.Value,
				"suite":     h.opts.Suite,
			}).Info("Ignoring host test name, suite is forced")
			return nil, nil
		}
		return nil, h.Select(ev.Value)
	}
	if ev.IsControl() {
		h.logger.WithField("event", ev.Key).Debug("Ignoring control event")
		return nil, nil
	}

	s := h.Suite()
	if s == nil {
		return nil, fmt.Errorf("%w: %s arrived before any suite was selected", ErrUnknownEvent, ev.Key)
	}
	def, ok := s.steps[ev.Key]
	if !ok {
		return nil, fmt.Errorf("%w: suite %s does not handle %s", ErrUnknownEvent, s.Name, ev.Key)
	}
	return def, nil
}
