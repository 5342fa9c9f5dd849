// Package locator finds a peripheral by its exact advertised name using a
// bounded number of scan cycles.
package locator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
)

// ErrInvalidOptions is returned before any scan when the request cannot be served.
var ErrInvalidOptions = errors.New("invalid locate options")

// State is a step of the locate state machine.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateFound
	StateNotFound
	StateFault
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateFound:
		return "found"
	case StateNotFound:
		return "not_found"
	case StateFault:
		return "fault"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateFound || s == StateNotFound || s == StateFault
}

// ProgressCallback observes every state transition; attempt is 1-based and
// 0 while idle.
type ProgressCallback func(state State, attempt int)

// Options bounds one Locate call.
type Options struct {
	MaxAttempts     int
	AttemptTimeout  time.Duration
	AttemptDelay    time.Duration
	AllowDuplicates bool
}

// DefaultOptions returns the retry budget the firmware host tests were tuned for.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    5,
		AttemptTimeout: 10 * time.Second,
	}
}

// Validate reports options that would make Locate meaningless.
func (o Options) Validate() error {
	switch {
	case o.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidOptions, o.MaxAttempts)
	case o.AttemptTimeout <= 0:
		return fmt.Errorf("%w: attempt timeout must be positive, got %v", ErrInvalidOptions, o.AttemptTimeout)
	case o.AttemptDelay < 0:
		return fmt.Errorf("%w: attempt delay must not be negative, got %v", ErrInvalidOptions, o.AttemptDelay)
	}
	return nil
}

// Sighting is a device observed while locating.
type Sighting struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// Result is the outcome of Locate. Device is set only when State is StateFound.
type Result struct {
	State    State
	Device   device.Advertisement
	Attempts int
	Seen     []Sighting
}

// Found reports whether the target was located.
func (r *Result) Found() bool {
	return r != nil && r.State == StateFound
}

// Locator runs scan cycles against one scanner. Callers serialise Locate
// calls that share a radio.
type Locator struct {
	scanner device.Scanner
	logger  *logrus.Logger
}

// New creates a Locator over scanner.
func New(scanner device.Scanner, logger *logrus.Logger) *Locator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Locator{scanner: scanner, logger: logger}
}

// Locate scans for an advertisement whose name equals target exactly. It
// stops at the first match. Exhausting every attempt is a normal outcome
// (StateNotFound, nil error); a failing scan primitive is a fault returned as
// *device.TransportError.
func (l *Locator) Locate(ctx context.Context, target string, opts Options, progress ProgressCallback) (*Result, error) {
	if progress == nil {
		progress = func(State, int) {}
	}
	if target == "" {
		return nil, fmt.Errorf("%w: target name is empty", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	seen := hashmap.New[string, device.Advertisement]()
	log := l.logger.WithFields(logrus.Fields{
		"target":       target,
		"max_attempts": opts.MaxAttempts,
		"timeout":      opts.AttemptTimeout,
	})
	progress(StateIdle, 0)

	result := &Result{State: StateIdle}
	finish := func(state State, attempt int) *Result {
		result.State = state
		result.Attempts = attempt
		result.Seen = sightings(seen)
		progress(state, attempt)
		return result
	}

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt > 1 && opts.AttemptDelay > 0 {
			if err := sleep(ctx, opts.AttemptDelay); err != nil {
				return finish(StateFault, attempt-1), err
			}
		}

		progress(StateScanning, attempt)
		log.WithField("attempt", attempt).Debug("Scanning for device...")

		match, err := l.scanOnce(ctx, target, opts, seen)
		if match != nil {
			result.Device = match
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"address": match.Addr(),
				"rssi":    match.RSSI(),
			}).Info("Device located")
			return finish(StateFound, attempt), nil
		}
		if err != nil {
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   err,
			}).Error("Scan failed")
			return finish(StateFault, attempt), err
		}
	}

	log.WithField("devices_seen", seen.Len()).Info("Device not found")
	return finish(StateNotFound, opts.MaxAttempts), nil
}

// scanOnce runs one bounded scan cycle. A match wins over whatever error the
// scanner reports after the cycle was cut short.
func (l *Locator) scanOnce(ctx context.Context, target string, opts Options, seen *hashmap.Map[string, device.Advertisement]) (device.Advertisement, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.AttemptTimeout)
	defer cancel()

	var (
		mu    sync.Mutex
		match device.Advertisement
	)
	err := l.scanner.Scan(attemptCtx, opts.AllowDuplicates, func(adv device.Advertisement) {
		if _, existing := seen.GetOrInsert(adv.Addr(), adv); !existing {
			l.logger.WithFields(logrus.Fields{
				"device":  adv.LocalName(),
				"address": adv.Addr(),
				"rssi":    adv.RSSI(),
			}).Debug("Discovered new device")
		}
		if adv.LocalName() != target {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if match == nil {
			match = adv
			cancel()
		}
	})

	mu.Lock()
	defer mu.Unlock()
	switch {
	case match != nil:
		return match, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err == nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, nil
	default:
		return nil, device.Transport("scan", err)
	}
}

func sightings(seen *hashmap.Map[string, device.Advertisement]) []Sighting {
	result := make([]Sighting, 0, seen.Len())
	seen.Range(func(addr string, adv device.Advertisement) bool {
		result = append(result, Sighting{Name: adv.LocalName(), Address: addr, RSSI: adv.RSSI()})
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		return result[i].Address < result[j].Address
	})
	return result
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
