package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/groutine"
)

var (
	// ErrBusy is returned by Submit when the queue is full.
	ErrBusy = errors.New("radio queue is full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Job is one unit of radio work.
type Job struct {
	Name string
	Run  func(ctx context.Context)
}

// Dispatcher runs jobs one at a time on a single background worker so that
// the event reader never blocks on the radio. Jobs beyond the queue capacity
// are rejected, never run in parallel.
type Dispatcher struct {
	jobs   chan Job
	logger *logrus.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the worker. Jobs receive ctx.
func NewDispatcher(ctx context.Context, capacity int, logger *logrus.Logger) *Dispatcher {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	d := &Dispatcher{
		jobs:   make(chan Job, capacity),
		logger: logger,
		done:   make(chan struct{}),
	}
	groutine.Go(ctx, "radio-dispatcher", d.work)
	return d
}

func (d *Dispatcher) work(ctx context.Context) {
	defer close(d.done)
	for job := range d.jobs {
		d.run(ctx, job)
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"job":   job.Name,
				"panic": r,
			}).Error("Radio job panicked")
		}
	}()
	job.Run(ctx)
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w: %s rejected", ErrBusy, job.Name)
	}
}

// Close stops accepting jobs and waits until the queued ones have run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	<-d.done
}
