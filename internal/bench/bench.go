// Package bench drives an mcsg.Lock with a mix of queued and guest goroutines and checks that
// no two of them are ever inside the critical section at once.
package bench

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-mcsg/mcsg"
)

// Mode names the acquisition path a worker uses.
type Mode string

const (
	ModeQueued Mode = "queued"
	ModeGuest  Mode = "guest"
)

var (
	ErrExclusionViolated = errors.New("more than one holder inside the critical section")
	ErrInvalidConfig     = errors.New("invalid config")
)

// Config describes one workload.
type Config struct {
	Queued     int // goroutines acquiring through Lock/Unlock, one Node each
	Guests     int // goroutines acquiring through GLock/GUnlock
	Iterations int // acquisitions per goroutine
	Work       int // increments performed while holding the lock
}

// Validate reports whether the workload can run.
func (c Config) Validate() error {
	switch {
	case c.Queued < 0 || c.Guests < 0:
		return errors.Wrap(ErrInvalidConfig, "goroutine counts must not be negative")
	case c.Queued+c.Guests == 0:
		return errors.Wrap(ErrInvalidConfig, "at least one queued or guest goroutine is required")
	case c.Iterations <= 0:
		return errors.Wrapf(ErrInvalidConfig, "iterations must be positive, got %d", c.Iterations)
	case c.Work < 0:
		return errors.Wrapf(ErrInvalidConfig, "work must not be negative, got %d", c.Work)
	}
	return nil
}

// Recorder receives the time each acquisition spent waiting for the lock.
type Recorder interface {
	Observe(mode Mode, wait time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Observe(Mode, time.Duration) {}

// Result summarizes a finished workload.
type Result struct {
	Queued  uint64
	Guest   uint64
	Elapsed time.Duration
}

// Total returns the number of acquisitions across both modes.
func (r Result) Total() uint64 { return r.Queued + r.Guest }

// Throughput returns acquisitions per second.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Total()) / r.Elapsed.Seconds()
}

type runner struct {
	lock      *mcsg.Lock
	cfg       Config
	rec       Recorder
	occupancy atomic.Int32
	queued    atomic.Uint64
	guest     atomic.Uint64
	shared    uint64 // guarded by lock
}

// Run executes cfg against lock. It stops early when ctx is done or when mutual exclusion is
// violated. rec may be nil.
func Run(ctx context.Context, lock *mcsg.Lock, cfg Config, rec Recorder) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if rec == nil {
		rec = nopRecorder{}
	}

	r := &runner{lock: lock, cfg: cfg, rec: rec}
	g, ctx := errgroup.WithContext(ctx)

	start := time.Now()
	for range cfg.Queued {
		node := mcsg.NewNode()
		g.Go(func() error {
			return r.loop(ctx, ModeQueued, func() { lock.Lock(node) }, func() { lock.Unlock(node) })
		})
	}
	for range cfg.Guests {
		g.Go(func() error {
			return r.loop(ctx, ModeGuest, lock.GLock, lock.GUnlock)
		})
	}
	err := g.Wait()

	res := Result{
		Queued:  r.queued.Load(),
		Guest:   r.guest.Load(),
		Elapsed: time.Since(start),
	}
	return res, err
}

func (r *runner) loop(ctx context.Context, mode Mode, acquire, release func()) error {
	counter := &r.queued
	if mode == ModeGuest {
		counter = &r.guest
	}

	for i := range r.cfg.Iterations {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "%s worker stopped after %d acquisitions", mode, i)
		}

		begin := time.Now()
		acquire()
		r.rec.Observe(mode, time.Since(begin))

		if n := r.occupancy.Add(1); n != 1 {
			r.occupancy.Add(-1)
			release()
			return errors.Wrapf(ErrExclusionViolated, "%s worker saw %d holders", mode, n)
		}
		for range r.cfg.Work {
			r.shared++
		}
		r.occupancy.Add(-1)
		release()

		counter.Add(1)
	}
	return nil
}
