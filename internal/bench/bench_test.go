package bench

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-mcsg/mcsg"
)

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		cfg     Config
		wantErr bool
	}{
		"QueuedOnly":     {cfg: Config{Queued: 1, Iterations: 1}},
		"GuestsOnly":     {cfg: Config{Guests: 1, Iterations: 1}},
		"WithWork":       {cfg: Config{Queued: 2, Guests: 2, Iterations: 10, Work: 100}},
		"NoGoroutines":   {cfg: Config{Iterations: 1}, wantErr: true},
		"NegativeQueued": {cfg: Config{Queued: -1, Guests: 2, Iterations: 1}, wantErr: true},
		"NegativeGuests": {cfg: Config{Guests: -3, Iterations: 1}, wantErr: true},
		"ZeroIterations": {cfg: Config{Queued: 1}, wantErr: true},
		"NegativeWork":   {cfg: Config{Queued: 1, Iterations: 1, Work: -1}, wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRunCountsEveryAcquisition(t *testing.T) {
	tests := map[string]struct {
		skipInShortMode bool
		cfg             Config
	}{
		"QueuedOnly": {cfg: Config{Queued: 8, Iterations: 200, Work: 10}},
		"GuestsOnly": {cfg: Config{Guests: 8, Iterations: 200, Work: 10}},
		"Mixed":      {cfg: Config{Queued: 4, Guests: 4, Iterations: 500, Work: 10}},
		"Heavy":      {skipInShortMode: true, cfg: Config{Queued: 32, Guests: 32, Iterations: 2000, Work: 50}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if tt.skipInShortMode && testing.Short() {
				t.Skip("Skipping stress test in short mode")
			}

			lock := mcsg.NewLock()
			res, err := Run(context.Background(), lock, tt.cfg, nil)
			require.NoError(t, err)

			assert.Equal(t, uint64(tt.cfg.Queued*tt.cfg.Iterations), res.Queued)
			assert.Equal(t, uint64(tt.cfg.Guests*tt.cfg.Iterations), res.Guest)
			assert.Equal(t, res.Queued+res.Guest, res.Total())
			assert.True(t, res.Elapsed > 0)
			assert.True(t, lock.IsFree())
		})
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	_, err := Run(context.Background(), mcsg.NewLock(), Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lock := mcsg.NewLock()
	res, err := Run(ctx, lock, Config{Queued: 2, Guests: 2, Iterations: 100}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Total())
	assert.True(t, lock.IsFree())
}

func TestRunDetectsExclusionViolation(t *testing.T) {
	// Drive the runner directly with an acquire path that never excludes anyone.
	r := &runner{cfg: Config{Iterations: 1}, rec: nopRecorder{}}
	r.occupancy.Add(1)

	err := r.loop(context.Background(), ModeGuest, func() {}, func() {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExclusionViolated))
	assert.Equal(t, int32(1), r.occupancy.Load())
	assert.Zero(t, r.guest.Load())
}

func TestResultThroughput(t *testing.T) {
	assert.Zero(t, Result{Queued: 10}.Throughput())
	assert.InDelta(t, 20.0, Result{Queued: 10, Guest: 30, Elapsed: 2 * time.Second}.Throughput(), 1e-9)
}

type recordingRecorder struct {
	mu     sync.Mutex
	counts map[Mode]int
}

func (r *recordingRecorder) Observe(mode Mode, wait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[Mode]int)
	}
	r.counts[mode]++
}

func TestRunReportsToRecorder(t *testing.T) {
	rec := &recordingRecorder{}
	cfg := Config{Queued: 3, Guests: 2, Iterations: 50}

	_, err := Run(context.Background(), mcsg.NewLock(), cfg, rec)
	require.NoError(t, err)

	assert.Equal(t, 150, rec.counts[ModeQueued])
	assert.Equal(t, 100, rec.counts[ModeGuest])
}

func TestPromRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPromRecorder(reg, "mcsg")
	require.NoError(t, err)

	cfg := Config{Queued: 2, Guests: 3, Iterations: 40}
	_, err = Run(context.Background(), mcsg.NewLock(), cfg, rec)
	require.NoError(t, err)

	assert.Equal(t, float64(80), testutil.ToFloat64(rec.acquisitions.WithLabelValues(string(ModeQueued))))
	assert.Equal(t, float64(120), testutil.ToFloat64(rec.acquisitions.WithLabelValues(string(ModeGuest))))
	assert.Equal(t, 2, testutil.CollectAndCount(rec.waits))

	_, err = NewPromRecorder(reg, "mcsg")
	assert.Error(t, err, "registering the same collectors twice should fail")
}
