package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"quota-backend/pkg/ratelimit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(store *ratelimit.MemoryStore, now *time.Time) *ratelimit.Engine {
	return ratelimit.NewEngine(store, store, ratelimit.DefaultRegistry(), ratelimit.DefaultConfig(),
		ratelimit.WithClock(func() time.Time { return *now }))
}

func TestSweeper_RetentionCorrectness(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	now := start
	engine := newEngine(store, &now)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := engine.CheckAPILimit(ctx, "user-1", ratelimit.TierFree)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	before, err := engine.CheckAPILimit(ctx, "user-1", ratelimit.TierFree)
	require.NoError(t, err)

	sweeper := NewSweeper(engine, time.Minute, nil, nil)
	report, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Records)

	// decisions are the same with or without a sweep
	after, err := engine.CheckAPILimit(ctx, "user-1", ratelimit.TierFree)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	now = start.Add(24*time.Hour + time.Nanosecond)
	report, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), report.Records, "ten admissions in three windows")
	assert.Equal(t, start.Add(time.Nanosecond), report.Cutoff)
}

func TestSweeper_KeepsRecordsInsideLargestWindow(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	now := start
	engine := newEngine(store, &now)
	ctx := context.Background()

	_, err := engine.CheckAPILimit(ctx, "user-1", ratelimit.TierFree)
	require.NoError(t, err)

	now = start.Add(24 * time.Hour)
	report, err := NewSweeper(engine, time.Minute, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Records, "record on the day window edge is still live")

	u, err := store.Count(ctx, "user-1", ratelimit.CategoryAPI, "day", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, u.Count)
}

func TestSweeper_AdhocIPWindowExtendsRetention(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	now := start
	engine := newEngine(store, &now)
	ctx := context.Background()

	_, err := engine.CheckIPLimit(ctx, "198.51.100.1", 10, 48*time.Hour)
	require.NoError(t, err)

	now = start.Add(30 * time.Hour)
	report, err := NewSweeper(engine, time.Minute, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Records)
}

func TestSweeper_OversizedAdhocWindowDoesNotStallPurges(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	now := start
	engine := newEngine(store, &now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.CheckAPILimit(ctx, "user-1", ratelimit.TierFree)
		require.NoError(t, err)
	}
	_, err := engine.CheckIPLimit(ctx, "198.51.100.7", 1, time.Duration(5_000_000_000)*time.Second)
	require.ErrorIs(t, err, ratelimit.ErrInvalidLimit)

	now = start.Add(48 * time.Hour)
	report, err := NewSweeper(engine, time.Minute, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, start.Add(24*time.Hour), report.Cutoff)
	assert.Equal(t, int64(9), report.Records, "three admissions in three windows")

	u, err := store.Count(ctx, "user-1", ratelimit.CategoryAPI, "minute", start.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, u.Count)
}

func TestSweeper_PurgesExpiredBans(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	now := start
	engine := newEngine(store, &now)
	ctx := context.Background()

	_, err := engine.Ban(ctx, "user-1", time.Minute, "abuse")
	require.NoError(t, err)
	_, err = engine.Ban(ctx, "user-2", time.Hour, "abuse")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	sweeper := NewSweeper(engine, time.Minute, nil, reg)

	now = start.Add(time.Minute)
	report, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Bans)
	assert.Equal(t, float64(1), testutil.ToFloat64(sweeper.swept.WithLabelValues("bans")))

	banned, err := engine.IsBanned(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, banned)
}

type brokenStore struct{ *ratelimit.MemoryStore }

func (brokenStore) PurgeOlderThan(context.Context, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestSweeper_ReportsFailures(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	now := start
	engine := ratelimit.NewEngine(brokenStore{store}, store, nil, nil,
		ratelimit.WithClock(func() time.Time { return now }))

	sweeper := NewSweeper(engine, time.Minute, nil, nil)
	_, err := sweeper.RunOnce(context.Background())
	assert.Error(t, err)

	sweeper.sweep(context.Background())
	assert.Equal(t, float64(1), testutil.ToFloat64(sweeper.failures))
}

func TestSweeper_StartStop(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	now := start
	engine := newEngine(store, &now)

	sweeper := NewSweeper(engine, 10*time.Millisecond, nil, nil)
	done := make(chan struct{})
	go func() {
		sweeper.Start(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
	sweeper.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_StopsWithContext(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	now := start
	engine := newEngine(store, &now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(engine, time.Hour, nil, nil).Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
