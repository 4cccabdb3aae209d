package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errBackendDown = errors.New("connection refused")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// approximateStore hides MemoryStore.Admit so the engine takes the read-then-write path.
// beforeAppend, if set, runs between the last count and the append.
type approximateStore struct {
	inner        *MemoryStore
	beforeAppend func()
}

func (s *approximateStore) Count(ctx context.Context, identifier string, category Category, window string, since time.Time) (Usage, error) {
	return s.inner.Count(ctx, identifier, category, window, since)
}

func (s *approximateStore) Append(ctx context.Context, identifier string, category Category, windows []string, at time.Time) error {
	if s.beforeAppend != nil {
		hook := s.beforeAppend
		s.beforeAppend = nil
		hook()
	}
	return s.inner.Append(ctx, identifier, category, windows, at)
}

func (s *approximateStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.inner.PurgeOlderThan(ctx, cutoff)
}

func (s *approximateStore) Mode() ConsistencyMode { return ModeApproximate }

type failingStore struct{}

func (failingStore) Count(context.Context, string, Category, string, time.Time) (Usage, error) {
	return Usage{}, errBackendDown
}

func (failingStore) Append(context.Context, string, Category, []string, time.Time) error {
	return errBackendDown
}

func (failingStore) PurgeOlderThan(context.Context, time.Time) (int64, error) {
	return 0, errBackendDown
}

func (failingStore) Mode() ConsistencyMode { return ModeApproximate }

type failingBans struct{}

func (failingBans) Active(context.Context, string, time.Time) (*Ban, error) {
	return nil, errBackendDown
}

func (failingBans) Put(context.Context, Ban) (Ban, error) { return Ban{}, errBackendDown }

func (failingBans) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, errBackendDown
}

// slowStore blocks until the context is done
type slowStore struct{ failingStore }

func (slowStore) Count(ctx context.Context, _ string, _ Category, _ string, _ time.Time) (Usage, error) {
	<-ctx.Done()
	return Usage{}, ctx.Err()
}

func newTestEngine(store CounterStore, bans BanRegistry, clock *fakeClock, opts ...func(*Config)) *Engine {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return NewEngine(store, bans, DefaultRegistry(), cfg, WithClock(clock.Now))
}

func singleWindowRegistry(limit int) *Registry {
	policies := DefaultPolicies()
	policies[TierFree][CategoryAPI] = []Window{{Name: "minute", Duration: time.Minute, Limit: limit}}
	r, err := NewRegistry(policies, TierFree)
	if err != nil {
		panic(err)
	}
	return r
}
