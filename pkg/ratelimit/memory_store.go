package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements CounterStore, AtomicCounterStore and BanRegistry in process.
// It is exact but only correct for a single instance.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey][]time.Time // sorted ascending
	bans    map[string]Ban
}

type recordKey struct {
	identifier string
	category   Category
	window     string
}

var (
	_ AtomicCounterStore = (*MemoryStore)(nil)
	_ BanRegistry        = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey][]time.Time),
		bans:    make(map[string]Ban),
	}
}

func (m *MemoryStore) Mode() ConsistencyMode { return ModeExact }

// Count returns the usage of a window since the given time
func (m *MemoryStore) Count(_ context.Context, identifier string, category Category, window string, since time.Time) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.usage(recordKey{identifier, category, window}, since), nil
}

// Append records one admission against every window
func (m *MemoryStore) Append(_ context.Context, identifier string, category Category, windows []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range windows {
		m.insert(recordKey{identifier, category, w}, at)
	}
	return nil
}

// Admit checks every window and records the admission under one lock
func (m *MemoryStore) Admit(_ context.Context, identifier string, category Category, windows []Window, at time.Time) (Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	adm := Admission{Usages: make([]Usage, 0, len(windows))}
	for i, w := range windows {
		u := m.usage(recordKey{identifier, category, w.Name}, at.Add(-w.Duration))
		adm.Usages = append(adm.Usages, u)
		if u.Count >= w.Limit {
			adm.Denied = i
			return adm, nil
		}
	}

	for _, w := range windows {
		m.insert(recordKey{identifier, category, w.Name}, at)
	}
	adm.Allowed = true
	return adm, nil
}

// PurgeOlderThan removes records before cutoff
func (m *MemoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for key, ts := range m.records {
		idx := firstAtOrAfter(ts, cutoff)
		if idx == 0 {
			continue
		}
		purged += int64(idx)
		if idx == len(ts) {
			delete(m.records, key)
			continue
		}
		m.records[key] = append(ts[:0:0], ts[idx:]...)
	}
	return purged, nil
}

// Active returns the ban in force for identifier
func (m *MemoryStore) Active(_ context.Context, identifier string, now time.Time) (*Ban, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ban, ok := m.bans[identifier]
	if !ok || !ban.ActiveAt(now) {
		return nil, nil
	}
	return &ban, nil
}

// Put stores ban unless an equal-or-longer ban exists
func (m *MemoryStore) Put(_ context.Context, ban Ban) (Ban, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.bans[ban.Identifier]; ok && !existing.ExpiresAt.Before(ban.ExpiresAt) {
		return existing, nil
	}
	m.bans[ban.Identifier] = ban
	return ban, nil
}

// PurgeExpired removes bans that are no longer in force
func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, ban := range m.bans {
		if !ban.ActiveAt(now) {
			delete(m.bans, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) usage(key recordKey, since time.Time) Usage {
	ts := m.records[key]
	idx := firstAtOrAfter(ts, since)
	if idx == len(ts) {
		return Usage{}
	}
	return Usage{Count: len(ts) - idx, Oldest: ts[idx]}
}

func (m *MemoryStore) insert(key recordKey, at time.Time) {
	ts := m.records[key]
	// insert after any equal timestamps to keep order stable
	idx := sort.Search(len(ts), func(i int) bool { return ts[i].After(at) })
	ts = append(ts, time.Time{})
	copy(ts[idx+1:], ts[idx:])
	ts[idx] = at
	m.records[key] = ts
}

func firstAtOrAfter(ts []time.Time, t time.Time) int {
	return sort.Search(len(ts), func(i int) bool { return !ts[i].Before(t) })
}
