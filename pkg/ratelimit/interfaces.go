package ratelimit

import (
	"context"
	"time"
)

// CounterStore defines the persistence contract for admission records
type CounterStore interface {
	// Count returns the number of records for the window with a timestamp at or after since.
	Count(ctx context.Context, identifier string, category Category, window string, since time.Time) (Usage, error)

	// Append records one admission against every listed window.
	Append(ctx context.Context, identifier string, category Category, windows []string, at time.Time) error

	// PurgeOlderThan deletes records with a timestamp before cutoff.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Mode() ConsistencyMode
}

// AtomicCounterStore is implemented by backends that can check and record in one step.
//
// Admit walks windows in the given order. The first window whose count has reached its
// limit denies the request and nothing is recorded. Otherwise the admission is recorded
// against every window.
type AtomicCounterStore interface {
	CounterStore
	Admit(ctx context.Context, identifier string, category Category, windows []Window, at time.Time) (Admission, error)
}

// BanRegistry stores temporary bans
type BanRegistry interface {
	// Active returns the ban in force at now, or nil.
	Active(ctx context.Context, identifier string, now time.Time) (*Ban, error)

	// Put stores ban unless an equal-or-longer ban already exists, in which case the
	// existing ban is returned unchanged.
	Put(ctx context.Context, ban Ban) (Ban, error)

	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// ConsistencyMode declares how a CounterStore handles concurrent check-then-record
type ConsistencyMode string

const (
	// ModeExact stores decide from a single atomic operation.
	ModeExact ConsistencyMode = "exact"
	// ModeApproximate stores read then write; concurrent racers can overshoot a limit
	// by at most the number of racers.
	ModeApproximate ConsistencyMode = "approximate"
)

// Usage is the state of one window at decision time
type Usage struct {
	Count  int       `json:"count"`
	Oldest time.Time `json:"oldest"`
}

// Admission is the outcome of AtomicCounterStore.Admit
type Admission struct {
	Allowed bool
	// Denied is the index of the violated window when Allowed is false.
	Denied int
	// Usages holds the pre-admission usage of each evaluated window.
	Usages []Usage
}

// RateLimiterStats provides statistics about rate limiting
type RateLimiterStats struct {
	TotalRequests    int64 `json:"totalRequests"`
	BlockedRequests  int64 `json:"blockedRequests"`
	BannedRequests   int64 `json:"bannedRequests"`
	DegradedRequests int64 `json:"degradedRequests"`
}
