package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// AutoBanReason is the reason recorded on bans created by abuse detection
const AutoBanReason = "automatic: repeated limit violations"

// degradedRetryAfter is suggested to callers denied because the store was unavailable.
const degradedRetryAfter = 5 * time.Second

const violationWindow = "abuse"

// Engine decides admissions against the policy registry, the counter store and the ban
// registry. It is safe for concurrent use.
type Engine struct {
	store    CounterStore
	atomic   AtomicCounterStore
	bans     BanRegistry
	registry *Registry
	config   *Config
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	// throttles warnings that can fire on every request during an incident
	warnLimiter *rate.Limiter

	totalRequests    atomic.Int64
	blockedRequests  atomic.Int64
	bannedRequests   atomic.Int64
	degradedRequests atomic.Int64

	// largest ad-hoc IP window seen, in nanoseconds
	adhocWindow atomic.Int64
}

// Option configures an Engine
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. If store also implements AtomicCounterStore the engine
// admits in exact mode.
func NewEngine(store CounterStore, bans BanRegistry, registry *Registry, config *Config, opts ...Option) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if registry == nil {
		registry = DefaultRegistry()
	}

	e := &Engine{
		store:       store,
		bans:        bans,
		registry:    registry,
		config:      config,
		logger:      slog.Default(),
		now:         time.Now,
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	if a, ok := store.(AtomicCounterStore); ok {
		e.atomic = a
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckAPILimit checks the api quota of identifier
func (e *Engine) CheckAPILimit(ctx context.Context, identifier string, tier Tier) (Result, error) {
	return e.Check(ctx, identifier, CategoryAPI, tier)
}

// CheckIntegrationLimit checks the quota of a named integration. Integrations without
// their own policy use the integration default but keep separate counters.
func (e *Engine) CheckIntegrationLimit(ctx context.Context, identifier, integration string, tier Tier) (Result, error) {
	return e.Check(ctx, identifier, IntegrationCategory(integration), tier)
}

// CheckWebhookLimit checks the webhook quota of identifier
func (e *Engine) CheckWebhookLimit(ctx context.Context, identifier string, tier Tier) (Result, error) {
	return e.Check(ctx, identifier, CategoryWebhook, tier)
}

// CheckIPLimit applies an ad-hoc single window limit to an IP address, independent of
// any tier. Bans are looked up under IPIdentifier(ipAddress).
func (e *Engine) CheckIPLimit(ctx context.Context, ipAddress string, maxRequests int, window time.Duration) (Result, error) {
	if maxRequests <= 0 || window <= 0 {
		return Result{}, fmt.Errorf("%w: %d requests per %s", ErrInvalidLimit, maxRequests, window)
	}
	if maxWindow := e.config.MaxAdhocWindow; maxWindow > 0 && window > maxWindow {
		return Result{}, fmt.Errorf("%w: window %s exceeds %s", ErrInvalidLimit, window, maxWindow)
	}
	if ipAddress == "" {
		return Result{}, ErrInvalidIdentifier
	}
	e.observeWindow(window)

	windows := []Window{{
		Name:     fmt.Sprintf("%ds", int64(window/time.Second)),
		Duration: window,
		Limit:    maxRequests,
	}}
	if window%time.Second != 0 {
		windows[0].Name = window.String()
	}
	return e.check(ctx, IPIdentifier(ipAddress), CategoryIP, windows)
}

// Check runs the tier policy for category against identifier
func (e *Engine) Check(ctx context.Context, identifier string, category Category, tier Tier) (Result, error) {
	if identifier == "" {
		return Result{}, ErrInvalidIdentifier
	}
	return e.check(ctx, identifier, category, e.registry.PolicyFor(tier, category))
}

func (e *Engine) check(ctx context.Context, identifier string, category Category, windows []Window) (Result, error) {
	now := e.now()
	if !e.config.Enabled {
		w := windows[len(windows)-1]
		return Result{Allowed: true, Remaining: w.Limit, Limit: w.Limit, ResetAt: now.Add(w.Duration), Window: w.Name}, nil
	}

	start := time.Now()
	e.totalRequests.Add(1)

	ban, err := e.activeBan(ctx, identifier, now)
	if err != nil {
		return e.degraded(category, windows, now, start, err)
	}
	if ban != nil {
		e.bannedRequests.Add(1)
		e.metrics.decision(category, "banned", e.Mode(), time.Since(start))
		return bannedResult(*ban, windows, now), nil
	}

	var res Result
	if e.atomic != nil {
		res, err = e.admitExact(ctx, identifier, category, windows, now)
	} else {
		res, err = e.admitApproximate(ctx, identifier, category, windows, now)
	}
	if err != nil {
		return e.degraded(category, windows, now, start, err)
	}

	outcome := "allowed"
	if !res.Allowed {
		outcome = "denied"
		e.blockedRequests.Add(1)
		e.recordViolation(ctx, identifier, now)
	}
	e.metrics.decision(category, outcome, e.Mode(), time.Since(start))
	return res, nil
}

func (e *Engine) admitExact(ctx context.Context, identifier string, category Category, windows []Window, now time.Time) (Result, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	adm, err := e.atomic.Admit(sctx, identifier, category, windows, now)
	if err != nil {
		e.metrics.storeError("admit")
		return Result{}, storeUnavailable("admit", err)
	}
	for _, u := range adm.Usages {
		e.checkSkew(u, now, identifier, category)
	}
	if !adm.Allowed {
		return deniedResult(windows[adm.Denied], adm.Usages[adm.Denied], now), nil
	}
	return allowedResult(windows, adm.Usages, now), nil
}

// admitApproximate reads every window then appends. Concurrent callers can both pass
// the last free slot; detectOvershoot reports it afterwards.
func (e *Engine) admitApproximate(ctx context.Context, identifier string, category Category, windows []Window, now time.Time) (Result, error) {
	usages := make([]Usage, 0, len(windows))
	for _, w := range windows {
		u, err := e.count(ctx, identifier, category, w, now)
		if err != nil {
			return Result{}, err
		}
		usages = append(usages, u)
		if u.Count >= w.Limit {
			return deniedResult(w, u, now), nil
		}
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	if err := e.store.Append(sctx, identifier, category, windowNames(windows), now); err != nil {
		e.metrics.storeError("append")
		return Result{}, storeUnavailable("append", err)
	}

	e.detectOvershoot(ctx, identifier, category, windows, now)
	return allowedResult(windows, usages, now), nil
}

func (e *Engine) count(ctx context.Context, identifier string, category Category, w Window, now time.Time) (Usage, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	u, err := e.store.Count(sctx, identifier, category, w.Name, now.Add(-w.Duration))
	if err != nil {
		e.metrics.storeError("count")
		return Usage{}, storeUnavailable("count", err)
	}
	e.checkSkew(u, now, identifier, category)
	return u, nil
}

func (e *Engine) detectOvershoot(ctx context.Context, identifier string, category Category, windows []Window, now time.Time) {
	for _, w := range windows {
		u, err := e.count(ctx, identifier, category, w, now)
		if err != nil {
			e.logger.Debug("overshoot recount failed", "identifier", identifier, "category", category, "error", err)
			return
		}
		if u.Count > w.Limit {
			e.metrics.overshoot(category)
			e.warn("rate limit overshoot detected",
				"identifier", identifier, "category", category, "window", w.Name,
				"count", u.Count, "limit", w.Limit, "mode", ModeApproximate)
		}
	}
}

func (e *Engine) checkSkew(u Usage, now time.Time, identifier string, category Category) {
	if u.Count > 0 && u.Oldest.After(now) {
		e.warn("counter record newer than engine clock, check for clock skew",
			"identifier", identifier, "category", category,
			"record", u.Oldest, "now", now)
	}
}

func (e *Engine) activeBan(ctx context.Context, identifier string, now time.Time) (*Ban, error) {
	if e.bans == nil {
		return nil, nil
	}
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	ban, err := e.bans.Active(sctx, identifier, now)
	if err != nil {
		e.metrics.storeError("ban_lookup")
		return nil, storeUnavailable("ban lookup", err)
	}
	return ban, nil
}

func (e *Engine) degraded(category Category, windows []Window, now, start time.Time, err error) (Result, error) {
	e.degradedRequests.Add(1)

	w := windows[len(windows)-1]
	res := Result{Limit: w.Limit, Window: w.Name, Degraded: true}
	if e.config.failureMode(category) == FailOpen {
		res.Allowed = true
		res.ResetAt = now.Add(w.Duration)
		e.warn("rate limit store unavailable, failing open", "category", category, "error", err)
		e.metrics.decision(category, "degraded_open", e.Mode(), time.Since(start))
	} else {
		res.RetryAfter = degradedRetryAfter
		res.ResetAt = now.Add(degradedRetryAfter)
		e.blockedRequests.Add(1)
		e.warn("rate limit store unavailable, failing closed", "category", category, "error", err)
		e.metrics.decision(category, "degraded_closed", e.Mode(), time.Since(start))
	}
	return res, err
}

// recordViolation counts a quota denial and bans identifier once the configured
// threshold is reached within AutoBanWindow.
func (e *Engine) recordViolation(ctx context.Context, identifier string, now time.Time) {
	if !e.config.autoBanEnabled() {
		return
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	if err := e.store.Append(sctx, identifier, categoryViolation, []string{violationWindow}, now); err != nil {
		e.logger.Warn("failed to record violation", "identifier", identifier, "error", err)
		return
	}

	w := Window{Name: violationWindow, Duration: e.config.AutoBanWindow, Limit: e.config.AutoBanThreshold}
	u, err := e.count(ctx, identifier, categoryViolation, w, now)
	if err != nil {
		e.logger.Warn("failed to count violations", "identifier", identifier, "error", err)
		return
	}
	if u.Count < w.Limit {
		return
	}

	if _, err := e.ban(ctx, identifier, e.config.AutoBanDuration, AutoBanReason, "automatic"); err != nil {
		e.logger.Warn("automatic ban failed", "identifier", identifier, "error", err)
	}
}

// Ban denies every request from identifier for duration. Banning an identifier that
// already has an equal or longer ban keeps the existing ban; a longer ban replaces it.
func (e *Engine) Ban(ctx context.Context, identifier string, duration time.Duration, reason string) (Ban, error) {
	return e.ban(ctx, identifier, duration, reason, "manual")
}

func (e *Engine) ban(ctx context.Context, identifier string, duration time.Duration, reason, source string) (Ban, error) {
	if identifier == "" {
		return Ban{}, ErrInvalidIdentifier
	}
	if duration <= 0 {
		return Ban{}, ErrInvalidBan
	}
	if e.bans == nil {
		return Ban{}, storeUnavailable("ban", fmt.Errorf("no ban registry configured"))
	}

	// stores keep millisecond precision
	now := e.now().Truncate(time.Millisecond)
	requested := Ban{
		Identifier: identifier,
		Reason:     reason,
		CreatedAt:  now,
		ExpiresAt:  now.Add(duration),
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	stored, err := e.bans.Put(sctx, requested)
	if err != nil {
		e.metrics.storeError("ban")
		return Ban{}, storeUnavailable("ban", err)
	}

	if stored.ExpiresAt.Equal(requested.ExpiresAt) && stored.Reason == requested.Reason {
		e.metrics.ban(source)
		e.logger.Info("identifier banned", "identifier", identifier, "reason", reason,
			"expires_at", stored.ExpiresAt, "source", source)
	} else {
		e.logger.Debug("existing ban kept", "identifier", identifier, "expires_at", stored.ExpiresAt)
	}
	return stored, nil
}

// IsBanned reports whether identifier has a ban in force
func (e *Engine) IsBanned(ctx context.Context, identifier string) (bool, error) {
	ban, err := e.ActiveBan(ctx, identifier)
	return ban != nil, err
}

// ActiveBan returns the ban in force for identifier, or nil
func (e *Engine) ActiveBan(ctx context.Context, identifier string) (*Ban, error) {
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}
	return e.activeBan(ctx, identifier, e.now())
}

// Retention is the age after which counter records no longer affect any decision
func (e *Engine) Retention() time.Duration {
	d := e.registry.MaxWindow()
	if adhoc := time.Duration(e.adhocWindow.Load()); adhoc > d {
		d = adhoc
	}
	if e.config.autoBanEnabled() && e.config.AutoBanWindow > d {
		d = e.config.AutoBanWindow
	}
	return d
}

// observeWindow widens Retention for ad-hoc windows configured outside the registry.
// CheckIPLimit has already bounded window by MaxAdhocWindow.
func (e *Engine) observeWindow(window time.Duration) {
	for {
		cur := e.adhocWindow.Load()
		if int64(window) <= cur || e.adhocWindow.CompareAndSwap(cur, int64(window)) {
			return
		}
	}
}

// Mode reports the consistency mode the engine admits with
func (e *Engine) Mode() ConsistencyMode {
	if e.atomic != nil {
		return e.atomic.Mode()
	}
	if e.store == nil {
		return ModeApproximate
	}
	return e.store.Mode()
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Store() CounterStore { return e.store }

func (e *Engine) Bans() BanRegistry { return e.bans }

func (e *Engine) Now() time.Time { return e.now() }

// GetStats returns current engine statistics
func (e *Engine) GetStats() RateLimiterStats {
	return RateLimiterStats{
		TotalRequests:    e.totalRequests.Load(),
		BlockedRequests:  e.blockedRequests.Load(),
		BannedRequests:   e.bannedRequests.Load(),
		DegradedRequests: e.degradedRequests.Load(),
	}
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.config.StoreTimeout)
}

func (e *Engine) warn(msg string, args ...any) {
	if e.warnLimiter.Allow() {
		e.logger.Warn(msg, args...)
	}
}

func bannedResult(ban Ban, windows []Window, now time.Time) Result {
	return Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      windows[0].Limit,
		ResetAt:    ban.ExpiresAt,
		RetryAfter: ban.ExpiresAt.Sub(now),
		Window:     "ban",
		Banned:     true,
	}
}

func deniedResult(w Window, u Usage, now time.Time) Result {
	resetAt := resetTime(w, u, now)
	retryAfter := resetAt.Sub(now)
	if retryAfter <= 0 {
		// the oldest record sits exactly on the window edge and ages out next instant
		retryAfter = time.Millisecond
	}
	return Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      w.Limit,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
		Window:     w.Name,
	}
}

// allowedResult reports the window with the fewest remaining requests, preferring the
// larger window on ties. usages are the counts before this admission.
func allowedResult(windows []Window, usages []Usage, now time.Time) Result {
	best, bestRemaining := 0, 0
	for i, w := range windows {
		remaining := max(0, w.Limit-usages[i].Count-1)
		if i == 0 || remaining <= bestRemaining {
			best, bestRemaining = i, remaining
		}
	}

	w := windows[best]
	return Result{
		Allowed:   true,
		Remaining: bestRemaining,
		Limit:     w.Limit,
		ResetAt:   resetTime(w, usages[best], now),
		Window:    w.Name,
	}
}

// resetTime is when the oldest record in the window ages out
func resetTime(w Window, u Usage, now time.Time) time.Time {
	oldest := u.Oldest
	if u.Count == 0 || oldest.IsZero() {
		oldest = now
	}
	return oldest.Add(w.Duration)
}

func windowNames(windows []Window) []string {
	names := make([]string, len(windows))
	for i, w := range windows {
		names[i] = w.Name
	}
	return names
}
