package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"quota-backend/pkg/ratelimit"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Source is what the sweeper needs from the rate limiter. *ratelimit.Engine satisfies it.
type Source interface {
	Store() ratelimit.CounterStore
	Bans() ratelimit.BanRegistry
	Retention() time.Duration
	Now() time.Time
}

// Report summarizes one sweep
type Report struct {
	Cutoff  time.Time
	Records int64
	Bans    int64
}

// Sweeper periodically deletes counter records older than the retention horizon and
// expired bans. Records it deletes are outside every live window, so it never changes a
// decision.
type Sweeper struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger

	swept    *prometheus.CounterVec
	failures prometheus.Counter

	stopOnce sync.Once
	stopChan chan struct{}
}

func NewSweeper(source Source, interval time.Duration, logger *slog.Logger, reg prometheus.Registerer) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s := &Sweeper{
		source:   source,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_swept_total",
			Help: "Counter records and bans deleted by the retention sweeper.",
		}, []string{"kind"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quota_sweep_failures_total",
			Help: "Sweeps that failed to complete.",
		}),
		stopChan: make(chan struct{}),
	}
	if reg != nil {
		reg.MustRegister(s.swept, s.failures)
	}
	return s
}

// Start sweeps immediately and then every interval until ctx is done or Stop is called
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("starting retention sweeper", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("stopping retention sweeper")
			return
		case <-s.stopChan:
			s.logger.Info("stopping retention sweeper")
			return
		}
	}
}

// Stop stops the sweeper. It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// RunOnce purges records and bans concurrently
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	now := s.source.Now()
	report := Report{Cutoff: now.Add(-s.source.Retention())}

	g, gctx := errgroup.WithContext(ctx)
	if store := s.source.Store(); store != nil {
		g.Go(func() error {
			n, err := store.PurgeOlderThan(gctx, report.Cutoff)
			report.Records = n
			return err
		})
	}
	if bans := s.source.Bans(); bans != nil {
		g.Go(func() error {
			n, err := bans.PurgeExpired(gctx, now)
			report.Bans = n
			return err
		})
	}
	err := g.Wait()

	s.swept.WithLabelValues("records").Add(float64(report.Records))
	s.swept.WithLabelValues("bans").Add(float64(report.Bans))
	return report, err
}

func (s *Sweeper) sweep(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		s.failures.Inc()
		s.logger.Error("retention sweep failed", "error", err,
			"records", report.Records, "bans", report.Bans)
		return
	}
	if report.Records > 0 || report.Bans > 0 {
		s.logger.Info("retention sweep complete", "cutoff", report.Cutoff,
			"records", report.Records, "bans", report.Bans)
	}
}
