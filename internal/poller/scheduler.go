package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"stream-registry/internal/registry"

	"golang.org/x/sync/errgroup"
)

// DefaultInterval is the time between poll cycles.
const DefaultInterval = 5 * time.Second

// Reconciler merges discovered streams into the registry.
type Reconciler interface {
	Reconcile(ctx context.Context, ids []registry.StreamID) registry.ReconcileResult
}

// Observer is told about every poll. *metrics.Metrics satisfies it.
type Observer interface {
	ObservePoll(backend string, ok bool)
}

// Cycle is the outcome of polling every backend once.
type Cycle struct {
	Streams []registry.StreamID
	Failed  []*FetchError
}

// Scheduler polls all backends on a fixed interval and feeds the results to
// a Reconciler. A failing backend is logged and skipped for that cycle.
type Scheduler struct {
	pollers  []Poller
	rec      Reconciler
	log      *slog.Logger
	interval time.Duration
	timeout  time.Duration
	obs      Observer
}

// NewScheduler returns a Scheduler. Non-positive durations fall back to
// DefaultInterval and DefaultTimeout. rec may be nil when only Collect is used.
func NewScheduler(pollers []Poller, rec Reconciler, log *slog.Logger, interval, timeout time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		pollers:  pollers,
		rec:      rec,
		log:      log,
		interval: interval,
		timeout:  timeout,
	}
}

// SetObserver installs o to be told about every poll.
func (s *Scheduler) SetObserver(o Observer) {
	s.obs = o
}

// Run polls immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce polls every backend and reconciles the combined result in one step.
func (s *Scheduler) RunOnce(ctx context.Context) Cycle {
	c := s.Collect(ctx)
	if ctx.Err() != nil {
		return c
	}
	if s.rec != nil {
		res := s.rec.Reconcile(ctx, c.Streams)
		s.log.Debug("poll cycle reconciled",
			slog.Int("added", res.Added),
			slog.Int("refreshed", res.Refreshed),
			slog.Int("failed_backends", len(c.Failed)))
	}
	return c
}

// Collect polls every backend concurrently, each bounded by the timeout,
// without touching the registry.
func (s *Scheduler) Collect(ctx context.Context) Cycle {
	var (
		mu sync.Mutex
		c  Cycle
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.pollers {
		g.Go(func() error {
			b := p.Backend()
			pctx, cancel := context.WithTimeout(gctx, s.timeout)
			keys, err := p.Poll(pctx)
			cancel()

			if s.obs != nil {
				s.obs.ObservePoll(b.ID(), err == nil)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var fe *FetchError
				if !errors.As(err, &fe) {
					fe = &FetchError{Backend: b.ID(), Op: "poll", Err: err}
				}
				c.Failed = append(c.Failed, fe)
				s.log.Warn("backend poll failed",
					slog.String("backend", b.ID()),
					slog.String("error", fe.Error()))
				return nil
			}
			for _, key := range keys {
				c.Streams = append(c.Streams, registry.StreamID{Source: b.ID(), Key: key})
			}
			return nil
		})
	}
	_ = g.Wait()
	return c
}
