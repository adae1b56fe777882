package registry

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultSweepInterval is how often stale entries are collected.
	DefaultSweepInterval = 10 * time.Second
	// DefaultStaleThreshold is how long an entry survives without a refresh.
	DefaultStaleThreshold = 60 * time.Second
)

// Sweeper removes stale registry entries on a fixed cadence, independently
// of how often backends are polled.
type Sweeper struct {
	reg       *Registry
	log       *slog.Logger
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time

	// OnSweep, when set, is called after every sweep that changed the registry.
	OnSweep func(SweepResult)
}

// NewSweeper returns a Sweeper for reg. Non-positive durations fall back to
// DefaultSweepInterval and DefaultStaleThreshold.
func NewSweeper(reg *Registry, log *slog.Logger, interval, threshold time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{
		reg:       reg,
		log:       log,
		interval:  interval,
		threshold: threshold,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one sweep at the current time.
func (s *Sweeper) Sweep() SweepResult {
	res := s.reg.RemoveStale(s.threshold, s.now())
	if healed := s.reg.Verify(); healed > 0 {
		s.log.Warn("sweep healed dangling references", slog.Int("count", healed))
	}
	if res.Empty() {
		return res
	}

	s.log.Info("stale entries removed",
		slog.Int("streams", len(res.Streams)),
		slog.Int("transcoders", len(res.Transcoders)),
		slog.Int("unassigned", len(res.Unassigned)))
	for _, id := range res.Streams {
		s.log.Debug("stream timed out", slog.String("stream", id.String()))
	}
	for _, name := range res.Transcoders {
		s.log.Debug("transcoder timed out", slog.String("transcoder", name))
	}
	if s.OnSweep != nil {
		s.OnSweep(res)
	}
	return res
}
