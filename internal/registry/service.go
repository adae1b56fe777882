package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultWriteTimeout bounds a single snapshot write.
const DefaultWriteTimeout = 10 * time.Second

// SnapshotWriter is the external sink rendered snapshots are written to.
type SnapshotWriter interface {
	Write(ctx context.Context, snap Snapshot) error
}

// Broadcaster receives every published snapshot, e.g. to push it to live clients.
type Broadcaster interface {
	Publish(snap Snapshot)
}

// HeartbeatResult is what a transcoder learns from its heartbeat.
type HeartbeatResult struct {
	Transcoder Transcoder
	Created    bool
	Streams    []Stream
}

// Service ties the Registry to its collaborators: poll results and heartbeats
// go in, rendered snapshots go out to the sink and broadcaster.
type Service struct {
	reg  *Registry
	sink SnapshotWriter
	feed Broadcaster
	log  *slog.Logger
	now  func() time.Time

	writeTimeout time.Duration
	flight       singleflight.Group
}

// NewService returns a Service around reg. sink may be nil, in which case
// snapshots are only rendered and broadcast.
func NewService(reg *Registry, sink SnapshotWriter, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{
		reg:  reg,
		sink: sink,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },

		writeTimeout: DefaultWriteTimeout,
	}
}

// SetBroadcaster installs b as the receiver of published snapshots.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.feed = b
}

// Registry returns the underlying registry.
func (s *Service) Registry() *Registry {
	return s.reg
}

// Heartbeat records tc as alive, hands it unclaimed streams, and publishes
// the resulting state. A failing sink is reported after the registry was
// updated; the heartbeat itself is not rolled back.
func (s *Service) Heartbeat(ctx context.Context, tc Transcoder) (HeartbeatResult, error) {
	stored, created, err := s.reg.UpsertTranscoder(tc, s.now())
	if err != nil {
		return HeartbeatResult{}, err
	}
	if created {
		s.log.Info("transcoder registered", slog.String("transcoder", stored.Name), slog.String("title", stored.Title))
	}
	s.logAssignments(s.reg.AssignUnclaimed())

	res := HeartbeatResult{
		Transcoder: stored,
		Created:    created,
		Streams:    s.reg.StreamsOf(stored.Name),
	}
	if err := s.Publish(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// Reconcile merges one poll cycle's results into the registry and publishes
// whenever a stream was seen, so refreshed timestamps reach the sink.
func (s *Service) Reconcile(ctx context.Context, ids []StreamID) ReconcileResult {
	res := s.reg.Reconcile(ids, s.now())
	assigned := s.reg.AssignUnclaimed()
	s.logAssignments(assigned)

	if res.Added > 0 || res.Refreshed > 0 || len(assigned) > 0 {
		if err := s.Publish(ctx); err != nil {
			s.log.Error("publish after reconcile failed", slog.String("error", err.Error()))
		}
	}
	return res
}

// Assign points a stream at a transcoder and publishes the new state.
func (s *Service) Assign(ctx context.Context, id StreamID, name string) error {
	if err := s.reg.Assign(id, name); err != nil {
		return err
	}
	s.log.Info("stream assigned", slog.String("stream", id.String()), slog.String("transcoder", name))
	return s.Publish(ctx)
}

// Swept reacts to a sweep that changed the registry: streams orphaned by a
// removed transcoder are handed to the remaining ones and the new state is
// published.
func (s *Service) Swept(ctx context.Context, res SweepResult) {
	reassigned := s.reg.AssignUnclaimed()
	s.logAssignments(reassigned)
	if len(res.Unassigned) > 0 {
		s.log.Info("orphaned streams reassigned",
			slog.Int("orphaned", len(res.Unassigned)),
			slog.Int("reassigned", len(reassigned)))
	}
	if err := s.Publish(ctx); err != nil {
		s.log.Error("publish after sweep failed", slog.String("error", err.Error()))
	}
}

// Snapshot renders the current state.
func (s *Service) Snapshot() Snapshot {
	return s.reg.Render(s.now())
}

// Publish renders the registry and writes it to the sink and broadcaster.
// Concurrent calls share one write, which runs detached from the caller that
// started it and is bounded by the service's write timeout. A caller that
// joined a write already in flight writes once more, since that render may
// predate its own update.
func (s *Service) Publish(ctx context.Context) error {
	joined := true
	_, err, _ := s.flight.Do("publish", func() (interface{}, error) {
		joined = false
		return nil, s.publishDetached(ctx)
	})
	if !joined {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err, _ = s.flight.Do("publish", func() (interface{}, error) {
		return nil, s.publishDetached(ctx)
	})
	return err
}

// Restore loads a previously persisted snapshot into the registry.
func (s *Service) Restore(snap Snapshot) {
	s.reg.Restore(snap)
	streams, transcoders := s.reg.Counts()
	s.log.Info("registry restored",
		slog.Int("streams", streams),
		slog.Int("transcoders", transcoders),
		slog.Time("generated_at", snap.GeneratedAt))
}

// publishDetached runs publish under a context that outlives the caller's
// cancellation but keeps its values.
func (s *Service) publishDetached(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	return s.publish(wctx)
}

func (s *Service) publish(ctx context.Context) error {
	snap := s.reg.Render(s.now())
	if s.feed != nil {
		s.feed.Publish(snap)
	}
	if s.sink == nil {
		return nil
	}
	if err := s.sink.Write(ctx, snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *Service) logAssignments(assigned []Assignment) {
	for _, a := range assigned {
		s.log.Info("stream assigned",
			slog.String("stream", a.Stream.String()),
			slog.String("transcoder", a.Transcoder))
	}
}
