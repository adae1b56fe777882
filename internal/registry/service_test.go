package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSink keeps every snapshot written to it.
type recordingSink struct {
	mu    sync.Mutex
	snaps []Snapshot
	err   error
}

func (s *recordingSink) Write(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *recordingSink) last() (Snapshot, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		return Snapshot{}, 0
	}
	return s.snaps[len(s.snaps)-1], len(s.snaps)
}

type recordingFeed struct {
	n int
}

func (f *recordingFeed) Publish(Snapshot) { f.n++ }

func newTestService(sink SnapshotWriter) *Service {
	svc := NewService(New(nil), sink, nil)
	svc.now = func() time.Time { return at(100) }
	return svc
}

func TestService_Heartbeat_writes_snapshot(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(sink)
	feed := &recordingFeed{}
	svc.SetBroadcaster(feed)

	res, err := svc.Heartbeat(context.Background(), Transcoder{Name: "loop-transcoder", Title: "Loop"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !res.Created || res.Transcoder.Name != "loop-transcoder" {
		t.Errorf("unexpected result %+v", res)
	}

	snap, n := sink.last()
	if n != 1 {
		t.Fatalf("expected 1 snapshot written, got %d", n)
	}
	if len(snap.Transcoders) != 1 || !snap.Transcoders[0].LastUpdated.Equal(at(100)) {
		t.Errorf("snapshot does not contain heartbeat: %+v", snap.Transcoders)
	}
	if feed.n != 1 {
		t.Errorf("broadcaster should see the snapshot, got %d", feed.n)
	}
}

func TestService_Heartbeat_assigns_streams(t *testing.T) {
	svc := newTestService(nil)
	svc.Reconcile(context.Background(), []StreamID{{"icecast1", "sloop"}, {"icecast1", "tusker"}})

	res, err := svc.Heartbeat(context.Background(), Transcoder{Name: "t1", Capacity: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Streams) != 1 || res.Streams[0].Key != "sloop" {
		t.Errorf("expected t1 to receive sloop, got %+v", res.Streams)
	}
}

func TestService_Heartbeat_sink_failure(t *testing.T) {
	sink := &recordingSink{err: errors.New("read-only file system")}
	svc := newTestService(sink)

	_, err := svc.Heartbeat(context.Background(), Transcoder{Name: "t1"})
	if err == nil {
		t.Fatal("expected sink error")
	}
	if _, ok := svc.Registry().FindTranscoder("t1"); !ok {
		t.Error("registry should keep the heartbeat even if the sink failed")
	}
}

func TestService_Heartbeat_invalid(t *testing.T) {
	svc := newTestService(nil)
	if _, err := svc.Heartbeat(context.Background(), Transcoder{}); !errors.Is(err, ErrInvalidTranscoder) {
		t.Errorf("expected ErrInvalidTranscoder, got %v", err)
	}
}

func TestService_Reconcile_publishes_refreshes(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(sink)
	ctx := context.Background()

	svc.Reconcile(ctx, []StreamID{{"icecast1", "sloop"}})
	svc.now = func() time.Time { return at(130) }
	svc.Reconcile(ctx, []StreamID{{"icecast1", "sloop"}})

	snap, n := sink.last()
	if n != 2 {
		t.Fatalf("expected a write per cycle that saw streams, got %d", n)
	}
	if !snap.Streams[0].LastUpdated.Equal(at(130)) {
		t.Errorf("persisted lastUpdated = %v, want refreshed time", snap.Streams[0].LastUpdated)
	}

	svc.Reconcile(ctx, nil)
	if _, n := sink.last(); n != 2 {
		t.Errorf("empty cycle should not write, got %d writes", n)
	}
}

func TestService_Assign(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(sink)
	ctx := context.Background()
	svc.Registry().UpsertStream("s", "a", at(0))

	if err := svc.Assign(ctx, StreamID{"s", "a"}, "nobody"); !errors.Is(err, ErrTranscoderNotFound) {
		t.Errorf("expected ErrTranscoderNotFound, got %v", err)
	}
	svc.Registry().UpsertTranscoder(Transcoder{Name: "t1"}, at(0))
	if err := svc.Assign(ctx, StreamID{"s", "a"}, "t1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	snap, _ := sink.last()
	if len(snap.Streams) != 1 || snap.Streams[0].TranscoderRef != "t1" {
		t.Errorf("published snapshot missing assignment: %+v", snap.Streams)
	}
}

func TestService_Publish_concurrent(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(sink)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Publish(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if _, n := sink.last(); n == 0 || n > 40 {
		t.Errorf("unexpected number of writes %d", n)
	}
}

// blockingSink holds every write until release is closed or the write's
// context ends.
type blockingSink struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	writes int
}

func newBlockingSink() *blockingSink {
	return &blockingSink{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *blockingSink) Write(ctx context.Context, _ Snapshot) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return nil
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func TestService_Publish_survives_cancelled_starter(t *testing.T) {
	sink := newBlockingSink()
	svc := newTestService(sink)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() { leaderErr <- svc.Publish(leaderCtx) }()

	<-sink.started
	cancel()

	followerErr := make(chan error, 1)
	go func() { followerErr <- svc.Publish(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(sink.release)

	if err := <-followerErr; err != nil {
		t.Errorf("caller with live context got %v", err)
	}
	if err := <-leaderErr; err != nil {
		t.Errorf("write started by a cancelled caller should still complete, got %v", err)
	}
	if n := sink.count(); n < 1 || n > 2 {
		t.Errorf("expected 1 or 2 writes, got %d", n)
	}
}

func TestService_Publish_single_caller_writes_once(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(sink)

	if err := svc.Publish(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, n := sink.last(); n != 1 {
		t.Errorf("expected exactly one write, got %d", n)
	}
}

func TestService_Publish_write_timeout(t *testing.T) {
	sink := newBlockingSink()
	svc := newTestService(sink)
	svc.writeTimeout = 20 * time.Millisecond

	err := svc.Publish(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestService_Swept_reassigns_orphans(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(sink)
	reg := svc.Registry()

	reg.UpsertTranscoder(Transcoder{Name: "t1"}, at(0))
	reg.UpsertTranscoder(Transcoder{Name: "t2"}, at(90))
	reg.Reconcile([]StreamID{{"icecast1", "sloop"}, {"icecast1", "tusker"}}, at(90))
	for _, id := range []StreamID{{"icecast1", "sloop"}, {"icecast1", "tusker"}} {
		if err := reg.Assign(id, "t1"); err != nil {
			t.Fatal(err)
		}
	}

	res := reg.RemoveStale(60*time.Second, at(100))
	if len(res.Transcoders) != 1 || len(res.Unassigned) != 2 {
		t.Fatalf("unexpected sweep %+v", res)
	}
	svc.Swept(context.Background(), res)

	if got := reg.StreamsOf("t2"); len(got) != 2 {
		t.Errorf("expected both streams on t2, got %+v", got)
	}
	snap, n := sink.last()
	if n != 1 {
		t.Fatalf("expected one write after sweep, got %d", n)
	}
	for _, st := range snap.Streams {
		if st.TranscoderRef != "t2" {
			t.Errorf("persisted %s -> %q, want t2", st.ID(), st.TranscoderRef)
		}
	}
}
