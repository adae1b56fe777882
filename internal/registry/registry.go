package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry is the concurrency-safe table of known streams and transcoders.
// All mutations are serialized with a write lock; reads return copies taken
// under a read lock, so callers never observe a half-written entry.
type Registry struct {
	mu    sync.RWMutex
	store Store
	log   *slog.Logger

	// byTranscoder is the reverse index of TranscoderRef.
	byTranscoder map[string]map[StreamID]struct{}
}

// SweepResult lists the entries removed by RemoveStale.
type SweepResult struct {
	Streams     []StreamID
	Transcoders []string
	// Unassigned lists surviving streams whose transcoder was removed.
	Unassigned []StreamID
}

// Empty reports whether nothing was removed or unassigned.
func (r SweepResult) Empty() bool {
	return len(r.Streams) == 0 && len(r.Transcoders) == 0 && len(r.Unassigned) == 0
}

// ReconcileResult counts the effect of one Reconcile call.
type ReconcileResult struct {
	Added     int
	Refreshed int
}

// New constructs a Registry backed by an empty InMemoryStore.
func New(log *slog.Logger) *Registry {
	return NewWithStore(NewInMemoryStore(), log)
}

// NewWithStore constructs a Registry that uses the given Store. Existing
// store contents are indexed, and dangling transcoder references are cleared.
func NewWithStore(store Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &Registry{
		store:        store,
		log:          log,
		byTranscoder: make(map[string]map[StreamID]struct{}),
	}
	for _, st := range store.ListStreams() {
		if st.TranscoderRef != "" {
			r.indexLocked(st.ID(), st.TranscoderRef)
		}
	}
	r.healLocked()
	return r
}

// UpsertStream records a sighting of (source, key) at now. A new stream is
// created when the pair is unknown; otherwise its LastUpdated moves forward.
// Sightings older than the stored timestamp do not move it back.
func (r *Registry) UpsertStream(source, key string, now time.Time) (Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, created := r.upsertStreamLocked(StreamID{Source: source, Key: key}, now)
	return *st, created
}

// Reconcile upserts every id at now in a single atomic step. It never removes
// entries; expiry is left to RemoveStale.
func (r *Registry) Reconcile(ids []StreamID, now time.Time) ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res ReconcileResult
	for _, id := range ids {
		if id.Source == "" || id.Key == "" {
			continue
		}
		if _, created := r.upsertStreamLocked(id, now); created {
			res.Added++
		} else {
			res.Refreshed++
		}
	}
	return res
}

// UpsertTranscoder records a heartbeat from tc at now. The name must be set.
func (r *Registry) UpsertTranscoder(tc Transcoder, now time.Time) (Transcoder, bool, error) {
	if tc.Name == "" {
		return Transcoder{}, false, ErrInvalidTranscoder
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.store.GetTranscoder(tc.Name)
	if !ok {
		tc.LastUpdated = now
		stored := tc
		r.store.SetTranscoder(&stored)
		return stored, true, nil
	}

	existing.Title = tc.Title
	existing.Capacity = tc.Capacity
	if now.After(existing.LastUpdated) {
		existing.LastUpdated = now
	}
	return *existing, false, nil
}

// FindStream returns a copy of the stream identified by (source, key).
func (r *Registry) FindStream(source, key string) (Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.store.GetStream(StreamID{Source: source, Key: key})
	if !ok {
		return Stream{}, false
	}
	return *st, true
}

// FindTranscoder returns a copy of the named transcoder.
func (r *Registry) FindTranscoder(name string) (Transcoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tc, ok := r.store.GetTranscoder(name)
	if !ok {
		return Transcoder{}, false
	}
	return *tc, true
}

// StreamsOf returns the streams assigned to the named transcoder, sorted.
func (r *Registry) StreamsOf(name string) []Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stream, 0, len(r.byTranscoder[name]))
	for id := range r.byTranscoder[name] {
		if st, ok := r.store.GetStream(id); ok {
			out = append(out, *st)
		}
	}
	sortStreams(out)
	return out
}

// ListAll returns sorted copies of every stream and transcoder.
func (r *Registry) ListAll() ([]Stream, []Transcoder) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.listLocked()
}

// Counts returns the number of streams and transcoders. Used for metrics.
func (r *Registry) Counts() (streams, transcoders int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.store.ListStreams()), len(r.store.ListTranscoders())
}

// RemoveStale deletes every stream and transcoder whose LastUpdated is older
// than now-threshold. References to removed transcoders are cleared in the
// same critical section.
func (r *Registry) RemoveStale(threshold time.Duration, now time.Time) SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-threshold)
	var res SweepResult

	for _, st := range r.store.ListStreams() {
		if !st.LastUpdated.Before(cutoff) {
			continue
		}
		id := st.ID()
		r.unindexLocked(id, st.TranscoderRef)
		r.store.DeleteStream(id)
		res.Streams = append(res.Streams, id)
	}

	for _, tc := range r.store.ListTranscoders() {
		if !tc.LastUpdated.Before(cutoff) {
			continue
		}
		for id := range r.byTranscoder[tc.Name] {
			if st, ok := r.store.GetStream(id); ok {
				st.TranscoderRef = ""
				res.Unassigned = append(res.Unassigned, id)
			}
		}
		delete(r.byTranscoder, tc.Name)
		r.store.DeleteTranscoder(tc.Name)
		res.Transcoders = append(res.Transcoders, tc.Name)
	}

	sortIDs(res.Streams)
	sortIDs(res.Unassigned)
	sort.Strings(res.Transcoders)
	return res
}

// Assign points the stream at the named transcoder, replacing any previous
// assignment. Assigning a stream to the transcoder it already has is a no-op.
func (r *Registry) Assign(id StreamID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.store.GetStream(id)
	if !ok {
		return ErrStreamNotFound
	}
	tc, ok := r.store.GetTranscoder(name)
	if !ok {
		return ErrTranscoderNotFound
	}
	if st.TranscoderRef == name {
		return nil
	}
	if tc.Capacity > 0 && len(r.byTranscoder[name]) >= tc.Capacity {
		return ErrCapacity
	}

	r.unindexLocked(id, st.TranscoderRef)
	st.TranscoderRef = name
	r.indexLocked(id, name)
	return nil
}

// Unassign clears the stream's transcoder reference.
func (r *Registry) Unassign(id StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.store.GetStream(id)
	if !ok {
		return ErrStreamNotFound
	}
	r.unindexLocked(id, st.TranscoderRef)
	st.TranscoderRef = ""
	return nil
}

// Restore loads a previously rendered snapshot. Entries already present keep
// whichever LastUpdated is newer. References to transcoders missing from the
// snapshot are dropped.
func (r *Registry) Restore(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tc := range snap.Transcoders {
		if tc.Name == "" {
			continue
		}
		restored := tc
		if err := r.insertTranscoderLocked(&restored); err != nil {
			r.log.Debug("restore resolved conflict", slog.String("error", err.Error()))
			existing, _ := r.store.GetTranscoder(tc.Name)
			if tc.LastUpdated.After(existing.LastUpdated) {
				*existing = restored
			}
		}
	}

	for _, st := range snap.Streams {
		if st.Source == "" || st.Key == "" {
			continue
		}
		restored := st
		if err := r.insertStreamLocked(&restored); err != nil {
			r.log.Debug("restore resolved conflict", slog.String("error", err.Error()))
			existing, _ := r.store.GetStream(st.ID())
			if !st.LastUpdated.After(existing.LastUpdated) {
				continue
			}
			r.unindexLocked(existing.ID(), existing.TranscoderRef)
			*existing = restored
		}
		if restored.TranscoderRef != "" {
			r.indexLocked(restored.ID(), restored.TranscoderRef)
		}
	}

	r.healLocked()
}

// Verify checks every transcoder reference and clears the dangling ones.
// It returns the number of references healed.
func (r *Registry) Verify() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.healLocked()
}

// upsertStreamLocked returns the stored stream for id, creating it if needed.
// Caller must hold r.mu in write mode.
func (r *Registry) upsertStreamLocked(id StreamID, now time.Time) (*Stream, bool) {
	st := &Stream{Source: id.Source, Key: id.Key, LastUpdated: now}
	err := r.insertStreamLocked(st)
	if err == nil {
		return st, true
	}

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		r.log.Error("stream insert failed", slog.String("stream", id.String()), slog.String("error", err.Error()))
		return st, false
	}
	existing, _ := r.store.GetStream(id)
	if now.After(existing.LastUpdated) {
		existing.LastUpdated = now
	}
	return existing, false
}

// insertStreamLocked enforces (source, key) uniqueness.
// Caller must hold r.mu in write mode.
func (r *Registry) insertStreamLocked(st *Stream) error {
	if _, exists := r.store.GetStream(st.ID()); exists {
		return &ConflictError{Kind: "stream", ID: st.ID().String()}
	}
	r.store.SetStream(st)
	return nil
}

// insertTranscoderLocked enforces name uniqueness.
// Caller must hold r.mu in write mode.
func (r *Registry) insertTranscoderLocked(tc *Transcoder) error {
	if _, exists := r.store.GetTranscoder(tc.Name); exists {
		return &ConflictError{Kind: "transcoder", ID: tc.Name}
	}
	r.store.SetTranscoder(tc)
	return nil
}

// healLocked clears references to transcoders that do not exist.
// Caller must hold r.mu in write mode.
func (r *Registry) healLocked() int {
	healed := 0
	for _, st := range r.store.ListStreams() {
		if st.TranscoderRef == "" {
			continue
		}
		if _, ok := r.store.GetTranscoder(st.TranscoderRef); ok {
			continue
		}
		err := &StaleReferenceError{Stream: st.ID(), Transcoder: st.TranscoderRef}
		r.log.Error("dangling transcoder reference cleared", slog.String("error", err.Error()))
		r.unindexLocked(st.ID(), st.TranscoderRef)
		st.TranscoderRef = ""
		healed++
	}
	return healed
}

func (r *Registry) indexLocked(id StreamID, name string) {
	set, ok := r.byTranscoder[name]
	if !ok {
		set = make(map[StreamID]struct{})
		r.byTranscoder[name] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) unindexLocked(id StreamID, name string) {
	if name == "" {
		return
	}
	set, ok := r.byTranscoder[name]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.byTranscoder, name)
	}
}

func (r *Registry) listLocked() ([]Stream, []Transcoder) {
	streams := make([]Stream, 0)
	for _, st := range r.store.ListStreams() {
		streams = append(streams, *st)
	}
	sortStreams(streams)

	transcoders := make([]Transcoder, 0)
	for _, tc := range r.store.ListTranscoders() {
		transcoders = append(transcoders, *tc)
	}
	sort.Slice(transcoders, func(i, j int) bool { return transcoders[i].Name < transcoders[j].Name })

	return streams, transcoders
}

func sortStreams(streams []Stream) {
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].Source != streams[j].Source {
			return streams[i].Source < streams[j].Source
		}
		return streams[i].Key < streams[j].Key
	})
}

func sortIDs(ids []StreamID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Source != ids[j].Source {
			return ids[i].Source < ids[j].Source
		}
		return ids[i].Key < ids[j].Key
	})
}
