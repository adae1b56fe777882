package registry

// Store is the persistence abstraction for registry state.
// Implementations can be in-memory, file-based, or remote.
// Store is not safe for concurrent use on its own; the Registry serializes
// access to it.
type Store interface {
	GetStream(id StreamID) (*Stream, bool)
	SetStream(s *Stream)
	DeleteStream(id StreamID)
	ListStreams() []*Stream

	GetTranscoder(name string) (*Transcoder, bool)
	SetTranscoder(t *Transcoder)
	DeleteTranscoder(name string)
	ListTranscoders() []*Transcoder
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	streams     map[StreamID]*Stream
	transcoders map[string]*Transcoder
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams:     make(map[StreamID]*Stream),
		transcoders: make(map[string]*Transcoder),
	}
}

// GetStream implements Store.GetStream.
func (s *InMemoryStore) GetStream(id StreamID) (*Stream, bool) {
	st, ok := s.streams[id]
	return st, ok
}

// SetStream implements Store.SetStream.
func (s *InMemoryStore) SetStream(st *Stream) {
	s.streams[st.ID()] = st
}

// DeleteStream implements Store.DeleteStream.
func (s *InMemoryStore) DeleteStream(id StreamID) {
	delete(s.streams, id)
}

// ListStreams implements Store.ListStreams.
func (s *InMemoryStore) ListStreams() []*Stream {
	out := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	return out
}

// GetTranscoder implements Store.GetTranscoder.
func (s *InMemoryStore) GetTranscoder(name string) (*Transcoder, bool) {
	tc, ok := s.transcoders[name]
	return tc, ok
}

// SetTranscoder implements Store.SetTranscoder.
func (s *InMemoryStore) SetTranscoder(tc *Transcoder) {
	s.transcoders[tc.Name] = tc
}

// DeleteTranscoder implements Store.DeleteTranscoder.
func (s *InMemoryStore) DeleteTranscoder(name string) {
	delete(s.transcoders, name)
}

// ListTranscoders implements Store.ListTranscoders.
func (s *InMemoryStore) ListTranscoders() []*Transcoder {
	out := make([]*Transcoder, 0, len(s.transcoders))
	for _, tc := range s.transcoders {
		out = append(out, tc)
	}
	return out
}
