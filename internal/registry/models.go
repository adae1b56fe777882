package registry

import (
	"encoding/json"
	"time"
)

// StreamID uniquely identifies a stream: the key is unique within its source.
type StreamID struct {
	Source string
	Key    string
}

func (id StreamID) String() string {
	return id.Source + "/" + id.Key
}

// Stream is one live feed advertised by a backend.
type Stream struct {
	Source string
	Key    string

	// TranscoderRef names the transcoder assigned to this stream, if any.
	// It is a weak reference; the Registry clears it when the transcoder goes away.
	TranscoderRef string

	LastUpdated time.Time
}

// ID returns the (source, key) pair identifying s.
func (s Stream) ID() StreamID {
	return StreamID{Source: s.Source, Key: s.Key}
}

// Transcoder is a worker announcing itself through heartbeats.
type Transcoder struct {
	Name  string
	Title string

	// Capacity is the maximum number of streams the transcoder accepts.
	// Zero means the transcoder did not announce a limit.
	Capacity int

	LastUpdated time.Time
}

// Snapshot is a point-in-time view of the whole registry.
type Snapshot struct {
	Streams     []Stream
	Transcoders []Transcoder
	GeneratedAt time.Time
}

// Wire representations, the only JSON form of the types above. Timestamps
// are unix seconds.

type streamRecord struct {
	Key         string `json:"key"`
	Source      string `json:"source"`
	Transcoder  string `json:"transcoder,omitempty"`
	LastUpdated int64  `json:"lastUpdated"`
}

type transcoderRecord struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Capacity    int    `json:"capacity,omitempty"`
	LastUpdated int64  `json:"lastUpdated"`
}

type snapshotRecord struct {
	Streams     []streamRecord     `json:"streams"`
	Transcoders []transcoderRecord `json:"transcoders"`
	GeneratedAt int64              `json:"generatedAt"`
}

// MarshalJSON encodes the snapshot with unix timestamps and never emits null lists.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	rec := snapshotRecord{
		Streams:     make([]streamRecord, 0, len(s.Streams)),
		Transcoders: make([]transcoderRecord, 0, len(s.Transcoders)),
		GeneratedAt: s.GeneratedAt.Unix(),
	}
	for _, st := range s.Streams {
		rec.Streams = append(rec.Streams, streamRecord{
			Key:         st.Key,
			Source:      st.Source,
			Transcoder:  st.TranscoderRef,
			LastUpdated: st.LastUpdated.Unix(),
		})
	}
	for _, tc := range s.Transcoders {
		rec.Transcoders = append(rec.Transcoders, transcoderRecord{
			Name:        tc.Name,
			Title:       tc.Title,
			Capacity:    tc.Capacity,
			LastUpdated: tc.LastUpdated.Unix(),
		})
	}
	return json.Marshal(rec)
}

// UnmarshalJSON decodes a snapshot previously written by MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	s.GeneratedAt = time.Unix(rec.GeneratedAt, 0).UTC()
	s.Streams = make([]Stream, 0, len(rec.Streams))
	for _, r := range rec.Streams {
		s.Streams = append(s.Streams, Stream{
			Source:        r.Source,
			Key:           r.Key,
			TranscoderRef: r.Transcoder,
			LastUpdated:   time.Unix(r.LastUpdated, 0).UTC(),
		})
	}
	s.Transcoders = make([]Transcoder, 0, len(rec.Transcoders))
	for _, r := range rec.Transcoders {
		s.Transcoders = append(s.Transcoders, Transcoder{
			Name:        r.Name,
			Title:       r.Title,
			Capacity:    r.Capacity,
			LastUpdated: time.Unix(r.LastUpdated, 0).UTC(),
		})
	}
	return nil
}
