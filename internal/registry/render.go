package registry

import (
	"encoding/json"
	"io"
	"time"
)

// Render returns a consistent snapshot of the registry taken at now.
// Streams are ordered by (source, key) and transcoders by name.
// An empty registry renders with empty, non-nil lists.
func (r *Registry) Render(now time.Time) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	streams, transcoders := r.listLocked()
	return Snapshot{
		Streams:     streams,
		Transcoders: transcoders,
		GeneratedAt: now,
	}
}

// WriteSnapshot encodes snap as JSON to w. It fails only when w does.
func WriteSnapshot(w io.Writer, snap Snapshot) error {
	return json.NewEncoder(w).Encode(snap)
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot.
func ReadSnapshot(rd io.Reader) (Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(rd).Decode(&snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
