package registry

import (
	"sort"
)

// Assignment records a stream handed to a transcoder.
type Assignment struct {
	Stream     StreamID
	Transcoder string
}

// transcoderLoad is a transcoder together with the number of streams it backs.
type transcoderLoad struct {
	name     string
	capacity int
	streams  int
}

func (l transcoderLoad) full() bool {
	return l.capacity > 0 && l.streams >= l.capacity
}

// byLoad orders transcoders by streams/capacity. When either side did not
// announce a capacity the plain stream count decides. Ties go by name.
type byLoad []*transcoderLoad

func (l byLoad) Len() int      { return len(l) }
func (l byLoad) Swap(i, j int) { l[i], l[j] = l[j], l[i] }
func (l byLoad) Less(i, j int) bool {
	a, b := l[i], l[j]
	if a.capacity <= 0 || b.capacity <= 0 {
		if a.streams != b.streams {
			return a.streams < b.streams
		}
		return a.name < b.name
	}
	la := float64(a.streams) / float64(a.capacity)
	lb := float64(b.streams) / float64(b.capacity)
	if la != lb {
		return la < lb
	}
	return a.name < b.name
}

// AssignUnclaimed hands every stream without a transcoder to the least loaded
// transcoder that still has room. Streams are visited in (source, key) order.
// Streams that find no free transcoder stay unassigned.
func (r *Registry) AssignUnclaimed() []Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()

	transcoders := r.store.ListTranscoders()
	if len(transcoders) == 0 {
		return nil
	}
	loads := make(byLoad, 0, len(transcoders))
	for _, tc := range transcoders {
		loads = append(loads, &transcoderLoad{
			name:     tc.Name,
			capacity: tc.Capacity,
			streams:  len(r.byTranscoder[tc.Name]),
		})
	}

	var unclaimed []StreamID
	for _, st := range r.store.ListStreams() {
		if st.TranscoderRef == "" {
			unclaimed = append(unclaimed, st.ID())
		}
	}
	sortIDs(unclaimed)

	var out []Assignment
	for _, id := range unclaimed {
		sort.Sort(loads)
		var target *transcoderLoad
		for _, l := range loads {
			if !l.full() {
				target = l
				break
			}
		}
		if target == nil {
			break
		}
		st, _ := r.store.GetStream(id)
		st.TranscoderRef = target.name
		r.indexLocked(id, target.name)
		target.streams++
		out = append(out, Assignment{Stream: id, Transcoder: target.name})
	}
	return out
}
