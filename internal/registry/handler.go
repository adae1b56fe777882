package registry

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"stream-registry/internal/platform/auth"
	"stream-registry/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const maxBodySize = 1 << 20

// Handler exposes registry HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

type heartbeatRequest struct {
	Name     string `json:"name"`
	Title    string `json:"title"`
	Capacity int    `json:"capacity"`
}

type heartbeatResponse struct {
	Name    string         `json:"name"`
	Streams []streamRecord `json:"streams"`
}

type assignRequest struct {
	Transcoder string `json:"transcoder"`
}

// Heartbeat handles POST /transcoder/hello.
// Body: { "name": "loop-transcoder", "title": "Loop", "capacity": 4 }.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		h.log.Debug("invalid heartbeat body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Capacity < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if sub, ok := auth.Subject(r.Context()); ok && sub != req.Name {
		h.log.Info("heartbeat rejected subject mismatch",
			slog.String("transcoder", req.Name),
			slog.String("subject", sub))
		w.WriteHeader(http.StatusForbidden)
		return
	}

	res, err := h.svc.Heartbeat(r.Context(), Transcoder{Name: req.Name, Title: req.Title, Capacity: req.Capacity})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidTranscoder):
			w.WriteHeader(http.StatusBadRequest)
		default:
			h.log.Error("heartbeat failed", slog.String("transcoder", req.Name), slog.String("error", err.Error()))
			if h.metrics != nil {
				h.metrics.IncSnapshotFailures()
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}

	h.log.Debug("heartbeat",
		slog.String("transcoder", res.Transcoder.Name),
		slog.Int("streams", len(res.Streams)))
	if h.metrics != nil {
		h.metrics.IncHeartbeats()
	}

	out := heartbeatResponse{Name: res.Transcoder.Name, Streams: make([]streamRecord, 0, len(res.Streams))}
	for _, st := range res.Streams {
		out.Streams = append(out.Streams, streamRecord{
			Key:         st.Key,
			Source:      st.Source,
			Transcoder:  st.TranscoderRef,
			LastUpdated: st.LastUpdated.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetState handles GET /state and returns the rendered snapshot.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := WriteSnapshot(w, h.svc.Snapshot()); err != nil {
		h.log.Debug("write state failed", slog.String("error", err.Error()))
	}
}

// GetStream handles GET /streams/{source}/{key}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	source, key := chi.URLParam(r, "source"), chi.URLParam(r, "key")
	if source == "" || key == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	st, ok := h.svc.Registry().FindStream(source, key)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, streamRecord{
		Key:         st.Key,
		Source:      st.Source,
		Transcoder:  st.TranscoderRef,
		LastUpdated: st.LastUpdated.Unix(),
	})
}

// GetTranscoder handles GET /transcoders/{name}.
func (h *Handler) GetTranscoder(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	tc, ok := h.svc.Registry().FindTranscoder(name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, transcoderRecord{
		Name:        tc.Name,
		Title:       tc.Title,
		Capacity:    tc.Capacity,
		LastUpdated: tc.LastUpdated.Unix(),
	})
}

// AssignStream handles POST /streams/{source}/{key}/assign.
// Body: { "transcoder": "loop-transcoder" }.
func (h *Handler) AssignStream(w http.ResponseWriter, r *http.Request) {
	id := StreamID{Source: chi.URLParam(r, "source"), Key: chi.URLParam(r, "key")}
	if id.Source == "" || id.Key == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req assignRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Transcoder == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.Assign(r.Context(), id, req.Transcoder); err != nil {
		switch {
		case errors.Is(err, ErrStreamNotFound), errors.Is(err, ErrTranscoderNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, ErrCapacity):
			w.WriteHeader(http.StatusConflict)
		default:
			h.log.Error("assign failed", slog.String("stream", id.String()), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

func decodeJSON(rd io.Reader, out interface{}) error {
	content, err := io.ReadAll(io.LimitReader(rd, maxBodySize))
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(content, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
