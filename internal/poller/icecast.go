package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"

	"github.com/pkg/errors"
)

// Icecast polls the status-json.xsl endpoint of an Icecast2 server.
type Icecast struct {
	backend Backend
	client  *http.Client
}

// icecastSource is one entry of icestats.source.
type icecastSource struct {
	Listeners  int    `json:"listeners"`
	ServerType string `json:"server_type"`
	ListenURL  string `json:"listenurl"`
}

// icecastStats is the envelope of the Icecast2 JSON status document.
// icestats.source is missing with no streams, an object with one stream
// and an array with several.
type icecastStats struct {
	Stats struct {
		Source json.RawMessage `json:"source,omitempty"`
	} `json:"icestats"`
}

// NewIcecast returns a Poller for an Icecast2 backend.
func NewIcecast(b Backend, client *http.Client) *Icecast {
	return &Icecast{backend: b, client: client}
}

// Backend implements Poller.
func (ic *Icecast) Backend() Backend {
	return ic.backend
}

// Poll implements Poller.
func (ic *Icecast) Poll(ctx context.Context) ([]string, error) {
	data, err := get(ctx, ic.client, ic.backend, ic.backend.baseURL()+"/status-json.xsl")
	if err != nil {
		return []string{}, err
	}
	sources, err := parseIcecast(data)
	if err != nil {
		return []string{}, &FetchError{Backend: ic.backend.ID(), Op: "parse", Err: err}
	}
	return icecastKeys(sources), nil
}

func parseIcecast(data []byte) ([]icecastSource, error) {
	var stats icecastStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, errors.Wrap(err, "unmarshal stats")
	}

	raw := bytes.TrimSpace(stats.Stats.Source)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '[':
		var sources []icecastSource
		if err := json.Unmarshal(raw, &sources); err != nil {
			return nil, errors.Wrap(err, "unmarshal sources")
		}
		return sources, nil
	case '{':
		var source icecastSource
		if err := json.Unmarshal(raw, &source); err != nil {
			return nil, errors.Wrap(err, "unmarshal source")
		}
		return []icecastSource{source}, nil
	default:
		return nil, errors.Errorf("unexpected source value %.32s", raw)
	}
}

// icecastKeys maps sources to stream keys: the last element of listenurl.
// A listenurl without a scheme (host:port/mount) either fails to parse or
// parses as an opaque URL; both fall back to its last slash-separated element. Sources without a
// usable listenurl are skipped.
func icecastKeys(sources []icecastSource) []string {
	keys := make([]string, 0, len(sources))
	for _, s := range sources {
		if s.ListenURL == "" {
			continue
		}
		p := s.ListenURL
		if u, err := url.Parse(s.ListenURL); err == nil && u.Opaque == "" {
			p = u.Path
		}
		key := path.Base(p)
		if key == "/" || key == "." || key == "" {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}
