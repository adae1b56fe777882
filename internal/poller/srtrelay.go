package poller

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

// Srtrelay polls the /streams endpoint of an srtrelay server.
type Srtrelay struct {
	backend Backend
	client  *http.Client
}

type srtStream struct {
	Name    string `json:"name"`
	Clients int    `json:"clients"`
	URL     string `json:"url"`
}

// NewSrtrelay returns a Poller for an srtrelay backend.
func NewSrtrelay(b Backend, client *http.Client) *Srtrelay {
	return &Srtrelay{backend: b, client: client}
}

// Backend implements Poller.
func (sr *Srtrelay) Backend() Backend {
	return sr.backend
}

// Poll implements Poller.
func (sr *Srtrelay) Poll(ctx context.Context) ([]string, error) {
	data, err := get(ctx, sr.client, sr.backend, sr.backend.baseURL()+"/streams")
	if err != nil {
		return []string{}, err
	}

	var streams []srtStream
	if err := json.Unmarshal(data, &streams); err != nil {
		return []string{}, &FetchError{Backend: sr.backend.ID(), Op: "parse", Err: errors.Wrap(err, "unmarshal streams")}
	}

	keys := make([]string, 0, len(streams))
	for _, s := range streams {
		if s.Name != "" {
			keys = append(keys, s.Name)
		}
	}
	return keys, nil
}
