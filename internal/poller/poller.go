// Package poller discovers live streams on upstream source servers.
package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Supported backend protocols.
const (
	ProtocolIcecast  = "icecast"
	ProtocolSrtrelay = "srtrelay"
)

// DefaultTimeout bounds a single poll.
const DefaultTimeout = 3 * time.Second

// maxStatusSize caps how much of a status document is read.
const maxStatusSize = 4 << 20

// Poller queries one backend for the keys of its live streams.
type Poller interface {
	// Poll returns the live stream keys. On failure it returns an empty
	// slice and a *FetchError.
	Poll(ctx context.Context) ([]string, error)
	Backend() Backend
}

// Backend describes one upstream server.
type Backend struct {
	// Address is host:port or a base URL.
	Address string `yaml:"address"`
	// Source identifies the backend in the registry. Defaults to Address.
	Source string `yaml:"source"`
	// Protocol is "icecast" (default) or "srtrelay".
	Protocol string `yaml:"protocol"`
}

// ID returns the identifier streams of this backend are registered under.
func (b Backend) ID() string {
	if b.Source != "" {
		return b.Source
	}
	return b.Address
}

// baseURL returns Address as a URL without trailing slash.
func (b Backend) baseURL() string {
	addr := strings.TrimRight(b.Address, "/")
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}

// FetchError reports a backend that could not be queried or whose answer
// could not be understood. It is never fatal to a poll cycle.
type FetchError struct {
	Backend string
	Op      string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// New returns the Poller for b's protocol using client for requests.
// A nil client gets one with DefaultTimeout.
func New(b Backend, client *http.Client) (Poller, error) {
	if b.Address == "" {
		return nil, fmt.Errorf("backend %q: address is required", b.Source)
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	switch strings.ToLower(b.Protocol) {
	case "", ProtocolIcecast:
		return NewIcecast(b, client), nil
	case ProtocolSrtrelay:
		return NewSrtrelay(b, client), nil
	default:
		return nil, fmt.Errorf("backend %s: unknown protocol %q", b.ID(), b.Protocol)
	}
}

// get fetches url and returns the body of a 2xx response.
func get(ctx context.Context, client *http.Client, b Backend, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Backend: b.ID(), Op: "request", Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{Backend: b.ID(), Op: "get", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &FetchError{Backend: b.ID(), Op: "get", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusSize))
	if err != nil {
		return nil, &FetchError{Backend: b.ID(), Op: "read", Err: err}
	}
	return data, nil
}
