package poller

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// backendsFile is the YAML layout of the backend list:
//
//	backends:
//	  - address: ingest.c3voc.de:8000
//	    source: icecast1
//	  - address: relay.c3voc.de:8080
//	    protocol: srtrelay
type backendsFile struct {
	Backends []Backend `yaml:"backends"`
}

// LoadBackends reads and validates the backend list at path.
func LoadBackends(path string) ([]Backend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backends: %w", err)
	}
	return ParseBackends(data)
}

// ParseBackends decodes and validates a YAML backend list. Protocols are
// checked and duplicate source identifiers rejected.
func ParseBackends(data []byte) ([]Backend, error) {
	var f backendsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse backends: %w", err)
	}

	seen := make(map[string]bool, len(f.Backends))
	for i, b := range f.Backends {
		if b.Address == "" {
			return nil, fmt.Errorf("backend %d: address is required", i)
		}
		f.Backends[i].Protocol = strings.ToLower(strings.TrimSpace(b.Protocol))
		if f.Backends[i].Protocol == "" {
			f.Backends[i].Protocol = ProtocolIcecast
		}
		switch f.Backends[i].Protocol {
		case ProtocolIcecast, ProtocolSrtrelay:
		default:
			return nil, fmt.Errorf("backend %s: unknown protocol %q", b.ID(), b.Protocol)
		}
		if seen[b.ID()] {
			return nil, fmt.Errorf("backend %s: duplicate source", b.ID())
		}
		seen[b.ID()] = true
	}
	return f.Backends, nil
}
