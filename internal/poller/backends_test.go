package poller

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackends(t *testing.T) {
	backends, err := ParseBackends([]byte(`
backends:
  - address: ingest.c3voc.de:8000
    source: icecast1
  - address: relay.c3voc.de:8080
    protocol: srtrelay
`))
	require.NoError(t, err)
	require.Len(t, backends, 2)
	assert.Equal(t, ProtocolIcecast, backends[0].Protocol)
	assert.Equal(t, "icecast1", backends[0].ID())
	assert.Equal(t, "relay.c3voc.de:8080", backends[1].ID())
}

func TestParseBackends_invalid(t *testing.T) {
	tests := map[string]string{
		"missing_address":  "backends:\n  - source: x\n",
		"unknown_protocol": "backends:\n  - address: a\n    protocol: rtmp\n",
		"duplicate_source": "backends:\n  - address: a\n    source: s\n  - address: b\n    source: s\n",
		"not_yaml":         "backends: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBackends([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadBackends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yml")
	require.NoError(t, os.WriteFile(path, []byte("backends:\n  - address: a:8000\n"), 0o644))

	backends, err := LoadBackends(path)
	require.NoError(t, err)
	assert.Len(t, backends, 1)

	_, err = LoadBackends(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestParseBackends_protocol_case(t *testing.T) {
	backends, err := ParseBackends([]byte("backends:\n  - address: a\n    protocol: Icecast\n  - address: b\n    protocol: SRTRELAY\n"))
	require.NoError(t, err)
	assert.Equal(t, ProtocolIcecast, backends[0].Protocol)
	assert.Equal(t, ProtocolSrtrelay, backends[1].Protocol)
}
