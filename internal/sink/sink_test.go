package sink

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stream-registry/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2020, 11, 8, 0, 0, 0, 0, time.UTC)

func testSnapshot() registry.Snapshot {
	reg := registry.New(nil)
	reg.UpsertStream("icecast1", "sloop", epoch)
	reg.UpsertStream("icecast1", "tusker", epoch)
	reg.UpsertTranscoder(registry.Transcoder{Name: "loop-transcoder", Title: "Loop", Capacity: 2}, epoch)
	reg.AssignUnclaimed()
	return reg.Render(epoch.Add(time.Second))
}

func TestFileSink_roundtrip(t *testing.T) {
	for _, name := range []string{"state.json", "state.json.gz"} {
		t.Run(name, func(t *testing.T) {
			s := NewFileSink(filepath.Join(t.TempDir(), name))
			assert.False(t, s.Exists())

			want := testSnapshot()
			require.NoError(t, s.Write(context.Background(), want))
			assert.True(t, s.Exists())

			got, err := s.Read()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestFileSink_plain_file_is_json(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewFileSink(path)
	require.NoError(t, s.Write(context.Background(), registry.Snapshot{GeneratedAt: epoch}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"streams":[],"transcoders":[],"generatedAt":1604793600}`, string(data))
}

func TestFileSink_gzip_file_is_compressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.gz")
	require.NoError(t, NewFileSink(path).Write(context.Background(), testSnapshot()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte{0x1f, 0x8b}))
}

func TestFileSink_overwrite_leaves_no_temp_files(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(filepath.Join(dir, "state.json"))

	require.NoError(t, s.Write(context.Background(), testSnapshot()))
	require.NoError(t, s.Write(context.Background(), registry.Snapshot{GeneratedAt: epoch}))

	got, err := s.Read()
	require.NoError(t, err)
	assert.Empty(t, got.Streams)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestFileSink_Read_missing(t *testing.T) {
	_, err := NewFileSink(filepath.Join(t.TempDir(), "nope.json")).Read()
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFileSink_Write_missing_dir(t *testing.T) {
	s := NewFileSink(filepath.Join(t.TempDir(), "missing", "state.json"))
	assert.Error(t, s.Write(context.Background(), registry.Snapshot{}))
}

func TestFileSink_Write_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewFileSink(filepath.Join(t.TempDir(), "state.json"))
	assert.ErrorIs(t, s.Write(ctx, registry.Snapshot{}), context.Canceled)
	assert.False(t, s.Exists())
}
