// Package sink persists rendered registry snapshots.
package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"stream-registry/internal/registry"

	"github.com/klauspost/compress/gzip"
)

// FileSink writes snapshots to a file, replacing it atomically. Paths ending
// in ".gz" are gzip-compressed.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink returns a FileSink for path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the destination file.
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) compressed() bool {
	return strings.HasSuffix(s.path, ".gz")
}

// Write implements registry.SnapshotWriter. The snapshot is written to a
// temporary file in the same directory and renamed over the destination, so
// readers only ever see complete documents.
func (s *FileSink) Write(ctx context.Context, snap registry.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := s.encode(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (s *FileSink) encode(w io.Writer, snap registry.Snapshot) error {
	bw := bufio.NewWriter(w)
	if !s.compressed() {
		if err := registry.WriteSnapshot(bw, snap); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		return bw.Flush()
	}

	zw := gzip.NewWriter(bw)
	if err := registry.WriteSnapshot(zw, snap); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	return bw.Flush()
}

// Read loads the snapshot last written to the sink. A missing file yields
// an error satisfying errors.Is(err, os.ErrNotExist).
func (s *FileSink) Read() (registry.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return registry.Snapshot{}, err
	}
	defer f.Close()

	var rd io.Reader = bufio.NewReader(f)
	if s.compressed() {
		zr, err := gzip.NewReader(rd)
		if err != nil {
			return registry.Snapshot{}, fmt.Errorf("decompress: %w", err)
		}
		defer zr.Close()
		rd = zr
	}

	snap, err := registry.ReadSnapshot(rd)
	if err != nil {
		return registry.Snapshot{}, fmt.Errorf("decode: %w", err)
	}
	return snap, nil
}

// Exists reports whether a snapshot file is present.
func (s *FileSink) Exists() bool {
	_, err := os.Stat(s.path)
	return !errors.Is(err, os.ErrNotExist)
}
