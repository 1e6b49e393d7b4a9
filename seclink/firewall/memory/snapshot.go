package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
)

const snapshotVersion = 1

var ErrSnapshotVersion = errors.New("memory: unsupported snapshot version")

type snapshot struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// SaveSnapshot writes the timed blocks to path as LZ4-compressed JSON,
// replacing the file atomically.
func (s *Store) SaveSnapshot(path string) error {
	raw, err := json.Marshal(snapshot{Version: snapshotVersion, Entries: s.Entries()})
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return err
	}
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot restores timed blocks saved by SaveSnapshot, skipping ones
// that expired meanwhile. A missing file is not an error.
func (s *Store) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return fmt.Errorf("memory: decompress snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("memory: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, snap.Version)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range snap.Entries {
		if !e.Addr.IsValid() || e.expired(now) {
			continue
		}
		s.blocked[e.Addr.Unmap()] = e
	}
	return nil
}
