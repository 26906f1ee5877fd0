// Package fileblob persists risk state to a local JSON file, for deployments
// without object storage.
package fileblob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dexquant/tradebot/internal/domain"
)

// Sink implements domain.SnapshotSink by replacing a single state file
// atomically on every archive. Only the newest snapshot is kept; history
// lives in the primary store.
type Sink struct {
	path string
}

// NewSink creates a Sink writing to the given file path. Parent directories
// are created on first archive.
func NewSink(path string) *Sink {
	return &Sink{path: path}
}

// ArchiveState writes the snapshot to a temp file next to the target and
// renames it into place, so readers never observe a partial write.
func (s *Sink) ArchiveState(ctx context.Context, snap domain.RiskStateSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("fileblob: marshal risk state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("fileblob: create state dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("fileblob: write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("fileblob: replace state file: %w", err)
	}
	return nil
}

// LatestState reads back the archived snapshot. It returns domain.ErrNotFound
// when no state file exists yet.
func (s *Sink) LatestState(ctx context.Context) (domain.RiskStateSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.RiskStateSnapshot{}, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.RiskStateSnapshot{}, domain.ErrNotFound
		}
		return domain.RiskStateSnapshot{}, fmt.Errorf("fileblob: read state file: %w", err)
	}

	var snap domain.RiskStateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.RiskStateSnapshot{}, fmt.Errorf("fileblob: unmarshal risk state: %w", err)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.SnapshotSink = (*Sink)(nil)
