package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ceofreddy254-dot/Stk-push/internal/types"
)

// Snapshot is the full durable image of the in-memory store. Every mutation
// writes it through so a restart does not silently lose state.
type Snapshot struct {
	Users        []types.User                         `json:"users"`
	Balances     map[string]int64                     `json:"balances"`
	Transactions map[string][]types.TransactionRecord `json:"transactions"`
	Payments     []types.Payment                      `json:"payments"`
	SavedAt      time.Time                            `json:"saved_at"`
}

// Snapshotter persists a full store snapshot.
type Snapshotter interface {
	Persist(s *Snapshot) error
}

// FileSnapshotter writes snapshots as JSON via a temp file and atomic rename,
// so a crash mid-write never leaves a truncated snapshot behind.
type FileSnapshotter struct {
	Path string
}

func NewFileSnapshotter(path string) *FileSnapshotter {
	return &FileSnapshotter{Path: path}
}

func (f *FileSnapshotter) Persist(s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpName, f.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	return nil
}

// LoadSnapshot reads a snapshot from disk. A missing file is not an error;
// it returns an empty snapshot for first boot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	return &s, nil
}
