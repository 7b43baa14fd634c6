package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrUpdateHeightTooOld is returned when an update carries a chain tip
// below the snapshot's recorded tip. It signals a corrupted or stale
// local store; callers recover by wiping the store and rescanning.
var ErrUpdateHeightTooOld = errors.New("descriptor: update height below stored tip")

const snapshotFile = "snapshot.json"

// snapshot is the persisted wallet state: everything a full scan has
// learned so far.
type snapshot struct {
	Version        int               `json:"version"`
	DescriptorID   string            `json:"descriptorId"`
	TipHeight      uint32            `json:"tipHeight"`
	LastUsedIndex  int64             `json:"lastUsedIndex"` // -1 = none used yet
	Txs            map[string]*Tx    `json:"txs"`
	WatchedScripts map[string][]byte `json:"watchedScripts"` // hex key -> script
}

func newSnapshot(descriptorID string) *snapshot {
	return &snapshot{
		Version:        1,
		DescriptorID:   descriptorID,
		LastUsedIndex:  -1,
		Txs:            make(map[string]*Tx),
		WatchedScripts: make(map[string][]byte),
	}
}

// Store persists wallet snapshots as JSON under one directory. Writes are
// atomic: temp file then rename.
type Store struct {
	dir string
}

// NewStore creates the snapshot directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, snapshotFile)
}

// Load reads the snapshot, or returns a fresh one when none exists yet.
// A snapshot written for a different descriptor is treated as corrupt.
func (s *Store) Load(descriptorID string) (*snapshot, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return newSnapshot(descriptorID), nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.DescriptorID != descriptorID {
		return nil, fmt.Errorf("snapshot belongs to a different descriptor")
	}
	if snap.Txs == nil {
		snap.Txs = make(map[string]*Tx)
	}
	if snap.WatchedScripts == nil {
		snap.WatchedScripts = make(map[string][]byte)
	}
	return &snap, nil
}

// Save atomically writes the snapshot.
func (s *Store) Save(snap *snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Wipe removes the persisted snapshot. The next Load starts fresh.
func (s *Store) Wipe() error {
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wipe snapshot: %w", err)
	}
	return nil
}
