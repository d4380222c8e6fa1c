package broadcast

import (
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// ReuseRecord is the persisted handle of the most recent broadcast, kept so
// a restart within the reuse TTL rebinds instead of creating a new one.
type ReuseRecord struct {
	BroadcastID string    `json:"broadcast_id"`
	CreatedAt   time.Time `json:"created_at"`
	Privacy     string    `json:"privacy"`
}

// ReuseStore persists a single ReuseRecord as JSON with atomic replaces.
type ReuseStore struct {
	path string
}

func NewReuseStore(path string) *ReuseStore {
	return &ReuseStore{path: path}
}

// Load returns the stored record, or nil when the store is absent or
// unreadable.
func (s *ReuseStore) Load() *ReuseRecord {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var rec ReuseRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.BroadcastID == "" {
		return nil
	}
	return &rec
}

// Save replaces the store contents via temp-file-then-rename.
func (s *ReuseStore) Save(rec ReuseRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".reuse*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// Clear removes the store file. Missing files are not an error.
func (s *ReuseStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
