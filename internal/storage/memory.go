package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vide-ai/vide/pkg/models"
)

// MemoryStore persists per-project memory entries at
// <configRoot>/projects/<encoded-project-path>/memory.json. Updates replace
// the matching key and are written atomically.
type MemoryStore struct {
	path string
	mu   sync.Mutex
}

// NewMemoryStore creates a memory store for one project.
func NewMemoryStore(configRoot, projectPath string) *MemoryStore {
	return &MemoryStore{
		path: filepath.Join(configRoot, "projects", EncodeProjectPath(projectPath), "memory.json"),
	}
}

// List returns every memory entry, oldest first.
func (s *MemoryStore) List() ([]models.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Get returns the entry for key.
func (s *MemoryStore) Get(key string) (models.MemoryEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return models.MemoryEntry{}, false, err
	}
	for _, e := range entries {
		if e.Key == key {
			return e, true, nil
		}
	}
	return models.MemoryEntry{}, false, nil
}

// Set creates or replaces the entry for key.
func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	now := time.Now()
	found := false
	for i := range entries {
		if entries[i].Key == key {
			entries[i].Value = value
			entries[i].UpdatedAt = &now
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, models.MemoryEntry{Key: key, Value: value, CreatedAt: now})
	}
	return WriteJSONAtomic(s.path, entries)
}

// Delete removes the entry for key. Deleting a missing key is a no-op.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Key != key {
			out = append(out, e)
		}
	}
	return WriteJSONAtomic(s.path, out)
}

func (s *MemoryStore) load() ([]models.MemoryEntry, error) {
	var entries []models.MemoryEntry
	if err := ReadJSON(s.path, &entries); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load memory: %w", err)
	}
	return entries, nil
}
