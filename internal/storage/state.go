package storage

import (
	"os"
	"path/filepath"
	"sync"
)

// projectState is the small per-project state record (currently just the
// first-run flag).
type projectState struct {
	FirstRunCompleted bool `json:"first_run_completed"`
}

// StateStore persists the per-project state file at
// <configRoot>/projects/<encoded-project-path>/state.json.
type StateStore struct {
	path string
	mu   sync.Mutex
}

// NewStateStore creates a state store for one project.
func NewStateStore(configRoot, projectPath string) *StateStore {
	return &StateStore{
		path: filepath.Join(configRoot, "projects", EncodeProjectPath(projectPath), "state.json"),
	}
}

// IsFirstRun reports whether the project has never completed a first run.
func (s *StateStore) IsFirstRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state projectState
	if err := ReadJSON(s.path, &state); err != nil {
		if os.IsNotExist(err) {
			return true
		}
		return true
	}
	return !state.FirstRunCompleted
}

// MarkFirstRunComplete records that the first run finished.
func (s *StateStore) MarkFirstRunComplete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSONAtomic(s.path, projectState{FirstRunCompleted: true})
}
