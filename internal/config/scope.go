// Package config provides the dependency-injection scope resolving the
// config root, working directory and storage handles. The terminal and API
// surfaces bind different scopes, keeping their state fully isolated.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vide-ai/vide/internal/storage"
)

// ErrNoWorkingDirectory is returned by scopes that require an explicit
// working directory (the API surface never falls back to the process CWD).
var ErrNoWorkingDirectory = errors.New("working directory must be provided explicitly")

// WorkingDirectoryResolver yields the working directory for agents whose
// network has no worktree path.
type WorkingDirectoryResolver func() (string, error)

// Scope carries every cross-component dependency: config root, working
// directory resolution, and the per-project stores. No global singletons;
// everything flows through a scope.
type Scope struct {
	// ConfigRoot is the directory all runtime state lives under.
	ConfigRoot string

	// ProjectPath is the absolute path identifying the project.
	ProjectPath string

	// WorkingDirectory resolves the fallback working directory.
	WorkingDirectory WorkingDirectoryResolver

	networks *storage.NetworkStore
	memory   *storage.MemoryStore
	settings *storage.SettingsStore
	state    *storage.StateStore
}

// DefaultConfigRoot is ~/.vide for interactive use.
func DefaultConfigRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vide"
	}
	return filepath.Join(home, ".vide")
}

// APIConfigRoot is ~/.vide/api, giving the API surface total isolation from
// interactive state.
func APIConfigRoot() string {
	return filepath.Join(DefaultConfigRoot(), "api")
}

// NewTerminalScope builds the scope for interactive use: default config
// root, process CWD fallback.
func NewTerminalScope(projectPath string) *Scope {
	return newScope(DefaultConfigRoot(), projectPath, os.Getwd)
}

// NewAPIScope builds the scope for the API surface: isolated config root,
// and a resolver that fails so callers must always pass a working directory
// explicitly.
func NewAPIScope(projectPath string) *Scope {
	return newScope(APIConfigRoot(), projectPath, func() (string, error) {
		return "", ErrNoWorkingDirectory
	})
}

// NewScope builds a scope with explicit bindings, mainly for tests.
func NewScope(configRoot, projectPath string, wd WorkingDirectoryResolver) *Scope {
	return newScope(configRoot, projectPath, wd)
}

func newScope(configRoot, projectPath string, wd WorkingDirectoryResolver) *Scope {
	abs, err := filepath.Abs(projectPath)
	if err == nil {
		projectPath = abs
	}
	return &Scope{
		ConfigRoot:       configRoot,
		ProjectPath:      projectPath,
		WorkingDirectory: wd,
		networks:         storage.NewNetworkStore(configRoot, projectPath),
		memory:           storage.NewMemoryStore(configRoot, projectPath),
		settings:         storage.NewSettingsStore(projectPath),
		state:            storage.NewStateStore(configRoot, projectPath),
	}
}

// Networks returns the project's network store.
func (s *Scope) Networks() *storage.NetworkStore { return s.networks }

// Memory returns the project's memory store.
func (s *Scope) Memory() *storage.MemoryStore { return s.memory }

// Settings returns the project's settings store.
func (s *Scope) Settings() *storage.SettingsStore { return s.settings }

// State returns the project's state store.
func (s *Scope) State() *storage.StateStore { return s.state }

// SessionDir returns the directory where the agent CLI writes its own
// session history for this project. The runtime only ever reads it.
func (s *Scope) SessionDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects", storage.EncodeProjectPath(s.ProjectPath))
}

// SessionFile returns the CLI's history file for one session id.
func (s *Scope) SessionFile(sessionID string) string {
	dir := s.SessionDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("%s.jsonl", sessionID))
}
