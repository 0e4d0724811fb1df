package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vide-ai/vide/pkg/models"
)

// HookMatcherPattern is the tool-name matcher installed for the pre-tool-use
// permission hook.
const HookMatcherPattern = `Write|Edit|Bash|MultiEdit|WebFetch|WebSearch|Read|mcp__.*`

// SettingsStore owns the project-local settings file at
// <projectRoot>/.claude/settings.local.json: the permission allow-list and
// the pre-tool-use hook entry.
type SettingsStore struct {
	path string
	mu   sync.Mutex
}

// NewSettingsStore creates a settings store for one project root.
func NewSettingsStore(projectRoot string) *SettingsStore {
	return &SettingsStore{
		path: filepath.Join(projectRoot, ".claude", "settings.local.json"),
	}
}

// Path returns the settings file location.
func (s *SettingsStore) Path() string { return s.path }

// Load reads the settings file; a missing file yields empty settings.
func (s *SettingsStore) Load() (*models.ProjectSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *SettingsStore) load() (*models.ProjectSettings, error) {
	var settings models.ProjectSettings
	if err := ReadJSON(s.path, &settings); err != nil {
		if os.IsNotExist(err) {
			return &models.ProjectSettings{}, nil
		}
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return &settings, nil
}

// AllowPatterns returns the persisted permission allow-list.
func (s *SettingsStore) AllowPatterns() ([]string, error) {
	settings, err := s.Load()
	if err != nil {
		return nil, err
	}
	return settings.Permissions.Allow, nil
}

// AddAllowPattern appends a pattern to the allow-list if not already
// present.
func (s *SettingsStore) AddAllowPattern(pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.load()
	if err != nil {
		return err
	}
	for _, p := range settings.Permissions.Allow {
		if p == pattern {
			return nil
		}
	}
	settings.Permissions.Allow = append(settings.Permissions.Allow, pattern)
	return WriteJSONAtomic(s.path, settings)
}

// InstallHook installs or updates the pre-tool-use hook entry whose command
// is ours. An existing entry is recognized by "--hook" or "hook.dart" in its
// command; other entries are left untouched.
func (s *SettingsStore) InstallHook(command string, timeoutSeconds int) error {
	if !strings.Contains(command, "--hook") {
		return fmt.Errorf("hook command must contain --hook: %q", command)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.load()
	if err != nil {
		return err
	}

	entry := models.HookMatcher{
		Matcher: HookMatcherPattern,
		Hooks: []models.HookCommand{{
			Type:    "command",
			Command: command,
			Timeout: timeoutSeconds,
		}},
	}

	replaced := false
	for i, m := range settings.Hooks.PreToolUse {
		if isOurHook(m) {
			settings.Hooks.PreToolUse[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		settings.Hooks.PreToolUse = append(settings.Hooks.PreToolUse, entry)
	}
	return WriteJSONAtomic(s.path, settings)
}

func isOurHook(m models.HookMatcher) bool {
	for _, h := range m.Hooks {
		if strings.Contains(h.Command, "--hook") || strings.Contains(h.Command, "hook.dart") {
			return true
		}
	}
	return false
}
