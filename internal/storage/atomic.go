// Package storage persists project state as JSON files under the config
// root: agent networks, memory entries, the permission allow-list and the
// first-run flag. All writes are atomic (temp file + rename) and serialized
// per path, so a reader never observes partial state.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// pathLocks serializes writes per file path.
var pathLocks sync.Map // string -> *sync.Mutex

func lockFor(path string) *sync.Mutex {
	mu, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// WriteJSONAtomic marshals v and writes it to path via a temp file and
// rename. On failure no partial state is visible because the rename never
// happened.
func WriteJSONAtomic(path string, v any) error {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// ReadJSON unmarshals path into v. A missing file returns os.ErrNotExist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// EncodeProjectPath turns an absolute project path into a filesystem-safe
// directory name: separators become dashes.
func EncodeProjectPath(projectPath string) string {
	clean := filepath.Clean(projectPath)
	encoded := make([]byte, 0, len(clean))
	for i := 0; i < len(clean); i++ {
		c := clean[i]
		if c == filepath.Separator || c == '/' {
			encoded = append(encoded, '-')
		} else {
			encoded = append(encoded, c)
		}
	}
	return string(encoded)
}
