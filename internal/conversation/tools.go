package conversation

import (
	"path/filepath"
	"strings"

	"github.com/vide-ai/vide/pkg/models"
)

// Tool names the runtime understands structurally.
const (
	ToolWrite     = "Write"
	ToolEdit      = "Edit"
	ToolMultiEdit = "MultiEdit"
	ToolRead      = "Read"
	ToolGlob      = "Glob"
	ToolGrep      = "Grep"
)

// FileChange is a typed view over Write/Edit/MultiEdit invocations.
type FileChange struct {
	inv models.ToolInvocation
}

// AsFileChange returns a typed accessor when inv is a file-changing tool.
func AsFileChange(inv models.ToolInvocation) (FileChange, bool) {
	switch inv.ToolName {
	case ToolWrite, ToolEdit, ToolMultiEdit:
		return FileChange{inv: inv}, true
	default:
		return FileChange{}, false
	}
}

// FilePath returns the target file path.
func (f FileChange) FilePath() string { return stringParam(f.inv.Params, "file_path") }

// Content returns the new file content for Write.
func (f FileChange) Content() string { return stringParam(f.inv.Params, "content") }

// OldString returns the replaced text for Edit.
func (f FileChange) OldString() string { return stringParam(f.inv.Params, "old_string") }

// NewString returns the replacement text for Edit.
func (f FileChange) NewString() string { return stringParam(f.inv.Params, "new_string") }

// ReplaceAll reports whether an Edit replaces every occurrence.
func (f FileChange) ReplaceAll() bool {
	v, _ := f.inv.Params["replace_all"].(bool)
	return v
}

// Edits returns the edit list of a MultiEdit invocation.
func (f FileChange) Edits() []map[string]any {
	raw, _ := f.inv.Params["edits"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// OldLineCount counts the lines of text being replaced. Counting splits on
// newline and counts elements, so "a\nb\n" counts 3.
func (f FileChange) OldLineCount() int {
	switch f.inv.ToolName {
	case ToolWrite:
		return 0
	default:
		return lineCount(f.OldString())
	}
}

// NewLineCount counts the lines of text being written.
func (f FileChange) NewLineCount() int {
	switch f.inv.ToolName {
	case ToolWrite:
		return lineCount(f.Content())
	default:
		return lineCount(f.NewString())
	}
}

// HasChanges reports whether the invocation actually changes anything.
func (f FileChange) HasChanges() bool {
	switch f.inv.ToolName {
	case ToolWrite:
		return f.Content() != ""
	case ToolMultiEdit:
		return len(f.Edits()) > 0
	default:
		return f.OldString() != f.NewString()
	}
}

// RelativePath renders the file path relative to cwd when possible.
func (f FileChange) RelativePath(cwd string) string {
	return relativePath(f.FilePath(), cwd)
}

// FileQuery is a typed view over Read/Glob/Grep invocations.
type FileQuery struct {
	inv models.ToolInvocation
}

// AsFileQuery returns a typed accessor when inv is a file-reading tool.
func AsFileQuery(inv models.ToolInvocation) (FileQuery, bool) {
	switch inv.ToolName {
	case ToolRead, ToolGlob, ToolGrep:
		return FileQuery{inv: inv}, true
	default:
		return FileQuery{}, false
	}
}

// FilePath returns the target path of a Read.
func (f FileQuery) FilePath() string { return stringParam(f.inv.Params, "file_path") }

// Pattern returns the glob or regex pattern of Glob/Grep.
func (f FileQuery) Pattern() string { return stringParam(f.inv.Params, "pattern") }

// Path returns the search root of Glob/Grep.
func (f FileQuery) Path() string { return stringParam(f.inv.Params, "path") }

// RelativePath renders the target path relative to cwd when possible.
func (f FileQuery) RelativePath(cwd string) string {
	return relativePath(f.FilePath(), cwd)
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Split(s, "\n"))
}

func relativePath(path, cwd string) string {
	if path == "" || cwd == "" {
		return path
	}
	rel, err := filepath.Rel(cwd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
