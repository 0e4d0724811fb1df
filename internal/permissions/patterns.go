// Package permissions brokers tool-call permission requests between an
// agent's protocol callback and the surrounding UI, blocking the tool until
// a decision arrives and applying the allow-list.
package permissions

import (
	"strings"

	"github.com/vide-ai/vide/pkg/models"
)

// writeFamilyTools are remembered for the session only; their allow
// patterns never persist to the settings file.
var writeFamilyTools = map[string]bool{
	"Write":     true,
	"Edit":      true,
	"MultiEdit": true,
}

// IsWriteFamily reports whether a tool mutates files.
func IsWriteFamily(toolName string) bool { return writeFamilyTools[toolName] }

// MatchesPattern checks one allow-list pattern against a tool call.
// Patterns take two forms:
//
//	ToolName            exact tool match, any input
//	ToolName(spec)      tool match plus input match; spec supports a
//	                    trailing "*" wildcard ("git:*", "/src/*")
//
// The input field matched is the tool's primary argument: command for Bash,
// file_path for file tools, url for web tools.
func MatchesPattern(pattern, toolName string, input map[string]any) bool {
	open := strings.IndexByte(pattern, '(')
	if open < 0 {
		return pattern == toolName || wildcardMatch(pattern, toolName)
	}
	if !strings.HasSuffix(pattern, ")") {
		return false
	}
	if pattern[:open] != toolName {
		return false
	}
	spec := pattern[open+1 : len(pattern)-1]
	return wildcardMatch(spec, primaryArgument(toolName, input))
}

// Allowed checks the tool call against every pattern.
func Allowed(patterns []string, toolName string, input map[string]any) bool {
	for _, p := range patterns {
		if MatchesPattern(p, toolName, input) {
			return true
		}
	}
	return false
}

func wildcardMatch(spec, value string) bool {
	if spec == "*" {
		return true
	}
	if strings.HasSuffix(spec, "*") {
		prefix := strings.TrimSuffix(spec, "*")
		// "git:*" allows "git" itself and anything under the prefix with
		// the separator stripped.
		prefix = strings.TrimSuffix(prefix, ":")
		return strings.HasPrefix(value, prefix)
	}
	return spec == value
}

func primaryArgument(toolName string, input map[string]any) string {
	var keys []string
	switch toolName {
	case "Bash":
		keys = []string{"command"}
	case "WebFetch", "WebSearch":
		keys = []string{"url", "query"}
	default:
		keys = []string{"file_path", "path", "pattern"}
	}
	for _, k := range keys {
		if v, ok := input[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// SuggestPattern renders a remember pattern for a request when the UI asks
// to remember without supplying one.
func SuggestPattern(req models.PermissionRequest) string {
	arg := primaryArgument(req.ToolName, req.ToolInput)
	if arg == "" {
		return req.ToolName
	}
	return req.ToolName + "(" + arg + ")"
}
