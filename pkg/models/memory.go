package models

import "time"

// MemoryEntry is one key/value record in a project's persistent memory.
type MemoryEntry struct {
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// HookCommand is one command entry of a pre-tool-use hook.
type HookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// HookMatcher pairs a tool-name matcher regex with its hook commands.
type HookMatcher struct {
	Matcher string        `json:"matcher"`
	Hooks   []HookCommand `json:"hooks"`
}

// ProjectSettings mirrors the project-local settings file: the permission
// allow-list and pre-tool-use hook configuration.
type ProjectSettings struct {
	Permissions struct {
		Allow []string `json:"allow"`
	} `json:"permissions"`
	Hooks struct {
		PreToolUse []HookMatcher `json:"preToolUse,omitempty"`
	} `json:"hooks"`
}
