package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/vide-ai/vide/internal/config"
	"github.com/vide-ai/vide/internal/permissions"
)

// hookRequest is the payload the agent CLI pipes to the pre-tool-use hook.
type hookRequest struct {
	ToolName string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	Cwd      string         `json:"cwd"`
}

// hookResponse is the decision printed back on stdout. An empty decision
// defers to the interactive permission flow.
type hookResponse struct {
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// runHook runs permission-handler mode: read one JSON request on stdin,
// approve it when the project's allow-list covers it, otherwise stay silent
// so the call falls through to the interactive broker. Exit 0 on success,
// non-zero on protocol error.
func runHook(in io.Reader, out io.Writer) error {
	var req hookRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("hook: decode request: %w", err)
	}
	if req.ToolName == "" {
		return fmt.Errorf("hook: request missing tool_name")
	}

	project := req.Cwd
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("hook: resolve project: %w", err)
		}
		project = wd
	}

	scope := config.NewTerminalScope(project)
	allow, err := scope.Settings().AllowPatterns()
	if err != nil {
		return fmt.Errorf("hook: load settings: %w", err)
	}

	resp := hookResponse{}
	if permissions.Allowed(allow, req.ToolName, req.ToolInput) {
		resp = hookResponse{Decision: "approve", Reason: "allow-listed"}
	}
	if err := json.NewEncoder(out).Encode(resp); err != nil {
		return fmt.Errorf("hook: write response: %w", err)
	}
	return nil
}
