package client

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/vide-ai/vide/internal/mcp"
)

func newRequestID() string { return uuid.NewString() }

// BuildArgs computes the CLI argument vector: stream-json on both ends,
// system prompt, session id, and the in-process MCP server configuration.
func BuildArgs(cfg Config, host *mcp.Host, resume bool) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	if cfg.SessionID != "" {
		if resume {
			args = append(args, "--resume", cfg.SessionID)
		} else {
			args = append(args, "--session-id", cfg.SessionID)
		}
	}
	if mcpConfig := mcpConfigJSON(host); mcpConfig != "" {
		args = append(args, "--mcp-config", mcpConfig)
	}
	args = append(args, "--permission-prompt-tool", "stdio")
	args = append(args, cfg.ExtraArgs...)
	return args
}

// mcpConfigJSON renders the server list the subprocess imports. In-process
// servers are declared with the sdk transport: calls come back over the
// control protocol instead of a separate pipe.
func mcpConfigJSON(host *mcp.Host) string {
	servers := host.Servers()
	if len(servers) == 0 {
		return ""
	}
	cfg := map[string]any{"mcpServers": map[string]any{}}
	m := cfg["mcpServers"].(map[string]any)
	for _, s := range servers {
		m[s.Name()] = map[string]any{"type": "sdk", "name": s.Name()}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return string(data)
}
