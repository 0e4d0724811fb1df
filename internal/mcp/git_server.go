package mcp

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// GitServerName is the per-network git server.
const GitServerName = "git"

const gitCommandTimeout = 30 * time.Second

// GitServer exposes read/commit git operations running in the network's
// effective working directory.
type GitServer struct {
	BaseServer
	workdir func() string
}

// NewGitServer creates a git server. workdir is resolved per call so the
// server follows the network's worktree path.
func NewGitServer(workdir func() string) *GitServer {
	return &GitServer{
		BaseServer: NewBaseServer(GitServerName, "1.0.0"),
		workdir:    workdir,
	}
}

func (s *GitServer) Tools() []Tool {
	return []Tool{
		{
			Name:        "status",
			Description: "Show the working tree status.",
			InputSchema: ObjectSchema(map[string]any{}),
			Handler: func(ctx context.Context, args map[string]any) (*ToolResult, error) {
				return s.run(ctx, "status", "--short", "--branch")
			},
		},
		{
			Name:        "diff",
			Description: "Show unstaged changes, or changes for a specific path.",
			InputSchema: ObjectSchema(map[string]any{
				"path": StringProp("Optional path to limit the diff to."),
			}),
			Handler: func(ctx context.Context, args map[string]any) (*ToolResult, error) {
				gitArgs := []string{"diff"}
				if path, _ := args["path"].(string); path != "" {
					gitArgs = append(gitArgs, "--", path)
				}
				return s.run(ctx, gitArgs...)
			},
		},
		{
			Name:        "log",
			Description: "Show recent commits.",
			InputSchema: ObjectSchema(map[string]any{
				"count": map[string]any{"type": "integer", "description": "Number of commits to show (default 10)."},
			}),
			Handler: func(ctx context.Context, args map[string]any) (*ToolResult, error) {
				count := 10
				if n, ok := args["count"].(float64); ok && n > 0 {
					count = int(n)
				}
				return s.run(ctx, "log", "--oneline", fmt.Sprintf("-%d", count))
			},
		},
		{
			Name:        "commit",
			Description: "Stage all changes and commit with the given message.",
			InputSchema: ObjectSchema(map[string]any{
				"message": StringProp("The commit message."),
			}, "message"),
			Handler: func(ctx context.Context, args map[string]any) (*ToolResult, error) {
				message, _ := args["message"].(string)
				if strings.TrimSpace(message) == "" {
					return Errorf("commit message is empty"), nil
				}
				if res, err := s.run(ctx, "add", "-A"); err != nil || res.IsError {
					return res, err
				}
				return s.run(ctx, "commit", "-m", message)
			},
		},
	}
}

func (s *GitServer) run(ctx context.Context, args ...string) (*ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.workdir()
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return &ToolResult{Content: TextContent(text), IsError: true}, nil
	}
	if text == "" {
		text = "(no output)"
	}
	return &ToolResult{Content: TextContent(text)}, nil
}
