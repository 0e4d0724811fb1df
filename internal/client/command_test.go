package client

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/vide-ai/vide/internal/mcp"
	"github.com/vide-ai/vide/internal/observability"
	"github.com/vide-ai/vide/internal/storage"
)

func argValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func TestBuildArgs(t *testing.T) {
	host := mcp.NewHost(observability.NopLogger())
	cfg := Config{
		AgentID:      "agent-1",
		SessionID:    "agent-1",
		SystemPrompt: "You orchestrate.",
	}

	args := BuildArgs(cfg, host, false)

	for _, want := range []string{"--print", "--verbose"} {
		found := false
		for _, a := range args {
			if a == want {
				found = true
			}
		}
		if !found {
			t.Errorf("args missing %s: %v", want, args)
		}
	}
	if v, _ := argValue(args, "--output-format"); v != "stream-json" {
		t.Errorf("output format = %q", v)
	}
	if v, _ := argValue(args, "--input-format"); v != "stream-json" {
		t.Errorf("input format = %q", v)
	}
	if v, _ := argValue(args, "--append-system-prompt"); v != "You orchestrate." {
		t.Errorf("system prompt = %q", v)
	}
	if v, _ := argValue(args, "--session-id"); v != "agent-1" {
		t.Errorf("session id = %q", v)
	}
	if _, ok := argValue(args, "--resume"); ok {
		t.Error("fresh session must not resume")
	}
	if v, _ := argValue(args, "--permission-prompt-tool"); v != "stdio" {
		t.Errorf("permission prompt tool = %q", v)
	}
	// No servers registered: no mcp config flag.
	if _, ok := argValue(args, "--mcp-config"); ok {
		t.Error("empty host should not emit --mcp-config")
	}
}

func TestBuildArgsResume(t *testing.T) {
	host := mcp.NewHost(observability.NopLogger())
	args := BuildArgs(Config{SessionID: "agent-1"}, host, true)
	if v, _ := argValue(args, "--resume"); v != "agent-1" {
		t.Errorf("resume = %q", v)
	}
	if _, ok := argValue(args, "--session-id"); ok {
		t.Error("resume must not also pass --session-id")
	}
}

func TestBuildArgsMCPConfig(t *testing.T) {
	host := mcp.NewHost(observability.NopLogger())
	if err := host.Register(mcp.NewMemoryServer(storage.NewMemoryStore(t.TempDir(), "/p")), true); err != nil {
		t.Fatal(err)
	}

	args := BuildArgs(Config{}, host, false)
	raw, ok := argValue(args, "--mcp-config")
	if !ok {
		t.Fatal("registered servers should emit --mcp-config")
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("mcp config is not JSON: %v", err)
	}
	servers := cfg["mcpServers"].(map[string]any)
	entry, ok := servers[mcp.MemoryServerName].(map[string]any)
	if !ok {
		t.Fatalf("servers = %v", servers)
	}
	if entry["type"] != "sdk" {
		t.Errorf("transport = %v, want sdk", entry["type"])
	}
}

func TestBuildArgsExtraArgsLast(t *testing.T) {
	host := mcp.NewHost(observability.NopLogger())
	args := BuildArgs(Config{ExtraArgs: []string{"--model", "opus"}}, host, false)
	if !strings.HasSuffix(strings.Join(args, " "), "--model opus") {
		t.Errorf("extra args should come last: %v", args)
	}
}
