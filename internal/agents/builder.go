// Package agents resolves an agent type into its launch configuration:
// system prompt and the MCP server subset the agent imports. User-defined
// agent definitions are loaded from YAML files under the config root.
package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vide-ai/vide/internal/mcp"
	"github.com/vide-ai/vide/pkg/models"
)

// Definition is a user-defined agent type, loaded from
// <configRoot>/agents/<name>.yaml.
type Definition struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	SystemPrompt string   `yaml:"system_prompt"`
	MCPServers   []string `yaml:"mcp_servers,omitempty"`
}

// Config is the resolved launch configuration for one agent.
type Config struct {
	Type         models.AgentType
	SystemPrompt string
	MCPServers   []string
}

// builtinPrompts are the baseline system prompts per agent type. The full
// prompt templates live with the UI surfaces; these cover the roles.
var builtinPrompts = map[models.AgentType]string{
	models.AgentTypeMain: "You are the main orchestrator agent. Break the goal " +
		"into tasks, spawn specialist agents when useful, and keep the shared " +
		"task list current.",
	models.AgentTypeImplementation: "You are an implementation agent. Make the " +
		"code changes you are asked for and report back to the agent that " +
		"spawned you.",
	models.AgentTypePlanning: "You are a planning agent. Produce a concrete " +
		"plan for the goal; do not modify files.",
	models.AgentTypeContextCollection: "You are a context collection agent. " +
		"Find and summarize the code relevant to the question; do not modify " +
		"files.",
	models.AgentTypeFlutterTester: "You are a Flutter testing agent. Run the " +
		"app, exercise it, and report defects.",
}

// builtinServers is the MCP server subset per agent type.
var builtinServers = map[models.AgentType][]string{
	models.AgentTypeMain: {
		mcp.MemoryServerName, mcp.TasksServerName, mcp.AgentServerName,
		mcp.GitServerName, mcp.FlutterServerName,
	},
	models.AgentTypeImplementation: {
		mcp.MemoryServerName, mcp.TasksServerName, mcp.AgentServerName,
		mcp.GitServerName,
	},
	models.AgentTypePlanning: {
		mcp.MemoryServerName, mcp.TasksServerName, mcp.AgentServerName,
	},
	models.AgentTypeContextCollection: {
		mcp.MemoryServerName, mcp.AgentServerName,
	},
	models.AgentTypeFlutterTester: {
		mcp.TasksServerName, mcp.AgentServerName, mcp.FlutterServerName,
	},
}

// Builder resolves agent types to configurations.
type Builder struct {
	defsDir string

	mu   sync.Mutex
	defs map[string]Definition
}

// NewBuilder creates a builder loading user definitions from defsDir.
func NewBuilder(defsDir string) *Builder {
	return &Builder{defsDir: defsDir, defs: make(map[string]Definition)}
}

// LoadUserDefinitions reads every *.yaml definition in the definitions
// directory. A missing directory is fine; individual bad files fail the
// load.
func (b *Builder) LoadUserDefinitions() error {
	entries, err := os.ReadDir(b.defsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read agent definitions: %w", err)
	}
	defs := make(map[string]Definition)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.defsDir, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(e.Name(), ".yaml")
		}
		if def.SystemPrompt == "" {
			return fmt.Errorf("definition %s has no system_prompt", def.Name)
		}
		defs[def.Name] = def
	}
	b.mu.Lock()
	b.defs = defs
	b.mu.Unlock()
	return nil
}

// Definitions returns the loaded user definitions.
func (b *Builder) Definitions() []Definition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Definition, 0, len(b.defs))
	for _, d := range b.defs {
		out = append(out, d)
	}
	return out
}

// ParseType resolves a type string from the spawn tool into an AgentType,
// accepting builtin names and loaded user-defined names.
func (b *Builder) ParseType(s string) (models.AgentType, error) {
	t := models.AgentType(s)
	if _, ok := builtinPrompts[t]; ok {
		return t, nil
	}
	if name := t.UserDefinedName(); name != "" {
		s = name
	}
	b.mu.Lock()
	_, ok := b.defs[s]
	b.mu.Unlock()
	if ok {
		return models.UserDefinedAgentType(s), nil
	}
	return "", fmt.Errorf("unknown agent type %q", s)
}

// Build resolves the configuration for an agent type.
func (b *Builder) Build(agentType models.AgentType) (Config, error) {
	if prompt, ok := builtinPrompts[agentType]; ok {
		return Config{
			Type:         agentType,
			SystemPrompt: prompt,
			MCPServers:   append([]string{}, builtinServers[agentType]...),
		}, nil
	}
	name := agentType.UserDefinedName()
	if name == "" {
		return Config{}, fmt.Errorf("unknown agent type %q", agentType)
	}
	b.mu.Lock()
	def, ok := b.defs[name]
	b.mu.Unlock()
	if !ok {
		return Config{}, fmt.Errorf("no definition for user agent %q", name)
	}
	servers := def.MCPServers
	if len(servers) == 0 {
		servers = []string{mcp.MemoryServerName, mcp.AgentServerName}
	}
	return Config{
		Type:         agentType,
		SystemPrompt: def.SystemPrompt,
		MCPServers:   append([]string{}, servers...),
	}, nil
}
