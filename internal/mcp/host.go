// Package mcp hosts the in-process MCP tool servers exposed to agents:
// memory, task management, agent control, git and the Flutter runtime.
// Server names are dash-separated lowercase and surface to the subprocess
// as mcp__<server>__<tool> tool names.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ContentBlock is one piece of a tool result.
type ContentBlock struct {
	Type     string `json:"type"` // text or image
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`      // base64 for images
	MimeType string `json:"mime_type,omitempty"` // for images
}

// TextContent builds a single text block result.
func TextContent(text string) []ContentBlock {
	return []ContentBlock{{Type: "text", Text: text}}
}

// ToolResult is the outcome of one tool handler.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"is_error,omitempty"`
}

// Errorf builds an error tool result.
func Errorf(format string, args ...any) *ToolResult {
	return &ToolResult{Content: TextContent(fmt.Sprintf(format, args...)), IsError: true}
}

// ToolHandler serves one tool call with structured args.
type ToolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// Tool declares one callable tool of a server.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     ToolHandler
}

// Server is one in-process MCP tool server. Servers flagged shared are
// reference-counted across the clients of a network; per-agent servers are
// owned by their client.
type Server interface {
	Name() string
	Version() string
	Tools() []Tool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

// BaseServer implements the bookkeeping half of Server; concrete servers
// embed it and provide tools.
type BaseServer struct {
	name    string
	version string
	mu      sync.Mutex
	running bool
}

// NewBaseServer creates the embedded base.
func NewBaseServer(name, version string) BaseServer {
	return BaseServer{name: name, version: version}
}

func (s *BaseServer) Name() string    { return s.name }
func (s *BaseServer) Version() string { return s.version }

func (s *BaseServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return nil
}

func (s *BaseServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *BaseServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Host is the registry of tool servers one agent imports. Tool calls are
// dispatched by the mcp__<server>__<tool> convention and inputs are
// validated against the tool's schema before the handler runs.
type Host struct {
	logger *slog.Logger

	mu      sync.Mutex
	servers map[string]Server
	shared  map[string]bool
	schemas map[string]*jsonschema.Schema
}

// NewHost creates an empty host.
func NewHost(logger *slog.Logger) *Host {
	return &Host{
		logger:  logger.With("component", "mcp"),
		servers: make(map[string]Server),
		shared:  make(map[string]bool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a server. shared marks it reference-counted across agents.
func (h *Host) Register(server Server, shared bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := server.Name()
	if _, exists := h.servers[name]; exists {
		return fmt.Errorf("mcp server %q already registered", name)
	}
	for _, tool := range server.Tools() {
		if tool.InputSchema == nil {
			continue
		}
		schema, err := compileSchema(tool.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s/%s schema: %w", name, tool.Name, err)
		}
		h.schemas[name+"/"+tool.Name] = schema
	}
	h.servers[name] = server
	h.shared[name] = shared
	return nil
}

// Server returns a registered server by name.
func (h *Host) Server(name string) (Server, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.servers[name]
	return s, ok
}

// Servers returns every registered server.
func (h *Host) Servers() []Server {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Server, 0, len(h.servers))
	for _, s := range h.servers {
		out = append(out, s)
	}
	return out
}

// IsShared reports whether a server is shared across agents.
func (h *Host) IsShared(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shared[name]
}

// StartAll starts every registered server, skipping already-running shared
// ones.
func (h *Host) StartAll(ctx context.Context) error {
	for _, s := range h.Servers() {
		if s.Running() {
			continue
		}
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start mcp server %s: %w", s.Name(), err)
		}
		h.logger.Debug("mcp server started", "server", s.Name())
	}
	return nil
}

// StopOwned stops every non-shared server. Shared servers are stopped by
// whoever releases the last reference.
func (h *Host) StopOwned(ctx context.Context) {
	for _, s := range h.Servers() {
		if h.IsShared(s.Name()) || !s.Running() {
			continue
		}
		if err := s.Stop(ctx); err != nil {
			h.logger.Warn("mcp server stop failed", "server", s.Name(), "error", err)
		}
	}
}

// SplitToolName decodes mcp__<server>__<tool> into its parts.
func SplitToolName(full string) (server, tool string, ok bool) {
	if !strings.HasPrefix(full, "mcp__") {
		return "", "", false
	}
	rest := strings.TrimPrefix(full, "mcp__")
	idx := strings.Index(rest, "__")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+2:], true
}

// CallTool dispatches one mcp__<server>__<tool> call, validating args
// against the tool's input schema first.
func (h *Host) CallTool(ctx context.Context, fullName string, args map[string]any) (*ToolResult, error) {
	serverName, toolName, ok := SplitToolName(fullName)
	if !ok {
		return nil, fmt.Errorf("not an mcp tool name: %q", fullName)
	}
	server, found := h.Server(serverName)
	if !found {
		return nil, fmt.Errorf("unknown mcp server %q", serverName)
	}
	for _, tool := range server.Tools() {
		if tool.Name != toolName {
			continue
		}
		if err := h.validate(serverName+"/"+toolName, args); err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		return tool.Handler(ctx, args)
	}
	return nil, fmt.Errorf("unknown tool %q on server %q", toolName, serverName)
}

func (h *Host) validate(key string, args map[string]any) error {
	h.mu.Lock()
	schema := h.schemas[key]
	h.mu.Unlock()
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return schema.Validate(normalize(args))
}

func compileSchema(raw map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(data))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// normalize round-trips args through JSON so the validator sees canonical
// types.
func normalize(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}

// ObjectSchema is a shorthand for the common object input schema.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProp is a shorthand for a string property with a description.
func StringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
