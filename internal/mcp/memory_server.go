package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/vide-ai/vide/internal/storage"
)

// MemoryServerName is the shared project-memory server.
const MemoryServerName = "memory"

// MemoryServer exposes the project memory store to agents. It is shared
// across every agent in a network.
type MemoryServer struct {
	BaseServer
	store *storage.MemoryStore
}

// NewMemoryServer creates the memory server over a project store.
func NewMemoryServer(store *storage.MemoryStore) *MemoryServer {
	return &MemoryServer{
		BaseServer: NewBaseServer(MemoryServerName, "1.0.0"),
		store:      store,
	}
}

func (s *MemoryServer) Tools() []Tool {
	return []Tool{
		{
			Name:        "list_memories",
			Description: "List all stored memory entries for this project.",
			InputSchema: ObjectSchema(map[string]any{}),
			Handler:     s.list,
		},
		{
			Name:        "get_memory",
			Description: "Get a memory entry by key.",
			InputSchema: ObjectSchema(map[string]any{
				"key": StringProp("The memory key to look up."),
			}, "key"),
			Handler: s.get,
		},
		{
			Name:        "save_memory",
			Description: "Create or replace a memory entry.",
			InputSchema: ObjectSchema(map[string]any{
				"key":   StringProp("The memory key."),
				"value": StringProp("The content to remember."),
			}, "key", "value"),
			Handler: s.save,
		},
		{
			Name:        "delete_memory",
			Description: "Delete a memory entry by key.",
			InputSchema: ObjectSchema(map[string]any{
				"key": StringProp("The memory key to delete."),
			}, "key"),
			Handler: s.delete,
		},
	}
}

func (s *MemoryServer) list(ctx context.Context, args map[string]any) (*ToolResult, error) {
	entries, err := s.store.List()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &ToolResult{Content: TextContent("No memories stored.")}, nil
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Key, e.Value)
	}
	return &ToolResult{Content: TextContent(b.String())}, nil
}

func (s *MemoryServer) get(ctx context.Context, args map[string]any) (*ToolResult, error) {
	key, _ := args["key"].(string)
	entry, found, err := s.store.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return Errorf("no memory stored under %q", key), nil
	}
	return &ToolResult{Content: TextContent(entry.Value)}, nil
}

func (s *MemoryServer) save(ctx context.Context, args map[string]any) (*ToolResult, error) {
	key, _ := args["key"].(string)
	value, _ := args["value"].(string)
	if err := s.store.Set(key, value); err != nil {
		return nil, err
	}
	return &ToolResult{Content: TextContent(fmt.Sprintf("Saved memory %q.", key))}, nil
}

func (s *MemoryServer) delete(ctx context.Context, args map[string]any) (*ToolResult, error) {
	key, _ := args["key"].(string)
	if err := s.store.Delete(key); err != nil {
		return nil, err
	}
	return &ToolResult{Content: TextContent(fmt.Sprintf("Deleted memory %q.", key))}, nil
}
