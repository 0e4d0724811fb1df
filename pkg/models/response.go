// Package models defines the shared data model for the Vide agent runtime:
// typed responses decoded from the agent CLI stream, conversation snapshots,
// agent networks, permissions, and the multiplexed event format.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ResponseKind discriminates the Response variants.
type ResponseKind string

const (
	// ResponseText carries assistant (or echoed user) text content.
	ResponseText ResponseKind = "text"

	// ResponseToolUse is the agent requesting a tool invocation.
	ResponseToolUse ResponseKind = "tool_use"

	// ResponseToolResult is the outcome of a tool invocation.
	ResponseToolResult ResponseKind = "tool_result"

	// ResponseCompletion ends a turn and carries usage accounting.
	ResponseCompletion ResponseKind = "completion"

	// ResponseError reports a stream or process failure.
	ResponseError ResponseKind = "error"

	// ResponseStatus is an informational status frame.
	ResponseStatus ResponseKind = "status"

	// ResponseMeta carries session metadata (init frames and the like).
	ResponseMeta ResponseKind = "meta"

	// ResponseUnknown preserves frames whose type is not recognized.
	ResponseUnknown ResponseKind = "unknown"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TokenUsage is the usage block attached to completions and end-of-turn
// text frames.
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Response is one typed frame decoded from the agent CLI stream. It is a
// tagged variant: Kind selects which fields are meaningful. Responses are
// immutable once constructed and append-only within their message.
type Response struct {
	ID        string       `json:"id"`
	Kind      ResponseKind `json:"kind"`
	Timestamp time.Time    `json:"timestamp"`

	// Text fields.
	Content   string `json:"content,omitempty"`
	IsPartial bool   `json:"is_partial,omitempty"`
	Role      Role   `json:"role,omitempty"`

	// ToolUse / ToolResult fields.
	ToolName  string         `json:"tool_name,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`

	// Completion fields.
	StopReason string      `json:"stop_reason,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
	CostUSD    float64     `json:"cost_usd,omitempty"`

	// Error fields.
	ErrorMessage string `json:"error,omitempty"`
	ErrorDetails string `json:"details,omitempty"`
	ErrorCode    string `json:"code,omitempty"`

	// RawData preserves the original frame for Status/Meta/Unknown and for
	// usage extraction on text frames.
	RawData map[string]any `json:"raw_data,omitempty"`
}

// NewTextResponse creates a text response.
func NewTextResponse(id, content string, partial bool) Response {
	return Response{
		ID:        id,
		Kind:      ResponseText,
		Timestamp: time.Now(),
		Content:   content,
		IsPartial: partial,
		Role:      RoleAssistant,
	}
}

// NewToolUseResponse creates a tool-use response.
func NewToolUseResponse(id, toolName, toolUseID string, params map[string]any) Response {
	return Response{
		ID:        id,
		Kind:      ResponseToolUse,
		Timestamp: time.Now(),
		ToolName:  toolName,
		ToolUseID: toolUseID,
		Params:    params,
	}
}

// NewToolResultResponse creates a tool-result response.
func NewToolResultResponse(id, toolUseID, content string, isError bool) Response {
	return Response{
		ID:        id,
		Kind:      ResponseToolResult,
		Timestamp: time.Now(),
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}
}

// NewCompletionResponse creates a completion response.
func NewCompletionResponse(id, stopReason string, usage *TokenUsage, costUSD float64) Response {
	return Response{
		ID:         id,
		Kind:       ResponseCompletion,
		Timestamp:  time.Now(),
		StopReason: stopReason,
		Usage:      usage,
		CostUSD:    costUSD,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id, message, details, code string) Response {
	return Response{
		ID:           id,
		Kind:         ResponseError,
		Timestamp:    time.Now(),
		ErrorMessage: message,
		ErrorDetails: details,
		ErrorCode:    code,
	}
}

// NewRawResponse creates a Status, Meta or Unknown response carrying the
// original frame.
func NewRawResponse(id string, kind ResponseKind, raw map[string]any) Response {
	return Response{
		ID:        id,
		Kind:      kind,
		Timestamp: time.Now(),
		RawData:   raw,
	}
}

// IsMCPTool reports whether a tool name follows the mcp__<server>__<tool>
// convention.
func IsMCPTool(name string) bool {
	return strings.HasPrefix(name, "mcp__") && strings.Count(name, "__") >= 2
}

// ToolDisplayName renders a tool name for display. MCP tool names of shape
// mcp__<server>__<tool> become "<Server Title Cased>: <tool>"; other names
// pass through unchanged.
func ToolDisplayName(name string) string {
	if !IsMCPTool(name) {
		return name
	}
	rest := strings.TrimPrefix(name, "mcp__")
	idx := strings.Index(rest, "__")
	if idx < 0 {
		return name
	}
	server, tool := rest[:idx], rest[idx+2:]
	words := strings.Split(server, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return fmt.Sprintf("%s: %s", strings.Join(words, " "), tool)
}
