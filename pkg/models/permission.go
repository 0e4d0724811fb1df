package models

// PermissionRequest asks the surrounding UI to allow or deny a tool call.
// The owning agent is blocked until a decision arrives.
type PermissionRequest struct {
	RequestID             string         `json:"request_id"`
	AgentID               string         `json:"agent_id"`
	Cwd                   string         `json:"cwd,omitempty"`
	ToolName              string         `json:"tool_name"`
	ToolInput             map[string]any `json:"tool_input,omitempty"`
	PermissionSuggestions []string       `json:"permission_suggestions,omitempty"`
	BlockedPath           string         `json:"blocked_path,omitempty"`
}

// PermissionDecision is the outcome of a permission request.
type PermissionDecision string

const (
	PermissionAllow PermissionDecision = "allow"
	PermissionDeny  PermissionDecision = "deny"
)

// PermissionResponse resolves a PermissionRequest. UpdatedInput, when set on
// an allow, replaces the tool input before execution. RememberPattern, when
// set on an allow, is added to the project allow-list so future matching
// calls skip the prompt.
type PermissionResponse struct {
	Decision        PermissionDecision `json:"decision"`
	Reason          string             `json:"reason,omitempty"`
	UpdatedInput    map[string]any     `json:"updated_input,omitempty"`
	RememberPattern string             `json:"remember_pattern,omitempty"`
}
