package models

import "time"

// NetworkEventType identifies the kinds of events on the multiplexed stream.
type NetworkEventType string

const (
	// EventConnected is emitted once per subscriber before the snapshot.
	EventConnected NetworkEventType = "connected"

	// EventMessage carries a full message (snapshot replay or a newly
	// started message).
	EventMessage NetworkEventType = "message"

	// EventMessageDelta carries the text appended to the current message
	// since the last emission.
	EventMessageDelta NetworkEventType = "message_delta"

	// EventToolUse announces a tool invocation request.
	EventToolUse NetworkEventType = "tool_use"

	// EventToolResult announces a tool invocation outcome.
	EventToolResult NetworkEventType = "tool_result"

	// EventPermissionRequest asks the subscriber to decide a tool call.
	EventPermissionRequest NetworkEventType = "permission_request"

	// EventStatus announces an agent status transition.
	EventStatus NetworkEventType = "status"

	// EventDone marks the end of an agent's turn.
	EventDone NetworkEventType = "done"

	// EventError reports a conversation error.
	EventError NetworkEventType = "error"
)

// NetworkEvent is one attributed entry on a network's multiplexed timeline.
// Every agent in a network multiplexes onto one stream per network.
type NetworkEvent struct {
	AgentID   string           `json:"agent_id"`
	AgentType AgentType        `json:"agent_type"`
	AgentName string           `json:"agent_name"`
	TaskName  string           `json:"task_name,omitempty"`
	Type      NetworkEventType `json:"type"`
	Data      map[string]any   `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
