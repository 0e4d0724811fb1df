package models

import (
	"strings"
	"time"
)

// ConversationState tracks where a conversation is in its turn cycle.
type ConversationState string

const (
	StateIdle              ConversationState = "idle"
	StateSendingMessage    ConversationState = "sendingMessage"
	StateReceivingResponse ConversationState = "receivingResponse"
	StateProcessing        ConversationState = "processing"
	StateError             ConversationState = "error"
)

// ConversationMessage is one user or assistant message in a conversation.
// Assistant content is derived from the message's text responses: streamed
// partial fragments are authoritative over cumulative duplicates.
type ConversationMessage struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	Content     string     `json:"content"`
	Timestamp   time.Time  `json:"timestamp"`
	Responses   []Response `json:"responses,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	IsStreaming bool       `json:"is_streaming"`
	IsComplete  bool       `json:"is_complete"`
	Error       string     `json:"error,omitempty"`
}

// ToolInvocation pairs a tool use with its result within one message.
type ToolInvocation struct {
	ToolUseID string         `json:"tool_use_id"`
	ToolName  string         `json:"tool_name"`
	Params    map[string]any `json:"params,omitempty"`
	Result    string         `json:"result,omitempty"`
	HasResult bool           `json:"has_result"`
	IsError   bool           `json:"is_error"`
}

// IsComplete reports whether the invocation has received its result.
func (t ToolInvocation) IsComplete() bool { return t.HasResult }

// ToolInvocations derives the tool invocations of a message by pairing each
// tool_use response with the tool_result carrying the same tool use ID.
func (m ConversationMessage) ToolInvocations() []ToolInvocation {
	var out []ToolInvocation
	for _, r := range m.Responses {
		if r.Kind != ResponseToolUse {
			continue
		}
		inv := ToolInvocation{
			ToolUseID: r.ToolUseID,
			ToolName:  r.ToolName,
			Params:    r.Params,
		}
		for _, res := range m.Responses {
			if res.Kind == ResponseToolResult && res.ToolUseID == r.ToolUseID {
				inv.Result = res.Content
				inv.HasResult = true
				inv.IsError = res.IsError
				break
			}
		}
		out = append(out, inv)
	}
	return out
}

// FoldContent computes the message content from its text responses. Within
// one message streamed partial fragments are preferred over cumulative
// copies: when any partial text exists, the concatenation of partials is
// authoritative and cumulative frames are elided.
func FoldContent(responses []Response) string {
	var partials strings.Builder
	havePartial := false
	var lastCumulative string
	for _, r := range responses {
		if r.Kind != ResponseText {
			continue
		}
		if r.IsPartial {
			havePartial = true
			partials.WriteString(r.Content)
		} else {
			lastCumulative = r.Content
		}
	}
	if havePartial {
		return partials.String()
	}
	return lastCumulative
}

// ContextUsage is the most recent reported context-window occupancy.
// WindowTotal is input + cacheRead + cacheCreation; output tokens do not
// contribute to window accounting.
type ContextUsage struct {
	Input         int `json:"input"`
	CacheRead     int `json:"cache_read"`
	CacheCreation int `json:"cache_creation"`
	WindowTotal   int `json:"window_total"`
}

// Conversation is an immutable snapshot of one agent's transcript and
// accounting. Mutating operations return a new snapshot.
type Conversation struct {
	Messages     []ConversationMessage `json:"messages"`
	State        ConversationState     `json:"state"`
	CurrentError string                `json:"current_error,omitempty"`

	TotalInputTokens              int `json:"total_input_tokens"`
	TotalOutputTokens             int `json:"total_output_tokens"`
	TotalCacheReadInputTokens     int `json:"total_cache_read_input_tokens"`
	TotalCacheCreationInputTokens int `json:"total_cache_creation_input_tokens"`

	CurrentContext ContextUsage `json:"current_context"`
	TotalCostUSD   float64      `json:"total_cost_usd"`
}

// NewConversation returns an empty idle conversation.
func NewConversation() Conversation {
	return Conversation{State: StateIdle}
}

// LastMessage returns the last message and true, or false when empty.
func (c Conversation) LastMessage() (ConversationMessage, bool) {
	if len(c.Messages) == 0 {
		return ConversationMessage{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// WithMessage returns a snapshot with msg appended.
func (c Conversation) WithMessage(msg ConversationMessage) Conversation {
	out := c
	out.Messages = make([]ConversationMessage, len(c.Messages)+1)
	copy(out.Messages, c.Messages)
	out.Messages[len(c.Messages)] = msg
	return out
}

// WithLastMessage returns a snapshot with the last message replaced.
// Panics if the conversation is empty; callers append first.
func (c Conversation) WithLastMessage(msg ConversationMessage) Conversation {
	out := c
	out.Messages = make([]ConversationMessage, len(c.Messages))
	copy(out.Messages, c.Messages)
	out.Messages[len(out.Messages)-1] = msg
	return out
}

// AccumulateUsage returns a snapshot with usage totals advanced and the
// current context replaced (not summed).
func (c Conversation) AccumulateUsage(u TokenUsage, costUSD float64) Conversation {
	out := c
	out.TotalInputTokens += u.InputTokens
	out.TotalOutputTokens += u.OutputTokens
	out.TotalCacheReadInputTokens += u.CacheReadTokens
	out.TotalCacheCreationInputTokens += u.CacheCreationTokens
	out.TotalCostUSD += costUSD
	out.CurrentContext = ContextUsage{
		Input:         u.InputTokens,
		CacheRead:     u.CacheReadTokens,
		CacheCreation: u.CacheCreationTokens,
		WindowTotal:   u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens,
	}
	return out
}
