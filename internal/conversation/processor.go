// Package conversation folds typed responses into immutable conversation
// snapshots and holds them for subscribers.
package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/vide-ai/vide/internal/protocol"
	"github.com/vide-ai/vide/pkg/models"
)

// Stop reasons reported on end-of-turn assistant frames.
const (
	stopEndTurn = "end_turn"
	stopToolUse = "tool_use"
)

// Result is the outcome of processing one response.
type Result struct {
	Conversation models.Conversation
	TurnComplete bool
}

// Process is a pure reducer from (response, conversation) to the next
// conversation snapshot plus a turn-complete flag. It never mutates its
// inputs.
func Process(r models.Response, c models.Conversation) Result {
	switch r.Kind {
	case models.ResponseText:
		return processText(r, c)
	case models.ResponseToolUse:
		return processToolUse(r, c)
	case models.ResponseToolResult:
		return processToolResult(r, c)
	case models.ResponseCompletion:
		return processCompletion(r, c)
	case models.ResponseError:
		return processError(r, c)
	default:
		// Status, Meta and Unknown frames do not advance the conversation.
		return Result{Conversation: c}
	}
}

func processText(r models.Response, c models.Conversation) Result {
	c = appendToStreaming(r, c)
	c.State = models.StateReceivingResponse

	usage, stopReason := protocol.ExtractUsage(r)
	if usage != nil {
		c = c.AccumulateUsage(*usage, 0)
	}
	switch stopReason {
	case stopEndTurn:
		msg, _ := c.LastMessage()
		msg.IsStreaming = false
		msg.IsComplete = true
		c = c.WithLastMessage(msg)
		c.State = models.StateIdle
		return Result{Conversation: c, TurnComplete: true}
	case stopToolUse:
		// Usage merged above; the message keeps streaming until results
		// come back.
		return Result{Conversation: c}
	default:
		return Result{Conversation: c}
	}
}

func processToolUse(r models.Response, c models.Conversation) Result {
	c = appendToStreaming(r, c)
	c.State = models.StateProcessing
	return Result{Conversation: c}
}

func processToolResult(r models.Response, c models.Conversation) Result {
	c = appendToStreaming(r, c)
	c.State = models.StateProcessing
	return Result{Conversation: c}
}

func processCompletion(r models.Response, c models.Conversation) Result {
	if r.Usage != nil {
		c = c.AccumulateUsage(*r.Usage, r.CostUSD)
	} else if r.CostUSD != 0 {
		c.TotalCostUSD += r.CostUSD
	}
	if msg, ok := c.LastMessage(); ok && msg.Role == models.RoleAssistant {
		msg.IsStreaming = false
		msg.IsComplete = true
		c = c.WithLastMessage(msg)
	}
	c.State = models.StateIdle
	return Result{Conversation: c, TurnComplete: true}
}

func processError(r models.Response, c models.Conversation) Result {
	msg, ok := c.LastMessage()
	if !ok || msg.Role != models.RoleAssistant || msg.IsComplete {
		msg = newAssistantMessage(r)
		c = c.WithMessage(msg)
	}
	msg, _ = c.LastMessage()
	msg.IsStreaming = false
	msg.IsComplete = true
	msg.Error = r.ErrorMessage
	c = c.WithLastMessage(msg)
	c.State = models.StateError
	c.CurrentError = r.ErrorMessage
	return Result{Conversation: c, TurnComplete: true}
}

// appendToStreaming appends r to the trailing streaming assistant message,
// creating one when the conversation has none.
func appendToStreaming(r models.Response, c models.Conversation) models.Conversation {
	msg, ok := c.LastMessage()
	if !ok || msg.Role != models.RoleAssistant || !msg.IsStreaming {
		msg = newAssistantMessage(r)
		return c.WithMessage(msg)
	}
	msg.Responses = append(append([]models.Response{}, msg.Responses...), r)
	msg.Content = models.FoldContent(msg.Responses)
	return c.WithLastMessage(msg)
}

func newAssistantMessage(r models.Response) models.ConversationMessage {
	msg := models.ConversationMessage{
		ID:          uuid.NewString(),
		Role:        models.RoleAssistant,
		Timestamp:   time.Now(),
		Responses:   []models.Response{r},
		IsStreaming: true,
	}
	msg.Content = models.FoldContent(msg.Responses)
	return msg
}

// NewUserMessage builds the user message appended when a turn is sent.
func NewUserMessage(content string, attachments []string) models.ConversationMessage {
	return models.ConversationMessage{
		ID:          uuid.NewString(),
		Role:        models.RoleUser,
		Content:     content,
		Timestamp:   time.Now(),
		Attachments: attachments,
		IsComplete:  true,
	}
}
