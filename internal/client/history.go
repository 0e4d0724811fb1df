package client

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vide-ai/vide/internal/conversation"
	"github.com/vide-ai/vide/internal/protocol"
	"github.com/vide-ai/vide/pkg/models"
)

// LoadHistory reconstructs a conversation from the CLI's own session file
// (line-delimited JSON, written by the CLI; the runtime only reads it).
// User frames become user messages; everything else replays through the
// reducer, so the rebuilt snapshot obeys the same invariants as a live one.
func LoadHistory(path string) (models.Conversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	conv := models.NewConversation()
	dec := protocol.NewDecoder(f)
	for {
		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var parseErr *protocol.ParseError
			if errors.As(err, &parseErr) {
				// One bad line does not invalidate the rest of the
				// history.
				continue
			}
			return models.Conversation{}, fmt.Errorf("read session file: %w", err)
		}
		if text, ok := userText(frame); ok {
			conv = conv.WithMessage(conversation.NewUserMessage(text, nil))
			continue
		}
		for _, r := range protocol.ToResponses(frame) {
			res := conversation.Process(r, conv)
			conv = res.Conversation
		}
	}
	conv.State = models.StateIdle
	conv.CurrentError = ""
	return conv, nil
}

// userText extracts plain user text from a history frame, distinguishing a
// real user turn from tool_result user frames.
func userText(frame protocol.Frame) (string, bool) {
	if frame.Type() != "user" {
		return "", false
	}
	msg, ok := frame["message"].(map[string]any)
	if !ok {
		return "", false
	}
	switch content := msg["content"].(type) {
	case string:
		return content, content != ""
	case []any:
		out := ""
		for _, b := range content {
			block, ok := b.(map[string]any)
			if !ok {
				return "", false
			}
			if block["type"] == "tool_result" {
				return "", false
			}
			if block["type"] == "text" {
				text, _ := block["text"].(string)
				out += text
			}
		}
		return out, out != ""
	default:
		return "", false
	}
}
