package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vide-ai/vide/pkg/models"
)

// Frame types observed on the agent CLI stream. The CLI emits both streaming
// content_block_delta fragments and cumulative assistant messages for the
// same logical content; downstream folding elides the duplication.
const (
	frameAssistant    = "assistant"
	frameUser         = "user"
	frameResult       = "result"
	frameSystem       = "system"
	frameError        = "error"
	frameStreamEvent  = "stream_event"
	frameContentDelta = "content_block_delta"

	frameControlRequest  = "control_request"
	frameControlResponse = "control_response"
)

// IsControlFrame reports whether f is part of the control dialogue rather
// than conversation content.
func IsControlFrame(f Frame) bool {
	t := f.Type()
	return t == frameControlRequest || t == frameControlResponse
}

// ParseErrorResponse wraps one malformed line as an error response without
// aborting the stream.
func ParseErrorResponse(line string) models.Response {
	return models.NewErrorResponse(uuid.NewString(), "failed to parse frame", line, "PARSE")
}

// ProcessExitResponse reports an unexpected subprocess exit while a turn was
// outstanding.
func ProcessExitResponse(exitCode int) models.Response {
	return models.NewErrorResponse(
		uuid.NewString(),
		fmt.Sprintf("agent process exited unexpectedly (code %d)", exitCode),
		"",
		"PROCESS_EXIT",
	)
}

// ToResponses converts one conversation frame into typed responses. A single
// assistant frame may carry several content blocks (text plus tool uses) and
// therefore yields several responses. Unknown frame types yield a single
// Unknown response preserving the raw frame.
func ToResponses(f Frame) []models.Response {
	switch f.Type() {
	case frameAssistant:
		return assistantResponses(f)
	case frameUser:
		return userResponses(f)
	case frameResult:
		return []models.Response{resultResponse(f)}
	case frameSystem:
		return []models.Response{models.NewRawResponse(uuid.NewString(), models.ResponseMeta, f)}
	case frameError:
		return []models.Response{errorResponse(f)}
	case frameStreamEvent:
		if r, ok := streamEventResponse(f); ok {
			return []models.Response{r}
		}
		return []models.Response{models.NewRawResponse(uuid.NewString(), models.ResponseStatus, f)}
	case frameContentDelta:
		if delta, ok := nested(f, "delta"); ok {
			if text, ok := delta["text"].(string); ok {
				return []models.Response{models.NewTextResponse(uuid.NewString(), text, true)}
			}
		}
		return []models.Response{models.NewRawResponse(uuid.NewString(), models.ResponseStatus, f)}
	default:
		return []models.Response{models.NewRawResponse(uuid.NewString(), models.ResponseUnknown, f)}
	}
}

// assistantResponses flattens a cumulative assistant frame into one response
// per content block. Text blocks keep the whole frame as RawData so the
// reducer can read message.usage and stop_reason.
func assistantResponses(f Frame) []models.Response {
	msg, ok := nested(f, "message")
	if !ok {
		return []models.Response{models.NewRawResponse(uuid.NewString(), models.ResponseUnknown, f)}
	}
	blocks, _ := msg["content"].([]any)
	var out []models.Response
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			text, _ := block["text"].(string)
			r := models.NewTextResponse(uuid.NewString(), text, false)
			r.RawData = f
			out = append(out, r)
		case "tool_use":
			name, _ := block["name"].(string)
			id, _ := block["id"].(string)
			params, _ := block["input"].(map[string]any)
			out = append(out, models.NewToolUseResponse(uuid.NewString(), name, id, params))
		}
	}
	if len(out) == 0 {
		// Assistant frame with no usable content blocks still matters when
		// it carries an end-of-turn stop reason.
		r := models.NewTextResponse(uuid.NewString(), "", false)
		r.RawData = f
		out = append(out, r)
	}
	return out
}

// userResponses extracts tool_result blocks from inbound user frames.
func userResponses(f Frame) []models.Response {
	msg, ok := nested(f, "message")
	if !ok {
		return []models.Response{models.NewRawResponse(uuid.NewString(), models.ResponseUnknown, f)}
	}
	blocks, _ := msg["content"].([]any)
	var out []models.Response
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok || block["type"] != "tool_result" {
			continue
		}
		toolUseID, _ := block["tool_use_id"].(string)
		isError, _ := block["is_error"].(bool)
		out = append(out, models.NewToolResultResponse(
			uuid.NewString(), toolUseID, blockContentText(block["content"]), isError))
	}
	if len(out) == 0 {
		return []models.Response{models.NewRawResponse(uuid.NewString(), models.ResponseStatus, f)}
	}
	return out
}

// blockContentText renders a tool_result content field, which is either a
// plain string or a list of typed blocks.
func blockContentText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var out string
		for _, item := range c {
			if block, ok := item.(map[string]any); ok && block["type"] == "text" {
				if text, ok := block["text"].(string); ok {
					out += text
				}
			}
		}
		return out
	default:
		return ""
	}
}

func resultResponse(f Frame) models.Response {
	stopReason, _ := f["subtype"].(string)
	cost, _ := toFloat(f["total_cost_usd"])
	var usage *models.TokenUsage
	if u, ok := nested(f, "usage"); ok {
		usage = usageFromMap(u)
	}
	r := models.NewCompletionResponse(uuid.NewString(), stopReason, usage, cost)
	r.RawData = f
	return r
}

func errorResponse(f Frame) models.Response {
	message := ""
	if e, ok := nested(f, "error"); ok {
		message, _ = e["message"].(string)
	}
	if message == "" {
		message, _ = f["message"].(string)
	}
	if message == "" {
		message = "unknown error"
	}
	details := ""
	if raw, err := json.Marshal(map[string]any(f)); err == nil {
		details = string(raw)
	}
	return models.NewErrorResponse(uuid.NewString(), message, details, "")
}

// streamEventResponse handles wrapped streaming events; only text deltas
// become responses, everything else is status noise.
func streamEventResponse(f Frame) (models.Response, bool) {
	event, ok := nested(f, "event")
	if !ok {
		return models.Response{}, false
	}
	if event["type"] != frameContentDelta {
		return models.Response{}, false
	}
	delta, ok := event["delta"].(map[string]any)
	if !ok {
		return models.Response{}, false
	}
	text, ok := delta["text"].(string)
	if !ok {
		return models.Response{}, false
	}
	return models.NewTextResponse(uuid.NewString(), text, true), true
}

// ExtractUsage pulls message.usage and message.stop_reason from a text
// response's raw frame. The reducer uses it to detect end-of-turn text.
func ExtractUsage(r models.Response) (usage *models.TokenUsage, stopReason string) {
	msg, ok := nested(Frame(r.RawData), "message")
	if !ok {
		return nil, ""
	}
	stopReason, _ = msg["stop_reason"].(string)
	if u, ok := msg["usage"].(map[string]any); ok {
		usage = usageFromMap(u)
	}
	return usage, stopReason
}

func usageFromMap(u map[string]any) *models.TokenUsage {
	in, _ := toInt(u["input_tokens"])
	out, _ := toInt(u["output_tokens"])
	cr, _ := toInt(u["cache_read_input_tokens"])
	cc, _ := toInt(u["cache_creation_input_tokens"])
	return &models.TokenUsage{
		InputTokens:         in,
		OutputTokens:        out,
		CacheReadTokens:     cr,
		CacheCreationTokens: cc,
	}
}

func nested(f Frame, key string) (map[string]any, bool) {
	m, ok := f[key].(map[string]any)
	return m, ok
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
