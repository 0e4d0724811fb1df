package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vide-ai/vide/internal/observability"
)

// syncBuffer collects subprocess-bound writes for inspection.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, l := range strings.Split(b.buf.String(), "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func (b *syncBuffer) waitLines(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lines := b.lines(); len(lines) >= n {
			return lines
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d outbound lines, have %d", n, len(b.lines()))
	return nil
}

func decodeLine(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("bad outbound line %q: %v", line, err)
	}
	return m
}

func TestSendUserMessage(t *testing.T) {
	p := New(observability.NopLogger())
	defer p.Close()
	out := &syncBuffer{}
	p.Attach(out, strings.NewReader(""))

	if err := p.SendUserMessage("hello"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}

	lines := out.waitLines(t, 1)
	m := decodeLine(t, lines[0])
	if m["type"] != "user" {
		t.Errorf("frame type = %v", m["type"])
	}
	msg := m["message"].(map[string]any)
	parts := msg["content"].([]any)
	if text := parts[0].(map[string]any)["text"]; text != "hello" {
		t.Errorf("text = %v", text)
	}
}

func TestMessagesDeliversConversationFrames(t *testing.T) {
	input := `{"type":"assistant","message":{"content":[]}}
{"type":"result","subtype":"success"}
`
	p := New(observability.NopLogger())
	defer p.Close()
	frames, cancel := p.Messages()
	defer cancel()
	p.Attach(&syncBuffer{}, strings.NewReader(input))

	f := <-frames
	if f.Type() != "assistant" {
		t.Errorf("first frame = %q", f.Type())
	}
	f = <-frames
	if f.Type() != "result" {
		t.Errorf("second frame = %q", f.Type())
	}
}

func TestPermissionControlRoundTrip(t *testing.T) {
	request := `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"permission_suggestions":["Bash(ls*)"]}}
`
	p := New(observability.NopLogger())
	defer p.Close()
	p.SetPermissionCallback(func(ctx context.Context, toolName string, input map[string]any, pc PermissionContext) PermissionResult {
		if toolName != "Bash" {
			t.Errorf("toolName = %q", toolName)
		}
		if len(pc.Suggestions) != 1 || pc.Suggestions[0] != "Bash(ls*)" {
			t.Errorf("suggestions = %v", pc.Suggestions)
		}
		return PermissionResult{Allow: true, UpdatedInput: map[string]any{"command": "ls -la"}}
	})

	out := &syncBuffer{}
	p.Attach(out, strings.NewReader(request))

	lines := out.waitLines(t, 1)
	m := decodeLine(t, lines[0])
	if m["type"] != "control_response" {
		t.Fatalf("reply type = %v", m["type"])
	}
	resp := m["response"].(map[string]any)
	if resp["subtype"] != "success" || resp["request_id"] != "req-1" {
		t.Errorf("reply envelope = %v", resp)
	}
	body := resp["response"].(map[string]any)
	if body["behavior"] != "allow" {
		t.Errorf("behavior = %v", body["behavior"])
	}
	if updated := body["updatedInput"].(map[string]any); updated["command"] != "ls -la" {
		t.Errorf("updatedInput = %v", updated)
	}
}

func TestPermissionDenyCarriesMessage(t *testing.T) {
	request := `{"type":"control_request","request_id":"req-2","request":{"subtype":"can_use_tool","tool_name":"Write","input":{}}}
`
	p := New(observability.NopLogger())
	defer p.Close()
	p.SetPermissionCallback(func(ctx context.Context, toolName string, input map[string]any, pc PermissionContext) PermissionResult {
		return PermissionResult{Allow: false, Message: "denied by user"}
	})

	out := &syncBuffer{}
	p.Attach(out, strings.NewReader(request))

	m := decodeLine(t, out.waitLines(t, 1)[0])
	body := m["response"].(map[string]any)["response"].(map[string]any)
	if body["behavior"] != "deny" || body["message"] != "denied by user" {
		t.Errorf("deny body = %v", body)
	}
}

func TestControlRepliesFIFO(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 5; i++ {
		b.WriteString(`{"type":"control_request","request_id":"req-` + string(rune('0'+i)) + `","request":{"subtype":"hook_callback","callback_name":"mark","input":{}}}` + "\n")
	}

	p := New(observability.NopLogger())
	defer p.Close()
	p.RegisterHooks(map[string]HookFunc{
		"mark": func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	})

	out := &syncBuffer{}
	p.Attach(out, strings.NewReader(b.String()))

	lines := out.waitLines(t, 5)
	for i, line := range lines[:5] {
		resp := decodeLine(t, line)["response"].(map[string]any)
		want := "req-" + string(rune('1'+i))
		if resp["request_id"] != want {
			t.Errorf("reply %d for %v, want %s", i, resp["request_id"], want)
		}
	}
}

func TestDuplicateControlRequestAnsweredOnce(t *testing.T) {
	request := `{"type":"control_request","request_id":"dup","request":{"subtype":"hook_callback","callback_name":"h","input":{}}}
{"type":"control_request","request_id":"dup","request":{"subtype":"hook_callback","callback_name":"h","input":{}}}
{"type":"control_request","request_id":"last","request":{"subtype":"hook_callback","callback_name":"h","input":{}}}
`
	var calls int
	var mu sync.Mutex
	p := New(observability.NopLogger())
	defer p.Close()
	p.RegisterHooks(map[string]HookFunc{
		"h": func(ctx context.Context, input map[string]any) (map[string]any, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, nil
		},
	})

	out := &syncBuffer{}
	p.Attach(out, strings.NewReader(request))

	lines := out.waitLines(t, 2)
	if len(lines) != 2 {
		t.Errorf("got %d replies, want 2", len(lines))
	}
	mu.Lock()
	if calls != 2 {
		t.Errorf("hook ran %d times, want 2", calls)
	}
	mu.Unlock()
}

func TestUnknownControlSubtypeRepliesError(t *testing.T) {
	request := `{"type":"control_request","request_id":"x","request":{"subtype":"mystery"}}
`
	p := New(observability.NopLogger())
	defer p.Close()
	out := &syncBuffer{}
	p.Attach(out, strings.NewReader(request))

	resp := decodeLine(t, out.waitLines(t, 1)[0])["response"].(map[string]any)
	if resp["subtype"] != "error" {
		t.Errorf("subtype = %v", resp["subtype"])
	}
}

func TestToolCallHandler(t *testing.T) {
	request := `{"type":"control_request","request_id":"tc","request":{"subtype":"mcp_tool_call","tool_name":"mcp__memory__list_memory","input":{}}}
`
	p := New(observability.NopLogger())
	defer p.Close()
	p.SetToolCallHandler(func(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
		if toolName != "mcp__memory__list_memory" {
			t.Errorf("toolName = %q", toolName)
		}
		return map[string]any{"content": []any{}}, nil
	})

	out := &syncBuffer{}
	p.Attach(out, strings.NewReader(request))

	resp := decodeLine(t, out.waitLines(t, 1)[0])["response"].(map[string]any)
	if resp["subtype"] != "success" {
		t.Errorf("subtype = %v", resp["subtype"])
	}
}

func TestMalformedLineBecomesErrorFrame(t *testing.T) {
	input := "garbage\n{\"type\":\"result\"}\n"
	p := New(observability.NopLogger())
	defer p.Close()
	frames, cancel := p.Messages()
	defer cancel()
	p.Attach(&syncBuffer{}, strings.NewReader(input))

	f := <-frames
	if f.Type() != "error" {
		t.Errorf("first frame = %q, want synthetic error", f.Type())
	}
	if f["code"] != "PARSE" {
		t.Errorf("code = %v", f["code"])
	}
	f = <-frames
	if f.Type() != "result" {
		t.Errorf("stream should continue past the bad line, got %q", f.Type())
	}
}

func TestInterruptFrameShape(t *testing.T) {
	p := New(observability.NopLogger())
	defer p.Close()
	out := &syncBuffer{}
	p.Attach(out, strings.NewReader(""))

	if err := p.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	m := decodeLine(t, out.waitLines(t, 1)[0])
	if m["type"] != "control_request" {
		t.Errorf("type = %v", m["type"])
	}
	req := m["request"].(map[string]any)
	if req["subtype"] != "interrupt" {
		t.Errorf("subtype = %v", req["subtype"])
	}
	if id, _ := m["request_id"].(string); id == "" {
		t.Error("interrupt needs a request_id")
	}
}

func TestCloseUnblocksSends(t *testing.T) {
	p := New(observability.NopLogger())
	// Never attached: outbound stays full after 64 queued messages.
	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Close()
	}()
	var err error
	for i := 0; i < 100; i++ {
		if err = p.SendUserMessage("x"); err != nil {
			break
		}
	}
	if err == nil {
		t.Fatal("sends against a closed protocol should fail")
	}
	if err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

var _ io.Writer = (*syncBuffer)(nil)

func TestMessagesCancelDuringBlockedBroadcast(t *testing.T) {
	p := New(observability.NopLogger())
	frames, cancel := p.Messages()

	var input strings.Builder
	for i := 0; i < 1100; i++ {
		input.WriteString(`{"type":"assistant","message":{"content":[{"type":"text","text":"x"}]}}` + "\n")
	}
	out := &syncBuffer{}
	p.Attach(out, strings.NewReader(input.String()))

	// Nobody drains, so the reader fills the subscriber buffer and blocks
	// on the overflow frame. Cancelling must unblock it without a panic.
	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Close()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close must finish once the stalled subscriber cancels")
	}
	// The cancelled stream ends up closed, so a drain terminates.
	for range frames {
	}
}
