package events

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vide-ai/vide/internal/agents"
	"github.com/vide-ai/vide/internal/client"
	"github.com/vide-ai/vide/internal/config"
	"github.com/vide-ai/vide/internal/conversation"
	"github.com/vide-ai/vide/internal/mcp"
	"github.com/vide-ai/vide/internal/network"
	"github.com/vide-ai/vide/internal/observability"
	"github.com/vide-ai/vide/internal/permissions"
	"github.com/vide-ai/vide/internal/protocol"
	"github.com/vide-ai/vide/pkg/models"
)

type fakeClient struct {
	agentID string
	host    *mcp.Host
	mu      sync.Mutex
	conv    models.Conversation
	subs    []chan models.Conversation
	ops     []string
}

func (f *fakeClient) AgentID() string { return f.agentID }

func (f *fakeClient) Conversation() models.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "conversation")
	return f.conv
}

func (f *fakeClient) Subscribe() (<-chan models.Conversation, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "subscribe")
	ch := make(chan models.Conversation, 256)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeClient) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ops...)
}

func (f *fakeClient) OnTurnComplete() (<-chan struct{}, func()) {
	return make(chan struct{}), func() {}
}

func (f *fakeClient) SendMessage(ctx context.Context, text string) error { return nil }
func (f *fakeClient) Abort(ctx context.Context) error                    { return nil }
func (f *fakeClient) Close(ctx context.Context) error                    { return nil }

func (f *fakeClient) MCPServer(name string) (mcp.Server, bool) {
	return f.host.Server(name)
}

func (f *fakeClient) push(conv models.Conversation) {
	f.mu.Lock()
	f.conv = conv
	subs := append([]chan models.Conversation{}, f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- conv
	}
}

// fixture starts a one-agent network with a fake client and a multiplexer
// over it.
type fixture struct {
	manager   *network.Manager
	broker    *permissions.Broker
	mux       *Multiplexer
	metrics   *observability.Metrics
	networkID string
	mainID    string
	main      *fakeClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scope := config.NewScope(t.TempDir(), "/proj", func() (string, error) {
		return "/proj", nil
	})
	clients := make(map[string]*fakeClient)
	var mu sync.Mutex
	broker := permissions.NewBroker(nil, observability.NopLogger())
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	m := network.NewManager(network.Options{
		Scope:   scope,
		Builder: agents.NewBuilder(t.TempDir()),
		Broker:  broker,
		Metrics: metrics,
		Logger:  observability.NopLogger(),
		Factory: func(ctx context.Context, cfg client.Config, host *mcp.Host, hooks map[string]protocol.HookFunc, canUseTool client.CanUseTool) (network.ManagedClient, error) {
			fc := &fakeClient{agentID: cfg.AgentID, host: host, conv: models.NewConversation()}
			mu.Lock()
			clients[cfg.AgentID] = fc
			mu.Unlock()
			return fc, nil
		},
	})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	net, err := m.StartNew(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	main, _ := net.MainAgent()

	mux := NewMultiplexer(net.ID, m, broker, observability.NopLogger())
	t.Cleanup(mux.Close)

	return &fixture{
		manager:   m,
		broker:    broker,
		mux:       mux,
		metrics:   metrics,
		networkID: net.ID,
		mainID:    main.ID,
		main:      clients[main.ID],
	}
}

// collect reads events until pred returns true for one of them, failing on
// timeout. It returns everything read, including the matching event.
func collect(t *testing.T, ch <-chan models.NetworkEvent, pred func(models.NetworkEvent) bool) []models.NetworkEvent {
	t.Helper()
	var out []models.NetworkEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed after %d events", len(out))
			}
			out = append(out, e)
			if pred(e) {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out after %d events: %+v", len(out), out)
		}
	}
}

func ofType(tp models.NetworkEventType) func(models.NetworkEvent) bool {
	return func(e models.NetworkEvent) bool { return e.Type == tp }
}

func streamingConv(content string, state models.ConversationState) models.Conversation {
	return models.Conversation{
		State: state,
		Messages: []models.ConversationMessage{{
			ID:          "m1",
			Role:        models.RoleAssistant,
			Content:     content,
			IsStreaming: state == models.StateReceivingResponse,
		}},
	}
}

func TestSubscribeStartsWithConnected(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.mux.Subscribe()
	defer cancel()

	got := collect(t, ch, ofType(models.EventConnected))
	if len(got) != 1 {
		t.Fatalf("connected must be the first event, got %+v", got)
	}
	if got[0].Data["network_id"] == "" {
		t.Error("connected event carries the network id")
	}
}

func TestSnapshotReplaysExistingConversation(t *testing.T) {
	f := newFixture(t)

	// Content present before anyone subscribes arrives via the snapshot.
	conv := models.Conversation{
		State: models.StateIdle,
		Messages: []models.ConversationMessage{
			{ID: "u1", Role: models.RoleUser, Content: "hello"},
			{ID: "a1", Role: models.RoleAssistant, Content: "hi there",
				Responses: []models.Response{
					{Kind: models.ResponseToolUse, ToolUseID: "tu_1", ToolName: "Bash",
						Params: map[string]any{"command": "ls"}},
					{Kind: models.ResponseToolResult, ToolUseID: "tu_1", Content: "main.go"},
				}},
		},
	}
	f.main.push(conv)

	ch, cancel := f.mux.Subscribe()
	defer cancel()
	got := collect(t, ch, ofType(models.EventToolResult))

	var messages []string
	for _, e := range got {
		if e.Type == models.EventMessage {
			messages = append(messages, e.Data["content"].(string))
		}
	}
	if len(messages) != 2 || messages[0] != "hello" || messages[1] != "hi there" {
		t.Errorf("snapshot messages = %v", messages)
	}
	last := got[len(got)-1]
	if last.Data["tool_name"] != "Bash" {
		t.Errorf("snapshot tool_result name = %v", last.Data["tool_name"])
	}
}

func TestDeltasConcatenateToFinalContent(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.mux.Subscribe()
	defer cancel()
	collect(t, ch, ofType(models.EventConnected))

	f.main.push(streamingConv("Hel", models.StateReceivingResponse))
	f.main.push(streamingConv("Hello wo", models.StateReceivingResponse))
	f.main.push(streamingConv("Hello world", models.StateReceivingResponse))
	f.main.push(streamingConv("Hello world", models.StateIdle))

	got := collect(t, ch, ofType(models.EventDone))

	var rebuilt strings.Builder
	for _, e := range got {
		switch e.Type {
		case models.EventMessage:
			rebuilt.WriteString(e.Data["content"].(string))
		case models.EventMessageDelta:
			rebuilt.WriteString(e.Data["delta"].(string))
		}
	}
	if rebuilt.String() != "Hello world" {
		t.Errorf("message + deltas = %q, want %q", rebuilt.String(), "Hello world")
	}
}

func TestCumulativeDuplicateProducesNoDelta(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.mux.Subscribe()
	defer cancel()
	collect(t, ch, ofType(models.EventConnected))

	f.main.push(streamingConv("same text", models.StateReceivingResponse))
	// The CLI re-sends the full content; tracked length elides it.
	f.main.push(streamingConv("same text", models.StateReceivingResponse))
	f.main.push(streamingConv("same text", models.StateIdle))

	got := collect(t, ch, ofType(models.EventDone))
	for _, e := range got {
		if e.Type == models.EventMessageDelta {
			t.Errorf("duplicate content produced a delta: %+v", e)
		}
	}
}

func TestToolResultResolvesName(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.mux.Subscribe()
	defer cancel()
	collect(t, ch, ofType(models.EventConnected))

	conv := streamingConv("running", models.StateReceivingResponse)
	conv.Messages[0].Responses = []models.Response{
		{Kind: models.ResponseToolUse, ToolUseID: "tu_9", ToolName: "Read",
			Params: map[string]any{"file_path": "/tmp/x"}},
	}
	f.main.push(conv)

	withResult := streamingConv("running", models.StateProcessing)
	withResult.Messages[0].Responses = []models.Response{
		{Kind: models.ResponseToolUse, ToolUseID: "tu_9", ToolName: "Read",
			Params: map[string]any{"file_path": "/tmp/x"}},
		{Kind: models.ResponseToolResult, ToolUseID: "tu_9", Content: "data"},
	}
	f.main.push(withResult)

	got := collect(t, ch, ofType(models.EventToolResult))
	uses := 0
	for _, e := range got {
		if e.Type == models.EventToolUse {
			uses++
			if e.Data["tool_name"] != "Read" {
				t.Errorf("tool_use name = %v", e.Data["tool_name"])
			}
		}
	}
	if uses != 1 {
		t.Errorf("tool_use emitted %d times, want once", uses)
	}
	last := got[len(got)-1]
	if last.Data["tool_name"] != "Read" {
		t.Errorf("tool_result should inherit the tool_use name, got %v", last.Data["tool_name"])
	}
}

func TestErrorEmittedOnce(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.mux.Subscribe()
	defer cancel()
	collect(t, ch, ofType(models.EventConnected))

	failed := models.Conversation{State: models.StateError, CurrentError: "stream died"}
	f.main.push(failed)
	f.main.push(failed)
	f.main.push(models.Conversation{State: models.StateIdle})

	// Drive a full streaming cycle afterwards so we have a terminator event.
	f.main.push(streamingConv("ok", models.StateReceivingResponse))
	f.main.push(streamingConv("ok", models.StateIdle))

	got := collect(t, ch, ofType(models.EventDone))
	errs := 0
	for _, e := range got {
		if e.Type == models.EventError {
			errs++
			if e.Data["error"] != "stream died" {
				t.Errorf("error payload = %v", e.Data)
			}
		}
	}
	if errs != 1 {
		t.Errorf("error emitted %d times, want once", errs)
	}
}

func TestStatusEventsAreAttributed(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.mux.Subscribe()
	defer cancel()
	collect(t, ch, ofType(models.EventConnected))

	if err := f.manager.SetStatus(f.mainID, models.AgentStatusWaitingForUser); err != nil {
		t.Fatal(err)
	}

	got := collect(t, ch, ofType(models.EventStatus))
	e := got[len(got)-1]
	if e.AgentID != f.mainID || e.AgentType != models.AgentTypeMain || e.AgentName != "main" {
		t.Errorf("attribution = %s/%s/%s", e.AgentID, e.AgentType, e.AgentName)
	}
	if e.Data["status"] != "waitingForUser" {
		t.Errorf("status = %v", e.Data["status"])
	}
}

func TestPermissionRequestRoundTrip(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.mux.Subscribe()
	defer cancel()
	collect(t, ch, ofType(models.EventConnected))

	type result struct {
		resp models.PermissionResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := f.broker.Request(context.Background(), models.PermissionRequest{
			RequestID: "perm-1",
			AgentID:   f.mainID,
			ToolName:  "Bash",
			ToolInput: map[string]any{"command": "rm -rf build"},
		})
		done <- result{resp, err}
	}()

	got := collect(t, ch, ofType(models.EventPermissionRequest))
	e := got[len(got)-1]
	if e.Data["request_id"] != "perm-1" || e.Data["tool_name"] != "Bash" {
		t.Fatalf("permission event = %+v", e.Data)
	}

	if !f.mux.RespondPermission("perm-1", models.PermissionResponse{Decision: models.PermissionAllow}) {
		t.Fatal("RespondPermission should find the pending request")
	}
	r := <-done
	if r.err != nil || r.resp.Decision != models.PermissionAllow {
		t.Errorf("request outcome = %+v, %v", r.resp, r.err)
	}
}

func TestCloseEndsSubscriberStreams(t *testing.T) {
	f := newFixture(t)
	ch, _ := f.mux.Subscribe()
	collect(t, ch, ofType(models.EventConnected))

	f.mux.Close()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Close must close subscriber channels")
		}
	}
}

// endTurnText builds a cumulative text response whose frame carries the
// end_turn stop reason, the shape the CLI closes a turn with.
func endTurnText(text string) models.Response {
	return models.Response{
		Kind:    models.ResponseText,
		Content: text,
		RawData: map[string]any{
			"message": map[string]any{"stop_reason": "end_turn"},
		},
	}
}

func TestToolCallTurnEmitsDone(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.mux.Subscribe()
	defer cancel()
	collect(t, ch, ofType(models.EventConnected))

	// Drive the real reducer: tool use, tool result, then the closing
	// end_turn text. The final snapshot jumps from processing straight to
	// idle, and the stream still has to terminate with done.
	conv := models.NewConversation()
	apply := func(r models.Response) {
		res := conversation.Process(r, conv)
		conv = res.Conversation
		f.main.push(conv)
	}
	apply(models.Response{Kind: models.ResponseToolUse, ToolUseID: "tu_1",
		ToolName: "Read", Params: map[string]any{"file_path": "/a.txt"}})
	apply(models.Response{Kind: models.ResponseToolResult, ToolUseID: "tu_1", Content: "hello"})
	apply(endTurnText("read it"))

	got := collect(t, ch, ofType(models.EventDone))
	order := map[models.NetworkEventType]int{}
	for i, e := range got {
		if _, seen := order[e.Type]; !seen {
			order[e.Type] = i
		}
	}
	if _, ok := order[models.EventToolUse]; !ok {
		t.Fatal("missing tool_use event")
	}
	if order[models.EventToolUse] > order[models.EventToolResult] ||
		order[models.EventToolResult] > order[models.EventDone] {
		t.Errorf("event order = %v", got)
	}
}

func TestSingleFrameTurnEmitsDone(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.mux.Subscribe()
	defer cancel()
	collect(t, ch, ofType(models.EventConnected))

	// A whole turn can arrive as one cumulative frame while the
	// conversation is still in the sending state.
	conv := models.NewConversation()
	conv = conv.WithMessage(models.ConversationMessage{
		ID: "u1", Role: models.RoleUser, Content: "hi", IsComplete: true,
	})
	conv.State = models.StateSendingMessage
	f.main.push(conv)

	res := conversation.Process(endTurnText("hello"), conv)
	f.main.push(res.Conversation)

	got := collect(t, ch, ofType(models.EventDone))
	var lastMessage string
	for _, e := range got {
		if e.Type == models.EventMessage {
			if content, _ := e.Data["content"].(string); content != "" {
				lastMessage = content
			}
		}
	}
	if lastMessage != "hello" {
		t.Errorf("assistant message = %q", lastMessage)
	}
}

func TestToolUseIncrementsCounter(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.mux.Subscribe()
	defer cancel()
	collect(t, ch, ofType(models.EventConnected))

	conv := streamingConv("running", models.StateReceivingResponse)
	conv.Messages[0].Responses = []models.Response{
		{Kind: models.ResponseToolUse, ToolUseID: "tu_1", ToolName: "Bash",
			Params: map[string]any{"command": "ls"}},
	}
	f.main.push(conv)
	collect(t, ch, ofType(models.EventToolUse))

	counter := f.metrics.ToolCalls.WithLabelValues(f.networkID, "Bash")
	if got := testutil.ToFloat64(counter); got != 1 {
		t.Errorf("tool call counter = %v, want 1", got)
	}
}

func TestWatchSubscribesBeforeSeeding(t *testing.T) {
	f := newFixture(t)

	// The conversation seed must be read after subscribing, so a snapshot
	// published in between lands on the channel instead of being lost.
	ops := f.main.opLog()
	subscribed := false
	readAfter := false
	for _, op := range ops {
		switch op {
		case "subscribe":
			subscribed = true
		case "conversation":
			if subscribed {
				readAfter = true
			}
		}
	}
	if !subscribed || !readAfter {
		t.Errorf("watch setup order = %v, want the seed read after subscribe", ops)
	}
}
