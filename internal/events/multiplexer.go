// Package events merges every agent's conversation stream into one ordered,
// attributed event timeline per network. Subscribers get a connected event,
// a full-state snapshot, then streaming deltas computed from tracked
// content lengths so duplicated CLI frames never produce duplicated events.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vide-ai/vide/internal/mcp"
	"github.com/vide-ai/vide/internal/network"
	"github.com/vide-ai/vide/internal/permissions"
	"github.com/vide-ai/vide/pkg/models"
)

// agentTrack is the per-agent delta state.
type agentTrack struct {
	lastMessageCount  int
	lastContentLength int
	lastMessageText   string
	seenToolUses      map[string]string // tool_use_id -> tool name
	seenToolResults   map[string]bool
	lastState         models.ConversationState
	errored           bool
}

func newAgentTrack() *agentTrack {
	return &agentTrack{
		seenToolUses:    make(map[string]string),
		seenToolResults: make(map[string]bool),
		lastState:       models.StateIdle,
	}
}

// Multiplexer merges the agents of one network onto a single event stream.
type Multiplexer struct {
	networkID string
	manager   *network.Manager
	broker    *permissions.Broker
	logger    *slog.Logger

	mu      sync.Mutex
	subs    map[int]chan models.NetworkEvent
	nextSub int
	tracks  map[string]*agentTrack
	cancels []func()
	closed  bool

	// emitMu serializes emission so cross-agent ordering is arrival order.
	emitMu sync.Mutex
}

// NewMultiplexer creates the multiplexer for one network and begins
// watching its live agents. It also becomes the broker's emitter, so
// permission requests surface on this stream.
func NewMultiplexer(networkID string, manager *network.Manager, broker *permissions.Broker, logger *slog.Logger) *Multiplexer {
	mux := &Multiplexer{
		networkID: networkID,
		manager:   manager,
		broker:    broker,
		logger:    logger.With("component", "events", "network_id", networkID),
		subs:      make(map[int]chan models.NetworkEvent),
		tracks:    make(map[string]*agentTrack),
	}

	broker.SetEmitter(mux.emitPermissionRequest)
	manager.OnStatus(func(netID, agentID string, status models.AgentStatus) {
		if netID != mux.networkID {
			return
		}
		mux.emit(mux.event(agentID, models.EventStatus, map[string]any{"status": string(status)}))
	})
	manager.OnAgentStarted(func(netID, agentID string) {
		if netID != mux.networkID {
			return
		}
		mux.watch(agentID)
	})

	if net, ok := manager.Network(networkID); ok {
		for _, a := range net.Agents {
			if _, live := manager.Client(a.ID); live {
				mux.watch(a.ID)
			}
		}
	}
	return mux
}

// Subscribe returns the event stream for one external consumer: connected,
// full snapshot, then deltas. The cancel func unsubscribes.
func (x *Multiplexer) Subscribe() (<-chan models.NetworkEvent, func()) {
	ch := make(chan models.NetworkEvent, 4096)

	// The snapshot is built and delivered under emitMu so no live delta
	// interleaves with it.
	x.emitMu.Lock()
	ch <- x.event("", models.EventConnected, map[string]any{"network_id": x.networkID})
	for _, e := range x.snapshotEvents() {
		ch <- e
	}
	x.mu.Lock()
	id := x.nextSub
	x.nextSub++
	x.subs[id] = ch
	x.mu.Unlock()
	x.emitMu.Unlock()

	return ch, func() {
		x.mu.Lock()
		defer x.mu.Unlock()
		if sub, ok := x.subs[id]; ok {
			delete(x.subs, id)
			close(sub)
		}
	}
}

// RespondPermission forwards a surface's permission decision to the broker.
func (x *Multiplexer) RespondPermission(requestID string, resp models.PermissionResponse) bool {
	return x.broker.Respond(requestID, resp)
}

// Close detaches from every agent and closes subscriber streams.
func (x *Multiplexer) Close() {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	cancels := x.cancels
	x.cancels = nil
	for id, ch := range x.subs {
		delete(x.subs, id)
		close(ch)
	}
	x.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// snapshotEvents replays every message of every agent's current
// conversation in order.
func (x *Multiplexer) snapshotEvents() []models.NetworkEvent {
	net, ok := x.manager.Network(x.networkID)
	if !ok {
		return nil
	}
	var out []models.NetworkEvent
	for _, a := range net.Agents {
		c, live := x.manager.Client(a.ID)
		if !live {
			continue
		}
		conv := c.Conversation()
		for _, msg := range conv.Messages {
			out = append(out, x.event(a.ID, models.EventMessage, map[string]any{
				"message_id": msg.ID,
				"role":       string(msg.Role),
				"content":    msg.Content,
			}))
			for _, r := range msg.Responses {
				switch r.Kind {
				case models.ResponseToolUse:
					out = append(out, x.event(a.ID, models.EventToolUse, map[string]any{
						"tool_use_id": r.ToolUseID,
						"tool_name":   r.ToolName,
						"input":       r.Params,
					}))
				case models.ResponseToolResult:
					out = append(out, x.event(a.ID, models.EventToolResult, map[string]any{
						"tool_use_id": r.ToolUseID,
						"tool_name":   x.toolNameFor(a.ID, conv, r.ToolUseID),
						"content":     r.Content,
						"is_error":    r.IsError,
					}))
				}
			}
		}
	}
	return out
}

// watch subscribes to one agent's conversation stream and turns updates
// into delta events.
func (x *Multiplexer) watch(agentID string) {
	c, live := x.manager.Client(agentID)
	if !live {
		return
	}
	x.mu.Lock()
	if _, already := x.tracks[agentID]; already || x.closed {
		x.mu.Unlock()
		return
	}
	track := newAgentTrack()
	x.tracks[agentID] = track
	x.mu.Unlock()

	// Subscribe before seeding: a snapshot published in between is then
	// buffered on the channel instead of lost, and seeding from the current
	// conversation makes its replay a no-op.
	updates, cancel := c.Subscribe()
	x.mu.Lock()
	x.cancels = append(x.cancels, cancel)
	x.mu.Unlock()

	// Anything already in the conversation (a resumed transcript) counts
	// as seen; subscribers get it via the snapshot.
	seed := c.Conversation()
	track.lastMessageCount = len(seed.Messages)
	if msg, ok := seed.LastMessage(); ok {
		track.lastMessageText = msg.Content
		track.lastContentLength = len(msg.Content)
	}
	for _, msg := range seed.Messages {
		for _, r := range msg.Responses {
			switch r.Kind {
			case models.ResponseToolUse:
				track.seenToolUses[r.ToolUseID] = r.ToolName
			case models.ResponseToolResult:
				track.seenToolResults[r.ToolUseID] = true
			}
		}
	}
	track.lastState = seed.State

	go func() {
		for conv := range updates {
			x.processUpdate(agentID, track, conv)
		}
	}()
}

// processUpdate computes the events one conversation snapshot adds over the
// tracked state.
func (x *Multiplexer) processUpdate(agentID string, track *agentTrack, conv models.Conversation) {
	x.emitMu.Lock()
	defer x.emitMu.Unlock()

	var out []models.NetworkEvent

	if len(conv.Messages) > track.lastMessageCount {
		for _, msg := range conv.Messages[track.lastMessageCount:] {
			out = append(out, x.event(agentID, models.EventMessage, map[string]any{
				"message_id": msg.ID,
				"role":       string(msg.Role),
				"content":    msg.Content,
			}))
		}
		track.lastMessageCount = len(conv.Messages)
		last := conv.Messages[len(conv.Messages)-1]
		track.lastMessageText = last.Content
		track.lastContentLength = len(last.Content)
	} else if msg, ok := conv.LastMessage(); ok {
		// Deltas come from the tracked content length, not the raw frame;
		// cumulative duplicates therefore produce no event.
		if len(msg.Content) > track.lastContentLength {
			delta := msg.Content[track.lastContentLength:]
			out = append(out, x.event(agentID, models.EventMessageDelta, map[string]any{
				"message_id": msg.ID,
				"delta":      delta,
			}))
			track.lastContentLength = len(msg.Content)
			track.lastMessageText = msg.Content
		}
	}

	for _, msg := range conv.Messages {
		for _, r := range msg.Responses {
			switch r.Kind {
			case models.ResponseToolUse:
				if _, seen := track.seenToolUses[r.ToolUseID]; seen {
					continue
				}
				track.seenToolUses[r.ToolUseID] = r.ToolName
				if metrics := x.manager.Metrics(); metrics != nil {
					metrics.ToolCalls.WithLabelValues(x.networkID, r.ToolName).Inc()
				}
				out = append(out, x.event(agentID, models.EventToolUse, map[string]any{
					"tool_use_id": r.ToolUseID,
					"tool_name":   r.ToolName,
					"input":       r.Params,
				}))
			case models.ResponseToolResult:
				if track.seenToolResults[r.ToolUseID] {
					continue
				}
				track.seenToolResults[r.ToolUseID] = true
				out = append(out, x.event(agentID, models.EventToolResult, map[string]any{
					"tool_use_id": r.ToolUseID,
					"tool_name":   track.seenToolUses[r.ToolUseID],
					"content":     r.Content,
					"is_error":    r.IsError,
				}))
			}
		}
	}

	if conv.State == models.StateError && !track.errored {
		track.errored = true
		out = append(out, x.event(agentID, models.EventError, map[string]any{
			"error": conv.CurrentError,
		}))
	}
	if conv.State == models.StateIdle && isBusy(track.lastState) {
		out = append(out, x.event(agentID, models.EventDone, nil))
	}
	track.lastState = conv.State

	for _, e := range out {
		x.deliver(e)
	}
}

// isBusy reports whether a state is mid-turn. A turn can end into idle from
// any of these (a single end_turn frame collapses the intermediate states
// into one snapshot), and each such transition gets a done event.
func isBusy(s models.ConversationState) bool {
	switch s {
	case models.StateSendingMessage, models.StateReceivingResponse, models.StateProcessing:
		return true
	}
	return false
}

func (x *Multiplexer) emitPermissionRequest(req models.PermissionRequest) {
	x.emit(x.event(req.AgentID, models.EventPermissionRequest, map[string]any{
		"request_id":             req.RequestID,
		"tool_name":              req.ToolName,
		"tool_input":             req.ToolInput,
		"permission_suggestions": req.PermissionSuggestions,
		"blocked_path":           req.BlockedPath,
	}))
}

func (x *Multiplexer) emit(e models.NetworkEvent) {
	x.emitMu.Lock()
	defer x.emitMu.Unlock()
	x.deliver(e)
}

// deliver sends one event to every subscriber. Sends are non-blocking and
// happen under the lock that also guards subscriber close, so a concurrent
// cancel can never close a channel mid-send.
func (x *Multiplexer) deliver(e models.NetworkEvent) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, ch := range x.subs {
		select {
		case ch <- e:
		default:
			// A stalled subscriber loses events rather than stalling the
			// network.
			x.logger.Warn("subscriber buffer full, dropping event", "type", e.Type)
		}
	}
}

// event builds an attributed event for one agent.
func (x *Multiplexer) event(agentID string, eventType models.NetworkEventType, data map[string]any) models.NetworkEvent {
	e := models.NetworkEvent{
		AgentID:   agentID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
	if agentID == "" {
		return e
	}
	if net, ok := x.manager.Network(x.networkID); ok {
		if meta, found := net.Agent(agentID); found {
			e.AgentType = meta.Type
			e.AgentName = meta.Name
		}
	}
	if c, live := x.manager.Client(agentID); live {
		if s, ok := c.MCPServer(mcp.TasksServerName); ok {
			if tasks, ok := s.(*mcp.TasksServer); ok {
				e.TaskName = tasks.CurrentTaskName(agentID)
			}
		}
	}
	return e
}

func (x *Multiplexer) toolNameFor(agentID string, conv models.Conversation, toolUseID string) string {
	for _, msg := range conv.Messages {
		for _, r := range msg.Responses {
			if r.Kind == models.ResponseToolUse && r.ToolUseID == toolUseID {
				return r.ToolName
			}
		}
	}
	return ""
}
