package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned for operations on a closed protocol.
var ErrClosed = errors.New("protocol closed")

// PermissionContext carries the extra fields of a can_use_tool control
// request.
type PermissionContext struct {
	Suggestions []string
	BlockedPath string
}

// PermissionResult is the decision returned to the subprocess for one tool
// call.
type PermissionResult struct {
	Allow        bool
	UpdatedInput map[string]any
	Message      string
}

// PermissionCallback decides one tool call. It may block for as long as the
// surrounding UI needs; the subprocess serializes permission requests per
// agent.
type PermissionCallback func(ctx context.Context, toolName string, input map[string]any, pc PermissionContext) PermissionResult

// HookFunc serves one hook callback from the subprocess.
type HookFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// ToolCallHandler serves an in-process MCP tool call forwarded by the
// subprocess.
type ToolCallHandler func(ctx context.Context, toolName string, args map[string]any) (map[string]any, error)

// Protocol is the framed request/response channel over one subprocess's
// stdin/stdout. Conversation frames are broadcast to subscribers; control
// frames (hooks, permissions) are answered inline with FIFO reply order and
// at most one outstanding callback per request id.
type Protocol struct {
	logger *slog.Logger

	mu         sync.Mutex
	subs       map[int]*frameSub
	nextSub    int
	hooks      map[string]HookFunc
	canUseTool PermissionCallback
	toolCall   ToolCallHandler
	seenReqs   map[string]bool
	closed     bool

	outbound  chan []byte
	controlCh chan Frame

	// bcastMu serializes frame broadcasts; unsubscription acquires it
	// before closing a subscriber channel so it never races an in-flight
	// send. Only the broadcast side closes subscriber channels.
	bcastMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// frameSub pairs a frame channel with a done signal that unblocks an
// in-flight broadcast when the subscriber cancels.
type frameSub struct {
	ch   chan Frame
	done chan struct{}
}

// New creates a protocol. Attach must be called before any send.
func New(logger *slog.Logger) *Protocol {
	ctx, cancel := context.WithCancel(context.Background())
	return &Protocol{
		logger:    logger.With("component", "protocol"),
		subs:      make(map[int]*frameSub),
		hooks:     make(map[string]HookFunc),
		seenReqs:  make(map[string]bool),
		outbound:  make(chan []byte, 64),
		controlCh: make(chan Frame, 16),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterHooks installs hook handlers. Must be called before the first turn.
func (p *Protocol) RegisterHooks(hooks map[string]HookFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, fn := range hooks {
		p.hooks[name] = fn
	}
}

// SetPermissionCallback installs the permission decision callback. Must be
// called before the first turn.
func (p *Protocol) SetPermissionCallback(fn PermissionCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canUseTool = fn
}

// SetToolCallHandler installs the in-process MCP tool dispatcher.
func (p *Protocol) SetToolCallHandler(fn ToolCallHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolCall = fn
}

// Messages subscribes to the raw conversation frames decoded off stdout.
// Frames are delivered in exact emission order. The returned cancel func
// unsubscribes.
func (p *Protocol) Messages() (<-chan Frame, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	sub := &frameSub{ch: make(chan Frame, 1024), done: make(chan struct{})}
	p.subs[id] = sub
	return sub.ch, func() { p.unsubscribe(id) }
}

func (p *Protocol) unsubscribe(id int) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	close(sub.done)
	p.bcastMu.Lock()
	close(sub.ch)
	p.bcastMu.Unlock()
}

// Attach wires the protocol to the subprocess pipes and starts the reader,
// writer and control worker.
func (p *Protocol) Attach(stdin io.Writer, stdout io.Reader) {
	p.wg.Add(3)
	go p.writeLoop(stdin)
	go p.readLoop(stdout)
	go p.controlLoop()
}

// SendUserMessage enqueues one outbound user turn.
func (p *Protocol) SendUserMessage(text string) error {
	return p.SendUserMessageWithContent([]map[string]any{
		{"type": "text", "text": text},
	})
}

// SendUserMessageWithContent enqueues an outbound user turn with explicit
// content parts (text plus attachments).
func (p *Protocol) SendUserMessageWithContent(parts []map[string]any) error {
	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": parts,
		},
	}
	return p.enqueue(frame)
}

// Interrupt sends an interrupt control frame. Escalation to process
// termination on a missed acknowledgement is the caller's job.
func (p *Protocol) Interrupt() error {
	return p.enqueue(map[string]any{
		"type":       frameControlRequest,
		"request_id": uuid.NewString(),
		"request":    map[string]any{"subtype": "interrupt"},
	})
}

// Close stops the reader, writer and control worker and closes all
// subscriptions.
func (p *Protocol) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	// The reader is gone, so no broadcast is in flight past this point.
	p.mu.Lock()
	for id, sub := range p.subs {
		delete(p.subs, id)
		close(sub.done)
		close(sub.ch)
	}
	p.mu.Unlock()
}

func (p *Protocol) enqueue(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case p.outbound <- append(data, '\n'):
		return nil
	case <-p.ctx.Done():
		return ErrClosed
	}
}

func (p *Protocol) writeLoop(stdin io.Writer) {
	defer p.wg.Done()
	for {
		select {
		case data := <-p.outbound:
			if _, err := stdin.Write(data); err != nil {
				p.logger.Error("stdin write failed", "error", err)
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Protocol) readLoop(stdout io.Reader) {
	defer p.wg.Done()
	dec := NewDecoder(stdout)
	for {
		frame, err := dec.Next()
		if err != nil {
			var parseErr *ParseError
			if errors.As(err, &parseErr) {
				// A single bad line does not abort the stream; surface it
				// to subscribers as a synthetic error frame.
				p.logger.Warn("dropping malformed frame", "error", parseErr)
				p.broadcast(Frame{"type": frameError, "message": parseErr.Error(), "line": parseErr.Line, "code": "PARSE"})
				continue
			}
			if err != io.EOF {
				p.logger.Debug("stdout read ended", "error", err)
			}
			return
		}
		if IsControlFrame(frame) {
			select {
			case p.controlCh <- frame:
			case <-p.ctx.Done():
				return
			}
			continue
		}
		p.broadcast(frame)
	}
}

func (p *Protocol) broadcast(frame Frame) {
	p.bcastMu.Lock()
	defer p.bcastMu.Unlock()
	p.mu.Lock()
	subs := make([]*frameSub, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- frame:
		case <-sub.done:
		case <-p.ctx.Done():
			return
		}
	}
}

// controlLoop serves control requests sequentially, which yields FIFO reply
// order without extra bookkeeping.
func (p *Protocol) controlLoop() {
	defer p.wg.Done()
	for {
		select {
		case frame := <-p.controlCh:
			p.handleControl(frame)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Protocol) handleControl(frame Frame) {
	if frame.Type() != frameControlRequest {
		// control_response inbound with nothing pending is a protocol
		// error; drop it.
		p.logger.Warn("unexpected control frame", "type", frame.Type())
		return
	}
	requestID, _ := frame["request_id"].(string)
	if requestID == "" {
		p.logger.Warn("control request without request_id")
		return
	}

	p.mu.Lock()
	if p.seenReqs[requestID] {
		p.mu.Unlock()
		p.logger.Warn("duplicate control request", "request_id", requestID)
		return
	}
	p.seenReqs[requestID] = true
	p.mu.Unlock()

	req, _ := frame["request"].(map[string]any)
	subtype, _ := req["subtype"].(string)

	switch subtype {
	case "can_use_tool":
		p.handlePermission(requestID, req)
	case "hook_callback":
		p.handleHook(requestID, req)
	case "mcp_tool_call":
		p.handleToolCall(requestID, req)
	default:
		p.replyError(requestID, fmt.Sprintf("unsupported control request %q", subtype))
	}
}

func (p *Protocol) handlePermission(requestID string, req map[string]any) {
	p.mu.Lock()
	cb := p.canUseTool
	p.mu.Unlock()
	if cb == nil {
		p.replyError(requestID, "no permission callback registered")
		return
	}

	toolName, _ := req["tool_name"].(string)
	input, _ := req["input"].(map[string]any)
	pc := PermissionContext{}
	if suggestions, ok := req["permission_suggestions"].([]any); ok {
		for _, s := range suggestions {
			if str, ok := s.(string); ok {
				pc.Suggestions = append(pc.Suggestions, str)
			}
		}
	}
	pc.BlockedPath, _ = req["blocked_path"].(string)

	result := cb(p.ctx, toolName, input, pc)

	var body map[string]any
	if result.Allow {
		body = map[string]any{"behavior": "allow"}
		if result.UpdatedInput != nil {
			body["updatedInput"] = result.UpdatedInput
		}
	} else {
		body = map[string]any{"behavior": "deny"}
		if result.Message != "" {
			body["message"] = result.Message
		}
	}
	p.replySuccess(requestID, body)
}

func (p *Protocol) handleHook(requestID string, req map[string]any) {
	name, _ := req["callback_name"].(string)
	input, _ := req["input"].(map[string]any)

	p.mu.Lock()
	hook := p.hooks[name]
	p.mu.Unlock()
	if hook == nil {
		p.replyError(requestID, fmt.Sprintf("no hook registered for %q", name))
		return
	}

	out, err := hook(p.ctx, input)
	if err != nil {
		p.replyError(requestID, err.Error())
		return
	}
	if out == nil {
		out = map[string]any{}
	}
	p.replySuccess(requestID, out)
}

func (p *Protocol) handleToolCall(requestID string, req map[string]any) {
	p.mu.Lock()
	handler := p.toolCall
	p.mu.Unlock()
	if handler == nil {
		p.replyError(requestID, "no tool call handler registered")
		return
	}
	toolName, _ := req["tool_name"].(string)
	args, _ := req["input"].(map[string]any)
	out, err := handler(p.ctx, toolName, args)
	if err != nil {
		p.replyError(requestID, err.Error())
		return
	}
	p.replySuccess(requestID, out)
}

func (p *Protocol) replySuccess(requestID string, body map[string]any) {
	err := p.enqueue(map[string]any{
		"type": frameControlResponse,
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   body,
		},
	})
	if err != nil {
		p.logger.Warn("control reply dropped", "request_id", requestID, "error", err)
	}
}

func (p *Protocol) replyError(requestID, message string) {
	err := p.enqueue(map[string]any{
		"type": frameControlResponse,
		"response": map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      message,
		},
	})
	if err != nil {
		p.logger.Warn("control error reply dropped", "request_id", requestID, "error", err)
	}
}
