package permissions

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/vide-ai/vide/internal/storage"
	"github.com/vide-ai/vide/pkg/models"
)

// ErrBrokerClosed is returned to requests outstanding when the broker shuts
// down.
var ErrBrokerClosed = errors.New("permission broker closed")

// Emitter forwards a pending request to the surrounding UI (typically as a
// permission_request event on the network stream).
type Emitter func(req models.PermissionRequest)

// Broker buffers permission requests, forwards them to the UI, and blocks
// each requesting agent until a decision arrives. Requests are served FIFO;
// the subprocess serializes them per agent, so at most one request per agent
// is outstanding.
type Broker struct {
	logger   *slog.Logger
	settings *storage.SettingsStore

	mu           sync.Mutex
	pending      map[string]chan models.PermissionResponse
	order        []string
	sessionAllow []string
	emitter      Emitter
	closed       bool
}

// NewBroker creates a broker persisting durable allow patterns through
// settings. settings may be nil in tests.
func NewBroker(settings *storage.SettingsStore, logger *slog.Logger) *Broker {
	return &Broker{
		logger:   logger.With("component", "permissions"),
		settings: settings,
		pending:  make(map[string]chan models.PermissionResponse),
	}
}

// SetEmitter installs the UI forwarder. Requests arriving with no emitter
// stay queued until answered via Respond.
func (b *Broker) SetEmitter(fn Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitter = fn
}

// Pending returns the queued requests' ids in arrival order.
func (b *Broker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.order...)
}

// allowPatterns merges durable and session-only allow patterns.
func (b *Broker) allowPatterns() []string {
	var durable []string
	if b.settings != nil {
		durable, _ = b.settings.AllowPatterns()
	}
	b.mu.Lock()
	session := append([]string{}, b.sessionAllow...)
	b.mu.Unlock()
	return append(durable, session...)
}

// Request decides one tool call. The allow-list short-circuits to allow;
// otherwise the request is queued, forwarded to the UI, and the call blocks
// until Respond or ctx cancellation.
func (b *Broker) Request(ctx context.Context, req models.PermissionRequest) (models.PermissionResponse, error) {
	if Allowed(b.allowPatterns(), req.ToolName, req.ToolInput) {
		return models.PermissionResponse{Decision: models.PermissionAllow}, nil
	}

	ch := make(chan models.PermissionResponse, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return models.PermissionResponse{}, ErrBrokerClosed
	}
	b.pending[req.RequestID] = ch
	b.order = append(b.order, req.RequestID)
	emitter := b.emitter
	b.mu.Unlock()

	if emitter != nil {
		emitter(req)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return models.PermissionResponse{}, ErrBrokerClosed
		}
		b.remember(req, resp)
		return resp, nil
	case <-ctx.Done():
		b.drop(req.RequestID)
		return models.PermissionResponse{}, ctx.Err()
	}
}

// Respond resolves a pending request. Unknown request ids are ignored and
// return false.
func (b *Broker) Respond(requestID string, resp models.PermissionResponse) bool {
	b.mu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
		b.removeFromOrder(requestID)
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("permission response for unknown request", "request_id", requestID)
		return false
	}
	ch <- resp
	return true
}

// remember persists an allow decision's pattern. Write-family tools stay
// session-only; everything else is durable.
func (b *Broker) remember(req models.PermissionRequest, resp models.PermissionResponse) {
	if resp.Decision != models.PermissionAllow || resp.RememberPattern == "" {
		return
	}
	if IsWriteFamily(req.ToolName) || b.settings == nil {
		b.mu.Lock()
		b.sessionAllow = append(b.sessionAllow, resp.RememberPattern)
		b.mu.Unlock()
		return
	}
	if err := b.settings.AddAllowPattern(resp.RememberPattern); err != nil {
		b.logger.Error("failed to persist allow pattern", "pattern", resp.RememberPattern, "error", err)
	}
}

func (b *Broker) drop(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, requestID)
	b.removeFromOrder(requestID)
}

func (b *Broker) removeFromOrder(requestID string) {
	for i, id := range b.order {
		if id == requestID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// Close fails every outstanding request.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.pending {
		delete(b.pending, id)
		close(ch)
	}
	b.order = nil
}
