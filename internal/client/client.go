// Package client owns one agent: its CLI subprocess, control protocol,
// response processing, conversation store and MCP servers.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/vide-ai/vide/internal/conversation"
	"github.com/vide-ai/vide/internal/mcp"
	"github.com/vide-ai/vide/internal/process"
	"github.com/vide-ai/vide/internal/protocol"
	"github.com/vide-ai/vide/pkg/models"
)

// ErrEmptyMessage rejects blank sends.
var ErrEmptyMessage = errors.New("message is empty")

// interruptedMessage is appended when the user aborts a turn.
const interruptedMessage = "Interrupted by user"

// CanUseTool decides one tool call; it typically forwards to the permission
// broker and blocks until the UI answers.
type CanUseTool func(ctx context.Context, req models.PermissionRequest) (models.PermissionResponse, error)

// Config describes one agent client.
type Config struct {
	AgentID          string
	SessionID        string
	SystemPrompt     string
	WorkingDirectory string

	// CLICommand is the agent CLI binary; defaults to "claude".
	CLICommand string
	ExtraArgs  []string

	// SessionFile is the CLI's own history file. When it exists the prior
	// conversation is loaded from it and the first-message flag clears.
	SessionFile string
}

// Client composes the process, protocol, processor, store and MCP host for
// one agent.
type Client struct {
	cfg    Config
	logger *slog.Logger

	proc  *process.Process
	proto *protocol.Protocol
	store *conversation.Store
	host  *mcp.Host

	canUseTool CanUseTool

	mu           sync.Mutex
	firstMessage bool
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Create initializes a client: loads the prior conversation if the CLI's
// session file exists, starts the MCP servers (skipping already-running
// shared ones), then starts the subprocess and attaches the protocol.
func Create(ctx context.Context, cfg Config, host *mcp.Host, hooks map[string]protocol.HookFunc, canUseTool CanUseTool, logger *slog.Logger) (*Client, error) {
	if cfg.CLICommand == "" {
		cfg.CLICommand = "claude"
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:          cfg,
		logger:       logger.With("component", "client", "agent_id", cfg.AgentID),
		store:        conversation.NewStore(),
		host:         host,
		canUseTool:   canUseTool,
		firstMessage: true,
		ctx:          cctx,
		cancel:       cancel,
	}

	resume := false
	if cfg.SessionFile != "" {
		if _, err := os.Stat(cfg.SessionFile); err == nil {
			loaded, err := LoadHistory(cfg.SessionFile)
			if err != nil {
				// Schema drift or corruption degrades to a fresh
				// conversation rather than failing creation.
				c.logger.Warn("could not load prior conversation", "file", cfg.SessionFile, "error", err)
			} else {
				c.store.Replace(loaded)
				c.firstMessage = false
				resume = true
			}
		}
	}

	if err := host.StartAll(ctx); err != nil {
		cancel()
		c.store.Close()
		return nil, err
	}

	c.proto = protocol.New(c.logger)
	if len(hooks) > 0 {
		c.proto.RegisterHooks(hooks)
	}
	c.proto.SetPermissionCallback(c.permissionCallback)
	c.proto.SetToolCallHandler(c.toolCallHandler)

	c.proc = process.New(process.Config{
		Command: cfg.CLICommand,
		Args:    BuildArgs(cfg, host, resume),
		Dir:     cfg.WorkingDirectory,
	}, c.logger)
	c.proc.SetInterrupter(c.proto.Interrupt)
	c.proc.SetExitHandler(c.onProcessExit)

	if err := c.proc.EnsureStarted(ctx); err != nil {
		cancel()
		c.proto.Close()
		c.store.Close()
		return nil, fmt.Errorf("start agent process: %w", err)
	}
	if err := c.attach(); err != nil {
		cancel()
		c.proto.Close()
		c.store.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) attach() error {
	stdin, err := c.proc.Stdin()
	if err != nil {
		return err
	}
	stdout, err := c.proc.Stdout()
	if err != nil {
		return err
	}
	c.proto.Attach(stdin, stdout)

	frames, cancelSub := c.proto.Messages()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancelSub()
		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					return
				}
				for _, r := range protocol.ToResponses(frame) {
					c.store.Apply(r)
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// AgentID returns the owning agent's id.
func (c *Client) AgentID() string { return c.cfg.AgentID }

// Conversation returns the current conversation snapshot.
func (c *Client) Conversation() models.Conversation { return c.store.Current() }

// Subscribe returns the conversation snapshot stream.
func (c *Client) Subscribe() (<-chan models.Conversation, func()) { return c.store.Subscribe() }

// OnTurnComplete returns the turn-completion stream.
func (c *Client) OnTurnComplete() (<-chan struct{}, func()) { return c.store.TurnComplete() }

// IsFirstMessage reports whether no turn has been sent or loaded yet.
func (c *Client) IsFirstMessage() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstMessage
}

// SendMessage appends a user message and forwards it to the subprocess.
// Sends while a turn is in flight queue FIFO behind it.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	if err := c.proc.EnsureStarted(ctx); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	cur := c.store.Current()
	cur = cur.WithMessage(conversation.NewUserMessage(text, nil))
	cur.State = models.StateSendingMessage
	c.store.Replace(cur)

	c.mu.Lock()
	c.firstMessage = false
	c.mu.Unlock()

	return c.proto.SendUserMessage(text)
}

// Abort interrupts the current turn and appends a synthetic error message.
func (c *Client) Abort(ctx context.Context) error {
	err := c.proc.Abort(ctx)
	c.store.Apply(models.NewErrorResponse("", interruptedMessage, "", "INTERRUPTED"))
	return err
}

// Close stops the protocol, the subprocess and owned MCP servers, and
// closes the conversation streams.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.proto.Close()
	err := c.proc.Close(ctx)
	c.host.StopOwned(ctx)
	c.wg.Wait()
	c.store.Close()
	return err
}

// MCPServer looks a server up by name on this client's host.
func (c *Client) MCPServer(name string) (mcp.Server, bool) { return c.host.Server(name) }

// MCPServerAs looks a server up by name and asserts its concrete type.
func MCPServerAs[T mcp.Server](c *Client, name string) (T, bool) {
	var zero T
	s, ok := c.host.Server(name)
	if !ok {
		return zero, false
	}
	typed, ok := s.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// permissionCallback bridges the protocol's can_use_tool control request to
// the broker. A deny additionally aborts the current turn.
func (c *Client) permissionCallback(ctx context.Context, toolName string, input map[string]any, pc protocol.PermissionContext) protocol.PermissionResult {
	if c.canUseTool == nil {
		return protocol.PermissionResult{Allow: true}
	}
	req := models.PermissionRequest{
		RequestID:             newRequestID(),
		AgentID:               c.cfg.AgentID,
		Cwd:                   c.cfg.WorkingDirectory,
		ToolName:              toolName,
		ToolInput:             input,
		PermissionSuggestions: pc.Suggestions,
		BlockedPath:           pc.BlockedPath,
	}
	resp, err := c.canUseTool(ctx, req)
	if err != nil {
		return protocol.PermissionResult{Allow: false, Message: err.Error()}
	}
	if resp.Decision == models.PermissionAllow {
		return protocol.PermissionResult{Allow: true, UpdatedInput: resp.UpdatedInput}
	}
	// The turn is dead once a tool is denied; interrupt so the subprocess
	// does not keep reasoning against a refused action.
	go c.Abort(context.Background())
	return protocol.PermissionResult{Allow: false, Message: resp.Reason}
}

// toolCallHandler dispatches in-process MCP tool calls from the subprocess.
func (c *Client) toolCallHandler(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	result, err := c.host.CallTool(ctx, toolName, args)
	if err != nil {
		return nil, err
	}
	blocks := make([]any, 0, len(result.Content))
	for _, b := range result.Content {
		block := map[string]any{"type": b.Type}
		if b.Text != "" {
			block["text"] = b.Text
		}
		if b.Data != "" {
			block["data"] = b.Data
			block["mime_type"] = b.MimeType
		}
		blocks = append(blocks, block)
	}
	return map[string]any{"content": blocks, "is_error": result.IsError}, nil
}

// onProcessExit surfaces an unexpected exit while a turn was outstanding as
// an error response.
func (c *Client) onProcessExit(code int) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.proc.IsAborting() {
		return
	}
	if c.store.Current().State == models.StateIdle {
		return
	}
	c.store.Apply(protocol.ProcessExitResponse(code))
}
