// handlers.go contains the command implementations behind commands.go.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vide-ai/vide/internal/agents"
	"github.com/vide-ai/vide/internal/config"
	"github.com/vide-ai/vide/internal/events"
	"github.com/vide-ai/vide/internal/network"
	"github.com/vide-ai/vide/internal/observability"
	"github.com/vide-ai/vide/internal/permissions"
	"github.com/vide-ai/vide/pkg/models"
)

// hookTimeoutSeconds is the timeout written into the installed settings
// hook entry.
const hookTimeoutSeconds = 60

type sessionOptions struct {
	projectPath     string
	workdir         string
	cliCommand      string
	initialMessage  string
	resumeNetworkID string
	debug           bool
}

// runSession drives one interactive network session: start or resume the
// network, stream its events to the terminal, feed user input to the main
// agent and answer permission prompts.
func runSession(ctx context.Context, opts sessionOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(opts.debug)
	scope := config.NewTerminalScope(opts.projectPath)

	if scope.State().IsFirstRun() {
		fmt.Printf("State root: %s\n", scope.ConfigRoot)
		if err := scope.State().MarkFirstRunComplete(); err != nil {
			logger.Warn("first-run flag persist failed", "error", err)
		}
	}
	installSettingsHook(scope, logger)

	broker := permissions.NewBroker(scope.Settings(), logger)
	defer broker.Close()

	builder := agents.NewBuilder(filepath.Join(scope.ConfigRoot, "agents"))
	if err := builder.LoadUserDefinitions(); err != nil {
		logger.Warn("user agent definitions not loaded", "error", err)
	}

	manager := network.NewManager(network.Options{
		Scope:      scope,
		Builder:    builder,
		Broker:     broker,
		Logger:     logger,
		CLICommand: opts.cliCommand,
	})
	defer manager.Shutdown(context.Background())

	var (
		net *models.AgentNetwork
		err error
	)
	if opts.resumeNetworkID != "" {
		net, err = manager.Resume(ctx, opts.resumeNetworkID)
	} else {
		net, err = manager.StartNew(ctx, opts.initialMessage, opts.workdir)
	}
	if err != nil {
		return err
	}
	main, ok := net.MainAgent()
	if !ok {
		return errors.New("network has no main agent")
	}

	mux := events.NewMultiplexer(net.ID, manager, broker, logger)
	defer mux.Close()
	stream, cancel := mux.Subscribe()
	defer cancel()

	ui := &terminalUI{out: os.Stdout}
	go func() {
		for e := range stream {
			ui.render(e)
		}
	}()

	fmt.Printf("network %s (ctrl-c to quit)\n", net.ID)
	input := make(chan string)
	go readLines(os.Stdin, input)

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, open := <-input:
			if !open {
				return nil
			}
			if req, pending := ui.nextPermission(); pending {
				answerPermission(mux, ui, req, line)
				continue
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			c, live := manager.Client(main.ID)
			if !live {
				return errors.New("main agent is gone")
			}
			if err := c.SendMessage(ctx, line); err != nil {
				logger.Error("send failed", "error", err)
			}
		}
	}
}

// answerPermission maps one input line onto a decision for the oldest
// pending request: y allows once, a allows and remembers the suggested
// pattern, anything else denies.
func answerPermission(mux *events.Multiplexer, ui *terminalUI, req models.PermissionRequest, line string) {
	resp := models.PermissionResponse{Decision: models.PermissionDeny, Reason: "denied by user"}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		resp = models.PermissionResponse{Decision: models.PermissionAllow}
	case "a", "always":
		resp = models.PermissionResponse{
			Decision:        models.PermissionAllow,
			RememberPattern: permissions.SuggestPattern(req),
		}
	}
	if !mux.RespondPermission(req.RequestID, resp) {
		fmt.Println("request expired")
	}
	ui.popPermission()
}

func readLines(r io.Reader, out chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	close(out)
}

// terminalUI renders network events and tracks pending permission prompts
// in arrival order.
type terminalUI struct {
	out io.Writer

	mu      sync.Mutex
	pending []models.PermissionRequest
}

func (u *terminalUI) render(e models.NetworkEvent) {
	label := string(e.AgentType)
	if e.AgentName != "" {
		label = e.AgentName
	}
	switch e.Type {
	case models.EventMessage:
		role, _ := e.Data["role"].(string)
		content, _ := e.Data["content"].(string)
		if role == string(models.RoleUser) {
			return
		}
		if content != "" {
			fmt.Fprintf(u.out, "\n[%s] %s\n", label, content)
		}
	case models.EventMessageDelta:
		delta, _ := e.Data["delta"].(string)
		fmt.Fprint(u.out, delta)
	case models.EventToolUse:
		name, _ := e.Data["tool_name"].(string)
		fmt.Fprintf(u.out, "\n[%s] > %s\n", label, models.ToolDisplayName(name))
	case models.EventToolResult:
		if isErr, _ := e.Data["is_error"].(bool); isErr {
			content, _ := e.Data["content"].(string)
			fmt.Fprintf(u.out, "[%s] tool failed: %s\n", label, content)
		}
	case models.EventPermissionRequest:
		req := permissionFromEvent(e)
		u.mu.Lock()
		u.pending = append(u.pending, req)
		u.mu.Unlock()
		fmt.Fprintf(u.out, "\n[%s] wants to use %s. Allow? [y/n/a] ", label, models.ToolDisplayName(req.ToolName))
	case models.EventStatus:
		status, _ := e.Data["status"].(string)
		fmt.Fprintf(u.out, "\n[%s] status: %s\n", label, status)
	case models.EventError:
		msg, _ := e.Data["error"].(string)
		fmt.Fprintf(u.out, "\n[%s] error: %s\n", label, msg)
	case models.EventDone:
		fmt.Fprintf(u.out, "\n[%s] done\n> ", label)
	}
}

func (u *terminalUI) nextPermission() (models.PermissionRequest, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) == 0 {
		return models.PermissionRequest{}, false
	}
	return u.pending[0], true
}

func (u *terminalUI) popPermission() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) > 0 {
		u.pending = u.pending[1:]
	}
}

func permissionFromEvent(e models.NetworkEvent) models.PermissionRequest {
	req := models.PermissionRequest{AgentID: e.AgentID}
	req.RequestID, _ = e.Data["request_id"].(string)
	req.ToolName, _ = e.Data["tool_name"].(string)
	if input, ok := e.Data["tool_input"].(map[string]any); ok {
		req.ToolInput = input
	}
	return req
}

// installSettingsHook keeps the project's pre-tool-use hook entry pointing
// at this binary.
func installSettingsHook(scope *config.Scope, logger *slog.Logger) {
	exe, err := os.Executable()
	if err != nil {
		logger.Warn("hook install skipped", "error", err)
		return
	}
	if err := scope.Settings().InstallHook(exe+" --hook", hookTimeoutSeconds); err != nil {
		logger.Warn("hook install failed", "error", err)
	}
}

// runNetworks prints the project's persisted networks, most recently active
// first.
func runNetworks(out io.Writer, projectPath string) error {
	scope := config.NewTerminalScope(projectPath)
	nets, err := scope.Networks().List()
	if err != nil {
		return err
	}
	if len(nets) == 0 {
		fmt.Fprintln(out, "no networks")
		return nil
	}
	for _, n := range nets {
		active := n.CreatedAt
		if n.LastActiveAt != nil {
			active = *n.LastActiveAt
		}
		goal := n.Goal
		if len(goal) > 60 {
			goal = goal[:57] + "..."
		}
		fmt.Fprintf(out, "%s  %s  agents=%d  %s\n",
			n.ID, active.Format(time.RFC3339), len(n.Agents), goal)
	}
	return nil
}

// runServe runs the headless API surface until the context is cancelled:
// isolated state root, prometheus metrics and a health endpoint.
func runServe(ctx context.Context, projectPath, listenAddr string, debug bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(debug)
	scope := config.NewAPIScope(projectPath)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	broker := permissions.NewBroker(scope.Settings(), logger)
	defer broker.Close()

	builder := agents.NewBuilder(filepath.Join(scope.ConfigRoot, "agents"))
	if err := builder.LoadUserDefinitions(); err != nil {
		logger.Warn("user agent definitions not loaded", "error", err)
	}

	manager := network.NewManager(network.Options{
		Scope:   scope,
		Builder: builder,
		Broker:  broker,
		Metrics: metrics,
		Logger:  logger,
	})
	defer manager.Shutdown(context.Background())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api surface listening", "addr", listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
