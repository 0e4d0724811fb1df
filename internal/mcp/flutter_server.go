package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// FlutterServerName is the per-network Flutter runtime server.
const FlutterServerName = "flutter-runtime"

// maxFlutterLogLines bounds the retained log ring.
const maxFlutterLogLines = 500

// FlutterServer manages one `flutter run` subprocess for the network:
// start, stop, hot reload and log retrieval. VM-service screenshot and tap
// extensions are out of scope.
type FlutterServer struct {
	BaseServer
	workdir func() string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logs   []string
	exited bool
}

// NewFlutterServer creates a Flutter runtime server resolving its working
// directory per call.
func NewFlutterServer(workdir func() string) *FlutterServer {
	return &FlutterServer{
		BaseServer: NewBaseServer(FlutterServerName, "1.0.0"),
		workdir:    workdir,
	}
}

func (s *FlutterServer) Tools() []Tool {
	return []Tool{
		{
			Name:        "start_app",
			Description: "Start the Flutter app with `flutter run` in the working directory.",
			InputSchema: ObjectSchema(map[string]any{
				"device": StringProp("Optional device id to run on."),
			}),
			Handler: s.startApp,
		},
		{
			Name:        "stop_app",
			Description: "Stop the running Flutter app.",
			InputSchema: ObjectSchema(map[string]any{}),
			Handler:     s.stopApp,
		},
		{
			Name:        "hot_reload",
			Description: "Trigger a hot reload of the running app.",
			InputSchema: ObjectSchema(map[string]any{}),
			Handler:     s.hotReload,
		},
		{
			Name:        "get_logs",
			Description: "Return recent output of the running app.",
			InputSchema: ObjectSchema(map[string]any{
				"lines": map[string]any{"type": "integer", "description": "Max lines to return (default 100)."},
			}),
			Handler: s.getLogs,
		},
	}
}

func (s *FlutterServer) startApp(ctx context.Context, args map[string]any) (*ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && !s.exited {
		return Errorf("flutter app already running"), nil
	}

	runArgs := []string{"run", "--machine"}
	if device, _ := args["device"].(string); device != "" {
		runArgs = append(runArgs, "-d", device)
	}
	cmd := exec.Command("flutter", runArgs...)
	cmd.Dir = s.workdir()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Errorf("flutter run failed to start: %v", err), nil
	}

	s.cmd = cmd
	s.stdin = stdin
	s.logs = nil
	s.exited = false

	go s.collectLogs(stdout)
	go func() {
		cmd.Wait()
		s.mu.Lock()
		s.exited = true
		s.mu.Unlock()
	}()

	return &ToolResult{Content: TextContent("Flutter app starting.")}, nil
}

func (s *FlutterServer) collectLogs(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.mu.Lock()
		s.logs = append(s.logs, scanner.Text())
		if len(s.logs) > maxFlutterLogLines {
			s.logs = s.logs[len(s.logs)-maxFlutterLogLines:]
		}
		s.mu.Unlock()
	}
}

func (s *FlutterServer) stopApp(ctx context.Context, args map[string]any) (*ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.exited {
		return Errorf("no flutter app running"), nil
	}
	// "q" asks flutter run to quit cleanly; kill as fallback.
	if s.stdin != nil {
		io.WriteString(s.stdin, "q")
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return &ToolResult{Content: TextContent("Flutter app stopped.")}, nil
}

func (s *FlutterServer) hotReload(ctx context.Context, args map[string]any) (*ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.exited || s.stdin == nil {
		return Errorf("no flutter app running"), nil
	}
	if _, err := io.WriteString(s.stdin, "r"); err != nil {
		return Errorf("hot reload failed: %v", err), nil
	}
	return &ToolResult{Content: TextContent("Hot reload triggered.")}, nil
}

func (s *FlutterServer) getLogs(ctx context.Context, args map[string]any) (*ToolResult, error) {
	limit := 100
	if n, ok := args["lines"].(float64); ok && n > 0 {
		limit = int(n)
	}
	s.mu.Lock()
	logs := s.logs
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	out := strings.Join(logs, "\n")
	s.mu.Unlock()
	if out == "" {
		out = "(no output)"
	}
	return &ToolResult{Content: TextContent(out)}, nil
}

// Stop kills the app subprocess along with the server.
func (s *FlutterServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil && !s.exited && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.mu.Unlock()
	return s.BaseServer.Stop(ctx)
}
