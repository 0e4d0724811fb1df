// Package process manages the lifecycle of one agent CLI subprocess:
// idempotent startup, graceful abort with escalation, and exit observation.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Timeouts for the abort escalation ladder.
const (
	gracefulExitTimeout  = 5 * time.Second
	terminateExitTimeout = 2 * time.Second
)

// ErrNotStarted is returned when pipes are requested before startup.
var ErrNotStarted = errors.New("process not started")

// Config describes how to launch the subprocess.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// Interrupter sends a protocol-level interrupt to the subprocess. Abort
// tries it before escalating to signals.
type Interrupter func() error

// Process supervises one subprocess. Startup is idempotent: concurrent
// callers of EnsureStarted share a single in-flight start and exactly one
// subprocess is ever spawned.
type Process struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	startCh  chan struct{}
	startErr error

	running  atomic.Bool
	aborting atomic.Bool

	exitOnce sync.Once
	exitCh   chan struct{}
	exitCode int

	interrupter Interrupter
	onExit      func(code int)
}

// New creates an unstarted process supervisor.
func New(cfg Config, logger *slog.Logger) *Process {
	return &Process{
		cfg:    cfg,
		logger: logger.With("component", "process", "command", cfg.Command),
		exitCh: make(chan struct{}),
	}
}

// SetInterrupter installs the protocol interrupt used by Abort.
func (p *Process) SetInterrupter(fn Interrupter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupter = fn
}

// SetExitHandler installs a callback invoked once when the subprocess exits.
func (p *Process) SetExitHandler(fn func(code int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = fn
}

// IsRunning reports whether the subprocess is currently alive.
func (p *Process) IsRunning() bool { return p.running.Load() }

// IsAborting reports whether an abort is in progress.
func (p *Process) IsAborting() bool { return p.aborting.Load() }

// EnsureStarted starts the subprocess if it is not already started. A second
// concurrent caller waits on the first caller's start attempt instead of
// spawning a second subprocess.
func (p *Process) EnsureStarted(ctx context.Context) error {
	p.mu.Lock()
	if p.startCh != nil {
		ch := p.startCh
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.startErr
	}
	p.startCh = make(chan struct{})
	ch := p.startCh
	p.mu.Unlock()

	err := p.start(ctx)

	p.mu.Lock()
	p.startErr = err
	p.mu.Unlock()
	close(ch)
	return err
}

func (p *Process) start(ctx context.Context) error {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	if p.cfg.Dir != "" {
		cmd.Dir = p.cfg.Dir
	}
	cmd.Env = os.Environ()
	for k, v := range p.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.cfg.Command, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.stderr = stderr
	p.mu.Unlock()
	p.running.Store(true)

	p.logger.Info("agent process started", "pid", cmd.Process.Pid, "dir", cmd.Dir)

	go p.logStderr(stderr)
	go p.waitExit(cmd)
	_ = ctx
	return nil
}

func (p *Process) waitExit(cmd *exec.Cmd) {
	err := cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	p.running.Store(false)
	p.exitOnce.Do(func() {
		p.exitCode = code
		close(p.exitCh)
	})

	p.mu.Lock()
	onExit := p.onExit
	p.mu.Unlock()
	if onExit != nil {
		onExit(code)
	}
	p.logger.Info("agent process exited", "code", code)
}

func (p *Process) logStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			p.logger.Debug("agent stderr", "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// Stdin returns the subprocess's stdin writer.
func (p *Process) Stdin() (io.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return nil, ErrNotStarted
	}
	return p.stdin, nil
}

// Stdout returns the subprocess's stdout reader.
func (p *Process) Stdout() (io.Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdout == nil {
		return nil, ErrNotStarted
	}
	return p.stdout, nil
}

// ExitCode returns the exit code after the process has exited.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Wait blocks until the subprocess exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.exitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort stops the subprocess: protocol interrupt first, then SIGTERM, then
// SIGKILL, giving each step a bounded wait.
func (p *Process) Abort(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}
	p.aborting.Store(true)
	defer p.aborting.Store(false)

	p.mu.Lock()
	interrupter := p.interrupter
	cmd := p.cmd
	p.mu.Unlock()

	if interrupter != nil {
		if err := interrupter(); err != nil {
			p.logger.Debug("protocol interrupt failed", "error", err)
		}
		if p.waitTimeout(ctx, gracefulExitTimeout) {
			return nil
		}
		p.logger.Warn("interrupt unacknowledged, escalating to terminate")
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		if p.waitTimeout(ctx, terminateExitTimeout) {
			return nil
		}
		p.logger.Warn("terminate unacknowledged, killing process")
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill process: %w", err)
		}
	}
	return p.Wait(ctx)
}

func (p *Process) waitTimeout(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.exitCh:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close stops the subprocess if needed and waits for exit.
func (p *Process) Close(ctx context.Context) error {
	p.mu.Lock()
	started := p.startCh != nil
	stdin := p.stdin
	p.mu.Unlock()
	if !started {
		return nil
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if p.running.Load() {
		if err := p.Abort(ctx); err != nil {
			return err
		}
	}
	return p.Wait(ctx)
}
