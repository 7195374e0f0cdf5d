// Package supervisor spawns, health-checks, and restarts one agent
// subprocess bound to a local port.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// State is the supervisor lifecycle state.
type State string

const (
	// StateStopped means no subprocess is running.
	StateStopped State = "stopped"
	// StateStarting means the spawn is in progress.
	StateStarting State = "starting"
	// StateRunning means the subprocess has been launched. Launched is not
	// ready; callers poll WaitForReady for the health endpoint.
	StateRunning State = "running"
	// StateCrashed means the subprocess exited without Stop being called.
	StateCrashed State = "crashed"
)

// ErrReadinessTimeout is returned when health polling exhausts its attempts
// without a successful response. Distinct from transport errors so callers
// can tell "never came up" from "connection refused mid-flight".
var ErrReadinessTimeout = errors.New("subprocess readiness polling timed out")

// ErrAlreadyRunning is returned by Start when a subprocess is active.
var ErrAlreadyRunning = errors.New("subprocess already running")

// CrashFunc receives the exit code and terminating signal name (empty when
// the process exited on its own) of an unsolicited subprocess exit.
type CrashFunc func(exitCode int, signal string)

// Config describes the subprocess to supervise.
type Config struct {
	Command string   // binary to spawn
	Args    []string // full argument list, already including the port
	Dir     string   // working directory
	Env     []string // extra variables appended to the parent environment
	// HealthURL is polled by WaitForReady.
	HealthURL string
	// OnCrash is invoked for unsolicited exits. Never invoked for Stop.
	OnCrash CrashFunc
}

// Supervisor manages one subprocess.
type Supervisor struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	stopping bool
	done     chan struct{}
}

// New creates a supervisor in the stopped state.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		client: &http.Client{Timeout: 3 * time.Second},
		state:  StateStopped,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the subprocess. It resolves once the process has been
// launched, not once it is ready.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStarting || s.state == StateRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = StateStarting
	s.stopping = false
	s.mu.Unlock()

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	// Own process group so a graceful stop never signals the daemon itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", s.cfg.Command, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.done = done
	s.state = StateRunning
	s.mu.Unlock()

	slog.Info("Subprocess started", "command", s.cfg.Command, "pid", cmd.Process.Pid)

	go s.reap(ctx, cmd, done)
	return nil
}

// reap waits for the subprocess and classifies its exit.
func (s *Supervisor) reap(_ context.Context, cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)

	exitCode := 0
	signal := ""
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
			}
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	intentional := s.stopping
	if intentional {
		s.state = StateStopped
	} else {
		s.state = StateCrashed
	}
	s.cmd = nil
	s.mu.Unlock()

	if intentional {
		slog.Info("Subprocess stopped", "command", s.cfg.Command, "exit_code", exitCode)
		return
	}

	slog.Warn("Subprocess exited unexpectedly",
		"command", s.cfg.Command, "exit_code", exitCode, "signal", signal)
	if s.cfg.OnCrash != nil {
		s.cfg.OnCrash(exitCode, signal)
	}
}

// WaitForReady polls the health endpoint until it answers successfully or
// the attempts are exhausted.
func (s *Supervisor) WaitForReady(ctx context.Context, attempts int, interval time.Duration) error {
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.HealthURL, nil)
		if err != nil {
			return fmt.Errorf("build health request: %w", err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrReadinessTimeout, attempts)
}

// Stop sends a graceful termination signal and awaits process exit. The
// crash callback is suppressed for this intentional path.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	if cmd == nil {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Warn("Failed to signal subprocess", "error", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Grace period over; force kill and wait for the reaper.
		if err := cmd.Process.Kill(); err != nil {
			slog.Warn("Failed to kill subprocess", "error", err)
		}
		<-done
		return nil
	}
}

// Restart stops the subprocess if running and starts it again.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return fmt.Errorf("stop for restart: %w", err)
	}
	return s.Start(ctx)
}
