package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/randalmurphal/vmbridge/protocol"
)

// Supervisor manages one worker process and the channel over its stdio.
type Supervisor struct {
	cfg Config

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *os.File // read end of the worker's stdout
	channel    *protocol.Channel
	started    bool
	terminated bool
	done       chan struct{} // Closed when process exits
	exitErr    error
}

// NewSupervisor creates a supervisor for cfg. Nothing is spawned until Start.
func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:  cfg.WithDefaults(),
		done: make(chan struct{}),
	}
}

// Start spawns the worker. Failures to locate or start the executable are
// returned as *SpawnError.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("worker already started")
	}

	path, err := exec.LookPath(s.cfg.Executable)
	if err != nil {
		return &SpawnError{Executable: s.cfg.Executable, Err: err}
	}

	var args []string
	if s.cfg.EntryPath != "" {
		args = append(args, s.cfg.EntryPath)
	}
	args = append(args, s.cfg.Args...)

	// The process must outlive ctx, so it is not bound to it.
	cmd := exec.Command(path, args...)
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	if len(s.cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range s.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SpawnError{Executable: s.cfg.Executable, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	// A plain pipe instead of StdoutPipe: Wait must not close the read end
	// before the final response has been consumed.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return &SpawnError{Executable: s.cfg.Executable, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = &stderrLogger{}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return &SpawnError{Executable: s.cfg.Executable, Err: err}
	}
	_ = stdoutW.Close()

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdoutR
	s.channel = protocol.NewChannel(stdoutR, stdin)
	s.started = true

	go s.waitForExit()

	slog.Debug("worker started",
		slog.String("executable", path),
		slog.Int("pid", cmd.Process.Pid))

	return nil
}

// Channel returns the message channel, or nil before Start.
func (s *Supervisor) Channel() *protocol.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Terminate stops the worker. notify, if non-nil, performs the graceful
// close handshake; it is bounded by the shutdown timeout. stdin is then
// closed and the process given the same window to exit before it is killed.
// Pipes are always released. Calling Terminate again is a no-op.
func (s *Supervisor) Terminate(notify func() error) error {
	s.mu.Lock()
	if !s.started || s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	s.mu.Unlock()

	var notifyErr error
	if notify != nil {
		errCh := make(chan error, 1)
		go func() { errCh <- notify() }()

		select {
		case notifyErr = <-errCh:
		case <-time.After(s.cfg.ShutdownTimeout):
			notifyErr = fmt.Errorf("close handshake: %w", ErrTimeout)
			s.Kill()
			<-errCh
		}
	}

	_ = s.stdin.Close()

	select {
	case <-s.done:
	case <-time.After(s.cfg.ShutdownTimeout):
		slog.Warn("worker did not exit, killing", slog.Int("pid", s.cmd.Process.Pid))
		s.Kill()
		<-s.done
	}

	_ = s.stdout.Close()
	slog.Debug("worker stopped", slog.Int("pid", s.cmd.Process.Pid))

	return notifyErr
}

// Kill forcibly terminates the worker. A blocked read on the channel
// returns once the process is gone.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("kill worker", slog.Int("pid", cmd.Process.Pid), slog.Any("error", err))
	}
}

// Done returns a channel that's closed when the worker process exits.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// ExitError returns the error from the worker process exit, if any.
func (s *Supervisor) ExitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// PID returns the worker process id, or 0 before Start.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// waitForExit waits for the process to exit and captures the error.
func (s *Supervisor) waitForExit() {
	err := s.cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()

	close(s.done)
}

// stderrLogger forwards worker stderr to slog, one record per line.
type stderrLogger struct {
	buf bytes.Buffer
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		slog.Debug("worker stderr", slog.String("output", line[:len(line)-1]))
	}
	return len(p), nil
}
