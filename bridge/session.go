package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/vmbridge/protocol"
)

// State is the lifecycle state of a Session.
type State int

// Session states. Closed is terminal.
const (
	StateDisconnected State = iota
	StateConnected
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sandboxKind supplies the sandbox-specific parts of a session: the create
// request sent on connect and the side effects applied to every response read.
type sandboxKind interface {
	createRequest() *protocol.Request
	onRead(resp *protocol.Response)
}

// Session owns one worker process and runs the request/response exchange
// with it. Requests are serialized: a Send waits for the previous one to
// receive its response.
type Session struct {
	cfg  Config
	kind sandboxKind

	mu     sync.Mutex // Serializes requests and state changes
	state  State
	broken error

	sup atomic.Pointer[Supervisor]
}

func newSession(cfg Config, k sandboxKind) *Session {
	return &Session{
		cfg:   cfg,
		kind:  k,
		state: StateDisconnected,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the worker configuration of the session.
func (s *Session) Config() Config {
	return s.cfg
}

// PID returns the worker process id, or 0 when no worker is running.
func (s *Session) PID() int {
	if sup := s.sup.Load(); sup != nil {
		return sup.PID()
	}
	return 0
}

// Done returns a channel closed when the worker process exits, or nil before
// Connect.
func (s *Session) Done() <-chan struct{} {
	if sup := s.sup.Load(); sup != nil {
		return sup.Done()
	}
	return nil
}

// Connect spawns the worker and creates the sandbox inside it, blocking for
// the acknowledgement. If any step fails the worker is stopped and the
// session is closed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateConnected:
		return ErrAlreadyConnected
	}

	if err := s.cfg.Validate(); err != nil {
		s.state = StateClosed
		return fmt.Errorf("invalid config: %w", err)
	}

	sup := NewSupervisor(s.cfg)
	if err := sup.Start(ctx); err != nil {
		s.state = StateClosed
		return err
	}
	s.sup.Store(sup)
	s.state = StateConnected

	if _, err := s.roundTrip(ctx, s.kind.createRequest()); err != nil {
		s.closeLocked()
		return err
	}

	slog.Debug("session connected", slog.Int("pid", sup.PID()))
	return nil
}

// Send issues req and returns the worker's response. A response with a
// non-success status is returned as *ScriptError; channel failures as
// *ProtocolError, after which the session only accepts Close. If ctx is
// already done nothing is sent and ctx.Err() is returned; the session stays
// usable.
func (s *Session) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDisconnected:
		return nil, ErrNotConnected
	case StateClosed:
		return nil, ErrClosed
	}
	if s.broken != nil {
		return nil, &ProtocolError{Op: req.Action, Err: fmt.Errorf("%w: %v", ErrBroken, s.broken)}
	}

	return s.roundTrip(ctx, req)
}

// Close stops the worker. It sends the close action, waits for the worker to
// exit, and kills it if it does not. Notification failures are logged, not
// returned: the session is closed regardless. Closing a closed session is a
// no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return nil
	case StateDisconnected:
		s.state = StateClosed
		return nil
	}

	s.closeLocked()
	return nil
}

// Kill forcibly terminates the worker without waiting for the in-flight
// request. The blocked request fails with a *ProtocolError; Close must still
// be called.
func (s *Session) Kill() {
	if sup := s.sup.Load(); sup != nil {
		sup.Kill()
	}
}

func (s *Session) closeLocked() {
	s.state = StateClosed

	sup := s.sup.Load()
	if sup == nil {
		return
	}

	var notify func() error
	if s.broken == nil {
		notify = func() error {
			ch := sup.Channel()
			if err := ch.Send(&protocol.Request{Action: protocol.ActionClose}); err != nil {
				return err
			}
			resp, err := ch.Read()
			if err != nil {
				return err
			}
			return checkResponse(protocol.ActionClose, resp)
		}
	}

	if err := sup.Terminate(notify); err != nil {
		slog.Warn("worker close handshake failed", slog.Int("pid", sup.PID()), slog.Any("error", err))
	}
	slog.Debug("session closed", slog.Int("pid", sup.PID()))
}

// roundTrip sends req and reads its response. The caller holds s.mu.
func (s *Session) roundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sup := s.sup.Load()
	ch := sup.Channel()

	if err := ch.Send(req); err != nil {
		return nil, s.fail(req.Action, err)
	}

	resp, err := s.read(ctx, sup, ch)
	if err != nil {
		return nil, s.fail(req.Action, err)
	}

	s.kind.onRead(resp)

	if err := checkResponse(req.Action, resp); err != nil {
		if IsProtocolError(err) {
			s.broken = err
		}
		return nil, err
	}
	return resp, nil
}

// read waits for one response. Without a deadline or cancellable context it
// reads inline; otherwise the read runs in a goroutine and expiry kills the
// worker to unblock it.
func (s *Session) read(ctx context.Context, sup *Supervisor, ch *protocol.Channel) (*protocol.Response, error) {
	if s.cfg.ReadTimeout <= 0 && ctx.Done() == nil {
		return ch.Read()
	}

	type readResult struct {
		resp *protocol.Response
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		resp, err := ch.Read()
		resultCh <- readResult{resp: resp, err: err}
	}()

	var timeout <-chan time.Time
	if s.cfg.ReadTimeout > 0 {
		timer := time.NewTimer(s.cfg.ReadTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var expired error
	select {
	case r := <-resultCh:
		return r.resp, r.err
	case <-ctx.Done():
		expired = ctx.Err()
	case <-timeout:
		expired = fmt.Errorf("%w after %s", ErrTimeout, s.cfg.ReadTimeout)
	}

	// A response that arrived together with the expiry still counts.
	select {
	case r := <-resultCh:
		return r.resp, r.err
	default:
	}

	sup.Kill()
	<-resultCh
	return nil, expired
}

func (s *Session) fail(action string, err error) error {
	protoErr := &ProtocolError{Op: action, Err: err}
	s.broken = protoErr
	return protoErr
}
