package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"sync"

	"github.com/randalmurphal/vmbridge/protocol"
)

// ConsoleStream identifies the console stream a ConsoleEvent was written to.
type ConsoleStream string

// Console streams.
const (
	StreamStdout ConsoleStream = "stdout"
	StreamStderr ConsoleStream = "stderr"
)

// ConsoleEvent is console text a script wrote while handling one request.
type ConsoleEvent struct {
	Stream ConsoleStream
	Text   string
}

// Module is a module-style sandbox. Run evaluates code as a CommonJS module
// and returns a handle to its exports.
type Module struct {
	*Session

	options map[string]any
	console ConsoleMode
	stdout  io.Writer
	stderr  io.Writer

	consoleMu sync.Mutex
	lastLog   string
	lastError string
	events    []ConsoleEvent
}

// NewModule creates a module sandbox. Call Connect before use and Close when
// done.
func NewModule(opts ...Option) *Module {
	st := newSettings(opts)
	m := &Module{
		options: st.options,
		console: st.console,
		stdout:  st.stdout,
		stderr:  st.stderr,
	}
	if m.stdout == nil {
		m.stdout = os.Stdout
	}
	if m.stderr == nil {
		m.stderr = os.Stderr
	}
	m.Session = newSession(st.cfg, m)
	return m
}

func (m *Module) createRequest() *protocol.Request {
	opts := make(map[string]any, len(m.options)+1)
	maps.Copy(opts, m.options)
	opts["console"] = string(m.console)

	return &protocol.Request{
		Action:  protocol.ActionCreate,
		Type:    protocol.TypeNodeVM,
		Options: opts,
	}
}

// onRead forwards or stores the console text carried by a response.
func (m *Module) onRead(resp *protocol.Response) {
	if resp.ConsoleLog == "" && resp.ConsoleError == "" {
		return
	}

	if m.console == ConsoleRedirect {
		m.consoleMu.Lock()
		defer m.consoleMu.Unlock()
		if resp.ConsoleLog != "" {
			m.lastLog = resp.ConsoleLog
			m.events = append(m.events, ConsoleEvent{Stream: StreamStdout, Text: resp.ConsoleLog})
		}
		if resp.ConsoleError != "" {
			m.lastError = resp.ConsoleError
			m.events = append(m.events, ConsoleEvent{Stream: StreamStderr, Text: resp.ConsoleError})
		}
		return
	}

	if resp.ConsoleLog != "" {
		_, _ = io.WriteString(m.stdout, resp.ConsoleLog+"\n")
	}
	if resp.ConsoleError != "" {
		_, _ = io.WriteString(m.stderr, resp.ConsoleError+"\n")
	}
}

// ConsoleMode returns the module's console mode.
func (m *Module) ConsoleMode() ConsoleMode {
	return m.console
}

// LastLog returns the most recent console.log text captured in redirect
// mode.
func (m *Module) LastLog() string {
	m.consoleMu.Lock()
	defer m.consoleMu.Unlock()
	return m.lastLog
}

// LastError returns the most recent console.error text captured in redirect
// mode.
func (m *Module) LastError() string {
	m.consoleMu.Lock()
	defer m.consoleMu.Unlock()
	return m.lastError
}

// Events returns and clears every console event captured in redirect mode,
// oldest first.
func (m *Module) Events() []ConsoleEvent {
	m.consoleMu.Lock()
	defer m.consoleMu.Unlock()
	events := m.events
	m.events = nil
	return events
}

// Run evaluates code as a module and returns a handle to its exports.
// filename is optional and only used in stack traces.
func (m *Module) Run(ctx context.Context, code, filename string) (*RemoteObject, error) {
	resp, err := m.Send(ctx, &protocol.Request{
		Action:   protocol.ActionRun,
		Code:     code,
		Filename: filename,
	})
	if err != nil {
		return nil, err
	}

	id := bytes.TrimSpace(resp.Value)
	if len(id) == 0 || bytes.Equal(id, []byte("null")) {
		return nil, &ProtocolError{Op: protocol.ActionRun, Err: errors.New("worker returned no object id")}
	}
	return &RemoteObject{id: id, module: m}, nil
}

// RunModule creates and connects a module sandbox, runs code in it, and
// returns the exports handle. The handle owns the sandbox: destroying or
// closing it stops the worker.
func RunModule(ctx context.Context, code, filename string, opts ...Option) (*RemoteObject, error) {
	m := NewModule(opts...)
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}

	obj, err := m.Run(ctx, code, filename)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("run module: %w", err)
	}
	obj.ownsSession = true
	return obj, nil
}
