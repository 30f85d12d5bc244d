package bridge

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/vmbridge/protocol"
)

// Sentinel errors for session operations.
var (
	// ErrClosed indicates an operation on a closed session, including
	// reconnecting one.
	ErrClosed = errors.New("session closed")

	// ErrNotConnected indicates an operation on a session that was never
	// connected.
	ErrNotConnected = errors.New("session not connected")

	// ErrAlreadyConnected indicates Connect was called on a live session.
	ErrAlreadyConnected = errors.New("session already connected")

	// ErrTimeout indicates the worker did not respond within the read timeout.
	ErrTimeout = errors.New("timed out waiting for worker")

	// ErrBroken indicates an earlier protocol failure left the session
	// unusable. The session must be closed.
	ErrBroken = errors.New("session unusable after protocol failure")

	// ErrDestroyed indicates an operation on a destroyed remote object.
	ErrDestroyed = errors.New("remote object destroyed")

	// ErrEmptyConfig indicates a config file with no content.
	ErrEmptyConfig = errors.New("config file is empty")
)

// SpawnError reports a worker executable that could not be located or
// started. It is not retried.
type SpawnError struct {
	Executable string
	Err        error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("start worker %q: %v", e.Executable, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a broken channel: invalid JSON, a truncated
// response, or a worker that exited or stopped answering. The session that
// produced it is unusable.
type ProtocolError struct {
	Op  string // Action being performed
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ScriptError reports a request the worker rejected, typically an exception
// thrown by the sandboxed script. The session stays usable.
type ScriptError struct {
	Action  string
	Message string // Worker-supplied error text
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Action, e.Message)
}

// IsScriptError reports whether err is a worker-side script failure.
func IsScriptError(err error) bool {
	var scriptErr *ScriptError
	return errors.As(err, &scriptErr)
}

// IsProtocolError reports whether err means the bridge itself is broken.
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

// IsSpawnError reports whether err came from starting the worker.
func IsSpawnError(err error) bool {
	var spawnErr *SpawnError
	return errors.As(err, &spawnErr)
}

// checkResponse maps a non-success response to a typed error.
func checkResponse(action string, resp *protocol.Response) error {
	switch resp.Status {
	case protocol.StatusSuccess:
		return nil
	case "":
		return &ProtocolError{Op: action, Err: fmt.Errorf("%w: response has no status", protocol.ErrMalformed)}
	}

	msg := resp.Error
	if msg == "" {
		msg = "worker reported status " + resp.Status
	}
	return &ScriptError{Action: action, Message: msg}
}
