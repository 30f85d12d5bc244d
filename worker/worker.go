// Package worker implements the worker side of the sandbox protocol on top of
// the goja JavaScript engine.
//
// A worker hosts exactly one sandbox, created by the first "create" request,
// and serves requests from its input until it receives "close" or the input
// reaches end-of-stream:
//
//	host <--JSON lines/stdio--> worker <--goja--> sandboxed script
//
// Two sandbox types are supported:
//
//   - VM: stateless expression evaluation. "run" returns the JSON value of
//     the last expression.
//   - NodeVM: module evaluation. "run" evaluates the code as a CommonJS
//     module and returns an opaque id for its exports; later requests address
//     the exports by that id.
//
// Console output written by the script during a request is attached to that
// request's response as "console.log" / "console.error".
package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dop251/goja"

	"github.com/randalmurphal/vmbridge/protocol"
)

// Worker serves protocol requests against a single sandbox.
type Worker struct {
	ch *protocol.Channel
	sb *sandbox
}

// New creates a worker reading requests from r and writing responses to w.
func New(r io.Reader, w io.Writer) *Worker {
	return &Worker{ch: protocol.NewChannel(r, w)}
}

// Serve runs a worker on r and w until a close request or end of input.
func Serve(r io.Reader, w io.Writer) error {
	return New(r, w).Serve()
}

// Serve handles requests until "close" or end of input. Malformed lines are
// answered with an error response; only I/O failures end the loop with an
// error.
func (w *Worker) Serve() error {
	for {
		req, err := w.ch.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Debug("worker input closed")
				return nil
			}
			if errors.Is(err, protocol.ErrMalformed) {
				if werr := w.ch.Write(protocol.Failure(err.Error())); werr != nil {
					return werr
				}
				continue
			}
			return err
		}

		resp := w.Handle(req)
		if err := w.ch.Write(resp); err != nil {
			return err
		}

		if req.Action == protocol.ActionClose {
			slog.Debug("worker closed by host")
			return nil
		}
	}
}

// Handle dispatches one request and returns its response. Script exceptions
// and Go panics raised while handling are reported as error responses.
func (w *Worker) Handle(req *protocol.Request) (resp *protocol.Response) {
	if w.sb != nil {
		w.sb.resetConsole()
	}

	defer func() {
		if r := recover(); r != nil {
			resp = protocol.Failure(panicMessage(r))
		}
		if w.sb != nil {
			w.sb.attachConsole(resp)
		}
	}()

	switch req.Action {
	case protocol.ActionCreate:
		return w.create(req)
	case protocol.ActionClose:
		return &protocol.Response{Status: protocol.StatusSuccess}
	}

	if w.sb == nil {
		return protocol.Failure(fmt.Sprintf("sandbox not created, cannot %s", req.Action))
	}

	switch req.Action {
	case protocol.ActionRun:
		return w.sb.run(req)
	case protocol.ActionCall:
		return w.sb.call(req)
	case protocol.ActionCallMember:
		return w.sb.callMember(req)
	case protocol.ActionGet:
		return w.sb.get(req)
	case protocol.ActionGetMember:
		return w.sb.getMember(req)
	case protocol.ActionDestroy:
		return w.sb.destroy(req)
	default:
		return protocol.Failure(fmt.Sprintf("Unknown action: %s", req.Action))
	}
}

func (w *Worker) create(req *protocol.Request) *protocol.Response {
	if w.sb != nil {
		return protocol.Failure("sandbox already created")
	}

	sb, err := newSandbox(req.Type, req.Options)
	if err != nil {
		return protocol.Failure(err.Error())
	}
	w.sb = sb

	if req.Code != "" {
		if _, err := sb.guard(func() (goja.Value, error) {
			return sb.vm.RunScript("init.js", req.Code)
		}); err != nil {
			return protocol.Failure(errorMessage(err))
		}
	}

	slog.Debug("sandbox created", slog.String("type", req.Type))
	return &protocol.Response{Status: protocol.StatusSuccess}
}

// errorMessage renders a script failure the way the script would print it:
// "Error: foo" for Error objects, "foo" for a thrown string.
func errorMessage(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		if v := exc.Value(); v != nil {
			return v.String()
		}
	}
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		return fmt.Sprint(intr.Value())
	}
	return err.Error()
}

func panicMessage(r any) string {
	switch v := r.(type) {
	case *goja.Exception:
		return errorMessage(v)
	case goja.Value:
		return v.String()
	case error:
		return v.Error()
	default:
		return fmt.Sprint(v)
	}
}
