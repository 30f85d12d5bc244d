// Package bridge runs untrusted script code in a separate worker process and
// exchanges results with it over a synchronous JSON protocol.
//
// # Architecture
//
// Each session owns exactly one worker process:
//
//	Host <--JSON lines/stdio--> Worker <--engine--> Sandboxed script
//
// The host never loads or interprets the script. It sends one request, waits
// for exactly one response, and only then sends the next. See package
// protocol for the wire format.
//
// # Sandbox kinds
//
//   - Sandbox: stateless expression evaluation. Run returns the JSON value of
//     the last expression; Call invokes a function defined at creation.
//   - Module: module evaluation. Run returns a RemoteObject addressing the
//     module's exports inside the worker.
//
// # Lifecycle
//
// Sessions move from disconnected to connected to closed. Closed is terminal:
// every operation on a closed session, including Connect, fails with
// ErrClosed. Close is idempotent and always stops the worker, killing it if
// it does not exit in time.
//
//	sb := bridge.NewSandbox(bridge.WithConfig(cfg))
//	if err := sb.Connect(ctx); err != nil {
//	    return err
//	}
//	defer sb.Close()
//
//	v, err := sb.Run(ctx, "'foo' + 'bar'")
//
// Scoped helpers do the same in one call:
//
//	v, err := bridge.Eval(ctx, "1 + 1")
//
//	exports, err := bridge.RunModule(ctx, "exports.hello = n => 'hi ' + n", "")
//	if err != nil {
//	    return err
//	}
//	defer exports.Close()
//	greeting, err := exports.CallMember(ctx, "hello", "bob")
//
// # Errors
//
//   - *SpawnError: the worker executable could not be found or started.
//   - *ProtocolError: invalid JSON, truncated output, worker exit, or a read
//     timeout. The session is unusable and must be closed.
//   - *ScriptError: the worker answered with an error, usually a script
//     exception. The session stays usable.
//   - ErrClosed, ErrNotConnected: lifecycle misuse.
//
// # Concurrency
//
// A session handles one request at a time; concurrent calls are serialized.
// Reads block until the worker answers unless Config.ReadTimeout is set or
// the context is cancelled, in which case the worker is killed to unblock
// the read. A context that is already done sends nothing and leaves the
// session usable.
package bridge
