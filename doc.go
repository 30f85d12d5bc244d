// Package vmbridge runs untrusted JavaScript in an isolated worker process
// and exchanges results with it over a small JSON protocol. The host process
// never loads or interprets the script itself.
//
// The module is split into packages that can be used independently:
//
//   - bridge: host side. Spawns the worker, manages expression and module
//     sandbox sessions, and maps worker failures to typed errors.
//   - protocol: the newline-delimited JSON messages and their framing.
//   - worker: a goja-based worker serving the protocol.
//   - cmd/vmbridge-worker: the worker executable.
//
// # Quick Start
//
// Expression evaluation:
//
//	import "github.com/randalmurphal/vmbridge/bridge"
//	v, err := bridge.Eval(ctx, "'foo' + 'bar'")
//
// Module evaluation:
//
//	exports, err := bridge.RunModule(ctx, "exports.add = (a, b) => a + b", "math.js")
//	if err != nil {
//	    return err
//	}
//	defer exports.Close()
//	sum, err := exports.CallMember(ctx, "add", 1, 2)
//
// # Design Philosophy
//
//   - One worker process per session, one request in flight per session
//   - Script failures and bridge failures are distinct error types
//   - Cleanup on every exit path: sessions never leak worker processes
//   - Configuration is explicit; the environment is read only on request
package vmbridge
