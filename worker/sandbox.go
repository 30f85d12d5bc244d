package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/randalmurphal/vmbridge/protocol"
)

// Console modes accepted in the "console" create option.
const (
	consoleInherit  = "inherit"
	consoleRedirect = "redirect"
	consoleOff      = "off"
)

// sandbox is one goja runtime plus the module exports it has handed out.
type sandbox struct {
	kind    string
	vm      *goja.Runtime
	timeout time.Duration
	console string

	logs []string
	errs []string

	objects map[string]goja.Value
}

func newSandbox(kind string, opts map[string]any) (*sandbox, error) {
	switch kind {
	case protocol.TypeVM, protocol.TypeNodeVM:
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q", kind)
	}

	sb := &sandbox{
		kind:    kind,
		vm:      goja.New(),
		console: consoleInherit,
		objects: make(map[string]goja.Value),
	}

	if v, ok := opts["timeout"]; ok {
		ms, ok := v.(float64)
		if !ok || ms < 0 {
			return nil, fmt.Errorf("timeout must be a non-negative number of milliseconds, got %v", v)
		}
		sb.timeout = time.Duration(ms * float64(time.Millisecond))
	}

	if v, ok := opts["console"]; ok {
		mode, _ := v.(string)
		switch mode {
		case consoleInherit, consoleRedirect, consoleOff:
			sb.console = mode
		default:
			return nil, fmt.Errorf("unknown console mode: %v", v)
		}
	}

	if err := sb.setupGlobals(); err != nil {
		return nil, err
	}

	if v, ok := opts["sandbox"]; ok {
		globals, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("sandbox option must be an object, got %T", v)
		}
		for name, val := range globals {
			if err := sb.vm.Set(name, val); err != nil {
				return nil, fmt.Errorf("set global %q: %w", name, err)
			}
		}
	}

	return sb, nil
}

func (sb *sandbox) setupGlobals() error {
	console := sb.vm.NewObject()
	for name, dst := range map[string]*[]string{
		"log":   &sb.logs,
		"info":  &sb.logs,
		"debug": &sb.logs,
		"warn":  &sb.errs,
		"error": &sb.errs,
	} {
		if err := console.Set(name, sb.consoleFunc(dst)); err != nil {
			return err
		}
	}
	return sb.vm.Set("console", console)
}

func (sb *sandbox) consoleFunc(dst *[]string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		*dst = append(*dst, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func (sb *sandbox) resetConsole() {
	sb.logs = sb.logs[:0]
	sb.errs = sb.errs[:0]
}

func (sb *sandbox) attachConsole(resp *protocol.Response) {
	if resp == nil || sb.console == consoleOff {
		return
	}
	if len(sb.logs) > 0 {
		resp.ConsoleLog = strings.Join(sb.logs, "\n")
	}
	if len(sb.errs) > 0 {
		resp.ConsoleError = strings.Join(sb.errs, "\n")
	}
}

// guard runs fn with the configured execution timeout.
func (sb *sandbox) guard(fn func() (goja.Value, error)) (goja.Value, error) {
	defer sb.vm.ClearInterrupt()
	if sb.timeout > 0 {
		timer := time.AfterFunc(sb.timeout, func() {
			sb.vm.Interrupt(fmt.Sprintf("Script execution timed out after %s", sb.timeout))
		})
		defer timer.Stop()
	}
	return fn()
}

func (sb *sandbox) run(req *protocol.Request) *protocol.Response {
	if sb.kind == protocol.TypeNodeVM {
		return sb.runModule(req)
	}

	val, err := sb.guard(func() (goja.Value, error) {
		return sb.vm.RunString(req.Code)
	})
	if err != nil {
		return protocol.Failure(errorMessage(err))
	}
	return sb.success(val)
}

// runModule evaluates code as a CommonJS module body and registers its
// exports under a fresh id.
func (sb *sandbox) runModule(req *protocol.Request) *protocol.Response {
	filename := req.Filename
	if filename == "" {
		filename = "vm.js"
	}

	wrapped := "(function (exports, require, module, __filename, __dirname) {" + req.Code + "\n})"

	module := sb.vm.NewObject()
	exports := sb.vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return protocol.Failure(err.Error())
	}

	_, err := sb.guard(func() (goja.Value, error) {
		fnVal, err := sb.vm.RunScript(filename, wrapped)
		if err != nil {
			return nil, err
		}
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return nil, errors.New("module wrapper is not a function")
		}
		return fn(goja.Undefined(),
			exports,
			sb.vm.ToValue(sb.require),
			module,
			sb.vm.ToValue(filename),
			sb.vm.ToValue(path.Dir(filename)),
		)
	})
	if err != nil {
		return protocol.Failure(errorMessage(err))
	}

	id := uuid.NewString()
	sb.objects[id] = module.Get("exports")
	return mustSuccess(id)
}

func (sb *sandbox) require(call goja.FunctionCall) goja.Value {
	panic(sb.vm.NewTypeError("Cannot find module '%s': require is not available in this sandbox", call.Argument(0).String()))
}

func (sb *sandbox) call(req *protocol.Request) *protocol.Response {
	var target goja.Value
	switch {
	case len(req.ID) > 0:
		obj, resp := sb.lookup(req.ID)
		if resp != nil {
			return resp
		}
		target = obj
	case req.FunctionName != "":
		val, err := sb.guard(func() (goja.Value, error) {
			return sb.vm.RunString(req.FunctionName)
		})
		if err != nil {
			return protocol.Failure(errorMessage(err))
		}
		target = val
	default:
		return protocol.Failure("call requires an id or a functionName")
	}

	fn, ok := goja.AssertFunction(target)
	if !ok {
		return protocol.Failure("target is not a function")
	}
	return sb.invoke(fn, goja.Undefined(), req.Args)
}

func (sb *sandbox) callMember(req *protocol.Request) *protocol.Response {
	obj, resp := sb.lookupObject(req.ID)
	if resp != nil {
		return resp
	}
	fn, ok := goja.AssertFunction(obj.Get(req.Member))
	if !ok {
		return protocol.Failure(fmt.Sprintf("%s is not a function", req.Member))
	}
	return sb.invoke(fn, obj, req.Args)
}

func (sb *sandbox) get(req *protocol.Request) *protocol.Response {
	val, resp := sb.lookup(req.ID)
	if resp != nil {
		return resp
	}
	return sb.success(val)
}

func (sb *sandbox) getMember(req *protocol.Request) *protocol.Response {
	obj, resp := sb.lookupObject(req.ID)
	if resp != nil {
		return resp
	}
	return sb.success(obj.Get(req.Member))
}

func (sb *sandbox) destroy(req *protocol.Request) *protocol.Response {
	key := objectKey(req.ID)
	if _, ok := sb.objects[key]; !ok {
		return protocol.Failure(fmt.Sprintf("unknown object id: %s", key))
	}
	delete(sb.objects, key)
	return &protocol.Response{Status: protocol.StatusSuccess}
}

func (sb *sandbox) invoke(fn goja.Callable, this goja.Value, args []any) *protocol.Response {
	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = sb.vm.ToValue(a)
	}
	val, err := sb.guard(func() (goja.Value, error) {
		return fn(this, vals...)
	})
	if err != nil {
		return protocol.Failure(errorMessage(err))
	}
	return sb.success(val)
}

func (sb *sandbox) lookup(id json.RawMessage) (goja.Value, *protocol.Response) {
	if len(id) == 0 {
		return nil, protocol.Failure("missing object id")
	}
	val, ok := sb.objects[objectKey(id)]
	if !ok {
		return nil, protocol.Failure(fmt.Sprintf("unknown object id: %s", objectKey(id)))
	}
	return val, nil
}

func (sb *sandbox) lookupObject(id json.RawMessage) (*goja.Object, *protocol.Response) {
	val, resp := sb.lookup(id)
	if resp != nil {
		return nil, resp
	}
	if goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, protocol.Failure("module exports are not an object")
	}
	return val.ToObject(sb.vm), nil
}

// success exports val and encodes it as the response value. Values with no
// JSON form (functions, symbols) are rejected.
func (sb *sandbox) success(val goja.Value) *protocol.Response {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return &protocol.Response{Status: protocol.StatusSuccess}
	}
	resp, err := protocol.Success(val.Export())
	if err != nil {
		return protocol.Failure(fmt.Sprintf("result is not JSON-serializable: %v", err))
	}
	return resp
}

func mustSuccess(v any) *protocol.Response {
	resp, err := protocol.Success(v)
	if err != nil {
		return protocol.Failure(err.Error())
	}
	return resp
}

// objectKey normalizes an id to its map key: the string itself for JSON
// strings, the raw text otherwise.
func objectKey(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}
