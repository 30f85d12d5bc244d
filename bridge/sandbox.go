package bridge

import (
	"context"
	"fmt"

	"github.com/randalmurphal/vmbridge/protocol"
)

// Sandbox is a stateless expression sandbox. Each Run evaluates code and
// returns the JSON value of its last expression. Values that have no JSON
// form are rejected by the worker.
type Sandbox struct {
	*Session

	code    string
	options map[string]any
}

// NewSandbox creates an expression sandbox. Call Connect before use and
// Close when done.
func NewSandbox(opts ...Option) *Sandbox {
	st := newSettings(opts)
	sb := &Sandbox{
		code:    st.code,
		options: st.options,
	}
	sb.Session = newSession(st.cfg, sb)
	return sb
}

func (sb *Sandbox) createRequest() *protocol.Request {
	return &protocol.Request{
		Action:  protocol.ActionCreate,
		Type:    protocol.TypeVM,
		Code:    sb.code,
		Options: sb.options,
	}
}

func (sb *Sandbox) onRead(*protocol.Response) {}

// Run evaluates code and returns its result decoded as JSON: nil, bool,
// float64, string, []any or map[string]any.
func (sb *Sandbox) Run(ctx context.Context, code string) (any, error) {
	var v any
	if err := sb.RunInto(ctx, code, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// RunInto evaluates code and decodes its result into dst.
func (sb *Sandbox) RunInto(ctx context.Context, code string, dst any) error {
	resp, err := sb.Send(ctx, &protocol.Request{Action: protocol.ActionRun, Code: code})
	if err != nil {
		return err
	}
	return decodeValue(protocol.ActionRun, resp, dst)
}

// Call invokes a function defined in the sandbox, usually by the code given
// to WithCode. name may be a dotted path ("math.double"); the function is
// called without a receiver.
func (sb *Sandbox) Call(ctx context.Context, name string, args ...any) (any, error) {
	resp, err := sb.Send(ctx, &protocol.Request{
		Action:       protocol.ActionCall,
		FunctionName: name,
		Args:         argList(args),
	})
	if err != nil {
		return nil, err
	}
	var v any
	if err := decodeValue(protocol.ActionCall, resp, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// WithSandbox connects a sandbox, passes it to fn, and closes it on every
// exit path, including a panic in fn.
func WithSandbox(ctx context.Context, fn func(*Sandbox) error, opts ...Option) (err error) {
	sb := NewSandbox(opts...)
	if err := sb.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := sb.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(sb)
}

// Eval runs code in a fresh sandbox and returns the result. The worker is
// stopped before Eval returns.
func Eval(ctx context.Context, code string, opts ...Option) (any, error) {
	var result any
	err := WithSandbox(ctx, func(sb *Sandbox) error {
		v, err := sb.Run(ctx, code)
		result = v
		return err
	}, opts...)
	return result, err
}

// argList returns args as a non-nil slice so the request always carries an
// args array.
func argList(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

func decodeValue(action string, resp *protocol.Response, dst any) error {
	if err := resp.Decode(dst); err != nil {
		return fmt.Errorf("decode %s result: %w", action, err)
	}
	return nil
}
