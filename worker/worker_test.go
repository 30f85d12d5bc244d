package worker

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/vmbridge/protocol"
)

func newCreated(t *testing.T, kind string, opts map[string]any) *Worker {
	t.Helper()
	w := New(strings.NewReader(""), &bytes.Buffer{})
	resp := w.Handle(&protocol.Request{Action: protocol.ActionCreate, Type: kind, Options: opts})
	require.True(t, resp.OK(), "create failed: %s", resp.Error)
	return w
}

func decode[T any](t *testing.T, resp *protocol.Response) T {
	t.Helper()
	require.True(t, resp.OK(), "unexpected error response: %s", resp.Error)
	var v T
	require.NoError(t, resp.Decode(&v))
	return v
}

func runModule(t *testing.T, w *Worker, code string) json.RawMessage {
	t.Helper()
	resp := w.Handle(&protocol.Request{Action: protocol.ActionRun, Code: code})
	id := decode[string](t, resp)
	require.NotEmpty(t, id)
	raw, err := json.Marshal(id)
	require.NoError(t, err)
	return raw
}

func TestServe_ExpressionSession(t *testing.T) {
	input := strings.Join([]string{
		`{"action":"create","type":"VM"}`,
		`{"action":"run","code":"'foo' + 'bar'"}`,
		`{"action":"run","code":"var foo = x => x + 'bar';\nfoo('foo');"}`,
		`{"action":"close"}`,
		`{"action":"run","code":"'never handled'"}`,
	}, "\n") + "\n"
	var out bytes.Buffer

	require.NoError(t, Serve(strings.NewReader(input), &out))

	ch := protocol.NewChannel(&out, nil)
	var results []*protocol.Response
	for {
		resp, err := ch.Read()
		if err != nil {
			break
		}
		results = append(results, resp)
	}
	require.Len(t, results, 4)
	assert.True(t, results[0].OK())
	assert.Equal(t, "foobar", decode[string](t, results[1]))
	assert.Equal(t, "foobar", decode[string](t, results[2]))
	assert.True(t, results[3].OK())
}

func TestServe_MalformedLineGetsErrorResponse(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Serve(strings.NewReader("garbage\n"), &out))

	resp, err := protocol.NewChannel(&out, nil).Read()
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, "malformed")
}

func TestHandle_BeforeCreate(t *testing.T) {
	w := New(strings.NewReader(""), &bytes.Buffer{})
	resp := w.Handle(&protocol.Request{Action: protocol.ActionRun, Code: "1"})
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, "not created")
}

func TestHandle_CreateErrors(t *testing.T) {
	tests := []struct {
		name    string
		req     protocol.Request
		wantErr string
	}{
		{"unknown type", protocol.Request{Type: "Nope"}, "unknown sandbox type"},
		{"bad console", protocol.Request{Type: protocol.TypeNodeVM, Options: map[string]any{"console": "loud"}}, "console mode"},
		{"bad timeout", protocol.Request{Type: protocol.TypeVM, Options: map[string]any{"timeout": "soon"}}, "timeout"},
		{"init code throws", protocol.Request{Type: protocol.TypeVM, Code: "throw new Error('init')"}, "init"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(strings.NewReader(""), &bytes.Buffer{})
			tt.req.Action = protocol.ActionCreate
			resp := w.Handle(&tt.req)
			assert.False(t, resp.OK())
			assert.Contains(t, resp.Error, tt.wantErr)
		})
	}
}

func TestHandle_CreateTwice(t *testing.T) {
	w := newCreated(t, protocol.TypeVM, nil)
	resp := w.Handle(&protocol.Request{Action: protocol.ActionCreate, Type: protocol.TypeVM})
	assert.False(t, resp.OK())
}

func TestHandle_UnknownAction(t *testing.T) {
	w := newCreated(t, protocol.TypeVM, nil)
	resp := w.Handle(&protocol.Request{Action: "xxx"})
	assert.False(t, resp.OK())
	assert.Equal(t, "Unknown action: xxx", resp.Error)
}

func TestVM_InitCodeAndCall(t *testing.T) {
	w := New(strings.NewReader(""), &bytes.Buffer{})
	resp := w.Handle(&protocol.Request{
		Action: protocol.ActionCreate,
		Type:   protocol.TypeVM,
		Code:   "function add(a, b) { return a + b }; var math = { double: x => x * 2 };",
	})
	require.True(t, resp.OK())

	resp = w.Handle(&protocol.Request{Action: protocol.ActionCall, FunctionName: "add", Args: []any{1.0, 2.0}})
	assert.Equal(t, 3, decode[int](t, resp))

	resp = w.Handle(&protocol.Request{Action: protocol.ActionCall, FunctionName: "math.double", Args: []any{21.0}})
	assert.Equal(t, 42, decode[int](t, resp))

	resp = w.Handle(&protocol.Request{Action: protocol.ActionCall, FunctionName: "math", Args: []any{}})
	assert.False(t, resp.OK())
}

func TestVM_ThrownValues(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"error object", "throw new Error('foo')", "Error: foo"},
		{"bare string", "throw 'foo'", "foo"},
		{"syntax error", "var = ;", "SyntaxError"},
	}

	w := newCreated(t, protocol.TypeVM, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := w.Handle(&protocol.Request{Action: protocol.ActionRun, Code: tt.code})
			assert.False(t, resp.OK())
			assert.Contains(t, resp.Error, tt.want)
		})
	}
}

func TestVM_Values(t *testing.T) {
	w := newCreated(t, protocol.TypeVM, nil)

	resp := w.Handle(&protocol.Request{Action: protocol.ActionRun, Code: "Object.freeze({foo: {}})"})
	assert.Equal(t, map[string]any{"foo": map[string]any{}}, decode[map[string]any](t, resp))

	resp = w.Handle(&protocol.Request{Action: protocol.ActionRun, Code: "undefined"})
	assert.Nil(t, decode[any](t, resp))

	resp = w.Handle(&protocol.Request{Action: protocol.ActionRun, Code: "[1, 'a', true, null]"})
	assert.Equal(t, []any{1.0, "a", true, nil}, decode[[]any](t, resp))

	resp = w.Handle(&protocol.Request{Action: protocol.ActionRun, Code: "(function () {})"})
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, "not JSON-serializable")
}

func TestVM_SandboxGlobals(t *testing.T) {
	w := newCreated(t, protocol.TypeVM, map[string]any{"sandbox": map[string]any{"greeting": "hi"}})
	resp := w.Handle(&protocol.Request{Action: protocol.ActionRun, Code: "greeting + '!'"})
	assert.Equal(t, "hi!", decode[string](t, resp))
}

func TestVM_Timeout(t *testing.T) {
	w := newCreated(t, protocol.TypeVM, map[string]any{"timeout": 50.0})

	resp := w.Handle(&protocol.Request{Action: protocol.ActionRun, Code: "while (true) {}"})
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, "timed out")

	resp = w.Handle(&protocol.Request{Action: protocol.ActionRun, Code: "1 + 1"})
	assert.Equal(t, 2, decode[int](t, resp))
}

func TestVM_TimeoutCoversFunctionLookup(t *testing.T) {
	w := newCreated(t, protocol.TypeVM, map[string]any{"timeout": 50.0})

	resp := w.Handle(&protocol.Request{
		Action:       protocol.ActionCall,
		FunctionName: "(function () { while (true) {} })()",
	})
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, "timed out")

	resp = w.Handle(&protocol.Request{Action: protocol.ActionCall, FunctionName: "Math.max", Args: []any{1, 3}})
	assert.Equal(t, 3, decode[int](t, resp))
}

func TestNodeVM_ModuleMembers(t *testing.T) {
	w := newCreated(t, protocol.TypeNodeVM, nil)
	id := runModule(t, w, "exports.foo = 'foo'; exports.add = (a, b) => a + b; exports.self = function () { return this.foo }")

	resp := w.Handle(&protocol.Request{Action: protocol.ActionGetMember, ID: id, Member: "foo"})
	assert.Equal(t, "foo", decode[string](t, resp))

	resp = w.Handle(&protocol.Request{Action: protocol.ActionCallMember, ID: id, Member: "add", Args: []any{2.0, 3.0}})
	assert.Equal(t, 5, decode[int](t, resp))

	resp = w.Handle(&protocol.Request{Action: protocol.ActionCallMember, ID: id, Member: "self", Args: []any{}})
	assert.Equal(t, "foo", decode[string](t, resp))

	resp = w.Handle(&protocol.Request{Action: protocol.ActionCallMember, ID: id, Member: "foo", Args: []any{}})
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, "not a function")
}

func TestNodeVM_ModuleExportsFunctionAndValue(t *testing.T) {
	w := newCreated(t, protocol.TypeNodeVM, nil)

	fnID := runModule(t, w, "module.exports = name => 'hello ' + name")
	resp := w.Handle(&protocol.Request{Action: protocol.ActionCall, ID: fnID, Args: []any{"bob"}})
	assert.Equal(t, "hello bob", decode[string](t, resp))

	valID := runModule(t, w, "module.exports = {a: [1, 2]}")
	resp = w.Handle(&protocol.Request{Action: protocol.ActionGet, ID: valID})
	assert.Equal(t, map[string]any{"a": []any{1.0, 2.0}}, decode[map[string]any](t, resp))
}

func TestNodeVM_Destroy(t *testing.T) {
	w := newCreated(t, protocol.TypeNodeVM, nil)
	id := runModule(t, w, "exports.foo = 1")

	resp := w.Handle(&protocol.Request{Action: protocol.ActionDestroy, ID: id})
	assert.True(t, resp.OK())

	resp = w.Handle(&protocol.Request{Action: protocol.ActionGetMember, ID: id, Member: "foo"})
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, "unknown object id")

	resp = w.Handle(&protocol.Request{Action: protocol.ActionDestroy, ID: id})
	assert.False(t, resp.OK())
}

func TestNodeVM_RequireUnavailable(t *testing.T) {
	w := newCreated(t, protocol.TypeNodeVM, nil)
	resp := w.Handle(&protocol.Request{Action: protocol.ActionRun, Code: "require('fs')"})
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, "Cannot find module 'fs'")
}

func TestNodeVM_ConsoleCapture(t *testing.T) {
	w := newCreated(t, protocol.TypeNodeVM, map[string]any{"console": "redirect"})
	id := runModule(t, w, "exports.test = s => { console.log(s); console.log('a', 1); console.error('bad') }")

	resp := w.Handle(&protocol.Request{Action: protocol.ActionCallMember, ID: id, Member: "test", Args: []any{"Hello"}})
	require.True(t, resp.OK())
	assert.Equal(t, "Hello\na 1", resp.ConsoleLog)
	assert.Equal(t, "bad", resp.ConsoleError)

	// Console text belongs to the request that produced it.
	resp = w.Handle(&protocol.Request{Action: protocol.ActionGetMember, ID: id, Member: "test"})
	assert.Empty(t, resp.ConsoleLog)
}

func TestNodeVM_ConsoleOff(t *testing.T) {
	w := newCreated(t, protocol.TypeNodeVM, map[string]any{"console": "off"})
	id := runModule(t, w, "exports.test = s => console.log(s)")

	resp := w.Handle(&protocol.Request{Action: protocol.ActionCallMember, ID: id, Member: "test", Args: []any{"Hello"}})
	require.True(t, resp.OK())
	assert.Empty(t, resp.ConsoleLog)
}
