// Package protocol defines the newline-delimited JSON messages exchanged
// between a host and a sandbox worker over the worker's stdio.
//
// Every request produces exactly one response, in order. There is no request
// identifier: only one request may be outstanding on a channel at a time.
//
// Request (host -> worker):
//
//	{"action": "run", "code": "'foo' + 'bar'"}
//
// Response (worker -> host):
//
//	{"status": "success", "value": "foobar"}
//	{"status": "error", "error": "Error: foo"}
//
// Responses may also carry console output written by the script while the
// request was being handled:
//
//	{"status": "success", "value": null, "console.log": "Hello"}
package protocol

import (
	"encoding/json"
	"errors"
)

// Actions understood by the worker.
const (
	ActionCreate     = "create"
	ActionRun        = "run"
	ActionCall       = "call"
	ActionCallMember = "callMember"
	ActionGet        = "get"
	ActionGetMember  = "getMember"
	ActionDestroy    = "destroy"
	ActionClose      = "close"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Sandbox types named by the create action.
const (
	TypeVM     = "VM"
	TypeNodeVM = "NodeVM"
)

// ErrMalformed indicates a line that is not a valid JSON message.
var ErrMalformed = errors.New("malformed message")

// Request is a host -> worker message.
type Request struct {
	Action string `json:"action" jsonschema:"enum=create,enum=run,enum=call,enum=callMember,enum=get,enum=getMember,enum=destroy,enum=close"`

	// create
	Type    string         `json:"type,omitempty" jsonschema:"enum=VM,enum=NodeVM"`
	Options map[string]any `json:"options,omitempty"`

	// create, run
	Code     string `json:"code,omitempty"`
	Filename string `json:"filename,omitempty"`

	// call, callMember, get, getMember, destroy
	ID json.RawMessage `json:"id,omitempty"`

	FunctionName string `json:"functionName,omitempty"`
	Member       string `json:"member,omitempty"`

	// Args is emitted whenever it is non-nil, so call requests always
	// carry an array.
	Args []any `json:"args,omitzero"`
}

// Response is a worker -> host message.
type Response struct {
	Status string          `json:"status" jsonschema:"enum=success,enum=error"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`

	ConsoleLog   string `json:"console.log,omitempty"`
	ConsoleError string `json:"console.error,omitempty"`
}

// OK reports whether the worker handled the request successfully.
func (r *Response) OK() bool {
	return r.Status == StatusSuccess
}

// Decode unmarshals the response value into v.
// A missing value decodes as JSON null.
func (r *Response) Decode(v any) error {
	if len(r.Value) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(r.Value, v)
}

// Success builds a success response carrying value.
func Success(value any) (*Response, error) {
	if value == nil {
		return &Response{Status: StatusSuccess}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &Response{Status: StatusSuccess, Value: data}, nil
}

// Failure builds an error response.
func Failure(msg string) *Response {
	return &Response{Status: StatusError, Error: msg}
}
