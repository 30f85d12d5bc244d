package bridge

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/randalmurphal/vmbridge/protocol"
)

// RemoteObject refers to a value living inside a module sandbox's worker.
// It is valid only while its Module is connected.
type RemoteObject struct {
	id          json.RawMessage
	module      *Module
	ownsSession bool
	destroyed   atomic.Bool
}

// ID returns the worker-assigned id in its JSON form. It has no meaning
// outside the worker that issued it.
func (o *RemoteObject) ID() string {
	return string(o.id)
}

// Module returns the sandbox holding the object.
func (o *RemoteObject) Module() *Module {
	return o.module
}

// OwnsSession reports whether destroying the object also closes its Module.
// Only objects returned by RunModule own their session.
func (o *RemoteObject) OwnsSession() bool {
	return o.ownsSession
}

// Call invokes the object as a function.
func (o *RemoteObject) Call(ctx context.Context, args ...any) (any, error) {
	return o.request(ctx, &protocol.Request{Action: protocol.ActionCall, Args: argList(args)})
}

// Get returns the object's value. Only JSON-representable values can be
// returned.
func (o *RemoteObject) Get(ctx context.Context) (any, error) {
	return o.request(ctx, &protocol.Request{Action: protocol.ActionGet})
}

// CallMember invokes a member function with the object as receiver.
func (o *RemoteObject) CallMember(ctx context.Context, name string, args ...any) (any, error) {
	return o.request(ctx, &protocol.Request{
		Action: protocol.ActionCallMember,
		Member: name,
		Args:   argList(args),
	})
}

// GetMember returns the value of a member.
func (o *RemoteObject) GetMember(ctx context.Context, name string) (any, error) {
	return o.request(ctx, &protocol.Request{Action: protocol.ActionGetMember, Member: name})
}

// Destroy releases the object in the worker. If the object owns its
// session, the session is closed as well, even when the release fails.
// Later calls on the object return ErrDestroyed.
func (o *RemoteObject) Destroy(ctx context.Context) error {
	if !o.destroyed.CompareAndSwap(false, true) {
		return ErrDestroyed
	}

	_, err := o.module.Send(ctx, &protocol.Request{Action: protocol.ActionDestroy, ID: o.id})
	if o.ownsSession {
		if cerr := o.module.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Close closes the owning session when the object owns it and does nothing
// otherwise. It is meant for defer after RunModule.
func (o *RemoteObject) Close() error {
	if !o.ownsSession {
		return nil
	}
	return o.module.Close()
}

func (o *RemoteObject) request(ctx context.Context, req *protocol.Request) (any, error) {
	if o.destroyed.Load() {
		return nil, ErrDestroyed
	}

	req.ID = o.id
	resp, err := o.module.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	var v any
	if err := decodeValue(req.Action, resp, &v); err != nil {
		return nil, err
	}
	return v, nil
}
