package stubsupport

import (
	"fmt"

	"github.com/joeycumines/go-dirmi/codec"
	"github.com/joeycumines/go-dirmi/ident"
)

func init() {
	// codec can't import stubsupport (stubsupport depends on codec for
	// marshalling invocation args/results), so the dispatch-boundary file
	// marker used for Throwable stack pruning is registered here instead.
	codec.SetDispatchFrameMarker("stubsupport/skeleton.go")
}

// MethodHandler is one entry of a DispatchTable: invokes the named method
// on target, reading arguments from in and writing the result (or letting
// dispatch write the Throwable frame, on error) via out.
type MethodHandler func(target any, in *codec.Input, out *codec.Output) error

// PipeHandler is a DispatchTable entry for a Pipe-mode method (RemoteInfo's
// Pipe flag): instead of a single response, the handler is handed the raw
// duplex Pipe the caller's requestReply suspended this call's channel into,
// after decoding any setup arguments from in itself.
type PipeHandler func(target any, in *codec.Input, pipe *Pipe) error

// DispatchTable routes an inbound selector to the Go method that
// implements it, built once from a RemoteInfo -- spec.md §9's explicit
// replacement for per-interface dynamic-proxy codegen: a
// map[uint32]MethodHandler keyed by positional selector instead.
type DispatchTable struct {
	info     *ident.RemoteInfo
	handlers map[uint32]MethodHandler
	pipes    map[uint32]PipeHandler
}

// NewDispatchTable builds an (initially empty) table for info. Call Bind
// for each method the RemoteInfo declares.
func NewDispatchTable(info *ident.RemoteInfo) *DispatchTable {
	return &DispatchTable{info: info, handlers: make(map[uint32]MethodHandler)}
}

// Bind registers the handler for the named method. Panics (a programming
// error: the RemoteInfo and the dispatch table disagree) if no method by
// that name exists.
func (d *DispatchTable) Bind(methodName string, h MethodHandler) {
	sel, ok := d.info.Selector(methodName)
	if !ok {
		panic(fmt.Sprintf("stubsupport: %q is not a method of %s", methodName, d.info.Name))
	}
	d.handlers[sel] = h
}

// BindPipe registers the Pipe-mode handler for the named method, same
// lookup/panic rules as Bind.
func (d *DispatchTable) BindPipe(methodName string, h PipeHandler) {
	sel, ok := d.info.Selector(methodName)
	if !ok {
		panic(fmt.Sprintf("stubsupport: %q is not a method of %s", methodName, d.info.Name))
	}
	if d.pipes == nil {
		d.pipes = make(map[uint32]PipeHandler)
	}
	d.pipes[sel] = h
}

// PipeHandler returns the handler bound to selector via BindPipe, if any.
func (d *DispatchTable) PipeHandler(selector uint32) (PipeHandler, bool) {
	h, ok := d.pipes[selector]
	return h, ok
}

// Dispatch invokes the handler bound to selector against target, per
// spec.md §4.6's skeleton dispatch: "read selector, decode args, invoke
// target via the RemoteInfo-indexed dispatch table, write normal/exception
// tag + payload." Dispatch itself only performs the lookup and invocation;
// response-tag framing is the caller's responsibility (it needs session
// context Dispatch doesn't have, e.g. which Throwable addresses to stamp).
func (d *DispatchTable) Dispatch(selector uint32, target any, in *codec.Input, out *codec.Output) error {
	h, ok := d.handlers[selector]
	if !ok {
		return ErrNoSuchMethod
	}
	return h(target, in, out)
}

// MethodDescriptor exposes the method metadata at selector, e.g. for a
// Session to decide whether a call is Asynchronous/Batched before
// dispatching it.
func (d *DispatchTable) MethodDescriptor(selector uint32) (ident.MethodDescriptor, bool) {
	if int(selector) >= len(d.info.Methods) {
		return ident.MethodDescriptor{}, false
	}
	return d.info.Methods[selector], true
}

// RemoteInfo returns the RemoteInfo this table was built from.
func (d *DispatchTable) RemoteInfo() *ident.RemoteInfo { return d.info }
