package dirmi

import (
	"bytes"
	"context"
	"fmt"

	"github.com/joeycumines/go-dirmi/codec"
	"github.com/joeycumines/go-dirmi/ident"
	"github.com/joeycumines/go-dirmi/stubsupport"
	"github.com/joeycumines/go-dirmi/wire"
)

// completionSinkObjID is the well-known Identifier every session reserves
// for relaying a skeleton-side RemoteCompletion's settled result back to the
// stub-side Completion that originated it (spec.md §4.6/§8: "the peer's
// single callback invocation releases both"), distinct from adminObjectID
// and batchFlushObjID.
var completionSinkObjID = ident.Identifier{0x02}

var completionSinkRemoteInfo = &ident.RemoteInfo{
	Name: "dirmi.completionSink",
	Methods: []ident.MethodDescriptor{
		{Name: "Settle", Asynchronous: true},
	},
}

func completionSinkSelector() uint32 {
	sel, ok := completionSinkRemoteInfo.Selector("Settle")
	if !ok {
		panic("dirmi: completionSink interface has no method \"Settle\"")
	}
	return sel
}

// newCompletionSinkTable builds the skeleton-side dispatch table for a
// session's own completion sink: target is always the *Session itself.
func newCompletionSinkTable() *stubsupport.DispatchTable {
	table := stubsupport.NewDispatchTable(completionSinkRemoteInfo)
	table.Bind("Settle", func(target any, in *codec.Input, _ *codec.Output) error {
		rawID, err := in.GetValue()
		if err != nil {
			return err
		}
		complID, ok := rawID.(ident.Identifier)
		if !ok {
			return fmt.Errorf("dirmi: Settle: malformed identifier argument")
		}
		rawStatus, err := in.GetValue()
		if err != nil {
			return err
		}
		status, ok := rawStatus.(byte)
		if !ok {
			return fmt.Errorf("dirmi: Settle: malformed status argument")
		}
		rawPayload, err := in.GetValue()
		if err != nil {
			return err
		}
		payload, _ := rawPayload.([]byte)
		target.(*Session).handleSettleCompletion(complID, status, payload)
		return nil
	})
	return table
}

// RemoteCompletion is the skeleton-side half of an asynchronous,
// non-void-returning call: it holds the call's settled outcome (or the
// error from running it) until it is relayed back to the peer's matching
// stub-side Completion in a single callback invocation (spec.md §4.6/§8).
type RemoteCompletion struct {
	ComplID ident.Identifier
	Status  byte
	Payload []byte
}

// relaySettleCompletion sends rc back to the peer's completionSink object,
// fire-and-forget, settling the matching stub-side Completion.
func (s *Session) relaySettleCompletion(rc RemoteCompletion) {
	_, err := s.callRemote(context.Background(), completionSinkObjID, completionSinkSelector(), []any{rc.ComplID, rc.Status, rc.Payload}, true)
	if err != nil {
		s.logger.Warnf("dirmi: relaying completion settle failed: %v", err)
	}
}

// handleSettleCompletion settles the stub-side Completion registered under
// complID (if this session is still tracking one), decoding payload the
// same way a plain synchronous call's response would be.
func (s *Session) handleSettleCompletion(complID ident.Identifier, status byte, payload []byte) {
	v, ok := s.completions.LoadAndDelete(complID)
	if !ok {
		return
	}
	completion := v.(*stubsupport.Completion)
	switch status {
	case statusOK:
		in := s.newInput(wire.NewReader(bytes.NewReader(payload)))
		val, err := in.GetValue()
		completion.Set(val, err)
	case statusThrowable:
		t, _, err := codec.ReadThrowable(wire.NewReader(bytes.NewReader(payload)))
		if err != nil {
			completion.Set(nil, err)
		} else {
			completion.Set(nil, newRemoteError(t))
		}
	default:
		completion.Set(nil, fmt.Errorf("dirmi: unexpected completion status %d", status))
	}
}

// callAsyncCompletion is Stub.Call's path for a method that is both
// Asynchronous and non-void (desc.ReturnType != ""): the call returns
// immediately with a *stubsupport.Completion that settles once the peer's
// RemoteCompletion relays the method's outcome back via completionSinkObjID
// (spec.md §4.6/§8).
func (s *Session) callAsyncCompletion(ctx context.Context, stub *Stub, sup *stubsupport.Support, objID ident.Identifier, selector uint32, args []any) (*stubsupport.Completion, error) {
	ch, err := sup.Invoke(ctx, nil)
	if err != nil {
		return nil, wrapCallError("invoke", err)
	}

	completion := sup.CreateCompletion(stub)
	complID := ident.New()

	fail := func(cause error) error {
		return sup.Failed(nil, ch, cause)
	}

	if err := ch.W.PutIdentifier([16]byte(objID)); err != nil {
		return nil, fail(err)
	}
	if err := ch.W.PutVarUint(selector); err != nil {
		return nil, fail(err)
	}
	if err := ch.W.PutIdentifier([16]byte(complID)); err != nil {
		return nil, fail(err)
	}
	out := s.newOutput(ch.W)
	for _, a := range args {
		if err := out.PutValue(a); err != nil {
			return nil, fail(err)
		}
	}
	if err := ch.W.Flush(); err != nil {
		return nil, fail(err)
	}

	s.completions.Store(complID, completion)
	sup.Finished(ch, true)
	return completion, nil
}
