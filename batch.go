package dirmi

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-dirmi/chanpool"
	"github.com/joeycumines/go-dirmi/codec"
	"github.com/joeycumines/go-dirmi/ident"
	"github.com/joeycumines/go-dirmi/stubsupport"
)

// batchFlushObjID/batchFlushSelector mark the sentinel frame Flush writes to
// close a batch sequence: a reserved (objectId, selector) pair dispatchCall
// recognizes before any skeleton lookup, distinct from adminObjectID (the
// zero Identifier, already reserved for spec.md §4.5's Admin object).
var batchFlushObjID = ident.Identifier{0x01}

const batchFlushSelector = ^uint32(0)

// batchQueueKey is the context value key carrying the pending-completion
// queue for the goroutine's currently pinned batch, alongside the channel
// pin itself (stubsupport.WithBatch/BatchFromContext).
type batchQueueKey struct{}

// batchQueue tracks, in program order, the completions owed to a batch
// sequence's queued Batched calls (spec.md §4.2's "queued descriptor
// (selector, encoded arguments, local completion)").
type batchQueue struct {
	pending []*stubsupport.Completion
}

func batchQueueFromContext(ctx context.Context) (*batchQueue, bool) {
	q, ok := ctx.Value(batchQueueKey{}).(*batchQueue)
	return q, ok
}

// Batch begins a batch sequence on ctx: the returned context pins a freshly
// acquired channel (via stubsupport.Batched) that subsequent Batched
// Stub.Call calls made with it queue their invocations onto, per spec.md
// §4.2/§8. The sequence is closed by passing the same context to Flush.
func (s *Session) Batch(ctx context.Context) (context.Context, error) {
	ch, err := s.ctrlSupport.Invoke(ctx, nil)
	if err != nil {
		return ctx, wrapCallError("batch", err)
	}
	if err := s.ctrlSupport.Batched(ch); err != nil {
		return ctx, err
	}
	ctx = stubsupport.WithBatch(ctx, ch)
	ctx = context.WithValue(ctx, batchQueueKey{}, &batchQueue{})
	return ctx, nil
}

// Flush writes the sentinel that closes ctx's pinned batch sequence, then
// reads back one response per queued Batched call, in the same program
// order they were issued, settling each call's Completion (spec.md §8's
// "all four stubs are usable after flush returns"). Returns a context with
// the pin cleared; safe to call on a context with no active batch.
func (s *Session) Flush(ctx context.Context) (context.Context, error) {
	ch, ok := stubsupport.BatchFromContext(ctx)
	if !ok {
		return ctx, nil
	}
	q, _ := batchQueueFromContext(ctx)

	clearedCtx, _, _ := s.ctrlSupport.Unbatch(ctx)

	fail := func(cause error) error {
		_ = ch.Close()
		return wrapCallError("flush", cause)
	}

	if err := ch.W.PutIdentifier([16]byte(batchFlushObjID)); err != nil {
		return clearedCtx, fail(err)
	}
	if err := ch.W.PutVarUint(batchFlushSelector); err != nil {
		return clearedCtx, fail(err)
	}
	if err := ch.W.Flush(); err != nil {
		return clearedCtx, fail(err)
	}

	var pending []*stubsupport.Completion
	if q != nil {
		pending = q.pending
	}
	for _, completion := range pending {
		status, err := ch.R.GetByte()
		if err != nil {
			completion.Set(nil, err)
			continue
		}
		switch status {
		case statusOK:
			in := s.newInput(ch.R)
			v, err := in.GetValue()
			completion.Set(v, err)
		case statusThrowable:
			t, _, err := codec.ReadThrowable(ch.R)
			if err != nil {
				completion.Set(nil, err)
			} else {
				completion.Set(nil, newRemoteError(t))
			}
		default:
			completion.Set(nil, fmt.Errorf("dirmi: unexpected batched response status %d", status))
		}
	}

	s.ctrlSupport.Release(ch)
	return clearedCtx, nil
}

// queueBatchedCall writes a Batched call's invocation header and arguments
// onto the pinned channel (no flush) and returns a Completion settled when
// Flush drains this channel's queued responses.
func (s *Session) queueBatchedCall(ctx context.Context, ch *chanpool.Channel, objID ident.Identifier, selector uint32, args []any) (*stubsupport.Completion, error) {
	q, ok := batchQueueFromContext(ctx)
	if !ok {
		return nil, &stubsupport.ProgrammingError{Op: "Call", Err: fmt.Errorf("batched call issued on a context with a pinned channel but no batch queue")}
	}
	if err := ch.W.PutIdentifier([16]byte(objID)); err != nil {
		return nil, wrapCallError("invoke", err)
	}
	if err := ch.W.PutVarUint(selector); err != nil {
		return nil, wrapCallError("invoke", err)
	}
	out := s.newOutput(ch.W)
	for _, a := range args {
		if err := out.PutValue(a); err != nil {
			return nil, wrapCallError("invoke", err)
		}
	}
	completion := s.ctrlSupport.CreateCompletion(nil)
	q.pending = append(q.pending, completion)
	return completion, nil
}
