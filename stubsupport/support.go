package stubsupport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-dirmi/chanpool"
	"github.com/joeycumines/go-dirmi/ident"
	"github.com/joeycumines/go-dirmi/scheduler"
)

// FailureFactory wraps a low-level cause (an I/O error, a decoded peer
// Throwable) into the declared failure type a particular remote method
// promises to return, per spec.md §4.1/§7's "declared but local" taxonomy.
type FailureFactory func(cause error) error

// Support implements the StubSupport contract (spec.md §4.6) for one
// exported peer object: acquiring channels to make calls against it,
// interpreting their outcome, and managing the batched/pipe/timeout
// variants layered on top of a plain call.
//
// Support is not itself the dispatch table (DispatchTable, skeleton.go) --
// it is the client side's view, used by the stub to drive calls. Dispose
// atomically tombstones it: every subsequent operation fails with
// ErrNoSuchObject, per spec.md's "atomically swap this support for a
// tombstone" wording, rendered here as a single atomic flag consulted at
// the top of every method rather than a literal vtable swap, since Go
// interfaces don't support in-place mutation of a receiver's method set.
type Support struct {
	ObjID ident.Identifier
	pool  *chanpool.Pool
	sched *scheduler.Scheduler

	disposed atomic.Bool
}

// New constructs a Support for the object identified by objID, using pool
// to acquire channels and sched to schedule per-call timeouts.
func New(objID ident.Identifier, pool *chanpool.Pool, sched *scheduler.Scheduler) *Support {
	return &Support{ObjID: objID, pool: pool, sched: sched}
}

func (s *Support) checkDisposed() error {
	if s.disposed.Load() {
		return ErrNoSuchObject
	}
	return nil
}

// Invoke acquires a channel for one call and returns it to the caller, which
// writes the invocation header (object id and selector) and the arguments
// via the channel's Writer; Invoke itself writes nothing.
func (s *Support) Invoke(ctx context.Context, failureFactory FailureFactory) (*chanpool.Channel, error) {
	if err := s.checkDisposed(); err != nil {
		return nil, wrapFailure(failureFactory, err)
	}
	ch, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapFailure(failureFactory, err)
	}
	return ch, nil
}

// InvokeTimeout is Invoke plus a scheduled cancel-on-timeout: if d elapses
// before Finished/Failed cancels it, the channel is closed and any pending
// I/O on it fails, subsequently reclassified as ErrTimeout.
func (s *Support) InvokeTimeout(ctx context.Context, failureFactory FailureFactory, d time.Duration) (*chanpool.Channel, *scheduler.Cancellation, error) {
	ch, err := s.Invoke(ctx, failureFactory)
	if err != nil {
		return nil, nil, err
	}
	if d < 0 {
		return ch, nil, nil // negative = infinite, per spec.md §4.7
	}
	cancel, schedErr := s.sched.Schedule(func() {
		_ = ch.Close()
	}, d)
	if schedErr != nil {
		// Scheduler already shut down: treat as an immediate timeout cause,
		// surfaced through the normal Failed path by the caller.
		_ = ch.Close()
		return ch, nil, wrapFailure(failureFactory, fmt.Errorf("stubsupport: schedule timeout: %w", schedErr))
	}
	return ch, cancel, nil
}

// Finished returns ch to the pool after a normal, non-batched completion.
func (s *Support) Finished(ch *chanpool.Channel, reset bool) {
	s.pool.Release(ch, reset)
}

// FinishedCancelTimeout is Finished plus cancelling the per-call timeout
// task, in O(log n), before it can fire spuriously.
func (s *Support) FinishedCancelTimeout(ch *chanpool.Channel, reset bool, cancel *scheduler.Cancellation) {
	if cancel != nil {
		cancel.Cancel()
	}
	s.Finished(ch, reset)
}

// Failed closes ch (a failed channel is never reused, per spec.md §4.6's
// state machine) and wraps cause in the method's declared failure type.
func (s *Support) Failed(failureFactory FailureFactory, ch *chanpool.Channel, cause error) error {
	_ = ch.Close()
	return wrapFailure(failureFactory, cause)
}

// FailedCancelTimeout is Failed, but first consults cancel to decide
// whether the underlying cause was actually the scheduled timeout firing
// (rather than, say, a transport error) -- spec.md §4.7's "cancellation
// token" outcome check, done by inspecting Cancellation.Fired rather than
// racing on wall-clock.
func (s *Support) FailedCancelTimeout(failureFactory FailureFactory, ch *chanpool.Channel, cause error, cancel *scheduler.Cancellation) error {
	if cancel != nil && cancel.Fired() {
		return s.Failed(failureFactory, ch, ErrTimeout)
	}
	if cancel != nil {
		cancel.Cancel()
	}
	return s.Failed(failureFactory, ch, cause)
}

// Unbatch detaches the calling goroutine's pinned batch channel (if any)
// from ctx, returning the channel so the caller can restore it later via
// Rebatch, and a context with the pin cleared for the duration of a
// non-batched call made in between.
func (s *Support) Unbatch(ctx context.Context) (context.Context, *chanpool.Channel, bool) {
	ch, ok := BatchFromContext(ctx)
	if !ok {
		return ctx, nil, false
	}
	return context.WithValue(ctx, batchContextKey{}, (*chanpool.Channel)(nil)), ch, true
}

// Rebatch restores ch as ctx's pinned batch channel, after a non-batched
// call made via Unbatch completes.
func (s *Support) Rebatch(ctx context.Context, ch *chanpool.Channel) context.Context {
	return WithBatch(ctx, ch)
}

// Batched pins ch to StateBatched, associating it with the calling
// goroutine's sequence of batched calls (spec.md §4.2).
func (s *Support) Batched(ch *chanpool.Channel) error {
	if !ch.CompareAndSwapState(chanpool.StateLent, chanpool.StateBatched) {
		return &ProgrammingError{Op: "Batched", Err: fmt.Errorf("channel not in lent state (got %s)", ch.State())}
	}
	return nil
}

// BatchedCancelTimeout is Batched plus cancelling any per-call timeout,
// since a pinned batched channel's lifetime now spans the whole batch
// sequence rather than a single call.
func (s *Support) BatchedCancelTimeout(ch *chanpool.Channel, cancel *scheduler.Cancellation) error {
	if cancel != nil {
		cancel.Cancel()
	}
	return s.Batched(ch)
}

// Release unpins a batched channel at the end of its sequence, handing it
// back to the pool directly (bypassing the programming-error check Release
// on the Pool would otherwise apply to a still-batched channel).
func (s *Support) Release(ch *chanpool.Channel) {
	s.pool.ReleaseBatched(ch, true)
}

// RequestReply detaches ch from ordinary invocation framing and hands it to
// the caller as a raw byte-stream Pipe (spec.md §4.6), e.g. for a method
// the caller treats as a bulk transfer rather than a single response.
func (s *Support) RequestReply(ch *chanpool.Channel) (*Pipe, error) {
	if !ch.CompareAndSwapState(chanpool.StateLent, chanpool.StateSuspended) {
		return nil, &ProgrammingError{Op: "RequestReply", Err: fmt.Errorf("channel not in lent state (got %s)", ch.State())}
	}
	return NewPipe(ch, s.pool), nil
}

// CreateCompletion allocates a fresh Completion for an asynchronous method
// call. stub is the caller-visible handle (typically the remote object the
// call was made through) kept reachable by the caller for as long as the
// Completion might still settle -- Completion itself holds no reference
// back to stub, so stub is the thing anchoring the strong reference spec.md
// describes.
func (s *Support) CreateCompletion(stub any) *Completion {
	_ = stub
	return NewCompletion()
}

// CreateBatchedRemote allocates a tentative identifier for an object that a
// batched constructor call will create once the batch actually executes.
// The identifier is written to ch immediately so the peer can start
// referencing it before the batch flushes; the final skeleton registration
// happens later, when the batch's queued operations actually run.
func (s *Support) CreateBatchedRemote(failureFactory FailureFactory, ch *chanpool.Channel, typeID ident.TypeID) (ident.Identifier, error) {
	if err := s.checkDisposed(); err != nil {
		return ident.Identifier{}, wrapFailure(failureFactory, err)
	}
	id := ident.New()
	if err := ch.W.PutIdentifier([16]byte(id)); err != nil {
		return ident.Identifier{}, wrapFailure(failureFactory, err)
	}
	if err := ch.W.PutBytes(typeID[:]); err != nil {
		return ident.Identifier{}, wrapFailure(failureFactory, err)
	}
	return id, nil
}

// Dispose tombstones this Support: every subsequent operation fails with
// ErrNoSuchObject. Safe to call more than once.
func (s *Support) Dispose() {
	s.disposed.Store(true)
}

func wrapFailure(f FailureFactory, cause error) error {
	if f == nil {
		return cause
	}
	return f(cause)
}
