// Package dirmi implements the bidirectional RMI session runtime described
// in spec.md: a Session multiplexes invocations for a set of exported
// objects (skeletons) and remote references (stubs) over a pool of duplex
// channels, per §4.5.
package dirmi

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"

	"github.com/joeycumines/go-dirmi/chanpool"
	"github.com/joeycumines/go-dirmi/codec"
	"github.com/joeycumines/go-dirmi/ident"
	"github.com/joeycumines/go-dirmi/reclaim"
	"github.com/joeycumines/go-dirmi/scheduler"
	"github.com/joeycumines/go-dirmi/stubsupport"
	"github.com/joeycumines/go-dirmi/transport"
	"github.com/joeycumines/go-dirmi/wire"
)

// explicitDisposeBatchWindow bounds how long an explicit Stub.Dispose call
// waits for siblings to coalesce into one DisposedBatch round trip, distinct
// from the reclaim package's longpoll-driven batching of GC-triggered
// disposals (whose arrival timing is dictated by the runtime, not by
// caller-visible bursts).
const explicitDisposeBatchWindow = 10 * time.Millisecond

// HeartbeatInterval is H from spec.md §4.5: the round-trip window a session
// tolerates without any inbound admin traffic before declaring the peer
// unresponsive and closing.
const HeartbeatInterval = 30 * time.Second

// Skeleton describes one object exported under a Session: its identity,
// its interface description, the Go value methods are invoked against, and
// the dispatch table routing inbound selectors to hand-written method
// handlers (spec.md §4.6 -- no codegen, a RemoteInfo-indexed table built by
// the caller exactly like Admin's own, in admin.go).
type Skeleton struct {
	ID     ident.Identifier
	Info   *ident.RemoteInfo
	Target any
	Table  *stubsupport.DispatchTable
}

// NewSkeleton mints a fresh Identifier and bundles it with info/target/table
// into an exportable Skeleton.
func NewSkeleton(info *ident.RemoteInfo, target any, table *stubsupport.DispatchTable) *Skeleton {
	return &Skeleton{ID: ident.New(), Info: info, Target: target, Table: table}
}

// Exports names the objects a session offers its peer at connect time, sent
// as the handshake "shared server object" (spec.md §4.5) and reachable
// afterwards via (*Session).Lookup.
type Exports map[string]*Skeleton

// Stub is the generic client-side handle Lookup/Receive return for a remote
// object: spec.md §9's dynamic-proxy replacement, a single concrete type
// callers wrap with their own hand-written methods (or call directly via
// Call) rather than a per-interface generated proxy.
type Stub struct {
	ID      ident.Identifier
	TypeID  ident.TypeID
	Info    *ident.RemoteInfo
	Support *stubsupport.Support
	session *Session
}

// Call invokes the named method on the stub's remote object, blocking for a
// response unless the method is declared Asynchronous on Info. A method
// descriptor with TimeoutSet bounds the call per spec.md §4.7: the channel
// is closed and ErrTimeout returned if no response arrives within
// TimeoutDefault (a negative TimeoutDefault means infinite, same as leaving
// TimeoutSet false).
func (s *Stub) Call(ctx context.Context, method string, args ...any) (any, error) {
	sel, ok := s.Info.Selector(method)
	if !ok {
		return nil, fmt.Errorf("dirmi: %s: %w", method, ErrNoSuchMethod)
	}
	desc, _ := s.Info.MethodByName(method)

	if pinned, haveBatch := stubsupport.BatchFromContext(ctx); haveBatch {
		if desc.Batched {
			return s.session.queueBatchedCall(ctx, pinned, s.ID, sel, args)
		}
		// A non-batched call arriving while a batch is pinned closes the
		// sequence first (spec.md §4.2's "the last non-batched call...
		// causes the whole sequence to be written and awaited"), then
		// proceeds as an ordinary call outside the batch.
		if _, err := s.session.Flush(ctx); err != nil {
			return nil, err
		}
	} else if desc.Batched {
		return nil, &stubsupport.ProgrammingError{Op: "Call", Err: fmt.Errorf("%s is Batched but no batch is pinned on ctx (call Session.Batch first)", method)}
	}

	if desc.Asynchronous && desc.ReturnType != "" {
		return s.session.callAsyncCompletion(ctx, s, s.Support, s.ID, sel, args)
	}

	var timeout time.Duration
	if desc.TimeoutSet {
		timeout = desc.TimeoutDefault
	}
	return s.session.callRemoteVia(ctx, s.Support, s.ID, sel, args, desc.Asynchronous, timeout)
}

// RequestReply invokes method, then hands the caller a raw duplex Pipe over
// the same channel instead of reading a single response (spec.md §4.6's
// requestReply mode), e.g. for a method the caller treats as a bulk
// transfer. The callee must have bound a PipeHandler for method via
// DispatchTable.BindPipe, and its RemoteInfo must set Pipe on the method.
func (s *Stub) RequestReply(ctx context.Context, method string, args ...any) (*stubsupport.Pipe, error) {
	sel, ok := s.Info.Selector(method)
	if !ok {
		return nil, fmt.Errorf("dirmi: %s: %w", method, ErrNoSuchMethod)
	}
	ch, err := s.Support.Invoke(ctx, nil)
	if err != nil {
		return nil, wrapCallError("invoke", err)
	}
	if err := ch.W.PutIdentifier([16]byte(s.ID)); err != nil {
		return nil, s.Support.Failed(nil, ch, err)
	}
	if err := ch.W.PutVarUint(sel); err != nil {
		return nil, s.Support.Failed(nil, ch, err)
	}
	out := s.session.newOutput(ch.W)
	for _, a := range args {
		if err := out.PutValue(a); err != nil {
			return nil, s.Support.Failed(nil, ch, err)
		}
	}
	if err := ch.W.Flush(); err != nil {
		return nil, s.Support.Failed(nil, ch, err)
	}
	return s.Support.RequestReply(ch)
}

// Dispose releases this session's reference to the remote object and
// notifies the peer that the stub is gone. The notification is batched with
// other explicit disposals made in the same short window (see disposeStub);
// Dispose blocks until that batch's job completes or ctx is done.
func (s *Stub) Dispose(ctx context.Context) error {
	return s.session.disposeStub(ctx, s.ID)
}

// RemoteID and RemoteType implement codec.Remote, so a Stub passed back as
// a call argument (or re-exported in a shared-object map) marshals as a
// MarshalledRemote rather than being gob-encoded directly.
func (s *Stub) RemoteID() ident.Identifier { return s.ID }
func (s *Stub) RemoteType() ident.TypeID   { return s.TypeID }

// Option configures a Session, resolved once by Connect.
type Option func(*sessionConfig)

// sessionLogger is the narrow logging seam every internal package
// (scheduler, chanpool, reclaim) already declares for itself; the
// root-package Logger type (logging.go) satisfies it, as does noopLogger
// below, so a Session can be built with or without a real logiface-backed
// logger.
type sessionLogger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type sessionConfig struct {
	logger            sessionLogger
	heartbeatInterval time.Duration
	localAddr         string
	remoteAddr        string
}

// WithLogger sets the structured logger used for protocol diagnostics
// (heartbeat violations, reclaim batch failures, panics). Defaults to a
// logger that discards everything.
func WithLogger(l Logger) Option { return func(c *sessionConfig) { c.logger = l } }

// WithHeartbeatInterval overrides HeartbeatInterval, mostly for tests.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *sessionConfig) { c.heartbeatInterval = d }
}

// WithAddresses sets the local/remote address strings stamped onto
// Throwable frames (spec.md §6). Both default to "".
func WithAddresses(local, remote string) Option {
	return func(c *sessionConfig) { c.localAddr = local; c.remoteAddr = remote }
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

func resolveSessionConfig(opts []Option) sessionConfig {
	c := sessionConfig{logger: noopLogger{}, heartbeatInterval: HeartbeatInterval}
	for _, o := range opts {
		o(&c)
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	return c
}

// sharedObjectMsg is the handshake's one-shot payload: val/isSet distinguish
// "peer explicitly shared nil" from "nothing has arrived yet" (spec.md
// §4.5's "typed sentinel").
type sharedObjectMsg struct {
	val   map[string]any
	isSet bool
}

// Session is one bidirectional RMI connection: a channel pool, the local
// object registry, the background scheduler driving timeouts/heartbeat/
// reclamation, and the admin channel used to coordinate with the peer.
type Session struct {
	pool      *chanpool.Pool
	sched     *scheduler.Scheduler
	registry  *ident.ObjectRegistry
	logger    sessionLogger
	localAddr string

	remoteAddrMu sync.RWMutex
	remoteAddr   string

	mu            sync.Mutex
	skeletonsByID map[ident.Identifier]*Skeleton
	byName        map[string]*Skeleton

	admin          *adminStub
	accept         <-chan transport.Transport
	reclaimer      *reclaim.Drain
	disposeBatcher *microbatch.Batcher[ident.Identifier]

	// ctrlSupport is a dedicated, object-agnostic Support used purely for
	// channel-state control operations (Batch/Flush's pin, RequestReply's
	// suspend) that aren't scoped to any one exported object.
	ctrlSupport *stubsupport.Support

	// completions tracks in-flight asynchronous, non-void calls awaiting
	// their peer's RemoteCompletion relay (spec.md §4.6/§8), keyed by the
	// Identifier minted at call time.
	completions sync.Map

	sharedLocal  map[string]any
	sharedPeerCh chan sharedObjectMsg

	sharedOnce sync.Once
	sharedVal  map[string]any
	sharedErr  error

	heartbeatInterval    time.Duration
	nextExpectedHeartbeat atomic.Int64 // unix nano

	closeOnce sync.Once
	closed    atomic.Bool
	closedCh  chan struct{}

	heartbeatSend  *scheduler.Cancellation
	heartbeatCheck *scheduler.Cancellation
}

// Connect establishes a Session: it opens one channel to write the local
// handshake descriptor and accepts one to read the peer's, as two separate
// goroutines (spec.md §4.5, avoiding the deadlock a single goroutine doing
// both in sequence would risk), then starts the accept loop, heartbeat
// clock, and reclamation drain.
//
// dial mints additional outbound channels on demand (chanpool.Opener);
// accept delivers inbound channels as the peer opens them (e.g. fed by a
// net.Listener wrapper, or directly by a paired in-process dialer in
// tests). exports names the objects offered to the peer at handshake time.
func Connect(ctx context.Context, dial chanpool.Opener, accept <-chan transport.Transport, exports Exports, opts ...Option) (*Session, error) {
	cfg := resolveSessionConfig(opts)

	queue := make(ident.ReclaimQueue, 256)
	s := &Session{
		registry:          ident.NewObjectRegistry(queue),
		sched:             scheduler.New(scheduler.WithLogger(cfg.logger)),
		logger:            cfg.logger,
		localAddr:         cfg.localAddr,
		remoteAddr:        cfg.remoteAddr,
		skeletonsByID:     make(map[ident.Identifier]*Skeleton),
		byName:            make(map[string]*Skeleton),
		accept:            accept,
		sharedPeerCh:      make(chan sharedObjectMsg, 1),
		heartbeatInterval: cfg.heartbeatInterval,
		closedCh:          make(chan struct{}),
	}
	s.pool = chanpool.New(dial, chanpool.WithLogger(cfg.logger))
	s.admin = &adminStub{session: s}
	s.ctrlSupport = stubsupport.New(ident.Identifier{}, s.pool, s.sched)

	adminTable := newAdminDispatchTable()
	adminTypeID := s.registry.PutType(adminRemoteInfo)
	s.registry.IdentifySkeleton(adminObjectID, s)
	s.registry.BindSkeletonType(adminObjectID, adminTypeID)
	s.skeletonsByID[adminObjectID] = &Skeleton{ID: adminObjectID, Info: adminRemoteInfo, Target: s, Table: adminTable}

	completionSinkTable := newCompletionSinkTable()
	completionSinkTypeID := s.registry.PutType(completionSinkRemoteInfo)
	s.registry.IdentifySkeleton(completionSinkObjID, s)
	s.registry.BindSkeletonType(completionSinkObjID, completionSinkTypeID)
	s.skeletonsByID[completionSinkObjID] = &Skeleton{ID: completionSinkObjID, Info: completionSinkRemoteInfo, Target: s, Table: completionSinkTable}

	sharedLocal := make(map[string]any, len(exports))
	for name, sk := range exports {
		typeID := s.registerSkeletonLocked(sk)
		s.byName[name] = sk
		sharedLocal[name] = skeletonRef{id: sk.ID, typeID: typeID}
	}
	s.sharedLocal = sharedLocal

	var wg sync.WaitGroup
	var openErr, acceptErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		openErr = s.sendHandshake(ctx)
	}()
	go func() {
		defer wg.Done()
		acceptErr = s.recvHandshake(ctx)
	}()
	wg.Wait()
	if openErr != nil {
		return nil, fmt.Errorf("dirmi: handshake open: %w", openErr)
	}
	if acceptErr != nil {
		return nil, fmt.Errorf("dirmi: handshake accept: %w", acceptErr)
	}

	s.reclaimer = reclaim.New(queue, func(ids []ident.Identifier) error {
		return s.admin.disposedBatch(context.Background(), ids)
	}, reclaim.WithPartialTimeout(s.heartbeatInterval/2), reclaim.WithLogger(cfg.logger))
	_ = s.sched.Execute(func() { _ = s.reclaimer.Run(s.ctxUntilClosed()) })

	s.disposeBatcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:       16,
		FlushInterval: explicitDisposeBatchWindow,
	}, func(ctx context.Context, ids []ident.Identifier) error {
		return s.admin.disposedBatch(ctx, ids)
	})

	s.touchHeartbeat()
	if err := s.startHeartbeat(); err != nil {
		s.logger.Warnf("dirmi: failed to start heartbeat clock: %v", err)
	}

	_ = s.sched.Execute(s.acceptNext)

	return s, nil
}

func (s *Session) ctxUntilClosed() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.closedCh
		cancel()
	}()
	return ctx
}

func (s *Session) sendHandshake(ctx context.Context) error {
	ch, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	out := s.newOutput(ch.W)
	if err := writeSharedObject(out, ch.W, s.sharedLocal); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.W.Flush(); err != nil {
		_ = ch.Close()
		return err
	}
	s.pool.Release(ch, true)
	return nil
}

func (s *Session) recvHandshake(ctx context.Context) error {
	select {
	case t, ok := <-s.accept:
		if !ok {
			return fmt.Errorf("dirmi: accept channel closed before handshake")
		}
		ch := s.pool.AdoptAccepted(t)
		in := s.newInput(ch.R)
		shared, err := readSharedObject(in, ch.R)
		if err != nil {
			_ = ch.Close()
			return err
		}
		s.sharedPeerCh <- sharedObjectMsg{val: shared, isSet: true}
		s.pool.Release(ch, true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newOutput builds a codec.Output resolving RemoteInfo via this session's
// registry. A fresh Output, with its own first-use map, is built for every
// message, so a type's RemoteInfo is inlined once per message that
// references it rather than once per session.
func (s *Session) newOutput(w *wire.Writer) *codec.Output {
	return codec.NewOutput(w, nil, func(typeID ident.TypeID) (*ident.RemoteInfo, error) {
		info, ok := s.registry.GetType(typeID)
		if !ok {
			return nil, fmt.Errorf("dirmi: no RemoteInfo registered for type %x", typeID)
		}
		return info, nil
	})
}

func (s *Session) newInput(r *wire.Reader) *codec.Input {
	return codec.NewInput(
		r,
		s.resolveLocalSkeleton,
		nil, // resolveType: each message inlines a type's RemoteInfo on its first reference, and Input reuses it for later ones (see DESIGN.md)
		s.buildStub,
		func(typeID ident.TypeID, info *ident.RemoteInfo) { s.registry.PutType(info) },
	)
}

func (s *Session) resolveLocalSkeleton(id ident.Identifier) (any, bool) {
	s.mu.Lock()
	sk, ok := s.skeletonsByID[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sk.Target, true
}

func (s *Session) buildStub(id ident.Identifier, typeID ident.TypeID, info *ident.RemoteInfo) (any, error) {
	proxy := s.registry.RegisterStub(id, func() *ident.Proxy {
		return &ident.Proxy{ID: id, TypeObj: typeID, Support: stubsupport.New(id, s.pool, s.sched)}
	})
	return &Stub{ID: id, TypeID: typeID, Info: info, Support: proxy.Support.(*stubsupport.Support), session: s}, nil
}

type skeletonRef struct {
	id     ident.Identifier
	typeID ident.TypeID
}

func (r skeletonRef) RemoteID() ident.Identifier { return r.id }
func (r skeletonRef) RemoteType() ident.TypeID   { return r.typeID }

func writeSharedObject(out *codec.Output, w *wire.Writer, shared map[string]any) error {
	if err := w.PutVarUint(uint32(len(shared))); err != nil {
		return err
	}
	for name, v := range shared {
		if err := w.PutString(name); err != nil {
			return err
		}
		if err := out.PutValue(v); err != nil {
			return err
		}
	}
	return nil
}

func readSharedObject(in *codec.Input, r *wire.Reader) (map[string]any, error) {
	n, err := r.GetVarUint()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, n)
	for i := uint32(0); i < n; i++ {
		name, _, err := r.GetString()
		if err != nil {
			return nil, err
		}
		v, err := in.GetValue()
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// Send re-sends the local shared-object map to the peer via Admin's
// SetRemoteServer, e.g. after exporting new objects post-connect. The peer's
// Receive/Lookup do not see maps sent this way: Receive keeps the first map
// it takes, and handleSetRemoteServer does not replace it.
func (s *Session) Send(ctx context.Context, exports Exports) error {
	s.mu.Lock()
	for name, sk := range exports {
		typeID := s.registerSkeletonLocked(sk)
		s.byName[name] = sk
		s.sharedLocal[name] = skeletonRef{id: sk.ID, typeID: typeID}
	}
	shared := make(map[string]any, len(s.sharedLocal))
	for k, v := range s.sharedLocal {
		shared[k] = v
	}
	s.mu.Unlock()
	return s.admin.setRemoteServer(ctx, shared)
}

// registerSkeletonLocked records skel in the registry and the session's
// by-Identifier dispatch table, returning its registry-assigned TypeID.
// Callers must hold s.mu.
func (s *Session) registerSkeletonLocked(sk *Skeleton) ident.TypeID {
	typeID := s.registry.PutType(sk.Info)
	s.registry.IdentifySkeleton(sk.ID, sk.Target)
	s.registry.BindSkeletonType(sk.ID, typeID)
	s.skeletonsByID[sk.ID] = sk
	return typeID
}

// RegisterSkeleton exports a new, unnamed object mid-session -- the
// building block "batched creation" factory methods use (spec.md §8): a
// dispatch handler whose Target closes over the owning *Session can mint a
// fresh Skeleton for an object it just constructed and hand back a
// skeletonRef (via out.PutValue) in the same response, so the caller's
// codec.Input substitutes it into a usable Stub transparently, without a
// second round trip through Lookup/Receive.
func (s *Session) RegisterSkeleton(sk *Skeleton) skeletonRef {
	s.mu.Lock()
	typeID := s.registerSkeletonLocked(sk)
	s.mu.Unlock()
	return skeletonRef{id: sk.ID, typeID: typeID}
}

// Receive blocks until the peer's handshake shared-object map has arrived
// (or ctx expires on the first call that actually waits for it), caching it
// for all subsequent calls.
func (s *Session) Receive(ctx context.Context) (map[string]any, error) {
	s.sharedOnce.Do(func() {
		select {
		case msg := <-s.sharedPeerCh:
			s.sharedVal = msg.val
		case <-ctx.Done():
			s.sharedErr = ctx.Err()
		case <-s.closedCh:
			s.sharedErr = ErrSessionClosed
		}
	})
	return s.sharedVal, s.sharedErr
}

// Lookup resolves a named export from the peer's shared-object map into a
// usable Stub.
func (s *Session) Lookup(ctx context.Context, name string) (*Stub, error) {
	shared, err := s.Receive(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := shared[name]
	if !ok {
		return nil, fmt.Errorf("dirmi: %q: %w", name, ErrNoSuchObject)
	}
	stub, ok := v.(*Stub)
	if !ok {
		return nil, fmt.Errorf("dirmi: %q: peer value is not a remote reference (%T)", name, v)
	}
	return stub, nil
}

// Export adds name/skel to this session's local export set and re-sends the
// shared-object map to the peer via Send. Local dispatch by Identifier works
// at once; the peer's Lookup does not resolve the new name (see Send).
func (s *Session) Export(ctx context.Context, name string, skel *Skeleton) error {
	return s.Send(ctx, Exports{name: skel})
}

func (s *Session) handleSetRemoteServer(v any) {
	m, _ := v.(map[string]any)
	select {
	case s.sharedPeerCh <- sharedObjectMsg{val: m, isSet: true}:
	default:
		// A value is already waiting (e.g. the initial handshake's); this
		// update is dropped. Receive reads the slot only once, so an update
		// that does fit in the slot is not read either.
	}
}

func (s *Session) handleGetRemoteInfo(id ident.Identifier) (*ident.RemoteInfo, error) {
	s.mu.Lock()
	sk, ok := s.skeletonsByID[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchObject
	}
	return sk.Info, nil
}

func (s *Session) handleDisposed(id ident.Identifier) {
	reclaim.HandlePeerDisposedBatch(s.registry, []ident.Identifier{id}, s.logger)
}

func (s *Session) handleDisposedBatch(ids []ident.Identifier) {
	reclaim.HandlePeerDisposedBatch(s.registry, ids, s.logger)
}

func (s *Session) handleHeartbeat() {
	// touchHeartbeat already runs for every admin dispatch in dispatchCall;
	// Heartbeat itself carries no further payload.
}

func (s *Session) handlePeerClosed() {
	_ = s.Close()
}

// disposeStub drops our local stub bookkeeping for id and tells the peer
// about the explicit disposal (rather than waiting for weak-reference
// collection), for spec.md §4.5's public surface. The notification is
// coalesced with any other explicit disposals arriving within the same
// short window via disposeBatcher, rather than sent as its own round trip.
func (s *Session) disposeStub(ctx context.Context, id ident.Identifier) error {
	s.registry.ForgetWeak(id)
	job, err := s.disposeBatcher.Submit(ctx, id)
	if err != nil {
		return err
	}
	return job.Wait(ctx)
}

// callRemote invokes selector on objID using a freshly acquired channel,
// outside of any particular Stub's Support -- used for the session's own
// Admin calls.
func (s *Session) callRemote(ctx context.Context, objID ident.Identifier, selector uint32, args []any, async bool) (any, error) {
	sup := stubsupport.New(objID, s.pool, s.sched)
	return s.callRemoteVia(ctx, sup, objID, selector, args, async, 0)
}

// callRemoteVia is the generic stub-call helper every hand-written stub
// (Admin's included) is built on: acquire a channel, write the invocation
// header and arguments, and -- for synchronous methods -- read back the
// response, per spec.md §6's wire frames and §4.6's StubSupport contract.
// A positive timeout schedules the channel's forced closure via
// stubsupport's own timeout machinery (spec.md §4.7); zero means the call
// has no deadline beyond ctx itself.
func (s *Session) callRemoteVia(ctx context.Context, sup *stubsupport.Support, objID ident.Identifier, selector uint32, args []any, async bool, timeout time.Duration) (any, error) {
	var ch *chanpool.Channel
	var cancel *scheduler.Cancellation
	var err error
	if timeout > 0 {
		ch, cancel, err = sup.InvokeTimeout(ctx, nil, timeout)
	} else {
		ch, err = sup.Invoke(ctx, nil)
	}
	if err != nil {
		return nil, wrapCallError("invoke", err)
	}

	fail := func(cause error) error {
		if cancel != nil {
			return sup.FailedCancelTimeout(nil, ch, cause, cancel)
		}
		return sup.Failed(nil, ch, cause)
	}
	finish := func() {
		if cancel != nil {
			sup.FinishedCancelTimeout(ch, true, cancel)
		} else {
			sup.Finished(ch, true)
		}
	}

	if err := ch.W.PutIdentifier([16]byte(objID)); err != nil {
		return nil, fail(err)
	}
	if err := ch.W.PutVarUint(selector); err != nil {
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

	if async {
		finish()
		return nil, nil
	}

	status, err := ch.R.GetByte()
	if err != nil {
		return nil, fail(err)
	}
	switch status {
	case statusOK:
		in := s.newInput(ch.R)
		v, err := in.GetValue()
		finish()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMarshalling, err)
		}
		return v, nil
	case statusThrowable:
		t, _, terr := codec.ReadThrowable(ch.R)
		finish()
		if terr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMarshalling, terr)
		}
		return nil, newRemoteError(t)
	default:
		finish()
		return nil, fmt.Errorf("dirmi: unexpected response status %d", status)
	}
}

// touchHeartbeat refreshes the deadline by which the next inbound admin
// traffic must arrive, per spec.md §4.5.
func (s *Session) touchHeartbeat() {
	s.nextExpectedHeartbeat.Store(time.Now().Add(s.effectiveHeartbeatInterval()).UnixNano())
}

func (s *Session) effectiveHeartbeatInterval() time.Duration {
	if s.heartbeatInterval > 0 {
		return s.heartbeatInterval
	}
	return HeartbeatInterval
}

func (s *Session) startHeartbeat() error {
	half := s.effectiveHeartbeatInterval() / 2
	sendCancel, err := s.sched.ScheduleFixedRate(func() {
		if err := s.admin.heartbeat(context.Background()); err != nil {
			s.logger.Warnf("dirmi: heartbeat send failed: %v", err)
		}
	}, half, half)
	if err != nil {
		return err
	}
	s.heartbeatSend = sendCancel

	checkCancel, err := s.sched.ScheduleFixedRate(func() {
		if time.Now().UnixNano() > s.nextExpectedHeartbeat.Load() {
			s.logger.Warnf("dirmi: heartbeat deadline exceeded, closing session")
			_ = s.Close()
		}
	}, half, half)
	if err != nil {
		sendCancel.Cancel()
		return err
	}
	s.heartbeatCheck = checkCancel
	return nil
}

// Close tears the session down: cancels the heartbeat/reclaim background
// tasks, closes the channel pool (and every idle channel within it), and
// shuts down the scheduler. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closedCh)
		if s.heartbeatSend != nil {
			s.heartbeatSend.Cancel()
		}
		if s.heartbeatCheck != nil {
			s.heartbeatCheck.Cancel()
		}
		_ = s.admin.closed(context.Background())
		_ = s.disposeBatcher.Close()
		err = s.pool.Close()
		s.sched.Shutdown()
	})
	return err
}

// Disposed reports whether Close has been called.
func (s *Session) Disposed() bool { return s.closed.Load() }

// acceptNext reads one inbound channel's invocation header and immediately
// schedules acceptance of the next one (spec.md §4.5's "schedules a fresh
// accepter before dispatching", avoiding head-of-line blocking a long call
// would otherwise cause), then dispatches the call itself, inline, in this
// goroutine.
func (s *Session) acceptNext() {
	t, ok := <-s.accept
	if !ok {
		return
	}
	ch := s.pool.AdoptAccepted(t)
	// AdoptAccepted leaves newly accepted channels at their zero-value
	// StateIdle; the CAS-based control operations used below (batch
	// sequences' sentinel recognition doesn't need this, but pipe mode's
	// RequestReply does) require StateLent, same as Pool.Acquire gives the
	// client side.
	ch.CompareAndSwapState(chanpool.StateIdle, chanpool.StateLent)

	objID, sel, err := readCallHeader(ch)
	if err != nil {
		_ = ch.Close()
		s.scheduleAcceptNext()
		return
	}

	s.scheduleAcceptNext()
	s.dispatchCall(ch, objID, sel)
}

func (s *Session) scheduleAcceptNext() {
	if err := s.sched.Execute(s.acceptNext); err != nil {
		go s.acceptNext()
	}
}

const (
	statusOK        = 0
	statusThrowable = 1
)

// readCallHeader reads one invocation header -- spec.md §6's "invocation
// {objectId: varuint+16bytes, selector: varuint}" -- off ch. Used both by
// acceptNext (the first header of a freshly accepted channel) and
// dispatchBatchSequence (each subsequent queued call sharing that channel).
func readCallHeader(ch *chanpool.Channel) (ident.Identifier, uint32, error) {
	rawID, err := ch.R.GetIdentifier()
	if err != nil {
		return ident.Identifier{}, 0, err
	}
	sel, err := ch.R.GetVarUint()
	if err != nil {
		return ident.Identifier{}, 0, err
	}
	return ident.Identifier(rawID), sel, nil
}

func (s *Session) lookupSkeleton(objID ident.Identifier) *Skeleton {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skeletonsByID[objID]
}

// dispatchCall routes a freshly read invocation header to the variant of
// dispatch its MethodDescriptor calls for (spec.md §4.6): a suspended raw
// Pipe, a queued Batched sequence, an asynchronous call whose non-void
// return settles a RemoteCompletion, plain fire-and-forget, or an ordinary
// synchronous call.
func (s *Session) dispatchCall(ch *chanpool.Channel, objID ident.Identifier, sel uint32) {
	sk := s.lookupSkeleton(objID)
	if sk == nil {
		s.writeFailureResponse(ch, ErrNoSuchObject)
		_ = ch.Close()
		return
	}

	desc, _ := sk.Table.MethodDescriptor(sel)

	if objID == adminObjectID {
		defer s.touchHeartbeat()
	}

	switch {
	case desc.Pipe:
		s.dispatchPipeCall(ch, sk, sel)
	case desc.Batched:
		s.dispatchBatchSequence(ch, sk, sel)
	case desc.Asynchronous && desc.ReturnType != "":
		s.dispatchAsyncCompletion(ch, sk, sel)
	case desc.Asynchronous:
		s.dispatchFireAndForget(ch, sk, sel)
	default:
		s.dispatchSynchronous(ch, sk, sel)
	}
}

// dispatchFireAndForget runs an Asynchronous, void-returning call and
// releases ch without writing any response frame at all, per spec.md §4.6.
func (s *Session) dispatchFireAndForget(ch *chanpool.Channel, sk *Skeleton, sel uint32) {
	in := s.newInput(ch.R)
	var buf bytes.Buffer
	out := s.newOutput(wire.NewWriter(&buf))
	if err := sk.Table.Dispatch(sel, sk.Target, in, out); err != nil {
		s.logger.Warnf("dirmi: asynchronous method failed: %v", err)
	}
	s.pool.Release(ch, true)
}

// dispatchSynchronous runs an ordinary call and writes its single response
// frame before releasing ch.
func (s *Session) dispatchSynchronous(ch *chanpool.Channel, sk *Skeleton, sel uint32) {
	in := s.newInput(ch.R)
	status, payload, dispatchErr := s.runDispatch(sk, sel, in)
	s.writeResponse(ch.W, status, payload, dispatchErr)
	_ = ch.W.Flush()
	s.pool.Release(ch, true)
}

// dispatchAsyncCompletion runs an Asynchronous, non-void call started via
// Stub.callAsyncCompletion: it reads the completion id the caller minted,
// runs the method, releases ch (no response is ever written on it), then relays
// the outcome back through completionSinkObjID so the peer's matching
// stub-side Completion settles (spec.md §4.6/§8).
func (s *Session) dispatchAsyncCompletion(ch *chanpool.Channel, sk *Skeleton, sel uint32) {
	rawComplID, err := ch.R.GetIdentifier()
	if err != nil {
		_ = ch.Close()
		return
	}
	complID := ident.Identifier(rawComplID)
	in := s.newInput(ch.R)
	status, payload, dispatchErr := s.runDispatch(sk, sel, in)
	s.pool.Release(ch, true)

	rc := RemoteCompletion{ComplID: complID, Status: status}
	if status == statusThrowable {
		var buf bytes.Buffer
		_ = codec.WriteThrowable(wire.NewWriter(&buf), s.localAddr, s.peerAddr(), dispatchErr)
		rc.Payload = buf.Bytes()
	} else {
		rc.Payload = payload
	}
	s.relaySettleCompletion(rc)
}

// dispatchPipeCall suspends ch into raw duplex mode and hands it, along with
// any setup arguments still sitting in ch.R, to the bound PipeHandler
// (spec.md §4.6's requestReply mode). The handler owns ch/the Pipe from this
// point: it must Close the Pipe itself once done.
func (s *Session) dispatchPipeCall(ch *chanpool.Channel, sk *Skeleton, sel uint32) {
	handler, ok := sk.Table.PipeHandler(sel)
	if !ok {
		s.writeResponse(ch.W, statusThrowable, nil, ErrNoSuchMethod)
		_ = ch.W.Flush()
		s.pool.Release(ch, true)
		return
	}
	pipe, err := s.ctrlSupport.RequestReply(ch)
	if err != nil {
		_ = ch.Close()
		return
	}
	in := s.newInput(ch.R)
	if err := handler(sk.Target, in, pipe); err != nil {
		s.logger.Warnf("dirmi: pipe handler failed: %v", err)
		_ = pipe.Close()
	}
}

// dispatchBatchSequence applies a client's Batched call sequence (spec.md
// §4.2/§8): starting from the first queued call's already-read header, it
// keeps running one queued call and buffering its response into ch.W
// (without flushing) per iteration, reading the next header directly off
// the same channel -- all of it already sitting in ch's reader, since the
// client wrote the whole sequence before its single Flush -- until it reads
// the sentinel Flush appends to close the sequence. It then flushes every
// buffered response as one burst and releases ch, which is what makes "all
// four stubs usable after flush returns" (spec.md's example) true: the
// client's Flush doesn't return until it has read every one of those
// buffered responses back off the wire.
func (s *Session) dispatchBatchSequence(ch *chanpool.Channel, sk *Skeleton, sel uint32) {
	for {
		if sk == nil {
			s.writeResponse(ch.W, statusThrowable, nil, ErrNoSuchObject)
		} else {
			in := s.newInput(ch.R)
			status, payload, dispatchErr := s.runDispatch(sk, sel, in)
			s.writeResponse(ch.W, status, payload, dispatchErr)
		}

		objID, nextSel, err := readCallHeader(ch)
		if err != nil {
			_ = ch.Close()
			return
		}
		if objID == batchFlushObjID && nextSel == batchFlushSelector {
			break
		}
		sk = s.lookupSkeleton(objID)
		sel = nextSel
	}
	_ = ch.W.Flush()
	s.pool.Release(ch, true)
}

// runDispatch invokes sk's handler for sel, capturing its encoded response
// (or the dispatch error) without writing anything to the wire yet --
// factored out so both a plain synchronous call and a batch sequence's
// per-call loop can share it.
func (s *Session) runDispatch(sk *Skeleton, sel uint32, in *codec.Input) (status byte, payload []byte, dispatchErr error) {
	var buf bytes.Buffer
	out := s.newOutput(wire.NewWriter(&buf))
	if err := sk.Table.Dispatch(sel, sk.Target, in, out); err != nil {
		return statusThrowable, nil, err
	}
	_ = out.Flush()
	return statusOK, buf.Bytes(), nil
}

// writeResponse writes one response frame -- status byte plus payload, or
// status byte plus an encoded Throwable -- to w, per spec.md §6's response
// frame. Does not flush: callers decide when a burst of these is complete.
func (s *Session) writeResponse(w *wire.Writer, status byte, payload []byte, dispatchErr error) {
	if status == statusThrowable {
		_ = w.PutByte(statusThrowable)
		_ = codec.WriteThrowable(w, s.localAddr, s.peerAddr(), dispatchErr)
		return
	}
	_ = w.PutByte(statusOK)
	_, _ = w.Write(payload)
}

func (s *Session) writeFailureResponse(ch *chanpool.Channel, cause error) {
	_ = ch.W.PutByte(statusThrowable)
	_ = codec.WriteThrowable(ch.W, s.localAddr, s.peerAddr(), cause)
	_ = ch.W.Flush()
}

func (s *Session) peerAddr() string {
	s.remoteAddrMu.RLock()
	defer s.remoteAddrMu.RUnlock()
	return s.remoteAddr
}
