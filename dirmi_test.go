package dirmi_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dirmi "github.com/joeycumines/go-dirmi"
	"github.com/joeycumines/go-dirmi/chanpool"
	"github.com/joeycumines/go-dirmi/codec"
	"github.com/joeycumines/go-dirmi/ident"
	"github.com/joeycumines/go-dirmi/stubsupport"
	"github.com/joeycumines/go-dirmi/transport"
)

// echoService is the object exported by one side of each test pair. Methods
// use plain built-in argument/return types throughout (string, int64) so the
// payloads round-trip through codec's gob-based value path without any
// gob.Register call, per codec_test.go's documented behavior.
// echoService's id distinguishes instances minted by echoFactory.NewEcho, so
// a test can assert the order a Batched sequence of NewEcho calls actually
// ran in on the peer (spec.md §8/§4.2).
type echoService struct{ id int64 }

func (e *echoService) Echo(s string) string { return s }

func (e *echoService) Fail() error { return errors.New("echo: intentional failure") }

// SlowMillis blocks for the given duration (milliseconds, a plain int64 to
// dodge time.Duration's gob.Register requirement) before returning.
func (e *echoService) SlowMillis(ms int64) { time.Sleep(time.Duration(ms) * time.Millisecond) }

func (e *echoService) ID() int64 { return e.id }

var echoRemoteInfo = &ident.RemoteInfo{
	Name: "dirmitest.Echo",
	Methods: []ident.MethodDescriptor{
		{Name: "Echo"},
		{Name: "Fail"},
		{Name: "SlowMillis", TimeoutSet: true, TimeoutDefault: 20 * time.Millisecond},
		{Name: "ID"},
	},
}

func newEchoTable() *stubsupport.DispatchTable {
	table := stubsupport.NewDispatchTable(echoRemoteInfo)
	table.Bind("Echo", func(target any, in *codec.Input, out *codec.Output) error {
		v, err := in.GetValue()
		if err != nil {
			return err
		}
		s, _ := v.(string)
		return out.PutValue(target.(*echoService).Echo(s))
	})
	table.Bind("Fail", func(target any, _ *codec.Input, _ *codec.Output) error {
		return target.(*echoService).Fail()
	})
	table.Bind("SlowMillis", func(target any, in *codec.Input, out *codec.Output) error {
		v, err := in.GetValue()
		if err != nil {
			return err
		}
		ms, _ := v.(int64)
		target.(*echoService).SlowMillis(ms)
		return out.PutValue(nil)
	})
	table.Bind("ID", func(target any, _ *codec.Input, out *codec.Output) error {
		return out.PutValue(target.(*echoService).ID())
	})
	return table
}

// echoFactory demonstrates "batched creation" (spec.md §8): a method whose
// result is a brand-new remote object, minted and registered on the fly via
// Session.RegisterSkeleton, then handed back as an ordinary out.PutValue --
// the caller's codec.Input substitutes the returned skeletonRef into a
// usable *Stub transparently, with no separate Lookup/Receive round trip.
// NewEcho is Batched: a sequence of calls queues on one pinned channel and
// runs, in program order, when the caller flushes (spec.md §4.2/§8's "all
// four stubs are usable after flush returns"). next assigns each minted
// echoService its creation order as an id, letting a test observe that
// order.
type echoFactory struct {
	session *dirmi.Session
	next    atomic.Int64
}

var echoFactoryRemoteInfo = &ident.RemoteInfo{
	Name: "dirmitest.EchoFactory",
	Methods: []ident.MethodDescriptor{
		{Name: "NewEcho", Batched: true},
	},
}

func newEchoFactoryTable() *stubsupport.DispatchTable {
	table := stubsupport.NewDispatchTable(echoFactoryRemoteInfo)
	table.Bind("NewEcho", func(target any, _ *codec.Input, out *codec.Output) error {
		f := target.(*echoFactory)
		id := f.next.Add(1) - 1
		skel := dirmi.NewSkeleton(echoRemoteInfo, &echoService{id: id}, newEchoTable())
		ref := f.session.RegisterSkeleton(skel)
		return out.PutValue(ref)
	})
	return table
}

// asyncService demonstrates an asynchronous call with a non-void return
// (spec.md §4.6/§8): the stub gets back a *stubsupport.Completion
// immediately, settled once the skeleton-side RemoteCompletion relays the
// outcome back through completionSinkObjID.
type asyncService struct{}

func (a *asyncService) DoubleAsync(n int64) int64 { return n * 2 }

func (a *asyncService) FailAsync() error { return errors.New("async: intentional failure") }

var asyncRemoteInfo = &ident.RemoteInfo{
	Name: "dirmitest.Async",
	Methods: []ident.MethodDescriptor{
		{Name: "DoubleAsync", Asynchronous: true, ReturnType: "int64"},
		{Name: "FailAsync", Asynchronous: true, ReturnType: "error"},
	},
}

func newAsyncTable() *stubsupport.DispatchTable {
	table := stubsupport.NewDispatchTable(asyncRemoteInfo)
	table.Bind("DoubleAsync", func(target any, in *codec.Input, out *codec.Output) error {
		v, err := in.GetValue()
		if err != nil {
			return err
		}
		n, _ := v.(int64)
		return out.PutValue(target.(*asyncService).DoubleAsync(n))
	})
	table.Bind("FailAsync", func(target any, _ *codec.Input, _ *codec.Output) error {
		return target.(*asyncService).FailAsync()
	})
	return table
}

// pipeService demonstrates requestReply/Pipe mode (spec.md §4.6): Upload
// suspends its channel into a raw duplex Pipe instead of a single response,
// and records what it read off the stream once the caller signals it is
// done writing. received is an in-process synchronization, not part of the
// wire protocol -- it lets the test observe the handler's result without a
// second call racing the still-in-flight channel release that ends the pipe
// interaction.
type pipeService struct {
	received chan string
}

func newPipeService() *pipeService {
	return &pipeService{received: make(chan string, 1)}
}

var pipeRemoteInfo = &ident.RemoteInfo{
	Name: "dirmitest.PipeUpload",
	Methods: []ident.MethodDescriptor{
		{Name: "Upload", Pipe: true},
	},
}

func newPipeTable() *stubsupport.DispatchTable {
	table := stubsupport.NewDispatchTable(pipeRemoteInfo)
	table.BindPipe("Upload", func(target any, _ *codec.Input, pipe *stubsupport.Pipe) error {
		data, err := io.ReadAll(pipe)
		if err != nil {
			_ = pipe.Close()
			return err
		}
		target.(*pipeService).received <- string(data)
		return pipe.Close()
	})
	return table
}

// newPipeHarness wires two in-process dial/accept pairs over transport.Pipe,
// so a pair of dirmi.Connect calls can stand in for a real listener/dialer
// without a network round trip.
func newPipeHarness() (openA chanpool.Opener, acceptA chan transport.Transport, openB chanpool.Opener, acceptB chan transport.Transport) {
	acceptA = make(chan transport.Transport, 16)
	acceptB = make(chan transport.Transport, 16)
	openA = func(context.Context) (transport.Transport, error) {
		a, b := transport.NewPipe()
		acceptB <- b
		return a, nil
	}
	openB = func(context.Context) (transport.Transport, error) {
		a, b := transport.NewPipe()
		acceptA <- b
		return a, nil
	}
	return
}

// connectPair runs dirmi.Connect for both sides concurrently (each side's
// handshake needs the other side's accept loop already running, since
// chanpool.Opener pushes directly onto the peer's accept channel) and fails
// the test immediately if either side errors.
func connectPair(t *testing.T, exportsA, exportsB dirmi.Exports, opts ...dirmi.Option) (*dirmi.Session, *dirmi.Session) {
	t.Helper()
	openA, acceptA, openB, acceptB := newPipeHarness()

	var sa, sb *dirmi.Session
	var ea, eb error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sa, ea = dirmi.Connect(context.Background(), openA, acceptA, exportsA, opts...)
	}()
	go func() {
		defer wg.Done()
		sb, eb = dirmi.Connect(context.Background(), openB, acceptB, exportsB, opts...)
	}()
	wg.Wait()

	if ea != nil {
		t.Fatalf("connect side A: %v", ea)
	}
	if eb != nil {
		t.Fatalf("connect side B: %v", eb)
	}
	t.Cleanup(func() {
		_ = sa.Close()
		_ = sb.Close()
	})
	return sa, sb
}

func TestSession_Echo_RoundTrip(t *testing.T) {
	svc := &echoService{}
	skel := dirmi.NewSkeleton(echoRemoteInfo, svc, newEchoTable())
	_, client := connectPair(t, dirmi.Exports{"echo": skel}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stub, err := client.Lookup(ctx, "echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	v, err := stub.Call(ctx, "Echo", "hello, world")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if s, _ := v.(string); s != "hello, world" {
		t.Fatalf("got %q, want %q", s, "hello, world")
	}
}

func TestSession_Failure_PropagatesAsRemoteError(t *testing.T) {
	svc := &echoService{}
	skel := dirmi.NewSkeleton(echoRemoteInfo, svc, newEchoTable())
	_, client := connectPair(t, dirmi.Exports{"echo": skel}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stub, err := client.Lookup(ctx, "echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	_, err = stub.Call(ctx, "Fail")
	if err == nil {
		t.Fatal("expected an error from Fail")
	}
	var remoteErr *dirmi.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected *dirmi.RemoteError, got %T: %v", err, err)
	}
}

func TestSession_Timeout_ClosesChannelAndReturnsErrTimeout(t *testing.T) {
	svc := &echoService{}
	skel := dirmi.NewSkeleton(echoRemoteInfo, svc, newEchoTable())
	_, client := connectPair(t, dirmi.Exports{"echo": skel}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stub, err := client.Lookup(ctx, "echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	// SlowMillis's descriptor carries a 20ms timeout; sleeping for 200ms on
	// the skeleton side should trip it well before the response arrives.
	_, err = stub.Call(ctx, "SlowMillis", int64(200))
	if !errors.Is(err, dirmi.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSession_Lookup_UnknownName(t *testing.T) {
	_, client := connectPair(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Lookup(ctx, "does-not-exist"); !errors.Is(err, dirmi.ErrNoSuchObject) {
		t.Fatalf("expected ErrNoSuchObject, got %v", err)
	}
}

func TestSession_ConcurrentLookup_SameStubSupport(t *testing.T) {
	svc := &echoService{}
	skel := dirmi.NewSkeleton(echoRemoteInfo, svc, newEchoTable())
	_, client := connectPair(t, dirmi.Exports{"echo": skel}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const n = 8
	stubs := make([]*dirmi.Stub, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			st, err := client.Lookup(ctx, "echo")
			if err != nil {
				t.Errorf("lookup %d: %v", i, err)
				return
			}
			stubs[i] = st
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if stubs[i] == nil || stubs[0] == nil {
			continue
		}
		if stubs[i].ID != stubs[0].ID {
			t.Fatalf("stub %d has a different Identifier than stub 0", i)
		}
	}
}

func TestSession_Close_CascadesToPeer(t *testing.T) {
	svc := &echoService{}
	skel := dirmi.NewSkeleton(echoRemoteInfo, svc, newEchoTable())
	server, client := connectPair(t, dirmi.Exports{"echo": skel}, nil)

	if err := server.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !client.Disposed() {
		select {
		case <-deadline:
			t.Fatal("peer session never observed Close cascade")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestSession_BatchedCreation_FactoryReturnsUsableStub exercises spec.md
// §8's worked example verbatim: a Batched method (NewEcho) called four times
// followed by flush. It asserts both the literal scenario ("all four stubs
// are usable after flush returns") and the ordering property of spec.md §4.2
// ("Batched calls issued in program order on thread T execute on the peer in
// that same order") -- the latter via each minted echoService's id, assigned
// in the order NewEcho actually ran on the server.
func TestSession_BatchedCreation_FactoryReturnsUsableStub(t *testing.T) {
	const batchSize = 4

	factory := &echoFactory{}
	skel := dirmi.NewSkeleton(echoFactoryRemoteInfo, factory, newEchoFactoryTable())
	server, client := connectPair(t, dirmi.Exports{"factory": skel}, nil)
	factory.session = server

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	factoryStub, err := client.Lookup(ctx, "factory")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	batchCtx, err := client.Batch(ctx)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	completions := make([]*stubsupport.Completion, batchSize)
	for i := range completions {
		v, err := factoryStub.Call(batchCtx, "NewEcho")
		if err != nil {
			t.Fatalf("queue NewEcho[%d]: %v", i, err)
		}
		completion, ok := v.(*stubsupport.Completion)
		if !ok {
			t.Fatalf("queue NewEcho[%d]: expected *stubsupport.Completion, got %T", i, v)
		}
		if completion.Done() {
			t.Fatalf("queue NewEcho[%d]: completion settled before flush", i)
		}
		completions[i] = completion
	}

	if _, err := client.Flush(batchCtx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	for i, completion := range completions {
		v, err := completion.Wait(ctx)
		if err != nil {
			t.Fatalf("result[%d]: %v", i, err)
		}
		echoStub, ok := v.(*dirmi.Stub)
		if !ok {
			t.Fatalf("result[%d]: expected *dirmi.Stub, got %T", i, v)
		}

		idVal, err := echoStub.Call(ctx, "ID")
		if err != nil {
			t.Fatalf("ID[%d]: %v", i, err)
		}
		if id, _ := idVal.(int64); id != int64(i) {
			t.Fatalf("result[%d]: minted out of program order, got id %d, want %d", i, id, i)
		}

		result, err := echoStub.Call(ctx, "Echo", "freshly minted")
		if err != nil {
			t.Fatalf("call on minted stub[%d]: %v", i, err)
		}
		if s, _ := result.(string); s != "freshly minted" {
			t.Fatalf("result[%d]: got %q, want %q", i, s, "freshly minted")
		}
	}
}

func TestSession_AsyncCompletion_SettlesWithResult(t *testing.T) {
	svc := &asyncService{}
	skel := dirmi.NewSkeleton(asyncRemoteInfo, svc, newAsyncTable())
	_, client := connectPair(t, dirmi.Exports{"async": skel}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stub, err := client.Lookup(ctx, "async")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	v, err := stub.Call(ctx, "DoubleAsync", int64(21))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	completion, ok := v.(*stubsupport.Completion)
	if !ok {
		t.Fatalf("expected *stubsupport.Completion, got %T", v)
	}
	result, err := completion.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n, _ := result.(int64); n != 42 {
		t.Fatalf("got %d, want 42", n)
	}
}

func TestSession_AsyncCompletion_SettlesWithError(t *testing.T) {
	svc := &asyncService{}
	skel := dirmi.NewSkeleton(asyncRemoteInfo, svc, newAsyncTable())
	_, client := connectPair(t, dirmi.Exports{"async": skel}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stub, err := client.Lookup(ctx, "async")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	v, err := stub.Call(ctx, "FailAsync")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	completion, ok := v.(*stubsupport.Completion)
	if !ok {
		t.Fatalf("expected *stubsupport.Completion, got %T", v)
	}
	if _, err := completion.Wait(ctx); err == nil {
		t.Fatal("expected an error from FailAsync")
	} else {
		var remoteErr *dirmi.RemoteError
		if !errors.As(err, &remoteErr) {
			t.Fatalf("expected *dirmi.RemoteError, got %T: %v", err, err)
		}
	}
}

func TestStub_RequestReply_PipeUploadRoundTrip(t *testing.T) {
	svc := newPipeService()
	skel := dirmi.NewSkeleton(pipeRemoteInfo, svc, newPipeTable())
	_, client := connectPair(t, dirmi.Exports{"upload": skel}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stub, err := client.Lookup(ctx, "upload")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	pipe, err := stub.RequestReply(ctx, "Upload")
	if err != nil {
		t.Fatalf("requestreply: %v", err)
	}
	const payload = "bulk transfer over a suspended channel"
	if _, err := io.WriteString(pipe, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := pipe.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := pipe.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case got := <-svc.received:
		if got != payload {
			t.Fatalf("got %q, want %q", got, payload)
		}
	case <-ctx.Done():
		t.Fatal("server never observed the uploaded payload")
	}
}

func TestStub_Dispose(t *testing.T) {
	svc := &echoService{}
	skel := dirmi.NewSkeleton(echoRemoteInfo, svc, newEchoTable())
	_, client := connectPair(t, dirmi.Exports{"echo": skel}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stub, err := client.Lookup(ctx, "echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := stub.Dispose(ctx); err != nil {
		t.Fatalf("dispose: %v", err)
	}
}
