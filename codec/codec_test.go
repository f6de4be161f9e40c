package codec

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/joeycumines/go-dirmi/ident"
	"github.com/joeycumines/go-dirmi/wire"
)

func init() {
	// Plain strings and ints round-trip through gob without registration;
	// no gob.Register calls are needed for this test's payload shapes.
}

type fakeRemote struct {
	id     ident.Identifier
	typeID ident.TypeID
}

func (f fakeRemote) RemoteID() ident.Identifier { return f.id }
func (f fakeRemote) RemoteType() ident.TypeID   { return f.typeID }

func TestOutputInput_PlainValue_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutput(wire.NewWriter(&buf), nil, nil)
	if err := out.PutValue("hello"); err != nil {
		t.Fatalf("PutValue: %v", err)
	}
	if err := out.Flush(); err != nil {
		t.Fatal(err)
	}

	in := NewInput(wire.NewReader(&buf), nil, nil, nil, nil)
	got, err := in.GetValue()
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if got != "hello" {
		t.Fatalf("expected %q, got %v", "hello", got)
	}
}

func TestOutputInput_NilValue_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutput(wire.NewWriter(&buf), nil, nil)
	if err := out.PutValue(nil); err != nil {
		t.Fatal(err)
	}
	out.Flush()

	in := NewInput(wire.NewReader(&buf), nil, nil, nil, nil)
	got, err := in.GetValue()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestOutputInput_Remote_FirstUseSendsInfo(t *testing.T) {
	info := &ident.RemoteInfo{Name: "Greeter"}
	typeID := info.Hash()
	rem := fakeRemote{id: ident.New(), typeID: typeID}

	var buf bytes.Buffer
	resolveCalls := 0
	out := NewOutput(wire.NewWriter(&buf), nil, func(got ident.TypeID) (*ident.RemoteInfo, error) {
		resolveCalls++
		if got != typeID {
			t.Fatalf("resolveInfo called with wrong type id")
		}
		return info, nil
	})

	if err := out.PutValue(rem); err != nil {
		t.Fatalf("first PutValue: %v", err)
	}
	if err := out.PutValue(rem); err != nil {
		t.Fatalf("second PutValue: %v", err)
	}
	out.Flush()

	if resolveCalls != 1 {
		t.Fatalf("expected resolveInfo called once, got %d", resolveCalls)
	}

	var builtCount int
	in := NewInput(wire.NewReader(&buf), nil, nil,
		func(id ident.Identifier, tid ident.TypeID, ri *ident.RemoteInfo) (any, error) {
			builtCount++
			if ri == nil || ri.Name != "Greeter" {
				t.Fatalf("expected RemoteInfo on build, got %v", ri)
			}
			return "stub", nil
		},
		func(tid ident.TypeID, ri *ident.RemoteInfo) {},
	)

	v1, err := in.GetValue()
	if err != nil {
		t.Fatalf("first GetValue: %v", err)
	}
	if v1 != "stub" {
		t.Fatalf("expected stub, got %v", v1)
	}
	v2, err := in.GetValue()
	if err != nil {
		t.Fatalf("second GetValue: %v", err)
	}
	if v2 != "stub" {
		t.Fatalf("expected stub, got %v", v2)
	}
	if builtCount != 2 {
		t.Fatalf("expected buildStub called twice (once per reference), got %d", builtCount)
	}
}

func TestOutputInput_Remote_ResolvesToLocalSkeleton(t *testing.T) {
	info := &ident.RemoteInfo{Name: "Loopback"}
	typeID := info.Hash()
	id := ident.New()
	rem := fakeRemote{id: id, typeID: typeID}

	var buf bytes.Buffer
	out := NewOutput(wire.NewWriter(&buf), nil, func(ident.TypeID) (*ident.RemoteInfo, error) { return info, nil })
	if err := out.PutValue(rem); err != nil {
		t.Fatal(err)
	}
	out.Flush()

	localObj := struct{ Name string }{Name: "original"}
	in := NewInput(wire.NewReader(&buf),
		func(gotID ident.Identifier) (any, bool) {
			if gotID == id {
				return localObj, true
			}
			return nil, false
		},
		nil, nil, func(ident.TypeID, *ident.RemoteInfo) {},
	)

	got, err := in.GetValue()
	if err != nil {
		t.Fatal(err)
	}
	if got != localObj {
		t.Fatalf("expected local object to resolve directly, got %v", got)
	}
}

func TestThrowable_RoundTrip(t *testing.T) {
	orig := PruneServerStackTraces
	PruneServerStackTraces = false
	defer func() { PruneServerStackTraces = orig }()

	inner := errors.New("connection reset")
	outer := fmt.Errorf("invocation failed: %w", inner)

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	if err := WriteThrowable(w, "local:1234", "remote:5678", outer); err != nil {
		t.Fatalf("WriteThrowable: %v", err)
	}
	w.Flush()

	tw, ok, err := ReadThrowable(wire.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadThrowable: %v", err)
	}
	if !ok {
		t.Fatalf("expected a non-null throwable")
	}
	if tw.LocalAddr != "local:1234" || tw.RemoteAddr != "remote:5678" {
		t.Fatalf("address mismatch: %+v", tw)
	}
	if len(tw.Chain) != 2 {
		t.Fatalf("expected 2-entry cause chain, got %d: %+v", len(tw.Chain), tw.Chain)
	}
	if tw.Chain[0].Message != outer.Error() {
		t.Fatalf("expected outermost message first, got %q", tw.Chain[0].Message)
	}
	if tw.Chain[1].Message != inner.Error() {
		t.Fatalf("expected innermost message last, got %q", tw.Chain[1].Message)
	}
}

func TestThrowable_NullRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	if err := WriteNullThrowable(w); err != nil {
		t.Fatal(err)
	}
	w.Flush()

	tw, ok, err := ReadThrowable(wire.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if ok || tw != nil {
		t.Fatalf("expected null throwable to decode as not-ok")
	}
}

func TestThrowable_StackPruning(t *testing.T) {
	orig := dispatchFrameMarker
	SetDispatchFrameMarker("nonexistent-marker-never-matches.go")
	defer SetDispatchFrameMarker(orig)

	PruneServerStackTraces = true
	defer func() { PruneServerStackTraces = true }()

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	if err := WriteThrowable(w, "a", "b", errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	w.Flush()

	tw, ok, err := ReadThrowable(wire.NewReader(&buf))
	if err != nil || !ok {
		t.Fatalf("ReadThrowable: ok=%v err=%v", ok, err)
	}
	if len(tw.Chain[0].Stack) == 0 {
		t.Fatalf("expected non-empty stack when marker never matches")
	}
}
