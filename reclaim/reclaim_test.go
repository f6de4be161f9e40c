package reclaim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-dirmi/ident"
)

func TestDrain_BatchesBySize(t *testing.T) {
	queue := make(chan ident.Identifier, 16)
	var mu sync.Mutex
	var sent [][]ident.Identifier
	send := func(ids []ident.Identifier) error {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]ident.Identifier(nil), ids...)
		sent = append(sent, cp)
		return nil
	}

	d := New(queue, send, WithBatchSize(3), WithPartialTimeout(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := 0; i < 3; i++ {
		queue <- ident.New()
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a full batch to be sent")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	if len(sent) != 1 || len(sent[0]) != 3 {
		mu.Unlock()
		t.Fatalf("expected one batch of 3, got %v", sent)
	}
	mu.Unlock()

	cancel()
	<-done
}

func TestDrain_PartialTimeoutFlushesShortBatch(t *testing.T) {
	queue := make(chan ident.Identifier, 16)
	var mu sync.Mutex
	var sent [][]ident.Identifier
	send := func(ids []ident.Identifier) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, append([]ident.Identifier(nil), ids...))
		return nil
	}

	d := New(queue, send, WithBatchSize(100), WithPartialTimeout(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() { cancel(); <-done }()

	id := ident.New()
	queue <- id

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for partial-timeout flush")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || len(sent[0]) != 1 || sent[0][0] != id {
		t.Fatalf("expected a single-element batch containing %v, got %v", id, sent)
	}
}

func TestDrain_StopsOnQueueClose(t *testing.T) {
	queue := make(chan ident.Identifier)
	send := func(ids []ident.Identifier) error { return nil }
	d := New(queue, send)

	close(queue)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("expected nil error on closed queue, got %v", err)
	}
}

func TestDrain_PropagatesContextCancellation(t *testing.T) {
	queue := make(chan ident.Identifier)
	send := func(ids []ident.Identifier) error { return nil }
	d := New(queue, send, WithPartialTimeout(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHandlePeerDisposedBatch_EvictsTypeAtZero(t *testing.T) {
	registry := ident.NewObjectRegistry(nil)

	typeID := registry.PutType(&ident.RemoteInfo{Name: "Widget"})

	idA := ident.New()
	idB := ident.New()
	registry.IdentifySkeleton(idA, "a")
	registry.IdentifySkeleton(idB, "b")
	registry.BindSkeletonType(idA, typeID)
	registry.BindSkeletonType(idB, typeID)

	HandlePeerDisposedBatch(registry, []ident.Identifier{idA}, nil)

	if _, ok := registry.GetType(typeID); !ok {
		t.Fatal("expected type info to survive while one instance remains")
	}
	if _, ok := registry.TryRetrieve(idA); ok {
		t.Fatal("expected skeleton idA to be removed")
	}

	HandlePeerDisposedBatch(registry, []ident.Identifier{idB}, nil)

	if _, ok := registry.GetType(typeID); ok {
		t.Fatal("expected type info to be evicted once the last instance is disposed")
	}
}

func TestHandlePeerDisposedBatch_UnknownIDIsNoop(t *testing.T) {
	registry := ident.NewObjectRegistry(nil)
	HandlePeerDisposedBatch(registry, []ident.Identifier{ident.New()}, nil)
}
