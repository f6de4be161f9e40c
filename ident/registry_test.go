package ident

import (
	"sync"
	"testing"
)

func TestVersionedIdentifier_UpdateRemoteVersion(t *testing.T) {
	v := NewVersioned()
	if v.RemoteVersion() != 0 {
		t.Fatalf("expected zero remote version")
	}
	if changed := v.UpdateRemoteVersion(0); changed {
		t.Fatalf("expected no change for identical version")
	}
	if changed := v.UpdateRemoteVersion(1); !changed {
		t.Fatalf("expected change when version differs")
	}
	if v.RemoteVersion() != 1 {
		t.Fatalf("remote version not recorded")
	}
}

func TestVersionedIdentifier_Rebind(t *testing.T) {
	v := NewVersioned()
	if v.Rebind() != 1 {
		t.Fatalf("expected first rebind to yield version 1")
	}
	if v.LocalVersion() != 1 {
		t.Fatalf("local version not updated")
	}
}

// TestObjectRegistry_RegisterStub_AtMostOnce exercises spec.md §8 property 3:
// across N concurrent "deserializations" of the same identifier, exactly one
// Proxy is registered and returned to all callers.
func TestObjectRegistry_RegisterStub_AtMostOnce(t *testing.T) {
	reg := NewObjectRegistry(make(ReclaimQueue, 16))
	id := New()

	const n = 64
	results := make([]*Proxy, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range results {
		i := i
		go func() {
			defer wg.Done()
			results[i] = reg.RegisterStub(id, func() *Proxy { return &Proxy{} })
		}()
	}
	wg.Wait()

	first := results[0]
	for i, p := range results {
		if p != first {
			t.Fatalf("result %d: got a different Proxy instance, want the same pointer for all callers", i)
		}
	}

	if _, found := reg.TryRetrieve(id); !found {
		t.Fatalf("expected registered proxy to be retrievable")
	}
}

func TestObjectRegistry_SkeletonLifecycle(t *testing.T) {
	reg := NewObjectRegistry(nil)
	id := New()

	type echo struct{ name string }
	obj := &echo{name: "svc"}

	reg.IdentifySkeleton(id, obj)

	got, ok := reg.TryRetrieve(id)
	if !ok || got.(*echo) != obj {
		t.Fatalf("expected to retrieve the registered skeleton")
	}

	strongLen, _ := reg.Len()
	if strongLen != 1 {
		t.Fatalf("expected one strong entry, got %d", strongLen)
	}

	removed, ok := reg.RemoveSkeleton(id)
	if !ok || removed.(*echo) != obj {
		t.Fatalf("expected RemoveSkeleton to return the removed object")
	}

	if _, ok := reg.TryRetrieve(id); ok {
		t.Fatalf("expected skeleton to be gone after RemoveSkeleton")
	}
}

func TestObjectRegistry_TypeCache(t *testing.T) {
	reg := NewObjectRegistry(nil)
	info := &RemoteInfo{Name: "pkg.Echo", Methods: []MethodDescriptor{{Name: "Echo"}}}

	id := reg.PutType(info)
	got, ok := reg.GetType(id)
	if !ok || got != info {
		t.Fatalf("expected to retrieve the exact same RemoteInfo pointer")
	}

	reg.EvictType(id)
	if _, ok := reg.GetType(id); ok {
		t.Fatalf("expected eviction to remove the cached type")
	}
}

func TestRemoteInfo_HashDeterministic(t *testing.T) {
	a := &RemoteInfo{
		Name:   "pkg.Echo",
		Supers: []string{"pkg.Base"},
		Methods: []MethodDescriptor{
			{Name: "Echo", ParamTypes: []string{"string"}, ReturnType: "string"},
		},
	}
	b := &RemoteInfo{
		Name:   "pkg.Echo",
		Supers: []string{"pkg.Base"},
		Methods: []MethodDescriptor{
			{Name: "Echo", ParamTypes: []string{"string"}, ReturnType: "string"},
		},
	}
	if a.Hash() != b.Hash() {
		t.Fatalf("expected identical RemoteInfo values to hash identically")
	}

	c := &RemoteInfo{Name: "pkg.Other"}
	if a.Hash() == c.Hash() {
		t.Fatalf("expected distinct RemoteInfo values to hash differently")
	}
}
