package ident

import (
	"runtime"
	"sync"
	"weak"
)

// Proxy is the concrete, uniform representation of every client-side stub.
// Because method dispatch happens through a tagged RemoteInfo-indexed switch
// (see spec.md §9's "Dynamic proxy generation" design note) rather than
// through per-interface generated code, every stub in this system shares
// this one pointer type. That uniformity is also exactly what the weak
// table below needs: [weak.Pointer] is only type-safe over a single
// concrete type, so having one stub shape means the registry can track
// reachability directly, with no type-erasure tricks.
//
// Support is typed any (rather than a concrete StubSupport type) to avoid
// an import cycle between ident and the stubsupport package; callers type
// assert it back to their own StubSupport interface.
type Proxy struct {
	ID      Identifier
	TypeObj TypeID
	Support any
}

// ReclaimQueue is the channel a weakly-held Proxy's Identifier is pushed
// onto once the Go runtime has determined the Proxy is unreachable. It
// stands in for the source system's ReferenceQueue; the reclaim package is
// the single drainer, per spec.md §4.3's invariant.
type ReclaimQueue = chan Identifier

// ObjectRegistry is the per-side registry described in spec.md §3: a strong
// table of skeletons, a weak table of stub Proxy values, and a strong table
// of type descriptors (RemoteInfo) keyed by TypeID.
//
// The zero value is not usable; construct with NewObjectRegistry.
type ObjectRegistry struct {
	queue ReclaimQueue

	mu       sync.Mutex
	strong   map[Identifier]any
	weak     map[Identifier]weak.Pointer[Proxy]
	versions map[Identifier]*VersionedIdentifier
	types    map[TypeID]*RemoteInfo

	// typeOf/typeUse track, per exported skeleton, which TypeID it was bound
	// under and how many live skeletons currently share that TypeID. Peer
	// receipt of a DisposedBatch (spec.md §4.8) decrements typeUse on each
	// id it removes, evicting the cached RemoteInfo once a type's count
	// reaches zero.
	typeOf  map[Identifier]TypeID
	typeUse map[TypeID]int
}

// NewObjectRegistry constructs an ObjectRegistry. queue is the channel
// collected Proxy identifiers are pushed to; it must be read by a single
// drainer (the reclaim package) to satisfy spec.md §4.3's invariant that the
// weak table's entries are only collected once the reference queue has been
// drained. queue may be nil in tests that don't exercise reclamation.
func NewObjectRegistry(queue ReclaimQueue) *ObjectRegistry {
	return &ObjectRegistry{
		queue:    queue,
		strong:   make(map[Identifier]any),
		weak:     make(map[Identifier]weak.Pointer[Proxy]),
		versions: make(map[Identifier]*VersionedIdentifier),
		types:    make(map[TypeID]*RemoteInfo),
		typeOf:   make(map[Identifier]TypeID),
		typeUse:  make(map[TypeID]int),
	}
}

// IdentifySkeleton interns obj into the strong table, assigning a fresh
// VersionedIdentifier on first sight. Unlike the weak/Proxy path, a plain
// map lookup by identity isn't meaningful for arbitrary exported values (an
// exported object may not be comparable), so the caller is expected to
// supply the Identifier it wants to (re)bind under -- export sites mint one
// once, via ident.New, and reuse it for the object's lifetime.
func (r *ObjectRegistry) IdentifySkeleton(id Identifier, obj any) *VersionedIdentifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok {
		v = &VersionedIdentifier{ID: id}
		r.versions[id] = v
	}
	r.strong[id] = obj
	return v
}

// RegisterStub associates id with a freshly constructed Proxy, tracked
// weakly. If id is already mapped to a live Proxy, that existing Proxy is
// returned instead, so concurrent deserializations of the same
// MarshalledRemote converge on one instance (spec.md §4.3, §8 property 3).
func (r *ObjectRegistry) RegisterStub(id Identifier, newProxy func() *Proxy) *Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wp, ok := r.weak[id]; ok {
		if p := wp.Value(); p != nil {
			return p
		}
	}

	p := newProxy()
	p.ID = id

	if _, ok := r.versions[id]; !ok {
		r.versions[id] = &VersionedIdentifier{ID: id}
	}

	r.weak[id] = weak.Make(p)
	queue := r.queue
	runtime.AddCleanup(p, func(i Identifier) {
		if queue != nil {
			queue <- i
		}
	}, id)

	return p
}

// TryRetrieve looks up id without creating a new binding. For a skeleton it
// returns the exported object; for a stub it returns the live *Proxy (or
// nil if it has already been collected but not yet reclaimed).
func (r *ObjectRegistry) TryRetrieve(id Identifier) (obj any, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, found := r.strong[id]; found {
		return v, true
	}
	if wp, found := r.weak[id]; found {
		if p := wp.Value(); p != nil {
			return p, true
		}
	}
	return nil, false
}

// UpdateRemoteVersion records the peer's latest version for id and reports
// whether it differs from the previously recorded value. It does not touch
// the type cache: cached RemoteInfo is dropped only by ReleaseSkeletonType
// or EvictType.
func (r *ObjectRegistry) UpdateRemoteVersion(id Identifier, ver uint32) (changed bool) {
	r.mu.Lock()
	v, ok := r.versions[id]
	if !ok {
		v = &VersionedIdentifier{ID: id}
		r.versions[id] = v
	}
	r.mu.Unlock()
	return v.UpdateRemoteVersion(ver)
}

// RemoveSkeleton removes id from the strong table (explicit dispose, session
// close, or peer-notified reclamation per spec.md §4.8). Reports whether a
// skeleton was actually present.
func (r *ObjectRegistry) RemoveSkeleton(id Identifier) (obj any, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok = r.strong[id]
	if ok {
		delete(r.strong, id)
	}
	return obj, ok
}

// BindSkeletonType records that the skeleton at id was exported as typeID,
// incrementing that type's live-instance counter. Export sites call this
// once, alongside IdentifySkeleton, so that peer-receipt reclamation
// (ReleaseSkeletonType) can later tell when a type's last instance is gone.
func (r *ObjectRegistry) BindSkeletonType(id Identifier, typeID TypeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.typeOf[id]; ok {
		if prev == typeID {
			return
		}
		r.typeUse[prev]--
	}
	r.typeOf[id] = typeID
	r.typeUse[typeID]++
}

// ReleaseSkeletonType implements the peer-receipt half of spec.md §4.8: for
// an id named in an incoming DisposedBatch, remove its skeleton, decrement
// the owning type's live-instance counter, and evict the cached RemoteInfo
// once that counter reaches zero (forcing a fresh RemoteInfo exchange on the
// type's next first-use). Reports the TypeID evicted, if any.
func (r *ObjectRegistry) ReleaseSkeletonType(id Identifier) (evictedType TypeID, evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.strong, id)

	typeID, ok := r.typeOf[id]
	if !ok {
		return TypeID{}, false
	}
	delete(r.typeOf, id)

	r.typeUse[typeID]--
	if r.typeUse[typeID] > 0 {
		return TypeID{}, false
	}
	delete(r.typeUse, typeID)
	delete(r.types, typeID)
	return typeID, true
}

// TypeOf reports the TypeID a skeleton was bound under via BindSkeletonType.
func (r *ObjectRegistry) TypeOf(id Identifier) (TypeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.typeOf[id]
	return t, ok
}

// PutType registers info, keyed by its own deterministic Hash, returning the
// TypeID it was stored under. Re-registering an equal RemoteInfo is a no-op.
func (r *ObjectRegistry) PutType(info *RemoteInfo) TypeID {
	id := info.Hash()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[id]; !ok {
		r.types[id] = info
	}
	return id
}

// GetType looks up a previously registered RemoteInfo by TypeID.
func (r *ObjectRegistry) GetType(id TypeID) (*RemoteInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.types[id]
	return info, ok
}

// EvictType drops a cached RemoteInfo, forcing the next first-use to request
// it fresh from the peer (spec.md §4.8, a type's per-instance counter
// reaching zero).
func (r *ObjectRegistry) EvictType(id TypeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.types, id)
}

// Len reports the number of live strong (skeleton) and weak (stub) table
// entries, for tests and diagnostics (e.g. "skeleton count returns to
// baseline" in spec.md §8's Echo scenario). The weak count includes entries
// whose Proxy has already been collected but not yet reclaimed by the
// reclaim package.
func (r *ObjectRegistry) Len() (strongLen, weakLen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.strong), len(r.weak)
}

// ForgetWeak drops the weak-table bookkeeping for id once reclamation has
// notified the peer.
func (r *ObjectRegistry) ForgetWeak(id Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.weak, id)
	delete(r.versions, id)
}
