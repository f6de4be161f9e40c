// Package ident implements the identifier and object-registry machinery that
// binds remote objects to proxies and servers on each side of a session.
package ident

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"
)

// Identifier is a 16-byte opaque, globally unique, process-independent
// handle. Equality is on the 16-byte value alone.
type Identifier [16]byte

// New mints a fresh, random Identifier.
func New() Identifier {
	var id Identifier
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read on the stdlib-provided Reader only fails if the
		// OS entropy source is unavailable, which is unrecoverable here.
		panic(fmt.Sprintf("ident: failed to mint identifier: %v", err))
	}
	return id
}

// IsZero reports whether id is the zero Identifier (never minted by New).
func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

func (id Identifier) String() string {
	return fmt.Sprintf("%x", id[:])
}

// VersionedIdentifier pairs an Identifier with the two version counters used
// to detect that a peer has re-bound the identifier (e.g. after an interface
// upgrade), invalidating any cached metadata keyed by it.
//
// localVersion increments whenever this side mints a new binding for ID.
// remoteVersion records the latest version observed from the peer. Both are
// accessed with atomics so a VersionedIdentifier may be shared across
// goroutines without an external lock.
type VersionedIdentifier struct {
	ID            Identifier
	localVersion  atomic.Uint32
	remoteVersion atomic.Uint32
}

// NewVersioned mints a fresh VersionedIdentifier with both versions at zero.
func NewVersioned() *VersionedIdentifier {
	return &VersionedIdentifier{ID: New()}
}

// LocalVersion returns the current local binding version.
func (v *VersionedIdentifier) LocalVersion() uint32 { return v.localVersion.Load() }

// RemoteVersion returns the last observed peer binding version.
func (v *VersionedIdentifier) RemoteVersion() uint32 { return v.remoteVersion.Load() }

// Rebind increments the local version, e.g. when this side re-exports a
// fresh object under the same Identifier.
func (v *VersionedIdentifier) Rebind() uint32 { return v.localVersion.Add(1) }

// UpdateRemoteVersion records the peer's latest version for this identifier,
// returning true if it differs from the previously recorded value (in which
// case any cache keyed by this identifier must be invalidated).
func (v *VersionedIdentifier) UpdateRemoteVersion(ver uint32) (changed bool) {
	prev := v.remoteVersion.Swap(ver)
	return prev != ver
}
