// Package codec implements the object-graph payload layer described in
// spec.md §4.4: primitive/string framing comes from the wire package, and
// codec adds remote-object substitution plus Throwable transport on top.
package codec

import (
	"github.com/joeycumines/go-dirmi/ident"
)

// Remote is implemented by every client-side stub and server-side skeleton
// wrapper that codec must substitute with a MarshalledRemote on the wire,
// instead of attempting to gob-encode it directly.
type Remote interface {
	RemoteID() ident.Identifier
	RemoteType() ident.TypeID
}

// MarshalledRemote is the wire representation of a Remote value: an object
// identifier, its type's hash, and (only on the first cross-wire use of
// that type this session) the full RemoteInfo describing its methods.
type MarshalledRemote struct {
	ObjID  ident.Identifier
	TypeID ident.TypeID
	Info   *ident.RemoteInfo // nil unless this is the type's first use
}

// StubFactory builds a local client-side stub for a remote object
// identified by id, given its type's RemoteInfo. Supplied by the dirmi
// package (an external collaborator of codec, per spec.md §1) so codec
// itself stays agnostic of StubSupport/dispatch-table wiring.
type StubFactory func(id ident.Identifier, typeID ident.TypeID, info *ident.RemoteInfo) (any, error)

// SkeletonResolver looks up the original local object for an ObjID that
// names one of this session's own exported skeletons, e.g. when a remote
// object reference "round-trips" back to its origin.
type SkeletonResolver func(id ident.Identifier) (obj any, ok bool)
