package ident

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"time"
)

// MethodDescriptor describes one method of a remote interface, carrying the
// metadata that would otherwise live on annotations in the source system
// (@Asynchronous, @Batched, @Timeout, @Disposer). The annotation-level user
// API itself is out of scope (spec.md §1); this struct is the data it would
// have produced.
type MethodDescriptor struct {
	Name            string
	ParamTypes      []string
	ReturnType      string
	Throws          []string
	Asynchronous    bool
	Batched         bool
	Disposer        bool
	Ordered         bool
	Pipe            bool // requestReply-style: the call hands the caller a raw duplex Pipe instead of a single response
	TimeoutDefault  time.Duration // used only when TimeoutSet; <=0 means no timeout is scheduled
	TimeoutSet      bool
	TimeoutParamIdx int // index into ParamTypes of the explicit timeout override, or -1
}

// RemoteInfo is a serializable description of a remote interface: its fully
// qualified name, its super-interface names, and its per-method descriptors.
//
// RemoteInfo is deterministic for a given interface: Hash is computed
// purely from Name, Supers and Methods, so both peers derive an identical
// hash (and therefore identical cache keys) for the same logical type,
// without needing a round trip to agree on it.
type RemoteInfo struct {
	Name    string
	Supers  []string
	Methods []MethodDescriptor
}

// TypeID is the stable, content-addressed identifier of a RemoteInfo. Unlike
// Identifier (randomly minted, per-object), TypeID is a pure function of the
// RemoteInfo's contents, so it never needs to be exchanged to be agreed upon
// -- only the first full RemoteInfo payload does (see codec.MarshalledRemote).
type TypeID [32]byte

// Hash computes the deterministic TypeID for r.
func (r *RemoteInfo) Hash() TypeID {
	h := sha256.New()
	writeString(h, r.Name)

	supers := append([]string(nil), r.Supers...)
	sort.Strings(supers)
	binary.Write(h, binary.BigEndian, uint32(len(supers)))
	for _, s := range supers {
		writeString(h, s)
	}

	binary.Write(h, binary.BigEndian, uint32(len(r.Methods)))
	for _, m := range r.Methods {
		writeString(h, m.Name)
		binary.Write(h, binary.BigEndian, uint32(len(m.ParamTypes)))
		for _, p := range m.ParamTypes {
			writeString(h, p)
		}
		writeString(h, m.ReturnType)
		binary.Write(h, binary.BigEndian, uint32(len(m.Throws)))
		for _, t := range m.Throws {
			writeString(h, t)
		}
		writeBool(h, m.Asynchronous)
		writeBool(h, m.Batched)
		writeBool(h, m.Disposer)
		writeBool(h, m.Ordered)
		writeBool(h, m.Pipe)
		writeBool(h, m.TimeoutSet)
		binary.Write(h, binary.BigEndian, int64(m.TimeoutDefault))
	}

	var out TypeID
	copy(out[:], h.Sum(nil))
	return out
}

func writeString(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

func writeBool(h interface{ Write([]byte) (int, error) }, b bool) {
	if b {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
}

// MethodByName finds the descriptor for a named method, or reports ok=false.
func (r *RemoteInfo) MethodByName(name string) (m MethodDescriptor, ok bool) {
	for _, m := range r.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodDescriptor{}, false
}

// Selector returns the stable index of the named method within Methods,
// used as the wire "selector" (spec.md §6 wire frames). Selectors are
// positional, not hashed, since both peers derive RemoteInfo identically
// (invariant documented on RemoteInfo) and therefore agree on ordering.
func (r *RemoteInfo) Selector(name string) (sel uint32, ok bool) {
	for i, m := range r.Methods {
		if m.Name == name {
			return uint32(i), true
		}
	}
	return 0, false
}
