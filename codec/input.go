package codec

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/joeycumines/go-dirmi/ident"
	"github.com/joeycumines/go-dirmi/wire"
)

// ErrUnknownType is returned by GetValue when a remote-object reference
// names a type whose RemoteInfo was not inlined earlier in this Input's
// stream, and the caller's resolveType callback is nil or can't supply one
// either.
var ErrUnknownType = errors.New("codec: unknown remote type, and no RemoteInfo available")

// Input is the object-graph read side of codec, the mirror of Output.
type Input struct {
	r *wire.Reader

	resolveLocal SkeletonResolver
	resolveType  func(typeID ident.TypeID) (*ident.RemoteInfo, error)
	buildStub    StubFactory
	rememberType func(typeID ident.TypeID, info *ident.RemoteInfo)

	// known holds the RemoteInfo read inline so far, for later references
	// to the same type in this stream.
	known map[ident.TypeID]*ident.RemoteInfo
}

// NewInput wraps r. resolveLocal maps an ObjID back to a locally-exported
// skeleton object when present (so a remote object that "round-trips" back
// to its origin peer deserializes as the original Go value, not a stub
// wrapping a loopback connection). resolveType, which may be nil, fetches
// RemoteInfo for a type this Input has not read inline.
// buildStub constructs the client-side stub once RemoteInfo is known.
// rememberType caches a freshly-learned RemoteInfo for subsequent uses.
func NewInput(
	r *wire.Reader,
	resolveLocal SkeletonResolver,
	resolveType func(ident.TypeID) (*ident.RemoteInfo, error),
	buildStub StubFactory,
	rememberType func(ident.TypeID, *ident.RemoteInfo),
) *Input {
	return &Input{
		r:            r,
		resolveLocal: resolveLocal,
		resolveType:  resolveType,
		buildStub:    buildStub,
		rememberType: rememberType,
	}
}

// GetValue reads one value previously written by Output.PutValue.
func (in *Input) GetValue() (any, error) {
	tag, err := in.r.GetByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagRemote:
		return in.getRemote()
	case tagValue:
		return in.getGob()
	default:
		return nil, fmt.Errorf("codec: unrecognized value tag %d", tag)
	}
}

func (in *Input) getRemote() (any, error) {
	rawID, err := in.r.GetIdentifier()
	if err != nil {
		return nil, err
	}
	id := ident.Identifier(rawID)

	typeIDBytes, ok, err := in.r.GetBytes()
	if err != nil {
		return nil, err
	}
	if !ok || len(typeIDBytes) != len(ident.TypeID{}) {
		return nil, fmt.Errorf("codec: malformed remote type id")
	}
	var typeID ident.TypeID
	copy(typeID[:], typeIDBytes)

	firstUse, err := in.r.GetBool()
	if err != nil {
		return nil, err
	}

	var info *ident.RemoteInfo
	if firstUse {
		info, err = in.getRemoteInfo()
		if err != nil {
			return nil, err
		}
		if in.known == nil {
			in.known = make(map[ident.TypeID]*ident.RemoteInfo)
		}
		in.known[typeID] = info
		if in.rememberType != nil {
			in.rememberType(typeID, info)
		}
	}

	if in.resolveLocal != nil {
		if obj, ok := in.resolveLocal(id); ok {
			return obj, nil
		}
	}

	if info == nil {
		info = in.known[typeID]
	}
	if info == nil {
		if in.resolveType == nil {
			return nil, ErrUnknownType
		}
		info, err = in.resolveType(typeID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnknownType, err)
		}
	}

	if in.buildStub == nil {
		return nil, fmt.Errorf("codec: no StubFactory configured")
	}
	return in.buildStub(id, typeID, info)
}

func (in *Input) getRemoteInfo() (*ident.RemoteInfo, error) {
	raw, ok, err := in.r.GetBytes()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("codec: missing RemoteInfo payload")
	}
	var info ident.RemoteInfo
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&info); err != nil {
		return nil, fmt.Errorf("codec: decoding RemoteInfo: %w", err)
	}
	return &info, nil
}

func (in *Input) getGob() (any, error) {
	raw, ok, err := in.r.GetBytes()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var v any
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return nil, fmt.Errorf("codec: decoding value: %w", err)
	}
	return v, nil
}
