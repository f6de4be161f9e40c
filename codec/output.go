package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/joeycumines/go-dirmi/ident"
	"github.com/joeycumines/go-dirmi/wire"
)

// Value tags, written ahead of every PutValue payload.
const (
	tagNil uint8 = iota
	tagRemote
	tagValue
)

// Output is the object-graph write side of codec, layered on a wire.Writer.
// It tracks, in its seen map, which Remote types have already had their
// RemoteInfo sent across the wire, so a type's RemoteInfo is written only
// with its first reference. The map belongs to this Output alone unless the
// caller shares one between Outputs via NewOutput.
type Output struct {
	w          *wire.Writer
	resolveInfo func(typeID ident.TypeID) (*ident.RemoteInfo, error)

	mu   sync.Mutex
	seen map[ident.TypeID]bool
}

// NewOutput wraps w. seen may be nil (a fresh type-cache is allocated for
// this Output alone); pass the same map to several Outputs to share the
// "first use" tracking between them. resolveInfo looks up the RemoteInfo
// for a Remote's type (via the local object registry) the first time that
// type is written through the seen map.
func NewOutput(w *wire.Writer, seen map[ident.TypeID]bool, resolveInfo func(ident.TypeID) (*ident.RemoteInfo, error)) *Output {
	if seen == nil {
		seen = make(map[ident.TypeID]bool)
	}
	return &Output{w: w, seen: seen, resolveInfo: resolveInfo}
}

// PutValue writes v, substituting a MarshalledRemote for anything
// implementing Remote and falling back to gob for everything else.
func (o *Output) PutValue(v any) error {
	if v == nil {
		return o.w.PutByte(tagNil)
	}
	if rem, ok := v.(Remote); ok {
		return o.putRemote(rem)
	}
	return o.putGob(v)
}

func (o *Output) putRemote(rem Remote) error {
	if err := o.w.PutByte(tagRemote); err != nil {
		return err
	}
	id := rem.RemoteID()
	typeID := rem.RemoteType()
	if err := o.w.PutIdentifier([16]byte(id)); err != nil {
		return err
	}
	if err := o.w.PutBytes(typeID[:]); err != nil {
		return err
	}

	o.mu.Lock()
	firstUse := !o.seen[typeID]
	if firstUse {
		o.seen[typeID] = true
	}
	o.mu.Unlock()

	if err := o.w.PutBool(firstUse); err != nil {
		return err
	}
	if !firstUse {
		return nil
	}

	if o.resolveInfo == nil {
		return fmt.Errorf("codec: first use of type %x with no RemoteInfo resolver configured", typeID)
	}
	info, err := o.resolveInfo(typeID)
	if err != nil {
		return fmt.Errorf("codec: resolving RemoteInfo for %x: %w", typeID, err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(info); err != nil {
		return fmt.Errorf("codec: encoding RemoteInfo: %w", err)
	}
	return o.w.PutBytes(buf.Bytes())
}

func (o *Output) putGob(v any) error {
	if err := o.w.PutByte(tagValue); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return fmt.Errorf("codec: encoding value: %w", err)
	}
	return o.w.PutBytes(buf.Bytes())
}

// Flush pushes any buffered writes out via the underlying transport.
func (o *Output) Flush() error { return o.w.Flush() }
