package ident

import "encoding/gob"

// Identifier, its slice form, and *RemoteInfo all cross the wire as
// interface-typed values inside codec's gob-based object-graph payload
// (see codec.Output.putGob), so each must be registered once, per gob's
// usual requirement for concrete types stored in an interface.
func init() {
	gob.Register(Identifier{})
	gob.Register([]Identifier(nil))
	gob.Register(&RemoteInfo{})
}
