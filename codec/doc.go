// Package codec layers object-graph marshalling and remote-object
// substitution on top of the wire package's primitive framing, per
// spec.md §4.4. It owns two concerns: Output/Input (arbitrary argument and
// result values, substituting a MarshalledRemote for anything implementing
// Remote) and the Throwable transport (the peer-failure wire format).
package codec
