// Package dirmi is a bidirectional RMI session runtime: each side of a
// connection can both export objects (skeletons) for the other to call and
// hold references to the other's exports (stubs), over a pool of duplex
// byte channels multiplexed onto one or more transports.
//
// There is no code generation step. An exported interface is described by
// hand-written ident.RemoteInfo/MethodDescriptor values and a
// stubsupport.DispatchTable binding selectors to methods, the same way
// admin.go does it for the session's own built-in Admin object -- see
// NewSkeleton and the Exports type passed to Connect.
//
// A Session's lifecycle is: Connect (handshake, exchanging each side's
// named exports), then Lookup/Receive to resolve the peer's exports into
// Stub values, Stub.Call to invoke methods, and Close to tear the session
// down. Distributed reclamation (weak references on the stub side driving
// disposal notifications to the skeleton side) and a heartbeat liveness
// check both run automatically in the background for the life of the
// Session.
package dirmi
