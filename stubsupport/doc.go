// Package stubsupport implements the per-object StubSupport contract and
// skeleton dispatch table described in spec.md §4.6: it's the layer a
// generated-at-runtime stub calls into to acquire a channel, write an
// invocation, and interpret the response, and the layer a Session uses on
// the receiving side to route an inbound invocation to the right Go method.
//
// There is no codegen here, by design (spec.md §9): a single concrete
// [ident.Proxy]-shaped stub type dispatches by selector through a
// [DispatchTable] built once from an [ident.RemoteInfo], rather than one
// generated Go type per remote interface.
package stubsupport
