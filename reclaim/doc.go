// Package reclaim drives the distributed garbage collection loop described
// in spec.md §4.8: one side's weak table sheds an entry once the Go runtime
// proves the corresponding Proxy is unreachable, and the other side's
// matching skeleton must eventually be dropped too. Two halves make up the
// loop:
//
//   - Drain batches ident.Identifier values arriving on a registry's
//     ReclaimQueue and forwards them to the peer via a DisposedBatch call.
//   - HandlePeerDisposedBatch applies an inbound DisposedBatch on the
//     receiving side, removing skeletons and evicting type metadata whose
//     last instance is gone.
package reclaim
