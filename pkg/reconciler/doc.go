// Package reconciler keeps the inventory store coherent with reality.
//
// Every cycle lists the stored records and the live cloud nodes of the
// desired stack, then corrects drift:
//
//   - orphaned: stored but no longer live, the record is deleted
//   - missing: live but not stored, the record is inserted
//   - mismatched: address or lifecycle state differ, the live values win
//
// Records owned by another stack are left alone. When either side cannot
// be listed the cycle is skipped without writing. Each cycle also probes
// the SSH port of the edge node and of every live node and publishes the
// result; probes never change records.
//
// Run drives cycles on a fixed interval until its context ends. SetSpec
// swaps the desired stack between cycles, which is how a reloaded
// configuration file takes effect.
package reconciler
