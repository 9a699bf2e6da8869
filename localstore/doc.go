// Package localstore implements the per-node store: shares and partial sums
// held by a coordinator, the response drawn by a contributor, and the action
// log each node keeps for its own computations.
//
// Most writes happen under the owning node's per-computation state lock,
// but not all: a coordinator's partial sum and a contributor's response are
// written outside it. Both implementations are safe for concurrent use on
// their own: BadgerStore through Badger transactions, MemoryStore (a
// mutex-guarded map variant used by tests) through its mutex.
package localstore
