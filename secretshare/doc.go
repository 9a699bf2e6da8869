// Package secretshare implements the three-party additive secret-sharing
// primitive used throughout formix: splitting a private value into three
// shares that individually reveal nothing about it, and reconstructing the
// value from all three shares.
//
// All arithmetic is modulo M = 2^32. These are pure functions: no I/O, no
// persistence, no network. Callers (contributor.Node, coordinator.Node)
// own the job of moving shares between processes and storing them.
package secretshare
