// Package transport implements the messaging substrate every node uses to
// talk to its peers: send (point-to-point, retried, circuit-broken),
// broadcast (bounded concurrent fan-out), and serve (an HTTP router with a
// bounded in-flight request count). Ordering: Client does not serialize
// sends per target, and nodes send from several goroutines (some without
// holding a computation state lock), so concurrent sends to the same target
// may arrive in any order.
package transport
