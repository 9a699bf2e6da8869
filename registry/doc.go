// Package registry implements the process-wide, shared registry store: the
// single source of truth for node endpoints/status and computation results.
//
// Two Store implementations are provided. PostgresStore persists to
// PostgreSQL via database/sql and lib/pq, giving durable write-ahead
// semantics, a bounded connection pool, and cross-process advisory locking
// for endpoint allocation. MemoryStore is a mutex-guarded in-process map,
// suitable for tests and for single-binary demos that don't want an
// external database dependency; it satisfies the same Store interface so
// callers never need to know which backend they're talking to.
package registry
