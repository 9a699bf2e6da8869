package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups that find no matching row.
var ErrNotFound = errors.New("registry: not found")

// ErrAlreadyExists is returned when a caller tries to create a row whose
// primary key (node id, computation id) or unique constraint (endpoint)
// already exists — registry writes are idempotent by rejecting, not
// silently overwriting, a second creation attempt.
var ErrAlreadyExists = errors.New("registry: already exists")

// Store is the process-wide registry: node records and computation
// records, readable and writable concurrently by every locally spawned
// node and by the façade. Implementations must serialize mutations that
// touch the same record and must be retry-safe for transient contention.
type Store interface {
	// SaveNode inserts a new node record. Returns ErrAlreadyExists if the
	// id is taken, or if endpoint collides with another active node.
	SaveNode(ctx context.Context, n *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	// UpdateNodeStatus performs an atomic status transition for one node.
	UpdateNodeStatus(ctx context.Context, id string, status NodeStatus) error
	// DeleteNode removes a node record entirely (confirmed teardown).
	DeleteNode(ctx context.Context, id string) error

	// SaveComputation inserts a new computation record. Returns
	// ErrAlreadyExists if the id is already registered — re-proposing the
	// same id is a no-op rejection, not a silent overwrite.
	SaveComputation(ctx context.Context, c *Computation) error
	GetComputation(ctx context.Context, id string) (*Computation, error)
	ListComputations(ctx context.Context) ([]*Computation, error)
	// UpdateComputationStatus transitions a computation's status and,
	// where applicable, its result/participants/failure reason, under a
	// per-record critical section.
	UpdateComputationStatus(ctx context.Context, id string, mutate func(c *Computation) error) error

	// AllocateEndpoint reserves host:port as belonging to a node under a
	// network-wide critical section (advisory lock for PostgresStore, a
	// plain mutex for MemoryStore — both give the same process-wide
	// critical section around endpoint reservation).
	AllocateEndpoint(ctx context.Context, fn func() (endpoint string, err error)) (string, error)

	Close() error
}
