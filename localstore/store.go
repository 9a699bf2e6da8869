package localstore

import (
	"errors"
)

// ErrNotFound is returned by lookups that find no matching key.
var ErrNotFound = errors.New("localstore: not found")

// ErrDuplicateShare is returned by PutShare when a share already exists for
// the given (compID, contributorID) pair — the duplicate-share rejection a
// coordinator applies to a contributor that sends twice.
var ErrDuplicateShare = errors.New("localstore: duplicate share")

// Action records one step a node took for a computation, for local
// inspection/debugging; it is not part of any protocol exchange.
type Action struct {
	CompID string
	Seq    int
	Kind   string
	Detail string
}

// Response is the locally drawn value a contributor splits and shares for a
// given computation. contributor.Node writes it once and never reads it
// back; duplicate announces are filtered by its in-memory state instead.
type Response struct {
	CompID string
	Value  uint32
}

// PartialSum is a non-primary coordinator's restricted column sum for one
// computation, written each time it answers a reveal_request, plus the set
// of contributors counted in that sum.
type PartialSum struct {
	CompID       string
	Sum          uint32
	Contributors []string
}

// Store is the per-node store: shares received as a coordinator, a
// contributor's own drawn response, a coordinator's partial sum, and an
// action log. Implementations are safe for concurrent calls; Store adds no
// per-computation locking of its own.
type Store interface {
	// PutShare records a contributor's share for (compID, contributorID).
	// Returns ErrDuplicateShare if a share already exists for that pair.
	PutShare(compID, contributorID string, share uint32) error
	GetShare(compID, contributorID string) (uint32, error)
	ListShares(compID string) (map[string]uint32, error)

	PutResponse(compID string, r Response) error
	GetResponse(compID string) (Response, error)

	PutPartialSum(compID string, ps PartialSum) error
	GetPartialSum(compID string) (PartialSum, error)

	AppendAction(a Action) error
	ListActions(compID string) ([]Action, error)

	// DeleteComputation removes every key namespaced under compID. The
	// coordinator and contributor nodes do not call it.
	DeleteComputation(compID string) error

	Close() error
}
