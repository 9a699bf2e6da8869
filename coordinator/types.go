package coordinator

import (
	"sync"
	"time"

	"github.com/openformix/formix/wire"
)

// state is one computation's position in the coordinator state machine:
// uninitialized -> ready -> broadcasting -> collecting -> revealing ->
// finalized, with failed absorbing from any non-terminal state.
type state string

const (
	stateUninitialized state = "uninitialized"
	stateReady         state = "ready"
	stateBroadcasting  state = "broadcasting"
	stateCollecting    state = "collecting"
	stateRevealing     state = "revealing"
	stateFinalized     state = "finalized"
	stateFailed        state = "failed"
)

// computationState is the coordinator-side working state for one
// computation. Every mutation happens under mu, which is the per-computation
// per-computation state lock — distinct computations never contend on it.
type computationState struct {
	mu sync.Mutex

	id              string
	state           state
	isPrimary       bool
	coordinators    wire.CoordinatorTriple
	proposerID      string
	prompt          string
	schemaTag       string
	deadline        time.Time
	minParticipants int

	initAcked     map[string]bool
	deadlineTimer *time.Timer
	initTimer     *time.Timer

	// revealRound and lastProposed drive the two-round reveal exchange a
	// primary runs to guarantee every partial sum is ultimately restricted
	// to the same final aligned set, not just to the primary's own P1 (see
	// the startReveal doc comment for why one round is not enough).
	revealRound   int
	lastProposed  []string
	revealReplies map[string]wire.PartialSumPayload // keyed by coordinator id, reset each round

	actionSeq int
}

func newComputationState(id string) *computationState {
	return &computationState{
		id:            id,
		state:         stateUninitialized,
		initAcked:     make(map[string]bool),
		revealReplies: make(map[string]wire.PartialSumPayload),
	}
}
