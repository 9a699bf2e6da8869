package contributor

import (
	"sync"

	"github.com/openformix/formix/wire"
)

// state is one computation's position in the contributor state machine:
// idle -> responding -> sharing -> done | failed.
type state string

const (
	stateIdle       state = "idle"
	stateResponding state = "responding"
	stateSharing    state = "sharing"
	stateDone       state = "done"
	stateFailed     state = "failed"
)

// deliveryStatus tracks one share's delivery outcome to its target
// coordinator.
type deliveryStatus string

const (
	deliveryPending   deliveryStatus = "pending"
	deliveryDelivered deliveryStatus = "delivered"
	deliveryFailed    deliveryStatus = "failed"
)

// computationState is the contributor-side working state for one
// computation, serialized by mu — the per-computation state lock.
type computationState struct {
	mu sync.Mutex

	id           string
	state        state
	coordinators wire.CoordinatorTriple
	prompt       string

	deliveries map[string]deliveryStatus // coordinator endpoint -> status
}

func newComputationState(id string) *computationState {
	return &computationState{
		id:         id,
		state:      stateIdle,
		deliveries: make(map[string]deliveryStatus),
	}
}
