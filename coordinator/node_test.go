package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openformix/formix/formixerr"
	"github.com/openformix/formix/localstore"
	"github.com/openformix/formix/registry"
	"github.com/openformix/formix/transport"
	"github.com/openformix/formix/wire"
)

func newTestNode(t *testing.T) (*Node, registry.Store, localstore.Store) {
	t.Helper()
	reg := registry.NewMemoryStore()
	store := localstore.NewMemoryStore()
	n := New(Config{
		NodeID:   "c1",
		Registry: reg,
		Store:    store,
		Client:   transport.NewClient(transport.DefaultClientConfig()),
		Logger:   zerolog.Nop(),
	})
	return n, reg, store
}

func TestHandleShareRejectsDuplicateWithoutFailingComputation(t *testing.T) {
	n, _, store := newTestNode(t)
	cs := newComputationState("comp-1")
	cs.state = stateCollecting
	cs.deadline = time.Now().Add(time.Hour)
	n.computations["comp-1"] = cs

	err := n.handleShare(context.Background(), wire.SharePayload{CompID: "comp-1", ContributorID: "a", ShareValue: 5})
	require.NoError(t, err)

	err = n.handleShare(context.Background(), wire.SharePayload{CompID: "comp-1", ContributorID: "a", ShareValue: 99})
	require.NoError(t, err) // duplicate is logged and dropped, not an error to the caller

	v, err := store.GetShare("comp-1", "a")
	require.NoError(t, err)
	require.Equal(t, uint32(5), v) // first share retained
}

func TestHandleShareRejectsLateArrival(t *testing.T) {
	n, _, store := newTestNode(t)
	cs := newComputationState("comp-1")
	cs.state = stateCollecting
	cs.deadline = time.Now().Add(-time.Second)
	n.computations["comp-1"] = cs

	err := n.handleShare(context.Background(), wire.SharePayload{CompID: "comp-1", ContributorID: "a", ShareValue: 5})
	require.NoError(t, err)

	_, err = store.GetShare("comp-1", "a")
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestHandleShareUnknownComputationReturnsErr(t *testing.T) {
	n, _, _ := newTestNode(t)
	err := n.handleShare(context.Background(), wire.SharePayload{CompID: "ghost", ContributorID: "a", ShareValue: 5})
	require.ErrorIs(t, err, formixerr.ErrUnknownComputation)
}

func TestHandleInitTransitionsNonPrimaryStraightToCollecting(t *testing.T) {
	n, reg, _ := newTestNode(t)

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(primary.Close)

	require.NoError(t, reg.SaveNode(context.Background(), &registry.Node{
		ID: "c1", Role: registry.RoleCoordinator, Endpoint: primary.URL, Status: registry.NodeActive,
	}))

	err := n.handleInit(context.Background(), wire.InitPayload{
		CompID:       "comp-1",
		Coordinators: wire.CoordinatorTriple{"c1", "c2", "c3"},
		Deadline:     time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	cs, ok := n.stateFor("comp-1")
	require.True(t, ok)
	require.Equal(t, stateCollecting, cs.state)
	require.False(t, cs.isPrimary)

	// a non-primary is immediately ready to accept shares, unlike the
	// primary which must wait for both init_acks first.
	err = n.handleShare(context.Background(), wire.SharePayload{CompID: "comp-1", ContributorID: "a", ShareValue: 5})
	require.NoError(t, err)
}

func TestHandleInitAckWaitsForBothPeersBeforeBroadcasting(t *testing.T) {
	n, reg, _ := newTestNode(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, reg.SaveNode(context.Background(), &registry.Node{
			ID: id, Role: registry.RoleCoordinator, Endpoint: "http://" + id + ":0", Status: registry.NodeActive,
		}))
	}

	cs := newComputationState("comp-1")
	cs.isPrimary = true
	cs.coordinators = wire.CoordinatorTriple{"c1", "c2", "c3"}
	cs.deadline = time.Now().Add(time.Hour)
	cs.state = stateReady
	n.computations["comp-1"] = cs

	err := n.handleInitAck(context.Background(), "c2", wire.InitAckPayload{CompID: "comp-1", Ready: true})
	require.NoError(t, err)
	require.Equal(t, stateReady, cs.state, "one ack is not enough to broadcast")

	err = n.handleInitAck(context.Background(), "c3", wire.InitAckPayload{CompID: "comp-1", Ready: true})
	require.NoError(t, err)
	require.Equal(t, stateCollecting, cs.state, "both acks in should trigger announce and move to collecting")
}

func TestOnInitTimeoutFailsComputationWhenAcksMissing(t *testing.T) {
	n, reg, _ := newTestNode(t)
	require.NoError(t, reg.SaveComputation(context.Background(), &registry.Computation{
		ID: "comp-1", Coordinators: wire.CoordinatorTriple{"c1", "c2", "c3"}, Status: registry.CompPending,
	}))

	cs := newComputationState("comp-1")
	cs.isPrimary = true
	cs.coordinators = wire.CoordinatorTriple{"c1", "c2", "c3"}
	cs.state = stateReady
	n.computations["comp-1"] = cs

	n.onInitTimeout("comp-1")

	require.Equal(t, stateFailed, cs.state)
	comp, err := reg.GetComputation(context.Background(), "comp-1")
	require.NoError(t, err)
	require.Equal(t, registry.CompFailed, comp.Status)
	require.Equal(t, registry.FailureInitTimeout, comp.FailureReason)
}

func TestFinalizeWritesCompletedWhenThresholdMet(t *testing.T) {
	n, reg, store := newTestNode(t)
	require.NoError(t, store.PutShare("comp-1", "a", 3))
	require.NoError(t, store.PutShare("comp-1", "b", 5))

	require.NoError(t, reg.SaveComputation(context.Background(), &registry.Computation{
		ID: "comp-1", Coordinators: [3]string{"c1", "c2", "c3"}, MinParticipants: 2,
		Status: registry.CompRevealing,
	}))

	cs := newComputationState("comp-1")
	cs.isPrimary = true
	cs.minParticipants = 2
	cs.coordinators = wire.CoordinatorTriple{"c1", "c2", "c3"}
	cs.state = stateRevealing
	n.computations["comp-1"] = cs

	n.finalize(context.Background(), cs, []string{"a", "b"}, 7, 11)

	comp, err := reg.GetComputation(context.Background(), "comp-1")
	require.NoError(t, err)
	require.Equal(t, registry.CompCompleted, comp.Status)
	require.NotNil(t, comp.Result)
	require.Equal(t, uint32(3+5+7+11), *comp.Result)
	require.Equal(t, 2, *comp.Participants)
}

func TestFinalizeWritesFailedWhenBelowThreshold(t *testing.T) {
	n, reg, store := newTestNode(t)
	require.NoError(t, store.PutShare("comp-1", "a", 3))

	require.NoError(t, reg.SaveComputation(context.Background(), &registry.Computation{
		ID: "comp-1", Coordinators: [3]string{"c1", "c2", "c3"}, MinParticipants: 2,
		Status: registry.CompRevealing,
	}))

	cs := newComputationState("comp-1")
	cs.isPrimary = true
	cs.minParticipants = 2
	cs.coordinators = wire.CoordinatorTriple{"c1", "c2", "c3"}
	cs.state = stateRevealing
	n.computations["comp-1"] = cs

	n.finalize(context.Background(), cs, []string{"a"}, 0, 0)

	comp, err := reg.GetComputation(context.Background(), "comp-1")
	require.NoError(t, err)
	require.Equal(t, registry.CompFailed, comp.Status)
	require.Equal(t, registry.FailureThresholdNotMet, comp.FailureReason)
	require.Nil(t, comp.Result)
}
