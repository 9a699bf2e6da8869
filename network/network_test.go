package network

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openformix/formix/coordinator"
	"github.com/openformix/formix/contributor"
	"github.com/openformix/formix/formixerr"
	"github.com/openformix/formix/localstore"
	"github.com/openformix/formix/node"
	"github.com/openformix/formix/registry"
	"github.com/openformix/formix/transport"
	"github.com/openformix/formix/wire"
)

func testNetwork(t *testing.T) *Network {
	t.Helper()
	n, err := New(Config{
		Logger:             zerolog.Nop(),
		HealthCheckTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })
	return n
}

func fixedValuePolicy(v uint32) contributor.ResponsePolicy {
	return contributor.NewFixedPolicy(v)
}

// scenario 1: three contributors, k=1, all deliveries succeed.
func TestScenarioThreeContributorsAllDeliver(t *testing.T) {
	ctx := context.Background()
	n := testNetwork(t)
	require.NoError(t, n.StartNetwork(ctx, 3))
	setContributorValues(t, n, []uint32{11, 20, 72})

	compID, err := n.ProposeComputation(ctx, "sum raw values", 3*time.Second, 1)
	require.NoError(t, err)

	view, err := n.AwaitResult(ctx, compID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, registry.CompCompleted, view.Status)
	require.NotNil(t, view.Result)
	require.Equal(t, uint32(103), *view.Result)
	require.NotNil(t, view.ParticipantsCount)
	require.Equal(t, 3, *view.ParticipantsCount)
}

// scenario 2: single contributor, k=1.
func TestScenarioSingleContributor(t *testing.T) {
	ctx := context.Background()
	n := testNetwork(t)
	require.NoError(t, n.StartNetwork(ctx, 1))
	setContributorValues(t, n, []uint32{54})

	compID, err := n.ProposeComputation(ctx, "sum raw values", 3*time.Second, 1)
	require.NoError(t, err)

	view, err := n.AwaitResult(ctx, compID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, registry.CompCompleted, view.Status)
	require.Equal(t, uint32(54), *view.Result)
	require.Equal(t, 1, *view.ParticipantsCount)
}

// scenario 3: two contributors, k=2.
func TestScenarioTwoContributorsThresholdMet(t *testing.T) {
	ctx := context.Background()
	n := testNetwork(t)
	require.NoError(t, n.StartNetwork(ctx, 2))
	setContributorValues(t, n, []uint32{25, 75})

	compID, err := n.ProposeComputation(ctx, "sum raw values", 3*time.Second, 2)
	require.NoError(t, err)

	view, err := n.AwaitResult(ctx, compID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, registry.CompCompleted, view.Status)
	require.Equal(t, uint32(100), *view.Result)
	require.Equal(t, 2, *view.ParticipantsCount)
}

// scenario 4: two contributors, k=3, deadline elapses before threshold met.
func TestScenarioThresholdNotMet(t *testing.T) {
	ctx := context.Background()
	n := testNetwork(t)
	require.NoError(t, n.StartNetwork(ctx, 2))
	setContributorValues(t, n, []uint32{1, 2})

	compID, err := n.ProposeComputation(ctx, "sum raw values", 500*time.Millisecond, 3)
	require.NoError(t, err)

	view, err := n.AwaitResult(ctx, compID, 5*time.Second)
	require.ErrorIs(t, err, formixerr.ErrComputationFailed)
	require.Equal(t, registry.CompFailed, view.Status)
	require.Nil(t, view.Result)
}

// scenario 6: one hundred contributors drawing a fresh uniform each.
func TestScenarioOneHundredContributors(t *testing.T) {
	ctx := context.Background()
	n := testNetwork(t)
	require.NoError(t, n.StartNetwork(ctx, 100))

	compID, err := n.ProposeComputation(ctx, "sum raw values", 5*time.Second, 1)
	require.NoError(t, err)

	view, err := n.AwaitResult(ctx, compID, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, registry.CompCompleted, view.Status)
	require.Equal(t, 100, *view.ParticipantsCount)

	var want uint32
	n.mu.Lock()
	for id, nd := range n.nodes {
		if nd.role != registry.RoleContributor {
			continue
		}
		resp, err := nd.store.GetResponse(compID)
		require.NoErrorf(t, err, "reading response for %s", id)
		want += resp.Value
	}
	n.mu.Unlock()
	require.Equal(t, want, *view.Result)
}

// setContributorValues overrides each spawned contributor's response policy
// with a fixed value so scenarios with known expected sums are
// deterministic. Values are handed out in node-map iteration order, so which
// contributor gets which value is not defined; the scenarios assert sums only.
func setContributorValues(t *testing.T, n *Network, values []uint32) {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	i := 0
	for id, nd := range n.nodes {
		if nd.role != registry.RoleContributor {
			continue
		}
		require.Lessf(t, i, len(values), "more contributors than fixed values for %s", id)
		cn, ok := nd.handler.(*contributor.Node)
		require.Truef(t, ok, "handler for %s is not a contributor.Node", id)
		cn.SetPolicy(fixedValuePolicy(values[i]))
		i++
	}
	require.Equal(t, len(values), i)
}

// TestPartialDeliveryFailureExcludesContributor reproduces scenario 5
// directly against coordinator/contributor nodes (rather than through the
// façade) so a reverse proxy can sit in front of C3 and permanently fail
// exactly one contributor's share, the way a real network partition would.
func TestPartialDeliveryFailureExcludesContributor(t *testing.T) {
	ctx := context.Background()
	client := transport.NewClient(transport.DefaultClientConfig())
	reg := registry.NewMemoryStore()

	coordIDs := []string{"c1", "c2", "c3"}
	coordRuntimes := map[string]*node.Runtime{}
	for _, id := range coordIDs {
		cn := coordinator.New(coordinator.Config{
			NodeID:   id,
			Registry: reg,
			Store:    localstore.NewMemoryStore(),
			Client:   client,
			Logger:   zerolog.Nop(),
		})
		rt, err := node.New(node.Config{
			NodeID:     id,
			NodeRole:   registry.RoleCoordinator,
			ListenAddr: "127.0.0.1:0",
			Handler:    cn,
			Logger:     zerolog.Nop(),
		})
		require.NoError(t, err)
		rt.Start()
		t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
		coordRuntimes[id] = rt
	}

	// a faulty proxy in front of c3 rejects any share whose contributor_id
	// is "contrib-2", forwarding everything else through untouched.
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env wire.Envelope
		_ = json.Unmarshal(body, &env)
		if env.Type == wire.TypeShare {
			p, _ := wire.DecodePayload[wire.SharePayload](&env)
			if p.ContributorID == "contrib-2" {
				http.Error(w, "simulated permanent delivery failure", http.StatusBadGateway)
				return
			}
		}
		resp, err := http.Post(coordRuntimes["c3"].Endpoint()+r.URL.Path, "application/json", bytes.NewReader(body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	t.Cleanup(proxy.Close)

	endpoints := map[string]string{
		"c1": coordRuntimes["c1"].Endpoint(),
		"c2": coordRuntimes["c2"].Endpoint(),
		"c3": proxy.URL,
	}
	for _, id := range coordIDs {
		require.NoError(t, reg.SaveNode(ctx, &registry.Node{
			ID: id, Role: registry.RoleCoordinator, Endpoint: endpoints[id], Status: registry.NodeActive,
		}))
	}

	// each contributor has its own client, as a separate process would, so
	// the circuit breaker that contrib-2's rejected shares trip for the proxy
	// does not also block c1's reveal_request to c3.
	values := map[string]uint32{"contrib-1": 10, "contrib-2": 20, "contrib-3": 30}
	for id, v := range values {
		cn := contributor.New(contributor.Config{
			NodeID: id,
			Store:  localstore.NewMemoryStore(),
			Client: transport.NewClient(transport.DefaultClientConfig()),
			Logger: zerolog.Nop(),
			Policy: fixedValuePolicy(v),
		})
		rt, err := node.New(node.Config{
			NodeID:     id,
			NodeRole:   registry.RoleContributor,
			ListenAddr: "127.0.0.1:0",
			Handler:    cn,
			Logger:     zerolog.Nop(),
		})
		require.NoError(t, err)
		rt.Start()
		t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
		require.NoError(t, reg.SaveNode(ctx, &registry.Node{
			ID: id, Role: registry.RoleContributor, Endpoint: rt.Endpoint(), Status: registry.NodeActive,
		}))
	}

	comp := &registry.Computation{
		ID:              "COMP-scenario5",
		ProposerID:      "facade",
		Coordinators:    wire.CoordinatorTriple{"c1", "c2", "c3"},
		Prompt:          "sum raw values",
		SchemaTag:       registry.SchemaTagSingleNonNegativeInt32,
		Deadline:        time.Now().Add(3 * time.Second),
		MinParticipants: 1,
		Status:          registry.CompPending,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, reg.SaveComputation(ctx, comp))

	env, err := wire.NewEnvelope(wire.TypePropose, "facade", wire.ProposePayload{
		CompID:          comp.ID,
		ProposerID:      "facade",
		Coordinators:    comp.Coordinators,
		Prompt:          comp.Prompt,
		SchemaTag:       comp.SchemaTag,
		Deadline:        comp.Deadline,
		MinParticipants: comp.MinParticipants,
	})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, endpoints["c1"], env))

	require.Eventually(t, func() bool {
		got, err := reg.GetComputation(ctx, comp.ID)
		return err == nil && (got.Status == registry.CompCompleted || got.Status == registry.CompFailed)
	}, 5*time.Second, 50*time.Millisecond)

	got, err := reg.GetComputation(ctx, comp.ID)
	require.NoError(t, err)
	require.Equal(t, registry.CompCompleted, got.Status)
	require.NotNil(t, got.Result)
	require.Equal(t, uint32(40), *got.Result)
	require.Equal(t, 2, *got.Participants)
}
