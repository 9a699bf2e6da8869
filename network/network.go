package network

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/openformix/formix/coordinator"
	"github.com/openformix/formix/contributor"
	"github.com/openformix/formix/formixerr"
	"github.com/openformix/formix/localstore"
	"github.com/openformix/formix/node"
	"github.com/openformix/formix/registry"
	"github.com/openformix/formix/transport"
	"github.com/openformix/formix/wire"
)

// spawnedNode bundles a running Runtime with the store it owns, so Shutdown
// can close both.
type spawnedNode struct {
	runtime *node.Runtime
	store   localstore.Store
	role    registry.Role
	handler node.Role
}

// Network is the façade: it owns the registry, the transport client shared
// by every call it makes on callers' behalf, and every node it has spawned.
type Network struct {
	cfg    Config
	log    zerolog.Logger
	client *transport.Client

	registry registry.Store

	mu    sync.Mutex
	nodes map[string]*spawnedNode
}

// New constructs a Network. It does not spawn any nodes yet.
func New(cfg Config) (*Network, error) {
	cfg.setDefaults()

	var store registry.Store
	if cfg.Postgres != nil {
		s, err := registry.NewPostgresStore(cfg.Postgres)
		if err != nil {
			return nil, err
		}
		store = s
	} else {
		store = registry.NewMemoryStore()
	}

	return &Network{
		cfg:      cfg,
		log:      cfg.Logger,
		client:   transport.NewClient(transport.DefaultClientConfig()),
		registry: store,
		nodes:    make(map[string]*spawnedNode),
	}, nil
}

// StartNetwork spawns exactly three coordinators and numContributors
// contributors, registers each in the registry, and returns only once every
// spawned node's health endpoint has answered — or fails the whole network
// startup and tears down whatever was spawned so far.
func (n *Network) StartNetwork(ctx context.Context, numContributors int) error {
	if numContributors < 1 {
		return formixerr.Wrap(formixerr.KindPreconditionFailed, "numContributors must be >= 1", nil)
	}

	var spawnedIDs []string
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("coordinator-%d", i+1)
		if err := n.spawnCoordinator(ctx, id); err != nil {
			n.teardown(ctx, spawnedIDs)
			return formixerr.Wrap(formixerr.KindStartupFailed, "spawning coordinator failed", err)
		}
		spawnedIDs = append(spawnedIDs, id)
	}
	for i := 0; i < numContributors; i++ {
		id := fmt.Sprintf("contributor-%d", i+1)
		if err := n.spawnContributor(ctx, id); err != nil {
			n.teardown(ctx, spawnedIDs)
			return formixerr.Wrap(formixerr.KindStartupFailed, "spawning contributor failed", err)
		}
		spawnedIDs = append(spawnedIDs, id)
	}

	if err := n.awaitAllHealthy(ctx, spawnedIDs); err != nil {
		n.teardown(ctx, spawnedIDs)
		return formixerr.Wrap(formixerr.KindStartupFailed, "health check did not converge", err)
	}
	n.log.Info().Int("coordinators", 3).Int("contributors", numContributors).Msg("network started")
	return nil
}

func (n *Network) localStoreFor(id string) (localstore.Store, error) {
	if n.cfg.LocalStoreDir == "" {
		return localstore.NewMemoryStore(), nil
	}
	return localstore.NewBadgerStore(filepath.Join(n.cfg.LocalStoreDir, id))
}

func (n *Network) spawnCoordinator(ctx context.Context, id string) error {
	store, err := n.localStoreFor(id)
	if err != nil {
		return err
	}
	role := coordinator.New(coordinator.Config{
		NodeID:   id,
		Registry: n.registry,
		Store:    store,
		Client:   n.client,
		Logger:   n.cfg.Logger,
		InitWindow:    n.cfg.InitWindow,
		PendingWindow: n.cfg.PendingWindow,
	})
	return n.spawn(ctx, id, registry.RoleCoordinator, store, role)
}

func (n *Network) spawnContributor(ctx context.Context, id string) error {
	store, err := n.localStoreFor(id)
	if err != nil {
		return err
	}
	role := contributor.New(contributor.Config{
		NodeID: id,
		Store:  store,
		Client: n.client,
		Logger: n.cfg.Logger,
	})
	return n.spawn(ctx, id, registry.RoleContributor, store, role)
}

func (n *Network) spawn(ctx context.Context, id string, r registry.Role, store localstore.Store, handler node.Role) error {
	endpoint, err := n.registry.AllocateEndpoint(ctx, func() (string, error) {
		rt, err := node.New(node.Config{
			NodeID:     id,
			NodeRole:   r,
			ListenAddr: n.cfg.ListenHost + ":0",
			Handler:    handler,
			Logger:     n.cfg.Logger,
		})
		if err != nil {
			return "", err
		}
		rt.Start()

		n.mu.Lock()
		n.nodes[id] = &spawnedNode{runtime: rt, store: store, role: r, handler: handler}
		n.mu.Unlock()

		return rt.Endpoint(), nil
	})
	if err != nil {
		return err
	}

	return n.registry.SaveNode(ctx, &registry.Node{
		ID:        id,
		Role:      r,
		Endpoint:  endpoint,
		Status:    registry.NodeActive,
		CreatedAt: time.Now(),
	})
}

func (n *Network) awaitAllHealthy(ctx context.Context, ids []string) error {
	deadline := time.Now().Add(n.cfg.HealthCheckTimeout)
	for _, id := range ids {
		nd, ok := n.nodeByID(id)
		if !ok {
			return fmt.Errorf("node %s not found after spawn", id)
		}
		for {
			resp, err := http.Get(nd.runtime.Endpoint() + "/health")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					break
				}
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("node %s never became healthy", id)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return nil
}

func (n *Network) nodeByID(id string) (*spawnedNode, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd, ok := n.nodes[id]
	return nd, ok
}

func (n *Network) teardown(ctx context.Context, ids []string) {
	for _, id := range ids {
		if nd, ok := n.nodeByID(id); ok {
			_ = nd.runtime.Shutdown(ctx)
			_ = nd.store.Close()
		}
		_ = n.registry.DeleteNode(ctx, id)
		n.mu.Lock()
		delete(n.nodes, id)
		n.mu.Unlock()
	}
}

// ProposeComputation assigns the first three registered active coordinators
// (by creation time, then id) as C1/C2/C3, writes a pending registry.Computation, and sends propose to C1
// over real HTTP. It returns the generated computation id once C1
// acknowledges receipt.
func (n *Network) ProposeComputation(ctx context.Context, prompt string, deadline time.Duration, minParticipants int) (string, error) {
	nodes, err := n.registry.ListNodes(ctx)
	if err != nil {
		return "", err
	}
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
	var coordinators []string
	for _, nd := range nodes {
		if nd.Role == registry.RoleCoordinator && nd.Status == registry.NodeActive {
			coordinators = append(coordinators, nd.ID)
		}
	}
	if len(coordinators) < 3 {
		return "", formixerr.Wrap(formixerr.KindPreconditionFailed, "fewer than three active coordinators", nil)
	}
	triple := wire.CoordinatorTriple{coordinators[0], coordinators[1], coordinators[2]}

	compID := "COMP-" + xid.New().String()
	dl := time.Now().Add(deadline)

	comp := &registry.Computation{
		ID:              compID,
		ProposerID:      "facade",
		Coordinators:    triple,
		Prompt:          prompt,
		SchemaTag:       registry.SchemaTagSingleNonNegativeInt32,
		Deadline:        dl,
		MinParticipants: minParticipants,
		Status:          registry.CompPending,
		CreatedAt:       time.Now(),
	}
	if err := n.registry.SaveComputation(ctx, comp); err != nil {
		return "", err
	}

	primary, err := n.registry.GetNode(ctx, triple[0])
	if err != nil {
		return "", err
	}

	env, err := wire.NewEnvelope(wire.TypePropose, "facade", wire.ProposePayload{
		CompID:          compID,
		ProposerID:      "facade",
		Coordinators:    triple,
		Prompt:          prompt,
		SchemaTag:       comp.SchemaTag,
		Deadline:        dl,
		MinParticipants: minParticipants,
	})
	if err != nil {
		return "", err
	}
	if err := n.client.Send(ctx, primary.Endpoint, env); err != nil {
		return "", err
	}
	return compID, nil
}

// AwaitResult polls the registry until compID reaches a terminal status or
// timeout elapses.
func (n *Network) AwaitResult(ctx context.Context, compID string, timeout time.Duration) (*ComputationView, error) {
	deadline := time.Now().Add(timeout)
	for {
		comp, err := n.registry.GetComputation(ctx, compID)
		if err != nil {
			return nil, err
		}
		switch comp.Status {
		case registry.CompCompleted:
			return viewOf(comp), nil
		case registry.CompFailed:
			return viewOf(comp), formixerr.ErrComputationFailed
		}
		if time.Now().After(deadline) {
			return viewOf(comp), formixerr.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Status returns the current registry view of one computation.
func (n *Network) Status(ctx context.Context, compID string) (*ComputationView, error) {
	comp, err := n.registry.GetComputation(ctx, compID)
	if err != nil {
		return nil, err
	}
	return viewOf(comp), nil
}

// StatusOfNetwork reports every registered node and role counts.
func (n *Network) StatusOfNetwork(ctx context.Context) (*NetworkStatus, error) {
	nodes, err := n.registry.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	status := &NetworkStatus{}
	for _, nd := range nodes {
		status.Nodes = append(status.Nodes, NodeStatus{
			ID:        nd.ID,
			Role:      nd.Role,
			Endpoint:  nd.Endpoint,
			Status:    nd.Status,
			CreatedAt: nd.CreatedAt,
		})
		switch nd.Role {
		case registry.RoleCoordinator:
			status.CoordinatorCount++
		case registry.RoleContributor:
			status.ContributorCount++
		}
	}
	return status, nil
}

// Shutdown tears down every node this façade has spawned and closes the
// registry store.
func (n *Network) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	ids := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	for _, id := range ids {
		_ = n.registry.UpdateNodeStatus(ctx, id, registry.NodeStopping)
	}
	n.teardown(ctx, ids)
	return n.registry.Close()
}
