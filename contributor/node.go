package contributor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openformix/formix/localstore"
	"github.com/openformix/formix/secretshare"
	"github.com/openformix/formix/transport"
	"github.com/openformix/formix/wire"
)

// Config parameterizes a contributor Node.
type Config struct {
	NodeID string
	Store  localstore.Store
	Client *transport.Client
	Logger zerolog.Logger
	Policy ResponsePolicy
}

func (c *Config) setDefaults() {
	if c.Policy == nil {
		c.Policy = NewUniformPolicy(100)
	}
}

// Node is the contributor ("light") role: on every announce it draws a
// private response, splits it into three shares, and delivers one to each
// coordinator concurrently.
type Node struct {
	cfg Config
	log zerolog.Logger

	mu           sync.Mutex
	computations map[string]*computationState
}

// New creates a contributor Node ready to handle inbound envelopes.
func New(cfg Config) *Node {
	cfg.setDefaults()
	return &Node{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("node_id", cfg.NodeID).Str("role", "contributor").Logger(),
		computations: make(map[string]*computationState),
	}
}

// SetPolicy overrides the response policy after construction. Only safe to
// call before the node has handled its first announce.
func (n *Node) SetPolicy(p ResponsePolicy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.Policy = p
}

func (n *Node) stateForOrCreate(compID string) (*computationState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs, existed := n.computations[compID]
	if !existed {
		cs = newComputationState(compID)
		n.computations[compID] = cs
	}
	return cs, existed
}

// HandleEnvelope dispatches one decoded inbound message.
func (n *Node) HandleEnvelope(ctx context.Context, env *wire.Envelope) error {
	switch env.Type {
	case wire.TypeAnnounce:
		p, err := wire.DecodePayload[wire.AnnouncePayload](env)
		if err != nil {
			return err
		}
		return n.handleAnnounce(ctx, p)
	case wire.TypeHealth:
		return nil
	default:
		return fmt.Errorf("contributor: unhandled message type %q", env.Type)
	}
}

// handleAnnounce is the idle -> responding -> sharing -> done|failed
// transition. A second announce for an already-seen computation id is a
// no-op: a contributor only ever produces one response per computation.
func (n *Node) handleAnnounce(ctx context.Context, p wire.AnnouncePayload) error {
	cs, existed := n.stateForOrCreate(p.CompID)
	if existed {
		return nil
	}

	cs.mu.Lock()
	cs.coordinators = p.Coordinators
	cs.prompt = p.Prompt
	cs.state = stateResponding
	cs.mu.Unlock()

	value, err := n.cfg.Policy.GenerateResponse(ctx, p.Prompt)
	if err != nil {
		n.markFailed(cs)
		return err
	}

	cs.mu.Lock()
	cs.state = stateSharing
	cs.mu.Unlock()

	shares, err := secretshare.Split(value)
	if err != nil {
		n.markFailed(cs)
		return err
	}

	if err := n.cfg.Store.PutResponse(p.CompID, localstore.Response{CompID: p.CompID, Value: value}); err != nil {
		n.markFailed(cs)
		return err
	}
	_ = n.cfg.Store.AppendAction(localstore.Action{CompID: p.CompID, Kind: "responded", Detail: "response drawn"})

	n.deliverShares(ctx, cs, shares)
	return nil
}

// deliverShares sends one share to each coordinator concurrently. A
// contributor counts as having "contributed" only once all three
// deliveries succeed; it never attempts to recall a share already sent.
func (n *Node) deliverShares(ctx context.Context, cs *computationState, shares secretshare.Shares) {
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		i := i
		target := cs.coordinators[i]
		share := shares[i]
		go func() {
			defer wg.Done()
			n.deliverOne(ctx, cs, target, i, share)
		}()
	}
	wg.Wait()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, status := range cs.deliveries {
		if status != deliveryDelivered {
			cs.state = stateFailed
			_ = n.cfg.Store.AppendAction(localstore.Action{CompID: cs.id, Kind: "share_delivery_failed"})
			return
		}
	}
	cs.state = stateDone
	_ = n.cfg.Store.AppendAction(localstore.Action{CompID: cs.id, Kind: "contributed"})
}

func (n *Node) deliverOne(ctx context.Context, cs *computationState, target string, index int, share uint32) {
	env, err := wire.NewEnvelope(wire.TypeShare, n.cfg.NodeID, wire.SharePayload{
		CompID:        cs.id,
		ContributorID: n.cfg.NodeID,
		ShareValue:    share,
		ShareIndex:    index,
	})
	if err != nil {
		n.recordDelivery(cs, target, deliveryFailed)
		return
	}

	if err := n.cfg.Client.Send(ctx, target, env); err != nil {
		n.log.Warn().Err(err).Str("comp_id", cs.id).Str("target", target).Msg("share delivery failed")
		n.recordDelivery(cs, target, deliveryFailed)
		return
	}
	n.recordDelivery(cs, target, deliveryDelivered)
}

func (n *Node) recordDelivery(cs *computationState, target string, status deliveryStatus) {
	cs.mu.Lock()
	cs.deliveries[target] = status
	cs.mu.Unlock()
}

func (n *Node) markFailed(cs *computationState) {
	cs.mu.Lock()
	cs.state = stateFailed
	cs.mu.Unlock()
}
