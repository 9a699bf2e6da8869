package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/openformix/formix/formixerr"
	"github.com/openformix/formix/localstore"
	"github.com/openformix/formix/registry"
	"github.com/openformix/formix/transport"
	"github.com/openformix/formix/wire"
)

// Config parameterizes a coordinator Node.
type Config struct {
	NodeID   string
	Registry registry.Store
	Store    localstore.Store
	Client   *transport.Client
	Logger   zerolog.Logger

	// InitWindow bounds how long a primary waits for both init_acks before
	// failing the computation with InitTimeout.
	InitWindow time.Duration
	// PendingWindow bounds how long a message for an unknown computation id
	// is held before being dropped, to absorb init/share races.
	PendingWindow time.Duration
	// BroadcastPoolSize bounds announce fan-out concurrency.
	BroadcastPoolSize int
}

func (c *Config) setDefaults() {
	if c.InitWindow == 0 {
		c.InitWindow = 5 * time.Second
	}
	if c.PendingWindow == 0 {
		c.PendingWindow = 10 * time.Second
	}
	if c.BroadcastPoolSize == 0 {
		c.BroadcastPoolSize = 32
	}
}

// Node is the coordinator ("heavy") role: a message-driven state machine
// running one instance per computation it is party to, serialized by a
// per-computation lock so distinct computations interleave freely.
type Node struct {
	cfg Config
	log zerolog.Logger

	mu           sync.Mutex
	computations map[string]*computationState

	pending *expirable.LRU[string, []*wire.Envelope]
}

// New creates a coordinator Node ready to handle inbound envelopes.
func New(cfg Config) *Node {
	cfg.setDefaults()
	n := &Node{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("node_id", cfg.NodeID).Str("role", "coordinator").Logger(),
		computations: make(map[string]*computationState),
	}
	n.pending = expirable.NewLRU[string, []*wire.Envelope](1024, nil, cfg.PendingWindow)
	return n
}

func (n *Node) stateFor(compID string) (*computationState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs, ok := n.computations[compID]
	return cs, ok
}

// resolveEndpoint looks up a peer coordinator's current HTTP endpoint by
// its opaque node id. Coordinators hold only ids, never raw endpoints, so
// every send resolves the endpoint fresh through the registry.
func (n *Node) resolveEndpoint(ctx context.Context, nodeID string) (string, error) {
	nd, err := n.cfg.Registry.GetNode(ctx, nodeID)
	if err != nil {
		return "", fmt.Errorf("coordinator: resolving endpoint for %s: %w", nodeID, err)
	}
	return nd.Endpoint, nil
}

func (n *Node) stateForOrCreate(compID string) *computationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs, ok := n.computations[compID]
	if !ok {
		cs = newComputationState(compID)
		n.computations[compID] = cs
	}
	return cs
}

// HandleEnvelope dispatches one decoded inbound message to the right
// transition handler. It is called by the HTTP handler the node package
// wires to transport.NewRouter's /message route. Transitions start
// background sends (init, announce, reveal) that outlive the inbound
// request, so the request's cancellation is not passed on to them.
func (n *Node) HandleEnvelope(ctx context.Context, env *wire.Envelope) error {
	ctx = context.WithoutCancel(ctx)
	err := n.dispatch(ctx, env)
	if err == formixerr.ErrUnknownComputation {
		compID, ok := compIDOf(env)
		if ok {
			n.queuePending(compID, env)
		}
	}
	return err
}

// compIDOf extracts CompID from whichever payload type env carries, so
// HandleEnvelope can queue the raw envelope for later replay without
// re-decoding it by type at the call site.
func compIDOf(env *wire.Envelope) (string, bool) {
	switch env.Type {
	case wire.TypeShare:
		p, err := wire.DecodePayload[wire.SharePayload](env)
		return p.CompID, err == nil
	case wire.TypeInitAck:
		p, err := wire.DecodePayload[wire.InitAckPayload](env)
		return p.CompID, err == nil
	case wire.TypeRevealRequest:
		p, err := wire.DecodePayload[wire.RevealRequestPayload](env)
		return p.CompID, err == nil
	case wire.TypePartialSum:
		p, err := wire.DecodePayload[wire.PartialSumPayload](env)
		return p.CompID, err == nil
	default:
		return "", false
	}
}

func (n *Node) dispatch(ctx context.Context, env *wire.Envelope) error {
	switch env.Type {
	case wire.TypePropose:
		p, err := wire.DecodePayload[wire.ProposePayload](env)
		if err != nil {
			return err
		}
		return n.handlePropose(ctx, p)
	case wire.TypeInit:
		p, err := wire.DecodePayload[wire.InitPayload](env)
		if err != nil {
			return err
		}
		return n.handleInit(ctx, p)
	case wire.TypeInitAck:
		p, err := wire.DecodePayload[wire.InitAckPayload](env)
		if err != nil {
			return err
		}
		return n.handleInitAck(ctx, env.SenderID, p)
	case wire.TypeShare:
		p, err := wire.DecodePayload[wire.SharePayload](env)
		if err != nil {
			return err
		}
		return n.handleShare(ctx, p)
	case wire.TypeRevealRequest:
		p, err := wire.DecodePayload[wire.RevealRequestPayload](env)
		if err != nil {
			return err
		}
		return n.handleRevealRequest(ctx, env.SenderID, p)
	case wire.TypePartialSum:
		p, err := wire.DecodePayload[wire.PartialSumPayload](env)
		if err != nil {
			return err
		}
		return n.handlePartialSum(ctx, env.SenderID, p)
	case wire.TypeHealth:
		return nil
	default:
		return fmt.Errorf("coordinator: unhandled message type %q", env.Type)
	}
}

// handlePropose is the uninitialized -> ready transition for the primary:
// the façade's propose_computation call lands here.
func (n *Node) handlePropose(ctx context.Context, p wire.ProposePayload) error {
	cs := n.stateForOrCreate(p.CompID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.state != stateUninitialized {
		return nil // re-proposing an already-seen id is a no-op
	}

	cs.isPrimary = true
	cs.coordinators = p.Coordinators
	cs.proposerID = p.ProposerID
	cs.prompt = p.Prompt
	cs.schemaTag = p.SchemaTag
	cs.deadline = p.Deadline
	cs.minParticipants = p.MinParticipants
	cs.state = stateReady

	n.scheduleDeadline(cs)
	n.logAction(cs, "propose_received", "")
	defer n.drainPending(ctx, cs.id)

	return n.initPeers(ctx, cs)
}

// handleInit is the uninitialized -> collecting transition for C2/C3: a
// non-primary has no separate "ready, awaiting acks" phase, so it is ready
// to accept shares as soon as it acks init back to the primary.
func (n *Node) handleInit(ctx context.Context, p wire.InitPayload) error {
	cs := n.stateForOrCreate(p.CompID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.state != stateUninitialized {
		env, err := wire.NewEnvelope(wire.TypeInitAck, n.cfg.NodeID, wire.InitAckPayload{CompID: p.CompID, Ready: true})
		if err != nil {
			return err
		}
		primary, err := n.resolveEndpoint(ctx, cs.coordinators[0])
		if err != nil {
			return err
		}
		return n.cfg.Client.Send(ctx, primary, env)
	}

	cs.isPrimary = false
	cs.coordinators = p.Coordinators
	cs.proposerID = p.ProposerID
	cs.prompt = p.Prompt
	cs.schemaTag = p.SchemaTag
	cs.deadline = p.Deadline
	cs.minParticipants = p.MinParticipants
	// A non-primary never broadcasts announce itself — it has no "ready,
	// awaiting acks" phase of its own, so it is ready to accept shares as
	// soon as init is received.
	cs.state = stateCollecting

	n.scheduleDeadline(cs)
	n.logAction(cs, "init_received", "")
	defer n.drainPending(ctx, cs.id)

	env, err := wire.NewEnvelope(wire.TypeInitAck, n.cfg.NodeID, wire.InitAckPayload{CompID: p.CompID, Ready: true})
	if err != nil {
		return err
	}
	primary, err := n.resolveEndpoint(ctx, cs.coordinators[0])
	if err != nil {
		return err
	}
	return n.cfg.Client.Send(ctx, primary, env)
}

// initPeers sends init to C2 and C3 and arms the init-timeout timer. Only
// called by the primary.
func (n *Node) initPeers(ctx context.Context, cs *computationState) error {
	payload := wire.InitPayload{
		CompID:          cs.id,
		ProposerID:      cs.proposerID,
		Coordinators:    cs.coordinators,
		Prompt:          cs.prompt,
		SchemaTag:       cs.schemaTag,
		Deadline:        cs.deadline,
		MinParticipants: cs.minParticipants,
	}
	env, err := wire.NewEnvelope(wire.TypeInit, n.cfg.NodeID, payload)
	if err != nil {
		return err
	}

	for _, peerID := range []string{cs.coordinators[1], cs.coordinators[2]} {
		peerID := peerID
		go func() {
			peer, err := n.resolveEndpoint(ctx, peerID)
			if err != nil {
				n.log.Warn().Err(err).Str("comp_id", cs.id).Str("peer_id", peerID).Msg("resolving init peer failed")
				return
			}
			if err := n.cfg.Client.Send(ctx, peer, env); err != nil {
				n.log.Warn().Err(err).Str("comp_id", cs.id).Str("peer", peer).Msg("init delivery failed")
			}
		}()
	}

	cs.initTimer = time.AfterFunc(n.cfg.InitWindow, func() {
		n.onInitTimeout(cs.id)
	})
	return nil
}

func (n *Node) onInitTimeout(compID string) {
	cs, ok := n.stateFor(compID)
	if !ok {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.state == stateReady && len(cs.initAcked) < 2 {
		n.transitionToFailed(cs, registry.FailureInitTimeout)
	}
}

// handleInitAck is the primary's ready -> broadcasting transition, gated on
// both C2 and C3 acking init: only once both are in does the primary know
// the computation is live everywhere and fan out announce.
func (n *Node) handleInitAck(ctx context.Context, senderID string, p wire.InitAckPayload) error {
	cs, ok := n.stateFor(p.CompID)
	if !ok {
		return formixerr.ErrUnknownComputation
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.isPrimary || cs.state != stateReady {
		return nil
	}
	if p.Ready {
		cs.initAcked[senderID] = true
	}
	if len(cs.initAcked) < 2 {
		return nil
	}
	if cs.initTimer != nil {
		cs.initTimer.Stop()
	}
	return n.broadcastAnnounce(ctx, cs)
}

// broadcastAnnounce is the primary's ready -> broadcasting -> collecting
// transition: concurrently fan out announce to every active contributor,
// then begin accepting shares regardless of fan-out outcome.
func (n *Node) broadcastAnnounce(ctx context.Context, cs *computationState) error {
	cs.state = stateBroadcasting

	nodes, err := n.cfg.Registry.ListNodes(ctx)
	if err != nil {
		return err
	}
	var targets []string
	for _, nd := range nodes {
		if nd.Role == registry.RoleContributor && nd.Status == registry.NodeActive {
			targets = append(targets, nd.Endpoint)
		}
	}

	// Contributors have no registry access, so announce carries resolved
	// endpoints — unlike cs.coordinators, which stays an opaque id triple
	// for inter-coordinator messaging.
	var coordinatorEndpoints wire.CoordinatorTriple
	for i, id := range cs.coordinators {
		ep, err := n.resolveEndpoint(ctx, id)
		if err != nil {
			return err
		}
		coordinatorEndpoints[i] = ep
	}

	env, err := wire.NewEnvelope(wire.TypeAnnounce, n.cfg.NodeID, wire.AnnouncePayload{
		CompID:       cs.id,
		Coordinators: coordinatorEndpoints,
		Prompt:       cs.prompt,
		SchemaTag:    cs.schemaTag,
		Deadline:     cs.deadline,
	})
	if err != nil {
		return err
	}

	cs.state = stateCollecting
	n.logAction(cs, "announce_broadcast", fmt.Sprintf("targets=%d", len(targets)))

	go func() {
		if _, err := transport.Broadcast(ctx, n.cfg.Client, targets, env, n.cfg.BroadcastPoolSize); err != nil {
			n.log.Warn().Err(err).Str("comp_id", cs.id).Msg("announce broadcast had per-target failures")
		}
	}()

	return nil
}

// handleShare is the collecting-state share acceptance path: duplicates and
// late arrivals are rejected (logged, not counted), never failing the
// whole computation.
func (n *Node) handleShare(_ context.Context, p wire.SharePayload) error {
	cs, ok := n.stateFor(p.CompID)
	if !ok {
		return formixerr.ErrUnknownComputation
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.state != stateCollecting && cs.state != stateBroadcasting {
		return nil
	}
	if time.Now().After(cs.deadline) {
		n.log.Warn().Str("comp_id", cs.id).Str("contributor_id", p.ContributorID).Msg("late share rejected")
		return nil
	}

	if err := n.cfg.Store.PutShare(p.CompID, p.ContributorID, p.ShareValue); err != nil {
		if err == localstore.ErrDuplicateShare {
			n.log.Warn().Str("comp_id", cs.id).Str("contributor_id", p.ContributorID).Msg("duplicate share rejected")
			return nil
		}
		return err
	}
	return nil
}

func (n *Node) queuePending(compID string, env *wire.Envelope) {
	existing, _ := n.pending.Get(compID)
	existing = append(existing, env)
	n.pending.Add(compID, existing)
}

// drainPending replays every envelope held for compID now that the
// computation has moved past uninitialized, absorbing the init/share races
// briefly held pending queue absorbs.
func (n *Node) drainPending(ctx context.Context, compID string) {
	queued, ok := n.pending.Get(compID)
	if !ok || len(queued) == 0 {
		return
	}
	n.pending.Remove(compID)
	for _, env := range queued {
		env := env
		go func() {
			if err := n.dispatch(ctx, env); err != nil {
				n.log.Warn().Err(err).Str("comp_id", compID).Msg("replaying pending message failed")
			}
		}()
	}
}

func (n *Node) scheduleDeadline(cs *computationState) {
	d := time.Until(cs.deadline)
	if d < 0 {
		d = 0
	}
	cs.deadlineTimer = time.AfterFunc(d, func() {
		n.onDeadline(cs.id)
	})
}

// onDeadline is the collecting -> revealing transition, fired only for the
// primary; non-primary coordinators simply stop accepting shares once their
// own deadline timer elapses (handleShare already checks the deadline).
func (n *Node) onDeadline(compID string) {
	cs, ok := n.stateFor(compID)
	if !ok {
		return
	}
	cs.mu.Lock()
	if !cs.isPrimary || (cs.state != stateCollecting && cs.state != stateBroadcasting) {
		cs.mu.Unlock()
		return
	}
	cs.state = stateRevealing
	cs.mu.Unlock()

	go n.startReveal(context.Background(), cs)
}

// startReveal runs the primary side of the three-party reveal. A single
// single round of reveal_request/partial_sum is not sufficient for exact
// correctness whenever a contributor's share
// reached only two of the three coordinators: a responder's reply would be
// restricted to Pᵢ ∩ P₁, which can still be a strict superset of the truly
// aligned set A = P₁ ∩ P₂ ∩ P₃ (a contributor missing only from the third
// coordinator is not excluded by either responder's own restriction). This
// runs the exchange for a second round proposing the first round's
// intersection; since that candidate is already a subset of every
// coordinator's own participant set, the second round's restriction is a
// no-op and every reply ends up restricted to exactly A.
func (n *Node) startReveal(ctx context.Context, cs *computationState) {
	shares, _ := n.cfg.Store.ListShares(cs.id)
	p1 := ParticipantSet(shares)
	n.runRevealRound(ctx, cs, p1, 1)
}

func (n *Node) runRevealRound(ctx context.Context, cs *computationState, proposed []string, round int) {
	cs.mu.Lock()
	cs.revealRound = round
	cs.lastProposed = proposed
	cs.revealReplies = make(map[string]wire.PartialSumPayload)
	peers := []string{cs.coordinators[1], cs.coordinators[2]}
	cs.mu.Unlock()

	env, err := wire.NewEnvelope(wire.TypeRevealRequest, n.cfg.NodeID, wire.RevealRequestPayload{
		CompID:               cs.id,
		ExpectedParticipants: proposed,
	})
	if err != nil {
		n.log.Error().Err(err).Str("comp_id", cs.id).Msg("encoding reveal_request failed")
		return
	}

	for _, peerID := range peers {
		peerID := peerID
		go func() {
			peer, err := n.resolveEndpoint(ctx, peerID)
			if err != nil {
				n.log.Warn().Err(err).Str("comp_id", cs.id).Str("peer_id", peerID).Msg("resolving reveal peer failed")
				return
			}
			if err := n.cfg.Client.Send(ctx, peer, env); err != nil {
				n.log.Warn().Err(err).Str("comp_id", cs.id).Str("peer", peer).Msg("reveal_request delivery failed")
			}
		}()
	}
}

// handleRevealRequest is the C2/C3 side: restrict the local participant set
// to the proposed set and reply with the restricted sum. It is symmetric
// across both reveal rounds — round 2's proposed set is already a subset of
// the responder's own participant set, so the restriction degenerates to
// an identity and the replied sum is exact.
func (n *Node) handleRevealRequest(ctx context.Context, primaryID string, p wire.RevealRequestPayload) error {
	cs, ok := n.stateFor(p.CompID)
	if !ok {
		return formixerr.ErrUnknownComputation
	}
	cs.mu.Lock()
	if cs.isPrimary {
		cs.mu.Unlock()
		return nil
	}
	cs.state = stateRevealing
	cs.mu.Unlock()

	shares, _ := n.cfg.Store.ListShares(p.CompID)
	restricted := Intersect(ParticipantSet(shares), p.ExpectedParticipants)
	sum := RestrictedSum(shares, restricted)

	_ = n.cfg.Store.PutPartialSum(p.CompID, localstore.PartialSum{
		CompID: p.CompID, Sum: sum, Contributors: restricted,
	})

	env, err := wire.NewEnvelope(wire.TypePartialSum, n.cfg.NodeID, wire.PartialSumPayload{
		CompID:       p.CompID,
		PartialSum:   sum,
		Participants: restricted,
	})
	if err != nil {
		return err
	}
	primary, err := n.resolveEndpoint(ctx, primaryID)
	if err != nil {
		return err
	}
	return n.cfg.Client.Send(ctx, primary, env)
}

// handlePartialSum is the primary side: once both C2 and C3 have replied
// for the current round, either advance to round 2 or finalize.
func (n *Node) handlePartialSum(ctx context.Context, senderID string, p wire.PartialSumPayload) error {
	cs, ok := n.stateFor(p.CompID)
	if !ok {
		return formixerr.ErrUnknownComputation
	}

	cs.mu.Lock()
	if !cs.isPrimary || cs.state != stateRevealing {
		cs.mu.Unlock()
		return nil
	}
	cs.revealReplies[senderID] = p
	ready := len(cs.revealReplies) >= 2
	round := cs.revealRound
	coordinators := cs.coordinators
	var replies map[string]wire.PartialSumPayload
	if ready {
		replies = cs.revealReplies
	}
	cs.mu.Unlock()

	if !ready {
		return nil
	}

	r2, r3 := replies[coordinators[1]], replies[coordinators[2]]
	candidate := Intersect(r2.Participants, r3.Participants)

	if round == 1 {
		go n.runRevealRound(ctx, cs, candidate, 2)
		return nil
	}

	n.finalize(ctx, cs, candidate, r2.PartialSum, r3.PartialSum)
	return nil
}

func (n *Node) finalize(ctx context.Context, cs *computationState, aligned []string, sum2, sum3 uint32) {
	shares, _ := n.cfg.Store.ListShares(cs.id)
	sum1 := RestrictedSum(shares, aligned)
	result := sum1 + sum2 + sum3

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if len(aligned) < cs.minParticipants {
		n.transitionToFailed(cs, registry.FailureThresholdNotMet)
		return
	}

	cs.state = stateFinalized
	participants := len(aligned)
	err := n.cfg.Registry.UpdateComputationStatus(ctx, cs.id, func(c *registry.Computation) error {
		c.Status = registry.CompCompleted
		c.Result = &result
		c.Participants = &participants
		return nil
	})
	if err != nil {
		n.log.Error().Err(err).Str("comp_id", cs.id).Msg("writing finalized computation failed")
		return
	}
	n.logAction(cs, "finalized", fmt.Sprintf("result=%d participants=%d", result, participants))
}

func (n *Node) transitionToFailed(cs *computationState, reason registry.FailureReason) {
	cs.state = stateFailed
	if cs.deadlineTimer != nil {
		cs.deadlineTimer.Stop()
	}
	if cs.initTimer != nil {
		cs.initTimer.Stop()
	}
	err := n.cfg.Registry.UpdateComputationStatus(context.Background(), cs.id, func(c *registry.Computation) error {
		c.Status = registry.CompFailed
		c.FailureReason = reason
		return nil
	})
	if err != nil {
		n.log.Error().Err(err).Str("comp_id", cs.id).Msg("writing failed computation failed")
	}
	n.logAction(cs, "failed", string(reason))
}

// logAction appends to the computation's action log. Callers must already
// hold cs.mu — actionSeq is not otherwise synchronized.
func (n *Node) logAction(cs *computationState, kind, detail string) {
	seq := cs.actionSeq
	cs.actionSeq++
	_ = n.cfg.Store.AppendAction(localstore.Action{CompID: cs.id, Seq: seq, Kind: kind, Detail: detail})
	n.log.Info().Str("comp_id", cs.id).Str("kind", kind).Str("detail", detail).Msg("action")
}
