// Package linkstate implements the flooding protocol that gives every node
// a network-wide view of the topology: self-update emission, neighbor
// activity tracking, incoming-update admission and forwarding, gap-fill
// requests, and neighbor liveness checks.
package linkstate

import (
	"time"

	"meshchat/internal/packet"
	"meshchat/internal/packetlog"
	"meshchat/internal/planner"
	"meshchat/internal/topology"
)

// State is the node's position in the join lifecycle.
type State int

const (
	FindingNeighbors State = iota
	AssigningID
	PullingTopology
	ReadyToSend
)

func (s State) String() string {
	switch s {
	case FindingNeighbors:
		return "FINDING_NEIGHBORS"
	case AssigningID:
		return "ASSIGNING_ID"
	case PullingTopology:
		return "PULLING_TOPOLOGY"
	case ReadyToSend:
		return "READY_TO_SEND"
	default:
		return "UNKNOWN"
	}
}

const (
	maxTTL             = 3
	updateDelayMin     = 600 * time.Millisecond
	updateDelayMax     = 1000 * time.Millisecond
	gapFillAttempts    = 3
	gapFillTimeout     = 3 * time.Second
	livenessPingEvery  = 4 * time.Second
	livenessSweepEvery = 15 * time.Second
	livenessAckWindow  = 15 * time.Second
)

// Sender is what the protocol needs from the arbiter: scheduled sends and
// reliable sends that return the receivers that never acknowledged.
type Sender interface {
	Schedule(p packet.Packet, from, to time.Duration)
	SendReliableAndWait(p packet.Packet, from, to, timeout time.Duration, attempts int, expectedAcks map[packet.NodeId]struct{}) map[packet.NodeId]struct{}
}

// Protocol wires the topology store, the channel arbiter, and the packet
// log together to run the link-state flood. It holds no mutex of its own.
// The controller calls the Handle* methods and SetState under its lock;
// GapFill, the startup SendUpdate and the two liveness loops run without
// it.
type Protocol struct {
	topo   *topology.Topology
	sender Sender
	log    *packetlog.Log

	state State
}

func New(topo *topology.Topology, sender Sender, log *packetlog.Log) *Protocol {
	return &Protocol{
		topo:   topo,
		sender: sender,
		log:    log,
		state:  FindingNeighbors,
	}
}

func (p *Protocol) State() State     { return p.state }
func (p *Protocol) SetState(s State) { p.state = s }

// SendUpdate increments the self link state's sequence and floods it.
// TTL is forced to 1 when self currently has no neighbors to relay through.
func (p *Protocol) SendUpdate() {
	self := p.topo.SelfId()
	seq := p.topo.NextSequence()
	neighbors := p.topo.Neighbors()

	ttl := uint8(maxTTL)
	if len(neighbors) == 0 {
		ttl = 1
	}

	update := &packet.LinkStateUpdate{
		Sender:    self,
		Source:    self,
		Sequence:  seq,
		TTL:       ttl,
		Neighbors: neighbors,
	}
	p.sender.Schedule(update, updateDelayMin, updateDelayMax)
}

// HandleNeighborActivity implements the "any packet from an unknown
// positive sender" rule: the sender becomes a neighbor; if it was already a
// known taken id and we're READY_TO_SEND, our own link state just changed
// shape, so re-flood; otherwise just record it as taken.
func (p *Protocol) HandleNeighborActivity(senderId packet.NodeId) {
	if senderId == packet.BroadcastID || p.topo.IsNeighbor(senderId) {
		return
	}
	p.topo.AddNeighbor(senderId)

	if p.topo.IsTaken(senderId) {
		if p.state == ReadyToSend {
			p.SendUpdate()
		}
		return
	}
	p.topo.AddTaken(senderId)
}

// HandleLinkStateUpdate applies the admission rule, enforces neighbor-set
// symmetry across the stored topology, and forwards the flood onward when
// appropriate. Returns the list of nodes (if any) this node should forward
// the (rewritten) update to.
func (p *Protocol) HandleLinkStateUpdate(u *packet.LinkStateUpdate) []packet.NodeId {
	self := p.topo.SelfId()
	if u.Source == self {
		return nil
	}

	neighbors := u.Neighbors
	if p.topo.IsNeighbor(u.Source) {
		neighbors = addIfMissing(neighbors, self)
	}

	adopted := p.topo.AdoptLinkState(u.Source, u.Sequence, neighbors)
	if !adopted {
		return nil
	}

	neighborSet := make(map[packet.NodeId]struct{}, len(neighbors))
	for _, n := range neighbors {
		neighborSet[n] = struct{}{}
	}
	p.topo.EnforceSymmetry(u.Source, neighborSet)

	if p.state != ReadyToSend || u.TTL <= 1 {
		return nil
	}

	sourceNeighbors := neighborSet
	selfNeighbors := p.topo.Neighbors()

	forwardTo := make([]packet.NodeId, 0, len(selfNeighbors))
	for _, n := range selfNeighbors {
		if n == u.Source || n == u.Sender {
			continue
		}
		if _, inSource := sourceNeighbors[n]; inSource {
			continue
		}
		forwardTo = append(forwardTo, n)
	}
	if len(forwardTo) == 0 {
		return nil
	}

	forward := &packet.LinkStateUpdate{
		Sender:    self,
		Source:    u.Source,
		Sequence:  u.Sequence,
		TTL:       u.TTL - 1,
		Neighbors: neighbors,
	}
	p.sender.Schedule(forward, updateDelayMin, updateDelayMax)
	return forwardTo
}

func addIfMissing(ids []packet.NodeId, id packet.NodeId) []packet.NodeId {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(append([]packet.NodeId(nil), ids...), id)
}

// HandleLinkStateRequest answers a request for a stored source's link
// state with ttl=1 (gap-fill replies never relay further, by design).
func (p *Protocol) HandleLinkStateRequest(req *packet.LinkStateRequest) {
	self := p.topo.SelfId()
	if req.Destination != self {
		return
	}
	ls, ok := p.topo.LinkState(req.Source)
	if !ok {
		return
	}
	reply := &packet.LinkStateUpdate{
		Sender:    self,
		Source:    ls.NodeId,
		Sequence:  ls.Sequence,
		TTL:       1,
		Neighbors: ls.NeighborList(),
	}
	p.sender.Schedule(reply, updateDelayMin, updateDelayMax)
}

// GapFill requests a link state, reliably, for every taken id still
// missing one, addressed to idProvider. Transitions to READY_TO_SEND once
// every taken id has a stored link state.
func (p *Protocol) GapFill(idProvider packet.NodeId) {
	self := p.topo.SelfId()
	for _, missing := range p.topo.MissingLinkStates() {
		req := &packet.LinkStateRequest{Sender: self, Destination: idProvider, Source: missing}
		p.sender.SendReliableAndWait(req, updateDelayMin, updateDelayMax, gapFillTimeout, gapFillAttempts,
			map[packet.NodeId]struct{}{idProvider: {}})
	}
	if len(p.topo.MissingLinkStates()) == 0 {
		p.state = ReadyToSend
	}
}

// RunLivenessPinger blocks forever (meant to run on its own goroutine),
// emitting a pong-flagged PING_PONG every livenessPingEvery if no self
// traffic was observed in that window.
func (p *Protocol) RunLivenessPinger(stop <-chan struct{}) {
	ticker := time.NewTicker(livenessPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if !p.log.HasTrafficWithin(now, livenessPingEvery) {
				p.sender.Schedule(&packet.PingPong{Pong: true, Sender: p.topo.SelfId()}, 0, 200*time.Millisecond)
			}
		}
	}
}

// RunLivenessSweeper blocks forever, every livenessSweepEvery snapshotting
// the neighbor set, waiting the same period, then dropping any neighbor
// that never acked a liveness probe within the window.
func (p *Protocol) RunLivenessSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(livenessSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snapshot := make(map[packet.NodeId]struct{})
			for _, n := range p.topo.Neighbors() {
				snapshot[n] = struct{}{}
			}
			time.Sleep(livenessSweepEvery)
			ping := &packet.PingPong{Pong: true, Sender: p.topo.SelfId()}
			missing := p.log.MissingAcks(ping, snapshot, time.Now(), livenessAckWindow)
			if len(missing) > 0 {
				p.dropNeighbors(missing)
				p.SendUpdate()
			}
		}
	}
}

func (p *Protocol) dropNeighbors(dead map[packet.NodeId]struct{}) {
	remaining := p.topo.Neighbors()
	kept := remaining[:0]
	for _, n := range remaining {
		if _, gone := dead[n]; !gone {
			kept = append(kept, n)
		}
	}
	p.topo.SetSelfNeighbors(kept)
}

// Planned wraps planner.GetTransmitters over the current topology snapshot.
func (p *Protocol) Planned(source packet.NodeId) map[packet.NodeId][]packet.NodeId {
	return planner.GetTransmitters(p.topo.LinkStates(), source)
}
