// Package topology holds the process-wide view of the mesh: this node's
// own id, its one-hop neighbors, the set of ids known to be taken, and the
// link-state map reported by every other node.
package topology

import (
	"sort"
	"sync"

	"meshchat/internal/packet"
)

// LinkState is one node's self-reported view of its own one-hop
// neighborhood, as flooded via LINK_STATE_UPDATE. Sequence increases
// monotonically (mod 256) on every self-originated update; the store never
// replaces a stored LinkState unless an incoming one has a strictly greater
// sequence and a different neighbor set.
type LinkState struct {
	NodeId    packet.NodeId
	Sequence  uint8
	Neighbors map[packet.NodeId]struct{}
}

func newLinkState(nodeId packet.NodeId, sequence uint8, neighbors []packet.NodeId) LinkState {
	ls := LinkState{NodeId: nodeId, Sequence: sequence, Neighbors: make(map[packet.NodeId]struct{}, len(neighbors))}
	for _, n := range neighbors {
		ls.Neighbors[n] = struct{}{}
	}
	return ls
}

// NeighborList returns the neighbor set as a sorted slice, the form the
// planner and packet codec both want.
func (ls LinkState) NeighborList() []packet.NodeId {
	out := make([]packet.NodeId, 0, len(ls.Neighbors))
	for n := range ls.Neighbors {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (ls LinkState) sameNeighbors(other map[packet.NodeId]struct{}) bool {
	if len(ls.Neighbors) != len(other) {
		return false
	}
	for n := range ls.Neighbors {
		if _, ok := other[n]; !ok {
			return false
		}
	}
	return true
}

// Topology is the controller's single source of truth for addressing,
// routing, and planning. Every mutation is expected to run under the
// controller's own lock (callers serialize writes); the exported RLock-style
// reads here exist so read-only callers (the planner, logging) don't need to
// reach into the controller for a copy.
type Topology struct {
	mu sync.RWMutex

	selfId     packet.NodeId
	neighbors  map[packet.NodeId]struct{}
	takenIds   map[packet.NodeId]struct{}
	linkStates map[packet.NodeId]LinkState
}

func New() *Topology {
	return &Topology{
		neighbors:  make(map[packet.NodeId]struct{}),
		takenIds:   make(map[packet.NodeId]struct{}),
		linkStates: make(map[packet.NodeId]LinkState),
	}
}

func (t *Topology) SelfId() packet.NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selfId
}

func (t *Topology) SetSelfId(id packet.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selfId = id
}

func (t *Topology) IsNeighbor(id packet.NodeId) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.neighbors[id]
	return ok
}

func (t *Topology) AddNeighbor(id packet.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.neighbors[id] = struct{}{}
}

func (t *Topology) Neighbors() []packet.NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]packet.NodeId, 0, len(t.neighbors))
	for n := range t.neighbors {
		out = append(out, n)
	}
	return out
}

func (t *Topology) IsTaken(id packet.NodeId) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.takenIds[id]
	return ok
}

func (t *Topology) AddTaken(id packet.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.takenIds[id] = struct{}{}
}

func (t *Topology) UnionTaken(ids []packet.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.takenIds[id] = struct{}{}
	}
}

// TakenIds returns a snapshot of every id known to be occupied.
func (t *Topology) TakenIds() []packet.NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]packet.NodeId, 0, len(t.takenIds))
	for id := range t.takenIds {
		out = append(out, id)
	}
	return out
}

// MaxTaken returns the highest known taken id, or 0 if none are known.
func (t *Topology) MaxTaken() packet.NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var max packet.NodeId
	for id := range t.takenIds {
		if id > max {
			max = id
		}
	}
	return max
}

// LinkState returns the stored link state for nodeId, if any.
func (t *Topology) LinkState(nodeId packet.NodeId) (LinkState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ls, ok := t.linkStates[nodeId]
	return ls, ok
}

// LinkStates returns a snapshot of the full link-state map, keyed by node id.
func (t *Topology) LinkStates() map[packet.NodeId]LinkState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[packet.NodeId]LinkState, len(t.linkStates))
	for id, ls := range t.linkStates {
		out[id] = ls
	}
	return out
}

// MissingLinkStates returns every taken id lacking a stored link state.
func (t *Topology) MissingLinkStates() []packet.NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var missing []packet.NodeId
	for id := range t.takenIds {
		if _, ok := t.linkStates[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// AdoptLinkState applies the admission rule from the link-state protocol:
// accept the incoming report iff there is no stored state for its nodeId, or
// the incoming sequence is strictly greater and the neighbor set differs.
// Reports true if adopted.
func (t *Topology) AdoptLinkState(nodeId packet.NodeId, sequence uint8, neighbors []packet.NodeId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	neighborSet := make(map[packet.NodeId]struct{}, len(neighbors))
	for _, n := range neighbors {
		neighborSet[n] = struct{}{}
	}

	existing, ok := t.linkStates[nodeId]
	if ok && (sequence <= existing.Sequence || existing.sameNeighbors(neighborSet)) {
		return false
	}

	t.linkStates[nodeId] = LinkState{NodeId: nodeId, Sequence: sequence, Neighbors: neighborSet}
	return true
}

// EnforceSymmetry walks every stored link state and adds or removes sourceId
// from its neighbor set depending on whether sourceId is itself one of
// newNeighbors — the union-of-reports symmetry rule from the link-state
// protocol.
func (t *Topology) EnforceSymmetry(sourceId packet.NodeId, newNeighbors map[packet.NodeId]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for nodeId, ls := range t.linkStates {
		if nodeId == sourceId {
			continue
		}
		if _, present := newNeighbors[nodeId]; present {
			ls.Neighbors[sourceId] = struct{}{}
		} else {
			delete(ls.Neighbors, sourceId)
		}
		t.linkStates[nodeId] = ls
	}
}

// NextSequence increments and returns the self node's link-state sequence,
// creating an empty self entry on first use.
func (t *Topology) NextSequence() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls, ok := t.linkStates[t.selfId]
	if !ok {
		ls = newLinkState(t.selfId, 0, nil)
	}
	ls.Sequence++
	t.linkStates[t.selfId] = ls
	return ls.Sequence
}

// SetSelfNeighbors overwrites the self node's stored neighbor set without
// bumping the sequence, used when a fresh LinkState struct is built for
// sendUpdate rather than mutated in place.
func (t *Topology) SetSelfNeighbors(neighbors []packet.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls := t.linkStates[t.selfId]
	ls.NodeId = t.selfId
	ls.Neighbors = make(map[packet.NodeId]struct{}, len(neighbors))
	for _, n := range neighbors {
		ls.Neighbors[n] = struct{}{}
	}
	t.linkStates[t.selfId] = ls
}
