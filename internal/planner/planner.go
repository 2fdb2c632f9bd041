// Package planner computes the minimum-forwarder broadcast schedule for a
// flood originating at a given source, given the current link-state view of
// the network. It holds no state of its own.
package planner

import (
	"sort"

	"meshchat/internal/packet"
	"meshchat/internal/topology"
)

// GetTransmitters runs the greedy set-cover used to decide, for a broadcast
// originating at source, which nodes must forward and to which receivers
// each forwarder is responsible for. The result is deterministic for a given
// linkStates snapshot: ties are always broken by picking the higher NodeId.
func GetTransmitters(linkStates map[packet.NodeId]topology.LinkState, source packet.NodeId) map[packet.NodeId][]packet.NodeId {
	leftReceivers := make(map[packet.NodeId]struct{})
	for id := range linkStates {
		if id != source {
			leftReceivers[id] = struct{}{}
		}
	}

	candidates := map[packet.NodeId]struct{}{source: {}}
	transmitters := make(map[packet.NodeId][]packet.NodeId)

	for len(leftReceivers) > 0 {
		winner, covered, found := pickWinner(candidates, linkStates, leftReceivers)
		if !found {
			delete(candidates, winner)
			continue
		}

		delete(candidates, winner)
		sort.Slice(covered, func(i, j int) bool { return covered[i] < covered[j] })
		transmitters[winner] = covered

		for _, r := range covered {
			delete(leftReceivers, r)
		}

		for _, n := range linkStates[winner].NeighborList() {
			if _, already := transmitters[n]; already {
				continue
			}
			candidates[n] = struct{}{}
		}
	}

	return transmitters
}

// pickWinner finds the candidate whose neighbor set intersects leftReceivers
// the most, breaking ties by higher NodeId. found is false when the winning
// candidate has no stored link state at all, in which case the caller must
// drop it from consideration and retry.
func pickWinner(candidates map[packet.NodeId]struct{}, linkStates map[packet.NodeId]topology.LinkState, leftReceivers map[packet.NodeId]struct{}) (packet.NodeId, []packet.NodeId, bool) {
	var best packet.NodeId
	var bestCovered []packet.NodeId
	bestScore := -1

	ids := make([]packet.NodeId, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		ls, ok := linkStates[id]
		var covered []packet.NodeId
		if ok {
			for n := range ls.Neighbors {
				if _, want := leftReceivers[n]; want {
					covered = append(covered, n)
				}
			}
		}
		score := len(covered)
		if !ok {
			score = -1
		}
		// higher NodeId wins ties since ids are visited in ascending order
		// and we use >=.
		if score >= bestScore {
			bestScore = score
			best = id
			bestCovered = covered
		}
	}

	if _, hasState := linkStates[best]; !hasState {
		return best, nil, false
	}
	return best, bestCovered, true
}
