package planner

import (
	"reflect"
	"testing"

	"meshchat/internal/packet"
	"meshchat/internal/topology"
)

func ls(id packet.NodeId, neighbors ...packet.NodeId) topology.LinkState {
	set := make(map[packet.NodeId]struct{}, len(neighbors))
	for _, n := range neighbors {
		set[n] = struct{}{}
	}
	return topology.LinkState{NodeId: id, Sequence: 1, Neighbors: set}
}

func TestGetTransmittersLinearChain(t *testing.T) {
	// 1 - 2 - 3: source 1 must relay through 2 to reach 3.
	states := map[packet.NodeId]topology.LinkState{
		1: ls(1, 2),
		2: ls(2, 1, 3),
		3: ls(3, 2),
	}

	got := GetTransmitters(states, 1)
	want := map[packet.NodeId][]packet.NodeId{
		1: {2},
		2: {3},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGetTransmittersStarTopology(t *testing.T) {
	// source 1 reaches 2,3,4 directly: one transmitter, no relay needed.
	states := map[packet.NodeId]topology.LinkState{
		1: ls(1, 2, 3, 4),
		2: ls(2, 1),
		3: ls(3, 1),
		4: ls(4, 1),
	}

	got := GetTransmitters(states, 1)
	want := map[packet.NodeId][]packet.NodeId{
		1: {2, 3, 4},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGetTransmittersPicksHigherIdOnTie(t *testing.T) {
	// both 2 and 3 are one-hop from source 1 and each reaches 4, the only
	// receiver left after the source's own turn; the tie must go to the
	// higher candidate id, 3.
	states := map[packet.NodeId]topology.LinkState{
		1: ls(1, 2, 3),
		2: ls(2, 1, 4),
		3: ls(3, 1, 4),
		4: ls(4, 2, 3),
	}

	got := GetTransmitters(states, 1)
	if _, ok := got[1]; !ok {
		t.Fatalf("source must be a transmitter: %v", got)
	}
	want := map[packet.NodeId][]packet.NodeId{
		1: {2, 3},
		3: {4},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGetTransmittersDeterministic(t *testing.T) {
	states := map[packet.NodeId]topology.LinkState{
		1: ls(1, 2, 3),
		2: ls(2, 1, 4, 5),
		3: ls(3, 1, 5, 6),
		4: ls(4, 2),
		5: ls(5, 2, 3),
		6: ls(6, 3),
	}

	first := GetTransmitters(states, 1)
	for i := 0; i < 10; i++ {
		got := GetTransmitters(states, 1)
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("non-deterministic output: %v vs %v", got, first)
		}
	}
}

// eightNodeGraph is the worked example graph: 1→{4,5,7}, 2→{4,6,7},
// 3→{4,8}, 4→{1,2,3,7,8}, 5→{1}, 6→{2}, 7→{1,2,4}, 8→{3,4}.
func eightNodeGraph() map[packet.NodeId]topology.LinkState {
	return map[packet.NodeId]topology.LinkState{
		1: ls(1, 4, 5, 7),
		2: ls(2, 4, 6, 7),
		3: ls(3, 4, 8),
		4: ls(4, 1, 2, 3, 7, 8),
		5: ls(5, 1),
		6: ls(6, 2),
		7: ls(7, 1, 2, 4),
		8: ls(8, 3, 4),
	}
}

func TestGetTransmittersCenteredSource(t *testing.T) {
	got := GetTransmitters(eightNodeGraph(), 4)
	want := map[packet.NodeId][]packet.NodeId{
		4: {1, 2, 3, 7, 8},
		1: {5},
		2: {6},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGetTransmittersCornerSource(t *testing.T) {
	got := GetTransmitters(eightNodeGraph(), 5)
	want := map[packet.NodeId][]packet.NodeId{
		5: {1},
		1: {4, 7},
		4: {2, 3, 8},
		2: {6},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGetTransmittersIgnoresNeighborWithNoLinkState(t *testing.T) {
	// node 2 is a neighbor of source but never reported its own link state,
	// so it is not itself a receiver that needs covering and must not be
	// chosen as a forwarder.
	states := map[packet.NodeId]topology.LinkState{
		1: ls(1, 2, 3),
		3: ls(3, 1),
	}

	got := GetTransmitters(states, 1)
	if _, ok := got[2]; ok {
		t.Fatalf("node without a stored link state must not become a transmitter: %v", got)
	}
	want := map[packet.NodeId][]packet.NodeId{1: {3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
