package topology

import (
	"testing"

	"meshchat/internal/packet"
)

func TestAdoptLinkStateFirstReport(t *testing.T) {
	tp := New()
	if !tp.AdoptLinkState(3, 1, []packet.NodeId{4, 5}) {
		t.Fatal("first report for a node should always be adopted")
	}
	ls, ok := tp.LinkState(3)
	if !ok {
		t.Fatal("link state should now be stored")
	}
	if ls.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", ls.Sequence)
	}
}

func TestAdoptLinkStateRejectsLowerOrEqualSequence(t *testing.T) {
	tp := New()
	tp.AdoptLinkState(3, 5, []packet.NodeId{4})
	if tp.AdoptLinkState(3, 5, []packet.NodeId{4, 6}) {
		t.Fatal("equal sequence should be rejected even with different neighbors")
	}
	if tp.AdoptLinkState(3, 4, []packet.NodeId{4, 6}) {
		t.Fatal("lower sequence should be rejected")
	}
}

func TestAdoptLinkStateRejectsUnchangedNeighbors(t *testing.T) {
	tp := New()
	tp.AdoptLinkState(3, 5, []packet.NodeId{4, 6})
	if tp.AdoptLinkState(3, 6, []packet.NodeId{4, 6}) {
		t.Fatal("higher sequence with identical neighbor set should still be rejected")
	}
}

func TestAdoptLinkStateAcceptsHigherSequenceWithChangedNeighbors(t *testing.T) {
	tp := New()
	tp.AdoptLinkState(3, 5, []packet.NodeId{4, 6})
	if !tp.AdoptLinkState(3, 6, []packet.NodeId{4, 7}) {
		t.Fatal("higher sequence with a changed neighbor set should be adopted")
	}
	ls, _ := tp.LinkState(3)
	if len(ls.Neighbors) != 2 {
		t.Fatalf("neighbors = %v, want 2 entries", ls.Neighbors)
	}
}

func TestEnforceSymmetry(t *testing.T) {
	tp := New()
	tp.AdoptLinkState(1, 1, []packet.NodeId{2})
	tp.AdoptLinkState(2, 1, []packet.NodeId{1})

	tp.EnforceSymmetry(3, map[packet.NodeId]struct{}{1: {}})

	ls1, _ := tp.LinkState(1)
	if _, ok := ls1.Neighbors[3]; !ok {
		t.Fatal("node 1 is in source 3's reported neighbors, so 3 should be added to node 1's set")
	}
	ls2, _ := tp.LinkState(2)
	if _, ok := ls2.Neighbors[3]; ok {
		t.Fatal("node 2 is not in source 3's reported neighbors, so 3 should not appear there")
	}
}

func TestMissingLinkStates(t *testing.T) {
	tp := New()
	tp.UnionTaken([]packet.NodeId{1, 2, 3})
	tp.AdoptLinkState(1, 1, nil)

	missing := tp.MissingLinkStates()
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want 2 entries", missing)
	}
}

func TestMaxTaken(t *testing.T) {
	tp := New()
	if tp.MaxTaken() != 0 {
		t.Fatal("empty topology should report max taken 0")
	}
	tp.UnionTaken([]packet.NodeId{3, 7, 5})
	if tp.MaxTaken() != 7 {
		t.Fatalf("MaxTaken = %d, want 7", tp.MaxTaken())
	}
}

func TestNextSequenceIncrements(t *testing.T) {
	tp := New()
	tp.SetSelfId(9)
	if got := tp.NextSequence(); got != 1 {
		t.Fatalf("first NextSequence = %d, want 1", got)
	}
	if got := tp.NextSequence(); got != 2 {
		t.Fatalf("second NextSequence = %d, want 2", got)
	}
}
