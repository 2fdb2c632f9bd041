package addressing

import (
	"testing"
	"time"

	"meshchat/internal/packet"
	"meshchat/internal/topology"
)

type fakeSender struct {
	scheduled []packet.Packet
	resolve   func(p packet.Packet, expected map[packet.NodeId]struct{}) map[packet.NodeId]struct{}
}

func (f *fakeSender) Schedule(p packet.Packet, from, to time.Duration) {
	f.scheduled = append(f.scheduled, p)
}

func (f *fakeSender) SendReliableAndWait(p packet.Packet, from, to, timeout time.Duration, attempts int, expectedAcks map[packet.NodeId]struct{}) map[packet.NodeId]struct{} {
	f.scheduled = append(f.scheduled, p)
	if f.resolve != nil {
		return f.resolve(p, expectedAcks)
	}
	return expectedAcks
}

func TestStartNoNeighborsSelfAssignsOne(t *testing.T) {
	topo := topology.New()
	sender := &fakeSender{}
	a := New(topo, sender)

	id := a.Start(nil, 1000)
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}
	if topo.SelfId() != 1 {
		t.Fatal("self id should be set to 1")
	}
	if len(sender.scheduled) != 0 {
		t.Fatal("no REQUEST_ID should be sent without neighbors")
	}
}

func TestStartSendsRequestIDToHighestNeighbor(t *testing.T) {
	topo := topology.New()
	sender := &fakeSender{}
	a := New(topo, sender)

	// simulate the issuer confirming our id while SendReliableAndWait
	// would be "in flight" in a real node: HandleIssueID is what a
	// concurrent inbound dispatch would call.
	sender.resolve = func(p packet.Packet, expected map[packet.NodeId]struct{}) map[packet.NodeId]struct{} {
		a.HandleIssueID(&packet.IssueID{Source: 9, SuggestedId: 4, Timestamp: p.(*packet.RequestID).Timestamp}, 9, true)
		return nil
	}

	id := a.Start([]packet.NodeId{3, 9, 5}, 1000)
	if id != 4 {
		t.Fatalf("id = %d, want 4 (from the simulated ISSUE_ID)", id)
	}

	req, ok := sender.scheduled[0].(*packet.RequestID)
	if !ok || req.Destination != 9 {
		t.Fatalf("REQUEST_ID should target the highest neighbor 9: %+v", sender.scheduled[0])
	}
}

func TestStartFallsBackToOneOnTimeout(t *testing.T) {
	topo := topology.New()
	sender := &fakeSender{}
	a := New(topo, sender)

	id := a.Start([]packet.NodeId{9}, 1000)
	if id != 1 {
		t.Fatalf("id = %d, want 1 after no matching ISSUE_ID arrives", id)
	}
}

func TestHandleRequestIDReusesSuggestionOnRetransmit(t *testing.T) {
	topo := topology.New()
	topo.SetSelfId(9)
	topo.UnionTaken([]packet.NodeId{9, 4})
	sender := &fakeSender{}
	a := New(topo, sender)

	first := a.HandleRequestID(&packet.RequestID{Sender: 3, Destination: 9, Timestamp: 500})
	second := a.HandleRequestID(&packet.RequestID{Sender: 3, Destination: 9, Timestamp: 500})

	if first.SuggestedId != second.SuggestedId {
		t.Fatalf("retransmitted request should get the same suggestion: %d vs %d", first.SuggestedId, second.SuggestedId)
	}
}

func TestHandleRequestIDIgnoresOtherDestination(t *testing.T) {
	topo := topology.New()
	topo.SetSelfId(9)
	sender := &fakeSender{}
	a := New(topo, sender)

	got := a.HandleRequestID(&packet.RequestID{Sender: 3, Destination: 2, Timestamp: 500})
	if got != nil {
		t.Fatal("a request addressed to another node should produce no ISSUE_ID")
	}
}

func TestHandleIssueIDEavesdropUpdatesProvisionalWithoutConfirming(t *testing.T) {
	topo := topology.New()
	topo.SetSelfId(0)
	sender := &fakeSender{}
	a := New(topo, sender)

	a.HandleIssueID(&packet.IssueID{Source: 9, SuggestedId: 4, Timestamp: 777}, 0, false)

	id, ok := a.provisional.Lookup(777)
	if !ok || id != 4 {
		t.Fatal("eavesdropped ISSUE_ID should still update the provisional table")
	}
	if topo.SelfId() != 0 {
		t.Fatal("eavesdropping must not confirm self's id")
	}
}
