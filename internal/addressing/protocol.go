package addressing

import (
	"time"

	"meshchat/internal/packet"
	"meshchat/internal/topology"
)

const (
	requestAttempts = 3
	requestTimeout  = 3 * time.Second
)

// Sender is what the addressing handshake needs from the arbiter.
type Sender interface {
	Schedule(p packet.Packet, from, to time.Duration)
	SendReliableAndWait(p packet.Packet, from, to, timeout time.Duration, attempts int, expectedAcks map[packet.NodeId]struct{}) map[packet.NodeId]struct{}
}

// Protocol runs the REQUEST_ID/ISSUE_ID handshake for one node: requesting
// an id from the highest-known neighbor when joining, and answering
// requests addressed to self as an issuer.
type Protocol struct {
	topo        *topology.Topology
	sender      Sender
	provisional *Provisional

	timestamp uint32
}

func New(topo *topology.Topology, sender Sender) *Protocol {
	return &Protocol{topo: topo, sender: sender, provisional: NewProvisional()}
}

// Start runs the joining-node side of the handshake: picks an id provider
// from neighbors, requests an id reliably, and falls back to self-assigning
// ID 1 either when there are no neighbors at all or the requests time out
// without a matching ISSUE_ID. Returns the id assigned either way.
func (a *Protocol) Start(neighbors []packet.NodeId, nowMs uint32) packet.NodeId {
	a.timestamp = nowMs & 0xFFFFFF

	provider, found := PickIdProvider(neighbors)
	if !found {
		a.topo.SetSelfId(1)
		a.topo.AddTaken(1)
		return 1
	}

	self := a.topo.SelfId()
	req := &packet.RequestID{Sender: self, Destination: provider, Timestamp: a.timestamp}
	a.sender.SendReliableAndWait(req, 0, 200*time.Millisecond, requestTimeout, requestAttempts,
		map[packet.NodeId]struct{}{provider: {}})

	if a.topo.SelfId() != 0 {
		return a.topo.SelfId()
	}

	a.topo.SetSelfId(1)
	a.topo.AddTaken(1)
	return 1
}

// HandleIssueID applies an ISSUE_ID this node received. If it matches an
// outstanding request (sender equals the chosen id provider and the
// timestamp matches ours), it confirms self's id. Every ISSUE_ID, matching
// or not, updates the provisional table: eavesdropping nodes must not
// re-suggest an id another issuer already promised.
func (a *Protocol) HandleIssueID(iss *packet.IssueID, expectedProvider packet.NodeId, expectingConfirmation bool) {
	a.provisional.Record(iss.Timestamp, iss.SuggestedId)
	a.topo.AddTaken(iss.SuggestedId)
	a.topo.UnionTaken(iss.Taken)

	if !expectingConfirmation || iss.Source != expectedProvider || iss.Timestamp != a.timestamp {
		return
	}
	a.topo.SetSelfId(iss.SuggestedId)
}

// HandleRequestID answers a REQUEST_ID addressed to self, reusing a
// previously issued suggestion for the same timestamp if one exists so a
// retransmitted request gets an idempotent answer.
func (a *Protocol) HandleRequestID(req *packet.RequestID) *packet.IssueID {
	self := a.topo.SelfId()
	if req.Destination != self {
		return nil
	}

	suggestion, ok := a.provisional.Lookup(req.Timestamp)
	if !ok {
		suggestion = SuggestID(a.topo.TakenIds(), a.provisional.Values())
		a.provisional.Record(req.Timestamp, suggestion)
	}

	iss := &packet.IssueID{Source: self, SuggestedId: suggestion, Timestamp: req.Timestamp, Taken: a.topo.TakenIds()}
	a.sender.Schedule(iss, 0, 200*time.Millisecond)
	return iss
}
