// Package session implements the per-message session protocol: the
// SESSION_UPDATE handshake, multi-hop relay driven by the broadcast
// planner, and DATA/DATA_ACK exchange through the sliding window.
package session

import (
	"sort"
	"sync"
	"time"

	"meshchat/internal/packet"
	"meshchat/internal/packetlog"
	"meshchat/internal/planner"
	"meshchat/internal/topology"
	"meshchat/internal/window"
)

const (
	sessionUpdateAttempts = 2
	sessionUpdateTimeout  = 5 * time.Second
	sessionAckWait        = 5 * time.Second
	transmitterStartDelay = 500 * time.Millisecond
	relayAttempts         = 2
	relayReliableTimeout  = 1 * time.Second
	relayBroadcastMin     = 200 * time.Millisecond
	relayBroadcastMax     = 500 * time.Millisecond
	seqCount              = 16
)

// Sender is the arbiter surface the session protocol needs.
type Sender interface {
	Schedule(p packet.Packet, from, to time.Duration)
	SendReliableAndWait(p packet.Packet, from, to, timeout time.Duration, attempts int, expectedAcks map[packet.NodeId]struct{}) map[packet.NodeId]struct{}
	SendReliable(p packet.Packet, from, to, timeout time.Duration, attempts int, expectedAcks map[packet.NodeId]struct{}, onDone func(missing map[packet.NodeId]struct{}))
}

// pendingSend is one queued outgoing message waiting for the current
// session to finish.
type pendingSend struct {
	packets   []*packet.Data
	receivers map[packet.NodeId]struct{}
	fromUser  bool
}

// outgoing tracks the single active session this node is sending.
type outgoing struct {
	packets     []*packet.Data
	receivers   map[packet.NodeId]struct{}
	sessionAcks map[packet.NodeId]struct{}
	transmitter *window.Transmitter
}

// incoming tracks one session this node is receiving (as final destination
// or as a relay point) keyed by its source id.
type incoming struct {
	receiver *window.Receiver
	startSeq uint8
}

// Manager drives the session protocol for one node. The controller calls
// its methods outside the controller's own lock, since a relay or a
// reassembled forward can block on a reliable send; mu guards the active
// session, the send queue and the receive sessions, which background
// goroutines also touch.
type Manager struct {
	mu sync.Mutex

	topo   *topology.Topology
	sender Sender
	log    *packetlog.Log

	current          *outgoing
	sendQueue        []pendingSend
	incomingBySource map[packet.NodeId]*incoming

	// OnMessage is invoked with the reassembled packets once any receive
	// session completes, including one this node only relays; nil is a
	// valid no-op default.
	OnMessage func(sourceId packet.NodeId, packets []*packet.Data)
}

func NewManager(topo *topology.Topology, sender Sender, log *packetlog.Log) *Manager {
	return &Manager{
		topo:             topo,
		sender:           sender,
		log:              log,
		incomingBySource: make(map[packet.NodeId]*incoming),
	}
}

// SendPackets starts (or queues, if one is already active) an outgoing
// session carrying packets to receivers.
func (m *Manager) SendPackets(packets []*packet.Data, receivers map[packet.NodeId]struct{}, fromUser bool) {
	m.mu.Lock()
	if m.current != nil {
		m.sendQueue = append(m.sendQueue, pendingSend{packets: packets, receivers: receivers, fromUser: fromUser})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.startSession(packets, receivers)
}

func (m *Manager) startSession(packets []*packet.Data, receivers map[packet.NodeId]struct{}) {
	self := m.topo.SelfId()

	m.mu.Lock()
	m.current = &outgoing{
		packets:     packets,
		receivers:   receivers,
		sessionAcks: make(map[packet.NodeId]struct{}),
	}
	m.mu.Unlock()

	update := &packet.SessionUpdate{PacketCount: uint8(len(packets)), Sender: self, Source: self}
	m.sender.SendReliableAndWait(update, 0, 200*time.Millisecond, sessionUpdateTimeout, sessionUpdateAttempts, receivers)

	m.awaitSessionAcks(receivers, sessionAckWait)

	time.AfterFunc(transmitterStartDelay, func() {
		m.mu.Lock()
		cur := m.current
		m.mu.Unlock()
		if cur == nil {
			return
		}
		tx := window.NewTransmitter(cur.packets, cur.receivers, 0, seqCount, m.sender)
		m.mu.Lock()
		cur.transmitter = tx
		m.mu.Unlock()

		tx.Transmit()
		m.finishSession()
	})
}

func (m *Manager) awaitSessionAcks(receivers map[packet.NodeId]struct{}, maxWait time.Duration) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		m.mu.Lock()
		cur := m.current
		complete := cur != nil && len(cur.sessionAcks) >= len(receivers)
		m.mu.Unlock()
		if complete {
			return
		}
		<-ticker.C
	}
}

func (m *Manager) finishSession() {
	m.mu.Lock()
	m.current = nil
	var next *pendingSend
	if len(m.sendQueue) > 0 {
		next = &m.sendQueue[0]
		m.sendQueue = m.sendQueue[1:]
	}
	m.mu.Unlock()

	if next != nil {
		m.startSession(next.packets, next.receivers)
	}
}

// HandleSessionUpdate processes an inbound SESSION_UPDATE: if it originates
// elsewhere, it opens a receive session and relays; if it echoes our own
// session, it records the ack.
func (m *Manager) HandleSessionUpdate(u *packet.SessionUpdate) []packet.NodeId {
	self := m.topo.SelfId()

	if u.Source == self {
		m.mu.Lock()
		if m.current != nil {
			m.current.sessionAcks[u.Sender] = struct{}{}
		}
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	if _, exists := m.incomingBySource[u.Source]; !exists {
		m.incomingBySource[u.Source] = &incoming{
			receiver: window.NewReceiver(int(u.PacketCount), 0, window.SendWindowSize, seqCount),
			startSeq: 0,
		}
	}
	m.mu.Unlock()

	return m.relaySessionUpdate(u)
}

// relaySessionUpdate implements the planner-driven forwarding rule for
// SESSION_UPDATE: only a node the planner lists among the receivers of the
// packet's current sender relays it onward, rewritten with self as sender.
// The relay goes reliably to self's own planned receivers, or as an
// unreliable broadcast when the planner gives self none.
func (m *Manager) relaySessionUpdate(u *packet.SessionUpdate) []packet.NodeId {
	self := m.topo.SelfId()
	transmitters := planner.GetTransmitters(m.topo.LinkStates(), u.Source)

	isReceiver := false
	for _, r := range transmitters[u.Sender] {
		if r == self {
			isReceiver = true
		}
	}
	if !isReceiver {
		return nil
	}
	receivers := transmitters[self]

	forward := &packet.SessionUpdate{PacketCount: u.PacketCount, Sender: self, Source: u.Source}

	if len(receivers) > 0 {
		m.sender.SendReliableAndWait(forward, 0, 200*time.Millisecond, relayReliableTimeout, relayAttempts, toSet(receivers))
	} else {
		m.sender.Schedule(forward, relayBroadcastMin, relayBroadcastMax)
	}
	return receivers
}

// HandleData feeds an inbound DATA packet to the matching receive session,
// schedules a staggered DATA_ACK, and if the session is now complete,
// reassembles it, hands it to OnMessage, and forwards it onward as a
// non-user send if this node has downstream receivers. The ack delay is
// staggered by AckOrder: the count of peers the planner assigns to the
// same upstream sender with a smaller NodeId than self, per spec.md's
// ack-collision-avoidance rule.
func (m *Manager) HandleData(d *packet.Data) {
	m.mu.Lock()
	sess, ok := m.incomingBySource[d.Source]
	m.mu.Unlock()
	if !ok {
		return
	}

	if !sess.receiver.ReceivePacket(d) {
		return
	}

	self := m.topo.SelfId()
	transmitters := planner.GetTransmitters(m.topo.LinkStates(), d.Source)
	ackOrder := AckOrder(transmitters, d.Sender, self)

	ack := &packet.DataAck{Sender: self, Source: d.Source, Sequence: d.Sequence}
	m.sender.Schedule(ack, time.Duration(ackOrder)*100*time.Millisecond, time.Duration(ackOrder)*100*time.Millisecond+time.Millisecond)

	if !sess.receiver.HasAllPackets() {
		return
	}

	m.mu.Lock()
	delete(m.incomingBySource, d.Source)
	m.mu.Unlock()

	full := sess.receiver.Packets()
	if m.OnMessage != nil {
		m.OnMessage(d.Source, full)
	}

	if receivers, isForwarder := transmitters[self]; isForwarder && len(receivers) > 0 {
		m.SendPackets(full, toSet(receivers), false)
	}
}

// HandleDataAck forwards an ack to the active transmitter, if any, and if
// the ack's source is this node's own outgoing session.
func (m *Manager) HandleDataAck(a *packet.DataAck) {
	self := m.topo.SelfId()
	if a.Source != self {
		return
	}
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil || cur.transmitter == nil {
		return
	}
	cur.transmitter.OnDataAck(a.Sender, a.Sequence)
}

// AckOrder returns the staggering index spec.md's DATA handler needs: the
// count of peers the planner assigns to the same upstream sender as self,
// with a smaller NodeId than self.
func AckOrder(transmitters map[packet.NodeId][]packet.NodeId, upstreamSender, self packet.NodeId) int {
	receivers, ok := transmitters[upstreamSender]
	if !ok {
		return 0
	}
	order := 0
	for _, r := range receivers {
		if r < self {
			order++
		}
	}
	return order
}

func toSet(ids []packet.NodeId) map[packet.NodeId]struct{} {
	set := make(map[packet.NodeId]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// sortedIds is a small helper kept for deterministic test assertions over
// map-derived id sets.
func sortedIds(ids map[packet.NodeId]struct{}) []packet.NodeId {
	out := make([]packet.NodeId, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
