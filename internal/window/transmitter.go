package window

import (
	"sync"
	"time"

	"meshchat/internal/packet"
)

// SendWindowSize bounds how many unacked sequences a transmitter may have
// in flight at once.
const SendWindowSize = 4

// Sender is the transmitter's dependency on the reliable-send machinery;
// satisfied by the arbiter in production and a fake in tests.
type Sender interface {
	SendReliable(p packet.Packet, from, to, timeout time.Duration, attempts int, expectedAcks map[packet.NodeId]struct{}, onDone func(missing map[packet.NodeId]struct{}))
}

// Transmitter drives one session's outgoing DATA packets through the
// modular sequence space, advancing the send window only as acks arrive and
// retrying per-packet against a shrinking receiver set.
type Transmitter struct {
	mu sync.Mutex

	seqCount   uint8
	windowSize uint8

	packets         []*packet.Data
	leftReceivers   map[packet.NodeId]struct{}
	awaitedAcks     map[uint8]map[packet.NodeId]struct{}
	lastAckReceived int
	lastSeqSent     int
	sentAllPackets  bool
	done            bool

	sender Sender
}

func NewTransmitter(packets []*packet.Data, receivers map[packet.NodeId]struct{}, startSeq uint8, seqCount uint8, sender Sender) *Transmitter {
	receiversCopy := make(map[packet.NodeId]struct{}, len(receivers))
	for r := range receivers {
		receiversCopy[r] = struct{}{}
	}
	t := &Transmitter{
		seqCount:        seqCount,
		windowSize:      SendWindowSize,
		packets:         packets,
		leftReceivers:   receiversCopy,
		awaitedAcks:     make(map[uint8]map[packet.NodeId]struct{}),
		lastAckReceived: int(startSeq) - 1,
		lastSeqSent:     int(startSeq) - 1,
		sender:          sender,
	}
	return t
}

func (t *Transmitter) seqMod(v int) uint8 {
	m := int(t.seqCount)
	return uint8(((v % m) + m) % m)
}

// Transmit drives every packet through the window, blocking until either
// every ack is in or the final 5s drain times out. It is meant to run on
// its own goroutine.
func (t *Transmitter) Transmit() {
	for i, p := range t.packets {
		if !t.awaitFreeWindowSpace(20 * time.Second) {
			return
		}

		t.mu.Lock()
		seq := p.Sequence
		receivers := make(map[packet.NodeId]struct{}, len(t.leftReceivers))
		for r := range t.leftReceivers {
			receivers[r] = struct{}{}
		}
		t.awaitedAcks[seq] = receivers
		t.lastSeqSent = int(seq)
		if i == len(t.packets)-1 {
			t.sentAllPackets = true
		}
		t.mu.Unlock()

		timeout := time.Duration(len(receivers)) * time.Second
		t.sender.SendReliable(p, 0, 0, timeout, 2, receivers, func(missing map[packet.NodeId]struct{}) {
			t.onLostReceivers(missing)
			t.forceAck(seq)
		})
	}

	t.awaitAllAcks(5 * time.Second)
}

// onLostReceivers removes receivers that never acked within budget from the
// shared leftReceivers set so later packets aren't sent to a dead peer.
func (t *Transmitter) onLostReceivers(missing map[packet.NodeId]struct{}) {
	if len(missing) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for r := range missing {
		delete(t.leftReceivers, r)
	}
}

// forceAck clears any receivers still outstanding for seq once its retry
// budget is exhausted, treating the hole as closed rather than stalling the
// window forever on an unreachable peer.
func (t *Transmitter) forceAck(seq uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.awaitedAcks[seq]; !ok {
		return
	}
	delete(t.awaitedAcks, seq)
	t.handleAckLocked(seq)
}

// OnDataAck records an ack from senderId for seq, closing out the sequence
// once every expected receiver has answered.
func (t *Transmitter) OnDataAck(senderId packet.NodeId, seq uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.awaitedAcks[seq]
	if !ok {
		return
	}
	delete(set, senderId)
	if len(set) == 0 {
		delete(t.awaitedAcks, seq)
		t.handleAckLocked(seq)
	}
}

// handleAckLocked must be called with mu held; it advances lastAckReceived
// past any now-fully-acked contiguous run and wakes waiters.
func (t *Transmitter) handleAckLocked(seq uint8) {
	if t.sentAllPackets && len(t.awaitedAcks) == 0 {
		t.done = true
		return
	}

	if int(seq) != int(t.seqMod(t.lastAckReceived+1)) {
		return
	}

	for int(t.seqMod(t.lastAckReceived)) != t.lastSeqSent {
		next := t.seqMod(t.lastAckReceived + 1)
		if _, stillAwaited := t.awaitedAcks[next]; stillAwaited {
			break
		}
		t.lastAckReceived++
	}
}

// awaitFreeWindowSpace blocks until the send window has room or cap
// elapses, returning false on timeout (the caller should abort the
// transmitter).
func (t *Transmitter) awaitFreeWindowSpace(maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		t.mu.Lock()
		inFlight := (t.lastSeqSent - t.lastAckReceived + int(t.seqCount)) % int(t.seqCount)
		free := inFlight < int(t.windowSize)
		t.mu.Unlock()
		if free {
			return true
		}
		<-ticker.C
	}
	return false
}

func (t *Transmitter) awaitAllAcks(maxWait time.Duration) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		t.mu.Lock()
		done := t.done
		t.mu.Unlock()
		if done {
			return
		}
		<-ticker.C
	}
}

// Done reports whether every packet has been sent and acked (or force-acked).
func (t *Transmitter) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Receivers returns the current set of still-reachable receivers.
func (t *Transmitter) Receivers() map[packet.NodeId]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[packet.NodeId]struct{}, len(t.leftReceivers))
	for r := range t.leftReceivers {
		out[r] = struct{}{}
	}
	return out
}
