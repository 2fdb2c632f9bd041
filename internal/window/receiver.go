// Package window implements the sliding-window receiver and transmitter
// that carry a session's DATA packets across the modular sequence space.
package window

import (
	"meshchat/internal/packet"
)

// Receiver reorders inbound DATA packets for one session into sequence
// order, accepting only sequences within windowSize of the next expected
// one.
type Receiver struct {
	seqCount   uint8
	windowSize uint8

	packets              []*packet.Data
	awaitedSeqs          map[uint8]struct{}
	firstAcceptableIndex int
	lastSeqReceived      int // monotonic counter; mod seqCount gives the actual sequence value
	largestAcceptableSeq uint8
}

// NewReceiver creates a receiver expecting packetCount total DATA packets,
// starting its window at startSeq (the sequence the session's first packet
// will carry).
func NewReceiver(packetCount int, startSeq uint8, windowSize, seqCount uint8) *Receiver {
	r := &Receiver{
		seqCount:             seqCount,
		windowSize:           windowSize,
		packets:              make([]*packet.Data, packetCount),
		awaitedSeqs:          make(map[uint8]struct{}, windowSize),
		firstAcceptableIndex: 0,
		lastSeqReceived:      int(startSeq) - 1,
	}
	for i := 0; i < int(windowSize); i++ {
		r.awaitedSeqs[r.seqMod(int(startSeq)+i)] = struct{}{}
	}
	r.largestAcceptableSeq = r.seqMod(r.lastSeqReceived + int(windowSize))
	return r
}

func (r *Receiver) seqMod(v int) uint8 {
	m := int(r.seqCount)
	v = ((v % m) + m) % m
	return uint8(v)
}

// ReceivePacket stores p if it falls within the acceptance window and
// slides the window forward past any now-contiguous run. Returns false if
// the packet was rejected.
func (r *Receiver) ReceivePacket(p *packet.Data) bool {
	gap := int(r.seqMod(int(p.Sequence) - r.lastSeqReceived - 1))
	if gap >= int(r.windowSize) {
		return false
	}

	idx := r.firstAcceptableIndex + gap
	if idx >= len(r.packets) {
		return false
	}

	r.packets[idx] = p
	delete(r.awaitedSeqs, p.Sequence)

	if gap == 0 {
		r.slide()
	}
	return true
}

// slide advances lastSeqReceived past any run of sequences that are no
// longer awaited, extending awaitedSeqs and firstAcceptableIndex to match.
func (r *Receiver) slide() {
	for r.seqMod(r.lastSeqReceived) != r.largestAcceptableSeq {
		next := r.seqMod(r.lastSeqReceived + 1)
		if _, stillAwaited := r.awaitedSeqs[next]; stillAwaited {
			break
		}
		r.lastSeqReceived++
		r.awaitedSeqs[r.seqMod(r.lastSeqReceived+int(r.windowSize))] = struct{}{}
		r.firstAcceptableIndex++
	}
	r.largestAcceptableSeq = r.seqMod(r.lastSeqReceived + int(r.windowSize))
}

// HasAllPackets reports whether every slot has been filled.
func (r *Receiver) HasAllPackets() bool {
	for _, p := range r.packets {
		if p == nil {
			return false
		}
	}
	return true
}

// Packets returns the backing array in session order; only meaningful once
// HasAllPackets is true.
func (r *Receiver) Packets() []*packet.Data {
	return r.packets
}
