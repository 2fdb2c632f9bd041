// Package packetlog is the append-only record of frames this node has sent
// and received, used to answer "did anyone ack that yet" and "have I said
// anything lately" queries for the arbiter and the liveness checks.
package packetlog

import (
	"sync"
	"time"

	"meshchat/internal/packet"
)

// Entry is one timestamped record. Sent distinguishes a frame this node
// transmitted from one it overheard, since hasTrafficWithin only counts the
// former.
type Entry struct {
	Packet   packet.Packet
	RecvTime time.Time
	Sent     bool
}

// Log is safe for concurrent use; Record is the only writer, and grows
// without bound for the life of the process (retention is implicit: callers
// filter by a timeout window rather than the log pruning itself).
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

func New() *Log {
	return &Log{}
}

// RecordReceived appends an inbound frame observed at t.
func (l *Log) RecordReceived(p packet.Packet, t time.Time) {
	l.record(Entry{Packet: p, RecvTime: t, Sent: false})
}

// RecordSent appends an outbound frame this node emitted at t.
func (l *Log) RecordSent(p packet.Packet, t time.Time) {
	l.record(Entry{Packet: p, RecvTime: t, Sent: true})
}

func (l *Log) record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *Log) snapshotSince(since time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if !e.RecvTime.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// HasTrafficWithin reports whether this node emitted any packet within the
// last timeout.
func (l *Log) HasTrafficWithin(now time.Time, timeout time.Duration) bool {
	for _, e := range l.snapshotSince(now.Add(-timeout)) {
		if e.Sent {
			return true
		}
	}
	return false
}

// MissingAcks returns expected minus the set of NodeIds whose records,
// within the last timeout ending at now, satisfy isAckOf(original, record).
func (l *Log) MissingAcks(original packet.Packet, expected map[packet.NodeId]struct{}, now time.Time, timeout time.Duration) map[packet.NodeId]struct{} {
	missing := make(map[packet.NodeId]struct{}, len(expected))
	for id := range expected {
		missing[id] = struct{}{}
	}
	for _, e := range l.snapshotSince(now.Add(-timeout)) {
		if !IsAckOf(original, e.Packet) {
			continue
		}
		sourced, ok := e.Packet.(packet.Sourced)
		if !ok {
			continue
		}
		delete(missing, sourced.SenderID())
	}
	return missing
}

// IsAckOf implements the asymmetric relations in the packet-log design: for
// each "original" kind, which received packet kinds count as acknowledging
// it. PING_PONG is special-cased to mean "any packet" since it exists only
// to probe for liveness, not to acknowledge any specific send.
func IsAckOf(original, candidate packet.Packet) bool {
	switch orig := original.(type) {
	case *packet.LinkStateUpdate:
		cand, ok := candidate.(*packet.LinkStateUpdate)
		return ok && cand.Source == orig.Source && cand.Sequence == orig.Sequence
	case *packet.LinkStateRequest:
		cand, ok := candidate.(*packet.LinkStateUpdate)
		return ok && cand.Source == orig.Source && cand.Sender == orig.Destination
	case *packet.SessionUpdate:
		cand, ok := candidate.(*packet.SessionUpdate)
		return ok && cand.Source == orig.Source
	case *packet.Data:
		cand, ok := candidate.(*packet.DataAck)
		return ok && cand.Source == orig.Source && cand.Sequence == orig.Sequence
	case *packet.RequestID:
		cand, ok := candidate.(*packet.IssueID)
		return ok && cand.Source == orig.Destination
	case *packet.PingPong:
		return true
	default:
		return false
	}
}
