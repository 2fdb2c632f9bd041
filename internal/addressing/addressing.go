// Package addressing implements the REQUEST_ID / ISSUE_ID handshake that
// lets a joining node obtain a unique NodeId even when two nodes join the
// mesh nearly simultaneously.
package addressing

import (
	"sync"

	"meshchat/internal/packet"
)

// MaxAttempts is the retry budget for a REQUEST_ID before a joining node
// gives up and self-assigns ID 1.
const MaxAttempts = 3

// RequestTimeout is the per-attempt wait for a matching ISSUE_ID.
const RequestTimeout = 3000 // milliseconds, matches the arbiter's ms-based timers

// Provisional tracks timestamp-scoped ID suggestions this node has made or
// overheard, so a retransmitted REQUEST_ID gets the same answer twice and so
// a node never issues an ID another issuer already promised under the same
// timestamp.
type Provisional struct {
	mu     sync.Mutex
	issued map[uint32]packet.NodeId
}

func NewProvisional() *Provisional {
	return &Provisional{issued: make(map[uint32]packet.NodeId)}
}

// Lookup returns a previously issued suggestion for timestamp, if any.
func (p *Provisional) Lookup(timestamp uint32) (packet.NodeId, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.issued[timestamp]
	return id, ok
}

// Record stores a suggestion under timestamp, whether made by this node as
// an issuer or learned by overhearing another issuer's ISSUE_ID.
func (p *Provisional) Record(timestamp uint32, id packet.NodeId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued[timestamp] = id
}

// Values returns every id currently promised under some timestamp, used by
// the issuer to avoid re-promising an id it has already suggested to
// someone else.
func (p *Provisional) Values() []packet.NodeId {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]packet.NodeId, 0, len(p.issued))
	for _, id := range p.issued {
		out = append(out, id)
	}
	return out
}

// PickIdProvider returns the joining node's chosen issuer: the highest known
// neighbor id, or (0, false) if it has no neighbors at all, in which case
// the caller self-assigns ID 1 per the addressing protocol's fallback.
func PickIdProvider(neighbors []packet.NodeId) (packet.NodeId, bool) {
	var max packet.NodeId
	found := false
	for _, n := range neighbors {
		if !found || n > max {
			max = n
			found = true
		}
	}
	return max, found
}

// SuggestID computes the next id to offer a requester: one above the
// highest id known taken or already promised (1 when both are empty).
// takenIds and promised may overlap. The result is not clamped: when 15 is
// already taken or promised it returns 16, which does not fit the 4-bit id
// space.
func SuggestID(takenIds []packet.NodeId, promised []packet.NodeId) packet.NodeId {
	var max packet.NodeId
	for _, id := range takenIds {
		if id > max {
			max = id
		}
	}
	for _, id := range promised {
		if id > max {
			max = id
		}
	}
	return max + 1
}
