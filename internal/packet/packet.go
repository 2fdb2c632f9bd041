// Package packet implements the bit-level wire codec for the mesh chat
// protocol: eight packet kinds, framed as either a 2-byte "short" frame or a
// 32-byte "long" frame, all sharing a one-byte (tag<<4)|flags header.
package packet

import (
	"errors"
	"fmt"
)

// NodeId is a 4-bit node address in [1..15]. 0 means "unknown / broadcast".
type NodeId uint8

// BroadcastID is the reserved "unknown / broadcast destination" address.
const BroadcastID NodeId = 0

// Kind is the high nibble of byte 0 of every wire frame.
type Kind uint8

const (
	KindLinkStateUpdate  Kind = 1
	KindLinkStateRequest Kind = 2
	KindSessionUpdate    Kind = 3
	KindRequestID        Kind = 4
	KindPingPong         Kind = 5
	KindDataAck          Kind = 6
	KindData             Kind = 7
	KindIssueID          Kind = 8
)

func (k Kind) String() string {
	switch k {
	case KindLinkStateUpdate:
		return "LINK_STATE_UPDATE"
	case KindLinkStateRequest:
		return "LINK_STATE_REQUEST"
	case KindSessionUpdate:
		return "SESSION_UPDATE"
	case KindRequestID:
		return "REQUEST_ID"
	case KindPingPong:
		return "PING_PONG"
	case KindDataAck:
		return "DATA_ACK"
	case KindData:
		return "DATA"
	case KindIssueID:
		return "ISSUE_ID"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// ShortSize and LongSize are the two wire-frame lengths the transport
// framing understands: DATA_SHORT carries ShortSize bytes, DATA carries
// LongSize bytes.
const (
	ShortSize = 2
	LongSize  = 32

	// PayloadSize is the number of text bytes a single DATA packet carries.
	PayloadSize = 29

	// MaxNeighbors is the most neighbor IDs a LINK_STATE_UPDATE can list.
	MaxNeighbors = 26

	// MaxPacketsPerSession is the largest packetCount a SESSION_UPDATE can
	// carry. The 4-bit wire field stores packetCount-1, so 1..16 is
	// representable even though the field itself is 4 bits wide.
	MaxPacketsPerSession = 16
)

var (
	// ErrShortBuffer is returned when a decode is attempted on a frame
	// shorter than its kind requires.
	ErrShortBuffer = errors.New("packet: buffer too short")
	// ErrUnknownKind is returned when byte 0's high nibble doesn't match any
	// known packet kind.
	ErrUnknownKind = errors.New("packet: unknown kind")
	// ErrTooManyNeighbors is returned when encoding a LINK_STATE_UPDATE with
	// more than MaxNeighbors neighbors.
	ErrTooManyNeighbors = errors.New("packet: too many neighbors")
	// ErrTooManyTaken is returned when encoding an ISSUE_ID whose taken-ID
	// list does not fit the 32-byte frame.
	ErrTooManyTaken = errors.New("packet: too many taken ids")
)

// Packet is implemented by every decoded wire packet.
type Packet interface {
	Kind() Kind
	Encode() []byte
}

// Sourced is implemented by every packet kind, giving the node identity
// responsible for transmitting it. It is what lets the controller's
// neighbor-activity rule and the liveness prober treat "who sent this" the
// same way regardless of kind.
type Sourced interface {
	Packet
	SenderID() NodeId
}

func header(k Kind, nibbleA byte) byte {
	return (byte(k) << 4) | (nibbleA & 0x0F)
}

func splitByte(b byte) (hi, lo byte) {
	return b >> 4, b & 0x0F
}

// Decode inspects the high nibble of b[0] and dispatches to the matching
// kind's decoder. It returns ErrShortBuffer or ErrUnknownKind for malformed
// input; callers (the dispatcher) are expected to log and drop such frames.
func Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return nil, ErrShortBuffer
	}
	tag, _ := splitByte(b[0])
	switch Kind(tag) {
	case KindLinkStateUpdate:
		return decodeLinkStateUpdate(b)
	case KindLinkStateRequest:
		return decodeLinkStateRequest(b)
	case KindSessionUpdate:
		return decodeSessionUpdate(b)
	case KindRequestID:
		return decodeRequestID(b)
	case KindPingPong:
		return decodePingPong(b)
	case KindDataAck:
		return decodeDataAck(b)
	case KindData:
		return decodeData(b)
	case KindIssueID:
		return decodeIssueID(b)
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownKind, tag)
	}
}

// ---- LINK_STATE_UPDATE (32 bytes) ----

// LinkStateUpdate floods one node's view of its one-hop neighbors.
type LinkStateUpdate struct {
	Sender    NodeId
	Source    NodeId
	Sequence  uint8
	TTL       uint8
	Neighbors []NodeId
}

func (p *LinkStateUpdate) Kind() Kind       { return KindLinkStateUpdate }
func (p *LinkStateUpdate) SenderID() NodeId { return p.Sender }

func (p *LinkStateUpdate) Encode() []byte {
	if len(p.Neighbors) > MaxNeighbors {
		panic(ErrTooManyNeighbors)
	}
	b := make([]byte, LongSize)
	b[0] = header(KindLinkStateUpdate, 0)
	b[1] = (byte(p.Sender) << 4) | (byte(p.Source) & 0x0F)
	b[2] = p.Sequence
	b[3] = p.TTL
	packNibbles(b[4:17], p.Neighbors)
	return b
}

func decodeLinkStateUpdate(b []byte) (*LinkStateUpdate, error) {
	if len(b) < LongSize {
		return nil, ErrShortBuffer
	}
	sender, source := splitByte(b[1])
	return &LinkStateUpdate{
		Sender:    NodeId(sender),
		Source:    NodeId(source),
		Sequence:  b[2],
		TTL:       b[3],
		Neighbors: unpackNibbles(b[4:17], MaxNeighbors),
	}, nil
}

// ---- LINK_STATE_REQUEST (2 bytes) ----

// LinkStateRequest asks Destination to (re)send the link state it holds for
// Source. Sender is the node transmitting the request (not a spec.md wire
// field in its own right, but every kind needs one so neighbor-activity and
// liveness tracking can treat "who sent this" uniformly; we spend the
// otherwise-unused flags nibble on it).
type LinkStateRequest struct {
	Sender      NodeId
	Destination NodeId
	Source      NodeId
}

func (p *LinkStateRequest) Kind() Kind { return KindLinkStateRequest }

func (p *LinkStateRequest) SenderID() NodeId { return p.Sender }

func (p *LinkStateRequest) Encode() []byte {
	return []byte{
		header(KindLinkStateRequest, byte(p.Sender)),
		(byte(p.Destination) << 4) | (byte(p.Source) & 0x0F),
	}
}

func decodeLinkStateRequest(b []byte) (*LinkStateRequest, error) {
	if len(b) < ShortSize {
		return nil, ErrShortBuffer
	}
	_, sender := splitByte(b[0])
	dst, src := splitByte(b[1])
	return &LinkStateRequest{Sender: NodeId(sender), Destination: NodeId(dst), Source: NodeId(src)}, nil
}

// ---- SESSION_UPDATE (2 bytes) ----

// SessionUpdate is the handshake that opens a session: Source announces it
// is about to send PacketCount DATA packets, relayed hop by hop with Sender
// rewritten at each forward.
type SessionUpdate struct {
	PacketCount uint8 // 1..MaxPacketsPerSession
	Sender      NodeId
	Source      NodeId
}

func (p *SessionUpdate) Kind() Kind       { return KindSessionUpdate }
func (p *SessionUpdate) SenderID() NodeId { return p.Sender }

func (p *SessionUpdate) Encode() []byte {
	count := p.PacketCount
	if count == 0 {
		count = 1
	}
	return []byte{
		header(KindSessionUpdate, count-1),
		(byte(p.Sender) << 4) | (byte(p.Source) & 0x0F),
	}
}

func decodeSessionUpdate(b []byte) (*SessionUpdate, error) {
	if len(b) < ShortSize {
		return nil, ErrShortBuffer
	}
	_, nibbleA := splitByte(b[0])
	sender, source := splitByte(b[1])
	return &SessionUpdate{
		PacketCount: nibbleA + 1,
		Sender:      NodeId(sender),
		Source:      NodeId(source),
	}, nil
}

// ---- REQUEST_ID (32 bytes) ----

// RequestID asks Destination (the chosen idProvider) to issue a NodeId.
// Timestamp is the low 24 bits of the requester's join time in ms, echoed
// back by ISSUE_ID to make retransmission idempotent. Sender is the
// requesting node, packed into the byte1 nibble the base wire table leaves
// unused (see LinkStateRequest.Sender for why every kind carries one).
type RequestID struct {
	Sender      NodeId
	Destination NodeId
	Timestamp   uint32 // low 24 bits significant
}

func (p *RequestID) Kind() Kind { return KindRequestID }

func (p *RequestID) SenderID() NodeId { return p.Sender }

func (p *RequestID) Encode() []byte {
	b := make([]byte, LongSize)
	b[0] = header(KindRequestID, 0)
	b[1] = (byte(p.Destination) << 4) | (byte(p.Sender) & 0x0F)
	put24(b[2:5], p.Timestamp)
	return b
}

func decodeRequestID(b []byte) (*RequestID, error) {
	if len(b) < LongSize {
		return nil, ErrShortBuffer
	}
	dst, sender := splitByte(b[1])
	return &RequestID{Sender: NodeId(sender), Destination: NodeId(dst), Timestamp: get24(b[2:5])}, nil
}

// ---- PING_PONG (2 bytes) ----

// PingPong is the liveness probe. Pong distinguishes a reply from a fresh
// ping (flags bit 0).
type PingPong struct {
	Pong   bool
	Sender NodeId
}

func (p *PingPong) Kind() Kind       { return KindPingPong }
func (p *PingPong) SenderID() NodeId { return p.Sender }

func (p *PingPong) Encode() []byte {
	var flags byte
	if p.Pong {
		flags = 1
	}
	return []byte{
		header(KindPingPong, flags),
		byte(p.Sender) << 4,
	}
}

func decodePingPong(b []byte) (*PingPong, error) {
	if len(b) < ShortSize {
		return nil, ErrShortBuffer
	}
	_, flags := splitByte(b[0])
	sender, _ := splitByte(b[1])
	return &PingPong{Pong: flags&0x1 != 0, Sender: NodeId(sender)}, nil
}

// ---- DATA_ACK (2 bytes) ----

// DataAck acknowledges receipt of sequence Sequence of the session
// originated by Source, as observed by Sender.
type DataAck struct {
	Sender   NodeId
	Source   NodeId
	Sequence uint8 // 4-bit
}

func (p *DataAck) Kind() Kind       { return KindDataAck }
func (p *DataAck) SenderID() NodeId { return p.Sender }

func (p *DataAck) Encode() []byte {
	return []byte{
		header(KindDataAck, byte(p.Sender)),
		(byte(p.Source) << 4) | (p.Sequence & 0x0F),
	}
}

func decodeDataAck(b []byte) (*DataAck, error) {
	if len(b) < ShortSize {
		return nil, ErrShortBuffer
	}
	_, sender := splitByte(b[0])
	source, seq := splitByte(b[1])
	return &DataAck{Sender: NodeId(sender), Source: NodeId(source), Sequence: seq}, nil
}

// ---- DATA (32 bytes) ----

// Data carries one slice of a session's payload. Payload is zero-padded on
// the right to PayloadSize by Encode; Decode returns the full PayloadSize
// slice, and ParsePackets strips trailing padding from the final packet
// only (per the text round-trip invariant).
type Data struct {
	Sender      NodeId
	Source      NodeId
	Destination NodeId
	Sequence    uint8 // 4-bit
	Payload     []byte
}

func (p *Data) Kind() Kind       { return KindData }
func (p *Data) SenderID() NodeId { return p.Sender }

func (p *Data) Encode() []byte {
	if len(p.Payload) > PayloadSize {
		panic(fmt.Errorf("packet: payload longer than %d bytes", PayloadSize))
	}
	b := make([]byte, LongSize)
	b[0] = header(KindData, 0)
	b[1] = (byte(p.Sender) << 4) | (byte(p.Source) & 0x0F)
	b[2] = (byte(p.Destination) << 4) | (p.Sequence & 0x0F)
	copy(b[3:], p.Payload)
	return b
}

func decodeData(b []byte) (*Data, error) {
	if len(b) < LongSize {
		return nil, ErrShortBuffer
	}
	sender, source := splitByte(b[1])
	dest, seq := splitByte(b[2])
	payload := make([]byte, PayloadSize)
	copy(payload, b[3:LongSize])
	return &Data{
		Sender:      NodeId(sender),
		Source:      NodeId(source),
		Destination: NodeId(dest),
		Sequence:    seq,
		Payload:     payload,
	}, nil
}

// ---- ISSUE_ID (32 bytes) ----

// IssueID grants SuggestedId to whoever sent the matching REQUEST_ID,
// echoing Timestamp and attaching the issuer's current taken-ID list so the
// requester bootstraps its own takenIds in one round trip.
type IssueID struct {
	Source      NodeId
	SuggestedId NodeId
	Timestamp   uint32 // low 24 bits significant
	Taken       []NodeId
}

func (p *IssueID) Kind() Kind { return KindIssueID }

// SenderID treats the issuing node (Source) as this packet's sender, since
// ISSUE_ID is never forwarded and Source already identifies who emitted it.
func (p *IssueID) SenderID() NodeId { return p.Source }

func (p *IssueID) Encode() []byte {
	if len(p.Taken) > 27*2 {
		panic(ErrTooManyTaken)
	}
	b := make([]byte, LongSize)
	b[0] = header(KindIssueID, 0)
	b[1] = (byte(p.Source) << 4) | (byte(p.SuggestedId) & 0x0F)
	put24(b[2:5], p.Timestamp)
	packNibbles(b[5:], p.Taken)
	return b
}

func decodeIssueID(b []byte) (*IssueID, error) {
	if len(b) < LongSize {
		return nil, ErrShortBuffer
	}
	source, suggested := splitByte(b[1])
	return &IssueID{
		Source:      NodeId(source),
		SuggestedId: NodeId(suggested),
		Timestamp:   get24(b[2:5]),
		Taken:       unpackNibbles(b[5:], (LongSize-5)*2),
	}, nil
}

// ---- shared nibble/24-bit helpers ----

// packNibbles writes ids two-per-byte (left nibble first) into dst, which
// must already be zero-valued; a short right-nibble of 0 past the end of
// ids is what lets unpackNibbles find the terminator.
func packNibbles(dst []byte, ids []NodeId) {
	for i, id := range ids {
		byteIdx := i / 2
		if byteIdx >= len(dst) {
			return
		}
		if i%2 == 0 {
			dst[byteIdx] |= byte(id) << 4
		} else {
			dst[byteIdx] |= byte(id) & 0x0F
		}
	}
}

// unpackNibbles reads up to max nibble values from src, stopping at the
// first zero nibble (0 is never a valid NodeId on the wire).
func unpackNibbles(src []byte, max int) []NodeId {
	ids := make([]NodeId, 0, max)
	for i := 0; i < max; i++ {
		byteIdx := i / 2
		if byteIdx >= len(src) {
			break
		}
		var nibble byte
		if i%2 == 0 {
			nibble = src[byteIdx] >> 4
		} else {
			nibble = src[byteIdx] & 0x0F
		}
		if nibble == 0 {
			break
		}
		ids = append(ids, NodeId(nibble))
	}
	return ids
}

func put24(dst []byte, v uint32) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

func get24(src []byte) uint32 {
	return uint32(src[0])<<16 | uint32(src[1])<<8 | uint32(src[2])
}
