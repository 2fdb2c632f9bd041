package packet

import (
	"bytes"
	"errors"
)

// ErrTextTooLong is returned by ParseText when the text would require more
// than MaxPacketsPerSession DATA packets to carry.
var ErrTextTooLong = errors.New("packet: text requires too many DATA packets")

// ParseText splits text into a sequence of DATA packets addressed from
// source to destination, with sequence numbers starting at startSeq and
// incrementing modulo seqCount. It is the sender side of the session
// protocol's message-to-packets framing.
func ParseText(text string, destination, source NodeId, startSeq uint8, seqCount uint8) ([]*Data, error) {
	raw := []byte(text)
	count := (len(raw) + PayloadSize - 1) / PayloadSize
	if count == 0 {
		count = 1
	}
	if count > MaxPacketsPerSession {
		return nil, ErrTextTooLong
	}
	packets := make([]*Data, count)
	for i := 0; i < count; i++ {
		start := i * PayloadSize
		end := start + PayloadSize
		if end > len(raw) {
			end = len(raw)
		}
		packets[i] = &Data{
			Sender:      source,
			Source:      source,
			Destination: destination,
			Sequence:    (startSeq + uint8(i)) % seqCount,
			Payload:     append([]byte(nil), raw[start:end]...),
		}
	}
	return packets, nil
}

// ParsePackets reassembles the DATA packets of one session back into the
// original text. Packets must already be in sequence order (the sliding
// window's job); trailing zero padding is stripped only from the final
// packet's payload, per the packing invariant in ParseText/Data.Encode.
func ParsePackets(packets []*Data) string {
	var buf bytes.Buffer
	for i, p := range packets {
		payload := p.Payload
		if i == len(packets)-1 {
			payload = bytes.TrimRight(payload, "\x00")
		}
		buf.Write(payload)
	}
	return buf.String()
}
