package transport

import (
	"time"

	"meshchat/internal/arbiter"
	"meshchat/internal/packet"
)

// arbiterNotifier is the one arbiter method PacketSender needs, kept as an
// interface so this package never imports *arbiter.Arbiter's concrete
// constructor requirements back into a cycle.
type arbiterNotifier interface {
	FinishSending(now time.Time)
}

// PacketSender implements arbiter.Sender by encoding a packet into its
// DATA/DATA_SHORT frame and putting it on the transport, bracketed by
// SENDING/DONE_SENDING control frames so the emulator (and any other
// simulated node sharing it) can mark the medium busy for the duration.
// It is constructed before the arbiter and wired to it with BindArbiter,
// mirroring the teacher's two-phase Server/RakNetHandler.SetPacketHandler
// setup in source/server/server.go.
type PacketSender struct {
	transport Transport
	arbiter   arbiterNotifier
}

func NewPacketSender(t Transport) *PacketSender {
	return &PacketSender{transport: t}
}

func (s *PacketSender) BindArbiter(a arbiterNotifier) {
	s.arbiter = a
}

var _ arbiter.Sender = (*PacketSender)(nil)

func (s *PacketSender) Send(p packet.Packet) error {
	frame := encodeFrame(p)

	if err := s.transport.Send(Frame{Kind: KindSending}); err != nil {
		return err
	}
	if err := s.transport.Send(frame); err != nil {
		return err
	}
	if err := s.transport.Send(Frame{Kind: KindDoneSending}); err != nil {
		return err
	}

	if s.arbiter != nil {
		s.arbiter.FinishSending(time.Now())
	}
	return nil
}

func encodeFrame(p packet.Packet) Frame {
	wire := p.Encode()
	if len(wire) == packet.LongSize {
		return Frame{Kind: KindData, Payload: wire}
	}
	return Frame{Kind: KindDataShort, Payload: wire}
}
