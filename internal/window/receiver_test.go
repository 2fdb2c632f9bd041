package window

import (
	"testing"

	"meshchat/internal/packet"
)

func dataPacket(seq uint8, payload string) *packet.Data {
	return &packet.Data{Sender: 1, Source: 1, Destination: 2, Sequence: seq, Payload: []byte(payload)}
}

func TestReceiverInOrderDelivery(t *testing.T) {
	r := NewReceiver(3, 0, 4, 16)
	if !r.ReceivePacket(dataPacket(0, "a")) {
		t.Fatal("seq 0 should be accepted")
	}
	if !r.ReceivePacket(dataPacket(1, "b")) {
		t.Fatal("seq 1 should be accepted")
	}
	if !r.ReceivePacket(dataPacket(2, "c")) {
		t.Fatal("seq 2 should be accepted")
	}
	if !r.HasAllPackets() {
		t.Fatal("all three packets should be present")
	}
}

func TestReceiverOutOfOrderWithinWindow(t *testing.T) {
	r := NewReceiver(3, 0, 4, 16)
	if !r.ReceivePacket(dataPacket(1, "b")) {
		t.Fatal("seq 1 should be accepted")
	}
	if !r.ReceivePacket(dataPacket(0, "a")) {
		t.Fatal("seq 0 should be accepted")
	}
	if !r.ReceivePacket(dataPacket(2, "c")) {
		t.Fatal("seq 2 should be accepted")
	}
	if !r.HasAllPackets() {
		t.Fatal("all three packets should be present")
	}
}

func TestReceiverOutOfWindowRejection(t *testing.T) {
	r := NewReceiver(3, 0, 2, 16)

	if !r.ReceivePacket(dataPacket(1, "b")) {
		t.Fatal("seq 1 should be accepted")
	}
	if r.ReceivePacket(dataPacket(2, "c")) {
		t.Fatal("seq 2 should be rejected: outside the window until 0 slides it")
	}
	if !r.ReceivePacket(dataPacket(0, "a")) {
		t.Fatal("seq 0 should be accepted and slide the window")
	}
	if !r.ReceivePacket(dataPacket(2, "c")) {
		t.Fatal("seq 2 should now be accepted")
	}
	if !r.HasAllPackets() {
		t.Fatal("all three packets should be present")
	}
}

func TestReceiverSequenceWrap(t *testing.T) {
	r := NewReceiver(2, 15, 4, 16)
	if !r.ReceivePacket(dataPacket(15, "a")) {
		t.Fatal("seq 15 should be accepted")
	}
	if !r.ReceivePacket(dataPacket(0, "b")) {
		t.Fatal("seq 0 should be accepted after wrap")
	}
	if !r.HasAllPackets() {
		t.Fatal("all packets should be present across the wrap boundary")
	}
}
