package transport

import (
	"fmt"
	"net"
)

// TCPFramed is a Transport backed by a single TCP connection to the
// emulator, framed as one tag byte followed by the kind's fixed-size
// payload. Adapted from the teacher's raw net.UDPConn read/write loop in
// source/server/server.go, swapped from UDP datagrams (naturally
// message-framed) to a byte-stream TCP connection where framing must be
// done explicitly.
type TCPFramed struct {
	conn net.Conn
}

// DialTCPFramed connects to an emulator listening at addr.
func DialTCPFramed(addr string) (*TCPFramed, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &TCPFramed{conn: conn}, nil
}

// ListenTCPFramed accepts a single inbound emulator connection on addr.
func ListenTCPFramed(addr string) (*TCPFramed, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	defer ln.Close()
	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept on %s: %w", addr, err)
	}
	return &TCPFramed{conn: conn}, nil
}

func (t *TCPFramed) Send(f Frame) error {
	size, err := payloadSize(f.Kind)
	if err != nil {
		return err
	}
	buf := make([]byte, 1+size)
	buf[0] = byte(f.Kind)
	copy(buf[1:], f.Payload)
	if _, err := t.conn.Write(buf); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (t *TCPFramed) Recv() (Frame, error) {
	var tag [1]byte
	if _, err := readFull(t.conn, tag[:]); err != nil {
		return Frame{}, fmt.Errorf("transport: read tag: %w", err)
	}
	kind := Kind(tag[0])
	size, err := payloadSize(kind)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := readFull(t.conn, payload); err != nil {
			return Frame{}, fmt.Errorf("transport: read payload: %w", err)
		}
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

func (t *TCPFramed) Close() error {
	return t.conn.Close()
}

// readFull fills buf completely, since net.Conn.Read may return a short
// read on a TCP stream.
func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
