// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package channel manages the byte-stream connection between a TBI client
// and server: connect/listen/accept, the handshake exchange, and framed
// send/receive with the mode flags overlaid on frame byte 0.
//
// Frames carry no length prefix: correct framing relies on one write per
// logical frame and on the receiver consuming exactly one frame per read.
// On a stream transport frames can in principle coalesce; the schema-level
// design is unaffected, a length prefix would slot in here.
package channel

import (
	"errors"
	"fmt"
	"net"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-tbi/internal/protocol"
)

// MTU is the largest frame the channel sends or receives. The scratch
// buffer is reused for every frame in both directions; callers must not
// retain slices into it across calls.
const MTU = 1500

// DefaultClientAddr is where a client connects when no address is given.
const DefaultClientAddr = "127.0.0.1:8000"

// DefaultServerAddr is where a server listens when no address is given.
const DefaultServerAddr = ":8000"

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrFrameTooBig  = errors.New("frame exceeds channel MTU")
	ErrClosed       = errors.New("connection closed by peer")
)

// Channel is one end of a TBI connection. It is not safe for concurrent
// use; all channel I/O happens on the caller's thread and may block.
type Channel struct {
	server    bool
	connected bool
	conn      net.Conn
	listener  net.Listener

	// Handshake validation material for (re-)accepting clients.
	schemaVersion uint8
	csum          uint16

	// startTS is the client's connection start in milliseconds since the
	// epoch, exchanged during the handshake.
	startTS uint64

	buf [MTU]byte
}

func nowMS() uint64 {
	return uint64(time.Now().UnixMilli())
}

// OpenClient connects to the server at addr (DefaultClientAddr if empty)
// and performs the client side of the handshake. It blocks until the
// server's acknowledge arrives or the connection fails.
func OpenClient(addr string, schemaVersion uint8, csum uint16) (*Channel, error) {
	if addr == "" {
		addr = DefaultClientAddr
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	ch := &Channel{conn: conn, startTS: nowMS()}

	n := protocol.BuildClientHandshake(ch.buf[:], schemaVersion, csum, ch.startTS)
	if _, err := conn.Write(ch.buf[:n]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	n, err = conn.Read(ch.buf[:])
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake ack: %w", err)
	}
	if err := protocol.VerifyAck(ch.buf[:n]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("verify handshake ack: %w", err)
	}

	ch.connected = true
	cclog.Infof("TBI client connected to %s", addr)
	return ch, nil
}

// OpenServer listens on addr (DefaultServerAddr if empty), accepts one
// client and validates its handshake. An invalid handshake closes the
// accepted connection without a reply and is returned as an error; the
// listener is closed as well and no channel is returned.
func OpenServer(addr string, schemaVersion uint8, csum uint16) (*Channel, error) {
	if addr == "" {
		addr = DefaultServerAddr
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	ch := &Channel{server: true, listener: listener, schemaVersion: schemaVersion, csum: csum}
	if err := ch.Accept(); err != nil {
		listener.Close()
		return nil, err
	}
	return ch, nil
}

// Accept blocks until a client connects and completes the handshake.
func (ch *Channel) Accept() error {
	conn, err := ch.listener.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	n, err := conn.Read(ch.buf[:])
	if err != nil {
		conn.Close()
		return fmt.Errorf("read handshake: %w", err)
	}

	startTS, err := protocol.ParseClientHandshake(ch.buf[:n], ch.schemaVersion, ch.csum)
	if err != nil {
		conn.Close()
		return fmt.Errorf("validate handshake: %w", err)
	}

	n = protocol.BuildAck(ch.buf[:])
	if _, err := conn.Write(ch.buf[:n]); err != nil {
		conn.Close()
		return fmt.Errorf("send handshake ack: %w", err)
	}

	ch.conn = conn
	ch.startTS = startTS
	ch.connected = true
	cclog.Infof("TBI client connected from %s", conn.RemoteAddr())
	return nil
}

// SendFrame overlays the mode flags onto byte 0 of frame and writes it to
// the connection in a single write.
func (ch *Channel) SendFrame(flags uint8, frame []byte) error {
	if !ch.connected {
		return ErrNotConnected
	}
	if len(frame) > MTU {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooBig, len(frame))
	}

	frame[0] |= flags << 4

	if _, err := ch.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// RecvFrame blocks until one frame arrives and returns it. The returned
// slice points into the channel's scratch buffer and is only valid until
// the next channel operation.
func (ch *Channel) RecvFrame() ([]byte, error) {
	if !ch.connected {
		return nil, ErrNotConnected
	}

	n, err := ch.conn.Read(ch.buf[:])
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if n == 0 {
		return nil, ErrClosed
	}
	return ch.buf[:n], nil
}

// Scratch returns the channel's frame-sized scratch buffer for callers
// that serialize directly into it.
func (ch *Channel) Scratch() []byte {
	return ch.buf[:]
}

// StartTS returns the connection start timestamp in milliseconds since the
// epoch: taken locally on the client, received via handshake on the server.
func (ch *Channel) StartTS() uint64 {
	return ch.startTS
}

// IsServer reports whether this is the listening end of the connection.
func (ch *Channel) IsServer() bool {
	return ch.server
}

// Close shuts down the connection and, for servers, the listener.
func (ch *Channel) Close() error {
	var err error
	if ch.conn != nil {
		err = ch.conn.Close()
		ch.conn = nil
	}
	if ch.listener != nil {
		if cerr := ch.listener.Close(); err == nil {
			err = cerr
		}
		ch.listener = nil
	}
	ch.connected = false
	return err
}
