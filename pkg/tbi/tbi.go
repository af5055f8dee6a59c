// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tbi is the public interface of the telemetry binary interface
// library. A Context is created with New, message types are registered with
// RegisterSchema, and the context is then bound to one end of a connection
// with ClientInit or ServerInit.
//
// The library never spawns goroutines. A client driver calls Schedule to
// queue records and ClientProcess in its own loop to flush them; a server
// driver alternates ServerReceiveBlocking and ServerProcess. Per message
// type, transmission order equals scheduling order; across message types
// there is no ordering guarantee.
package tbi

import (
	"errors"
	"fmt"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-tbi/internal/channel"
	"github.com/ClusterCockpit/cc-tbi/internal/metrics"
	"github.com/ClusterCockpit/cc-tbi/internal/msgbuf"
	"github.com/ClusterCockpit/cc-tbi/internal/protocol"
	"github.com/ClusterCockpit/cc-tbi/internal/serializer"
	"github.com/ClusterCockpit/cc-tbi/pkg/schema"
)

var (
	ErrNotInitialized     = errors.New("context not initialized")
	ErrAlreadyInitialized = errors.New("schema registration must precede init")
	ErrWrongRole          = errors.New("operation invalid for this role")
	ErrUnknownMsgType     = errors.New("unknown message type")
	ErrModeMismatch       = errors.New("frame mode disagrees with schema entry")
)

// Callback receives one decoded record. The record buffer is only valid for
// the duration of the call; userdata is the opaque handle given at
// registration and must outlive the context.
type Callback func(msgtype uint8, record []byte, userdata any)

// msgContext is the per-message-type state: the schema entry, the FIFO of
// records waiting for transmission (client) or of received frames waiting
// for decode (server), and the DCB flush gate.
type msgContext struct {
	entry   schema.Entry
	rawSize int
	queue   msgbuf.Queue

	// lastSentMS gates DCB flushes. Seeded with the connection start
	// timestamp, updated unconditionally on every successful bundle send.
	lastSentMS uint64

	cb         Callback
	cbUserdata any
}

// Context is the library root. It is not safe for concurrent use.
type Context struct {
	schemaVersion uint8
	ctxs          []*msgContext
	ch            *channel.Channel

	globalCB       Callback
	globalUserdata any
}

// New creates an empty context for the given schema version.
func New(schemaVersion uint8) *Context {
	return &Context{schemaVersion: schemaVersion}
}

// RegisterSchema registers all message types of this context in one shot.
// It must be called before ClientInit or ServerInit; the registration order
// determines the schema checksum and the scheduling priority.
func (c *Context) RegisterSchema(entries []schema.Entry) error {
	if c.ch != nil {
		return ErrAlreadyInitialized
	}

	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return err
		}
		if c.lookup(entries[i].MsgType) != nil {
			return fmt.Errorf("%w: %d", schema.ErrDuplicateEntry, entries[i].MsgType)
		}
		c.ctxs = append(c.ctxs, &msgContext{
			entry:   entries[i],
			rawSize: entries[i].RawSize(),
		})
	}
	return nil
}

func (c *Context) lookup(msgtype uint8) *msgContext {
	for _, ctx := range c.ctxs {
		if ctx.entry.MsgType == msgtype {
			return ctx
		}
	}
	return nil
}

// Entries returns the registered schema entries in registration order.
func (c *Context) Entries() []schema.Entry {
	entries := make([]schema.Entry, len(c.ctxs))
	for i, ctx := range c.ctxs {
		entries[i] = ctx.entry
	}
	return entries
}

// Checksum returns the schema checksum exchanged during the handshake.
func (c *Context) Checksum() uint16 {
	return schema.Checksum(c.Entries())
}

// ClientInit connects to the server at addr (the library default if empty)
// and performs the handshake. Every DCB gate is seeded with the shared
// connection start timestamp.
func (c *Context) ClientInit(addr string) error {
	ch, err := channel.OpenClient(addr, c.schemaVersion, c.Checksum())
	if err != nil {
		return err
	}
	c.ch = ch

	for _, ctx := range c.ctxs {
		ctx.lastSentMS = ch.StartTS()
	}
	return nil
}

// ServerInit listens on addr (the library default if empty), accepts one
// client and validates its handshake.
func (c *Context) ServerInit(addr string) error {
	ch, err := channel.OpenServer(addr, c.schemaVersion, c.Checksum())
	if err != nil {
		return err
	}
	c.ch = ch
	return nil
}

// StartTS returns the connection start timestamp in milliseconds since the
// epoch. Telemetry timestamps are not rebased against it by the library;
// that remains a caller concern.
func (c *Context) StartTS() uint64 {
	if c.ch == nil {
		return 0
	}
	return c.ch.StartTS()
}

func nowMS() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Schedule copies one native record into the queue of its message type.
// The input must be exactly the raw size of the registered entry; the
// queue is left untouched on any error. Client contexts only.
func (c *Context) Schedule(msgtype uint8, record []byte) error {
	if c.ch == nil {
		return ErrNotInitialized
	}
	if c.ch.IsServer() {
		return ErrWrongRole
	}

	ctx := c.lookup(msgtype)
	if ctx == nil {
		return fmt.Errorf("%w: %d", ErrUnknownMsgType, msgtype)
	}
	if len(record) != ctx.rawSize {
		return fmt.Errorf("%w: got %d, want %d bytes", serializer.ErrSizeMismatch, len(record), ctx.rawSize)
	}

	ctx.queue.Push(append([]byte(nil), record...))
	metrics.RecordsScheduled.Inc()
	return nil
}

// ClientProcess performs one unit of client work: it services the first
// eligible message type in registration order and returns the number of
// records sent, 0 if nothing is ready. A real-time entry sends one record;
// a bundled entry whose interval has elapsed drains its whole queue into
// one delta-compressed frame and resets its gate.
func (c *Context) ClientProcess() (int, error) {
	if c.ch == nil {
		return 0, ErrNotInitialized
	}
	if c.ch.IsServer() {
		return 0, ErrWrongRole
	}

	now := nowMS()

	for _, ctx := range c.ctxs {
		if ctx.queue.Len() == 0 {
			continue
		}

		if !ctx.entry.DCB {
			record, _ := ctx.queue.Pop()
			frame, err := serializer.SerializeRTM(ctx.entry.Fields, ctx.entry.MsgType, record)
			if err != nil {
				return 0, err
			}
			if err := c.ch.SendFrame(protocol.FlagRTM, frame); err != nil {
				return 0, err
			}

			metrics.FramesSent.WithLabelValues("rtm").Inc()
			metrics.BytesSent.Add(float64(len(frame)))
			return 1, nil
		}

		if now-ctx.lastSentMS < uint64(ctx.entry.Interval.Milliseconds()) {
			continue
		}

		records := ctx.queue.Drain()
		n, err := serializer.SerializeDCB(ctx.entry.Fields, ctx.entry.MsgType, records, c.ch.Scratch())
		if err != nil {
			return 0, err
		}
		if err := c.ch.SendFrame(protocol.FlagDCB, c.ch.Scratch()[:n]); err != nil {
			return 0, err
		}
		ctx.lastSentMS = now

		metrics.FramesSent.WithLabelValues("dcb").Inc()
		metrics.BytesSent.Add(float64(n))
		metrics.RecordsCompressed.Add(float64(len(records)))
		if raw := len(records) * (1 + ctx.rawSize); raw > n {
			metrics.BytesSaved.Add(float64(raw - n))
		}
		return len(records), nil
	}

	return 0, nil
}

// ServerReceiveBlocking blocks until one frame arrives, validates that its
// mode matches the schema entry of its message type and queues it for
// ServerProcess. It returns the number of frames queued: 0 for a frame of
// an unregistered message type, which is logged and dropped.
func (c *Context) ServerReceiveBlocking() (int, error) {
	if c.ch == nil {
		return 0, ErrNotInitialized
	}
	if !c.ch.IsServer() {
		return 0, ErrWrongRole
	}

	frame, err := c.ch.RecvFrame()
	if err != nil {
		return 0, err
	}

	flags, msgtype := protocol.UnpackHeader(frame[0])

	ctx := c.lookup(msgtype)
	if ctx == nil {
		cclog.Warnf("dropping frame with unknown message type %d", msgtype)
		return 0, nil
	}

	if flags&protocol.FlagDCB != 0 && !ctx.entry.DCB {
		return 0, fmt.Errorf("%w: unexpected DCB for message type %d", ErrModeMismatch, msgtype)
	}
	if flags&protocol.FlagRTM != 0 && ctx.entry.DCB {
		return 0, fmt.Errorf("%w: unexpected RTM for message type %d", ErrModeMismatch, msgtype)
	}

	// The frame lives in the channel scratch buffer; queue an owned copy
	// with the mode flags cleared so the decoder sees the message type.
	buf := append([]byte(nil), frame...)
	buf[0] &= 0x0F
	ctx.queue.Push(buf)

	if ctx.entry.DCB {
		metrics.FramesReceived.WithLabelValues("dcb").Inc()
	} else {
		metrics.FramesReceived.WithLabelValues("rtm").Inc()
	}
	return 1, nil
}

// ServerProcess drains all received frames, decodes every record and
// dispatches each to the global callback if registered, else to the
// message type's own callback. It returns the number of records decoded.
func (c *Context) ServerProcess() (int, error) {
	if c.ch == nil {
		return 0, ErrNotInitialized
	}
	if !c.ch.IsServer() {
		return 0, ErrWrongRole
	}

	received := 0
	for _, ctx := range c.ctxs {
		for {
			frame, ok := ctx.queue.Pop()
			if !ok {
				break
			}

			if !ctx.entry.DCB {
				record, err := serializer.DeserializeRTM(ctx.entry.Fields, frame)
				if err != nil {
					return received, err
				}
				c.dispatch(ctx, record)
				received++
				continue
			}

			records, err := serializer.DeserializeDCB(ctx.entry.Fields, frame)
			if err != nil {
				return received, err
			}
			for _, record := range records {
				c.dispatch(ctx, record)
				received++
			}
		}
	}
	return received, nil
}

func (c *Context) dispatch(ctx *msgContext, record []byte) {
	if c.globalCB != nil {
		c.globalCB(ctx.entry.MsgType, record, c.globalUserdata)
	} else if ctx.cb != nil {
		ctx.cb(ctx.entry.MsgType, record, ctx.cbUserdata)
	}
}

// RegisterGlobalCallback registers a callback receiving all decoded
// records. It takes precedence over per-message-type callbacks.
func (c *Context) RegisterGlobalCallback(cb Callback, userdata any) {
	c.globalCB = cb
	c.globalUserdata = userdata
}

// RegisterMsgCallback registers a callback for one message type.
func (c *Context) RegisterMsgCallback(msgtype uint8, cb Callback, userdata any) error {
	ctx := c.lookup(msgtype)
	if ctx == nil {
		return fmt.Errorf("%w: %d", ErrUnknownMsgType, msgtype)
	}
	ctx.cb = cb
	ctx.cbUserdata = userdata
	return nil
}

// Close tears down the connection and drops all queued records. In-flight
// blocking I/O on the other driver loop returns an error.
func (c *Context) Close() error {
	var err error
	if c.ch != nil {
		err = c.ch.Close()
		c.ch = nil
	}
	for _, ctx := range c.ctxs {
		ctx.queue.Reset()
	}
	return err
}
