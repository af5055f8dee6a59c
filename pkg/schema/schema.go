// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schema defines the message schema shared by a TBI client and
// server: the primitive field tags, the per-message-type entries, and the
// CRC16 checksum both peers must agree on before any telemetry flows.
package schema

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ClusterCockpit/cc-tbi/pkg/crc16"
)

// MaxMsgType is the largest valid message type. Message types share frame
// byte 0 with the mode flags and only get the low nibble.
const MaxMsgType = 15

var (
	ErrNoFields       = errors.New("schema entry has no fields")
	ErrMsgTypeRange   = errors.New("message type out of range")
	ErrDuplicateEntry = errors.New("duplicate message type")
)

// Entry describes one message type. Entries are immutable once registered;
// Fields determines both the native record layout and the wire layout.
type Entry struct {
	// Name identifies the entry in logs and exports. It is not part of
	// the wire protocol or the checksum.
	Name string
	// FieldNames optionally labels the fields for the export sinks, one
	// name per entry in Fields. Not part of the checksum.
	FieldNames []string

	MsgType uint8
	// DCB selects delta-compressed bundling instead of one real-time
	// message per record.
	DCB    bool
	Fields []FieldType
	// Interval is the minimum time between two DCB flushes. Ignored for
	// real-time entries.
	Interval time.Duration
}

// RawSize returns the native size of one record in bytes: the sum of all
// field widths, no padding.
func (e *Entry) RawSize() int {
	size := 0
	for _, f := range e.Fields {
		size += f.Size()
	}
	return size
}

// Validate checks a single entry for registration.
func (e *Entry) Validate() error {
	if e.MsgType > MaxMsgType {
		return fmt.Errorf("%w: %d", ErrMsgTypeRange, e.MsgType)
	}
	if len(e.Fields) == 0 {
		return fmt.Errorf("%w: message type %d", ErrNoFields, e.MsgType)
	}
	for _, f := range e.Fields {
		if f.Size() == 0 {
			return fmt.Errorf("unknown field type %d in message type %d", f, e.MsgType)
		}
	}
	return nil
}

// FieldName returns the label of field i: the registered name if one was
// given, a positional fallback otherwise.
func (e *Entry) FieldName(i int) string {
	if i < len(e.FieldNames) && e.FieldNames[i] != "" {
		return e.FieldNames[i]
	}
	return "f" + strconv.Itoa(i)
}

// FieldValue reads field i of a native record as a sign-corrected int64.
// Used by the export sinks; the wire codec never goes through it.
func (e *Entry) FieldValue(record []byte, i int) int64 {
	off := 0
	for _, f := range e.Fields[:i] {
		off += f.Size()
	}

	f := e.Fields[i]
	switch f.Size() {
	case 4:
		v := binary.NativeEndian.Uint32(record[off:])
		if f.Signed() {
			return int64(int32(v))
		}
		return int64(v)
	case 2:
		v := binary.NativeEndian.Uint16(record[off:])
		if f.Signed() {
			return int64(int16(v))
		}
		return int64(v)
	default:
		if f.Signed() {
			return int64(int8(record[off]))
		}
		return int64(record[off])
	}
}

// Checksum computes the CRC16-CCITT over the message type and field tag
// bytes of all entries in registration order. Two peers that register the
// same entries in the same order produce the same checksum.
func Checksum(entries []Entry) uint16 {
	crc := crc16.Begin()
	for i := range entries {
		crc = crc16.Update(crc, entries[i].MsgType)
		for _, f := range entries[i].Fields {
			crc = crc16.Update(crc, byte(f))
		}
	}
	return crc
}
