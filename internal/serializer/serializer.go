// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package serializer converts native telemetry records to TBI wire frames
// and back.
//
// Real-time messages (RTM) carry one record per frame: byte 0 holds the
// message type (mode flags are overlaid by the channel), followed by every
// field converted from native to big-endian byte order.
//
// Delta-compressed bundles (DCB) carry many records per frame: a full RTM
// of the first record, then per-field differences of the remaining records
// packed with the minimum number of bits that holds the largest difference
// of the bundle.
package serializer

import (
	"encoding/binary"
	"errors"
	"fmt"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-tbi/pkg/bitio"
	"github.com/ClusterCockpit/cc-tbi/pkg/schema"
)

var (
	ErrSizeMismatch = errors.New("record length disagrees with schema")
	ErrFrameLength  = errors.New("frame length disagrees with schema")
	ErrEmptyBundle  = errors.New("empty record bundle")
	ErrBundleSize   = errors.New("bundle does not fit output buffer")
)

func rawSize(fields []schema.FieldType) int {
	size := 0
	for _, f := range fields {
		size += f.Size()
	}
	return size
}

// readNative reads one field from a native record, zero-extended to uint32.
func readNative(buf []byte, size int) uint32 {
	switch size {
	case 4:
		return binary.NativeEndian.Uint32(buf)
	case 2:
		return uint32(binary.NativeEndian.Uint16(buf))
	default:
		return uint32(buf[0])
	}
}

// writeNative stores the low size bytes of val into a native record.
func writeNative(buf []byte, size int, val uint32) {
	switch size {
	case 4:
		binary.NativeEndian.PutUint32(buf, val)
	case 2:
		binary.NativeEndian.PutUint16(buf, uint16(val))
	default:
		buf[0] = byte(val)
	}
}

// lessAs compares two raw field values as the field's native type.
func lessAs(a, b uint32, f schema.FieldType) bool {
	if f.Signed() {
		switch f.Size() {
		case 4:
			return int32(a) < int32(b)
		case 2:
			return int16(a) < int16(b)
		default:
			return int8(a) < int8(b)
		}
	}
	return a < b
}

// SerializeRTM encodes one native record as a real-time message frame of
// length 1 + raw size. Byte 0 carries the message type; the mode flags are
// overlaid later by the channel.
func SerializeRTM(fields []schema.FieldType, msgtype uint8, record []byte) ([]byte, error) {
	size := rawSize(fields)
	if len(record) != size {
		return nil, fmt.Errorf("%w: got %d, want %d bytes", ErrSizeMismatch, len(record), size)
	}

	out := make([]byte, 1+size)
	out[0] = msgtype

	in, pos := record, out[1:]
	for _, f := range fields {
		n := f.Size()
		switch n {
		case 4:
			binary.BigEndian.PutUint32(pos, binary.NativeEndian.Uint32(in))
		case 2:
			binary.BigEndian.PutUint16(pos, binary.NativeEndian.Uint16(in))
		default:
			pos[0] = in[0]
		}
		in, pos = in[n:], pos[n:]
	}

	return out, nil
}

// DeserializeRTM decodes a real-time message frame back into a native
// record. The frame length must match the schema exactly.
func DeserializeRTM(fields []schema.FieldType, frame []byte) ([]byte, error) {
	size := rawSize(fields)
	if len(frame) != 1+size {
		return nil, fmt.Errorf("%w: got %d, want %d bytes", ErrFrameLength, len(frame), 1+size)
	}

	record := make([]byte, size)
	in, pos := frame[1:], record
	for _, f := range fields {
		n := f.Size()
		switch n {
		case 4:
			binary.NativeEndian.PutUint32(pos, binary.BigEndian.Uint32(in))
		case 2:
			binary.NativeEndian.PutUint16(pos, binary.BigEndian.Uint16(in))
		default:
			pos[0] = in[0]
		}
		in, pos = in[n:], pos[n:]
	}

	return record, nil
}

// SerializeDCB encodes a bundle of native records into out and returns the
// frame length. The first record is emitted as a full RTM; every further
// record becomes one sign bit and one difference magnitude per field, where
// each field uses the bundle-wide maximum of the per-record minimum bit
// widths. The input records are consumed and must not be reused.
func SerializeDCB(fields []schema.FieldType, msgtype uint8, records [][]byte, out []byte) (int, error) {
	if len(records) == 0 {
		return 0, ErrEmptyBundle
	}

	size := rawSize(fields)
	for _, r := range records {
		if len(r) != size {
			return 0, fmt.Errorf("%w: got %d, want %d bytes", ErrSizeMismatch, len(r), size)
		}
	}

	rtm, err := SerializeRTM(fields, msgtype, records[0])
	if err != nil {
		return 0, err
	}
	if len(rtm) > len(out) {
		return 0, ErrBundleSize
	}
	n := copy(out, rtm)

	diffs := len(records) - 1
	if diffs == 0 {
		return n, nil
	}

	numFields := len(fields)
	signs := make([]uint8, diffs*numFields)

	// Convert every record after the first into per-field difference
	// magnitudes in place. The reference for each diff is the pre-diff
	// value of its predecessor, so keep a copy across iterations.
	prev := append([]byte(nil), records[0]...)
	cur := make([]byte, size)
	for k := 1; k < len(records); k++ {
		copy(cur, records[k])
		off := 0
		for i, f := range fields {
			w := f.Size()
			c := readNative(records[k][off:], w)
			p := readNative(prev[off:], w)
			if lessAs(c, p, f) {
				signs[(k-1)*numFields+i] = 1
				writeNative(records[k][off:], w, p-c)
			} else {
				writeNative(records[k][off:], w, c-p)
			}
			off += w
		}
		prev, cur = cur, prev
	}

	// Bundle-wide maximum bit width per field, clamped by construction to
	// the field width: a magnitude never exceeds its field slot.
	maxBits := make([]int, numFields)
	for k := 1; k < len(records); k++ {
		off := 0
		for i, f := range fields {
			w := f.Size()
			bits := bitio.MinBits(readNative(records[k][off:], w), false)
			if bits > maxBits[i] {
				maxBits[i] = bits
			}
			off += w
		}
	}

	sumBits := 0
	for _, b := range maxBits {
		sumBits += b
	}

	totalBits := 6*numFields + diffs*(numFields+sumBits)
	if n+1+(totalBits+7)/8 > len(out) {
		return 0, ErrBundleSize
	}

	out[n] = byte(diffs)
	n++

	region := out[n:]
	cursor := 0
	for i := range fields {
		bitio.Pack(region, uint32(maxBits[i]), 6, &cursor)
	}

	for k := 1; k < len(records); k++ {
		for i := range fields {
			bitio.Pack(region, uint32(signs[(k-1)*numFields+i]), 1, &cursor)
		}
		off := 0
		for i, f := range fields {
			w := f.Size()
			bitio.Pack(region, readNative(records[k][off:], w), maxBits[i], &cursor)
			off += w
		}
	}

	n += (cursor + 7) / 8

	cclog.Debugf("DCB msgtype %d: %d records in %d bytes (%d uncompressed)",
		msgtype, len(records), n, len(records)*(1+size))

	return n, nil
}

// DeserializeDCB decodes a delta-compressed bundle frame back into the
// native records it was built from, in order.
func DeserializeDCB(fields []schema.FieldType, frame []byte) ([][]byte, error) {
	size := rawSize(fields)
	if len(frame) < 1+size {
		return nil, fmt.Errorf("%w: got %d, want at least %d bytes", ErrFrameLength, len(frame), 1+size)
	}

	first, err := DeserializeRTM(fields, frame[:1+size])
	if err != nil {
		return nil, err
	}

	// A bundle of one record is just its leading RTM.
	if len(frame) == 1+size {
		return [][]byte{first}, nil
	}

	diffs := int(frame[1+size])
	region := frame[1+size+1:]
	numFields := len(fields)

	cursor := 0
	if 6*numFields > 8*len(region) {
		return nil, fmt.Errorf("%w: truncated bundle header", ErrFrameLength)
	}
	maxBits := make([]int, numFields)
	for i, f := range fields {
		bits := int(bitio.Unpack(region, 6, &cursor))
		if bits < 1 || bits > 8*f.Size() {
			return nil, fmt.Errorf("%w: %d diff bits for %s field", ErrFrameLength, bits, f)
		}
		maxBits[i] = bits
	}

	sumBits := 0
	for _, b := range maxBits {
		sumBits += b
	}
	if cursor+diffs*(numFields+sumBits) > 8*len(region) {
		return nil, fmt.Errorf("%w: truncated bundle payload", ErrFrameLength)
	}

	records := make([][]byte, 0, 1+diffs)
	records = append(records, first)

	signs := make([]uint8, numFields)
	prev := first
	for k := 0; k < diffs; k++ {
		for i := range fields {
			signs[i] = uint8(bitio.Unpack(region, 1, &cursor))
		}

		rec := make([]byte, size)
		off := 0
		for i, f := range fields {
			w := f.Size()
			mag := bitio.Unpack(region, maxBits[i], &cursor)
			p := readNative(prev[off:], w)
			if signs[i] == 1 {
				writeNative(rec[off:], w, p-mag)
			} else {
				writeNative(rec[off:], w, p+mag)
			}
			off += w
		}

		records = append(records, rec)
		prev = rec
	}

	return records, nil
}
