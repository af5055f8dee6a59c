// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

// FieldType is the wire tag of one primitive telemetry field. The tag values
// are part of the wire protocol: they feed the schema checksum both peers
// verify during the handshake.
type FieldType uint8

const (
	// FieldTimeS holds a time difference in full seconds, 32-bit unsigned.
	FieldTimeS FieldType = iota
	// FieldTimeMS holds a time difference of seconds and milliseconds,
	// 32-bit unsigned.
	FieldTimeMS
	FieldUint8
	FieldInt8
	FieldUint16
	FieldInt16
	FieldUint32
	FieldInt32
)

// Size returns the field width in bytes, both in native record layout and
// on the wire. Unknown tags have size zero.
func (t FieldType) Size() int {
	switch t {
	case FieldTimeS, FieldTimeMS, FieldUint32, FieldInt32:
		return 4
	case FieldUint16, FieldInt16:
		return 2
	case FieldUint8, FieldInt8:
		return 1
	default:
		return 0
	}
}

// Signed reports whether the field carries a two's-complement value.
func (t FieldType) Signed() bool {
	switch t {
	case FieldInt8, FieldInt16, FieldInt32:
		return true
	default:
		return false
	}
}

func (t FieldType) String() string {
	switch t {
	case FieldTimeS:
		return "time_s"
	case FieldTimeMS:
		return "time_ms"
	case FieldUint8:
		return "uint8"
	case FieldInt8:
		return "int8"
	case FieldUint16:
		return "uint16"
	case FieldInt16:
		return "int16"
	case FieldUint32:
		return "uint32"
	case FieldInt32:
		return "int32"
	default:
		return "invalid"
	}
}
