// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lineexport republishes decoded telemetry records as influx line
// protocol on a NATS subject, one point per record, so that a metric store
// subscribed to the fabric can ingest TBI telemetry without knowing the
// binary format.
package lineexport

import (
	"fmt"
	"strconv"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-tbi/pkg/natsrelay"
	"github.com/ClusterCockpit/cc-tbi/pkg/schema"
	"github.com/influxdata/line-protocol/v2/lineprotocol"
)

// Exporter converts records of registered schema entries into line
// protocol. The measurement is the entry name, each field becomes one line
// protocol field, and the message type is attached as a tag.
type Exporter struct {
	entries map[uint8]schema.Entry
	relay   *natsrelay.Client
	subject string
}

// New creates an exporter for the given schema entries publishing to
// subject via relay. relay may be nil for encode-only use.
func New(entries []schema.Entry, relay *natsrelay.Client, subject string) *Exporter {
	byType := make(map[uint8]schema.Entry, len(entries))
	for _, e := range entries {
		byType[e.MsgType] = e
	}
	return &Exporter{entries: byType, relay: relay, subject: subject}
}

// Encode renders one record as a line protocol point with the given
// timestamp.
func (e *Exporter) Encode(msgtype uint8, record []byte, ts time.Time) ([]byte, error) {
	entry, ok := e.entries[msgtype]
	if !ok {
		return nil, fmt.Errorf("no schema entry for message type %d", msgtype)
	}
	if len(record) != entry.RawSize() {
		return nil, fmt.Errorf("record length %d disagrees with schema for message type %d", len(record), msgtype)
	}

	name := entry.Name
	if name == "" {
		name = "tbi_msg" + strconv.Itoa(int(msgtype))
	}

	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Millisecond)
	enc.StartLine(name)
	enc.AddTag("msgtype", strconv.Itoa(int(msgtype)))
	for i := range entry.Fields {
		enc.AddField(entry.FieldName(i), lineprotocol.MustNewValue(entry.FieldValue(record, i)))
	}
	enc.EndLine(ts)

	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("encode line protocol: %w", err)
	}
	return enc.Bytes(), nil
}

// HandleRecord encodes one record and publishes it. It is shaped for use
// inside a tbi callback; failures are logged, not propagated, so a broken
// export sink does not stall the receive loop.
func (e *Exporter) HandleRecord(msgtype uint8, record []byte) {
	line, err := e.Encode(msgtype, record, time.Now())
	if err != nil {
		cclog.Errorf("line export: %s", err.Error())
		return
	}
	if e.relay == nil {
		return
	}
	if err := e.relay.Publish(e.subject, line); err != nil {
		cclog.Errorf("line export publish: %s", err.Error())
	}
}
