// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package checkpoint persists decoded telemetry records as Avro object
// container files, one file per message type, so received telemetry
// survives a collector restart and can be replayed by standard Avro
// tooling.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-tbi/pkg/schema"
	"github.com/linkedin/goavro/v2"
)

// Checkpointer appends records to per-message-type OCF files below a base
// directory. It buffers nothing; every Append hits the file.
type Checkpointer struct {
	dir     string
	entries map[uint8]schema.Entry
	codecs  map[uint8]*goavro.Codec
}

// New prepares codecs for all entries and ensures the checkpoint directory
// exists.
func New(dir string, entries []schema.Entry) (*Checkpointer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	cp := &Checkpointer{
		dir:     dir,
		entries: make(map[uint8]schema.Entry, len(entries)),
		codecs:  make(map[uint8]*goavro.Codec, len(entries)),
	}

	for _, e := range entries {
		codec, err := goavro.NewCodec(avroSchema(&e))
		if err != nil {
			return nil, fmt.Errorf("avro codec for message type %d: %w", e.MsgType, err)
		}
		cp.entries[e.MsgType] = e
		cp.codecs[e.MsgType] = codec
	}

	return cp, nil
}

// recordName turns an entry into a valid Avro record name.
func recordName(e *schema.Entry) string {
	if e.Name == "" {
		return "tbi_msg" + strconv.Itoa(int(e.MsgType))
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, e.Name)
}

func avroSchema(e *schema.Entry) string {
	var sb strings.Builder
	sb.WriteString(`{"type":"record","name":"`)
	sb.WriteString(recordName(e))
	sb.WriteString(`","fields":[{"name":"ts","type":"long"}`)
	for i := range e.Fields {
		sb.WriteString(`,{"name":"`)
		sb.WriteString(e.FieldName(i))
		sb.WriteString(`","type":"long"}`)
	}
	sb.WriteString(`]}`)
	return sb.String()
}

func (cp *Checkpointer) filename(e *schema.Entry) string {
	return filepath.Join(cp.dir, recordName(e)+".avro")
}

// Append writes one decoded record, stamped with the current time in
// milliseconds, to its message type's container file.
func (cp *Checkpointer) Append(msgtype uint8, record []byte) error {
	entry, ok := cp.entries[msgtype]
	if !ok {
		return fmt.Errorf("no schema entry for message type %d", msgtype)
	}
	if len(record) != entry.RawSize() {
		return fmt.Errorf("record length %d disagrees with schema for message type %d", len(record), msgtype)
	}

	datum := map[string]any{"ts": time.Now().UnixMilli()}
	for i := range entry.Fields {
		datum[entry.FieldName(i)] = entry.FieldValue(record, i)
	}

	f, err := os.OpenFile(cp.filename(&entry), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open checkpoint file: %w", err)
	}
	defer f.Close()

	// goavro appends behind an existing container header and reads the
	// writer schema from it; only a fresh file needs the codec.
	cfg := goavro.OCFConfig{W: f}
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		cfg.Codec = cp.codecs[msgtype]
	}

	w, err := goavro.NewOCFWriter(cfg)
	if err != nil {
		return fmt.Errorf("open OCF writer: %w", err)
	}
	if err := w.Append([]any{datum}); err != nil {
		return fmt.Errorf("append checkpoint record: %w", err)
	}
	return nil
}

// HandleRecord is Append shaped for use inside a tbi callback; failures
// are logged, not propagated.
func (cp *Checkpointer) HandleRecord(msgtype uint8, record []byte) {
	if err := cp.Append(msgtype, record); err != nil {
		cclog.Errorf("checkpoint: %s", err.Error())
	}
}
