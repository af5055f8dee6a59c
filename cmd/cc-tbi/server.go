// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-tbi/internal/checkpoint"
	"github.com/ClusterCockpit/cc-tbi/internal/config"
	"github.com/ClusterCockpit/cc-tbi/internal/lineexport"
	"github.com/ClusterCockpit/cc-tbi/internal/metrics"
	"github.com/ClusterCockpit/cc-tbi/pkg/natsrelay"
	"github.com/ClusterCockpit/cc-tbi/pkg/schema"
	"github.com/ClusterCockpit/cc-tbi/pkg/tbi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultSubject = "cc-tbi.telemetry"

func runServer() int {
	entries := demoSchema()

	ctx := tbi.New(schemaVersion)
	if err := ctx.RegisterSchema(entries); err != nil {
		cclog.Errorf("register schema: %s", err.Error())
		return 1
	}

	var relay *natsrelay.Client
	var exporter *lineexport.Exporter
	if config.Keys.Nats != nil {
		var err error
		relay, err = natsrelay.NewClient(config.Keys.Nats)
		if err != nil {
			cclog.Errorf("NATS init: %s", err.Error())
			return 1
		}
		defer relay.Close()

		subject := config.Keys.Nats.Subject
		if subject == "" {
			subject = defaultSubject
		}
		exporter = lineexport.New(entries, relay, subject)
	}

	var cp *checkpoint.Checkpointer
	if config.Keys.CheckpointDir != "" {
		var err error
		cp, err = checkpoint.New(config.Keys.CheckpointDir, entries)
		if err != nil {
			cclog.Errorf("checkpoint init: %s", err.Error())
			return 1
		}
	}

	if config.Keys.MetricsAddr != "" {
		go func() {
			handler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
			http.Handle("/metrics", handler)
			if err := http.ListenAndServe(config.Keys.MetricsAddr, nil); err != nil {
				cclog.Errorf("metrics endpoint: %s", err.Error())
			}
		}()
	}

	byType := make(map[uint8]schema.Entry, len(entries))
	for _, e := range entries {
		byType[e.MsgType] = e
	}

	ctx.RegisterGlobalCallback(func(msgtype uint8, record []byte, _ any) {
		entry := byType[msgtype]
		var sb strings.Builder
		for i := range entry.Fields {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(entry.FieldName(i))
			sb.WriteByte('=')
			sb.WriteString(strconv.FormatInt(entry.FieldValue(record, i), 10))
		}
		cclog.Debugf("%s: %s", entry.Name, sb.String())

		if exporter != nil {
			exporter.HandleRecord(msgtype, record)
		}
		if cp != nil {
			cp.HandleRecord(msgtype, record)
		}
	}, nil)

	if err := ctx.ServerInit(config.Keys.Addr); err != nil {
		cclog.Errorf("server init: %s", err.Error())
		return 1
	}
	defer ctx.Close()

	for {
		if _, err := ctx.ServerReceiveBlocking(); err != nil {
			// A frame that disagrees with the schema is logged and
			// skipped; a dead connection ends the collector.
			if errors.Is(err, tbi.ErrModeMismatch) {
				cclog.Warnf("receive: %s", err.Error())
				continue
			}
			cclog.Infof("connection closed: %s", err.Error())
			return 0
		}

		n, err := ctx.ServerProcess()
		if err != nil {
			cclog.Warnf("process: %s", err.Error())
			continue
		}
		if n > 0 {
			cclog.Debugf("dispatched %d record(s)", n)
		}
	}
}
