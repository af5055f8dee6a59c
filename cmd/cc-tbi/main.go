// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// cc-tbi is the demo pair for the TBI library: a telemetry producer
// (-client) sending a real-time temperature/humidity stream and a
// delta-compressed acceleration stream, and a collector (-server) decoding
// them and fanning out to the configured export sinks.
package main

import (
	"fmt"
	"os"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-tbi/internal/config"
	"github.com/ClusterCockpit/cc-tbi/pkg/schema"
)

const version = "1.0.0"

// schemaVersion is the demo telemetry schema version carried in the
// handshake.
const schemaVersion uint8 = 1

func demoSchema() []schema.Entry {
	return []schema.Entry{
		{
			Name:       "temp_and_hum",
			FieldNames: []string{"time_s", "temp", "hum"},
			MsgType:    1,
			Fields:     []schema.FieldType{schema.FieldTimeS, schema.FieldUint32, schema.FieldUint8},
		},
		{
			Name:       "accel",
			FieldNames: []string{"time_s", "x", "y", "z", "temp"},
			MsgType:    2,
			DCB:        true,
			Interval:   time.Second,
			Fields: []schema.FieldType{
				schema.FieldTimeS, schema.FieldUint16,
				schema.FieldInt16, schema.FieldInt16, schema.FieldInt8,
			},
		},
	}
}

func main() {
	cliInit()

	if flagVersion {
		fmt.Printf("cc-tbi version %s\n", version)
		os.Exit(0)
	}

	config.Init(flagConfigFile)

	loglevel := flagLogLevel
	if loglevel == "" {
		loglevel = config.Keys.LogLevel
	}
	cclog.Init(loglevel, flagLogDateTime)

	switch {
	case flagServer:
		os.Exit(runServer())
	case flagClient:
		os.Exit(runClient())
	default:
		fmt.Fprintln(os.Stderr, "cc-tbi: one of -client or -server is required")
		os.Exit(1)
	}
}
