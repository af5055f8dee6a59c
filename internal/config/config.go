// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config holds the program configuration of the cc-tbi executable.
// The config file is plain JSON, validated against an embedded JSON schema
// before decoding. A missing file leaves the defaults in place.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-tbi/pkg/natsrelay"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ProgramConfig is the format of the configuration file. See the defaults
// below.
type ProgramConfig struct {
	// Address the server listens on, or the client connects to.
	Addr string `json:"addr"`

	// Sets the logging level: debug, info, warn, err, crit.
	LogLevel string `json:"loglevel"`

	// If set, the server republishes decoded telemetry to this NATS
	// endpoint as influx line protocol.
	Nats *natsrelay.Config `json:"nats,omitempty"`

	// If set, the server checkpoints decoded telemetry to Avro container
	// files below this directory.
	CheckpointDir string `json:"checkpoint-dir,omitempty"`

	// If set, the server exposes Prometheus metrics on this address.
	MetricsAddr string `json:"metrics-addr,omitempty"`
}

var Keys ProgramConfig = ProgramConfig{
	Addr:     "127.0.0.1:8000",
	LogLevel: "warn",
}

const configSchema = `{
  "type": "object",
  "properties": {
    "addr": { "type": "string" },
    "loglevel": { "type": "string", "enum": ["debug", "info", "warn", "err", "crit"] },
    "nats": {
      "type": "object",
      "properties": {
        "address": { "type": "string" },
        "username": { "type": "string" },
        "password": { "type": "string" },
        "subject": { "type": "string" }
      },
      "required": ["address"]
    },
    "checkpoint-dir": { "type": "string" },
    "metrics-addr": { "type": "string" }
  }
}`

// Init loads the configuration file. A nonexistent file is not an error;
// any other failure aborts the program.
func Init(flagConfigFile string) {
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if !os.IsNotExist(err) {
			cclog.Abortf("Config Init: Could not read config file '%s'.\nError: %s\n", flagConfigFile, err.Error())
		}
		return
	}

	validate(raw)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		cclog.Abortf("Config Init: Could not decode config file '%s'.\nError: %s\n", flagConfigFile, err.Error())
	}
}

func validate(instance json.RawMessage) {
	sch, err := jsonschema.CompileString("config.json", configSchema)
	if err != nil {
		cclog.Fatalf("%#v", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		cclog.Fatal(err)
	}

	if err = sch.Validate(v); err != nil {
		cclog.Fatalf("%#v", err)
	}
}
