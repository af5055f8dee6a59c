// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import "flag"

var (
	flagClient, flagServer, flagVersion, flagLogDateTime bool
	flagConfigFile, flagLogLevel                         string
	flagCount                                            int
)

func cliInit() {
	flag.BoolVar(&flagClient, "client", false, "Run the demo telemetry producer")
	flag.BoolVar(&flagServer, "server", false, "Run the demo telemetry collector")
	flag.BoolVar(&flagVersion, "version", false, "Show version information and exit")
	flag.BoolVar(&flagLogDateTime, "logdate", false, "Set this flag to add date and time to log messages")
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Specify alternative path to `config.json`")
	flag.StringVar(&flagLogLevel, "loglevel", "", "Sets the logging level: `[debug, info, warn (default), err, crit]`")
	flag.IntVar(&flagCount, "count", 30, "Number of producer iterations before the client disconnects")
	flag.Parse()
}
