// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics holds the Prometheus instrumentation of the TBI library:
// frame, byte and record counters on a dedicated registry that executables
// can expose via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry collects all TBI metrics. Executables expose it with
// promhttp.HandlerFor; tests can read counters directly.
var Registry = prometheus.NewRegistry()

var (
	FramesSent = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "tbi_frames_sent_total",
		Help: "Frames written to the channel, by mode.",
	}, []string{"mode"})

	FramesReceived = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "tbi_frames_received_total",
		Help: "Frames read from the channel, by mode.",
	}, []string{"mode"})

	BytesSent = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "tbi_bytes_sent_total",
		Help: "Payload bytes written to the channel.",
	})

	RecordsScheduled = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "tbi_records_scheduled_total",
		Help: "Records accepted by Schedule.",
	})

	RecordsCompressed = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "tbi_dcb_records_compressed_total",
		Help: "Records sent inside delta-compressed bundles.",
	})

	BytesSaved = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "tbi_dcb_bytes_saved_total",
		Help: "Bytes saved by delta compression compared to per-record RTM frames.",
	})
)
