// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"go.uber.org/atomic"
)

var (
	sendQueueDepthValue atomic.Int64

	sendQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "construct",
			Subsystem: "federationapi",
			Name:      "send_queue_depth",
			Help:      "Number of PDUs waiting to be sent to remote servers",
		},
	)

	destinationQueueTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "construct",
			Subsystem: "federationapi",
			Name:      "destination_queues_total",
			Help:      "Number of destination queues currently running",
		},
	)

	destinationQueueBackingOff = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "construct",
			Subsystem: "federationapi",
			Name:      "destination_queues_backing_off",
			Help:      "Number of destination queues currently backing off",
		},
	)
)

func init() {
	prometheus.MustRegister(
		sendQueueDepth,
		destinationQueueTotal,
		destinationQueueBackingOff,
	)
}

// observeSendQueueDepth adjusts the send queue depth gauge by delta. The
// running value is tracked separately so that concurrent queues can adjust
// it without reading the gauge back.
func observeSendQueueDepth(delta int64) {
	sendQueueDepth.Set(float64(sendQueueDepthValue.Add(delta)))
}
