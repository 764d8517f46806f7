// Copyright 2023 The gnatmq-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts accepted client connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnatmq_connections_total",
		Help: "The total number of connections made to the broker.",
	})

	// SessionsActive tracks the number of live sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gnatmq_sessions_active",
		Help: "The number of sessions currently held by the broker.",
	})

	// MessagesPublishedTotal counts PUBLISH packets fanned out to
	// subscribers.
	MessagesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnatmq_messages_published_total",
		Help: "The total number of PUBLISH packets routed to subscribers.",
	})

	// MessagesQueuedTotal counts messages stored for offline clients.
	MessagesQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnatmq_messages_queued_total",
		Help: "The total number of messages queued for offline sessions.",
	})

	// MessagesDroppedTotal counts messages dropped because no delivery
	// path existed (offline clean sessions, full offline queues).
	MessagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnatmq_messages_dropped_total",
		Help: "The total number of messages dropped without delivery.",
	})

	// RetransmissionsTotal counts DUP retransmissions of unacknowledged
	// packets.
	RetransmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnatmq_retransmissions_total",
		Help: "The total number of retransmitted packets.",
	})

	// RetriesExhaustedTotal counts inflight contexts abandoned after the
	// maximum number of retransmissions.
	RetriesExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnatmq_retries_exhausted_total",
		Help: "The total number of inflight messages abandoned after retry exhaustion.",
	})

	// TaskFailuresTotal counts supervised tasks that terminated with an
	// error or a panic. Tasks are one-shot, so every increment is a
	// connection whose processor died abnormally.
	TaskFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gnatmq_task_failures_total",
		Help: "The total number of supervised tasks that terminated abnormally.",
	},
		[]string{"task_id"},
	)
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
