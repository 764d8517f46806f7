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

package broker

import (
	"log"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/gnatmq-go/pkg/metrics"
	"github.com/turtacn/gnatmq-go/pkg/session"
)

// route fans a PUBLISH out to every matching subscriber. Each client
// receives exactly one copy at min(publishQoS, grantedQoS): live
// connections get a fresh outbound context in their inflight queue,
// offline persistent sessions get the message queued (QoS >= 1 only).
// The subscriber list is a copy, so no table lock is held during any of
// the enqueues. from is the connection whose processor is routing, or
// nil for broker-originated traffic; enqueueing into from's own queue
// must not block, since the blocked goroutine would be the one that
// frees the window.
func (b *Broker) route(from *connection, topic string, payload []byte, qos byte) {
	matches := b.subs.FindSubscribers(topic)
	if len(matches) > 0 {
		log.Printf("Routing message on topic '%s' to %d subscribers", topic, len(matches))
	}

	for _, m := range matches {
		effective := qos
		if m.QoS < effective {
			effective = m.QoS
		}

		if m.ConnectionID != "" {
			if target := b.resolveConn(m.ConnectionID); target != nil {
				pub := &packets.Packet{
					FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: effective},
					TopicName:   topic,
					Payload:     payload,
				}
				var err error
				if target == from {
					err = target.queue.TryEnqueueOutbound(pub)
				} else {
					err = target.queue.EnqueueOutbound(pub)
				}
				if err != nil {
					log.Printf("[WARN] Dropping message for %s on %s: %v", m.ClientID, topic, err)
					metrics.MessagesDroppedTotal.Inc()
					continue
				}
				metrics.MessagesPublishedTotal.Inc()
				continue
			}
		}

		// No live connection. Queue for the persistent session when the
		// effective QoS warrants it; otherwise the message is dropped.
		if effective >= 1 && b.sessions.Exists(m.ClientID) {
			err := b.sessions.QueueOffline(m.ClientID, &session.QueuedMessage{
				Topic:     topic,
				Payload:   payload,
				QoS:       effective,
				Timestamp: time.Now(),
			})
			if err != nil {
				log.Printf("[WARN] Failed to queue offline message for %s: %v", m.ClientID, err)
				metrics.MessagesDroppedTotal.Inc()
			}
			continue
		}
		metrics.MessagesDroppedTotal.Inc()
	}
}

// publishWill routes a session's last will after an abnormal
// termination.
func (b *Broker) publishWill(clientID string, will *session.WillMessage) {
	log.Printf("[INFO] Publishing will message for client %s to topic %s", clientID, will.Topic)
	if will.Retain {
		if err := b.retained.Retain(will.Topic, will.Payload, will.QoS); err != nil {
			log.Printf("[WARN] Failed to retain will message for %s: %v", clientID, err)
		}
	}
	b.route(nil, will.Topic, will.Payload, will.QoS)
}
