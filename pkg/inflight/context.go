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

// Package inflight implements the per-connection inflight queue and the
// QoS state machine that drives PUBLISH handshakes in both directions, as
// well as SUBSCRIBE/UNSUBSCRIBE acknowledgment. Each connection owns one
// Queue; a single processing goroutine (Run) walks the queue in FIFO
// order, advancing every message context whose preconditions are met,
// retransmitting on timeout and retiring contexts that reach a terminal
// state.
package inflight

import (
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
)

// Flow distinguishes the two directions a message context can travel.
type Flow int

const (
	// ToPublish is the broker-to-client direction: contexts created by
	// the outbound publisher, acknowledged by the client.
	ToPublish Flow = iota
	// ToAcknowledge is the client-to-broker direction: contexts created
	// from inbound packets, acknowledged by the broker.
	ToAcknowledge
)

func (f Flow) String() string {
	switch f {
	case ToPublish:
		return "to-publish"
	case ToAcknowledge:
		return "to-acknowledge"
	default:
		return "unknown"
	}
}

// State is the position of a message context inside the QoS handshake.
type State int

const (
	// QueuedQoS0 through QueuedQoS2 are the entry states of a PUBLISH
	// context, one per QoS level.
	QueuedQoS0 State = iota
	QueuedQoS1
	QueuedQoS2
	// WaitForPuback: outbound QoS 1 PUBLISH sent, awaiting PUBACK.
	WaitForPuback
	// WaitForPubrec: outbound QoS 2 PUBLISH sent, awaiting PUBREC.
	WaitForPubrec
	// WaitForPubrel: inbound QoS 2 PUBREC sent, awaiting PUBREL.
	WaitForPubrel
	// WaitForPubcomp: outbound QoS 2 PUBREL sent, awaiting PUBCOMP.
	WaitForPubcomp
	// SendSubscribe: inbound SUBSCRIBE awaiting application and SUBACK.
	SendSubscribe
	// SendSuback: subscription edits applied, SUBACK pending.
	SendSuback
	// SendUnsubscribe: inbound UNSUBSCRIBE awaiting application.
	SendUnsubscribe
	// SendUnsuback: unsubscription applied, UNSUBACK pending.
	SendUnsuback
	// SendPubrec: inbound QoS 2 PUBLISH delivered, PUBREC pending.
	SendPubrec
	// SendPubrel: PUBREC received, PUBREL pending.
	SendPubrel
	// SendPubcomp: PUBREL received, PUBCOMP pending.
	SendPubcomp
	// SendPuback: inbound QoS 1 PUBLISH delivered, PUBACK pending.
	SendPuback
	// Finished is the terminal state; the context is removed from the
	// queue when it is reached.
	Finished
)

func (s State) String() string {
	switch s {
	case QueuedQoS0:
		return "queued-qos0"
	case QueuedQoS1:
		return "queued-qos1"
	case QueuedQoS2:
		return "queued-qos2"
	case WaitForPuback:
		return "wait-for-puback"
	case WaitForPubrec:
		return "wait-for-pubrec"
	case WaitForPubrel:
		return "wait-for-pubrel"
	case WaitForPubcomp:
		return "wait-for-pubcomp"
	case SendSubscribe:
		return "send-subscribe"
	case SendSuback:
		return "send-suback"
	case SendUnsubscribe:
		return "send-unsubscribe"
	case SendUnsuback:
		return "send-unsuback"
	case SendPubrec:
		return "send-pubrec"
	case SendPubrel:
		return "send-pubrel"
	case SendPubcomp:
		return "send-pubcomp"
	case SendPuback:
		return "send-puback"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// waiting reports whether s is a state with a pending retransmission
// deadline.
func (s State) waiting() bool {
	switch s {
	case WaitForPuback, WaitForPubrec, WaitForPubrel, WaitForPubcomp:
		return true
	default:
		return false
	}
}

// Key uniquely identifies an active context within one session: packet
// identifier plus direction.
type Key struct {
	PacketID uint16
	Flow     Flow
}

// Context is one in-flight message exchange. Contexts are owned by the
// queue; callers never mutate them directly.
type Context struct {
	// Packet is the originating packet: a PUBLISH, SUBSCRIBE or
	// UNSUBSCRIBE.
	Packet *packets.Packet
	Flow   Flow
	State  State
	// Attempt counts retransmissions performed so far.
	Attempt int
	// Deadline is the retransmission deadline while State is a Wait*
	// state.
	Deadline time.Time
	// Delivered guards exactly-once delivery of inbound QoS 2 messages
	// across retransmitted PUBLISH packets.
	Delivered bool

	// subCodes carries SUBACK return codes between SendSubscribe and
	// SendSuback.
	subCodes []byte
}

// Key returns the context's identity within the queue.
func (c *Context) Key() Key {
	return Key{PacketID: c.Packet.PacketID, Flow: c.Flow}
}

// Record is the serializable form of a PUBLISH context, used to persist
// inflight state across reconnects of a persistent session.
type Record struct {
	PacketID  uint16 `json:"packet_id"`
	Flow      Flow   `json:"flow"`
	State     State  `json:"state"`
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	QoS       byte   `json:"qos"`
	Retain    bool   `json:"retain"`
	Attempt   int    `json:"attempt"`
	Delivered bool   `json:"delivered"`
}
