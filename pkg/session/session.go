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

// Package session manages per-client broker sessions: the subscriptions,
// unacknowledged inflight contexts and queued offline messages that make
// up a client's persistent state. Clean sessions live only as long as
// their connection; persistent sessions survive reconnects and are
// stored through the storage.Store interface.
package session

import (
	"time"

	"github.com/turtacn/gnatmq-go/pkg/inflight"
)

// QueuedMessage is a PUBLISH held for an offline persistent session.
type QueuedMessage struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	QoS       byte      `json:"qos"`
	Retain    bool      `json:"retain"`
	Timestamp time.Time `json:"timestamp"`
}

// WillMessage is the last will and testament carried by CONNECT,
// published when the connection terminates abnormally.
type WillMessage struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

// Session is the per-client state record. Field access is coordinated by
// the Manager; callers receive the session from Open and hand mutations
// back through Manager methods.
type Session struct {
	ClientID     string    `json:"client_id"`
	CleanSession bool      `json:"clean_session"`
	Connected    bool      `json:"connected"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// Subscriptions maps topic filter to granted QoS.
	Subscriptions map[string]byte `json:"subscriptions"`

	// Inflight holds the serialized message contexts of the last
	// connection, rehydrated into the next connection's queue.
	Inflight []inflight.Record `json:"inflight,omitempty"`

	// OfflineQueue holds messages published while the client was
	// disconnected, in publish order.
	OfflineQueue []*QueuedMessage `json:"offline_queue,omitempty"`

	Will *WillMessage `json:"will,omitempty"`
}
