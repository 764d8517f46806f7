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

// Package retainer stores MQTT retained messages. One message is kept
// per topic; a PUBLISH with the RETAIN flag replaces it and an empty
// retained payload deletes it. On every new subscription the broker asks
// for the retained messages matching the filter and delivers them with
// the RETAIN bit set.
package retainer

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/turtacn/gnatmq-go/pkg/storage"
	"github.com/turtacn/gnatmq-go/pkg/topics"
)

const keyPrefix = "retained:"

// Message is a stored retained message.
type Message struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	QoS       byte      `json:"qos"`
	Timestamp time.Time `json:"timestamp"`
}

// Config defines retainer limits.
type Config struct {
	// MaxPayloadSize is the largest retained payload accepted, 0 for
	// unlimited.
	MaxPayloadSize int64 `yaml:"max_payload_size" json:"max_payload_size"`
	// MaxRetainedMessages caps the number of retained topics, 0 for
	// unlimited.
	MaxRetainedMessages int `yaml:"max_retained_messages" json:"max_retained_messages"`
}

// DefaultConfig returns a default retainer configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxPayloadSize:      1024 * 1024,
		MaxRetainedMessages: 10000,
	}
}

// Retainer manages retained messages over a storage.Store.
type Retainer struct {
	store storage.Store
	cfg   *Config
	mu    sync.RWMutex
}

// New creates a retainer over the given store.
func New(store storage.Store, cfg *Config) *Retainer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Retainer{store: store, cfg: cfg}
}

// Retain stores the retained message for topic. An empty payload deletes
// the retained message, per the MQTT specification.
func (r *Retainer) Retain(topic string, payload []byte, qos byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(payload) == 0 {
		log.Printf("[INFO] Deleting retained message for topic: %s", topic)
		return r.store.Delete(keyPrefix + topic)
	}

	if r.cfg.MaxPayloadSize > 0 && int64(len(payload)) > r.cfg.MaxPayloadSize {
		return fmt.Errorf("retained payload size %d exceeds maximum %d", len(payload), r.cfg.MaxPayloadSize)
	}

	if r.cfg.MaxRetainedMessages > 0 {
		existing, err := r.store.Scan(keyPrefix)
		if err != nil {
			return err
		}
		if _, replacing := existing[keyPrefix+topic]; !replacing && len(existing) >= r.cfg.MaxRetainedMessages {
			return fmt.Errorf("maximum retained messages limit (%d) reached", r.cfg.MaxRetainedMessages)
		}
	}

	msg := Message{
		Topic:     topic,
		Payload:   payload,
		QoS:       qos,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.store.Set(keyPrefix+topic, data)
}

// Matching returns every retained message whose topic matches the given
// filter, for delivery after a SUBACK.
func (r *Retainer) Matching(filter string) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := r.store.Scan(keyPrefix)
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, data := range entries {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[WARN] Skipping undecodable retained message: %v", err)
			continue
		}
		if topics.Match(filter, msg.Topic) {
			out = append(out, msg)
		}
	}
	return out, nil
}
