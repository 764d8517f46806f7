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

// Package subscription provides the broker's subscription table: the
// mapping from topic filters to subscribed clients. A client holds at
// most one row per exact filter; fan-out queries collapse overlapping
// filters of the same client into a single match carrying the maximum
// granted QoS.
package subscription

import (
	"strings"
	"sync"

	"github.com/turtacn/gnatmq-go/pkg/topics"
)

// MaxQoS is the highest QoS level this broker grants.
const MaxQoS byte = 2

// Subscription is one row of the table.
type Subscription struct {
	ClientID string
	Filter   string
	QoS      byte
	// ConnectionID is an opaque reference to the live connection serving
	// this client, resolved through the broker's connection registry.
	// Empty while the client is disconnected but its session persists.
	ConnectionID string

	seq uint64
}

// Match is the per-client projection returned by FindSubscribers. When a
// client has several filters matching the same topic it appears exactly
// once, with the maximum granted QoS across them.
type Match struct {
	ClientID     string
	ConnectionID string
	QoS          byte
}

// Table is the shared subscription table. All operations are serialized
// under a reader/writer lock; results are copied out so the lock is never
// held across network I/O.
type Table struct {
	mu       sync.RWMutex
	byClient map[string]map[string]*Subscription
	nextSeq  uint64
}

// NewTable creates an empty subscription table.
func NewTable() *Table {
	return &Table{
		byClient: make(map[string]map[string]*Subscription),
	}
}

// Subscribe upserts the (clientID, filter) row and returns the granted
// QoS, the requested QoS capped at MaxQoS. Re-subscribing to the same
// filter replaces the granted QoS and keeps the row's insertion order.
func (t *Table) Subscribe(clientID, filter string, qos byte, connID string) byte {
	granted := qos
	if granted > MaxQoS {
		granted = MaxQoS
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rows, ok := t.byClient[clientID]
	if !ok {
		rows = make(map[string]*Subscription)
		t.byClient[clientID] = rows
	}
	if row, ok := rows[filter]; ok {
		row.QoS = granted
		row.ConnectionID = connID
		return granted
	}
	t.nextSeq++
	rows[filter] = &Subscription{
		ClientID:     clientID,
		Filter:       filter,
		QoS:          granted,
		ConnectionID: connID,
		seq:          t.nextSeq,
	}
	return granted
}

// Unsubscribe removes the (clientID, filter) row. It is idempotent and
// reports whether a row existed.
func (t *Table) Unsubscribe(clientID, filter string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, ok := t.byClient[clientID]
	if !ok {
		return false
	}
	if _, ok := rows[filter]; !ok {
		return false
	}
	delete(rows, filter)
	if len(rows) == 0 {
		delete(t.byClient, clientID)
	}
	return true
}

// UnsubscribeAll removes every row belonging to clientID.
func (t *Table) UnsubscribeAll(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byClient, clientID)
}

// Detach clears the connection reference on every row of clientID. Rows
// stay in the table: the session persists and offline messages may be
// queued against them. Reconnection rebinds rows through Subscribe,
// which upserts the new connection ID per filter.
func (t *Table) Detach(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range t.byClient[clientID] {
		row.ConnectionID = ""
	}
}

// FindSubscribers returns one Match per client whose filters match topic.
// The result is a copy; callers may perform I/O without holding any lock.
func (t *Table) FindSubscribers(topic string) []Match {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matches []Match
	for clientID, rows := range t.byClient {
		found := false
		m := Match{ClientID: clientID}
		for _, row := range rows {
			if !topics.Match(row.Filter, topic) {
				continue
			}
			if !found || row.QoS > m.QoS {
				m.QoS = row.QoS
			}
			m.ConnectionID = row.ConnectionID
			found = true
		}
		if found {
			matches = append(matches, m)
		}
	}
	return matches
}

// Get returns the subscription row that governs delivery of topic to
// clientID: the matching row with the highest granted QoS, ties broken by
// the longest literal level prefix, then by insertion order.
func (t *Table) Get(topic, clientID string) (Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Subscription
	bestPrefix := -1
	for _, row := range t.byClient[clientID] {
		if !topics.Match(row.Filter, topic) {
			continue
		}
		prefix := literalPrefixLen(row.Filter)
		switch {
		case best == nil,
			row.QoS > best.QoS,
			row.QoS == best.QoS && prefix > bestPrefix,
			row.QoS == best.QoS && prefix == bestPrefix && row.seq < best.seq:
			best = row
			bestPrefix = prefix
		}
	}
	if best == nil {
		return Subscription{}, false
	}
	return *best, true
}

// subscriptionsOf returns copies of every row belonging to clientID.
func (t *Table) subscriptionsOf(clientID string) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := t.byClient[clientID]
	out := make([]Subscription, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out
}

// literalPrefixLen counts the leading filter levels before the first
// wildcard.
func literalPrefixLen(filter string) int {
	n := 0
	for _, level := range strings.Split(filter, "/") {
		if level == "+" || level == "#" {
			break
		}
		n++
	}
	return n
}
