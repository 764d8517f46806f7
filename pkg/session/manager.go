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

package session

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/turtacn/gnatmq-go/pkg/inflight"
	"github.com/turtacn/gnatmq-go/pkg/metrics"
	"github.com/turtacn/gnatmq-go/pkg/storage"
)

// Config tunes session management.
type Config struct {
	// MaxOfflineMessages caps the offline queue per session; the oldest
	// message is dropped when the cap is reached.
	MaxOfflineMessages int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{MaxOfflineMessages: 10000}
}

// Manager owns every session known to the broker and persists the
// non-clean ones through the configured store. Sessions are keyed by
// client ID; per-key access is serialized by the manager's lock, which
// is never held across I/O to the network.
type Manager struct {
	store storage.Store
	cfg   Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager over the given store.
func NewManager(store storage.Store, cfg Config) *Manager {
	if cfg.MaxOfflineMessages <= 0 {
		cfg.MaxOfflineMessages = DefaultConfig().MaxOfflineMessages
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Open creates or resumes the session for clientID and reports whether a
// previous session was present (the CONNACK sessionPresent flag). A
// clean-session CONNECT always starts fresh and removes any stored
// state; a persistent CONNECT rehydrates subscriptions, inflight
// contexts and the offline queue.
func (m *Manager) Open(clientID string, cleanSession bool) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	if cleanSession {
		if _, existed := m.sessions[clientID]; existed {
			delete(m.sessions, clientID)
			metrics.SessionsActive.Dec()
		}
		if err := m.store.Delete(sessionKey(clientID)); err != nil {
			log.Printf("[WARN] Failed to delete stored session for %s: %v", clientID, err)
		}
		sess := newSession(clientID, true, now)
		m.sessions[clientID] = sess
		metrics.SessionsActive.Inc()
		return sess, false, nil
	}

	// Resume a session still held in memory from an earlier connection.
	if sess, ok := m.sessions[clientID]; ok && !sess.CleanSession {
		sess.Connected = true
		sess.LastActivity = now
		log.Printf("[INFO] Resumed session for client %s (offline messages: %d, inflight: %d)",
			clientID, len(sess.OfflineQueue), len(sess.Inflight))
		return sess, true, nil
	}

	// Fall back to the stored record, surviving a broker restart.
	if sess, err := m.load(clientID); err == nil {
		sess.Connected = true
		sess.LastActivity = now
		m.sessions[clientID] = sess
		metrics.SessionsActive.Inc()
		log.Printf("[INFO] Loaded persistent session for client %s from storage", clientID)
		return sess, true, nil
	} else if err != storage.ErrNotFound {
		return nil, false, err
	}

	sess := newSession(clientID, false, now)
	m.sessions[clientID] = sess
	metrics.SessionsActive.Inc()
	if err := m.saveLocked(sess); err != nil {
		log.Printf("[ERROR] Failed to save new session for %s: %v", clientID, err)
	}
	return sess, false, nil
}

// Close marks the session disconnected. Clean sessions are destroyed;
// persistent ones are saved with the inflight snapshot already recorded
// by SaveInflight. The session's will message is returned when the
// close was not graceful, for the caller to publish; a graceful
// DISCONNECT discards it, as does session takeover.
func (m *Manager) Close(clientID string, graceful bool) *WillMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[clientID]
	if !ok {
		return nil
	}

	sess.Connected = false
	sess.LastActivity = time.Now()

	var will *WillMessage
	if !graceful {
		will = sess.Will
	}
	sess.Will = nil

	if sess.CleanSession {
		delete(m.sessions, clientID)
		metrics.SessionsActive.Dec()
		log.Printf("[INFO] Removed clean session for client %s", clientID)
	} else if err := m.saveLocked(sess); err != nil {
		log.Printf("[ERROR] Failed to save session state for %s: %v", clientID, err)
	}
	return will
}

// Get returns the live session for clientID, if any.
func (m *Manager) Get(clientID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[clientID]
	return sess, ok
}

// Exists reports whether a session (connected or not) is held for
// clientID.
func (m *Manager) Exists(clientID string) bool {
	_, ok := m.Get(clientID)
	return ok
}

// AddSubscription records a granted subscription on the session.
func (m *Manager) AddSubscription(clientID, filter string, qos byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[clientID]
	if !ok {
		return fmt.Errorf("session not found for client %s", clientID)
	}
	sess.Subscriptions[filter] = qos
	sess.LastActivity = time.Now()
	return m.persistLocked(sess)
}

// RemoveSubscription removes a subscription from the session.
func (m *Manager) RemoveSubscription(clientID, filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[clientID]
	if !ok {
		return fmt.Errorf("session not found for client %s", clientID)
	}
	delete(sess.Subscriptions, filter)
	sess.LastActivity = time.Now()
	return m.persistLocked(sess)
}

// SetWill attaches the connection's will message to the session.
func (m *Manager) SetWill(clientID string, will *WillMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[clientID]; ok {
		sess.Will = will
	}
}

// QueueOffline appends a message to the session's offline queue. The
// queue is bounded; when full the oldest message is dropped to make
// room.
func (m *Manager) QueueOffline(clientID string, msg *QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[clientID]
	if !ok {
		return fmt.Errorf("session not found for client %s", clientID)
	}
	if sess.CleanSession || sess.Connected {
		return nil
	}

	if len(sess.OfflineQueue) >= m.cfg.MaxOfflineMessages {
		sess.OfflineQueue = sess.OfflineQueue[1:]
		metrics.MessagesDroppedTotal.Inc()
		log.Printf("[WARN] Offline queue full for client %s, dropping oldest message", clientID)
	}
	sess.OfflineQueue = append(sess.OfflineQueue, msg)
	metrics.MessagesQueuedTotal.Inc()
	return m.persistLocked(sess)
}

// DrainOffline removes and returns the session's queued messages in
// publish order.
func (m *Manager) DrainOffline(clientID string) []*QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[clientID]
	if !ok || len(sess.OfflineQueue) == 0 {
		return nil
	}
	queued := sess.OfflineQueue
	sess.OfflineQueue = nil
	if err := m.persistLocked(sess); err != nil {
		log.Printf("[ERROR] Failed to persist drained queue for %s: %v", clientID, err)
	}
	return queued
}

// SaveInflight records the connection's inflight snapshot on the
// session, replacing any previous snapshot.
func (m *Manager) SaveInflight(clientID string, recs []inflight.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[clientID]
	if !ok {
		return
	}
	sess.Inflight = recs
	if err := m.persistLocked(sess); err != nil {
		log.Printf("[ERROR] Failed to persist inflight state for %s: %v", clientID, err)
	}
}

// PersistInflight records or replaces a single inflight context on the
// session, keyed by (packetID, flow).
func (m *Manager) PersistInflight(clientID string, rec inflight.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[clientID]
	if !ok {
		return
	}
	for i, existing := range sess.Inflight {
		if existing.PacketID == rec.PacketID && existing.Flow == rec.Flow {
			sess.Inflight[i] = rec
			if err := m.persistLocked(sess); err != nil {
				log.Printf("[ERROR] Failed to persist inflight context for %s: %v", clientID, err)
			}
			return
		}
	}
	sess.Inflight = append(sess.Inflight, rec)
	if err := m.persistLocked(sess); err != nil {
		log.Printf("[ERROR] Failed to persist inflight context for %s: %v", clientID, err)
	}
}

// RemoveInflight drops the inflight context with the given key from the
// session once it reaches its terminal state.
func (m *Manager) RemoveInflight(clientID string, packetID uint16, flow inflight.Flow) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[clientID]
	if !ok {
		return
	}
	for i, existing := range sess.Inflight {
		if existing.PacketID == packetID && existing.Flow == flow {
			sess.Inflight = append(sess.Inflight[:i], sess.Inflight[i+1:]...)
			if err := m.persistLocked(sess); err != nil {
				log.Printf("[ERROR] Failed to persist inflight removal for %s: %v", clientID, err)
			}
			return
		}
	}
}

// TakeInflight removes and returns the stored inflight records for
// rehydration into a fresh connection's queue.
func (m *Manager) TakeInflight(clientID string) []inflight.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[clientID]
	if !ok || len(sess.Inflight) == 0 {
		return nil
	}
	recs := sess.Inflight
	sess.Inflight = nil
	return recs
}

// Shutdown saves every persistent session. Called once when the broker
// stops.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.sessions {
		if sess.CleanSession {
			continue
		}
		sess.Connected = false
		if err := m.saveLocked(sess); err != nil {
			log.Printf("[ERROR] Failed to save session %s during shutdown: %v", sess.ClientID, err)
		}
	}
}

func newSession(clientID string, cleanSession bool, now time.Time) *Session {
	return &Session{
		ClientID:      clientID,
		CleanSession:  cleanSession,
		Connected:     true,
		CreatedAt:     now,
		LastActivity:  now,
		Subscriptions: make(map[string]byte),
	}
}

// persistLocked writes the session through to storage when it is
// persistent; clean sessions live in memory only.
func (m *Manager) persistLocked(sess *Session) error {
	if sess.CleanSession {
		return nil
	}
	return m.saveLocked(sess)
}

func (m *Manager) saveLocked(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return m.store.Set(sessionKey(sess.ClientID), data)
}

func (m *Manager) load(clientID string) (*Session, error) {
	data, err := m.store.Get(sessionKey(clientID))
	if err != nil {
		return nil, err
	}
	sess := &Session{}
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if sess.Subscriptions == nil {
		sess.Subscriptions = make(map[string]byte)
	}
	return sess, nil
}

func sessionKey(clientID string) string {
	return "session:" + clientID
}
