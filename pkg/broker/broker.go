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

// package broker contains the MQTT broker core: the connection
// dispatcher that drives each client's packet loop and the outbound
// publisher that fans PUBLISH packets out to matching subscribers. It
// consumes parsed packets, routes them through the per-connection
// inflight queue and hands encoded packets back to the transport.
package broker

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/turtacn/gnatmq-go/pkg/inflight"
	"github.com/turtacn/gnatmq-go/pkg/retainer"
	"github.com/turtacn/gnatmq-go/pkg/session"
	"github.com/turtacn/gnatmq-go/pkg/storage"
	"github.com/turtacn/gnatmq-go/pkg/subscription"
	"github.com/turtacn/gnatmq-go/pkg/supervisor"
)

// Options tunes a broker instance.
type Options struct {
	// Inflight configures every connection's QoS state machine.
	Inflight inflight.Config
	// MaxOfflineMessages caps each persistent session's offline queue.
	MaxOfflineMessages int
	// Retainer bounds the retained message store.
	Retainer *retainer.Config
}

// Broker is the core MQTT broker: it owns the subscription table, the
// session manager, the retainer and the registry of live connections.
type Broker struct {
	nodeID   string
	opts     Options
	sup      *supervisor.Supervisor
	sessions *session.Manager
	subs     *subscription.Table
	retained *retainer.Retainer

	mu        sync.RWMutex
	byClient  map[string]*connection
	byConnID  map[string]*connection
	connSeq   uint64
	closed    bool
	rootCtx   context.Context
	rootStop  context.CancelFunc
}

// New creates a broker over the given store. The store holds persistent
// sessions and retained messages; pass a storage.MemStore for a purely
// in-memory broker.
func New(nodeID string, store storage.Store, opts Options) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		nodeID: nodeID,
		opts:   opts,
		sup:    supervisor.New(),
		sessions: session.NewManager(store, session.Config{
			MaxOfflineMessages: opts.MaxOfflineMessages,
		}),
		subs:     subscription.NewTable(),
		retained: retainer.New(store, opts.Retainer),
		byClient: make(map[string]*connection),
		byConnID: make(map[string]*connection),
		rootCtx:  ctx,
		rootStop: cancel,
	}
}

// StartServer begins listening for incoming TCP connections on addr and
// blocks until ctx is canceled.
func (b *Broker) StartServer(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer listener.Close()
	log.Printf("MQTT broker listening on %s", addr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Println("Listener is shutting down.")
				return nil
			default:
				log.Printf("Failed to accept connection: %v", err)
				continue
			}
		}
		go b.HandleConnection(conn)
	}
}

// HandleConnection runs the dispatcher loop for one accepted transport
// stream. It blocks until the connection terminates. Transports (TCP,
// WebSocket) call this for every stream they accept.
func (b *Broker) HandleConnection(conn net.Conn) {
	c := newConnection(b, conn)
	c.run(b.rootCtx)
}

// Shutdown closes every live connection and saves persistent sessions.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := make([]*connection, 0, len(b.byConnID))
	for _, c := range b.byConnID {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	b.rootStop()
	for _, c := range conns {
		c.stop()
		<-c.closed
	}
	b.sup.Wait()
	b.sessions.Shutdown()
	log.Println("Broker shut down.")
}

// Publish routes a broker-originated message to matching subscribers,
// storing it as the retained message for the topic when retain is set.
func (b *Broker) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if retain {
		if err := b.retained.Retain(topic, payload, qos); err != nil {
			log.Printf("[WARN] Failed to retain message on %s: %v", topic, err)
		}
	}
	b.route(nil, topic, payload, qos)
	return nil
}

// nextConnID hands out an opaque connection identifier. Subscription
// rows carry it instead of a connection pointer; delivery resolves it
// back through the registry.
func (b *Broker) nextConnID() string {
	return fmt.Sprintf("conn-%d", atomic.AddUint64(&b.connSeq, 1))
}

// lookupClient returns the live connection currently bound to clientID.
func (b *Broker) lookupClient(clientID string) *connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.byClient[clientID]
}

// resolveConn resolves an opaque connection ID from a subscription row.
func (b *Broker) resolveConn(connID string) *connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.byConnID[connID]
}

// bind registers c as the live connection for its client ID. The caller
// must already have displaced any previous connection.
func (b *Broker) bind(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byClient[c.clientID] = c
	b.byConnID[c.id] = c
}

// unbind removes c from the registry if it is still the current
// connection for its client ID. It reports whether c was current; a
// displaced connection must not touch the session its successor now
// owns.
func (b *Broker) unbind(c *connection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byConnID, c.id)
	if b.byClient[c.clientID] == c {
		delete(b.byClient, c.clientID)
		return true
	}
	return false
}
