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
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/gnatmq-go/pkg/actor"
	"github.com/turtacn/gnatmq-go/pkg/inflight"
	"github.com/turtacn/gnatmq-go/pkg/metrics"
	"github.com/turtacn/gnatmq-go/pkg/session"
	"github.com/turtacn/gnatmq-go/pkg/supervisor"
	"github.com/turtacn/gnatmq-go/pkg/topics"
)

// connection is the per-client dispatcher. It owns the read loop, the
// inflight queue and the processing task; all of a connection's state
// machine work happens on its own goroutines, so no intra-connection
// locking is needed beyond the queue's own and the write lock that
// serializes transport writes.
type connection struct {
	id     string
	broker *Broker
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	clientID        string
	cleanSession    bool
	protocolVersion byte
	keepalive       time.Duration

	queue  *inflight.Queue
	cancel context.CancelFunc

	graceful  atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(b *Broker, conn net.Conn) *connection {
	return &connection{
		id:     b.nextConnID(),
		broker: b,
		conn:   conn,
		reader: bufio.NewReader(conn),
		closed: make(chan struct{}),
	}
}

// run drives the connection from CONNECT to teardown.
func (c *connection) run(root context.Context) {
	metrics.ConnectionsTotal.Inc()
	defer c.teardown()

	pk, err := readPacket(c.reader, 0)
	if err != nil {
		if err != io.EOF {
			log.Printf("Error reading first packet from %s: %v", c.conn.RemoteAddr(), err)
		}
		return
	}
	if pk.FixedHeader.Type != packets.Connect {
		log.Printf("[WARN] First packet from %s is not CONNECT. Closing.", c.conn.RemoteAddr())
		return
	}
	if err := c.handleConnect(root, pk); err != nil {
		log.Printf("[WARN] CONNECT from %s rejected: %v", c.conn.RemoteAddr(), err)
		return
	}

	c.dispatch()
}

// handleConnect validates the CONNECT packet, displaces any previous
// connection with the same client ID, opens the session, answers with
// CONNACK and starts the state-machine task.
func (c *connection) handleConnect(root context.Context, pk *packets.Packet) error {
	b := c.broker

	switch pk.ProtocolVersion {
	case 3, 4: // MQTT 3.1 and 3.1.1
	default:
		c.protocolVersion = 4
		c.sendConnack(connackBadProtocolVersion, false)
		return ErrUnsupportedProtocol
	}
	c.protocolVersion = pk.ProtocolVersion

	clientID := pk.Connect.ClientIdentifier
	if clientID == "" {
		if !pk.Connect.Clean {
			c.sendConnack(connackIdentifierRejected, false)
			return errors.New("empty client ID with cleanSession=false")
		}
		clientID = "gnatmq-" + uuid.NewString()
	}
	c.clientID = clientID
	c.cleanSession = pk.Connect.Clean
	c.keepalive = time.Duration(pk.Connect.Keepalive) * time.Second

	// The queue must exist before the connection becomes reachable
	// through the registry: fan-out from other connections enqueues into
	// it as soon as subscription rows carry this connection's ID.
	c.queue = inflight.NewQueue(b.opts.Inflight)

	// Duplicate client ID: the previous connection is displaced with a
	// clean close (its will is not published) before the new one takes
	// over the session.
	for {
		old := b.lookupClient(clientID)
		if old == nil || old == c {
			break
		}
		log.Printf("[INFO] Client %s reconnected, displacing previous connection %s", clientID, old.id)
		old.stop()
		<-old.closed
	}

	sess, present, err := b.sessions.Open(clientID, c.cleanSession)
	if err != nil {
		return err
	}
	b.bind(c)

	if pk.Connect.WillFlag {
		b.sessions.SetWill(clientID, &session.WillMessage{
			Topic:   pk.Connect.WillTopic,
			Payload: pk.Connect.WillPayload,
			QoS:     pk.Connect.WillQos,
			Retain:  pk.Connect.WillRetain,
		})
	}

	// A clean start invalidates any rows a previous persistent session
	// left behind; a resumed session re-seats its subscriptions bound to
	// this connection.
	if c.cleanSession {
		b.subs.UnsubscribeAll(clientID)
	}
	for filter, qos := range sess.Subscriptions {
		b.subs.Subscribe(clientID, filter, qos, c.id)
	}

	if err := c.sendConnack(connackAccepted, present); err != nil {
		return err
	}

	// Resume unfinished handshakes with their original packet IDs, then
	// start the processor and replay the offline queue ahead of any new
	// traffic.
	c.queue.Restore(b.sessions.TakeInflight(clientID))

	procCtx, cancel := context.WithCancel(root)
	c.cancel = cancel
	b.sup.StartChild(procCtx, supervisor.Spec{
		ID:      "inflight-" + c.id,
		Actor:   &processorTask{conn: c},
		Mailbox: actor.NewMailbox(1),
	})

	for _, msg := range b.sessions.DrainOffline(clientID) {
		pub := &packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: msg.QoS, Retain: msg.Retain},
			TopicName:   msg.Topic,
			Payload:     msg.Payload,
		}
		if err := c.queue.EnqueueOutbound(pub); err != nil {
			log.Printf("[WARN] Dropping offline message for %s on %s: %v", clientID, msg.Topic, err)
			metrics.MessagesDroppedTotal.Inc()
		}
	}

	log.Printf("[INFO] Client %s connected (cleanSession: %t, sessionPresent: %t, keepalive: %s)",
		clientID, c.cleanSession, present, c.keepalive)
	return nil
}

// dispatch is the inbound packet loop. It routes packets into the
// inflight queue or its internal event queue and enforces the keep-alive
// deadline at one and a half times the negotiated interval.
func (c *connection) dispatch() {
	for {
		if c.keepalive > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.keepalive + c.keepalive/2))
		}

		pk, err := readPacket(c.reader, c.protocolVersion)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Printf("[WARN] Keep-alive expired for client %s, closing connection", c.clientID)
			} else if err != io.EOF && !c.graceful.Load() {
				log.Printf("Error reading packet from client %s: %v", c.clientID, err)
			}
			return
		}

		switch pk.FixedHeader.Type {
		case packets.Publish:
			if err := topics.ValidateName(pk.TopicName); err != nil {
				log.Printf("[WARN] %v from client %s: invalid topic name %q", ErrProtocolViolation, c.clientID, pk.TopicName)
				return
			}
			if err := c.queue.EnqueueInbound(pk); err != nil {
				return
			}

		case packets.Puback, packets.Pubrec, packets.Pubrel, packets.Pubcomp:
			c.queue.PostAck(pk.FixedHeader.Type, pk.PacketID)

		case packets.Subscribe:
			if len(pk.Filters) == 0 {
				log.Printf("[WARN] %v from client %s: SUBSCRIBE without filters", ErrProtocolViolation, c.clientID)
				return
			}
			for _, f := range pk.Filters {
				if err := topics.ValidateFilter(f.Filter); err != nil {
					log.Printf("[WARN] %v from client %s: invalid filter %q", ErrProtocolViolation, c.clientID, f.Filter)
					return
				}
			}
			if err := c.queue.EnqueueSubscribe(pk); err != nil {
				return
			}

		case packets.Unsubscribe:
			if len(pk.Filters) == 0 {
				log.Printf("[WARN] %v from client %s: UNSUBSCRIBE without filters", ErrProtocolViolation, c.clientID)
				return
			}
			if err := c.queue.EnqueueUnsubscribe(pk); err != nil {
				return
			}

		case packets.Pingreq:
			if err := c.SendPacket(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}}); err != nil {
				return
			}

		case packets.Disconnect:
			log.Printf("Client %s sent DISCONNECT.", c.clientID)
			c.graceful.Store(true)
			return

		default:
			// CONNACK, SUBACK, UNSUBACK, PINGRESP are server-only; a
			// second CONNECT is equally illegal.
			log.Printf("[WARN] %v from client %s: unexpected packet type %d", ErrProtocolViolation, c.clientID, pk.FixedHeader.Type)
			return
		}
	}
}

// stop closes the connection from outside its own goroutines: session
// takeover and broker shutdown. Both are clean closes, so the will
// message is discarded.
func (c *connection) stop() {
	c.graceful.Store(true)
	c.conn.Close()
}

// teardown runs exactly once per connection. It stops the state-machine
// task, unbinds the connection from the registry and either destroys the
// session (clean) or saves it with its inflight snapshot (persistent),
// publishing the will message on abnormal termination.
func (c *connection) teardown() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.queue != nil {
			c.queue.Close()
		}
		c.conn.Close()

		if c.clientID == "" {
			// CONNECT never completed; there is no session to touch.
			close(c.closed)
			return
		}

		b := c.broker
		current := b.unbind(c)
		graceful := c.graceful.Load()

		if current {
			if c.cleanSession {
				b.subs.UnsubscribeAll(c.clientID)
				b.sessions.Close(c.clientID, true)
			} else {
				b.sessions.SaveInflight(c.clientID, c.queue.Snapshot())
				b.subs.Detach(c.clientID)
				if will := b.sessions.Close(c.clientID, graceful); will != nil {
					b.publishWill(c.clientID, will)
				}
			}
		}

		log.Printf("Client %s disconnected (graceful: %t).", c.clientID, graceful)
		close(c.closed)
	})
}

// sendConnack answers the CONNECT handshake.
func (c *connection) sendConnack(code byte, sessionPresent bool) error {
	return c.SendPacket(&packets.Packet{
		FixedHeader:    packets.FixedHeader{Type: packets.Connack},
		ReasonCode:     code,
		SessionPresent: sessionPresent,
	})
}

// SendPacket writes one packet to the transport. It is the inflight
// processor's send path and is also used inline for PINGRESP/CONNACK.
func (c *connection) SendPacket(pk *packets.Packet) error {
	pk.ProtocolVersion = c.protocolVersion
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writePacket(c.conn, pk); err != nil {
		return err
	}
	return nil
}

// Deliver hands a received PUBLISH to the broker: retained messages are
// stored, then the message fans out to matching subscribers.
func (c *connection) Deliver(pub *packets.Packet) {
	b := c.broker
	if pub.FixedHeader.Retain {
		if err := b.retained.Retain(pub.TopicName, pub.Payload, pub.FixedHeader.Qos); err != nil {
			log.Printf("[WARN] Failed to retain message on %s: %v", pub.TopicName, err)
		}
	}
	b.route(c, pub.TopicName, pub.Payload, pub.FixedHeader.Qos)
}

// ApplySubscribe applies the subscription edits of a SUBSCRIBE packet
// and returns the SUBACK return codes. Retained messages matching the
// new filters are queued behind the SUBACK.
func (c *connection) ApplySubscribe(pk *packets.Packet) []byte {
	b := c.broker
	codes := make([]byte, len(pk.Filters))
	for i, f := range pk.Filters {
		granted := b.subs.Subscribe(c.clientID, f.Filter, f.Qos, c.id)
		if err := b.sessions.AddSubscription(c.clientID, f.Filter, granted); err != nil {
			log.Printf("[WARN] Failed to record subscription for %s: %v", c.clientID, err)
		}
		codes[i] = granted
		log.Printf("Client %s subscribed to %s (granted QoS %d)", c.clientID, f.Filter, granted)
	}

	for i, f := range pk.Filters {
		msgs, err := b.retained.Matching(f.Filter)
		if err != nil {
			log.Printf("[WARN] Failed to load retained messages for %s: %v", f.Filter, err)
			continue
		}
		for _, msg := range msgs {
			qos := msg.QoS
			if codes[i] < qos {
				qos = codes[i]
			}
			pub := &packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: qos, Retain: true},
				TopicName:   msg.Topic,
				Payload:     msg.Payload,
			}
			if err := c.queue.TryEnqueueOutbound(pub); err != nil {
				log.Printf("[WARN] Dropping retained message for %s on %s: %v", c.clientID, msg.Topic, err)
				metrics.MessagesDroppedTotal.Inc()
			}
		}
	}
	return codes
}

// ApplyUnsubscribe applies the edits of an UNSUBSCRIBE packet.
func (c *connection) ApplyUnsubscribe(pk *packets.Packet) {
	b := c.broker
	for _, f := range pk.Filters {
		b.subs.Unsubscribe(c.clientID, f.Filter)
		if err := b.sessions.RemoveSubscription(c.clientID, f.Filter); err != nil {
			log.Printf("[WARN] Failed to remove subscription for %s: %v", c.clientID, err)
		}
		log.Printf("Client %s unsubscribed from %s", c.clientID, f.Filter)
	}
}

// processorTask adapts the inflight processing loop to the supervisor's
// actor interface. A failed send tears the whole connection down; the
// task itself is never restarted.
type processorTask struct {
	conn *connection
}

func (p *processorTask) Start(ctx context.Context, _ *actor.Mailbox) error {
	err := p.conn.queue.Run(ctx, p.conn)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Inflight processor for client %s stopped: %v", p.conn.clientID, err)
		// Unblock the read loop so teardown runs.
		p.conn.conn.Close()
		return err
	}
	return nil
}
