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

package inflight

import (
	"errors"
	"sync"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
)

var (
	// ErrIDExhausted is returned when no free outbound packet identifier
	// exists within the configured inflight window.
	ErrIDExhausted = errors.New("packet identifiers exhausted")
	// ErrClosed is returned by enqueue operations after the queue has
	// been closed.
	ErrClosed = errors.New("inflight queue closed")
	// ErrRetryExhausted marks a context abandoned after the maximum
	// number of retransmissions.
	ErrRetryExhausted = errors.New("retry exhausted")
)

// Config tunes a queue's retransmission and flow-control behavior.
type Config struct {
	// RetryTimeout is the per-attempt acknowledgment deadline.
	RetryTimeout time.Duration
	// MaxRetries bounds retransmissions of a single context.
	MaxRetries int
	// MaxInflight caps concurrently outstanding outbound packet
	// identifiers; once reached, EnqueueOutbound blocks.
	MaxInflight int
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		RetryTimeout: 10 * time.Second,
		MaxRetries:   3,
		MaxInflight:  65535,
	}
}

// event is a received acknowledgment posted to the internal queue.
type event struct {
	packetType byte
	packetID   uint16
}

// Queue is one connection's FIFO of message contexts plus its internal
// event queue. Enqueue operations and acknowledgment events may be
// posted from any goroutine; a single Run goroutine consumes them.
type Queue struct {
	cfg Config

	mu           sync.Mutex
	space        *sync.Cond
	order        []*Context
	byKey        map[Key]*Context
	events       []event
	outboundLive int
	nextID       uint16
	closed       bool

	// signal is the inflight wait handle: it wakes the processor when a
	// context or event has been enqueued.
	signal chan struct{}
}

// NewQueue creates an empty inflight queue.
func NewQueue(cfg Config) *Queue {
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = DefaultConfig().RetryTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.MaxInflight <= 0 || cfg.MaxInflight > 65535 {
		cfg.MaxInflight = DefaultConfig().MaxInflight
	}
	q := &Queue{
		cfg:    cfg,
		byKey:  make(map[Key]*Context),
		nextID: 1,
		signal: make(chan struct{}, 1),
	}
	q.space = sync.NewCond(&q.mu)
	return q
}

// wake signals the processor without blocking.
func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// EnqueueOutbound appends a broker-to-client PUBLISH. For QoS > 0 a
// fresh packet identifier is allocated; when the inflight window is full
// the call blocks until the processor retires a context or the queue is
// closed.
func (q *Queue) EnqueueOutbound(pub *packets.Packet) error {
	return q.enqueueOutbound(pub, true)
}

// TryEnqueueOutbound is EnqueueOutbound without the backpressure: it
// returns ErrIDExhausted when the inflight window is full. The processor
// itself must use this variant, since blocking would wait on the very
// goroutine that frees the window.
func (q *Queue) TryEnqueueOutbound(pub *packets.Packet) error {
	return q.enqueueOutbound(pub, false)
}

func (q *Queue) enqueueOutbound(pub *packets.Packet, wait bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ctx := &Context{Packet: pub, Flow: ToPublish}
	switch pub.FixedHeader.Qos {
	case 0:
		ctx.State = QueuedQoS0
	case 1:
		ctx.State = QueuedQoS1
	default:
		ctx.State = QueuedQoS2
	}

	if pub.FixedHeader.Qos > 0 {
		if wait {
			for q.outboundLive >= q.cfg.MaxInflight && !q.closed {
				q.space.Wait()
			}
		} else if q.outboundLive >= q.cfg.MaxInflight {
			return ErrIDExhausted
		}
		if q.closed {
			return ErrClosed
		}
		id, err := q.allocateIDLocked()
		if err != nil {
			return err
		}
		pub.PacketID = id
		q.byKey[ctx.Key()] = ctx
		q.outboundLive++
	} else if q.closed {
		return ErrClosed
	}

	q.order = append(q.order, ctx)
	q.wake()
	return nil
}

// EnqueueInbound appends a client-to-broker PUBLISH. A QoS 2 packet
// whose context already exists is a publisher-side retransmission: the
// context's state is reset so a fresh PUBREC is emitted, but the message
// is not delivered again.
func (q *Queue) EnqueueInbound(pub *packets.Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	ctx := &Context{Packet: pub, Flow: ToAcknowledge}
	switch pub.FixedHeader.Qos {
	case 0:
		ctx.State = QueuedQoS0
	case 1:
		ctx.State = QueuedQoS1
	default:
		ctx.State = QueuedQoS2
	}

	if pub.FixedHeader.Qos > 0 {
		if existing, ok := q.byKey[ctx.Key()]; ok {
			existing.State = ctx.State
			q.wake()
			return nil
		}
		q.byKey[ctx.Key()] = ctx
	}

	q.order = append(q.order, ctx)
	q.wake()
	return nil
}

// EnqueueSubscribe appends an inbound SUBSCRIBE context.
func (q *Queue) EnqueueSubscribe(pk *packets.Packet) error {
	return q.enqueueControl(pk, SendSubscribe)
}

// EnqueueUnsubscribe appends an inbound UNSUBSCRIBE context.
func (q *Queue) EnqueueUnsubscribe(pk *packets.Packet) error {
	return q.enqueueControl(pk, SendUnsubscribe)
}

func (q *Queue) enqueueControl(pk *packets.Packet, state State) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	ctx := &Context{Packet: pk, Flow: ToAcknowledge, State: state}
	if existing, ok := q.byKey[ctx.Key()]; ok {
		// Retransmitted SUBSCRIBE/UNSUBSCRIBE: re-run it so the ack is
		// emitted again.
		existing.State = state
		q.wake()
		return nil
	}
	q.byKey[ctx.Key()] = ctx
	q.order = append(q.order, ctx)
	q.wake()
	return nil
}

// PostAck records a received PUBACK, PUBREC, PUBREL or PUBCOMP on the
// internal event queue and wakes the processor.
func (q *Queue) PostAck(packetType byte, packetID uint16) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.events = append(q.events, event{packetType: packetType, packetID: packetID})
	q.mu.Unlock()
	q.wake()
}

// Close marks the queue closed and releases any blocked enqueuers.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.space.Broadcast()
	q.mu.Unlock()
	q.wake()
}

// Len returns the number of active contexts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// allocateIDLocked hands out the next free outbound packet identifier,
// skipping identifiers still bound to live contexts. Zero is never used.
func (q *Queue) allocateIDLocked() (uint16, error) {
	for i := 0; i < 65535; i++ {
		id := q.nextID
		q.nextID++
		if q.nextID == 0 {
			q.nextID = 1
		}
		if id == 0 {
			continue
		}
		if _, busy := q.byKey[Key{PacketID: id, Flow: ToPublish}]; !busy {
			return id, nil
		}
	}
	return 0, ErrIDExhausted
}

// Snapshot serializes every PUBLISH context for session persistence.
// SUBSCRIBE/UNSUBSCRIBE contexts are connection-scoped and skipped.
func (q *Queue) Snapshot() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	var recs []Record
	for _, ctx := range q.order {
		fh := ctx.Packet.FixedHeader
		if fh.Type != packets.Publish {
			continue
		}
		recs = append(recs, Record{
			PacketID:  ctx.Packet.PacketID,
			Flow:      ctx.Flow,
			State:     ctx.State,
			Topic:     ctx.Packet.TopicName,
			Payload:   ctx.Packet.Payload,
			QoS:       fh.Qos,
			Retain:    fh.Retain,
			Attempt:   ctx.Attempt,
			Delivered: ctx.Delivered,
		})
	}
	return recs
}

// Restore rehydrates persisted contexts into a fresh queue, keeping
// their original packet identifiers. Outbound contexts that were waiting
// for an acknowledgment are rewound to a send state so the PUBLISH is
// retransmitted with the DUP flag set, or the PUBREL is sent again.
func (q *Queue) Restore(recs []Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, rec := range recs {
		pub := &packets.Packet{
			FixedHeader: packets.FixedHeader{
				Type:   packets.Publish,
				Qos:    rec.QoS,
				Retain: rec.Retain,
				// Only contexts that had already been transmitted are
				// resent as duplicates.
				Dup: rec.Flow == ToPublish && rec.State.waiting(),
			},
			PacketID:  rec.PacketID,
			TopicName: rec.Topic,
			Payload:   rec.Payload,
		}
		ctx := &Context{
			Packet:    pub,
			Flow:      rec.Flow,
			State:     rec.State,
			Attempt:   rec.Attempt,
			Delivered: rec.Delivered,
		}
		switch {
		case rec.Flow == ToPublish && rec.State == WaitForPuback:
			ctx.State = QueuedQoS1
		case rec.Flow == ToPublish && rec.State == WaitForPubrec:
			ctx.State = QueuedQoS2
		case rec.Flow == ToPublish && rec.State == WaitForPubcomp:
			ctx.State = SendPubrel
		}

		if pub.FixedHeader.Qos > 0 {
			if _, exists := q.byKey[ctx.Key()]; exists {
				continue
			}
			q.byKey[ctx.Key()] = ctx
			if ctx.Flow == ToPublish {
				q.outboundLive++
			}
		}
		q.order = append(q.order, ctx)
	}
	q.wake()
}
