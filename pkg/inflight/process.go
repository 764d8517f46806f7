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
	"context"
	"log"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/gnatmq-go/pkg/metrics"
)

// Handler is the connection-side collaborator the processor drives.
// SendPacket writes to the transport; Deliver hands an inbound PUBLISH to
// the broker's fan-out path; ApplySubscribe and ApplyUnsubscribe apply
// subscription edits and return what the acknowledgment should carry.
type Handler interface {
	SendPacket(pk *packets.Packet) error
	Deliver(pub *packets.Packet)
	ApplySubscribe(pk *packets.Packet) []byte
	ApplyUnsubscribe(pk *packets.Packet)
}

// Run is the processing loop. It blocks until ctx is canceled or a
// transport write fails, waking on the queue's signal or on the earliest
// retransmission deadline. Handler calls are made without holding the
// queue lock, so fan-out into other connections' queues cannot deadlock.
func (q *Queue) Run(ctx context.Context, h Handler) error {
	for {
		if err := q.process(h); err != nil {
			return err
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if deadline, ok := q.nextDeadline(); ok {
			timer = time.NewTimer(time.Until(deadline))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-q.signal:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// nextDeadline returns the earliest pending retransmission deadline.
func (q *Queue) nextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	found := false
	for _, c := range q.order {
		if !c.State.waiting() {
			continue
		}
		if !found || c.Deadline.Before(earliest) {
			earliest = c.Deadline
			found = true
		}
	}
	return earliest, found
}

// process drains the internal event queue, then walks the FIFO advancing
// every context whose preconditions are met.
func (q *Queue) process(h Handler) error {
	q.mu.Lock()
	events := q.events
	q.events = nil
	for _, ev := range events {
		q.applyEventLocked(ev)
	}
	snapshot := make([]*Context, len(q.order))
	copy(snapshot, q.order)
	q.mu.Unlock()

	for _, c := range snapshot {
		if err := q.advance(c, h); err != nil {
			return err
		}
	}
	return nil
}

// applyEventLocked applies a received acknowledgment to its context.
// Acknowledgments for unknown contexts follow the duplicate-handling
// rules: stray PUBREC/PUBCOMP are dropped (the original PUBLISH was
// abandoned), a stray PUBREL is answered with PUBCOMP but never
// redelivered.
func (q *Queue) applyEventLocked(ev event) {
	switch ev.packetType {
	case packets.Puback:
		if c, ok := q.byKey[Key{ev.packetID, ToPublish}]; ok && c.State == WaitForPuback {
			c.State = Finished
			q.removeLocked(c)
		}
	case packets.Pubrec:
		if c, ok := q.byKey[Key{ev.packetID, ToPublish}]; ok && c.State == WaitForPubrec {
			c.State = SendPubrel
			c.Attempt = 0
		}
	case packets.Pubcomp:
		if c, ok := q.byKey[Key{ev.packetID, ToPublish}]; ok && c.State == WaitForPubcomp {
			c.State = Finished
			q.removeLocked(c)
		}
	case packets.Pubrel:
		if c, ok := q.byKey[Key{ev.packetID, ToAcknowledge}]; ok {
			if c.State == WaitForPubrel {
				c.State = SendPubcomp
			}
			return
		}
		// The original exchange already completed; acknowledge without
		// delivering anything.
		c := &Context{
			Packet: &packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
				PacketID:    ev.packetID,
			},
			Flow:  ToAcknowledge,
			State: SendPubcomp,
		}
		q.byKey[c.Key()] = c
		q.order = append(q.order, c)
	}
}

// advance moves one context forward until it blocks on an external event
// or reaches Finished.
func (q *Queue) advance(c *Context, h Handler) error {
	for {
		q.mu.Lock()
		action, ok := q.planLocked(c)
		q.mu.Unlock()
		if !ok {
			return nil
		}

		if action.deliver {
			h.Deliver(c.Packet)
		}
		if action.applySubscribe {
			codes := h.ApplySubscribe(c.Packet)
			q.mu.Lock()
			c.subCodes = codes
			q.mu.Unlock()
		}
		if action.applyUnsubscribe {
			h.ApplyUnsubscribe(c.Packet)
		}
		if action.send != nil {
			if err := h.SendPacket(action.send); err != nil {
				return err
			}
		}

		q.mu.Lock()
		c.State = action.next
		c.Attempt = action.attempt
		if action.next.waiting() {
			c.Deadline = time.Now().Add(q.cfg.RetryTimeout)
		}
		if action.next == Finished {
			q.removeLocked(c)
		}
		q.mu.Unlock()
	}
}

// action is one planned step of a context: optional handler calls plus
// the state to commit afterwards.
type action struct {
	send             *packets.Packet
	deliver          bool
	applySubscribe   bool
	applyUnsubscribe bool
	next             State
	attempt          int
}

// planLocked decides the next step for c, or reports that it is blocked.
func (q *Queue) planLocked(c *Context) (action, bool) {
	act := action{attempt: c.Attempt}

	switch c.State {
	case QueuedQoS0:
		if c.Flow == ToPublish {
			act.send = c.Packet
			act.next = Finished
		} else {
			act.deliver = true
			act.next = Finished
		}

	case QueuedQoS1:
		if c.Flow == ToPublish {
			act.send = c.Packet
			act.next = WaitForPuback
		} else {
			act.deliver = true
			act.next = SendPuback
		}

	case QueuedQoS2:
		if c.Flow == ToPublish {
			act.send = c.Packet
			act.next = WaitForPubrec
		} else {
			// Deliver exactly once, even when the PUBLISH was
			// retransmitted and this context was re-queued.
			act.deliver = !c.Delivered
			act.next = SendPubrec
		}

	case SendPuback:
		act.send = ackPacket(packets.Puback, c.Packet.PacketID)
		act.next = Finished

	case SendPubrec:
		act.send = ackPacket(packets.Pubrec, c.Packet.PacketID)
		act.next = WaitForPubrel

	case SendPubrel:
		act.send = ackPacket(packets.Pubrel, c.Packet.PacketID)
		act.next = WaitForPubcomp

	case SendPubcomp:
		act.send = ackPacket(packets.Pubcomp, c.Packet.PacketID)
		act.next = Finished

	case SendSubscribe:
		act.applySubscribe = true
		act.next = SendSuback

	case SendSuback:
		act.send = &packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Suback},
			PacketID:    c.Packet.PacketID,
			ReasonCodes: c.subCodes,
		}
		act.next = Finished

	case SendUnsubscribe:
		act.applyUnsubscribe = true
		act.next = SendUnsuback

	case SendUnsuback:
		act.send = &packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Unsuback},
			PacketID:    c.Packet.PacketID,
		}
		act.next = Finished

	case WaitForPuback, WaitForPubrec, WaitForPubrel, WaitForPubcomp:
		if time.Now().Before(c.Deadline) {
			return action{}, false
		}
		if c.Attempt >= q.cfg.MaxRetries {
			log.Printf("[WARN] %v for packet %d (%s, %s) after %d attempts",
				ErrRetryExhausted, c.Packet.PacketID, c.Flow, c.State, c.Attempt)
			metrics.RetriesExhaustedTotal.Inc()
			act.next = Finished
			break
		}
		act.attempt = c.Attempt + 1
		metrics.RetransmissionsTotal.Inc()
		switch c.State {
		case WaitForPuback, WaitForPubrec:
			c.Packet.FixedHeader.Dup = true
			act.send = c.Packet
		case WaitForPubcomp:
			act.send = ackPacket(packets.Pubrel, c.Packet.PacketID)
		case WaitForPubrel:
			act.send = ackPacket(packets.Pubrec, c.Packet.PacketID)
		}
		act.next = c.State

	default:
		return action{}, false
	}

	if c.Flow == ToAcknowledge && c.State == QueuedQoS2 {
		// Mark before the handler call so a racing retransmission
		// cannot trigger a second delivery.
		c.Delivered = true
	}
	return act, true
}

// removeLocked retires a finished context.
func (q *Queue) removeLocked(c *Context) {
	for i, o := range q.order {
		if o == c {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	if c.Packet.FixedHeader.Qos > 0 || c.Packet.FixedHeader.Type != packets.Publish {
		if cur, ok := q.byKey[c.Key()]; ok && cur == c {
			delete(q.byKey, c.Key())
		}
	}
	if c.Flow == ToPublish && c.Packet.FixedHeader.Qos > 0 {
		q.outboundLive--
		q.space.Broadcast()
	}
}

// ackPacket builds a bare acknowledgment packet. PUBREL carries the
// mandated QoS 1 bit in its fixed header.
func ackPacket(packetType byte, id uint16) *packets.Packet {
	fh := packets.FixedHeader{Type: packetType}
	if packetType == packets.Pubrel {
		fh.Qos = 1
	}
	return &packets.Packet{FixedHeader: fh, PacketID: id}
}
