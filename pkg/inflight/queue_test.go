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
	"sync"
	"testing"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandler records every packet the processor sends or delivers.
type fakeHandler struct {
	mu        sync.Mutex
	sent      []*packets.Packet
	delivered []*packets.Packet
	subCodes  []byte
	unsubs    int
}

func (h *fakeHandler) SendPacket(pk *packets.Packet) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *pk
	h.sent = append(h.sent, &cp)
	return nil
}

func (h *fakeHandler) Deliver(pub *packets.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *pub
	h.delivered = append(h.delivered, &cp)
}

func (h *fakeHandler) ApplySubscribe(pk *packets.Packet) []byte {
	if h.subCodes != nil {
		return h.subCodes
	}
	codes := make([]byte, len(pk.Filters))
	for i, f := range pk.Filters {
		codes[i] = f.Qos
	}
	return codes
}

func (h *fakeHandler) ApplyUnsubscribe(pk *packets.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubs++
}

func (h *fakeHandler) sentTypes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, len(h.sent))
	for i, pk := range h.sent {
		out[i] = pk.FixedHeader.Type
	}
	return out
}

func publishPacket(id uint16, qos byte, topic, payload string) *packets.Packet {
	return &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: qos},
		PacketID:    id,
		TopicName:   topic,
		Payload:     []byte(payload),
	}
}

func TestOutboundQoS0(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	require.NoError(t, q.EnqueueOutbound(publishPacket(0, 0, "a/b", "x")))
	require.NoError(t, q.process(h))

	require.Len(t, h.sent, 1)
	assert.Equal(t, packets.Publish, h.sent[0].FixedHeader.Type)
	assert.Zero(t, q.Len())
}

func TestOutboundQoS1Handshake(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	require.NoError(t, q.EnqueueOutbound(publishPacket(0, 1, "a/b", "x")))
	require.NoError(t, q.process(h))

	require.Len(t, h.sent, 1)
	id := h.sent[0].PacketID
	assert.NotZero(t, id)
	assert.Equal(t, 1, q.Len())

	q.PostAck(packets.Puback, id)
	require.NoError(t, q.process(h))
	assert.Zero(t, q.Len())
	assert.Len(t, h.sent, 1)
}

func TestOutboundQoS2Handshake(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	require.NoError(t, q.EnqueueOutbound(publishPacket(0, 2, "a/b", "x")))
	require.NoError(t, q.process(h))
	require.Len(t, h.sent, 1)
	id := h.sent[0].PacketID

	q.PostAck(packets.Pubrec, id)
	require.NoError(t, q.process(h))
	require.Len(t, h.sent, 2)
	assert.Equal(t, packets.Pubrel, h.sent[1].FixedHeader.Type)
	assert.Equal(t, id, h.sent[1].PacketID)
	assert.Equal(t, byte(1), h.sent[1].FixedHeader.Qos)
	assert.Equal(t, 1, q.Len())

	q.PostAck(packets.Pubcomp, id)
	require.NoError(t, q.process(h))
	assert.Zero(t, q.Len())
}

func TestOutboundRetransmitAndExhaust(t *testing.T) {
	q := NewQueue(Config{RetryTimeout: time.Millisecond, MaxRetries: 2, MaxInflight: 10})
	h := &fakeHandler{}

	require.NoError(t, q.EnqueueOutbound(publishPacket(0, 1, "a/b", "x")))
	require.NoError(t, q.process(h))
	require.Len(t, h.sent, 1)
	assert.False(t, h.sent[0].FixedHeader.Dup)

	// First retransmission carries the DUP flag.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.process(h))
	require.Len(t, h.sent, 2)
	assert.True(t, h.sent[1].FixedHeader.Dup)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.process(h))
	require.Len(t, h.sent, 3)

	// Retries exhausted: the context is abandoned, not resent.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.process(h))
	assert.Len(t, h.sent, 3)
	assert.Zero(t, q.Len())
}

func TestInboundQoS0(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	require.NoError(t, q.EnqueueInbound(publishPacket(0, 0, "a/b", "x")))
	require.NoError(t, q.process(h))

	assert.Len(t, h.delivered, 1)
	assert.Empty(t, h.sent)
	assert.Zero(t, q.Len())
}

func TestInboundQoS1(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	require.NoError(t, q.EnqueueInbound(publishPacket(7, 1, "a/b", "x")))
	require.NoError(t, q.process(h))

	require.Len(t, h.delivered, 1)
	require.Len(t, h.sent, 1)
	assert.Equal(t, packets.Puback, h.sent[0].FixedHeader.Type)
	assert.Equal(t, uint16(7), h.sent[0].PacketID)
	assert.Zero(t, q.Len())
}

func TestInboundQoS2DuplicatePublish(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	require.NoError(t, q.EnqueueInbound(publishPacket(17, 2, "a/b", "x")))
	require.NoError(t, q.process(h))
	require.Len(t, h.delivered, 1)
	require.Len(t, h.sent, 1)
	assert.Equal(t, packets.Pubrec, h.sent[0].FixedHeader.Type)

	// The publisher lost our PUBREC and retransmits PUBLISH 17: no second
	// delivery, but a fresh PUBREC.
	dup := publishPacket(17, 2, "a/b", "x")
	dup.FixedHeader.Dup = true
	require.NoError(t, q.EnqueueInbound(dup))
	require.NoError(t, q.process(h))
	assert.Len(t, h.delivered, 1)
	require.Len(t, h.sent, 2)
	assert.Equal(t, packets.Pubrec, h.sent[1].FixedHeader.Type)

	q.PostAck(packets.Pubrel, 17)
	require.NoError(t, q.process(h))
	require.Len(t, h.sent, 3)
	assert.Equal(t, packets.Pubcomp, h.sent[2].FixedHeader.Type)
	assert.Zero(t, q.Len())
}

func TestStrayPubrelAnsweredWithoutDelivery(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	q.PostAck(packets.Pubrel, 99)
	require.NoError(t, q.process(h))

	assert.Empty(t, h.delivered)
	require.Len(t, h.sent, 1)
	assert.Equal(t, packets.Pubcomp, h.sent[0].FixedHeader.Type)
	assert.Equal(t, uint16(99), h.sent[0].PacketID)
	assert.Zero(t, q.Len())
}

func TestStrayPubrecAndPubcompDropped(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	q.PostAck(packets.Pubrec, 5)
	q.PostAck(packets.Pubcomp, 6)
	require.NoError(t, q.process(h))

	assert.Empty(t, h.sent)
	assert.Zero(t, q.Len())
}

func TestPacketIDAllocationSkipsLiveIDs(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	require.NoError(t, q.EnqueueOutbound(publishPacket(0, 1, "a", "1")))
	require.NoError(t, q.EnqueueOutbound(publishPacket(0, 1, "a", "2")))
	require.NoError(t, q.process(h))

	require.Len(t, h.sent, 2)
	assert.NotEqual(t, h.sent[0].PacketID, h.sent[1].PacketID)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := NewQueue(DefaultConfig())
	q.Close()
	assert.ErrorIs(t, q.EnqueueOutbound(publishPacket(0, 1, "a", "1")), ErrClosed)
	assert.ErrorIs(t, q.EnqueueInbound(publishPacket(1, 1, "a", "1")), ErrClosed)
}

func TestSnapshotRestoreResumesWithDup(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	require.NoError(t, q.EnqueueOutbound(publishPacket(0, 1, "a/b", "x")))
	require.NoError(t, q.EnqueueOutbound(publishPacket(0, 2, "c/d", "y")))
	require.NoError(t, q.process(h))
	require.Len(t, h.sent, 2)

	recs := q.Snapshot()
	require.Len(t, recs, 2)

	// Rehydrate into a fresh queue, as on session resumption.
	q2 := NewQueue(DefaultConfig())
	q2.Restore(recs)
	h2 := &fakeHandler{}
	require.NoError(t, q2.process(h2))

	require.Len(t, h2.sent, 2)
	for i, pk := range h2.sent {
		assert.Equal(t, packets.Publish, pk.FixedHeader.Type)
		assert.True(t, pk.FixedHeader.Dup, "resent publish %d must carry DUP", i)
		assert.Equal(t, h.sent[i].PacketID, pk.PacketID, "packet IDs survive resumption")
	}
}

func TestSubscribeContext(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	sub := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		PacketID:    3,
		Filters: packets.Subscriptions{
			{Filter: "a/b", Qos: 1},
			{Filter: "c/#", Qos: 2},
		},
	}
	require.NoError(t, q.EnqueueSubscribe(sub))
	require.NoError(t, q.process(h))

	require.Len(t, h.sent, 1)
	assert.Equal(t, packets.Suback, h.sent[0].FixedHeader.Type)
	assert.Equal(t, uint16(3), h.sent[0].PacketID)
	assert.Equal(t, []byte{1, 2}, h.sent[0].ReasonCodes)
	assert.Zero(t, q.Len())
}

func TestUnsubscribeContext(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	unsub := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe, Qos: 1},
		PacketID:    4,
		Filters:     packets.Subscriptions{{Filter: "a/b"}},
	}
	require.NoError(t, q.EnqueueUnsubscribe(unsub))
	require.NoError(t, q.process(h))

	assert.Equal(t, 1, h.unsubs)
	require.Len(t, h.sent, 1)
	assert.Equal(t, packets.Unsuback, h.sent[0].FixedHeader.Type)
	assert.Zero(t, q.Len())
}

func TestOrderingPreserved(t *testing.T) {
	q := NewQueue(DefaultConfig())
	h := &fakeHandler{}

	for i := 0; i < 5; i++ {
		require.NoError(t, q.EnqueueOutbound(publishPacket(0, 0, "t", string(rune('a'+i)))))
	}
	require.NoError(t, q.process(h))

	require.Len(t, h.sent, 5)
	for i, pk := range h.sent {
		assert.Equal(t, string(rune('a'+i)), string(pk.Payload))
	}
}
