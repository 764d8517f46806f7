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
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/gnatmq-go/pkg/inflight"
	"github.com/turtacn/gnatmq-go/pkg/storage"
)

// rawClient speaks the wire protocol directly, for the handshake cases a
// well-behaved client library never produces: lost acknowledgments,
// retransmitted packets, protocol violations, abrupt socket closes.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	conn, err := net.Dial("tcp", strings.TrimPrefix(addr, "tcp://"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (rc *rawClient) send(pk *packets.Packet) {
	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectEncode(&buf)
	case packets.Publish:
		err = pk.PublishEncode(&buf)
	case packets.Puback:
		err = pk.PubackEncode(&buf)
	case packets.Pubrel:
		err = pk.PubrelEncode(&buf)
	case packets.Subscribe:
		err = pk.SubscribeEncode(&buf)
	case packets.Suback:
		err = pk.SubackEncode(&buf)
	case packets.Pingreq:
		err = pk.PingreqEncode(&buf)
	case packets.Disconnect:
		err = pk.DisconnectEncode(&buf)
	default:
		rc.t.Fatalf("no encoder for packet type %d", pk.FixedHeader.Type)
	}
	require.NoError(rc.t, err)
	_, err = rc.conn.Write(buf.Bytes())
	require.NoError(rc.t, err)
}

// read decodes the next server-to-client packet, returning an error if
// none arrives before the timeout.
func (rc *rawClient) read(timeout time.Duration) (*packets.Packet, error) {
	rc.conn.SetReadDeadline(time.Now().Add(timeout))

	fh := new(packets.FixedHeader)
	b, err := rc.r.ReadByte()
	if err != nil {
		return nil, err
	}
	if err := fh.Decode(b); err != nil {
		return nil, err
	}
	rem, _, err := packets.DecodeLength(rc.r)
	if err != nil {
		return nil, err
	}
	fh.Remaining = rem
	buf := make([]byte, fh.Remaining)
	if fh.Remaining > 0 {
		if _, err := io.ReadFull(rc.r, buf); err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: *fh, ProtocolVersion: 4}
	switch pk.FixedHeader.Type {
	case packets.Connack:
		err = pk.ConnackDecode(buf)
	case packets.Suback:
		err = pk.SubackDecode(buf)
	case packets.Unsuback:
		err = pk.UnsubackDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Puback:
		err = pk.PubackDecode(buf)
	case packets.Pubrec:
		err = pk.PubrecDecode(buf)
	case packets.Pubcomp:
		err = pk.PubcompDecode(buf)
	case packets.Pingresp:
		err = pk.PingrespDecode(buf)
	}
	return pk, err
}

func (rc *rawClient) connect(clientID string, clean bool, keepalive uint16) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: 4,
	}
	pk.Connect.ProtocolName = []byte("MQTT")
	pk.Connect.ClientIdentifier = clientID
	pk.Connect.Clean = clean
	pk.Connect.Keepalive = keepalive
	rc.send(pk)

	connack, err := rc.read(2 * time.Second)
	require.NoError(rc.t, err)
	require.Equal(rc.t, packets.Connack, connack.FixedHeader.Type)
	return connack
}

func startTestBrokerOpts(t *testing.T, opts Options) (*Broker, string) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := New("test-node", storage.NewMemStore(), opts)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go b.HandleConnection(conn)
		}
	}()
	t.Cleanup(func() {
		_ = listener.Close()
		b.Shutdown()
	})
	return b, "tcp://" + listener.Addr().String()
}

func TestQoS2DuplicatePublishNotRedelivered(t *testing.T) {
	_, addr := startTestBroker(t)

	received := make(chan mqtt.Message, 4)
	sub := newClient(t, addr, "qos2dup-sub", true)
	defer sub.Disconnect(100)
	token := sub.Subscribe("q2/t", 2, func(_ mqtt.Client, msg mqtt.Message) {
		received <- msg
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	rc := dialRaw(t, addr)
	connack := rc.connect("qos2dup-pub", true, 0)
	assert.Equal(t, byte(0), connack.ReasonCode)

	publish := func(dup bool) {
		rc.send(&packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 2, Dup: dup},
			PacketID:    17,
			TopicName:   "q2/t",
			Payload:     []byte("once"),
		})
	}

	publish(false)
	pubrec, err := rc.read(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, packets.Pubrec, pubrec.FixedHeader.Type)
	assert.Equal(t, uint16(17), pubrec.PacketID)

	// Simulate a lost PUBREC: the publisher retransmits PUBLISH 17.
	publish(true)
	pubrec2, err := rc.read(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, packets.Pubrec, pubrec2.FixedHeader.Type)
	assert.Equal(t, uint16(17), pubrec2.PacketID)

	rc.send(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    17,
	})
	pubcomp, err := rc.read(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, packets.Pubcomp, pubcomp.FixedHeader.Type)

	// Exactly one delivery.
	select {
	case msg := <-received:
		assert.Equal(t, "once", string(msg.Payload()))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	select {
	case <-received:
		t.Fatal("duplicate PUBLISH was redelivered")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWillPublishedOnAbnormalDisconnect(t *testing.T) {
	_, addr := startTestBroker(t)

	received := make(chan mqtt.Message, 1)
	sub := newClient(t, addr, "will-sub", true)
	defer sub.Disconnect(100)
	token := sub.Subscribe("wills/w", 1, func(_ mqtt.Client, msg mqtt.Message) {
		received <- msg
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	rc := dialRaw(t, addr)
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: 4,
	}
	pk.Connect.ProtocolName = []byte("MQTT")
	pk.Connect.ClientIdentifier = "will-client"
	pk.Connect.Clean = false
	pk.Connect.WillFlag = true
	pk.Connect.WillTopic = "wills/w"
	pk.Connect.WillPayload = []byte("gone")
	pk.Connect.WillQos = 1
	rc.send(pk)
	connack, err := rc.read(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, byte(0), connack.ReasonCode)

	// Abrupt close, no DISCONNECT: the will must be published.
	rc.conn.Close()

	select {
	case msg := <-received:
		assert.Equal(t, "gone", string(msg.Payload()))
	case <-time.After(2 * time.Second):
		t.Fatal("will message was not published")
	}
}

func TestWillSuppressedOnCleanDisconnect(t *testing.T) {
	_, addr := startTestBroker(t)

	received := make(chan mqtt.Message, 1)
	sub := newClient(t, addr, "nowill-sub", true)
	defer sub.Disconnect(100)
	token := sub.Subscribe("wills/n", 1, func(_ mqtt.Client, msg mqtt.Message) {
		received <- msg
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	rc := dialRaw(t, addr)
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: 4,
	}
	pk.Connect.ProtocolName = []byte("MQTT")
	pk.Connect.ClientIdentifier = "nowill-client"
	pk.Connect.Clean = false
	pk.Connect.WillFlag = true
	pk.Connect.WillTopic = "wills/n"
	pk.Connect.WillPayload = []byte("gone")
	rc.send(pk)
	_, err := rc.read(2 * time.Second)
	require.NoError(t, err)

	rc.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}})
	rc.conn.Close()

	select {
	case <-received:
		t.Fatal("will message published despite clean DISCONNECT")
	case <-time.After(700 * time.Millisecond):
	}
}

func TestRetryExhaustedAfterMaxRetransmissions(t *testing.T) {
	b, addr := startTestBrokerOpts(t, Options{
		Inflight: inflight.Config{
			RetryTimeout: 100 * time.Millisecond,
			MaxRetries:   2,
			MaxInflight:  16,
		},
	})

	// A subscriber that never acknowledges anything.
	rc := dialRaw(t, addr)
	rc.connect("silent-sub", true, 0)
	rc.send(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		PacketID:    1,
		Filters:     packets.Subscriptions{{Filter: "y", Qos: 1}},
	})
	suback, err := rc.read(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, packets.Suback, suback.FixedHeader.Type)

	require.NoError(t, b.Publish("y", []byte("m"), 1, false))

	// Initial transmission plus MaxRetries retransmissions with DUP set.
	first, err := rc.read(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, packets.Publish, first.FixedHeader.Type)
	assert.False(t, first.FixedHeader.Dup)

	for i := 0; i < 2; i++ {
		retry, err := rc.read(2 * time.Second)
		require.NoError(t, err, "expected retransmission %d", i+1)
		require.Equal(t, packets.Publish, retry.FixedHeader.Type)
		assert.True(t, retry.FixedHeader.Dup)
		assert.Equal(t, first.PacketID, retry.PacketID)
	}

	// The context is abandoned, not resent and not fatal to the
	// connection.
	_, err = rc.read(500 * time.Millisecond)
	assert.Error(t, err, "no further retransmission expected")

	rc.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
	pingresp, err := rc.read(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, packets.Pingresp, pingresp.FixedHeader.Type)
}

func TestServerOnlyPacketIsProtocolViolation(t *testing.T) {
	_, addr := startTestBroker(t)

	rc := dialRaw(t, addr)
	rc.connect("violator", true, 0)

	rc.send(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    1,
		ReasonCodes: []byte{0},
	})

	_, err := rc.read(2 * time.Second)
	assert.Error(t, err, "connection must be terminated")
}

func TestSecondConnectIsProtocolViolation(t *testing.T) {
	_, addr := startTestBroker(t)

	rc := dialRaw(t, addr)
	rc.connect("twice", true, 0)

	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: 4,
	}
	pk.Connect.ProtocolName = []byte("MQTT")
	pk.Connect.ClientIdentifier = "twice"
	pk.Connect.Clean = true
	rc.send(pk)

	_, err := rc.read(2 * time.Second)
	assert.Error(t, err, "connection must be terminated")
}

func TestKeepAliveEnforced(t *testing.T) {
	_, addr := startTestBroker(t)

	rc := dialRaw(t, addr)
	rc.connect("sleepy", true, 1)

	// No PINGREQ: the broker disconnects after 1.5x the keep-alive.
	start := time.Now()
	_, err := rc.read(4 * time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestEmptyClientID(t *testing.T) {
	_, addr := startTestBroker(t)

	// With cleanSession=true the broker assigns an ID and accepts.
	rc := dialRaw(t, addr)
	connack := rc.connect("", true, 0)
	assert.Equal(t, byte(0), connack.ReasonCode)

	// With cleanSession=false there is no session to resume by name.
	rc2 := dialRaw(t, addr)
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: 4,
	}
	pk.Connect.ProtocolName = []byte("MQTT")
	pk.Connect.Clean = false
	rc2.send(pk)
	connack2, err := rc2.read(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), connack2.ReasonCode)
}
