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

package transport

import (
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSServer accepts MQTT-over-WebSocket connections on the conventional
// /mqtt path and hands them to the same Handler as the TCP server. Each
// WebSocket stream is wrapped so the connection layer reads it like any
// other byte stream.
type WSServer struct {
	server  *http.Server
	handler Handler
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"mqtt"},
	// The broker performs no browser-origin policying; that belongs to
	// a fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewWSServer creates a WebSocket transport delivering connections to
// handler.
func NewWSServer(handler Handler) *WSServer {
	return &WSServer{handler: handler}
}

// Start begins serving WebSocket upgrades on addr. It runs the HTTP
// server in its own goroutine.
func (s *WSServer) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/mqtt", s.handleUpgrade)
	s.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("WebSocket server failed: %v", err)
		}
	}()
	log.Printf("WebSocket server started, listening on %s", addr)
	return nil
}

// Stop shuts the HTTP server down.
func (s *WSServer) Stop() {
	if s.server != nil {
		s.server.Close()
	}
	log.Println("WebSocket server stopped")
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	s.handler.HandleConnection(&wsConn{ws: ws})
}

// wsConn adapts a websocket connection to net.Conn. MQTT over WebSocket
// carries packet bytes in binary frames; reads concatenate frames into a
// continuous stream.
type wsConn struct {
	ws  *websocket.Conn
	buf []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
