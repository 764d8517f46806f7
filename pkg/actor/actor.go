// Copyright 2022 The gnatmq-go Authors
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

// Package actor provides the minimal actor primitives the broker builds
// its long-lived tasks on: an Actor interface and a channel-backed
// Mailbox. Each connection's inflight processor runs as a supervised
// actor.
package actor

import "context"

// Actor defines the interface for an actor process. An actor runs a
// single blocking loop, consuming messages from its mailbox until its
// context is canceled.
type Actor interface {
	// Start is called when the actor is started. The context controls
	// the lifecycle of the actor and the mailbox delivers incoming
	// messages. The method blocks until the actor terminates, returning
	// an error on abnormal termination.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a channel-based message queue for an actor. A buffered
// channel stores incoming messages, allowing asynchronous message
// passing between actors.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a new mailbox with the given buffer size. A larger
// size reduces sender blocking when the actor is busy at the cost of
// memory.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while the buffer is
// full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend puts a message into the mailbox without blocking, reporting
// whether the message was accepted.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message is received or the context is canceled,
// in which case it returns the context's error.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan returns the underlying message channel read-only, for callers
// that need to select over several sources at once.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
