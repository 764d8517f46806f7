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

// package supervisor runs the broker's connection-scoped tasks. Tasks
// are one-shot: a terminated inflight processor means its connection is
// gone and its own teardown path handles the consequences, so nothing
// is ever restarted. What supervision adds is panic containment, a
// failure count per task, and a way for shutdown to wait until every
// task has drained.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/turtacn/gnatmq-go/pkg/actor"
	"github.com/turtacn/gnatmq-go/pkg/metrics"
)

// Spec describes one supervised task.
type Spec struct {
	// ID identifies the task in logs and metrics.
	ID string
	// Actor is the task body; it runs until its context is canceled.
	Actor actor.Actor
	// Mailbox is handed to the actor on start.
	Mailbox *actor.Mailbox
	// startFunc is an optional replacement for Actor.Start, used by
	// tests.
	startFunc func(context.Context, *actor.Mailbox) error
}

// Supervisor tracks the tasks it has started. The zero value is not
// usable; call New.
type Supervisor struct {
	wg sync.WaitGroup
}

// New creates an empty supervisor.
func New() *Supervisor {
	return &Supervisor{}
}

// StartChild launches the task in its own goroutine. The task runs
// exactly once; an error return or a panic is logged and counted, never
// retried.
func (s *Supervisor) StartChild(ctx context.Context, spec Spec) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runChild(ctx, spec); err != nil && err != context.Canceled {
			metrics.TaskFailuresTotal.WithLabelValues(spec.ID).Inc()
			log.Printf("[WARN] Task %s terminated: %v", spec.ID, err)
		}
	}()
}

// Wait blocks until every started task has terminated. Shutdown calls
// this after closing the connections the tasks belong to.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// runChild executes the task body, converting a panic into an error so
// one misbehaving connection cannot take the broker down.
func (s *Supervisor) runChild(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", spec.ID, r)
		}
	}()
	if spec.startFunc != nil {
		return spec.startFunc(ctx, spec.Mailbox)
	}
	return spec.Actor.Start(ctx, spec.Mailbox)
}
