// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serializer provides a mechanism to run callbacks one at a
// time, in FIFO order, on a single goroutine. A channel creates one
// serializer and drives its load-balancing policy entirely on it: every
// resolver update and every subchannel connectivity notification is
// scheduled here, so the policy needs no internal locking.
package serializer

import (
	"context"
	"sync"
)

// Serializer runs scheduled callbacks sequentially on a dedicated
// goroutine. It is safe for concurrent use.
type Serializer struct {
	done chan struct{}
	wake chan struct{}

	mu      sync.Mutex
	backlog []func()
}

// New returns a new Serializer. Callbacks stop executing once the given
// context is canceled; cancel it to shut the serializer down. The
// backlog is unbounded, so Schedule never blocks.
func New(ctx context.Context) *Serializer {
	s := &Serializer{
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	go s.run(ctx)
	return s
}

// Schedule adds a callback to be run after all previously scheduled
// callbacks have completed. Callbacks scheduled after the serializer's
// context is canceled are silently discarded.
func (s *Serializer) Schedule(f func()) {
	s.mu.Lock()
	s.backlog = append(s.backlog, f)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Done returns a channel that is closed once the serializer has observed
// cancellation and will run no further callbacks.
func (s *Serializer) Done() <-chan struct{} {
	return s.done
}

func (s *Serializer) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.backlog) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.backlog[0]
			s.backlog = s.backlog[1:]
			s.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			next()
		}
	}
}
