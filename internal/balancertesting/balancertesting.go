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

// Package balancertesting provides helper types for testing
// load-balancing policies: a deterministic serial executor, scriptable
// fake subchannels, and a fake control helper that records everything a
// policy publishes.
package balancertesting

import (
	"fmt"
	"sync"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/balancer"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/subchannel"
)

// SerialExecutor is a subchannel.Executor that runs callbacks inline,
// in FIFO order. A callback scheduled while another is running is
// deferred until the running one (and everything queued before it)
// completes, which mirrors the ordering of the real work serializer
// while keeping tests on a single goroutine. It is not safe for
// concurrent use.
type SerialExecutor struct {
	queue   []func()
	running bool
}

func (e *SerialExecutor) Schedule(f func()) {
	e.queue = append(e.queue, f)
	if e.running {
		return
	}
	e.running = true
	defer func() { e.running = false }()
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		next()
	}
}

// FakeSubchannel is a scriptable subchannel. It never connects on its
// own: tests drive it through SetState, and the fake delivers each
// transition to the registered watcher through the watch's executor.
type FakeSubchannel struct {
	addr resolver.Address
	args attribute.Values

	mu            sync.Mutex
	state         connectivity.State
	watcher       func(connectivity.State)
	watchExec     subchannel.Executor
	connects      int
	shutdowns     int
	backoffResets int
}

var _ subchannel.Subchannel = (*FakeSubchannel)(nil)

func (s *FakeSubchannel) Address() resolver.Address {
	return s.addr
}

// Args returns the per-subchannel args the policy created this fake with.
func (s *FakeSubchannel) Args() attribute.Values {
	return s.args
}

func (s *FakeSubchannel) State() connectivity.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FakeSubchannel) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
}

func (s *FakeSubchannel) StartWatch(exec subchannel.Executor, onChange func(connectivity.State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		panic(fmt.Sprintf("FakeSubchannel %s: second concurrent watch", s.addr.HostPort))
	}
	s.watcher = onChange
	s.watchExec = exec
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.watcher = nil
		s.watchExec = nil
	}
}

func (s *FakeSubchannel) ResetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoffResets++
}

func (s *FakeSubchannel) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	s.state = connectivity.Shutdown
}

// SetState records the new state and, if a watcher is registered,
// delivers one transition callback through the watch's executor.
func (s *FakeSubchannel) SetState(state connectivity.State) {
	s.mu.Lock()
	s.state = state
	watcher := s.watcher
	exec := s.watchExec
	s.mu.Unlock()
	if watcher != nil {
		exec.Schedule(func() {
			watcher(state)
		})
	}
}

// IsWatched reports whether a watcher is currently registered.
func (s *FakeSubchannel) IsWatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watcher != nil
}

// ConnectCount returns how many times Connect has been called.
func (s *FakeSubchannel) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// ShutdownCount returns how many times Shutdown has been called.
func (s *FakeSubchannel) ShutdownCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdowns
}

// ResetBackoffCount returns how many times ResetBackoff has been called.
func (s *FakeSubchannel) ResetBackoffCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoffResets
}

// FakeControlHelper implements balancer.ControlHelper for tests. Every
// NewSubchannel call creates a fresh FakeSubchannel (recorded in
// creation order), every UpdateState is recorded, and re-resolution
// requests are counted.
type FakeControlHelper struct {
	mu            sync.Mutex
	subchannels   []*FakeSubchannel
	initialStates map[string]connectivity.State
	failCreate    map[string]struct{}
	publications  []balancer.State
	reresolutions int
}

var _ balancer.ControlHelper = (*FakeControlHelper)(nil)

func NewFakeControlHelper() *FakeControlHelper {
	return &FakeControlHelper{
		initialStates: map[string]connectivity.State{},
		failCreate:    map[string]struct{}{},
	}
}

// SetInitialState makes subchannels subsequently created for hostPort
// start out in the given state, instead of idle. Use it to model a
// pooled subchannel that is already established when a policy checks
// it out.
func (h *FakeControlHelper) SetInitialState(hostPort string, state connectivity.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initialStates[hostPort] = state
}

// FailCreate makes NewSubchannel fail for the given hostPort.
func (h *FakeControlHelper) FailCreate(hostPort string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failCreate[hostPort] = struct{}{}
}

func (h *FakeControlHelper) NewSubchannel(addr resolver.Address, args attribute.Values) (subchannel.Subchannel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.failCreate[addr.HostPort]; ok {
		return nil, fmt.Errorf("no subchannel for %s", addr.HostPort)
	}
	sc := &FakeSubchannel{addr: addr, args: args, state: h.initialStates[addr.HostPort]}
	h.subchannels = append(h.subchannels, sc)
	return sc, nil
}

func (h *FakeControlHelper) UpdateState(state balancer.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publications = append(h.publications, state)
}

func (h *FakeControlHelper) RequestReresolution() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reresolutions++
}

// Publications returns every state the policy has published, in order.
func (h *FakeControlHelper) Publications() []balancer.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]balancer.State(nil), h.publications...)
}

// ReresolutionCount returns how many times re-resolution was requested.
func (h *FakeControlHelper) ReresolutionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reresolutions
}

// Subchannels returns every fake subchannel created so far, in creation
// order.
func (h *FakeControlHelper) Subchannels() []*FakeSubchannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*FakeSubchannel(nil), h.subchannels...)
}

// SubchannelsFor returns the fake subchannels created for the given
// hostPort, in creation order.
func (h *FakeControlHelper) SubchannelsFor(hostPort string) []*FakeSubchannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []*FakeSubchannel
	for _, sc := range h.subchannels {
		if sc.addr.HostPort == hostPort {
			result = append(result, sc)
		}
	}
	return result
}
