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

package transport

import (
	"errors"
	"sync"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/balancer"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/subchannel"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned by Pool.Get after the pool has been closed.
//
//nolint:gochecknoglobals
var ErrPoolClosed = errors.New("subchannel pool is closed")

// Pool shares subchannels across channels. Handles checked out for the
// same address share one underlying connection; the connection is torn
// down once every handle has shut down. A channel that selects a
// subchannel another channel already established therefore becomes
// ready without dialing at all.
type Pool struct {
	opts *options

	mu      sync.Mutex
	entries map[string]*core
	closed  bool
}

var _ balancer.SubchannelPool = (*Pool)(nil)

// NewPool creates a pool. The options apply to every subchannel the
// pool creates.
func NewPool(opts ...Option) *Pool {
	return &Pool{
		opts:    newOptions(opts),
		entries: map[string]*core{},
	}
}

// Get checks a subchannel handle out of the pool for the given address,
// creating the underlying connection state if no other holder has it
// open. Sharing is keyed by the address alone; the args ride on the
// returned handle, since the only arg policies write today
// (health-check inhibition) is the same for every holder. The handle
// must be released with its Shutdown method.
func (p *Pool) Get(addr resolver.Address, args attribute.Values) (subchannel.Subchannel, error) {
	key := addr.HostPort
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	entry, ok := p.entries[key]
	if !ok {
		entry = newCore(addr, p.opts, p, key)
		p.entries[key] = entry
	}
	handle := entry.newHandle()
	handle.args = args
	return handle, nil
}

func (p *Pool) remove(key string, c *core) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[key] == c {
		delete(p.entries, key)
	}
}

// Close tears down every member subchannel concurrently and waits for
// all of them. Outstanding handles become inert: their operations
// no-op and their state reads as Shutdown.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	grp := errgroup.Group{}
	for key, entry := range p.entries {
		delete(p.entries, key)
		entry := entry
		grp.Go(func() error {
			entry.close()
			return nil
		})
	}
	return grp.Wait()
}
