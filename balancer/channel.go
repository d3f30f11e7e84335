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

package balancer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/internal/serializer"
	"github.com/bufbuild/rpclb/picker"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/subchannel"
)

// ErrChannelClosed is returned by Channel.Pick after the channel has
// been closed.
//
//nolint:gochecknoglobals
var ErrChannelClosed = errors.New("channel is closed")

const defaultPolicyName = "pick_first"

// SubchannelPool is the source a channel's policy draws subchannels
// from. It is implemented by the transport package's Pool; handles for
// the same address share one underlying connection, possibly across
// channels, while each handle carries its own per-subchannel args.
type SubchannelPool interface {
	Get(addr resolver.Address, args attribute.Values) (subchannel.Subchannel, error)
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// Resolver resolves the channel's target into backend addresses.
	// Required.
	Resolver resolver.Resolver
	// Pool supplies subchannels to the channel's policy. Required. The
	// pool may be shared with other channels.
	Pool SubchannelPool
	// Policy is the registry name of the load-balancing policy to use.
	// Defaults to "pick_first".
	Policy string
	// Args is the channel args delivered to the policy with every
	// resolver update.
	Args attribute.Values
}

// Channel is the core that binds one target to one load-balancing
// policy: it runs a resolver task for the target, delivers each
// resolution result to the policy, hands the policy subchannels out of
// the configured pool, and holds the policy's latest published state
// for Pick to consult. Re-resolution requests from the policy are
// forwarded to the resolver's refresh channel.
//
// RPC dispatch is up to the caller: consult Pick for each RPC and issue
// the request over the returned subchannel's connection, re-picking
// when it reports ErrNoSubchannelAvailable and the state changes.
type Channel struct {
	pool SubchannelPool
	args attribute.Values

	exec    *serializer.Serializer
	cancel  context.CancelFunc
	refresh chan struct{}
	policy  Policy
	task    io.Closer

	mu     sync.Mutex
	state  State
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// NewChannel creates a channel for the given target and starts
// resolving it. The policy named in the config must already be
// registered (importing the policy's package is enough).
func NewChannel(ctx context.Context, scheme, hostPort string, config ChannelConfig) (*Channel, error) {
	if config.Resolver == nil {
		return nil, errors.New("channel config requires a resolver")
	}
	if config.Pool == nil {
		return nil, errors.New("channel config requires a subchannel pool")
	}
	policyName := config.Policy
	if policyName == "" {
		policyName = defaultPolicyName
	}
	bldr := Get(policyName)
	if bldr == nil {
		return nil, fmt.Errorf("no load-balancing policy registered as %q", policyName)
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		pool:    config.Pool,
		args:    config.Args,
		cancel:  cancel,
		refresh: make(chan struct{}, 1),
		state:   State{ConnectivityState: connectivity.Idle},
	}
	c.exec = serializer.New(ctx)
	c.policy = bldr.Build(&channelHelper{channel: c}, BuildOptions{Executor: c.exec})
	c.task = config.Resolver.New(ctx, scheme, hostPort, &channelReceiver{channel: c}, c.refresh)
	return c, nil
}

// State reports the channel's aggregate connectivity state, as last
// published by the policy.
func (c *Channel) State() connectivity.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ConnectivityState
}

// Pick selects the subchannel for one RPC using the policy's latest
// picker. Before the policy has published anything, every pick reports
// ErrNoSubchannelAvailable.
func (c *Channel) Pick(args picker.Args) (picker.Result, error) {
	c.mu.Lock()
	closed, state := c.closed, c.state
	c.mu.Unlock()
	if closed {
		return picker.Result{}, ErrChannelClosed
	}
	if state.Picker == nil {
		return picker.Result{}, picker.ErrNoSubchannelAvailable
	}
	return state.Picker.Pick(args)
}

// Close stops resolution, shuts the policy down (releasing its
// subchannels back to the pool), and stops the channel's executor. The
// pool itself is left open: it may be shared with other channels and
// belongs to the caller.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closeErr = c.task.Close()
		done := make(chan struct{})
		c.exec.Schedule(func() {
			c.policy.Close()
			close(done)
		})
		select {
		case <-done:
		case <-c.exec.Done():
			// The executor's context was canceled from outside before
			// the policy could close; its subchannels are released by
			// whoever canceled (e.g. the pool's owner closing the pool).
		}
		c.cancel()
		<-c.exec.Done()
	})
	return c.closeErr
}

// channelReceiver adapts the channel to the resolver.Receiver contract:
// each resolution result becomes one policy update, delivered on the
// channel's executor.
type channelReceiver struct {
	channel *Channel
}

var _ resolver.Receiver = (*channelReceiver)(nil)

func (r *channelReceiver) OnResolve(addrs []resolver.Address) {
	c := r.channel
	clone := make([]resolver.Address, len(addrs))
	copy(clone, addrs)
	c.exec.Schedule(func() {
		c.policy.Update(resolver.Update{Addresses: clone, Args: c.args})
	})
}

func (r *channelReceiver) OnResolveError(err error) {
	c := r.channel
	c.exec.Schedule(func() {
		c.policy.Update(resolver.Update{Err: err, Args: c.args})
	})
}

// channelHelper is the ControlHelper the channel hands its policy.
type channelHelper struct {
	channel *Channel
}

var _ ControlHelper = (*channelHelper)(nil)

func (h *channelHelper) NewSubchannel(addr resolver.Address, args attribute.Values) (subchannel.Subchannel, error) {
	return h.channel.pool.Get(addr, args)
}

func (h *channelHelper) UpdateState(state State) {
	c := h.channel
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = state
}

func (h *channelHelper) RequestReresolution() {
	select {
	case h.channel.refresh <- struct{}{}:
	default:
	}
}
