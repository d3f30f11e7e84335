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

// Package transport provides the concrete subchannel implementation:
// a logical HTTP/2 connection to one resolved address, dialed over
// clear-text TCP ("h2c") or TLS. A subchannel owns its dialing, its
// retry backoff, and the liveness of its connection; load-balancing
// policies only request connections and watch the resulting state
// transitions.
//
// Subchannels are obtained from a Pool, which shares one underlying
// connection among all handles checked out for the same address. A
// standalone, unshared subchannel can be created with New.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/subchannel"
	"golang.org/x/net/http2"
)

const (
	keepalivePeriod  = 30 * time.Second
	keepaliveTimeout = 10 * time.Second
)

// clientConn is the slice of *http2.ClientConn the subchannel state
// machine needs. Tests substitute fakes.
type clientConn interface {
	Ping(ctx context.Context) error
	Close() error
}

type dialFunc func(ctx context.Context, hostPort string) (clientConn, error)

// Option configures subchannels created by New or by a Pool.
type Option interface {
	apply(*options)
}

type options struct {
	dialer    *net.Dialer
	tlsConfig *tls.Config
	backoff   BackoffConfig
	clock     internal.Clock
	dial      dialFunc
}

type optionFunc func(*options)

func (o optionFunc) apply(opts *options) {
	o(opts)
}

// WithDialer configures the net.Dialer used to reach addresses.
func WithDialer(dialer *net.Dialer) Option {
	return optionFunc(func(opts *options) {
		opts.dialer = dialer
	})
}

// WithTLSConfig makes subchannels dial TLS with the given configuration
// instead of clear-text h2c.
func WithTLSConfig(config *tls.Config) Option {
	return optionFunc(func(opts *options) {
		opts.tlsConfig = config
	})
}

// WithBackoffConfig overrides DefaultBackoffConfig for the delay between
// failed connection attempts.
func WithBackoffConfig(config BackoffConfig) Option {
	return optionFunc(func(opts *options) {
		opts.backoff = config
	})
}

func newOptions(opts []Option) *options {
	result := &options{
		dialer:  &net.Dialer{},
		backoff: DefaultBackoffConfig,
		clock:   internal.NewRealClock(),
	}
	for _, opt := range opts {
		opt.apply(result)
	}
	if result.dial == nil {
		result.dial = h2Dialer(result.dialer, result.tlsConfig)
	}
	return result
}

// h2Dialer dials the TCP (or TLS) connection and completes the HTTP/2
// preface over it. Clear-text connections rely on the http2 client's
// AllowHTTP support for h2c; prior knowledge of HTTP/2 support on the
// server is assumed, as is conventional for RPC backends.
func h2Dialer(dialer *net.Dialer, tlsConfig *tls.Config) dialFunc {
	transport := &http2.Transport{
		AllowHTTP:       tlsConfig == nil,
		TLSClientConfig: tlsConfig,
	}
	return func(ctx context.Context, hostPort string) (clientConn, error) {
		var netConn net.Conn
		var err error
		if tlsConfig == nil {
			netConn, err = dialer.DialContext(ctx, "tcp", hostPort)
		} else {
			tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
			netConn, err = tlsDialer.DialContext(ctx, "tcp", hostPort)
		}
		if err != nil {
			return nil, err
		}
		conn, err := transport.NewClientConn(netConn)
		if err != nil {
			_ = netConn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// New creates a standalone, unshared subchannel for the given address.
// It starts out idle; nothing is dialed until Connect is called.
func New(addr resolver.Address, opts ...Option) *Subchannel {
	return newCore(addr, newOptions(opts), nil, "").newHandle()
}

// Subchannel is one holder's handle to a logical connection. Handles
// from the same Pool for the same address share the underlying
// connection; each handle has its own watch registration and its own
// Shutdown, and the connection closes when the last handle shuts down.
type Subchannel struct {
	core *core
	args attribute.Values

	mu       sync.Mutex
	released bool
	watching bool
}

var _ subchannel.Subchannel = (*Subchannel)(nil)

func (s *Subchannel) Address() resolver.Address {
	return s.core.addr
}

// Args returns the per-subchannel args this handle was checked out
// with.
func (s *Subchannel) Args() attribute.Values {
	return s.args
}

func (s *Subchannel) State() connectivity.State {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return connectivity.Shutdown
	}
	return s.core.currentState()
}

func (s *Subchannel) Connect() {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if !released {
		s.core.connect()
	}
}

func (s *Subchannel) ResetBackoff() {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if !released {
		s.core.resetBackoff()
	}
}

func (s *Subchannel) StartWatch(exec subchannel.Executor, onChange func(connectivity.State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return func() {}
	}
	if s.watching {
		panic("subchannel already has a watcher; cancel it before starting another")
	}
	s.watching = true
	s.core.addWatcher(s, exec, onChange)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.watching {
			s.watching = false
			s.core.removeWatcher(s)
		}
	}
}

func (s *Subchannel) Shutdown() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	watching := s.watching
	s.watching = false
	s.mu.Unlock()
	if watching {
		s.core.removeWatcher(s)
	}
	s.core.release()
}

// core is the shared connection state machine behind one or more
// handles.
type core struct {
	addr resolver.Address
	opts *options

	// pool is non-nil for pooled cores; the pool entry is removed when
	// the last handle releases.
	pool    *Pool
	poolKey string

	mu       sync.Mutex
	state    connectivity.State
	refs     int
	conn     clientConn
	watchers map[*Subchannel]watchRegistration
	// failures counts consecutive failed dial attempts, for backoff.
	failures     int
	backoffTimer internal.Timer
	backoff      *exponentialBackoff
	dialCancel   context.CancelFunc
	monitorStop  chan struct{}
	closed       bool
}

type watchRegistration struct {
	exec     subchannel.Executor
	onChange func(connectivity.State)
}

func newCore(addr resolver.Address, opts *options, pool *Pool, poolKey string) *core {
	return &core{
		addr:     addr,
		opts:     opts,
		pool:     pool,
		poolKey:  poolKey,
		state:    connectivity.Idle,
		watchers: map[*Subchannel]watchRegistration{},
		backoff:  newExponentialBackoff(opts.backoff),
	}
}

func (c *core) newHandle() *Subchannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
	return &Subchannel{core: c}
}

func (c *core) currentState() connectivity.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *core) addWatcher(handle *Subchannel, exec subchannel.Executor, onChange func(connectivity.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers[handle] = watchRegistration{exec: exec, onChange: onChange}
}

func (c *core) removeWatcher(handle *Subchannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watchers, handle)
}

// setStateLocked transitions the connection state and schedules one
// notification per watcher. The terminal Shutdown state is never
// delivered through watches, so close paths set the field directly
// instead of going through here.
func (c *core) setStateLocked(state connectivity.State) {
	if c.state == state {
		return
	}
	c.state = state
	for _, registration := range c.watchers {
		onChange := registration.onChange
		registration.exec.Schedule(func() {
			onChange(state)
		})
	}
}

func (c *core) connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != connectivity.Idle {
		return
	}
	c.setStateLocked(connectivity.Connecting)
	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	go c.dial(ctx)
}

func (c *core) dial(ctx context.Context) {
	conn, err := c.opts.dial(ctx, c.addr.HostPort)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialCancel = nil
	if c.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.failures++
		c.setStateLocked(connectivity.TransientFailure)
		c.backoffTimer = c.opts.clock.AfterFunc(c.backoff.delay(c.failures), c.backoffExpired)
		return
	}
	c.failures = 0
	c.conn = conn
	c.monitorStop = make(chan struct{})
	go c.monitor(conn, c.monitorStop)
	c.setStateLocked(connectivity.Ready)
}

// backoffExpired returns the subchannel to idle once the retry delay
// has passed, so the next connection request dials immediately.
func (c *core) backoffExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoffTimer = nil
	if c.closed || c.state != connectivity.TransientFailure {
		return
	}
	c.setStateLocked(connectivity.Idle)
}

// monitor keepalive-pings the connection until it stops responding or
// the subchannel is torn down.
func (c *core) monitor(conn clientConn, stop chan struct{}) {
	ticker := c.opts.clock.NewTicker(keepalivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}
		ctx, cancel := context.WithTimeout(context.Background(), keepaliveTimeout)
		err := conn.Ping(ctx)
		cancel()
		if err != nil {
			c.connectionLost(conn)
			return
		}
	}
}

func (c *core) connectionLost(conn clientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn != conn {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.monitorStop = nil
	// A lost connection is not a failed attempt: no backoff, the next
	// connection request dials right away.
	c.setStateLocked(connectivity.Idle)
}

func (c *core) resetBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
		c.backoffTimer = nil
		if !c.closed && c.state == connectivity.TransientFailure {
			c.setStateLocked(connectivity.Idle)
		}
	}
}

func (c *core) release() {
	c.mu.Lock()
	c.refs--
	if c.refs > 0 {
		c.mu.Unlock()
		return
	}
	c.closeLocked()
	c.mu.Unlock()
	if c.pool != nil {
		c.pool.remove(c.poolKey, c)
	}
}

// closeLocked tears the connection down. Watchers are not notified:
// every handle has already released (or, for pool close, is having the
// rug pulled with the pool owner's consent) and the Shutdown state is
// never delivered through watches.
func (c *core) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.state = connectivity.Shutdown
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
		c.backoffTimer = nil
	}
	if c.monitorStop != nil {
		close(c.monitorStop)
		c.monitorStop = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.watchers = map[*Subchannel]watchRegistration{}
}

func (c *core) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}
