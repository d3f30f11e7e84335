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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/internal/clocktest"
	"github.com/bufbuild/rpclb/internal/serializer"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectSuccess(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	sc := fixture.subchannel
	assert.Equal(t, connectivity.Idle, sc.State())

	sc.Connect()
	fixture.requireTransition(connectivity.Connecting)
	conn := &fakeClientConn{}
	fixture.dialResults <- dialResult{conn: conn}
	fixture.requireTransition(connectivity.Ready)
	assert.Equal(t, connectivity.Ready, sc.State())

	// Another Connect while ready does not dial again.
	sc.Connect()
	assert.Empty(t, fixture.dialResults)
}

func TestDialFailureBacksOff(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	sc := fixture.subchannel

	sc.Connect()
	fixture.requireTransition(connectivity.Connecting)
	fixture.dialResults <- dialResult{err: errors.New("connection refused")}
	fixture.requireTransition(connectivity.TransientFailure)

	// The subchannel sits out its backoff delay, then returns to idle
	// so the next connection request dials immediately. The first delay
	// is exactly the base delay (no jitter).
	require.NoError(t, fixture.clock.BlockUntilContext(fixture.ctx, 1))
	fixture.clock.Advance(DefaultBackoffConfig.BaseDelay)
	fixture.requireTransition(connectivity.Idle)

	// A second consecutive failure waits longer.
	sc.Connect()
	fixture.requireTransition(connectivity.Connecting)
	fixture.dialResults <- dialResult{err: errors.New("connection refused")}
	fixture.requireTransition(connectivity.TransientFailure)
	require.NoError(t, fixture.clock.BlockUntilContext(fixture.ctx, 1))
	// Below the smallest possible second delay: still backing off.
	minSecond := time.Duration(float64(DefaultBackoffConfig.BaseDelay) * DefaultBackoffConfig.Multiplier * (1 - DefaultBackoffConfig.Jitter))
	fixture.clock.Advance(minSecond - time.Millisecond)
	fixture.requireNoTransition()
	// Past the largest possible second delay: idle again.
	maxSecond := time.Duration(float64(DefaultBackoffConfig.BaseDelay) * DefaultBackoffConfig.Multiplier * (1 + DefaultBackoffConfig.Jitter))
	fixture.clock.Advance(maxSecond - minSecond + 2*time.Millisecond)
	fixture.requireTransition(connectivity.Idle)
}

func TestResetBackoffCutsDelayShort(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	sc := fixture.subchannel

	sc.Connect()
	fixture.requireTransition(connectivity.Connecting)
	fixture.dialResults <- dialResult{err: errors.New("connection refused")}
	fixture.requireTransition(connectivity.TransientFailure)

	require.NoError(t, fixture.clock.BlockUntilContext(fixture.ctx, 1))
	sc.ResetBackoff()
	fixture.requireTransition(connectivity.Idle)
}

func TestKeepaliveFailureLosesConnection(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	sc := fixture.subchannel

	sc.Connect()
	fixture.requireTransition(connectivity.Connecting)
	conn := &fakeClientConn{}
	fixture.dialResults <- dialResult{conn: conn}
	fixture.requireTransition(connectivity.Ready)

	// Healthy pings keep the connection up.
	require.NoError(t, fixture.clock.BlockUntilContext(fixture.ctx, 1))
	fixture.clock.Advance(keepalivePeriod)
	conn.awaitPings(t, 1)
	fixture.requireNoTransition()

	// A failed ping tears the connection down; a lost connection is not
	// a failed attempt, so the subchannel goes straight to idle.
	conn.setPingErr(errors.New("broken pipe"))
	fixture.clock.Advance(keepalivePeriod)
	fixture.requireTransition(connectivity.Idle)
	assert.True(t, conn.isClosed())
}

func TestShutdownMakesHandleInert(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	sc := fixture.subchannel

	sc.Connect()
	fixture.requireTransition(connectivity.Connecting)
	conn := &fakeClientConn{}
	fixture.dialResults <- dialResult{conn: conn}
	fixture.requireTransition(connectivity.Ready)

	sc.Shutdown()
	assert.Equal(t, connectivity.Shutdown, sc.State())
	require.Eventually(t, conn.isClosed, 5*time.Second, time.Millisecond)
	// The terminal state is never delivered through the watch.
	fixture.requireNoTransition()

	sc.Connect()
	assert.Empty(t, fixture.dialResults)
	assert.Equal(t, connectivity.Shutdown, sc.State())
	// Shutdown is idempotent.
	sc.Shutdown()
}

func TestWatchCancelStopsDeliveries(t *testing.T) {
	t.Parallel()

	fixture := newFixture(t)
	sc := fixture.subchannel

	fixture.cancelWatch()
	sc.Connect()
	fixture.dialResults <- dialResult{conn: &fakeClientConn{}}
	require.Eventually(t, func() bool {
		return sc.State() == connectivity.Ready
	}, 5*time.Second, time.Millisecond)
	fixture.requireNoTransition()
}

type dialResult struct {
	conn clientConn
	err  error
}

type fixture struct {
	t           *testing.T
	ctx         context.Context //nolint:containedctx // test plumbing
	clock       clocktest.FakeClock
	dialResults chan dialResult
	subchannel  *Subchannel
	states      chan connectivity.State
	cancelWatch func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	f := &fixture{
		t:           t,
		ctx:         ctx,
		clock:       clocktest.NewFakeClock(),
		dialResults: make(chan dialResult, 4),
		states:      make(chan connectivity.State, 16),
	}
	opts := newOptions(nil)
	opts.clock = f.clock
	opts.dial = func(ctx context.Context, _ string) (clientConn, error) {
		select {
		case result := <-f.dialResults:
			return result.conn, result.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.subchannel = newCore(resolver.Address{HostPort: "backend:8443"}, opts, nil, "").newHandle()
	ser := serializer.New(ctx)
	f.cancelWatch = f.subchannel.StartWatch(ser, func(state connectivity.State) {
		f.states <- state
	})
	t.Cleanup(f.subchannel.Shutdown)
	return f
}

func (f *fixture) requireTransition(want connectivity.State) {
	f.t.Helper()
	select {
	case got := <-f.states:
		require.Equal(f.t, want, got)
	case <-f.ctx.Done():
		f.t.Fatalf("timed out waiting for transition to %v", want)
	}
}

func (f *fixture) requireNoTransition() {
	f.t.Helper()
	select {
	case got := <-f.states:
		f.t.Fatalf("unexpected transition to %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeClientConn struct {
	mu      sync.Mutex
	pingErr error
	pings   int
	closed  bool
}

func (c *fakeClientConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClientConn) setPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

func (c *fakeClientConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClientConn) awaitPings(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.pings >= want
	}, 5*time.Second, time.Millisecond)
}
