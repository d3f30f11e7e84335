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
	"testing"
	"time"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/internal/serializer"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSharesConnections(t *testing.T) {
	t.Parallel()

	pool, dialResults := newTestPool(t)
	addr := resolver.Address{HostPort: "backend:8443"}

	handle1 := poolGet(t, pool, addr)
	handle2 := poolGet(t, pool, addr)
	assert.Same(t, handle1.core, handle2.core)

	other := poolGet(t, pool, resolver.Address{HostPort: "elsewhere:8443"})
	assert.NotSame(t, handle1.core, other.core)
	t.Cleanup(other.Shutdown)

	// A connection established through one handle is visible through
	// the other: the second holder becomes ready without dialing.
	handle1.Connect()
	dialResults <- dialResult{conn: &fakeClientConn{}}
	require.Eventually(t, func() bool {
		return handle2.State() == connectivity.Ready
	}, 5*time.Second, time.Millisecond)
	assert.Empty(t, dialResults)

	// The connection survives the first holder releasing, and closes
	// once the last one does.
	handle1.Shutdown()
	assert.Equal(t, connectivity.Ready, handle2.State())
	handle2.Shutdown()
	assert.Equal(t, connectivity.Shutdown, handle2.State())

	// A fresh checkout after full release starts over.
	handle3 := poolGet(t, pool, addr)
	t.Cleanup(handle3.Shutdown)
	assert.NotSame(t, handle1.core, handle3.core)
	assert.Equal(t, connectivity.Idle, handle3.State())
}

func TestPoolHandlesWatchIndependently(t *testing.T) {
	t.Parallel()

	pool, dialResults := newTestPool(t)
	addr := resolver.Address{HostPort: "backend:8443"}

	handle1 := poolGet(t, pool, addr)
	t.Cleanup(handle1.Shutdown)
	handle2 := poolGet(t, pool, addr)
	t.Cleanup(handle2.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	states1 := watchStates(ctx, handle1)
	states2 := watchStates(ctx, handle2)

	handle1.Connect()
	dialResults <- dialResult{conn: &fakeClientConn{}}
	requireStates(t, states1, connectivity.Connecting, connectivity.Ready)
	requireStates(t, states2, connectivity.Connecting, connectivity.Ready)
}

func TestPoolClose(t *testing.T) {
	t.Parallel()

	pool, dialResults := newTestPool(t)
	handle := poolGet(t, pool, resolver.Address{HostPort: "backend:8443"})

	handle.Connect()
	conn := &fakeClientConn{}
	dialResults <- dialResult{conn: conn}
	require.Eventually(t, func() bool {
		return handle.State() == connectivity.Ready
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, pool.Close())
	assert.True(t, conn.isClosed())
	assert.Equal(t, connectivity.Shutdown, handle.State())

	_, err := pool.Get(resolver.Address{HostPort: "backend:8443"}, attribute.Values{})
	require.ErrorIs(t, err, ErrPoolClosed)
	// Close is idempotent; releasing a handle afterwards is harmless.
	require.NoError(t, pool.Close())
	handle.Shutdown()
}

// poolGet checks a handle out and unwraps it to the concrete type so
// tests can reach the shared core.
func poolGet(t *testing.T, pool *Pool, addr resolver.Address) *Subchannel {
	t.Helper()
	sc, err := pool.Get(addr, attribute.Values{})
	require.NoError(t, err)
	handle, ok := sc.(*Subchannel)
	require.True(t, ok)
	return handle
}

func newTestPool(t *testing.T) (*Pool, chan dialResult) {
	t.Helper()
	dialResults := make(chan dialResult, 4)
	pool := NewPool()
	pool.opts.dial = func(ctx context.Context, _ string) (clientConn, error) {
		select {
		case result := <-dialResults:
			return result.conn, result.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool, dialResults
}

func watchStates(ctx context.Context, sc *Subchannel) chan connectivity.State {
	states := make(chan connectivity.State, 16)
	ser := serializer.New(ctx)
	sc.StartWatch(ser, func(state connectivity.State) {
		states <- state
	})
	return states
}

func requireStates(t *testing.T, states chan connectivity.State, want ...connectivity.State) {
	t.Helper()
	for _, expected := range want {
		select {
		case got := <-states:
			require.Equal(t, expected, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for transition to %v", expected)
		}
	}
}
