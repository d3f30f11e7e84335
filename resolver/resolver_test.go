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

package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/rpclb/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollingResolverTTL(t *testing.T) {
	t.Parallel()

	const testTTL = 20 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	testClock := clocktest.NewFakeClock()
	prober := &fakeProber{
		results: []probeResult{
			{addrs: []Address{{HostPort: "10.0.0.1:8443"}}},
			{addrs: []Address{{HostPort: "10.0.0.2:8443"}}},
			{err: errors.New("backend registry unavailable")},
			{addrs: []Address{{HostPort: "10.0.0.3:8443"}}},
		},
	}
	res := NewPollingResolver(prober, testTTL)
	res.(*pollingResolver).clock = testClock //nolint:errcheck // always a pollingResolver

	recv := newTestReceiver()
	refreshCh := make(chan struct{})
	task := res.New(ctx, "https", "backends.internal", recv, refreshCh)
	t.Cleanup(func() {
		require.NoError(t, task.Close())
	})

	// First probe happens immediately.
	addrs := recv.awaitAddrs(t, ctx)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.1:8443", addrs[0].HostPort)

	// The next probe waits out the TTL.
	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(testTTL)
	addrs = recv.awaitAddrs(t, ctx)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.2:8443", addrs[0].HostPort)

	// A probe error is reported, and polling keeps going afterwards.
	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(testTTL)
	err := recv.awaitErr(t, ctx)
	assert.EqualError(t, err, "backend registry unavailable")

	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(testTTL)
	addrs = recv.awaitAddrs(t, ctx)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.3:8443", addrs[0].HostPort)
}

func TestPollingResolverRefresh(t *testing.T) {
	t.Parallel()

	const testTTL = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	testClock := clocktest.NewFakeClock()
	prober := &fakeProber{
		results: []probeResult{
			{addrs: []Address{{HostPort: "10.0.0.1:8443"}}},
			{addrs: []Address{{HostPort: "10.0.0.1:8443"}, {HostPort: "10.0.0.2:8443"}}},
		},
	}
	res := NewPollingResolver(prober, testTTL)
	res.(*pollingResolver).clock = testClock //nolint:errcheck // always a pollingResolver

	recv := newTestReceiver()
	refreshCh := make(chan struct{})
	task := res.New(ctx, "https", "backends.internal", recv, refreshCh)
	t.Cleanup(func() {
		require.NoError(t, task.Close())
	})

	recv.awaitAddrs(t, ctx)

	// A refresh signal cuts the TTL short: the next probe happens
	// without the clock moving at all.
	select {
	case refreshCh <- struct{}{}:
	case <-ctx.Done():
		t.Fatalf("cancelled before refresh channel unblocked: %v", ctx.Err())
	}
	addrs := recv.awaitAddrs(t, ctx)
	require.Len(t, addrs, 2)
}

func TestPollingResolverCloseStopsProbes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	testClock := clocktest.NewFakeClock()
	prober := &fakeProber{
		results: []probeResult{
			{addrs: []Address{{HostPort: "10.0.0.1:8443"}}},
		},
	}
	res := NewPollingResolver(prober, time.Minute)
	res.(*pollingResolver).clock = testClock //nolint:errcheck // always a pollingResolver

	recv := newTestReceiver()
	refreshCh := make(chan struct{})
	task := res.New(ctx, "https", "backends.internal", recv, refreshCh)

	recv.awaitAddrs(t, ctx)
	require.NoError(t, task.Close())
	assert.Equal(t, 1, prober.probeCount())
}

type probeResult struct {
	addrs []Address
	err   error
}

// fakeProber serves scripted results; once the script runs out, it
// keeps serving the last entry.
type fakeProber struct {
	mu      sync.Mutex
	results []probeResult
	calls   int
}

func (p *fakeProber) ResolveOnce(_ context.Context, _, _ string) ([]Address, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	index := p.calls
	if index >= len(p.results) {
		index = len(p.results) - 1
	}
	p.calls++
	result := p.results[index]
	return result.addrs, 0, result.err
}

func (p *fakeProber) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testReceiver struct {
	addrs chan []Address
	errs  chan error
}

func newTestReceiver() *testReceiver {
	return &testReceiver{
		addrs: make(chan []Address, 4),
		errs:  make(chan error, 4),
	}
}

func (r *testReceiver) OnResolve(addrs []Address) {
	r.addrs <- addrs
}

func (r *testReceiver) OnResolveError(err error) {
	r.errs <- err
}

func (r *testReceiver) awaitAddrs(t *testing.T, ctx context.Context) []Address {
	t.Helper()
	select {
	case addrs := <-r.addrs:
		return addrs
	case <-ctx.Done():
		t.Fatal("expected resolved addresses")
		return nil
	}
}

func (r *testReceiver) awaitErr(t *testing.T, ctx context.Context) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-ctx.Done():
		t.Fatal("expected resolution error")
		return nil
	}
}
