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

// Package resolver provides name resolution for RPC channels: turning a
// target name into the set of backend addresses a load-balancing policy
// should connect to. It defines the continuous-resolution contract and
// ships a polling implementation backed by DNS.
package resolver

import (
	"context"
	"io"
	"time"

	"github.com/bufbuild/rpclb/attribute"
)

// Resolver is an interface for continuous name resolution.
type Resolver interface {
	// New creates a continuous resolver task for the given target name.
	// When the target is resolved into backend addresses, they are
	// provided to the given receiver.
	//
	// As new result sets arrive (since the set of addresses may change
	// over time), the receiver may be called repeatedly. Each time, the
	// entire set of addresses is supplied.
	//
	// The resolver may report errors in addition to or instead of
	// addresses, but it should keep trying to resolve (and watch for
	// changes), even in the face of errors, until it is closed or the
	// given context is cancelled.
	//
	// The refresh channel receives signals from the channel hinting
	// that it may need new results. A load-balancing policy requests
	// re-resolution when it runs out of reachable hosts; for example,
	// after a rolling deployment the entire set of hosts can disappear
	// within the span of a TTL. Resolvers may treat refresh signals as
	// a no-op. The refresh channel will not be closed until after
	// Close() returns.
	//
	// The Close method on the return value must stop all goroutines and
	// free any resources before returning. After Close returns, there
	// are no subsequent calls to the receiver.
	New(
		ctx context.Context,
		scheme, hostPort string,
		receiver Receiver,
		refresh <-chan struct{},
	) io.Closer
}

// Receiver is a client of a resolver and receives the resolved addresses.
type Receiver interface {
	// OnResolve is called when the set of addresses is resolved. It may
	// be called repeatedly as the set of addresses changes over time.
	// Each call always supplies the full set of resolved addresses (no
	// deltas).
	OnResolve([]Address)
	// OnResolveError is called when resolution encounters an error.
	// This can happen at any time, including after addresses were
	// initially resolved; consumers typically keep using the last good
	// address set when a later error arrives.
	OnResolveError(error)
}

// ResolveProber is an interface for types that provide single-shot name
// resolution.
type ResolveProber interface {
	// ResolveOnce resolves the given target name once, returning a
	// slice of addresses corresponding to the provided scheme and
	// hostname. The second return value specifies the TTL of the
	// result, or 0 if there is no known TTL value.
	//
	// The resolved addresses should have ports if the expected target
	// network needs them. For example, in the common case of TCP, if
	// the provided hostPort string does not contain a port, a default
	// port should be added based on the scheme.
	ResolveOnce(
		ctx context.Context,
		scheme,
		hostPort string,
	) (
		results []Address,
		ttl time.Duration,
		err error,
	)
}

// Address contains a resolved address to a host, and any attributes that
// may be associated with a host/address.
type Address struct {
	// HostPort stores the host:port pair of the resolved address.
	HostPort string

	// Attributes is a collection of arbitrary key/value pairs.
	Attributes attribute.Values
}

// Update is one resolution result delivered to a load-balancing policy.
// Exactly one of Addresses and Err is meaningful: a successful
// resolution carries Addresses (possibly empty) and a nil Err, while a
// failed one carries a non-nil Err. The channel builds an Update from
// each Receiver callback and hands it to its policy.
type Update struct {
	// Addresses is the full set of resolved addresses, when Err is nil.
	Addresses []Address
	// Err is the resolution error, if resolution failed.
	Err error
	// Args carries the channel args to apply to subchannels created for
	// this update.
	Args attribute.Values
	// ResolutionNote describes how this result was obtained (for
	// example, which attempt produced it, or why it may be stale). It
	// is surfaced in failure statuses when the address set is unusable.
	ResolutionNote string
	// Config is the parsed policy configuration carried alongside the
	// addresses, if the policy has one. Policies without tunables
	// ignore it.
	Config any
}
