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

// Package subchannel defines the contract between a load-balancing
// policy and the connections it manages. A subchannel is a *logical*
// connection to a single resolved address: it owns the dialing, the
// retry backoff, and the transport, and it reports a connectivity state
// the policy can watch. The transport package provides a concrete
// implementation; load-balancing policies depend only on this interface.
package subchannel

import (
	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/resolver"
)

// InhibitHealthChecks is a subchannel arg that suppresses active health
// checking on the subchannel it is set on. The pick_first policy sets it
// on every subchannel it creates, since it judges a subchannel solely by
// whether its connection is established.
//
//nolint:gochecknoglobals
var InhibitHealthChecks = attribute.NewKey[bool]()

// Executor runs callbacks one at a time, in the order scheduled. A
// subchannel delivers connectivity notifications through the executor
// supplied to StartWatch, which lets a policy receive them serialized
// with its other entry points.
type Executor interface {
	Schedule(f func())
}

// Subchannel is a handle to a logical connection to one address.
//
// The underlying connection may be shared: handles to the same address
// checked out of a pool refer to one connection, and the connection is
// only torn down once every holder has called Shutdown. A picker returns
// the policy's own handle rather than a separate one, so a handle picked
// for an RPC is shut down when the policy releases it.
type Subchannel interface {
	// Address is the resolved address this subchannel connects to.
	Address() resolver.Address
	// State reports the current connectivity state. It may be read at
	// any time, including before a watch is started; pick_first uses
	// the pre-watch read to catch a subchannel that became Ready before
	// the watch attached.
	State() connectivity.State
	// Connect requests that a connection attempt begin if the
	// subchannel is Idle. It never blocks; progress is reported through
	// the watch. Calling Connect in any state other than Idle is a no-op.
	Connect()
	// StartWatch registers the watcher for this subchannel. Each state
	// transition is delivered as one callback scheduled on exec. The
	// Shutdown state is never delivered; holders learn of teardown by
	// initiating it. A subchannel supports at most one watcher at a
	// time; the returned cancel func must be called before another
	// watch may be started. A callback already scheduled when cancel is
	// called may still run, so watchers must tolerate late deliveries.
	StartWatch(exec Executor, onChange func(connectivity.State)) (cancel func())
	// ResetBackoff discards any pending retry delay so that the next
	// connection attempt happens immediately.
	ResetBackoff()
	// Shutdown releases this handle's interest in the connection. Once
	// every holder has released, the connection is closed and the
	// subchannel enters the terminal Shutdown state.
	Shutdown()
}
