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
	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/picker"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/subchannel"
)

// State is one publication from a policy to its channel: the aggregate
// connectivity state paired with the picker RPCs should use while that
// state holds. Failure details travel inside the picker (a failure
// picker fails every pick with the underlying status).
type State struct {
	ConnectivityState connectivity.State
	Picker            picker.Picker
}

// ControlHelper is the channel-side interface a policy calls to act on
// its decisions. The channel guarantees every method is safe to call
// from the policy's executor.
type ControlHelper interface {
	// NewSubchannel creates (or checks out of the shared pool) a
	// subchannel for the given address, with the given per-subchannel
	// args. It does not initiate a connection.
	NewSubchannel(addr resolver.Address, args attribute.Values) (subchannel.Subchannel, error)
	// UpdateState publishes a new aggregate state and picker. The
	// channel records it; picks made after the call use the new picker.
	UpdateState(State)
	// RequestReresolution asks the channel to signal its resolver's
	// refresh channel, hinting that the current address set may be
	// stale.
	RequestReresolution()
}

// Policy is a load-balancing policy instance, owned by one channel.
//
// The channel invokes every method on the policy's executor (see
// BuildOptions), one call at a time; methods must not block and are not
// re-entrant.
type Policy interface {
	// Update delivers a new resolution result: an address set or a
	// resolution error. The policy re-plans its connections
	// accordingly.
	Update(resolver.Update)
	// ExitIdle asks the policy to resume connecting if it had gone
	// idle after losing its connections.
	ExitIdle()
	// ResetBackoff discards retry delays on all of the policy's
	// subchannels so the next attempts happen immediately.
	ResetBackoff()
	// Close shuts the policy down. It releases all subchannels and
	// publishes nothing further.
	Close()
}

// BuildOptions carries the channel-provided dependencies a policy needs
// beyond the ControlHelper.
type BuildOptions struct {
	// Executor is the serial executor all of the policy's entry points
	// run on. The policy passes it to subchannel watches so that
	// connectivity notifications are serialized with everything else.
	Executor subchannel.Executor
}

// Builder creates policy instances and gives the policy its registry
// name.
type Builder interface {
	Build(helper ControlHelper, opts BuildOptions) Policy
	Name() string
}
