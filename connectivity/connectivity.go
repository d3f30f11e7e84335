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

// Package connectivity defines the connectivity states of a subchannel
// and of a channel as a whole. A subchannel moves through these states
// as it dials, establishes, loses, and retries its underlying transport.
// A load-balancing policy projects an aggregate channel state from the
// states of the subchannels it manages.
package connectivity

import "fmt"

// State is the state of a subchannel or channel.
type State int

const (
	// Idle means no connection exists and none is being attempted. A
	// subchannel leaves Idle only when a connection is requested.
	Idle State = iota
	// Connecting means a connection attempt is in progress.
	Connecting
	// Ready means an established connection exists and can carry RPCs.
	Ready
	// TransientFailure means the most recent connection attempt failed.
	// A subchannel stays here for its backoff period before returning
	// to Idle.
	TransientFailure
	// Shutdown means the subchannel or channel has been torn down. It
	// is terminal and is never delivered to connectivity watchers.
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
