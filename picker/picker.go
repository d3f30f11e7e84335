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

// Package picker defines how a channel selects the subchannel for each
// RPC. A load-balancing policy publishes a new Picker whenever its view
// of the world changes; the channel consults the current picker once per
// RPC. Pickers are immutable values: all the state they need is captured
// when the policy creates them.
package picker

import (
	"context"
	"errors"

	"github.com/bufbuild/rpclb/subchannel"
)

// ErrNoSubchannelAvailable indicates that no subchannel is currently
// ready to carry the RPC. The channel should block the RPC (subject to
// its deadline) and pick again after the policy publishes a new picker.
//
//nolint:gochecknoglobals
var ErrNoSubchannelAvailable = errors.New("no subchannel is available for the pick")

// Args describes one pick request.
type Args struct {
	// Ctx is the RPC's context.
	Ctx context.Context //nolint:containedctx // mirrors the RPC invocation
	// Method is the full RPC method name, e.g. "/acme.ledger.v1.LedgerService/GetBalance".
	Method string
}

// Result is a successful pick.
type Result struct {
	// Subchannel carries the RPC. It is the handle the policy holds; no
	// separate reference is taken for the pick, so if the policy shuts
	// the subchannel down before the RPC completes, the handle is shut
	// down as well.
	Subchannel subchannel.Subchannel
	// Done, if non-nil, is invoked when the RPC completes, with the
	// RPC's final error (nil on success).
	Done func(err error)
}

// Picker selects the subchannel for an RPC.
//
// Pick returns either a Result, ErrNoSubchannelAvailable to make the
// channel queue the RPC until the next picker is published, or any other
// error to fail the RPC with that error.
//
// Pick is called on the channel's RPC path and must not block.
type Picker interface {
	Pick(Args) (Result, error)
}

// ErrorPicker returns a picker that always fails with the given error.
// Policies publish one while in transient failure so that RPCs fail
// fast with the underlying cause.
func ErrorPicker(err error) Picker {
	return pickerFunc(func(Args) (Result, error) {
		return Result{}, err
	})
}

type pickerFunc func(Args) (Result, error)

func (f pickerFunc) Pick(args Args) (Result, error) {
	return f(args)
}
