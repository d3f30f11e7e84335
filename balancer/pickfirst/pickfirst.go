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

// Package pickfirst implements the "pick_first" load-balancing policy.
// The policy connects to the addresses of each resolver update in order
// and routes every RPC over the first connection that becomes ready,
// holding on to it until it is lost or until a newer address set proves
// itself.
//
// When an update arrives while a connection is established, the new
// address list is tracked as a pending list alongside the current one.
// The pending list replaces the current list as soon as one of its
// subchannels becomes ready, or once every one of them has failed; the
// established connection is given up in either case, because the newer
// address set reflects what the control plane wants the channel to use.
package pickfirst

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bufbuild/rpclb/balancer"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/picker"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/subchannel"
)

// Name is the registry name of the pick_first policy.
const Name = "pick_first"

//nolint:gochecknoinits
func init() {
	balancer.Register(builder{})
}

type builder struct{}

func (builder) Build(helper balancer.ControlHelper, opts balancer.BuildOptions) balancer.Policy {
	return &pickFirst{helper: helper, exec: opts.Executor}
}

func (builder) Name() string {
	return Name
}

// pickFirst drives at most two subchannel lists: the current list, from
// which the selected subchannel (if any) is drawn, and a pending list
// built from a newer resolver update that has not proved itself yet. A
// pending list exists only while a selected subchannel does; without a
// selection there is nothing to hold on to, so a new list replaces the
// current one directly.
type pickFirst struct {
	helper balancer.ControlHelper
	exec   subchannel.Executor

	// latestUpdate is the most recent resolver update, after arg
	// rewriting and address merging. ExitIdle replans from it.
	latestUpdate  resolver.Update
	haveAddresses bool

	current  *subchannelList
	pending  *subchannelList
	selected *subchannelData
	idle     bool
	closed   bool
}

func (p *pickFirst) Update(upd resolver.Update) {
	if p.closed {
		return
	}
	// pick_first judges a subchannel solely by whether its connection is
	// established, so health checking is suppressed on every subchannel
	// created for this update.
	upd.Args = upd.Args.With(subchannel.InhibitHealthChecks.Value(true))
	// A resolution error after a successful resolution does not
	// invalidate the addresses we already have. Keep using them; the
	// error survives only as the resolution note.
	if upd.Err != nil && p.haveAddresses {
		upd.Addresses = p.latestUpdate.Addresses
		upd.ResolutionNote = upd.Err.Error()
		upd.Err = nil
	}
	p.latestUpdate = upd
	p.haveAddresses = upd.Err == nil
	// While idle, only record the update; connection attempts resume
	// from ExitIdle.
	if p.idle {
		return
	}
	p.connectUsingLatestUpdate()
}

func (p *pickFirst) ExitIdle() {
	if p.closed || !p.idle {
		return
	}
	p.idle = false
	p.connectUsingLatestUpdate()
}

func (p *pickFirst) ResetBackoff() {
	if p.current != nil {
		p.current.resetBackoff()
	}
	if p.pending != nil {
		p.pending.resetBackoff()
	}
}

func (p *pickFirst) Close() {
	p.closed = true
	p.selected = nil
	if p.current != nil {
		p.current.orphan()
		p.current = nil
	}
	if p.pending != nil {
		p.pending.orphan()
		p.pending = nil
	}
}

// connectUsingLatestUpdate rebuilds the subchannel lists from
// latestUpdate and starts the connection sweep.
func (p *pickFirst) connectUsingLatestUpdate() {
	var addrs []resolver.Address
	if p.latestUpdate.Err == nil {
		addrs = p.latestUpdate.Addresses
	}
	list := newSubchannelList(p, addrs, p.latestUpdate.Args)
	// Empty update, or no address we could create a subchannel for.
	if len(list.subchannels) == 0 {
		p.replaceCurrent(list)
		p.selected = nil
		status := p.latestUpdate.Err
		if status == nil {
			status = fmt.Errorf("empty address list: %s", p.latestUpdate.ResolutionNote)
		}
		p.helper.UpdateState(balancer.State{
			ConnectivityState: connectivity.TransientFailure,
			Picker:            picker.ErrorPicker(status),
		})
		// A previously pending update (which may or may not have
		// contained the currently selected subchannel) must not
		// override what we've done here.
		p.dropPending()
		return
	}
	// If a subchannel in the new list is already ready, select it
	// immediately. This happens when the currently selected subchannel
	// is also present in the update, and when a subchannel in the update
	// is already established because another channel shares it.
	for _, sd := range list.subchannels {
		if sd.subchannel.State() == connectivity.Ready {
			p.replaceCurrent(list)
			sd.startWatch()
			sd.processUnselectedReady()
			p.dropPending()
			return
		}
	}
	if p.selected == nil {
		// Nothing to hold on to: the new list becomes current and the
		// sweep starts at its first address. The initial states were
		// all read in the loop above, so the watch can start without
		// re-checking.
		p.replaceCurrent(list)
		list.subchannels[0].startWatch()
		list.subchannels[0].subchannel.Connect()
	} else {
		// Keep the established connection until a subchannel in the new
		// list reports ready. A prior pending list is superseded.
		p.dropPending()
		p.pending = list
		list.subchannels[0].startWatch()
		list.subchannels[0].subchannel.Connect()
	}
}

func (p *pickFirst) replaceCurrent(list *subchannelList) {
	if p.current != nil {
		p.current.orphan()
	}
	p.current = list
}

func (p *pickFirst) dropPending() {
	if p.pending != nil {
		p.pending.orphan()
		p.pending = nil
	}
}

// readyPicker routes every RPC over the selected subchannel. It returns
// the list's own handle and takes no reference of its own: once the
// policy moves on and releases that subchannel, the handle it returns
// has been shut down.
type readyPicker struct {
	sc subchannel.Subchannel
}

func (r readyPicker) Pick(picker.Args) (picker.Result, error) {
	return picker.Result{Subchannel: r.sc}, nil
}

// queuePicker makes the channel queue RPCs until the policy publishes
// its next picker. The first pick also nudges the policy out of idle, so
// that a channel that went idle after losing its connection starts
// reconnecting as soon as an RPC needs it.
type queuePicker struct {
	policy *pickFirst
	once   sync.Once
}

func newQueuePicker(p *pickFirst) picker.Picker {
	return &queuePicker{policy: p}
}

func (q *queuePicker) Pick(picker.Args) (picker.Result, error) {
	// Pick runs on the RPC path; ExitIdle must run on the policy's
	// executor. A schedule when the policy is not idle is harmless.
	q.once.Do(func() {
		q.policy.exec.Schedule(q.policy.ExitIdle)
	})
	return picker.Result{}, picker.ErrNoSubchannelAvailable
}

var errSelectedFailedSwitching = errors.New("selected subchannel failed; switching to pending update")
var errAllAddressesFailed = errors.New("failed to connect to all addresses")
