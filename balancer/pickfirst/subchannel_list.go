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

package pickfirst

import (
	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/balancer"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/picker"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/subchannel"
)

// subchannelList is the ordered set of subchannels built from one
// resolver update. The member sequence is immutable after construction;
// only the watch state of members and the inTransientFailure flag
// change. A list is torn down as a whole via orphan, which cancels all
// of its watches and releases all of its subchannels.
type subchannelList struct {
	policy      *pickFirst
	subchannels []*subchannelData

	// inTransientFailure is set once every member has failed in the
	// current sweep without any reaching ready, and cleared when a
	// member reports ready. While it is set, mid-sweep connecting
	// transitions are not published; the channel stays in
	// TRANSIENT_FAILURE until something actually changes.
	inTransientFailure bool

	orphaned bool
}

// subchannelData is one list member: an address, the subchannel handle
// created for it, and the member's watch state.
type subchannelData struct {
	list  *subchannelList
	index int
	addr  resolver.Address

	// subchannel is nil once this member has been released.
	subchannel subchannel.Subchannel
	// cancelWatch is non-nil while a connectivity watch is active.
	cancelWatch func()
}

// newSubchannelList creates one subchannel per address. An address for
// which the helper cannot create a subchannel is skipped; the list holds
// only the successes, re-indexed densely so the sweep arithmetic stays
// valid.
func newSubchannelList(p *pickFirst, addrs []resolver.Address, args attribute.Values) *subchannelList {
	list := &subchannelList{policy: p}
	for _, addr := range addrs {
		sc, err := p.helper.NewSubchannel(addr, args)
		if err != nil {
			continue
		}
		list.subchannels = append(list.subchannels, &subchannelData{
			list:       list,
			index:      len(list.subchannels),
			addr:       addr,
			subchannel: sc,
		})
	}
	return list
}

func (l *subchannelList) resetBackoff() {
	for _, sd := range l.subchannels {
		if sd.subchannel != nil {
			sd.subchannel.ResetBackoff()
		}
	}
}

// orphan tears the list down: every member's watch is canceled and every
// member's subchannel released. Callbacks already queued for this list
// find it is no longer one of the policy's live lists and do nothing.
func (l *subchannelList) orphan() {
	l.orphaned = true
	for _, sd := range l.subchannels {
		sd.release()
	}
}

func (d *subchannelData) startWatch() {
	p := d.list.policy
	d.cancelWatch = d.subchannel.StartWatch(p.exec, func(state connectivity.State) {
		d.onConnectivityChange(state)
	})
}

func (d *subchannelData) cancelConnectivityWatch() {
	if d.cancelWatch != nil {
		d.cancelWatch()
		d.cancelWatch = nil
	}
}

// release drops this member's interest in its subchannel: the watch is
// canceled and the handle shut down. Used both when a list is orphaned
// and when the policy selects a different member.
func (d *subchannelData) release() {
	d.cancelConnectivityWatch()
	if d.subchannel != nil {
		d.subchannel.Shutdown()
		d.subchannel = nil
	}
}

// onConnectivityChange is the watch callback. It runs on the policy's
// executor. Deliveries can race with teardown in the queue, so it first
// verifies that the list is still live and the watch still wanted;
// anything stale is dropped without effect. This gating is also what
// guarantees the sweep advances exactly once per failure.
func (d *subchannelData) onConnectivityChange(state connectivity.State) {
	p := d.list.policy
	if p.closed || d.list.orphaned {
		return
	}
	if d.list != p.current && d.list != p.pending {
		return
	}
	if d.cancelWatch == nil {
		return
	}
	// Watches never deliver the terminal state; lists are torn down
	// explicitly instead.
	if state == connectivity.Shutdown {
		return
	}
	d.processConnectivityChange(state)
}

func (d *subchannelData) processConnectivityChange(state connectivity.State) {
	p := d.list.policy
	list := d.list
	// Updates for the currently selected subchannel: it is necessarily
	// in the current list.
	if p.selected == d {
		// A state update can slip between the pre-watch state read and
		// the watch attaching. A redundant ready is ignored; any other
		// state means the established connection is gone.
		if state == connectivity.Ready {
			return
		}
		p.selected = nil
		d.cancelConnectivityWatch()
		if p.pending != nil {
			// The pending update takes over, and the channel takes on
			// its state: still connecting, or already failed outright.
			old := p.current
			p.current = p.pending
			p.pending = nil
			old.orphan()
			if p.current.inTransientFailure {
				p.helper.UpdateState(balancer.State{
					ConnectivityState: connectivity.TransientFailure,
					Picker:            picker.ErrorPicker(errSelectedFailedSwitching),
				})
			} else {
				p.helper.UpdateState(balancer.State{
					ConnectivityState: connectivity.Connecting,
					Picker:            newQueuePicker(p),
				})
			}
			return
		}
		// No pending update to fall back on: ask for fresh addresses
		// and go idle until an RPC or the channel asks us to connect.
		p.helper.RequestReresolution()
		p.idle = true
		old := p.current
		p.current = nil
		old.orphan()
		p.helper.UpdateState(balancer.State{
			ConnectivityState: connectivity.Idle,
			Picker:            newQueuePicker(p),
		})
		return
	}
	// An unselected subchannel. Either there is no selection yet and
	// this is the current list's sweep looking for one, or there is a
	// selection and this is the pending list's sweep looking for its
	// replacement.
	switch state {
	case connectivity.Ready:
		list.inTransientFailure = false
		d.processUnselectedReady()
	case connectivity.TransientFailure, connectivity.Idle:
		// This attempt failed. Move the sweep to the next subchannel,
		// wrapping around when the whole list has been tried.
		d.cancelConnectivityWatch()
		next := list.subchannels[(d.index+1)%len(list.subchannels)]
		if next.index == 0 {
			list.inTransientFailure = true
			// A fully failed pending list still replaces the current
			// one, dropping an established connection if there is one.
			// The control plane's newer address set wins once it has
			// been proved unreachable end to end; ignoring it would
			// leave the channel pinned to addresses the control plane
			// no longer advertises.
			if list == p.pending {
				p.selected = nil
				old := p.current
				p.current = p.pending
				p.pending = nil
				old.orphan()
			}
			if list == p.current {
				p.helper.RequestReresolution()
				p.helper.UpdateState(balancer.State{
					ConnectivityState: connectivity.TransientFailure,
					Picker:            picker.ErrorPicker(errAllAddressesFailed),
				})
			}
		}
		next.checkConnectivityStateAndStartWatching()
	case connectivity.Connecting:
		// Only the current list's sweep drives the channel state, and
		// only until the sweep has failed outright; after that the
		// channel stays in TRANSIENT_FAILURE until an attempt actually
		// succeeds.
		if list == p.current && !list.inTransientFailure {
			p.helper.UpdateState(balancer.State{
				ConnectivityState: connectivity.Connecting,
				Picker:            newQueuePicker(p),
			})
		}
	}
}

// processUnselectedReady makes this subchannel the selection. If it
// belongs to the pending list, the pending list is promoted first: a
// ready subchannel from the newer update always wins over whatever the
// old list had established.
func (d *subchannelData) processUnselectedReady() {
	p := d.list.policy
	if d.list == p.pending {
		p.selected = nil
		old := p.current
		p.current = p.pending
		p.pending = nil
		old.orphan()
	}
	p.selected = d
	p.helper.UpdateState(balancer.State{
		ConnectivityState: connectivity.Ready,
		Picker:            readyPicker{sc: d.subchannel},
	})
	// The selection's connection is the only one worth keeping; the
	// rest of the list releases its subchannels. The selection's own
	// watch stays, to detect when the connection is lost.
	for _, other := range d.list.subchannels {
		if other != d {
			other.release()
		}
	}
}

// checkConnectivityStateAndStartWatching reads the subchannel's state
// before attaching the watch. The pre-watch read is what catches a
// subchannel that became ready between creation and this point: the
// watch only delivers transitions, so a ready state entered before the
// watch attached would otherwise never be observed and the sweep would
// hang on it.
func (d *subchannelData) checkConnectivityStateAndStartWatching() {
	p := d.list.policy
	state := d.subchannel.State()
	d.startWatch()
	if state == connectivity.Ready {
		if p.selected != d {
			d.processUnselectedReady()
		}
	} else {
		d.subchannel.Connect()
	}
}
