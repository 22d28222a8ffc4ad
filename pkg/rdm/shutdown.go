// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rdm

import (
	"github.com/hashicorp/go-multierror"

	"github.com/zhngaj/rdm/pkg/rdm/internal/errs"
	"github.com/zhngaj/rdm/pkg/rdm/internal/pool"
)

// Shutdown cancels every posted or unexpected receive, every rx_entry with a queued CTS,
// and every send still on the queued list, delivering an error completion for each,
// spec.md §5's cancellation semantics. Sends still waiting on a peer (tx_pending > 0) cannot be
// cancelled cleanly since their bytes may already be in flight on the wire; those are
// aggregated into the returned error with hashicorp/go-multierror, mirroring the
// aggregation style dtnd's core.Core.Close uses when tearing down convergence layers.
func (ep *Endpoint) Shutdown() error {
	var result *multierror.Error

	ep.cancelRxList(ep.rxList)
	ep.cancelRxList(ep.rxTaggedList)
	ep.cancelRxList(ep.rxUnexpList)
	ep.cancelRxList(ep.rxUnexpTaggedList)

	for _, ref := range ep.rxQueuedList {
		if e := ep.rxArena.Get(ref); e != nil {
			ep.pushCompletion(Completion{OpContext: e.OpContext, Err: &errs.Cancelled{RxID: e.RxID}})
			ep.rxArena.Free(ref)
		}
	}

	for _, ref := range ep.txQueuedList {
		if e := ep.txArena.Get(ref); e != nil {
			ep.pushCompletion(Completion{OpContext: e.OpContext, Err: &errs.Cancelled{RxID: e.TxID}})
			ep.freeTxEntry(ref, e)
		}
	}

	for _, p := range ep.Peers.All() {
		if p.TxPending > 0 {
			result = multierror.Append(result, &errs.PeerFatal{Peer: p.Addr, Err: errShutdownWithPendingSends})
		}
	}

	ep.rxList = nil
	ep.rxTaggedList = nil
	ep.rxUnexpList = nil
	ep.rxUnexpTaggedList = nil
	ep.txQueuedList = nil
	ep.rxQueuedList = nil

	return result.ErrorOrNil()
}

func (ep *Endpoint) cancelRxList(list []pool.Ref) {
	for _, ref := range list {
		e := ep.rxArena.Get(ref)
		if e == nil {
			continue
		}
		ep.pushCompletion(Completion{OpContext: e.OpContext, Err: &errs.Cancelled{RxID: e.RxID}})
		if e.UnexpPkt.ID != 0 {
			ep.staging.Release(e.UnexpPkt)
		}
		ep.rxArena.Free(ref)
	}
}

var errShutdownWithPendingSends = &errs.Internal{Msg: "endpoint shut down with sends still in flight to this peer"}
