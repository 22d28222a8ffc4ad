// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rdm

import (
	"time"

	"github.com/zhngaj/rdm/pkg/rdm/internal/errs"
	"github.com/zhngaj/rdm/pkg/rdm/internal/pool"
	"github.com/zhngaj/rdm/pkg/rdm/internal/transport"
	"github.com/zhngaj/rdm/pkg/rdm/internal/txrx"
	"github.com/zhngaj/rdm/pkg/rdm/internal/wire"
)

// Progress runs one pass of the single-threaded progress engine, spec.md §4.7: poll up to
// EFACQReadSize / SHMCQReadSize completions from each transport's completion queue,
// classify and dispatch each completion, drain expired RNR backoffs, retry anything left
// on the queued lists, and continue any in-flight data-streaming transfers. It returns the
// number of completions newly available on the application-visible queue. Nothing here
// blocks.
func (ep *Endpoint) Progress() int {
	before := len(ep.cq)
	now := time.Now()

	ep.Fabric.Flush()

	var buf [64]transport.Completion
	n := ep.Fabric.PollCQ(buf[:], ep.Cfg.Progress.EFACQReadSize)
	for i := 0; i < n; i++ {
		ep.handleCompletion(buf[i])
	}
	n = ep.SHM.PollCQ(buf[:], ep.Cfg.Progress.SHMCQReadSize)
	for i := 0; i < n; i++ {
		ep.handleCompletion(buf[i])
	}

	ep.Peers.DrainExpiredBackoffs(now)

	ep.drainTxQueued()
	ep.drainRxQueued()

	ep.repostRecvBufs(ep.Fabric)
	ep.repostRecvBufs(ep.SHM)
	ep.updateRmFull()

	return len(ep.cq) - before
}

// repostRecvBufs calls t.PostRecv up to Progress.RxBufsToPost times per pass, spec.md
// §4.7 step 6. It stops at the first ErrAgain: once a transport's recv ring is already at
// its own capacity, further attempts this pass would just repeat the same failure. It
// does not compare the outstanding descriptor count against RxBufsToPost; nothing
// consumes a posted descriptor, so the count grows by up to RxBufsToPost each pass until
// the transport's own cap (recvCap for fabric, cqCap for shm) is reached.
func (ep *Endpoint) repostRecvBufs(t transport.Transport) {
	for i := 0; i < ep.Cfg.Progress.RxBufsToPost; i++ {
		if err := t.PostRecv(nil); err != nil {
			return
		}
	}
}

// updateRmFull refreshes the rm_full backpressure flags by peeking each transport's
// completion-queue occupancy against its capacity, spec.md §4.7 step 7.
func (ep *Endpoint) updateRmFull() {
	if n, c := ep.Fabric.CQDepth(); c > 0 {
		ep.FabricRmFull = n >= c
	}
	if n, c := ep.SHM.CQDepth(); c > 0 {
		ep.ShmRmFull = n >= c
	}
}

// handleCompletion classifies one polled completion and dispatches it to the matching
// state-machine handler, spec.md §4.7 step 2.
func (ep *Endpoint) handleCompletion(c transport.Completion) {
	switch c.Kind {
	case transport.CompRNR:
		ep.handleRNR(c)
		return
	case transport.CompError:
		ep.handlePeerFatal(c)
		return
	}

	switch c.Kind {
	case transport.CompSend:
		ep.handleSendCompletion(c)
	case transport.CompRecv:
		ep.handleRecvCompletion(c)
	}
}

func (ep *Endpoint) handleSendCompletion(c transport.Completion) {
	switch pkt := c.Pkt.(type) {
	case *wire.RTSPacket:
		if pkt.Hdr.Flags&(wire.FlagCreditRequest|wire.FlagReadReq) != 0 {
			return // awaiting a CTS or READRSP stream; not yet complete
		}
		ref, ok := c.Context.(pool.Ref)
		if !ok {
			return
		}
		e := ep.txArena.Get(ref)
		if e == nil || e.State != txrx.TxRTS {
			return
		}
		ep.pushCompletion(Completion{OpContext: e.OpContext, Len: e.TotalLen, Tag: e.Tag})
		ep.freeTxEntry(ref, e)

	case *wire.DataPacket:
		ref, ok := c.Context.(pool.Ref)
		if !ok {
			return
		}
		e := ep.txArena.Get(ref)
		if e == nil {
			return
		}
		if done := e.AckBytes(uint64(len(pkt.Payload))); done {
			ep.pushCompletion(Completion{OpContext: e.OpContext, Len: e.TotalLen, Tag: e.Tag})
			ep.freeTxEntry(ref, e)
			return
		}
		ep.pumpDataStream(ref, e)

	case *wire.ReadRspPacket:
		ref, ok := c.Context.(pool.Ref)
		if !ok {
			return
		}
		e := ep.txArena.Get(ref)
		if e == nil {
			return
		}
		if done := e.AckBytes(uint64(len(pkt.Payload))); done {
			ep.freeTxEntry(ref, e)
			return
		}
		ep.pumpReadRspStream(ref, e)

	case *wire.CTSPacket, *wire.ConnAckPacket, *wire.EORPacket:
		// fire-and-forget control traffic; no sender-side bookkeeping required.
	}
}

func (ep *Endpoint) handleRecvCompletion(c transport.Completion) {
	var err error
	switch pkt := c.Pkt.(type) {
	case *wire.RTSPacket:
		err = ep.handleRTS(c.Peer, pkt)
	case *wire.CTSPacket:
		err = ep.handleCTS(c.Peer, pkt)
	case *wire.DataPacket:
		err = ep.handleData(c.Peer, pkt)
	case *wire.ReadRspPacket:
		err = ep.handleReadRsp(c.Peer, pkt)
	case *wire.ConnAckPacket:
		ep.Peers.Get(c.Peer).Ack()
	case *wire.EORPacket:
		// end-of-read acknowledgement for the shared-memory large-read path, spec.md §4.5's
		// supplemented shm_max_medium_size threshold; this implementation always streams
		// emulated RMA READ responses over the ordinary READRSP path, so EOR never arrives
		// in practice and is accepted here only to keep the wire format's registry complete.
	}
	if err == nil {
		return
	}
	ep.reportProtocolFault(c.Peer, err)
}

// reportProtocolFault classifies a handler error per spec.md §7: ResourceBusy is transient
// and dropped silently (the peer's own retry or backoff will recover it), a ProtocolError
// is logged, and an Internal error aborts the process since no completion can be emitted.
func (ep *Endpoint) reportProtocolFault(peer uint32, err error) {
	switch e := err.(type) {
	case *errs.Internal:
		panic(e)
	case *errs.ProtocolError:
		ep.log.WithFields(map[string]interface{}{"peer": peer, "error": e}).Warn("protocol error")
	default:
		if err == pool.ErrResourceBusy {
			return
		}
		ep.log.WithFields(map[string]interface{}{"peer": peer, "error": err}).Warn("dropped inbound packet")
	}
}

// handleCTS advances a tx_entry from RTS to SEND on receipt of its CTS, recording the
// peer's credit grant and window, then starts the data-streaming phase, spec.md §4.3.
func (ep *Endpoint) handleCTS(fromPeer uint32, cts *wire.CTSPacket) error {
	e := ep.txArena.GetByID(cts.Hdr.TxID)
	if e == nil || (e.State != txrx.TxRTS && e.State != txrx.TxQueuedCtrl) {
		return nil // stale or duplicate CTS; the tx_entry already moved on or was freed
	}
	e.RxID = cts.Hdr.RxID
	e.CreditAllocated = cts.CreditAllocated
	e.Window = cts.Window
	e.State = txrx.TxSend
	ep.pumpDataStream(ep.txRefFor(cts.Hdr.TxID), e)
	return nil
}

// handleData writes an arriving DATA payload into its rx_entry and completes the receive
// once the message is fully reassembled, spec.md §4.4's RECV state.
func (ep *Endpoint) handleData(fromPeer uint32, pkt *wire.DataPacket) error {
	e := ep.rxArena.GetByID(pkt.Hdr.RxID)
	if e == nil || e.State != txrx.RxRecv {
		return nil
	}
	done, err := e.WriteSegment(pkt.SegOffset, pkt.Payload)
	if err != nil {
		return &errs.ProtocolError{Peer: fromPeer, Msg: err.Error()}
	}
	ep.completeRx(ep.rxRefFor(pkt.Hdr.RxID), e, done)
	return nil
}

// handleReadRsp writes an arriving emulated-RMA READ response segment into the local
// rx_entry the initiator allocated in Read, and completes the paired tx_entry once the
// full response has arrived, spec.md §4.5.
func (ep *Endpoint) handleReadRsp(fromPeer uint32, pkt *wire.ReadRspPacket) error {
	e := ep.rxArena.GetByID(pkt.Hdr.RxID)
	if e == nil || e.State != txrx.RxRecv {
		return nil
	}
	done, err := e.WriteSegment(pkt.SegOffset, pkt.Payload)
	if err != nil {
		return &errs.ProtocolError{Peer: fromPeer, Msg: err.Error()}
	}
	if !done {
		return nil
	}
	rxRef := ep.rxRefFor(pkt.Hdr.RxID)
	pairedTxID := e.TxID
	buf := e.Buf
	ep.rxArena.Free(rxRef)

	if txe := ep.txArena.GetByID(pairedTxID); txe != nil && txe.State == txrx.TxWaitReadFinish {
		ep.pushCompletion(Completion{OpContext: txe.OpContext, Len: txe.TotalLen, Buf: buf})
		ep.freeTxEntry(ep.txRefFor(pairedTxID), txe)
	}
	return nil
}

// pumpReadRspStream submits as many READRSP segments as the transport's ring accepts for
// a SENT_READRSP tx_entry answering an emulated RMA READ, spec.md §4.5. There is no
// credit gate here (the requester never issues a CTS for a READ), but a full ring still
// parks the entry as QUEUED_READRSP instead of dropping the segment, mirroring
// pumpDataStream's rollback-and-retry mechanics.
func (ep *Endpoint) pumpReadRspStream(ref pool.Ref, e *txrx.TxEntry) {
	for e.BytesSent < e.TotalLen {
		savedSent, savedIdx, savedOff := e.BytesSent, e.IOVIndex, e.IOVOffset
		chunk, offset, _ := e.NextSegment(ep.Cfg.RMA.ReadSegmentSize)
		if len(chunk) == 0 {
			return
		}
		rsp := &wire.ReadRspPacket{
			Hdr:       wire.Header{MsgID: e.MsgID, TxID: e.TxID, RxID: e.RxID},
			SegOffset: offset,
			Payload:   chunk,
		}
		if err := ep.transportFor(e.Peer).Send(e.Peer, rsp, ref); err != nil {
			e.BytesSent, e.IOVIndex, e.IOVOffset = savedSent, savedIdx, savedOff
			e.State = txrx.TxQueuedReadRsp
			e.PendingPkt = nil
			ep.txQueuedList = append(ep.txQueuedList, ref)
			return
		}
	}
	e.State = txrx.TxSentReadRsp
}

// pumpDataStream submits as many DATA packets as the sender's remaining credit allows.
// It is called both when a CTS first opens the credit window and when a DATA send
// completes and the stream is not yet finished. If the transport's ring is full, the
// in-progress segment's cursor advance is rolled back so the identical chunk is produced
// again on the next attempt, and the tx_entry parks in QUEUED_DATA_RNR, spec.md §4.3.
func (ep *Endpoint) pumpDataStream(ref pool.Ref, e *txrx.TxEntry) {
	for e.HasCredit() && e.BytesSent < e.TotalLen {
		savedSent, savedIdx, savedOff := e.BytesSent, e.IOVIndex, e.IOVOffset
		chunk, offset, _ := e.NextSegment(ep.Cfg.MTUSize)
		if len(chunk) == 0 {
			return
		}
		data := &wire.DataPacket{
			Hdr:       wire.Header{MsgID: e.MsgID, TxID: e.TxID, RxID: e.RxID},
			SegOffset: offset,
			Payload:   chunk,
		}
		if err := ep.transportFor(e.Peer).Send(e.Peer, data, ref); err != nil {
			e.BytesSent, e.IOVIndex, e.IOVOffset = savedSent, savedIdx, savedOff
			e.State = txrx.TxQueuedDataRnr
			e.PendingPkt = nil // the rolled-back chunk is regenerated fresh on retry
			ep.txQueuedList = append(ep.txQueuedList, ref)
			return
		}
		e.SpendCredit()
	}
	if e.BytesSent >= e.TotalLen {
		e.State = txrx.TxSend
	}
}

// drainTxQueued retries every tx_entry on tx_entry_queued_list whose peer is not
// currently backed off, spec.md §4.7 step 5.
func (ep *Endpoint) drainTxQueued() {
	remaining := ep.txQueuedList[:0]
	for _, ref := range ep.txQueuedList {
		e := ep.txArena.Get(ref)
		if e == nil {
			continue
		}
		if ep.Peers.Get(e.Peer).InBackoff {
			remaining = append(remaining, ref)
			continue
		}
		if e.State == txrx.TxQueuedDataRnr {
			ep.pumpDataStream(ref, e)
			if e.State == txrx.TxQueuedDataRnr {
				remaining = append(remaining, ref)
			}
			continue
		}
		if e.State == txrx.TxQueuedReadRsp {
			ep.pumpReadRspStream(ref, e)
			if e.State == txrx.TxQueuedReadRsp {
				remaining = append(remaining, ref)
			}
			continue
		}
		if e.PendingPkt == nil {
			// nothing to retry: an RNR completion arrived without its originating packet.
			// Surface as an error completion rather than leaking the slot forever.
			ep.pushCompletion(Completion{OpContext: e.OpContext, Err: &errs.Internal{Msg: "queued tx_entry lost its pending packet"}})
			ep.freeTxEntry(ref, e)
			continue
		}
		if err := ep.transportFor(e.Peer).Send(e.Peer, e.PendingPkt, ref); err != nil {
			remaining = append(remaining, ref)
			continue
		}
		e.State = txrx.TxRTS
		ep.Peers.Get(e.Peer).TxPending++
		e.TxPendingCounted = true
	}
	ep.txQueuedList = remaining
}

// drainRxQueued retries every rx_entry on rx_entry_queued_list (a CTS that could not be
// handed to the transport), spec.md §4.7 step 5.
func (ep *Endpoint) drainRxQueued() {
	remaining := ep.rxQueuedList[:0]
	for _, ref := range ep.rxQueuedList {
		e := ep.rxArena.Get(ref)
		if e == nil || e.PendingPkt == nil {
			continue
		}
		if ep.Peers.Get(e.Peer).InBackoff {
			remaining = append(remaining, ref)
			continue
		}
		if err := ep.transportFor(e.Peer).Send(e.Peer, e.PendingPkt, ref); err != nil {
			remaining = append(remaining, ref)
			continue
		}
		e.State = txrx.RxRecv
	}
	ep.rxQueuedList = remaining
}

// handleRNR records a receiver-not-ready completion against the submitting tx_entry's
// peer, entering RNR backoff, spec.md §4.3. The tx_entry itself re-joins the queued list
// so it retries once the backoff expires.
func (ep *Endpoint) handleRNR(c transport.Completion) {
	ep.Peers.EnterBackoff(c.Peer, time.Now(), ep.Cfg.RNR.MaxTimeoutUs)
	ref, ok := c.Context.(pool.Ref)
	if !ok {
		return
	}
	if e := ep.txArena.Get(ref); e != nil {
		switch e.State {
		case txrx.TxSend:
			e.State = txrx.TxQueuedDataRnr
		default:
			e.State = txrx.TxQueuedRTSRnr
			if c.Pkt != nil {
				e.PendingPkt = c.Pkt
			}
		}
		ep.txQueuedList = append(ep.txQueuedList, ref)
	}
}

// handlePeerFatal drains every tx/rx_entry addressed to a failed peer with an error
// completion, spec.md §7's PeerFatal propagation rule and errs.PeerFatal's own doc
// comment: this walks the full arenas, not just the queued-list subset, since an entry
// can be active (RTS, SEND, WAIT_READ_FINISH, ...) rather than queued when its peer's
// completion queue reports the error.
func (ep *Endpoint) handlePeerFatal(c transport.Completion) {
	fault := &errs.PeerFatal{Peer: c.Peer, Err: c.Err}
	ep.log.WithFields(map[string]interface{}{"peer": c.Peer, "error": c.Err}).Error("peer fatal")

	ep.txArena.Each(func(ref pool.Ref, e *txrx.TxEntry) {
		if e.State == txrx.TxFree || e.Peer != c.Peer {
			return
		}
		ep.pushCompletion(Completion{OpContext: e.OpContext, Err: fault})
		ep.freeTxEntry(ref, e)
	})
	ep.rxArena.Each(func(ref pool.Ref, e *txrx.RxEntry) {
		if e.State == txrx.RxFree || e.Peer != c.Peer {
			return
		}
		ep.pushCompletion(Completion{OpContext: e.OpContext, Err: fault})
		ep.rxArena.Free(ref)
	})

	ep.txQueuedList = compactValid(ep.txQueuedList, ep.txArena)
	ep.rxQueuedList = compactValid(ep.rxQueuedList, ep.rxArena)
	ep.rxList = compactValid(ep.rxList, ep.rxArena)
	ep.rxTaggedList = compactValid(ep.rxTaggedList, ep.rxArena)
	ep.rxUnexpList = compactValid(ep.rxUnexpList, ep.rxArena)
	ep.rxUnexpTaggedList = compactValid(ep.rxUnexpTaggedList, ep.rxArena)
}

// freeTxEntry releases a tx_entry's slot, first decrementing its peer's TxPending if this
// entry's submission ever incremented it. Centralizing the decrement here means every
// code path that frees a tx_entry keeps peer.Peer.TxPending accurate, spec.md §3
// invariant 3, rather than only the handlers that happened to remember to do it.
func (ep *Endpoint) freeTxEntry(ref pool.Ref, e *txrx.TxEntry) {
	if e.TxPendingCounted {
		ep.Peers.Get(e.Peer).TxPending--
		e.TxPendingCounted = false
	}
	ep.txArena.Free(ref)
}

// compactValid filters refs that no longer name a live arena slot out of a tracking
// slice, used after handlePeerFatal frees entries that a tracking list still names.
func compactValid[T any](list []pool.Ref, arena *pool.Arena[T]) []pool.Ref {
	out := list[:0]
	for _, ref := range list {
		if arena.Valid(ref) {
			out = append(out, ref)
		}
	}
	return out
}

// txRefFor reconstructs a weak Ref to a tx_entry from its raw id, trusting the wire
// protocol's own tx_id correlation rather than a software generation check, consistent
// with pool.Arena.GetByID.
func (ep *Endpoint) txRefFor(id uint32) pool.Ref {
	return pool.Ref{ID: id, Gen: ep.txArena.Generation(id)}
}

// rxRefFor mirrors txRefFor for rx_entries.
func (ep *Endpoint) rxRefFor(id uint32) pool.Ref {
	return pool.Ref{ID: id, Gen: ep.rxArena.Generation(id)}
}
