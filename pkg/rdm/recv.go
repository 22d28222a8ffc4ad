// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rdm

import (
	"github.com/zhngaj/rdm/pkg/rdm/internal/pool"
	"github.com/zhngaj/rdm/pkg/rdm/internal/txrx"
	"github.com/zhngaj/rdm/pkg/rdm/internal/wire"
)

// MultiRecv requests that a posted receive absorb multiple inbound messages until its
// remaining capacity falls below minMultiRecvSize, spec.md §4.4.
type MultiRecv struct {
	Enable           bool
	MinMultiRecvSize uint64
}

// Recv posts an untagged receive buffer. Matching against the unexpected list happens
// first, in FIFO order, spec.md §4.4.
func (ep *Endpoint) Recv(buf []byte, peer uint32, opContext any) error {
	return ep.postRecv(buf, 0, 0, peer, false, MultiRecv{}, opContext)
}

// TRecv posts a tagged receive buffer.
func (ep *Endpoint) TRecv(buf []byte, tag, ignore uint64, peer uint32, opContext any) error {
	return ep.postRecv(buf, tag, ignore, peer, true, MultiRecv{}, opContext)
}

// RecvMsg posts a receive buffer, optionally as a multi-receive master, spec.md §4.4.
func (ep *Endpoint) RecvMsg(buf []byte, tag, ignore uint64, peer uint32, multi MultiRecv, opContext any) error {
	return ep.postRecv(buf, tag, ignore, peer, tag != 0 || ignore != 0, multi, opContext)
}

func (ep *Endpoint) postRecv(buf []byte, tag, ignore uint64, fromPeer uint32, tagged bool, multi MultiRecv, opContext any) error {
	if found, ref := ep.matchUnexpected(fromPeer, tag, ignore, tagged); found {
		return ep.finishUnexpectedMatch(ref, buf, multi, opContext)
	}

	ref, e, err := ep.rxArena.Alloc()
	if err != nil {
		return err
	}
	e.RxID = ref.ID
	e.Op = txrx.OpMsgSend
	if tagged {
		e.Op = txrx.OpTaggedSend
	}
	e.Tag = tag
	e.Ignore = ignore
	e.Peer = fromPeer
	e.Buf = buf
	e.TotalLen = uint64(len(buf))
	e.State = txrx.RxInit
	e.OpContext = opContext
	if multi.Enable {
		e.MinMultiRecvSize = multi.MinMultiRecvSize
	}

	if tagged {
		ep.rxTaggedList = append(ep.rxTaggedList, ref)
	} else {
		ep.rxList = append(ep.rxList, ref)
	}
	return nil
}

func (ep *Endpoint) matchUnexpected(fromPeer uint32, tag, ignore uint64, tagged bool) (bool, pool.Ref) {
	list := &ep.rxUnexpList
	if tagged {
		list = &ep.rxUnexpTaggedList
	}
	for i, ref := range *list {
		ue := ep.rxArena.Get(ref)
		if ue == nil {
			continue
		}
		if !txrx.MatchAddr(fromPeer, ue.Peer) {
			continue
		}
		if tagged && !txrx.MatchTag(tag, ignore, ue.Tag) {
			continue
		}
		*list = append((*list)[:i], (*list)[i+1:]...)
		return true, ref
	}
	return false, pool.Ref{}
}

// finishUnexpectedMatch completes matching a posted recv against an already-arrived
// unexpected RTS, spec.md §4.4 "A later matching post triggers the MATCHED processing."
func (ep *Endpoint) finishUnexpectedMatch(ref pool.Ref, buf []byte, multi MultiRecv, opContext any) error {
	e := ep.rxArena.Get(ref)
	if e == nil {
		return nil
	}
	e.Buf = buf
	e.OpContext = opContext
	if multi.Enable {
		e.MinMultiRecvSize = multi.MinMultiRecvSize
	}
	if e.UnexpPkt.ID != 0 {
		ep.staging.Release(e.UnexpPkt)
		e.UnexpPkt = pool.Ref{}
	}
	return ep.finishMatch(ref, e, e.InlinePayload, e.NeedsCTS)
}

// handleRTS processes the arrival of an RTS, spec.md §4.4: SAS reordering first, then
// matching against the posted-recv list, then unexpected staging on no match.
func (ep *Endpoint) handleRTS(fromPeer uint32, rts *wire.RTSPacket) error {
	p := ep.Peers.Get(fromPeer)
	p.InitRx(uint16(ep.Cfg.Credits.RxWindowSize))

	if rts.Hdr.Flags&wire.FlagRemoteSrcAddr != 0 {
		ack := &wire.ConnAckPacket{Hdr: wire.Header{TxID: rts.Hdr.TxID}}
		_ = ep.transportFor(fromPeer).Inject(fromPeer, ack)
	}

	if ep.Cfg.EnableSASOrdering && p.Reorder.Needed(rts.Hdr.MsgID) {
		if err := p.Reorder.Insert(rts.Hdr.MsgID, rts); err != nil {
			return err
		}
		return nil
	}

	if err := ep.dispatchRTS(fromPeer, rts); err != nil {
		return err
	}
	for _, item := range p.Reorder.Advance(rts.Hdr.MsgID) {
		if next, ok := item.(*wire.RTSPacket); ok {
			if err := ep.dispatchRTS(fromPeer, next); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatchRTS matches a single (already order-released) RTS against posted receives or
// stages it as unexpected, spec.md §4.4 steps 2-4.
func (ep *Endpoint) dispatchRTS(fromPeer uint32, rts *wire.RTSPacket) error {
	if rts.Hdr.Flags&wire.FlagWrite != 0 {
		return ep.handleWriteRTS(fromPeer, rts)
	}
	if rts.Hdr.Flags&wire.FlagReadReq != 0 {
		return ep.handleReadReqRTS(fromPeer, rts)
	}

	tagged := rts.Hdr.Flags&wire.FlagTagged != 0
	needsCTS := rts.Hdr.Flags&wire.FlagCreditRequest != 0

	list := &ep.rxList
	if tagged {
		list = &ep.rxTaggedList
	}

	for i, ref := range *list {
		e := ep.rxArena.Get(ref)
		if e == nil {
			continue
		}
		if !txrx.MatchAddr(fromPeer, e.Peer) {
			continue
		}
		if tagged && !txrx.MatchTag(e.Tag, e.Ignore, rts.Tag) {
			continue
		}

		if e.MinMultiRecvSize > 0 {
			handled, err := ep.matchMultiRecv(list, i, ref, e, fromPeer, tagged, rts, needsCTS)
			if err != nil {
				return err
			}
			if handled {
				return nil
			}
			continue // this master has no room left for rts; try the next posted entry
		}

		*list = append((*list)[:i], (*list)[i+1:]...)
		e.MsgID = rts.Hdr.MsgID
		e.TxID = rts.Hdr.TxID
		e.Peer = fromPeer
		if tagged {
			e.Tag = rts.Tag
		}
		e.TotalLen = rts.TotalLen
		return ep.finishMatch(ref, e, rts.InlinePayload, needsCTS)
	}

	// No match: stage as unexpected.
	ref, e, err := ep.rxArena.Alloc()
	if err != nil {
		return err
	}
	e.RxID = ref.ID
	e.Op = txrx.OpMsgSend
	if tagged {
		e.Op = txrx.OpTaggedSend
		e.Tag = rts.Tag
	}
	e.MsgID = rts.Hdr.MsgID
	e.TxID = rts.Hdr.TxID
	e.Peer = fromPeer
	e.TotalLen = rts.TotalLen
	e.State = txrx.RxUnexp
	e.InlinePayload = append([]byte(nil), rts.InlinePayload...)
	e.NeedsCTS = needsCTS

	if ep.Cfg.RxCopyUnexp && len(rts.InlinePayload) > 0 {
		if stagedRef, serr := ep.staging.Stage(pool.DirRecv, fromPeer, rts.InlinePayload); serr == nil {
			e.UnexpPkt = stagedRef
		}
	}

	if tagged {
		ep.rxUnexpTaggedList = append(ep.rxUnexpTaggedList, ref)
	} else {
		ep.rxUnexpList = append(ep.rxUnexpList, ref)
	}
	return nil
}

// matchMultiRecv matches rts against a posted multi-receive master, carving a dedicated
// consumer rx_entry out of the master's buffer instead of consuming the master itself,
// spec.md §4.4's multi-receive semantics. The master stays on its posted list, absorbing
// further messages, until its remaining capacity drops below MinMultiRecvSize and every
// consumer it has carved so far has completed. handled is false if rts does not fit the
// master's remaining capacity at all, leaving it for the caller to try the next candidate.
func (ep *Endpoint) matchMultiRecv(list *[]pool.Ref, i int, ref pool.Ref, master *txrx.RxEntry, fromPeer uint32, tagged bool, rts *wire.RTSPacket, needsCTS bool) (handled bool, err error) {
	buf, ok := master.CarveConsumer(rts.TotalLen)
	if !ok {
		return false, nil
	}

	cref, ce, err := ep.rxArena.Alloc()
	if err != nil {
		return false, err
	}
	ce.RxID = cref.ID
	ce.Op = master.Op
	ce.MsgID = rts.Hdr.MsgID
	ce.TxID = rts.Hdr.TxID
	ce.Peer = fromPeer
	if tagged {
		ce.Tag = rts.Tag
	}
	ce.Buf = buf
	ce.TotalLen = rts.TotalLen
	ce.OpContext = master.OpContext
	ce.Master = ref
	master.Consumers = append(master.Consumers, cref)

	if err := ep.finishMatch(cref, ce, rts.InlinePayload, needsCTS); err != nil {
		return true, err
	}

	live := master.Consumers[:0]
	for _, cr := range master.Consumers {
		if ep.rxArena.Valid(cr) {
			live = append(live, cr)
		}
	}
	master.Consumers = live

	if master.MultiRecvExhausted(len(master.Consumers) == 0) {
		*list = append((*list)[:i], (*list)[i+1:]...)
	}
	return true, nil
}

// finishMatch transitions a matched rx_entry to completion (inline payload) or to RECV
// with a CTS emitted (data-streaming phase), spec.md §4.4 step 3.
func (ep *Endpoint) finishMatch(ref pool.Ref, e *txrx.RxEntry, inline []byte, needsCTS bool) error {
	e.State = txrx.RxMatched

	if !needsCTS {
		done, err := e.WriteSegment(0, inline)
		if err != nil {
			return err
		}
		ep.completeRx(ref, e, done)
		return nil
	}

	e.State = txrx.RxRecv
	e.CreditCTS = uint16(ep.Cfg.RecvWinSize)
	cts := &wire.CTSPacket{
		Hdr:             wire.Header{MsgID: e.MsgID, TxID: e.TxID, RxID: e.RxID},
		CreditAllocated: e.CreditCTS,
		Window:          uint16(ep.Cfg.RecvWinSize),
	}
	t := ep.transportFor(e.Peer)
	if err := t.Send(e.Peer, cts, ref); err != nil {
		e.State = txrx.RxQueuedCtrl
		e.PendingPkt = cts
		ep.rxQueuedList = append(ep.rxQueuedList, ref)
	}
	return nil
}

func (ep *Endpoint) completeRx(ref pool.Ref, e *txrx.RxEntry, done bool) {
	if !done {
		return
	}
	ep.pushCompletion(Completion{
		OpContext: e.OpContext,
		Len:       e.BytesDone,
		Buf:       e.Buf,
		Tag:       e.Tag,
	})
	ep.rxArena.Free(ref)
}
