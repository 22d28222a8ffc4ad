// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rdm

import (
	"github.com/zhngaj/rdm/pkg/rdm/internal/peer"
	"github.com/zhngaj/rdm/pkg/rdm/internal/pool"
	"github.com/zhngaj/rdm/pkg/rdm/internal/txrx"
	"github.com/zhngaj/rdm/pkg/rdm/internal/wire"
)

// Send submits an untagged message to dest. Non-blocking: returns pool.ErrResourceBusy
// if the tx_entry arena is exhausted, spec.md §4.3.
func (ep *Endpoint) Send(dest uint32, buf []byte, opContext any) error {
	return ep.submitSend(dest, buf, 0, false, txrx.OpMsgSend, opContext)
}

// TSend submits a tagged message to dest.
func (ep *Endpoint) TSend(dest uint32, tag uint64, buf []byte, opContext any) error {
	return ep.submitSend(dest, buf, tag, true, txrx.OpTaggedSend, opContext)
}

func (ep *Endpoint) submitSend(dest uint32, buf []byte, tag uint64, tagged bool, op txrx.Op, opContext any) error {
	p := ep.Peers.Get(dest)
	p.InitTx(uint16(ep.Cfg.Credits.TxMaxCredits))

	ref, e, err := ep.txArena.Alloc()
	if err != nil {
		return err
	}

	e.Op = op
	e.TxID = ref.ID
	e.Peer = dest
	e.MsgID = p.NextOutboundMsgID()
	e.IOV = [][]byte{buf}
	e.TotalLen = txrx.TotalIOVLen(e.IOV)
	e.Tag = tag
	e.OpContext = opContext
	e.State = txrx.TxRTS

	rts := &wire.RTSPacket{
		Hdr:      wire.Header{MsgID: e.MsgID, TxID: e.TxID},
		Tag:      tag,
		TotalLen: e.TotalLen,
	}
	if tagged {
		rts.Hdr.Flags |= wire.FlagTagged
	}
	// Source-address piggybacking stops once the peer is ACKED, spec.md §4.2.
	if p.State != peer.Acked {
		rts.Hdr.Flags |= wire.FlagRemoteSrcAddr
		rts.SrcAddrLen = 4
	}

	if txrx.FitsInline(e.TotalLen, ep.Cfg.MTUSize) {
		rts.InlinePayload = buf
	} else {
		want := txrx.ClampCreditRequest(
			uint16(ep.Cfg.Credits.TxMaxCredits),
			uint16(ep.Cfg.Credits.TxMinCredits),
			uint16(ep.Cfg.Credits.TxMaxCredits),
			p.TxCredits)
		rts.CreditRequest = want
		rts.Window = uint16(ep.Cfg.RecvWinSize)
		e.CreditRequest = want
		rts.Hdr.Flags |= wire.FlagCreditRequest
	}

	return ep.submitRTS(ref, e, rts)
}

// submitRTS attempts to transmit an RTS, queueing the tx_entry on txQueuedList and
// transitioning it to QUEUED_CTRL if the transport's ring is full, spec.md §4.3.
func (ep *Endpoint) submitRTS(ref pool.Ref, e *txrx.TxEntry, rts *wire.RTSPacket) error {
	t := ep.transportFor(e.Peer)
	if err := t.Send(e.Peer, rts, ref); err != nil {
		e.State = txrx.TxQueuedCtrl
		e.PendingPkt = rts
		ep.txQueuedList = append(ep.txQueuedList, ref)
		return nil
	}
	ep.Peers.Get(e.Peer).TxPending++
	e.TxPendingCounted = true
	return nil
}

// Write submits an emulated RMA WRITE as an RTS flagged FlagWrite, spec.md §4.5. Of
// remote, only remote.Addr is sent, in the RTS's RemoteCQData field; remote.Len and
// remote.Key are not carried, and the RTS is not marked tagged.
func (ep *Endpoint) Write(dest uint32, buf []byte, remote txrx.RemoteIOV, opContext any) error {
	if !txrx.WithinEmulatedLimit(uint64(len(buf)), ep.Cfg.RMA.MaxEmulatedWriteSize) {
		return &protocolSizeError{op: "WRITE", n: uint64(len(buf)), limit: ep.Cfg.RMA.MaxEmulatedWriteSize}
	}

	p := ep.Peers.Get(dest)
	p.InitTx(uint16(ep.Cfg.Credits.TxMaxCredits))

	ref, e, err := ep.txArena.Alloc()
	if err != nil {
		return err
	}
	e.Op = txrx.OpRMAWrite
	e.TxID = ref.ID
	e.Peer = dest
	e.MsgID = p.NextOutboundMsgID()
	e.IOV = [][]byte{buf}
	e.TotalLen = txrx.TotalIOVLen(e.IOV)
	e.OpContext = opContext
	e.State = txrx.TxRTS

	rts := &wire.RTSPacket{
		Hdr:          wire.Header{MsgID: e.MsgID, TxID: e.TxID, Flags: wire.FlagWrite},
		TotalLen:     e.TotalLen,
		RemoteCQData: remote.Addr,
	}
	if txrx.FitsInline(e.TotalLen, ep.Cfg.MTUSize) {
		rts.InlinePayload = buf
	} else {
		want := txrx.ClampCreditRequest(
			uint16(ep.Cfg.Credits.TxMaxCredits), uint16(ep.Cfg.Credits.TxMinCredits),
			uint16(ep.Cfg.Credits.TxMaxCredits), p.TxCredits)
		rts.CreditRequest = want
		rts.Window = uint16(ep.Cfg.RecvWinSize)
		e.CreditRequest = want
		rts.Hdr.Flags |= wire.FlagCreditRequest
	}

	return ep.submitRTS(ref, e, rts)
}

// Read submits an emulated RMA READ: initiator's tx_entry parks in WAIT_READ_FINISH
// until the paired rx_entry it allocates locally completes, spec.md §4.5.
func (ep *Endpoint) Read(src uint32, localBuf []byte, remote txrx.RemoteIOV, opContext any) error {
	if !txrx.WithinEmulatedLimit(uint64(len(localBuf)), ep.Cfg.RMA.MaxEmulatedReadSize) {
		return &protocolSizeError{op: "READ", n: uint64(len(localBuf)), limit: ep.Cfg.RMA.MaxEmulatedReadSize}
	}

	p := ep.Peers.Get(src)
	p.InitTx(uint16(ep.Cfg.Credits.TxMaxCredits))

	txRef, e, err := ep.txArena.Alloc()
	if err != nil {
		return err
	}

	rxRef, rxe, err := ep.rxArena.Alloc()
	if err != nil {
		ep.txArena.Free(txRef)
		return err
	}
	rxe.Op = txrx.OpRMARead
	rxe.RxID = rxRef.ID
	rxe.TxID = txRef.ID // back-pointer to the paired WAIT_READ_FINISH tx_entry
	rxe.Peer = src
	rxe.Buf = localBuf
	rxe.TotalLen = uint64(len(localBuf))
	rxe.State = txrx.RxRecv

	e.Op = txrx.OpRMARead
	e.TxID = txRef.ID
	e.Peer = src
	e.MsgID = p.NextOutboundMsgID()
	e.TotalLen = uint64(len(localBuf))
	e.LocalRxID = rxRef.ID
	e.OpContext = opContext
	e.State = txrx.TxWaitReadFinish

	rts := &wire.RTSPacket{
		Hdr:      wire.Header{MsgID: e.MsgID, TxID: e.TxID, RxID: rxRef.ID, Flags: wire.FlagReadReq},
		TotalLen: e.TotalLen,
		RemoteCQData: remote.Addr,
	}
	return ep.submitRTS(txRef, e, rts)
}

type protocolSizeError struct {
	op    string
	n     uint64
	limit int
}

func (e *protocolSizeError) Error() string {
	return "rdm: " + e.op + " size exceeds emulated limit"
}
