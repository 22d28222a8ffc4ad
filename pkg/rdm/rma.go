// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rdm

import (
	"github.com/zhngaj/rdm/pkg/rdm/internal/errs"
	"github.com/zhngaj/rdm/pkg/rdm/internal/txrx"
	"github.com/zhngaj/rdm/pkg/rdm/internal/wire"
)

// RegisterRegion exposes buf to emulated RMA READ/WRITE peers under addr. There is no
// memory-registration handshake here (MR is explicitly out of scope, SPEC_FULL.md's
// supplemented-features section); addr is simply the key a remote RemoteIOV must name to
// reach buf, agreed out of band by the application.
func (ep *Endpoint) RegisterRegion(addr uint64, buf []byte) {
	if ep.regions == nil {
		ep.regions = make(map[uint64][]byte)
	}
	ep.regions[addr] = buf
}

// DeregisterRegion withdraws a previously registered region.
func (ep *Endpoint) DeregisterRegion(addr uint64) {
	delete(ep.regions, addr)
}

// handleWriteRTS accepts an emulated RMA WRITE targeting a registered region. The target
// needs no application-posted receive: the RTS's remote-address field names the region
// directly, so this reuses the ordinary matched-receive path with a synthetic rx_entry
// backed by the region's own buffer, spec.md §4.5.
func (ep *Endpoint) handleWriteRTS(fromPeer uint32, rts *wire.RTSPacket) error {
	region, ok := ep.regions[rts.RemoteCQData]
	if !ok {
		return &errs.ProtocolError{Peer: fromPeer, Msg: "WRITE targets an unregistered region"}
	}
	if rts.TotalLen > uint64(len(region)) {
		return &errs.ProtocolError{Peer: fromPeer, Msg: "WRITE exceeds registered region length"}
	}

	ref, e, err := ep.rxArena.Alloc()
	if err != nil {
		return err
	}
	e.Op = txrx.OpRMAWrite
	e.RxID = ref.ID
	e.MsgID = rts.Hdr.MsgID
	e.TxID = rts.Hdr.TxID
	e.Peer = fromPeer
	e.Buf = region
	e.TotalLen = rts.TotalLen

	needsCTS := rts.Hdr.Flags&wire.FlagCreditRequest != 0
	return ep.finishMatch(ref, e, rts.InlinePayload, needsCTS)
}

// handleReadReqRTS answers an emulated RMA READ against a registered region by allocating
// a SENT_READRSP tx_entry and streaming its bytes back as READRSP segments through the
// ordinary Send path, spec.md §4.5. Unlike the DATA path this stream is never credit-gated
// (the requester never issues a CTS for a READ), but a full ring still queues and retries
// the entry as QUEUED_READRSP rather than dropping a segment, so a transient ErrAgain never
// strands the requester's read half-finished.
func (ep *Endpoint) handleReadReqRTS(fromPeer uint32, rts *wire.RTSPacket) error {
	region, ok := ep.regions[rts.RemoteCQData]
	if !ok {
		return &errs.ProtocolError{Peer: fromPeer, Msg: "READ targets an unregistered region"}
	}
	if rts.TotalLen > uint64(len(region)) {
		return &errs.ProtocolError{Peer: fromPeer, Msg: "READ exceeds registered region length"}
	}

	ref, e, err := ep.txArena.Alloc()
	if err != nil {
		return err
	}
	e.Op = txrx.OpRMARead
	e.TxID = ref.ID
	e.RxID = rts.Hdr.RxID // the requester's rx_entry every READRSP segment must be addressed to
	e.MsgID = rts.Hdr.MsgID
	e.Peer = fromPeer
	e.IOV = [][]byte{region[:rts.TotalLen]}
	e.TotalLen = rts.TotalLen
	e.State = txrx.TxSentReadRsp

	ep.pumpReadRspStream(ref, e)
	return nil
}
