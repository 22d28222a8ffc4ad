// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package txrx

import "fmt"

// MatchTag reports whether an incoming message's tag matches a posted receive's tag and
// ignore mask, grounded on rxr_match_tag's "(recv.tag | recv.ignore) == (msg.tag |
// recv.ignore)" rule, spec.md §4.4.
func MatchTag(recvTag, recvIgnore, msgTag uint64) bool {
	return (recvTag | recvIgnore) == (msgTag | recvIgnore)
}

// MatchAddr reports whether a posted receive's wildcard-capable source address (0 means
// "any peer") matches an arriving message's peer, spec.md §4.4.
func MatchAddr(recvPeer, msgPeer uint32) bool {
	return recvPeer == 0 || recvPeer == msgPeer
}

// WriteSegment appends an arriving data-packet payload at the given offset into this
// rx_entry's buffer, mirroring IncomingTransfer.NextSegment's write-then-check-length
// idiom, and reports whether the message is now fully received.
func (e *RxEntry) WriteSegment(offset uint64, data []byte) (done bool, err error) {
	end := offset + uint64(len(data))
	if end > uint64(len(e.Buf)) {
		return false, fmt.Errorf("rdm: data segment [%d,%d) exceeds buffer of %d bytes", offset, end, len(e.Buf))
	}
	n := copy(e.Buf[offset:end], data)
	if uint64(n) != uint64(len(data)) {
		return false, fmt.Errorf("rdm: short write copying data segment: wrote %d of %d bytes", n, len(data))
	}

	if end > e.BytesDone {
		e.BytesDone = end
	}
	return e.BytesDone >= e.TotalLen, nil
}

// CarveConsumer splits length bytes off the front of a multi-recv master buffer for a
// newly matched message, spec.md §4.4's multi-receive splitting. The master's remaining
// capacity shrinks by length; the returned buffer is a sub-slice of the master's buffer,
// avoiding a copy per rxr_ep's "master rx_entry + consumer rx_entries" design.
func (master *RxEntry) CarveConsumer(length uint64) (buf []byte, ok bool) {
	remaining := uint64(len(master.Buf)) - master.BytesDone
	if length > remaining {
		return nil, false
	}
	start := master.BytesDone
	buf = master.Buf[start : start+length]
	master.BytesDone += length
	return buf, true
}

// MultiRecvExhausted reports whether a multi-recv master's remaining capacity has fallen
// below minMultiRecvSize and every consumer has completed, the release condition of
// spec.md §4.4.
func (master *RxEntry) MultiRecvExhausted(allConsumersDone bool) bool {
	remaining := uint64(len(master.Buf)) - master.BytesDone
	return remaining < master.MinMultiRecvSize && allConsumersDone
}
