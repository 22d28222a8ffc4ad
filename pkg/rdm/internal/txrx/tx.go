// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package txrx

// TotalIOVLen sums the length of every scatter-gather segment, spec.md §3.
func TotalIOVLen(iov [][]byte) uint64 {
	var n uint64
	for _, seg := range iov {
		n += uint64(len(seg))
	}
	return n
}

// FitsInline reports whether totalLen can be packed directly into an RTS payload rather
// than requiring a CTS + data-streaming phase, spec.md §4.3's "inline-fits-RTS" path.
func FitsInline(totalLen uint64, mtu int) bool {
	return totalLen <= uint64(mtu)
}

// NextSegment produces the next data-packet payload for this tx_entry, cutting across
// scatter-gather boundaries as needed, up to maxLen bytes. It mirrors
// OutgoingTransfer.NextSegment's read-until-mtu-or-EOF loop but walks an in-memory IOV
// instead of an io.Reader, since spec.md's payload is a bounded scatter-gather list, not
// a stream. Returns the chunk, its byte offset within the message, and whether this
// chunk completes the message (BytesSent will equal TotalLen after it is accounted for).
func (e *TxEntry) NextSegment(maxLen int) (chunk []byte, offset uint64, last bool) {
	offset = e.BytesSent
	remaining := maxLen

	for remaining > 0 && e.IOVIndex < len(e.IOV) {
		seg := e.IOV[e.IOVIndex]
		avail := len(seg) - e.IOVOffset
		if avail <= 0 {
			e.IOVIndex++
			e.IOVOffset = 0
			continue
		}
		take := avail
		if take > remaining {
			take = remaining
		}
		chunk = append(chunk, seg[e.IOVOffset:e.IOVOffset+take]...)
		e.IOVOffset += take
		remaining -= take

		if e.IOVOffset == len(seg) {
			e.IOVIndex++
			e.IOVOffset = 0
		}
	}

	e.BytesSent += uint64(len(chunk))
	last = e.BytesSent >= e.TotalLen
	return
}

// AckBytes advances BytesAcked on a data-packet completion and reports whether the
// tx_entry's transfer is now fully acknowledged, spec.md §3 invariant 2.
func (e *TxEntry) AckBytes(n uint64) (done bool) {
	e.BytesAcked += n
	return e.BytesAcked >= e.TotalLen
}

// HasCredit reports whether this tx_entry may submit another data packet to its peer,
// spec.md §3 invariant 3.
func (e *TxEntry) HasCredit() bool {
	return e.CreditAllocated > 0
}

// SpendCredit consumes one credit after submitting a data packet.
func (e *TxEntry) SpendCredit() {
	if e.CreditAllocated > 0 {
		e.CreditAllocated--
	}
}

// ClampCreditRequest bounds a proposed credit request to [min, max] and to the sender's
// remaining tx_credits, spec.md §4.3.
func ClampCreditRequest(want, min, max, remaining uint16) uint16 {
	if want < min {
		want = min
	}
	if want > max {
		want = max
	}
	if want > remaining {
		want = remaining
	}
	return want
}
