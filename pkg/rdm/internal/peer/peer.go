// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package peer implements the per-peer connection state, credit bookkeeping, RNR
// backoff, and the send-after-send reorder window of spec.md §3, §4.2, §4.3, §4.6.
package peer

import "time"

// State is a peer's connection-management state, spec.md §3.
type State uint8

const (
	// Free is the initial state of a peer that has never been addressed.
	Free State = iota
	// ConnReqSent is entered when the first RTS is sent to this peer, piggybacking
	// the endpoint's source address.
	ConnReqSent
	// Acked is entered once a CONNACK control packet arrives from this peer.
	Acked
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case ConnReqSent:
		return "CONNREQ_SENT"
	case Acked:
		return "ACKED"
	default:
		return "INVALID"
	}
}

// Peer is a per-address connection and flow-control record, spec.md §3.
type Peer struct {
	Addr uint32

	State  State
	TxInit bool
	RxInit bool

	// IsLocal routes this peer's traffic over the shared-memory transport instead of
	// the main fabric transport, supplemented from rxr.h's rxr_peer.is_local.
	IsLocal   bool
	ShmFiAddr uint32

	NextMsgID uint64

	TxCredits uint16
	RxCredits uint16
	TxPending int

	Reorder *ReorderWindow

	// RNR backoff state, spec.md §4.3.
	InBackoff          bool
	BackedOffThisPass  bool
	RnrTs              time.Time
	RnrBackoff         time.Duration
	RnrTimeoutExp      uint
	TimeoutIntervalUs  int64
	RnrQueuedPktCnt    int
}

// New creates a Peer record in state Free. It is not pre-credited; InitTx/InitRx do that
// on first use, per spec.md §4.2.
func New(addr uint32, recvWinSize int, timeoutIntervalUs int64) *Peer {
	return &Peer{
		Addr:              addr,
		State:             Free,
		Reorder:           NewReorderWindow(recvWinSize),
		TimeoutIntervalUs: timeoutIntervalUs,
	}
}

// InitTx pre-credits this peer with txMaxCredits on the first send to it and marks the
// connection-management handshake started, spec.md §4.2.
func (p *Peer) InitTx(txMaxCredits uint16) {
	if p.TxInit {
		return
	}
	p.TxInit = true
	p.TxCredits = txMaxCredits
	if p.State == Free {
		p.State = ConnReqSent
	}
}

// InitRx pre-credits this peer with rxWindowSize on the first inbound RTS, spec.md §4.2.
func (p *Peer) InitRx(rxWindowSize uint16) {
	if p.RxInit {
		return
	}
	p.RxInit = true
	p.RxCredits = rxWindowSize
}

// Ack transitions the peer to Acked on receipt of a CONNACK. Senders stop piggybacking
// the source address once the peer is in state Acked.
func (p *Peer) Ack() {
	p.State = Acked
}

// NextOutboundMsgID returns the next message id to assign to an outbound tx_entry and
// advances the peer's counter. Monotone per peer, per spec.md §3 invariant 5.
func (p *Peer) NextOutboundMsgID() uint64 {
	id := p.NextMsgID
	p.NextMsgID++
	return id
}

// EnterBackoff marks this peer as RNR-backed-off, computing the next backoff interval per
// spec.md §4.3: backoff = min(maxTimeoutUs, timeoutIntervalUs * 2^rnrTimeoutExp).
func (p *Peer) EnterBackoff(now time.Time, maxTimeoutUs int64) time.Duration {
	p.InBackoff = true
	p.RnrTs = now

	backoffUs := p.TimeoutIntervalUs << p.RnrTimeoutExp
	if backoffUs >= maxTimeoutUs {
		backoffUs = maxTimeoutUs
	} else {
		p.RnrTimeoutExp++
	}
	p.RnrBackoff = time.Duration(backoffUs) * time.Microsecond
	return p.RnrBackoff
}

// BackoffExpired reports whether now has passed this peer's recorded backoff deadline.
func (p *Peer) BackoffExpired(now time.Time) bool {
	return !now.Before(p.RnrTs.Add(p.RnrBackoff))
}

// ClearBackoff clears the IN_BACKOFF flag after the progress engine has drained the
// peer's queued packets, spec.md §4.7 step 3.
func (p *Peer) ClearBackoff() {
	p.InBackoff = false
	p.BackedOffThisPass = false
}
