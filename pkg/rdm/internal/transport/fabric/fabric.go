// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package fabric implements the main-fabric Transport variant: a non-blocking,
// bounded-ring datagram endpoint modeled on an EFA-style unreliable datagram queue pair.
// Unlike pkg/cla/tcpclv4/internal/utils's MessageSwitchReaderWriter, which exchanges
// messages through goroutines and channels, every operation here is synchronous and
// returns transport.ErrAgain on a full ring rather than blocking — the engine calling
// this package is single-threaded per spec.md §5.
package fabric

import (
	"github.com/zhngaj/rdm/pkg/rdm/internal/transport"
	"github.com/zhngaj/rdm/pkg/rdm/internal/wire"
)

// PeerLink is a wire delivered to the peer's inbound queue, simulating the lower
// transport's delivery of a packet submitted to a remote endpoint. A real provider would
// not need this: delivery happens in hardware. Loopback transports that directly wire two
// Endpoints together (as our tests do) use this to move a sent packet to the peer's CQ.
type PeerLink interface {
	Deliver(fromPeer uint32, pkt wire.Packet)
}

// Fabric is a bounded-ring, non-blocking datagram transport.
type Fabric struct {
	cqCap   int
	sendCap int
	recvCap int

	sendRing   []pendingSend
	postedRecv int // outstanding reposted receive-buffer descriptors, capped at recvCap
	cq         []transport.Completion

	link PeerLink
	self uint32
}

type pendingSend struct {
	peer uint32
	pkt  wire.Packet
	ctx  any
}

// New creates a Fabric transport for the given local peer handle, bounded by cqSize
// (spec.md §6's cq_size) and a send ring of sendCap entries.
func New(self uint32, cqSize, sendCap, recvCap int) *Fabric {
	return &Fabric{
		self:    self,
		cqCap:   cqSize,
		sendCap: sendCap,
		recvCap: recvCap,
		cq:      make([]transport.Completion, 0, cqSize),
	}
}

// Attach wires this transport to a PeerLink used to simulate delivery to remote peers in
// tests; a production binding would instead hand packets to the kernel driver.
func (f *Fabric) Attach(link PeerLink) {
	f.link = link
}

// PostRecv reposts a receive-buffer descriptor, bounded by recvCap. In this
// loopback-oriented implementation posting simply reserves capacity; Deliver enqueues the
// actual completion when data arrives rather than consuming a specific posted descriptor.
func (f *Fabric) PostRecv(ctx any) error {
	if f.postedRecv >= f.recvCap {
		return transport.ErrAgain
	}
	f.postedRecv++
	return nil
}

// Send submits pkt to peer, queuing a completion once "transmitted". Returns
// transport.ErrAgain when the send ring is full.
func (f *Fabric) Send(peer uint32, pkt wire.Packet, ctx any) error {
	if len(f.sendRing) >= f.sendCap {
		return transport.ErrAgain
	}
	f.sendRing = append(f.sendRing, pendingSend{peer: peer, pkt: pkt, ctx: ctx})
	return nil
}

// Inject submits pkt without tracking an individual send completion.
func (f *Fabric) Inject(peer uint32, pkt wire.Packet) error {
	if f.link != nil {
		f.link.Deliver(f.self, pkt)
	}
	return nil
}

// Deliver implements PeerLink: it is called by the peer's Fabric.Flush to hand pkt to
// this endpoint's completion queue as a CompRecv.
func (f *Fabric) Deliver(fromPeer uint32, pkt wire.Packet) {
	if len(f.cq) >= f.cqCap {
		return // dropped: CQ full, mirrors an unreliable datagram transport
	}
	f.cq = append(f.cq, transport.Completion{Kind: transport.CompRecv, Peer: fromPeer, Pkt: pkt})
}

// Flush "transmits" queued sends: it walks the send ring, hands each packet to the peer
// link (simulating wire delivery), and appends a CompSend completion locally. Call this
// once per progress pass before PollCQ, mirroring a real provider's ring doorbell.
func (f *Fabric) Flush() {
	for _, ps := range f.sendRing {
		if f.link != nil {
			f.link.Deliver(f.self, ps.pkt)
		}
		if len(f.cq) < f.cqCap {
			f.cq = append(f.cq, transport.Completion{Kind: transport.CompSend, Peer: ps.peer, Pkt: ps.pkt, Context: ps.ctx})
		}
	}
	f.sendRing = f.sendRing[:0]
}

// PollCQ drains up to max completions into out.
func (f *Fabric) PollCQ(out []transport.Completion, max int) int {
	n := len(f.cq)
	if n > max {
		n = max
	}
	if n > len(out) {
		n = len(out)
	}
	copy(out, f.cq[:n])
	f.cq = f.cq[n:]
	return n
}

// CQDepth reports the completion queue's current occupancy and capacity.
func (f *Fabric) CQDepth() (int, int) {
	return len(f.cq), f.cqCap
}
