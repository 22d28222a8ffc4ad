// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package shm implements the shared-memory Transport variant for co-located peers,
// grounded on original_source/prov/shm/src/smr_ep.c's pid-qualified endpoint naming
// (smr_endpoint_name: "pid:dom_idx:ep_idx") and its smr_verify_peer address check.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/zhngaj/rdm/pkg/rdm/internal/transport"
	"github.com/zhngaj/rdm/pkg/rdm/internal/wire"
)

// Name returns this process's shared-memory endpoint name, mirroring smr_ep.c's
// "pid:dom_idx:ep_idx" scheme so co-located peers can be distinguished from remote ones.
func Name(domIdx, epIdx int) string {
	return fmt.Sprintf("%d:%d:%d", os.Getpid(), domIdx, epIdx)
}

// VerifyPeer reports whether pid names a process that is actually alive on this host,
// the shared-memory analog of smr_verify_peer's liveness check before routing traffic
// over the local transport instead of falling back to the main fabric.
func VerifyPeer(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// SHM is a shared-memory Transport: functionally identical to the fabric transport's
// ring semantics (datagram transport's public surface, spec.md §9), but intended for
// peers whose is_local bit is set.
type SHM struct {
	self uint32
	cq   []transport.Completion
	cqCap int
	link  peerLink

	postedRecv int // outstanding reposted receive-buffer descriptors, capped at cqCap
}

type peerLink interface {
	deliver(pkt wire.Packet)
}

// New creates an SHM transport bounded by cqSize completions, spec.md §6's
// shm_cq_read_size / cq_size.
func New(self uint32, cqSize int) *SHM {
	return &SHM{self: self, cqCap: cqSize, cq: make([]transport.Completion, 0, cqSize)}
}

// Attach wires this transport directly to a peer's SHM transport, standing in for the
// shared memory region both sides actually map in a real provider.
func (s *SHM) Attach(peer *SHM) {
	s.link = shmPeerLink{peer}
}

type shmPeerLink struct{ peer *SHM }

func (l shmPeerLink) deliver(pkt wire.Packet) {
	if len(l.peer.cq) >= l.peer.cqCap {
		return
	}
	l.peer.cq = append(l.peer.cq, transport.Completion{Kind: transport.CompRecv, Pkt: pkt})
}

// PostRecv reposts a receive-buffer descriptor, bounded by cqCap (shared memory has no
// separate recv-ring capacity knob of its own; it reuses the completion queue's).
func (s *SHM) PostRecv(ctx any) error {
	if s.postedRecv >= s.cqCap {
		return transport.ErrAgain
	}
	s.postedRecv++
	return nil
}

func (s *SHM) Send(peer uint32, pkt wire.Packet, ctx any) error {
	if s.link == nil {
		return transport.ErrAgain
	}
	s.link.deliver(pkt)
	if len(s.cq) >= s.cqCap {
		return nil
	}
	s.cq = append(s.cq, transport.Completion{Kind: transport.CompSend, Peer: peer, Pkt: pkt, Context: ctx})
	return nil
}

func (s *SHM) Inject(peer uint32, pkt wire.Packet) error {
	if s.link == nil {
		return transport.ErrAgain
	}
	s.link.deliver(pkt)
	return nil
}

// CQDepth reports the completion queue's current occupancy and capacity.
func (s *SHM) CQDepth() (int, int) {
	return len(s.cq), s.cqCap
}

func (s *SHM) PollCQ(out []transport.Completion, max int) int {
	n := len(s.cq)
	if n > max {
		n = max
	}
	if n > len(out) {
		n = len(out)
	}
	copy(out, s.cq[:n])
	s.cq = s.cq[n:]
	return n
}
