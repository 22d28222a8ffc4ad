// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pool

// Direction distinguishes a packet entry's send/receive role.
type Direction uint8

const (
	// DirSend marks a packet entry carrying an outbound packet.
	DirSend Direction = iota
	// DirRecv marks a packet entry carrying an inbound packet.
	DirRecv
)

// Entry is the owning container around a raw wire buffer described in spec.md §3: a
// base buffer, its direction, a weak back-reference to the owning tx/rx entry, the peer
// it is addressed to or arrived from, and its packet type tag.
type Entry struct {
	Buf    []byte
	Dir    Direction
	Owner  Ref  // weak reference into the tx_entry or rx_entry arena; zero means unowned.
	Peer   uint32
	PktTag uint8
}

// PacketPool is a fixed-capacity arena of packet entries sized to MTU, as described in
// spec.md §4.1. An Endpoint creates one for TX packets and one for RX packets; neither is
// per transport.
type PacketPool struct {
	arena *Arena[Entry]
	mtu   int
}

// NewPacketPool allocates capacity packet entries, each with a buffer of mtu bytes.
func NewPacketPool(capacity, mtu int) *PacketPool {
	p := &PacketPool{arena: New[Entry](capacity), mtu: mtu}
	for id := 1; id <= capacity; id++ {
		ref := Ref{ID: uint32(id)}
		e := p.arena.Get(ref)
		e.Buf = make([]byte, mtu)
	}
	return p
}

// Alloc reserves a packet entry. Returns ErrResourceBusy when the pool is exhausted.
func (p *PacketPool) Alloc(dir Direction, peer uint32) (Ref, *Entry, error) {
	ref, e, err := p.arena.Alloc()
	if err != nil {
		return Ref{}, nil, err
	}
	e.Dir = dir
	e.Peer = peer
	e.Owner = Ref{}
	return ref, e, nil
}

// Release returns a packet entry to the pool, clearing its owner back-reference first as
// required by spec.md §3 invariant 6.
func (p *PacketPool) Release(ref Ref) {
	if e := p.arena.Get(ref); e != nil {
		e.Owner = Ref{}
	}
	p.arena.Free(ref)
}

// Get dereferences ref, or nil if the entry has already been released and reused.
func (p *PacketPool) Get(ref Ref) *Entry {
	return p.arena.Get(ref)
}

// Available reports the number of free packet entries.
func (p *PacketPool) Available() int {
	return p.arena.Available()
}

// MTU returns the fixed buffer size of entries in this pool.
func (p *PacketPool) MTU() int {
	return p.mtu
}

// StagingPool holds unexpected or out-of-order packets that must outlive the RX buffer
// they originally arrived in; each staged entry owns its own copy of the wire bytes, per
// spec.md §4.1.
type StagingPool struct {
	*PacketPool
}

// NewStagingPool allocates a staging pool of the given capacity and per-entry buffer size.
func NewStagingPool(capacity, bufSize int) *StagingPool {
	return &StagingPool{PacketPool: NewPacketPool(capacity, bufSize)}
}

// Stage copies data into a freshly allocated staging entry and returns its Ref.
func (s *StagingPool) Stage(dir Direction, peer uint32, data []byte) (Ref, error) {
	ref, e, err := s.Alloc(dir, peer)
	if err != nil {
		return Ref{}, err
	}
	if cap(e.Buf) < len(data) {
		e.Buf = make([]byte, len(data))
	}
	e.Buf = e.Buf[:len(data)]
	copy(e.Buf, data)
	return ref, nil
}
