// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package peer

import "time"

// Table is the engine's peer registry, addressed by integer peer handle (spec.md §4.2).
// Unlike pkg/cla/manager.go's sync.Map-backed registry, Table uses a plain map: spec.md
// §5 guarantees single-threaded access to the core, so no interior lock is needed here.
type Table struct {
	peers        map[uint32]*Peer
	backoffList  []uint32 // peer_backoff_list, spec.md §4.7 step 3
	recvWinSize  int
	timeoutUs    int64
}

// NewTable creates an empty peer table.
func NewTable(recvWinSize int, timeoutIntervalUs int64) *Table {
	return &Table{
		peers:       make(map[uint32]*Peer),
		recvWinSize: recvWinSize,
		timeoutUs:   timeoutIntervalUs,
	}
}

// Get returns the Peer for addr, implicitly creating it in state Free on first use, per
// spec.md §4.2 ("A peer is implicitly created on first use").
func (t *Table) Get(addr uint32) *Peer {
	p, ok := t.peers[addr]
	if !ok {
		p = New(addr, t.recvWinSize, t.timeoutUs)
		t.peers[addr] = p
	}
	return p
}

// All returns every peer ever seen, backing peer_list draining on Shutdown.
func (t *Table) All() []*Peer {
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// EnterBackoff links addr onto the backoff list and computes its backoff window.
func (t *Table) EnterBackoff(addr uint32, now time.Time, maxTimeoutUs int64) {
	p := t.Get(addr)
	if p.InBackoff {
		return
	}
	p.EnterBackoff(now, maxTimeoutUs)
	t.backoffList = append(t.backoffList, addr)
}

// DrainExpiredBackoffs walks peer_backoff_list, unlinking and clearing IN_BACKOFF for any
// peer whose backoff has elapsed, per spec.md §4.7 step 3. Returns the addrs that expired,
// in list order, so the caller can drain their queued packets next.
func (t *Table) DrainExpiredBackoffs(now time.Time) []uint32 {
	var expired []uint32
	remaining := t.backoffList[:0]
	for _, addr := range t.backoffList {
		p := t.peers[addr]
		if p == nil {
			continue
		}
		if p.BackoffExpired(now) {
			p.ClearBackoff()
			expired = append(expired, addr)
		} else {
			remaining = append(remaining, addr)
		}
	}
	t.backoffList = remaining
	return expired
}
