// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package peer

import "fmt"

// ErrWindowFull is returned when an arriving msg_id falls outside the reorder window's
// current span. spec.md §9 leaves this policy as an open question for the source the
// spec was distilled from; this implementation's decision is to fail the packet as a
// protocol error rather than silently drop or grow the window.
var ErrWindowFull = fmt.Errorf("rdm: reorder window full")

// ReorderWindow is a per-peer sliding window of size recvwin_size, indexed by
// msg_id mod size, that releases RTS-bearing entries in msg_id order, spec.md §4.6.
type ReorderWindow struct {
	size     int
	expected uint64
	slots    []any
	occupied []bool
}

// NewReorderWindow creates a window of the given size. size must equal Config.RecvWinSize.
func NewReorderWindow(size int) *ReorderWindow {
	return &ReorderWindow{
		size:     size,
		slots:    make([]any, size),
		occupied: make([]bool, size),
	}
}

// Expected returns the next msg_id this window will release.
func (w *ReorderWindow) Expected() uint64 {
	return w.expected
}

// Needed reports whether msgID requires buffering rather than immediate delivery: it is
// not the expected id. Conjoined with enable_sas_ordering at the call site per spec.md
// §4.4 step 1 and rxr_need_sas_ordering's three-way AND condition in rxr.h.
func (w *ReorderWindow) Needed(msgID uint64) bool {
	return msgID != w.expected
}

// Insert buffers an out-of-order item at its msg_id slot. At most one item per msg_id is
// held, spec.md §3 invariant 4. Returns ErrWindowFull if msgID falls outside the window's
// current span [expected, expected+size).
func (w *ReorderWindow) Insert(msgID uint64, item any) error {
	if msgID < w.expected || msgID >= w.expected+uint64(w.size) {
		return ErrWindowFull
	}
	idx := msgID % uint64(w.size)
	w.slots[idx] = item
	w.occupied[idx] = true
	return nil
}

// Drain releases the expected msg_id and any contiguously present successors, in order.
// Call this after delivering the current expected item (or on its direct arrival).
func (w *ReorderWindow) Drain() []any {
	var out []any
	idx := w.expected % uint64(w.size)
	for w.occupied[idx] {
		out = append(out, w.slots[idx])
		w.slots[idx] = nil
		w.occupied[idx] = false
		w.expected++
		idx = w.expected % uint64(w.size)
	}
	return out
}

// Advance moves the expected counter past msgID (used when msgID arrives in order and is
// delivered directly, without ever entering the window) and drains any now-contiguous
// successors already buffered.
func (w *ReorderWindow) Advance(msgID uint64) []any {
	if msgID == w.expected {
		w.expected++
	}
	return w.Drain()
}
