// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package pool implements fixed-capacity slot arenas for packet buffers and
// operation-tracking entries, addressed by a stable slot id plus a generation
// counter so a late completion against a freed slot can be detected and dropped.
package pool

import "fmt"

// ErrResourceBusy is returned by Alloc when the arena has no free slots. It is never
// surfaced to an application as a completion; callers retry.
var ErrResourceBusy = fmt.Errorf("rdm: resource busy")

// Ref is a weak reference to an arena slot: a stable id plus the generation that was
// current when the reference was taken. A Ref is valid only while Arena.Generation(id)
// still equals the Ref's Gen.
type Ref struct {
	ID  uint32
	Gen uint32
}

// Arena is a fixed-capacity slot allocator. Slot zero is never issued by Alloc so that
// a zero Ref can represent "no owner" (matching spec.md §3's "nulled" owner back-reference).
type Arena[T any] struct {
	slots    []T
	gens     []uint32
	free     []uint32
	poison   bool
	poisonFn func(*T)
}

// New creates an Arena with the given fixed capacity.
func New[T any](capacity int) *Arena[T] {
	a := &Arena[T]{
		slots: make([]T, capacity+1),
		gens:  make([]uint32, capacity+1),
		free:  make([]uint32, 0, capacity),
	}
	for i := capacity; i >= 1; i-- {
		a.free = append(a.free, uint32(i))
	}
	return a
}

// EnablePoisoning overwrites a released slot with the given function before it is reused,
// matching spec.md §4.1's "when poisoning is enabled" clause.
func (a *Arena[T]) EnablePoisoning(fn func(*T)) {
	a.poison = true
	a.poisonFn = fn
}

// Alloc reserves a free slot and returns a Ref to it. Returns ErrResourceBusy when the
// arena is exhausted; callers must treat this as "again", not as an error completion.
func (a *Arena[T]) Alloc() (Ref, *T, error) {
	if len(a.free) == 0 {
		return Ref{}, nil, ErrResourceBusy
	}
	id := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return Ref{ID: id, Gen: a.gens[id]}, &a.slots[id], nil
}

// Get dereferences a Ref, returning nil if the slot has since been freed and reused
// (its generation has advanced past the Ref's).
func (a *Arena[T]) Get(ref Ref) *T {
	if ref.ID == 0 || int(ref.ID) >= len(a.slots) || a.gens[ref.ID] != ref.Gen {
		return nil
	}
	return &a.slots[ref.ID]
}

// Valid reports whether ref still refers to a live, unreleased slot.
func (a *Arena[T]) Valid(ref Ref) bool {
	return a.Get(ref) != nil
}

// Free releases a slot back to the pool and bumps its generation, invalidating every
// outstanding Ref to it.
func (a *Arena[T]) Free(ref Ref) {
	if ref.ID == 0 || int(ref.ID) >= len(a.slots) || a.gens[ref.ID] != ref.Gen {
		return
	}
	if a.poison && a.poisonFn != nil {
		a.poisonFn(&a.slots[ref.ID])
	}
	a.gens[ref.ID]++
	a.free = append(a.free, ref.ID)
}

// Each calls fn once for every currently-allocated slot, in slot-id order. fn must not
// call Alloc on this arena; it may call Free, since the free-set snapshot Each walks
// against is taken once, up front.
func (a *Arena[T]) Each(fn func(ref Ref, item *T)) {
	freed := make(map[uint32]bool, len(a.free))
	for _, id := range a.free {
		freed[id] = true
	}
	for id := uint32(1); id < uint32(len(a.slots)); id++ {
		if freed[id] {
			continue
		}
		fn(Ref{ID: id, Gen: a.gens[id]}, &a.slots[id])
	}
}

// GetByID dereferences a slot by its raw id without generation validation, for the cases
// where the wire protocol itself (not this implementation) is the source of truth for
// whether an id still names a live operation — e.g. rx_id/tx_id correlation, which
// spec.md §4.4 validates via state and msg_id rather than a software generation counter.
func (a *Arena[T]) GetByID(id uint32) *T {
	if id == 0 || int(id) >= len(a.slots) {
		return nil
	}
	return &a.slots[id]
}

// Generation returns the current generation of a slot id, for diagnostics.
func (a *Arena[T]) Generation(id uint32) uint32 {
	if id == 0 || int(id) >= len(a.gens) {
		return 0
	}
	return a.gens[id]
}

// Available returns the number of free slots remaining.
func (a *Arena[T]) Available() int {
	return len(a.free)
}

// Capacity returns the arena's fixed slot capacity.
func (a *Arena[T]) Capacity() int {
	return len(a.slots) - 1
}
