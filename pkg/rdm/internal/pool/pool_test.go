// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pool

import "testing"

func TestArenaAllocExhaustion(t *testing.T) {
	a := New[int](2)

	ref1, _, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Alloc(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Alloc(); err != ErrResourceBusy {
		t.Fatalf("expected ErrResourceBusy, got %v", err)
	}

	a.Free(ref1)
	if _, _, err := a.Alloc(); err != nil {
		t.Fatalf("expected slot to be reusable after Free, got %v", err)
	}
}

func TestArenaGenerationInvalidatesStaleRef(t *testing.T) {
	a := New[int](1)

	ref, v, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	*v = 42

	a.Free(ref)

	if a.Get(ref) != nil {
		t.Fatal("expected stale ref to be invalid after Free")
	}

	newRef, _, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if newRef.ID != ref.ID {
		t.Fatalf("expected slot reuse, got different id %d != %d", newRef.ID, ref.ID)
	}
	if newRef.Gen == ref.Gen {
		t.Fatal("expected generation to advance on reuse")
	}
}

func TestPacketPoolReleaseClearsOwner(t *testing.T) {
	p := NewPacketPool(4, 128)

	ref, e, err := p.Alloc(DirSend, 7)
	if err != nil {
		t.Fatal(err)
	}
	e.Owner = Ref{ID: 3, Gen: 1}

	p.Release(ref)

	if p.Get(ref) != nil {
		t.Fatal("expected released entry to be unreachable via old ref")
	}
	if owner := p.arena.GetByID(ref.ID).Owner; owner != (Ref{}) {
		t.Fatalf("expected owner back-reference cleared on release, got %+v", owner)
	}
}

func TestStagingPoolCopiesData(t *testing.T) {
	s := NewStagingPool(4, 16)

	data := []byte("unexpected")
	ref, err := s.Stage(DirRecv, 1, data)
	if err != nil {
		t.Fatal(err)
	}

	e := s.Get(ref)
	if e == nil {
		t.Fatal("expected staged entry to be retrievable")
	}
	if string(e.Buf) != string(data) {
		t.Fatalf("expected staged copy %q, got %q", data, e.Buf)
	}

	data[0] = 'X'
	if e.Buf[0] == 'X' {
		t.Fatal("staged entry must own its own copy of the data")
	}
}
