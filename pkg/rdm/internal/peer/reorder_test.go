// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package peer

import (
	"reflect"
	"testing"
)

// TestSASReordering covers spec.md §8 scenario 4: B sends m1,m2,m3; the network
// delivers m2,m3,m1. A's completions must be released in m1,m2,m3 order.
func TestSASReordering(t *testing.T) {
	w := NewReorderWindow(16)

	if !w.Needed(1) {
		t.Fatal("msg_id 1 should need buffering while expected is 0")
	}
	if err := w.Insert(1, "m2"); err != nil {
		t.Fatal(err)
	}
	if err := w.Insert(2, "m3"); err != nil {
		t.Fatal(err)
	}

	// m1 (msg_id 0) arrives last and is the expected one: deliver directly and drain.
	released := w.Advance(0)
	want := []any{"m2", "m3"}
	if !reflect.DeepEqual(released, want) {
		t.Fatalf("released = %v, want %v", released, want)
	}
	if w.Expected() != 3 {
		t.Fatalf("Expected() = %d, want 3", w.Expected())
	}
}

func TestReorderWindowFullRejectsOutOfSpan(t *testing.T) {
	w := NewReorderWindow(4)

	if err := w.Insert(10, "late"); err != ErrWindowFull {
		t.Fatalf("expected ErrWindowFull, got %v", err)
	}
}

func TestReorderWindowSingleEntryPerMsgID(t *testing.T) {
	w := NewReorderWindow(4)

	if err := w.Insert(1, "first"); err != nil {
		t.Fatal(err)
	}
	if err := w.Insert(1, "second"); err != nil {
		t.Fatal(err)
	}

	released := w.Advance(0)
	if len(released) != 1 || released[0] != "second" {
		t.Fatalf("expected the later insert to win the slot, got %v", released)
	}
}
