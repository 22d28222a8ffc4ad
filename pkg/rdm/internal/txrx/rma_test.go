// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package txrx

import "testing"

func TestReadSegmentsCoversTotal(t *testing.T) {
	offs := ReadSegments(10000, 4096)
	want := []uint64{0, 4096, 8192}
	if len(offs) != len(want) {
		t.Fatalf("got %d offsets, want %d: %v", len(offs), len(want), offs)
	}
	for i := range want {
		if offs[i] != want[i] {
			t.Errorf("offset %d = %d, want %d", i, offs[i], want[i])
		}
	}
}

func TestWithinEmulatedLimit(t *testing.T) {
	if !WithinEmulatedLimit(100, 0) {
		t.Fatal("limit of 0 should mean unlimited")
	}
	if !WithinEmulatedLimit(100, 200) {
		t.Fatal("100 should be within a 200 limit")
	}
	if WithinEmulatedLimit(300, 200) {
		t.Fatal("300 should exceed a 200 limit")
	}
}
