// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package txrx

import "testing"

func TestMatchTagWithIgnoreMask(t *testing.T) {
	if !MatchTag(7, 0, 7) {
		t.Fatal("exact tag match with no ignore bits should match")
	}
	if MatchTag(7, 0, 5) {
		t.Fatal("mismatched tag with no ignore bits should not match")
	}
	if !MatchTag(0x0F, ^uint64(0), 0xFF) {
		t.Fatal("full ignore mask should match any tag")
	}
}

func TestMatchAddrWildcard(t *testing.T) {
	if !MatchAddr(0, 42) {
		t.Fatal("wildcard recv address (0) should match any peer")
	}
	if !MatchAddr(42, 42) {
		t.Fatal("exact address should match")
	}
	if MatchAddr(42, 7) {
		t.Fatal("mismatched address should not match")
	}
}

func TestWriteSegmentCompletion(t *testing.T) {
	e := &RxEntry{Buf: make([]byte, 10), TotalLen: 10}

	done, err := e.WriteSegment(0, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatal("should not be done after 4 of 10 bytes")
	}

	done, err = e.WriteSegment(4, []byte{5, 6, 7, 8, 9, 10})
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("should be done after all 10 bytes written")
	}
}

func TestWriteSegmentOverflowRejected(t *testing.T) {
	e := &RxEntry{Buf: make([]byte, 4), TotalLen: 4}
	if _, err := e.WriteSegment(2, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error writing past buffer end")
	}
}

// TestMultiRecvSplitting covers spec.md §8 scenario 6: a 4096-byte multi-recv buffer
// with min_multi_recv_size=1024 absorbing three messages of 1000, 2000, 500 bytes.
func TestMultiRecvSplitting(t *testing.T) {
	master := &RxEntry{Buf: make([]byte, 4096), MinMultiRecvSize: 1024}

	sizes := []uint64{1000, 2000, 500}
	var total uint64
	for i, sz := range sizes {
		buf, ok := master.CarveConsumer(sz)
		if !ok {
			t.Fatalf("consumer %d: expected carve to succeed", i)
		}
		if uint64(len(buf)) != sz {
			t.Fatalf("consumer %d: buf len = %d, want %d", i, len(buf), sz)
		}
		total += sz
	}
	if total != 3500 {
		t.Fatalf("total consumed = %d, want 3500", total)
	}

	if master.MultiRecvExhausted(false) {
		t.Fatal("master should not release until all consumers are done")
	}
	if !master.MultiRecvExhausted(true) {
		t.Fatal("master should release once remaining (596) < min_multi_recv_size and all consumers done")
	}
}

func TestCarveConsumerRejectsOverflow(t *testing.T) {
	master := &RxEntry{Buf: make([]byte, 100)}
	if _, ok := master.CarveConsumer(200); ok {
		t.Fatal("expected carve to fail when requested length exceeds remaining capacity")
	}
}
