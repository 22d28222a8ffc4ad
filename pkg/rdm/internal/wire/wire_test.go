// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestCTSRoundTrip(t *testing.T) {
	cts := &CTSPacket{
		Hdr:             Header{MsgID: 42, TxID: 7, RxID: 9},
		CreditAllocated: 64,
		Window:          128,
	}

	buf := new(bytes.Buffer)
	if err := cts.Marshal(buf); err != nil {
		t.Fatal(err)
	}

	got, err := ReadPacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cts, got) {
		t.Fatalf("CTSPacket does not round-trip, expected %v and got %v", cts, got)
	}
}

func TestCTSChecksumMismatch(t *testing.T) {
	cts := &CTSPacket{Hdr: Header{MsgID: 1}, CreditAllocated: 1, Window: 1}
	buf := new(bytes.Buffer)
	if err := cts.Marshal(buf); err != nil {
		t.Fatal(err)
	}

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	if _, err := ReadPacket(bytes.NewReader(corrupted)); err == nil {
		t.Fatal("expected checksum mismatch error, got nil")
	}
}

func TestDataPacketRoundTrip(t *testing.T) {
	dp := &DataPacket{
		Hdr:       Header{MsgID: 3, TxID: 1, RxID: 2},
		SegOffset: 4096,
		Payload:   []byte("hello"),
	}

	buf := new(bytes.Buffer)
	if err := dp.Marshal(buf); err != nil {
		t.Fatal(err)
	}

	got, err := ReadPacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dp, got) {
		t.Fatalf("DataPacket does not round-trip, expected %v and got %v", dp, got)
	}
}

func TestNewPacketUnknownType(t *testing.T) {
	if _, err := NewPacket(Type(0xEE)); err == nil {
		t.Fatal("expected error for unregistered packet type, got nil")
	}
}
