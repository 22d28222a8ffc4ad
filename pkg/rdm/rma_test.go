// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rdm

import (
	"bytes"
	"testing"

	"github.com/zhngaj/rdm/pkg/rdm/internal/txrx"
)

func TestRMAWriteInlineDeliversIntoRegisteredRegion(t *testing.T) {
	a, b := newLoopback(t)

	region := make([]byte, 64)
	b.RegisterRegion(42, region)

	payload := []byte("small enough to ride in the RTS")
	if err := a.Write(b.Self, payload, txrx.RemoteIOV{Addr: 42}, "tx"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	drive(t, a, b)

	mustCompletion(t, a)
	if !bytes.Equal(region[:len(payload)], payload) {
		t.Fatalf("region = %q, want %q", region[:len(payload)], payload)
	}
}

func TestRMAWriteLargeStreamsIntoRegisteredRegion(t *testing.T) {
	a, b := newLoopback(t)

	region := make([]byte, a.Cfg.MTUSize*3)
	b.RegisterRegion(7, region)

	payload := make([]byte, a.Cfg.MTUSize*2+123)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := a.Write(b.Self, payload, txrx.RemoteIOV{Addr: 7}, "tx"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	drive(t, a, b)

	mustCompletion(t, a)
	if !bytes.Equal(region[:len(payload)], payload) {
		t.Fatalf("large WRITE corrupted the target region")
	}
}

func TestRMAWriteAgainstUnregisteredRegionIsAProtocolError(t *testing.T) {
	a, b := newLoopback(t)

	if err := a.Write(b.Self, []byte("x"), txrx.RemoteIOV{Addr: 999}, "tx"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	drive(t, a, b)

	// The initiator's RTS self-completes on send (the failure surfaces on the target,
	// which has no application completion to report it through); what matters here is
	// that the target never panics and drops the inbound write silently.
	mustCompletion(t, a)
	if cs := b.Poll(1); len(cs) != 0 {
		t.Fatalf("target endpoint should have produced no completion, got %v", cs)
	}
}

func TestRMAReadStreamsFromRegisteredRegion(t *testing.T) {
	a, b := newLoopback(t)

	region := make([]byte, a.Cfg.MTUSize+50)
	for i := range region {
		region[i] = byte(i)
	}
	b.RegisterRegion(3, region)

	localBuf := make([]byte, len(region))
	if err := a.Read(b.Self, localBuf, txrx.RemoteIOV{Addr: 3}, "tx"); err != nil {
		t.Fatalf("Read: %v", err)
	}

	drive(t, a, b)

	rc := mustCompletion(t, a)
	if rc.Len != uint64(len(region)) {
		t.Fatalf("read completion len = %d, want %d", rc.Len, len(region))
	}
	if !bytes.Equal(localBuf, region) {
		t.Fatalf("READ did not reproduce the remote region's contents")
	}
}
