// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fabric

import (
	"testing"

	"github.com/zhngaj/rdm/pkg/rdm/internal/transport"
	"github.com/zhngaj/rdm/pkg/rdm/internal/wire"
)

func TestSendAgainWhenRingFull(t *testing.T) {
	f := New(1, 8, 1, 8)

	if err := f.Send(2, &wire.CTSPacket{}, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.Send(2, &wire.CTSPacket{}, nil); err != transport.ErrAgain {
		t.Fatalf("expected ErrAgain, got %v", err)
	}
}

func TestFlushDeliversToLinkedPeer(t *testing.T) {
	a := New(1, 8, 4, 8)
	b := New(2, 8, 4, 8)
	a.Attach(b)
	b.Attach(a)

	pkt := &wire.RTSPacket{Hdr: wire.Header{MsgID: 1}}
	if err := a.Send(2, pkt, "ctx"); err != nil {
		t.Fatal(err)
	}
	a.Flush()

	out := make([]transport.Completion, 4)
	n := b.PollCQ(out, 4)
	if n != 1 {
		t.Fatalf("expected 1 completion on B, got %d", n)
	}
	if out[0].Kind != transport.CompRecv {
		t.Fatalf("expected CompRecv, got %v", out[0].Kind)
	}

	n = a.PollCQ(out, 4)
	if n != 1 || out[0].Kind != transport.CompSend {
		t.Fatalf("expected 1 CompSend on A, got n=%d kind=%v", n, out[0].Kind)
	}
}
