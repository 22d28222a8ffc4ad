// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package shm

import (
	"fmt"
	"os"
	"testing"

	"github.com/zhngaj/rdm/pkg/rdm/internal/transport"
	"github.com/zhngaj/rdm/pkg/rdm/internal/wire"
)

func TestNameFormat(t *testing.T) {
	name := Name(0, 3)
	want := fmt.Sprintf("%d:0:3", os.Getpid())
	if name == "" {
		t.Fatal("expected non-empty name")
	}
	if name != want {
		t.Fatalf("Name(0, 3) = %q, want %q", name, want)
	}
}

func TestVerifyPeerSelf(t *testing.T) {
	if !VerifyPeer(os.Getpid()) {
		t.Fatal("expected own pid to verify as alive")
	}
}

func TestSendDeliversDirectlyToAttachedPeer(t *testing.T) {
	a := New(1, 8)
	b := New(2, 8)
	a.Attach(b)

	pkt := &wire.CTSPacket{Hdr: wire.Header{MsgID: 5}}
	if err := a.Send(2, pkt, nil); err != nil {
		t.Fatal(err)
	}

	out := make([]transport.Completion, 4)
	if n := b.PollCQ(out, 4); n != 1 || out[0].Kind != transport.CompRecv {
		t.Fatalf("expected 1 CompRecv on B, got n=%d", n)
	}
	if n := a.PollCQ(out, 4); n != 1 || out[0].Kind != transport.CompSend {
		t.Fatalf("expected 1 CompSend on A, got n=%d", n)
	}
}

func TestSendAgainWithoutAttachment(t *testing.T) {
	a := New(1, 8)
	if err := a.Send(2, &wire.CTSPacket{}, nil); err != transport.ErrAgain {
		t.Fatalf("expected ErrAgain, got %v", err)
	}
}
