// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rdm

import (
	"testing"

	"github.com/zhngaj/rdm/pkg/rdm/internal/errs"
)

func TestShutdownCancelsPostedAndUnexpectedReceives(t *testing.T) {
	a, b := newLoopback(t)

	// An arrived-but-unclaimed message from a, landing on the unexpected list.
	if err := a.Send(b.Self, []byte("unclaimed"), "tx"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	a.Progress()
	b.Progress()
	if len(b.rxUnexpList) != 1 {
		t.Fatalf("expected one unexpected entry before shutdown, got %d", len(b.rxUnexpList))
	}

	// A posted receive from a peer that never sends anything, so it stays posted and
	// does not absorb the unclaimed message above.
	if err := b.Recv(make([]byte, 8), 999, "posted"); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if err := b.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	cs := b.Poll(8)
	if len(cs) != 2 {
		t.Fatalf("expected 2 cancellation completions, got %d", len(cs))
	}
	for _, c := range cs {
		if _, ok := c.Err.(*errs.Cancelled); !ok {
			t.Fatalf("completion error = %T, want *errs.Cancelled", c.Err)
		}
	}
	if len(b.rxList) != 0 || len(b.rxUnexpList) != 0 {
		t.Fatalf("Shutdown should have drained every receive list")
	}
}

func TestShutdownReportsPeersWithSendsStillInFlight(t *testing.T) {
	a, b := newLoopback(t)

	if err := a.Send(b.Self, []byte("in flight"), "tx"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Flush so the RTS is handed to the transport and tx_pending is incremented, but
	// never deliver/progress the peer side: the send is genuinely still outstanding.
	a.Fabric.Flush()

	err := a.Shutdown()
	if err == nil {
		t.Fatalf("expected Shutdown to report the peer with a pending send")
	}
}

// TestShutdownIsSilentOnceSendsHaveCompleted proves TxPending returns to zero once a send
// finishes, so a later Shutdown does not spuriously report the peer as still having sends
// in flight, the completion-side counterpart to TestShutdownReportsPeersWithSendsStillInFlight.
func TestShutdownIsSilentOnceSendsHaveCompleted(t *testing.T) {
	a, b := newLoopback(t)

	recvBuf := make([]byte, 4)
	if err := b.Recv(recvBuf, a.Self, "rx"); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := a.Send(b.Self, []byte("done"), "tx"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	drive(t, a, b)
	mustCompletion(t, a)
	mustCompletion(t, b)

	if p := a.Peers.Get(b.Self); p.TxPending != 0 {
		t.Fatalf("TxPending = %d, want 0 after the send completed", p.TxPending)
	}

	if err := a.Shutdown(); err != nil {
		t.Fatalf("Shutdown should not report any peer once every send has completed: %v", err)
	}
}
