// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package peer

import (
	"testing"
	"time"
)

func TestInitTxPreCreditsOnce(t *testing.T) {
	p := New(1, 16, 100)

	p.InitTx(64)
	if p.TxCredits != 64 {
		t.Fatalf("TxCredits = %d, want 64", p.TxCredits)
	}
	if p.State != ConnReqSent {
		t.Fatalf("State = %v, want CONNREQ_SENT", p.State)
	}

	p.TxCredits = 10 // simulate credits spent
	p.InitTx(64)
	if p.TxCredits != 10 {
		t.Fatalf("InitTx must be a no-op after first call, TxCredits = %d", p.TxCredits)
	}
}

func TestAckTransitionsState(t *testing.T) {
	p := New(1, 16, 100)
	p.InitTx(64)
	p.Ack()
	if p.State != Acked {
		t.Fatalf("State = %v, want ACKED", p.State)
	}
}

func TestNextOutboundMsgIDMonotone(t *testing.T) {
	p := New(1, 16, 100)
	seen := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		id := p.NextOutboundMsgID()
		if seen[id] {
			t.Fatalf("msg_id %d reused", id)
		}
		seen[id] = true
	}
}

func TestRNRBackoffSequence(t *testing.T) {
	p := New(1, 16, 100)
	base := time.Unix(0, 0)

	b1 := p.EnterBackoff(base, 1_000_000)
	if b1 < 100*time.Microsecond {
		t.Fatalf("first backoff = %v, want >= 100us", b1)
	}

	p.ClearBackoff()
	b2 := p.EnterBackoff(base, 1_000_000)
	if b2 < 200*time.Microsecond {
		t.Fatalf("second backoff = %v, want >= 200us", b2)
	}

	if !p.BackoffExpired(base.Add(b2+time.Microsecond)) {
		t.Fatal("expected backoff to have expired after its window elapsed")
	}
	if p.BackoffExpired(base) {
		t.Fatal("backoff must not be expired immediately")
	}
}

func TestTableDrainExpiredBackoffs(t *testing.T) {
	tbl := NewTable(16, 100)
	base := time.Unix(0, 0)

	tbl.EnterBackoff(1, base, 1_000_000)
	tbl.EnterBackoff(2, base, 1_000_000)

	p1 := tbl.Get(1)
	expired := tbl.DrainExpiredBackoffs(base.Add(p1.RnrBackoff + time.Microsecond))

	if len(expired) != 2 {
		t.Fatalf("expected both peers to expire, got %v", expired)
	}
	if tbl.Get(1).InBackoff || tbl.Get(2).InBackoff {
		t.Fatal("expected InBackoff cleared after drain")
	}
}
