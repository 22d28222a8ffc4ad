// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport defines the "datagram transport" capability abstraction of
// spec.md §9: a small interface with two variants (main fabric, shared memory) that the
// engine routes to per-peer via the is_local bit. The transport's own object lifecycle
// (fabric/domain/address-vector resolution) is out of scope per spec.md §1; this package
// only specifies what the engine submits and what completions it consumes.
package transport

import (
	"fmt"

	"github.com/zhngaj/rdm/pkg/rdm/internal/wire"
)

// ErrAgain is returned by Send/PostRecv when the underlying ring is full, and by the
// shared-memory transport's Send/Inject when no peer is attached; the fabric transport's
// Inject never returns it. The caller must queue the operation and retry it on a later
// progress pass, never surface it as an application-visible error, per spec.md §4.3/§7.
var ErrAgain = fmt.Errorf("rdm: again")

// CompletionKind classifies a polled completion, spec.md §4.7.
type CompletionKind uint8

const (
	// CompSend reports a successfully transmitted packet.
	CompSend CompletionKind = iota
	// CompRecv reports a received packet.
	CompRecv
	// CompRNR reports a receiver-not-ready transient failure; never fatal.
	CompRNR
	// CompError reports any other completion error; propagates to PeerFatal handling.
	CompError
)

// Completion is one entry read off a transport's completion queue.
type Completion struct {
	Kind CompletionKind
	Peer uint32
	Pkt  wire.Packet
	// Context correlates a send completion back to its submitting packet entry.
	Context any
	// Err carries the completion's provider errno for CompError, spec.md §6.
	Err error
}

// Transport is the capability abstraction both the main-fabric and shared-memory
// implementations satisfy.
type Transport interface {
	// PostRecv reposts a receive buffer so an inbound packet can land in it.
	PostRecv(ctx any) error

	// Send submits pkt to peer. Returns ErrAgain if the ring is full; the caller must
	// queue the packet and retry on a later progress pass, per spec.md §4.3.
	Send(peer uint32, pkt wire.Packet, ctx any) error

	// Inject submits pkt without requesting a send completion (best-effort fire path),
	// used for control packets whose delivery is not individually tracked.
	Inject(peer uint32, pkt wire.Packet) error

	// PollCQ drains up to max completions from the completion queue into out, returning
	// the number written.
	PollCQ(out []Completion, max int) int

	// CQDepth reports this transport's completion-queue occupancy and capacity, peeked by
	// the progress engine to update the rm_full backpressure flag, spec.md §4.7 step 7.
	CQDepth() (len, cap int)
}
