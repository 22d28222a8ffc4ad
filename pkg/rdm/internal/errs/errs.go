// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package errs implements the typed errors of spec.md §7's taxonomy: Cancelled
// (NoMatch/Cancelled), ProtocolError, PeerFatal, and Internal. ResourceBusy is
// pool.ErrResourceBusy / transport.ErrAgain and RNR is transport.CompRNR; neither has a
// type here. Modeled on the TCPCLv4 package's named error codes (TransferRefusalCode)
// rather than bare fmt.Errorf strings.
package errs

import "fmt"

// Cancelled is returned for a cancelled or unmatched posted receive, spec.md §7. It is
// surfaced to the application as an error completion whose Err is a *Cancelled; no
// ECANCELED errno value is attached.
type Cancelled struct {
	RxID uint32
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("rdm: rx_entry %d cancelled", e.RxID)
}

// ProtocolError reports a state-machine impossibility: an invalid slot id, an
// out-of-sequence packet, or a violated invariant, spec.md §7. It is surfaced as a
// per-entry error completion; the entry is then released.
type ProtocolError struct {
	Peer uint32
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rdm: protocol error from peer %d: %s", e.Peer, e.Msg)
}

// PeerFatal reports a completion-queue error other than RNR for a given peer, spec.md
// §7. Every tx/rx_entry addressed to that peer is drained with error completions.
type PeerFatal struct {
	Peer uint32
	Err  error
}

func (e *PeerFatal) Error() string {
	return fmt.Sprintf("rdm: peer %d fatal: %v", e.Peer, e.Err)
}

// Internal reports an allocation failure or a completion-queue write failure that
// prevents emitting a completion at all, spec.md §7. The progress engine panics on this
// condition (see pkg/rdm.Endpoint.Progress) rather than silently dropping the completion.
type Internal struct {
	Msg string
}

func (e *Internal) Error() string {
	return fmt.Sprintf("rdm: internal error: %s", e.Msg)
}

// IsRetryable reports false for this package's four typed errors (ProtocolError,
// PeerFatal, Internal, Cancelled) and true for every other value, which covers the
// ResourceBusy-class backpressure errors (pool.ErrResourceBusy, transport.ErrAgain) that
// spec.md §7 says are never surfaced as a completion. It does not inspect other errors:
// any unrecognized error, and nil, also reports true.
func IsRetryable(err error) bool {
	switch err.(type) {
	case *ProtocolError, *PeerFatal, *Internal, *Cancelled:
		return false
	default:
		return true
	}
}
