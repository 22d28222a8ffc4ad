// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package txrx implements the send-side and receive-side per-operation state machines
// of spec.md §3, §4.3, §4.4, §4.5: tx_entry, rx_entry, their arenas, segmentation into
// data packets, reassembly, multi-receive splitting, and emulated RMA.
package txrx

import (
	"github.com/zhngaj/rdm/pkg/rdm/internal/pool"
	"github.com/zhngaj/rdm/pkg/rdm/internal/wire"
)

// Op classifies the operation a tx/rx entry tracks, spec.md §3.
type Op uint8

const (
	OpMsgSend Op = iota
	OpTaggedSend
	OpRMAWrite
	OpRMARead
)

// TxState is the send-side state machine's tagged variant, spec.md §3 / §4.3.
type TxState uint8

const (
	TxFree TxState = iota
	TxRTS
	TxSend
	TxQueuedCtrl
	TxQueuedRTSRnr
	TxQueuedDataRnr
	TxSentReadRsp
	TxQueuedReadRsp
	TxWaitReadFinish
)

func (s TxState) String() string {
	switch s {
	case TxFree:
		return "FREE"
	case TxRTS:
		return "RTS"
	case TxSend:
		return "SEND"
	case TxQueuedCtrl:
		return "QUEUED_CTRL"
	case TxQueuedRTSRnr:
		return "QUEUED_RTS_RNR"
	case TxQueuedDataRnr:
		return "QUEUED_DATA_RNR"
	case TxSentReadRsp:
		return "SENT_READRSP"
	case TxQueuedReadRsp:
		return "QUEUED_READRSP"
	case TxWaitReadFinish:
		return "WAIT_READ_FINISH"
	default:
		return "INVALID"
	}
}

// RxState is the receive-side state machine's tagged variant, spec.md §3 / §4.4.
type RxState uint8

const (
	RxFree RxState = iota
	RxInit
	RxUnexp
	RxMatched
	RxRecv
	RxQueuedCtrl
	RxQueuedCtsRnr
	RxWaitReadFinish
)

func (s RxState) String() string {
	switch s {
	case RxFree:
		return "FREE"
	case RxInit:
		return "INIT"
	case RxUnexp:
		return "UNEXP"
	case RxMatched:
		return "MATCHED"
	case RxRecv:
		return "RECV"
	case RxQueuedCtrl:
		return "QUEUED_CTRL"
	case RxQueuedCtsRnr:
		return "QUEUED_CTS_RNR"
	case RxWaitReadFinish:
		return "WAIT_READ_FINISH"
	default:
		return "INVALID"
	}
}

// Completion mirrors the application-visible completion record of spec.md §6.
type Completion struct {
	OpContext any
	Flags     uint64
	Len       uint64
	Buf       []byte
	Data      uint64
	Tag       uint64
	Err       error
}

// TxEntry is the sender-side per-operation record, spec.md §3.
type TxEntry struct {
	Op    Op
	TxID  uint32 // this entry's own slot id, set by the arena on allocation
	RxID  uint32 // peer's slot id, learned from the CTS
	MsgID uint64

	Peer uint32

	IOV       [][]byte
	IOVIndex  int
	IOVOffset int

	TotalLen   uint64
	BytesSent  uint64
	BytesAcked uint64

	Window          uint16
	CreditRequest   uint16
	CreditAllocated uint16

	State TxState

	// TxPendingCounted records whether this entry's submission already incremented its
	// peer's TxPending, so the one place that frees a tx_entry can decrement exactly
	// once regardless of which code path got there, spec.md §3 invariant 3.
	TxPendingCounted bool

	Tag        uint64
	RemoteCQData uint64

	// RMA READ correlation: this tx_entry's own rx_id, used by the counterpart's
	// SENT_READRSP tx_entry as the reply's rx_id.
	LocalRxID uint32

	QueuedPkts []pool.Ref

	// PendingPkt holds an already-constructed packet that a transport rejected with
	// ErrAgain, so the progress engine's queued-list drain can retry the exact same wire
	// bytes instead of re-deriving them (re-deriving a DATA packet would re-advance the
	// IOV cursor past bytes that were never actually sent).
	PendingPkt wire.Packet

	OpContext any
}

// RxEntry is the receiver-side per-operation record, spec.md §3.
type RxEntry struct {
	Op    Op
	TxID  uint32 // sender's tx_id, learned from the RTS
	RxID  uint32 // this entry's own slot id
	MsgID uint64

	Tag    uint64
	Ignore uint64

	Peer uint32

	Buf       []byte
	BytesDone uint64
	TotalLen  uint64

	Window          uint16
	CreditRequest   uint16
	CreditCTS       uint16

	State RxState

	// Multi-receive: Master is non-zero when this entry is a carved-out consumer of a
	// posted multi-recv buffer; Consumers lists the consumers of a master entry.
	Master    pool.Ref
	Consumers []pool.Ref
	MinMultiRecvSize uint64

	UnexpPkt pool.Ref

	// InlinePayload and NeedsCTS are cached from the originating RTS at the time an
	// unexpected rx_entry is created, so a later matching post can finish the match
	// without re-parsing the staged wire bytes.
	InlinePayload []byte
	NeedsCTS      bool

	QueuedPkts []pool.Ref

	// PendingPkt mirrors TxEntry.PendingPkt for the CTS control packet a RECV-state
	// rx_entry could not yet hand to the transport.
	PendingPkt wire.Packet

	OpContext any
}

// ResetTx zeroes a tx_entry in place for reuse by the arena's poisoning hook.
func ResetTx(e *TxEntry) { *e = TxEntry{} }

// ResetRx zeroes an rx_entry in place for reuse by the arena's poisoning hook.
func ResetRx(e *RxEntry) { *e = RxEntry{} }
