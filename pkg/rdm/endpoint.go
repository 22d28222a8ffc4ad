// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package rdm is a reliable datagram messaging engine built atop an unreliable/limited
// transport, providing ordered, reliable, tagged/untagged send/receive and emulated
// remote-memory READ/WRITE, with credit-based flow control, RNR backoff, out-of-order
// reassembly, and multi-receive buffer management. See SPEC_FULL.md.
package rdm

import (
	log "github.com/sirupsen/logrus"

	"github.com/zhngaj/rdm/pkg/rdm/internal/config"
	"github.com/zhngaj/rdm/pkg/rdm/internal/peer"
	"github.com/zhngaj/rdm/pkg/rdm/internal/pool"
	"github.com/zhngaj/rdm/pkg/rdm/internal/transport"
	"github.com/zhngaj/rdm/pkg/rdm/internal/transport/fabric"
	"github.com/zhngaj/rdm/pkg/rdm/internal/transport/shm"
	"github.com/zhngaj/rdm/pkg/rdm/internal/txrx"
)

// Config is the engine's tunable configuration, loaded via LoadConfig or DefaultConfig.
type Config = config.Config

// DefaultConfig returns the spec-mandated defaults (spec.md §6).
func DefaultConfig() Config { return config.Default() }

// LoadConfig overlays a TOML document at path onto DefaultConfig.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Completion is the application-visible result of a completed operation, spec.md §6.
type Completion = txrx.Completion

// Endpoint is the single-threaded RDM engine instance bound to one local address.
//
// Scheduling model: strictly single-threaded cooperative, spec.md §5. No interior mutex
// protects Endpoint's fields; the caller must guarantee only one goroutine calls into an
// Endpoint's methods at a time, exactly as pkg/cla/tcpclv4's per-connection StageHandler
// assumes serialized access to its State but unlike pkg/cla/manager.go, which protects
// itself with a mutex because multiple goroutines genuinely contend for it.
type Endpoint struct {
	Self uint32
	Cfg  Config

	Fabric *fabric.Fabric
	SHM    *shm.SHM

	Peers *peer.Table

	txArena *pool.Arena[txrx.TxEntry]
	rxArena *pool.Arena[txrx.RxEntry]

	txPktPool *pool.PacketPool
	rxPktPool *pool.PacketPool
	staging   *pool.StagingPool

	rxList       []pool.Ref // posted untagged receives, INIT state
	rxTaggedList []pool.Ref // posted tagged receives, INIT state

	rxUnexpList       []pool.Ref // RxUnexp, untagged
	rxUnexpTaggedList []pool.Ref // RxUnexp, tagged

	txQueuedList []pool.Ref // tx_entry_queued_list
	rxQueuedList []pool.Ref // rx_entry_queued_list

	peerList []uint32 // not populated; Peers.All() enumerates every peer ever seen

	// regions backs emulated RMA READ/WRITE targets, keyed by the RemoteIOV.Addr an
	// initiator names; see RegisterRegion.
	regions map[uint64][]byte

	cq []Completion

	// FabricRmFull and ShmRmFull track whether each transport's completion queue is at
	// capacity, refreshed every Progress pass, spec.md §4.7 step 7. Nothing currently
	// throttles submissions off these flags (Transport.Send/Inject's own ErrAgain already
	// provides that backpressure); they are exposed for diagnostics and future pacing.
	FabricRmFull bool
	ShmRmFull    bool

	log *log.Entry
}

// New creates an Endpoint bound to local address self with the given entry/packet
// arena capacities. cfg is typically DefaultConfig() overlaid with LoadConfig.
func New(self uint32, cfg Config, txEntries, rxEntries, pktEntries int) *Endpoint {
	ep := &Endpoint{
		Self:      self,
		Cfg:       cfg,
		Fabric:    fabric.New(self, cfg.Progress.CQSize, cfg.Progress.EFACQReadSize, cfg.Progress.EFACQReadSize),
		SHM:       shm.New(self, cfg.Progress.CQSize),
		Peers:     peer.NewTable(cfg.RecvWinSize, cfg.RNR.TimeoutIntervalUs),
		txArena:   pool.New[txrx.TxEntry](txEntries),
		rxArena:   pool.New[txrx.RxEntry](rxEntries),
		txPktPool: pool.NewPacketPool(pktEntries, cfg.MTUSize),
		rxPktPool: pool.NewPacketPool(pktEntries, cfg.MTUSize),
		staging:   pool.NewStagingPool(pktEntries, cfg.MTUSize),
		log:       log.WithFields(log.Fields{"endpoint": self}),
	}
	ep.txArena.EnablePoisoning(txrx.ResetTx)
	ep.rxArena.EnablePoisoning(txrx.ResetRx)
	return ep
}

// AttachPeer wires this endpoint's transports directly to another Endpoint's, for
// in-process loopback testing. A production binding instead resolves peers through the
// address-vector layer, out of scope per spec.md §1.
func (ep *Endpoint) AttachPeer(other *Endpoint) {
	ep.Fabric.Attach(other.Fabric)
	other.Fabric.Attach(ep.Fabric)
	ep.SHM.Attach(other.SHM)
	other.SHM.Attach(ep.SHM)
}

// transportFor returns the transport this endpoint should use to reach addr, routing by
// the peer's is_local bit per spec.md §4.5/§9.
func (ep *Endpoint) transportFor(addr uint32) transport.Transport {
	p := ep.Peers.Get(addr)
	if p.IsLocal && ep.Cfg.SHM.Enable {
		return ep.SHM
	}
	return ep.Fabric
}

// MarkLocal records that addr is a co-located peer, routing its traffic over the
// shared-memory transport, grounded on smr_verify_peer in original_source/prov/shm.
func (ep *Endpoint) MarkLocal(addr uint32) {
	ep.Peers.Get(addr).IsLocal = true
}

// Poll returns up to max completions written since the last call, draining the
// application-visible completion queue.
func (ep *Endpoint) Poll(max int) []Completion {
	if max > len(ep.cq) {
		max = len(ep.cq)
	}
	out := ep.cq[:max]
	ep.cq = ep.cq[max:]
	return out
}

func (ep *Endpoint) pushCompletion(c Completion) {
	ep.cq = append(ep.cq, c)
}
