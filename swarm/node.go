// Copyright 2024 Kolibri Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package swarm

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leontov/kolibri/metrics"
	"github.com/leontov/kolibri/metrics/output"
)

// ChainLink is the subset of the chain↔swarm link a Node dispatches
// BLOCK_OFFER frames to. It returns whether the block was admitted.
type ChainLink interface {
	AdmitBlock(offer BlockOfferPayload) bool
}

// OutboundFrame is one entry in a Node's outbound mailbox.
type OutboundFrame struct {
	PeerID string
	Frame  Frame
}

// PeerSnapshot is a frozen, caller-owned copy of one peer's observed state.
type PeerSnapshot struct {
	PeerID         string
	FramesPerType  map[FrameType]uint64
	Reputation     Reputation
	LastSeenMs     int64
	LastHello        *HelloPayload
	LastPing         *PingPayload
	LastProgramOffer *ProgramOfferPayload
	LastFKVDelta     *FKVDeltaPayload
	BlocksAccepted   uint64
	BlocksRejected   uint64
}

type inboundEvent struct {
	peerID string
	frame  Frame
	reply  chan Decision // nil means fire-and-forget
}

type snapshotRequest struct {
	peerID string
	reply  chan snapshotResult
}

type snapshotResult struct {
	snapshot PeerSnapshot
	ok       bool
}

// Identity describes what a Node presents to peers in a HELLO reply.
type Identity struct {
	NodeID   string
	Version  uint16
	Services uint16
}

// Config bounds a Node's resource usage.
type Config struct {
	MaxPeers      int // peer-table capacity; DefaultConfig uses 32, New does not enforce a minimum
	QueueCapacity int
	MailboxSize   int // outbound mailbox capacity; DefaultConfig uses 64, New does not enforce a maximum
	Clock         func() int64
}

// DefaultConfig matches the spec's minimum peer-table size and mailbox
// bound.
func DefaultConfig() Config {
	return Config{
		MaxPeers:      32,
		QueueCapacity: 256,
		MailboxSize:   64,
		Clock:         func() int64 { return time.Now().UnixMilli() },
	}
}

// Node runs the single worker thread described in §4.7: one goroutine reads
// inbound frame events off a buffered channel, and is the only goroutine that
// touches the peer table or pushes to the outbound mailbox (PollOutbound pops
// from it on the caller's goroutine).
type Node struct {
	log       zerolog.Logger
	identity  Identity
	cfg       Config
	chainLink ChainLink

	inbound  chan inboundEvent
	snapshot chan snapshotRequest
	outbound *mailbox
	done     chan struct{}
	wg       sync.WaitGroup

	peers   map[string]*PeerState
	metrics *metrics.Swarm
	output  *output.Output
}

// SetMetrics attaches a Prometheus collector. Pass nil to disable
// recording. Must be called before Start to avoid a data race with the
// worker goroutine.
func (n *Node) SetMetrics(m *metrics.Swarm) {
	n.metrics = m
}

// UseMetricsOutput registers m as a collector on out and has Start/Stop
// drive out's periodic logging loop alongside the worker goroutine. Call
// before Start; pass nil to disable.
func (n *Node) UseMetricsOutput(out *output.Output) {
	if out != nil && n.metrics != nil {
		out.Register(n.metrics)
	}
	n.output = out
}

// New constructs a Node. Call Start to launch its worker goroutine.
func New(log zerolog.Logger, identity Identity, cfg Config, chainLink ChainLink) *Node {
	if cfg.Clock == nil {
		cfg.Clock = func() int64 { return time.Now().UnixMilli() }
	}
	return &Node{
		log:       log.With().Str("component", "swarm_node").Str("node_id", identity.NodeID).Logger(),
		identity:  identity,
		cfg:       cfg,
		chainLink: chainLink,
		inbound:   make(chan inboundEvent, cfg.QueueCapacity),
		snapshot:  make(chan snapshotRequest, cfg.QueueCapacity),
		outbound:  newMailbox(cfg.MailboxSize),
		done:      make(chan struct{}),
		peers:     make(map[string]*PeerState),
	}
}

// Start launches the worker goroutine, and the metrics output loop if one
// was registered via UseMetricsOutput.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.run()
	if n.output != nil {
		n.output.Run()
	}
}

// Stop signals the worker to drain its queue and exit, completing any
// pending wait=true submitters with REPUTATION_BLOCKED.
func (n *Node) Stop() {
	close(n.done)
	n.wg.Wait()
	if n.output != nil {
		n.output.Stop()
	}
}

func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case ev := <-n.inbound:
			n.handle(ev)
		case req := <-n.snapshot:
			req.reply <- n.buildSnapshot(req.peerID)
		case <-n.done:
			n.drain()
			return
		}
	}
}

func (n *Node) drain() {
	for {
		select {
		case ev := <-n.inbound:
			if ev.reply != nil {
				ev.reply <- DecisionReputationBlocked
			}
		case req := <-n.snapshot:
			req.reply <- snapshotResult{}
		default:
			return
		}
	}
}

// SubmitFrame enqueues frame from peerID. When wait is false the call
// returns ACCEPT immediately without observing the worker's actual
// decision — an optimistic response, not the eventual outcome. When wait is
// true the call blocks until the worker has processed the event and
// returns its real decision.
func (n *Node) SubmitFrame(peerID string, frame Frame, wait bool) Decision {
	var reply chan Decision
	if wait {
		reply = make(chan Decision, 1)
	}
	ev := inboundEvent{peerID: peerID, frame: frame, reply: reply}

	select {
	case n.inbound <- ev:
	case <-n.done:
		return DecisionReputationBlocked
	}

	if !wait {
		return DecisionAccept
	}
	select {
	case d := <-reply:
		return d
	case <-n.done:
		return DecisionReputationBlocked
	}
}

func (n *Node) handle(ev inboundEvent) {
	now := n.cfg.Clock()
	peer, ok := n.peers[ev.peerID]
	if !ok {
		if len(n.peers) >= n.cfg.MaxPeers {
			n.complete(ev, DecisionReputationBlocked)
			return
		}
		peer = NewPeerState(ev.peerID, now)
		n.peers[ev.peerID] = peer
	}

	decision := peer.ShouldAccept(ev.frame.Type, now)
	if decision != DecisionAccept {
		if n.metrics != nil {
			n.metrics.Reject(ev.frame.Type.String(), decision.String())
		}
		n.complete(ev, decision)
		return
	}

	if peer.FramesPerType == nil {
		peer.FramesPerType = make(map[FrameType]uint64)
	}
	peer.FramesPerType[ev.frame.Type]++

	switch ev.frame.Type {
	case FrameHello:
		peer.LastHello = ev.frame.Hello
		n.enqueueOutbound(ev.peerID, Frame{Type: FrameHello, Hello: &HelloPayload{
			Version:    n.identity.Version,
			NodeID:     n.identity.NodeID,
			Services:   n.identity.Services,
			Reputation: uint16(peer.Reputation.Score),
		}})
		peer.ReportSuccess(ev.frame.Type)

	case FramePing:
		peer.LastPing = ev.frame.Ping
		latency := ev.frame.Ping.LatencyHintMs
		if latency < 1 {
			latency = 1
		}
		n.enqueueOutbound(ev.peerID, Frame{Type: FramePing, Ping: &PingPayload{
			Nonce: ev.frame.Ping.Nonce, LatencyHintMs: latency,
		}})
		peer.ReportSuccess(ev.frame.Type)

	case FrameProgramOffer:
		peer.LastProgramOffer = ev.frame.ProgramOffer
		peer.ReportSuccess(ev.frame.Type)

	case FrameFKVDelta:
		peer.LastFKVDelta = ev.frame.FKVDelta
		peer.ReportSuccess(ev.frame.Type)

	case FrameBlockOffer:
		admitted := n.chainLink != nil && n.chainLink.AdmitBlock(*ev.frame.BlockOffer)
		if admitted {
			peer.BlocksAccepted++
			peer.ReportSuccess(ev.frame.Type)
			if n.metrics != nil {
				n.metrics.BlockAccepted()
			}
		} else {
			peer.BlocksRejected++
			peer.ReportViolation()
			if n.metrics != nil {
				n.metrics.BlockRejected()
			}
		}

	default:
		n.log.Warn().Int("frame_type", int(ev.frame.Type)).Msg("dispatch received an unhandled frame type")
	}

	if n.metrics != nil {
		n.metrics.Accept(ev.frame.Type.String())
	}
	n.complete(ev, DecisionAccept)
}

func (n *Node) complete(ev inboundEvent, decision Decision) {
	if ev.reply != nil {
		ev.reply <- decision
	}
}

// enqueueOutbound pushes a frame onto the bounded mailbox, dropping the
// oldest entry when full.
func (n *Node) enqueueOutbound(peerID string, frame Frame) {
	n.outbound.push(OutboundFrame{PeerID: peerID, Frame: frame})
}

// PollOutbound blocks up to timeout waiting for a mailbox entry.
func (n *Node) PollOutbound(timeout time.Duration) (OutboundFrame, bool) {
	return n.outbound.poll(timeout)
}

// PeerSnapshot returns a frozen copy of one peer's observed state. It is
// safe to call concurrently with Start having been called: the request is
// routed through the worker goroutine like any other event.
func (n *Node) PeerSnapshot(peerID string) (PeerSnapshot, bool) {
	reply := make(chan snapshotResult, 1)
	req := snapshotRequest{peerID: peerID, reply: reply}
	select {
	case n.snapshot <- req:
	case <-n.done:
		return PeerSnapshot{}, false
	}
	res := <-reply
	return res.snapshot, res.ok
}

func (n *Node) buildSnapshot(peerID string) snapshotResult {
	peer, ok := n.peers[peerID]
	if !ok {
		return snapshotResult{}
	}
	frames := make(map[FrameType]uint64, len(peer.FramesPerType))
	for k, v := range peer.FramesPerType {
		frames[k] = v
	}
	return snapshotResult{
		ok: true,
		snapshot: PeerSnapshot{
			PeerID:           peer.ID,
			FramesPerType:    frames,
			Reputation:       peer.Reputation,
			LastSeenMs:       peer.LastSeenMs,
			LastHello:        peer.LastHello,
			LastPing:         peer.LastPing,
			LastProgramOffer: peer.LastProgramOffer,
			LastFKVDelta:     peer.LastFKVDelta,
			BlocksAccepted:   peer.BlocksAccepted,
			BlocksRejected:   peer.BlocksRejected,
		},
	}
}
