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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/leontov/kolibri/errs"
	"github.com/leontov/kolibri/fkv/replication"
	"github.com/leontov/kolibri/metrics"
)

// Transport is a gossip datagram tag: 'U' for UDP, 'Q' for QUIC.
type Transport byte

const (
	TransportUDP  Transport = 'U'
	TransportQUIC Transport = 'Q'
)

// String renders the transport's name, used as a metrics label.
func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// TransportStats is the per-transport counter pair described in §4.8: both
// counters increment once per Broadcast call, not once per peer.
type TransportStats struct {
	Datagrams       uint64
	FramesDelivered uint64
}

// Gossip maintains an address book of node_id -> Node and broadcasts frames
// to every peer but the source.
type Gossip struct {
	log     zerolog.Logger
	mu      sync.Mutex
	peers   map[string]*Node
	stats   map[Transport]*TransportStats
	metrics *metrics.Gossip
}

// SetMetrics attaches a Prometheus collector. Pass nil to disable
// recording.
func (g *Gossip) SetMetrics(m *metrics.Gossip) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics = m
}

// NewGossip constructs an empty address book.
func NewGossip(log zerolog.Logger) *Gossip {
	return &Gossip{
		log:   log.With().Str("component", "gossip").Logger(),
		peers: make(map[string]*Node),
		stats: map[Transport]*TransportStats{
			TransportUDP:  {},
			TransportQUIC: {},
		},
	}
}

func validNodeID(id string) bool {
	if len(id) != 16 {
		return false
	}
	return isAllDigits(id)
}

// AddPeer registers node under id, rejecting a malformed ID or a duplicate.
func (g *Gossip) AddPeer(id string, node *Node) error {
	if !validNodeID(id) {
		return fmt.Errorf("gossip: node id %q must be 16 ASCII digits: %w", id, errs.ErrInvalidArgument)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.peers[id]; exists {
		return fmt.Errorf("gossip: node id %q already registered: %w", id, errs.ErrAlreadyExists)
	}
	g.peers[id] = node
	return nil
}

// RemovePeer deregisters id.
func (g *Gossip) RemovePeer(id string) error {
	if !validNodeID(id) {
		return fmt.Errorf("gossip: node id %q must be 16 ASCII digits: %w", id, errs.ErrInvalidArgument)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.peers[id]; !exists {
		return fmt.Errorf("gossip: node id %q not registered: %w", id, errs.ErrNotFound)
	}
	delete(g.peers, id)
	return nil
}

// Broadcast submits frame, with wait=true, to every registered peer except
// sourceID. It reports success only if every peer ACCEPTed. The transport's
// datagrams/frames_delivered counters increment exactly once per call:
// datagrams by one, frames_delivered by the number of peers that accepted.
func (g *Gossip) Broadcast(sourceID string, frame Frame, transport Transport) bool {
	g.mu.Lock()
	targets := make(map[string]*Node, len(g.peers))
	for id, node := range g.peers {
		if id == sourceID {
			continue
		}
		targets[id] = node
	}
	g.mu.Unlock()

	var delivered uint64
	var anyFailed int32
	var eg errgroup.Group
	for _, node := range targets {
		node := node
		eg.Go(func() error {
			decision := node.SubmitFrame(sourceID, frame, true)
			if decision == DecisionAccept {
				atomic.AddUint64(&delivered, 1)
			} else {
				atomic.StoreInt32(&anyFailed, 1)
			}
			return nil
		})
	}
	_ = eg.Wait()
	ok := atomic.LoadInt32(&anyFailed) == 0

	g.mu.Lock()
	stats := g.stats[transport]
	if stats == nil {
		stats = &TransportStats{}
		g.stats[transport] = stats
	}
	stats.Datagrams++
	stats.FramesDelivered += delivered
	m := g.metrics
	g.mu.Unlock()

	if m != nil {
		m.Record(transport.String(), int(delivered))
	}

	return ok
}

// Stats returns a copy of a transport's counters.
func (g *Gossip) Stats(transport Transport) TransportStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s := g.stats[transport]; s != nil {
		return *s
	}
	return TransportStats{}
}

// EncodeDatagram prepends transport's single-byte tag to frame's wire
// serialization.
func EncodeDatagram(transport Transport, frame Frame) ([]byte, error) {
	body, err := Serialize(frame)
	if err != nil {
		return nil, fmt.Errorf("gossip: serialize datagram frame: %w", err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(transport))
	out = append(out, body...)
	return out, nil
}

// DecodeDatagram splits off the transport tag and parses the remaining
// frame.
func DecodeDatagram(data []byte) (Transport, Frame, error) {
	if len(data) < 1 {
		return 0, Frame{}, fmt.Errorf("gossip: empty datagram: %w", errs.ErrInvalidArgument)
	}
	transport := Transport(data[0])
	if transport != TransportUDP && transport != TransportQUIC {
		return 0, Frame{}, fmt.Errorf("gossip: unknown transport tag %q: %w", data[0], errs.ErrInvalidArgument)
	}
	frame, err := Parse(data[1:])
	if err != nil {
		return 0, Frame{}, err
	}
	return transport, frame, nil
}

// FrameFromFKVDelta is a convenience constructor turning a replication delta
// into an FKV_DELTA frame for broadcast. prefix must be exactly 12 digits;
// the delta's counts must fit the wire field widths.
func FrameFromFKVDelta(delta *replication.FKVDelta, prefix string) (Frame, error) {
	if len(prefix) != 12 || !isAllDigits(prefix) {
		return Frame{}, fmt.Errorf("gossip: fkv delta prefix %q must be 12 ASCII digits: %w", prefix, errs.ErrInvalidArgument)
	}
	if delta.EntryCount > 999 {
		return Frame{}, fmt.Errorf("gossip: fkv delta entry_count %d exceeds field width: %w", delta.EntryCount, errs.ErrInvalidArgument)
	}
	if delta.CompressedSize > 999999 {
		return Frame{}, fmt.Errorf("gossip: fkv delta compressed_size %d exceeds field width: %w", delta.CompressedSize, errs.ErrInvalidArgument)
	}
	return Frame{
		Type: FrameFKVDelta,
		FKVDelta: &FKVDeltaPayload{
			Prefix:         prefix,
			EntryCount:     delta.EntryCount,
			CompressedSize: delta.CompressedSize,
			Checksum:       delta.Checksum,
		},
	}, nil
}
