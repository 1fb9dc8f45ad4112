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

package metrics

import (
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// counterValue reads a scalar Counter's current value without going through
// a scrape, for the periodic zerolog summary.
func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Swarm tracks per-frame-type accept/reject counts and chain admission
// outcomes for a single swarm node, registered against a caller-owned
// registry rather than the global Prometheus default. totalAccepted and
// totalRejected duplicate the CounterVecs as flat tallies: the vectors carry
// per-label cardinality for Prometheus, the tallies are cheap to read for
// the zerolog summary without walking every label combination.
type Swarm struct {
	accepted       *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	blocksAccepted prometheus.Counter
	blocksRejected prometheus.Counter

	totalAccepted uint64
	totalRejected uint64
}

// NewSwarm registers a Swarm collector's metrics against reg and returns it.
func NewSwarm(reg prometheus.Registerer, nodeID string) *Swarm {
	s := &Swarm{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kolibri_swarm_frames_accepted_total",
			Help:        "Number of inbound swarm frames accepted, by frame type.",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kolibri_swarm_frames_rejected_total",
			Help:        "Number of inbound swarm frames rejected, by frame type and reason.",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		}, []string{"type", "reason"}),
		blocksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kolibri_swarm_blocks_accepted_total",
			Help:        "Number of block offers admitted to the chain.",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		}),
		blocksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kolibri_swarm_blocks_rejected_total",
			Help:        "Number of block offers rejected by the chain link.",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		}),
	}
	reg.MustRegister(s.accepted, s.rejected, s.blocksAccepted, s.blocksRejected)
	return s
}

// Accept records an accepted frame of the given type.
func (s *Swarm) Accept(frameType string) {
	s.accepted.WithLabelValues(frameType).Inc()
	atomic.AddUint64(&s.totalAccepted, 1)
}

// Reject records a rejected frame of the given type and reason.
func (s *Swarm) Reject(frameType, reason string) {
	s.rejected.WithLabelValues(frameType, reason).Inc()
	atomic.AddUint64(&s.totalRejected, 1)
}

// BlockAccepted records a chain-admitted block offer.
func (s *Swarm) BlockAccepted() {
	s.blocksAccepted.Inc()
}

// BlockRejected records a chain-rejected block offer.
func (s *Swarm) BlockRejected() {
	s.blocksRejected.Inc()
}

// Output satisfies Collector. Prometheus counters remain the primary read
// path (scraped via the owning registry); this is a periodic summary for
// operators tailing logs instead of a dashboard.
func (s *Swarm) Output(log zerolog.Logger) {
	log.Info().
		Uint64("frames_accepted", atomic.LoadUint64(&s.totalAccepted)).
		Uint64("frames_rejected", atomic.LoadUint64(&s.totalRejected)).
		Float64("blocks_accepted", counterValue(s.blocksAccepted)).
		Float64("blocks_rejected", counterValue(s.blocksRejected)).
		Msg("swarm counters")
}

// Gossip tracks per-transport datagram and delivery counts. totalDatagrams
// and totalDelivered mirror the CounterVecs as flat tallies, the same
// tradeoff Swarm makes above.
type Gossip struct {
	datagrams *prometheus.CounterVec
	delivered *prometheus.CounterVec

	totalDatagrams uint64
	totalDelivered uint64
}

// NewGossip registers a Gossip collector's metrics against reg.
func NewGossip(reg prometheus.Registerer) *Gossip {
	g := &Gossip{
		datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolibri_gossip_datagrams_total",
			Help: "Number of gossip broadcasts issued, by transport.",
		}, []string{"transport"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kolibri_gossip_frames_delivered_total",
			Help: "Number of frames successfully delivered by gossip, by transport.",
		}, []string{"transport"}),
	}
	reg.MustRegister(g.datagrams, g.delivered)
	return g
}

// Record bumps the datagram counter for transport by one and the delivered
// counter by delivered.
func (g *Gossip) Record(transport string, delivered int) {
	g.datagrams.WithLabelValues(transport).Inc()
	g.delivered.WithLabelValues(transport).Add(float64(delivered))
	atomic.AddUint64(&g.totalDatagrams, 1)
	atomic.AddUint64(&g.totalDelivered, uint64(delivered))
}

// Output satisfies Collector.
func (g *Gossip) Output(log zerolog.Logger) {
	log.Info().
		Uint64("datagrams", atomic.LoadUint64(&g.totalDatagrams)).
		Uint64("delivered", atomic.LoadUint64(&g.totalDelivered)).
		Msg("gossip counters")
}

// Chain tracks chain block appends and F-KV WAL and checkpoint activity.
type Chain struct {
	blocksAdded prometheus.Counter
	walOps      prometheus.Counter
	checkpoints prometheus.Counter
}

// NewChain registers a Chain collector's metrics against reg.
func NewChain(reg prometheus.Registerer) *Chain {
	c := &Chain{
		blocksAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kolibri_chain_blocks_added_total",
			Help: "Number of blocks appended to the chain across all branches.",
		}),
		walOps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kolibri_fkv_wal_ops_total",
			Help: "Number of WAL records appended by the F-KV store.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kolibri_fkv_checkpoints_total",
			Help: "Number of F-KV checkpoints promoted to delta files.",
		}),
	}
	reg.MustRegister(c.blocksAdded, c.walOps, c.checkpoints)
	return c
}

// BlockAdded records a successful chain append.
func (c *Chain) BlockAdded() {
	c.blocksAdded.Inc()
}

// WALOp records a single WAL append.
func (c *Chain) WALOp() {
	c.walOps.Inc()
}

// Checkpoint records a promoted checkpoint.
func (c *Chain) Checkpoint() {
	c.checkpoints.Inc()
}

// Output satisfies Collector.
func (c *Chain) Output(log zerolog.Logger) {
	log.Info().
		Float64("blocks_added", counterValue(c.blocksAdded)).
		Float64("wal_ops", counterValue(c.walOps)).
		Float64("checkpoints", counterValue(c.checkpoints)).
		Msg("chain counters")
}
