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

package poe

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leontov/kolibri/errs"
	"github.com/leontov/kolibri/metrics"
)

// Policy bounds what AddBlock will admit.
type Policy struct {
	MinPoUThreshold float64 // default 0.8
	MaxMDLDelta     float64 // 0 disables the check
}

// DefaultPolicy matches the spec's default admission threshold.
func DefaultPolicy() Policy {
	return Policy{MinPoUThreshold: 0.8}
}

// LogMessage is one rolling audit-log entry.
type LogMessage struct {
	Message   string
	Timestamp time.Time
}

// AuditLog holds the chain's two rolling log messages, refreshed on every
// admission attempt.
type AuditLog struct {
	Verification LogMessage
	Finalization LogMessage
}

// Chain is the Proof-of-Effectiveness blockchain described in §4.9: one
// mutex serializes every read and write.
type Chain struct {
	log zerolog.Logger
	mu  sync.Mutex

	blocks     []*Block
	policy     Policy
	audit      AuditLog
	mainTip    int // index into blocks, -1 when empty
	difficulty float64
	clock      func() time.Time
	metrics    *metrics.Chain
}

// SetMetrics attaches a Prometheus collector. Pass nil to disable
// recording.
func (c *Chain) SetMetrics(m *metrics.Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// New constructs an empty Chain with the given policy.
func New(log zerolog.Logger, policy Policy) *Chain {
	return &Chain{
		log:        log.With().Str("component", "poe_chain").Logger(),
		policy:     policy,
		mainTip:    -1,
		difficulty: 0.7,
		clock:      time.Now,
	}
}

// WithClock overrides the chain's time source, for deterministic tests.
func (c *Chain) WithClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// Height returns the number of blocks accepted onto the chain.
func (c *Chain) Height() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

// GetLastHash returns the main tip's hash, or GenesisHash when the chain is
// empty.
func (c *Chain) GetLastHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mainTip < 0 {
		return GenesisHash
	}
	return c.blocks[c.mainTip].Hash
}

// FindBlock returns a copy of the block with the given hash.
func (c *Chain) FindBlock(hash string) (Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocks {
		if b.Hash == hash {
			return *b, true
		}
	}
	return Block{}, false
}

// Audit returns a copy of the chain's rolling audit log.
func (c *Chain) Audit() AuditLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audit
}

// Difficulty returns the advisory difficulty maintained by AdjustDifficulty.
// It is independent of the fixed hex-prefix mining rule.
func (c *Chain) Difficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.difficulty
}

func (c *Chain) findByHash(hash string) int {
	for i, b := range c.blocks {
		if b.Hash == hash {
			return i
		}
	}
	return -1
}

// AddBlock runs the full §4.9 add flow: aggregate, threshold-check, resolve
// parent, mine, append, and re-run fork-choice over every tip.
func (c *Chain) AddBlock(prevHash string, formulas []Formula) (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()

	owned := make([]Formula, len(formulas))
	for i, f := range formulas {
		owned[i] = f.clone()
	}

	block := &Block{
		Formulas:     owned,
		PrevHash:     prevHash,
		Timestamp:    now,
		PoEThreshold: c.policy.MinPoUThreshold,
		ParentIndex:  -1,
	}
	block.aggregate()

	if len(owned) == 0 || block.PoEAverage < c.policy.MinPoUThreshold {
		block.ValidationStatus = ValidationRejected
		c.recordAudit(now, "rejected: poe_average below threshold", "rejected: no block finalized")
		c.log.Info().Float64("poe_average", block.PoEAverage).Msg("block rejected below poe threshold")
		return Block{}, fmt.Errorf("poe: block rejected, poe_average %.4f below threshold %.4f: %w",
			block.PoEAverage, c.policy.MinPoUThreshold, errs.ErrFailedPrecondition)
	}

	parentIndex := -1
	var parentMDLAvg float64
	var parentCumPoE, parentCumScore float64
	var parentHeight uint64

	if prevHash == "" || prevHash == GenesisHash {
		if len(c.blocks) != 0 {
			c.recordAudit(now, "rejected: genesis prev_hash on non-empty chain", "rejected: no block finalized")
			return Block{}, fmt.Errorf("poe: prev_hash is the genesis sentinel but chain already has blocks: %w", errs.ErrFailedPrecondition)
		}
	} else {
		idx := c.findByHash(prevHash)
		if idx < 0 {
			c.recordAudit(now, "rejected: unknown prev_hash", "rejected: no block finalized")
			return Block{}, fmt.Errorf("poe: no block with hash %q: %w", prevHash, errs.ErrNotFound)
		}
		parent := c.blocks[idx]
		parentIndex = idx
		parentMDLAvg = parent.MDLAverage
		parentCumPoE = parent.CumulativePoE
		parentCumScore = parent.CumulativeScore
		parentHeight = parent.Height
	}

	block.MDLDelta = math.Abs(block.MDLAverage - parentMDLAvg)
	if c.policy.MaxMDLDelta > 0 && block.MDLDelta > c.policy.MaxMDLDelta {
		block.ValidationStatus = ValidationRejected
		c.recordAudit(now, "rejected: mdl_delta exceeds policy", "rejected: no block finalized")
		return Block{}, fmt.Errorf("poe: mdl_delta %.4f exceeds policy max %.4f: %w",
			block.MDLDelta, c.policy.MaxMDLDelta, errs.ErrFailedPrecondition)
	}

	block.mine()
	block.ParentIndex = parentIndex
	if parentIndex < 0 {
		block.Height = 0
	} else {
		block.Height = parentHeight + 1
	}
	block.CumulativePoE = parentCumPoE + block.PoEAverage
	block.CumulativeScore = parentCumScore + block.ScoreAverage
	block.ValidationStatus = ValidationAccepted

	c.blocks = append(c.blocks, block)
	c.runForkChoice()

	c.recordAudit(now, fmt.Sprintf("verified block at height %d", block.Height), fmt.Sprintf("finalized block %s", block.Hash))
	c.log.Debug().Str("hash", block.Hash).Uint64("height", block.Height).Msg("block accepted")

	if c.metrics != nil {
		c.metrics.BlockAdded()
	}

	return *block, nil
}

// runForkChoice walks every tip (a block no other block's prev_hash points
// at) and selects the main chain by cumulative_score, tie-broken by
// cumulative_poe, then height, then earliest timestamp.
func (c *Chain) runForkChoice() {
	if len(c.blocks) == 0 {
		c.mainTip = -1
		return
	}

	hasChild := make(map[string]bool, len(c.blocks))
	for _, b := range c.blocks {
		hasChild[b.PrevHash] = true
	}

	best := -1
	for i, b := range c.blocks {
		if hasChild[b.Hash] {
			continue // not a tip
		}
		if best < 0 || betterTip(b, c.blocks[best]) {
			best = i
		}
	}
	if best < 0 {
		// No block lacks a child (shouldn't happen outside pathological
		// input); fall back to the most recently appended block.
		best = len(c.blocks) - 1
	}
	c.mainTip = best

	onPath := make(map[int]bool, len(c.blocks))
	idx := best
	for idx >= 0 {
		onPath[idx] = true
		idx = c.blocks[idx].ParentIndex
	}
	for i, b := range c.blocks {
		b.OnMainChain = onPath[i]
	}
}

// betterTip reports whether candidate beats current under the fork-choice
// ordering: higher cumulative_score wins, then cumulative_poe, then height,
// then the earlier timestamp.
func betterTip(candidate, current *Block) bool {
	if candidate.CumulativeScore != current.CumulativeScore {
		return candidate.CumulativeScore > current.CumulativeScore
	}
	if candidate.CumulativePoE != current.CumulativePoE {
		return candidate.CumulativePoE > current.CumulativePoE
	}
	if candidate.Height != current.Height {
		return candidate.Height > current.Height
	}
	return candidate.Timestamp.Before(current.Timestamp)
}

func (c *Chain) recordAudit(at time.Time, verification, finalization string) {
	c.audit.Verification = LogMessage{Message: verification, Timestamp: at}
	c.audit.Finalization = LogMessage{Message: finalization, Timestamp: at}
}

// Verify recomputes every block's hash and parent linkage, enforcing the
// threshold and fork-choice metadata along the way.
func (c *Chain) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	onPath := make(map[int]bool, len(c.blocks))
	idx := c.mainTip
	for idx >= 0 {
		onPath[idx] = true
		idx = c.blocks[idx].ParentIndex
	}

	for i, b := range c.blocks {
		wantPrev := GenesisHash
		if b.ParentIndex >= 0 {
			if b.ParentIndex >= len(c.blocks) {
				return fmt.Errorf("poe: block %d has out-of-range parent_index %d: %w", i, b.ParentIndex, errs.ErrDataLoss)
			}
			wantPrev = c.blocks[b.ParentIndex].Hash
		}
		if b.PrevHash != wantPrev {
			return fmt.Errorf("poe: block %d prev_hash mismatch: %w", i, errs.ErrDataLoss)
		}
		if recomputed := b.computeHash(); recomputed != b.Hash {
			return fmt.Errorf("poe: block %d hash does not match its contents: %w", i, errs.ErrDataLoss)
		}
		if len(b.Hash) < len(DifficultyTarget) || b.Hash[:len(DifficultyTarget)] != DifficultyTarget {
			return fmt.Errorf("poe: block %d hash does not meet difficulty target: %w", i, errs.ErrDataLoss)
		}
		if b.PoEAverage < c.policy.MinPoUThreshold {
			return fmt.Errorf("poe: block %d poe_average %.4f below threshold: %w", i, b.PoEAverage, errs.ErrDataLoss)
		}
		if b.OnMainChain != onPath[i] {
			return fmt.Errorf("poe: block %d on_main_chain metadata inconsistent with fork-choice: %w", i, errs.ErrDataLoss)
		}
	}
	return nil
}

// AdjustDifficulty recomputes the advisory difficulty knob from a trailing
// 100-block moving average of poe_average, once the chain has at least 100
// blocks. It is not invoked automatically by AddBlock; an outer scheduler
// calls it periodically.
func (c *Chain) AdjustDifficulty() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.blocks) < 100 {
		return
	}

	window := c.blocks[len(c.blocks)-100:]
	var sum float64
	for _, b := range window {
		sum += b.PoEAverage
	}
	avg := sum / 100.0

	switch {
	case avg > c.difficulty*1.1:
		c.difficulty *= 1.1
	case avg < c.difficulty*0.9:
		c.difficulty *= 0.9
	}
	if c.difficulty < 0.1 {
		c.difficulty = 0.1
	}
	if c.difficulty > 0.9 {
		c.difficulty = 0.9
	}
}
