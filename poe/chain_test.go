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

package poe_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leontov/kolibri/poe"
)

func textFormula(id string, effectiveness float64, content string) poe.Formula {
	return poe.Formula{
		ID:            id,
		Effectiveness: effectiveness,
		Content:       content,
		CreatedAt:     time.Unix(0, 0),
	}
}

func newTestChain() *poe.Chain {
	c := poe.New(zerolog.Nop(), poe.DefaultPolicy())
	tick := int64(0)
	c.WithClock(func() time.Time {
		tick++
		return time.Unix(tick, 0)
	})
	return c
}

func TestAddBlockRejectsBelowThreshold(t *testing.T) {
	c := newTestChain()
	_, err := c.AddBlock(poe.GenesisHash, []poe.Formula{textFormula("f1", 0.5, "low effectiveness")})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Height())
}

func TestAddBlockRejectsUnknownParent(t *testing.T) {
	c := newTestChain()
	_, err := c.AddBlock("deadbeef", []poe.Formula{textFormula("f1", 0.9, "x")})
	assert.Error(t, err)
}

func TestAddBlockMinesHashWithDifficultyPrefix(t *testing.T) {
	c := newTestChain()
	block, err := c.AddBlock(poe.GenesisHash, []poe.Formula{textFormula("f1", 0.9, "content")})
	require.NoError(t, err)
	assert.Equal(t, poe.DifficultyTarget, block.Hash[:len(poe.DifficultyTarget)])
	assert.Len(t, block.Hash, 64)
	assert.Equal(t, poe.ValidationAccepted, block.ValidationStatus)
}

// TestChainForkChoiceMarksLosingSiblingOffMainChain reproduces the spec's
// literal fork-choice scenario: admit A (poe_avg=0.85), then B with prev=A
// (poe=0.68), then C with prev=A (poe=0.95); after C, the main tip is C and
// B.on_main_chain is false.
func TestChainForkChoiceMarksLosingSiblingOffMainChain(t *testing.T) {
	// B's poe of 0.68 is below the default 0.8 threshold, so this chain
	// admits anything at or above 0.6.
	c := poe.New(zerolog.Nop(), poe.Policy{MinPoUThreshold: 0.6})
	tick := int64(0)
	c.WithClock(func() time.Time {
		tick++
		return time.Unix(tick, 0)
	})

	a, err := c.AddBlock(poe.GenesisHash, []poe.Formula{textFormula("a", 0.85, "alpha")})
	require.NoError(t, err)

	bBlock, err := c.AddBlock(a.Hash, []poe.Formula{textFormula("b", 0.68, "beta")})
	require.NoError(t, err)

	cBlock, err := c.AddBlock(a.Hash, []poe.Formula{textFormula("c", 0.95, "gamma")})
	require.NoError(t, err)

	bFound, ok := c.FindBlock(bBlock.Hash)
	require.True(t, ok)
	assert.False(t, bFound.OnMainChain)

	cFound, ok := c.FindBlock(cBlock.Hash)
	require.True(t, ok)
	assert.True(t, cFound.OnMainChain)
	assert.Equal(t, cBlock.Hash, c.GetLastHash())
}

func TestAddBlockEnforcesMaxMDLDelta(t *testing.T) {
	policy := poe.DefaultPolicy()
	policy.MaxMDLDelta = 2
	c := poe.New(zerolog.Nop(), policy)

	a, err := c.AddBlock(poe.GenesisHash, []poe.Formula{textFormula("a", 0.9, "ab")})
	require.NoError(t, err)

	_, err = c.AddBlock(a.Hash, []poe.Formula{textFormula("b", 0.9, "a very much longer piece of content")})
	assert.Error(t, err)
}

func TestVerifyPassesOnCleanChain(t *testing.T) {
	c := newTestChain()
	a, err := c.AddBlock(poe.GenesisHash, []poe.Formula{textFormula("a", 0.9, "alpha")})
	require.NoError(t, err)
	_, err = c.AddBlock(a.Hash, []poe.Formula{textFormula("b", 0.91, "beta")})
	require.NoError(t, err)

	assert.NoError(t, c.Verify())
}

func TestAdjustDifficultyNoopBelowWindow(t *testing.T) {
	c := newTestChain()
	_, err := c.AddBlock(poe.GenesisHash, []poe.Formula{textFormula("a", 0.9, "alpha")})
	require.NoError(t, err)

	before := c.Difficulty()
	c.AdjustDifficulty()
	assert.Equal(t, before, c.Difficulty())
}

func TestSerializeDeserializeBlockRoundTrip(t *testing.T) {
	c := newTestChain()
	block, err := c.AddBlock(poe.GenesisHash, []poe.Formula{textFormula("a", 0.9, "alpha")})
	require.NoError(t, err)

	data, err := poe.SerializeBlock(block)
	require.NoError(t, err)

	decoded, err := poe.DeserializeBlock(data)
	require.NoError(t, err)
	assert.Equal(t, block.Hash, decoded.Hash)
	assert.Equal(t, block.Height, decoded.Height)
	require.Len(t, decoded.Formulas, 1)
	assert.Equal(t, "a", decoded.Formulas[0].ID)
}

func TestFormulaScoring(t *testing.T) {
	f := textFormula("f", 1.5, "12345")
	assert.Equal(t, 1.0, f.PoE())
	assert.Equal(t, 5.0, f.MDL())
	assert.InDelta(t, 0.95, f.Score(), 1e-9)

	analytic := poe.Formula{
		ID:             "g",
		Representation: poe.RepresentationAnalytic,
		Effectiveness:  0.9,
		Coefficients:   []float64{1, 2},
		Expression:     "x+y",
	}
	assert.Equal(t, float64(8+4*2+3), analytic.MDL())
}
