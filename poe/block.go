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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// ValidationStatus is the outcome of admitting a block.
type ValidationStatus uint8

const (
	ValidationPending ValidationStatus = iota
	ValidationAccepted
	ValidationRejected
)

func (s ValidationStatus) String() string {
	switch s {
	case ValidationPending:
		return "PENDING"
	case ValidationAccepted:
		return "ACCEPTED"
	case ValidationRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// GenesisHash is the 64-zero sentinel a root block's prev_hash resolves to.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DifficultyTarget is the fixed hex prefix every mined block hash must carry.
const DifficultyTarget = "000"

// Block is one entry in the PoE chain: a set of scored formulas, their
// aggregate statistics, and the fork-choice bookkeeping needed to find the
// chain's main tip.
type Block struct {
	Formulas []Formula `cbor:"formulas"`

	PrevHash string `cbor:"prev_hash"`
	Hash     string `cbor:"hash"`

	Timestamp time.Time `cbor:"timestamp"`
	Nonce     uint64    `cbor:"nonce"`

	PoESum     float64 `cbor:"poe_sum"`
	PoEAverage float64 `cbor:"poe_average"`

	MDLSum     float64 `cbor:"mdl_sum"`
	MDLAverage float64 `cbor:"mdl_average"`

	ScoreSum     float64 `cbor:"score_sum"`
	ScoreAverage float64 `cbor:"score_average"`

	PoEThreshold float64 `cbor:"poe_threshold"`
	MDLDelta     float64 `cbor:"mdl_delta"`

	CumulativePoE   float64 `cbor:"cumulative_poe"`
	CumulativeScore float64 `cbor:"cumulative_score"`

	ParentIndex int    `cbor:"parent_index"` // -1 for the first block in the chain
	Height      uint64 `cbor:"height"`

	OnMainChain      bool             `cbor:"on_main_chain"`
	ValidationStatus ValidationStatus `cbor:"validation_status"`
}

// aggregate computes PoESum/PoEAverage/MDLSum/MDLAverage/ScoreSum/ScoreAverage
// from Formulas. An empty formula set yields all-zero averages.
func (b *Block) aggregate() {
	n := len(b.Formulas)
	if n == 0 {
		b.PoESum, b.PoEAverage = 0, 0
		b.MDLSum, b.MDLAverage = 0, 0
		b.ScoreSum, b.ScoreAverage = 0, 0
		return
	}
	for _, f := range b.Formulas {
		b.PoESum += f.PoE()
		b.MDLSum += f.MDL()
		b.ScoreSum += f.Score()
	}
	b.PoEAverage = b.PoESum / float64(n)
	b.MDLAverage = b.MDLSum / float64(n)
	b.ScoreAverage = b.ScoreSum / float64(n)
}

// computeHash hashes prev_hash || timestamp || each formula's body || nonce
// and renders the digest as 64 lowercase hex characters, mirroring the
// original implementation's field-by-field digest update.
func (b *Block) computeHash() string {
	h := sha256.New()
	h.Write([]byte(b.PrevHash))

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(b.Timestamp.UnixNano()))
	h.Write(tsBuf[:])

	for _, f := range b.Formulas {
		h.Write([]byte(f.ID))
		if f.Representation == RepresentationAnalytic {
			h.Write([]byte(f.Type))
			for _, c := range f.Coefficients {
				var cBuf [8]byte
				binary.BigEndian.PutUint64(cBuf[:], uint64(int64(c*1e9)))
				h.Write(cBuf[:])
			}
			h.Write([]byte(f.Expression))
		} else {
			h.Write([]byte(f.Content))
		}
	}

	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], b.Nonce)
	h.Write(nonceBuf[:])

	return hex.EncodeToString(h.Sum(nil))
}

// mine increments Nonce from 0 until computeHash begins with
// DifficultyTarget, then stores the winning hash in Hash.
func (b *Block) mine() {
	b.Nonce = 0
	for {
		hash := b.computeHash()
		if len(hash) >= len(DifficultyTarget) && hash[:len(DifficultyTarget)] == DifficultyTarget {
			b.Hash = hash
			return
		}
		b.Nonce++
	}
}

// String renders a block for logging: its height, hash prefix and scores.
func (b *Block) String() string {
	hash := b.Hash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return fmt.Sprintf("block(height=%d hash=%s… poe_avg=%s status=%s)",
		b.Height, hash, strconv.FormatFloat(b.PoEAverage, 'f', 4, 64), b.ValidationStatus)
}
