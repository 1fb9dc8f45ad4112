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
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/leontov/kolibri/errs"
	"github.com/leontov/kolibri/swarm"
)

// BlockSpec is the out-of-band payload that accompanies a BLOCK_OFFER
// frame: the formulas and parent hash the frame's compact fields summarize,
// plus the signature pair authenticating the offer.
type BlockSpec struct {
	Formulas  []Formula
	PrevHash  string
	Signature []byte // Ed25519 signature over the canonical message
	HMACTag   []byte // HMAC-SHA256 tag over the same message
}

// Link authenticates BLOCK_OFFER frames and, once verified, submits their
// block spec to Chain.AddBlock. It implements swarm.ChainLink.
type Link struct {
	log     zerolog.Logger
	chain   *Chain
	pubKey  ed25519.PublicKey
	hmacKey []byte

	mu      sync.Mutex
	pending map[string]BlockSpec
}

// NewLink constructs a Link bound to chain, verifying Ed25519 signatures
// against pubKey and HMAC tags against hmacKey.
func NewLink(log zerolog.Logger, chain *Chain, pubKey ed25519.PublicKey, hmacKey []byte) *Link {
	return &Link{
		log:     log.With().Str("component", "poe_link").Logger(),
		chain:   chain,
		pubKey:  pubKey,
		hmacKey: hmacKey,
		pending: make(map[string]BlockSpec),
	}
}

// RegisterSpec stores the out-of-band spec for a block offer that is about
// to arrive over the wire, keyed by the wire frame's block_id field.
func (l *Link) RegisterSpec(blockID string, spec BlockSpec) error {
	if blockID == "" {
		return fmt.Errorf("poe: block spec has empty block_id: %w", errs.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[blockID] = spec
	return nil
}

func canonicalMessage(offer swarm.BlockOfferPayload) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d|%d", offer.BlockID, offer.Height, offer.PoEMilli, offer.ProgramCount))
}

// AdmitBlock implements swarm.ChainLink: it looks up the out-of-band spec
// registered for offer's block_id, verifies the Ed25519 signature and HMAC
// tag over the canonical message, and on success submits the spec's
// formulas to the chain. Any verification failure, or an unregistered
// block_id, is rejected without consulting the chain.
func (l *Link) AdmitBlock(offer swarm.BlockOfferPayload) bool {
	l.mu.Lock()
	spec, ok := l.pending[offer.BlockID]
	if ok {
		delete(l.pending, offer.BlockID)
	}
	l.mu.Unlock()

	if !ok {
		l.log.Warn().Str("block_id", offer.BlockID).Msg("block offer has no registered spec")
		return false
	}

	message := canonicalMessage(offer)

	if len(l.pubKey) != ed25519.PublicKeySize || !ed25519.Verify(l.pubKey, message, spec.Signature) {
		l.log.Warn().Str("block_id", offer.BlockID).Msg("block offer signature verification failed")
		return false
	}

	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(message)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, spec.HMACTag) {
		l.log.Warn().Str("block_id", offer.BlockID).Msg("block offer hmac verification failed")
		return false
	}

	_, err := l.chain.AddBlock(spec.PrevHash, spec.Formulas)
	if err != nil {
		l.log.Info().Err(err).Str("block_id", offer.BlockID).Msg("chain rejected admitted block offer")
		return false
	}
	return true
}
