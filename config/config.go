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

// Package config holds the typed, validated configuration surface consumed
// by every core component. Nothing in this package parses flags or files;
// outer collaborators are responsible for populating a Config and calling
// Validate before wiring it into the core.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// VM bounds a single D-VM invocation.
type VM struct {
	MaxSteps   uint64 `validate:"required,min=1"`
	MaxStack   int    `validate:"required,min=1"`
	TraceDepth int    `validate:"min=0"`
}

// FKV configures the decimal trie's default query behavior.
type FKV struct {
	TopK uint64 `validate:"min=0"`
}

// Persistence configures the write-ahead log and checkpointing.
type Persistence struct {
	WALPath          string `validate:"required"`
	SnapshotDir      string `validate:"required"`
	SnapshotInterval int    `validate:"min=0"`
}

// Chain configures PoE block admission policy.
type Chain struct {
	MinPoUThreshold float64 `validate:"min=0,max=1"`
	MaxMDLDelta     float64 `validate:"min=0"`
}

// Swarm configures this node's identity on the wire and the keys used by the
// chain↔swarm link to authenticate block offers.
type Swarm struct {
	NodeID              string `validate:"required,len=16,numeric"`
	Version             int    `validate:"required,min=1"`
	Services            int    `validate:"min=0"`
	Ed25519PublicKeyPath string `validate:"omitempty"`
	HMACKeyPath          string `validate:"omitempty"`
}

// Config is the full, validated configuration of a Kolibri node.
type Config struct {
	VM          VM          `validate:"required"`
	FKV         FKV         `validate:"required"`
	Persistence Persistence `validate:"required"`
	Chain       Chain       `validate:"required"`
	Swarm       Swarm       `validate:"required"`
}

// Default returns a Config populated with the defaults named in the
// configuration schema: snapshot_interval=64, chain.min_pou_threshold=0.8.
func Default() Config {
	return Config{
		VM: VM{
			MaxSteps:   4096,
			MaxStack:   256,
			TraceDepth: 0,
		},
		FKV: FKV{
			TopK: 0,
		},
		Persistence: Persistence{
			WALPath:          "kolibri.wal",
			SnapshotDir:      "snapshots",
			SnapshotInterval: 64,
		},
		Chain: Chain{
			MinPoUThreshold: 0.8,
			MaxMDLDelta:     0,
		},
		Swarm: Swarm{
			NodeID:   "0000000000000001",
			Version:  1,
			Services: 0,
		},
	}
}

// Validate runs struct-tag validation over cfg. Defaults must already be
// applied; Validate does not mutate cfg.
func Validate(cfg Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
