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

// Package poe implements the Proof-of-Effectiveness blockchain: scoring a
// formula, mining and admitting a block, and maintaining fork-choice over
// the resulting tree.
package poe

import (
	"fmt"
	"time"

	"github.com/leontov/kolibri/errs"
)

// Representation distinguishes a formula stored as opaque text content from
// one stored as an analytic expression with coefficients.
type Representation uint8

const (
	RepresentationText Representation = iota
	RepresentationAnalytic
)

// Formula is one candidate submitted for inclusion in a block.
type Formula struct {
	ID             string         `cbor:"id"`
	Representation Representation `cbor:"representation"`
	Effectiveness  float64        `cbor:"effectiveness"`
	CreatedAt      time.Time      `cbor:"created_at"`
	TestsPassed    uint32         `cbor:"tests_passed"`
	Confirmations  uint32         `cbor:"confirmations"`

	// Content holds the encoded formula body for RepresentationText.
	Content string `cbor:"content,omitempty"`

	// Type, Coefficients and Expression describe an analytic formula, used
	// only when Representation is RepresentationAnalytic.
	Type         string    `cbor:"type,omitempty"`
	Coefficients []float64 `cbor:"coefficients,omitempty"`
	Expression   string    `cbor:"expression,omitempty"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// MDL returns the formula's description length: the byte length of Content
// for a text formula, or 8 + 4*len(Coefficients) + len(Expression) for an
// analytic one.
func (f Formula) MDL() float64 {
	if f.Representation == RepresentationAnalytic {
		return 8 + 4*float64(len(f.Coefficients)) + float64(len(f.Expression))
	}
	return float64(len(f.Content))
}

// PoE returns the formula's clamped effectiveness score.
func (f Formula) PoE() float64 {
	return clamp01(f.Effectiveness)
}

// Score returns max(0, poe - 0.01*mdl), the formula's net contribution to a
// block's cumulative_score.
func (f Formula) Score() float64 {
	s := f.PoE() - 0.01*f.MDL()
	if s < 0 {
		return 0
	}
	return s
}

// Validate rejects a formula with no usable body for its representation.
func (f Formula) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("poe: formula has empty id: %w", errs.ErrInvalidArgument)
	}
	if f.Representation == RepresentationAnalytic {
		if f.Expression == "" && len(f.Coefficients) == 0 {
			return fmt.Errorf("poe: analytic formula %q has no expression or coefficients: %w", f.ID, errs.ErrInvalidArgument)
		}
		return nil
	}
	if f.Content == "" {
		return fmt.Errorf("poe: text formula %q has empty content: %w", f.ID, errs.ErrInvalidArgument)
	}
	return nil
}

// clone returns a deep copy of f, so a stored block never aliases a
// caller's backing array.
func (f Formula) clone() Formula {
	out := f
	if f.Coefficients != nil {
		out.Coefficients = append([]float64(nil), f.Coefficients...)
	}
	return out
}
