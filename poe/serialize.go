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

	"github.com/fxamacker/cbor/v2"

	"github.com/leontov/kolibri/errs"
)

// SerializeBlock encodes block in a compact, self-describing form suitable
// for storage or transmission alongside a BLOCK_OFFER frame.
func SerializeBlock(block Block) ([]byte, error) {
	out, err := cbor.Marshal(block)
	if err != nil {
		return nil, fmt.Errorf("poe: serialize block: %w", err)
	}
	return out, nil
}

// DeserializeBlock decodes a block produced by SerializeBlock.
func DeserializeBlock(data []byte) (Block, error) {
	var block Block
	if err := cbor.Unmarshal(data, &block); err != nil {
		return Block{}, fmt.Errorf("poe: deserialize block: %s: %w", err, errs.ErrDataLoss)
	}
	return block, nil
}
