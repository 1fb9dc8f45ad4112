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

package vm

import (
	"errors"

	"github.com/leontov/kolibri/errs"
	"github.com/leontov/kolibri/fkv"
)

// TrieBridge adapts *fkv.Trie to FKVBridge for READ_FKV/WRITE_FKV. Values
// written through the bridge are always recorded as fkv.Value entries;
// writing a PROGRAM entry requires going through fkv.Trie.Put directly.
type TrieBridge struct {
	Trie *fkv.Trie
}

// Get looks up key and reports whether it was present. A not-found lookup
// is not an error: the VM treats it as "no value" and pushes 0.
func (b TrieBridge) Get(key []byte) ([]byte, bool, error) {
	entries, err := b.Trie.GetPrefix(key, 1)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidArgument) {
			return nil, false, nil
		}
		return nil, false, err
	}
	for _, e := range entries {
		if len(e.Key) == len(key) {
			return e.Value, true, nil
		}
	}
	return nil, false, nil
}

// Put writes key/value as a VALUE entry.
func (b TrieBridge) Put(key, value []byte) error {
	return b.Trie.Put(key, value, fkv.Value)
}
