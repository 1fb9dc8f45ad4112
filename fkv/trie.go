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

package fkv

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/leontov/kolibri/errs"
)

// Recorder is implemented by a persistence layer that wants to observe
// every committed Put before it becomes visible. RecordPut returning an
// error aborts the Put with no visible mutation.
type Recorder interface {
	RecordPut(key, value []byte, typ EntryType) error
}

type node struct {
	children [10]*node
	entry    *Entry
}

// Trie is the decimal-prefix key-value store described in §4.1. A single
// mutex serializes every operation; callers must not hold any other core
// lock while calling into a Trie.
type Trie struct {
	log      zerolog.Logger
	mu       sync.Mutex
	root     *node
	recorder Recorder
	sequence uint64
}

// New constructs an empty Trie. Init/Shutdown below are idempotent
// lifecycle hooks layered on top for symmetry with the host interface;
// New itself already leaves the Trie ready to use.
func New(log zerolog.Logger) *Trie {
	return &Trie{
		log:  log.With().Str("component", "fkv").Logger(),
		root: &node{},
	}
}

// Init is an idempotent no-op retained for host-interface parity: a fresh
// Trie is always initialized.
func (t *Trie) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		t.root = &node{}
	}
	return nil
}

// Shutdown releases the trie's root, making the Trie unusable until Init is
// called again.
func (t *Trie) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = nil
}

// SetRecorder attaches a persistence Recorder. Pass nil to disable
// recording (e.g. while the caller itself is driving replay).
func (t *Trie) SetRecorder(r Recorder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recorder = r
}

// Put stores value under key with the given entry type and zero priority,
// recording a WAL entry first if a Recorder is attached.
func (t *Trie) Put(key, value []byte, typ EntryType) error {
	return t.PutScored(key, value, typ, 0)
}

// PutScored is Put with an explicit priority, a piece of metadata carried
// for the benefit of callers outside this package's scope (not interpreted
// by GetPrefix's traversal order).
func (t *Trie) PutScored(key, value []byte, typ EntryType, priority uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putLocked(key, value, typ, priority, true)
}

// ApplyReplay stores an entry without invoking the attached Recorder. It is
// the apply path used while a persistence layer is replaying its own
// already-durable records (base snapshot, deltas, WAL tail) at startup.
func (t *Trie) ApplyReplay(key, value []byte, typ EntryType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putLocked(key, value, typ, 0, false)
}

func (t *Trie) putLocked(key, value []byte, typ EntryType, priority uint64, record bool) error {
	if t.root == nil {
		return fmt.Errorf("fkv: put on uninitialized trie: %w", errs.ErrFailedPrecondition)
	}
	if len(key) == 0 || len(value) == 0 {
		return fmt.Errorf("fkv: empty key or value: %w", errs.ErrInvalidArgument)
	}
	if !ValidDigits(key) {
		return fmt.Errorf("fkv: key byte out of range 0..9: %w", errs.ErrInvalidArgument)
	}

	if record && t.recorder != nil {
		if err := t.recorder.RecordPut(key, value, typ); err != nil {
			return fmt.Errorf("fkv: record put: %w", err)
		}
	}

	n := t.root
	for _, d := range key {
		if n.children[d] == nil {
			n.children[d] = &node{}
		}
		n = n.children[d]
	}

	newKey := append([]byte(nil), key...)
	newValue := append([]byte(nil), value...)
	t.sequence++
	n.entry = &Entry{Key: newKey, Value: newValue, Type: typ, Priority: priority}
	return nil
}

// GetPrefix returns up to k entries whose key starts with prefix, in
// depth-first child order (index 0 before 1 before ...), including the
// prefix node's own entry if present. k == 0 means unbounded.
func (t *Trie) GetPrefix(prefix []byte, k uint64) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		return nil, nil
	}
	if !ValidDigits(prefix) {
		return nil, fmt.Errorf("fkv: prefix byte out of range 0..9: %w", errs.ErrInvalidArgument)
	}

	n := t.root
	for _, d := range prefix {
		n = n.children[d]
		if n == nil {
			return nil, nil
		}
	}

	limit := k
	if limit == 0 {
		limit = countEntries(n)
	}
	if limit == 0 {
		return nil, nil
	}

	out := make([]Entry, 0, limit)
	collectEntries(n, &out, limit)
	return out, nil
}

// CurrentSequence returns the number of Put operations committed so far,
// used as a monotonic cursor for incremental replication.
func (t *Trie) CurrentSequence() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sequence
}

func countEntries(n *node) uint64 {
	if n == nil {
		return 0
	}
	var count uint64
	if n.entry != nil {
		count++
	}
	for _, c := range n.children {
		count += countEntries(c)
	}
	return count
}

func collectEntries(n *node, out *[]Entry, limit uint64) {
	if n == nil || uint64(len(*out)) >= limit {
		return
	}
	if n.entry != nil {
		*out = append(*out, *n.entry)
	}
	for _, c := range n.children {
		if uint64(len(*out)) >= limit {
			return
		}
		collectEntries(c, out, limit)
	}
}
