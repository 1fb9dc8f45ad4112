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

// Package persistence implements durable log-then-apply storage for F-KV:
// WAL append on every Put, periodic checkpointing into compressed delta
// files, and replay on startup (base snapshot, then deltas in order, then
// the WAL tail).
package persistence

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/leontov/kolibri/fkv"
	"github.com/leontov/kolibri/fkv/wal"
)

// DefaultSnapshotInterval is the number of WAL ops between automatic
// checkpoints when Config.SnapshotInterval is left at zero by the caller
// (see config.Persistence's own default of 64 — this constant exists for
// callers that build a Config by hand rather than through that package).
const DefaultSnapshotInterval = 64

const baseSnapshotName = "base.fkz"

var deltaFilePattern = regexp.MustCompile(`^delta_(\d{12})\.fkz$`)

// Config configures a Persistence instance.
type Config struct {
	WALPath          string
	SnapshotDir      string
	SnapshotInterval int
}

// Persistence drives F-KV's write-ahead log and checkpoint lifecycle for a
// single Trie.
type Persistence struct {
	log  zerolog.Logger
	cfg  Config
	trie *fkv.Trie

	mu                    sync.Mutex
	wal                   *wal.WAL
	walOpsSinceCheckpoint int
	nextDeltaSeq          uint64
}

// New constructs a Persistence bound to trie. Start must be called before
// any Put on trie is recorded.
func New(log zerolog.Logger, cfg Config, trie *fkv.Trie) *Persistence {
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	return &Persistence{
		log:  log.With().Str("component", "fkv_persistence").Logger(),
		cfg:  cfg,
		trie: trie,
	}
}

// BaseSnapshotPath returns the path of the full base snapshot file.
func (p *Persistence) BaseSnapshotPath() string {
	return filepath.Join(p.cfg.SnapshotDir, baseSnapshotName)
}

// WALPath returns the configured WAL file path.
func (p *Persistence) WALPath() string {
	return p.cfg.WALPath
}

// Start ensures the on-disk layout exists, replays base snapshot + deltas +
// WAL tail into the trie (without recording any of it), opens the WAL for
// future writes, and attaches this Persistence as the trie's Recorder.
func (p *Persistence) Start() error {
	if err := os.MkdirAll(filepath.Dir(p.cfg.WALPath), 0o755); err != nil {
		return fmt.Errorf("persistence: create wal dir: %w", err)
	}
	if err := os.MkdirAll(p.cfg.SnapshotDir, 0o755); err != nil {
		return fmt.Errorf("persistence: create snapshot dir: %w", err)
	}

	deltas, maxSeq, found, err := p.listDeltas()
	if err != nil {
		return fmt.Errorf("persistence: list deltas: %w", err)
	}

	p.mu.Lock()
	if found {
		p.nextDeltaSeq = maxSeq + 1
	} else {
		p.nextDeltaSeq = 0
	}
	p.mu.Unlock()

	if _, err := os.Stat(p.BaseSnapshotPath()); err == nil {
		if err := p.trie.Load(p.BaseSnapshotPath()); err != nil {
			return fmt.Errorf("persistence: replay base snapshot: %w", err)
		}
	}

	var replayErrs *multierror.Error
	for _, path := range deltas {
		if err := p.replayDeltaFile(path); err != nil {
			replayErrs = multierror.Append(replayErrs, fmt.Errorf("%s: %w", path, err))
		}
	}
	if replayErrs.ErrorOrNil() != nil {
		return fmt.Errorf("persistence: replay deltas: %w", replayErrs)
	}

	w, err := wal.Open(p.log, p.cfg.WALPath)
	if err != nil {
		return fmt.Errorf("persistence: open wal: %w", err)
	}
	p.mu.Lock()
	p.wal = w
	p.mu.Unlock()

	payload, err := w.ReadPayload()
	if err != nil {
		return fmt.Errorf("persistence: read wal tail: %w", err)
	}
	if err := p.replayPayload(payload); err != nil {
		return fmt.Errorf("persistence: replay wal tail: %w", err)
	}

	p.trie.SetRecorder(p)
	return nil
}

// Shutdown closes the underlying WAL file and detaches from the trie.
func (p *Persistence) Shutdown() error {
	p.trie.SetRecorder(nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wal == nil {
		return nil
	}
	err := p.wal.Close()
	p.wal = nil
	return err
}

// RecordPut implements fkv.Recorder: it is invoked by the Trie before a Put
// becomes visible, and appends the corresponding WAL record.
func (p *Persistence) RecordPut(key, value []byte, typ fkv.EntryType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.wal == nil {
		return fmt.Errorf("persistence: not started")
	}
	if err := p.wal.Append(wal.Record{Type: typ, Key: key, Value: value}); err != nil {
		return fmt.Errorf("persistence: append wal record: %w", err)
	}
	p.walOpsSinceCheckpoint++
	if p.cfg.SnapshotInterval > 0 && p.walOpsSinceCheckpoint >= p.cfg.SnapshotInterval {
		if err := p.forceCheckpointLocked(); err != nil {
			return fmt.Errorf("persistence: checkpoint: %w", err)
		}
	}
	return nil
}

// ForceCheckpoint promotes the current WAL payload into a new delta file and
// truncates the WAL, regardless of the configured interval.
func (p *Persistence) ForceCheckpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forceCheckpointLocked()
}

func (p *Persistence) forceCheckpointLocked() error {
	if p.wal == nil {
		return fmt.Errorf("persistence: not started")
	}
	payload, err := p.wal.ReadPayload()
	if err != nil {
		return fmt.Errorf("read wal payload: %w", err)
	}
	if len(payload) == 0 {
		p.walOpsSinceCheckpoint = 0
		return nil
	}

	records, err := wal.DecodeRecords(payload)
	if err != nil {
		return fmt.Errorf("decode wal payload: %w", err)
	}
	checksum := crc32.ChecksumIEEE(payload)

	path := deltaPath(p.cfg.SnapshotDir, p.nextDeltaSeq)
	if err := writeDeltaFile(path, payload, len(records), checksum); err != nil {
		os.Remove(path)
		return fmt.Errorf("write delta file: %w", err)
	}

	if err := p.wal.Reset(); err != nil {
		return fmt.Errorf("reset wal: %w", err)
	}
	p.walOpsSinceCheckpoint = 0
	p.nextDeltaSeq++
	return nil
}

// listDeltas returns the delta files in SnapshotDir in ascending sequence
// order, the highest sequence number found, and whether any delta file was
// found at all — a fresh start with no deltas must seed nextDeltaSeq at 0,
// not maxSeq+1.
func (p *Persistence) listDeltas() ([]string, uint64, bool, error) {
	entries, err := os.ReadDir(p.cfg.SnapshotDir)
	if os.IsNotExist(err) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}

	type indexed struct {
		seq  uint64
		path string
	}
	var found []indexed
	var maxSeq uint64
	for _, e := range entries {
		m := deltaFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		found = append(found, indexed{seq: seq, path: filepath.Join(p.cfg.SnapshotDir, e.Name())})
		if seq > maxSeq || len(found) == 1 {
			maxSeq = seq
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	if len(found) == 0 {
		return nil, 0, false, nil
	}
	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, maxSeq, true, nil
}

func (p *Persistence) replayDeltaFile(path string) error {
	payload, _, _, err := readDeltaFile(path)
	if err != nil {
		return err
	}
	return p.replayPayload(payload)
}

func (p *Persistence) replayPayload(payload []byte) error {
	records, err := wal.DecodeRecords(payload)
	if err != nil {
		return fmt.Errorf("decode records: %w", err)
	}
	for _, r := range records {
		if err := p.trie.ApplyReplay(r.Key, r.Value, r.Type); err != nil {
			return fmt.Errorf("apply record: %w", err)
		}
	}
	return nil
}

func deltaPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("delta_%012d.fkz", seq))
}
