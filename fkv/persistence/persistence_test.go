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

package persistence_test

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leontov/kolibri/fkv"
	"github.com/leontov/kolibri/fkv/persistence"
)

func TestPersistenceCrashRecoveryFromWALAlone(t *testing.T) {
	// Scenario 4 from the spec: no checkpoint, simulate a crash, restart.
	dir := t.TempDir()
	walPath := filepath.Join(dir, "kolibri.wal")
	snapDir := filepath.Join(dir, "snapshots")

	tr := fkv.New(zerolog.Nop())
	p := persistence.New(zerolog.Nop(), persistence.Config{
		WALPath:          walPath,
		SnapshotDir:      snapDir,
		SnapshotInterval: 0,
	}, tr)
	require.NoError(t, p.Start())

	require.NoError(t, tr.Put([]byte{1, 2, 0}, []byte{0, 1}, fkv.Value))
	require.NoError(t, tr.Put([]byte{1, 2, 1}, []byte{0, 2}, fkv.Value))
	require.NoError(t, tr.Put([]byte{9, 8, 0}, []byte{7, 7, 7}, fkv.Program))
	// No ForceCheckpoint and no Shutdown: simulate a crash.

	tr2 := fkv.New(zerolog.Nop())
	p2 := persistence.New(zerolog.Nop(), persistence.Config{
		WALPath:          walPath,
		SnapshotDir:      snapDir,
		SnapshotInterval: 0,
	}, tr2)
	require.NoError(t, p2.Start())

	entries, err := tr2.GetPrefix(nil, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestPersistenceCheckpointThenRestart(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "kolibri.wal")
	snapDir := filepath.Join(dir, "snapshots")

	tr := fkv.New(zerolog.Nop())
	p := persistence.New(zerolog.Nop(), persistence.Config{
		WALPath:          walPath,
		SnapshotDir:      snapDir,
		SnapshotInterval: 0,
	}, tr)
	require.NoError(t, p.Start())

	require.NoError(t, tr.Put([]byte{1}, []byte{1}, fkv.Value))
	require.NoError(t, tr.Put([]byte{2}, []byte{2}, fkv.Value))
	require.NoError(t, p.ForceCheckpoint())
	require.NoError(t, tr.Put([]byte{3}, []byte{3}, fkv.Value))
	require.NoError(t, p.Shutdown())

	tr2 := fkv.New(zerolog.Nop())
	p2 := persistence.New(zerolog.Nop(), persistence.Config{
		WALPath:          walPath,
		SnapshotDir:      snapDir,
		SnapshotInterval: 0,
	}, tr2)
	require.NoError(t, p2.Start())

	entries, err := tr2.GetPrefix(nil, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestPersistenceFirstCheckpointOnFreshStartUsesSeqZero(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")

	tr := fkv.New(zerolog.Nop())
	p := persistence.New(zerolog.Nop(), persistence.Config{
		WALPath:          filepath.Join(dir, "kolibri.wal"),
		SnapshotDir:      snapDir,
		SnapshotInterval: 0,
	}, tr)
	require.NoError(t, p.Start())

	require.NoError(t, tr.Put([]byte{1}, []byte{1}, fkv.Value))
	require.NoError(t, p.ForceCheckpoint())

	matches, err := filepath.Glob(filepath.Join(snapDir, "delta_*.fkz"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "delta_000000000000.fkz", filepath.Base(matches[0]),
		"the very first checkpoint on a fresh start must use sequence 0, not 1")

	require.NoError(t, tr.Put([]byte{2}, []byte{2}, fkv.Value))
	require.NoError(t, p.ForceCheckpoint())

	matches, err = filepath.Glob(filepath.Join(snapDir, "delta_*.fkz"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "delta_000000000001.fkz", filepath.Base(matches[1]))
}

func TestPersistenceAutomaticCheckpointAtInterval(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")

	trie := fkv.New(zerolog.Nop())
	p := persistence.New(zerolog.Nop(), persistence.Config{
		WALPath:          filepath.Join(dir, "kolibri.wal"),
		SnapshotDir:      snapDir,
		SnapshotInterval: 2,
	}, trie)
	require.NoError(t, p.Start())

	require.NoError(t, trie.Put([]byte{1}, []byte{1}, fkv.Value))
	require.NoError(t, trie.Put([]byte{2}, []byte{2}, fkv.Value))

	matches, err := filepath.Glob(filepath.Join(snapDir, "delta_*.fkz"))
	require.NoError(t, err)
	assert.Len(t, matches, 1, "a checkpoint should fire once the interval is reached")
}
