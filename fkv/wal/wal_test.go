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

package wal_test

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leontov/kolibri/fkv"
	"github.com/leontov/kolibri/fkv/wal"
)

func TestWALAppendAndReadPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := wal.Open(zerolog.Nop(), path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(wal.Record{Type: fkv.Value, Key: []byte{1, 2}, Value: []byte{3, 4}}))
	require.NoError(t, w.Append(wal.Record{Type: fkv.Program, Key: []byte{9}, Value: []byte{8, 7, 6}}))

	payload, err := w.ReadPayload()
	require.NoError(t, err)

	records, err := wal.DecodeRecords(payload)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []byte{1, 2}, records[0].Key)
	assert.Equal(t, []byte{3, 4}, records[0].Value)
	assert.Equal(t, fkv.Program, records[1].Type)
}

func TestWALResetTruncatesToHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := wal.Open(zerolog.Nop(), path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(wal.Record{Type: fkv.Value, Key: []byte{1}, Value: []byte{2}}))
	require.NoError(t, w.Reset())

	payload, err := w.ReadPayload()
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestWALReopenValidatesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := wal.Open(zerolog.Nop(), path)
	require.NoError(t, err)
	require.NoError(t, w.Append(wal.Record{Type: fkv.Value, Key: []byte{5}, Value: []byte{6}}))
	require.NoError(t, w.Close())

	reopened, err := wal.Open(zerolog.Nop(), path)
	require.NoError(t, err)
	defer reopened.Close()

	payload, err := reopened.ReadPayload()
	require.NoError(t, err)
	records, err := wal.DecodeRecords(payload)
	require.NoError(t, err)
	require.Len(t, records, 1)
}
