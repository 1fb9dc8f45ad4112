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

package replication

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/leontov/kolibri/errs"
	"github.com/leontov/kolibri/fkv"
	"github.com/leontov/kolibri/fkv/wal"
)

// FKVDelta carries a compressed, checksummed batch of entries rooted at a
// single trie prefix — the payload a FKV_DELTA swarm frame refers to. The
// wire frame widths bound EntryCount to 999 and CompressedSize to 999999;
// this type itself does not enforce those (see swarm.FrameFromFKVDelta).
type FKVDelta struct {
	Prefix         []byte
	EntryCount     uint16
	RawSize        uint32
	CompressedSize uint32
	Checksum       uint16
	Compressed     []byte
}

// BuildDelta iterates the trie under prefix and encodes every entry found
// as a WAL PUT record into a contiguous buffer, then zlib-compresses it at
// best-speed and computes a CRC16 over the raw (uncompressed) buffer.
func BuildDelta(trie *fkv.Trie, prefix []byte) (*FKVDelta, error) {
	entries, err := trie.GetPrefix(prefix, 0)
	if err != nil {
		return nil, fmt.Errorf("replication: read prefix: %w", err)
	}

	var raw bytes.Buffer
	for _, e := range entries {
		if err := wal.EncodeRecord(&raw, wal.Record{Type: e.Type, Key: e.Key, Value: e.Value}); err != nil {
			return nil, fmt.Errorf("replication: encode entry: %w", err)
		}
	}
	if raw.Len() > (1<<32 - 1) {
		return nil, fmt.Errorf("replication: delta payload exceeds 2^32-1 bytes: %w", errs.ErrResourceExhausted)
	}

	var compressed bytes.Buffer
	zw, err := zlib.NewWriterLevel(&compressed, zlib.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("replication: create zlib writer: %w", err)
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("replication: compress delta: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("replication: close zlib writer: %w", err)
	}

	return &FKVDelta{
		Prefix:         append([]byte(nil), prefix...),
		EntryCount:     uint16(len(entries)),
		RawSize:        uint32(raw.Len()),
		CompressedSize: uint32(compressed.Len()),
		Checksum:       CRC16(raw.Bytes()),
		Compressed:     compressed.Bytes(),
	}, nil
}

// ApplyDelta decompresses delta, verifies its declared sizes and checksum
// against the recovered payload, decodes every record, and only then calls
// Put for each — any inconsistency aborts the whole delta with no partial
// application.
func ApplyDelta(trie *fkv.Trie, delta *FKVDelta) error {
	if uint32(len(delta.Compressed)) != delta.CompressedSize {
		return fmt.Errorf("replication: compressed_size mismatch: declared %d, actual %d: %w",
			delta.CompressedSize, len(delta.Compressed), errs.ErrDataLoss)
	}

	zr, err := zlib.NewReader(bytes.NewReader(delta.Compressed))
	if err != nil {
		return fmt.Errorf("replication: open zlib reader: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("replication: decompress delta: %w", err)
	}

	if uint32(len(raw)) != delta.RawSize {
		return fmt.Errorf("replication: raw_size mismatch: declared %d, actual %d: %w",
			delta.RawSize, len(raw), errs.ErrDataLoss)
	}
	if CRC16(raw) != delta.Checksum {
		return fmt.Errorf("replication: checksum mismatch: %w", errs.ErrDataLoss)
	}

	records, err := wal.DecodeRecords(raw)
	if err != nil {
		return fmt.Errorf("replication: decode records: %w", err)
	}
	if len(records) != int(delta.EntryCount) {
		return fmt.Errorf("replication: entry_count mismatch: declared %d, decoded %d: %w",
			delta.EntryCount, len(records), errs.ErrDataLoss)
	}

	for i, r := range records {
		if len(r.Key) == 0 || len(r.Value) == 0 || !fkv.ValidDigits(r.Key) {
			return fmt.Errorf("replication: record %d has an invalid key: %w", i, errs.ErrInvalidArgument)
		}
	}

	for i, r := range records {
		if err := trie.Put(r.Key, r.Value, r.Type); err != nil {
			return fmt.Errorf("replication: apply record %d: %w", i, err)
		}
	}
	return nil
}
