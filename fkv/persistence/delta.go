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

package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"
)

// deltaMagic identifies a Kolibri checkpoint delta file (ASCII "FKVD").
const deltaMagic uint32 = 0x464B5644

// deltaVersion is the only delta header version this package writes or reads.
const deltaVersion uint16 = 1

// writeDeltaFile atomically writes payload (the raw WAL record stream) to
// path as a checkpoint delta: {magic, version, raw_size, record_count,
// crc32, compressed_size, zlib(payload)} compressed at Z_BEST_SPEED-
// equivalent level.
func writeDeltaFile(path string, payload []byte, recordCount int, checksum uint32) error {
	var compressed bytes.Buffer
	zw, err := zlib.NewWriterLevel(&compressed, zlib.BestSpeed)
	if err != nil {
		return fmt.Errorf("create zlib writer: %w", err)
	}
	if _, err := zw.Write(payload); err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zlib writer: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if err := writeDeltaHeader(f, uint64(len(payload)), uint64(recordCount), checksum, uint64(compressed.Len())); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if _, err := f.Write(compressed.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write compressed payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync delta file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close delta file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename delta file: %w", err)
	}
	return nil
}

func writeDeltaHeader(w io.Writer, rawSize, recordCount uint64, checksum uint32, compressedSize uint64) error {
	var buf [4 + 2 + 8 + 8 + 4 + 8]byte
	off := 0
	binary.BigEndian.PutUint32(buf[off:], deltaMagic)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], deltaVersion)
	off += 2
	binary.BigEndian.PutUint64(buf[off:], rawSize)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], recordCount)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], checksum)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], compressedSize)

	_, err := w.Write(buf[:])
	return err
}

// readDeltaFile reads and validates a checkpoint delta file, returning the
// decompressed raw payload, its record count, and its checksum.
func readDeltaFile(path string) (payload []byte, recordCount uint64, checksum uint32, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read delta file: %w", err)
	}
	return decodeDelta(raw)
}

func decodeDelta(raw []byte) (payload []byte, recordCount uint64, checksum uint32, err error) {
	const headerLen = 4 + 2 + 8 + 8 + 4 + 8
	if len(raw) < headerLen {
		return nil, 0, 0, fmt.Errorf("delta file truncated header")
	}
	off := 0
	magic := binary.BigEndian.Uint32(raw[off:])
	off += 4
	version := binary.BigEndian.Uint16(raw[off:])
	off += 2
	rawSize := binary.BigEndian.Uint64(raw[off:])
	off += 8
	recordCount = binary.BigEndian.Uint64(raw[off:])
	off += 8
	checksum = binary.BigEndian.Uint32(raw[off:])
	off += 4
	compressedSize := binary.BigEndian.Uint64(raw[off:])
	off += 8

	if magic != deltaMagic {
		return nil, 0, 0, fmt.Errorf("bad delta magic %x", magic)
	}
	if version != deltaVersion {
		return nil, 0, 0, fmt.Errorf("unsupported delta version %d", version)
	}

	compressed := raw[off:]
	if uint64(len(compressed)) != compressedSize {
		return nil, 0, 0, fmt.Errorf("delta compressed_size mismatch: header %d, actual %d", compressedSize, len(compressed))
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open zlib reader: %w", err)
	}
	defer zr.Close()
	payload, err = io.ReadAll(zr)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decompress payload: %w", err)
	}

	if uint64(len(payload)) != rawSize {
		return nil, 0, 0, fmt.Errorf("delta raw_size mismatch: header %d, actual %d", rawSize, len(payload))
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, 0, 0, fmt.Errorf("delta checksum mismatch")
	}
	return payload, recordCount, checksum, nil
}
