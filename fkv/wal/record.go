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

// Package wal implements the single-file write-ahead log described in
// §3/§4.2: an 8-byte magic+version header followed by a flat sequence of PUT
// records, truncated back to the header at each checkpoint.
package wal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/leontov/kolibri/fkv"
)

const (
	// Magic identifies a Kolibri WAL file (ASCII "FKWL").
	Magic uint32 = 0x464B574C
	// Version is the only WAL header version this package writes or reads.
	Version uint16 = 1
	// HeaderSize is the byte length of the header: 4-byte magic, 2-byte
	// version, then 2 zero bytes.
	HeaderSize = 4 + 2 + 2

	opPut uint8 = 1
)

// Record is a single WAL entry: a committed Put.
type Record struct {
	Type  fkv.EntryType
	Key   []byte
	Value []byte
}

// EncodeRecord appends {opcode=PUT, type, key_len, key, value_len, value} to w.
func EncodeRecord(w io.Writer, r Record) error {
	if err := writeUint8(w, opPut); err != nil {
		return err
	}
	if err := writeUint8(w, uint8(r.Type)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(r.Key))); err != nil {
		return err
	}
	if _, err := w.Write(r.Key); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(r.Value))); err != nil {
		return err
	}
	if _, err := w.Write(r.Value); err != nil {
		return err
	}
	return nil
}

// DecodeRecords decodes a flat sequence of records from a whole payload
// buffer, returning every record it can fully decode.
func DecodeRecords(payload []byte) ([]Record, error) {
	var records []Record
	off := 0
	for off < len(payload) {
		r, n, err := decodeOne(payload[off:])
		if err != nil {
			return nil, fmt.Errorf("wal: decode record at offset %d: %w", off, err)
		}
		records = append(records, r)
		off += n
	}
	return records, nil
}

func decodeOne(buf []byte) (Record, int, error) {
	if len(buf) < 2 {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	if buf[0] != opPut {
		return Record{}, 0, fmt.Errorf("unknown opcode %d", buf[0])
	}
	typ := fkv.EntryType(buf[1])
	off := 2

	keyLen, n, err := readUint64At(buf, off)
	if err != nil {
		return Record{}, 0, err
	}
	off += n
	if uint64(len(buf)-off) < keyLen {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	key := append([]byte(nil), buf[off:off+int(keyLen)]...)
	off += int(keyLen)

	valueLen, n, err := readUint64At(buf, off)
	if err != nil {
		return Record{}, 0, err
	}
	off += n
	if uint64(len(buf)-off) < valueLen {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	value := append([]byte(nil), buf[off:off+int(valueLen)]...)
	off += int(valueLen)

	return Record{Type: typ, Key: key, Value: value}, off, nil
}

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64At(buf []byte, off int) (uint64, int, error) {
	if len(buf)-off < 8 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint64(buf[off : off+8]), 8, nil
}
