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

package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// WAL wraps a single on-disk file holding a magic+version header followed
// by a flat run of records. Append and Reset are the only mutating
// operations; callers (fkv/persistence) hold their own lock around both.
type WAL struct {
	log  zerolog.Logger
	path string
	file *os.File
}

// Open opens path, creating it and writing the header if it does not yet
// exist. The header of an existing file is validated against Magic/Version.
func Open(log zerolog.Logger, path string) (*WAL, error) {
	l := log.With().Str("component", "fkv_wal").Str("path", path).Logger()

	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	w := &WAL{log: l, path: path, file: f}
	if fresh {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := w.validateHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) writeHeader() error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	if _, err := w.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if err := w.file.Truncate(HeaderSize); err != nil {
		return fmt.Errorf("wal: truncate to header: %w", err)
	}
	return nil
}

func (w *WAL) validateHeader() error {
	var buf [HeaderSize]byte
	n, err := w.file.ReadAt(buf[:], 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if n < HeaderSize {
		return w.writeHeader()
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	version := binary.BigEndian.Uint16(buf[4:6])
	if magic != Magic {
		return fmt.Errorf("wal: bad magic %x in %s", magic, w.path)
	}
	if version != Version {
		return fmt.Errorf("wal: unsupported version %d in %s", version, w.path)
	}
	return nil
}

// Append writes r to the end of the log and flushes it to stable storage.
func (w *WAL) Append(r Record) error {
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek end: %w", err)
	}
	if err := EncodeRecord(w.file, r); err != nil {
		return fmt.Errorf("wal: encode record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// ReadPayload returns every byte following the header — the raw,
// uncompressed record stream a checkpoint will promote into a delta file.
func (w *WAL) ReadPayload() ([]byte, error) {
	size, err := w.size()
	if err != nil {
		return nil, err
	}
	if size < HeaderSize {
		return nil, nil
	}
	buf := make([]byte, size-HeaderSize)
	if _, err := w.file.ReadAt(buf, HeaderSize); err != nil && err != io.EOF {
		return nil, fmt.Errorf("wal: read payload: %w", err)
	}
	return buf, nil
}

// Reset truncates the log back to just its header, called after a
// checkpoint has durably promoted the payload into a delta file.
func (w *WAL) Reset() error {
	if err := w.file.Truncate(HeaderSize); err != nil {
		return fmt.Errorf("wal: reset: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync after reset: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (w *WAL) Close() error {
	return w.file.Close()
}

func (w *WAL) size() (int64, error) {
	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("wal: stat: %w", err)
	}
	return info.Size(), nil
}
