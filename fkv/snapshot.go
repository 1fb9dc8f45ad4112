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
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Save writes a full gzip-compressed dump of every live entry to path, in
// the base-snapshot wire format of §3: entry_count followed by, per entry,
// key_len/key/value_len/value/type.
func (t *Trie) Save(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("fkv: create snapshot file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)

	var entries []Entry
	collectEntries(t.root, &entries, countEntries(t.root))

	if err := writeUint64(gz, uint64(len(entries))); err != nil {
		return fmt.Errorf("fkv: write entry count: %w", err)
	}
	for _, e := range entries {
		if err := writeEntry(gz, e); err != nil {
			return fmt.Errorf("fkv: write entry: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("fkv: close snapshot writer: %w", err)
	}
	return nil
}

// Load replaces the trie's contents with the base snapshot stored at path,
// bypassing the attached Recorder (a base snapshot is itself already
// durable).
func (t *Trie) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("fkv: open snapshot file: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("fkv: open snapshot reader: %w", err)
	}
	defer gz.Close()

	count, err := readUint64(gz)
	if err != nil {
		return fmt.Errorf("fkv: read entry count: %w", err)
	}

	t.mu.Lock()
	t.root = &node{}
	t.mu.Unlock()

	for i := uint64(0); i < count; i++ {
		e, err := readEntry(gz)
		if err != nil {
			return fmt.Errorf("fkv: read entry %d: %w", i, err)
		}
		if err := t.ApplyReplay(e.Key, e.Value, e.Type); err != nil {
			return fmt.Errorf("fkv: apply entry %d: %w", i, err)
		}
	}
	return nil
}

func writeEntry(w io.Writer, e Entry) error {
	if err := writeUint64(w, uint64(len(e.Key))); err != nil {
		return err
	}
	if _, err := w.Write(e.Key); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(e.Value))); err != nil {
		return err
	}
	if _, err := w.Write(e.Value); err != nil {
		return err
	}
	_, err := w.Write([]byte{byte(e.Type)})
	return err
}

func readEntry(r io.Reader) (Entry, error) {
	keyLen, err := readUint64(r)
	if err != nil {
		return Entry{}, err
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Entry{}, err
	}
	valueLen, err := readUint64(r)
	if err != nil {
		return Entry{}, err
	}
	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return Entry{}, err
	}
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Value: value, Type: EntryType(typeBuf[0])}, nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
