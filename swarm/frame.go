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

// Package swarm implements the peer-to-peer wire protocol: fixed-width
// ASCII-decimal frames, per-peer rate limiting and reputation, a
// single-worker node, and gossip broadcast.
package swarm

import (
	"fmt"

	"github.com/leontov/kolibri/errs"
)

// ProtoVersion is the only wire protocol version this package emits or
// accepts.
const ProtoVersion = 1

// FrameType is the wire discriminant carried in every frame's frame_code
// field.
type FrameType uint16

const (
	FrameHello        FrameType = 10
	FramePing         FrameType = 11
	FrameProgramOffer FrameType = 12
	FrameBlockOffer   FrameType = 13
	FrameFKVDelta     FrameType = 14
)

// String renders the frame type's name, used as a metrics label.
func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FramePing:
		return "ping"
	case FrameProgramOffer:
		return "program_offer"
	case FrameBlockOffer:
		return "block_offer"
	case FrameFKVDelta:
		return "fkv_delta"
	default:
		return "unknown"
	}
}

// MaxFrameLen bounds any serialized frame, header included.
const MaxFrameLen = 128

// Frame is the sum type over the five wire variants; exactly one of the
// payload pointers is non-nil, matching the variant named by Type.
type Frame struct {
	Type         FrameType
	Hello        *HelloPayload
	Ping         *PingPayload
	ProgramOffer *ProgramOfferPayload
	BlockOffer   *BlockOfferPayload
	FKVDelta     *FKVDeltaPayload
}

// HelloPayload: version(2) node_id(16) services(4) reputation(3).
type HelloPayload struct {
	Version     uint16
	NodeID      string // 16 ASCII decimal digits
	Services    uint16
	Reputation  uint16
}

// PingPayload: nonce(10) latency_hint_ms(5).
type PingPayload struct {
	Nonce         uint64
	LatencyHintMs uint32
}

// ProgramOfferPayload: program_id(16) poe_milli(4) mdl(5) gas_used(6).
type ProgramOfferPayload struct {
	ProgramID string // 16 digits
	PoEMilli  uint16
	MDL       uint32
	GasUsed   uint32
}

// BlockOfferPayload: block_id(16) height(8) poe_milli(4) program_count(4).
type BlockOfferPayload struct {
	BlockID       string // 16 digits
	Height        uint32
	PoEMilli      uint16
	ProgramCount  uint16
}

// FKVDeltaPayload: prefix(12) entry_count(3) compressed_size(6) checksum(5).
type FKVDeltaPayload struct {
	Prefix         string // 12 digits
	EntryCount     uint16
	CompressedSize uint32
	Checksum       uint16
}

type fieldWidth struct {
	name  string
	width int
}

var layouts = map[FrameType][]fieldWidth{
	FrameHello:        {{"version", 2}, {"node_id", 16}, {"services", 4}, {"reputation", 3}},
	FramePing:         {{"nonce", 10}, {"latency_hint_ms", 5}},
	FrameProgramOffer: {{"program_id", 16}, {"poe_milli", 4}, {"mdl", 5}, {"gas_used", 6}},
	FrameBlockOffer:   {{"block_id", 16}, {"height", 8}, {"poe_milli", 4}, {"program_count", 4}},
	FrameFKVDelta:     {{"prefix", 12}, {"entry_count", 3}, {"compressed_size", 6}, {"checksum", 5}},
}

func formatDigits(v uint64, width int) (string, error) {
	s := fmt.Sprintf("%d", v)
	if len(s) > width {
		return "", fmt.Errorf("swarm: value %d exceeds field width %d: %w", v, width, errs.ErrInvalidArgument)
	}
	pad := width - len(s)
	if pad == 0 {
		return s, nil
	}
	b := make([]byte, width)
	for i := 0; i < pad; i++ {
		b[i] = '0'
	}
	copy(b[pad:], s)
	return string(b), nil
}

func formatIDField(id string, width int) (string, error) {
	if len(id) != width || !isAllDigits(id) {
		return "", fmt.Errorf("swarm: field must be %d ASCII digits, got %q: %w", width, id, errs.ErrInvalidArgument)
	}
	return id, nil
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseDigits(field string) (uint64, error) {
	if !isAllDigits(field) {
		return 0, fmt.Errorf("swarm: field %q has a non-digit byte: %w", field, errs.ErrInvalidArgument)
	}
	var v uint64
	for _, r := range field {
		v = v*10 + uint64(r-'0')
	}
	return v, nil
}

// Serialize renders f as proto_version(4) | frame_code(2) | payload, all
// ASCII decimal, zero-padded per field. It rejects any field value too wide
// for its column.
func Serialize(f Frame) ([]byte, error) {
	header, err := formatDigits(ProtoVersion, 4)
	if err != nil {
		return nil, err
	}
	code, err := formatDigits(uint64(f.Type), 2)
	if err != nil {
		return nil, err
	}

	var fields []string
	switch f.Type {
	case FrameHello:
		if f.Hello == nil {
			return nil, fmt.Errorf("swarm: HELLO frame missing payload: %w", errs.ErrInvalidArgument)
		}
		version, err := formatDigits(uint64(f.Hello.Version), 2)
		if err != nil {
			return nil, err
		}
		nodeID, err := formatIDField(f.Hello.NodeID, 16)
		if err != nil {
			return nil, err
		}
		services, err := formatDigits(uint64(f.Hello.Services), 4)
		if err != nil {
			return nil, err
		}
		reputation, err := formatDigits(uint64(f.Hello.Reputation), 3)
		if err != nil {
			return nil, err
		}
		fields = []string{version, nodeID, services, reputation}

	case FramePing:
		if f.Ping == nil {
			return nil, fmt.Errorf("swarm: PING frame missing payload: %w", errs.ErrInvalidArgument)
		}
		nonce, err := formatDigits(f.Ping.Nonce, 10)
		if err != nil {
			return nil, err
		}
		latency, err := formatDigits(uint64(f.Ping.LatencyHintMs), 5)
		if err != nil {
			return nil, err
		}
		fields = []string{nonce, latency}

	case FrameProgramOffer:
		if f.ProgramOffer == nil {
			return nil, fmt.Errorf("swarm: PROGRAM_OFFER frame missing payload: %w", errs.ErrInvalidArgument)
		}
		programID, err := formatIDField(f.ProgramOffer.ProgramID, 16)
		if err != nil {
			return nil, err
		}
		poe, err := formatDigits(uint64(f.ProgramOffer.PoEMilli), 4)
		if err != nil {
			return nil, err
		}
		mdl, err := formatDigits(uint64(f.ProgramOffer.MDL), 5)
		if err != nil {
			return nil, err
		}
		gas, err := formatDigits(uint64(f.ProgramOffer.GasUsed), 6)
		if err != nil {
			return nil, err
		}
		fields = []string{programID, poe, mdl, gas}

	case FrameBlockOffer:
		if f.BlockOffer == nil {
			return nil, fmt.Errorf("swarm: BLOCK_OFFER frame missing payload: %w", errs.ErrInvalidArgument)
		}
		blockID, err := formatIDField(f.BlockOffer.BlockID, 16)
		if err != nil {
			return nil, err
		}
		height, err := formatDigits(uint64(f.BlockOffer.Height), 8)
		if err != nil {
			return nil, err
		}
		poe, err := formatDigits(uint64(f.BlockOffer.PoEMilli), 4)
		if err != nil {
			return nil, err
		}
		count, err := formatDigits(uint64(f.BlockOffer.ProgramCount), 4)
		if err != nil {
			return nil, err
		}
		fields = []string{blockID, height, poe, count}

	case FrameFKVDelta:
		if f.FKVDelta == nil {
			return nil, fmt.Errorf("swarm: FKV_DELTA frame missing payload: %w", errs.ErrInvalidArgument)
		}
		prefix, err := formatIDField(f.FKVDelta.Prefix, 12)
		if err != nil {
			return nil, err
		}
		count, err := formatDigits(uint64(f.FKVDelta.EntryCount), 3)
		if err != nil {
			return nil, err
		}
		size, err := formatDigits(uint64(f.FKVDelta.CompressedSize), 6)
		if err != nil {
			return nil, err
		}
		checksum, err := formatDigits(uint64(f.FKVDelta.Checksum), 5)
		if err != nil {
			return nil, err
		}
		fields = []string{prefix, count, size, checksum}

	default:
		return nil, fmt.Errorf("swarm: unknown frame type %d: %w", f.Type, errs.ErrInvalidArgument)
	}

	out := header + code
	for _, field := range fields {
		out += field
	}
	if len(out) > MaxFrameLen {
		return nil, fmt.Errorf("swarm: serialized frame exceeds %d bytes: %w", MaxFrameLen, errs.ErrInvalidArgument)
	}
	return []byte(out), nil
}

// Parse reverses Serialize, rejecting any byte outside 0..9, any unknown
// code, any trailing bytes, or any wrong proto version.
func Parse(data []byte) (Frame, error) {
	if len(data) > MaxFrameLen {
		return Frame{}, fmt.Errorf("swarm: frame exceeds %d bytes: %w", MaxFrameLen, errs.ErrInvalidArgument)
	}
	if len(data) < 6 {
		return Frame{}, fmt.Errorf("swarm: frame shorter than header: %w", errs.ErrInvalidArgument)
	}
	s := string(data)
	if !isAllDigits(s) {
		return Frame{}, fmt.Errorf("swarm: frame has a non-digit byte: %w", errs.ErrInvalidArgument)
	}

	version, err := parseDigits(s[0:4])
	if err != nil {
		return Frame{}, err
	}
	if version != ProtoVersion {
		return Frame{}, fmt.Errorf("swarm: unsupported proto version %d: %w", version, errs.ErrInvalidArgument)
	}
	code, err := parseDigits(s[4:6])
	if err != nil {
		return Frame{}, err
	}
	typ := FrameType(code)
	layout, ok := layouts[typ]
	if !ok {
		return Frame{}, fmt.Errorf("swarm: unknown frame code %d: %w", code, errs.ErrInvalidArgument)
	}

	body := s[6:]
	wantLen := 0
	for _, fw := range layout {
		wantLen += fw.width
	}
	if len(body) != wantLen {
		return Frame{}, fmt.Errorf("swarm: frame %d has %d trailing/missing bytes: %w",
			typ, len(body)-wantLen, errs.ErrInvalidArgument)
	}

	vals := make([]string, len(layout))
	off := 0
	for i, fw := range layout {
		vals[i] = body[off : off+fw.width]
		off += fw.width
	}

	switch typ {
	case FrameHello:
		ver, _ := parseDigits(vals[0])
		services, _ := parseDigits(vals[2])
		reputation, _ := parseDigits(vals[3])
		return Frame{Type: typ, Hello: &HelloPayload{
			Version: uint16(ver), NodeID: vals[1], Services: uint16(services), Reputation: uint16(reputation),
		}}, nil
	case FramePing:
		nonce, _ := parseDigits(vals[0])
		latency, _ := parseDigits(vals[1])
		return Frame{Type: typ, Ping: &PingPayload{Nonce: nonce, LatencyHintMs: uint32(latency)}}, nil
	case FrameProgramOffer:
		poe, _ := parseDigits(vals[1])
		mdl, _ := parseDigits(vals[2])
		gas, _ := parseDigits(vals[3])
		return Frame{Type: typ, ProgramOffer: &ProgramOfferPayload{
			ProgramID: vals[0], PoEMilli: uint16(poe), MDL: uint32(mdl), GasUsed: uint32(gas),
		}}, nil
	case FrameBlockOffer:
		height, _ := parseDigits(vals[1])
		poe, _ := parseDigits(vals[2])
		count, _ := parseDigits(vals[3])
		return Frame{Type: typ, BlockOffer: &BlockOfferPayload{
			BlockID: vals[0], Height: uint32(height), PoEMilli: uint16(poe), ProgramCount: uint16(count),
		}}, nil
	case FrameFKVDelta:
		count, _ := parseDigits(vals[1])
		size, _ := parseDigits(vals[2])
		checksum, _ := parseDigits(vals[3])
		return Frame{Type: typ, FKVDelta: &FKVDeltaPayload{
			Prefix: vals[0], EntryCount: uint16(count), CompressedSize: uint32(size), Checksum: uint16(checksum),
		}}, nil
	}
	return Frame{}, fmt.Errorf("swarm: unreachable frame code %d: %w", code, errs.ErrInternal)
}
