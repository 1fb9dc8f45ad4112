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

package vm

import (
	"encoding/binary"
	"time"

	"github.com/leontov/kolibri/fkv"
)

// FKVBridge is the subset of F-KV that READ_FKV/WRITE_FKV need. Keys and
// values cross the bridge as decimal digit arrays (0-9 per byte), converted
// to/from int64 with DigitsFromInt/IntFromDigits at the call site.
type FKVBridge interface {
	Get(key []byte) (value []byte, found bool, err error)
	Put(key, value []byte) error
}

// Limits bounds a single Run: the maximum stack depth and the maximum number
// of steps (instruction bytes executed, see Run) before the machine halts
// with GAS_EXHAUSTED.
type Limits struct {
	MaxStack uint32
	MaxSteps uint64
	// TraceCapacity is the number of TraceEntry records retained; 0 disables
	// tracing entirely. Once it is full, later instructions still execute but
	// are not recorded.
	TraceCapacity int
}

// DefaultLimits matches §4.4's baseline machine configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxStack: 256,
		MaxSteps: 100_000,
	}
}

// TraceEntry records the machine state immediately before one opcode
// executes.
type TraceEntry struct {
	Step     uint64
	IP       int
	Opcode   Opcode
	StackTop int64
	HasTop   bool
	GasLeft  uint64
}

// Result is the outcome of a Run.
type Result struct {
	Status Status
	Halted bool
	Result int64
	Steps  uint64
	Trace  []TraceEntry
}

// Machine is a D-VM instance. It is not safe for concurrent use; callers
// needing concurrent execution should create one Machine per goroutine.
type Machine struct {
	limits   Limits
	fkv      FKVBridge
	lcgState uint32
	now      func() time.Time
}

// Option configures a Machine at construction time.
type Option func(*Machine)

// WithSeed overrides the RANDOM10 LCG seed (default 1337, per §4.4).
func WithSeed(seed uint32) Option {
	return func(m *Machine) { m.lcgState = seed }
}

// WithClock overrides the wall clock TIME10 reads from; tests use this to
// get deterministic output.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New constructs a Machine bound to fkv for READ_FKV/WRITE_FKV, applying
// limits and any options.
func New(limits Limits, fkv FKVBridge, opts ...Option) *Machine {
	m := &Machine{
		limits:   limits,
		fkv:      fkv,
		lcgState: defaultSeed,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type callFrame struct {
	returnIP int
}

// Run executes code from instruction 0 until it halts, runs off the end of
// code, or hits a terminal error status. The gas check happens before each
// opcode is decoded, and a trace entry (when tracing is enabled) is recorded
// before that opcode executes — so a GAS_EXHAUSTED result still reports the
// steps actually taken, and the trace never includes the opcode that was
// never run.
func (m *Machine) Run(code []byte) Result {
	stack := make([]int64, 0, m.limits.MaxStack)
	var callStack [callStackDepth]callFrame
	callDepth := 0
	var trace []TraceEntry
	if m.limits.TraceCapacity > 0 {
		trace = make([]TraceEntry, 0, m.limits.TraceCapacity)
	}

	ip := 0
	var steps uint64
	halted := false
	status := StatusOK

	recordTrace := func(opcode Opcode) {
		if m.limits.TraceCapacity == 0 {
			return
		}
		entry := TraceEntry{
			Step:    steps,
			IP:      ip,
			Opcode:  opcode,
			GasLeft: m.limits.MaxSteps - steps,
		}
		if len(stack) > 0 {
			entry.StackTop = stack[len(stack)-1]
			entry.HasTop = true
		}
		if len(trace) == m.limits.TraceCapacity {
			return
		}
		trace = append(trace, entry)
	}

	push := func(v int64) bool {
		if uint32(len(stack)) >= m.limits.MaxStack {
			status = StatusStackOverflow
			return false
		}
		stack = append(stack, v)
		return true
	}
	pop := func() (int64, bool) {
		if len(stack) == 0 {
			status = StatusStackUnderflow
			return 0, false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

loop:
	for {
		if steps >= m.limits.MaxSteps {
			status = StatusGasExhausted
			break
		}
		if ip >= len(code) {
			break
		}

		op := Opcode(code[ip])
		recordTrace(op)

		// consumed is the instruction's own width in bytes; steps counts
		// total bytes of instructions executed, not instructions themselves,
		// so a two-byte PUSHD costs twice what a one-byte ADD costs.
		consumed := uint64(1)
		nextIP := ip + 1

		switch op {
		case OpPushD:
			if ip+1 >= len(code) {
				status = StatusInvalidOpcode
				break loop
			}
			d := code[ip+1]
			if d > 9 {
				status = StatusInvalidOpcode
				break loop
			}
			if !push(int64(d)) {
				break loop
			}
			consumed, nextIP = 2, ip+2

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpCmp:
			b, ok := pop()
			if !ok {
				break loop
			}
			a, ok := pop()
			if !ok {
				break loop
			}
			var r int64
			switch op {
			case OpAdd:
				r = a + b
			case OpSub:
				r = a - b
			case OpMul:
				r = a * b
			case OpDiv:
				if b == 0 {
					status = StatusDivByZero
					break loop
				}
				r = a / b
			case OpMod:
				if b == 0 {
					status = StatusDivByZero
					break loop
				}
				r = a % b
			case OpCmp:
				switch {
				case a < b:
					r = -1
				case a > b:
					r = 1
				default:
					r = 0
				}
			}
			if !push(r) {
				break loop
			}

		case OpJZ, OpJNZ:
			if ip+2 >= len(code) {
				status = StatusInvalidOpcode
				break loop
			}
			offset := int16(binary.LittleEndian.Uint16(code[ip+1 : ip+3]))
			v, ok := pop()
			if !ok {
				break loop
			}
			consumed = 3
			takeBranch := (op == OpJZ && v == 0) || (op == OpJNZ && v != 0)
			if takeBranch {
				nextIP = ip + int(offset)
			} else {
				nextIP = ip + 3
			}

		case OpCall:
			if ip+2 >= len(code) {
				status = StatusInvalidOpcode
				break loop
			}
			if callDepth >= callStackDepth {
				status = StatusStackOverflow
				break loop
			}
			addr := binary.LittleEndian.Uint16(code[ip+1 : ip+3])
			callStack[callDepth] = callFrame{returnIP: ip + 3}
			callDepth++
			consumed, nextIP = 3, int(addr)

		case OpRet:
			if callDepth == 0 {
				break loop
			}
			callDepth--
			nextIP = callStack[callDepth].returnIP

		case OpReadFKV:
			keyVal, ok := pop()
			if !ok {
				break loop
			}
			keyDigits, err := fkv.DigitsFromInt(keyVal)
			if err != nil {
				status = StatusInvalidOpcode
				break loop
			}
			value, found, err := m.fkv.Get(keyDigits)
			if err != nil {
				status = StatusInvalidOpcode
				break loop
			}
			if !found {
				if !push(0) {
					break loop
				}
			} else if !push(fkv.IntFromDigits(value)) {
				break loop
			}

		case OpWriteFKV:
			// WRITE_FKV pops the value before the key.
			value, ok := pop()
			if !ok {
				break loop
			}
			key, ok := pop()
			if !ok {
				break loop
			}
			keyDigits, err := fkv.DigitsFromInt(key)
			if err != nil {
				status = StatusInvalidOpcode
				break loop
			}
			valueDigits, err := fkv.DigitsFromInt(value)
			if err != nil {
				status = StatusInvalidOpcode
				break loop
			}
			if err := m.fkv.Put(keyDigits, valueDigits); err != nil {
				status = StatusInvalidOpcode
				break loop
			}

		case OpHash10:
			v, ok := pop()
			if !ok {
				break loop
			}
			h := (uint64(v) * 2654435761) % 10_000_000_000
			if !push(int64(h)) {
				break loop
			}

		case OpRandom10:
			m.lcgState = m.lcgState*1664525 + 1013904223
			if !push(int64(uint64(m.lcgState) % 10_000_000_000)) {
				break loop
			}

		case OpTime10:
			if !push(m.now().UnixMilli() % 10_000_000_000) {
				break loop
			}

		case OpNop:

		case OpHalt:
			halted = true
			steps += consumed
			ip = nextIP
			break loop

		default:
			status = StatusInvalidOpcode
			break loop
		}

		steps += consumed
		ip = nextIP
	}

	result := Result{
		Status: status,
		Halted: halted,
		Steps:  steps,
		Trace:  trace,
	}
	if len(stack) > 0 {
		result.Result = stack[len(stack)-1]
	}
	return result
}
