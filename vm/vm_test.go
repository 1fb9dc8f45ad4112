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

package vm_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leontov/kolibri/fkv"
	"github.com/leontov/kolibri/vm"
)

func TestRunAdd(t *testing.T) {
	code := []byte{0x01, 0x02, 0x01, 0x03, 0x02, 0x12}
	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 16}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())})

	res := m.Run(code)
	assert.Equal(t, vm.StatusOK, res.Status)
	assert.True(t, res.Halted)
	assert.EqualValues(t, 5, res.Result)
	assert.EqualValues(t, 6, res.Steps)
}

func TestRunDivByZero(t *testing.T) {
	code := []byte{0x01, 0x08, 0x01, 0x00, 0x05, 0x12}
	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 16}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())})

	res := m.Run(code)
	assert.Equal(t, vm.StatusDivByZero, res.Status)
	assert.False(t, res.Halted)
}

func TestRunStackOverflow(t *testing.T) {
	code := []byte{0x01, 1, 0x01, 1, 0x01, 1}
	m := vm.New(vm.Limits{MaxStack: 2, MaxSteps: 16}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())})

	res := m.Run(code)
	assert.Equal(t, vm.StatusStackOverflow, res.Status)
}

func TestRunStackUnderflow(t *testing.T) {
	code := []byte{0x02, 0x12} // ADD with empty stack
	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 16}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())})

	res := m.Run(code)
	assert.Equal(t, vm.StatusStackUnderflow, res.Status)
}

func TestRunGasExhausted(t *testing.T) {
	code := []byte{0x11, 0x11, 0x11, 0x11} // four NOPs
	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 2}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())})

	res := m.Run(code)
	assert.Equal(t, vm.StatusGasExhausted, res.Status)
	assert.False(t, res.Halted)
}

func TestRunInvalidOpcode(t *testing.T) {
	code := []byte{0xFF}
	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 16}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())})

	res := m.Run(code)
	assert.Equal(t, vm.StatusInvalidOpcode, res.Status)
}

func TestRunWriteThenReadFKV(t *testing.T) {
	trie := fkv.New(zerolog.Nop())
	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 64}, vm.TrieBridge{Trie: trie})

	// PUSHD 7 (key), PUSHD 9 (value), WRITE_FKV, PUSHD 7 (key), READ_FKV, HALT
	code := []byte{0x01, 7, 0x01, 9, 0x0D, 0x01, 7, 0x0C, 0x12}
	res := m.Run(code)
	require.Equal(t, vm.StatusOK, res.Status)
	assert.EqualValues(t, 9, res.Result)
}

func TestRunReadMissingKeyReturnsZero(t *testing.T) {
	trie := fkv.New(zerolog.Nop())
	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 64}, vm.TrieBridge{Trie: trie})

	code := []byte{0x01, 5, 0x0C, 0x12} // PUSHD 5, READ_FKV, HALT
	res := m.Run(code)
	require.Equal(t, vm.StatusOK, res.Status)
	assert.EqualValues(t, 0, res.Result)
}

func TestRunRandom10IsDeterministicForAGivenSeed(t *testing.T) {
	code := []byte{0x0F, 0x0F, 0x0F, 0x12} // three RANDOM10s, HALT

	m1 := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 64}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())}, vm.WithSeed(1337))
	r1 := m1.Run(code)

	m2 := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 64}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())}, vm.WithSeed(1337))
	r2 := m2.Run(code)

	require.Equal(t, vm.StatusOK, r1.Status)
	assert.Equal(t, r1.Result, r2.Result, "the same seed must produce the same RANDOM10 sequence")
}

func TestRunRandom10DefaultSeedDiffersFromOverride(t *testing.T) {
	code := []byte{0x0F, 0x12} // one RANDOM10, HALT

	mDefault := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 64}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())})
	rDefault := mDefault.Run(code)

	mOverride := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 64}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())}, vm.WithSeed(42))
	rOverride := mOverride.Run(code)

	require.Equal(t, vm.StatusOK, rDefault.Status)
	require.Equal(t, vm.StatusOK, rOverride.Status)
	// Not asserting inequality on a single draw (seeds could coincidentally
	// collide on a single LCG step); this only checks both paths run cleanly.
	assert.True(t, rDefault.Result >= 0 && rDefault.Result <= 9_999_999_999)
	assert.True(t, rOverride.Result >= 0 && rOverride.Result <= 9_999_999_999)
}

func TestRunRandom10UsesTenDigitModulus(t *testing.T) {
	// seed 1337: lcgState = 1337*1664525 + 1013904223 = 3239374148, which is
	// >= 10 and would be truncated to a single digit by a %10 modulus.
	code := []byte{0x0F, 0x12} // RANDOM10, HALT
	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 64}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())}, vm.WithSeed(1337))

	res := m.Run(code)
	require.Equal(t, vm.StatusOK, res.Status)
	assert.EqualValues(t, 3239374148, res.Result)
}

func TestRunTime10UsesInjectedClock(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 64}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())},
		vm.WithClock(func() time.Time { return fixed }))

	code := []byte{0x10, 0x12} // TIME10, HALT
	res := m.Run(code)
	require.Equal(t, vm.StatusOK, res.Status)
	assert.EqualValues(t, fixed.UnixMilli()%10_000_000_000, res.Result)
}

func TestRunCallAndRet(t *testing.T) {
	// main: CALL sub(5); HALT
	// sub (at offset 5): PUSHD 4; RET
	code := []byte{
		0x0A, 0x05, 0x00, // CALL 5 (little-endian address)
		0x12,             // HALT (never reached directly; RET lands here)
		0x00,             // padding so sub starts exactly at offset 5
		0x01, 4, 0x0B,    // sub: PUSHD 4, RET
	}
	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 64}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())})
	res := m.Run(code)
	require.Equal(t, vm.StatusOK, res.Status)
	assert.True(t, res.Halted)
	assert.EqualValues(t, 4, res.Result)
}

func TestRunCallDecodesAddrAsLittleEndian(t *testing.T) {
	// CALL's two address bytes are 0x04, 0x01: little-endian that is 0x0104
	// (260), big-endian it is 0x0401 (1025) and well past the end of code.
	// Only the little-endian decode lands on the sub at offset 260.
	const addr = 260
	code := make([]byte, addr+3)
	code[0] = 0x0A // CALL
	code[1] = 0x04
	code[2] = 0x01
	code[3] = 0x12 // HALT, reached via RET's return address
	for i := 4; i < addr; i++ {
		code[i] = 0x11 // NOP padding, never executed
	}
	code[addr] = 0x01 // PUSHD 4
	code[addr+1] = 4
	code[addr+2] = 0x0B // RET

	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 512}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())})
	res := m.Run(code)
	require.Equal(t, vm.StatusOK, res.Status)
	assert.True(t, res.Halted)
	assert.EqualValues(t, 4, res.Result)
}

func TestRunJZDecodesOffsetAsLittleEndian(t *testing.T) {
	// JZ's two offset bytes are 0x05, 0x01: little-endian that is 0x0105
	// (261) relative to the JZ opcode at ip=2, landing on offset 263.
	// Big-endian would be 0x0501 (1281), well past the end of code.
	const jzIP = 2
	const target = jzIP + 0x0105
	code := make([]byte, target+3)
	code[0] = 0x01 // PUSHD 0
	code[1] = 0x00
	code[jzIP] = 0x08 // JZ
	code[jzIP+1] = 0x05
	code[jzIP+2] = 0x01
	code[jzIP+3] = 0x01 // fallback path (not taken): PUSHD 1, HALT
	code[jzIP+4] = 1
	code[jzIP+5] = 0x12
	for i := jzIP + 6; i < target; i++ {
		code[i] = 0x11 // NOP padding, never executed
	}
	code[target] = 0x01 // PUSHD 9
	code[target+1] = 9
	code[target+2] = 0x12 // HALT

	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 1024}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())})
	res := m.Run(code)
	require.Equal(t, vm.StatusOK, res.Status)
	assert.True(t, res.Halted)
	assert.EqualValues(t, 9, res.Result)
}

func TestRunTraceCapacityBoundsRing(t *testing.T) {
	code := []byte{0x11, 0x11, 0x11, 0x11, 0x12} // four NOPs, HALT
	m := vm.New(vm.Limits{MaxStack: 8, MaxSteps: 64, TraceCapacity: 2}, vm.TrieBridge{Trie: fkv.New(zerolog.Nop())})
	res := m.Run(code)
	require.Equal(t, vm.StatusOK, res.Status)
	assert.Len(t, res.Trace, 2, "the trace ring must not grow past its configured capacity")
}
