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

package swarm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leontov/kolibri/swarm"
)

func TestSerializeParsePingRoundTrip(t *testing.T) {
	f := swarm.Frame{Type: swarm.FramePing, Ping: &swarm.PingPayload{Nonce: 42, LatencyHintMs: 17}}
	data, err := swarm.Serialize(f)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), swarm.MaxFrameLen)

	parsed, err := swarm.Parse(data)
	require.NoError(t, err)
	require.NotNil(t, parsed.Ping)
	assert.Equal(t, uint64(42), parsed.Ping.Nonce)
	assert.EqualValues(t, 17, parsed.Ping.LatencyHintMs)
}

func TestSerializeParseHelloRoundTrip(t *testing.T) {
	f := swarm.Frame{Type: swarm.FrameHello, Hello: &swarm.HelloPayload{
		Version: 1, NodeID: "0000000000000001", Services: 3, Reputation: 600,
	}}
	data, err := swarm.Serialize(f)
	require.NoError(t, err)

	parsed, err := swarm.Parse(data)
	require.NoError(t, err)
	require.NotNil(t, parsed.Hello)
	assert.Equal(t, "0000000000000001", parsed.Hello.NodeID)
	assert.EqualValues(t, 600, parsed.Hello.Reputation)
}

func TestSerializeRejectsOversizedField(t *testing.T) {
	f := swarm.Frame{Type: swarm.FramePing, Ping: &swarm.PingPayload{Nonce: 99999999999, LatencyHintMs: 1}}
	_, err := swarm.Serialize(f)
	assert.Error(t, err)
}

func TestSerializeRejectsNonDigitNodeID(t *testing.T) {
	f := swarm.Frame{Type: swarm.FrameHello, Hello: &swarm.HelloPayload{
		Version: 1, NodeID: "not-a-digit-id!!", Services: 0, Reputation: 0,
	}}
	_, err := swarm.Serialize(f)
	assert.Error(t, err)
}

func TestParseRejectsUnknownCode(t *testing.T) {
	_, err := swarm.Parse([]byte("000199" + "0000000000"))
	assert.Error(t, err)
}

func TestParseRejectsNonDigitByte(t *testing.T) {
	_, err := swarm.Parse([]byte("0001X10000000000000"))
	assert.Error(t, err)
}

func TestParseRejectsTrailingBytes(t *testing.T) {
	f := swarm.Frame{Type: swarm.FramePing, Ping: &swarm.PingPayload{Nonce: 1, LatencyHintMs: 1}}
	data, err := swarm.Serialize(f)
	require.NoError(t, err)

	_, err = swarm.Parse(append(data, '0'))
	assert.Error(t, err)
}

func TestParseRejectsWrongProtoVersion(t *testing.T) {
	_, err := swarm.Parse([]byte("000211" + "00000000000000"))
	assert.Error(t, err)
}

func TestSerializeParseBlockOfferRoundTrip(t *testing.T) {
	f := swarm.Frame{Type: swarm.FrameBlockOffer, BlockOffer: &swarm.BlockOfferPayload{
		BlockID: "0000000000000042", Height: 7, PoEMilli: 850, ProgramCount: 3,
	}}
	data, err := swarm.Serialize(f)
	require.NoError(t, err)

	parsed, err := swarm.Parse(data)
	require.NoError(t, err)
	require.NotNil(t, parsed.BlockOffer)
	assert.EqualValues(t, 7, parsed.BlockOffer.Height)
	assert.EqualValues(t, 850, parsed.BlockOffer.PoEMilli)
}

func TestSerializeParseFKVDeltaRoundTrip(t *testing.T) {
	f := swarm.Frame{Type: swarm.FrameFKVDelta, FKVDelta: &swarm.FKVDeltaPayload{
		Prefix: "000000000012", EntryCount: 3, CompressedSize: 128, Checksum: 999,
	}}
	data, err := swarm.Serialize(f)
	require.NoError(t, err)

	parsed, err := swarm.Parse(data)
	require.NoError(t, err)
	require.NotNil(t, parsed.FKVDelta)
	assert.EqualValues(t, 3, parsed.FKVDelta.EntryCount)
	assert.EqualValues(t, 999, parsed.FKVDelta.Checksum)
}
