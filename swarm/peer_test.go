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

	"github.com/leontov/kolibri/swarm"
)

func TestShouldAcceptRateLimitsThenRefills(t *testing.T) {
	// Scenario 6 from the spec.
	peer := swarm.NewPeerState("0000000000000001", 0)

	for i := 0; i < 3; i++ {
		assert.Equal(t, swarm.DecisionAccept, peer.ShouldAccept(swarm.FramePing, 0))
	}

	assert.Equal(t, swarm.DecisionRateLimited, peer.ShouldAccept(swarm.FramePing, 0))
	assert.Equal(t, 580, peer.Reputation.Score)

	assert.Equal(t, swarm.DecisionAccept, peer.ShouldAccept(swarm.FramePing, 5000))
}

func TestShouldAcceptBlocksBelowReputationFloor(t *testing.T) {
	peer := swarm.NewPeerState("0000000000000002", 0)
	for i := 0; i < 25; i++ {
		peer.ReportViolation()
	}
	assert.Less(t, peer.Reputation.Score, swarm.ReputationBlockThreshold)
	assert.Equal(t, swarm.DecisionReputationBlocked, peer.ShouldAccept(swarm.FramePing, 100))
}

func TestShouldAcceptClockNeverRewinds(t *testing.T) {
	peer := swarm.NewPeerState("0000000000000003", 1000)
	// A PING bucket refills at 1 token/sec; consume all 3, then present an
	// earlier timestamp. Tokens must stay at 0, not go negative or refill.
	for i := 0; i < 3; i++ {
		peer.ShouldAccept(swarm.FramePing, 1000)
	}
	decision := peer.ShouldAccept(swarm.FramePing, 500)
	assert.Equal(t, swarm.DecisionRateLimited, decision)
}

func TestReportSuccessRewardsReputation(t *testing.T) {
	peer := swarm.NewPeerState("0000000000000004", 0)
	peer.ReportSuccess(swarm.FrameBlockOffer)
	assert.Equal(t, 640, peer.Reputation.Score)
	assert.Equal(t, 1, peer.Reputation.Successes)
}

func TestClassifyReputation(t *testing.T) {
	assert.Equal(t, swarm.ClassTrusted, swarm.ClassifyReputation(900))
	assert.Equal(t, swarm.ClassStable, swarm.ClassifyReputation(600))
	assert.Equal(t, swarm.ClassNeutral, swarm.ClassifyReputation(400))
	assert.Equal(t, swarm.ClassSuspect, swarm.ClassifyReputation(200))
	assert.Equal(t, swarm.ClassBlocked, swarm.ClassifyReputation(100))
}
