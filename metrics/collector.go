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

// Package metrics defines the observability surface shared by the swarm,
// gossip, and chain components.
package metrics

import "github.com/rs/zerolog"

// Collector writes a summary of its current counters to log at whatever
// level it judges appropriate. Implementations must be safe to call from the
// periodic output loop concurrently with their own counter updates.
type Collector interface {
	Output(log zerolog.Logger)
}
