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

// Package output drives the periodic zerolog summary of a subsystem's
// metrics.Collectors — the human-readable counterpart to the Prometheus
// registry it also reports into. swarm.Node wires one in via
// UseMetricsOutput.
package output

import (
	"sync"
	"time"

	"github.com/leontov/kolibri/metrics"
	"github.com/rs/zerolog"
)

// Output ticks every interval, asking each registered Collector to log its
// current counters. It is the Collector-side half of the F-KV/swarm/PoE
// metrics wiring: New once per process, Register each subsystem's
// *metrics.X, then Run alongside the subsystem it reports on.
type Output struct {
	log        zerolog.Logger
	interval   time.Duration
	collectors []metrics.Collector
	done       chan struct{}
	wg         *sync.WaitGroup
}

// New constructs an Output that logs at the given interval once Run is
// called. Register collectors before calling Run.
func New(log zerolog.Logger, interval time.Duration) *Output {
	o := Output{
		log:        log.With().Str("component", "metrics").Logger(),
		interval:   interval,
		collectors: make([]metrics.Collector, 0, 3),
		done:       make(chan struct{}),
		wg:         &sync.WaitGroup{},
	}
	return &o
}

// Run starts the ticker loop in its own goroutine. It logs once immediately
// so an operator tailing logs sees the first counters without waiting out
// a full interval.
func (o *Output) Run() {
	o.wg.Add(1)
	o.print()
	go o.loop()
}

// Register adds collector to the set printed on every tick.
func (o *Output) Register(collector metrics.Collector) {
	o.collectors = append(o.collectors, collector)
}

// Stop signals the loop to exit and blocks until it does, printing one
// final summary first.
func (o *Output) Stop() {
	close(o.done)
	o.wg.Wait()
}

func (o *Output) loop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.interval)
Loop:
	for {
		select {
		case <-o.done:
			break Loop
		case <-ticker.C:
			o.print()
		}
	}
	o.print()
	ticker.Stop()
}

func (o *Output) print() {
	for _, collector := range o.collectors {
		collector.Output(o.log)
	}
}
