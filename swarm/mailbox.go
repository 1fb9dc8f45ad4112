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

package swarm

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// mailbox is the bounded outbound ring described in §4.7: push drops the
// oldest entry once the ring is at capacity, and poll blocks up to a
// timeout for the next entry. The worker goroutine is the sole pusher;
// poll may be called from any goroutine.
type mailbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    *deque.Deque
	capacity int
}

func newMailbox(capacity int) *mailbox {
	m := &mailbox{capacity: capacity, queue: deque.New()}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(of OutboundFrame) {
	m.mu.Lock()
	if m.queue.Len() >= m.capacity {
		m.queue.PopFront()
	}
	m.queue.PushBack(of)
	m.cond.Signal()
	m.mu.Unlock()
}

// poll blocks until an entry is available or timeout elapses.
func (m *mailbox) poll(timeout time.Duration) (OutboundFrame, bool) {
	deadline := time.Now().Add(timeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.queue.Len() == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return OutboundFrame{}, false
		}
		timer := time.AfterFunc(remaining, func() {
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		})
		m.cond.Wait()
		timer.Stop()
	}

	v := m.queue.PopFront()
	return v.(OutboundFrame), true
}
