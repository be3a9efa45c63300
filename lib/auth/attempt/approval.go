/*
Copyright 2016 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package attempt

import "sync"

type approvalOutcome struct {
	approved bool
}

// ApprovalBus is the process-wide, in-memory rendezvous for in-browser
// approval (spec.md §9 "a process-wide broadcast indexed by auth_id, no
// shared locks beyond the bus's internal synchronization"). A
// WebUserApprovalNeeded transition publishes the attempt's auth_id here;
// the web-auth-requests stream endpoint subscribes and forwards it to the
// browser; POST .../approve resolves the matching waiter.
type ApprovalBus struct {
	mu      sync.Mutex
	waiters map[string]chan approvalOutcome
	subs    map[chan string]struct{}
}

// NewApprovalBus constructs an empty ApprovalBus.
func NewApprovalBus() *ApprovalBus {
	return &ApprovalBus{
		waiters: make(map[string]chan approvalOutcome),
		subs:    make(map[chan string]struct{}),
	}
}

// Publish announces authID to every currently-subscribed listener. A slow
// or absent subscriber never blocks the publisher: the send is best-effort.
func (b *ApprovalBus) Publish(authID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- authID:
		default:
		}
	}
}

// Subscribe registers a new listener for the web-auth-requests stream.
// Calling cancel unregisters it and closes the channel.
func (b *ApprovalBus) Subscribe() (ch <-chan string, cancel func()) {
	c := make(chan string, 8)
	b.mu.Lock()
	b.subs[c] = struct{}{}
	b.mu.Unlock()
	return c, func() {
		b.mu.Lock()
		if _, ok := b.subs[c]; ok {
			delete(b.subs, c)
			close(c)
		}
		b.mu.Unlock()
	}
}

func (b *ApprovalBus) await(authID string) chan approvalOutcome {
	ch := make(chan approvalOutcome, 1)
	b.mu.Lock()
	b.waiters[authID] = ch
	b.mu.Unlock()
	return ch
}

// Resolve fulfils the pending wait for authID, if one exists, and reports
// whether it found one. Called by POST .../approve; approved is false for
// an explicit deny.
func (b *ApprovalBus) Resolve(authID string, approved bool) bool {
	b.mu.Lock()
	ch, ok := b.waiters[authID]
	if ok {
		delete(b.waiters, authID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approvalOutcome{approved: approved}
	return true
}
