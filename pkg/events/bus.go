// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"sync"
)

const defaultBufferSize = 1024

// Bus is the per-run ordered event channel. Emit assigns the next
// sequence number under the lock, appends the event to the history
// mirror, and delivers it to the consumer channel. Once the consumer
// disconnects the bus is closed; late emits are dropped silently so
// producers never block on a dead run.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	history []Event
	ch      chan Event
	closed  bool
}

// NewBus creates a bus with the default channel buffer.
func NewBus() *Bus {
	return NewBusSize(defaultBufferSize)
}

// NewBusSize creates a bus with an explicit channel buffer size.
func NewBusSize(size int) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{ch: make(chan Event, size)}
}

// Emit assigns the event's sequence number, records it in the history
// mirror, and delivers it in order. Returns false if the bus is closed.
func (b *Bus) Emit(e Event) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.seq++
	e.Seq = b.seq
	b.history = append(b.history, e)
	b.mu.Unlock()

	// Delivery happens outside the lock; ordering is still guaranteed
	// because Emit is only called from the single producing goroutine
	// of each pipeline stage, and the channel preserves send order.
	defer func() {
		// A concurrent Close may have closed the channel between the
		// unlock and the send.
		recover()
	}()
	b.ch <- e
	return true
}

// Events returns the consumer channel. It is closed by Close.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// History returns a copy of every event emitted so far, in sequence
// order. Used by checkpointing and by tests.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Seq returns the sequence number of the most recently emitted event.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close marks the bus closed and closes the consumer channel. Safe to
// call more than once. Producers that emit after Close get false back.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
