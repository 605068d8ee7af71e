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

// Package memory holds conversation state: the windowed message buffer,
// the cross-agent shared context, history compression, and the
// cross-session memory store.
package memory

import (
	"sync"

	"github.com/kadirpekel/skein/pkg/llms"
)

// Window is a bounded conversation buffer. On overflow the middle is
// dropped: system messages survive verbatim and the most recent
// non-system messages are kept.
type Window struct {
	mu             sync.Mutex
	messages       []llms.Message
	maxMessages    int
	preserveRecent int
	preserveSystem bool
}

// NewWindow creates a window. maxMessages <= 0 means unbounded.
func NewWindow(maxMessages, preserveRecent int, preserveSystem bool) *Window {
	return &Window{
		maxMessages:    maxMessages,
		preserveRecent: preserveRecent,
		preserveSystem: preserveSystem,
	}
}

// Add appends messages and trims on overflow.
func (w *Window) Add(msgs ...llms.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	w.trim()
}

// Messages returns a copy of the current buffer.
func (w *Window) Messages() []llms.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]llms.Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// Replace swaps the whole buffer (compression uses this).
func (w *Window) Replace(msgs []llms.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append([]llms.Message(nil), msgs...)
	w.trim()
}

// Len reports the current message count.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

// trim enforces the window bound. Caller holds the lock.
func (w *Window) trim() {
	if w.maxMessages <= 0 || len(w.messages) <= w.maxMessages {
		return
	}

	var system, rest []llms.Message
	for _, m := range w.messages {
		if w.preserveSystem && m.Role == llms.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	keep := w.maxMessages - len(system)
	if w.preserveRecent > keep {
		keep = w.preserveRecent
	}
	if keep < 0 {
		keep = 0
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}

	w.messages = append(system, rest...)
}
