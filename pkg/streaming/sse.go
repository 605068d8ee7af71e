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

// Package streaming turns a run's event channel into an SSE response
// and bridges background research workers over Redis pub/sub.
package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kadirpekel/skein/pkg/events"
)

// Sink receives events bound for a client.
type Sink interface {
	Write(ev events.Event) error
}

// SSEWriter writes events as server-sent-event frames, flushing after
// every frame so tokens reach the client with zero buffering.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for an SSE response and returns the writer.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Write emits one `data: <json>` frame.
func (s *SSEWriter) Write(ev events.Event) error {
	payload, err := json.Marshal(ev.SSEPayload())
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.WriteRaw(payload)
}

// WriteRaw emits a pre-encoded payload; the worker bridge uses this to
// forward envelopes untouched.
func (s *SSEWriter) WriteRaw(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
