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

// Package graph provides the node executor shared by the supervisor and
// the agent subgraphs: plain state records passed between node
// functions, per-node stage events, and checkpointing after each
// transition.
package graph

import (
	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/llms"
	"github.com/kadirpekel/skein/pkg/memory"
)

// Handoff is a deferred delegation request: created by an agent's
// handoff tool, consumed by the supervisor router on its next pass.
type Handoff struct {
	Source  string `json:"source_agent"`
	Target  string `json:"target_agent"`
	Task    string `json:"task_description"`
	Context string `json:"context,omitempty"`
}

// State is the record passed between graph nodes. Nodes mutate their
// own copy; the executor checkpoints it after every transition.
type State struct {
	Query    string `json:"query"`
	Mode     string `json:"mode,omitempty"`
	TaskID   string `json:"task_id"`
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id,omitempty"`
	Locale   string `json:"locale,omitempty"`

	Messages         []llms.Message `json:"messages,omitempty"`
	AttachmentIDs    []string       `json:"attachment_ids,omitempty"`
	ImageAttachments []string       `json:"image_attachments,omitempty"`
	SystemPrompt     string         `json:"system_prompt,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Tier     string `json:"tier,omitempty"`

	// Research-mode knobs.
	Depth    string `json:"depth,omitempty"`
	Scenario string `json:"scenario,omitempty"`

	SelectedAgent     string  `json:"selected_agent,omitempty"`
	RoutingReason     string  `json:"routing_reason,omitempty"`
	RoutingConfidence float64 `json:"routing_confidence,omitempty"`
	ActiveAgent       string  `json:"active_agent,omitempty"`

	DelegatedTask  string    `json:"delegated_task,omitempty"`
	HandoffContext string    `json:"handoff_context,omitempty"`
	PendingHandoff *Handoff  `json:"pending_handoff,omitempty"`
	HandoffCount   int       `json:"handoff_count"`
	HandoffHistory []Handoff `json:"handoff_history,omitempty"`

	SharedMemory *memory.SharedContext `json:"shared_memory,omitempty"`

	// Events mirrors the run's event history for checkpoint replay.
	Events []events.Event `json:"events,omitempty"`

	Response string `json:"response,omitempty"`
}

// Clone returns a copy safe to hand to a checkpoint store. Slices are
// copied shallowly per element; SharedMemory is shared by reference
// since it carries its own synchronization discipline at append sites.
func (s State) Clone() State {
	out := s
	out.Messages = append([]llms.Message(nil), s.Messages...)
	out.AttachmentIDs = append([]string(nil), s.AttachmentIDs...)
	out.ImageAttachments = append([]string(nil), s.ImageAttachments...)
	out.HandoffHistory = append([]Handoff(nil), s.HandoffHistory...)
	out.Events = append([]events.Event(nil), s.Events...)
	if s.PendingHandoff != nil {
		handoff := *s.PendingHandoff
		out.PendingHandoff = &handoff
	}
	return out
}
