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

// Package agents builds the task and research subgraphs the supervisor
// delegates to. Both are sequential node graphs over pkg/graph; the
// task agent runs a tool-calling react loop, the research agent runs a
// fixed search/analyze/synthesize/write pipeline.
package agents

import (
	"fmt"
	"strings"

	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/graph"
	"github.com/kadirpekel/skein/pkg/guardrails"
	"github.com/kadirpekel/skein/pkg/llms"
	"github.com/kadirpekel/skein/pkg/memory"
	"github.com/kadirpekel/skein/pkg/tools"
	"github.com/kadirpekel/skein/pkg/usage"
)

// DefaultTier is used when the state does not pin one.
const DefaultTier = "pro"

// FlashTier is the cheap tier used for planning and summarization.
const FlashTier = "flash"

// Deps carries everything a subgraph needs. All fields except LLMs and
// Tools may be nil; nil disables the corresponding concern.
type Deps struct {
	LLMs       *llms.Registry
	Tools      *tools.Registry
	Guards     *guardrails.Chain
	Compressor *memory.Compressor
	Track      usage.Tracker
	ToolsCfg   config.ToolsConfig
}

func (d Deps) provider(tier string) (llms.Provider, string, error) {
	if tier == "" {
		tier = DefaultTier
	}
	p, err := d.LLMs.ForTier(tier)
	if err != nil {
		return nil, tier, err
	}
	return p, tier, nil
}

func (d Deps) track(agent, tier string, u llms.Usage) {
	if d.Track == nil {
		return
	}
	d.Track(usage.Record{Agent: agent, Tier: tier, Usage: u})
}

// systemPrompt assembles the effective system prompt: the state's own
// prompt plus the shared cross-agent context, when any exists.
func systemPrompt(s graph.State) string {
	parts := make([]string, 0, 2)
	if s.SystemPrompt != "" {
		parts = append(parts, s.SystemPrompt)
	}
	if s.SharedMemory != nil && !s.SharedMemory.Empty() {
		parts = append(parts, s.SharedMemory.FormatForPrompt(8000))
	}
	if s.HandoffContext != "" {
		parts = append(parts, "Context from the previous agent:\n"+s.HandoffContext)
	}
	return strings.Join(parts, "\n\n")
}

// seedMessages appends the user turn when the caller did not supply a
// message history, preferring the delegated task over the raw query.
func seedMessages(s graph.State) graph.State {
	if len(s.Messages) > 0 {
		return s
	}
	query := s.Query
	if s.DelegatedTask != "" {
		query = s.DelegatedTask
	}
	s.Messages = append(s.Messages, llms.Message{Role: llms.RoleUser, Content: query})
	return s
}

// truncateResult caps tool output relayed to the client. Content at
// exactly the limit passes through untouched.
func truncateResult(content string, limit int) string {
	if limit <= 0 || len(content) <= limit {
		return content
	}
	return content[:limit] + fmt.Sprintf("... [truncated, %d chars total]", len(content))
}
