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

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kadirpekel/skein/pkg/agents"
	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/graph"
	"github.com/kadirpekel/skein/pkg/llms"
)

// lowConfidenceFloor marks routing decisions the client may want to
// confirm with the user.
const lowConfidenceFloor = 0.5

const routerPrompt = `You route user requests to one of these agents:
- task: general conversation, coding, app building, image generation, writing
- research: deep multi-source research producing a cited report
- data: analysis of uploaded datasets and files

Respond with JSON only, no prose:
{"agent": "<task|research|data>", "confidence": <0.0-1.0>, "reason": "<one sentence>"}

Request: %s`

type routingDecision struct {
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// route fills SelectedAgent, RoutingReason, and RoutingConfidence and
// emits one routing event. LLM routing is skipped for empty queries,
// pending handoffs, and explicit modes.
func (s *Supervisor) route(ctx context.Context, bus *events.Bus, st graph.State) (graph.State, error) {
	if strings.TrimSpace(st.Query) == "" && st.PendingHandoff == nil {
		st.SelectedAgent = s.cfg.DefaultAgent
		st.RoutingReason = "empty query"
		st.RoutingConfidence = 1.0
		ev := events.NewRouting(st.SelectedAgent, st.RoutingReason, 1.0)
		ev.Routing.Message = "Empty query received; defaulting to the task agent."
		bus.Emit(ev)
		return st, nil
	}

	if h := st.PendingHandoff; h != nil {
		st.SelectedAgent = h.Target
		st.RoutingReason = fmt.Sprintf("handoff from %s", h.Source)
		st.RoutingConfidence = 1.0
		st.PendingHandoff = nil
		bus.Emit(events.NewRouting(st.SelectedAgent, st.RoutingReason, 1.0))
		return st, nil
	}

	if st.Mode != "" {
		st.SelectedAgent = normalizeAgent(st.Mode)
		st.RoutingReason = "explicit mode"
		st.RoutingConfidence = 1.0
		bus.Emit(events.NewRouting(st.SelectedAgent, st.RoutingReason, 1.0))
		return st, nil
	}

	decision := s.llmRoute(ctx, st.Query)
	st.SelectedAgent = decision.Agent
	st.RoutingReason = decision.Reason
	st.RoutingConfidence = decision.Confidence

	ev := events.NewRouting(decision.Agent, decision.Reason, decision.Confidence)
	if decision.Confidence < lowConfidenceFloor {
		ev.Routing.LowConfidence = true
	}
	bus.Emit(ev)
	return st, nil
}

// llmRoute asks the flash tier to classify the query. Every failure
// mode degrades to the task agent.
func (s *Supervisor) llmRoute(ctx context.Context, query string) routingDecision {
	fallback := routingDecision{Agent: s.cfg.DefaultAgent, Confidence: 0.5, Reason: "routing fallback"}

	provider, err := s.deps.LLMs.ForTier(agents.FlashTier)
	if err != nil {
		slog.Warn("no routing provider, using default agent", "error", err)
		return fallback
	}

	resp, err := provider.Generate(ctx, llms.Request{
		Messages:    []llms.Message{{Role: llms.RoleUser, Content: fmt.Sprintf(routerPrompt, query)}},
		Temperature: -1,
	})
	if err != nil {
		slog.Warn("routing call failed, using default agent", "error", err)
		return fallback
	}

	decision, err := parseRouting(resp.Text)
	if err != nil {
		slog.Warn("unparseable routing response, using default agent", "error", err)
		return fallback
	}
	decision.Agent = normalizeAgent(decision.Agent)
	return decision
}

// parseRouting accepts the JSON contract, optionally fenced, and falls
// back to AGENT:/REASON: line parsing.
func parseRouting(text string) (routingDecision, error) {
	cleaned := stripFences(text)

	var decision routingDecision
	if err := json.Unmarshal([]byte(cleaned), &decision); err == nil && decision.Agent != "" {
		return decision, nil
	}

	decision = routingDecision{Confidence: 0.6}
	for _, line := range strings.Split(cleaned, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "AGENT:"):
			decision.Agent = strings.ToLower(strings.TrimSpace(line[len("AGENT:"):]))
		case strings.HasPrefix(upper, "REASON:"):
			decision.Reason = strings.TrimSpace(line[len("REASON:"):])
		case strings.HasPrefix(upper, "CONFIDENCE:"):
			if f, err := strconv.ParseFloat(strings.TrimSpace(line[len("CONFIDENCE:"):]), 64); err == nil {
				decision.Confidence = f
			}
		}
	}
	if decision.Agent == "" {
		return decision, fmt.Errorf("no agent in routing response %q", text)
	}
	return decision, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}

// normalizeAgent folds the alias modes onto the task agent.
func normalizeAgent(agent string) string {
	switch strings.ToLower(agent) {
	case "research":
		return "research"
	case "data":
		return "data"
	case "task", "chat", "app", "image", "writing":
		return "task"
	default:
		return "task"
	}
}
