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

package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/graph"
	"github.com/kadirpekel/skein/pkg/llms"
	"github.com/kadirpekel/skein/pkg/memory"
	"github.com/kadirpekel/skein/pkg/tools"
)

// Research depths.
const (
	DepthQuick    = "QUICK"
	DepthStandard = "STANDARD"
	DepthDeep     = "DEEP"
)

// depthProfile tunes the pipeline per depth. QUICK drops the
// synthesize pass and asks for a short report.
type depthProfile struct {
	MaxSources int
	Synthesize bool
	Guidance   string
}

var depthProfiles = map[string]depthProfile{
	DepthQuick:    {MaxSources: 3, Synthesize: false, Guidance: "Write a concise report, at most three paragraphs."},
	DepthStandard: {MaxSources: 5, Synthesize: true, Guidance: "Write a structured report with sections and a short conclusion."},
	DepthDeep:     {MaxSources: 8, Synthesize: true, Guidance: "Write a thorough report: background, findings per theme, open questions, conclusion."},
}

// scenarioProfile adapts the prompts to the research setting.
type scenarioProfile struct {
	SearchSuffix string
	AnalyzeLens  string
	WriteVoice   string
}

var scenarioProfiles = map[string]scenarioProfile{
	"academic":  {SearchSuffix: "peer-reviewed research", AnalyzeLens: "methodology, evidence quality, and consensus", WriteVoice: "a neutral academic register with inline source references"},
	"market":    {SearchSuffix: "market analysis", AnalyzeLens: "market size, competitors, and trends", WriteVoice: "a business briefing tone with concrete figures where available"},
	"technical": {SearchSuffix: "technical documentation", AnalyzeLens: "architecture, trade-offs, and maturity", WriteVoice: "an engineering design-review tone"},
	"news":      {SearchSuffix: "recent news", AnalyzeLens: "what happened, when, and who is affected", WriteVoice: "a factual news-summary tone with dates"},
}

type researchAgent struct {
	deps     Deps
	run      *tools.RunContext
	searcher tools.Searcher
}

// NewResearchGraph builds the research pipeline:
// init_config -> search -> analyze -> [synthesize] -> write.
func NewResearchGraph(deps Deps, bus *events.Bus, run *tools.RunContext, searcher tools.Searcher, checkpoints graph.CheckpointStore) *graph.Graph {
	a := &researchAgent{deps: deps, run: run, searcher: searcher}
	return graph.New(bus, checkpoints,
		graph.Node{Name: "init_config", Run: a.initConfig},
		graph.Node{Name: "search", Description: "Gathering sources", Stage: true, Run: a.search},
		graph.Node{Name: "analyze", Description: "Analyzing sources", Stage: true, Run: a.analyze},
		graph.Node{
			Name:        "synthesize",
			Description: "Synthesizing findings",
			Stage:       true,
			Skip:        func(s graph.State) bool { return s.Depth == DepthQuick },
			Run:         a.synthesize,
		},
		graph.Node{Name: "write", Description: "Writing the report", Stage: true, Run: a.write},
	)
}

// initConfig normalizes depth and scenario and announces the run
// configuration to the client.
func (a *researchAgent) initConfig(_ context.Context, s graph.State) (graph.State, error) {
	s.ActiveAgent = "research"
	s.Depth = strings.ToUpper(s.Depth)
	if _, ok := depthProfiles[s.Depth]; !ok {
		s.Depth = DepthStandard
	}
	s.Scenario = strings.ToLower(s.Scenario)
	if _, ok := scenarioProfiles[s.Scenario]; !ok {
		s.Scenario = "academic"
	}
	if s.SharedMemory == nil {
		s.SharedMemory = &memory.SharedContext{}
	}
	a.run.Emit(events.NewConfig(s.Depth, s.Scenario))
	return seedMessages(s), nil
}

// search gathers sources and emits one source event per hit. Provider
// failures degrade to synthetic placeholders so the pipeline always
// has something to analyze.
func (a *researchAgent) search(ctx context.Context, s graph.State) (graph.State, error) {
	profile := depthProfiles[s.Depth]
	scenario := scenarioProfiles[s.Scenario]
	query := s.Query + " " + scenario.SearchSuffix

	var sources []memory.ResearchSource
	if a.searcher != nil {
		hits, err := a.searcher.Search(ctx, query, profile.MaxSources)
		if err != nil {
			slog.Warn("search provider failed, using placeholder sources", "error", err)
		}
		for _, hit := range hits {
			sources = append(sources, memory.ResearchSource{Title: hit.Title, URL: hit.URL, Snippet: hit.Snippet})
		}
	}
	if len(sources) == 0 {
		sources = mockSources(s.Query, profile.MaxSources)
	}

	for i, src := range sources {
		relevance := 1.0 - float64(i)*0.1
		a.run.Emit(events.NewSource(src.Title, src.URL, src.Snippet, relevance))
		s.SharedMemory.AddSource(src)
	}
	return s, nil
}

// analyze runs one model pass over the gathered sources and records
// the finding in shared memory for the later stages.
func (a *researchAgent) analyze(ctx context.Context, s graph.State) (graph.State, error) {
	scenario := scenarioProfiles[s.Scenario]
	prompt := fmt.Sprintf(
		"Analyze the following sources on %q, focusing on %s.\n\n%s\n\nReply with the key findings as bullet points.",
		s.Query, scenario.AnalyzeLens, formatSources(s.SharedMemory.ResearchSources),
	)
	finding, err := a.generate(ctx, s.Tier, prompt)
	if err != nil {
		return s, fmt.Errorf("analysis failed: %w", err)
	}
	s.SharedMemory.AddFinding(finding)
	return s, nil
}

// synthesize merges the findings into a coherent narrative. Skipped
// for QUICK runs.
func (a *researchAgent) synthesize(ctx context.Context, s graph.State) (graph.State, error) {
	prompt := fmt.Sprintf(
		"Synthesize these research findings on %q into a coherent narrative, resolving contradictions and grouping by theme.\n\n%s",
		s.Query, strings.Join(s.SharedMemory.ResearchFindings, "\n\n"),
	)
	synthesis, err := a.generate(ctx, s.Tier, prompt)
	if err != nil {
		return s, fmt.Errorf("synthesis failed: %w", err)
	}
	s.SharedMemory.AddFinding(synthesis)
	return s, nil
}

// write streams the final report to the client token by token.
func (a *researchAgent) write(ctx context.Context, s graph.State) (graph.State, error) {
	provider, tier, err := a.deps.provider(s.Tier)
	if err != nil {
		return s, err
	}

	profile := depthProfiles[s.Depth]
	scenario := scenarioProfiles[s.Scenario]
	prompt := fmt.Sprintf(
		"Write the final research report on %q in %s. %s\n\nFindings:\n%s\n\nSources:\n%s",
		s.Query, scenario.WriteVoice, profile.Guidance,
		strings.Join(s.SharedMemory.ResearchFindings, "\n\n"),
		formatSources(s.SharedMemory.ResearchSources),
	)

	ch, err := provider.Stream(ctx, llms.Request{
		System:      systemPrompt(s),
		Messages:    []llms.Message{{Role: llms.RoleUser, Content: prompt}},
		Temperature: -1,
	})
	if err != nil {
		return s, fmt.Errorf("report generation failed: %w", err)
	}

	var report strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			report.WriteString(chunk.Text)
			a.run.Emit(events.NewToken(chunk.Text))
		case llms.ChunkDone:
			if chunk.Usage != nil {
				a.deps.track("research", tier, *chunk.Usage)
			}
		case llms.ChunkError:
			return s, fmt.Errorf("report stream failed: %w", chunk.Err)
		}
	}

	s.Response = report.String()
	s.SharedMemory.WritingDraft = s.Response
	s.Messages = append(s.Messages, llms.Message{Role: llms.RoleAssistant, Content: s.Response})
	return s, nil
}

func (a *researchAgent) generate(ctx context.Context, tier, prompt string) (string, error) {
	provider, resolved, err := a.deps.provider(tier)
	if err != nil {
		return "", err
	}
	resp, err := provider.Generate(ctx, llms.Request{
		Messages:    []llms.Message{{Role: llms.RoleUser, Content: prompt}},
		Temperature: -1,
	})
	if err != nil {
		return "", err
	}
	a.deps.track("research", resolved, resp.Usage)
	return resp.Text, nil
}

// mockSources stands in when the search provider is down so the run
// can still demonstrate the pipeline end to end.
func mockSources(query string, n int) []memory.ResearchSource {
	out := make([]memory.ResearchSource, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, memory.ResearchSource{
			Title:   fmt.Sprintf("Placeholder source %d for %s", i+1, query),
			URL:     fmt.Sprintf("https://example.com/research/%d", i+1),
			Snippet: "Search provider unavailable; placeholder result.",
		})
	}
	return out
}

func formatSources(sources []memory.ResearchSource) string {
	var b strings.Builder
	for i, src := range sources {
		fmt.Fprintf(&b, "%d. %s (%s)\n   %s\n", i+1, src.Title, src.URL, src.Snippet)
	}
	return b.String()
}
