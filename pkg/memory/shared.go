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

package memory

import (
	"fmt"
	"strings"
)

// Soft caps on shared context growth, enforced at append time.
const (
	maxSharedEntries   = 64
	maxFormattedLength = 128 * 1024
)

// ResearchSource is one source gathered during research.
type ResearchSource struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// HandoffRecord is one completed handoff.
type HandoffRecord struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Task   string `json:"task"`
}

// SharedContext is the typed bundle agents exchange across handoffs.
// It accumulates over a run; FormatForPrompt renders it into the next
// agent's prompt.
type SharedContext struct {
	ResearchFindings  []string         `json:"research_findings,omitempty"`
	ResearchSources   []ResearchSource `json:"research_sources,omitempty"`
	GeneratedCode     string           `json:"generated_code,omitempty"`
	CodeLanguage      string           `json:"code_language,omitempty"`
	ExecutionResults  []string         `json:"execution_results,omitempty"`
	WritingOutline    string           `json:"writing_outline,omitempty"`
	WritingDraft      string           `json:"writing_draft,omitempty"`
	DataAnalysis      []string         `json:"data_analysis,omitempty"`
	Visualizations    []string         `json:"visualizations,omitempty"`
	HandoffHistory    []HandoffRecord  `json:"handoff_history,omitempty"`
	AdditionalContext string           `json:"additional_context,omitempty"`
}

func capped[T any](s []T, v T) []T {
	if len(s) >= maxSharedEntries {
		return s
	}
	return append(s, v)
}

// AddFinding appends a research finding, up to the entry cap.
func (c *SharedContext) AddFinding(finding string) {
	c.ResearchFindings = capped(c.ResearchFindings, finding)
}

// AddSource appends a research source, up to the entry cap.
func (c *SharedContext) AddSource(src ResearchSource) {
	c.ResearchSources = capped(c.ResearchSources, src)
}

// AddExecutionResult appends a code execution result, up to the entry cap.
func (c *SharedContext) AddExecutionResult(result string) {
	c.ExecutionResults = capped(c.ExecutionResults, result)
}

// AddHandoff appends a handoff record, up to the entry cap.
func (c *SharedContext) AddHandoff(rec HandoffRecord) {
	c.HandoffHistory = capped(c.HandoffHistory, rec)
}

// Empty reports whether nothing has been recorded yet.
func (c *SharedContext) Empty() bool {
	return len(c.ResearchFindings) == 0 && len(c.ResearchSources) == 0 &&
		c.GeneratedCode == "" && len(c.ExecutionResults) == 0 &&
		c.WritingOutline == "" && c.WritingDraft == "" &&
		len(c.DataAnalysis) == 0 && len(c.Visualizations) == 0 &&
		len(c.HandoffHistory) == 0 && c.AdditionalContext == ""
}

const sectionCap = 2000 // chars per section before truncation

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// FormatForPrompt renders the bundle as a prompt section. Sections
// appear in a fixed order; maxLength <= 0 uses the global cap.
func (c *SharedContext) FormatForPrompt(maxLength int) string {
	if c.Empty() {
		return ""
	}
	if maxLength <= 0 || maxLength > maxFormattedLength {
		maxLength = maxFormattedLength
	}

	var b strings.Builder
	b.WriteString("## Shared Context From Previous Agents\n")

	if len(c.ResearchFindings) > 0 {
		b.WriteString("\n### Research Findings\n")
		for _, f := range c.ResearchFindings {
			fmt.Fprintf(&b, "- %s\n", truncate(f, sectionCap))
		}
	}
	if len(c.ResearchSources) > 0 {
		b.WriteString("\n### Sources\n")
		for _, s := range c.ResearchSources {
			fmt.Fprintf(&b, "- %s (%s)\n", s.Title, s.URL)
		}
	}
	if c.GeneratedCode != "" {
		b.WriteString("\n### Generated Code")
		if c.CodeLanguage != "" {
			fmt.Fprintf(&b, " (%s)", c.CodeLanguage)
		}
		fmt.Fprintf(&b, "\n```\n%s\n```\n", truncate(c.GeneratedCode, sectionCap))
	}
	if len(c.ExecutionResults) > 0 {
		b.WriteString("\n### Execution Results\n")
		for _, r := range c.ExecutionResults {
			fmt.Fprintf(&b, "- %s\n", truncate(r, sectionCap))
		}
	}
	if c.WritingOutline != "" {
		fmt.Fprintf(&b, "\n### Outline\n%s\n", truncate(c.WritingOutline, sectionCap))
	}
	if c.WritingDraft != "" {
		fmt.Fprintf(&b, "\n### Draft\n%s\n", truncate(c.WritingDraft, sectionCap))
	}
	if len(c.DataAnalysis) > 0 {
		b.WriteString("\n### Data Analysis\n")
		for _, d := range c.DataAnalysis {
			fmt.Fprintf(&b, "- %s\n", truncate(d, sectionCap))
		}
	}
	if len(c.HandoffHistory) > 0 {
		b.WriteString("\n### Handoff History\n")
		for _, h := range c.HandoffHistory {
			fmt.Fprintf(&b, "- %s → %s: %s\n", h.Source, h.Target, truncate(h.Task, 200))
		}
	}
	if c.AdditionalContext != "" {
		fmt.Fprintf(&b, "\n### Additional Context\n%s\n", truncate(c.AdditionalContext, sectionCap))
	}

	out := b.String()
	if len(out) > maxLength {
		out = out[:maxLength]
	}
	return out
}
