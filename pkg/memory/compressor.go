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
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kadirpekel/skein/pkg/llms"
	"github.com/kadirpekel/skein/pkg/utils"
)

// SummaryPrefix marks the synthetic system message carrying a
// compression summary.
const SummaryPrefix = "[Previous conversation summary]"

const summarizeSystemPrompt = `You summarize agent conversation history.
Produce a compact summary that preserves: user goals and constraints, decisions
made, tool calls and their outcomes, file paths, URLs, and any unresolved
questions. Write plain prose with short bullet lists where helpful.`

// Reference patterns that must survive summarization verbatim.
var (
	refFilePath = regexp.MustCompile(`(?:^|[\s"'])((?:/|\./|~/)[\w./-]+\.\w{1,8})`)
	refURL      = regexp.MustCompile(`https?://[^\s"')\]]+`)
	refToolName = regexp.MustCompile(`\b(?:mcp_\w+|web_search|execute_code|run_shell|read_file|write_file|generate_image|browser_\w+|search_tools|handoff_to_agent)\b`)
	refCommand  = regexp.MustCompile("`([a-z][\\w.-]*(?: [^`\\n]{0,80})?)`")
)

// Compressor shrinks conversation history once it exceeds a token
// threshold, summarizing everything but the most recent messages with a
// FLASH-tier model.
type Compressor struct {
	provider       llms.Provider
	counter        *utils.TokenCounter
	threshold      int
	preserveRecent int
}

// NewCompressor creates a compressor. threshold <= 0 defaults to 60000
// tokens, preserveRecent <= 0 to 10 messages.
func NewCompressor(provider llms.Provider, threshold, preserveRecent int) *Compressor {
	if threshold <= 0 {
		threshold = 60000
	}
	if preserveRecent <= 0 {
		preserveRecent = 10
	}
	var counter *utils.TokenCounter
	if provider != nil {
		counter = utils.NewTokenCounter(provider.ModelName())
	}
	return &Compressor{
		provider:       provider,
		counter:        counter,
		threshold:      threshold,
		preserveRecent: preserveRecent,
	}
}

// EstimateTokens estimates the prompt size of a message list.
func (c *Compressor) EstimateTokens(msgs []llms.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.counter.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += c.counter.Count(fmt.Sprintf("%v", tc.Args)) + 8
		}
	}
	return total
}

// NeedsCompression reports whether the history is strictly over the
// threshold. Exactly at the threshold does not compress.
func (c *Compressor) NeedsCompression(msgs []llms.Message) bool {
	return c.EstimateTokens(msgs) > c.threshold
}

// Compress summarizes old history when over the threshold. The returned
// slice keeps real system messages first, then the summary as a
// synthetic system message, then the preserved recent tail. On any
// failure the original messages come back unchanged.
func (c *Compressor) Compress(ctx context.Context, msgs []llms.Message) []llms.Message {
	if !c.NeedsCompression(msgs) || c.provider == nil {
		return msgs
	}

	system, rest := splitSystem(msgs)
	if len(rest) <= c.preserveRecent {
		return msgs
	}

	split := len(rest) - c.preserveRecent
	split = snapSplit(rest, split)
	if split <= 0 {
		return msgs
	}
	old, recent := rest[:split], rest[split:]

	summary, err := c.summarize(ctx, old)
	if err != nil {
		slog.Warn("history compression failed, keeping originals", "error", err)
		return msgs
	}

	if refs := extractReferences(old); refs != "" {
		summary += "\n\n## Extracted References (automated)\n" + refs
	}

	out := make([]llms.Message, 0, len(system)+1+len(recent))
	out = append(out, system...)
	out = append(out, llms.Message{
		Role:    llms.RoleSystem,
		Content: SummaryPrefix + "\n" + summary,
	})
	out = append(out, recent...)

	slog.Info("history compressed",
		"before", len(msgs), "after", len(out), "summarized", len(old))
	return out
}

func splitSystem(msgs []llms.Message) (system, rest []llms.Message) {
	for _, m := range msgs {
		if m.Role == llms.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	return system, rest
}

// snapSplit moves the split backward until no tool response at or after
// the split is separated from the assistant message that requested it.
func snapSplit(msgs []llms.Message, split int) int {
	for split > 0 && split < len(msgs) && msgs[split].Role == llms.RoleTool {
		split--
	}
	return split
}

func (c *Compressor) summarize(ctx context.Context, old []llms.Message) (string, error) {
	var b strings.Builder
	for _, m := range old {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "[%s called %s(%v)]\n", m.Role, tc.Name, tc.Args)
		}
	}

	resp, err := c.provider.Generate(ctx, llms.Request{
		System: summarizeSystemPrompt,
		Messages: []llms.Message{{
			Role:    llms.RoleUser,
			Content: "Summarize this conversation history:\n\n" + b.String(),
		}},
		Temperature: -1,
	})
	if err != nil {
		return "", fmt.Errorf("summarization call failed: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("summarization returned empty text")
	}
	return resp.Text, nil
}

// extractReferences pulls file paths, URLs, tool names, and backticked
// commands out of the history being summarized.
func extractReferences(msgs []llms.Message) string {
	seen := make(map[string]bool)
	var refs []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			refs = append(refs, s)
		}
	}

	for _, m := range msgs {
		for _, match := range refFilePath.FindAllStringSubmatch(m.Content, -1) {
			add(match[1])
		}
		for _, match := range refURL.FindAllString(m.Content, -1) {
			add(match)
		}
		for _, match := range refToolName.FindAllString(m.Content, -1) {
			add(match)
		}
		for _, match := range refCommand.FindAllStringSubmatch(m.Content, -1) {
			add(match[1])
		}
		for _, tc := range m.ToolCalls {
			add(tc.Name)
		}
	}

	if len(refs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range refs {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	return strings.TrimRight(b.String(), "\n")
}
