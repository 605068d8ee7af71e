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

package tools

import (
	"context"
	"sort"
	"strings"
)

// maxSearchHits caps search_tools results.
const maxSearchHits = 8

// SearchHit is one search_tools result entry.
type SearchHit struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// NewSearchTool creates the search_tools meta-tool. Agents holding a
// reduced tool set use it to discover the rest of the catalog, then
// call the discovered tool on a later turn.
func NewSearchTool(reg *Registry) Tool {
	return &funcTool{
		name: "search_tools",
		description: "Search the full tool catalog by keyword. " +
			"Returns matching tool names to call on your next turn.",
		category: CategoryToolSearch,
		schema: ObjectSchema(map[string]any{
			"query": Prop("string", "Keywords describing the capability you need"),
		}, "query"),
		handler: func(_ context.Context, _ *RunContext, args map[string]any) (string, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return "", err
			}
			hits := searchCatalog(reg, query)
			if len(hits) == 0 {
				return "No matching tools found.", nil
			}
			return marshalJSON(hits), nil
		},
	}
}

func searchCatalog(reg *Registry, query string) []SearchHit {
	query = strings.ToLower(strings.TrimSpace(query))

	type scored struct {
		hit   SearchHit
		score float64
	}
	var matches []scored
	for _, name := range reg.All() {
		if name == "search_tools" {
			continue
		}
		t, err := reg.Get(name)
		if err != nil {
			continue
		}
		score := matchScore(query, t)
		if score <= 0 {
			continue
		}
		matches = append(matches, scored{
			hit: SearchHit{
				Name:        t.Name(),
				Description: t.Description(),
				Category:    string(t.Category()),
			},
			score: score,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].hit.Name < matches[j].hit.Name
	})
	if len(matches) > maxSearchHits {
		matches = matches[:maxSearchHits]
	}

	hits := make([]SearchHit, len(matches))
	for i, m := range matches {
		hits[i] = m.hit
	}
	return hits
}

// matchScore blends substring hits over name/description/category with
// a sequence-similarity ratio against the tool name.
func matchScore(query string, t Tool) float64 {
	name := strings.ToLower(t.Name())
	desc := strings.ToLower(t.Description())

	var score float64
	for _, word := range strings.Fields(query) {
		switch {
		case strings.Contains(name, word):
			score += 1.0
		case strings.Contains(desc, word):
			score += 0.5
		case strings.Contains(strings.ToLower(string(t.Category())), word):
			score += 0.3
		}
	}

	if sim := similarity(query, name); sim > 0.4 {
		score += sim
	}
	return score
}

// similarity is a ratcliff-style ratio: twice the longest common
// subsequence over the combined length.
func similarity(a, b string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	lcs := longestCommonSubsequence(a, b)
	return 2.0 * float64(lcs) / float64(len(a)+len(b))
}

func longestCommonSubsequence(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// alwaysOnCategories are kept in reduced tool sets per agent type.
var alwaysOnCategories = map[string][]Category{
	"task":     {CategoryFileOps, CategoryShell, CategoryToolSearch, CategoryHandoff},
	"research": {CategorySearch, CategoryToolSearch, CategoryHandoff},
}

// SelectForAgent returns the tool names to expose for a run. Catalogs
// within the budget come back whole; larger ones are reduced to the
// agent's always-on categories, tools the run has already invoked, and
// query-relevant tools, with search_tools covering the rest of the
// catalog.
func SelectForAgent(reg *Registry, agentType, query string, invoked []string, budget int) []string {
	names := reg.NamesForAgent(agentType)
	if budget <= 0 || len(names) <= budget {
		return names
	}
	allowed := make(map[string]bool, len(names))
	for _, name := range names {
		allowed[name] = true
	}

	selected := make(map[string]bool)
	for _, cat := range alwaysOnCategories[agentType] {
		for _, name := range reg.ByCategory(cat) {
			if allowed[name] {
				selected[name] = true
			}
		}
	}
	// Tools the run already called stay available on later iterations.
	for _, name := range invoked {
		if allowed[name] {
			selected[name] = true
		}
	}
	// Fill the remaining budget with tools relevant to the query.
	if query != "" {
		for _, hit := range searchCatalog(reg, query) {
			if len(selected) >= budget {
				break
			}
			if allowed[hit.Name] {
				selected[hit.Name] = true
			}
		}
	}

	out := make([]string, 0, len(selected))
	for name := range selected {
		out = append(out, name)
	}
	sort.Strings(out)
	if len(out) > budget {
		out = out[:budget]
	}
	return out
}
