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

// Package usage accounts for LLM token consumption and cost across a
// run and across the process.
package usage

import (
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/skein/pkg/llms"
)

// Pricing is USD per million tokens.
type Pricing struct {
	Input     float64
	Output    float64
	CacheRead float64
}

// fallbackPricing applies when no table entry matches the model name.
var fallbackPricing = Pricing{Input: 3.0, Output: 15.0, CacheRead: 0.3}

// pricingTable maps model-name substrings to prices. Lookup picks the
// longest substring that occurs in the model name, so "claude-haiku-4-5"
// beats "claude" for claude-haiku-4-5-20251001.
var pricingTable = map[string]Pricing{
	"claude-opus":    {Input: 15.0, Output: 75.0, CacheRead: 1.5},
	"claude-sonnet":  {Input: 3.0, Output: 15.0, CacheRead: 0.3},
	"claude-haiku":   {Input: 0.8, Output: 4.0, CacheRead: 0.08},
	"gpt-4o-mini":    {Input: 0.15, Output: 0.6, CacheRead: 0.075},
	"gpt-4o":         {Input: 2.5, Output: 10.0, CacheRead: 1.25},
	"gpt-4.1-mini":   {Input: 0.4, Output: 1.6, CacheRead: 0.1},
	"gpt-4.1":        {Input: 2.0, Output: 8.0, CacheRead: 0.5},
	"o3-mini":        {Input: 1.1, Output: 4.4, CacheRead: 0.55},
	"o3":             {Input: 2.0, Output: 8.0, CacheRead: 0.5},
}

// PriceFor returns the pricing for a model by longest-substring match,
// falling back to mid-tier defaults for unknown models.
func PriceFor(model string) Pricing {
	model = strings.ToLower(model)
	best := ""
	for key := range pricingTable {
		if strings.Contains(model, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return fallbackPricing
	}
	return pricingTable[best]
}

// Cost computes the dollar cost of a usage envelope. Cache reads are
// billed at the cache rate instead of the input rate.
func Cost(u llms.Usage) float64 {
	p := PriceFor(u.Model)
	billedInput := u.InputTokens - u.CacheReadTokens
	if billedInput < 0 {
		billedInput = 0
	}
	return float64(billedInput)*p.Input/1e6 +
		float64(u.CacheReadTokens)*p.CacheRead/1e6 +
		float64(u.OutputTokens)*p.Output/1e6
}

// intFrom reads the first present numeric field among aliases.
func intFrom(payload map[string]any, aliases ...string) int {
	for _, key := range aliases {
		v, ok := payload[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// Extract reads a usage envelope from a raw provider payload,
// tolerating the field-name aliases the upstream APIs use.
func Extract(payload map[string]any, model string) llms.Usage {
	u := llms.Usage{Model: model}
	if payload == nil {
		return u
	}
	if nested, ok := payload["usage"].(map[string]any); ok {
		payload = nested
	}
	u.InputTokens = intFrom(payload, "input_tokens", "prompt_tokens", "promptTokens")
	u.OutputTokens = intFrom(payload, "output_tokens", "completion_tokens", "completionTokens")
	u.CacheReadTokens = intFrom(payload, "cache_read_input_tokens", "cached_tokens", "cache_read_tokens")
	u.CacheWriteTokens = intFrom(payload, "cache_creation_input_tokens", "cache_write_tokens")
	if details, ok := payload["prompt_tokens_details"].(map[string]any); ok && u.CacheReadTokens == 0 {
		u.CacheReadTokens = intFrom(details, "cached_tokens")
	}
	return u
}

// Record is one accounted LLM call.
type Record struct {
	ConversationID string
	UserID         string
	Agent          string
	Tier           string
	Usage          llms.Usage
	Cost           float64
	Timestamp      time.Time
}

// Tracker receives usage as calls complete. The run pipeline installs
// one per run; the zero value is usable.
type Tracker func(rec Record)

// Recorder accumulates records process-wide.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Track returns a Tracker bound to a conversation and user. Cost and
// timestamp are filled in here so call sites only supply the envelope.
func (r *Recorder) Track(conversationID, userID string) Tracker {
	return func(rec Record) {
		rec.ConversationID = conversationID
		rec.UserID = userID
		if rec.Cost == 0 {
			rec.Cost = Cost(rec.Usage)
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		r.mu.Lock()
		r.records = append(r.records, rec)
		r.mu.Unlock()
	}
}

// ModelUsage is a per-model (or per-tier) rollup.
type ModelUsage struct {
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CachedTokens int     `json:"cached_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Cost         float64 `json:"cost"`
}

// Summary is the aggregate for one conversation (or one user when
// conversationID is empty).
type Summary struct {
	Requests     int                   `json:"call_count"`
	InputTokens  int                   `json:"total_input_tokens"`
	OutputTokens int                   `json:"total_output_tokens"`
	CachedTokens int                   `json:"total_cached_tokens"`
	TotalTokens  int                   `json:"total_tokens"`
	Cost         float64               `json:"total_cost_usd"`
	ByModel      map[string]ModelUsage `json:"by_model"`
	ByTier       map[string]ModelUsage `json:"by_tier"`
}

// Summary aggregates records matching the given conversation and user.
// Empty selectors match everything.
func (r *Recorder) Summary(conversationID, userID string) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		ByModel: make(map[string]ModelUsage),
		ByTier:  make(map[string]ModelUsage),
	}
	for _, rec := range r.records {
		if conversationID != "" && rec.ConversationID != conversationID {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		s.Requests++
		s.InputTokens += rec.Usage.InputTokens
		s.OutputTokens += rec.Usage.OutputTokens
		s.CachedTokens += rec.Usage.CacheReadTokens
		s.TotalTokens += rec.Usage.InputTokens + rec.Usage.OutputTokens
		s.Cost += rec.Cost

		m := s.ByModel[rec.Usage.Model]
		m.Requests++
		m.InputTokens += rec.Usage.InputTokens
		m.OutputTokens += rec.Usage.OutputTokens
		m.CachedTokens += rec.Usage.CacheReadTokens
		m.TotalTokens += rec.Usage.InputTokens + rec.Usage.OutputTokens
		m.Cost += rec.Cost
		s.ByModel[rec.Usage.Model] = m

		if rec.Tier != "" {
			tierUsage := s.ByTier[rec.Tier]
			tierUsage.Requests++
			tierUsage.InputTokens += rec.Usage.InputTokens
			tierUsage.OutputTokens += rec.Usage.OutputTokens
			tierUsage.CachedTokens += rec.Usage.CacheReadTokens
			tierUsage.TotalTokens += rec.Usage.InputTokens + rec.Usage.OutputTokens
			tierUsage.Cost += rec.Cost
			s.ByTier[rec.Tier] = tierUsage
		}
	}
	return s
}
