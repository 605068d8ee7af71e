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

package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/skein/pkg/breaker"
)

// Model tiers. Routing and summarization use FLASH; agent loops use PRO;
// synthesis-heavy paths may request MAX.
const (
	TierFlash = "flash"
	TierPro   = "pro"
	TierMax   = "max"
)

// LLMConfig configures providers and the tier-to-model mapping.
type LLMConfig struct {
	Providers map[string]*LLMProviderConfig `yaml:"providers" json:"providers"`
	Tiers     map[string]TierConfig         `yaml:"tiers" json:"tiers"`
	Breaker   breaker.Config                `yaml:"breaker" json:"breaker"`
}

// LLMProviderConfig configures one upstream LLM API.
type LLMProviderConfig struct {
	Type        string        `yaml:"type" json:"type" jsonschema:"enum=anthropic,enum=openai,description=Provider wire protocol"`
	APIKey      string        `yaml:"api_key" json:"api_key"`
	BaseURL     string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Model       string        `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"description=Default model when a tier does not override it"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64       `yaml:"temperature" json:"temperature"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "anthropic"
	}
	switch c.Type {
	case "anthropic":
		if c.BaseURL == "" {
			c.BaseURL = "https://api.anthropic.com"
		}
		if c.Model == "" {
			c.Model = "claude-sonnet-4-5"
		}
	case "openai":
		if c.BaseURL == "" {
			c.BaseURL = "https://api.openai.com/v1"
		}
		if c.Model == "" {
			c.Model = "gpt-4o"
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider type %q", c.Type)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be in 0-2, got %f", c.Temperature)
	}
	return nil
}

// TierConfig binds a tier name to a provider and model.
type TierConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Providers == nil {
		c.Providers = map[string]*LLMProviderConfig{
			"anthropic": {Type: "anthropic", APIKey: "${ANTHROPIC_API_KEY}"},
		}
	}
	for _, p := range c.Providers {
		p.SetDefaults()
	}
	if c.Tiers == nil {
		c.Tiers = make(map[string]TierConfig)
	}
	// Every tier falls back to the first (or only) provider's default model.
	var fallback string
	for name := range c.Providers {
		if fallback == "" || name < fallback {
			fallback = name
		}
	}
	for _, tier := range []string{TierFlash, TierPro, TierMax} {
		if _, ok := c.Tiers[tier]; !ok {
			c.Tiers[tier] = TierConfig{Provider: fallback}
		}
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker = breaker.LLMDefaults()
	}
	c.Breaker.SetDefaults()
}

func (c *LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
	}
	for tier, t := range c.Tiers {
		if _, ok := c.Providers[t.Provider]; !ok {
			return fmt.Errorf("tier %q references unknown provider %q", tier, t.Provider)
		}
	}
	return c.Breaker.Validate()
}
