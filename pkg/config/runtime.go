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

// SandboxConfig configures remote sandbox provisioning.
type SandboxConfig struct {
	ExecutionURL    string         `yaml:"execution_url" json:"execution_url" jsonschema:"description=Base URL of the execution sandbox provider"`
	DesktopURL      string         `yaml:"desktop_url" json:"desktop_url" jsonschema:"description=Base URL of the desktop sandbox provider"`
	APIKey          string         `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	IdleTTL         time.Duration  `yaml:"idle_ttl" json:"idle_ttl"`
	HealthTimeout   time.Duration  `yaml:"health_timeout" json:"health_timeout"`
	ReaperInterval  time.Duration  `yaml:"reaper_interval" json:"reaper_interval"`
	Breaker         breaker.Config `yaml:"breaker" json:"breaker"`
}

func (c *SandboxConfig) SetDefaults() {
	if c.ExecutionURL == "" {
		c.ExecutionURL = "http://localhost:8194"
	}
	if c.DesktopURL == "" {
		c.DesktopURL = "http://localhost:8195"
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = 60 * time.Second
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker = breaker.SandboxDefaults()
	}
	c.Breaker.SetDefaults()
}

func (c *SandboxConfig) Validate() error {
	if c.IdleTTL <= 0 {
		return fmt.Errorf("idle_ttl must be positive")
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("health_timeout must be positive")
	}
	return c.Breaker.Validate()
}

// MemoryConfig configures conversation windows, compression, and the
// cross-session memory store.
type MemoryConfig struct {
	MaxMessages          int    `yaml:"max_messages" json:"max_messages" jsonschema:"description=Window size before middle messages are dropped"`
	PreserveRecent       int    `yaml:"preserve_recent" json:"preserve_recent"`
	CompressionThreshold int    `yaml:"compression_threshold" json:"compression_threshold" jsonschema:"description=Token count that triggers history compression"`
	StoreBackend         string `yaml:"store_backend" json:"store_backend" jsonschema:"enum=memory,enum=sqlite"`
	SQLitePath           string `yaml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.MaxMessages == 0 {
		c.MaxMessages = 50
	}
	if c.PreserveRecent == 0 {
		c.PreserveRecent = 10
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = 60000
	}
	if c.StoreBackend == "" {
		c.StoreBackend = "memory"
	}
	if c.StoreBackend == "sqlite" && c.SQLitePath == "" {
		c.SQLitePath = "skein-memories.db"
	}
}

func (c *MemoryConfig) Validate() error {
	if c.PreserveRecent >= c.MaxMessages {
		return fmt.Errorf("preserve_recent (%d) must be less than max_messages (%d)", c.PreserveRecent, c.MaxMessages)
	}
	switch c.StoreBackend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store_backend %q", c.StoreBackend)
	}
	return nil
}

// GuardrailsConfig toggles the three scan points.
type GuardrailsConfig struct {
	Input  bool `yaml:"input" json:"input"`
	Output bool `yaml:"output" json:"output"`
	Tools  bool `yaml:"tools" json:"tools"`
}

func (c *GuardrailsConfig) SetDefaults() {
	// Scanning defaults on; zero-value bools cannot distinguish "unset"
	// from "off", so disabling requires the explicit keys in YAML.
	if !c.Input && !c.Output && !c.Tools {
		c.Input, c.Output, c.Tools = true, true, true
	}
}

func (c *GuardrailsConfig) Validate() error { return nil }

// SupervisorConfig configures routing and handoffs.
type SupervisorConfig struct {
	DefaultAgent    string              `yaml:"default_agent" json:"default_agent"`
	MaxHandoffs     int                 `yaml:"max_handoffs" json:"max_handoffs"`
	TaskTimeout     time.Duration       `yaml:"task_timeout" json:"task_timeout"`
	ResearchTimeout time.Duration       `yaml:"research_timeout" json:"research_timeout"`
	HandoffMatrix   map[string][]string `yaml:"handoff_matrix,omitempty" json:"handoff_matrix,omitempty" jsonschema:"description=Allowed handoff targets per source agent"`
}

func (c *SupervisorConfig) SetDefaults() {
	if c.DefaultAgent == "" {
		c.DefaultAgent = "task"
	}
	if c.MaxHandoffs == 0 {
		c.MaxHandoffs = 3
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 300 * time.Second
	}
	if c.ResearchTimeout == 0 {
		c.ResearchTimeout = 600 * time.Second
	}
	if c.HandoffMatrix == nil {
		c.HandoffMatrix = map[string][]string{
			"task":     {"research"},
			"research": {"task"},
		}
	}
}

func (c *SupervisorConfig) Validate() error {
	if c.MaxHandoffs < 0 {
		return fmt.Errorf("max_handoffs must be >= 0")
	}
	if c.TaskTimeout <= 0 || c.ResearchTimeout <= 0 {
		return fmt.Errorf("subgraph timeouts must be positive")
	}
	return nil
}

// MCPServerConfig configures one MCP server connection.
type MCPServerConfig struct {
	Name      string            `yaml:"name" json:"name"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"description=Streamable HTTP endpoint"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty" jsonschema:"description=Stdio server command"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Timeout   time.Duration     `yaml:"timeout" json:"timeout"`
}

func (c *MCPServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp server name is required")
	}
	if c.URL == "" && c.Command == "" {
		return fmt.Errorf("mcp server %q needs url or command", c.Name)
	}
	if c.URL != "" && c.Command != "" {
		return fmt.Errorf("mcp server %q: url and command are mutually exclusive", c.Name)
	}
	return nil
}

// ToolsConfig configures the tool registry and react loop limits.
type ToolsConfig struct {
	MCPServers       []MCPServerConfig `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
	ParallelLimit    int               `yaml:"parallel_limit" json:"parallel_limit" jsonschema:"description=Max tools executed concurrently per react step"`
	ResultTruncation int               `yaml:"result_truncation" json:"result_truncation" jsonschema:"description=Character cap on tool results streamed to the client"`
	MaxIterations    int               `yaml:"max_iterations" json:"max_iterations" jsonschema:"description=React loop iteration cap"`
	SelectionBudget  int               `yaml:"selection_budget" json:"selection_budget" jsonschema:"description=Catalog size above which progressive selection kicks in"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.ParallelLimit == 0 {
		c.ParallelLimit = 4
	}
	if c.ResultTruncation == 0 {
		c.ResultTruncation = 500
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 20
	}
	if c.SelectionBudget == 0 {
		c.SelectionBudget = 24
	}
	for i := range c.MCPServers {
		if c.MCPServers[i].Timeout == 0 {
			c.MCPServers[i].Timeout = 30 * time.Second
		}
	}
}

func (c *ToolsConfig) Validate() error {
	for i := range c.MCPServers {
		if err := c.MCPServers[i].Validate(); err != nil {
			return err
		}
	}
	if c.ParallelLimit < 1 {
		return fmt.Errorf("parallel_limit must be >= 1")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1")
	}
	return nil
}

// SkillsConfig configures dynamic skill loading.
type SkillsConfig struct {
	DynamicDir string `yaml:"dynamic_dir,omitempty" json:"dynamic_dir,omitempty" jsonschema:"description=Directory scanned for user-provided skills"`
	Watch      bool   `yaml:"watch" json:"watch" jsonschema:"description=Reload dynamic skills on file changes"`
}

func (c *SkillsConfig) SetDefaults() {}

func (c *SkillsConfig) Validate() error {
	if c.Watch && c.DynamicDir == "" {
		return fmt.Errorf("watch requires dynamic_dir")
	}
	return nil
}

// HITLConfig configures human-in-the-loop interrupts.
type HITLConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
}

func (c *HITLConfig) SetDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 300 * time.Second
	}
}

func (c *HITLConfig) Validate() error {
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive")
	}
	return nil
}
