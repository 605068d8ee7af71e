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

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/skein/pkg/agents"
	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/graph"
	"github.com/kadirpekel/skein/pkg/guardrails"
	"github.com/kadirpekel/skein/pkg/hitl"
	"github.com/kadirpekel/skein/pkg/llms"
	"github.com/kadirpekel/skein/pkg/memory"
	"github.com/kadirpekel/skein/pkg/sandbox"
	"github.com/kadirpekel/skein/pkg/skills"
	"github.com/kadirpekel/skein/pkg/streaming"
	"github.com/kadirpekel/skein/pkg/supervisor"
	"github.com/kadirpekel/skein/pkg/tools"
	"github.com/kadirpekel/skein/pkg/usage"
)

// appRuntime is the wired process: every registry and manager built
// from one config, shared across requests.
type appRuntime struct {
	cfg         *config.Config
	llms        *llms.Registry
	tools       *tools.Registry
	skills      *skills.Registry
	mcp         *tools.MCPManager
	sandboxes   *sandbox.Manager
	guards      *guardrails.Chain
	compressor  *memory.Compressor
	searcher    tools.Searcher
	recorder    *usage.Recorder
	checkpoints graph.CheckpointStore
	bridge      *streaming.RedisBridge
	interrupts  *hitl.Manager
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*appRuntime, error) {
	llmReg, err := llms.NewRegistry(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to build LLM registry: %w", err)
	}

	sandboxes := sandbox.NewManager(sandbox.NewHTTPProvider(&cfg.Sandbox), &cfg.Sandbox)

	toolReg := tools.NewRegistry()
	searcher := tools.NewDuckDuckGoSearcher()
	tools.RegisterBuiltins(toolReg, searcher, imageGenerator(cfg))

	mcp := tools.NewMCPManager(toolReg)
	mcp.ConnectAll(ctx, cfg.Tools.MCPServers)

	skillReg := skills.NewRegistry()
	if err := skills.RegisterBuiltins(skillReg); err != nil {
		return nil, fmt.Errorf("failed to register builtin skills: %w", err)
	}
	if cfg.Skills.DynamicDir != "" {
		loader := skills.NewLoader(skillReg, toolReg)
		if err := loader.LoadDir(cfg.Skills.DynamicDir); err != nil {
			slog.Warn("failed to load dynamic skills", "dir", cfg.Skills.DynamicDir, "error", err)
		}
		if cfg.Skills.Watch {
			go func() {
				if err := loader.Watch(ctx, cfg.Skills.DynamicDir); err != nil {
					slog.Warn("dynamic skill watcher stopped", "error", err)
				}
			}()
		}
	}

	var compressor *memory.Compressor
	if flash, err := llmReg.ForTier(config.TierFlash); err == nil {
		compressor = memory.NewCompressor(flash, cfg.Memory.CompressionThreshold, cfg.Memory.PreserveRecent)
	} else {
		slog.Warn("no flash tier configured, history compression disabled")
	}

	return &appRuntime{
		cfg:         cfg,
		llms:        llmReg,
		tools:       toolReg,
		skills:      skillReg,
		mcp:         mcp,
		sandboxes:   sandboxes,
		guards:      buildGuardrails(cfg.Guardrails),
		compressor:  compressor,
		searcher:    searcher,
		recorder:    usage.NewRecorder(),
		checkpoints: graph.NewInMemoryCheckpointStore(),
		bridge:      streaming.NewRedisBridge(cfg.Redis),
		interrupts:  hitl.NewManager(cfg.HITL, cfg.Redis),
	}, nil
}

func buildGuardrails(cfg config.GuardrailsConfig) *guardrails.Chain {
	var (
		input  *guardrails.InputScanner
		output *guardrails.OutputScanner
		tool   *guardrails.ToolScanner
	)
	if cfg.Input {
		input = guardrails.NewInputScanner()
	}
	if cfg.Output {
		output = guardrails.NewOutputScanner()
	}
	if cfg.Tools {
		tool = guardrails.NewToolScanner()
	}
	return guardrails.NewChain(input, output, tool)
}

// imageGenerator wires image generation off the configured OpenAI
// provider, when one exists.
func imageGenerator(cfg *config.Config) tools.ImageGenerator {
	for _, p := range cfg.LLM.Providers {
		if p.Type == "openai" && p.APIKey != "" {
			return tools.NewOpenAIImageGenerator(p.BaseURL, p.APIKey, "gpt-image-1")
		}
	}
	return nil
}

// supervisorFor builds the per-request supervisor: the deps are shared,
// the usage tracker is bound to this conversation.
func (rt *appRuntime) supervisorFor(threadID, userID string) *supervisor.Supervisor {
	deps := agents.Deps{
		LLMs:       rt.llms,
		Tools:      rt.tools,
		Guards:     rt.guards,
		Compressor: rt.compressor,
		Track:      rt.recorder.Track(threadID, userID),
		ToolsCfg:   rt.cfg.Tools,
	}
	opts := []supervisor.Option{
		supervisor.WithSearcher(rt.searcher),
		supervisor.WithSandboxes(rt.sandboxes),
		supervisor.WithCheckpoints(rt.checkpoints),
	}
	if rt.cfg.HITL.Enabled {
		opts = append(opts, supervisor.WithApprovals(rt.interrupts))
	}
	return supervisor.New(deps, rt.cfg.Supervisor, opts...)
}

// Close releases every long-lived resource.
func (rt *appRuntime) Close() {
	rt.sandboxes.CleanupAll()
	rt.mcp.Close()
	if err := rt.bridge.Close(); err != nil {
		slog.Warn("failed to close redis bridge", "error", err)
	}
	if err := rt.interrupts.Close(); err != nil {
		slog.Warn("failed to close interrupt manager", "error", err)
	}
	if err := rt.llms.Close(); err != nil {
		slog.Warn("failed to close LLM providers", "error", err)
	}
}
