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

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/graph"
	"github.com/kadirpekel/skein/pkg/guardrails"
	"github.com/kadirpekel/skein/pkg/llms"
	"github.com/kadirpekel/skein/pkg/tools"
)

// outputRefusal replaces a response the output scanner blocked.
const outputRefusal = "I can't provide that response."

// planPrompt asks the flash tier for a short execution plan before the
// react loop starts on app-building requests.
const planPrompt = "Break the following request into a short numbered plan " +
	"of concrete steps. Reply with the plan only.\n\nRequest: %s"

type taskAgent struct {
	deps Deps
	run  *tools.RunContext
}

// NewTaskGraph builds the default subgraph:
// entry -> plan (app mode only) -> react -> finalize.
func NewTaskGraph(deps Deps, bus *events.Bus, run *tools.RunContext, checkpoints graph.CheckpointStore) *graph.Graph {
	a := &taskAgent{deps: deps, run: run}
	return graph.New(bus, checkpoints,
		graph.Node{Name: "entry", Run: a.entry},
		graph.Node{
			Name:        "plan",
			Description: "Planning the build",
			Stage:       true,
			Skip:        func(s graph.State) bool { return s.Mode != "app" },
			Run:         a.plan,
		},
		graph.Node{Name: "react", Description: "Working on the task", Stage: true, Run: a.react},
		graph.Node{Name: "finalize", Run: a.finalize},
	)
}

func (a *taskAgent) entry(_ context.Context, s graph.State) (graph.State, error) {
	s.ActiveAgent = "task"
	return seedMessages(s), nil
}

// plan runs one flash call and prepends the result to the history so
// the react loop works against an explicit step list.
func (a *taskAgent) plan(ctx context.Context, s graph.State) (graph.State, error) {
	provider, tier, err := a.deps.provider(FlashTier)
	if err != nil {
		return s, err
	}
	resp, err := provider.Generate(ctx, llms.Request{
		Messages:    []llms.Message{{Role: llms.RoleUser, Content: fmt.Sprintf(planPrompt, s.Query)}},
		Temperature: -1,
	})
	if err != nil {
		return s, fmt.Errorf("planning failed: %w", err)
	}
	a.deps.track("task", tier, resp.Usage)

	s.Messages = append([]llms.Message{{
		Role:    llms.RoleSystem,
		Content: "Execution plan:\n" + resp.Text,
	}}, s.Messages...)
	return s, nil
}

// react is the tool-calling loop. Each iteration streams one model
// turn; tool-use turns fan the calls out in parallel and feed the
// results back, a plain text turn (or a handoff, or the iteration cap)
// ends the loop.
func (a *taskAgent) react(ctx context.Context, s graph.State) (graph.State, error) {
	provider, tier, err := a.deps.provider(s.Tier)
	if err != nil {
		return s, err
	}

	system := systemPrompt(s)

	for iter := 0; iter < a.deps.ToolsCfg.MaxIterations; iter++ {
		if a.deps.Compressor != nil && a.deps.Compressor.NeedsCompression(s.Messages) {
			s.Messages = a.deps.Compressor.Compress(ctx, s.Messages)
		}

		// Reselected each turn so tools discovered mid-run (search_tools
		// hits, fresh MCP registrations) join the reduced set.
		names := tools.SelectForAgent(a.deps.Tools, "task", s.Query, a.run.InvokedTools(), a.deps.ToolsCfg.SelectionBudget)
		defs := a.deps.Tools.Definitions(names)

		text, calls, err := a.streamTurn(ctx, provider, tier, llms.Request{
			System:      system,
			Messages:    s.Messages,
			Tools:       defs,
			Temperature: -1,
		})
		if err != nil {
			return s, err
		}

		if len(calls) == 0 {
			s.Response = text
			s.Messages = append(s.Messages, llms.Message{Role: llms.RoleAssistant, Content: text})
			return s, nil
		}

		s.Messages = append(s.Messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		s.Messages = append(s.Messages, a.runTools(ctx, calls)...)

		if a.run.Handoff != nil {
			s.PendingHandoff = &graph.Handoff{
				Source:  "task",
				Target:  a.run.Handoff.Target,
				Task:    a.run.Handoff.Task,
				Context: a.run.Handoff.Context,
			}
			s.Response = text
			return s, nil
		}
	}

	slog.Warn("react loop hit iteration cap", "task_id", s.TaskID, "iterations", a.deps.ToolsCfg.MaxIterations)
	s.Response = "I ran out of steps before finishing. Here is where things stand:\n" + lastToolSummary(s.Messages)
	return s, nil
}

// streamTurn consumes one model stream, emitting token events as text
// arrives and collecting any tool calls.
func (a *taskAgent) streamTurn(ctx context.Context, provider llms.Provider, tier string, req llms.Request) (string, []llms.ToolCall, error) {
	ch, err := provider.Stream(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("model call failed: %w", err)
	}

	var (
		text  string
		calls []llms.ToolCall
	)
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			text += chunk.Text
			a.run.Emit(events.NewToken(chunk.Text))
		case llms.ChunkToolCall:
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case llms.ChunkDone:
			if chunk.Usage != nil {
				a.deps.track("task", tier, *chunk.Usage)
			}
		case llms.ChunkError:
			return "", nil, fmt.Errorf("model stream failed: %w", chunk.Err)
		}
	}
	return text, calls, nil
}

// runTools executes one iteration's tool calls with bounded
// concurrency. Tool failures and guardrail blocks become error-shaped
// results so the model can replan; they never abort the loop. Events
// are emitted after the group finishes, in call order.
func (a *taskAgent) runTools(ctx context.Context, calls []llms.ToolCall) []llms.Message {
	for _, call := range calls {
		a.run.Emit(events.NewToolCall(call.Name, call.ID, call.Args))
	}

	results := make([]string, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.deps.ToolsCfg.ParallelLimit)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = a.executeOne(gctx, call)
			return nil
		})
	}
	_ = g.Wait()

	msgs := make([]llms.Message, len(calls))
	limit := a.deps.ToolsCfg.ResultTruncation
	for i, call := range calls {
		relayed := truncateResult(results[i], limit)
		a.run.Emit(events.NewToolResult(call.Name, call.ID, relayed))
		msgs[i] = llms.Message{
			Role:       llms.RoleTool,
			Content:    relayed,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		}
	}
	return msgs
}

func (a *taskAgent) executeOne(ctx context.Context, call llms.ToolCall) string {
	if a.deps.Guards != nil {
		verdict := a.deps.Guards.CheckTool(guardrails.ToolRequest{Tool: call.Name, Args: call.Args})
		if verdict.Blocked {
			return "Error: tool call blocked: " + verdict.Reason
		}
	}

	tool, err := a.deps.Tools.Get(call.Name)
	if err != nil {
		return "Error: " + err.Error()
	}
	a.run.RecordInvocation(call.Name)

	if a.run.Approvals != nil && tools.NeedsApproval(call.Name) {
		approved, err := a.run.Approvals.ApproveTool(ctx, a.run.Bus, a.run.ThreadID, call.Name, call.Args)
		if err != nil {
			slog.Warn("tool approval failed", "tool", call.Name, "error", err)
			return "Error: approval request failed: " + err.Error()
		}
		if !approved {
			return "Error: tool call denied by operator"
		}
	}

	out, err := tool.Execute(ctx, a.run, call.Args)
	if err != nil {
		slog.Warn("tool execution failed", "tool", call.Name, "error", err)
		return "Error: " + err.Error()
	}
	return out
}

// finalize applies the output scanner to the assembled response.
// Streamed tokens are already out; the scrubbed response still governs
// the checkpoint and the final payload.
func (a *taskAgent) finalize(_ context.Context, s graph.State) (graph.State, error) {
	if a.deps.Guards != nil && s.Response != "" {
		verdict := a.deps.Guards.CheckOutput(s.Response)
		if verdict.Blocked {
			slog.Warn("response blocked by output scanner", "task_id", s.TaskID, "reason", verdict.Reason)
			s.Response = outputRefusal
		}
	}
	return s, nil
}

// lastToolSummary digs out the most recent tool result for the
// iteration-cap message.
func lastToolSummary(msgs []llms.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llms.RoleTool {
			return msgs[i].Content
		}
	}
	return "(no tool output)"
}
