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

// Package supervisor runs the top-level agent loop: route the query,
// dispatch the selected subgraph under a time budget, then either
// follow a handoff back through the router or terminate.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/kadirpekel/skein/pkg/agents"
	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/graph"
	"github.com/kadirpekel/skein/pkg/memory"
	"github.com/kadirpekel/skein/pkg/sandbox"
	"github.com/kadirpekel/skein/pkg/tools"
)

// inputRefusal is streamed when the input scanner blocks a query.
const inputRefusal = "I can't help with that request."

// timeoutResponse replaces the agent's answer when its budget expires.
const timeoutResponse = "The request took too long and was cancelled. Try narrowing it down or splitting it into smaller steps."

// Supervisor owns one deployment's routing and dispatch wiring. A
// single instance serves many concurrent runs.
type Supervisor struct {
	deps        agents.Deps
	cfg         config.SupervisorConfig
	searcher    tools.Searcher
	sandboxes   *sandbox.Manager
	checkpoints graph.CheckpointStore
	approvals   tools.Approver
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSearcher installs the research search provider.
func WithSearcher(s tools.Searcher) Option {
	return func(sv *Supervisor) { sv.searcher = s }
}

// WithSandboxes installs the sandbox session manager handed to tools.
func WithSandboxes(m *sandbox.Manager) Option {
	return func(sv *Supervisor) { sv.sandboxes = m }
}

// WithCheckpoints installs a checkpoint store; runs persist state
// after every node transition.
func WithCheckpoints(cs graph.CheckpointStore) Option {
	return func(sv *Supervisor) { sv.checkpoints = cs }
}

// WithApprovals installs the human approval gate consulted before
// high-risk tool calls run.
func WithApprovals(a tools.Approver) Option {
	return func(sv *Supervisor) { sv.approvals = a }
}

func New(deps agents.Deps, cfg config.SupervisorConfig, opts ...Option) *Supervisor {
	sv := &Supervisor{deps: deps, cfg: cfg}
	for _, opt := range opts {
		opt(sv)
	}
	return sv
}

// Run executes one query end to end, emitting events on bus as it
// goes. The returned state carries the final response. Run always
// emits a terminal complete event unless the context is cancelled.
func (s *Supervisor) Run(ctx context.Context, bus *events.Bus, st graph.State) (graph.State, error) {
	if s.deps.Guards != nil {
		verdict := s.deps.Guards.CheckInput(st.Query)
		if verdict.Blocked {
			bus.Emit(events.NewToken(inputRefusal))
			bus.Emit(events.NewComplete())
			st.Response = inputRefusal
			return st, nil
		}
	}

	if st.SharedMemory == nil {
		st.SharedMemory = &memory.SharedContext{}
	}
	run := &tools.RunContext{
		UserID:    st.UserID,
		TaskID:    st.TaskID,
		ThreadID:  st.ThreadID,
		Bus:       bus,
		Sandbox:   s.sandboxes,
		Shared:    st.SharedMemory,
		Approvals: s.approvals,
	}

	for {
		var err error
		st, err = s.route(ctx, bus, st)
		if err != nil {
			return st, err
		}

		run.Handoff = nil
		st, err = s.dispatch(ctx, bus, run, st)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return st, err
			}
			// Budget expiry and node failures already produced their
			// error events; terminate with what we have.
			if st.Response == "" {
				st.Response = timeoutResponse
			}
			break
		}

		if st.PendingHandoff == nil {
			break
		}
		var followed bool
		st, followed = s.followHandoff(bus, st)
		if !followed {
			break
		}
	}

	bus.Emit(events.NewComplete())
	return st, nil
}

// dispatch runs the selected subgraph under its time budget.
func (s *Supervisor) dispatch(ctx context.Context, bus *events.Bus, run *tools.RunContext, st graph.State) (graph.State, error) {
	budget := s.cfg.TaskTimeout
	if st.SelectedAgent == "research" || st.Mode == "app" {
		budget = s.cfg.ResearchTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var g *graph.Graph
	switch st.SelectedAgent {
	case "research":
		g = agents.NewResearchGraph(s.deps, bus, run, s.searcher, s.checkpoints)
	default:
		// task and data both run the tool-calling subgraph.
		g = agents.NewTaskGraph(s.deps, bus, run, s.checkpoints)
	}

	out, err := g.Execute(tctx, st)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("subgraph budget exceeded", "agent", st.SelectedAgent, "budget", budget, "task_id", st.TaskID)
			// Mid-node failures already emitted their error event.
			if !strings.HasPrefix(err.Error(), "node ") {
				bus.Emit(events.NewError("agent time budget exceeded", st.SelectedAgent))
			}
			out.Response = timeoutResponse
			return out, err
		}
		return out, err
	}
	return out, nil
}

// followHandoff validates a pending handoff against the matrix and the
// handoff cap. Valid handoffs are recorded and the loop re-enters the
// router; invalid ones are dropped and the run terminates with the
// response of the agent that attempted them.
func (s *Supervisor) followHandoff(bus *events.Bus, st graph.State) (graph.State, bool) {
	h := *st.PendingHandoff

	if st.HandoffCount >= s.cfg.MaxHandoffs {
		slog.Warn("handoff cap reached, dropping handoff",
			"source", h.Source, "target", h.Target, "count", st.HandoffCount)
		st.PendingHandoff = nil
		return st, false
	}
	if !slices.Contains(s.cfg.HandoffMatrix[h.Source], h.Target) {
		slog.Warn("handoff target not allowed, dropping handoff",
			"source", h.Source, "target", h.Target)
		st.PendingHandoff = nil
		return st, false
	}

	st.HandoffCount++
	st.HandoffHistory = append(st.HandoffHistory, h)
	st.SharedMemory.AddHandoff(memory.HandoffRecord{Source: h.Source, Target: h.Target, Task: h.Task})
	st.DelegatedTask = h.Task
	st.HandoffContext = h.Context
	// The target agent starts fresh from the delegated task; shared
	// memory carries everything worth keeping across the boundary.
	st.Messages = nil
	st.Response = ""

	bus.Emit(events.NewHandoff(h.Source, h.Target, h.Task))
	return st, true
}
