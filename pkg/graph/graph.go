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

package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/skein/pkg/events"
)

// NodeFunc processes a state and returns the next one.
type NodeFunc func(ctx context.Context, s State) (State, error)

// Node is one graph step. Stage-bearing nodes bracket their run with
// stage(running)/stage(completed|failed) events.
type Node struct {
	Name        string
	Description string
	Stage       bool
	Skip        func(s State) bool
	Run         NodeFunc
}

// Graph executes nodes sequentially, checkpointing after each
// transition.
type Graph struct {
	nodes       []Node
	bus         *events.Bus
	checkpoints CheckpointStore
}

// New builds a graph. bus and checkpoints may be nil.
func New(bus *events.Bus, checkpoints CheckpointStore, nodes ...Node) *Graph {
	return &Graph{nodes: nodes, bus: bus, checkpoints: checkpoints}
}

func (g *Graph) emit(ev events.Event) {
	if g.bus != nil {
		g.bus.Emit(ev)
	}
}

// Execute runs every node in order. A failed node emits
// stage(failed) plus an error event and aborts with the state as it
// stood before the node ran.
func (g *Graph) Execute(ctx context.Context, s State) (State, error) {
	for _, node := range g.nodes {
		if node.Skip != nil && node.Skip(s) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return s, err
		}

		if node.Stage {
			g.emit(events.NewStage(node.Name, node.Description, events.StageRunning))
		}

		next, err := node.Run(ctx, s)
		if err != nil {
			if node.Stage {
				g.emit(events.NewStage(node.Name, node.Description, events.StageFailed))
			}
			g.emit(events.NewError(err.Error(), node.Name))
			return s, fmt.Errorf("node %s failed: %w", node.Name, err)
		}
		s = next

		if node.Stage {
			g.emit(events.NewStage(node.Name, node.Description, events.StageCompleted))
		}
		g.checkpoint(ctx, s)
	}
	return s, nil
}

// checkpoint persists the state under its thread id, mirroring the
// bus history onto the state first so replay sees the same events.
func (g *Graph) checkpoint(ctx context.Context, s State) {
	if g.checkpoints == nil || s.ThreadID == "" {
		return
	}
	if g.bus != nil {
		s.Events = g.bus.History()
	}
	if err := g.checkpoints.Save(ctx, s.ThreadID, s); err != nil {
		slog.Warn("checkpoint save failed", "thread_id", s.ThreadID, "error", err)
	}
}
