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

// Package skills implements the three-level skill registry: declarative
// higher-order procedures composed of tool calls and LLM steps, loaded
// progressively from metadata to executor to resources.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kadirpekel/skein/pkg/llms"
	"github.com/kadirpekel/skein/pkg/tools"
)

// Level is a skill's load level.
type Level int

const (
	// L1 holds metadata only, the state every skill starts and the
	// state Unload restores.
	L1 Level = 1
	// L2 adds an instantiated executor.
	L2 Level = 2
	// L3 adds large per-skill resources.
	L3 Level = 3
)

func (l Level) String() string {
	switch l {
	case L1:
		return "metadata"
	case L2:
		return "instructions"
	case L3:
		return "resources"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Metadata describes a skill without loading it.
type Metadata struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description" yaml:"description"`
	Category    string         `json:"category" yaml:"category"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
}

// ExecContext wires a skill execution into the run.
type ExecContext struct {
	Run      *tools.RunContext
	Tools    *tools.Registry
	Provider llms.Provider
}

// Executor runs a loaded skill.
type Executor interface {
	Execute(ctx context.Context, ec *ExecContext, params map[string]any) (string, error)
}

// Definition is a registrable skill: eager metadata plus lazy
// constructors for the executor (L2) and resources (L3).
type Definition struct {
	Metadata      Metadata
	NewExecutor   func() (Executor, error)
	LoadResources func(ctx context.Context) error
}

// ErrSkillNotFound is returned for unknown skill ids.
var ErrSkillNotFound = fmt.Errorf("skill not found")

// entry is a registered skill with its current load level.
type entry struct {
	def      Definition
	level    Level
	executor Executor
}

// Registry holds every registered skill and manages load levels.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a skill at L1, replacing any previous registration.
func (r *Registry) Register(def Definition) error {
	if def.Metadata.ID == "" {
		return fmt.Errorf("skill id is required")
	}
	if def.NewExecutor == nil {
		return fmt.Errorf("skill %s has no executor constructor", def.Metadata.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Metadata.ID] = &entry{def: def, level: L1}
	return nil
}

// Deregister removes a skill entirely.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// List returns metadata for every registered skill, sorted by id.
func (r *Registry) List() []Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Level reports a skill's current load level.
func (r *Registry) Level(id string) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSkillNotFound, id)
	}
	return e.level, nil
}

// Get returns the skill's executor, promoting it to L2 on first use.
func (r *Registry) Get(ctx context.Context, id string) (Executor, Metadata, error) {
	if err := r.EnsureLoaded(ctx, id, L2); err != nil {
		return nil, Metadata{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	return e.executor, e.def.Metadata, nil
}

// EnsureLoaded raises a skill to at least the requested level.
func (r *Registry) EnsureLoaded(ctx context.Context, id string, level Level) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSkillNotFound, id)
	}
	if !e.def.Metadata.Enabled {
		r.mu.Unlock()
		return fmt.Errorf("skill %s is disabled", id)
	}
	if e.level >= level {
		r.mu.Unlock()
		return nil
	}
	def := e.def
	current := e.level
	r.mu.Unlock()

	var executor Executor
	if current < L2 && level >= L2 {
		var err error
		executor, err = def.NewExecutor()
		if err != nil {
			return fmt.Errorf("failed to load skill %s: %w", id, err)
		}
	}
	if level >= L3 && def.LoadResources != nil {
		if err := def.LoadResources(ctx); err != nil {
			return fmt.Errorf("failed to load resources for skill %s: %w", id, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok = r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSkillNotFound, id)
	}
	if executor != nil && e.executor == nil {
		e.executor = executor
	}
	if level > e.level {
		e.level = level
	}
	slog.Debug("skill loaded", "skill", id, "level", e.level.String())
	return nil
}

// Unload demotes a skill back to L1, dropping its executor. The next
// Get builds a fresh instance.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSkillNotFound, id)
	}
	e.executor = nil
	e.level = L1
	return nil
}
