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

// Package tools holds the compile-time tool catalog: the Tool interface,
// the category-indexed registry, builtin tools, MCP tool wrapping, and
// the search_tools meta-tool for oversized catalogs.
package tools

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/llms"
	"github.com/kadirpekel/skein/pkg/memory"
	"github.com/kadirpekel/skein/pkg/sandbox"
)

// Category groups tools for per-agent capability sets.
type Category string

const (
	CategorySearch     Category = "search"
	CategoryFileOps    Category = "file_ops"
	CategoryShell      Category = "shell"
	CategoryBrowser    Category = "browser"
	CategoryCodeExec   Category = "code_exec"
	CategoryImage      Category = "image"
	CategoryDeploy     Category = "deploy"
	CategoryToolSearch Category = "tool_search"
	CategoryMCP        Category = "mcp"
	CategoryHandoff    Category = "handoff"
)

// PendingHandoff is set by the handoff tool and picked up by the
// supervisor after the current node finishes.
type PendingHandoff struct {
	Target  string
	Task    string
	Context string
}

// Approver asks a human to confirm a tool call before it runs.
type Approver interface {
	ApproveTool(ctx context.Context, bus *events.Bus, threadID, tool string, args map[string]any) (bool, error)
}

// approvalRequired lists the tools whose effects reach outside the
// sandbox.
var approvalRequired = map[string]bool{
	"run_shell":      true,
	"deploy_preview": true,
}

// NeedsApproval reports whether a tool call must pass a human approval
// gate when an approver is wired.
func NeedsApproval(name string) bool { return approvalRequired[name] }

// RunContext carries per-run wiring into tool handlers.
type RunContext struct {
	UserID   string
	TaskID   string
	ThreadID string

	Bus       *events.Bus
	Sandbox   *sandbox.Manager
	Shared    *memory.SharedContext
	Approvals Approver

	// Handoff is populated by handoff_to_agent.
	Handoff *PendingHandoff

	mu      sync.Mutex
	invoked []string
}

// Emit sends an event if a bus is attached.
func (rc *RunContext) Emit(ev events.Event) {
	if rc != nil && rc.Bus != nil {
		rc.Bus.Emit(ev)
	}
}

// RecordInvocation notes a tool the run has called. Selection keeps
// invoked tools in reduced sets on later iterations.
func (rc *RunContext) RecordInvocation(name string) {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !slices.Contains(rc.invoked, name) {
		rc.invoked = append(rc.invoked, name)
	}
}

// InvokedTools returns the tools invoked so far, in first-call order.
func (rc *RunContext) InvokedTools() []string {
	if rc == nil {
		return nil
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return slices.Clone(rc.invoked)
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Category() Category
	// Schema returns the JSON schema of the tool's parameters.
	Schema() map[string]any
	Execute(ctx context.Context, rc *RunContext, args map[string]any) (string, error)
}

// ObjectSchema builds a JSON object schema from named properties.
func ObjectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Prop is a shorthand for a schema property.
func Prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// agentCategories declares which categories each agent type may use.
var agentCategories = map[string][]Category{
	"task": {
		CategorySearch, CategoryFileOps, CategoryShell, CategoryBrowser,
		CategoryCodeExec, CategoryImage, CategoryDeploy,
		CategoryToolSearch, CategoryMCP, CategoryHandoff,
	},
	"research": {
		CategorySearch, CategoryBrowser, CategoryToolSearch,
		CategoryMCP, CategoryHandoff,
	},
}

// Registry is the category-indexed tool catalog.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string]Tool
	byCategory map[Category][]string
	// mcpServer tracks which MCP server registered which tool, for
	// unregistration on server removal.
	mcpServer map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]Tool),
		byCategory: make(map[Category][]string),
		mcpServer:  make(map[string]string),
	}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byName[t.Name()]; ok {
		r.dropFromCategory(old.Category(), t.Name())
	}
	r.byName[t.Name()] = t
	r.byCategory[t.Category()] = append(r.byCategory[t.Category()], t.Name())
}

// RegisterMCP records the owning server alongside the tool.
func (r *Registry) RegisterMCP(t Tool, server string) {
	r.Register(t)
	r.mu.Lock()
	r.mcpServer[t.Name()] = server
	r.mu.Unlock()
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byName[name]; ok {
		r.dropFromCategory(t.Category(), name)
		delete(r.byName, name)
		delete(r.mcpServer, name)
	}
}

// UnregisterServer removes every tool registered by an MCP server.
func (r *Registry) UnregisterServer(server string) int {
	r.mu.Lock()
	var names []string
	for name, owner := range r.mcpServer {
		if owner == server {
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	for _, name := range names {
		r.Unregister(name)
	}
	return len(names)
}

func (r *Registry) dropFromCategory(cat Category, name string) {
	list := r.byCategory[cat]
	for i, n := range list {
		if n == name {
			r.byCategory[cat] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return t, nil
}

// ByCategory returns the tool names in a category, sorted.
func (r *Registry) ByCategory(cat Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.byCategory[cat]...)
	sort.Strings(out)
	return out
}

// All returns every registered tool name, sorted.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NamesForAgent flattens the agent type's allowed categories into the
// tool names currently registered under them.
func (r *Registry) NamesForAgent(agentType string) []string {
	cats, ok := agentCategories[agentType]
	if !ok {
		return nil
	}
	var out []string
	for _, cat := range cats {
		out = append(out, r.ByCategory(cat)...)
	}
	sort.Strings(out)
	return out
}

// Definitions converts tool names into LLM tool definitions, skipping
// unknown names.
func (r *Registry) Definitions(names []string) []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, err := r.Get(name)
		if err != nil {
			continue
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// stringArg pulls a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

// optStringArg pulls an optional string argument.
func optStringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// intArg pulls an optional integer argument (JSON numbers decode as
// float64).
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
