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

package skills

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/llms"
	"github.com/kadirpekel/skein/pkg/tools"
)

// dynamicSkill is the on-disk skill document.
type dynamicSkill struct {
	Metadata `yaml:",inline"`
	Steps    []dynamicStep `yaml:"steps"`
}

// dynamicStep is either a tool call or an LLM prompt. Args values and
// prompts are Go templates over the skill params plus `prev`, the
// previous step's output.
type dynamicStep struct {
	Tool   string            `yaml:"tool,omitempty"`
	Args   map[string]string `yaml:"args,omitempty"`
	Prompt string            `yaml:"prompt,omitempty"`
}

// Loader loads declarative skills from a directory. Dynamic skills may
// only call tools already present in the tool registry; their real
// isolation is that every call goes through those tools and therefore
// through the sandbox. A SHA-256 pin taken at registration is
// re-verified when the executor is built, so a file changed on disk
// after registration refuses to load.
type Loader struct {
	registry *Registry
	tools    *tools.Registry

	mu   sync.Mutex
	pins map[string]pin // skill id -> source pin
}

type pin struct {
	path string
	hash string
}

func NewLoader(registry *Registry, toolReg *tools.Registry) *Loader {
	return &Loader{
		registry: registry,
		tools:    toolReg,
		pins:     make(map[string]pin),
	}
}

// LoadDir registers every .yaml/.yml skill in dir. Invalid files are
// logged and skipped.
func (l *Loader) LoadDir(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.y*ml"))
	if err != nil {
		return fmt.Errorf("failed to scan skill directory: %w", err)
	}
	for _, path := range paths {
		if err := l.LoadFile(path); err != nil {
			slog.Warn("skipping invalid dynamic skill", "path", path, "error", err)
		}
	}
	return nil
}

// LoadFile validates and registers one skill file, pinning its hash.
func (l *Loader) LoadFile(path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read skill file: %w", err)
	}
	doc, err := parseDynamicSkill(source)
	if err != nil {
		return err
	}
	if err := l.validate(doc); err != nil {
		return err
	}

	hash := hashSource(source)
	l.mu.Lock()
	l.pins[doc.ID] = pin{path: path, hash: hash}
	l.mu.Unlock()

	err = l.registry.Register(Definition{
		Metadata: doc.Metadata,
		NewExecutor: func() (Executor, error) {
			return l.buildExecutor(doc.ID)
		},
	})
	if err != nil {
		return err
	}
	slog.Info("dynamic skill registered", "skill", doc.ID, "path", path)
	return nil
}

// buildExecutor re-reads the pinned source and aborts when the file no
// longer matches the hash taken at registration.
func (l *Loader) buildExecutor(id string) (Executor, error) {
	l.mu.Lock()
	p, ok := l.pins[id]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no source pin for skill %s", id)
	}

	source, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read skill source: %w", err)
	}
	if hashSource(source) != p.hash {
		return nil, fmt.Errorf("skill %s source hash mismatch, refusing to load", id)
	}

	doc, err := parseDynamicSkill(source)
	if err != nil {
		return nil, err
	}
	if err := l.validate(doc); err != nil {
		return nil, err
	}
	return &stepExecutor{id: doc.ID, steps: doc.Steps, toolReg: l.tools}, nil
}

// Watch re-registers skills as files change under dir. A changed file
// is an explicit update: validation runs again and the pin is renewed.
// Blocks until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if err := l.LoadFile(event.Name); err != nil {
					slog.Warn("dynamic skill reload failed", "path", event.Name, "error", err)
				}
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				l.removeByPath(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("skill watcher error", "error", err)
		}
	}
}

func (l *Loader) removeByPath(path string) {
	l.mu.Lock()
	var id string
	for skillID, p := range l.pins {
		if p.path == path {
			id = skillID
			break
		}
	}
	if id != "" {
		delete(l.pins, id)
	}
	l.mu.Unlock()

	if id != "" {
		l.registry.Deregister(id)
		slog.Info("dynamic skill removed", "skill", id, "path", path)
	}
}

func parseDynamicSkill(source []byte) (*dynamicSkill, error) {
	var doc dynamicSkill
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse skill: %w", err)
	}
	return &doc, nil
}

// validate enforces the dynamic-skill contract: an id, at least one
// step, every step either a prompt or a call to a registered tool, and
// no delegation through the handoff tool.
func (l *Loader) validate(doc *dynamicSkill) error {
	if doc.ID == "" {
		return fmt.Errorf("skill id is required")
	}
	if len(doc.Steps) == 0 {
		return fmt.Errorf("skill %s has no steps", doc.ID)
	}
	for i, step := range doc.Steps {
		switch {
		case step.Tool != "" && step.Prompt != "":
			return fmt.Errorf("skill %s step %d: tool and prompt are mutually exclusive", doc.ID, i)
		case step.Tool == "" && step.Prompt == "":
			return fmt.Errorf("skill %s step %d: needs a tool or a prompt", doc.ID, i)
		case step.Tool == tools.HandoffToolName:
			return fmt.Errorf("skill %s step %d: handoff is not allowed in skills", doc.ID, i)
		case step.Tool != "":
			if _, err := l.tools.Get(step.Tool); err != nil {
				return fmt.Errorf("skill %s step %d: %w", doc.ID, i, err)
			}
		}
	}
	return nil
}

func hashSource(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// stepExecutor runs a dynamic skill's steps in order.
type stepExecutor struct {
	id      string
	steps   []dynamicStep
	toolReg *tools.Registry
}

func (e *stepExecutor) Execute(ctx context.Context, ec *ExecContext, params map[string]any) (string, error) {
	data := make(map[string]any, len(params)+1)
	for k, v := range params {
		data[k] = v
	}

	var prev string
	for i, step := range e.steps {
		data["prev"] = prev

		var out string
		var err error
		if step.Tool != "" {
			out, err = e.runToolStep(ctx, ec, step, data)
		} else {
			out, err = e.runPromptStep(ctx, ec, step, data)
		}
		if err != nil {
			return "", fmt.Errorf("skill %s step %d failed: %w", e.id, i, err)
		}
		prev = out
	}

	if ec.Run != nil {
		ec.Run.Emit(events.NewSkillOutput(e.id, prev))
	}
	return prev, nil
}

func (e *stepExecutor) runToolStep(ctx context.Context, ec *ExecContext, step dynamicStep, data map[string]any) (string, error) {
	t, err := e.toolReg.Get(step.Tool)
	if err != nil {
		return "", err
	}
	args := make(map[string]any, len(step.Args))
	for key, tmpl := range step.Args {
		rendered, err := renderTemplate(tmpl, data)
		if err != nil {
			return "", fmt.Errorf("argument %q: %w", key, err)
		}
		args[key] = rendered
	}
	return t.Execute(ctx, ec.Run, args)
}

func (e *stepExecutor) runPromptStep(ctx context.Context, ec *ExecContext, step dynamicStep, data map[string]any) (string, error) {
	if ec.Provider == nil {
		return "", fmt.Errorf("prompt step requires an LLM provider")
	}
	prompt, err := renderTemplate(step.Prompt, data)
	if err != nil {
		return "", err
	}
	resp, err := ec.Provider.Generate(ctx, llms.Request{
		Messages:    []llms.Message{{Role: llms.RoleUser, Content: prompt}},
		Temperature: -1,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func renderTemplate(text string, data map[string]any) (string, error) {
	tmpl, err := template.New("step").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("bad template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}
	return buf.String(), nil
}
