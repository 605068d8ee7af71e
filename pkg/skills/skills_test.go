package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/skein/pkg/llms"
	"github.com/kadirpekel/skein/pkg/tools"
)

// echoTool records its last args and returns a canned output.
type echoTool struct {
	name     string
	category tools.Category
	lastArgs map[string]any
	output   string
}

func (t *echoTool) Name() string           { return t.name }
func (t *echoTool) Description() string    { return "echo " + t.name }
func (t *echoTool) Category() tools.Category { return t.category }
func (t *echoTool) Schema() map[string]any { return tools.ObjectSchema(map[string]any{}) }

func (t *echoTool) Execute(_ context.Context, _ *tools.RunContext, args map[string]any) (string, error) {
	t.lastArgs = args
	return t.output, nil
}

type fakeProvider struct {
	response string
	prompts  []string
}

func (f *fakeProvider) Generate(_ context.Context, req llms.Request) (*llms.Response, error) {
	f.prompts = append(f.prompts, req.Messages[len(req.Messages)-1].Content)
	return &llms.Response{Text: f.response}, nil
}

func (f *fakeProvider) Stream(context.Context, llms.Request) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) ModelName() string { return "fake" }
func (f *fakeProvider) Close() error      { return nil }

func countingDefinition(id string, built *int) Definition {
	return Definition{
		Metadata:    Metadata{ID: id, Description: "test skill", Enabled: true},
		NewExecutor: func() (Executor, error) { *built++; return &summarizePage{}, nil },
	}
}

func TestRegistryLevelsAndPromotion(t *testing.T) {
	r := NewRegistry()
	built := 0
	require.NoError(t, r.Register(countingDefinition("s1", &built)))

	level, err := r.Level("s1")
	require.NoError(t, err)
	assert.Equal(t, L1, level)
	assert.Equal(t, 0, built, "L1 registration must not build the executor")

	exec, meta, err := r.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotNil(t, exec)
	assert.Equal(t, "s1", meta.ID)
	assert.Equal(t, 1, built)

	level, _ = r.Level("s1")
	assert.Equal(t, L2, level)

	// A second Get reuses the executor.
	_, _, err = r.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, built)
}

func TestUnloadDemotesAndRebuilds(t *testing.T) {
	r := NewRegistry()
	built := 0
	require.NoError(t, r.Register(countingDefinition("s1", &built)))

	_, _, err := r.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NoError(t, r.Unload("s1"))

	level, _ := r.Level("s1")
	assert.Equal(t, L1, level)

	// Get after unload produces a fresh instance and restores L2.
	_, _, err = r.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, built)
	level, _ = r.Level("s1")
	assert.Equal(t, L2, level)
}

func TestEnsureLoadedResources(t *testing.T) {
	r := NewRegistry()
	resourcesLoaded := false
	require.NoError(t, r.Register(Definition{
		Metadata:      Metadata{ID: "s1", Enabled: true},
		NewExecutor:   func() (Executor, error) { return &summarizePage{}, nil },
		LoadResources: func(context.Context) error { resourcesLoaded = true; return nil },
	}))

	require.NoError(t, r.EnsureLoaded(context.Background(), "s1", L3))
	assert.True(t, resourcesLoaded)
	level, _ := r.Level("s1")
	assert.Equal(t, L3, level)
}

func TestDisabledSkillDoesNotLoad(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Metadata:    Metadata{ID: "off", Enabled: false},
		NewExecutor: func() (Executor, error) { return &summarizePage{}, nil },
	}))
	err := r.EnsureLoaded(context.Background(), "off", L2)
	assert.ErrorContains(t, err, "disabled")
}

func TestUnknownSkill(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSkillNotFound)
	assert.ErrorIs(t, r.Unload("nope"), ErrSkillNotFound)
}

const sampleSkill = `id: git_digest
description: Summarize recent commits
category: reporting
enabled: true
steps:
  - tool: run_shell
    args:
      command: "git -C {{.repo}} log --oneline -5"
  - prompt: "Summarize these commits:\n{{.prev}}"
`

func writeSkill(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newToolRegistry() (*tools.Registry, *echoTool) {
	reg := tools.NewRegistry()
	shell := &echoTool{name: "run_shell", category: tools.CategoryShell, output: "abc123 fix bug\n"}
	reg.Register(shell)
	return reg, shell
}

func TestDynamicSkillLoadsAndRuns(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "git_digest.yaml", sampleSkill)

	toolReg, shell := newToolRegistry()
	skillReg := NewRegistry()
	loader := NewLoader(skillReg, toolReg)
	require.NoError(t, loader.LoadDir(dir))

	exec, meta, err := skillReg.Get(context.Background(), "git_digest")
	require.NoError(t, err)
	assert.Equal(t, "reporting", meta.Category)

	provider := &fakeProvider{response: "One bug fix landed."}
	out, err := exec.Execute(context.Background(), &ExecContext{
		Tools:    toolReg,
		Provider: provider,
	}, map[string]any{"repo": "/srv/repo"})
	require.NoError(t, err)
	assert.Equal(t, "One bug fix landed.", out)

	// The template rendered the param into the tool args and the tool
	// output into the prompt.
	assert.Equal(t, "git -C /srv/repo log --oneline -5", shell.lastArgs["command"])
	require.Len(t, provider.prompts, 1)
	assert.Contains(t, provider.prompts[0], "abc123 fix bug")
}

func TestDynamicSkillRejectsUnknownTool(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "bad.yaml", `id: bad
enabled: true
steps:
  - tool: not_registered
`)
	toolReg, _ := newToolRegistry()
	loader := NewLoader(NewRegistry(), toolReg)
	err := loader.LoadFile(filepath.Join(dir, "bad.yaml"))
	assert.ErrorContains(t, err, "unknown tool")
}

func TestDynamicSkillRejectsHandoff(t *testing.T) {
	dir := t.TempDir()
	toolReg, _ := newToolRegistry()
	toolReg.Register(tools.NewHandoffTool())
	writeSkill(t, dir, "sneaky.yaml", `id: sneaky
enabled: true
steps:
  - tool: handoff_to_agent
`)
	loader := NewLoader(NewRegistry(), toolReg)
	err := loader.LoadFile(filepath.Join(dir, "sneaky.yaml"))
	assert.ErrorContains(t, err, "handoff is not allowed")
}

func TestDynamicSkillHashPin(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "git_digest.yaml", sampleSkill)

	toolReg, _ := newToolRegistry()
	skillReg := NewRegistry()
	loader := NewLoader(skillReg, toolReg)
	require.NoError(t, loader.LoadFile(path))

	// Tamper with the file after registration: the lazy L2 load must
	// refuse the changed source.
	require.NoError(t, os.WriteFile(path, []byte(sampleSkill+"# changed\n"), 0o644))
	_, _, err := skillReg.Get(context.Background(), "git_digest")
	assert.ErrorContains(t, err, "hash mismatch")

	// Re-registering through the loader renews the pin.
	require.NoError(t, loader.LoadFile(path))
	_, _, err = skillReg.Get(context.Background(), "git_digest")
	assert.NoError(t, err)
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	metas := r.List()
	ids := make([]string, len(metas))
	for i, m := range metas {
		ids[i] = m.ID
	}
	assert.Contains(t, ids, "summarize_page")
	assert.Contains(t, ids, "quick_chart")
	assert.Contains(t, ids, "workspace_report")

	for _, m := range metas {
		level, err := r.Level(m.ID)
		require.NoError(t, err)
		assert.Equal(t, L1, level)
	}
}

func TestQuickChartValidatesParams(t *testing.T) {
	toolReg := tools.NewRegistry()
	execTool := &echoTool{name: "execute_code", category: tools.CategoryCodeExec, output: "chart written"}
	toolReg.Register(execTool)

	skill := &quickChart{}
	ec := &ExecContext{Tools: toolReg}

	_, err := skill.Execute(context.Background(), ec, map[string]any{"labels": "a,b"})
	assert.ErrorContains(t, err, "required")

	_, err = skill.Execute(context.Background(), ec, map[string]any{
		"labels": "a,b,c", "values": "1,2",
	})
	assert.ErrorContains(t, err, "same length")

	out, err := skill.Execute(context.Background(), ec, map[string]any{
		"labels": "a,b", "values": "1,2", "title": "T",
	})
	require.NoError(t, err)
	assert.Equal(t, "chart written", out)
	code := execTool.lastArgs["code"].(string)
	assert.Contains(t, code, `"a,b"`)
	assert.Contains(t, code, "plt.bar")
}
