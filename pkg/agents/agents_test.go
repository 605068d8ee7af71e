package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/graph"
	"github.com/kadirpekel/skein/pkg/guardrails"
	"github.com/kadirpekel/skein/pkg/llms"
	"github.com/kadirpekel/skein/pkg/memory"
	"github.com/kadirpekel/skein/pkg/tools"
	"github.com/kadirpekel/skein/pkg/usage"
)

// scriptedProvider replays a fixed sequence of model turns.
type scriptedProvider struct {
	turns []llms.Response
	calls int
}

func (p *scriptedProvider) next() (llms.Response, error) {
	if p.calls >= len(p.turns) {
		return llms.Response{}, errors.New("script exhausted")
	}
	turn := p.turns[p.calls]
	p.calls++
	return turn, nil
}

func (p *scriptedProvider) Generate(_ context.Context, _ llms.Request) (*llms.Response, error) {
	turn, err := p.next()
	if err != nil {
		return nil, err
	}
	return &turn, nil
}

func (p *scriptedProvider) Stream(_ context.Context, _ llms.Request) (<-chan llms.StreamChunk, error) {
	turn, err := p.next()
	if err != nil {
		return nil, err
	}
	ch := make(chan llms.StreamChunk, len(turn.ToolCalls)+4)
	// Split the text in two so tests see multiple token events.
	if turn.Text != "" {
		half := len(turn.Text) / 2
		if half > 0 {
			ch <- llms.StreamChunk{Type: llms.ChunkText, Text: turn.Text[:half]}
		}
		ch <- llms.StreamChunk{Type: llms.ChunkText, Text: turn.Text[half:]}
	}
	for i := range turn.ToolCalls {
		ch <- llms.StreamChunk{Type: llms.ChunkToolCall, ToolCall: &turn.ToolCalls[i]}
	}
	ch <- llms.StreamChunk{Type: llms.ChunkDone, Usage: &turn.Usage}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) Close() error      { return nil }

// recordingTool returns canned output and counts invocations.
type recordingTool struct {
	name     string
	category tools.Category
	output   string
	err      error
	hits     int
}

func (t *recordingTool) Name() string             { return t.name }
func (t *recordingTool) Description() string      { return "test tool " + t.name }
func (t *recordingTool) Category() tools.Category { return t.category }
func (t *recordingTool) Schema() map[string]any {
	return tools.ObjectSchema(map[string]any{"query": tools.Prop("string", "q")})
}

func (t *recordingTool) Execute(context.Context, *tools.RunContext, map[string]any) (string, error) {
	t.hits++
	return t.output, t.err
}

type fakeSearcher struct {
	hits []tools.SearchResult
	err  error
}

func (f *fakeSearcher) Search(context.Context, string, int) ([]tools.SearchResult, error) {
	return f.hits, f.err
}

func testDeps(t *testing.T, provider llms.Provider, reg *tools.Registry) Deps {
	t.Helper()
	llmReg := &llms.Registry{}
	llmReg.Register(DefaultTier, provider)
	llmReg.Register(FlashTier, provider)

	cfg := config.ToolsConfig{}
	cfg.SetDefaults()
	return Deps{LLMs: llmReg, Tools: reg, ToolsCfg: cfg}
}

func drainTypes(bus *events.Bus) []events.Type {
	var out []events.Type
	for {
		select {
		case ev := <-bus.Events():
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestTaskChatWithNoTools(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{{Text: "Doing well, thanks!"}}}
	reg := tools.NewRegistry()
	bus := events.NewBusSize(64)
	run := &tools.RunContext{Bus: bus}

	g := NewTaskGraph(testDeps(t, provider, reg), bus, run, nil)
	out, err := g.Execute(context.Background(), graph.State{Query: "Hello, how are you?"})
	require.NoError(t, err)
	assert.Equal(t, "Doing well, thanks!", out.Response)
	assert.Equal(t, "task", out.ActiveAgent)

	types := drainTypes(bus)
	assert.Equal(t, events.TypeStage, types[0])
	assert.Contains(t, types, events.TypeToken)
	assert.NotContains(t, types, events.TypeToolCall)
	// No plan stage outside app mode.
	stageCount := 0
	for _, typ := range types {
		if typ == events.TypeStage {
			stageCount++
		}
	}
	assert.Equal(t, 2, stageCount)
}

func TestTaskSingleToolCall(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{ToolCalls: []llms.ToolCall{{ID: "k", Name: "web_search", Args: map[string]any{"query": "news about X"}}}},
		{Text: "Here is what I found."},
	}}
	search := &recordingTool{name: "web_search", category: tools.CategorySearch, output: "three articles"}
	reg := tools.NewRegistry()
	reg.Register(search)

	bus := events.NewBusSize(64)
	run := &tools.RunContext{Bus: bus}
	g := NewTaskGraph(testDeps(t, provider, reg), bus, run, nil)

	out, err := g.Execute(context.Background(), graph.State{Query: "Search the web for news about X"})
	require.NoError(t, err)
	assert.Equal(t, "Here is what I found.", out.Response)
	assert.Equal(t, 1, search.hits)

	var sawCall, sawResult bool
	for {
		select {
		case ev := <-bus.Events():
			switch ev.Type {
			case events.TypeToolCall:
				sawCall = true
				assert.Equal(t, "web_search", ev.ToolCall.Tool)
				assert.Equal(t, "k", ev.ToolCall.ID)
			case events.TypeToolResult:
				sawResult = true
				assert.Equal(t, "three articles", ev.ToolResult.Content)
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawCall)
	assert.True(t, sawResult)

	// The tool exchange landed in the history.
	require.Len(t, out.Messages, 4)
	assert.Equal(t, llms.RoleTool, out.Messages[2].Role)
	assert.Equal(t, "k", out.Messages[2].ToolCallID)

	// Invoked tools stay selectable on later iterations.
	assert.Equal(t, []string{"web_search"}, run.InvokedTools())
}

func TestTaskToolErrorStaysInLoop(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{ToolCalls: []llms.ToolCall{{ID: "1", Name: "web_search", Args: map[string]any{}}}},
		{Text: "The search failed, sorry."},
	}}
	search := &recordingTool{name: "web_search", category: tools.CategorySearch, err: errors.New("upstream 500")}
	reg := tools.NewRegistry()
	reg.Register(search)

	bus := events.NewBusSize(64)
	g := NewTaskGraph(testDeps(t, provider, reg), bus, &tools.RunContext{Bus: bus}, nil)

	out, err := g.Execute(context.Background(), graph.State{Query: "find it"})
	require.NoError(t, err)
	assert.Equal(t, "The search failed, sorry.", out.Response)
	assert.Contains(t, out.Messages[2].Content, "Error: upstream 500")
}

// stubApprover answers approval requests without Redis.
type stubApprover struct {
	approve  bool
	requests []string
}

func (a *stubApprover) ApproveTool(_ context.Context, _ *events.Bus, _ string, tool string, _ map[string]any) (bool, error) {
	a.requests = append(a.requests, tool)
	return a.approve, nil
}

func TestTaskApprovalGateDeniesTool(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{ToolCalls: []llms.ToolCall{{ID: "1", Name: "run_shell", Args: map[string]any{"command": "ls"}}}},
		{Text: "The operator said no."},
	}}
	shell := &recordingTool{name: "run_shell", category: tools.CategoryShell, output: "never"}
	reg := tools.NewRegistry()
	reg.Register(shell)

	approver := &stubApprover{approve: false}
	bus := events.NewBusSize(64)
	run := &tools.RunContext{Bus: bus, Approvals: approver}
	g := NewTaskGraph(testDeps(t, provider, reg), bus, run, nil)

	out, err := g.Execute(context.Background(), graph.State{Query: "list files"})
	require.NoError(t, err)
	assert.Equal(t, 0, shell.hits, "denied tool must not execute")
	assert.Equal(t, []string{"run_shell"}, approver.requests)
	assert.Contains(t, out.Messages[2].Content, "denied by operator")
	assert.Equal(t, "The operator said no.", out.Response)
}

func TestTaskApprovalGateOnlyGatesHighRiskTools(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{ToolCalls: []llms.ToolCall{
			{ID: "1", Name: "web_search", Args: map[string]any{"query": "weather"}},
			{ID: "2", Name: "run_shell", Args: map[string]any{"command": "date"}},
		}},
		{Text: "All done."},
	}}
	search := &recordingTool{name: "web_search", category: tools.CategorySearch, output: "sunny"}
	shell := &recordingTool{name: "run_shell", category: tools.CategoryShell, output: "Tue"}
	reg := tools.NewRegistry()
	reg.Register(search)
	reg.Register(shell)

	approver := &stubApprover{approve: true}
	bus := events.NewBusSize(64)
	run := &tools.RunContext{Bus: bus, Approvals: approver}
	g := NewTaskGraph(testDeps(t, provider, reg), bus, run, nil)

	_, err := g.Execute(context.Background(), graph.State{Query: "weather and time"})
	require.NoError(t, err)
	assert.Equal(t, 1, search.hits)
	assert.Equal(t, 1, shell.hits, "approved tool runs")
	assert.Equal(t, []string{"run_shell"}, approver.requests, "only shell needed approval")
}

func TestTaskGuardrailBlocksToolCall(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{ToolCalls: []llms.ToolCall{{ID: "1", Name: "run_shell", Args: map[string]any{"command": "rm -rf /"}}}},
		{Text: "I won't run that."},
	}}
	shell := &recordingTool{name: "run_shell", category: tools.CategoryShell, output: "never"}
	reg := tools.NewRegistry()
	reg.Register(shell)

	deps := testDeps(t, provider, reg)
	deps.Guards = guardrails.NewChain(nil, nil, guardrails.NewToolScanner())

	bus := events.NewBusSize(64)
	g := NewTaskGraph(deps, bus, &tools.RunContext{Bus: bus}, nil)

	out, err := g.Execute(context.Background(), graph.State{Query: "clean up"})
	require.NoError(t, err)
	assert.Equal(t, 0, shell.hits, "blocked tool must not execute")
	assert.Contains(t, out.Messages[2].Content, "blocked")
}

func TestTaskHandoffExitsLoop(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{ToolCalls: []llms.ToolCall{{
			ID:   "1",
			Name: tools.HandoffToolName,
			Args: map[string]any{"target_agent": "research", "task_description": "dig deeper"},
		}}},
	}}
	reg := tools.NewRegistry()
	reg.Register(tools.NewHandoffTool())

	bus := events.NewBusSize(64)
	run := &tools.RunContext{Bus: bus}
	g := NewTaskGraph(testDeps(t, provider, reg), bus, run, nil)

	out, err := g.Execute(context.Background(), graph.State{Query: "complex question"})
	require.NoError(t, err)
	require.NotNil(t, out.PendingHandoff)
	assert.Equal(t, "task", out.PendingHandoff.Source)
	assert.Equal(t, "research", out.PendingHandoff.Target)
	assert.Equal(t, "dig deeper", out.PendingHandoff.Task)
	// Only one model turn: the handoff ends the loop.
	assert.Equal(t, 1, provider.calls)
}

func TestTaskIterationCap(t *testing.T) {
	// Every turn asks for another tool call; the loop must stop at the cap.
	turn := llms.Response{ToolCalls: []llms.ToolCall{{ID: "1", Name: "web_search", Args: map[string]any{}}}}
	turns := make([]llms.Response, 30)
	for i := range turns {
		turns[i] = turn
	}
	provider := &scriptedProvider{turns: turns}
	reg := tools.NewRegistry()
	reg.Register(&recordingTool{name: "web_search", category: tools.CategorySearch, output: "more"})

	deps := testDeps(t, provider, reg)
	deps.ToolsCfg.MaxIterations = 3

	bus := events.NewBusSize(256)
	g := NewTaskGraph(deps, bus, &tools.RunContext{Bus: bus}, nil)

	out, err := g.Execute(context.Background(), graph.State{Query: "loop"})
	require.NoError(t, err)
	assert.Equal(t, 3, provider.calls)
	assert.Contains(t, out.Response, "ran out of steps")
}

func TestTruncateResult(t *testing.T) {
	exact := strings.Repeat("a", 500)
	assert.Equal(t, exact, truncateResult(exact, 500), "content at the limit passes through")

	over := exact + "b"
	got := truncateResult(over, 500)
	assert.Contains(t, got, "truncated")
	assert.Contains(t, got, "501 chars total")
	assert.True(t, strings.HasPrefix(got, exact))
}

func TestTaskOutputScannerReplacesResponse(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{Text: "Here is how to build a pipe bomb: step one"},
	}}
	reg := tools.NewRegistry()
	deps := testDeps(t, provider, reg)
	deps.Guards = guardrails.NewChain(nil, guardrails.NewOutputScanner(), nil)

	bus := events.NewBusSize(64)
	g := NewTaskGraph(deps, bus, &tools.RunContext{Bus: bus}, nil)

	out, err := g.Execute(context.Background(), graph.State{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, outputRefusal, out.Response)
}

func TestTaskPlanRunsOnlyInAppMode(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{Text: "1. scaffold\n2. build"},
		{Text: "App is ready."},
	}}
	reg := tools.NewRegistry()
	bus := events.NewBusSize(64)
	g := NewTaskGraph(testDeps(t, provider, reg), bus, &tools.RunContext{Bus: bus}, nil)

	out, err := g.Execute(context.Background(), graph.State{Query: "build me an app", Mode: "app"})
	require.NoError(t, err)
	assert.Equal(t, "App is ready.", out.Response)
	assert.Equal(t, 2, provider.calls)
	// The plan landed as a leading system message.
	assert.Equal(t, llms.RoleSystem, out.Messages[0].Role)
	assert.Contains(t, out.Messages[0].Content, "scaffold")
}

func TestTaskUsageTracked(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{Text: "hi", Usage: llms.Usage{Model: "m", InputTokens: 10, OutputTokens: 5}},
	}}
	reg := tools.NewRegistry()
	deps := testDeps(t, provider, reg)

	var tracked []usage.Record
	deps.Track = func(rec usage.Record) { tracked = append(tracked, rec) }

	bus := events.NewBusSize(64)
	g := NewTaskGraph(deps, bus, &tools.RunContext{Bus: bus}, nil)
	_, err := g.Execute(context.Background(), graph.State{Query: "hi"})
	require.NoError(t, err)

	require.Len(t, tracked, 1)
	assert.Equal(t, "task", tracked[0].Agent)
	assert.Equal(t, 10, tracked[0].Usage.InputTokens)
}

func TestResearchQuickRun(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{Text: "- quantum computing is advancing"}, // analyze
		{Text: "Quantum computing report."},        // write
	}}
	searcher := &fakeSearcher{hits: []tools.SearchResult{
		{Title: "Paper A", URL: "https://a.example", Snippet: "qubits"},
		{Title: "Paper B", URL: "https://b.example", Snippet: "error correction"},
	}}

	bus := events.NewBusSize(128)
	run := &tools.RunContext{Bus: bus}
	g := NewResearchGraph(testDeps(t, provider, tools.NewRegistry()), bus, run, searcher, nil)

	out, err := g.Execute(context.Background(), graph.State{
		Query: "Research quantum computing", Depth: "quick", Scenario: "ACADEMIC",
	})
	require.NoError(t, err)
	assert.Equal(t, "Quantum computing report.", out.Response)
	assert.Equal(t, DepthQuick, out.Depth)
	assert.Equal(t, "academic", out.Scenario)
	// Two model calls: analyze + write. Synthesize skipped.
	assert.Equal(t, 2, provider.calls)

	var names []string
	sources := 0
	sawConfig := false
	for {
		select {
		case ev := <-bus.Events():
			switch ev.Type {
			case events.TypeConfig:
				sawConfig = true
				assert.Equal(t, DepthQuick, ev.Config.Depth)
				assert.Equal(t, "academic", ev.Config.Scenario)
			case events.TypeStage:
				if ev.Stage.Status == events.StageRunning {
					names = append(names, ev.Stage.Name)
				}
			case events.TypeSource:
				sources++
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawConfig)
	assert.Equal(t, []string{"search", "analyze", "write"}, names)
	assert.Equal(t, 2, sources)
}

func TestResearchStandardRunsSynthesize(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{Text: "findings"},  // analyze
		{Text: "synthesis"}, // synthesize
		{Text: "report"},    // write
	}}
	bus := events.NewBusSize(128)
	g := NewResearchGraph(testDeps(t, provider, tools.NewRegistry()), bus, &tools.RunContext{Bus: bus}, &fakeSearcher{}, nil)

	out, err := g.Execute(context.Background(), graph.State{Query: "topic", Depth: "standard"})
	require.NoError(t, err)
	assert.Equal(t, 3, provider.calls)
	assert.Equal(t, "report", out.Response)
	require.NotNil(t, out.SharedMemory)
	assert.Contains(t, out.SharedMemory.ResearchFindings, "synthesis")
	assert.Equal(t, "report", out.SharedMemory.WritingDraft)
}

func TestResearchSearchFallsBackToMockSources(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{Text: "findings"}, {Text: "report"},
	}}
	searcher := &fakeSearcher{err: errors.New("search down")}

	bus := events.NewBusSize(128)
	g := NewResearchGraph(testDeps(t, provider, tools.NewRegistry()), bus, &tools.RunContext{Bus: bus}, searcher, nil)

	out, err := g.Execute(context.Background(), graph.State{Query: "topic", Depth: "QUICK"})
	require.NoError(t, err)
	require.NotNil(t, out.SharedMemory)
	// QUICK profile provisions 3 placeholder sources.
	assert.Len(t, out.SharedMemory.ResearchSources, 3)
	assert.Contains(t, out.SharedMemory.ResearchSources[0].Title, "Placeholder")
}

func TestResearchUnknownDepthAndScenarioDefault(t *testing.T) {
	provider := &scriptedProvider{turns: []llms.Response{
		{Text: "a"}, {Text: "b"}, {Text: "c"},
	}}
	bus := events.NewBusSize(128)
	g := NewResearchGraph(testDeps(t, provider, tools.NewRegistry()), bus, &tools.RunContext{Bus: bus}, nil, nil)

	out, err := g.Execute(context.Background(), graph.State{Query: "topic", Depth: "bogus", Scenario: "???"})
	require.NoError(t, err)
	assert.Equal(t, DepthStandard, out.Depth)
	assert.Equal(t, "academic", out.Scenario)
}

func TestSeedMessagesPrefersDelegatedTask(t *testing.T) {
	s := seedMessages(graph.State{Query: "original", DelegatedTask: "delegated"})
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "delegated", s.Messages[0].Content)

	existing := graph.State{Messages: []llms.Message{{Role: llms.RoleUser, Content: "kept"}}}
	assert.Len(t, seedMessages(existing).Messages, 1)
}

func TestSystemPromptIncludesSharedContext(t *testing.T) {
	shared := &memory.SharedContext{}
	shared.AddFinding("finding one")
	s := graph.State{
		SystemPrompt:   "base prompt",
		SharedMemory:   shared,
		HandoffContext: "came from research",
	}
	prompt := systemPrompt(s)
	assert.Contains(t, prompt, "base prompt")
	assert.Contains(t, prompt, "finding one")
	assert.Contains(t, prompt, "came from research")
}

func TestParallelToolResultsKeepCallOrder(t *testing.T) {
	calls := make([]llms.ToolCall, 6)
	for i := range calls {
		calls[i] = llms.ToolCall{ID: fmt.Sprintf("id-%d", i), Name: "web_search", Args: map[string]any{}}
	}
	provider := &scriptedProvider{turns: []llms.Response{
		{ToolCalls: calls},
		{Text: "done"},
	}}
	reg := tools.NewRegistry()
	reg.Register(&recordingTool{name: "web_search", category: tools.CategorySearch, output: "hit"})

	bus := events.NewBusSize(256)
	g := NewTaskGraph(testDeps(t, provider, reg), bus, &tools.RunContext{Bus: bus}, nil)

	_, err := g.Execute(context.Background(), graph.State{Query: "fan out"})
	require.NoError(t, err)

	var resultIDs []string
	for {
		select {
		case ev := <-bus.Events():
			if ev.Type == events.TypeToolResult {
				resultIDs = append(resultIDs, ev.ToolResult.ID)
			}
			continue
		default:
		}
		break
	}
	require.Len(t, resultIDs, 6)
	for i, id := range resultIDs {
		assert.Equal(t, fmt.Sprintf("id-%d", i), id)
	}
}
