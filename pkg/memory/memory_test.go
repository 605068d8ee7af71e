package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/skein/pkg/llms"
)

// fakeProvider returns canned responses.
type fakeProvider struct {
	response string
	err      error
	calls    int
}

func (f *fakeProvider) Generate(_ context.Context, _ llms.Request) (*llms.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llms.Response{Text: f.response}, nil
}

func (f *fakeProvider) Stream(_ context.Context, _ llms.Request) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk, 2)
	ch <- llms.StreamChunk{Type: llms.ChunkText, Text: f.response}
	ch <- llms.StreamChunk{Type: llms.ChunkDone, Usage: &llms.Usage{}}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) ModelName() string { return "fake-model" }
func (f *fakeProvider) Close() error      { return nil }

func user(content string) llms.Message {
	return llms.Message{Role: llms.RoleUser, Content: content}
}

func assistant(content string) llms.Message {
	return llms.Message{Role: llms.RoleAssistant, Content: content}
}

func TestWindowKeepsSystemAndRecent(t *testing.T) {
	w := NewWindow(5, 2, true)
	w.Add(llms.Message{Role: llms.RoleSystem, Content: "sys"})
	for i := 0; i < 10; i++ {
		w.Add(user(strings.Repeat("m", i+1)))
	}

	msgs := w.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, llms.RoleSystem, msgs[0].Role)
	// The last four non-system messages survive.
	assert.Equal(t, strings.Repeat("m", 10), msgs[4].Content)
	assert.Equal(t, strings.Repeat("m", 7), msgs[1].Content)
}

func TestWindowUnboundedWhenZero(t *testing.T) {
	w := NewWindow(0, 0, true)
	for i := 0; i < 100; i++ {
		w.Add(user("x"))
	}
	assert.Equal(t, 100, w.Len())
}

func TestSharedContextFormatOrder(t *testing.T) {
	c := &SharedContext{}
	c.AddFinding("Go 1.24 released")
	c.AddSource(ResearchSource{Title: "Go Blog", URL: "https://go.dev/blog"})
	c.GeneratedCode = "print('hi')"
	c.CodeLanguage = "python"
	c.AddHandoff(HandoffRecord{Source: "task", Target: "research", Task: "dig deeper"})

	out := c.FormatForPrompt(0)
	findings := strings.Index(out, "### Research Findings")
	sources := strings.Index(out, "### Sources")
	code := strings.Index(out, "### Generated Code")
	handoffs := strings.Index(out, "### Handoff History")

	require.True(t, findings >= 0 && sources >= 0 && code >= 0 && handoffs >= 0)
	assert.Less(t, findings, sources)
	assert.Less(t, sources, code)
	assert.Less(t, code, handoffs)
	assert.Contains(t, out, "(python)")
}

func TestSharedContextEmptyFormatsToNothing(t *testing.T) {
	c := &SharedContext{}
	assert.Empty(t, c.FormatForPrompt(0))
	assert.True(t, c.Empty())
}

func TestSharedContextEntryCap(t *testing.T) {
	c := &SharedContext{}
	for i := 0; i < maxSharedEntries+20; i++ {
		c.AddFinding("finding")
	}
	assert.Len(t, c.ResearchFindings, maxSharedEntries)
}

func TestSharedContextRespectsMaxLength(t *testing.T) {
	c := &SharedContext{}
	c.AddFinding(strings.Repeat("a", 500))
	out := c.FormatForPrompt(100)
	assert.LessOrEqual(t, len(out), 100)
}

func TestCompressorThresholdBoundary(t *testing.T) {
	c := NewCompressor(nil, 100, 2)

	// Build messages summing to exactly the threshold, then one over.
	msgs := []llms.Message{user(strings.Repeat("a", 396))} // 396/4+1 = 100 tokens
	require.Equal(t, 100, c.EstimateTokens(msgs))
	assert.False(t, c.NeedsCompression(msgs))

	over := []llms.Message{user(strings.Repeat("a", 400))} // 101 tokens
	assert.True(t, c.NeedsCompression(over))
}

func TestCompressSummarizesOldMessages(t *testing.T) {
	provider := &fakeProvider{response: "Earlier the user set up a Go project."}
	c := NewCompressor(provider, 10, 2)

	msgs := []llms.Message{
		{Role: llms.RoleSystem, Content: "be helpful"},
		user("set up the project at /srv/app/main.go please"),
		assistant("done, see https://example.com/docs"),
		user("now add tests"),
		assistant("added"),
	}
	require.True(t, c.NeedsCompression(msgs))

	out := c.Compress(context.Background(), msgs)
	require.Len(t, out, 4) // system + summary + 2 recent

	assert.Equal(t, llms.RoleSystem, out[0].Role)
	assert.Equal(t, "be helpful", out[0].Content)

	summary := out[1]
	assert.Equal(t, llms.RoleSystem, summary.Role)
	assert.True(t, strings.HasPrefix(summary.Content, SummaryPrefix))
	assert.Contains(t, summary.Content, "## Extracted References (automated)")
	assert.Contains(t, summary.Content, "/srv/app/main.go")
	assert.Contains(t, summary.Content, "https://example.com/docs")

	assert.Equal(t, "now add tests", out[2].Content)
	assert.Equal(t, "added", out[3].Content)
}

func TestCompressKeepsToolPairsTogether(t *testing.T) {
	provider := &fakeProvider{response: "summary"}
	c := NewCompressor(provider, 10, 2)

	msgs := []llms.Message{
		user("first " + strings.Repeat("x", 100)),
		assistant("older answer"),
		{Role: llms.RoleAssistant, Content: "", ToolCalls: []llms.ToolCall{{ID: "t1", Name: "web_search"}}},
		{Role: llms.RoleTool, Content: "results", ToolCallID: "t1"},
		assistant("final answer"),
	}

	out := c.Compress(context.Background(), msgs)
	// Naive split would keep the last 2 messages and orphan the tool
	// response; the snap moves it back so the pair stays together.
	var kept []llms.Message
	for _, m := range out {
		if m.Role != llms.RoleSystem {
			kept = append(kept, m)
		}
	}
	require.Len(t, kept, 3)
	assert.Equal(t, "t1", kept[0].ToolCalls[0].ID)
	assert.Equal(t, llms.RoleTool, kept[1].Role)
}

func TestCompressFailureKeepsOriginals(t *testing.T) {
	provider := &fakeProvider{err: errors.New("llm down")}
	c := NewCompressor(provider, 10, 1)

	msgs := []llms.Message{
		user(strings.Repeat("a", 100)),
		assistant("b"),
		user("c"),
	}
	out := c.Compress(context.Background(), msgs)
	assert.Equal(t, msgs, out)
}

func TestInMemoryStoreDedupe(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first, err := s.Save(ctx, Entry{UserID: "u1", Type: TypePreference, Content: "Prefers dark mode"})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	dup, err := s.Save(ctx, Entry{UserID: "u1", Type: TypePreference, Content: "prefers DARK mode"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID)
	assert.Equal(t, 1, dup.AccessCount)

	other, err := s.Save(ctx, Entry{UserID: "u2", Type: TypePreference, Content: "prefers dark mode"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID, "dedupe is per user")
}

func TestInMemoryStoreListAndDelete(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, err := s.Save(ctx, Entry{UserID: "u1", Type: TypeFact, Content: "works at acme"})
	require.NoError(t, err)
	saved, err := s.Save(ctx, Entry{UserID: "u1", Type: TypePreference, Content: "likes brevity"})
	require.NoError(t, err)

	facts, err := s.List(ctx, "u1", TypeFact)
	require.NoError(t, err)
	assert.Len(t, facts, 1)

	all, err := s.List(ctx, "u1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, saved.ID))
	assert.ErrorIs(t, s.Delete(ctx, saved.ID), ErrEntryNotFound)
	_, err = s.Get(ctx, saved.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSQLStoreRoundTrip(t *testing.T) {
	s, err := NewSQLStore(t.TempDir() + "/mem.db")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	saved, err := s.Save(ctx, Entry{
		UserID:   "u1",
		Type:     TypeEpisodic,
		Content:  "Deployed v2 on Friday",
		Metadata: map[string]string{"env": "prod"},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "Deployed v2 on Friday", got.Content)
	assert.Equal(t, "prod", got.Metadata["env"])
	assert.Equal(t, 1, got.AccessCount)

	dup, err := s.Save(ctx, Entry{UserID: "u1", Type: TypeEpisodic, Content: "deployed V2 on friday"})
	require.NoError(t, err)
	assert.Equal(t, saved.ID, dup.ID)

	list, err := s.List(ctx, "u1", TypeEpisodic)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, saved.ID))
	_, err = s.Get(ctx, saved.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}
