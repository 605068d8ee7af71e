package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/skein/pkg/events"
)

func drain(bus *events.Bus) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-bus.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestExecuteRunsNodesInOrder(t *testing.T) {
	var order []string
	g := New(nil, nil,
		Node{Name: "first", Run: func(_ context.Context, s State) (State, error) {
			order = append(order, "first")
			s.Response = "a"
			return s, nil
		}},
		Node{Name: "second", Run: func(_ context.Context, s State) (State, error) {
			order = append(order, "second")
			s.Response += "b"
			return s, nil
		}},
	)

	out, err := g.Execute(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, "ab", out.Response)
}

func TestStageNodesEmitBrackets(t *testing.T) {
	bus := events.NewBusSize(16)
	g := New(bus, nil,
		Node{Name: "search", Stage: true, Run: func(_ context.Context, s State) (State, error) {
			return s, nil
		}},
	)

	_, err := g.Execute(context.Background(), State{})
	require.NoError(t, err)

	evs := drain(bus)
	require.Len(t, evs, 2)
	assert.Equal(t, events.StageRunning, evs[0].Stage.Status)
	assert.Equal(t, events.StageCompleted, evs[1].Stage.Status)
	assert.Equal(t, "search", evs[0].Stage.Name)
}

func TestFailedNodeEmitsFailureAndError(t *testing.T) {
	bus := events.NewBusSize(16)
	g := New(bus, nil,
		Node{Name: "analyze", Stage: true, Run: func(_ context.Context, s State) (State, error) {
			return s, errors.New("model unavailable")
		}},
		Node{Name: "after", Run: func(_ context.Context, s State) (State, error) {
			t.Fatal("must not run after a failure")
			return s, nil
		}},
	)

	_, err := g.Execute(context.Background(), State{Response: "kept"})
	require.ErrorContains(t, err, "node analyze failed")

	evs := drain(bus)
	require.Len(t, evs, 3)
	assert.Equal(t, events.StageRunning, evs[0].Stage.Status)
	assert.Equal(t, events.StageFailed, evs[1].Stage.Status)
	assert.Equal(t, events.TypeError, evs[2].Type)
	assert.Equal(t, "analyze", evs[2].Error.Node)
}

func TestFailureReturnsPreNodeState(t *testing.T) {
	g := New(nil, nil,
		Node{Name: "bad", Run: func(_ context.Context, s State) (State, error) {
			s.Response = "partial"
			return s, errors.New("boom")
		}},
	)
	out, err := g.Execute(context.Background(), State{Response: "original"})
	require.Error(t, err)
	assert.Equal(t, "original", out.Response)
}

func TestSkipPredicate(t *testing.T) {
	ran := false
	g := New(nil, nil,
		Node{
			Name: "synthesize",
			Skip: func(s State) bool { return s.Depth == "QUICK" },
			Run: func(_ context.Context, s State) (State, error) {
				ran = true
				return s, nil
			},
		},
	)
	_, err := g.Execute(context.Background(), State{Depth: "QUICK"})
	require.NoError(t, err)
	assert.False(t, ran)

	_, err = g.Execute(context.Background(), State{Depth: "DEEP"})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCheckpointAfterEachTransition(t *testing.T) {
	bus := events.NewBusSize(16)
	store := NewInMemoryCheckpointStore()
	g := New(bus, store,
		Node{Name: "one", Run: func(_ context.Context, s State) (State, error) {
			s.Response = "one"
			return s, nil
		}},
		Node{Name: "two", Stage: true, Run: func(_ context.Context, s State) (State, error) {
			s.Response = "two"
			return s, nil
		}},
	)

	_, err := g.Execute(context.Background(), State{ThreadID: "th-1"})
	require.NoError(t, err)

	saved, ok, err := store.Load(context.Background(), "th-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", saved.Response)
	// The checkpoint carries the bus history for replay.
	require.Len(t, saved.Events, 2)
	assert.Equal(t, events.TypeStage, saved.Events[0].Type)
}

func TestCheckpointStoreIsolation(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	ctx := context.Background()

	original := State{ThreadID: "th-1", HandoffHistory: []Handoff{{Source: "task", Target: "research"}}}
	require.NoError(t, store.Save(ctx, "th-1", original))

	loaded, ok, err := store.Load(ctx, "th-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Mutating the loaded copy must not leak back into the store.
	loaded.HandoffHistory[0].Target = "mutated"
	again, _, _ := store.Load(ctx, "th-1")
	assert.Equal(t, "research", again.HandoffHistory[0].Target)

	require.NoError(t, store.Delete(ctx, "th-1"))
	_, ok, _ = store.Load(ctx, "th-1")
	assert.False(t, ok)
}

func TestContextCancellationStopsExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ran := 0
	g := New(nil, nil,
		Node{Name: "one", Run: func(_ context.Context, s State) (State, error) {
			ran++
			cancel()
			return s, nil
		}},
		Node{Name: "two", Run: func(_ context.Context, s State) (State, error) {
			ran++
			return s, nil
		}},
	)
	_, err := g.Execute(ctx, State{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ran)
}
