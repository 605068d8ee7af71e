package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/skein/pkg/breaker"
	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/events"
)

// fakeRuntime implements DesktopRuntime in memory.
type fakeRuntime struct {
	mu         sync.Mutex
	healthy    bool
	closed     bool
	commands   []string
	streamInfo *StreamInfo
	streamHits int
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{healthy: true} }

func (f *fakeRuntime) RunCommand(_ context.Context, cmd string, _ time.Duration) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if !f.healthy {
		return &ExecResult{ExitCode: 1, Stderr: "dead"}, nil
	}
	return &ExecResult{Stdout: "health_check\n"}, nil
}

func (f *fakeRuntime) ReadFile(context.Context, string) ([]byte, error)  { return nil, nil }
func (f *fakeRuntime) WriteFile(context.Context, string, []byte) error   { return nil }
func (f *fakeRuntime) GetHostURL(context.Context, int) (string, error)   { return "", nil }
func (f *fakeRuntime) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRuntime) Screenshot(context.Context) ([]byte, error)              { return nil, nil }
func (f *fakeRuntime) Click(context.Context, int, int, MouseButton, bool) error { return nil }
func (f *fakeRuntime) TypeText(context.Context, string) error                  { return nil }
func (f *fakeRuntime) TypeViaClipboard(context.Context, string) error          { return nil }
func (f *fakeRuntime) PressKey(context.Context, string) error                  { return nil }
func (f *fakeRuntime) Scroll(context.Context, int, int, int, int) error        { return nil }
func (f *fakeRuntime) Move(context.Context, int, int) error                    { return nil }
func (f *fakeRuntime) Drag(context.Context, int, int, int, int) error          { return nil }
func (f *fakeRuntime) Wait(_ context.Context, _ time.Duration) error           { return nil }
func (f *fakeRuntime) LaunchBrowser(context.Context, string) error             { return nil }
func (f *fakeRuntime) ExtractPageContent(context.Context) (string, error)      { return "", nil }

func (f *fakeRuntime) GetStreamURL(context.Context) (*StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamHits++
	return f.streamInfo, nil
}

// fakeProvider hands out fakeRuntimes and records provisions.
type fakeProvider struct {
	mu         sync.Mutex
	provisions int
	runtimes   []*fakeRuntime
	err        error
}

func (p *fakeProvider) Provision(_ context.Context, _ Kind, _ string) (Runtime, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.provisions++
	rt := newFakeRuntime()
	p.runtimes = append(p.runtimes, rt)
	return rt, nil
}

func testConfig() *config.SandboxConfig {
	cfg := &config.SandboxConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "execution:u1:t1", SessionKey(KindExecution, "u1", "t1"))
	assert.Equal(t, "desktop:anonymous:default", SessionKey(KindDesktop, "", ""))
}

func TestGetOrCreateReusesHealthySession(t *testing.T) {
	provider := &fakeProvider{}
	m := NewManager(provider, testConfig())
	defer m.CleanupAll()
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, KindExecution, "u1", "t1")
	require.NoError(t, err)

	second, err := m.GetOrCreate(ctx, KindExecution, "u1", "t1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, provider.provisions)

	metrics := m.Metrics()
	assert.Equal(t, 1, metrics.ActiveSessions)
	assert.Equal(t, int64(1), metrics.TotalCreated)
	assert.Equal(t, int64(1), metrics.TotalReused)

	// Reuse runs the health probe against the existing runtime.
	assert.Contains(t, provider.runtimes[0].commands, "echo health_check")
}

func TestGetOrCreateTripsBreakerOnProvisionFailures(t *testing.T) {
	provider := &fakeProvider{err: errors.New("provisioner down")}
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 2
	m := NewManager(provider, cfg)
	defer m.CleanupAll()
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, KindExecution, "u1", "t1")
	require.ErrorContains(t, err, "provisioner down")
	_, err = m.GetOrCreate(ctx, KindExecution, "u1", "t2")
	require.ErrorContains(t, err, "provisioner down")

	// Threshold reached: calls are rejected without hitting the provider.
	_, err = m.GetOrCreate(ctx, KindExecution, "u1", "t3")
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, 0, provider.provisions)
}

func TestGetOrCreateRecreatesUnhealthySession(t *testing.T) {
	provider := &fakeProvider{}
	m := NewManager(provider, testConfig())
	defer m.CleanupAll()
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, KindExecution, "u1", "t1")
	require.NoError(t, err)
	provider.runtimes[0].healthy = false

	second, err := m.GetOrCreate(ctx, KindExecution, "u1", "t1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, provider.provisions)
	assert.True(t, provider.runtimes[0].closed, "dead runtime must be closed")

	metrics := m.Metrics()
	assert.Equal(t, int64(1), metrics.HealthCheckFailures)
	assert.Equal(t, int64(1), metrics.TotalCleaned)
}

func TestCleanupExpired(t *testing.T) {
	provider := &fakeProvider{}
	cfg := testConfig()
	m := NewManager(provider, cfg)
	defer m.CleanupAll()
	ctx := context.Background()

	stale, err := m.GetOrCreate(ctx, KindExecution, "u1", "t1")
	require.NoError(t, err)
	fresh, err := m.GetOrCreate(ctx, KindExecution, "u1", "t2")
	require.NoError(t, err)

	stale.mu.Lock()
	stale.lastUsed = time.Now().Add(-cfg.IdleTTL - time.Minute)
	stale.mu.Unlock()

	assert.Equal(t, 1, m.CleanupExpired())
	assert.Nil(t, m.Get(KindExecution, "u1", "t1"))
	assert.Same(t, fresh, m.Get(KindExecution, "u1", "t2"))
}

func TestCleanupForTask(t *testing.T) {
	provider := &fakeProvider{}
	m := NewManager(provider, testConfig())
	defer m.CleanupAll()
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, KindExecution, "u1", "t1")
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, KindDesktop, "u1", "t1")
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, KindExecution, "u1", "t2")
	require.NoError(t, err)

	m.CleanupForTask("u1", "t1")
	assert.Nil(t, m.Get(KindExecution, "u1", "t1"))
	assert.Nil(t, m.Get(KindDesktop, "u1", "t1"))
	assert.NotNil(t, m.Get(KindExecution, "u1", "t2"))
}

func TestCleanupAllStopsEverything(t *testing.T) {
	provider := &fakeProvider{}
	m := NewManager(provider, testConfig())
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, KindExecution, "u1", "t1")
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, KindExecution, "u2", "t2")
	require.NoError(t, err)

	m.CleanupAll()
	assert.Equal(t, 0, m.Metrics().ActiveSessions)
	for _, rt := range provider.runtimes {
		assert.True(t, rt.closed)
	}
}

func TestEnsureStreamReadyEmitsOnce(t *testing.T) {
	provider := &fakeProvider{}
	m := NewManager(provider, testConfig())
	defer m.CleanupAll()
	ctx := context.Background()

	session, err := m.GetOrCreate(ctx, KindDesktop, "u1", "t1")
	require.NoError(t, err)
	provider.runtimes[0].streamInfo = &StreamInfo{URL: "https://stream.example/live", AuthKey: "k"}

	bus := events.NewBusSize(8)
	require.NoError(t, m.EnsureStreamReady(ctx, session, bus, time.Millisecond))
	require.NoError(t, m.EnsureStreamReady(ctx, session, bus, time.Millisecond))

	assert.Equal(t, 1, provider.runtimes[0].streamHits)
	require.Equal(t, uint64(1), bus.Seq(), "exactly one browser_stream event")

	ev := <-bus.Events()
	assert.Equal(t, events.TypeBrowserStream, ev.Type)
	assert.Equal(t, "https://stream.example/live", ev.BrowserStream.StreamURL)
	assert.Equal(t, "https://stream.example/live", session.Stream().URL)
}

func TestEnsureStreamReadyWithoutNativeStreaming(t *testing.T) {
	provider := &fakeProvider{}
	m := NewManager(provider, testConfig())
	defer m.CleanupAll()
	ctx := context.Background()

	session, err := m.GetOrCreate(ctx, KindDesktop, "u1", "t1")
	require.NoError(t, err)
	// streamInfo stays nil: provider has no streaming endpoint.

	bus := events.NewBusSize(8)
	require.NoError(t, m.EnsureStreamReady(ctx, session, bus, time.Millisecond))
	assert.Equal(t, uint64(0), bus.Seq(), "no event without a stream URL")
	assert.Nil(t, session.Stream())
}

func TestEnsureStreamReadyRejectsExecutionSandbox(t *testing.T) {
	session := &Session{Key: "execution:u:t", Runtime: &struct{ Runtime }{}}
	m := NewManager(&fakeProvider{}, testConfig())
	err := m.EnsureStreamReady(context.Background(), session, nil, 0)
	assert.ErrorContains(t, err, "not a desktop sandbox")
}

func TestHTTPProviderExecRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sandboxes":
			json.NewEncoder(w).Encode(map[string]string{"id": "sb-1"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sandboxes/sb-1/exec":
			var body struct {
				Command string `json:"command"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			assert.Equal(t, "echo hi", body.Command)
			json.NewEncoder(w).Encode(ExecResult{Stdout: "hi\n", ExitCode: 0})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sandboxes/sb-1/files/read":
			json.NewEncoder(w).Encode(map[string]string{
				"content": base64.StdEncoding.EncodeToString([]byte("file body")),
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/sandboxes/sb-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ExecutionURL = srv.URL
	cfg.APIKey = "secret"
	provider := NewHTTPProvider(cfg)

	ctx := context.Background()
	rt, err := provider.Provision(ctx, KindExecution, "execution:u:t")
	require.NoError(t, err)

	res, err := rt.RunCommand(ctx, "echo hi", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	data, err := rt.ReadFile(ctx, "/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "file body", string(data))

	require.NoError(t, rt.Close(ctx))
}

func TestHTTPProviderDesktopKindGetsDesktopRuntime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "sb-2"})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.DesktopURL = srv.URL
	provider := NewHTTPProvider(cfg)

	rt, err := provider.Provision(context.Background(), KindDesktop, "desktop:u:t")
	require.NoError(t, err)
	_, ok := rt.(DesktopRuntime)
	assert.True(t, ok)
}

func TestIsASCII(t *testing.T) {
	assert.True(t, isASCII("hello world 123"))
	assert.False(t, isASCII("héllo"))
	assert.False(t, isASCII("日本語"))
}
