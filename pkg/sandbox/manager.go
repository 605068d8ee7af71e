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

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/skein/pkg/breaker"
	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/events"
)

// Session is a live sandbox bound to a (kind, user, task) triple.
type Session struct {
	Key     string
	Kind    Kind
	UserID  string
	TaskID  string
	Runtime Runtime

	CreatedAt time.Time

	mu          sync.Mutex
	lastUsed    time.Time
	streamReady bool
	stream      *StreamInfo
}

// Touch marks the session as recently used.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// LastUsed returns the last activity time.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Stream returns the stored stream info, nil until the stream is ready
// or when the provider has no native streaming.
func (s *Session) Stream() *StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Metrics is a point-in-time snapshot of manager counters.
type Metrics struct {
	ActiveSessions      int   `json:"active_sessions"`
	TotalCreated        int64 `json:"total_created"`
	TotalCleaned        int64 `json:"total_cleaned"`
	TotalReused         int64 `json:"total_reused"`
	HealthCheckFailures int64 `json:"health_check_failures"`
}

// Manager owns sandbox sessions: reuse with health probes, idle
// reaping, and per-task cleanup.
type Manager struct {
	provider      Provider
	breaker       *breaker.Breaker
	idleTTL       time.Duration
	healthTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	metrics  Metrics

	reaperInterval time.Duration
	reaperCancel   context.CancelFunc

	now func() time.Time
}

// NewManager builds a manager around a provider. The reaper is lazy: it
// starts with the first session and stops on CleanupAll.
func NewManager(provider Provider, cfg *config.SandboxConfig) *Manager {
	return &Manager{
		provider:       provider,
		breaker:        breaker.New("sandbox", cfg.Breaker),
		idleTTL:        cfg.IdleTTL,
		healthTimeout:  cfg.HealthTimeout,
		reaperInterval: cfg.ReaperInterval,
		sessions:       make(map[string]*Session),
		now:            time.Now,
	}
}

// SessionKey builds the canonical session key. Empty user and task IDs
// fall back to "anonymous" and "default".
func SessionKey(kind Kind, userID, taskID string) string {
	if userID == "" {
		userID = "anonymous"
	}
	if taskID == "" {
		taskID = "default"
	}
	return fmt.Sprintf("%s:%s:%s", kind, userID, taskID)
}

// GetOrCreate returns a healthy existing session or provisions a new
// one. Unhealthy sessions are torn down and replaced.
func (m *Manager) GetOrCreate(ctx context.Context, kind Kind, userID, taskID string) (*Session, error) {
	key := SessionKey(kind, userID, taskID)

	m.mu.Lock()
	existing := m.sessions[key]
	m.mu.Unlock()

	if existing != nil {
		if m.healthy(ctx, existing) {
			existing.Touch()
			m.mu.Lock()
			m.metrics.TotalReused++
			m.mu.Unlock()
			return existing, nil
		}
		m.mu.Lock()
		m.metrics.HealthCheckFailures++
		m.mu.Unlock()
		slog.Warn("sandbox failed health check, recreating", "key", key)
		m.remove(key)
	}

	var rt Runtime
	err := m.breaker.Call(ctx, func(ctx context.Context) error {
		var provErr error
		rt, provErr = m.provider.Provision(ctx, kind, key)
		return provErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox session %s: %w", key, err)
	}

	session := &Session{
		Key:       key,
		Kind:      kind,
		UserID:    userID,
		TaskID:    taskID,
		Runtime:   rt,
		CreatedAt: m.now(),
		lastUsed:  m.now(),
	}

	m.mu.Lock()
	m.sessions[key] = session
	m.metrics.TotalCreated++
	startReaper := m.reaperCancel == nil
	if startReaper {
		var reaperCtx context.Context
		reaperCtx, m.reaperCancel = context.WithCancel(context.Background())
		go m.reap(reaperCtx)
	}
	m.mu.Unlock()

	slog.Info("sandbox session created", "key", key, "kind", kind)
	return session, nil
}

// Get returns the session for the key, or nil.
func (m *Manager) Get(kind Kind, userID, taskID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[SessionKey(kind, userID, taskID)]
}

func (m *Manager) healthy(ctx context.Context, s *Session) bool {
	ctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()
	res, err := s.Runtime.RunCommand(ctx, "echo health_check", m.healthTimeout)
	return err == nil && res.ExitCode == 0
}

// remove drops the session from the map and closes its runtime.
func (m *Manager) remove(key string) {
	m.mu.Lock()
	session := m.sessions[key]
	if session != nil {
		delete(m.sessions, key)
		m.metrics.TotalCleaned++
	}
	m.mu.Unlock()

	if session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := session.Runtime.Close(ctx); err != nil {
			slog.Warn("failed to close sandbox runtime", "key", key, "error", err)
		}
	}
}

// Cleanup tears down one session. Unknown keys are a no-op.
func (m *Manager) Cleanup(kind Kind, userID, taskID string) {
	m.remove(SessionKey(kind, userID, taskID))
}

// CleanupExpired tears down sessions idle past the TTL and returns how
// many were removed.
func (m *Manager) CleanupExpired() int {
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	var expired []string
	for key, s := range m.sessions {
		if s.LastUsed().Before(cutoff) {
			expired = append(expired, key)
		}
	}
	m.mu.Unlock()

	for _, key := range expired {
		slog.Info("reaping idle sandbox session", "key", key)
		m.remove(key)
	}
	return len(expired)
}

// CleanupForTask tears down every session belonging to a task,
// regardless of kind, and reports how many it removed. Used when the
// client stream disconnects.
func (m *Manager) CleanupForTask(userID, taskID string) int {
	m.mu.Lock()
	var keys []string
	for key, s := range m.sessions {
		if s.UserID == userID && s.TaskID == taskID {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.remove(key)
	}
	return len(keys)
}

// CleanupAll tears down every session and stops the reaper.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	cancel := m.reaperCancel
	m.reaperCancel = nil
	m.mu.Unlock()

	for _, key := range keys {
		m.remove(key)
	}
	if cancel != nil {
		cancel()
	}
}

// Metrics returns a snapshot of manager counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.metrics
	snapshot.ActiveSessions = len(m.sessions)
	return snapshot
}

func (m *Manager) reap(ctx context.Context) {
	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

// EnsureStreamReady starts the desktop session's live stream once and
// emits a single browser_stream event on the bus. Sessions whose
// provider has no native streaming become ready without an event;
// callers fall back to screenshots. Later calls are no-ops.
func (m *Manager) EnsureStreamReady(ctx context.Context, session *Session, bus *events.Bus, wait time.Duration) error {
	desktop, ok := session.Runtime.(DesktopRuntime)
	if !ok {
		return fmt.Errorf("session %s is not a desktop sandbox", session.Key)
	}

	session.mu.Lock()
	if session.streamReady {
		session.mu.Unlock()
		return nil
	}
	session.mu.Unlock()

	info, err := desktop.GetStreamURL(ctx)
	if err != nil {
		return fmt.Errorf("failed to start sandbox stream: %w", err)
	}

	session.mu.Lock()
	session.streamReady = true
	session.stream = info
	session.mu.Unlock()

	if info == nil {
		return nil
	}

	if wait <= 0 {
		wait = 1500 * time.Millisecond
	}
	// The stream endpoint needs a moment before the first client can
	// attach; announcing it too early yields a broken player.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}

	if bus != nil {
		bus.Emit(events.NewBrowserStream(info.URL, session.Key, info.AuthKey))
	}
	return nil
}
