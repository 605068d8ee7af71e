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

// Package hitl coordinates human-in-the-loop interrupts over Redis:
// an agent stores the pending interrupt and blocks on a pub/sub
// channel; the API layer publishes the human's response.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/events"
)

// ttlBuffer keeps the stored interrupt visible slightly past its
// timeout so a late UI can still render what expired.
const ttlBuffer = 30 * time.Second

// ErrTimeout is returned when no response arrives in time; callers
// translate it into the interrupt's default action.
var ErrTimeout = errors.New("interrupt timed out")

func interruptKey(threadID, interruptID string) string {
	return fmt.Sprintf("hitl:interrupt:%s:%s", threadID, interruptID)
}

func responseChannel(threadID, interruptID string) string {
	return fmt.Sprintf("hitl:response:%s:%s", threadID, interruptID)
}

// Response is the human's decision.
type Response struct {
	Action      string `json:"action"`
	Value       string `json:"value,omitempty"`
	InterruptID string `json:"interrupt_id"`
}

// DefaultAction is what an interrupt resolves to when nobody answers.
func DefaultAction(kind events.InterruptKind) string {
	if kind == events.InterruptApproval {
		return "deny"
	}
	return "skip"
}

// Manager stores interrupts and brokers responses. One instance serves
// the whole process over a lazily opened Redis connection.
type Manager struct {
	cfg      config.HITLConfig
	redisCfg config.RedisConfig

	mu     sync.Mutex
	client *redis.Client
}

func NewManager(cfg config.HITLConfig, redisCfg config.RedisConfig) *Manager {
	return &Manager{cfg: cfg, redisCfg: redisCfg}
}

func (m *Manager) conn() *redis.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		m.client = redis.NewClient(&redis.Options{
			Addr:     m.redisCfg.Addr,
			Password: m.redisCfg.Password,
			DB:       m.redisCfg.DB,
		})
	}
	return m.client
}

// CreateInterrupt stores the interrupt payload under its thread/id key
// with a TTL of the declared timeout plus a buffer.
func (m *Manager) CreateInterrupt(ctx context.Context, threadID string, p events.InterruptPayload) error {
	timeout := m.timeoutFor(p)
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode interrupt: %w", err)
	}
	key := interruptKey(threadID, p.InterruptID)
	if err := m.conn().Set(ctx, key, data, timeout+ttlBuffer).Err(); err != nil {
		return fmt.Errorf("failed to store interrupt: %w", err)
	}
	return nil
}

// PendingInterrupt loads a stored interrupt, if it has not expired.
func (m *Manager) PendingInterrupt(ctx context.Context, threadID, interruptID string) (*events.InterruptPayload, error) {
	data, err := m.conn().Get(ctx, interruptKey(threadID, interruptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p events.InterruptPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("corrupt interrupt payload: %w", err)
	}
	return &p, nil
}

// WaitForResponse blocks until a response is published for the
// interrupt or the timeout elapses.
func (m *Manager) WaitForResponse(ctx context.Context, threadID, interruptID string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	sub := m.conn().Subscribe(ctx, responseChannel(threadID, interruptID))
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe for interrupt response: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, fmt.Errorf("response subscription closed")
		}
		var resp Response
		if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
			return nil, fmt.Errorf("corrupt interrupt response: %w", err)
		}
		return &resp, nil
	}
}

// SubmitResponse publishes the human's decision and removes the stored
// interrupt.
func (m *Manager) SubmitResponse(ctx context.Context, threadID string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if err := m.conn().Publish(ctx, responseChannel(threadID, resp.InterruptID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish response: %w", err)
	}
	return m.conn().Del(ctx, interruptKey(threadID, resp.InterruptID)).Err()
}

// Ask is the full interrupt round trip used by tools: emit the SSE
// event, store the interrupt, and block for the answer. A timeout
// resolves to the interrupt kind's default action.
func (m *Manager) Ask(ctx context.Context, bus *events.Bus, threadID string, p events.InterruptPayload) (Response, error) {
	if err := m.CreateInterrupt(ctx, threadID, p); err != nil {
		return Response{}, err
	}
	if bus != nil {
		bus.Emit(events.NewInterrupt(p))
	}

	resp, err := m.WaitForResponse(ctx, threadID, p.InterruptID, m.timeoutFor(p))
	if errors.Is(err, ErrTimeout) {
		action := p.DefaultAction
		if action == "" {
			action = DefaultAction(p.InterruptType)
		}
		return Response{Action: action, InterruptID: p.InterruptID}, nil
	}
	if err != nil {
		return Response{}, err
	}
	return *resp, nil
}

// ApproveTool runs the approval round trip for a gated tool call.
// Timeouts and unanswered interrupts deny.
func (m *Manager) ApproveTool(ctx context.Context, bus *events.Bus, threadID, tool string, args map[string]any) (bool, error) {
	p := events.InterruptPayload{
		InterruptID:    uuid.NewString(),
		InterruptType:  events.InterruptApproval,
		Title:          "Approve tool call",
		Message:        fmt.Sprintf("The agent wants to run %s.", tool),
		ToolInfo:       map[string]any{"tool": tool, "args": args},
		DefaultAction:  "deny",
		TimeoutSeconds: int(m.cfg.DefaultTimeout / time.Second),
	}
	resp, err := m.Ask(ctx, bus, threadID, p)
	if err != nil {
		return false, err
	}
	return resp.Action == "approve", nil
}

func (m *Manager) timeoutFor(p events.InterruptPayload) time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return m.cfg.DefaultTimeout
}

// Close tears down the shared connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}
