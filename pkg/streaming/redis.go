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

package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/events"
)

// Channel names for one research task.
func eventsChannel(taskID string) string   { return "research:events:" + taskID }
func statusChannel(taskID string) string   { return "research:status:" + taskID }
func completeChannel(taskID string) string { return "research:complete:" + taskID }

// Run statuses published on the status channel.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// FrameKind tags a message forwarded from the worker.
type FrameKind string

const (
	FrameEvent    FrameKind = "event"
	FrameStatus   FrameKind = "status"
	FrameComplete FrameKind = "complete"
)

// Frame is one pub/sub message in publication order.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// statusEnvelope is the payload on the status channel.
type statusEnvelope struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RedisBridge connects background research workers to client SSE
// streams. Both sides share one lazily opened connection.
type RedisBridge struct {
	cfg config.RedisConfig

	mu     sync.Mutex
	client *redis.Client
}

func NewRedisBridge(cfg config.RedisConfig) *RedisBridge {
	return &RedisBridge{cfg: cfg}
}

func (b *RedisBridge) conn() *redis.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{
			Addr:     b.cfg.Addr,
			Password: b.cfg.Password,
			DB:       b.cfg.DB,
		})
	}
	return b.client
}

// PublishEvent relays one run event; the payload is the same envelope
// the in-process SSE path writes.
func (b *RedisBridge) PublishEvent(ctx context.Context, taskID string, ev events.Event) error {
	payload, err := json.Marshal(ev.SSEPayload())
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return b.conn().Publish(ctx, eventsChannel(taskID), payload).Err()
}

// PublishStatus announces a worker state change.
func (b *RedisBridge) PublishStatus(ctx context.Context, taskID, status, errMsg string) error {
	payload, err := json.Marshal(statusEnvelope{Status: status, Error: errMsg})
	if err != nil {
		return err
	}
	return b.conn().Publish(ctx, statusChannel(taskID), payload).Err()
}

// PublishComplete signals end-of-stream for a task.
func (b *RedisBridge) PublishComplete(ctx context.Context, taskID string) error {
	return b.conn().Publish(ctx, completeChannel(taskID), "").Err()
}

// Subscribe follows a task's three channels and forwards messages in
// publication order. The returned channel closes after a complete
// frame or when ctx is cancelled; cancel the context to unsubscribe.
func (b *RedisBridge) Subscribe(ctx context.Context, taskID string) (<-chan Frame, error) {
	sub := b.conn().Subscribe(ctx,
		eventsChannel(taskID), statusChannel(taskID), completeChannel(taskID))
	// Force the subscription onto the wire before the caller's worker
	// starts publishing.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to task %s: %w", taskID, err)
	}

	out := make(chan Frame, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				frame := Frame{Payload: []byte(msg.Payload)}
				switch msg.Channel {
				case eventsChannel(taskID):
					frame.Kind = FrameEvent
				case statusChannel(taskID):
					frame.Kind = FrameStatus
				case completeChannel(taskID):
					frame.Kind = FrameComplete
				default:
					continue
				}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
				if frame.Kind == FrameComplete {
					return
				}
			}
		}
	}()
	return out, nil
}

// PumpWorker streams worker frames into a raw sink until the complete
// frame. Status frames are wrapped as `{type: "status", …}` payloads so
// the client sees a uniform stream.
func (b *RedisBridge) PumpWorker(ctx context.Context, taskID string, sink *SSEWriter) error {
	frames, err := b.Subscribe(ctx, taskID)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			switch frame.Kind {
			case FrameEvent:
				if err := sink.WriteRaw(frame.Payload); err != nil {
					return err
				}
			case FrameStatus:
				var env statusEnvelope
				if err := json.Unmarshal(frame.Payload, &env); err != nil {
					continue
				}
				wrapped, _ := json.Marshal(map[string]any{"type": "status", "status": env.Status, "error": env.Error})
				if err := sink.WriteRaw(wrapped); err != nil {
					return err
				}
			case FrameComplete:
				payload, _ := json.Marshal(events.NewComplete().SSEPayload())
				return sink.WriteRaw(payload)
			}
		}
	}
}

// Close tears down the shared connection.
func (b *RedisBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}
