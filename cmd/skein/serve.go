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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/graph"
	"github.com/kadirpekel/skein/pkg/hitl"
	"github.com/kadirpekel/skein/pkg/streaming"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host string `help:"Override the configured bind address."`
	Port int    `help:"Override the configured port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: newRouter(rt),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func newRouter(rt *appRuntime) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/v1/chat", rt.handleChat)
	r.Get("/v1/research/{taskID}/stream", rt.handleResearchStream)
	r.Post("/v1/hitl/{threadID}/response", rt.handleHITLResponse)
	r.Get("/v1/usage", rt.handleUsage)
	r.Get("/v1/skills", rt.handleSkills)

	return r
}

// chatRequest is the body of POST /v1/chat.
type chatRequest struct {
	Query    string `json:"query"`
	Mode     string `json:"mode,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Tier     string `json:"tier,omitempty"`
	Depth    string `json:"depth,omitempty"`
	Scenario string `json:"scenario,omitempty"`
}

// handleChat runs one query and streams its events as SSE.
func (rt *appRuntime) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}

	sink, err := streaming.NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	bus := events.NewBus()
	state := graph.State{
		Query:    req.Query,
		Mode:     req.Mode,
		TaskID:   req.TaskID,
		ThreadID: req.ThreadID,
		UserID:   req.UserID,
		Tier:     req.Tier,
		Depth:    req.Depth,
		Scenario: req.Scenario,
	}

	ctx := r.Context()
	go func() {
		defer bus.Close()
		sv := rt.supervisorFor(req.ThreadID, req.UserID)
		if _, err := sv.Run(ctx, bus, state); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run failed", "task_id", req.TaskID, "error", err)
		}
	}()

	bridge := streaming.NewBridge(rt.sandboxes)
	if err := bridge.Pump(ctx, bus, sink, req.UserID, req.TaskID); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("stream ended early", "task_id", req.TaskID, "error", err)
	}
}

// handleResearchStream attaches to a background research worker's
// event channels and relays them as SSE.
func (rt *appRuntime) handleResearchStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	sink, err := streaming.NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := rt.bridge.PumpWorker(r.Context(), taskID, sink); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("worker stream ended early", "task_id", taskID, "error", err)
	}
}

// handleHITLResponse submits a human decision for a pending interrupt.
func (rt *appRuntime) handleHITLResponse(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var resp hitl.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if resp.InterruptID == "" || resp.Action == "" {
		http.Error(w, "interrupt_id and action are required", http.StatusBadRequest)
		return
	}

	if err := rt.interrupts.SubmitResponse(r.Context(), threadID, resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "submitted"})
}

// handleUsage reports accumulated token usage and cost.
func (rt *appRuntime) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, rt.recorder.Summary(q.Get("conversation_id"), q.Get("user_id")))
}

// handleSkills lists the registered skills and their load levels.
func (rt *appRuntime) handleSkills(w http.ResponseWriter, _ *http.Request) {
	metas := rt.skills.List()
	out := make([]map[string]any, 0, len(metas))
	for _, m := range metas {
		level, _ := rt.skills.Level(m.ID)
		out = append(out, map[string]any{
			"id":          m.ID,
			"description": m.Description,
			"category":    m.Category,
			"enabled":     m.Enabled,
			"level":       level.String(),
		})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
