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
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/graph"
)

// ChatCmd runs one query from the terminal, printing tokens as they
// stream and stage transitions to stderr.
type ChatCmd struct {
	Query    []string `arg:"" help:"The query to run."`
	Mode     string   `help:"Force an agent (task, research, chat, app)."`
	Depth    string   `help:"Research depth (QUICK, STANDARD, DEEP)."`
	Scenario string   `help:"Research scenario (academic, market, technical, news)."`
	Tier     string   `help:"Model tier (flash, pro, max)."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	threadID := uuid.NewString()
	state := graph.State{
		Query:    strings.Join(c.Query, " "),
		Mode:     c.Mode,
		TaskID:   uuid.NewString(),
		ThreadID: threadID,
		Tier:     c.Tier,
		Depth:    c.Depth,
		Scenario: c.Scenario,
	}

	bus := events.NewBus()
	done := make(chan error, 1)
	go func() {
		defer bus.Close()
		_, err := rt.supervisorFor(threadID, "").Run(ctx, bus, state)
		done <- err
	}()

	for ev := range bus.Events() {
		switch ev.Type {
		case events.TypeToken:
			fmt.Print(ev.Token.Content)
		case events.TypeStage:
			fmt.Fprintf(os.Stderr, "\n[%s: %s]\n", ev.Stage.Name, ev.Stage.Status)
		case events.TypeToolCall:
			fmt.Fprintf(os.Stderr, "\n[tool: %s]\n", ev.ToolCall.Tool)
		case events.TypeError:
			fmt.Fprintf(os.Stderr, "\n[error: %s]\n", ev.Error.Error)
		case events.TypeComplete:
			fmt.Println()
		}
	}
	return <-done
}
