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

// Package skein is a multi-agent orchestration runtime.
//
// A supervisor routes each query to a specialist agent graph (task or
// research), follows agent-to-agent handoffs under a configurable
// handoff matrix, and streams every step of the run as typed events
// over SSE. Runs carry guardrails on input, output, and tool calls,
// per-conversation usage accounting, conversation compression, sandbox
// sessions behind a circuit breaker, and human-in-the-loop interrupts
// bridged over Redis.
//
// # Quick Start
//
// Install skein:
//
//	go install github.com/kadirpekel/skein/cmd/skein@latest
//
// Create a configuration file and start the server:
//
//	skein serve --config skein.yaml
//
// Or run a single query from the terminal:
//
//	skein chat "Summarize the latest research on battery chemistry"
//
// # Packages
//
// The building blocks live under pkg/: events (typed event bus and SSE
// payloads), graph (state-machine execution with checkpoints),
// supervisor (routing and handoffs), agents (task and research graphs),
// tools, skills, llms, guardrails, memory, sandbox, streaming, hitl,
// and usage.
package skein
