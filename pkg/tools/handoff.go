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

package tools

import (
	"context"
	"fmt"
)

// HandoffToolName is the tool agents call to delegate to another agent.
const HandoffToolName = "handoff_to_agent"

// NewHandoffTool creates the delegation tool. Executing it records a
// pending handoff on the run context; the supervisor validates and
// dispatches it after the current node returns.
func NewHandoffTool() Tool {
	return &funcTool{
		name: HandoffToolName,
		description: "Delegate the remaining work to another agent. " +
			"Use when the task needs capabilities your agent type lacks.",
		category: CategoryHandoff,
		schema: ObjectSchema(map[string]any{
			"target_agent":     Prop("string", "Agent to hand off to: task or research"),
			"task_description": Prop("string", "What the target agent should do"),
			"context":          Prop("string", "Summary of the work so far for the target agent"),
		}, "target_agent", "task_description"),
		handler: func(_ context.Context, rc *RunContext, args map[string]any) (string, error) {
			target, err := stringArg(args, "target_agent")
			if err != nil {
				return "", err
			}
			task, err := stringArg(args, "task_description")
			if err != nil {
				return "", err
			}
			if rc == nil {
				return "", fmt.Errorf("handoff requires a run context")
			}
			rc.Handoff = &PendingHandoff{
				Target:  target,
				Task:    task,
				Context: optStringArg(args, "context", ""),
			}
			return fmt.Sprintf("Handoff to %s requested.", target), nil
		},
	}
}
