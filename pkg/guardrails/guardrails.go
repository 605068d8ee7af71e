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

// Package guardrails scans user input, model output, and tool calls for
// policy violations at the three hook points of a run: before routing,
// before tool execution, and before the final answer is surfaced.
package guardrails

import (
	"log/slog"
)

// Violation is one matched rule.
type Violation struct {
	Rule    string `json:"rule"`
	Detail  string `json:"detail,omitempty"`
	Layer   int    `json:"layer,omitempty"`
}

// Verdict is the outcome of a scan. Blocked verdicts stop the run (or
// the tool call); Flagged verdicts proceed but are surfaced to the
// caller; Sanitized optionally carries a cleaned replacement text.
type Verdict struct {
	Passed     bool        `json:"passed"`
	Blocked    bool        `json:"blocked"`
	Flagged    bool        `json:"flagged"`
	Violations []Violation `json:"violations,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Sanitized  string      `json:"sanitized,omitempty"`
}

// Pass is the clean verdict.
func Pass() Verdict {
	return Verdict{Passed: true, Confidence: 1.0}
}

// Block builds a blocking verdict.
func Block(reason string, confidence float64, violations ...Violation) Verdict {
	return Verdict{Blocked: true, Reason: reason, Confidence: confidence, Violations: violations}
}

// Flag builds a non-blocking verdict carrying violations.
func Flag(reason string, confidence float64, violations ...Violation) Verdict {
	return Verdict{Passed: true, Flagged: true, Reason: reason, Confidence: confidence, Violations: violations}
}

// ToolRequest is what the tool scanner inspects.
type ToolRequest struct {
	Tool string
	Args map[string]any
}

// Chain bundles the scanners enabled for a deployment.
type Chain struct {
	input  *InputScanner
	output *OutputScanner
	tools  *ToolScanner
}

// NewChain creates a chain; nil scanners disable that hook point.
func NewChain(input *InputScanner, output *OutputScanner, tools *ToolScanner) *Chain {
	return &Chain{input: input, output: output, tools: tools}
}

// CheckInput scans a user message before routing.
func (c *Chain) CheckInput(text string) Verdict {
	if c == nil || c.input == nil {
		return Pass()
	}
	v := c.input.Scan(text)
	if v.Blocked {
		slog.Warn("input blocked by guardrail", "reason", v.Reason)
	}
	return v
}

// CheckOutput scans assembled model output before it is surfaced.
func (c *Chain) CheckOutput(text string) Verdict {
	if c == nil || c.output == nil {
		return Pass()
	}
	return c.output.Scan(text)
}

// CheckTool scans a tool call before execution.
func (c *Chain) CheckTool(req ToolRequest) Verdict {
	if c == nil || c.tools == nil {
		return Pass()
	}
	v := c.tools.Scan(req)
	if v.Blocked {
		slog.Warn("tool call blocked by guardrail", "tool", req.Tool, "reason", v.Reason)
	}
	return v
}
