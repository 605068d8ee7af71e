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

// Package events defines the typed event records that every stage of a run
// emits, and the per-run ordered bus that carries them to the streaming
// bridge.
//
// An Event is a tagged variant: exactly one payload field is set, matching
// the Type tag. Events are immutable once emitted; the bus assigns a
// monotonic per-run sequence number at emission time.
package events

import (
	"strings"
	"time"
)

// Type tags an event variant.
type Type string

const (
	TypeStage            Type = "stage"
	TypeToken            Type = "token"
	TypeToolCall         Type = "tool_call"
	TypeToolResult       Type = "tool_result"
	TypeRouting          Type = "routing"
	TypeHandoff          Type = "handoff"
	TypeSource           Type = "source"
	TypeImage            Type = "image"
	TypeVisualization    Type = "visualization"
	TypeCodeResult       Type = "code_result"
	TypeBrowserStream    Type = "browser_stream"
	TypeBrowserAction    Type = "browser_action"
	TypeTerminalCommand  Type = "terminal_command"
	TypeTerminalOutput   Type = "terminal_output"
	TypeTerminalError    Type = "terminal_error"
	TypeTerminalComplete Type = "terminal_complete"
	TypeWorkspaceUpdate  Type = "workspace_update"
	TypeSkillOutput      Type = "skill_output"
	TypeInterrupt        Type = "interrupt"
	TypeConfig           Type = "config"
	TypeComplete         Type = "complete"
	TypeError            Type = "error"
)

// StageStatus is the lifecycle state carried by stage events.
type StageStatus string

const (
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Event is the tagged record carried on the run's event stream.
// Exactly one payload pointer is non-nil, matching Type. Seq is assigned
// by the bus in emission order and is monotonic per run.
type Event struct {
	Type      Type  `json:"type"`
	Seq       uint64 `json:"-"`
	Timestamp int64  `json:"timestamp,omitempty"` // ms since Unix epoch

	Stage         *StagePayload         `json:"stage,omitempty"`
	Token         *TokenPayload         `json:"token,omitempty"`
	ToolCall      *ToolCallPayload      `json:"tool_call,omitempty"`
	ToolResult    *ToolResultPayload    `json:"tool_result,omitempty"`
	Routing       *RoutingPayload       `json:"routing,omitempty"`
	Handoff       *HandoffPayload       `json:"handoff,omitempty"`
	Source        *SourcePayload        `json:"source,omitempty"`
	Image         *ImagePayload         `json:"image,omitempty"`
	Visualization *VisualizationPayload `json:"visualization,omitempty"`
	CodeResult    *CodeResultPayload    `json:"code_result,omitempty"`
	BrowserStream *BrowserStreamPayload `json:"browser_stream,omitempty"`
	BrowserAction *BrowserActionPayload `json:"browser_action,omitempty"`
	Terminal      *TerminalPayload      `json:"terminal,omitempty"`
	Workspace     *WorkspacePayload     `json:"workspace,omitempty"`
	SkillOutput   *SkillOutputPayload   `json:"skill_output,omitempty"`
	Interrupt     *InterruptPayload     `json:"interrupt,omitempty"`
	Config        *ConfigPayload        `json:"config,omitempty"`
	Error         *ErrorPayload         `json:"error,omitempty"`
}

type StagePayload struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      StageStatus `json:"status"`
}

type TokenPayload struct {
	Content string `json:"content"`
}

type ToolCallPayload struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
	ID   string         `json:"id"`
}

type ToolResultPayload struct {
	Tool    string `json:"tool"`
	Content string `json:"content"`
	ID      string `json:"id"`
}

type RoutingPayload struct {
	Agent         string  `json:"agent"`
	Reason        string  `json:"reason"`
	Confidence    float64 `json:"confidence,omitempty"`
	LowConfidence bool    `json:"low_confidence,omitempty"`
	Message       string  `json:"message,omitempty"`
}

type HandoffPayload struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Task   string `json:"task"`
}

type SourcePayload struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

type ImagePayload struct {
	Data       string `json:"data"` // base64, whitespace stripped
	MIMEType   string `json:"mime_type"`
	Index      int    `json:"index"`
	URL        string `json:"url,omitempty"`
	StorageKey string `json:"storage_key,omitempty"`
	FileID     string `json:"file_id,omitempty"`
}

type VisualizationPayload struct {
	Data     string `json:"data"` // base64 PNG or HTML string
	MIMEType string `json:"mime_type"`
}

type CodeResultPayload struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

type BrowserStreamPayload struct {
	StreamURL string `json:"stream_url"`
	SandboxID string `json:"sandbox_id"`
	AuthKey   string `json:"auth_key,omitempty"`
}

type BrowserActionPayload struct {
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// TerminalPayload carries terminal_command/output/error/complete variants.
type TerminalPayload struct {
	Command string `json:"command,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

type WorkspacePayload struct {
	Path   string `json:"path"`
	Action string `json:"action"` // created, updated, deleted
}

type SkillOutputPayload struct {
	Skill   string `json:"skill"`
	Content string `json:"content"`
}

// InterruptKind classifies HITL interrupts.
type InterruptKind string

const (
	InterruptApproval InterruptKind = "approval"
	InterruptDecision InterruptKind = "decision"
	InterruptInput    InterruptKind = "input"
)

// InterruptOption is one choice offered by a DECISION interrupt.
type InterruptOption struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

type InterruptPayload struct {
	InterruptID    string            `json:"interrupt_id"`
	InterruptType  InterruptKind     `json:"interrupt_type"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	Options        []InterruptOption `json:"options,omitempty"`
	ToolInfo       map[string]any    `json:"tool_info,omitempty"`
	DefaultAction  string            `json:"default_action"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

type ConfigPayload struct {
	Depth    string `json:"depth,omitempty"`
	Scenario string `json:"scenario,omitempty"`
}

type ErrorPayload struct {
	Error       string `json:"error"`
	Node        string `json:"node,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

func now() int64 { return time.Now().UnixMilli() }

// NewStage creates a stage lifecycle event.
func NewStage(name, description string, status StageStatus) Event {
	return Event{Type: TypeStage, Timestamp: now(),
		Stage: &StagePayload{Name: name, Description: description, Status: status}}
}

// NewToken creates a token event carrying one streamed LLM chunk.
func NewToken(content string) Event {
	return Event{Type: TypeToken, Timestamp: now(), Token: &TokenPayload{Content: content}}
}

// NewToolCall creates a tool_call event. The id pairs it with a later
// tool_result.
func NewToolCall(tool, id string, args map[string]any) Event {
	return Event{Type: TypeToolCall, Timestamp: now(),
		ToolCall: &ToolCallPayload{Tool: tool, ID: id, Args: args}}
}

// NewToolResult creates a tool_result event.
func NewToolResult(tool, id, content string) Event {
	return Event{Type: TypeToolResult, Timestamp: now(),
		ToolResult: &ToolResultPayload{Tool: tool, ID: id, Content: content}}
}

// NewRouting creates a routing decision event.
func NewRouting(agent, reason string, confidence float64) Event {
	return Event{Type: TypeRouting, Timestamp: now(), Routing: &RoutingPayload{
		Agent:         agent,
		Reason:        reason,
		Confidence:    confidence,
		LowConfidence: confidence > 0 && confidence < 0.5,
	}}
}

// NewHandoff creates a handoff event.
func NewHandoff(source, target, task string) Event {
	return Event{Type: TypeHandoff, Timestamp: now(),
		Handoff: &HandoffPayload{Source: source, Target: target, Task: task}}
}

// NewSource creates a research source event.
func NewSource(title, url, snippet string, relevance float64) Event {
	return Event{Type: TypeSource, Timestamp: now(), Source: &SourcePayload{
		Title: title, URL: url, Snippet: snippet, RelevanceScore: relevance}}
}

// NewImage creates an image event. Whitespace is stripped from the base64
// data so clients can decode it directly.
func NewImage(data, mimeType string, index int) Event {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, data)
	return Event{Type: TypeImage, Timestamp: now(),
		Image: &ImagePayload{Data: compact, MIMEType: mimeType, Index: index}}
}

// NewVisualization creates a visualization event (base64 PNG or HTML).
func NewVisualization(data, mimeType string) Event {
	return Event{Type: TypeVisualization, Timestamp: now(),
		Visualization: &VisualizationPayload{Data: data, MIMEType: mimeType}}
}

// NewCodeResult creates a code execution result event.
func NewCodeResult(output string, exitCode int, errMsg string) Event {
	return Event{Type: TypeCodeResult, Timestamp: now(),
		CodeResult: &CodeResultPayload{Output: output, ExitCode: exitCode, Error: errMsg}}
}

// NewBrowserStream creates the once-per-desktop-session stream event.
func NewBrowserStream(streamURL, sandboxID, authKey string) Event {
	return Event{Type: TypeBrowserStream, Timestamp: now(),
		BrowserStream: &BrowserStreamPayload{StreamURL: streamURL, SandboxID: sandboxID, AuthKey: authKey}}
}

// NewBrowserAction creates a browser automation progress event.
func NewBrowserAction(action, detail string) Event {
	return Event{Type: TypeBrowserAction, Timestamp: now(),
		BrowserAction: &BrowserActionPayload{Action: action, Detail: detail}}
}

// NewTerminal creates one of the terminal_* events; t selects the variant.
func NewTerminal(t Type, command, output, errMsg string) Event {
	return Event{Type: t, Timestamp: now(),
		Terminal: &TerminalPayload{Command: command, Output: output, Error: errMsg}}
}

// NewWorkspaceUpdate creates a workspace file change event.
func NewWorkspaceUpdate(path, action string) Event {
	return Event{Type: TypeWorkspaceUpdate, Timestamp: now(),
		Workspace: &WorkspacePayload{Path: path, Action: action}}
}

// NewSkillOutput creates a skill output event.
func NewSkillOutput(skill, content string) Event {
	return Event{Type: TypeSkillOutput, Timestamp: now(),
		SkillOutput: &SkillOutputPayload{Skill: skill, Content: content}}
}

// NewInterrupt creates a HITL interrupt event.
func NewInterrupt(p InterruptPayload) Event {
	return Event{Type: TypeInterrupt, Timestamp: now(), Interrupt: &p}
}

// NewConfig creates a research configuration event.
func NewConfig(depth, scenario string) Event {
	return Event{Type: TypeConfig, Timestamp: now(),
		Config: &ConfigPayload{Depth: depth, Scenario: scenario}}
}

// NewComplete creates the terminal event of a successful run.
func NewComplete() Event {
	return Event{Type: TypeComplete, Timestamp: now()}
}

// NewError creates an error event.
func NewError(errMsg, node string) Event {
	return Event{Type: TypeError, Timestamp: now(),
		Error: &ErrorPayload{Error: errMsg, Node: node}}
}

// SSEPayload maps the event to the flat JSON object written on the SSE
// wire: {"type": ..., ...payload fields}. The field names follow the wire
// contract exactly; omitted optional fields are left out of the map.
func (e Event) SSEPayload() map[string]any {
	m := map[string]any{"type": string(e.Type)}
	if e.Timestamp != 0 {
		m["timestamp"] = e.Timestamp
	}

	switch e.Type {
	case TypeStage:
		m["name"] = e.Stage.Name
		m["status"] = string(e.Stage.Status)
		if e.Stage.Description != "" {
			m["description"] = e.Stage.Description
		}
	case TypeToken:
		m["content"] = e.Token.Content
		delete(m, "timestamp") // tokens are high-volume; keep them minimal
	case TypeToolCall:
		m["tool"] = e.ToolCall.Tool
		m["args"] = e.ToolCall.Args
		m["id"] = e.ToolCall.ID
	case TypeToolResult:
		m["tool"] = e.ToolResult.Tool
		m["content"] = e.ToolResult.Content
		m["id"] = e.ToolResult.ID
	case TypeRouting:
		m["agent"] = e.Routing.Agent
		m["reason"] = e.Routing.Reason
		if e.Routing.Confidence > 0 {
			m["confidence"] = e.Routing.Confidence
		}
		if e.Routing.LowConfidence {
			m["low_confidence"] = true
		}
		if e.Routing.Message != "" {
			m["message"] = e.Routing.Message
		}
	case TypeHandoff:
		m["source"] = e.Handoff.Source
		m["target"] = e.Handoff.Target
		m["task"] = e.Handoff.Task
	case TypeSource:
		m["title"] = e.Source.Title
		m["url"] = e.Source.URL
		m["snippet"] = e.Source.Snippet
		if e.Source.RelevanceScore > 0 {
			m["relevance_score"] = e.Source.RelevanceScore
		}
	case TypeImage:
		m["data"] = e.Image.Data
		m["mime_type"] = e.Image.MIMEType
		m["index"] = e.Image.Index
		if e.Image.URL != "" {
			m["url"] = e.Image.URL
		}
		if e.Image.StorageKey != "" {
			m["storage_key"] = e.Image.StorageKey
		}
		if e.Image.FileID != "" {
			m["file_id"] = e.Image.FileID
		}
	case TypeVisualization:
		m["data"] = e.Visualization.Data
		m["mime_type"] = e.Visualization.MIMEType
	case TypeCodeResult:
		m["output"] = e.CodeResult.Output
		m["exit_code"] = e.CodeResult.ExitCode
		if e.CodeResult.Error != "" {
			m["error"] = e.CodeResult.Error
		}
	case TypeBrowserStream:
		m["stream_url"] = e.BrowserStream.StreamURL
		m["sandbox_id"] = e.BrowserStream.SandboxID
		if e.BrowserStream.AuthKey != "" {
			m["auth_key"] = e.BrowserStream.AuthKey
		}
	case TypeBrowserAction:
		m["action"] = e.BrowserAction.Action
		if e.BrowserAction.Detail != "" {
			m["detail"] = e.BrowserAction.Detail
		}
	case TypeTerminalCommand, TypeTerminalOutput, TypeTerminalError, TypeTerminalComplete:
		if e.Terminal.Command != "" {
			m["command"] = e.Terminal.Command
		}
		if e.Terminal.Output != "" {
			m["output"] = e.Terminal.Output
		}
		if e.Terminal.Error != "" {
			m["error"] = e.Terminal.Error
		}
	case TypeWorkspaceUpdate:
		m["path"] = e.Workspace.Path
		m["action"] = e.Workspace.Action
	case TypeSkillOutput:
		m["skill"] = e.SkillOutput.Skill
		m["content"] = e.SkillOutput.Content
	case TypeInterrupt:
		m["interrupt_id"] = e.Interrupt.InterruptID
		m["interrupt_type"] = string(e.Interrupt.InterruptType)
		m["title"] = e.Interrupt.Title
		m["message"] = e.Interrupt.Message
		if len(e.Interrupt.Options) > 0 {
			m["options"] = e.Interrupt.Options
		}
		if e.Interrupt.ToolInfo != nil {
			m["tool_info"] = e.Interrupt.ToolInfo
		}
		m["default_action"] = e.Interrupt.DefaultAction
		m["timeout_seconds"] = e.Interrupt.TimeoutSeconds
	case TypeConfig:
		if e.Config.Depth != "" {
			m["depth"] = e.Config.Depth
		}
		if e.Config.Scenario != "" {
			m["scenario"] = e.Config.Scenario
		}
	case TypeError:
		m["error"] = e.Error.Error
		m["status"] = "failed"
		if e.Error.Node != "" {
			m["node"] = e.Error.Node
		}
		if e.Error.Name != "" {
			m["name"] = e.Error.Name
		}
		if e.Error.Description != "" {
			m["description"] = e.Error.Description
		}
	case TypeComplete:
		delete(m, "timestamp")
	}

	return m
}
