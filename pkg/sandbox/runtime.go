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

// Package sandbox provisions and manages remote execution environments:
// the runtime capability interfaces, the HTTP remote provider, and the
// session manager with idle reaping.
package sandbox

import (
	"context"
	"time"
)

// Kind distinguishes sandbox variants.
type Kind string

const (
	KindExecution Kind = "execution"
	KindDesktop   Kind = "desktop"
)

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runtime is the capability set common to all sandbox kinds.
type Runtime interface {
	RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	// GetHostURL exposes a sandbox port publicly and returns its URL.
	GetHostURL(ctx context.Context, port int) (string, error)
	Close(ctx context.Context) error
}

// MouseButton names a pointer button for click actions.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// StreamInfo locates a desktop sandbox's live view.
type StreamInfo struct {
	URL     string `json:"url"`
	AuthKey string `json:"auth_key,omitempty"`
}

// DesktopRuntime extends Runtime with GUI automation.
type DesktopRuntime interface {
	Runtime

	Screenshot(ctx context.Context) ([]byte, error)
	Click(ctx context.Context, x, y int, button MouseButton, double bool) error
	TypeText(ctx context.Context, text string) error
	// TypeViaClipboard pastes non-ASCII text through the clipboard,
	// falling back to direct typing when no clipboard tool exists.
	TypeViaClipboard(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	Scroll(ctx context.Context, x, y, deltaX, deltaY int) error
	Move(ctx context.Context, x, y int) error
	Drag(ctx context.Context, fromX, fromY, toX, toY int) error
	Wait(ctx context.Context, d time.Duration) error
	LaunchBrowser(ctx context.Context, url string) error
	// GetStreamURL starts the live stream. Providers without native
	// streaming return (nil, nil); callers fall back to screenshots.
	GetStreamURL(ctx context.Context) (*StreamInfo, error)
	ExtractPageContent(ctx context.Context) (string, error)
}

// Provider provisions runtimes.
type Provider interface {
	Provision(ctx context.Context, kind Kind, sessionKey string) (Runtime, error)
}
