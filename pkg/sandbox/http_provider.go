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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"log/slog"

	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/httpclient"
)

// HTTPProvider provisions sandboxes on a remote sandbox daemon over its
// JSON HTTP API. Execution and desktop sandboxes may live on different
// daemons.
type HTTPProvider struct {
	executionURL string
	desktopURL   string
	apiKey       string
	client       *httpclient.Client
}

// NewHTTPProvider builds a provider from the sandbox config.
func NewHTTPProvider(cfg *config.SandboxConfig) *HTTPProvider {
	return &HTTPProvider{
		executionURL: strings.TrimRight(cfg.ExecutionURL, "/"),
		desktopURL:   strings.TrimRight(cfg.DesktopURL, "/"),
		apiKey:       cfg.APIKey,
		client: httpclient.New(
			httpclient.WithTimeout(2*time.Minute),
			httpclient.WithMaxRetries(2),
		),
	}
}

func (p *HTTPProvider) baseURL(kind Kind) string {
	if kind == KindDesktop {
		return p.desktopURL
	}
	return p.executionURL
}

// Provision creates a sandbox session on the daemon and returns a
// runtime bound to it. Desktop sandboxes come back as DesktopRuntime.
func (p *HTTPProvider) Provision(ctx context.Context, kind Kind, sessionKey string) (Runtime, error) {
	var created struct {
		ID string `json:"id"`
	}
	err := p.do(ctx, http.MethodPost, p.baseURL(kind)+"/v1/sandboxes",
		map[string]any{"kind": string(kind), "session_key": sessionKey}, &created)
	if err != nil {
		return nil, fmt.Errorf("failed to provision %s sandbox: %w", kind, err)
	}
	rt := &httpRuntime{provider: p, kind: kind, id: created.ID}
	if kind == KindDesktop {
		return &httpDesktopRuntime{httpRuntime: rt}, nil
	}
	return rt, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sandbox daemon returned %d: %s", resp.StatusCode, truncateBody(payload))
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// httpRuntime is a sandbox session on a remote daemon.
type httpRuntime struct {
	provider *HTTPProvider
	kind     Kind
	id       string
}

func (r *httpRuntime) url(suffix string) string {
	return r.provider.baseURL(r.kind) + "/v1/sandboxes/" + r.id + suffix
}

func (r *httpRuntime) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var result ExecResult
	err := r.provider.do(ctx, http.MethodPost, r.url("/exec"),
		map[string]any{"command": cmd, "timeout_ms": timeout.Milliseconds()}, &result)
	if err != nil {
		return nil, fmt.Errorf("command failed: %w", err)
	}
	return &result, nil
}

func (r *httpRuntime) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var out struct {
		Content string `json:"content"` // base64
	}
	err := r.provider.do(ctx, http.MethodPost, r.url("/files/read"),
		map[string]any{"path": path}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	data, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode file content: %w", err)
	}
	return data, nil
}

func (r *httpRuntime) WriteFile(ctx context.Context, path string, data []byte) error {
	err := r.provider.do(ctx, http.MethodPost, r.url("/files/write"),
		map[string]any{"path": path, "content": base64.StdEncoding.EncodeToString(data)}, nil)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (r *httpRuntime) GetHostURL(ctx context.Context, port int) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := r.provider.do(ctx, http.MethodPost, r.url("/expose"),
		map[string]any{"port": port}, &out)
	if err != nil {
		return "", fmt.Errorf("failed to expose port %d: %w", port, err)
	}
	return out.URL, nil
}

func (r *httpRuntime) Close(ctx context.Context) error {
	return r.provider.do(ctx, http.MethodDelete, r.url(""), nil, nil)
}

// httpDesktopRuntime adds GUI automation on top of a remote desktop
// sandbox. Input actions go through the daemon's /action endpoint.
type httpDesktopRuntime struct {
	*httpRuntime
}

func (r *httpDesktopRuntime) action(ctx context.Context, name string, args map[string]any, out any) error {
	body := map[string]any{"action": name}
	for k, v := range args {
		body[k] = v
	}
	if err := r.provider.do(ctx, http.MethodPost, r.url("/action"), body, out); err != nil {
		return fmt.Errorf("desktop action %s failed: %w", name, err)
	}
	return nil
}

func (r *httpDesktopRuntime) Screenshot(ctx context.Context) ([]byte, error) {
	var out struct {
		Image string `json:"image"` // base64 PNG
	}
	if err := r.action(ctx, "screenshot", nil, &out); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(out.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return data, nil
}

func (r *httpDesktopRuntime) Click(ctx context.Context, x, y int, button MouseButton, double bool) error {
	if button == "" {
		button = ButtonLeft
	}
	return r.action(ctx, "click", map[string]any{
		"x": x, "y": y, "button": string(button), "double": double,
	}, nil)
}

func (r *httpDesktopRuntime) TypeText(ctx context.Context, text string) error {
	return r.action(ctx, "type", map[string]any{"text": text}, nil)
}

// TypeViaClipboard pastes text through the sandbox clipboard so that
// non-ASCII input survives the virtual keyboard. ASCII-only text is
// typed directly. When neither xclip nor xsel is installed the text is
// typed directly as a degraded fallback.
func (r *httpDesktopRuntime) TypeViaClipboard(ctx context.Context, text string) error {
	if isASCII(text) {
		return r.TypeText(ctx, text)
	}

	tool, err := r.clipboardTool(ctx)
	if err != nil {
		return err
	}
	if tool == "" {
		slog.Warn("no clipboard tool in desktop sandbox, typing directly",
			"sandbox", r.id)
		return r.TypeText(ctx, text)
	}

	var setCmd string
	switch tool {
	case "xclip":
		setCmd = "xclip -selection clipboard"
	case "xsel":
		setCmd = "xsel --clipboard --input"
	}
	// Heredoc keeps quotes and newlines in the text intact.
	cmd := fmt.Sprintf("cat <<'SKEIN_CLIP_EOF' | %s\n%s\nSKEIN_CLIP_EOF", setCmd, text)
	if _, err := r.RunCommand(ctx, cmd, 10*time.Second); err != nil {
		return fmt.Errorf("failed to set clipboard: %w", err)
	}

	// Give the clipboard and the focused app time on both sides of the
	// paste; pasting immediately drops characters in slow sandboxes.
	if err := r.Wait(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	if err := r.PressKey(ctx, "ctrl+v"); err != nil {
		return err
	}
	return r.Wait(ctx, 100*time.Millisecond)
}

func (r *httpDesktopRuntime) clipboardTool(ctx context.Context) (string, error) {
	res, err := r.RunCommand(ctx,
		"command -v xclip >/dev/null && echo xclip || (command -v xsel >/dev/null && echo xsel)",
		5*time.Second)
	if err != nil {
		return "", fmt.Errorf("failed to detect clipboard tool: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func (r *httpDesktopRuntime) PressKey(ctx context.Context, key string) error {
	return r.action(ctx, "press_key", map[string]any{"key": key}, nil)
}

func (r *httpDesktopRuntime) Scroll(ctx context.Context, x, y, deltaX, deltaY int) error {
	return r.action(ctx, "scroll", map[string]any{
		"x": x, "y": y, "delta_x": deltaX, "delta_y": deltaY,
	}, nil)
}

func (r *httpDesktopRuntime) Move(ctx context.Context, x, y int) error {
	return r.action(ctx, "move", map[string]any{"x": x, "y": y}, nil)
}

func (r *httpDesktopRuntime) Drag(ctx context.Context, fromX, fromY, toX, toY int) error {
	return r.action(ctx, "drag", map[string]any{
		"from_x": fromX, "from_y": fromY, "to_x": toX, "to_y": toY,
	}, nil)
}

func (r *httpDesktopRuntime) Wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (r *httpDesktopRuntime) LaunchBrowser(ctx context.Context, url string) error {
	return r.action(ctx, "launch_browser", map[string]any{"url": url}, nil)
}

func (r *httpDesktopRuntime) GetStreamURL(ctx context.Context) (*StreamInfo, error) {
	var out struct {
		URL     string `json:"url"`
		AuthKey string `json:"auth_key"`
	}
	if err := r.action(ctx, "start_stream", nil, &out); err != nil {
		return nil, err
	}
	if out.URL == "" {
		// Daemon has no native streaming; callers use screenshots.
		return nil, nil
	}
	return &StreamInfo{URL: out.URL, AuthKey: out.AuthKey}, nil
}

func (r *httpDesktopRuntime) ExtractPageContent(ctx context.Context) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := r.action(ctx, "extract_page_content", nil, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

var (
	_ Provider       = (*HTTPProvider)(nil)
	_ Runtime        = (*httpRuntime)(nil)
	_ DesktopRuntime = (*httpDesktopRuntime)(nil)
)
