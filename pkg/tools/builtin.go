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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/memory"
	"github.com/kadirpekel/skein/pkg/sandbox"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs web searches for the web_search tool.
type Searcher interface {
	Search(ctx context.Context, query string, max int) ([]SearchResult, error)
}

// ImageGenerator produces images for the generate_image tool.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (b64, mimeType string, err error)
}

// funcTool adapts a handler function to the Tool interface.
type funcTool struct {
	name        string
	description string
	category    Category
	schema      map[string]any
	handler     func(ctx context.Context, rc *RunContext, args map[string]any) (string, error)
}

func (t *funcTool) Name() string           { return t.name }
func (t *funcTool) Description() string    { return t.description }
func (t *funcTool) Category() Category     { return t.category }
func (t *funcTool) Schema() map[string]any { return t.schema }

func (t *funcTool) Execute(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
	return t.handler(ctx, rc, args)
}

// RegisterBuiltins registers the builtin tool set. searcher and imager
// may be nil; the corresponding tools are then skipped.
func RegisterBuiltins(reg *Registry, searcher Searcher, imager ImageGenerator) {
	if searcher != nil {
		reg.Register(newWebSearch(searcher))
	}
	reg.Register(newExecuteCode())
	reg.Register(newRunShell())
	reg.Register(newReadFile())
	reg.Register(newWriteFile())
	reg.Register(newDeployPreview())
	for _, t := range newBrowserTools() {
		reg.Register(t)
	}
	if imager != nil {
		reg.Register(newGenerateImage(imager))
	}
	reg.Register(NewHandoffTool())
	reg.Register(NewSearchTool(reg))
}

func newWebSearch(searcher Searcher) Tool {
	return &funcTool{
		name:        "web_search",
		description: "Search the web and return ranked results with titles, URLs, and snippets.",
		category:    CategorySearch,
		schema: ObjectSchema(map[string]any{
			"query":       Prop("string", "Search query"),
			"max_results": Prop("integer", "Maximum results to return (default 5)"),
		}, "query"),
		handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return "", err
			}
			max := intArg(args, "max_results", 5)

			results, err := searcher.Search(ctx, query, max)
			if err != nil {
				return "", fmt.Errorf("search failed: %w", err)
			}

			var b strings.Builder
			for i, res := range results {
				relevance := 1.0 - float64(i)*0.1
				rc.Emit(events.NewSource(res.Title, res.URL, res.Snippet, relevance))
				if rc.Shared != nil {
					rc.Shared.AddSource(memory.ResearchSource{
						Title: res.Title, URL: res.URL, Snippet: res.Snippet,
					})
				}
				fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, res.Title, res.URL, res.Snippet)
			}
			if b.Len() == 0 {
				return "No results found.", nil
			}
			return b.String(), nil
		},
	}
}

var codeInterpreters = map[string][2]string{
	"python":     {"snippet.py", "python3 %s"},
	"javascript": {"snippet.js", "node %s"},
	"bash":       {"snippet.sh", "bash %s"},
	"go":         {"snippet.go", "go run %s"},
}

func newExecuteCode() Tool {
	return &funcTool{
		name:        "execute_code",
		description: "Execute a code snippet in the sandbox and return its output.",
		category:    CategoryCodeExec,
		schema: ObjectSchema(map[string]any{
			"code":     Prop("string", "Source code to run"),
			"language": Prop("string", "Language: python, javascript, bash, or go (default python)"),
		}, "code"),
		handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
			code, err := stringArg(args, "code")
			if err != nil {
				return "", err
			}
			language := optStringArg(args, "language", "python")
			interp, ok := codeInterpreters[language]
			if !ok {
				return "", fmt.Errorf("unsupported language: %s", language)
			}

			session, err := executionSession(ctx, rc)
			if err != nil {
				return "", err
			}
			path := "/workspace/" + interp[0]
			if err := session.Runtime.WriteFile(ctx, path, []byte(code)); err != nil {
				return "", err
			}

			res, err := session.Runtime.RunCommand(ctx, fmt.Sprintf(interp[1], path), 2*time.Minute)
			if err != nil {
				return "", fmt.Errorf("execution failed: %w", err)
			}
			session.Touch()

			output := res.Stdout
			if res.ExitCode != 0 && res.Stderr != "" {
				output = res.Stdout + res.Stderr
			}
			rc.Emit(events.NewCodeResult(output, res.ExitCode, res.Stderr))
			if rc.Shared != nil {
				rc.Shared.GeneratedCode = code
				rc.Shared.CodeLanguage = language
				rc.Shared.AddExecutionResult(output)
			}
			if res.ExitCode != 0 {
				return "", fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(output))
			}
			return output, nil
		},
	}
}

func newRunShell() Tool {
	return &funcTool{
		name:        "run_shell",
		description: "Run a shell command in the sandbox workspace.",
		category:    CategoryShell,
		schema: ObjectSchema(map[string]any{
			"command":         Prop("string", "Shell command to run"),
			"timeout_seconds": Prop("integer", "Timeout in seconds (default 60)"),
		}, "command"),
		handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
			command, err := stringArg(args, "command")
			if err != nil {
				return "", err
			}
			timeout := time.Duration(intArg(args, "timeout_seconds", 60)) * time.Second

			session, err := executionSession(ctx, rc)
			if err != nil {
				return "", err
			}

			rc.Emit(events.NewTerminal(events.TypeTerminalCommand, command, "", ""))
			res, err := session.Runtime.RunCommand(ctx, command, timeout)
			if err != nil {
				rc.Emit(events.NewTerminal(events.TypeTerminalError, command, "", err.Error()))
				return "", fmt.Errorf("command failed: %w", err)
			}
			session.Touch()

			if res.Stdout != "" {
				rc.Emit(events.NewTerminal(events.TypeTerminalOutput, command, res.Stdout, ""))
			}
			if res.Stderr != "" {
				rc.Emit(events.NewTerminal(events.TypeTerminalError, command, "", res.Stderr))
			}
			rc.Emit(events.NewTerminal(events.TypeTerminalComplete, command, "", ""))

			out := res.Stdout
			if res.Stderr != "" {
				out += res.Stderr
			}
			if res.ExitCode != 0 {
				return "", fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(out))
			}
			return out, nil
		},
	}
}

func newReadFile() Tool {
	return &funcTool{
		name:        "read_file",
		description: "Read a file from the sandbox workspace.",
		category:    CategoryFileOps,
		schema: ObjectSchema(map[string]any{
			"path": Prop("string", "Absolute path of the file"),
		}, "path"),
		handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			session, err := executionSession(ctx, rc)
			if err != nil {
				return "", err
			}
			data, err := session.Runtime.ReadFile(ctx, path)
			if err != nil {
				return "", err
			}
			session.Touch()
			return string(data), nil
		},
	}
}

func newWriteFile() Tool {
	return &funcTool{
		name:        "write_file",
		description: "Write a file into the sandbox workspace.",
		category:    CategoryFileOps,
		schema: ObjectSchema(map[string]any{
			"path":    Prop("string", "Absolute path of the file"),
			"content": Prop("string", "File content"),
		}, "path", "content"),
		handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			content, _ := args["content"].(string)

			session, err := executionSession(ctx, rc)
			if err != nil {
				return "", err
			}
			if err := session.Runtime.WriteFile(ctx, path, []byte(content)); err != nil {
				return "", err
			}
			session.Touch()
			rc.Emit(events.NewWorkspaceUpdate(path, "write"))
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	}
}

func newDeployPreview() Tool {
	return &funcTool{
		name:        "deploy_preview",
		description: "Serve the sandbox workspace over HTTP and return a public preview URL.",
		category:    CategoryDeploy,
		schema: ObjectSchema(map[string]any{
			"directory": Prop("string", "Directory to serve (default /workspace)"),
			"port":      Prop("integer", "Port to serve on (default 8080)"),
		}),
		handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
			dir := optStringArg(args, "directory", "/workspace")
			port := intArg(args, "port", 8080)

			session, err := executionSession(ctx, rc)
			if err != nil {
				return "", err
			}
			cmd := fmt.Sprintf(
				"nohup python3 -m http.server %d --directory %s >/tmp/preview.log 2>&1 & sleep 0.5",
				port, dir)
			if _, err := session.Runtime.RunCommand(ctx, cmd, 10*time.Second); err != nil {
				return "", fmt.Errorf("failed to start preview server: %w", err)
			}

			url, err := session.Runtime.GetHostURL(ctx, port)
			if err != nil {
				return "", fmt.Errorf("failed to expose preview port: %w", err)
			}
			session.Touch()
			rc.Emit(events.NewWorkspaceUpdate(dir, "deploy"))
			return url, nil
		},
	}
}

func newGenerateImage(imager ImageGenerator) Tool {
	return &funcTool{
		name:        "generate_image",
		description: "Generate an image from a text prompt.",
		category:    CategoryImage,
		schema: ObjectSchema(map[string]any{
			"prompt": Prop("string", "Description of the image to generate"),
		}, "prompt"),
		handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
			prompt, err := stringArg(args, "prompt")
			if err != nil {
				return "", err
			}
			b64, mimeType, err := imager.GenerateImage(ctx, prompt)
			if err != nil {
				return "", fmt.Errorf("image generation failed: %w", err)
			}
			rc.Emit(events.NewImage(b64, mimeType, 0))
			return "Image generated and streamed to the client.", nil
		},
	}
}

func newBrowserTools() []Tool {
	return []Tool{
		&funcTool{
			name:        "browser_navigate",
			description: "Open a URL in the sandboxed browser.",
			category:    CategoryBrowser,
			schema: ObjectSchema(map[string]any{
				"url": Prop("string", "URL to open"),
			}, "url"),
			handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
				url, err := stringArg(args, "url")
				if err != nil {
					return "", err
				}
				desktop, session, err := desktopSession(ctx, rc)
				if err != nil {
					return "", err
				}
				if err := desktop.LaunchBrowser(ctx, url); err != nil {
					return "", err
				}
				session.Touch()
				rc.Emit(events.NewBrowserAction("navigate", url))
				return "Opened " + url, nil
			},
		},
		&funcTool{
			name:        "browser_click",
			description: "Click at screen coordinates in the sandboxed browser.",
			category:    CategoryBrowser,
			schema: ObjectSchema(map[string]any{
				"x":      Prop("integer", "X coordinate"),
				"y":      Prop("integer", "Y coordinate"),
				"double": Prop("boolean", "Double-click instead of single click"),
			}, "x", "y"),
			handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
				x, y := intArg(args, "x", 0), intArg(args, "y", 0)
				double, _ := args["double"].(bool)
				desktop, session, err := desktopSession(ctx, rc)
				if err != nil {
					return "", err
				}
				if err := desktop.Click(ctx, x, y, sandbox.ButtonLeft, double); err != nil {
					return "", err
				}
				session.Touch()
				rc.Emit(events.NewBrowserAction("click", fmt.Sprintf("(%d,%d)", x, y)))
				return fmt.Sprintf("Clicked at (%d, %d)", x, y), nil
			},
		},
		&funcTool{
			name:        "browser_type",
			description: "Type text into the focused element of the sandboxed browser.",
			category:    CategoryBrowser,
			schema: ObjectSchema(map[string]any{
				"text": Prop("string", "Text to type"),
			}, "text"),
			handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
				text, err := stringArg(args, "text")
				if err != nil {
					return "", err
				}
				desktop, session, err := desktopSession(ctx, rc)
				if err != nil {
					return "", err
				}
				if err := desktop.TypeViaClipboard(ctx, text); err != nil {
					return "", err
				}
				session.Touch()
				rc.Emit(events.NewBrowserAction("type", fmt.Sprintf("%d chars", len(text))))
				return "Typed text.", nil
			},
		},
		&funcTool{
			name:        "browser_screenshot",
			description: "Capture a screenshot of the sandboxed browser.",
			category:    CategoryBrowser,
			schema:      ObjectSchema(map[string]any{}),
			handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
				desktop, session, err := desktopSession(ctx, rc)
				if err != nil {
					return "", err
				}
				png, err := desktop.Screenshot(ctx)
				if err != nil {
					return "", err
				}
				session.Touch()
				rc.Emit(events.NewImage(base64.StdEncoding.EncodeToString(png), "image/png", 0))
				return "Screenshot streamed to the client.", nil
			},
		},
		&funcTool{
			name:        "browser_extract_content",
			description: "Extract the readable text content of the current browser page.",
			category:    CategoryBrowser,
			schema:      ObjectSchema(map[string]any{}),
			handler: func(ctx context.Context, rc *RunContext, args map[string]any) (string, error) {
				desktop, session, err := desktopSession(ctx, rc)
				if err != nil {
					return "", err
				}
				content, err := desktop.ExtractPageContent(ctx)
				if err != nil {
					return "", err
				}
				session.Touch()
				rc.Emit(events.NewBrowserAction("extract_content", fmt.Sprintf("%d chars", len(content))))
				return content, nil
			},
		},
	}
}

func executionSession(ctx context.Context, rc *RunContext) (*sandbox.Session, error) {
	if rc == nil || rc.Sandbox == nil {
		return nil, fmt.Errorf("no sandbox manager attached to this run")
	}
	return rc.Sandbox.GetOrCreate(ctx, sandbox.KindExecution, rc.UserID, rc.TaskID)
}

// desktopSession returns the desktop runtime for the run, making sure
// the live stream is announced before the first action.
func desktopSession(ctx context.Context, rc *RunContext) (sandbox.DesktopRuntime, *sandbox.Session, error) {
	if rc == nil || rc.Sandbox == nil {
		return nil, nil, fmt.Errorf("no sandbox manager attached to this run")
	}
	session, err := rc.Sandbox.GetOrCreate(ctx, sandbox.KindDesktop, rc.UserID, rc.TaskID)
	if err != nil {
		return nil, nil, err
	}
	if err := rc.Sandbox.EnsureStreamReady(ctx, session, rc.Bus, 0); err != nil {
		return nil, nil, err
	}
	desktop, ok := session.Runtime.(sandbox.DesktopRuntime)
	if !ok {
		return nil, nil, fmt.Errorf("desktop session has no GUI runtime")
	}
	return desktop, session, nil
}

// marshalJSON renders a value for tool results.
func marshalJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
