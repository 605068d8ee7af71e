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

package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/llms"
)

// RegisterBuiltins registers the builtin skill set at L1.
func RegisterBuiltins(r *Registry) error {
	defs := []Definition{
		{
			Metadata: Metadata{
				ID:          "summarize_page",
				Description: "Open a URL in the sandboxed browser, extract its content, and summarize it.",
				Category:    "research",
				Tags:        []string{"browser", "summary"},
				Params: map[string]any{
					"url": map[string]any{"type": "string", "description": "Page to summarize"},
				},
				Enabled: true,
			},
			NewExecutor: func() (Executor, error) { return &summarizePage{}, nil },
		},
		{
			Metadata: Metadata{
				ID:          "quick_chart",
				Description: "Render a bar chart from labeled values and stream it to the client.",
				Category:    "visualization",
				Tags:        []string{"chart", "python"},
				Params: map[string]any{
					"title":  map[string]any{"type": "string", "description": "Chart title"},
					"labels": map[string]any{"type": "string", "description": "Comma-separated labels"},
					"values": map[string]any{"type": "string", "description": "Comma-separated numbers"},
				},
				Enabled: true,
			},
			NewExecutor: func() (Executor, error) { return &quickChart{}, nil },
		},
		{
			Metadata: Metadata{
				ID:          "workspace_report",
				Description: "Inspect the sandbox workspace and report its structure and recent changes.",
				Category:    "reporting",
				Tags:        []string{"shell", "summary"},
				Enabled:     true,
			},
			NewExecutor: func() (Executor, error) { return &workspaceReport{}, nil },
		},
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

type summarizePage struct{}

func (s *summarizePage) Execute(ctx context.Context, ec *ExecContext, params map[string]any) (string, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return "", fmt.Errorf("url parameter is required")
	}

	navigate, err := ec.Tools.Get("browser_navigate")
	if err != nil {
		return "", err
	}
	if _, err := navigate.Execute(ctx, ec.Run, map[string]any{"url": url}); err != nil {
		return "", err
	}

	extract, err := ec.Tools.Get("browser_extract_content")
	if err != nil {
		return "", err
	}
	content, err := extract.Execute(ctx, ec.Run, map[string]any{})
	if err != nil {
		return "", err
	}
	if len(content) > 12000 {
		content = content[:12000]
	}

	resp, err := ec.Provider.Generate(ctx, llms.Request{
		Messages: []llms.Message{{
			Role:    llms.RoleUser,
			Content: "Summarize this page in a few short paragraphs:\n\n" + content,
		}},
		Temperature: -1,
	})
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}

	if ec.Run != nil {
		ec.Run.Emit(events.NewSkillOutput("summarize_page", resp.Text))
	}
	return resp.Text, nil
}

const chartScript = `import matplotlib
matplotlib.use("Agg")
import matplotlib.pyplot as plt
labels = %q.split(",")
values = [float(v) for v in %q.split(",")]
plt.bar(labels, values)
plt.title(%q)
plt.savefig("/workspace/chart.png")
print("chart written to /workspace/chart.png")
`

type quickChart struct{}

func (s *quickChart) Execute(ctx context.Context, ec *ExecContext, params map[string]any) (string, error) {
	labels, _ := params["labels"].(string)
	values, _ := params["values"].(string)
	title, _ := params["title"].(string)
	if labels == "" || values == "" {
		return "", fmt.Errorf("labels and values parameters are required")
	}
	if strings.Count(labels, ",") != strings.Count(values, ",") {
		return "", fmt.Errorf("labels and values must have the same length")
	}

	execTool, err := ec.Tools.Get("execute_code")
	if err != nil {
		return "", err
	}
	out, err := execTool.Execute(ctx, ec.Run, map[string]any{
		"code":     fmt.Sprintf(chartScript, labels, values, title),
		"language": "python",
	})
	if err != nil {
		return "", err
	}

	if ec.Run != nil {
		ec.Run.Emit(events.NewSkillOutput("quick_chart", out))
	}
	return out, nil
}

type workspaceReport struct{}

func (s *workspaceReport) Execute(ctx context.Context, ec *ExecContext, params map[string]any) (string, error) {
	shell, err := ec.Tools.Get("run_shell")
	if err != nil {
		return "", err
	}
	listing, err := shell.Execute(ctx, ec.Run, map[string]any{
		"command": "find /workspace -maxdepth 3 -newer /tmp -printf '%T@ %p\\n' 2>/dev/null | sort -rn | head -50; ls -la /workspace",
	})
	if err != nil {
		return "", err
	}

	resp, err := ec.Provider.Generate(ctx, llms.Request{
		Messages: []llms.Message{{
			Role:    llms.RoleUser,
			Content: "Describe this workspace listing: what is in it and what changed recently?\n\n" + listing,
		}},
		Temperature: -1,
	})
	if err != nil {
		return "", fmt.Errorf("report generation failed: %w", err)
	}

	if ec.Run != nil {
		ec.Run.Emit(events.NewSkillOutput("workspace_report", resp.Text))
	}
	return resp.Text, nil
}
