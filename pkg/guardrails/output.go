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

package guardrails

import (
	"regexp"
	"strings"
)

// Secret-shaped strings that must never reach the client verbatim.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{40,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// harmfulPatterns block the whole response: the caller replaces it
// with a refusal.
var harmfulPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)how to (build|make|construct) (a |an )?(pipe |nail |car )?bomb`),
	regexp.MustCompile(`(?i)(synthesi[sz]e|manufacture|produce) (a )?(nerve agent|sarin|vx|ricin|chemical weapon)`),
	regexp.MustCompile(`(?i)(here is|here's) (the |a |your )?(working |functional )?(ransomware|keylogger|botnet)`),
}

// leakPhrases indicate the model is echoing its own operating context.
var leakPhrases = []string{
	"my system prompt is",
	"my instructions are as follows",
	"here is my system prompt",
}

// OutputScanner checks assembled model output before it is surfaced.
// Harmful content blocks the response outright; secrets are redacted
// rather than blocking the whole answer; prompt leaks are flagged.
type OutputScanner struct {
	extra []*regexp.Regexp
}

// OutputOption configures an OutputScanner.
type OutputOption func(*OutputScanner)

// WithRedactPatterns appends custom patterns to redact from output.
func WithRedactPatterns(patterns ...*regexp.Regexp) OutputOption {
	return func(s *OutputScanner) { s.extra = append(s.extra, patterns...) }
}

// NewOutputScanner creates a scanner with the built-in rules.
func NewOutputScanner(opts ...OutputOption) *OutputScanner {
	s := &OutputScanner{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan inspects output text. Matches produce a flagged verdict whose
// Sanitized field carries the redacted text.
func (s *OutputScanner) Scan(text string) Verdict {
	for _, re := range harmfulPatterns {
		if re.MatchString(text) {
			return Block("harmful content in output", 0.95,
				Violation{Rule: "harmful_content", Detail: re.String()})
		}
	}

	var violations []Violation
	sanitized := text

	for _, re := range append(secretPatterns, s.extra...) {
		if re.MatchString(sanitized) {
			sanitized = re.ReplaceAllString(sanitized, "[REDACTED]")
			violations = append(violations, Violation{Rule: "secret_leak", Detail: re.String()})
		}
	}

	lower := strings.ToLower(text)
	for _, phrase := range leakPhrases {
		if strings.Contains(lower, phrase) {
			violations = append(violations, Violation{Rule: "prompt_leak", Detail: phrase})
		}
	}

	if len(violations) == 0 {
		return Pass()
	}
	v := Flag("sensitive content in output", 0.85, violations...)
	if sanitized != text {
		v.Sanitized = sanitized
	}
	return v
}
