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
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// shellDenyPatterns block destructive or exfiltrating shell commands.
var shellDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*f[a-zA-Z]*\s+)?/(\s|$)`),
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*r[a-zA-Z]*f|\brm\s+-[a-zA-Z]*f[a-zA-Z]*r`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bshutdown\b|\breboot\b|\bhalt\b`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh`),
	regexp.MustCompile(`\bwget\b.*\|\s*(ba)?sh`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)?777\s+/(\s|$)`),
}

// suspiciousTLDs host phishing and throwaway infrastructure
// disproportionately often.
var suspiciousTLDs = []string{".zip", ".mov", ".click", ".country", ".gq", ".tk", ".ml"}

// urlArgKeys are tool argument names whose values are fetched as URLs.
var urlArgKeys = []string{"url", "uri", "link", "href", "target_url"}

// shellArgKeys are tool argument names whose values run in a shell.
var shellArgKeys = []string{"command", "cmd", "script", "shell"}

// ToolScanner validates tool calls before execution: URL arguments must
// use http(s), resolve to public hosts, and avoid flagged TLDs; shell
// arguments must not match the deny patterns.
type ToolScanner struct {
	allowPrivateHosts bool
	extraDeny         []*regexp.Regexp
}

// ToolOption configures a ToolScanner.
type ToolOption func(*ToolScanner)

// AllowPrivateHosts permits URLs resolving to loopback/private ranges;
// local development setups need this.
func AllowPrivateHosts() ToolOption {
	return func(s *ToolScanner) { s.allowPrivateHosts = true }
}

// WithDenyPatterns appends custom shell deny patterns.
func WithDenyPatterns(patterns ...*regexp.Regexp) ToolOption {
	return func(s *ToolScanner) { s.extraDeny = append(s.extraDeny, patterns...) }
}

// NewToolScanner creates a scanner with the built-in rules.
func NewToolScanner(opts ...ToolOption) *ToolScanner {
	s := &ToolScanner{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan validates one tool call.
func (s *ToolScanner) Scan(req ToolRequest) Verdict {
	for _, key := range urlArgKeys {
		raw, ok := req.Args[key].(string)
		if !ok || raw == "" {
			continue
		}
		if v := s.checkURL(raw); v.Blocked || v.Flagged {
			return v
		}
	}

	for _, key := range shellArgKeys {
		cmd, ok := req.Args[key].(string)
		if !ok || cmd == "" {
			continue
		}
		for _, re := range append(shellDenyPatterns, s.extraDeny...) {
			if re.MatchString(cmd) {
				return Block("destructive shell command", 0.9,
					Violation{Rule: "shell_deny", Detail: re.String()})
			}
		}
	}

	return Pass()
}

func (s *ToolScanner) checkURL(raw string) Verdict {
	u, err := url.Parse(raw)
	if err != nil {
		return Block("malformed URL", 0.6,
			Violation{Rule: "url_malformed", Detail: raw})
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return Block(fmt.Sprintf("URL scheme %q not allowed", u.Scheme), 0.95,
			Violation{Rule: "url_scheme", Detail: u.Scheme})
	}

	host := u.Hostname()
	if host == "" {
		return Block("URL has no host", 0.8, Violation{Rule: "url_host", Detail: raw})
	}

	if !s.allowPrivateHosts {
		if ip := net.ParseIP(host); ip != nil {
			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				return Block("URL resolves to a private address", 0.9,
					Violation{Rule: "url_private_ip", Detail: host})
			}
		}
		if host == "localhost" || strings.HasSuffix(host, ".local") ||
			strings.HasSuffix(host, ".internal") || strings.HasSuffix(host, ".corp") {
			return Block("URL targets an internal host", 0.9,
				Violation{Rule: "url_internal_host", Detail: host})
		}
	}

	lowerHost := strings.ToLower(host)
	for _, tld := range suspiciousTLDs {
		if strings.HasSuffix(lowerHost, tld) {
			return Flag("URL uses a frequently abused TLD", 0.5,
				Violation{Rule: "url_suspicious_tld", Detail: tld})
		}
	}

	return Pass()
}
