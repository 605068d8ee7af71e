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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kadirpekel/skein/pkg/httpclient"
)

// DuckDuckGoSearcher queries the DuckDuckGo instant-answer API. It
// needs no API key, which makes it the default web_search backend.
type DuckDuckGoSearcher struct {
	baseURL string
	client  *httpclient.Client
}

func NewDuckDuckGoSearcher() *DuckDuckGoSearcher {
	return &DuckDuckGoSearcher{
		baseURL: "https://api.duckduckgo.com/",
		client: httpclient.New(
			httpclient.WithTimeout(15*time.Second),
			httpclient.WithMaxRetries(2),
		),
	}
}

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

func (s *DuckDuckGoSearcher) Search(ctx context.Context, query string, max int) ([]SearchResult, error) {
	if max <= 0 {
		max = 5
	}
	endpoint := s.baseURL + "?" + url.Values{
		"q":           {query},
		"format":      {"json"},
		"no_redirect": {"1"},
		"no_html":     {"1"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned %d", resp.StatusCode)
	}

	var parsed struct {
		AbstractText   string     `json:"AbstractText"`
		AbstractURL    string     `json:"AbstractURL"`
		Heading        string     `json:"Heading"`
		RelatedTopics  []ddgTopic `json:"RelatedTopics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	var results []SearchResult
	if parsed.AbstractText != "" {
		results = append(results, SearchResult{
			Title:   parsed.Heading,
			URL:     parsed.AbstractURL,
			Snippet: parsed.AbstractText,
		})
	}
	var flatten func(topics []ddgTopic)
	flatten = func(topics []ddgTopic) {
		for _, topic := range topics {
			if len(results) >= max {
				return
			}
			if len(topic.Topics) > 0 {
				flatten(topic.Topics)
				continue
			}
			if topic.FirstURL == "" {
				continue
			}
			title := topic.Text
			if i := strings.Index(title, " - "); i > 0 {
				title = title[:i]
			}
			results = append(results, SearchResult{
				Title:   title,
				URL:     topic.FirstURL,
				Snippet: topic.Text,
			})
		}
	}
	flatten(parsed.RelatedTopics)

	if len(results) > max {
		results = results[:max]
	}
	return results, nil
}

// OpenAIImageGenerator backs generate_image with the OpenAI images API.
type OpenAIImageGenerator struct {
	baseURL string
	apiKey  string
	model   string
	client  *httpclient.Client
}

func NewOpenAIImageGenerator(baseURL, apiKey, model string) *OpenAIImageGenerator {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-image-1"
	}
	return &OpenAIImageGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client: httpclient.New(
			httpclient.WithTimeout(2*time.Minute),
			httpclient.WithMaxRetries(2),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
}

func (g *OpenAIImageGenerator) GenerateImage(ctx context.Context, prompt string) (string, string, error) {
	body, err := json.Marshal(map[string]any{
		"model":  g.model,
		"prompt": prompt,
		"n":      1,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("image API returned %d: %s", resp.StatusCode, truncateBody(payload))
	}

	var parsed struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return "", "", fmt.Errorf("image API returned no image data")
	}
	return parsed.Data[0].B64JSON, "image/png", nil
}

var (
	_ Searcher       = (*DuckDuckGoSearcher)(nil)
	_ ImageGenerator = (*OpenAIImageGenerator)(nil)
)
