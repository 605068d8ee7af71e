package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/httpclient"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Anthropic Messages API.
type AnthropicProvider struct {
	cfg        *config.LLMProviderConfig
	model      string
	httpClient *httpclient.Client
}

// NewAnthropicProvider creates a provider. model overrides the config
// default when non-empty (tiers use this).
func NewAnthropicProvider(cfg *config.LLMProviderConfig, model string) (*AnthropicProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api_key is required")
	}
	if model == "" {
		model = cfg.Model
	}
	return &AnthropicProvider{
		cfg:   cfg,
		model: model,
		httpClient: httpclient.New(
			httpclient.WithTimeout(cfg.Timeout),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) ModelName() string { return p.model }
func (p *AnthropicProvider) Close() error      { return nil }

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta,omitempty"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
}

func (p *AnthropicProvider) buildRequest(req Request, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:     p.model,
		MaxTokens: p.cfg.MaxTokens,
		System:    req.System,
		Stream:    stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature >= 0 {
		out.Temperature = req.Temperature
	} else {
		out.Temperature = p.cfg.Temperature
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			// Anthropic takes the system prompt out of band; fold extra
			// system messages into it.
			if out.System == "" {
				out.System = msg.Content
			} else {
				out.System += "\n\n" + msg.Content
			}
		case RoleAssistant:
			var content []anthropicContent
			if msg.Content != "" {
				content = append(content, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropicContent{
					Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Args,
				})
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: content})
		case RoleTool:
			out.Messages = append(out.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content,
				}},
			})
		default:
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})
		}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return out
}

func (p *AnthropicProvider) newHTTPRequest(ctx context.Context, body any) (*http.Request, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

// Generate performs a blocking Messages API call.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic API error %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	out := &Response{
		StopReason: apiResp.StopReason,
		Usage:      p.usage(apiResp.Usage),
	}
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID: block.ID, Name: block.Name, Args: block.Input,
			})
		}
	}
	return out, nil
}

// Stream performs a streaming Messages API call.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(body))
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		if err := p.readStream(resp.Body, ch); err != nil {
			ch <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return ch, nil
}

func (p *AnthropicProvider) readStream(body io.Reader, ch chan<- StreamChunk) error {
	toolCalls := make(map[int]*ToolCall)
	toolJSON := make(map[int]string)
	usage := Usage{Model: p.model}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return fmt.Errorf("failed to decode stream event: %w", err)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
				usage.CacheReadTokens = event.Message.Usage.CacheReadInputTokens
				usage.CacheWriteTokens = event.Message.Usage.CacheCreationInputTokens
			}
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolCalls[event.Index] = &ToolCall{
					ID:   event.ContentBlock.ID,
					Name: event.ContentBlock.Name,
					Args: make(map[string]any),
				}
				toolJSON[event.Index] = ""
			}
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Text != "" {
				ch <- StreamChunk{Type: ChunkText, Text: event.Delta.Text}
			}
			if event.Delta.Type == "input_json_delta" && event.Delta.PartialJSON != "" {
				toolJSON[event.Index] += event.Delta.PartialJSON
			}
		case "content_block_stop":
			if tc, ok := toolCalls[event.Index]; ok {
				if jsonStr := toolJSON[event.Index]; jsonStr != "" {
					var args map[string]any
					if err := json.Unmarshal([]byte(jsonStr), &args); err == nil {
						tc.Args = args
					}
				}
				ch <- StreamChunk{Type: ChunkToolCall, ToolCall: tc}
			}
		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			ch <- StreamChunk{Type: ChunkDone, Usage: &usage}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	// Stream ended without message_stop; still surface what we have.
	ch <- StreamChunk{Type: ChunkDone, Usage: &usage}
	return nil
}

func (p *AnthropicProvider) usage(u anthropicUsage) Usage {
	return Usage{
		Model:            p.model,
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
	}
}

var _ Provider = (*AnthropicProvider)(nil)
