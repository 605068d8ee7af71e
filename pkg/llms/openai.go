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

// OpenAIProvider speaks the OpenAI Chat Completions API.
type OpenAIProvider struct {
	cfg        *config.LLMProviderConfig
	model      string
	httpClient *httpclient.Client
}

// NewOpenAIProvider creates a provider. model overrides the config
// default when non-empty.
func NewOpenAIProvider(cfg *config.LLMProviderConfig, model string) (*OpenAIProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api_key is required")
	}
	if model == "" {
		model = cfg.Model
	}
	return &OpenAIProvider{
		cfg:   cfg,
		model: model,
		httpClient: httpclient.New(
			httpclient.WithTimeout(cfg.Timeout),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) ModelName() string { return p.model }
func (p *OpenAIProvider) Close() error      { return nil }

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Arguments   string         `json:"arguments,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id,omitempty"`
	Index    *int           `json:"index,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openAIFunction `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Tools         []openAITool    `json:"tools,omitempty"`
	MaxTokens     int             `json:"max_completion_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type openAIChoice struct {
	Message      *openAIMessage `json:"message,omitempty"`
	Delta        *openAIMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) openAIRequest {
	out := openAIRequest{
		Model:     p.model,
		MaxTokens: p.cfg.MaxTokens,
		Stream:    stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	temp := p.cfg.Temperature
	if req.Temperature >= 0 {
		temp = req.Temperature
	}
	out.Temperature = &temp
	if stream {
		out.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}

	if req.System != "" {
		out.Messages = append(out.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			m := openAIMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Args)
				m.ToolCalls = append(m.ToolCalls, openAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openAIFunction{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out.Messages = append(out.Messages, m)
		case RoleTool:
			out.Messages = append(out.Messages, openAIMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
				Name:       msg.ToolName,
			})
		default:
			out.Messages = append(out.Messages, openAIMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, body any) (*http.Request, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	return req, nil
}

// Generate performs a blocking chat completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai API returned status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("openai API error %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai API returned no choices")
	}

	choice := apiResp.Choices[0]
	out := &Response{StopReason: choice.FinishReason}
	if apiResp.Usage != nil {
		out.Usage = p.usage(*apiResp.Usage)
	}
	if choice.Message != nil {
		out.Text = choice.Message.Content
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, decodeOpenAIToolCall(tc))
		}
	}
	return out, nil
}

func decodeOpenAIToolCall(tc openAIToolCall) ToolCall {
	args := make(map[string]any)
	if tc.Function.Arguments != "" {
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
	}
	return ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args}
}

// Stream performs a streaming chat completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("openai API returned status %d: %s", resp.StatusCode, string(body))
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

func (p *OpenAIProvider) readStream(body io.Reader, ch chan<- StreamChunk) error {
	// Tool call fragments accumulate by index until the stream ends.
	type pending struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*pending)
	var order []int
	usage := Usage{Model: p.model}

	flush := func() {
		for _, idx := range order {
			pc := calls[idx]
			args := make(map[string]any)
			if pc.args.Len() > 0 {
				_ = json.Unmarshal([]byte(pc.args.String()), &args)
			}
			ch <- StreamChunk{Type: ChunkToolCall, ToolCall: &ToolCall{
				ID: pc.id, Name: pc.name, Args: args,
			}}
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			flush()
			ch <- StreamChunk{Type: ChunkDone, Usage: &usage}
			return nil
		}

		var event openAIResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("failed to decode stream event: %w", err)
		}
		if event.Usage != nil {
			usage = p.usage(*event.Usage)
		}
		if len(event.Choices) == 0 || event.Choices[0].Delta == nil {
			continue
		}

		delta := event.Choices[0].Delta
		if delta.Content != "" {
			ch <- StreamChunk{Type: ChunkText, Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := calls[idx]
			if !ok {
				pc = &pending{}
				calls[idx] = pc
				order = append(order, idx)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	flush()
	ch <- StreamChunk{Type: ChunkDone, Usage: &usage}
	return nil
}

func (p *OpenAIProvider) usage(u openAIUsage) Usage {
	out := Usage{
		Model:        p.model,
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

var _ Provider = (*OpenAIProvider)(nil)
