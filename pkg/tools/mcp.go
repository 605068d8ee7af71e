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
	"log/slog"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/httpclient"
)

const mcpProtocolVersion = "2024-11-05"

// mcpConn abstracts the transport behind an MCP server connection.
type mcpConn interface {
	ListTools(ctx context.Context) ([]mcpToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

type mcpToolInfo struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// MCPManager connects configured MCP servers and mirrors their tools
// into the registry as mcp_<tool> entries.
type MCPManager struct {
	registry *Registry

	mu    sync.Mutex
	conns map[string]mcpConn
}

func NewMCPManager(registry *Registry) *MCPManager {
	return &MCPManager{
		registry: registry,
		conns:    make(map[string]mcpConn),
	}
}

// ConnectAll connects every configured server. Failed connections are
// logged and skipped; startup never blocks on an unreachable server.
func (m *MCPManager) ConnectAll(ctx context.Context, servers []config.MCPServerConfig) {
	for _, cfg := range servers {
		if err := m.Connect(ctx, cfg); err != nil {
			slog.Warn("MCP server unavailable, skipping",
				"server", cfg.Name, "error", err)
		}
	}
}

// Connect establishes one server connection and registers its tools.
func (m *MCPManager) Connect(ctx context.Context, cfg config.MCPServerConfig) error {
	var conn mcpConn
	var err error
	if cfg.Command != "" {
		conn, err = dialStdio(ctx, cfg)
	} else {
		conn, err = dialHTTP(cfg)
	}
	if err != nil {
		return err
	}

	infos, err := conn.ListTools(ctx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to list tools on %s: %w", cfg.Name, err)
	}

	for _, info := range infos {
		m.registry.RegisterMCP(&mcpTool{
			server: cfg.Name,
			tool:   info.Name,
			desc:   info.Description,
			schema: normalizeSchema(info.InputSchema),
			conn:   conn,
		}, cfg.Name)
	}

	m.mu.Lock()
	m.conns[cfg.Name] = conn
	m.mu.Unlock()

	slog.Info("connected to MCP server",
		"server", cfg.Name, "tools", len(infos))
	return nil
}

// Disconnect removes a server and unregisters its tools.
func (m *MCPManager) Disconnect(server string) {
	m.mu.Lock()
	conn := m.conns[server]
	delete(m.conns, server)
	m.mu.Unlock()

	removed := m.registry.UnregisterServer(server)
	if conn != nil {
		conn.Close()
	}
	slog.Info("disconnected MCP server", "server", server, "tools_removed", removed)
}

// Close disconnects every server.
func (m *MCPManager) Close() {
	m.mu.Lock()
	servers := make([]string, 0, len(m.conns))
	for name := range m.conns {
		servers = append(servers, name)
	}
	m.mu.Unlock()
	for _, name := range servers {
		m.Disconnect(name)
	}
}

// mcpTool adapts a remote MCP tool to the Tool interface.
type mcpTool struct {
	server string
	tool   string
	desc   string
	schema map[string]any
	conn   mcpConn
}

func (t *mcpTool) Name() string { return "mcp_" + t.tool }

func (t *mcpTool) Description() string {
	return fmt.Sprintf("[MCP: %s] %s", t.server, t.desc)
}

func (t *mcpTool) Category() Category     { return CategoryMCP }
func (t *mcpTool) Schema() map[string]any { return t.schema }

func (t *mcpTool) Execute(ctx context.Context, _ *RunContext, args map[string]any) (string, error) {
	return t.conn.CallTool(ctx, t.tool, args)
}

// normalizeSchema keeps only recognized JSON-schema types in the
// property declarations, defaulting unknown types to string.
func normalizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return ObjectSchema(map[string]any{})
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return schema
	}
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch prop["type"] {
		case "string", "number", "integer", "boolean", "array", "object":
		default:
			prop["type"] = "string"
		}
		props[name] = prop
	}
	return schema
}

// stdioConn wraps the mcp-go stdio client.
type stdioConn struct {
	client *client.Client
}

func dialStdio(ctx context.Context, cfg config.MCPServerConfig) (*stdioConn, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	mcpClient, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn MCP server: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "skein", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP session: %w", err)
	}
	return &stdioConn{client: mcpClient}, nil
}

func (c *stdioConn) ListTools(ctx context.Context) ([]mcpToolInfo, error) {
	resp, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	infos := make([]mcpToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		var schema map[string]any
		if data, err := json.Marshal(t.InputSchema); err == nil {
			_ = json.Unmarshal(data, &schema)
		}
		infos = append(infos, mcpToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return infos, nil
}

func (c *stdioConn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	text := joinLines(texts)
	if resp.IsError {
		return "", fmt.Errorf("MCP tool error: %s", text)
	}
	return text, nil
}

func (c *stdioConn) Close() error { return c.client.Close() }

// httpConn speaks JSON-RPC over HTTP with retry/backoff.
type httpConn struct {
	url     string
	headers map[string]string
	client  *httpclient.Client

	mu        sync.Mutex
	sessionID string
	nextID    int
}

func dialHTTP(cfg config.MCPServerConfig) (*httpConn, error) {
	conn := &httpConn{
		url:     cfg.URL,
		headers: cfg.Headers,
		client: httpclient.New(
			httpclient.WithTimeout(cfg.Timeout),
			httpclient.WithMaxRetries(3),
		),
	}
	_, err := conn.call(context.Background(), "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "skein", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MCP session: %w", err)
	}
	return conn, nil
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *httpConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	sessionID := c.sessionID
	c.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": id, "method": method, "params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, truncateBody(payload))
	}

	var rpc rpcResponse
	if err := json.Unmarshal(payload, &rpc); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("MCP error %d: %s", rpc.Error.Code, rpc.Error.Message)
	}
	return rpc.Result, nil
}

func (c *httpConn) ListTools(ctx context.Context) ([]mcpToolInfo, error) {
	result, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}
	infos := make([]mcpToolInfo, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		infos = append(infos, mcpToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return infos, nil
}

func (c *httpConn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name": name, "arguments": args,
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse tools/call result: %w", err)
	}
	var texts []string
	for _, content := range parsed.Content {
		if content.Type == "text" {
			texts = append(texts, content.Text)
		}
	}
	text := joinLines(texts)
	if parsed.IsError {
		return "", fmt.Errorf("MCP tool error: %s", text)
	}
	return text, nil
}

func (c *httpConn) Close() error { return nil }

func truncateBody(b []byte) string {
	s := string(bytes.TrimSpace(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func joinLines(lines []string) string {
	switch len(lines) {
	case 0:
		return ""
	case 1:
		return lines[0]
	}
	var b bytes.Buffer
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}
