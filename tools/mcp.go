package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/internal/httpclient"
	"github.com/aofdev/aof/llms"
)

const (
	mcpProtocolVersion = "2024-11-05"
	mcpClientName      = "aof"
	mcpClientVersion   = "1.0.0"

	// sseResponseTimeout bounds reading one response off an SSE stream.
	sseResponseTimeout = 5 * time.Minute
)

// MCPExecutor aggregates tools from one or more MCP servers behind the
// Executor interface. Connections are established lazily on first use.
type MCPExecutor struct {
	mu      sync.Mutex
	servers []*mcpServer
	// byTool maps a tool name to its owning server; first server wins on
	// duplicate names.
	byTool map[string]*mcpServer
	order  []string
}

// mcpServer is one connected MCP server.
type mcpServer struct {
	spec config.McpServerSpec

	mu        sync.Mutex
	stdio     *client.Client
	http      *httpclient.Client
	sessionID string
	tools     []mcpToolInfo
	connected bool
	filter    map[string]bool
	nextID    int
}

type mcpToolInfo struct {
	name   string
	desc   string
	schema map[string]any
}

// NewMCPExecutor builds an executor over the given server specs.
func NewMCPExecutor(specs []config.McpServerSpec) (*MCPExecutor, error) {
	if len(specs) == 0 {
		return nil, NewToolError("MCPExecutor", "Build", "no MCP servers configured", nil)
	}
	e := &MCPExecutor{byTool: make(map[string]*mcpServer)}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		srv := &mcpServer{spec: spec}
		if len(spec.ToolFilter) > 0 {
			srv.filter = make(map[string]bool, len(spec.ToolFilter))
			for _, name := range spec.ToolFilter {
				srv.filter[name] = true
			}
		}
		e.servers = append(e.servers, srv)
	}
	return e, nil
}

func (e *MCPExecutor) ListTools(ctx context.Context) ([]llms.ToolDefinition, error) {
	if err := e.connectAll(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defs := make([]llms.ToolDefinition, 0, len(e.order))
	for _, name := range e.order {
		srv := e.byTool[name]
		for _, t := range srv.tools {
			if t.name == name {
				defs = append(defs, llms.ToolDefinition{
					Name:        t.name,
					Description: t.desc,
					Parameters:  t.schema,
				})
				break
			}
		}
	}
	return defs, nil
}

func (e *MCPExecutor) Execute(ctx context.Context, name string, args map[string]any) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = errorResult(start, "tool %s panicked: %v", name, r)
		}
	}()

	if err := e.connectAll(ctx); err != nil {
		return errorResult(start, "MCP connect failed: %v", err)
	}

	e.mu.Lock()
	srv := e.byTool[name]
	e.mu.Unlock()
	if srv == nil {
		return errorResult(start, "unknown tool %q", name)
	}

	text, err := srv.call(ctx, name, args)
	if err != nil {
		if srv.spec.AutoReconnect && srv.spec.Transport == config.TransportStdio {
			if rerr := srv.reconnect(ctx); rerr == nil {
				text, err = srv.call(ctx, name, args)
			}
		}
		if err != nil {
			return errorResult(start, "MCP call failed: %v", err)
		}
	}
	return Result{OK: true, Data: text, Duration: time.Since(start)}
}

// connectAll establishes all pending connections and indexes their tools.
func (e *MCPExecutor) connectAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, srv := range e.servers {
		srv.mu.Lock()
		connected := srv.connected
		srv.mu.Unlock()
		if connected {
			continue
		}
		if err := srv.connect(ctx); err != nil {
			return NewToolError("MCPExecutor", "Connect",
				fmt.Sprintf("server %q", srv.spec.Name), err)
		}
		for _, t := range srv.tools {
			if _, exists := e.byTool[t.name]; exists {
				slog.Warn("duplicate MCP tool name, keeping first registration",
					"tool", t.name, "server", srv.spec.Name)
				continue
			}
			e.byTool[t.name] = srv
			e.order = append(e.order, t.name)
		}
	}
	return nil
}

func (e *MCPExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for _, srv := range e.servers {
		if err := srv.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *mcpServer) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.spec.Transport == config.TransportStdio {
		return s.connectStdio(ctx)
	}
	return s.connectHTTP(ctx)
}

func (s *mcpServer) reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.stdio != nil {
		_ = s.stdio.Close()
		s.stdio = nil
	}
	s.connected = false
	s.mu.Unlock()
	return s.connect(ctx)
}

func (s *mcpServer) connectStdio(ctx context.Context) error {
	env := make([]string, 0, len(s.spec.Env))
	for k, v := range s.spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(s.spec.Command, env, s.spec.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: mcpClientName, Version: mcpClientVersion}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	s.tools = s.tools[:0]
	for _, t := range listResp.Tools {
		if s.filter != nil && !s.filter[t.Name] {
			continue
		}
		s.tools = append(s.tools, mcpToolInfo{
			name:   t.Name,
			desc:   t.Description,
			schema: schemaToMap(t.InputSchema),
		})
	}

	s.stdio = mcpClient
	s.connected = true
	slog.Info("connected to MCP server",
		"server", s.spec.Name, "transport", "stdio",
		"command", s.spec.Command, "tools", len(s.tools))
	return nil
}

func (s *mcpServer) connectHTTP(ctx context.Context) error {
	s.http = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initParams := map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": mcpClientName, "version": mcpClientVersion},
		"capabilities":    map[string]any{},
	}
	for k, v := range s.spec.InitOptions {
		initParams[k] = v
	}
	initResp, err := s.rpc(ctx, "initialize", initParams)
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	s.tools = s.tools[:0]
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if s.filter != nil && !s.filter[name] {
			continue
		}
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)
		s.tools = append(s.tools, mcpToolInfo{name: name, desc: desc, schema: schema})
	}

	s.connected = true
	slog.Info("connected to MCP server",
		"server", s.spec.Name, "transport", s.spec.Transport,
		"endpoint", s.spec.Endpoint, "tools", len(s.tools))
	return nil
}

// call executes one tool and collapses the MCP content blocks to text.
func (s *mcpServer) call(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.Lock()
	stdio := s.stdio
	s.mu.Unlock()

	if stdio != nil {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		resp, err := stdio.CallTool(ctx, req)
		if err != nil {
			return "", err
		}
		var texts []string
		for _, content := range resp.Content {
			if tc, ok := content.(mcp.TextContent); ok {
				texts = append(texts, tc.Text)
			}
		}
		joined := strings.Join(texts, "\n")
		if resp.IsError {
			if joined == "" {
				joined = "unknown error"
			}
			return "", fmt.Errorf("%s", joined)
		}
		return joined, nil
	}

	resp, err := s.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("%s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		data, _ := json.Marshal(resp.Result)
		return string(data), nil
	}
	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	joined := strings.Join(texts, "\n")
	if isError, _ := resultMap["isError"].(bool); isError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("%s", joined)
	}
	return joined, nil
}

// JSON-RPC envelope for the sse/http transports.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *mcpServer) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	sessionID := s.sessionID
	hc := s.http
	s.mu.Unlock()

	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.spec.Endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if newSession := httpResp.Header.Get("mcp-session-id"); newSession != "" {
		s.mu.Lock()
		s.sessionID = newSession
		s.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(respBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(httpResp)
	}

	defer func() { _ = httpResp.Body.Close() }()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC message off an SSE body.
func readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type outcome struct {
		resp *jsonRPCResponse
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() { _ = httpResp.Body.Close() }()

		reader := bufio.NewReader(httpResp.Body)
		var data strings.Builder
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			line = strings.TrimSpace(line)
			if line == "" {
				if data.Len() > 0 {
					var resp jsonRPCResponse
					if json.Unmarshal([]byte(data.String()), &resp) == nil {
						done <- outcome{resp: &resp}
						return
					}
					data.Reset()
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
		if data.Len() > 0 {
			var resp jsonRPCResponse
			if json.Unmarshal([]byte(data.String()), &resp) == nil {
				done <- outcome{resp: &resp}
				return
			}
		}
		done <- outcome{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-done:
		return res.resp, res.err
	case <-time.After(sseResponseTimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", sseResponseTimeout)
	}
}

func (s *mcpServer) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdio != nil {
		err := s.stdio.Close()
		s.stdio = nil
		s.connected = false
		return err
	}
	s.http = nil
	s.connected = false
	return nil
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

var _ Executor = (*MCPExecutor)(nil)
