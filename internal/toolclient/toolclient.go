// Package toolclient is the long-lived connection to a single tool server,
// reached either over stdio (a child process speaking line-delimited
// JSON-RPC) or over HTTP (a remote server speaking the same JSON-RPC
// envelope at POST /mcp/v1). Both transports discover their tools via
// tools/list and invoke them via tools/call.
package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
)

// State is the connection lifecycle, spec §4.4: a client moves forward
// through these states and never backward except via explicit Close then
// Connect.
type State string

const (
	StateUnconnected  State = "unconnected"
	StateLaunching    State = "launching"
	StateInitialising State = "initialising"
	StateReady        State = "ready"
	StateClosed       State = "closed"
)

// HandshakeTimeout is how long Connect waits for the initialize handshake
// to complete before giving up (spec §4.4).
const HandshakeTimeout = 10 * time.Second

// ErrHandshakeTimeout is returned by Connect when the handshake does not
// complete within HandshakeTimeout.
var ErrHandshakeTimeout = fmt.Errorf("toolclient: handshake timed out after %s", HandshakeTimeout)

// Transport selects how a Config reaches its server.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Config describes one tool server connection.
type Config struct {
	Name        string
	Transport   Transport
	Command     string   // stdio
	Args        []string // stdio
	Env         []string // stdio
	URL         string   // http: base URL, POST /mcp/v1 issued against it
	Headers     map[string]string
	Description string
}

// ToolInfo is the discovery metadata for one server-provided tool.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Client is a single tool-server connection. Safe for concurrent use.
type Client struct {
	cfg Config

	mu      sync.RWMutex
	state   State
	stdio   sdk_client.MCPClient // non-nil only for stdio transport
	httpCli *http.Client         // non-nil only for http transport
	reqID   int64
}

// New creates an unconnected Client for cfg. Call Connect before ListTools
// or CallTool.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, state: StateUnconnected}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect establishes the transport and performs the initialize handshake,
// moving unconnected -> launching -> initialising -> ready. If the
// handshake does not complete within HandshakeTimeout the client moves to
// closed and ErrHandshakeTimeout is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateLaunching)

	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	switch c.cfg.Transport {
	case TransportStdio:
		if err := c.connectStdio(hctx); err != nil {
			c.setState(StateClosed)
			if hctx.Err() == context.DeadlineExceeded {
				return ErrHandshakeTimeout
			}
			return err
		}
	case TransportHTTP:
		if err := c.connectHTTP(hctx); err != nil {
			c.setState(StateClosed)
			if hctx.Err() == context.DeadlineExceeded {
				return ErrHandshakeTimeout
			}
			return err
		}
	default:
		c.setState(StateClosed)
		return fmt.Errorf("toolclient: unknown transport %q for server %q", c.cfg.Transport, c.cfg.Name)
	}

	c.setState(StateReady)
	return nil
}

func (c *Client) connectStdio(ctx context.Context) error {
	c.setState(StateInitialising)
	cli, err := sdk_client.NewStdioMCPClient(c.cfg.Command, c.cfg.Env, c.cfg.Args...)
	if err != nil {
		return fmt.Errorf("toolclient: launch stdio server %q: %w", c.cfg.Name, err)
	}
	if _, err := cli.Initialize(ctx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      sdk_mcp.Implementation{Name: "loom", Version: "0.1.0"},
		},
	}); err != nil {
		_ = cli.Close()
		return fmt.Errorf("toolclient: initialize stdio server %q: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.stdio = cli
	c.mu.Unlock()
	return nil
}

// connectHTTP only needs to confirm the server is reachable; the optional
// /health endpoint is used when present, falling back to a bare
// tools/list round trip otherwise.
func (c *Client) connectHTTP(ctx context.Context) error {
	c.setState(StateInitialising)
	c.mu.Lock()
	c.httpCli = &http.Client{Timeout: HandshakeTimeout}
	c.mu.Unlock()

	if req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/health", nil); err == nil {
		if resp, err := c.httpCli.Do(req); err == nil {
			resp.Body.Close()
			return nil
		}
	}

	_, err := c.rpcCall(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("toolclient: probe http server %q: %w", c.cfg.Name, err)
	}
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) rpcCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.reqID++
	id := c.reqID
	httpCli := c.httpCli
	c.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("toolclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/mcp/v1", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("toolclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpCli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("toolclient: %s to %q: %w", method, c.cfg.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("toolclient: read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("toolclient: parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("toolclient: %s on %q: %s (code %d)", method, c.cfg.Name, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	return rpcResp.Result, nil
}

// ListTools returns the tools exposed by the server.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if c.State() != StateReady {
		return nil, fmt.Errorf("toolclient: client %q not ready (state=%s)", c.cfg.Name, c.State())
	}

	c.mu.RLock()
	stdio := c.stdio
	c.mu.RUnlock()

	if stdio != nil {
		result, err := stdio.ListTools(ctx, sdk_mcp.ListToolsRequest{})
		if err != nil {
			return nil, fmt.Errorf("toolclient: list tools %q: %w", c.cfg.Name, err)
		}
		tools := make([]ToolInfo, 0, len(result.Tools))
		for _, t := range result.Tools {
			schema, err := json.Marshal(t.InputSchema)
			if err != nil {
				schema = json.RawMessage("{}")
			}
			tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
		return tools, nil
	}

	raw, err := c.rpcCall(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("toolclient: decode tools/list result: %w", err)
	}
	return payload.Tools, nil
}

// CallTool invokes name with args and returns its concatenated text result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if c.State() != StateReady {
		return "", fmt.Errorf("toolclient: client %q not ready (state=%s)", c.cfg.Name, c.State())
	}

	c.mu.RLock()
	stdio := c.stdio
	c.mu.RUnlock()

	if stdio != nil {
		req := sdk_mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		result, err := stdio.CallTool(ctx, req)
		if err != nil {
			return "", fmt.Errorf("toolclient: call %q on %q: %w", name, c.cfg.Name, err)
		}
		var parts []string
		for _, content := range result.Content {
			if tc, ok := content.(sdk_mcp.TextContent); ok {
				parts = append(parts, tc.Text)
			}
		}
		text := joinLines(parts)
		if result.IsError {
			return "", fmt.Errorf("toolclient: tool %q returned error: %s", name, text)
		}
		return text, nil
	}

	raw, err := c.rpcCall(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", err
	}
	var payload struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("toolclient: decode tools/call result: %w", err)
	}
	var parts []string
	for _, c := range payload.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	text := joinLines(parts)
	if payload.IsError {
		return "", fmt.Errorf("toolclient: tool %q returned error: %s", name, text)
	}
	return text, nil
}

func joinLines(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}

// Close terminates the connection and releases resources.
func (c *Client) Close() error {
	c.mu.Lock()
	stdio := c.stdio
	c.stdio = nil
	c.httpCli = nil
	c.mu.Unlock()
	c.setState(StateClosed)

	if stdio == nil {
		return nil
	}
	return stdio.Close()
}

// ReconnectPolicy builds the exponential-backoff retry schedule used when a
// ready client's connection drops and the caller wants it re-established.
func ReconnectPolicy() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

// Reconnect repeatedly calls Connect until it succeeds, ctx is cancelled, or
// the backoff policy gives up.
func Reconnect(ctx context.Context, c *Client) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.Connect(ctx)
	}, backoff.WithBackOff(ReconnectPolicy()))
	return err
}
