package toolclient

import (
	"context"
	"encoding/json"

	"github.com/agentloom/loom/internal/tool"
)

// ToolAdapter exposes one server-discovered tool through the tool.Tool
// interface so a registry built from a worker or the root registry can
// dispatch to it exactly like a native built-in. The client is already
// connected by the time tools are discovered (ListTools requires
// StateReady), so Init/Close are no-ops here — the client's own lifecycle
// is managed by whoever called Connect/Close on it.
type ToolAdapter struct {
	client *Client
	info   ToolInfo
}

// NewToolAdapter wraps info (as discovered via client.ListTools) so it can
// be registered onto a tool.Registry.
func NewToolAdapter(client *Client, info ToolInfo) *ToolAdapter {
	return &ToolAdapter{client: client, info: info}
}

func (a *ToolAdapter) Name() string                  { return a.info.Name }
func (a *ToolAdapter) Description() string           { return a.info.Description }
func (a *ToolAdapter) InputSchema() json.RawMessage  { return a.info.InputSchema }
func (a *ToolAdapter) Init(ctx context.Context) error { return nil }
func (a *ToolAdapter) Close() error                  { return nil }

// Execute unmarshals args into a map and forwards it to the server via
// CallTool. Any CallTool failure, whether a transport/protocol failure or
// a result the server flagged with isError, is returned as a non-nil error
// with the same message also set in ToolResult.Error; on success the
// tool's text comes back in ToolResult.Output.
func (a *ToolAdapter) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var params map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return tool.ToolResult{}, err
		}
	}
	text, err := a.client.CallTool(ctx, a.info.Name, params)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, err
	}
	return tool.ToolResult{Output: text}, nil
}
