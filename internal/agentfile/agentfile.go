// Package agentfile reads and writes the agent export directory format
// from spec §6: agent.json (the full agent specification) and an optional
// mcp_servers.json naming the tool servers the agent expects at runtime.
package agentfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentloom/loom/internal/goal"
	"github.com/agentloom/loom/internal/graphspec"
	"github.com/agentloom/loom/internal/toolclient"
)

// AgentMeta is the agent{id,name,version,description} block.
type AgentMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// Metadata is the metadata{created_at,node_count,edge_count} block.
type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
	NodeCount int       `json:"node_count"`
	EdgeCount int       `json:"edge_count"`
}

// AgentFile is the full contents of agent.json.
type AgentFile struct {
	Agent         AgentMeta          `json:"agent"`
	Graph         graphspec.GraphSpec `json:"graph"`
	Goal          goal.Goal          `json:"goal"`
	RequiredTools []string           `json:"required_tools"`
	Metadata      Metadata           `json:"metadata"`
}

const agentFileName = "agent.json"

// New builds an AgentFile from a graph and goal, computing node_count and
// edge_count from the graph and stamping created_at with createdAt.
func New(meta AgentMeta, g graphspec.GraphSpec, gl goal.Goal, requiredTools []string, createdAt time.Time) *AgentFile {
	return &AgentFile{
		Agent:         meta,
		Graph:         g,
		Goal:          gl,
		RequiredTools: requiredTools,
		Metadata: Metadata{
			CreatedAt: createdAt,
			NodeCount: len(g.Nodes),
			EdgeCount: len(g.Edges),
		},
	}
}

// Save writes agent.json under dir, creating dir if necessary.
func (a *AgentFile) Save(dir string) error {
	blob, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("agentfile: marshal %s: %w", agentFileName, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("agentfile: create %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, agentFileName), blob, 0o644); err != nil {
		return fmt.Errorf("agentfile: write %s: %w", agentFileName, err)
	}
	return nil
}

// Load reads agent.json from dir.
func Load(dir string) (*AgentFile, error) {
	blob, err := os.ReadFile(filepath.Join(dir, agentFileName))
	if err != nil {
		return nil, fmt.Errorf("agentfile: read %s: %w", agentFileName, err)
	}
	var a AgentFile
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, fmt.Errorf("agentfile: parse %s: %w", agentFileName, err)
	}
	if errs := a.Graph.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("agentfile: invalid graph in %s: %v", agentFileName, errs)
	}
	return &a, nil
}

// MCPServerConfig is one entry in mcp_servers.json's servers[] list.
type MCPServerConfig struct {
	Name        string            `json:"name"`
	Transport   toolclient.Transport `json:"transport"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Description string            `json:"description,omitempty"`
}

// MCPServers is the full contents of mcp_servers.json.
type MCPServers struct {
	Servers []MCPServerConfig `json:"servers"`
}

const mcpServersFileName = "mcp_servers.json"

// LoadMCPServers reads mcp_servers.json from dir. It is optional: a missing
// file is not an error, and returns a nil *MCPServers.
func LoadMCPServers(dir string) (*MCPServers, error) {
	blob, err := os.ReadFile(filepath.Join(dir, mcpServersFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("agentfile: read %s: %w", mcpServersFileName, err)
	}
	var m MCPServers
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("agentfile: parse %s: %w", mcpServersFileName, err)
	}
	return &m, nil
}

// Save writes mcp_servers.json under dir.
func (m *MCPServers) Save(dir string) error {
	blob, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("agentfile: marshal %s: %w", mcpServersFileName, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("agentfile: create %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, mcpServersFileName), blob, 0o644)
}

// ToolClientConfigs converts every declared server into a toolclient.Config
// ready to pass to toolclient.New. Cwd is accepted for forward
// compatibility with the exchange format but has no effect: the underlying
// stdio transport (github.com/mark3labs/mcp-go) launches the child process
// in the engine's own working directory and exposes no override.
func (m *MCPServers) ToolClientConfigs() []toolclient.Config {
	out := make([]toolclient.Config, 0, len(m.Servers))
	for _, s := range m.Servers {
		out = append(out, toolclient.Config{
			Name:        s.Name,
			Transport:   s.Transport,
			Command:     s.Command,
			Args:        s.Args,
			Env:         envToSlice(s.Env),
			URL:         s.URL,
			Headers:     s.Headers,
			Description: s.Description,
		})
	}
	return out
}

func envToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
