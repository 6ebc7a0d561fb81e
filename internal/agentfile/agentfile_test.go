package agentfile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentloom/loom/internal/goal"
	"github.com/agentloom/loom/internal/graphspec"
	"github.com/agentloom/loom/internal/toolclient"
)

func testGraph() graphspec.GraphSpec {
	return graphspec.GraphSpec{
		ID:            "g1",
		EntryNode:     "A",
		TerminalNodes: []string{"B"},
		Nodes: []graphspec.NodeSpec{
			{ID: "A", NodeType: graphspec.NodeFunction},
			{ID: "B", NodeType: graphspec.NodeFunction},
		},
		Edges: []graphspec.EdgeSpec{
			{ID: "e1", Source: "A", Target: "B", Condition: graphspec.ConditionAlways},
		},
	}
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(
		AgentMeta{ID: "a1", Name: "demo", Version: "1.0", Description: "a demo agent"},
		testGraph(),
		goal.Goal{ID: "goal1", Name: "ship it"},
		[]string{"search"},
		created,
	)

	if err := a.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Agent.ID != "a1" {
		t.Errorf("agent id = %q, want a1", loaded.Agent.ID)
	}
	if loaded.Metadata.NodeCount != 2 || loaded.Metadata.EdgeCount != 1 {
		t.Errorf("metadata = %+v, want 2 nodes 1 edge", loaded.Metadata)
	}
	if !loaded.Metadata.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", loaded.Metadata.CreatedAt, created)
	}
	if loaded.Goal.ID != "goal1" {
		t.Errorf("goal id = %q, want goal1", loaded.Goal.ID)
	}
}

func TestLoad_RejectsInvalidGraph(t *testing.T) {
	dir := t.TempDir()
	badGraph := graphspec.GraphSpec{EntryNode: "missing"}
	a := New(AgentMeta{ID: "a1"}, badGraph, goal.Goal{ID: "g1"}, nil, time.Now())
	if err := a.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("expected Load to reject a graph with a nonexistent entry node")
	}
}

func TestLoadMCPServers_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadMCPServers(dir)
	if err != nil {
		t.Fatalf("unexpected error for a missing mcp_servers.json: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil MCPServers for a missing file, got %+v", m)
	}
}

func TestMCPServers_SaveLoadAndConvert(t *testing.T) {
	dir := t.TempDir()
	m := &MCPServers{Servers: []MCPServerConfig{
		{Name: "search", Transport: toolclient.TransportStdio, Command: "search-server", Args: []string{"--port", "0"}, Env: map[string]string{"API_KEY": "x"}},
		{Name: "remote", Transport: toolclient.TransportHTTP, URL: "http://localhost:9000"},
	}}
	if err := m.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadMCPServers(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Servers) != 2 {
		t.Fatalf("len(servers) = %d, want 2", len(loaded.Servers))
	}

	configs := loaded.ToolClientConfigs()
	if len(configs) != 2 {
		t.Fatalf("len(configs) = %d, want 2", len(configs))
	}
	if configs[0].Name != "search" || configs[0].Transport != toolclient.TransportStdio {
		t.Errorf("configs[0] = %+v", configs[0])
	}
	if len(configs[0].Env) != 1 || configs[0].Env[0] != "API_KEY=x" {
		t.Errorf("env conversion = %v, want [API_KEY=x]", configs[0].Env)
	}
	if configs[1].URL != "http://localhost:9000" {
		t.Errorf("configs[1] url = %q", configs[1].URL)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "export")
	a := New(AgentMeta{ID: "a1"}, testGraph(), goal.Goal{ID: "g1"}, nil, time.Now())
	if err := a.Save(dir); err != nil {
		t.Fatalf("Save should create intermediate directories: %v", err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("Load after Save into a nested dir: %v", err)
	}
}
