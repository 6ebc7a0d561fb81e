// Package graphspec defines the declarative shape of an agent: the nodes
// that read and write shared memory, and the edges that connect them.
package graphspec

import "fmt"

// NodeType is a closed enumeration of node kinds.
type NodeType string

const (
	NodeLLMGenerate NodeType = "llm_generate"
	NodeLLMToolUse  NodeType = "llm_tool_use"
	NodeRouter      NodeType = "router"
	NodeFunction    NodeType = "function"
)

// NodeSpec is a unit of computation in the graph.
type NodeSpec struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	NodeType     NodeType          `json:"node_type"`
	InputKeys    []string          `json:"input_keys"`
	OutputKeys   []string          `json:"output_keys"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Tools        []string          `json:"tools,omitempty"`
	Routes       map[string]string `json:"routes,omitempty"` // route label -> target node id
}

// EdgeCondition is a closed enumeration of edge traversal conditions.
type EdgeCondition string

const (
	ConditionAlways      EdgeCondition = "always"
	ConditionOnSuccess   EdgeCondition = "on_success"
	ConditionOnFailure   EdgeCondition = "on_failure"
	ConditionConditional EdgeCondition = "conditional"
)

// EdgeSpec is a directed edge between two NodeSpecs.
type EdgeSpec struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Target      string            `json:"target"`
	Condition   EdgeCondition     `json:"condition"`
	Predicate   string            `json:"predicate,omitempty"` // expr expression, evaluated over {memory, result, output, goal}
	Priority    int               `json:"priority"`            // higher first on tie
	InputMap    map[string]string `json:"input_mapping,omitempty"` // source-output key -> target-input key
}

// GraphSpec is the full declarative agent graph.
type GraphSpec struct {
	ID                string     `json:"id"`
	GoalID            string     `json:"goal_id"`
	Version           string     `json:"version"`
	EntryNode         string     `json:"entry_node"`
	TerminalNodes     []string   `json:"terminal_nodes"`
	PauseNodes        []string   `json:"pause_nodes"`
	Nodes             []NodeSpec `json:"nodes"`
	Edges             []EdgeSpec `json:"edges"`
	MaxSteps          int        `json:"max_steps"`
	MaxRetriesPerNode int        `json:"max_retries_per_node"`

	// built lazily by index(); not serialized
	nodeByID map[string]*NodeSpec
	edgesBy  map[string][]EdgeSpec
}

func (g *GraphSpec) index() {
	if g.nodeByID != nil {
		return
	}
	g.nodeByID = make(map[string]*NodeSpec, len(g.Nodes))
	for i := range g.Nodes {
		g.nodeByID[g.Nodes[i].ID] = &g.Nodes[i]
	}
	g.edgesBy = make(map[string][]EdgeSpec, len(g.Nodes))
	for _, e := range g.Edges {
		g.edgesBy[e.Source] = append(g.edgesBy[e.Source], e)
	}
	// Stable sort by priority (higher first), preserving declaration order on ties.
	for src, edges := range g.edgesBy {
		sorted := make([]EdgeSpec, len(edges))
		copy(sorted, edges)
		for i := 1; i < len(sorted); i++ {
			for j := i; j > 0 && sorted[j].Priority > sorted[j-1].Priority; j-- {
				sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			}
		}
		g.edgesBy[src] = sorted
	}
}

// GetNode returns the NodeSpec with the given id, or nil if not present.
func (g *GraphSpec) GetNode(id string) *NodeSpec {
	g.index()
	return g.nodeByID[id]
}

// OutgoingEdges returns the edges leaving nodeID, ordered by priority
// (highest first) then declaration order.
func (g *GraphSpec) OutgoingEdges(nodeID string) []EdgeSpec {
	g.index()
	return g.edgesBy[nodeID]
}

// IsTerminal reports whether nodeID is a terminal node.
func (g *GraphSpec) IsTerminal(nodeID string) bool {
	return contains(g.TerminalNodes, nodeID)
}

// IsPause reports whether nodeID is a pause (HITL) node.
func (g *GraphSpec) IsPause(nodeID string) bool {
	return contains(g.PauseNodes, nodeID)
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants in spec §3. It returns every
// violation found, not just the first.
func (g *GraphSpec) Validate() []string {
	g.index()
	var errs []string

	if g.EntryNode == "" {
		errs = append(errs, "graph has no entry node")
	} else if g.GetNode(g.EntryNode) == nil {
		errs = append(errs, fmt.Sprintf("entry node %q does not exist", g.EntryNode))
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if seen[n.ID] {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true

		if n.NodeType == NodeLLMToolUse && len(n.Tools) == 0 {
			errs = append(errs, fmt.Sprintf("node %q is llm_tool_use but declares no tools", n.ID))
		}
		if n.NodeType == NodeRouter && len(n.Routes) == 0 {
			errs = append(errs, fmt.Sprintf("node %q is a router but declares no routes", n.ID))
		}
		for label, target := range n.Routes {
			if g.GetNode(target) == nil {
				errs = append(errs, fmt.Sprintf("node %q route %q targets unknown node %q", n.ID, label, target))
			}
		}

		if !g.IsTerminal(n.ID) && !g.IsPause(n.ID) && len(g.OutgoingEdges(n.ID)) == 0 && len(n.Routes) == 0 {
			errs = append(errs, fmt.Sprintf("non-terminal, non-paused node %q has no outgoing edge", n.ID))
		}
	}

	for _, e := range g.Edges {
		if g.GetNode(e.Source) == nil {
			errs = append(errs, fmt.Sprintf("edge %q has unknown source %q", e.ID, e.Source))
		}
		if g.GetNode(e.Target) == nil {
			errs = append(errs, fmt.Sprintf("edge %q has unknown target %q", e.ID, e.Target))
		}
	}

	if g.EntryNode != "" && g.GetNode(g.EntryNode) != nil {
		reachable := g.reachableFrom(g.EntryNode)
		for _, n := range g.Nodes {
			if !reachable[n.ID] {
				errs = append(errs, fmt.Sprintf("node %q is unreachable from the entry point", n.ID))
			}
		}
	}

	return errs
}

// reachableFrom computes the set of node IDs reachable from start by
// following edges and router routes. Pause nodes introduce no secondary
// entries here — per spec §3, a resume entry point may lawfully lack an
// incoming edge from the primary entry, so callers that need to validate a
// resumed graph should call reachableFrom with the resume node instead.
func (g *GraphSpec) reachableFrom(start string) map[string]bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.OutgoingEdges(cur) {
			if !visited[e.Target] {
				visited[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
		if n := g.GetNode(cur); n != nil {
			for _, target := range n.Routes {
				if !visited[target] {
					visited[target] = true
					queue = append(queue, target)
				}
			}
		}
	}
	return visited
}
