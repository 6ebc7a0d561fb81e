// Package executor is the graph executor (spec §4.6): the heart of the
// engine. Given a GraphSpec, a Goal, input data, and an optional resume
// token, it walks nodes in dependency order, dispatching each one,
// applying retries, honouring pause nodes, and following edges until a
// terminal node or a dead end is reached.
//
// Grounded on original_source/core/framework/graph/executor.py. That file
// imports a companion framework.graph.node module (LLMNode/RouterNode/
// FunctionNode/NodeProtocol) that is not present anywhere in the retrieval
// pack (absent the same way core/framework/graph/code_sandbox.py was for
// the sandbox package). Rather than invent a parallel node-dispatch
// hierarchy from nothing, node execution here is unified with the
// already-built action dispatcher in internal/worker: each NodeSpec is
// translated into an implicit worker.PlanStep and driven through
// worker.Worker, which already owns LLM calls, tool dispatch, function
// calls, and their JSON-shape and error-classification rules. This keeps
// every node type grounded in worker_node.py's dispatch semantics instead
// of guessing at an unseen node.py. See DESIGN.md for the full rationale
// and the deliberate departures this implies (the function node's
// unregistered-is-fatal rule; router node selection; llm_tool_use's
// native tool-calling round trip).
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentloom/loom/internal/decision"
	"github.com/agentloom/loom/internal/edge"
	"github.com/agentloom/loom/internal/goal"
	"github.com/agentloom/loom/internal/graphspec"
	"github.com/agentloom/loom/internal/llm"
	"github.com/agentloom/loom/internal/memory"
	"github.com/agentloom/loom/internal/runtime"
	"github.com/agentloom/loom/internal/tool"
	"github.com/agentloom/loom/internal/worker"
)

// SessionState is the opaque resume token handed back on pause and
// accepted as input on the next call (spec §6).
type SessionState struct {
	PausedAt   string
	ResumeFrom string
	Memory     map[string]any
	NextNode   string // always empty; kept for wire fidelity with spec §6's next_node:null
}

// ExecutionResult is what Execute returns, and what a paused run's caller
// persists to resume it later.
type ExecutionResult struct {
	Success        bool
	Output         map[string]any
	Error          string
	StepsExecuted  int
	Path           []string
	TotalTokens    int
	TotalLatencyMs int
	PausedAt       string
	SessionState   *SessionState
}

// Executor runs GraphSpecs to completion (or to their next pause point).
type Executor struct {
	rt        *runtime.Runtime
	llm       llm.Provider
	rootTools *tool.Registry
	wk        *worker.Worker
}

// New creates an Executor. llmProvider and rootTools back llm_tool_use's
// native tool-calling round trip directly; wk is the shared action
// dispatcher used for every other node type (and for the individual tool
// calls an llm_tool_use node's model response asks for).
func New(rt *runtime.Runtime, llmProvider llm.Provider, rootTools *tool.Registry, wk *worker.Worker) *Executor {
	return &Executor{rt: rt, llm: llmProvider, rootTools: rootTools, wk: wk}
}

// nodeContext is the per-dispatch scoping described in spec §4.6 step b: a
// permission-scoped memory view, the node's declared tool subset, the
// active goal, and the current retry attempt number.
type nodeContext struct {
	view    *memory.View
	tools   *tool.Registry
	goal    *goal.Goal
	attempt int
}

// nodeDispatchResult is the executor-internal analogue of the Python
// NodeResult: what a node's dispatch produced, for the executor's own
// bookkeeping (token/latency accumulation, edge evaluation, routing).
type nodeDispatchResult struct {
	Success    bool
	Outputs    map[string]any
	Error      string
	ErrorType  string
	TokensUsed int
	LatencyMs  int
	NextNode   string
}

// fatalError marks a node-dispatch failure that must abort the run rather
// than be handled by retry/on_failure edges: a missing NodeSpec, or an
// unregistered function node (spec §4.6 step d: "function uses the
// provided registry (unregistered ⇒ fatal)").
type fatalError struct{ msg string }

func (f *fatalError) Error() string { return f.msg }

// Execute runs graph to completion, to a pause point, or to a fatal
// error, per spec §4.6.
func (e *Executor) Execute(ctx context.Context, graph *graphspec.GraphSpec, g *goal.Goal, inputData map[string]any, session *SessionState) (result ExecutionResult) {
	if errs := graph.Validate(); len(errs) > 0 {
		return ExecutionResult{Success: false, Error: "invalid graph: " + strings.Join(errs, "; ")}
	}

	mem := memory.New()
	if session != nil {
		for k, v := range session.Memory {
			mem.Write(k, v)
		}
	}
	for k, v := range inputData {
		mem.Write(k, v)
	}

	entry := graph.EntryNode
	resuming := false
	if session != nil && session.ResumeFrom != "" {
		entry = session.ResumeFrom
		resuming = true
	}

	e.rt.StartRun(g.ID, g.Description, inputData)

	// Any panic deep in a node dispatch (the Go analogue of an uncaught
	// Python exception) surfaces as a critical Problem and a failed Run,
	// rather than propagating past the engine boundary.
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("executor panic: %v", r)
			e.rt.ReportProblem(decision.SeverityCritical, msg, "")
			e.rt.EndRun(false, nil, msg, result.Path)
			result = ExecutionResult{Success: false, Error: msg, StepsExecuted: result.StepsExecuted, Path: result.Path}
		}
	}()

	return e.run(ctx, graph, g, mem, entry, resuming)
}

// run executes the node loop. When resuming is true, entry names the node
// a prior call paused on: that node already ran to completion before the
// pause (spec §4.6 step g captured its memory), so this call treats it as
// already succeeded and moves straight to edge-following instead of
// re-dispatching it or re-triggering its pause — spec §8 scenario S4
// itself allows either "at paused_at or at its resume-entry successor";
// re-dispatching would re-pause instantly and never progress, so the
// resume-entry-successor reading is the one implemented here.
func (e *Executor) run(ctx context.Context, graph *graphspec.GraphSpec, g *goal.Goal, mem *memory.SharedMemory, entry string, resuming bool) ExecutionResult {
	current := entry
	attempts := make(map[string]int)
	var path []string
	steps, totalTokens, totalLatency := 0, 0, 0

	firstIteration := true
	for steps < graph.MaxSteps {
		node := graph.GetNode(current)
		if node == nil {
			msg := fmt.Sprintf("node %q not found", current)
			e.rt.ReportProblem(decision.SeverityCritical, msg, "")
			e.rt.EndRun(false, nil, msg, path)
			return ExecutionResult{Success: false, Error: msg, StepsExecuted: steps, Path: path}
		}

		// Resuming onto a pause node: that node already executed and had
		// its outcome recorded before the prior call paused. Treat it as
		// already succeeded and go straight to edge-following instead of
		// re-running it (which would just re-trigger the same pause).
		skipDispatch := firstIteration && resuming
		firstIteration = false

		var dr nodeDispatchResult
		if skipDispatch {
			dr = nodeDispatchResult{Success: true}
		} else {
			if attempts[node.ID] == 0 {
				path = append(path, node.ID)
			}
			steps++

			for _, k := range node.InputKeys {
				if _, ok := mem.Read(k); !ok {
					e.rt.ReportProblem(decision.SeverityWarning, fmt.Sprintf("node %q missing declared input %q", node.ID, k), "")
				}
			}

			nctx := nodeContext{
				view:    mem.WithPermissions(node.InputKeys, node.OutputKeys),
				tools:   tool.Scoped(e.rootTools, node.Tools),
				goal:    g,
				attempt: attempts[node.ID],
			}

			var err error
			dr, err = e.dispatchNode(ctx, node, nctx)
			if err != nil {
				if fe, ok := err.(*fatalError); ok {
					e.rt.ReportProblem(decision.SeverityCritical, fe.msg, "")
					e.rt.EndRun(false, nil, fe.msg, path)
					return ExecutionResult{Success: false, Error: fe.msg, StepsExecuted: steps, Path: path, TotalTokens: totalTokens, TotalLatencyMs: totalLatency}
				}
				dr = nodeDispatchResult{Success: false, Error: err.Error(), ErrorType: "runtime_exception"}
			}
		}

		totalTokens += dr.TokensUsed
		totalLatency += dr.LatencyMs

		if !dr.Success && !skipDispatch {
			if attempts[node.ID] < graph.MaxRetriesPerNode {
				attempts[node.ID]++
				continue
			}
			e.rt.ReportProblem(decision.SeverityCritical,
				fmt.Sprintf("node %q failed after %d attempt(s): %s", node.ID, attempts[node.ID]+1, dr.Error), "")
			// Falls through to pause/terminal/next-node selection so an
			// on_failure edge can still handle it (spec §4.6 step f).
		}

		if graph.IsPause(node.ID) && !skipDispatch {
			snapshot := mem.ReadAll()
			narrative := fmt.Sprintf("paused at %s after %d step(s)", node.ID, steps)
			e.rt.EndRunPaused(snapshot, narrative, path)
			return ExecutionResult{
				Success: true, Output: snapshot, StepsExecuted: steps, Path: path,
				TotalTokens: totalTokens, TotalLatencyMs: totalLatency,
				PausedAt:     node.ID,
				SessionState: &SessionState{PausedAt: node.ID, ResumeFrom: node.ID, Memory: snapshot},
			}
		}

		if graph.IsTerminal(node.ID) {
			break
		}

		next := dr.NextNode
		if next == "" {
			next = e.followEdges(graph, node.ID, dr, mem, g)
		}
		if next == "" {
			break
		}
		current = next
	}

	output := mem.ReadAll()
	narrative := fmt.Sprintf("executed %d step(s) through path: %s", steps, strings.Join(path, " -> "))
	e.rt.EndRun(true, output, narrative, path)
	return ExecutionResult{Success: true, Output: output, StepsExecuted: steps, Path: path, TotalTokens: totalTokens, TotalLatencyMs: totalLatency}
}

// followEdges implements spec §4.6 step i: the first outgoing edge (in
// priority-then-declaration order, already guaranteed by GraphSpec) whose
// condition evaluates true wins; its input_mapping is applied to memory.
func (e *Executor) followEdges(graph *graphspec.GraphSpec, nodeID string, dr nodeDispatchResult, mem *memory.SharedMemory, g *goal.Goal) string {
	for _, ed := range graph.OutgoingEdges(nodeID) {
		ok, err := edge.ShouldTraverse(ed, edge.TraversalInput{
			Success: dr.Success,
			Output:  dr.Outputs,
			Memory:  mem.ReadAll(),
			Goal:    g,
		})
		if err != nil {
			e.rt.ReportProblem(decision.SeverityWarning, fmt.Sprintf("edge %q condition error: %v", ed.ID, err), "")
			continue
		}
		if !ok {
			continue
		}
		mapped := edge.MapInputs(ed, dr.Outputs, mem.ReadAll())
		for k, v := range mapped {
			mem.Write(k, v)
		}
		return ed.Target
	}
	return ""
}

// dispatchNode routes to the node implementation per spec §4.6 step d.
func (e *Executor) dispatchNode(ctx context.Context, node *graphspec.NodeSpec, nctx nodeContext) (nodeDispatchResult, error) {
	switch node.NodeType {
	case graphspec.NodeFunction:
		return e.dispatchFunction(ctx, node, nctx)
	case graphspec.NodeRouter:
		return e.dispatchRouter(ctx, node, nctx)
	case graphspec.NodeLLMGenerate:
		return e.dispatchLLMGenerate(ctx, node, nctx)
	case graphspec.NodeLLMToolUse:
		return e.dispatchLLMToolUse(ctx, node, nctx)
	default:
		// executor.py defaults an unrecognized node_type to the
		// tool-use-capable LLM node rather than failing outright.
		return e.dispatchLLMToolUse(ctx, node, nctx)
	}
}

// dispatchFunction runs a FUNCTION node through the worker's FUNCTION
// action, keyed by the node's own id (NodeSpec carries no separate
// function-name field, so the node id doubles as the registration key —
// documented in DESIGN.md). An unregistered function is fatal per spec
// §4.6 step d, unlike a PlanStep-level FUNCTION action (which is a
// recoverable missing_function outcome) — that distinction is enforced
// here, not inside worker.Worker.
func (e *Executor) dispatchFunction(ctx context.Context, node *graphspec.NodeSpec, nctx nodeContext) (nodeDispatchResult, error) {
	ps := worker.PlanStep{
		ID:          node.ID,
		Description: node.Description,
		Action: worker.ActionSpec{
			ActionType:   worker.ActionFunction,
			FunctionName: node.ID,
			FunctionArgs: nctx.view.ReadAll(),
		},
		DecisionType: decision.TypeNodeExecution,
	}
	res := e.wk.Execute(ctx, ps, nil)
	if !res.Success && res.ErrorType == "missing_function" {
		return nodeDispatchResult{}, &fatalError{msg: fmt.Sprintf("function node %q: %s", node.ID, res.Error)}
	}
	applyOutputs(nctx.view, node, res.Outputs)
	return toDispatchResult(res), nil
}

// dispatchLLMGenerate runs an LLM_GENERATE node through the worker's
// LLM_CALL action: node.Description is the prompt, node.SystemPrompt (if
// any) is the system message, and the node's readable memory is injected
// as the worker's context-data block.
func (e *Executor) dispatchLLMGenerate(ctx context.Context, node *graphspec.NodeSpec, nctx nodeContext) (nodeDispatchResult, error) {
	ps := worker.PlanStep{
		ID:          node.ID,
		Description: node.Description,
		Action: worker.ActionSpec{
			ActionType:   worker.ActionLLMCall,
			Prompt:       node.Description,
			SystemPrompt: node.SystemPrompt,
		},
		Inputs:       nctx.view.ReadAll(),
		DecisionType: decision.TypeNodeExecution,
	}
	res := e.wk.Execute(ctx, ps, nil)
	applyOutputs(nctx.view, node, res.Outputs)
	return toDispatchResult(res), nil
}

// dispatchLLMToolUse runs an LLM_TOOL_USE node: the model is offered the
// node's declared tools via native function calling and decides whether
// (and how) to call them — a round trip worker.Worker doesn't model on
// its own (ActionToolUse assumes the tool name is already known). Each
// tool call the model requests is then executed through worker.Worker's
// ActionToolUse, reusing its functions-first lookup, shape preservation,
// and JSON-object spreading rather than calling the registry directly.
func (e *Executor) dispatchLLMToolUse(ctx context.Context, node *graphspec.NodeSpec, nctx nodeContext) (nodeDispatchResult, error) {
	if e.llm == nil {
		return nodeDispatchResult{Success: false, Error: "no LLM provider configured", ErrorType: "configuration"}, nil
	}

	inputs := nctx.view.ReadAll()
	prompt := node.Description
	if len(inputs) > 0 {
		prompt += "\n\n--- Context Data ---\n" + contextBlock(inputs)
	}

	messages := make([]llm.Message, 0, 2)
	if node.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: node.SystemPrompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	toolDefs := nctx.tools.GenerateToolDefinitions()

	decisionID, _ := e.rt.Decide(
		node.ID,
		fmt.Sprintf("Dispatch llm_tool_use node: %s", node.Description),
		[]decision.Option{{ID: "llm_tool_use", Description: "Call the LLM with native tool definitions"}},
		"llm_tool_use",
		"Node declares tools and requires model-directed tool selection",
		map[string]any{"node_id": node.ID, "tools": node.Tools},
		nctx.goal.ActiveConstraintIDs(),
		decision.TypeNodeExecution,
	)

	start := time.Now()
	msg, usage, err := e.llm.CompleteWithTools(ctx, messages, toolDefs)
	latencyMs := int(time.Since(start).Milliseconds())
	tokens := usage.PromptTokens + usage.CompletionTokens

	if err != nil {
		errType := "llm_error"
		if strings.Contains(strings.ToLower(err.Error()), "rate") {
			errType = "rate_limit"
		}
		e.rt.RecordOutcome(decisionID, false, nil, err.Error(), tokens, latencyMs)
		return nodeDispatchResult{Success: false, Error: err.Error(), ErrorType: errType, TokensUsed: tokens, LatencyMs: latencyMs}, nil
	}

	if len(msg.ToolCalls) == 0 {
		outputs := map[string]any{"result": msg.Content, "response": msg.Content}
		e.rt.RecordOutcome(decisionID, true, outputs, "", tokens, latencyMs)
		applyOutputs(nctx.view, node, outputs)
		return nodeDispatchResult{Success: true, Outputs: outputs, TokensUsed: tokens, LatencyMs: latencyMs}, nil
	}

	combined := make(map[string]any)
	allSucceeded := true
	var firstErr, firstErrType string
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		if len(tc.Arguments) > 0 {
			_ = json.Unmarshal(tc.Arguments, &args)
		}
		toolStep := worker.PlanStep{
			ID:          node.ID,
			Description: fmt.Sprintf("tool call %s requested by %s", tc.Name, node.ID),
			Action: worker.ActionSpec{
				ActionType: worker.ActionToolUse,
				ToolName:   tc.Name,
				ToolArgs:   args,
			},
			DecisionType: decision.TypeNodeExecution,
		}
		e.wk.WithTools(nctx.tools)
		tres := e.wk.Execute(ctx, toolStep, nil)
		if !tres.Success {
			allSucceeded = false
			if firstErr == "" {
				firstErr, firstErrType = tres.Error, tres.ErrorType
			}
			continue
		}
		for k, v := range tres.Outputs {
			combined[k] = v
		}
	}

	e.rt.RecordOutcome(decisionID, allSucceeded, combined, firstErr, tokens, latencyMs)
	if !allSucceeded {
		return nodeDispatchResult{Success: false, Outputs: combined, Error: firstErr, ErrorType: firstErrType, TokensUsed: tokens, LatencyMs: latencyMs}, nil
	}
	applyOutputs(nctx.view, node, combined)
	return nodeDispatchResult{Success: true, Outputs: combined, TokensUsed: tokens, LatencyMs: latencyMs}, nil
}

// dispatchRouter selects one of the node's declared routes (spec §4.6
// step d). No original_source ground truth exists for route-selection
// policy, so two grounded-but-composed strategies are tried in order:
//  1. Deterministic: if the node declares exactly one input key and its
//     current value is a string matching one of the route labels exactly,
//     that route wins (a prior node having written the choice directly).
//  2. LLM-assisted: if the node carries a system prompt, the model is
//     asked (via the same LLM_CALL + JSON-parsing path worker.Worker
//     already implements) to choose one of the declared labels.
//
// Anything else is a configuration error: a router with no way to decide.
func (e *Executor) dispatchRouter(ctx context.Context, node *graphspec.NodeSpec, nctx nodeContext) (nodeDispatchResult, error) {
	labels := make([]string, 0, len(node.Routes))
	for label := range node.Routes {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	options := make([]decision.Option, len(labels))
	for i, l := range labels {
		options[i] = decision.Option{ID: l, Description: fmt.Sprintf("route to %s", node.Routes[l])}
	}

	if len(node.InputKeys) == 1 {
		if v, err := nctx.view.Read(node.InputKeys[0]); err == nil {
			if s, ok := v.(string); ok {
				if target, ok := node.Routes[s]; ok {
					decisionID, _ := e.rt.Decide(node.ID, "Route on memory value "+node.InputKeys[0], options, s,
						"deterministic route from declared input", map[string]any{"node_id": node.ID}, nctx.goal.ActiveConstraintIDs(), decision.TypeRouterChoice)
					e.rt.RecordOutcome(decisionID, true, map[string]any{"route": s}, "", 0, 0)
					return nodeDispatchResult{Success: true, NextNode: target}, nil
				}
			}
		}
	}

	if node.SystemPrompt != "" && e.llm != nil {
		prompt := fmt.Sprintf("%s\n\nChoose exactly one route from: %s\nRespond with JSON {\"route\": \"<label>\"}.",
			node.Description, strings.Join(labels, ", "))
		ps := worker.PlanStep{
			ID:          node.ID,
			Description: node.Description,
			Action: worker.ActionSpec{
				ActionType:   worker.ActionLLMCall,
				Prompt:       prompt,
				SystemPrompt: node.SystemPrompt,
			},
			DecisionType: decision.TypeRouterChoice,
		}
		res := e.wk.Execute(ctx, ps, nil)
		if !res.Success {
			return nodeDispatchResult{Success: false, Error: res.Error, ErrorType: res.ErrorType}, nil
		}
		if parsed, ok := res.Outputs["parsed_json"].(map[string]any); ok {
			if label, ok := parsed["route"].(string); ok {
				if target, ok := node.Routes[label]; ok {
					return nodeDispatchResult{Success: true, NextNode: target, TokensUsed: res.TokensUsed}, nil
				}
			}
		}
		return nodeDispatchResult{Success: false, Error: "router: model did not choose a declared route", ErrorType: "invalid_action", TokensUsed: res.TokensUsed}, nil
	}

	return nodeDispatchResult{}, &fatalError{msg: fmt.Sprintf("router node %q has no route-selection input or system prompt", node.ID)}
}

// applyOutputs writes the subset of outputs the node declared as its
// output keys into its scoped memory view, falling back to the
// conventional "result" key worker.Worker's action executors all populate
// when a node declares exactly one output key that the raw outputs map
// doesn't name directly.
func applyOutputs(view *memory.View, node *graphspec.NodeSpec, outputs map[string]any) {
	matched := false
	for _, k := range node.OutputKeys {
		if v, ok := outputs[k]; ok {
			view.Write(k, v)
			matched = true
		}
	}
	if !matched && len(node.OutputKeys) == 1 {
		if v, ok := outputs["result"]; ok {
			view.Write(node.OutputKeys[0], v)
		}
	}
}

func toDispatchResult(res worker.StepExecutionResult) nodeDispatchResult {
	return nodeDispatchResult{
		Success:    res.Success,
		Outputs:    res.Outputs,
		Error:      res.Error,
		ErrorType:  res.ErrorType,
		TokensUsed: res.TokensUsed,
		LatencyMs:  res.LatencyMs,
	}
}

func contextBlock(inputs map[string]any) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%s: %v\n", k, inputs[k]))
	}
	return sb.String()
}
