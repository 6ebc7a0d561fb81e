// Package worker is the action dispatcher (spec §4.5): given one PlanStep
// it resolves the step's inputs against the current execution context,
// dispatches to the action kind's executor, and records exactly one
// Decision/Outcome pair in the runtime decision log around the call.
//
// Grounded on original_source/core/framework/graph/worker_node.py almost
// verbatim in control flow.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentloom/loom/internal/decision"
	"github.com/agentloom/loom/internal/llm"
	"github.com/agentloom/loom/internal/runtime"
	"github.com/agentloom/loom/internal/sandbox"
	"github.com/agentloom/loom/internal/tool"
)

// Function is a process-local callable registered for FUNCTION actions (and
// consulted first, ahead of the tool registry, for TOOL_USE actions).
type Function func(ctx context.Context, args map[string]any) (any, error)

// SubGraphExecutor delegates a SUB_GRAPH action to another graph execution.
type SubGraphExecutor func(ctx context.Context, graphID string, inputs, execContext map[string]any) (SubGraphResult, error)

// Sandbox is the narrow contract Worker needs from the code-execution
// engine; *sandbox.Engine satisfies it directly.
type Sandbox interface {
	Execute(code string, inputs map[string]any) sandbox.Result
}

// Worker executes PlanSteps by dispatching to the appropriate action
// executor and logging the attempt through Runtime.
type Worker struct {
	runtime *runtime.Runtime
	llm     llm.Provider
	tools   *tool.Registry
	sandbox Sandbox

	subGraphExecutor SubGraphExecutor

	mu        sync.RWMutex
	functions map[string]Function
}

// New creates a Worker bound to rt. Providers, tool registry, sandbox, and
// functions are attached afterward via the With*/RegisterFunction methods.
func New(rt *runtime.Runtime) *Worker {
	return &Worker{runtime: rt, functions: make(map[string]Function)}
}

// WithLLM attaches the provider used for LLM_CALL actions.
func (w *Worker) WithLLM(p llm.Provider) *Worker {
	w.llm = p
	return w
}

// WithTools attaches the tool registry used for TOOL_USE actions not
// satisfied by a registered Function.
func (w *Worker) WithTools(r *tool.Registry) *Worker {
	w.tools = r
	return w
}

// WithSandbox attaches the engine used for CODE_EXECUTION actions.
func (w *Worker) WithSandbox(s Sandbox) *Worker {
	w.sandbox = s
	return w
}

// WithSubGraphExecutor attaches the callback used for SUB_GRAPH actions.
func (w *Worker) WithSubGraphExecutor(fn SubGraphExecutor) *Worker {
	w.subGraphExecutor = fn
	return w
}

// RegisterFunction registers a process-local function for FUNCTION actions
// and (checked first) TOOL_USE actions of the same name.
func (w *Worker) RegisterFunction(name string, fn Function) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.functions[name] = fn
}

// Execute dispatches step against execContext, recording one Decision and
// its Outcome in the runtime decision log around the dispatch.
func (w *Worker) Execute(ctx context.Context, step PlanStep, execContext map[string]any) (result StepExecutionResult) {
	decisionType := step.DecisionType
	if decisionType == "" {
		decisionType = decision.TypePlanStep
	}

	decisionID, decErr := w.runtime.Decide(
		step.ID,
		fmt.Sprintf("Execute plan step: %s", step.Description),
		[]decision.Option{{
			ID:          string(step.Action.ActionType),
			Description: fmt.Sprintf("Execute %s action", step.Action.ActionType),
		}},
		string(step.Action.ActionType),
		fmt.Sprintf("Step requires %s", step.Action.ActionType),
		map[string]any{"step_id": step.ID, "inputs": step.Inputs},
		nil,
		decisionType,
	)

	start := time.Now()

	// Mirrors worker_node.py's broad try/except around resolve+dispatch: a
	// panic deep in a registered Function or tool still closes the
	// decision with a failed, classified outcome instead of propagating.
	defer func() {
		if r := recover(); r != nil {
			latencyMs := int(time.Since(start).Milliseconds())
			errMsg := fmt.Sprintf("%v", r)
			if decErr == nil {
				_ = w.runtime.RecordOutcome(decisionID, false, nil, errMsg, 0, latencyMs)
			}
			result = StepExecutionResult{Success: false, Error: errMsg, ErrorType: "exception", LatencyMs: latencyMs}
		}
	}()

	if decErr != nil {
		return StepExecutionResult{Success: false, Error: decErr.Error(), ErrorType: "configuration"}
	}

	resolvedInputs := resolveInputs(step.Inputs, execContext)
	result = w.dispatch(ctx, step.Action, resolvedInputs, execContext)

	latencyMs := int(time.Since(start).Milliseconds())
	result.LatencyMs = latencyMs

	var outcomeResult any = result.Outputs
	if !result.Success {
		outcomeResult = result.Error
	}
	if err := w.runtime.RecordOutcome(decisionID, result.Success, outcomeResult, result.Error, result.TokensUsed, latencyMs); err != nil {
		log.Printf("[worker] record outcome for step %s: %v", step.ID, err)
	}

	return result
}

// resolveInputs replaces every string value starting with "$" by
// context[name] when present, else leaves the literal "$name" untouched.
func resolveInputs(inputs, execContext map[string]any) map[string]any {
	resolved := make(map[string]any, len(inputs))
	for k, v := range inputs {
		resolved[k] = resolveRef(v, execContext)
	}
	return resolved
}

func resolveRef(v any, lookup map[string]any) any {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return v
	}
	refKey := s[1:]
	if cv, ok := lookup[refKey]; ok {
		return cv
	}
	return s
}

func (w *Worker) dispatch(ctx context.Context, action ActionSpec, inputs, execContext map[string]any) StepExecutionResult {
	switch action.ActionType {
	case ActionLLMCall:
		return w.executeLLMCall(ctx, action, inputs)
	case ActionToolUse:
		return w.executeToolUse(ctx, action, inputs)
	case ActionSubGraph:
		return w.executeSubGraph(ctx, action, inputs, execContext)
	case ActionFunction:
		return w.executeFunction(ctx, action, inputs)
	case ActionCodeExecution:
		// Synchronous by nature (no provider call, no network): the one
		// dispatch branch worker_node.py does not await.
		return w.executeCode(action, inputs, execContext)
	default:
		return StepExecutionResult{
			Success:   false,
			Error:     fmt.Sprintf("unknown action type: %s", action.ActionType),
			ErrorType: "invalid_action",
		}
	}
}

func (w *Worker) executeLLMCall(ctx context.Context, action ActionSpec, inputs map[string]any) StepExecutionResult {
	if w.llm == nil {
		return StepExecutionResult{Success: false, Error: "no LLM provider configured", ErrorType: "configuration", ExecutorType: "llm_call"}
	}

	prompt := action.Prompt
	if len(inputs) > 0 {
		prompt = interpolatePrompt(prompt, inputs)
		prompt += contextDataBlock(inputs)
	}

	messages := make([]llm.Message, 0, 2)
	if action.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: action.SystemPrompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	resp, usage, err := w.llm.Complete(ctx, messages)
	if err != nil {
		errType := "llm_error"
		if strings.Contains(strings.ToLower(err.Error()), "rate") {
			errType = "rate_limit"
		}
		return StepExecutionResult{Success: false, Error: err.Error(), ErrorType: errType, ExecutorType: "llm_call"}
	}

	parsedJSON, _ := parseLLMJSONResponse(resp.Content)
	var resultValue any = resp.Content
	if parsedJSON != nil {
		resultValue = parsedJSON
	}

	return StepExecutionResult{
		Success: true,
		Outputs: map[string]any{
			"result":      resultValue,
			"response":    resp.Content,
			"parsed_json": parsedJSON,
		},
		TokensUsed:   usage.PromptTokens + usage.CompletionTokens,
		ExecutorType: "llm_call",
	}
}

// placeholderPattern matches {name}-style format placeholders.
var placeholderPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// interpolatePrompt substitutes every {key} with inputs[key], tolerating
// missing keys by leaving the prompt unchanged (mirrors Python's
// prompt.format(**inputs) wrapped in a bare except KeyError/ValueError).
func interpolatePrompt(prompt string, inputs map[string]any) string {
	missing := false
	out := placeholderPattern.ReplaceAllStringFunc(prompt, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := inputs[key]
		if !ok {
			missing = true
			return m
		}
		return fmt.Sprintf("%v", v)
	})
	if missing {
		return prompt
	}
	return out
}

// contextDataBlock renders the "--- Context Data ---" block appended to
// every LLM_CALL prompt so the model always sees the raw step inputs,
// regardless of whether prompt interpolation consumed them.
func contextDataBlock(inputs map[string]any) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("\n\n--- Context Data ---\n")
	for _, k := range keys {
		v := inputs[k]
		switch v.(type) {
		case map[string]any, []any:
			b, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				sb.WriteString(fmt.Sprintf("%s: %v\n", k, v))
				continue
			}
			sb.WriteString(fmt.Sprintf("%s: %s\n", k, string(b)))
		default:
			sb.WriteString(fmt.Sprintf("%s: %v\n", k, v))
		}
	}
	return sb.String()
}

// codeBlockPattern matches fenced ```json ... ``` or ``` ... ``` blocks.
var codeBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// jsonLikePattern loosely matches a brace- or bracket-delimited span.
var jsonLikePattern = regexp.MustCompile(`(?s)(\{.*\}|\[.*\])`)

// parseLLMJSONResponse extracts JSON from an LLM response, trying (in
// order) fenced code blocks, the whole trimmed response, then a loose
// brace/bracket scan. Returns (nil, cleanedText) if nothing parses.
func parseLLMJSONResponse(text string) (any, string) {
	cleaned := strings.TrimSpace(text)

	for _, m := range codeBlockPattern.FindAllStringSubmatch(cleaned, -1) {
		candidate := strings.TrimSpace(m[1])
		if gjson.Valid(candidate) {
			return gjson.Parse(candidate).Value(), candidate
		}
	}

	if gjson.Valid(cleaned) {
		return gjson.Parse(cleaned).Value(), cleaned
	}

	for _, m := range jsonLikePattern.FindAllString(cleaned, -1) {
		if gjson.Valid(m) {
			return gjson.Parse(m).Value(), m
		}
	}

	return nil, cleaned
}

func (w *Worker) executeToolUse(ctx context.Context, action ActionSpec, inputs map[string]any) StepExecutionResult {
	toolName := action.ToolName
	if toolName == "" {
		return StepExecutionResult{Success: false, Error: "no tool name specified", ErrorType: "invalid_action", ExecutorType: "tool_use"}
	}

	args := mergeMaps(action.ToolArgs, inputs)
	args = resolveInputs(args, args) // second-pass: tool_args may itself hold $refs into the merged map

	w.mu.RLock()
	fn, ok := w.functions[toolName]
	w.mu.RUnlock()
	if ok {
		return w.dispatchRegisteredFunctionAsTool(ctx, fn, args)
	}

	if w.tools == nil {
		return StepExecutionResult{Success: false, Error: "no tool executor configured", ErrorType: "configuration", ExecutorType: "tool_use"}
	}
	t, ok := w.tools.Get(toolName)
	if !ok {
		return StepExecutionResult{Success: false, Error: fmt.Sprintf("tool %q not found", toolName), ErrorType: "missing_tool", ExecutorType: "tool_use"}
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return StepExecutionResult{Success: false, Error: err.Error(), ErrorType: "tool_exception", ExecutorType: "tool_use"}
	}
	res, err := t.Execute(ctx, argsJSON)
	if err != nil {
		return StepExecutionResult{Success: false, Error: err.Error(), ErrorType: "tool_exception", ExecutorType: "tool_use"}
	}
	if res.Error != "" {
		return StepExecutionResult{Success: false, Outputs: map[string]any{}, Error: res.Error, ErrorType: "tool_error", ExecutorType: "tool_use"}
	}

	// Tools often return a JSON object; spread its top-level fields into
	// outputs alongside the raw result string.
	outputs := map[string]any{"result": res.Output}
	if gjson.Valid(res.Output) {
		if parsed := gjson.Parse(res.Output); parsed.IsObject() {
			if m, ok := parsed.Value().(map[string]any); ok {
				for k, v := range m {
					outputs[k] = v
				}
			}
		}
	}
	return StepExecutionResult{Success: true, Outputs: outputs, ExecutorType: "tool_use"}
}

// dispatchRegisteredFunctionAsTool handles the functions-dict-checked-first
// branch of TOOL_USE: a simpler registration path than the formal Tool
// interface, allowing a registered function's return value to either be
// wrapped as {result} or, if already {success, outputs, error}-shaped,
// preserved as-is.
func (w *Worker) dispatchRegisteredFunctionAsTool(ctx context.Context, fn Function, args map[string]any) StepExecutionResult {
	result, err := fn(ctx, args)
	if err != nil {
		return StepExecutionResult{Success: false, Error: err.Error(), ErrorType: "tool_exception", ExecutorType: "tool_use"}
	}
	if shaped, ok := asShapedResult(result); ok {
		shaped.ExecutorType = "tool_use"
		return shaped
	}
	return StepExecutionResult{Success: true, Outputs: map[string]any{"result": result}, ExecutorType: "tool_use"}
}

// asShapedResult recognises a {success, outputs, error[, error_type]}-shaped
// map returned by a registered Function, used to let FUNCTION and
// functions-dict TOOL_USE results preserve their own success/error instead
// of always being wrapped as {result: ...}.
func asShapedResult(v any) (StepExecutionResult, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return StepExecutionResult{}, false
	}
	successVal, hasSuccess := m["success"]
	if !hasSuccess {
		return StepExecutionResult{}, false
	}
	success, _ := successVal.(bool)
	outputs, _ := m["outputs"].(map[string]any)
	errMsg, _ := m["error"].(string)
	errType, _ := m["error_type"].(string)
	return StepExecutionResult{Success: success, Outputs: outputs, Error: errMsg, ErrorType: errType}, true
}

func (w *Worker) executeSubGraph(ctx context.Context, action ActionSpec, inputs, execContext map[string]any) StepExecutionResult {
	if w.subGraphExecutor == nil {
		return StepExecutionResult{Success: false, Error: "no sub-graph executor configured", ErrorType: "configuration", ExecutorType: "sub_graph"}
	}
	if action.GraphID == "" {
		return StepExecutionResult{Success: false, Error: "no graph ID specified", ErrorType: "invalid_action", ExecutorType: "sub_graph"}
	}

	result, err := w.subGraphExecutor(ctx, action.GraphID, inputs, execContext)
	if err != nil {
		return StepExecutionResult{Success: false, Error: err.Error(), ErrorType: "sub_graph_exception", ExecutorType: "sub_graph"}
	}

	out := StepExecutionResult{Success: result.Success, TokensUsed: result.TotalTokens, ExecutorType: "sub_graph"}
	if result.Success {
		out.Outputs = result.Output
	} else {
		out.Error = result.Error
	}
	return out
}

func (w *Worker) executeFunction(ctx context.Context, action ActionSpec, inputs map[string]any) StepExecutionResult {
	funcName := action.FunctionName
	if funcName == "" {
		return StepExecutionResult{Success: false, Error: "no function name specified", ErrorType: "invalid_action", ExecutorType: "function"}
	}

	w.mu.RLock()
	fn, ok := w.functions[funcName]
	w.mu.RUnlock()
	if !ok {
		return StepExecutionResult{Success: false, Error: fmt.Sprintf("function %q not registered", funcName), ErrorType: "missing_function", ExecutorType: "function"}
	}

	args := mergeMaps(action.FunctionArgs, inputs)
	result, err := fn(ctx, args)
	if err != nil {
		return StepExecutionResult{Success: false, Error: err.Error(), ErrorType: "function_exception", ExecutorType: "function"}
	}

	if shaped, ok := asShapedResult(result); ok {
		shaped.ExecutorType = "function"
		return shaped
	}
	return StepExecutionResult{Success: true, Outputs: map[string]any{"result": result}, ExecutorType: "function"}
}

func (w *Worker) executeCode(action ActionSpec, inputs, execContext map[string]any) StepExecutionResult {
	if action.Code == "" {
		return StepExecutionResult{Success: false, Error: "no code specified", ErrorType: "invalid_action", ExecutorType: "code_execution"}
	}
	if w.sandbox == nil {
		return StepExecutionResult{Success: false, Error: "no sandbox configured", ErrorType: "configuration", ExecutorType: "code_execution"}
	}

	codeInputs := mergeMaps(execContext, inputs)
	sr := w.sandbox.Execute(action.Code, codeInputs)

	if sr.Success {
		outputs := map[string]any{"result": sr.Result}
		for k, v := range sr.Variables {
			outputs[k] = v
		}
		return StepExecutionResult{Success: true, Outputs: outputs, ExecutorType: "code_execution", LatencyMs: sr.ExecutionTimeMs}
	}

	errType := "code_error"
	if strings.Contains(sr.Error, "Security") {
		errType = "security"
	}
	return StepExecutionResult{Success: false, Error: sr.Error, ErrorType: errType, ExecutorType: "code_execution", LatencyMs: sr.ExecutionTimeMs}
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
