package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentloom/loom/internal/decision"
	"github.com/agentloom/loom/internal/llm"
	"github.com/agentloom/loom/internal/runtime"
	"github.com/agentloom/loom/internal/sandbox"
	"github.com/agentloom/loom/internal/tool"
)

type stubSaver struct{ runs []decision.Run }

func (s *stubSaver) SaveRun(r decision.Run) error {
	s.runs = append(s.runs, r)
	return nil
}

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	rt := runtime.New(&stubSaver{})
	rt.StartRun("goal-1", "reach the goal", nil)
	return rt
}

type stubLLM struct {
	content string
	usage   llm.Usage
	err     error
}

func (s *stubLLM) Complete(_ context.Context, _ []llm.Message) (llm.Message, llm.Usage, error) {
	if s.err != nil {
		return llm.Message{}, llm.Usage{}, s.err
	}
	return llm.Message{Role: llm.RoleAssistant, Content: s.content}, s.usage, nil
}
func (s *stubLLM) CompleteStream(ctx context.Context, messages []llm.Message, _ llm.StreamCallback) (llm.Message, llm.Usage, error) {
	return s.Complete(ctx, messages)
}
func (s *stubLLM) CompleteWithTools(ctx context.Context, messages []llm.Message, _ []llm.ToolDefinition) (llm.Message, llm.Usage, error) {
	return s.Complete(ctx, messages)
}
func (s *stubLLM) Name() string { return "stub" }

type echoTool struct{}

func (echoTool) Name() string                 { return "echo" }
func (echoTool) Description() string          { return "echoes back its arguments as JSON" }
func (echoTool) InputSchema() json.RawMessage { return nil }
func (echoTool) Init(context.Context) error   { return nil }
func (echoTool) Close() error                 { return nil }
func (echoTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	return tool.ToolResult{Output: string(args)}, nil
}

type failingTool struct{}

func (failingTool) Name() string                 { return "fails" }
func (failingTool) Description() string          { return "always reports a tool error" }
func (failingTool) InputSchema() json.RawMessage { return nil }
func (failingTool) Init(context.Context) error   { return nil }
func (failingTool) Close() error                 { return nil }
func (failingTool) Execute(context.Context, json.RawMessage) (tool.ToolResult, error) {
	return tool.ToolResult{Error: "upstream refused"}, nil
}

func TestWorker_LLMCall_ParsesFencedJSON(t *testing.T) {
	w := New(newTestRuntime(t)).WithLLM(&stubLLM{
		content: "here you go:\n```json\n{\"lead_score\": 9}\n```",
		usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5},
	})

	step := PlanStep{
		ID:          "step-1",
		Description: "score the lead",
		Action:      ActionSpec{ActionType: ActionLLMCall, Prompt: "score {name}"},
		Inputs:      map[string]any{"name": "Acme"},
	}

	result := w.Execute(context.Background(), step, nil)
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.TokensUsed != 15 {
		t.Errorf("TokensUsed = %d, want 15", result.TokensUsed)
	}
	parsed, ok := result.Outputs["parsed_json"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected parsed_json to be a map, got %T", result.Outputs["parsed_json"])
	}
	if parsed["lead_score"] != float64(9) {
		t.Errorf("lead_score = %v, want 9", parsed["lead_score"])
	}
}

func TestWorker_LLMCall_FallsBackToRawTextWhenNotJSON(t *testing.T) {
	w := New(newTestRuntime(t)).WithLLM(&stubLLM{content: "just plain text"})

	step := PlanStep{
		ID:     "step-1",
		Action: ActionSpec{ActionType: ActionLLMCall, Prompt: "hello"},
	}

	result := w.Execute(context.Background(), step, nil)
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.Outputs["result"] != "just plain text" {
		t.Errorf("result = %v, want raw text", result.Outputs["result"])
	}
	if result.Outputs["parsed_json"] != nil {
		t.Errorf("parsed_json should be nil for non-JSON text, got %v", result.Outputs["parsed_json"])
	}
}

func TestWorker_LLMCall_ClassifiesRateLimitErrors(t *testing.T) {
	w := New(newTestRuntime(t)).WithLLM(&stubLLM{err: errors.New("429 Rate limit exceeded")})

	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionLLMCall, Prompt: "hi"}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorType != "rate_limit" {
		t.Errorf("ErrorType = %q, want rate_limit", result.ErrorType)
	}
}

func TestWorker_LLMCall_NoProviderIsConfigurationError(t *testing.T) {
	w := New(newTestRuntime(t))
	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionLLMCall, Prompt: "hi"}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success || result.ErrorType != "configuration" {
		t.Errorf("expected configuration error, got success=%v errorType=%q", result.Success, result.ErrorType)
	}
}

func TestWorker_ToolUse_FunctionRegisteredWinsOverRegistry(t *testing.T) {
	w := New(newTestRuntime(t)).WithTools(tool.NewRegistry())
	called := false
	w.RegisterFunction("search", func(_ context.Context, args map[string]any) (any, error) {
		called = true
		return map[string]any{"hits": 3}, nil
	})

	step := PlanStep{
		ID:     "step-1",
		Action: ActionSpec{ActionType: ActionToolUse, ToolName: "search"},
	}
	result := w.Execute(context.Background(), step, nil)

	if !called {
		t.Fatal("expected registered function to be invoked")
	}
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if got := result.Outputs["result"].(map[string]any)["hits"]; got != 3 {
		t.Errorf("hits = %v, want 3", got)
	}
}

func TestWorker_ToolUse_ShapedFunctionResultPreserved(t *testing.T) {
	w := New(newTestRuntime(t))
	w.RegisterFunction("maybe_fails", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"success": false, "error": "bad input", "error_type": "tool_error"}, nil
	})

	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionToolUse, ToolName: "maybe_fails"}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success {
		t.Fatal("expected failure preserved from shaped result")
	}
	if result.Error != "bad input" || result.ErrorType != "tool_error" {
		t.Errorf("got error=%q errorType=%q", result.Error, result.ErrorType)
	}
}

func TestWorker_ToolUse_MissingToolReported(t *testing.T) {
	w := New(newTestRuntime(t)).WithTools(tool.NewRegistry())
	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionToolUse, ToolName: "nope"}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success || result.ErrorType != "missing_tool" {
		t.Errorf("expected missing_tool, got success=%v errorType=%q", result.Success, result.ErrorType)
	}
}

func TestWorker_ToolUse_NoExecutorIsConfigurationError(t *testing.T) {
	w := New(newTestRuntime(t))
	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionToolUse, ToolName: "nope"}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success || result.ErrorType != "configuration" {
		t.Errorf("expected configuration, got success=%v errorType=%q", result.Success, result.ErrorType)
	}
}

func TestWorker_ToolUse_SpreadsJSONObjectFields(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(echoTool{})
	w := New(newTestRuntime(t)).WithTools(reg)

	step := PlanStep{
		ID:     "step-1",
		Action: ActionSpec{ActionType: ActionToolUse, ToolName: "echo", ToolArgs: map[string]any{"a": 1}},
		Inputs: map[string]any{"b": 2},
	}
	result := w.Execute(context.Background(), step, nil)

	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.Outputs["a"] != float64(1) || result.Outputs["b"] != float64(2) {
		t.Errorf("expected spread fields a=1 b=2, got %+v", result.Outputs)
	}
	if _, ok := result.Outputs["result"]; !ok {
		t.Error("expected raw result field to still be present")
	}
}

func TestWorker_ToolUse_ToolErrorClassified(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(failingTool{})
	w := New(newTestRuntime(t)).WithTools(reg)

	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionToolUse, ToolName: "fails"}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success || result.ErrorType != "tool_error" {
		t.Errorf("expected tool_error, got success=%v errorType=%q", result.Success, result.ErrorType)
	}
}

func TestWorker_ToolUse_SecondPassResolvesRefsInMergedArgs(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(echoTool{})
	w := New(newTestRuntime(t)).WithTools(reg)

	step := PlanStep{
		ID: "step-1",
		Action: ActionSpec{
			ActionType: ActionToolUse,
			ToolName:   "echo",
			ToolArgs:   map[string]any{"target": "$email"},
		},
		Inputs: map[string]any{"email": "a@example.com"},
	}
	result := w.Execute(context.Background(), step, nil)

	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.Outputs["target"] != "a@example.com" {
		t.Errorf("target = %v, want resolved email", result.Outputs["target"])
	}
}

func TestWorker_SubGraph_MapsResult(t *testing.T) {
	w := New(newTestRuntime(t)).WithSubGraphExecutor(func(_ context.Context, graphID string, inputs, execContext map[string]any) (SubGraphResult, error) {
		if graphID != "sub-1" {
			t.Errorf("graphID = %q, want sub-1", graphID)
		}
		return SubGraphResult{Success: true, Output: map[string]any{"done": true}, TotalTokens: 42}, nil
	})

	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionSubGraph, GraphID: "sub-1"}}
	result := w.Execute(context.Background(), step, nil)

	if !result.Success || result.TokensUsed != 42 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWorker_SubGraph_NoGraphIDIsInvalidAction(t *testing.T) {
	w := New(newTestRuntime(t)).WithSubGraphExecutor(func(context.Context, string, map[string]any, map[string]any) (SubGraphResult, error) {
		return SubGraphResult{}, nil
	})
	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionSubGraph}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success || result.ErrorType != "invalid_action" {
		t.Errorf("expected invalid_action, got success=%v errorType=%q", result.Success, result.ErrorType)
	}
}

func TestWorker_Function_WrapsBareResult(t *testing.T) {
	w := New(newTestRuntime(t))
	w.RegisterFunction("double", func(_ context.Context, args map[string]any) (any, error) {
		n := args["n"].(int)
		return n * 2, nil
	})

	step := PlanStep{
		ID:     "step-1",
		Action: ActionSpec{ActionType: ActionFunction, FunctionName: "double", FunctionArgs: map[string]any{"n": 21}},
	}
	result := w.Execute(context.Background(), step, nil)

	if !result.Success || result.Outputs["result"] != 42 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWorker_Function_MissingIsReported(t *testing.T) {
	w := New(newTestRuntime(t))
	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionFunction, FunctionName: "nope"}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success || result.ErrorType != "missing_function" {
		t.Errorf("expected missing_function, got success=%v errorType=%q", result.Success, result.ErrorType)
	}
}

func TestWorker_Function_PanicRecoveredAsException(t *testing.T) {
	w := New(newTestRuntime(t))
	w.RegisterFunction("boom", func(_ context.Context, args map[string]any) (any, error) {
		panic("kaboom")
	})

	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionFunction, FunctionName: "boom"}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success || result.ErrorType != "exception" {
		t.Errorf("expected exception, got success=%v errorType=%q", result.Success, result.ErrorType)
	}
}

type stubSandbox struct {
	result sandbox.Result
}

func (s stubSandbox) Execute(code string, inputs map[string]any) sandbox.Result { return s.result }

func TestWorker_CodeExecution_MergesVariablesIntoOutputs(t *testing.T) {
	w := New(newTestRuntime(t)).WithSandbox(stubSandbox{result: sandbox.Result{
		Success:         true,
		Result:          7,
		Variables:       map[string]any{"x": 3, "y": 4},
		ExecutionTimeMs: 12,
	}})

	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionCodeExecution, Code: "x = 3; y = 4; x + y"}}
	result := w.Execute(context.Background(), step, map[string]any{"shared": "value"})

	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.Outputs["result"] != 7 || result.Outputs["x"] != 3 || result.Outputs["y"] != 4 {
		t.Errorf("unexpected outputs: %+v", result.Outputs)
	}
}

func TestWorker_CodeExecution_ClassifiesSecurityErrors(t *testing.T) {
	w := New(newTestRuntime(t)).WithSandbox(stubSandbox{result: sandbox.Result{
		Success: false,
		Error:   "Security violation: import is not allowed",
	}})

	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionCodeExecution, Code: "import os"}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success || result.ErrorType != "security" {
		t.Errorf("expected security, got success=%v errorType=%q", result.Success, result.ErrorType)
	}
}

func TestWorker_CodeExecution_PlainFailureIsCodeError(t *testing.T) {
	w := New(newTestRuntime(t)).WithSandbox(stubSandbox{result: sandbox.Result{
		Success: false,
		Error:   "division by zero",
	}})

	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: ActionCodeExecution, Code: "1/0"}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success || result.ErrorType != "code_error" {
		t.Errorf("expected code_error, got success=%v errorType=%q", result.Success, result.ErrorType)
	}
}

func TestWorker_UnknownActionType(t *testing.T) {
	w := New(newTestRuntime(t))
	step := PlanStep{ID: "step-1", Action: ActionSpec{ActionType: "bogus"}}
	result := w.Execute(context.Background(), step, nil)

	if result.Success || result.ErrorType != "invalid_action" {
		t.Errorf("expected invalid_action, got success=%v errorType=%q", result.Success, result.ErrorType)
	}
}

func TestWorker_RecordsDecisionOnRun(t *testing.T) {
	rt := newTestRuntime(t)
	w := New(rt).WithLLM(&stubLLM{content: "ok"})

	step := PlanStep{ID: "step-1", Description: "say ok", Action: ActionSpec{ActionType: ActionLLMCall, Prompt: "hi"}}
	w.Execute(context.Background(), step, nil)

	run := rt.CurrentRun()
	if len(run.Decisions) != 1 {
		t.Fatalf("expected exactly one decision logged, got %d", len(run.Decisions))
	}
	d := run.Decisions[0]
	if !d.HasOutcome() || !d.WasSuccessful() {
		t.Error("expected decision to carry a successful outcome")
	}
	if d.ChosenOptionID != string(ActionLLMCall) {
		t.Errorf("ChosenOptionID = %q, want %q", d.ChosenOptionID, ActionLLMCall)
	}
}

func TestResolveRef_LeavesLiteralsAndNonDollarStringsUntouched(t *testing.T) {
	inputs := map[string]any{
		"literal": "plain",
		"ref":     "$known",
		"missing": "$absent",
		"num":     5,
	}
	resolved := resolveInputs(inputs, map[string]any{"known": "resolved-value"})

	if resolved["literal"] != "plain" {
		t.Errorf("literal = %v", resolved["literal"])
	}
	if resolved["ref"] != "resolved-value" {
		t.Errorf("ref = %v, want resolved-value", resolved["ref"])
	}
	if resolved["missing"] != "$absent" {
		t.Errorf("missing = %v, want literal $absent preserved", resolved["missing"])
	}
	if resolved["num"] != 5 {
		t.Errorf("num = %v", resolved["num"])
	}
}
