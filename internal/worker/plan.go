package worker

import "github.com/agentloom/loom/internal/decision"

// ActionType is a closed enumeration of the five action kinds a PlanStep
// may carry (spec §4.5).
type ActionType string

const (
	ActionLLMCall       ActionType = "llm_call"
	ActionToolUse       ActionType = "tool_use"
	ActionSubGraph      ActionType = "sub_graph"
	ActionFunction      ActionType = "function"
	ActionCodeExecution ActionType = "code_execution"
)

// ActionSpec carries the parameters for one action kind. Only the fields
// relevant to ActionType are populated; the rest are zero.
type ActionSpec struct {
	ActionType ActionType

	// Model call.
	Prompt       string
	SystemPrompt string

	// External tool call.
	ToolName string
	ToolArgs map[string]any

	// Sub-graph call.
	GraphID string

	// Function call.
	FunctionName string
	FunctionArgs map[string]any

	// Sandboxed code.
	Code string
}

// PlanStep is a single unit of work in a plan: what to do (Action), what
// values to feed it (Inputs, where a string value starting with "$" is a
// reference into the execution context), and bookkeeping for the planner.
type PlanStep struct {
	ID              string
	Description     string
	Action          ActionSpec
	Inputs          map[string]any
	ExpectedOutputs []string
	Dependencies    []string

	// DecisionType overrides the decision log's classification for this
	// step's dispatch. Callers outside a plain plan-execution context (the
	// graph executor, dispatching a NodeSpec) set this to distinguish node
	// execution and router choices from ordinary plan steps. Zero value
	// defaults to decision.TypePlanStep.
	DecisionType decision.Type
}

// StepExecutionResult is the outcome of dispatching one PlanStep.
type StepExecutionResult struct {
	Success bool
	Outputs map[string]any
	Error   string

	// ErrorType classifies failure for judge rules: rate_limit, llm_error,
	// missing_tool, configuration, tool_error, tool_exception,
	// sub_graph_exception, missing_function, function_exception, security,
	// code_error, invalid_action, exception.
	ErrorType string

	TokensUsed   int
	LatencyMs    int
	ExecutorType string
}

// SubGraphResult is what a SubGraphExecutor reports back to the dispatcher.
type SubGraphResult struct {
	Success     bool
	Output      map[string]any
	Error       string
	TotalTokens int
}

