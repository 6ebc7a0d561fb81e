// Package sandbox implements the restricted code-evaluation engine behind
// CODE_EXECUTION actions (spec §4.8): a program is evaluated against a
// bounded namespace built from the run's context and the step's inputs,
// with no filesystem, network, or import access.
//
// No original_source code_sandbox.py survived the distillation pack; this
// engine is built from spec.md's contract alone (given code and locals,
// return {success, result, variables, error, execution_time_ms}, reject
// unsafe constructs with an error containing "Security") and from the
// shape worker_node.py expects back (sandbox.execute(code, code_inputs)).
package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/expr-lang/expr"
)

// DefaultTimeout is the wall-clock limit applied to a single Execute call
// when the caller does not override it via WithTimeout.
const DefaultTimeout = 1 * time.Second

// Result mirrors the worker package's SandboxResult contract so that
// *Engine satisfies worker.Sandbox without an import cycle (worker defines
// the narrow interface it needs; this package provides the implementation).
type Result struct {
	Success         bool
	Result          any
	Variables       map[string]any
	Error           string
	ExecutionTimeMs int
}

// forbiddenPattern rejects programs that reference imports, Go's dunder
// methods, or the packages/builtins that would give a program filesystem,
// process, or network access. expr-lang has no import statement and no
// reflection into host packages by construction, so this list exists to
// reject look-alike identifiers (a user embedding "os.ReadFile" etc. in a
// string the engine would otherwise happily type as a plain string
// concatenation target) rather than to patch a real capability expr lacks.
var forbiddenPattern = regexp.MustCompile(`(?i)\b(import|__\w+__|os\.|exec\.|syscall\.|net\.|http\.|ioutil\.|filepath\.|Command|Dial|ReadFile|WriteFile|Open)\b`)

// Engine evaluates CODE_EXECUTION programs via expr-lang/expr: a pure
// expression evaluator with no imperative loop construct, so "unbounded
// loops over a symbolic size" are rejected by construction rather than by
// runtime policing.
type Engine struct {
	timeout time.Duration
}

// New creates an Engine with DefaultTimeout.
func New() *Engine {
	return &Engine{timeout: DefaultTimeout}
}

// WithTimeout overrides the wall-clock limit.
func (e *Engine) WithTimeout(d time.Duration) *Engine {
	e.timeout = d
	return e
}

// Execute evaluates code against inputs (the union of the node's context
// and the step's resolved inputs) and returns the {success, result,
// variables, error, execution_time_ms} contract.
func (e *Engine) Execute(code string, inputs map[string]any) Result {
	start := time.Now()

	if forbiddenPattern.MatchString(code) {
		return Result{
			Success:         false,
			Error:           "Security: program references a disallowed import or host capability",
			ExecutionTimeMs: int(time.Since(start).Milliseconds()),
		}
	}

	program, err := expr.Compile(code, expr.Env(inputs), expr.AllowUndefinedVariables())
	if err != nil {
		return Result{
			Success:         false,
			Error:           fmt.Sprintf("compile error: %v", err),
			ExecutionTimeMs: int(time.Since(start).Milliseconds()),
		}
	}

	timeout := e.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := expr.Run(program, inputs)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return Result{
			Success:         false,
			Error:           fmt.Sprintf("Security: program exceeded the %s wall-clock limit", timeout),
			ExecutionTimeMs: int(time.Since(start).Milliseconds()),
		}
	case out := <-done:
		elapsed := int(time.Since(start).Milliseconds())
		if out.err != nil {
			return Result{Success: false, Error: out.err.Error(), ExecutionTimeMs: elapsed}
		}
		result, variables := splitResultAndVariables(out.value, inputs)
		return Result{Success: true, Result: result, Variables: variables, ExecutionTimeMs: elapsed}
	}
}

// splitResultAndVariables interprets the program's output. A program that
// evaluates to a map is treated as having bound names: its "result" key
// (if any) is pulled out as Result and every other key not already present
// among the initial inputs is surfaced as a sandbox-local variable. A
// program that evaluates to anything else is the bare Result with no
// newly-bound variables to report.
func splitResultAndVariables(value any, inputs map[string]any) (any, map[string]any) {
	m, ok := value.(map[string]any)
	if !ok {
		return value, map[string]any{}
	}

	variables := make(map[string]any)
	for k, v := range m {
		if k == "result" {
			continue
		}
		if _, wasInput := inputs[k]; wasInput {
			continue
		}
		variables[k] = v
	}

	result, hasResult := m["result"]
	if !hasResult {
		return m, variables
	}
	return result, variables
}
