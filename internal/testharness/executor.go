package testharness

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/agentloom/loom/internal/storage"
)

// Agent is the minimal surface the test harness needs from a runnable
// agent: run it against an input and get back an output (or an error).
// Grounded on original_source/core/framework/testing/executor.py's
// AgentProtocol; the Python original exposes a raw async run() plus a
// SyncAgentWrapper to paper over sync/async callers, which Go has no
// equivalent need for (every call here already goes through a context).
type Agent interface {
	Run(ctx context.Context, input map[string]any) (map[string]any, error)
}

// AgentFunc adapts a plain function to Agent.
type AgentFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

func (f AgentFunc) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}

// AgentFactory creates one Agent instance, called once per worker at
// startup (spec §4.10: "each worker constructs one Agent instance at
// initialisation via the factory and reuses it").
type AgentFactory func() (Agent, error)

// Executor runs a single Test against an Agent and produces a
// storage.Result. Grounded on testing/executor.py's TestExecutor, with
// its dynamic Python-source compile/exec replaced by evaluating the
// Test's declared assertions as expr-lang predicates against the agent's
// output — see internal/edge's evaluatePredicate for the same pattern
// applied to graph edges.
type Executor struct {
	categorizer *Categorizer
	timeout     time.Duration
}

// NewExecutor builds an Executor with the given per-test timeout.
func NewExecutor(categorizer *Categorizer, timeout time.Duration) *Executor {
	if categorizer == nil {
		categorizer = NewCategorizer()
	}
	return &Executor{categorizer: categorizer, timeout: timeout}
}

// Execute runs test against agent, bounded by the executor's configured
// timeout, and categorises the result on failure.
func (e *Executor) Execute(ctx context.Context, test storage.Test, agent Agent) storage.Result {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := agent.Run(runCtx, test.Input)
		done <- outcome{output, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		return storage.Result{
			TestID: test.ID, Passed: false,
			ErrorMessage: "Test timed out",
			DurationMs:   int(e.timeout.Milliseconds()),
			CreatedAt:    start,
		}
	}

	durationMs := int(time.Since(start).Milliseconds())

	if out.err != nil {
		r := storage.Result{
			TestID: test.ID, Passed: false,
			ErrorMessage: out.err.Error(),
			DurationMs:   durationMs,
			CreatedAt:    start,
		}
		r.ErrorCategory = string(e.categorizer.Categorize(r))
		return r
	}

	if failMsg := e.checkAssertions(test, out.output); failMsg != "" {
		r := storage.Result{
			TestID: test.ID, Passed: false,
			ErrorMessage: failMsg,
			DurationMs:   durationMs,
			CreatedAt:    start,
		}
		r.ErrorCategory = string(e.categorizer.Categorize(r))
		return r
	}

	return storage.Result{
		TestID: test.ID, Passed: true,
		DurationMs: durationMs,
		CreatedAt:  start,
	}
}

// checkAssertions evaluates every declared assertion against output in
// a restricted {output, input} namespace, with the expr-lang evaluator
// internal/edge uses for conditional edges, returning the first failure
// message, or "" if every
// assertion held (a test with no assertions always passes, matching the
// original's "assert True" style smoke tests).
func (e *Executor) checkAssertions(test storage.Test, output map[string]any) string {
	env := map[string]any{
		"output": output,
		"input":  test.Input,
	}
	for _, a := range test.Assertions {
		program, err := expr.Compile(a, expr.Env(env))
		if err != nil {
			return fmt.Sprintf("assertion %q: compile error: %v", a, err)
		}
		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Sprintf("assertion %q: eval error: %v", a, err)
		}
		ok, _ := result.(bool)
		if !ok {
			return fmt.Sprintf("assertion failed: %s", a)
		}
	}
	return ""
}
