package testharness

import (
	"regexp"

	"github.com/agentloom/loom/internal/storage"
)

// ErrorCategory classifies a test failure to guide what to fix next
// (spec §4.10): a wrong goal, a code bug, or a genuinely new scenario.
type ErrorCategory string

const (
	LogicError          ErrorCategory = "logic_error"
	ImplementationError ErrorCategory = "implementation_error"
	EdgeCase            ErrorCategory = "edge_case"
)

// logicErrorPatterns indicate the goal/criteria definition itself is wrong.
var logicErrorPatterns = compileAll(
	`goal not achieved`,
	`constraint violated:?\s*core`,
	`fundamental assumption`,
	`success criteria mismatch`,
	`criteria not met`,
	`expected behavior incorrect`,
	`specification error`,
	`requirement mismatch`,
)

// implementationErrorPatterns indicate a code bug in the agent graph.
var implementationErrorPatterns = compileAll(
	`type.*error`,
	`attribute.*error`,
	`key.*error`,
	`index.*error`,
	`value.*error`,
	`name.*error`,
	`import.*error`,
	`module not found`,
	`runtime.*error`,
	`null.*pointer`,
	`nil.*has no attribute`,
	`tool call failed`,
	`node execution error`,
	`agent execution failed`,
	`assertion.*failed`,
	`expected.*but got`,
	`unexpected.*type`,
	`missing required`,
	`invalid.*argument`,
)

// edgeCasePatterns indicate a new, previously-uncovered scenario rather
// than a bug.
var edgeCasePatterns = compileAll(
	`boundary condition`,
	`timeout`,
	`connection.*timeout`,
	`request.*timeout`,
	`unexpected format`,
	`unexpected response`,
	`rare input`,
	`empty.*result`,
	`null.*value`,
	`empty.*response`,
	`no.*results`,
	`rate.*limit`,
	`quota.*exceeded`,
	`retry.*exhausted`,
	`unicode.*error`,
	`encoding.*error`,
	`special.*character`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// Categorizer classifies TestResult failures by keyword pattern over the
// error text. Grounded on
// original_source/core/framework/testing/categorizer.py, checked in
// priority order: logic errors (wrong goal) first, then implementation
// errors (code bugs), then edge cases (new scenarios); an unmatched
// failure defaults to ImplementationError, the original's stated default
// for "most common" failure kind.
type Categorizer struct{}

// NewCategorizer returns a ready-to-use Categorizer (it carries no state;
// the pattern lists are package-level).
func NewCategorizer() *Categorizer {
	return &Categorizer{}
}

// Categorize returns the category for a failed result, or "" for a
// passing one.
func (c *Categorizer) Categorize(r storage.Result) ErrorCategory {
	if r.Passed {
		return ""
	}
	text := errorText(r)

	for _, p := range logicErrorPatterns {
		if p.MatchString(text) {
			return LogicError
		}
	}
	for _, p := range implementationErrorPatterns {
		if p.MatchString(text) {
			return ImplementationError
		}
	}
	for _, p := range edgeCasePatterns {
		if p.MatchString(text) {
			return EdgeCase
		}
	}
	return ImplementationError
}

// CategorizeWithConfidence returns the category and a 0-1 confidence
// score based on how dominant that category's pattern matches are.
// Supplements spec §4.10 with behaviour from categorizer.py's
// categorize_with_confidence, not named by the distilled spec but cheap
// to support. query.SuggestImprovements does not call it.
func (c *Categorizer) CategorizeWithConfidence(r storage.Result) (ErrorCategory, float64) {
	if r.Passed {
		return "", 1.0
	}
	text := errorText(r)

	logicMatches := countMatches(logicErrorPatterns, text)
	implMatches := countMatches(implementationErrorPatterns, text)
	edgeMatches := countMatches(edgeCasePatterns, text)
	total := logicMatches + implMatches + edgeMatches

	if total == 0 {
		return ImplementationError, 0.3
	}

	if logicMatches >= implMatches && logicMatches >= edgeMatches {
		return LogicError, confidence(logicMatches, total)
	}
	if implMatches >= logicMatches && implMatches >= edgeMatches {
		return ImplementationError, confidence(implMatches, total)
	}
	return EdgeCase, confidence(edgeMatches, total)
}

func confidence(matches, total int) float64 {
	c := float64(matches) / float64(total)
	v := 0.5 + c*0.4
	if v > 0.9 {
		return 0.9
	}
	return v
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	n := 0
	for _, p := range patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}

func errorText(r storage.Result) string {
	text := r.ErrorMessage
	if r.StackTrace != "" {
		if text != "" {
			text += " "
		}
		text += r.StackTrace
	}
	return text
}

// FixSuggestion returns a human-readable fix suggestion for a category.
func FixSuggestion(category ErrorCategory) string {
	switch category {
	case LogicError:
		return "Review and update success_criteria or constraints in the Goal definition. " +
			"The goal specification may not accurately describe the desired behavior."
	case ImplementationError:
		return "Fix the code in agent nodes/edges. " +
			"There's a bug in the implementation that needs to be corrected."
	case EdgeCase:
		return "Add a new test for this edge case scenario. " +
			"This is a valid scenario that wasn't covered by existing tests."
	default:
		return "Review the test and agent implementation."
	}
}

// IterationGuidanceResult tells the operator which stage to revisit.
type IterationGuidanceResult struct {
	Stage           string
	Action          string
	RestartRequired bool
	Description     string
}

// IterationGuidance returns detailed guidance for a category: which
// stage (Goal/Agent/Eval) to return to, what action to take, and whether
// a full restart of the Goal → Agent → Eval flow is required.
func IterationGuidance(category ErrorCategory) IterationGuidanceResult {
	switch category {
	case LogicError:
		return IterationGuidanceResult{
			Stage: "Goal", Action: "Update success_criteria or constraints", RestartRequired: true,
			Description: "The goal definition is incorrect. Update the success criteria " +
				"or constraints, then restart the full Goal → Agent → Eval flow.",
		}
	case ImplementationError:
		return IterationGuidanceResult{
			Stage: "Agent", Action: "Fix nodes/edges implementation", RestartRequired: false,
			Description: "There's a code bug. Fix the agent implementation, then re-run Eval (skip Goal stage).",
		}
	case EdgeCase:
		return IterationGuidanceResult{
			Stage: "Eval", Action: "Add new test only", RestartRequired: false,
			Description: "This is a new scenario. Add a test for it and continue in the Eval stage.",
		}
	default:
		return IterationGuidanceResult{
			Stage: "Unknown", Action: "Review manually", RestartRequired: false,
			Description: "Unable to determine category. Manual review required.",
		}
	}
}
