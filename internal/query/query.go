// Package query answers the questions an operator asks after the fact:
// what happened, why did a run fail, what patterns repeat across runs,
// and what should change. It is read-only over the same Run records
// internal/runtime appends during execution.
//
// Grounded on original_source/core/framework/builder/query.py, kept
// close to its method set and analysis order. Failures are Go error
// returns; where query.py returns None for "nothing to report",
// AnalyzeFailure, FindPatterns and SuggestImprovements return a nil
// result with a nil error.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentloom/loom/internal/decision"
)

// Loader is the read side of internal/storage.Store that Query needs.
// A narrow interface here keeps this package testable without a real
// bbolt file.
type Loader interface {
	LoadRun(id string) (decision.Run, error)
	LoadSummary(id string) (decision.RunSummary, error)
	GetRunsByGoal(goalID string) ([]decision.Run, error)
	GetRunsByStatus(status decision.Status) ([]decision.Run, error)
	GetRunsByNode(nodeID string) ([]decision.Run, error)
}

// Query is the analysis interface over stored runs.
type Query struct {
	store Loader
}

// New wraps a Loader (typically *storage.Store) for analysis.
func New(store Loader) *Query {
	return &Query{store: store}
}

// FailureAnalysis is a structured account of why a run failed.
type FailureAnalysis struct {
	RunID         string
	FailurePoint  string
	RootCause     string
	DecisionChain []string
	Problems      []string
	Suggestions   []string
}

// String renders a human-readable report, in the same shape as the
// original's __str__.
func (f FailureAnalysis) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Failure Analysis for %s ===\n\n", f.RunID)
	fmt.Fprintf(&b, "Failure Point: %s\n", f.FailurePoint)
	fmt.Fprintf(&b, "Root Cause: %s\n\n", f.RootCause)
	b.WriteString("Decision Chain Leading to Failure:\n")
	for i, d := range f.DecisionChain {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, d)
	}
	if len(f.Problems) > 0 {
		b.WriteString("\nReported Problems:\n")
		for _, p := range f.Problems {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
	}
	if len(f.Suggestions) > 0 {
		b.WriteString("\nSuggestions:\n")
		for _, s := range f.Suggestions {
			fmt.Fprintf(&b, "  → %s\n", s)
		}
	}
	return b.String()
}

// NodeFailureRate is one node's observed failure rate across runs.
type NodeFailureRate struct {
	NodeID      string
	FailureRate float64
}

// FailureCount is one distinct error message and how often it occurred.
type FailureCount struct {
	Error string
	Count int
}

// PatternAnalysis is what repeats across every run recorded for a goal.
type PatternAnalysis struct {
	GoalID            string
	RunCount          int
	SuccessRate       float64
	CommonFailures    []FailureCount
	ProblematicNodes  []NodeFailureRate
	DecisionPatterns  DecisionPatterns
}

func (p PatternAnalysis) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Pattern Analysis for Goal %s ===\n\n", p.GoalID)
	fmt.Fprintf(&b, "Runs Analyzed: %d\n", p.RunCount)
	fmt.Fprintf(&b, "Success Rate: %.1f%%\n", p.SuccessRate*100)
	if len(p.CommonFailures) > 0 {
		b.WriteString("\nCommon Failures:\n")
		for _, f := range p.CommonFailures {
			fmt.Fprintf(&b, "  - %s (%d occurrences)\n", f.Error, f.Count)
		}
	}
	if len(p.ProblematicNodes) > 0 {
		b.WriteString("\nProblematic Nodes (failure rate):\n")
		for _, n := range p.ProblematicNodes {
			fmt.Fprintf(&b, "  - %s: %.1f%% failure rate\n", n.NodeID, n.FailureRate*100)
		}
	}
	return b.String()
}

// DecisionPatterns summarizes decision-type distribution and the most
// common chosen option per intent, across a set of runs.
type DecisionPatterns struct {
	DecisionTypeDistribution map[decision.Type]int
	CommonChoices            map[string]CommonChoice
}

// CommonChoice is the most frequently chosen option for one intent prefix.
type CommonChoice struct {
	Choice       string
	Count        int
	Alternatives int
}

// Suggestion is one proposed change, grounded on observed run data.
type Suggestion struct {
	Type           string
	Target         string
	Reason         string
	Recommendation string
	Priority       string
}

// NodePerformance is aggregate metrics for one node across all runs that
// touched it.
type NodePerformance struct {
	NodeID                  string
	TotalDecisions          int
	SuccessRate             float64
	AvgLatencyMs            float64
	TotalTokens             int
	DecisionTypeDistribution map[decision.Type]int
}

// RunDiff is a side-by-side comparison of two runs.
type RunDiff struct {
	Run1         RunSide
	Run2         RunSide
	Differences  []string
}

// RunSide is one run's half of a RunDiff.
type RunSide struct {
	ID          string
	Status      decision.Status
	Decisions   int
	SuccessRate float64
}

// === WHAT HAPPENED? ===

// GetRunSummary returns a quick summary of a run.
func (q *Query) GetRunSummary(runID string) (decision.RunSummary, error) {
	return q.store.LoadSummary(runID)
}

// GetFullRun returns the complete run with all decisions.
func (q *Query) GetFullRun(runID string) (decision.Run, error) {
	return q.store.LoadRun(runID)
}

// ListRunsForGoal returns summaries of every run recorded for a goal.
func (q *Query) ListRunsForGoal(goalID string) ([]decision.RunSummary, error) {
	runs, err := q.store.GetRunsByGoal(goalID)
	if err != nil {
		return nil, err
	}
	summaries := make([]decision.RunSummary, 0, len(runs))
	for _, r := range runs {
		summaries = append(summaries, r.Summary())
	}
	return summaries, nil
}

// GetRecentFailures returns up to limit recent failed runs.
func (q *Query) GetRecentFailures(limit int) ([]decision.RunSummary, error) {
	runs, err := q.store.GetRunsByStatus(decision.StatusFailed)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	summaries := make([]decision.RunSummary, 0, len(runs))
	for _, r := range runs {
		summaries = append(summaries, r.Summary())
	}
	return summaries, nil
}

// === WHY DID IT FAIL? ===

// AnalyzeFailure performs a deep analysis of why a run failed.
func (q *Query) AnalyzeFailure(runID string) (*FailureAnalysis, error) {
	run, err := q.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != decision.StatusFailed {
		return nil, nil
	}

	var failedDecisions []decision.Decision
	for _, d := range run.Decisions {
		if !d.WasSuccessful() {
			failedDecisions = append(failedDecisions, d)
		}
	}

	var failurePoint, rootCause string
	if len(failedDecisions) == 0 {
		failurePoint = "Unknown - no decision marked as failed"
		rootCause = "Run failed but all decisions succeeded (external cause?)"
	} else {
		first := failedDecisions[0]
		failurePoint = first.SummaryForBuilder()
		if first.Outcome != nil {
			rootCause = first.Outcome.Error
		} else {
			rootCause = "Unknown"
		}
	}

	var chain []string
	for _, d := range run.Decisions {
		chain = append(chain, d.SummaryForBuilder())
		if !d.WasSuccessful() {
			break
		}
	}

	problems := make([]string, 0, len(run.Problems))
	for _, p := range run.Problems {
		problems = append(problems, fmt.Sprintf("[%s] %s", p.Severity, p.Description))
	}

	return &FailureAnalysis{
		RunID:         runID,
		FailurePoint:  failurePoint,
		RootCause:     rootCause,
		DecisionChain: chain,
		Problems:      problems,
		Suggestions:   generateSuggestions(run, failedDecisions),
	}, nil
}

// GetDecisionTrace returns a readable trace of every decision in a run.
func (q *Query) GetDecisionTrace(runID string) ([]string, error) {
	run, err := q.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	trace := make([]string, 0, len(run.Decisions))
	for _, d := range run.Decisions {
		trace = append(trace, d.SummaryForBuilder())
	}
	return trace, nil
}

// === WHAT PATTERNS EMERGE? ===

// FindPatterns finds systemic patterns across every run for a goal.
func (q *Query) FindPatterns(goalID string) (*PatternAnalysis, error) {
	runs, err := q.store.GetRunsByGoal(goalID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}

	completed := 0
	for _, r := range runs {
		if r.Status == decision.StatusCompleted {
			completed++
		}
	}
	successRate := float64(completed) / float64(len(runs))

	failureCounts := make(map[string]int)
	for _, run := range runs {
		for _, d := range run.Decisions {
			if !d.WasSuccessful() && d.Outcome != nil {
				err := d.Outcome.Error
				if err == "" {
					err = "Unknown error"
				}
				failureCounts[err]++
			}
		}
	}
	commonFailures := make([]FailureCount, 0, len(failureCounts))
	for e, c := range failureCounts {
		commonFailures = append(commonFailures, FailureCount{Error: e, Count: c})
	}
	sort.Slice(commonFailures, func(i, j int) bool {
		if commonFailures[i].Count != commonFailures[j].Count {
			return commonFailures[i].Count > commonFailures[j].Count
		}
		return commonFailures[i].Error < commonFailures[j].Error
	})
	if len(commonFailures) > 5 {
		commonFailures = commonFailures[:5]
	}

	type nodeStat struct{ total, failed int }
	nodeStats := make(map[string]*nodeStat)
	for _, run := range runs {
		for _, d := range run.Decisions {
			st, ok := nodeStats[d.NodeID]
			if !ok {
				st = &nodeStat{}
				nodeStats[d.NodeID] = st
			}
			st.total++
			if !d.WasSuccessful() {
				st.failed++
			}
		}
	}
	var problematic []NodeFailureRate
	for nodeID, st := range nodeStats {
		if st.total == 0 {
			continue
		}
		rate := float64(st.failed) / float64(st.total)
		if rate > 0.1 {
			problematic = append(problematic, NodeFailureRate{NodeID: nodeID, FailureRate: rate})
		}
	}
	sort.Slice(problematic, func(i, j int) bool {
		if problematic[i].FailureRate != problematic[j].FailureRate {
			return problematic[i].FailureRate > problematic[j].FailureRate
		}
		return problematic[i].NodeID < problematic[j].NodeID
	})

	return &PatternAnalysis{
		GoalID:           goalID,
		RunCount:         len(runs),
		SuccessRate:      successRate,
		CommonFailures:   commonFailures,
		ProblematicNodes: problematic,
		DecisionPatterns: analyzeDecisionPatterns(runs),
	}, nil
}

// CompareRuns contrasts two runs to surface what differed between them.
func (q *Query) CompareRuns(runID1, runID2 string) (*RunDiff, error) {
	run1, err := q.store.LoadRun(runID1)
	if err != nil {
		return nil, err
	}
	run2, err := q.store.LoadRun(runID2)
	if err != nil {
		return nil, err
	}
	return &RunDiff{
		Run1: RunSide{ID: run1.ID, Status: run1.Status, Decisions: len(run1.Decisions), SuccessRate: run1.Metrics.SuccessRate},
		Run2: RunSide{ID: run2.ID, Status: run2.Status, Decisions: len(run2.Decisions), SuccessRate: run2.Metrics.SuccessRate},
		Differences: findDifferences(run1, run2),
	}, nil
}

// === WHAT SHOULD WE CHANGE? ===

// SuggestImprovements proposes changes based on observed run patterns.
func (q *Query) SuggestImprovements(goalID string) ([]Suggestion, error) {
	patterns, err := q.FindPatterns(goalID)
	if err != nil {
		return nil, err
	}
	if patterns == nil {
		return nil, nil
	}

	var suggestions []Suggestion

	for _, n := range patterns.ProblematicNodes {
		priority := "medium"
		if n.FailureRate > 0.3 {
			priority = "high"
		}
		suggestions = append(suggestions, Suggestion{
			Type:           "node_improvement",
			Target:         n.NodeID,
			Reason:         fmt.Sprintf("Node has %.1f%% failure rate", n.FailureRate*100),
			Recommendation: fmt.Sprintf("Review and improve node %q - high failure rate suggests prompt or tool issues", n.NodeID),
			Priority:       priority,
		})
	}

	for _, f := range patterns.CommonFailures {
		if f.Count < 2 {
			continue
		}
		priority := "medium"
		if f.Count >= 5 {
			priority = "high"
		}
		suggestions = append(suggestions, Suggestion{
			Type:           "error_handling",
			Target:         f.Error,
			Reason:         fmt.Sprintf("Error occurred %d times", f.Count),
			Recommendation: "Add handling for: " + f.Error,
			Priority:       priority,
		})
	}

	if patterns.SuccessRate < 0.8 {
		suggestions = append(suggestions, Suggestion{
			Type:           "architecture",
			Target:         goalID,
			Reason:         fmt.Sprintf("Goal success rate is only %.1f%%", patterns.SuccessRate*100),
			Recommendation: "Consider restructuring the agent graph or improving goal definition",
			Priority:       "high",
		})
	}

	return suggestions, nil
}

// GetNodePerformance aggregates performance metrics for one node across
// every run that touched it.
func (q *Query) GetNodePerformance(nodeID string) (NodePerformance, error) {
	runs, err := q.store.GetRunsByNode(nodeID)
	if err != nil {
		return NodePerformance{}, err
	}

	perf := NodePerformance{NodeID: nodeID, DecisionTypeDistribution: make(map[decision.Type]int)}
	var totalDecisions, successfulDecisions, totalLatency, totalTokens int

	for _, run := range runs {
		for _, d := range run.Decisions {
			if d.NodeID != nodeID {
				continue
			}
			totalDecisions++
			if d.WasSuccessful() {
				successfulDecisions++
			}
			if d.Outcome != nil {
				totalLatency += d.Outcome.LatencyMs
				totalTokens += d.Outcome.TokensUsed
			}
			perf.DecisionTypeDistribution[d.DecisionType]++
		}
	}

	perf.TotalDecisions = totalDecisions
	perf.TotalTokens = totalTokens
	if totalDecisions > 0 {
		perf.SuccessRate = float64(successfulDecisions) / float64(totalDecisions)
		perf.AvgLatencyMs = float64(totalLatency) / float64(totalDecisions)
	}
	return perf, nil
}

// === PRIVATE HELPERS ===

func generateSuggestions(run decision.Run, failedDecisions []decision.Decision) []string {
	var suggestions []string

	for _, d := range failedDecisions {
		if len(d.Options) > 1 {
			chosen := d.ChosenOption()
			var alternative *decision.Option
			for i := range d.Options {
				if d.Options[i].ID != d.ChosenOptionID {
					alternative = &d.Options[i]
					break
				}
			}
			if alternative != nil {
				chosenDesc := "unknown"
				if chosen != nil {
					chosenDesc = chosen.Description
				}
				suggestions = append(suggestions, fmt.Sprintf("Consider alternative: %q instead of %q", alternative.Description, chosenDesc))
			}
		}

		if len(d.InputContext) == 0 {
			suggestions = append(suggestions, fmt.Sprintf("Decision %q had no input context - ensure relevant data is passed", d.Intent))
		}

		if len(d.ActiveConstraints) > 0 {
			suggestions = append(suggestions, "Review constraints: "+strings.Join(d.ActiveConstraints, ", ")+" - may be too restrictive")
		}
	}

	for _, p := range run.Problems {
		if p.SuggestedFix != "" {
			suggestions = append(suggestions, p.SuggestedFix)
		}
	}

	return suggestions
}

func analyzeDecisionPatterns(runs []decision.Run) DecisionPatterns {
	typeCounts := make(map[decision.Type]int)
	optionCounts := make(map[string]map[string]int)

	for _, run := range runs {
		for _, d := range run.Decisions {
			typeCounts[d.DecisionType]++

			intentKey := d.Intent
			if len(intentKey) > 50 {
				intentKey = intentKey[:50]
			}
			if chosen := d.ChosenOption(); chosen != nil {
				if optionCounts[intentKey] == nil {
					optionCounts[intentKey] = make(map[string]int)
				}
				optionCounts[intentKey][chosen.Description]++
			}
		}
	}

	commonChoices := make(map[string]CommonChoice, len(optionCounts))
	for intent, choices := range optionCounts {
		if len(choices) == 0 {
			continue
		}
		var bestDesc string
		var bestCount int
		descs := make([]string, 0, len(choices))
		for d := range choices {
			descs = append(descs, d)
		}
		sort.Strings(descs)
		for _, d := range descs {
			if choices[d] > bestCount {
				bestCount = choices[d]
				bestDesc = d
			}
		}
		commonChoices[intent] = CommonChoice{Choice: bestDesc, Count: bestCount, Alternatives: len(choices) - 1}
	}

	return DecisionPatterns{DecisionTypeDistribution: typeCounts, CommonChoices: commonChoices}
}

func findDifferences(run1, run2 decision.Run) []string {
	var diffs []string

	if run1.Status != run2.Status {
		diffs = append(diffs, fmt.Sprintf("Status: %s vs %s", run1.Status, run2.Status))
	}

	if len(run1.Decisions) != len(run2.Decisions) {
		diffs = append(diffs, fmt.Sprintf("Decision count: %d vs %d", len(run1.Decisions), len(run2.Decisions)))
	}

	n := len(run1.Decisions)
	if len(run2.Decisions) < n {
		n = len(run2.Decisions)
	}
	for i := 0; i < n; i++ {
		d1, d2 := run1.Decisions[i], run2.Decisions[i]
		if d1.ChosenOptionID != d2.ChosenOptionID {
			diffs = append(diffs, fmt.Sprintf("Diverged at decision %d: chose %q vs %q", i, d1.ChosenOptionID, d2.ChosenOptionID))
			break
		}
	}

	nodes1 := make(map[string]bool, len(run1.Metrics.NodesExecuted))
	for _, n := range run1.Metrics.NodesExecuted {
		nodes1[n] = true
	}
	nodes2 := make(map[string]bool, len(run2.Metrics.NodesExecuted))
	for _, n := range run2.Metrics.NodesExecuted {
		nodes2[n] = true
	}
	var only1, only2 []string
	for n := range nodes1 {
		if !nodes2[n] {
			only1 = append(only1, n)
		}
	}
	for n := range nodes2 {
		if !nodes1[n] {
			only2 = append(only2, n)
		}
	}
	sort.Strings(only1)
	sort.Strings(only2)
	if len(only1) > 0 {
		diffs = append(diffs, fmt.Sprintf("Nodes only in run 1: %s", strings.Join(only1, ", ")))
	}
	if len(only2) > 0 {
		diffs = append(diffs, fmt.Sprintf("Nodes only in run 2: %s", strings.Join(only2, ", ")))
	}

	return diffs
}
