package query

import (
	"fmt"
	"testing"
	"time"

	"github.com/agentloom/loom/internal/decision"
)

type fakeLoader struct {
	runs map[string]decision.Run
}

func (f *fakeLoader) LoadRun(id string) (decision.Run, error) {
	r, ok := f.runs[id]
	if !ok {
		return decision.Run{}, fmt.Errorf("run %q not found", id)
	}
	return r, nil
}

func (f *fakeLoader) LoadSummary(id string) (decision.RunSummary, error) {
	r, err := f.LoadRun(id)
	if err != nil {
		return decision.RunSummary{}, err
	}
	return r.Summary(), nil
}

func (f *fakeLoader) GetRunsByGoal(goalID string) ([]decision.Run, error) {
	var out []decision.Run
	for _, r := range f.runs {
		if r.GoalID == goalID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLoader) GetRunsByStatus(status decision.Status) ([]decision.Run, error) {
	var out []decision.Run
	for _, r := range f.runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLoader) GetRunsByNode(nodeID string) ([]decision.Run, error) {
	var out []decision.Run
	for _, r := range f.runs {
		for _, d := range r.Decisions {
			if d.NodeID == nodeID {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func outcome(success bool, errMsg string) *decision.Outcome {
	return &decision.Outcome{Success: success, Error: errMsg, LatencyMs: 100, TokensUsed: 10}
}

func TestAnalyzeFailure_FindsFirstFailureAndChain(t *testing.T) {
	run := decision.Run{
		ID:     "r1",
		GoalID: "g1",
		Status: decision.StatusFailed,
		Decisions: []decision.Decision{
			{ID: "d1", NodeID: "A", Intent: "step 1", ChosenOptionID: "ok", Outcome: outcome(true, "")},
			{ID: "d2", NodeID: "B", Intent: "step 2", ChosenOptionID: "ok", Outcome: outcome(false, "rate_limit")},
			{ID: "d3", NodeID: "C", Intent: "step 3", ChosenOptionID: "ok", Outcome: outcome(true, "")},
		},
		Problems: []decision.Problem{{Severity: decision.SeverityCritical, Description: "B exhausted retries", SuggestedFix: "increase max_retries_per_node"}},
	}
	q := New(&fakeLoader{runs: map[string]decision.Run{"r1": run}})

	analysis, err := q.AnalyzeFailure("r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis == nil {
		t.Fatal("expected a non-nil analysis for a failed run")
	}
	if analysis.RootCause != "rate_limit" {
		t.Errorf("root cause = %q, want rate_limit", analysis.RootCause)
	}
	if len(analysis.DecisionChain) != 2 {
		t.Errorf("decision chain length = %d, want 2 (stops at first failure)", len(analysis.DecisionChain))
	}
	found := false
	for _, s := range analysis.Suggestions {
		if s == "increase max_retries_per_node" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the problem's suggested_fix to surface as a suggestion, got %v", analysis.Suggestions)
	}
}

func TestAnalyzeFailure_NonFailedRunReturnsNil(t *testing.T) {
	run := decision.Run{ID: "r1", Status: decision.StatusCompleted}
	q := New(&fakeLoader{runs: map[string]decision.Run{"r1": run}})

	analysis, err := q.AnalyzeFailure("r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis != nil {
		t.Errorf("expected nil analysis for a non-failed run, got %+v", analysis)
	}
}

func TestFindPatterns_AggregatesAcrossRuns(t *testing.T) {
	runs := map[string]decision.Run{
		"r1": {
			ID: "r1", GoalID: "g1", Status: decision.StatusCompleted,
			Decisions: []decision.Decision{{NodeID: "A", Outcome: outcome(true, "")}},
		},
		"r2": {
			ID: "r2", GoalID: "g1", Status: decision.StatusFailed,
			Decisions: []decision.Decision{
				{NodeID: "A", Outcome: outcome(true, "")},
				{NodeID: "B", Outcome: outcome(false, "timeout")},
			},
		},
		"r3": {
			ID: "r3", GoalID: "g1", Status: decision.StatusFailed,
			Decisions: []decision.Decision{
				{NodeID: "B", Outcome: outcome(false, "timeout")},
			},
		},
	}
	q := New(&fakeLoader{runs: runs})

	patterns, err := q.FindPatterns("g1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if patterns.RunCount != 3 {
		t.Errorf("run count = %d, want 3", patterns.RunCount)
	}
	if patterns.SuccessRate < 0.33 || patterns.SuccessRate > 0.34 {
		t.Errorf("success rate = %v, want ~0.333", patterns.SuccessRate)
	}
	if len(patterns.CommonFailures) != 1 || patterns.CommonFailures[0].Error != "timeout" || patterns.CommonFailures[0].Count != 2 {
		t.Errorf("common failures = %+v, want one entry: timeout x2", patterns.CommonFailures)
	}
	foundB := false
	for _, n := range patterns.ProblematicNodes {
		if n.NodeID == "B" {
			foundB = true
			if n.FailureRate != 1.0 {
				t.Errorf("node B failure rate = %v, want 1.0", n.FailureRate)
			}
		}
	}
	if !foundB {
		t.Error("expected node B to be flagged as problematic (100% failure rate)")
	}
}

func TestFindPatterns_UnknownGoalReturnsNil(t *testing.T) {
	q := New(&fakeLoader{runs: map[string]decision.Run{}})
	patterns, err := q.FindPatterns("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if patterns != nil {
		t.Errorf("expected nil patterns for a goal with no runs, got %+v", patterns)
	}
}

func TestSuggestImprovements_FlagsLowSuccessRate(t *testing.T) {
	runs := map[string]decision.Run{
		"r1": {ID: "r1", GoalID: "g1", Status: decision.StatusFailed, Decisions: []decision.Decision{{NodeID: "A", Outcome: outcome(false, "boom")}}},
		"r2": {ID: "r2", GoalID: "g1", Status: decision.StatusFailed, Decisions: []decision.Decision{{NodeID: "A", Outcome: outcome(false, "boom")}}},
	}
	q := New(&fakeLoader{runs: runs})

	suggestions, err := q.SuggestImprovements("g1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	foundArch := false
	for _, s := range suggestions {
		if s.Type == "architecture" {
			foundArch = true
		}
	}
	if !foundArch {
		t.Errorf("expected an architecture suggestion for a 0%% success rate goal, got %+v", suggestions)
	}
}

func TestGetNodePerformance_AggregatesLatencyAndTokens(t *testing.T) {
	runs := map[string]decision.Run{
		"r1": {
			ID: "r1",
			Decisions: []decision.Decision{
				{NodeID: "A", DecisionType: decision.TypeNodeExecution, Outcome: outcome(true, "")},
				{NodeID: "A", DecisionType: decision.TypeNodeExecution, Outcome: outcome(false, "err")},
			},
		},
	}
	q := New(&fakeLoader{runs: runs})

	perf, err := q.GetNodePerformance("A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if perf.TotalDecisions != 2 {
		t.Errorf("total decisions = %d, want 2", perf.TotalDecisions)
	}
	if perf.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", perf.SuccessRate)
	}
	if perf.TotalTokens != 20 {
		t.Errorf("total tokens = %d, want 20", perf.TotalTokens)
	}
	if perf.DecisionTypeDistribution[decision.TypeNodeExecution] != 2 {
		t.Errorf("decision type distribution = %+v", perf.DecisionTypeDistribution)
	}
}

func TestCompareRuns_FindsDivergencePoint(t *testing.T) {
	run1 := decision.Run{
		ID: "r1", Status: decision.StatusCompleted,
		Decisions: []decision.Decision{{ChosenOptionID: "a"}, {ChosenOptionID: "b"}},
		Metrics:   decision.Metrics{NodesExecuted: []string{"A", "B"}},
	}
	run2 := decision.Run{
		ID: "r2", Status: decision.StatusFailed,
		Decisions: []decision.Decision{{ChosenOptionID: "a"}, {ChosenOptionID: "c"}},
		Metrics:   decision.Metrics{NodesExecuted: []string{"A", "C"}},
	}
	q := New(&fakeLoader{runs: map[string]decision.Run{"r1": run1, "r2": run2}})

	diff, err := q.CompareRuns("r1", "r2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff.Differences) == 0 {
		t.Fatal("expected at least one difference")
	}
	foundStatus, foundDivergence := false, false
	for _, d := range diff.Differences {
		if d == "Status: completed vs failed" {
			foundStatus = true
		}
		if d == `Diverged at decision 1: chose "b" vs "c"` {
			foundDivergence = true
		}
	}
	if !foundStatus {
		t.Errorf("expected a status difference, got %v", diff.Differences)
	}
	if !foundDivergence {
		t.Errorf("expected a divergence-point difference, got %v", diff.Differences)
	}
}

func TestGetRecentFailures_RespectsLimit(t *testing.T) {
	now := time.Unix(0, 0)
	runs := map[string]decision.Run{
		"r1": {ID: "r1", Status: decision.StatusFailed, StartTime: now},
		"r2": {ID: "r2", Status: decision.StatusFailed, StartTime: now},
		"r3": {ID: "r3", Status: decision.StatusFailed, StartTime: now},
	}
	q := New(&fakeLoader{runs: runs})

	failures, err := q.GetRecentFailures(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failures) != 2 {
		t.Errorf("len(failures) = %d, want 2", len(failures))
	}
}
