// Package decision defines the append-only record of what an agent run
// decided, why, and what happened — the substrate the query and test
// harness packages analyze after the fact.
package decision

import "time"

// Type is a closed enumeration of the kinds of decision the engine logs.
type Type string

const (
	TypeNodeExecution Type = "node_execution"
	TypePlanStep      Type = "plan_step"
	TypeRouterChoice  Type = "router_choice"
	TypeEdgeTraversal Type = "edge_traversal"
)

// Severity is a closed enumeration for Problem.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is a closed enumeration for Run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusPaused is an intentional redesign over the source system
	// (spec §9(b)): a resumable pause is distinct from a finished run.
	StatusPaused Status = "paused"
)

// Option is one alternative considered as part of a Decision.
type Option struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Payload     any    `json:"payload,omitempty"`
}

// Outcome closes a Decision: what happened once the chosen option ran.
type Outcome struct {
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	LatencyMs  int    `json:"latency_ms"`
	TokensUsed int    `json:"tokens_used"`
}

// Decision is one logged agent choice. Decisions are append-only within a
// run: exactly one outcome may be recorded per decision.
type Decision struct {
	ID                string         `json:"id"`
	RunID             string         `json:"run_id"`
	NodeID            string         `json:"node_id"`
	Intent            string         `json:"intent"`
	Options           []Option       `json:"options"`
	ChosenOptionID    string         `json:"chosen_option_id"`
	Reasoning         string         `json:"reasoning"`
	ActiveConstraints []string       `json:"active_constraints"`
	InputContext      map[string]any `json:"input_context"`
	DecisionType      Type           `json:"decision_type"`
	Outcome           *Outcome       `json:"outcome,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// WasSuccessful reports whether this decision has a successful outcome.
// A decision with no outcome yet is not successful.
func (d Decision) WasSuccessful() bool {
	return d.Outcome != nil && d.Outcome.Success
}

// HasOutcome reports whether record_outcome has been called for this decision.
func (d Decision) HasOutcome() bool {
	return d.Outcome != nil
}

// ChosenOption returns the Option matching ChosenOptionID, or nil.
func (d Decision) ChosenOption() *Option {
	for i := range d.Options {
		if d.Options[i].ID == d.ChosenOptionID {
			return &d.Options[i]
		}
	}
	return nil
}

// SummaryForBuilder renders a one-line human-readable summary, used by
// query.FailureAnalysis's decision chain and GetDecisionTrace. Supplements
// spec §4.9 with behaviour recovered from original_source/query.py's use of
// decision.summary_for_builder().
func (d Decision) SummaryForBuilder() string {
	outcome := "pending"
	if d.Outcome != nil {
		if d.Outcome.Success {
			outcome = "success"
		} else {
			outcome = "failed: " + d.Outcome.Error
		}
	}
	return d.NodeID + ": " + d.Intent + " → " + d.ChosenOptionID + " (" + outcome + ")"
}

// Problem is a warning or failure note attached to a run.
type Problem struct {
	Severity      Severity `json:"severity"`
	Description   string   `json:"description"`
	SuggestedFix  string   `json:"suggested_fix,omitempty"`
}

// Metrics is the aggregate metrics record carried on a Run.
type Metrics struct {
	NodesExecuted []string `json:"nodes_executed"`
	SuccessRate   float64  `json:"success_rate"`
	TotalTokens   int      `json:"total_tokens"`
	TotalLatency  int      `json:"total_latency_ms"`
}

// Run is a single graph execution.
type Run struct {
	ID              string     `json:"id"`
	GoalID          string     `json:"goal_id"`
	GoalDescription string     `json:"goal_description"`
	Status          Status     `json:"status"`
	Decisions       []Decision `json:"decisions"`
	Problems        []Problem  `json:"problems"`
	Output          map[string]any `json:"output,omitempty"`
	Narrative       string     `json:"narrative,omitempty"`
	Metrics         Metrics    `json:"metrics"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time,omitempty"`
}

// RecomputeSuccessRate recalculates Metrics.SuccessRate per spec §4.2's
// invariant: #{d with successful outcome} / #{d with any outcome}, 0 when
// no decision has an outcome yet.
func (r *Run) RecomputeSuccessRate() {
	var withOutcome, successful int
	for _, d := range r.Decisions {
		if d.HasOutcome() {
			withOutcome++
			if d.WasSuccessful() {
				successful++
			}
		}
	}
	if withOutcome == 0 {
		r.Metrics.SuccessRate = 0
		return
	}
	r.Metrics.SuccessRate = float64(successful) / float64(withOutcome)
}

// RunSummary is a projection of Run suitable for listing.
type RunSummary struct {
	ID          string    `json:"id"`
	GoalID      string    `json:"goal_id"`
	Status      Status    `json:"status"`
	StepCount   int       `json:"step_count"`
	SuccessRate float64   `json:"success_rate"`
	Narrative   string    `json:"narrative"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time,omitempty"`
}

// Summary projects a Run down to its RunSummary.
func (r Run) Summary() RunSummary {
	return RunSummary{
		ID:          r.ID,
		GoalID:      r.GoalID,
		Status:      r.Status,
		StepCount:   len(r.Metrics.NodesExecuted),
		SuccessRate: r.Metrics.SuccessRate,
		Narrative:   r.Narrative,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
	}
}
