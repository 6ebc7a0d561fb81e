// Package runtime is the single-writer decision log for the run currently
// in flight: it records decisions, closes them with outcomes, collects
// problems, and flushes the finished Run to storage.
package runtime

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentloom/loom/internal/decision"
)

// ErrAlreadyFinalised is returned by RecordOutcome when a decision already
// has an outcome recorded (spec §7, code "already_finalised").
var ErrAlreadyFinalised = errors.New("runtime: decision already finalised")

// ErrNoActiveRun is returned when an operation is attempted without a run
// having been started via StartRun.
var ErrNoActiveRun = errors.New("runtime: no active run")

// Saver is the narrow persistence contract Runtime needs from the storage
// backend: flush the finished Run.
type Saver interface {
	SaveRun(r decision.Run) error
}

// Runtime is a single-writer façade around the current Run. It is not
// safe to share across concurrent runs; spec §5 guarantees at most one
// node (and therefore one Runtime caller) is active at a time.
type Runtime struct {
	mu      sync.Mutex
	storage Saver
	run     *decision.Run
	metrics *metrics

	decisionSeq map[string]int // index of each decision ID into run.Decisions, for O(1) RecordOutcome
}

// New creates a Runtime backed by storage. storage may be nil for
// in-memory-only use (e.g. in tests).
func New(storage Saver) *Runtime {
	return &Runtime{storage: storage, metrics: newMetrics()}
}

// StartRun begins a new Run and transitions it pending -> running.
func (rt *Runtime) StartRun(goalID, goalDescription string, inputData map[string]any) string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	id := uuid.NewString()
	rt.run = &decision.Run{
		ID:              id,
		GoalID:          goalID,
		GoalDescription: goalDescription,
		Status:          decision.StatusRunning,
		StartTime:       time.Now(),
	}
	rt.decisionSeq = make(map[string]int)
	log.Printf("[Runtime] started run %s for goal %s", id, goalID)
	_ = inputData // recorded via the executor's memory write, not duplicated here
	return id
}

// Decide allocates a Decision with no outcome yet and returns its ID.
func (rt *Runtime) Decide(
	nodeID, intent string,
	options []decision.Option,
	chosen, reasoning string,
	context map[string]any,
	activeConstraints []string,
	decisionType decision.Type,
) (string, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.run == nil {
		return "", ErrNoActiveRun
	}

	d := decision.Decision{
		ID:                uuid.NewString(),
		RunID:             rt.run.ID,
		NodeID:            nodeID,
		Intent:            intent,
		Options:           options,
		ChosenOptionID:    chosen,
		Reasoning:         reasoning,
		ActiveConstraints: activeConstraints,
		InputContext:      context,
		DecisionType:      decisionType,
		CreatedAt:         time.Now(),
	}
	rt.decisionSeq[d.ID] = len(rt.run.Decisions)
	rt.run.Decisions = append(rt.run.Decisions, d)
	return d.ID, nil
}

// RecordOutcome closes a Decision. Exactly one outcome may be recorded
// per decision; a second call returns ErrAlreadyFinalised.
func (rt *Runtime) RecordOutcome(decisionID string, success bool, result any, errMsg string, tokensUsed, latencyMs int) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.run == nil {
		return ErrNoActiveRun
	}
	idx, ok := rt.decisionSeq[decisionID]
	if !ok {
		return fmt.Errorf("runtime: unknown decision %q", decisionID)
	}
	d := &rt.run.Decisions[idx]
	if d.Outcome != nil {
		return ErrAlreadyFinalised
	}
	d.Outcome = &decision.Outcome{
		Success:    success,
		Result:     result,
		Error:      errMsg,
		LatencyMs:  latencyMs,
		TokensUsed: tokensUsed,
	}
	rt.run.RecomputeSuccessRate()
	rt.metrics.observe(d.NodeID, success, latencyMs)
	return nil
}

// ReportProblem appends a Problem to the current run. Problems are
// informative; they never themselves cause a run to fail (spec §7).
func (rt *Runtime) ReportProblem(severity decision.Severity, description, suggestedFix string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.run == nil {
		return ErrNoActiveRun
	}
	rt.run.Problems = append(rt.run.Problems, decision.Problem{
		Severity:     severity,
		Description:  description,
		SuggestedFix: suggestedFix,
	})
	if severity == decision.SeverityCritical {
		log.Printf("[Runtime] critical problem on run %s: %s", rt.run.ID, description)
	}
	return nil
}

// EndRun transitions the run to completed or failed, sets the output and
// narrative, and flushes it via storage. path is the executor's traversed
// node sequence (spec §8 property 3: nodes_executed equals the executor's
// reported path), not a derivation from the decision log — a single
// llm_tool_use node can record several decisions, and a retried node (S2)
// repeats its decision, so the decision log's NodeIDs are not the path.
func (rt *Runtime) EndRun(success bool, output map[string]any, narrative string, path []string) error {
	return rt.endRun(success, output, narrative, decision.StatusCompleted, path)
}

// EndRunPaused transitions the run to the distinct paused status (spec
// §9(b) redesign) rather than reusing StatusCompleted, and flushes it.
func (rt *Runtime) EndRunPaused(output map[string]any, narrative string, path []string) error {
	return rt.endRun(true, output, narrative, decision.StatusPaused, path)
}

func (rt *Runtime) endRun(success bool, output map[string]any, narrative string, pausedStatus decision.Status, path []string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.run == nil {
		return ErrNoActiveRun
	}

	status := decision.StatusFailed
	if success {
		status = decision.StatusCompleted
		if pausedStatus == decision.StatusPaused {
			status = decision.StatusPaused
		}
	}
	rt.run.Status = status
	rt.run.Output = output
	rt.run.Narrative = narrative
	rt.run.EndTime = time.Now()
	rt.run.Metrics.NodesExecuted = append([]string(nil), path...)

	finished := *rt.run
	if rt.storage != nil {
		if err := rt.storage.SaveRun(finished); err != nil {
			return fmt.Errorf("runtime: save run: %w", err)
		}
	}
	log.Printf("[Runtime] ended run %s: status=%s decisions=%d", finished.ID, status, len(finished.Decisions))
	return nil
}

// CurrentRun returns a snapshot of the run in flight, or nil if none.
func (rt *Runtime) CurrentRun() *decision.Run {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.run == nil {
		return nil
	}
	cp := *rt.run
	return &cp
}
