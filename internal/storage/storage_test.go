package storage_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentloom/loom/internal/decision"
	"github.com/agentloom/loom/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.Open(filepath.Join(dir, "loom.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndLoadRun(t *testing.T) {
	s := openTestStore(t)

	run := decision.Run{
		ID:        "run-1",
		GoalID:    "goal-1",
		Status:    decision.StatusCompleted,
		StartTime: time.Now(),
	}
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := s.LoadRun("run-1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if got.GoalID != "goal-1" {
		t.Errorf("expected goal-1, got %q", got.GoalID)
	}

	if _, err := s.LoadRun("nope"); err == nil {
		t.Error("expected error loading unknown run")
	}
}

func TestStore_GetRunsByGoalOrdered(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		r := decision.Run{ID: id, GoalID: "goal-x", StartTime: base.Add(time.Duration(i) * time.Minute)}
		if err := s.SaveRun(r); err != nil {
			t.Fatalf("SaveRun %s: %v", id, err)
		}
	}

	runs, err := s.GetRunsByGoal("goal-x")
	if err != nil {
		t.Fatalf("GetRunsByGoal: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-a" || runs[2].ID != "run-c" {
		t.Errorf("expected insertion order a,b,c, got %v", []string{runs[0].ID, runs[1].ID, runs[2].ID})
	}
}

func TestStore_GetRunsByStatus(t *testing.T) {
	s := openTestStore(t)

	s.SaveRun(decision.Run{ID: "run-ok", GoalID: "g", Status: decision.StatusCompleted, StartTime: time.Now()})
	s.SaveRun(decision.Run{ID: "run-bad", GoalID: "g", Status: decision.StatusFailed, StartTime: time.Now()})

	failed, err := s.GetRunsByStatus(decision.StatusFailed)
	if err != nil {
		t.Fatalf("GetRunsByStatus: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "run-bad" {
		t.Errorf("expected only run-bad, got %+v", failed)
	}
}

func TestStore_GetRunsByNode(t *testing.T) {
	s := openTestStore(t)

	r := decision.Run{ID: "run-1", GoalID: "g", StartTime: time.Now()}
	r.Metrics.NodesExecuted = []string{"plan", "act", "act"}
	s.SaveRun(r)

	matches, err := s.GetRunsByNode("act")
	if err != nil {
		t.Fatalf("GetRunsByNode: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}

	none, err := s.GetRunsByNode("missing")
	if err != nil {
		t.Fatalf("GetRunsByNode: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no matches for unknown node, got %d", len(none))
	}
}

func TestStore_TestLifecycleAndResults(t *testing.T) {
	s := openTestStore(t)

	tc := storage.Test{ID: "test-1", GoalID: "goal-1", Name: "basic happy path", CreatedAt: time.Now()}
	if err := s.SaveTest(tc); err != nil {
		t.Fatalf("SaveTest: %v", err)
	}

	pending, err := s.GetPendingTests("goal-1")
	if err != nil {
		t.Fatalf("GetPendingTests: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending test, got %d", len(pending))
	}

	tc.Approved = true
	if err := s.UpdateTest(tc); err != nil {
		t.Fatalf("UpdateTest: %v", err)
	}

	approved, err := s.GetApprovedTests("goal-1")
	if err != nil {
		t.Fatalf("GetApprovedTests: %v", err)
	}
	if len(approved) != 1 {
		t.Fatalf("expected 1 approved test, got %d", len(approved))
	}

	r1 := storage.Result{TestID: "test-1", RunID: "run-1", Passed: false, ErrorMessage: "boom", CreatedAt: time.Now()}
	if err := s.SaveResult(r1); err != nil {
		t.Fatalf("SaveResult r1: %v", err)
	}
	r2 := storage.Result{TestID: "test-1", RunID: "run-2", Passed: true, CreatedAt: time.Now().Add(time.Second)}
	if err := s.SaveResult(r2); err != nil {
		t.Fatalf("SaveResult r2: %v", err)
	}

	latest, err := s.GetLatestResult("test-1")
	if err != nil {
		t.Fatalf("GetLatestResult: %v", err)
	}
	if latest.RunID != "run-2" || !latest.Passed {
		t.Errorf("expected latest result to be run-2/passed, got %+v", latest)
	}

	refetched, err := s.LoadTest("test-1")
	if err != nil {
		t.Fatalf("LoadTest: %v", err)
	}
	if refetched.LastResult == nil || refetched.LastResult.RunID != "run-2" {
		t.Errorf("expected test's last_result to be updated to run-2, got %+v", refetched.LastResult)
	}
}
