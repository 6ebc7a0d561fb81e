package testharness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentloom/loom/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	tests   []storage.Test
	results []storage.Result
	saveErr error
}

func (f *fakeStore) GetApprovedTests(goalID string) ([]storage.Test, error) {
	return f.tests, nil
}

func (f *fakeStore) SaveResult(r storage.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.results = append(f.results, r)
	return nil
}

func echoFactory() (Agent, error) {
	return AgentFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"x": input["x"]}, nil
	}), nil
}

func TestRunner_RunAll_Sequential(t *testing.T) {
	store := &fakeStore{tests: []storage.Test{
		{ID: "t1", Input: map[string]any{"x": 1}, Assertions: []string{"output.x == 1"}},
		{ID: "t2", Input: map[string]any{"x": 2}, Assertions: []string{"output.x == 2"}},
	}}
	runner := NewRunner(store, echoFactory, nil, Config{NumWorkers: 1, TimeoutPerTest: time.Second})

	suite, err := runner.RunAll(context.Background(), "g1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if suite.Total != 2 || suite.Passed != 2 || suite.Failed != 0 {
		t.Errorf("suite = %+v, want 2 total, 2 passed", suite)
	}
	if len(store.results) != 2 {
		t.Errorf("expected 2 persisted results, got %d", len(store.results))
	}
}

func TestRunner_RunTests_Parallel(t *testing.T) {
	var tests []storage.Test
	for i := 0; i < 20; i++ {
		tests = append(tests, storage.Test{
			ID:         fmt.Sprintf("t%d", i),
			Input:      map[string]any{"x": i},
			Assertions: []string{fmt.Sprintf("output.x == %d", i)},
		})
	}
	store := &fakeStore{}
	runner := NewRunner(store, echoFactory, nil, Config{NumWorkers: 4, TimeoutPerTest: time.Second})

	suite := runner.RunTests(context.Background(), "g1", tests)
	if suite.Total != 20 || suite.Passed != 20 {
		t.Errorf("suite = %+v, want 20 total, 20 passed", suite)
	}
	if len(store.results) != 20 {
		t.Errorf("expected 20 persisted results, got %d", len(store.results))
	}
}

func TestRunner_FailFast_StopsDispatchingNewSequentialTests(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	factory := func() (Agent, error) {
		return AgentFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			mu.Lock()
			ran = append(ran, input["id"].(string))
			mu.Unlock()
			return map[string]any{"ok": input["id"] == "a"}, nil
		}), nil
	}
	store := &fakeStore{tests: []storage.Test{
		{ID: "a", Input: map[string]any{"id": "a"}, Assertions: []string{"output.ok == true"}},
		{ID: "b", Input: map[string]any{"id": "b"}, Assertions: []string{"output.ok == true"}},
		{ID: "c", Input: map[string]any{"id": "c"}, Assertions: []string{"output.ok == true"}},
	}}
	runner := NewRunner(store, factory, nil, Config{NumWorkers: 1, FailFast: true, TimeoutPerTest: time.Second})

	suite := runner.RunTests(context.Background(), "g1", store.tests)
	if suite.Total != 2 {
		t.Errorf("fail-fast sequential run should stop after the first failure, got %d results", suite.Total)
	}
	if len(ran) != 2 {
		t.Errorf("expected exactly 2 tests to run before fail-fast stopped the suite, got %v", ran)
	}
}

func TestRunner_PersistFailureIsNotFatal(t *testing.T) {
	store := &fakeStore{
		tests:   []storage.Test{{ID: "t1", Input: map[string]any{"x": 1}}},
		saveErr: errors.New("disk full"),
	}
	runner := NewRunner(store, echoFactory, nil, Config{NumWorkers: 1, TimeoutPerTest: time.Second})

	suite, err := runner.RunAll(context.Background(), "g1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if suite.Total != 1 || !suite.Results[0].Passed {
		t.Fatalf("expected the test's own outcome to survive a persistence failure, got %+v", suite.Results)
	}
	if len(suite.Results[0].RuntimeLogs) == 0 {
		t.Error("expected the persistence error to be recorded in runtime logs")
	}
}
