// Package storage is the local, file-backed persistence layer: runs,
// tests, and test results, each keyed for the lookups the query and test
// harness packages need.
package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/agentloom/loom/internal/decision"
)

var (
	bucketRuns       = []byte("runs")
	bucketRunsByGoal = []byte("runs_by_goal") // goal_id -> newline-joined run ids, oldest first
	bucketTests       = []byte("tests")
	bucketTestsByGoal = []byte("tests_by_goal")
	bucketResults     = []byte("results")
	bucketResultsByTest = []byte("results_by_test") // test_id -> newline-joined result ids, newest last
)

// Test is a stored test case a run can be replayed against. Assertions are
// expr-lang predicates evaluated against the agent's output (in an
// {output, input} namespace, with the evaluator internal/edge uses for
// conditional edges), rather
// than a single expected_output equality check, so a scenario can assert
// on shape ("output.status == \"done\"") as well as value.
type Test struct {
	ID         string         `json:"id"`
	GoalID     string         `json:"goal_id"`
	Name       string         `json:"name"`
	Input      map[string]any `json:"input"`
	Assertions []string       `json:"assertions,omitempty"`
	Approved   bool           `json:"approved"`
	LastResult *Result        `json:"last_result,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// RecordResult attaches r as this test's most recent execution.
func (t *Test) RecordResult(r Result) {
	t.LastResult = &r
}

// Result is one execution of a Test.
type Result struct {
	TestID        string    `json:"test_id"`
	RunID         string    `json:"run_id"`
	Passed        bool      `json:"passed"`
	ErrorCategory string    `json:"error_category,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StackTrace    string    `json:"stack_trace,omitempty"`
	RuntimeLogs   []string  `json:"runtime_logs,omitempty"`
	DurationMs    int       `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store is a bbolt-backed implementation of the Runtime.Saver contract plus
// the read paths the query and test-harness packages need. A single Store
// handle guards one bbolt file; all operations are transactional at the
// single-record granularity bbolt gives for free.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) a bbolt database at path and ensures all
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketRunsByGoal, bucketTests, bucketTestsByGoal, bucketResults, bucketResultsByTest} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun persists a finished Run and appends its ID to its goal's index.
// Writes are atomic at Run granularity via a single bbolt transaction.
func (s *Store) SaveRun(r decision.Run) error {
	blob, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("storage: marshal run %s: %w", r.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Put([]byte(r.ID), blob); err != nil {
			return err
		}
		return appendIndex(tx.Bucket(bucketRunsByGoal), []byte(r.GoalID), r.ID)
	})
}

// LoadRun returns the full Run for id.
func (s *Store) LoadRun(id string) (decision.Run, error) {
	var run decision.Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		blob := tx.Bucket(bucketRuns).Get([]byte(id))
		if blob == nil {
			return fmt.Errorf("storage: run %q not found", id)
		}
		return json.Unmarshal(blob, &run)
	})
	return run, err
}

// LoadSummary returns the RunSummary projection for id.
func (s *Store) LoadSummary(id string) (decision.RunSummary, error) {
	run, err := s.LoadRun(id)
	if err != nil {
		return decision.RunSummary{}, err
	}
	return run.Summary(), nil
}

// GetRunsByGoal returns every run recorded for goalID, oldest first.
func (s *Store) GetRunsByGoal(goalID string) ([]decision.Run, error) {
	ids, err := s.readIndex(bucketRunsByGoal, goalID)
	if err != nil {
		return nil, err
	}
	return s.loadRuns(ids)
}

// GetRunsByStatus returns every run with the given status, across all goals.
// This is a full scan: the store has no status index, matching the
// original's ad hoc filtering approach for an operation that is not on the
// hot path.
func (s *Store) GetRunsByStatus(status decision.Status) ([]decision.Run, error) {
	var out []decision.Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var r decision.Run
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Status == status {
				out = append(out, r)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, err
}

// GetRunsByNode returns every run whose executed-node path
// (Metrics.NodesExecuted) includes nodeID.
func (s *Store) GetRunsByNode(nodeID string) ([]decision.Run, error) {
	var out []decision.Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var r decision.Run
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			for _, n := range r.Metrics.NodesExecuted {
				if n == nodeID {
					out = append(out, r)
					break
				}
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, err
}

func (s *Store) loadRuns(ids []string) ([]decision.Run, error) {
	out := make([]decision.Run, 0, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		for _, id := range ids {
			blob := b.Get([]byte(id))
			if blob == nil {
				continue
			}
			var r decision.Run
			if err := json.Unmarshal(blob, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// SaveTest persists a new Test.
func (s *Store) SaveTest(t Test) error {
	blob, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("storage: marshal test %s: %w", t.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketTests).Put([]byte(t.ID), blob); err != nil {
			return err
		}
		return appendIndex(tx.Bucket(bucketTestsByGoal), []byte(t.GoalID), t.ID)
	})
}

// UpdateTest overwrites an existing Test record (e.g. approval, last_result).
func (s *Store) UpdateTest(t Test) error {
	blob, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("storage: marshal test %s: %w", t.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTests).Put([]byte(t.ID), blob)
	})
}

// LoadTest returns the Test with the given id.
func (s *Store) LoadTest(id string) (Test, error) {
	var t Test
	err := s.db.View(func(tx *bbolt.Tx) error {
		blob := tx.Bucket(bucketTests).Get([]byte(id))
		if blob == nil {
			return fmt.Errorf("storage: test %q not found", id)
		}
		return json.Unmarshal(blob, &t)
	})
	return t, err
}

// GetApprovedTests returns every approved test for goalID.
func (s *Store) GetApprovedTests(goalID string) ([]Test, error) {
	return s.filterTests(goalID, func(t Test) bool { return t.Approved })
}

// GetPendingTests returns every unapproved test for goalID.
func (s *Store) GetPendingTests(goalID string) ([]Test, error) {
	return s.filterTests(goalID, func(t Test) bool { return !t.Approved })
}

func (s *Store) filterTests(goalID string, keep func(Test) bool) ([]Test, error) {
	ids, err := s.readIndex(bucketTestsByGoal, goalID)
	if err != nil {
		return nil, err
	}
	var out []Test
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTests)
		for _, id := range ids {
			blob := b.Get([]byte(id))
			if blob == nil {
				continue
			}
			var t Test
			if err := json.Unmarshal(blob, &t); err != nil {
				return err
			}
			if keep(t) {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

// SaveResult appends a Result and updates the owning Test's last_result.
func (s *Store) SaveResult(r Result) error {
	blob, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("storage: marshal result for test %s: %w", r.TestID, err)
	}
	resultID := fmt.Sprintf("%s:%d", r.TestID, r.CreatedAt.UnixNano())
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketResults).Put([]byte(resultID), blob); err != nil {
			return err
		}
		if err := appendIndex(tx.Bucket(bucketResultsByTest), []byte(r.TestID), resultID); err != nil {
			return err
		}
		testBlob := tx.Bucket(bucketTests).Get([]byte(r.TestID))
		if testBlob == nil {
			return nil // result for a test not tracked by this store; index only
		}
		var t Test
		if err := json.Unmarshal(testBlob, &t); err != nil {
			return err
		}
		cp := r
		t.LastResult = &cp
		updated, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTests).Put([]byte(t.ID), updated)
	})
}

// GetLatestResult returns the most recently saved Result for testID.
func (s *Store) GetLatestResult(testID string) (Result, error) {
	ids, err := s.readIndex(bucketResultsByTest, testID)
	if err != nil {
		return Result{}, err
	}
	if len(ids) == 0 {
		return Result{}, fmt.Errorf("storage: no results for test %q", testID)
	}
	var r Result
	err = s.db.View(func(tx *bbolt.Tx) error {
		blob := tx.Bucket(bucketResults).Get([]byte(ids[len(ids)-1]))
		if blob == nil {
			return fmt.Errorf("storage: result %q missing", ids[len(ids)-1])
		}
		return json.Unmarshal(blob, &r)
	})
	return r, err
}

// appendIndex appends id to the newline-delimited list stored under key in
// bucket b.
func appendIndex(b *bbolt.Bucket, key []byte, id string) error {
	existing := b.Get(key)
	var list []byte
	if len(existing) == 0 {
		list = []byte(id)
	} else {
		list = append(append([]byte{}, existing...), '\n')
		list = append(list, []byte(id)...)
	}
	return b.Put(key, list)
}

func (s *Store) readIndex(bucket []byte, key string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		blob := tx.Bucket(bucket).Get([]byte(key))
		if len(blob) == 0 {
			return nil
		}
		ids = splitLines(blob)
		return nil
	})
	return ids, err
}

func splitLines(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	out = append(out, string(b[start:]))
	return out
}
