package testharness

import (
	"context"
	"sync"
	"time"

	"github.com/agentloom/loom/internal/storage"
)

// ResultStore is the narrow persistence surface the parallel runner needs:
// load the approved scenarios for a goal, and save each one's outcome. A
// *storage.Store satisfies this without an adapter, mirroring the
// query.Loader narrow-interface pattern.
type ResultStore interface {
	GetApprovedTests(goalID string) ([]storage.Test, error)
	SaveResult(r storage.Result) error
}

// Config mirrors parallel.py's ParallelConfig: how many workers to run
// tests on, how long a single test may run, and whether to abandon the
// suite at the first failure.
type Config struct {
	NumWorkers     int
	TimeoutPerTest time.Duration
	FailFast       bool
}

// DefaultConfig matches the original's defaults: one worker per available
// slot is left to the caller, but a single-test timeout of 60s and no
// fail-fast are the sane starting point.
func DefaultConfig() Config {
	return Config{NumWorkers: 1, TimeoutPerTest: 60 * time.Second, FailFast: false}
}

// SuiteResult aggregates a full suite run, the Go analogue of
// parallel.py's _create_suite_result output.
type SuiteResult struct {
	GoalID     string
	Total      int
	Passed     int
	Failed     int
	Results    []storage.Result
	DurationMs int
}

// Runner executes the approved Tests for a goal against fresh Agent
// instances, persisting each Result. Grounded on
// original_source/core/framework/testing/parallel.py's ParallelTestRunner:
// one Agent per worker (built once via the factory and reused across that
// worker's tests, matching the original's thread-local agent), tests
// dispatched individually to a fixed-size pool for load balancing, and
// fail-fast cancellation that is best-effort only — in-flight goroutines
// run to completion rather than being forcibly killed (spec §5), since Go
// has no direct equivalent of the original's
// executor.shutdown(cancel_futures=True).
type Runner struct {
	store    ResultStore
	factory  AgentFactory
	executor *Executor
	cfg      Config
}

// NewRunner builds a Runner. categorizer may be nil to get a default one.
func NewRunner(store ResultStore, factory AgentFactory, categorizer *Categorizer, cfg Config) *Runner {
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	if cfg.TimeoutPerTest <= 0 {
		cfg.TimeoutPerTest = 60 * time.Second
	}
	return &Runner{
		store:    store,
		factory:  factory,
		executor: NewExecutor(categorizer, cfg.TimeoutPerTest),
		cfg:      cfg,
	}
}

// RunAll loads every approved test for goalID and runs the suite.
func (r *Runner) RunAll(ctx context.Context, goalID string) (SuiteResult, error) {
	tests, err := r.store.GetApprovedTests(goalID)
	if err != nil {
		return SuiteResult{}, err
	}
	return r.RunTests(ctx, goalID, tests), nil
}

// RunTests runs exactly the given tests (the caller has already decided
// which set — e.g. a subset for a fast re-check), sequentially when
// NumWorkers<=1 and otherwise across a worker pool, one goroutine per
// worker, each with its own Agent.
func (r *Runner) RunTests(ctx context.Context, goalID string, tests []storage.Test) SuiteResult {
	start := time.Now()

	var results []storage.Result
	if r.cfg.NumWorkers <= 1 {
		results = r.runSequential(ctx, tests)
	} else {
		results = r.runParallel(ctx, tests)
	}

	suite := SuiteResult{GoalID: goalID, Total: len(results), Results: results}
	for _, res := range results {
		if res.Passed {
			suite.Passed++
		} else {
			suite.Failed++
		}
	}
	suite.DurationMs = int(time.Since(start).Milliseconds())
	return suite
}

// runSequential runs tests one at a time on a single Agent, stopping early
// on the first failure when FailFast is set.
func (r *Runner) runSequential(ctx context.Context, tests []storage.Test) []storage.Result {
	agent, err := r.factory()
	if err != nil {
		return failAllWith(tests, err.Error())
	}

	var out []storage.Result
	for _, test := range tests {
		if ctx.Err() != nil {
			break
		}
		res := r.runOne(ctx, test, agent)
		out = append(out, res)
		if r.cfg.FailFast && !res.Passed {
			break
		}
	}
	return out
}

// runParallel spreads tests across NumWorkers goroutines, each owning one
// Agent built from the factory at startup (the goroutine equivalent of
// the original's per-thread agent via thread-local storage). Tests are
// pulled one at a time off a shared channel so idle workers pick up slack
// from slower ones, matching the original's as_completed load balancing.
func (r *Runner) runParallel(ctx context.Context, tests []storage.Test) []storage.Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan storage.Test)
	resultsCh := make(chan storage.Result, len(tests))

	var wg sync.WaitGroup
	numWorkers := r.cfg.NumWorkers
	if numWorkers > len(tests) {
		numWorkers = len(tests)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	for i := 0; i < numWorkers; i++ {
		agent, err := r.factory()
		if err != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range jobs {
				}
			}()
			continue
		}
		wg.Add(1)
		go func(a Agent) {
			defer wg.Done()
			for test := range jobs {
				if runCtx.Err() != nil {
					continue
				}
				res := r.runOne(runCtx, test, a)
				resultsCh <- res
				if r.cfg.FailFast && !res.Passed {
					cancel() // best-effort: stop handing out new jobs, let in-flight ones finish
				}
			}
		}(agent)
	}

	go func() {
		defer close(jobs)
		for _, test := range tests {
			select {
			case jobs <- test:
			case <-runCtx.Done():
				return // fail-fast or caller cancellation: drop remaining, in-flight jobs still finish
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	var out []storage.Result
	for res := range resultsCh {
		out = append(out, res)
	}
	return out
}

// runOne executes a single test and persists its result, on a best-effort
// basis — a persistence failure is folded into the in-memory result's
// RuntimeLogs rather than dropping the result, since a test outcome the
// caller can see is more useful than a silently lost one.
func (r *Runner) runOne(ctx context.Context, test storage.Test, agent Agent) storage.Result {
	res := r.executor.Execute(ctx, test, agent)
	res.TestID = test.ID
	if err := r.store.SaveResult(res); err != nil {
		res.RuntimeLogs = append(res.RuntimeLogs, "failed to persist result: "+err.Error())
	}
	return res
}

func failAllWith(tests []storage.Test, msg string) []storage.Result {
	out := make([]storage.Result, 0, len(tests))
	for _, t := range tests {
		out = append(out, storage.Result{TestID: t.ID, Passed: false, ErrorMessage: msg})
	}
	return out
}
