// Command loom is a thin demonstration CLI over the agent execution
// runtime: load an exported agent (agent.json / mcp_servers.json), run it
// to completion or its next pause point, and run its approved test suite.
// The shell itself is out of core scope (spec §1); this wiring exists so
// the packages under internal/ can be exercised end-to-end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/agentloom/loom/internal/agentfile"
	"github.com/agentloom/loom/internal/executor"
	"github.com/agentloom/loom/internal/llm/openai"
	"github.com/agentloom/loom/internal/query"
	"github.com/agentloom/loom/internal/runtime"
	"github.com/agentloom/loom/internal/sandbox"
	"github.com/agentloom/loom/internal/session"
	"github.com/agentloom/loom/internal/storage"
	"github.com/agentloom/loom/internal/testharness"
	"github.com/agentloom/loom/internal/tool"
	"github.com/agentloom/loom/internal/tool/builtin"
	"github.com/agentloom/loom/internal/toolclient"
	"github.com/agentloom/loom/internal/worker"
	"github.com/agentloom/loom/pkg/config"
)

func main() {
	config.LoadEnv()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "test":
		err = cmdTest(os.Args[2:])
	case "query":
		err = cmdQuery(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("loom: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: loom <run|test|query> [flags]")
}

// buildTools assembles the root tool registry: a couple of generically
// useful builtins, plus every server named in the agent's mcp_servers.json
// (if present), connected over toolclient before being adapted onto the
// registry via toolclient's tool.Tool wrapper.
func buildTools(ctx context.Context, dir string) (*tool.Registry, []*toolclient.Client, error) {
	registry := tool.NewRegistry()
	registry.Register(builtin.NewTimeTool())
	registry.Register(builtin.NewHTTPRequestTool(false))

	servers, err := agentfile.LoadMCPServers(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("load mcp_servers.json: %w", err)
	}
	if servers == nil {
		return registry, nil, nil
	}

	var clients []*toolclient.Client
	for _, cfg := range servers.ToolClientConfigs() {
		cli := toolclient.New(cfg)
		if err := cli.Connect(ctx); err != nil {
			log.Printf("⚠️  mcp server %q: connect failed: %v", cfg.Name, err)
			continue
		}
		clients = append(clients, cli)
		infos, err := cli.ListTools(ctx)
		if err != nil {
			log.Printf("⚠️  mcp server %q: list tools failed: %v", cfg.Name, err)
			continue
		}
		for _, info := range infos {
			registry.Register(toolclient.NewToolAdapter(cli, info))
		}
	}
	return registry, clients, nil
}

func closeAll(clients []*toolclient.Client) {
	for _, c := range clients {
		_ = c.Close()
	}
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dir := fs.String("dir", ".", "agent export directory containing agent.json")
	inputJSON := fs.String("input", "{}", "input data as a JSON object")
	sessionID := fs.String("session", "", "resume token id; resumes a paused run if one exists, otherwise starts fresh under this id")
	storePath := fs.String("store", "loom.db", "path to the bbolt run store")
	fs.Parse(args)

	af, err := agentfile.Load(*dir)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
		return fmt.Errorf("parse --input: %w", err)
	}

	ctx := context.Background()
	registry, clients, err := buildTools(ctx, *dir)
	if err != nil {
		return err
	}
	defer closeAll(clients)

	llmClient, err := openai.NewClientFromEnv()
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	store, err := storage.Open(*storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	rt := runtime.New(store)
	wk := worker.New(rt).WithLLM(llmClient).WithTools(registry).WithSandbox(sandbox.New())
	ex := executor.New(rt, llmClient, registry, wk)

	sessions := session.NewStore(30 * time.Minute)
	defer sessions.Close()

	var resumeState *executor.SessionState
	if *sessionID != "" {
		if st, ok := sessions.Take(*sessionID); ok {
			resumeState = &st
			fmt.Printf("▶️  resuming session %q from %q\n", *sessionID, st.ResumeFrom)
		}
	}

	result := ex.Execute(ctx, &af.Graph, &af.Goal, input, resumeState)

	if result.PausedAt != "" && *sessionID != "" {
		sessions.Put(*sessionID, *result.SessionState)
		fmt.Printf("⏸️  paused at %q — resume token held under session %s in this process's memory only; it is discarded when the process exits\n", result.PausedAt, *sessionID)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if !result.Success && result.PausedAt == "" {
		os.Exit(1)
	}
	return nil
}

func cmdTest(args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	dir := fs.String("dir", ".", "agent export directory containing agent.json")
	storePath := fs.String("store", "loom.db", "path to the bbolt test/run store")
	workers := fs.Int("workers", 1, "number of parallel test workers")
	failFast := fs.Bool("fail-fast", false, "stop dispatching new tests after the first failure")
	fs.Parse(args)

	af, err := agentfile.Load(*dir)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}

	ctx := context.Background()
	registry, clients, err := buildTools(ctx, *dir)
	if err != nil {
		return err
	}
	defer closeAll(clients)

	llmClient, err := openai.NewClientFromEnv()
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	store, err := storage.Open(*storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	factory := func() (testharness.Agent, error) {
		rt := runtime.New(store)
		wk := worker.New(rt).WithLLM(llmClient).WithTools(registry).WithSandbox(sandbox.New())
		ex := executor.New(rt, llmClient, registry, wk)
		return testharness.AgentFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			res := ex.Execute(ctx, &af.Graph, &af.Goal, input, nil)
			if res.PausedAt != "" {
				return nil, fmt.Errorf("run paused at %q; test scenarios must not require human-in-the-loop input", res.PausedAt)
			}
			if !res.Success {
				return nil, fmt.Errorf("%s", res.Error)
			}
			return res.Output, nil
		}), nil
	}

	runner := testharness.NewRunner(store, factory, nil, testharness.Config{
		NumWorkers:     *workers,
		TimeoutPerTest: 60 * time.Second,
		FailFast:       *failFast,
	})

	suite, err := runner.RunAll(ctx, af.Goal.ID)
	if err != nil {
		return fmt.Errorf("run suite: %w", err)
	}

	fmt.Printf("✅ %d/%d passed (%dms)\n", suite.Passed, suite.Total, suite.DurationMs)
	for _, r := range suite.Results {
		if !r.Passed {
			fmt.Printf("  ✗ %s: [%s] %s\n", r.TestID, r.ErrorCategory, r.ErrorMessage)
		}
	}
	if suite.Failed > 0 {
		os.Exit(1)
	}
	return nil
}

func cmdQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	storePath := fs.String("store", "loom.db", "path to the bbolt run store")
	goalID := fs.String("goal", "", "goal id to analyse")
	fs.Parse(args)

	if *goalID == "" {
		return fmt.Errorf("--goal is required")
	}

	store, err := storage.Open(*storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	q := query.New(store)
	patterns, err := q.FindPatterns(*goalID)
	if err != nil {
		return fmt.Errorf("find patterns: %w", err)
	}
	if patterns == nil {
		fmt.Println("no runs recorded for this goal yet")
		return nil
	}
	fmt.Println(patterns.String())

	suggestions, err := q.SuggestImprovements(*goalID)
	if err != nil {
		return fmt.Errorf("suggest improvements: %w", err)
	}
	for _, s := range suggestions {
		fmt.Printf("- [%s/%s] %s: %s\n", s.Priority, s.Type, s.Target, s.Recommendation)
	}
	return nil
}
