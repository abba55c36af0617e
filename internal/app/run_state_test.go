package app

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmhsqBase/monitor/internal/config"
	"github.com/dmhsqBase/monitor/internal/event"
	"github.com/dmhsqBase/monitor/internal/pipeline"
	"github.com/dmhsqBase/monitor/internal/queue"
	"github.com/dmhsqBase/monitor/internal/storage"
)

// TestRunWithDeps_ReloadCarriesStateStore verifies generations share one store until the storage location changes.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_ReloadCarriesStateStore(t *testing.T) {
	moved := testConfig("shop-web", 1)
	moved.Storage.Dir = t.TempDir()

	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: testConfig("shop-web", 1)},
			{cfg: testConfig("shop-web", 2)},
			{cfg: moved},
		},
	}
	stores := &fakeStoreFactory{}
	engines := &fakeEngineFactory{}
	deps := buildTestDeps(loader, &fakeLoggerFactory{}, &fakePprofFactory{}, engines)
	deps.openStore = stores.open

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(ctx, Runtime{ConfigPath: "test.toml", Reload: reload}, deps)
	}()

	engines.waitCount(t, 1)
	reload <- struct{}{}
	engines.waitCount(t, 2)
	reload <- struct{}{}
	engines.waitCount(t, 3)

	if engines.storeAt(0) == nil || engines.storeAt(0) != engines.storeAt(1) {
		t.Fatal("reload with unchanged storage must reuse the state store")
	}
	if engines.storeAt(2) == engines.storeAt(1) {
		t.Fatal("changed storage dir must open a new state store")
	}
	if got := stores.opened.Load(); got != 2 {
		t.Fatalf("store opened=%d, want=2", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWithDeps: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
	}
}

type agentRecorder struct {
	mu     sync.Mutex
	agents []*pipeline.Agent
}

// build wires a real pipeline agent and records it.
// Params: ctx runtime context; cfg runtime config; store generation state; logger runtime logger; reg runtime registry.
// Returns: agent or wiring error.
func (r *agentRecorder) build(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger, reg prometheus.Registerer) (engineRunner, error) {
	agent, err := pipeline.NewFromConfig(ctx, cfg, store, logger, reg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.agents = append(r.agents, agent)
	r.mu.Unlock()
	return agent, nil
}

// waitAgent waits for the agent of one generation.
// Params: t test context; index generation index.
// Returns: agent; fails test on timeout.
func (r *agentRecorder) waitAgent(t *testing.T, index int) *pipeline.Agent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if index < len(r.agents) {
			agent := r.agents[index]
			r.mu.Unlock()
			return agent
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting agent[%d]", index)
	return nil
}

// memoryConfig builds a prepared config keeping state in memory.
// Params: t test context; appID application id.
// Returns: validated config.
func memoryConfig(t *testing.T, appID string) *config.Config {
	t.Helper()
	cfg := testConfig(appID, 0)
	cfg.Monitor.ReportInterval = config.Duration{Duration: time.Hour}
	cfg.Storage.Memory = true
	if err := config.Prepare(cfg); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return cfg
}

// TestRunWithDeps_ReloadKeepsPendingEvents verifies queued events, dedup state and session id survive a reload.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_ReloadKeepsPendingEvents(t *testing.T) {
	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: memoryConfig(t, "shop-web")},
			{cfg: memoryConfig(t, "shop-web")},
		},
	}
	agents := &agentRecorder{}
	deps := runDeps{
		loadConfig: loader.load,
		newLogger:  (&fakeLoggerFactory{}).create,
		startPprof: (&fakePprofFactory{}).start,
		openStore:  pipeline.OpenStore,
		newEngine:  agents.build,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(ctx, Runtime{ConfigPath: "test.toml", Reload: reload}, deps)
	}()

	first := agents.waitAgent(t, 0).Monitor()
	draft := event.Draft{Type: event.TypeError, Data: map[string]any{"message": "checkout failed"}}
	if _, _, err := first.Report(draft); err != nil {
		t.Fatalf("Report: %v", err)
	}
	sessionID := first.SessionID()

	reload <- struct{}{}
	second := agents.waitAgent(t, 1).Monitor()

	if got := second.QueueLen(); got != 1 {
		t.Fatalf("queue after reload=%d, want=1", got)
	}
	if second.SessionID() != sessionID {
		t.Fatalf("session id changed across reload: %q -> %q", sessionID, second.SessionID())
	}
	if _, status, err := second.Report(draft); err != nil || status != queue.StatusDuplicate {
		t.Fatalf("dedup state lost across reload: status=%q err=%v", status, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWithDeps: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
	}
}
