// Package e2e drives complete pipeline runs against the real engine, the
// built-in plugins, and an in-memory audit trail. Each test builds a
// settings struct directly, runs the orchestrator, and asserts on both the
// run result and what the Landscape recorded.
package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/checkpoint"
	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/engine"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/landscape"
	"github.com/elspeth-io/elspeth/pkg/payload"
	"github.com/elspeth-io/elspeth/pkg/plugins"
)

// pipeline owns everything one end-to-end run needs: a scratch directory
// for source and sink files, a recorder over an in-memory Landscape, and a
// plugin registry the test can extend with scripted plugins.
type pipeline struct {
	t        *testing.T
	dir      string
	settings *config.Settings
	registry *plugins.Registry
	rec      *landscape.Recorder
	payloads contracts.PayloadStore
}

func newPipeline(t *testing.T, settings *config.Settings) *pipeline {
	t.Helper()
	db, err := landscape.InMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := payload.NewMemoryStore()
	return &pipeline{
		t:        t,
		dir:      t.TempDir(),
		settings: settings,
		registry: plugins.DefaultRegistry(),
		rec:      landscape.NewRecorder(db, landscape.WithPayloadStore(store)),
		payloads: store,
	}
}

// path resolves a file name inside the pipeline's scratch directory.
func (p *pipeline) path(name string) string {
	return filepath.Join(p.dir, name)
}

func (p *pipeline) writeInput(name, content string) string {
	p.t.Helper()
	full := p.path(name)
	require.NoError(p.t, os.WriteFile(full, []byte(content), 0o600))
	return full
}

func (p *pipeline) readFile(name string) string {
	p.t.Helper()
	data, err := os.ReadFile(p.path(name))
	require.NoError(p.t, err)
	return string(data)
}

func (p *pipeline) orchestrator() *engine.Orchestrator {
	return engine.NewOrchestrator(engine.OrchestratorDeps{
		Settings:    p.settings,
		Recorder:    p.rec,
		Payloads:    p.payloads,
		Checkpoints: p.checkpointerFactory(),
	})
}

func (p *pipeline) checkpointerFactory() engine.CheckpointerFactory {
	if !p.settings.Checkpoint.Enabled {
		return nil
	}
	return func(dag *graph.Graph, runID string) (engine.Checkpointer, error) {
		return checkpoint.NewManager(p.rec, dag, p.settings.Checkpoint, runID, nil)
	}
}

// run executes the pipeline once, returning whatever the orchestrator
// returned. Callers assert on the error themselves; a parked batch surfaces
// here as a BatchPendingError alongside a populated result.
func (p *pipeline) run(ctx context.Context) (*engine.RunResult, error) {
	p.t.Helper()
	set, err := plugins.BuildPluginSet(p.settings, p.registry)
	require.NoError(p.t, err)
	return p.orchestrator().Run(ctx, set)
}

func (p *pipeline) mustRun(ctx context.Context) *engine.RunResult {
	p.t.Helper()
	result, err := p.run(ctx)
	require.NoError(p.t, err)
	require.NotNil(p.t, result)
	return result
}

// resume plans recovery for runID against the current topology and feeds
// the plan back through the orchestrator, the same path the CLI takes.
func (p *pipeline) resume(ctx context.Context, runID string) (*engine.RunResult, error) {
	p.t.Helper()
	set, err := plugins.BuildPluginSet(p.settings, p.registry)
	require.NoError(p.t, err)

	dag, err := buildGraph(p.settings, set)
	require.NoError(p.t, err)
	topology, err := dag.TopologyHash()
	require.NoError(p.t, err)

	plan, err := checkpoint.NewRecoveryManager(p.rec, nil).Plan(ctx, runID, topology)
	if err != nil {
		return nil, err
	}

	rows := make([]engine.ResumeRow, len(plan.Rows))
	for i, r := range plan.Rows {
		rows[i] = engine.ResumeRow{RowID: r.RowID, RowIndex: r.RowIndex, Data: r.Data}
	}
	return p.orchestrator().Resume(ctx, engine.ResumeInput{
		RunID:            runID,
		Rows:             rows,
		AggregationState: plan.AggregationState,
		SourceContract:   plan.SourceContract,
	}, set)
}

func buildGraph(settings *config.Settings, set engine.PluginSet) (*graph.Graph, error) {
	transforms := make(map[string]graph.PluginInfo, len(set.Transforms))
	for name, b := range set.Transforms {
		transforms[name] = b.Info
	}
	aggregations := make(map[string]graph.PluginInfo, len(set.Aggregations))
	for name, b := range set.Aggregations {
		aggregations[name] = b.Info
	}
	sinks := make(map[string]graph.PluginInfo, len(set.Sinks))
	for name, b := range set.Sinks {
		sinks[name] = b.Info
	}
	return graph.Build(graph.BuildInput{
		Settings:     settings,
		Source:       set.Source.Info,
		Transforms:   transforms,
		Aggregations: aggregations,
		Sinks:        sinks,
	})
}

// nodeIDByType finds the single registered node of the given type, failing
// the test when the run registered zero or several.
func (p *pipeline) nodeIDByType(ctx context.Context, runID string, nodeType contracts.NodeType) string {
	p.t.Helper()
	nodes, err := p.rec.GetNodes(ctx, runID)
	require.NoError(p.t, err)
	var found []string
	for _, n := range nodes {
		if n.NodeType == string(nodeType) {
			found = append(found, n.NodeID)
		}
	}
	require.Len(p.t, found, 1, "expected exactly one %s node", nodeType)
	return found[0]
}

// fastRetries keeps exponential backoff real but too short to slow a test.
func fastRetries() config.RetrySettings {
	return config.RetrySettings{
		MaxAttempts:         3,
		InitialDelaySeconds: 0.001,
		MaxDelaySeconds:     0.01,
		ExponentialBase:     2.0,
		Jitter:              false,
	}
}

// csvSourceSettings builds a csv source over the given file with a strict
// id/label/score schema so cell types are stable across runs.
func csvSourceSettings(path, onSuccess string) config.SourceSettings {
	return config.SourceSettings{
		Plugin:    "csv",
		OnSuccess: onSuccess,
		Options: map[string]any{
			"path": path,
			"schema": map[string]any{
				"mode":   "strict",
				"fields": []any{"id: int", "label: str", "score: float"},
			},
		},
	}
}

func csvSinkSettings(path string) config.SinkSettings {
	return config.SinkSettings{
		Plugin: "csv",
		Options: map[string]any{
			"path": path,
		},
	}
}

// sampleCSV is three well-typed rows matching csvSourceSettings's schema.
const sampleCSV = "id,label,score\n1,alpha,9.5\n2,beta,7.25\n3,gamma,8.125\n"

func requireRunStatus(t *testing.T, rec *landscape.Recorder, runID string, want contracts.RunStatus) {
	t.Helper()
	run, err := rec.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Equal(t, string(want), run.Status, fmt.Sprintf("run %s", runID))
}
