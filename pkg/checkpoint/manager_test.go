package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/landscape"
	"github.com/elspeth-io/elspeth/pkg/payload"
)

func newTestRecorder(t *testing.T) *landscape.Recorder {
	t.Helper()
	db, err := landscape.InMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return landscape.NewRecorder(db, landscape.WithPayloadStore(payload.NewMemoryStore()))
}

// testGraph builds the smallest valid pipeline: a csv source feeding one
// sink. Enough for topology hashing and node config lookups.
func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	info := func(plugin string) graph.PluginInfo {
		return graph.PluginInfo{
			PluginName:   plugin,
			Version:      "1.0.0",
			InputSchema:  contracts.DynamicSchema(),
			OutputSchema: contracts.DynamicSchema(),
		}
	}
	g, err := graph.Build(graph.BuildInput{
		Settings: &config.Settings{
			Source: config.SourceSettings{Plugin: "csv", OnSuccess: "output"},
			Sinks: map[string]config.SinkSettings{
				"output": {Plugin: "csv"},
			},
		},
		Source: info("csv"),
		Sinks:  map[string]graph.PluginInfo{"output": info("csv")},
	})
	require.NoError(t, err)
	return g
}

type managerFixture struct {
	rec    *landscape.Recorder
	dag    *graph.Graph
	runID  string
	token  contracts.TokenInfo
	sinkID string
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	ctx := context.Background()
	rec := newTestRecorder(t)
	dag := testGraph(t)

	run, err := rec.BeginRun(ctx, landscape.BeginRunInput{
		Settings: map[string]any{"profile": "test"},
	})
	require.NoError(t, err)

	sinkID, ok := dag.SinkID("output")
	require.True(t, ok)
	_, err = rec.RegisterNode(ctx, landscape.RegisterNodeInput{
		RunID:       run.RunID,
		NodeID:      sinkID,
		PluginName:  "csv",
		NodeType:    contracts.NodeTypeSink,
		Determinism: contracts.DeterminismIOWrite,
		Config:      map[string]any{},
	})
	require.NoError(t, err)

	row, err := rec.CreateRow(ctx, landscape.CreateRowInput{
		RunID:        run.RunID,
		SourceNodeID: dag.SourceID(),
		RowIndex:     0,
		Data:         contracts.Row{"id": int64(1)},
	})
	require.NoError(t, err)
	token, err := rec.CreateToken(ctx, landscape.CreateTokenInput{RowID: row.RowID})
	require.NoError(t, err)

	return &managerFixture{
		rec:    rec,
		dag:    dag,
		runID:  run.RunID,
		token:  contracts.TokenInfo{TokenID: token.TokenID, RowID: row.RowID},
		sinkID: sinkID,
	}
}

func (f *managerFixture) manager(t *testing.T, settings config.CheckpointSettings) *Manager {
	t.Helper()
	m, err := NewManager(f.rec, f.dag, settings, f.runID, nil)
	require.NoError(t, err)
	return m
}

func (f *managerFixture) checkpoints(t *testing.T) []landscape.CheckpointRecord {
	t.Helper()
	cps, err := f.rec.GetCheckpoints(context.Background(), f.runID)
	require.NoError(t, err)
	return cps
}

func TestManagerEveryRowSavesEachWrite(t *testing.T) {
	f := newManagerFixture(t)
	m := f.manager(t, config.CheckpointSettings{
		Enabled:   true,
		Frequency: contracts.CheckpointEveryRow,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.AfterTokenWritten(ctx, f.token, f.sinkID, nil))
	}

	cps := f.checkpoints(t)
	require.Len(t, cps, 3)

	topology, err := f.dag.TopologyHash()
	require.NoError(t, err)
	for _, cp := range cps {
		assert.Equal(t, FormatVersion, cp.FormatVersion)
		assert.Equal(t, topology, cp.UpstreamTopologyHash)
		assert.NotEmpty(t, cp.CheckpointNodeConfigHash)
	}
}

func TestManagerEveryNSavesOnInterval(t *testing.T) {
	f := newManagerFixture(t)
	interval := 2
	m := f.manager(t, config.CheckpointSettings{
		Enabled:   true,
		Frequency: contracts.CheckpointEveryN,
		Interval:  &interval,
	})
	ctx := context.Background()

	// Five writes, checkpoints land on the 2nd and 4th.
	for i := 0; i < 5; i++ {
		require.NoError(t, m.AfterTokenWritten(ctx, f.token, f.sinkID, nil))
	}
	assert.Len(t, f.checkpoints(t), 2)
}

func TestManagerEveryNWithoutIntervalSavesEveryWrite(t *testing.T) {
	f := newManagerFixture(t)
	m := f.manager(t, config.CheckpointSettings{
		Enabled:   true,
		Frequency: contracts.CheckpointEveryN,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.AfterTokenWritten(ctx, f.token, f.sinkID, nil))
	}
	assert.Len(t, f.checkpoints(t), 3)
}

func TestManagerAggregationOnlySavesWhileBuffersHoldRows(t *testing.T) {
	f := newManagerFixture(t)
	m := f.manager(t, config.CheckpointSettings{
		Enabled:   true,
		Frequency: contracts.CheckpointAggregationOnly,
	})
	ctx := context.Background()

	// Nothing buffered: the version marker alone does not warrant a save.
	require.NoError(t, m.AfterTokenWritten(ctx, f.token, f.sinkID, nil))
	require.NoError(t, m.AfterTokenWritten(ctx, f.token, f.sinkID, map[string]any{"_version": 1}))
	assert.Empty(t, f.checkpoints(t))

	require.NoError(t, m.AfterTokenWritten(ctx, f.token, f.sinkID, map[string]any{
		"_version": 1,
		"totals": map[string]any{
			"tokens": []any{map[string]any{"row_id": f.token.RowID}},
		},
	}))
	cps := f.checkpoints(t)
	require.Len(t, cps, 1)
	require.NotNil(t, cps[0].AggregationStateJSON)
	assert.Contains(t, *cps[0].AggregationStateJSON, f.token.RowID)
}

func TestManagerSaveBypassesFrequencyPolicy(t *testing.T) {
	f := newManagerFixture(t)
	m := f.manager(t, config.CheckpointSettings{
		Enabled:   true,
		Frequency: contracts.CheckpointAggregationOnly,
	})

	// An interrupt checkpoint persists even though the policy would skip it.
	require.NoError(t, m.Save(context.Background(), f.token.TokenID, f.sinkID, nil))
	assert.Len(t, f.checkpoints(t), 1)
}

func TestManagerSaveUnknownNodeLeavesConfigHashEmpty(t *testing.T) {
	f := newManagerFixture(t)
	m := f.manager(t, config.CheckpointSettings{
		Enabled:   true,
		Frequency: contracts.CheckpointEveryRow,
	})

	require.NoError(t, m.Save(context.Background(), f.token.TokenID, "node-not-in-graph", nil))
	cps := f.checkpoints(t)
	require.Len(t, cps, 1)
	assert.Empty(t, cps[0].CheckpointNodeConfigHash)
}

func TestManagerClearRemovesCheckpoints(t *testing.T) {
	f := newManagerFixture(t)
	m := f.manager(t, config.CheckpointSettings{
		Enabled:   true,
		Frequency: contracts.CheckpointEveryRow,
	})
	ctx := context.Background()

	require.NoError(t, m.AfterTokenWritten(ctx, f.token, f.sinkID, nil))
	require.NoError(t, m.AfterTokenWritten(ctx, f.token, f.sinkID, nil))
	require.Len(t, f.checkpoints(t), 2)

	require.NoError(t, m.Clear(ctx))
	assert.Empty(t, f.checkpoints(t))
}
