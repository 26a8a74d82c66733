package landscape

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/payload"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	db, err := InMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRecorder(db, WithPayloadStore(payload.NewMemoryStore()))
}

func beginTestRun(t *testing.T, rec *Recorder) *Run {
	t.Helper()
	run, err := rec.BeginRun(context.Background(), BeginRunInput{
		Settings: map[string]any{"profile": "test", "max_rows": 10},
	})
	require.NoError(t, err)
	return run
}

func registerTestNode(t *testing.T, rec *Recorder, runID, nodeID string, nodeType contracts.NodeType) *Node {
	t.Helper()
	node, err := rec.RegisterNode(context.Background(), RegisterNodeInput{
		RunID:       runID,
		NodeID:      nodeID,
		PluginName:  "test",
		NodeType:    nodeType,
		Determinism: contracts.DeterminismDeterministic,
		Config:      map[string]any{},
	})
	require.NoError(t, err)
	return node
}

func TestBeginRunRecordsCanonicalSettings(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	settings := map[string]any{"profile": "prod", "concurrency": 4}
	run, err := rec.BeginRun(ctx, BeginRunInput{Settings: settings})
	require.NoError(t, err)

	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, string(contracts.RunStatusRunning), run.Status)
	assert.Equal(t, canonical.Version, run.CanonicalVersion)

	wantHash, err := canonical.StableHash(settings)
	require.NoError(t, err)
	assert.Equal(t, wantHash, run.ConfigHash)

	wantJSON, err := canonical.Marshal(settings)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), run.SettingsJSON)

	got, err := rec.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.RunID, got.RunID)
	assert.Nil(t, got.CompletedAt)
}

func TestGetRunMissing(t *testing.T) {
	rec := newTestRecorder(t)

	run, err := rec.GetRun(context.Background(), "no-such-run")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestFinalizeRunGradesReproducibility(t *testing.T) {
	tests := []struct {
		name        string
		determinism []contracts.Determinism
		want        contracts.ReproducibilityGrade
	}{
		{
			name:        "all deterministic",
			determinism: []contracts.Determinism{contracts.DeterminismDeterministic, contracts.DeterminismIOWrite},
			want:        contracts.GradeFullReproducible,
		},
		{
			name:        "one non-deterministic node demotes the run",
			determinism: []contracts.Determinism{contracts.DeterminismDeterministic, contracts.DeterminismNonDeterministic},
			want:        contracts.GradeReplayReproducible,
		},
		{
			name:        "external calls demote the run",
			determinism: []contracts.Determinism{contracts.DeterminismExternalCall},
			want:        contracts.GradeReplayReproducible,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newTestRecorder(t)
			ctx := context.Background()
			run := beginTestRun(t, rec)

			for i, det := range tt.determinism {
				_, err := rec.RegisterNode(ctx, RegisterNodeInput{
					RunID:       run.RunID,
					NodeID:      "node_" + string(rune('a'+i)),
					PluginName:  "plugin",
					NodeType:    contracts.NodeTypeTransform,
					Determinism: det,
					Config:      map[string]any{"i": i},
				})
				require.NoError(t, err)
			}

			done, err := rec.FinalizeRun(ctx, run.RunID, contracts.RunStatusCompleted)
			require.NoError(t, err)
			require.NotNil(t, done.ReproducibilityGrade)
			assert.Equal(t, string(tt.want), *done.ReproducibilityGrade)
			assert.Equal(t, string(contracts.RunStatusCompleted), done.Status)
			assert.NotNil(t, done.CompletedAt)
		})
	}
}

func TestCompleteRunRejectsNonTerminalStatus(t *testing.T) {
	rec := newTestRecorder(t)
	run := beginTestRun(t, rec)

	_, err := rec.CompleteRun(context.Background(), run.RunID, contracts.RunStatusRunning)
	var bug *contracts.FrameworkBugError
	require.ErrorAs(t, err, &bug)
}

func TestUpdateRunStatusKeepsRunOpen(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginTestRun(t, rec)

	require.NoError(t, rec.UpdateRunStatus(ctx, run.RunID, contracts.RunStatusInterrupted))

	got, err := rec.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(contracts.RunStatusInterrupted), got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestListRunsFiltersByStatus(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	first := beginTestRun(t, rec)
	second := beginTestRun(t, rec)
	beginTestRun(t, rec)
	_, err := rec.CompleteRun(ctx, first.RunID, contracts.RunStatusFailed)
	require.NoError(t, err)
	_, err = rec.CompleteRun(ctx, second.RunID, contracts.RunStatusCompleted)
	require.NoError(t, err)

	all, err := rec.ListRuns(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failed, err := rec.ListRuns(ctx, contracts.RunStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first.RunID, failed[0].RunID)
}

func TestSetExportStatusLifecycle(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginTestRun(t, rec)

	require.NoError(t, rec.SetExportStatus(ctx, run.RunID, ExportStatusUpdate{
		Status: contracts.ExportStatusPending,
	}))
	got, err := rec.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got.ExportStatus)
	assert.Equal(t, string(contracts.ExportStatusPending), *got.ExportStatus)

	require.NoError(t, rec.SetExportStatus(ctx, run.RunID, ExportStatusUpdate{
		Status: contracts.ExportStatusFailed,
		Error:  "sink unreachable",
	}))
	got, err = rec.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(contracts.ExportStatusFailed), *got.ExportStatus)
	require.NotNil(t, got.ExportError)
	assert.Equal(t, "sink unreachable", *got.ExportError)

	require.NoError(t, rec.SetExportStatus(ctx, run.RunID, ExportStatusUpdate{
		Status: contracts.ExportStatusCompleted,
		Format: "jsonl",
		Sink:   "s3://audit/bundles",
	}))
	got, err = rec.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(contracts.ExportStatusCompleted), *got.ExportStatus)
	assert.Nil(t, got.ExportError)
	assert.NotNil(t, got.ExportedAt)
	require.NotNil(t, got.ExportFormat)
	assert.Equal(t, "jsonl", *got.ExportFormat)
}

func TestRegisterNodeStoresConfigAndSchema(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginTestRun(t, rec)

	seq := 2
	config := map[string]any{"path": "/tmp/out.csv", "delimiter": ","}
	node, err := rec.RegisterNode(ctx, RegisterNodeInput{
		RunID:         run.RunID,
		NodeID:        "sink_csv_abc123",
		PluginName:    "csv",
		NodeType:      contracts.NodeTypeSink,
		PluginVersion: "1.0.0",
		Determinism:   contracts.DeterminismIOWrite,
		Config:        config,
		Schema:        &contracts.SchemaConfig{Mode: "free", IsDynamic: true},
		Sequence:      &seq,
	})
	require.NoError(t, err)

	wantHash, err := canonical.StableHash(config)
	require.NoError(t, err)
	assert.Equal(t, wantHash, node.ConfigHash)
	require.NotNil(t, node.SchemaMode)
	assert.Equal(t, "dynamic", *node.SchemaMode)
	require.NotNil(t, node.SequenceInPipeline)
	assert.Equal(t, 2, *node.SequenceInPipeline)

	got, err := rec.GetNode(ctx, run.RunID, "sink_csv_abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "csv", got.PluginName)

	var storedConfig map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.ConfigJSON), &storedConfig))
	assert.Equal(t, "/tmp/out.csv", storedConfig["path"])
}

func TestEdgeMapKeyedByFromNodeAndLabel(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginTestRun(t, rec)

	for _, id := range []string{"gate_g_1", "transform_t_1", "sink_s_1"} {
		_, err := rec.RegisterNode(ctx, RegisterNodeInput{
			RunID:       run.RunID,
			NodeID:      id,
			PluginName:  "p",
			NodeType:    contracts.NodeTypeTransform,
			Determinism: contracts.DeterminismDeterministic,
			Config:      map[string]any{},
		})
		require.NoError(t, err)
	}

	onTrue, err := rec.RegisterEdge(ctx, run.RunID, "gate_g_1", "transform_t_1", "true", contracts.EdgeMove)
	require.NoError(t, err)
	onFalse, err := rec.RegisterEdge(ctx, run.RunID, "gate_g_1", "sink_s_1", "false", contracts.EdgeMove)
	require.NoError(t, err)

	edgeMap, err := rec.GetEdgeMap(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, edgeMap, 2)
	assert.Equal(t, onTrue.EdgeID, edgeMap[EdgeKey{FromNodeID: "gate_g_1", Label: "true"}])
	assert.Equal(t, onFalse.EdgeID, edgeMap[EdgeKey{FromNodeID: "gate_g_1", Label: "false"}])
}

func TestSourceContractRoundTrip(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginTestRun(t, rec)

	contract := contracts.ObserveRow(contracts.Row{"id": 1, "name": "Alice"})
	require.NoError(t, rec.SetSourceContract(ctx, run.RunID, contract))

	got, err := rec.GetSourceContract(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, contract.Equal(got))
	assert.Equal(t, contract.VersionHash(), got.VersionHash())
}

func TestGetSourceContractAbsent(t *testing.T) {
	rec := newTestRecorder(t)
	run := beginTestRun(t, rec)

	got, err := rec.GetSourceContract(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSourceFieldResolution(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginTestRun(t, rec)

	mapping := map[string]string{"Amount ($USD)": "amount_usd", "id": "id"}
	require.NoError(t, rec.RecordSourceFieldResolution(ctx, run.RunID, mapping, "norm-v2"))

	got, err := rec.GetSourceFieldResolution(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, mapping, got)

	t.Run("absent resolution returns nil", func(t *testing.T) {
		other := beginTestRun(t, rec)
		got, err := rec.GetSourceFieldResolution(ctx, other.RunID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("corrupt stored data is an integrity violation", func(t *testing.T) {
		query := rec.DB().Rebind(`UPDATE runs SET source_field_resolution_json = ? WHERE run_id = ?`)
		_, err := rec.DB().ExecContext(ctx, query, `["not","an","object"]`, run.RunID)
		require.NoError(t, err)

		_, err = rec.GetSourceFieldResolution(ctx, run.RunID)
		var integrity *contracts.DataIntegrityError
		require.ErrorAs(t, err, &integrity)
	})

	t.Run("unknown run is an error", func(t *testing.T) {
		_, err := rec.GetSourceFieldResolution(ctx, "no-such-run")
		assert.Error(t, err)
	})
}

func TestSecretResolutionsOrderedByTimestamp(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginTestRun(t, rec)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := rec.RecordSecretResolutions(ctx, run.RunID, []SecretResolutionInput{
		{Timestamp: base.Add(time.Second), EnvVarName: "OPENAI_API_KEY", Source: "env", Fingerprint: "fp-2", LatencyMS: 0.2},
		{Timestamp: base, EnvVarName: "DB_PASSWORD", Source: "vault", ProviderURL: "https://vault.local", SecretName: "db", Fingerprint: "fp-1", LatencyMS: 12.5},
	})
	require.NoError(t, err)

	got, err := rec.GetSecretResolutions(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "DB_PASSWORD", got[0].EnvVarName)
	assert.Equal(t, "OPENAI_API_KEY", got[1].EnvVarName)
	require.NotNil(t, got[0].ProviderURL)
	assert.Equal(t, "https://vault.local", *got[0].ProviderURL)
	assert.Equal(t, "fp-1", got[0].Fingerprint)
}
