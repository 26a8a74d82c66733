package landscape

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/payload"
)

const testSourceNode = "source_csv_1"

// beginRowRun opens a run with the source node registered, satisfying the
// foreign key on rows.source_node_id.
func beginRowRun(t *testing.T, rec *Recorder) *Run {
	t.Helper()
	run := beginTestRun(t, rec)
	registerTestNode(t, rec, run.RunID, testSourceNode, contracts.NodeTypeSource)
	return run
}

func createTestRow(t *testing.T, rec *Recorder, runID string, index int) *SourceRow {
	t.Helper()
	row, err := rec.CreateRow(context.Background(), CreateRowInput{
		RunID:        runID,
		SourceNodeID: testSourceNode,
		RowIndex:     index,
		Data:         contracts.Row{"id": index, "name": "row"},
	})
	require.NoError(t, err)
	return row
}

func createTestToken(t *testing.T, rec *Recorder, rowID string) *Token {
	t.Helper()
	token, err := rec.CreateToken(context.Background(), CreateTokenInput{RowID: rowID})
	require.NoError(t, err)
	return token
}

func TestCreateRowHashesAndStoresPayload(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)

	data := contracts.Row{"id": 7, "name": "Alice"}
	row, err := rec.CreateRow(ctx, CreateRowInput{
		RunID:        run.RunID,
		SourceNodeID: testSourceNode,
		RowIndex:     0,
		Data:         data,
	})
	require.NoError(t, err)

	wantHash, err := canonical.StableHash(map[string]any(data))
	require.NoError(t, err)
	assert.Equal(t, wantHash, row.SourceDataHash)
	require.NotNil(t, row.SourceDataRef)

	stored, err := rec.PayloadStore().Get(ctx, *row.SourceDataRef)
	require.NoError(t, err)
	wantPayload, err := canonical.Marshal(map[string]any(data))
	require.NoError(t, err)
	assert.Equal(t, wantPayload, stored)

	result, err := rec.GetRowData(ctx, row.RowID)
	require.NoError(t, err)
	assert.Equal(t, RowDataAvailable, result.State)
	assert.Equal(t, "Alice", result.Data["name"])
}

func TestCreateRowUnserializableData(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)

	bad := contracts.Row{"value": math.NaN()}

	// Normal rows must hash canonically; NaN is a hard failure.
	_, err := rec.CreateRow(ctx, CreateRowInput{
		RunID: run.RunID, SourceNodeID: testSourceNode, RowIndex: 0, Data: bad,
	})
	require.Error(t, err)

	// Quarantined rows are external garbage: fall back to a repr identity
	// rather than losing the audit record.
	row, err := rec.CreateRow(ctx, CreateRowInput{
		RunID: run.RunID, SourceNodeID: testSourceNode, RowIndex: 1, Data: bad, Quarantined: true,
	})
	require.NoError(t, err)
	assert.Len(t, row.SourceDataHash, 16)
	require.NotNil(t, row.SourceDataRef)
}

func TestGetRowDataStates(t *testing.T) {
	ctx := context.Background()

	t.Run("row not found", func(t *testing.T) {
		rec := newTestRecorder(t)
		result, err := rec.GetRowData(ctx, "no-such-row")
		require.NoError(t, err)
		assert.Equal(t, RowDataRowNotFound, result.State)
		assert.Nil(t, result.Data)
	})

	t.Run("never stored without a payload store", func(t *testing.T) {
		db, err := InMemory(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		rec := NewRecorder(db)

		run := beginRowRun(t, rec)
		row := createTestRow(t, rec, run.RunID, 0)

		result, err := rec.GetRowData(ctx, row.RowID)
		require.NoError(t, err)
		assert.Equal(t, RowDataNeverStored, result.State)
	})

	t.Run("purged by retention", func(t *testing.T) {
		store := payload.NewMemoryStore()
		db, err := InMemory(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		rec := NewRecorder(db, WithPayloadStore(store))

		run := beginRowRun(t, rec)
		row := createTestRow(t, rec, run.RunID, 0)
		require.NoError(t, store.Purge(ctx, *row.SourceDataRef))

		result, err := rec.GetRowData(ctx, row.RowID)
		require.NoError(t, err)
		assert.Equal(t, RowDataPurged, result.State)
	})

	t.Run("corrupt payload is an integrity violation", func(t *testing.T) {
		store := payload.NewMemoryStore()
		db, err := InMemory(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		rec := NewRecorder(db, WithPayloadStore(store))

		run := beginRowRun(t, rec)
		row := createTestRow(t, rec, run.RunID, 0)

		// Swap the stored ref for one pointing at a non-object payload.
		ref, err := store.Put(ctx, []byte(`["not","an","object"]`))
		require.NoError(t, err)
		query := rec.DB().Rebind(`UPDATE rows SET source_data_ref = ? WHERE row_id = ?`)
		_, err = rec.DB().ExecContext(ctx, query, ref, row.RowID)
		require.NoError(t, err)

		_, err = rec.GetRowData(ctx, row.RowID)
		var integrity *contracts.DataIntegrityError
		require.ErrorAs(t, err, &integrity)
	})
}

func TestForkTokenAtomicLineage(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)
	row := createTestRow(t, rec, run.RunID, 0)
	parent := createTestToken(t, rec, row.RowID)

	step := 2
	children, forkGroup, err := rec.ForkToken(ctx, ForkInput{
		RunID:          run.RunID,
		ParentTokenID:  parent.TokenID,
		RowID:          row.RowID,
		Branches:       []string{"a", "b"},
		StepInPipeline: &step,
	})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.NotEmpty(t, forkGroup)

	for i, branch := range []string{"a", "b"} {
		child := children[i]
		require.NotNil(t, child.BranchName)
		assert.Equal(t, branch, *child.BranchName)
		require.NotNil(t, child.ForkGroupID)
		assert.Equal(t, forkGroup, *child.ForkGroupID)
		require.NotNil(t, child.StepInPipeline)
		assert.Equal(t, step, *child.StepInPipeline)

		parents, err := rec.GetTokenParents(ctx, child.TokenID)
		require.NoError(t, err)
		require.Len(t, parents, 1)
		assert.Equal(t, parent.TokenID, parents[0].ParentTokenID)
		assert.Equal(t, 0, parents[0].Ordinal)
	}

	// The parent's FORKED outcome is written in the same transaction as the
	// children, with the requested branches on record.
	outcome, err := rec.GetTokenOutcome(ctx, parent.TokenID)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, string(contracts.RowForked), outcome.Outcome)
	assert.True(t, outcome.Terminal())
	require.NotNil(t, outcome.ForkGroupID)
	assert.Equal(t, forkGroup, *outcome.ForkGroupID)
	require.NotNil(t, outcome.ExpectedBranchesJSON)
	assert.JSONEq(t, `["a","b"]`, *outcome.ExpectedBranchesJSON)
}

func TestForkTokenRequiresBranches(t *testing.T) {
	rec := newTestRecorder(t)
	run := beginRowRun(t, rec)
	row := createTestRow(t, rec, run.RunID, 0)
	parent := createTestToken(t, rec, row.RowID)

	_, _, err := rec.ForkToken(context.Background(), ForkInput{
		RunID:         run.RunID,
		ParentTokenID: parent.TokenID,
		RowID:         row.RowID,
	})
	var bug *contracts.FrameworkBugError
	require.ErrorAs(t, err, &bug)
}

func TestCoalesceTokensMergesParents(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)
	row := createTestRow(t, rec, run.RunID, 0)

	left := createTestToken(t, rec, row.RowID)
	right := createTestToken(t, rec, row.RowID)

	step := 3
	merged, err := rec.CoalesceTokens(ctx, []string{left.TokenID, right.TokenID}, row.RowID, &step)
	require.NoError(t, err)
	require.NotNil(t, merged.JoinGroupID)

	parents, err := rec.GetTokenParents(ctx, merged.TokenID)
	require.NoError(t, err)
	require.Len(t, parents, 2)
	assert.Equal(t, left.TokenID, parents[0].ParentTokenID)
	assert.Equal(t, 0, parents[0].Ordinal)
	assert.Equal(t, right.TokenID, parents[1].ParentTokenID)
	assert.Equal(t, 1, parents[1].Ordinal)

	// Parents stay open: the engine closes them COALESCED only after the
	// merge itself succeeds.
	for _, id := range []string{left.TokenID, right.TokenID} {
		outcome, err := rec.GetTokenOutcome(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, outcome)
	}
}

func TestCoalesceTokensRequiresParents(t *testing.T) {
	rec := newTestRecorder(t)
	run := beginRowRun(t, rec)
	row := createTestRow(t, rec, run.RunID, 0)

	_, err := rec.CoalesceTokens(context.Background(), nil, row.RowID, nil)
	var bug *contracts.FrameworkBugError
	require.ErrorAs(t, err, &bug)
}

func TestExpandTokenRecordsCount(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)
	row := createTestRow(t, rec, run.RunID, 0)
	parent := createTestToken(t, rec, row.RowID)

	children, expandGroup, err := rec.ExpandToken(ctx, ExpandInput{
		RunID:         run.RunID,
		ParentTokenID: parent.TokenID,
		RowID:         row.RowID,
		Count:         3,
	})
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, child := range children {
		require.NotNil(t, child.ExpandGroupID)
		assert.Equal(t, expandGroup, *child.ExpandGroupID)
	}

	outcome, err := rec.GetTokenOutcome(ctx, parent.TokenID)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, string(contracts.RowExpanded), outcome.Outcome)
	require.NotNil(t, outcome.ExpectedBranchesJSON)
	assert.JSONEq(t, `{"count":3}`, *outcome.ExpectedBranchesJSON)
}

func TestExpandTokenSkipParentOutcome(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)
	row := createTestRow(t, rec, run.RunID, 0)
	parent := createTestToken(t, rec, row.RowID)

	_, _, err := rec.ExpandToken(ctx, ExpandInput{
		RunID:             run.RunID,
		ParentTokenID:     parent.TokenID,
		RowID:             row.RowID,
		Count:             2,
		SkipParentOutcome: true,
	})
	require.NoError(t, err)

	outcome, err := rec.GetTokenOutcome(ctx, parent.TokenID)
	require.NoError(t, err)
	assert.Nil(t, outcome)
}

func TestExpandTokenRequiresPositiveCount(t *testing.T) {
	rec := newTestRecorder(t)
	run := beginRowRun(t, rec)
	row := createTestRow(t, rec, run.RunID, 0)
	parent := createTestToken(t, rec, row.RowID)

	_, _, err := rec.ExpandToken(context.Background(), ExpandInput{
		RunID:         run.RunID,
		ParentTokenID: parent.TokenID,
		RowID:         row.RowID,
		Count:         0,
	})
	var bug *contracts.FrameworkBugError
	require.ErrorAs(t, err, &bug)
}

func TestRecordTokenOutcomeRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		input   TokenOutcomeInput
		wantErr bool
	}{
		{"completed requires sink", TokenOutcomeInput{Outcome: contracts.RowCompleted}, true},
		{"completed with sink", TokenOutcomeInput{Outcome: contracts.RowCompleted, SinkName: "csv"}, false},
		{"routed requires sink", TokenOutcomeInput{Outcome: contracts.RowRouted}, true},
		{"forked requires fork group", TokenOutcomeInput{Outcome: contracts.RowForked}, true},
		{"failed requires error hash", TokenOutcomeInput{Outcome: contracts.RowFailed}, true},
		{"failed with error hash", TokenOutcomeInput{Outcome: contracts.RowFailed, ErrorHash: "deadbeef"}, false},
		{"quarantined requires error hash", TokenOutcomeInput{Outcome: contracts.RowQuarantined}, true},
		{"consumed requires batch", TokenOutcomeInput{Outcome: contracts.RowConsumedInBatch}, true},
		{"buffered requires batch", TokenOutcomeInput{Outcome: contracts.RowBuffered}, true},
		{"coalesced requires join group", TokenOutcomeInput{Outcome: contracts.RowCoalesced}, true},
		{"expanded requires expand group", TokenOutcomeInput{Outcome: contracts.RowExpanded}, true},
		{"discarded needs nothing", TokenOutcomeInput{Outcome: contracts.RowDiscarded}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newTestRecorder(t)
			run := beginRowRun(t, rec)
			row := createTestRow(t, rec, run.RunID, 0)
			token := createTestToken(t, rec, row.RowID)

			in := tt.input
			in.RunID = run.RunID
			in.TokenID = token.TokenID

			_, err := rec.RecordTokenOutcome(context.Background(), in)
			if tt.wantErr {
				var bug *contracts.FrameworkBugError
				require.ErrorAs(t, err, &bug)
				assert.Equal(t, "token-outcome", bug.Invariant)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTerminalOutcomeUniquePerToken(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)
	row := createTestRow(t, rec, run.RunID, 0)
	token := createTestToken(t, rec, row.RowID)

	_, err := rec.RecordTokenOutcome(ctx, TokenOutcomeInput{
		RunID: run.RunID, TokenID: token.TokenID,
		Outcome: contracts.RowCompleted, SinkName: "csv",
	})
	require.NoError(t, err)

	_, err = rec.RecordTokenOutcome(ctx, TokenOutcomeInput{
		RunID: run.RunID, TokenID: token.TokenID,
		Outcome: contracts.RowFailed, ErrorHash: "deadbeef",
	})
	require.Error(t, err, "second terminal outcome must hit the unique index")
}

func TestBufferedOutcomeAllowsLaterTerminal(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)
	registerTestNode(t, rec, run.RunID, "agg_node_1", contracts.NodeTypeAggregation)
	row := createTestRow(t, rec, run.RunID, 0)
	token := createTestToken(t, rec, row.RowID)
	batch, err := rec.CreateBatch(ctx, run.RunID, "agg_node_1")
	require.NoError(t, err)

	_, err = rec.RecordTokenOutcome(ctx, TokenOutcomeInput{
		RunID: run.RunID, TokenID: token.TokenID,
		Outcome: contracts.RowBuffered, BatchID: batch.BatchID,
	})
	require.NoError(t, err)

	// Before the flush, the buffered record is the best answer.
	outcome, err := rec.GetTokenOutcome(ctx, token.TokenID)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, string(contracts.RowBuffered), outcome.Outcome)
	assert.False(t, outcome.Terminal())

	_, err = rec.RecordTokenOutcome(ctx, TokenOutcomeInput{
		RunID: run.RunID, TokenID: token.TokenID,
		Outcome: contracts.RowConsumedInBatch, BatchID: batch.BatchID,
	})
	require.NoError(t, err)

	outcome, err = rec.GetTokenOutcome(ctx, token.TokenID)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, string(contracts.RowConsumedInBatch), outcome.Outcome)
	assert.True(t, outcome.Terminal())

	all, err := rec.GetTokenOutcomesForRow(ctx, run.RunID, row.RowID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetUnprocessedRows(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)

	// Row 0: fully processed.
	done := createTestRow(t, rec, run.RunID, 0)
	doneToken := createTestToken(t, rec, done.RowID)
	_, err := rec.RecordTokenOutcome(ctx, TokenOutcomeInput{
		RunID: run.RunID, TokenID: doneToken.TokenID,
		Outcome: contracts.RowCompleted, SinkName: "csv",
	})
	require.NoError(t, err)

	// Row 1: token created but never resolved.
	inFlight := createTestRow(t, rec, run.RunID, 1)
	createTestToken(t, rec, inFlight.RowID)

	// Row 2: crashed before any token existed.
	bare := createTestRow(t, rec, run.RunID, 2)

	// Row 3: forked; one branch resolved, one still open.
	partial := createTestRow(t, rec, run.RunID, 3)
	parent := createTestToken(t, rec, partial.RowID)
	children, _, err := rec.ForkToken(ctx, ForkInput{
		RunID: run.RunID, ParentTokenID: parent.TokenID,
		RowID: partial.RowID, Branches: []string{"a", "b"},
	})
	require.NoError(t, err)
	_, err = rec.RecordTokenOutcome(ctx, TokenOutcomeInput{
		RunID: run.RunID, TokenID: children[0].TokenID,
		Outcome: contracts.RowCompleted, SinkName: "csv",
	})
	require.NoError(t, err)

	unprocessed, err := rec.GetUnprocessedRows(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, unprocessed, 3)
	assert.Equal(t, inFlight.RowID, unprocessed[0].RowID)
	assert.Equal(t, bare.RowID, unprocessed[1].RowID)
	assert.Equal(t, partial.RowID, unprocessed[2].RowID)
}

func TestExplainRowSurvivesPurge(t *testing.T) {
	store := payload.NewMemoryStore()
	ctx := context.Background()
	db, err := InMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	rec := NewRecorder(db, WithPayloadStore(store))

	run := beginRowRun(t, rec)
	row := createTestRow(t, rec, run.RunID, 0)

	lineage, err := rec.ExplainRow(ctx, run.RunID, row.RowID)
	require.NoError(t, err)
	require.NotNil(t, lineage)
	assert.True(t, lineage.PayloadAvailable)
	assert.Equal(t, row.SourceDataHash, lineage.SourceDataHash)
	assert.NotNil(t, lineage.SourceData)

	// After retention purges the payload, the hash still anchors the trail.
	require.NoError(t, store.Purge(ctx, *row.SourceDataRef))
	lineage, err = rec.ExplainRow(ctx, run.RunID, row.RowID)
	require.NoError(t, err)
	require.NotNil(t, lineage)
	assert.False(t, lineage.PayloadAvailable)
	assert.Nil(t, lineage.SourceData)
	assert.Equal(t, row.SourceDataHash, lineage.SourceDataHash)

	t.Run("wrong run yields nothing", func(t *testing.T) {
		other := beginTestRun(t, rec)
		lineage, err := rec.ExplainRow(ctx, other.RunID, row.RowID)
		require.NoError(t, err)
		assert.Nil(t, lineage)
	})
}
