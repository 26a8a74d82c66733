package landscape

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// stateFixture is the minimal chain a node state hangs off: a run with a
// source and a transform registered, one row, one token.
type stateFixture struct {
	run   *Run
	row   *SourceRow
	token *Token
}

const testTransformNode = "transform_upper_1"

func newStateFixture(t *testing.T, rec *Recorder) stateFixture {
	t.Helper()
	run := beginRowRun(t, rec)
	registerTestNode(t, rec, run.RunID, testTransformNode, contracts.NodeTypeTransform)
	row := createTestRow(t, rec, run.RunID, 0)
	token := createTestToken(t, rec, row.RowID)
	return stateFixture{run: run, row: row, token: token}
}

func beginTestState(t *testing.T, rec *Recorder, fx stateFixture, input contracts.Row) *NodeState {
	t.Helper()
	state, err := rec.BeginNodeState(context.Background(), BeginNodeStateInput{
		TokenID:   fx.token.TokenID,
		RunID:     fx.run.RunID,
		NodeID:    testTransformNode,
		StepIndex: 1,
		Attempt:   0,
		InputData: map[string]any(input),
	})
	require.NoError(t, err)
	return state
}

func TestBeginNodeStateHashesInput(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	fx := newStateFixture(t, rec)

	input := map[string]any{"id": 1, "name": "alice"}
	state, err := rec.BeginNodeState(ctx, BeginNodeStateInput{
		TokenID:       fx.token.TokenID,
		RunID:         fx.run.RunID,
		NodeID:        testTransformNode,
		StepIndex:     1,
		Attempt:       0,
		InputData:     input,
		ContextBefore: map[string]any{"mode": "strict"},
	})
	require.NoError(t, err)

	assert.Equal(t, string(contracts.StateOpen), state.Status)
	wantHash, err := canonical.StableHash(input)
	require.NoError(t, err)
	assert.Equal(t, wantHash, state.InputHash)

	require.NotNil(t, state.InputRef)
	stored, err := rec.PayloadStore().Get(ctx, *state.InputRef)
	require.NoError(t, err)
	wantPayload, err := canonical.Marshal(input)
	require.NoError(t, err)
	assert.Equal(t, wantPayload, stored)

	require.NotNil(t, state.ContextBeforeJSON)
	assert.JSONEq(t, `{"mode":"strict"}`, *state.ContextBeforeJSON)

	got, err := rec.GetNodeState(ctx, state.StateID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, state.InputHash, got.InputHash)
	assert.Nil(t, got.CompletedAt)
}

func TestCompleteNodeState(t *testing.T) {
	ctx := context.Background()

	t.Run("completed stores output and success reason", func(t *testing.T) {
		rec := newTestRecorder(t)
		fx := newStateFixture(t, rec)
		state := beginTestState(t, rec, fx, contracts.Row{"id": 1})

		output := map[string]any{"id": 1, "name": "ALICE"}
		err := rec.CompleteNodeState(ctx, CompleteNodeStateInput{
			StateID:       state.StateID,
			Status:        contracts.StateCompleted,
			OutputData:    output,
			DurationMS:    12.5,
			SuccessReason: map[string]any{"reason": "uppercased", "fields": []any{"name"}},
			ContextAfter:  map[string]any{"mode": "strict"},
		})
		require.NoError(t, err)

		got, err := rec.GetNodeState(ctx, state.StateID)
		require.NoError(t, err)
		assert.Equal(t, string(contracts.StateCompleted), got.Status)

		wantHash, err := canonical.StableHash(output)
		require.NoError(t, err)
		require.NotNil(t, got.OutputHash)
		assert.Equal(t, wantHash, *got.OutputHash)
		require.NotNil(t, got.OutputRef)
		require.NotNil(t, got.DurationMS)
		assert.Equal(t, 12.5, *got.DurationMS)
		require.NotNil(t, got.SuccessReasonJSON)
		assert.JSONEq(t, `{"fields":["name"],"reason":"uppercased"}`, *got.SuccessReasonJSON)
		assert.NotNil(t, got.CompletedAt)
		assert.Nil(t, got.ErrorJSON)
	})

	t.Run("failed stores error without output", func(t *testing.T) {
		rec := newTestRecorder(t)
		fx := newStateFixture(t, rec)
		state := beginTestState(t, rec, fx, contracts.Row{"id": 1})

		err := rec.CompleteNodeState(ctx, CompleteNodeStateInput{
			StateID:    state.StateID,
			Status:     contracts.StateFailed,
			DurationMS: 3.0,
			Error:      map[string]any{"message": "boom", "retryable": false},
		})
		require.NoError(t, err)

		got, err := rec.GetNodeState(ctx, state.StateID)
		require.NoError(t, err)
		assert.Equal(t, string(contracts.StateFailed), got.Status)
		assert.Nil(t, got.OutputHash)
		assert.Nil(t, got.OutputRef)
		require.NotNil(t, got.ErrorJSON)
		assert.JSONEq(t, `{"message":"boom","retryable":false}`, *got.ErrorJSON)
	})

	t.Run("pending suspends the attempt", func(t *testing.T) {
		rec := newTestRecorder(t)
		fx := newStateFixture(t, rec)
		state := beginTestState(t, rec, fx, contracts.Row{"id": 1})

		err := rec.CompleteNodeState(ctx, CompleteNodeStateInput{
			StateID: state.StateID,
			Status:  contracts.StatePending,
		})
		require.NoError(t, err)

		got, err := rec.GetNodeState(ctx, state.StateID)
		require.NoError(t, err)
		assert.Equal(t, string(contracts.StatePending), got.Status)
	})

	t.Run("open is not a completion status", func(t *testing.T) {
		rec := newTestRecorder(t)
		fx := newStateFixture(t, rec)
		state := beginTestState(t, rec, fx, contracts.Row{"id": 1})

		err := rec.CompleteNodeState(ctx, CompleteNodeStateInput{
			StateID: state.StateID,
			Status:  contracts.StateOpen,
		})
		var bug *contracts.FrameworkBugError
		require.ErrorAs(t, err, &bug)
		assert.Equal(t, "state-lifecycle", bug.Invariant)
	})

	t.Run("unknown state is a framework bug", func(t *testing.T) {
		rec := newTestRecorder(t)

		err := rec.CompleteNodeState(ctx, CompleteNodeStateInput{
			StateID: "no-such-state",
			Status:  contracts.StateCompleted,
		})
		var bug *contracts.FrameworkBugError
		require.ErrorAs(t, err, &bug)
	})
}

func TestNodeStatesForTokenOrderedByStepAndAttempt(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	fx := newStateFixture(t, rec)

	// Attempt 0 fails, attempt 1 succeeds. Both stay on record.
	first, err := rec.BeginNodeState(ctx, BeginNodeStateInput{
		TokenID: fx.token.TokenID, RunID: fx.run.RunID, NodeID: testTransformNode,
		StepIndex: 1, Attempt: 0, InputData: map[string]any{"id": 1},
	})
	require.NoError(t, err)
	require.NoError(t, rec.CompleteNodeState(ctx, CompleteNodeStateInput{
		StateID: first.StateID, Status: contracts.StateFailed,
		Error: map[string]any{"message": "transient"},
	}))

	second, err := rec.BeginNodeState(ctx, BeginNodeStateInput{
		TokenID: fx.token.TokenID, RunID: fx.run.RunID, NodeID: testTransformNode,
		StepIndex: 1, Attempt: 1, InputData: map[string]any{"id": 1},
	})
	require.NoError(t, err)

	states, err := rec.GetNodeStatesForToken(ctx, fx.token.TokenID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, first.StateID, states[0].StateID)
	assert.Equal(t, 0, states[0].Attempt)
	assert.Equal(t, second.StateID, states[1].StateID)
	assert.Equal(t, 1, states[1].Attempt)
}

func TestRecordRoutingEventsShareGroup(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	fx := newStateFixture(t, rec)

	registerTestNode(t, rec, fx.run.RunID, "gate_split_1", contracts.NodeTypeGate)
	registerTestNode(t, rec, fx.run.RunID, "transform_left_1", contracts.NodeTypeTransform)
	left, err := rec.RegisterEdge(ctx, fx.run.RunID, "gate_split_1", "transform_left_1", "left", contracts.EdgeMove)
	require.NoError(t, err)
	right, err := rec.RegisterEdge(ctx, fx.run.RunID, "gate_split_1", testTransformNode, "right", contracts.EdgeCopy)
	require.NoError(t, err)

	state, err := rec.BeginNodeState(ctx, BeginNodeStateInput{
		TokenID: fx.token.TokenID, RunID: fx.run.RunID, NodeID: "gate_split_1",
		StepIndex: 1, Attempt: 0, InputData: map[string]any{"id": 1},
	})
	require.NoError(t, err)

	reason := map[string]any{"condition": "amount > 100", "result": true}
	events, err := rec.RecordRoutingEvents(ctx, state.StateID, []RoutingSpec{
		{EdgeID: left.EdgeID, Mode: contracts.EdgeMove},
		{EdgeID: right.EdgeID, Mode: contracts.EdgeCopy},
	}, reason)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, events[0].RoutingGroupID, events[1].RoutingGroupID)
	assert.Equal(t, 0, events[0].Ordinal)
	assert.Equal(t, 1, events[1].Ordinal)
	assert.Equal(t, string(contracts.EdgeMove), events[0].Mode)
	assert.Equal(t, string(contracts.EdgeCopy), events[1].Mode)

	wantHash, err := canonical.StableHash(reason)
	require.NoError(t, err)
	require.NotNil(t, events[0].ReasonHash)
	assert.Equal(t, wantHash, *events[0].ReasonHash)
	require.NotNil(t, events[0].ReasonRef)

	got, err := rec.GetRoutingEvents(ctx, state.StateID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, left.EdgeID, got[0].EdgeID)
	assert.Equal(t, right.EdgeID, got[1].EdgeID)
}

func TestRecordRoutingEventsValidation(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	t.Run("no destinations", func(t *testing.T) {
		_, err := rec.RecordRoutingEvents(ctx, "state_1", nil, nil)
		var bug *contracts.FrameworkBugError
		require.ErrorAs(t, err, &bug)
		assert.Equal(t, "routing-event", bug.Invariant)
	})

	t.Run("unregistered edge", func(t *testing.T) {
		_, err := rec.RecordRoutingEvents(ctx, "state_1", []RoutingSpec{{Mode: contracts.EdgeMove}}, nil)
		var bug *contracts.FrameworkBugError
		require.ErrorAs(t, err, &bug)
	})
}

func TestRecordArtifact(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	fx := newStateFixture(t, rec)

	registerTestNode(t, rec, fx.run.RunID, "sink_csv_1", contracts.NodeTypeSink)
	state, err := rec.BeginNodeState(ctx, BeginNodeStateInput{
		TokenID: fx.token.TokenID, RunID: fx.run.RunID, NodeID: "sink_csv_1",
		StepIndex: 2, Attempt: 0, InputData: map[string]any{"id": 1},
	})
	require.NoError(t, err)

	artifact, err := rec.RecordArtifact(ctx, RecordArtifactInput{
		RunID:             fx.run.RunID,
		ProducedByStateID: state.StateID,
		SinkNodeID:        "sink_csv_1",
		ArtifactType:      "file",
		PathOrURI:         "/tmp/out.csv",
		ContentHash:       "abc123",
		SizeBytes:         2048,
		IdempotencyKey:    "run1-sink1-0",
	})
	require.NoError(t, err)
	require.NotNil(t, artifact.IdempotencyKey)
	assert.Equal(t, "run1-sink1-0", *artifact.IdempotencyKey)

	plain, err := rec.RecordArtifact(ctx, RecordArtifactInput{
		RunID:             fx.run.RunID,
		ProducedByStateID: state.StateID,
		SinkNodeID:        "sink_csv_1",
		ArtifactType:      "file",
		PathOrURI:         "/tmp/out2.csv",
		ContentHash:       "def456",
		SizeBytes:         10,
	})
	require.NoError(t, err)
	assert.Nil(t, plain.IdempotencyKey)

	artifacts, err := rec.GetArtifacts(ctx, fx.run.RunID)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "/tmp/out.csv", artifacts[0].PathOrURI)
	assert.Equal(t, int64(2048), artifacts[0].SizeBytes)
}

func TestRecordValidationError(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)

	rowData := map[string]any{"id": "x", "amount": "not a number"}
	errorID, err := rec.RecordValidationError(ctx, contracts.ValidationErrorInput{
		RunID:       run.RunID,
		NodeID:      testSourceNode,
		RowData:     rowData,
		Error:       "row failed contract validation",
		SchemaMode:  "fixed",
		Destination: "quarantine",
		Violations: []contracts.Violation{
			{Kind: contracts.ViolationTypeMismatch, Field: "amount", OriginalField: "amount", Expected: contracts.KindFloat, Actual: contracts.KindString},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, errorID)

	recs, err := rec.GetValidationErrors(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got := recs[0]
	wantHash, err := canonical.StableHash(rowData)
	require.NoError(t, err)
	assert.Equal(t, wantHash, got.RowHash)
	require.NotNil(t, got.NodeID)
	assert.Equal(t, testSourceNode, *got.NodeID)
	assert.Equal(t, "fixed", got.SchemaMode)
	assert.Equal(t, "quarantine", got.Destination)
	assert.Contains(t, got.Error, "row failed contract validation")
	assert.Contains(t, got.Error, "type_mismatch")
	require.NotNil(t, got.RowDataJSON)
	assert.JSONEq(t, `{"amount":"not a number","id":"x"}`, *got.RowDataJSON)
}

func TestRecordValidationErrorUnserializableRow(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginTestRun(t, rec)

	// A row the canonical encoder refuses still gets recorded under a repr
	// hash; losing the error would be worse than the weaker identity.
	errorID, err := rec.RecordValidationError(ctx, contracts.ValidationErrorInput{
		RunID:       run.RunID,
		RowData:     map[string]any{"ch": make(chan int)},
		Error:       "unreadable row",
		SchemaMode:  "fixed",
		Destination: "discard",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, errorID)

	recs, err := rec.GetValidationErrors(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].RowHash, 16)
	assert.Nil(t, recs[0].NodeID)
	assert.Nil(t, recs[0].RowDataJSON)
}

func TestRecordTransformError(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	fx := newStateFixture(t, rec)

	errorID, err := rec.RecordTransformError(ctx, contracts.TransformErrorInput{
		RunID:       fx.run.RunID,
		TokenID:     fx.token.TokenID,
		TransformID: testTransformNode,
		RowData:     contracts.Row{"id": 1, "name": "alice"},
		ErrorDetails: map[string]any{
			"reason": "missing_field",
			"field":  "email",
		},
		Destination: "error_sink",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, errorID)

	recs, err := rec.GetTransformErrors(ctx, fx.run.RunID)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got := recs[0]
	assert.Equal(t, fx.token.TokenID, got.TokenID)
	assert.Equal(t, testTransformNode, got.TransformID)
	assert.Equal(t, "error_sink", got.Destination)
	require.NotNil(t, got.ErrorDetailsJSON)
	assert.JSONEq(t, `{"field":"email","reason":"missing_field"}`, *got.ErrorDetailsJSON)
	require.NotNil(t, got.RowDataJSON)
	assert.JSONEq(t, `{"id":1,"name":"alice"}`, *got.RowDataJSON)
}
