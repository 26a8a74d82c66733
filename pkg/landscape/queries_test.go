package landscape

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

func TestBatchStateQueriesEmptyInput(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	events, err := rec.GetRoutingEventsForStates(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, events)

	calls, err := rec.GetCallsForStates(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, calls)
}

func TestGetCallsForStatesExecutionOrder(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	fx := newStateFixture(t, rec)
	registerTestNode(t, rec, fx.run.RunID, "sink_csv_1", contracts.NodeTypeSink)

	early, err := rec.BeginNodeState(ctx, BeginNodeStateInput{
		TokenID: fx.token.TokenID, RunID: fx.run.RunID, NodeID: testTransformNode,
		StepIndex: 1, Attempt: 0, InputData: map[string]any{"id": 1},
	})
	require.NoError(t, err)
	late, err := rec.BeginNodeState(ctx, BeginNodeStateInput{
		TokenID: fx.token.TokenID, RunID: fx.run.RunID, NodeID: "sink_csv_1",
		StepIndex: 2, Attempt: 0, InputData: map[string]any{"id": 1},
	})
	require.NoError(t, err)

	// Record against the later step first; the query must still return
	// execution order, not insertion order.
	record := func(stateID string, idx int) {
		t.Helper()
		_, err := rec.RecordCall(ctx, contracts.CallInput{
			StateID:     stateID,
			CallIndex:   idx,
			CallType:    contracts.CallHTTP,
			Status:      contracts.CallSuccess,
			RequestData: map[string]any{"state": stateID, "idx": idx},
		})
		require.NoError(t, err)
	}
	record(late.StateID, 0)
	record(early.StateID, 0)
	record(early.StateID, 1)

	calls, err := rec.GetCallsForStates(ctx, []string{late.StateID, early.StateID})
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Equal(t, early.StateID, *calls[0].StateID)
	assert.Equal(t, 0, calls[0].CallIndex)
	assert.Equal(t, early.StateID, *calls[1].StateID)
	assert.Equal(t, 1, calls[1].CallIndex)
	assert.Equal(t, late.StateID, *calls[2].StateID)
}

func TestGetRoutingEventsForStatesExecutionOrder(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	fx := newStateFixture(t, rec)

	registerTestNode(t, rec, fx.run.RunID, "gate_split_1", contracts.NodeTypeGate)
	registerTestNode(t, rec, fx.run.RunID, "sink_csv_1", contracts.NodeTypeSink)
	toTransform, err := rec.RegisterEdge(ctx, fx.run.RunID, "gate_split_1", testTransformNode, "continue", contracts.EdgeMove)
	require.NoError(t, err)
	toSink, err := rec.RegisterEdge(ctx, fx.run.RunID, testTransformNode, "sink_csv_1", "continue", contracts.EdgeMove)
	require.NoError(t, err)

	gateState, err := rec.BeginNodeState(ctx, BeginNodeStateInput{
		TokenID: fx.token.TokenID, RunID: fx.run.RunID, NodeID: "gate_split_1",
		StepIndex: 1, Attempt: 0, InputData: map[string]any{"id": 1},
	})
	require.NoError(t, err)
	transformState, err := rec.BeginNodeState(ctx, BeginNodeStateInput{
		TokenID: fx.token.TokenID, RunID: fx.run.RunID, NodeID: testTransformNode,
		StepIndex: 2, Attempt: 0, InputData: map[string]any{"id": 1},
	})
	require.NoError(t, err)

	// Later step recorded first.
	_, err = rec.RecordRoutingEvents(ctx, transformState.StateID, []RoutingSpec{
		{EdgeID: toSink.EdgeID, Mode: contracts.EdgeMove},
	}, map[string]any{"step": 2})
	require.NoError(t, err)
	_, err = rec.RecordRoutingEvents(ctx, gateState.StateID, []RoutingSpec{
		{EdgeID: toTransform.EdgeID, Mode: contracts.EdgeMove},
	}, map[string]any{"step": 1})
	require.NoError(t, err)

	events, err := rec.GetRoutingEventsForStates(ctx, []string{transformState.StateID, gateState.StateID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, gateState.StateID, events[0].StateID)
	assert.Equal(t, transformState.StateID, events[1].StateID)
}
