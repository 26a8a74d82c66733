package landscape

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

func TestAllocateCallIndexContiguousPerState(t *testing.T) {
	rec := newTestRecorder(t)

	// Interleaved allocation across states must stay contiguous within each.
	assert.Equal(t, 0, rec.AllocateCallIndex("state_a"))
	assert.Equal(t, 0, rec.AllocateCallIndex("state_b"))
	assert.Equal(t, 1, rec.AllocateCallIndex("state_a"))
	assert.Equal(t, 1, rec.AllocateCallIndex("state_b"))
	assert.Equal(t, 2, rec.AllocateCallIndex("state_a"))
}

func TestAllocateCallIndexSeedsFromDatabase(t *testing.T) {
	ctx := context.Background()
	db, err := InMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rec := NewRecorder(db)
	fx := newStateFixture(t, rec)
	state := beginTestState(t, rec, fx, contracts.Row{"id": 1})

	for i := 0; i < 2; i++ {
		_, err := rec.RecordCall(ctx, contracts.CallInput{
			StateID:     state.StateID,
			CallIndex:   rec.AllocateCallIndex(state.StateID),
			CallType:    contracts.CallHTTP,
			Status:      contracts.CallSuccess,
			RequestData: map[string]any{"attempt": i},
		})
		require.NoError(t, err)
	}

	// A fresh recorder over the same database, as after resume, continues
	// where the previous one stopped.
	resumed := NewRecorder(db)
	assert.Equal(t, 2, resumed.AllocateCallIndex(state.StateID))
}

func TestRecordCallParentage(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	t.Run("both parents", func(t *testing.T) {
		_, err := rec.RecordCall(ctx, contracts.CallInput{
			StateID:     "state_1",
			OperationID: "op_1",
			CallType:    contracts.CallHTTP,
			Status:      contracts.CallSuccess,
			RequestData: map[string]any{},
		})
		var bug *contracts.FrameworkBugError
		require.ErrorAs(t, err, &bug)
		assert.Equal(t, "call-parentage", bug.Invariant)
	})

	t.Run("no parent", func(t *testing.T) {
		_, err := rec.RecordCall(ctx, contracts.CallInput{
			CallType:    contracts.CallHTTP,
			Status:      contracts.CallSuccess,
			RequestData: map[string]any{},
		})
		var bug *contracts.FrameworkBugError
		require.ErrorAs(t, err, &bug)
	})
}

func TestRecordCallPersistsPayloads(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	fx := newStateFixture(t, rec)
	state := beginTestState(t, rec, fx, contracts.Row{"id": 1})

	request := map[string]any{"model": "gpt-4", "prompt": "summarize"}
	response := map[string]any{"text": "short summary", "tokens": 42}
	callID, err := rec.RecordCall(ctx, contracts.CallInput{
		StateID:      state.StateID,
		CallIndex:    rec.AllocateCallIndex(state.StateID),
		CallType:     contracts.CallLLM,
		Status:       contracts.CallSuccess,
		RequestData:  request,
		ResponseData: response,
		LatencyMS:    134.2,
		Provider:     "openai",
	})
	require.NoError(t, err)

	calls, err := rec.GetCalls(ctx, state.StateID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, callID, call.CallID)

	wantRequestHash, err := canonical.StableHash(request)
	require.NoError(t, err)
	assert.Equal(t, wantRequestHash, call.RequestHash)
	wantResponseHash, err := canonical.StableHash(response)
	require.NoError(t, err)
	require.NotNil(t, call.ResponseHash)
	assert.Equal(t, wantResponseHash, *call.ResponseHash)

	require.NotNil(t, call.RequestRef)
	require.NotNil(t, call.ResponseRef)
	require.NotNil(t, call.Provider)
	assert.Equal(t, "openai", *call.Provider)
	require.NotNil(t, call.LatencyMS)
	assert.Equal(t, 134.2, *call.LatencyMS)

	t.Run("empty response is still a response", func(t *testing.T) {
		id, err := rec.RecordCall(ctx, contracts.CallInput{
			StateID:      state.StateID,
			CallIndex:    rec.AllocateCallIndex(state.StateID),
			CallType:     contracts.CallHTTP,
			Status:       contracts.CallSuccess,
			RequestData:  map[string]any{"url": "https://x"},
			ResponseData: map[string]any{},
		})
		require.NoError(t, err)

		calls, err := rec.GetCalls(ctx, state.StateID)
		require.NoError(t, err)
		require.Len(t, calls, 2)
		assert.Equal(t, id, calls[1].CallID)
		assert.NotNil(t, calls[1].ResponseHash)
	})

	t.Run("absent response gets no hash", func(t *testing.T) {
		_, err := rec.RecordCall(ctx, contracts.CallInput{
			StateID:     state.StateID,
			CallIndex:   rec.AllocateCallIndex(state.StateID),
			CallType:    contracts.CallHTTP,
			Status:      contracts.CallError,
			RequestData: map[string]any{"url": "https://y"},
			Error:       map[string]any{"message": "connection refused"},
		})
		require.NoError(t, err)

		calls, err := rec.GetCalls(ctx, state.StateID)
		require.NoError(t, err)
		require.Len(t, calls, 3)
		assert.Nil(t, calls[2].ResponseHash)
		assert.Nil(t, calls[2].ResponseRef)
		require.NotNil(t, calls[2].ErrorJSON)
		assert.JSONEq(t, `{"message":"connection refused"}`, *calls[2].ErrorJSON)
	})
}

func TestOperationLifecycle(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)

	input := map[string]any{"path": "/data/in.csv"}
	op, err := rec.BeginOperation(ctx, run.RunID, testSourceNode, contracts.OperationSourceLoad, input)
	require.NoError(t, err)
	assert.Equal(t, string(contracts.OperationOpen), op.Status)
	require.NotNil(t, op.InputHash)
	wantHash, err := canonical.StableHash(input)
	require.NoError(t, err)
	assert.Equal(t, wantHash, *op.InputHash)
	require.NotNil(t, op.InputRef)

	output := map[string]any{"rows_loaded": 250}
	err = rec.CompleteOperation(ctx, CompleteOperationInput{
		OperationID: op.OperationID,
		Status:      contracts.OperationCompleted,
		OutputData:  output,
		DurationMS:  88.0,
	})
	require.NoError(t, err)

	got, err := rec.GetOperation(ctx, op.OperationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, string(contracts.OperationCompleted), got.Status)
	assert.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.OutputHash)
	require.NotNil(t, got.OutputRef)
	require.NotNil(t, got.DurationMS)
	assert.Equal(t, 88.0, *got.DurationMS)

	t.Run("double completion is a framework bug", func(t *testing.T) {
		err := rec.CompleteOperation(ctx, CompleteOperationInput{
			OperationID: op.OperationID,
			Status:      contracts.OperationFailed,
			Error:       "late failure",
		})
		var bug *contracts.FrameworkBugError
		require.ErrorAs(t, err, &bug)
		assert.Contains(t, bug.Message, "already-completed")
	})

	t.Run("completing a non-existent operation is a framework bug", func(t *testing.T) {
		err := rec.CompleteOperation(ctx, CompleteOperationInput{
			OperationID: "op_missing",
			Status:      contracts.OperationCompleted,
		})
		var bug *contracts.FrameworkBugError
		require.ErrorAs(t, err, &bug)
		assert.Contains(t, bug.Message, "non-existent")
	})

	t.Run("open is not a completion status", func(t *testing.T) {
		err := rec.CompleteOperation(ctx, CompleteOperationInput{
			OperationID: op.OperationID,
			Status:      contracts.OperationOpen,
		})
		var bug *contracts.FrameworkBugError
		require.ErrorAs(t, err, &bug)
	})
}

func TestOperationCallIDsDerivedFromIndex(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	run := beginRowRun(t, rec)

	op, err := rec.BeginOperation(ctx, run.RunID, testSourceNode, contracts.OperationSourceLoad, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		callID, err := rec.RecordCall(ctx, contracts.CallInput{
			OperationID: op.OperationID,
			CallType:    contracts.CallFilesystem,
			Status:      contracts.CallSuccess,
			RequestData: map[string]any{"chunk": i},
		})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("call_%s_%d", op.OperationID, i), callID)
	}

	calls, err := rec.GetOperationCalls(ctx, op.OperationID)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, 0, calls[0].CallIndex)
	assert.Equal(t, 1, calls[1].CallIndex)
	require.NotNil(t, calls[0].OperationID)
	assert.Equal(t, op.OperationID, *calls[0].OperationID)
	assert.Nil(t, calls[0].StateID)
}

func TestFindCallByRequestHash(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	fx := newStateFixture(t, rec)
	state := beginTestState(t, rec, fx, contracts.Row{"id": 1})

	request := map[string]any{"prompt": "same question"}
	requestHash, err := canonical.StableHash(request)
	require.NoError(t, err)

	// The same request twice, with different answers. Replay must be able to
	// pick each occurrence by its position.
	first, err := rec.RecordCall(ctx, contracts.CallInput{
		StateID: state.StateID, CallIndex: rec.AllocateCallIndex(state.StateID),
		CallType: contracts.CallLLM, Status: contracts.CallSuccess,
		RequestData: request, ResponseData: map[string]any{"answer": "A"},
	})
	require.NoError(t, err)
	second, err := rec.RecordCall(ctx, contracts.CallInput{
		StateID: state.StateID, CallIndex: rec.AllocateCallIndex(state.StateID),
		CallType: contracts.CallLLM, Status: contracts.CallSuccess,
		RequestData: request, ResponseData: map[string]any{"answer": "B"},
	})
	require.NoError(t, err)

	got, err := rec.FindCallByRequestHash(ctx, fx.run.RunID, contracts.CallLLM, requestHash, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, got.CallID)

	got, err = rec.FindCallByRequestHash(ctx, fx.run.RunID, contracts.CallLLM, requestHash, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second, got.CallID)

	t.Run("no match returns nil", func(t *testing.T) {
		got, err := rec.FindCallByRequestHash(ctx, fx.run.RunID, contracts.CallLLM, "0000000000000000", 0)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("wrong call type returns nil", func(t *testing.T) {
		got, err := rec.FindCallByRequestHash(ctx, fx.run.RunID, contracts.CallHTTP, requestHash, 0)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestGetCallResponseData(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	fx := newStateFixture(t, rec)
	state := beginTestState(t, rec, fx, contracts.Row{"id": 1})

	response := map[string]any{"answer": "42"}
	callID, err := rec.RecordCall(ctx, contracts.CallInput{
		StateID: state.StateID, CallIndex: rec.AllocateCallIndex(state.StateID),
		CallType: contracts.CallLLM, Status: contracts.CallSuccess,
		RequestData: map[string]any{"q": "?"}, ResponseData: response,
	})
	require.NoError(t, err)

	got, err := rec.GetCallResponseData(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, "42", got["answer"])

	t.Run("unknown call", func(t *testing.T) {
		got, err := rec.GetCallResponseData(ctx, "call_missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("call without response", func(t *testing.T) {
		id, err := rec.RecordCall(ctx, contracts.CallInput{
			StateID: state.StateID, CallIndex: rec.AllocateCallIndex(state.StateID),
			CallType: contracts.CallHTTP, Status: contracts.CallError,
			RequestData: map[string]any{"url": "https://x"},
		})
		require.NoError(t, err)

		got, err := rec.GetCallResponseData(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestTokenIDForState(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	fx := newStateFixture(t, rec)
	state := beginTestState(t, rec, fx, contracts.Row{"id": 1})

	assert.Equal(t, fx.token.TokenID, rec.TokenIDForState(ctx, state.StateID))
	assert.Empty(t, rec.TokenIDForState(ctx, "no-such-state"))
}
