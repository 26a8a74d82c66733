package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// TransformOutcome is one attempt's result: the audit-stamped plugin result,
// the token carrying any new row data, and the sink an error result was
// diverted to ("" for success, "discard" when the row was dropped).
type TransformOutcome struct {
	Result    *contracts.TransformResult
	Token     contracts.TokenInfo
	ErrorSink string
}

// TransformExecutor runs one transform attempt with full audit recording:
// node state around the plugin call, input and output hashes, error routing
// for error results. Retry is the caller's concern; each attempt gets its
// own node state.
type TransformExecutor struct {
	recorder *landscape.Recorder
	dag      *graph.Graph
	edges    map[landscape.EdgeKey]string
	emit     contracts.TelemetryFunc
}

// NewTransformExecutor builds an executor over the run's registered edges.
func NewTransformExecutor(recorder *landscape.Recorder, dag *graph.Graph, edges map[landscape.EdgeKey]string, emit contracts.TelemetryFunc) *TransformExecutor {
	return &TransformExecutor{recorder: recorder, dag: dag, edges: edges, emit: emit}
}

// Execute runs a single attempt of the transform against the token.
//
// An error RESULT is a legitimate data failure: it is recorded, routed to
// the transform's on_error destination, and reported through
// TransformOutcome.ErrorSink. An error RETURN is a plugin or infrastructure
// failure: the node state is closed FAILED and the error propagates for the
// retry manager or the run to handle.
func (e *TransformExecutor) Execute(ctx context.Context, transform contracts.Transform, nodeID string, token contracts.TokenInfo, pctx *contracts.PluginContext, attempt int) (*TransformOutcome, error) {
	node, ok := e.dag.Node(nodeID)
	if !ok {
		return nil, contracts.NewFrameworkBug("transform-node",
			"transform %q executed with unknown node %s", transform.Name(), nodeID)
	}
	step := e.dag.StepIndex(nodeID)

	inputData := token.RowData.Data()
	inputHash, err := canonical.StableHash(inputData)
	if err != nil {
		return nil, fmt.Errorf("input for transform %q is not canonicalizable: %w", transform.Name(), err)
	}

	state, err := e.recorder.BeginNodeState(ctx, landscape.BeginNodeStateInput{
		TokenID:   token.TokenID,
		RunID:     pctx.RunID,
		NodeID:    nodeID,
		StepIndex: step,
		Attempt:   attempt,
		InputData: inputData,
	})
	if err != nil {
		return nil, err
	}

	pctx.StateID = state.StateID
	pctx.NodeID = nodeID
	pctx.Contract = token.RowData.Contract()

	start := time.Now()
	result, procErr := transform.Process(ctx, token.RowData, pctx)
	durationMS := msSince(start)

	if procErr != nil {
		if cerr := e.completeFailed(ctx, state.StateID, durationMS, executionError(procErr), nil); cerr != nil {
			return nil, fmt.Errorf("recording transform failure: %w (plugin error: %v)", cerr, procErr)
		}
		e.emitState(pctx, nodeID, token.TokenID, state.StateID, contracts.StateFailed, durationMS)
		return nil, procErr
	}

	if invErr := result.CheckInvariants(); invErr != nil {
		violation := fmt.Errorf("transform %q returned a malformed result: %w", transform.Name(), invErr)
		if cerr := e.completeFailed(ctx, state.StateID, durationMS, executionError(violation), nil); cerr != nil {
			return nil, cerr
		}
		return nil, violation
	}

	result.InputHash = inputHash
	result.DurationMS = durationMS
	if err := stampOutputHash(result); err != nil {
		violation := fmt.Errorf(
			"transform %q emitted non-canonical data: %w; output must contain only JSON-serializable values, use null instead of NaN",
			transform.Name(), err)
		if cerr := e.completeFailed(ctx, state.StateID, durationMS, executionError(violation), nil); cerr != nil {
			return nil, cerr
		}
		return nil, violation
	}

	if result.Status == contracts.StatusSuccess {
		outputData := resultOutputData(result)
		if err := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
			StateID:       state.StateID,
			Status:        contracts.StateCompleted,
			OutputData:    outputData,
			DurationMS:    durationMS,
			SuccessReason: result.SuccessReason,
			ContextAfter:  result.ContextAfter,
		}); err != nil {
			return nil, err
		}
		e.emitState(pctx, nodeID, token.TokenID, state.StateID, contracts.StateCompleted, durationMS)

		// Multi-row results keep the original row data; the engine expands
		// the token afterwards.
		updated := token
		if result.Row != nil {
			updated = token.WithRowData(result.Row)
		}
		return &TransformOutcome{Result: result, Token: updated}, nil
	}

	// Error result: record the failure, then divert the row to on_error.
	if err := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
		StateID:      state.StateID,
		Status:       contracts.StateFailed,
		DurationMS:   durationMS,
		Error:        result.ErrorReason,
		ContextAfter: result.ContextAfter,
	}); err != nil {
		return nil, err
	}
	e.emitState(pctx, nodeID, token.TokenID, state.StateID, contracts.StateFailed, durationMS)

	onError := transform.OnErrorDestination()
	if onError == "" {
		return nil, fmt.Errorf(
			"transform %q returned an error result but has no on_error destination; configure on_error or fix the input data: %v",
			transform.Name(), result.ErrorReason["reason"])
	}

	if _, err := pctx.RecordTransformError(ctx, token.TokenID, nodeID, inputData, result.ErrorReason, onError); err != nil {
		return nil, err
	}

	if onError != config.RouteDiscard {
		edgeID, ok := e.edges[landscape.EdgeKey{FromNodeID: nodeID, Label: graph.ErrorEdgeLabel(node.Name)}]
		if !ok {
			return nil, contracts.NewFrameworkBug("error-edge",
				"transform %q has on_error=%q but no DIVERT edge registered; graph construction must create the %s edge",
				node.Name, onError, graph.ErrorEdgeLabel(node.Name))
		}
		if _, err := e.recorder.RecordRoutingEvent(ctx, state.StateID, edgeID, contracts.EdgeDivert, result.ErrorReason); err != nil {
			return nil, err
		}
	}

	return &TransformOutcome{Result: result, Token: token, ErrorSink: onError}, nil
}

func (e *TransformExecutor) completeFailed(ctx context.Context, stateID string, durationMS float64, errInfo, contextAfter map[string]any) error {
	return e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
		StateID:      stateID,
		Status:       contracts.StateFailed,
		DurationMS:   durationMS,
		Error:        errInfo,
		ContextAfter: contextAfter,
	})
}

func (e *TransformExecutor) emitState(pctx *contracts.PluginContext, nodeID, tokenID, stateID string, status contracts.NodeStateStatus, durationMS float64) {
	if e.emit == nil {
		return
	}
	e.emit(contracts.NodeStateCompletedEvent{
		BaseEvent:  contracts.NewBaseEvent(pctx.RunID),
		NodeID:     nodeID,
		TokenID:    tokenID,
		StateID:    stateID,
		Status:     status,
		DurationMS: durationMS,
	})
}

// stampOutputHash computes the output hash for a result's row or rows.
func stampOutputHash(result *contracts.TransformResult) error {
	switch {
	case result.Row != nil:
		hash, err := canonical.StableHash(result.Row.Data())
		if err != nil {
			return err
		}
		result.OutputHash = hash
	case result.Rows != nil:
		data := make([]map[string]any, len(result.Rows))
		for i, row := range result.Rows {
			data[i] = row.Data()
		}
		hash, err := canonical.StableHash(data)
		if err != nil {
			return err
		}
		result.OutputHash = hash
	}
	return nil
}

// resultOutputData extracts the audit-trail output payload from a result.
func resultOutputData(result *contracts.TransformResult) any {
	if result.Row != nil {
		return result.Row.Data()
	}
	data := make([]map[string]any, len(result.Rows))
	for i, row := range result.Rows {
		data[i] = row.Data()
	}
	return data
}

// msSince converts elapsed time to fractional milliseconds for audit records.
func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// executionError renders an error for a node state's error column.
func executionError(err error) map[string]any {
	return map[string]any{
		"exception": err.Error(),
		"type":      errorTypeName(err),
	}
}

// errorTypeName names an error's concrete type for audit records, e.g.
// "CapacityError" for *contracts.CapacityError. Anonymous stdlib error types
// collapse to "Error".
func errorTypeName(err error) string {
	name := fmt.Sprintf("%T", err)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimPrefix(name, "*")
	switch name {
	case "errorString", "wrapError", "joinError":
		return "Error"
	}
	return name
}
