package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// PendingOutcome is the terminal outcome a token earned upstream, held back
// until its row is durably written. Tokens without one default to COMPLETED.
type PendingOutcome struct {
	Outcome   contracts.RowOutcome
	ErrorHash string
}

// SinkWriteResult reports one durable write: the artifact the sink produced
// and the node states stamped on the written tokens.
type SinkWriteResult struct {
	Artifact *contracts.ArtifactDescriptor
	StateIDs []string
	RowCount int
}

// SinkExecutor writes token groups to a sink with write-ahead audit
// discipline: node states open before the write, the write and flush run
// under a sink_write operation, and token outcomes are recorded only after
// the data is durable. A crash between write and outcome leaves BUFFERED or
// absent outcomes, never a phantom COMPLETED.
type SinkExecutor struct {
	recorder *landscape.Recorder
	dag      *graph.Graph
	runID    string
	emit     contracts.TelemetryFunc
	logger   *slog.Logger

	// onTokenWritten, when set, is called per token after its outcome is
	// durable. Callback failures are logged, never raised: the write
	// already happened.
	onTokenWritten func(contracts.TokenInfo) error
}

// NewSinkExecutor builds a sink executor for one run.
func NewSinkExecutor(recorder *landscape.Recorder, dag *graph.Graph, runID string, emit contracts.TelemetryFunc, logger *slog.Logger) *SinkExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SinkExecutor{recorder: recorder, dag: dag, runID: runID, emit: emit, logger: logger}
}

// SetOnTokenWritten installs the per-token durability callback, used to
// advance checkpoint progress.
func (e *SinkExecutor) SetOnTokenWritten(fn func(contracts.TokenInfo) error) {
	e.onTokenWritten = fn
}

// Write sends the tokens' rows to the sink as one batch. outcomes maps token
// IDs to the terminal outcome each token should receive; missing entries
// record COMPLETED.
func (e *SinkExecutor) Write(ctx context.Context, sink contracts.Sink, sinkNodeID, sinkName string, tokens []contracts.TokenInfo, outcomes map[string]PendingOutcome, pctx *contracts.PluginContext) (*SinkWriteResult, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	step := e.dag.StepIndex(sinkNodeID)

	stateIDs := make([]string, len(tokens))
	rows := make([]*contracts.PipelineRow, len(tokens))
	for i, token := range tokens {
		state, err := e.recorder.BeginNodeState(ctx, landscape.BeginNodeStateInput{
			TokenID:   token.TokenID,
			RunID:     e.runID,
			NodeID:    sinkNodeID,
			StepIndex: step,
			InputData: token.RowData.Data(),
		})
		if err != nil {
			return nil, err
		}
		stateIDs[i] = state.StateID
		rows[i] = token.RowData
	}

	op, err := e.recorder.BeginOperation(ctx, e.runID, sinkNodeID, contracts.OperationSinkWrite, map[string]any{
		"sink_plugin": sink.Name(),
		"row_count":   len(tokens),
	})
	if err != nil {
		return nil, err
	}

	// Calls made inside Write attach to the operation, not to any single
	// token's state.
	pctx.StateID = ""
	pctx.OperationID = op.OperationID
	pctx.NodeID = sinkNodeID
	pctx.Contract = tokens[0].RowData.Contract()

	start := time.Now()
	artifact, writeErr := sink.Write(ctx, rows, pctx)
	if writeErr != nil {
		durationMS := msSince(start)
		if ferr := e.failWrite(ctx, stateIDs, op.OperationID, durationMS, executionError(writeErr), writeErr.Error()); ferr != nil {
			return nil, ferr
		}
		return nil, writeErr
	}
	if artifact == nil {
		durationMS := msSince(start)
		violation := fmt.Errorf("sink %q returned no artifact descriptor; every write must report what it produced", sink.Name())
		if ferr := e.failWrite(ctx, stateIDs, op.OperationID, durationMS, executionError(violation), violation.Error()); ferr != nil {
			return nil, ferr
		}
		return nil, violation
	}

	if flushErr := sink.Flush(ctx); flushErr != nil {
		durationMS := msSince(start)
		errInfo := executionError(flushErr)
		errInfo["phase"] = "flush"
		if ferr := e.failWrite(ctx, stateIDs, op.OperationID, durationMS, errInfo, flushErr.Error()); ferr != nil {
			return nil, ferr
		}
		return nil, flushErr
	}
	durationMS := msSince(start)

	if err := e.recorder.CompleteOperation(ctx, landscape.CompleteOperationInput{
		OperationID: op.OperationID,
		Status:      contracts.OperationCompleted,
		OutputData: map[string]any{
			"artifact_path": artifact.PathOrURI,
			"content_hash":  artifact.ContentHash,
		},
		DurationMS: durationMS,
	}); err != nil {
		return nil, err
	}

	for i, token := range tokens {
		if err := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
			StateID: stateIDs[i],
			Status:  contracts.StateCompleted,
			OutputData: map[string]any{
				"row":           token.RowData.Data(),
				"artifact_path": artifact.PathOrURI,
				"content_hash":  artifact.ContentHash,
			},
			DurationMS: durationMS,
		}); err != nil {
			return nil, err
		}
	}

	// One artifact per write; attribution hangs off the first token's state
	// and the operation links the rest.
	if _, err := e.recorder.RecordArtifact(ctx, landscape.RecordArtifactInput{
		RunID:             e.runID,
		ProducedByStateID: stateIDs[0],
		SinkNodeID:        sinkNodeID,
		ArtifactType:      artifact.ArtifactType,
		PathOrURI:         artifact.PathOrURI,
		ContentHash:       artifact.ContentHash,
		SizeBytes:         artifact.SizeBytes,
		IdempotencyKey:    artifactIdempotencyKey(artifact),
	}); err != nil {
		return nil, err
	}

	for _, token := range tokens {
		pending, ok := outcomes[token.TokenID]
		if !ok {
			pending = PendingOutcome{Outcome: contracts.RowCompleted}
		}
		if _, err := e.recorder.RecordTokenOutcome(ctx, landscape.TokenOutcomeInput{
			RunID:     e.runID,
			TokenID:   token.TokenID,
			Outcome:   pending.Outcome,
			SinkName:  sinkName,
			ErrorHash: pending.ErrorHash,
		}); err != nil {
			return nil, err
		}
		if e.emit != nil {
			e.emit(contracts.RowOutcomeEvent{
				BaseEvent: contracts.NewBaseEvent(e.runID),
				TokenID:   token.TokenID,
				RowID:     token.RowID,
				Outcome:   pending.Outcome,
				SinkName:  sinkName,
			})
		}
		if e.onTokenWritten != nil {
			if cbErr := e.onTokenWritten(token); cbErr != nil {
				e.logger.Error("token written callback failed",
					"token_id", token.TokenID,
					"sink", sinkName,
					"error", cbErr)
			}
		}
	}

	return &SinkWriteResult{Artifact: artifact, StateIDs: stateIDs, RowCount: len(tokens)}, nil
}

// failWrite closes every open state FAILED and fails the operation. The
// write never became durable, so no outcomes are recorded.
func (e *SinkExecutor) failWrite(ctx context.Context, stateIDs []string, operationID string, durationMS float64, errInfo map[string]any, opError string) error {
	for _, stateID := range stateIDs {
		if err := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
			StateID:    stateID,
			Status:     contracts.StateFailed,
			DurationMS: durationMS,
			Error:      errInfo,
		}); err != nil {
			return err
		}
	}
	return e.recorder.CompleteOperation(ctx, landscape.CompleteOperationInput{
		OperationID: operationID,
		Status:      contracts.OperationFailed,
		Error:       opError,
		DurationMS:  durationMS,
	})
}

// artifactIdempotencyKey derives a stable replay key for an artifact record.
// Content-addressed artifacts dedupe on hash; path-only artifacts on URI.
func artifactIdempotencyKey(artifact *contracts.ArtifactDescriptor) string {
	if artifact.ContentHash != "" {
		return artifact.ArtifactType + ":" + artifact.ContentHash
	}
	return artifact.ArtifactType + ":" + artifact.PathOrURI
}
