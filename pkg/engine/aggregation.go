package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

const (
	aggregationCheckpointVersion = "3.0"

	// Checkpoints embed full buffered row data; past these sizes resume
	// cost outweighs the buffering win.
	checkpointWarnBytes = 1 << 20
	checkpointMaxBytes  = 10 << 20
)

// FlushResult is one executed batch: the aggregator's result, the tokens the
// batch consumed in buffer order, and the batch's audit identity.
type FlushResult struct {
	Result  *contracts.TransformResult
	Tokens  []contracts.TokenInfo
	BatchID string
}

type aggregationBuffer struct {
	rows      []*contracts.PipelineRow
	tokens    []contracts.TokenInfo
	batchID   string
	members   int
	evaluator *TriggerEvaluator
}

// AggregationExecutor buffers tokens per aggregation node and executes
// batches when a trigger fires. Every buffered token is a batch member in
// the audit trail before the row is acknowledged, so a crash can never lose
// track of what was buffered.
type AggregationExecutor struct {
	recorder *landscape.Recorder
	dag      *graph.Graph
	runID    string
	emit     contracts.TelemetryFunc
	logger   *slog.Logger
	buffers  map[string]*aggregationBuffer
}

// NewAggregationExecutor builds buffers and trigger evaluators for every
// aggregation node in the graph.
func NewAggregationExecutor(recorder *landscape.Recorder, dag *graph.Graph, runID string, emit contracts.TelemetryFunc, logger *slog.Logger) (*AggregationExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	buffers := make(map[string]*aggregationBuffer)
	for _, nodeID := range dag.AggregationIDs() {
		spec, _ := dag.Aggregation(nodeID)
		evaluator, err := NewTriggerEvaluator(config.TriggerSettings{
			Count:          spec.TriggerCount,
			TimeoutSeconds: spec.TriggerTimeout,
			Condition:      spec.TriggerCondition,
		})
		if err != nil {
			return nil, fmt.Errorf("aggregation %q: %w", spec.Name, err)
		}
		buffers[nodeID] = &aggregationBuffer{evaluator: evaluator}
	}
	return &AggregationExecutor{
		recorder: recorder,
		dag:      dag,
		runID:    runID,
		emit:     emit,
		logger:   logger,
		buffers:  buffers,
	}, nil
}

// BufferRow adds a token to the node's batch, creating the batch on first
// arrival. Membership is durable before the call returns.
func (e *AggregationExecutor) BufferRow(ctx context.Context, nodeID string, token contracts.TokenInfo) error {
	buf, ok := e.buffers[nodeID]
	if !ok {
		return contracts.NewFrameworkBug("aggregation-node",
			"buffering a row for %s, which is not an aggregation node", nodeID)
	}

	if buf.batchID == "" {
		batch, err := e.recorder.CreateBatch(ctx, e.runID, nodeID)
		if err != nil {
			return err
		}
		buf.batchID = batch.BatchID
	}

	if err := e.recorder.AddBatchMember(ctx, buf.batchID, token.TokenID, buf.members); err != nil {
		return err
	}
	buf.members++
	buf.rows = append(buf.rows, token.RowData)
	buf.tokens = append(buf.tokens, token)

	return buf.evaluator.RecordAccept()
}

// CheckTrigger re-evaluates the node's trigger, including time-dependent
// conditions, and reports whether (and why) the batch should flush.
func (e *AggregationExecutor) CheckTrigger(nodeID string) (TriggerDecision, error) {
	buf, ok := e.buffers[nodeID]
	if !ok {
		return TriggerDecision{}, contracts.NewFrameworkBug("aggregation-node",
			"checking trigger for %s, which is not an aggregation node", nodeID)
	}
	return buf.evaluator.Check()
}

// BufferedCount returns how many tokens the node currently holds.
func (e *AggregationExecutor) BufferedCount(nodeID string) int {
	if buf, ok := e.buffers[nodeID]; ok {
		return len(buf.tokens)
	}
	return 0
}

// CurrentBatchID returns the draft batch the node is buffering into, or ""
// when the buffer is empty.
func (e *AggregationExecutor) CurrentBatchID(nodeID string) string {
	if buf, ok := e.buffers[nodeID]; ok {
		return buf.batchID
	}
	return ""
}

// BufferedTokens returns a copy of the node's buffered tokens in order.
func (e *AggregationExecutor) BufferedTokens(nodeID string) []contracts.TokenInfo {
	buf, ok := e.buffers[nodeID]
	if !ok || len(buf.tokens) == 0 {
		return nil
	}
	out := make([]contracts.TokenInfo, len(buf.tokens))
	copy(out, buf.tokens)
	return out
}

// NodesWithBufferedRows lists aggregation nodes holding rows, in graph order.
// End-of-source flushing walks this.
func (e *AggregationExecutor) NodesWithBufferedRows() []string {
	var out []string
	for _, nodeID := range e.dag.AggregationIDs() {
		if buf := e.buffers[nodeID]; buf != nil && len(buf.tokens) > 0 {
			out = append(out, nodeID)
		}
	}
	return out
}

// ExecuteFlush runs the aggregator over the node's buffered rows.
//
// The batch's node state is recorded against the first buffered token; batch
// membership attributes it to the rest. An error RESULT fails the batch but
// returns normally with the consumed tokens so the caller can record their
// outcomes. An error RETURN propagates: a *BatchPendingError leaves the
// buffer intact for the checkpoint, anything else fails the batch and
// resets the buffer.
func (e *AggregationExecutor) ExecuteFlush(ctx context.Context, nodeID string, trigger TriggerDecision, aggregator contracts.Aggregator, pctx *contracts.PluginContext) (*FlushResult, error) {
	buf, ok := e.buffers[nodeID]
	if !ok {
		return nil, contracts.NewFrameworkBug("aggregation-node",
			"flushing %s, which is not an aggregation node", nodeID)
	}
	if len(buf.rows) == 0 {
		return nil, nil
	}
	spec, _ := e.dag.Aggregation(nodeID)
	if buf.batchID == "" {
		return nil, &contracts.DataIntegrityError{
			Message: fmt.Sprintf("aggregation %q has %d buffered rows but no batch", spec.Name, len(buf.rows)),
		}
	}
	batchID := buf.batchID

	if err := e.recorder.UpdateBatchStatus(ctx, batchID, landscape.BatchStatusUpdate{
		Status:        contracts.BatchExecuting,
		TriggerType:   trigger.Type,
		TriggerReason: trigger.Reason,
	}); err != nil {
		return nil, err
	}

	representative := buf.tokens[0]
	batchRows := make([]map[string]any, len(buf.rows))
	for i, row := range buf.rows {
		batchRows[i] = row.Data()
	}
	input := map[string]any{"batch_rows": batchRows}
	inputHash, err := canonical.StableHash(input)
	if err != nil {
		return nil, fmt.Errorf("batch input for aggregation %q is not canonicalizable: %w", spec.Name, err)
	}

	state, err := e.recorder.BeginNodeState(ctx, landscape.BeginNodeStateInput{
		TokenID:   representative.TokenID,
		RunID:     e.runID,
		NodeID:    nodeID,
		StepIndex: e.dag.StepIndex(nodeID),
		InputData: input,
	})
	if err != nil {
		return nil, err
	}

	pctx.StateID = state.StateID
	pctx.NodeID = nodeID
	pctx.Contract = representative.RowData.Contract()
	pctx.BatchTokenIDs = make([]string, len(buf.tokens))
	for i, t := range buf.tokens {
		pctx.BatchTokenIDs[i] = t.TokenID
	}

	start := time.Now()
	result, procErr := aggregator.Reduce(ctx, buf.rows, pctx)
	durationMS := msSince(start)

	if procErr != nil {
		var pending *contracts.BatchPendingError
		if errors.As(procErr, &pending) {
			// External completion: park the state, link it to the batch,
			// and keep the buffer for the checkpoint.
			if pending.NodeID == "" {
				pending.NodeID = nodeID
			}
			if cerr := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
				StateID:    state.StateID,
				Status:     contracts.StatePending,
				DurationMS: durationMS,
				ContextAfter: map[string]any{
					"batch_id":            pending.BatchID,
					"status":              pending.Status,
					"check_after_seconds": pending.CheckAfter.Seconds(),
				},
			}); cerr != nil {
				return nil, cerr
			}
			if uerr := e.recorder.UpdateBatchStatus(ctx, batchID, landscape.BatchStatusUpdate{
				Status:  contracts.BatchExecuting,
				StateID: state.StateID,
			}); uerr != nil {
				return nil, uerr
			}
			return nil, procErr
		}

		if cerr := e.failBatch(ctx, state.StateID, batchID, durationMS, executionError(procErr)); cerr != nil {
			return nil, fmt.Errorf("recording aggregation failure: %w (plugin error: %v)", cerr, procErr)
		}
		e.resetBuffer(buf)
		return nil, procErr
	}

	if invErr := result.CheckInvariants(); invErr != nil {
		violation := fmt.Errorf("aggregation %q returned a malformed result: %w", spec.Name, invErr)
		if cerr := e.failBatch(ctx, state.StateID, batchID, durationMS, executionError(violation)); cerr != nil {
			return nil, cerr
		}
		e.resetBuffer(buf)
		return nil, violation
	}

	result.InputHash = inputHash
	result.DurationMS = durationMS
	if err := stampOutputHash(result); err != nil {
		violation := fmt.Errorf(
			"aggregation %q emitted non-canonical data: %w; output must contain only JSON-serializable values, use null instead of NaN",
			spec.Name, err)
		if cerr := e.failBatch(ctx, state.StateID, batchID, durationMS, executionError(violation)); cerr != nil {
			return nil, cerr
		}
		e.resetBuffer(buf)
		return nil, violation
	}

	consumed := make([]contracts.TokenInfo, len(buf.tokens))
	copy(consumed, buf.tokens)

	if result.Status == contracts.StatusSuccess {
		if err := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
			StateID:       state.StateID,
			Status:        contracts.StateCompleted,
			OutputData:    resultOutputData(result),
			DurationMS:    durationMS,
			SuccessReason: result.SuccessReason,
			ContextAfter:  result.ContextAfter,
		}); err != nil {
			return nil, err
		}
		if err := e.recorder.CompleteBatch(ctx, batchID, landscape.BatchStatusUpdate{
			Status:  contracts.BatchCompleted,
			StateID: state.StateID,
		}); err != nil {
			return nil, err
		}
	} else {
		if err := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
			StateID:      state.StateID,
			Status:       contracts.StateFailed,
			DurationMS:   durationMS,
			Error:        result.ErrorReason,
			ContextAfter: result.ContextAfter,
		}); err != nil {
			return nil, err
		}
		if err := e.recorder.CompleteBatch(ctx, batchID, landscape.BatchStatusUpdate{
			Status:  contracts.BatchFailed,
			StateID: state.StateID,
		}); err != nil {
			return nil, err
		}
	}

	if e.emit != nil {
		e.emit(contracts.AggregationFlushedEvent{
			BaseEvent: contracts.NewBaseEvent(e.runID),
			NodeID:    nodeID,
			BatchID:   batchID,
			Trigger:   trigger.Type,
			BatchSize: len(consumed),
		})
	}

	e.resetBuffer(buf)
	return &FlushResult{Result: result, Tokens: consumed, BatchID: batchID}, nil
}

func (e *AggregationExecutor) failBatch(ctx context.Context, stateID, batchID string, durationMS float64, errInfo map[string]any) error {
	if err := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
		StateID:    stateID,
		Status:     contracts.StateFailed,
		DurationMS: durationMS,
		Error:      errInfo,
	}); err != nil {
		return err
	}
	return e.recorder.CompleteBatch(ctx, batchID, landscape.BatchStatusUpdate{
		Status:  contracts.BatchFailed,
		StateID: stateID,
	})
}

func (e *AggregationExecutor) resetBuffer(buf *aggregationBuffer) {
	buf.rows = nil
	buf.tokens = nil
	buf.batchID = ""
	buf.members = 0
	buf.evaluator.Reset()
}

// CheckpointState snapshots every non-empty buffer: tokens with their row
// data, the batch identity, and enough trigger state to preserve "first to
// fire wins" across a restart. The contract is stored once per node.
func (e *AggregationExecutor) CheckpointState() (map[string]any, error) {
	state := map[string]any{"_version": aggregationCheckpointVersion}
	for _, nodeID := range e.dag.AggregationIDs() {
		buf := e.buffers[nodeID]
		if buf == nil || len(buf.tokens) == 0 {
			continue
		}
		contract := buf.tokens[0].RowData.Contract()
		if contract == nil {
			return nil, fmt.Errorf("aggregation %s has buffered rows without a contract", nodeID)
		}
		contractData, err := contract.ToCheckpoint()
		if err != nil {
			return nil, fmt.Errorf("aggregation %s: %w", nodeID, err)
		}
		contractVersion := contract.VersionHash()

		tokens := make([]any, len(buf.tokens))
		for i, t := range buf.tokens {
			tokens[i] = map[string]any{
				"token_id":         t.TokenID,
				"row_id":           t.RowID,
				"branch_name":      t.BranchName,
				"fork_group_id":    t.ForkGroupID,
				"join_group_id":    t.JoinGroupID,
				"expand_group_id":  t.ExpandGroupID,
				"row_data":         t.RowData.Data(),
				"contract_version": contractVersion,
			}
		}

		entry := map[string]any{
			"tokens":              tokens,
			"batch_id":            buf.batchID,
			"elapsed_age_seconds": buf.evaluator.AgeSeconds(),
			"contract":            string(contractData),
		}
		if off := buf.evaluator.CountFireOffset(); off != nil {
			entry["count_fire_offset"] = *off
		}
		if off := buf.evaluator.ConditionFireOffset(); off != nil {
			entry["condition_fire_offset"] = *off
		}
		state[nodeID] = entry
	}

	data, err := canonical.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("aggregation checkpoint is not canonicalizable: %w", err)
	}
	if len(data) > checkpointMaxBytes {
		return nil, fmt.Errorf("aggregation checkpoint is %d bytes, over the %d byte limit; lower trigger counts or shrink buffered rows",
			len(data), checkpointMaxBytes)
	}
	if len(data) > checkpointWarnBytes {
		e.logger.Warn("aggregation checkpoint is large",
			"bytes", len(data),
			"limit", checkpointMaxBytes)
	}
	return state, nil
}

// RestoreFromCheckpoint rebuilds buffers and trigger clocks from a
// checkpoint snapshot. Per-token contract versions must match the node's
// stored contract; a mismatch means the checkpoint is corrupt.
func (e *AggregationExecutor) RestoreFromCheckpoint(state map[string]any) error {
	version, _ := state["_version"].(string)
	if version != aggregationCheckpointVersion {
		return fmt.Errorf("unsupported aggregation checkpoint version %q, this build reads %s",
			version, aggregationCheckpointVersion)
	}

	for nodeID, raw := range state {
		if nodeID == "_version" {
			continue
		}
		entry, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("aggregation checkpoint entry for node %s is malformed", nodeID)
		}
		buf, ok := e.buffers[nodeID]
		if !ok {
			return fmt.Errorf("checkpoint references aggregation node %s, which is not in the pipeline", nodeID)
		}

		contractData, _ := entry["contract"].(string)
		if contractData == "" {
			return fmt.Errorf("aggregation checkpoint for node %s has no contract", nodeID)
		}
		contract, err := contracts.ContractFromCheckpoint([]byte(contractData))
		if err != nil {
			return fmt.Errorf("aggregation checkpoint for node %s: %w", nodeID, err)
		}
		contractVersion := contract.VersionHash()

		rawTokens, _ := entry["tokens"].([]any)
		batchID, _ := entry["batch_id"].(string)
		if batchID == "" && len(rawTokens) > 0 {
			return &contracts.DataIntegrityError{
				Message: fmt.Sprintf("aggregation checkpoint for node %s has buffered tokens but no batch", nodeID),
			}
		}

		tokens := make([]contracts.TokenInfo, 0, len(rawTokens))
		rows := make([]*contracts.PipelineRow, 0, len(rawTokens))
		for i, rawToken := range rawTokens {
			snapshot, ok := rawToken.(map[string]any)
			if !ok {
				return fmt.Errorf("aggregation checkpoint for node %s: token %d is malformed", nodeID, i)
			}
			if got, _ := snapshot["contract_version"].(string); got != contractVersion {
				return &contracts.DataIntegrityError{
					Message:  fmt.Sprintf("aggregation checkpoint for node %s: token %d contract mismatch", nodeID, i),
					Expected: contractVersion,
					Actual:   got,
				}
			}
			rowData, _ := snapshot["row_data"].(map[string]any)
			row := contracts.NewPipelineRow(contract.CoerceRow(contracts.Row(rowData)), contract)
			token := contracts.TokenInfo{
				TokenID:       checkpointString(snapshot, "token_id"),
				RowID:         checkpointString(snapshot, "row_id"),
				RowData:       row,
				BranchName:    checkpointString(snapshot, "branch_name"),
				ForkGroupID:   checkpointString(snapshot, "fork_group_id"),
				JoinGroupID:   checkpointString(snapshot, "join_group_id"),
				ExpandGroupID: checkpointString(snapshot, "expand_group_id"),
			}
			tokens = append(tokens, token)
			rows = append(rows, row)
		}

		buf.rows = rows
		buf.tokens = tokens
		buf.batchID = batchID
		buf.members = len(tokens)

		elapsed, _ := checkpointFloat(entry["elapsed_age_seconds"])
		buf.evaluator.RestoreFromCheckpoint(len(tokens), elapsed,
			checkpointOffset(entry["count_fire_offset"]),
			checkpointOffset(entry["condition_fire_offset"]))
	}
	return nil
}

func checkpointString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func checkpointFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func checkpointOffset(v any) *float64 {
	if f, ok := checkpointFloat(v); ok {
		return &f
	}
	return nil
}
