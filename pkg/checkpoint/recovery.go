package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// RecoveredRow is one source row that never reached a terminal outcome,
// rebuilt from the audit trail with the original run's contract and types.
type RecoveredRow struct {
	RowID    string
	RowIndex int
	Data     *contracts.PipelineRow
}

// ResumePoint is everything a new process needs to continue an interrupted
// run: the rows still owed an outcome and the aggregation buffers as they
// stood at the last checkpoint.
type ResumePoint struct {
	RunID            string
	Rows             []RecoveredRow
	AggregationState map[string]any
	SourceContract   *contracts.SchemaContract

	// Checkpoint is the snapshot the plan was built from, nil when the run
	// stopped before one was written.
	Checkpoint *landscape.CheckpointRecord
}

// RecoveryManager plans resumes from the audit trail. It only reads and
// repairs batch lifecycle records; row processing stays with the engine.
type RecoveryManager struct {
	recorder *landscape.Recorder
	logger   *slog.Logger
}

func NewRecoveryManager(recorder *landscape.Recorder, logger *slog.Logger) *RecoveryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryManager{recorder: recorder, logger: logger}
}

// Plan validates that a run can resume into the current pipeline and
// assembles the resume point. currentTopologyHash is the hash of the graph
// the resume will execute; a checkpoint written under a different topology
// refuses to load, because replaying it would fabricate lineage.
func (m *RecoveryManager) Plan(ctx context.Context, runID, currentTopologyHash string) (*ResumePoint, error) {
	run, err := m.recorder.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	switch contracts.RunStatus(run.Status) {
	case contracts.RunStatusInterrupted, contracts.RunStatusFailed:
	default:
		return nil, fmt.Errorf("run %s is %s; only interrupted or failed runs resume", runID, run.Status)
	}

	point := &ResumePoint{RunID: runID}

	cp, err := m.recorder.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		if cp.FormatVersion != FormatVersion {
			return nil, fmt.Errorf("checkpoint format v%d is not readable by this build (wants v%d)",
				cp.FormatVersion, FormatVersion)
		}
		if cp.UpstreamTopologyHash != currentTopologyHash {
			return nil, fmt.Errorf(
				"pipeline topology changed since run %s was checkpointed; resume refused (checkpointed %s, current %s)",
				runID, cp.UpstreamTopologyHash, currentTopologyHash)
		}
		point.Checkpoint = cp
		if cp.AggregationStateJSON != nil {
			var state map[string]any
			if err := json.Unmarshal([]byte(*cp.AggregationStateJSON), &state); err != nil {
				return nil, fmt.Errorf("checkpoint %s has undecodable aggregation state: %w", cp.CheckpointID, err)
			}
			point.AggregationState = state
		}
	} else {
		m.logger.Warn("run has no checkpoint, resuming from the audit trail alone",
			"run_id", runID)
	}

	contract, err := m.recorder.GetSourceContract(ctx, runID)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, fmt.Errorf("run %s recorded no source contract; rows cannot be re-typed for resume", runID)
	}
	point.SourceContract = contract

	rows, err := m.recoverRows(ctx, runID, contract, bufferedRowIDs(point.AggregationState))
	if err != nil {
		return nil, err
	}
	point.Rows = rows

	if err := m.repairBatches(ctx, runID); err != nil {
		return nil, err
	}
	return point, nil
}

// recoverRows rebuilds the unprocessed rows from stored payloads. Rows whose
// tokens sit in a restored aggregation buffer are excluded: the buffer
// carries them already, and re-admitting them would double-count.
func (m *RecoveryManager) recoverRows(ctx context.Context, runID string, contract *contracts.SchemaContract, buffered map[string]bool) ([]RecoveredRow, error) {
	srcRows, err := m.recorder.GetUnprocessedRows(ctx, runID)
	if err != nil {
		return nil, err
	}

	rows := make([]RecoveredRow, 0, len(srcRows))
	for _, sr := range srcRows {
		if buffered[sr.RowID] {
			continue
		}
		data, err := m.recorder.GetRowData(ctx, sr.RowID)
		if err != nil {
			return nil, err
		}
		if data.State != landscape.RowDataAvailable {
			return nil, fmt.Errorf(
				"row %s (index %d) has no recoverable payload (%s); run %s cannot resume without a payload store",
				sr.RowID, sr.RowIndex, data.State, runID)
		}
		// Payloads round-trip through JSON, which flattens types. The
		// original run's contract restores them.
		typed := contract.CoerceRow(data.Data)
		rows = append(rows, RecoveredRow{
			RowID:    sr.RowID,
			RowIndex: sr.RowIndex,
			Data:     contracts.NewPipelineRow(typed, contract),
		})
	}
	return rows, nil
}

// repairBatches settles batches the interruption left open. An EXECUTING
// batch was cut off mid-flush: fail it for the record, then reopen it so the
// restored buffer can execute again under the same batch ID. A FAILED batch
// reopens directly. Drafts keep collecting.
func (m *RecoveryManager) repairBatches(ctx context.Context, runID string) error {
	batches, err := m.recorder.GetIncompleteBatches(ctx, runID)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		switch contracts.BatchStatus(batch.Status) {
		case contracts.BatchExecuting:
			if err := m.recorder.CompleteBatch(ctx, batch.BatchID, landscape.BatchStatusUpdate{
				Status:        contracts.BatchFailed,
				TriggerReason: "interrupted",
			}); err != nil {
				return err
			}
			if err := m.recorder.RetryBatch(ctx, batch.BatchID); err != nil {
				return err
			}
			m.logger.Info("reopened batch interrupted mid-execution",
				"run_id", runID, "batch_id", batch.BatchID, "attempt", batch.Attempt+1)

		case contracts.BatchFailed:
			if err := m.recorder.RetryBatch(ctx, batch.BatchID); err != nil {
				return err
			}
			m.logger.Info("reopened failed batch for retry",
				"run_id", runID, "batch_id", batch.BatchID, "attempt", batch.Attempt+1)

		case contracts.BatchDraft:
			// Still collecting; the restored buffer owns it.
		}
	}
	return nil
}

// bufferedRowIDs collects the row IDs held inside a restored aggregation
// snapshot, keyed for exclusion during row recovery.
func bufferedRowIDs(state map[string]any) map[string]bool {
	ids := make(map[string]bool)
	for key, raw := range state {
		if key == "_version" {
			continue
		}
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tokens, ok := entry["tokens"].([]any)
		if !ok {
			continue
		}
		for _, rawToken := range tokens {
			token, ok := rawToken.(map[string]any)
			if !ok {
				continue
			}
			if rowID, ok := token["row_id"].(string); ok && rowID != "" {
				ids[rowID] = true
			}
		}
	}
	return ids
}
