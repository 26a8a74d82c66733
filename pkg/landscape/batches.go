package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// CreateBatch opens a DRAFT batch for an aggregation node. Members accumulate
// while the batch is a draft; execution transitions it onward.
func (r *Recorder) CreateBatch(ctx context.Context, runID, aggregationNodeID string) (*Batch, error) {
	batch := &Batch{
		BatchID:           newID(),
		RunID:             runID,
		AggregationNodeID: aggregationNodeID,
		Attempt:           0,
		Status:            string(contracts.BatchDraft),
		CreatedAt:         now(),
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, created_at)
		VALUES (:batch_id, :run_id, :aggregation_node_id, :attempt, :status, :created_at)`, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch for node %s: %w", aggregationNodeID, err)
	}

	r.journalRecord("create_batch", map[string]any{
		"run_id":   runID,
		"node_id":  aggregationNodeID,
		"batch_id": batch.BatchID,
	})
	return batch, nil
}

// AddBatchMember records a token's buffer position within a batch. Both the
// position and the token are unique per batch; re-buffering the same token
// is a constraint violation, not an update.
func (r *Recorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	member := &BatchMember{BatchID: batchID, TokenID: tokenID, Ordinal: ordinal}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO batch_members (batch_id, token_id, ordinal)
		VALUES (:batch_id, :token_id, :ordinal)`, member)
	if err != nil {
		return fmt.Errorf("failed to add token %s to batch %s: %w", tokenID, batchID, err)
	}
	return nil
}

// BatchStatusUpdate carries the optional fields of a status transition.
type BatchStatusUpdate struct {
	Status        contracts.BatchStatus
	TriggerType   contracts.TriggerType
	TriggerReason string
	StateID       string
}

// UpdateBatchStatus transitions a batch without closing it. Trigger fields
// and the executing aggregation state are attached when known.
func (r *Recorder) UpdateBatchStatus(ctx context.Context, batchID string, update BatchStatusUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(update.Status)}

	if update.TriggerType != "" {
		sets = append(sets, "trigger_type = ?")
		args = append(args, string(update.TriggerType))
	}
	if update.TriggerReason != "" {
		sets = append(sets, "trigger_reason = ?")
		args = append(args, update.TriggerReason)
	}
	if update.StateID != "" {
		sets = append(sets, "aggregation_state_id = ?")
		args = append(args, update.StateID)
	}
	args = append(args, batchID)

	query := r.db.Rebind("UPDATE batches SET " + strings.Join(sets, ", ") + " WHERE batch_id = ?")
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update batch %s status: %w", batchID, err)
	}
	return nil
}

// CompleteBatch closes a batch as COMPLETED or FAILED and stamps
// completed_at.
func (r *Recorder) CompleteBatch(ctx context.Context, batchID string, update BatchStatusUpdate) error {
	switch update.Status {
	case contracts.BatchCompleted, contracts.BatchFailed:
	default:
		return contracts.NewFrameworkBug("batch-lifecycle",
			"CompleteBatch for %s requires completed or failed, got %q", batchID, update.Status)
	}

	sets := []string{"status = ?", "completed_at = ?"}
	args := []any{string(update.Status), now()}

	if update.TriggerType != "" {
		sets = append(sets, "trigger_type = ?")
		args = append(args, string(update.TriggerType))
	}
	if update.TriggerReason != "" {
		sets = append(sets, "trigger_reason = ?")
		args = append(args, update.TriggerReason)
	}
	if update.StateID != "" {
		sets = append(sets, "aggregation_state_id = ?")
		args = append(args, update.StateID)
	}
	args = append(args, batchID)

	query := r.db.Rebind("UPDATE batches SET " + strings.Join(sets, ", ") + " WHERE batch_id = ?")
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to complete batch %s: %w", batchID, err)
	}

	r.journalRecord("complete_batch", map[string]any{
		"batch_id": batchID,
		"status":   string(update.Status),
	})
	return nil
}

// RetryBatch reopens a failed batch for another execution: attempt counts
// up, status returns to DRAFT, and members stay in place so the buffer can
// be rebuilt from the audit trail.
func (r *Recorder) RetryBatch(ctx context.Context, batchID string) error {
	query := r.db.Rebind(`
		UPDATE batches SET attempt = attempt + 1, status = ?, completed_at = NULL
		WHERE batch_id = ?`)
	res, err := r.db.ExecContext(ctx, query, string(contracts.BatchDraft), batchID)
	if err != nil {
		return fmt.Errorf("failed to retry batch %s: %w", batchID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check batch retry %s: %w", batchID, err)
	}
	if affected == 0 {
		return contracts.NewFrameworkBug("batch-lifecycle", "retrying non-existent batch %s", batchID)
	}
	return nil
}

// GetBatch fetches one batch, or nil when it does not exist.
func (r *Recorder) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var batch Batch
	query := r.db.Rebind(`SELECT * FROM batches WHERE batch_id = ?`)
	if err := r.db.GetContext(ctx, &batch, query, batchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	return &batch, nil
}

// GetBatchMembers returns a batch's members in buffer order.
func (r *Recorder) GetBatchMembers(ctx context.Context, batchID string) ([]BatchMember, error) {
	var members []BatchMember
	query := r.db.Rebind(`SELECT * FROM batch_members WHERE batch_id = ? ORDER BY ordinal`)
	if err := r.db.SelectContext(ctx, &members, query, batchID); err != nil {
		return nil, fmt.Errorf("failed to get members of batch %s: %w", batchID, err)
	}
	return members, nil
}

// GetIncompleteBatches returns every batch in a run that never completed:
// drafts still collecting, executions a crash interrupted, and failures
// awaiting retry. Recovery decides per status what to do with each.
func (r *Recorder) GetIncompleteBatches(ctx context.Context, runID string) ([]Batch, error) {
	var batches []Batch
	query := r.db.Rebind(`
		SELECT * FROM batches
		WHERE run_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at, batch_id`)
	err := r.db.SelectContext(ctx, &batches, query, runID,
		string(contracts.BatchDraft),
		string(contracts.BatchExecuting),
		string(contracts.BatchFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to get incomplete batches for run %s: %w", runID, err)
	}
	return batches, nil
}

// GetBatchesForRun returns a run's batches in creation order.
func (r *Recorder) GetBatchesForRun(ctx context.Context, runID string) ([]Batch, error) {
	var batches []Batch
	query := r.db.Rebind(`SELECT * FROM batches WHERE run_id = ? ORDER BY created_at, batch_id`)
	if err := r.db.SelectContext(ctx, &batches, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get batches for run %s: %w", runID, err)
	}
	return batches, nil
}

// GetBatchMembersForRun returns every batch membership in a run, grouped by
// batch in buffer order. The exporter uses this instead of per-batch loops.
func (r *Recorder) GetBatchMembersForRun(ctx context.Context, runID string) ([]BatchMember, error) {
	var members []BatchMember
	query := r.db.Rebind(`
		SELECT m.* FROM batch_members m
		JOIN batches b ON m.batch_id = b.batch_id
		WHERE b.run_id = ?
		ORDER BY b.created_at, m.batch_id, m.ordinal`)
	if err := r.db.SelectContext(ctx, &members, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get batch members for run %s: %w", runID, err)
	}
	return members, nil
}
