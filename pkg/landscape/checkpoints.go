package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/canonical"
)

// CheckpointInput is one resume point for a token suspended at a node.
type CheckpointInput struct {
	RunID   string
	TokenID string
	NodeID  string

	// State is the node's checkpoint payload: aggregation buffers, batch
	// submission handles, whatever the node needs to pick up again.
	State map[string]any

	// UpstreamTopologyHash fingerprints the graph up to and including the
	// checkpointing node; NodeConfigHash fingerprints its configuration.
	// Resume verifies both, because replaying a checkpoint into a changed
	// pipeline would fabricate lineage.
	UpstreamTopologyHash string
	NodeConfigHash       string
	FormatVersion        int
}

// SaveCheckpoint persists a checkpoint with the next sequence number for the
// run. Sequences are monotonic per run and seed from the database, so resumed
// runs keep counting where they stopped.
func (r *Recorder) SaveCheckpoint(ctx context.Context, in CheckpointInput) (*CheckpointRecord, error) {
	rec := &CheckpointRecord{
		CheckpointID:             newID(),
		RunID:                    in.RunID,
		TokenID:                  in.TokenID,
		NodeID:                   in.NodeID,
		SequenceNumber:           r.nextCheckpointSequence(in.RunID),
		UpstreamTopologyHash:     in.UpstreamTopologyHash,
		CheckpointNodeConfigHash: in.NodeConfigHash,
		FormatVersion:            in.FormatVersion,
		CreatedAt:                now(),
	}
	if in.State != nil {
		stateJSON, err := canonical.Marshal(in.State)
		if err != nil {
			return nil, fmt.Errorf("failed to canonicalize checkpoint state for node %s: %w", in.NodeID, err)
		}
		rec.AggregationStateJSON = strPtr(string(stateJSON))
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO checkpoints (
			checkpoint_id, run_id, token_id, node_id, sequence_number,
			aggregation_state_json, upstream_topology_hash,
			checkpoint_node_config_hash, format_version, created_at
		) VALUES (
			:checkpoint_id, :run_id, :token_id, :node_id, :sequence_number,
			:aggregation_state_json, :upstream_topology_hash,
			:checkpoint_node_config_hash, :format_version, :created_at
		)`, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint for token %s at node %s: %w", in.TokenID, in.NodeID, err)
	}

	r.journalRecord("save_checkpoint", map[string]any{
		"run_id":   in.RunID,
		"node_id":  in.NodeID,
		"token_id": in.TokenID,
		"sequence": rec.SequenceNumber,
	})
	return rec, nil
}

func (r *Recorder) nextCheckpointSequence(runID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checkpointSeq[runID]; !ok {
		var maxSeq sql.NullInt64
		query := r.db.Rebind(`SELECT max(sequence_number) FROM checkpoints WHERE run_id = ?`)
		if err := r.db.Get(&maxSeq, query, runID); err == nil && maxSeq.Valid {
			r.checkpointSeq[runID] = maxSeq.Int64 + 1
		} else {
			r.checkpointSeq[runID] = 0
		}
	}
	seq := r.checkpointSeq[runID]
	r.checkpointSeq[runID]++
	return seq
}

// LatestCheckpoint returns the run's newest checkpoint, or nil when the run
// has none.
func (r *Recorder) LatestCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	query := r.db.Rebind(`
		SELECT * FROM checkpoints WHERE run_id = ?
		ORDER BY sequence_number DESC LIMIT 1`)
	if err := r.db.GetContext(ctx, &rec, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest checkpoint for run %s: %w", runID, err)
	}
	return &rec, nil
}

// LatestCheckpointFor returns the newest checkpoint a token left at a node,
// or nil when none exists.
func (r *Recorder) LatestCheckpointFor(ctx context.Context, runID, nodeID, tokenID string) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	query := r.db.Rebind(`
		SELECT * FROM checkpoints WHERE run_id = ? AND node_id = ? AND token_id = ?
		ORDER BY sequence_number DESC LIMIT 1`)
	if err := r.db.GetContext(ctx, &rec, query, runID, nodeID, tokenID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get checkpoint for token %s at node %s: %w", tokenID, nodeID, err)
	}
	return &rec, nil
}

// GetCheckpoints returns a run's checkpoints in sequence order.
func (r *Recorder) GetCheckpoints(ctx context.Context, runID string) ([]CheckpointRecord, error) {
	var recs []CheckpointRecord
	query := r.db.Rebind(`SELECT * FROM checkpoints WHERE run_id = ? ORDER BY sequence_number`)
	if err := r.db.SelectContext(ctx, &recs, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get checkpoints for run %s: %w", runID, err)
	}
	return recs, nil
}

// ClearCheckpoints removes every checkpoint of a run. Called after the run
// completes; checkpoints are working state, not audit history.
func (r *Recorder) ClearCheckpoints(ctx context.Context, runID string) error {
	query := r.db.Rebind(`DELETE FROM checkpoints WHERE run_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, runID); err != nil {
		return fmt.Errorf("failed to clear checkpoints for run %s: %w", runID, err)
	}
	r.mu.Lock()
	delete(r.checkpointSeq, runID)
	r.mu.Unlock()
	return nil
}

// ClearCheckpointsFor removes a token's checkpoints at one node, after the
// suspended work completed.
func (r *Recorder) ClearCheckpointsFor(ctx context.Context, runID, nodeID, tokenID string) error {
	query := r.db.Rebind(`DELETE FROM checkpoints WHERE run_id = ? AND node_id = ? AND token_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, runID, nodeID, tokenID); err != nil {
		return fmt.Errorf("failed to clear checkpoint for token %s at node %s: %w", tokenID, nodeID, err)
	}
	return nil
}
