package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// BeginNodeStateInput opens one attempt of one token at one node.
type BeginNodeStateInput struct {
	TokenID       string
	RunID         string
	NodeID        string
	StepIndex     int
	Attempt       int
	InputData     any
	ContextBefore map[string]any
}

// BeginNodeState records the attempt in OPEN status with the input hash
// computed before the plugin runs. When a payload store is attached the
// canonical input bytes are persisted too.
func (r *Recorder) BeginNodeState(ctx context.Context, in BeginNodeStateInput) (*NodeState, error) {
	inputHash, err := canonical.StableHash(in.InputData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash input for node %s: %w", in.NodeID, err)
	}

	state := &NodeState{
		StateID:   newID(),
		TokenID:   in.TokenID,
		RunID:     in.RunID,
		NodeID:    in.NodeID,
		StepIndex: in.StepIndex,
		Attempt:   in.Attempt,
		Status:    string(contracts.StateOpen),
		InputHash: inputHash,
		StartedAt: now(),
	}

	if r.payloads != nil {
		payload, err := canonical.Marshal(in.InputData)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize input for node %s: %w", in.NodeID, err)
		}
		ref, err := r.payloads.Put(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to store input payload for node %s: %w", in.NodeID, err)
		}
		state.InputRef = &ref
	}

	if in.ContextBefore != nil {
		contextJSON, err := canonical.Marshal(in.ContextBefore)
		if err != nil {
			return nil, fmt.Errorf("failed to canonicalize context for node %s: %w", in.NodeID, err)
		}
		state.ContextBeforeJSON = strPtr(string(contextJSON))
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO node_states (
			state_id, token_id, run_id, node_id, step_index, attempt, status,
			input_hash, input_ref, context_before_json, started_at
		) VALUES (
			:state_id, :token_id, :run_id, :node_id, :step_index, :attempt, :status,
			:input_hash, :input_ref, :context_before_json, :started_at
		)`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to begin node state for token %s at node %s: %w", in.TokenID, in.NodeID, err)
	}
	return state, nil
}

// CompleteNodeStateInput closes an attempt. OutputData nil means the node
// produced no output payload (sinks, failures); an empty-but-present output
// still gets hashed and stored.
type CompleteNodeStateInput struct {
	StateID       string
	Status        contracts.NodeStateStatus
	OutputData    any
	DurationMS    float64
	Error         map[string]any
	SuccessReason map[string]any
	ContextAfter  map[string]any
}

// CompleteNodeState transitions an attempt out of OPEN. Only COMPLETED,
// FAILED, and PENDING are accepted; re-opening is not a thing.
func (r *Recorder) CompleteNodeState(ctx context.Context, in CompleteNodeStateInput) error {
	switch in.Status {
	case contracts.StateCompleted, contracts.StateFailed, contracts.StatePending:
	default:
		return contracts.NewFrameworkBug("state-lifecycle",
			"CompleteNodeState for %s requires completed, failed, or pending, got %q", in.StateID, in.Status)
	}

	var outputHash, outputRef, errorJSON, successJSON, contextJSON *string

	if in.OutputData != nil {
		hash, err := canonical.StableHash(in.OutputData)
		if err != nil {
			return fmt.Errorf("failed to hash output for state %s: %w", in.StateID, err)
		}
		outputHash = &hash

		if r.payloads != nil {
			payload, err := canonical.Marshal(in.OutputData)
			if err != nil {
				return fmt.Errorf("failed to serialize output for state %s: %w", in.StateID, err)
			}
			ref, err := r.payloads.Put(ctx, payload)
			if err != nil {
				return fmt.Errorf("failed to store output payload for state %s: %w", in.StateID, err)
			}
			outputRef = &ref
		}
	}
	if in.Error != nil {
		data, err := canonical.Marshal(in.Error)
		if err != nil {
			return fmt.Errorf("failed to canonicalize error for state %s: %w", in.StateID, err)
		}
		errorJSON = strPtr(string(data))
	}
	if in.SuccessReason != nil {
		data, err := canonical.Marshal(in.SuccessReason)
		if err != nil {
			return fmt.Errorf("failed to canonicalize success reason for state %s: %w", in.StateID, err)
		}
		successJSON = strPtr(string(data))
	}
	if in.ContextAfter != nil {
		data, err := canonical.Marshal(in.ContextAfter)
		if err != nil {
			return fmt.Errorf("failed to canonicalize context for state %s: %w", in.StateID, err)
		}
		contextJSON = strPtr(string(data))
	}

	query := r.db.Rebind(`
		UPDATE node_states SET
			status = ?, output_hash = ?, output_ref = ?, duration_ms = ?,
			error_json = ?, success_reason_json = ?, context_after_json = ?,
			completed_at = ?
		WHERE state_id = ?`)
	res, err := r.db.ExecContext(ctx, query,
		string(in.Status), outputHash, outputRef, in.DurationMS,
		errorJSON, successJSON, contextJSON, now(), in.StateID)
	if err != nil {
		return fmt.Errorf("failed to complete node state %s: %w", in.StateID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check node state completion %s: %w", in.StateID, err)
	}
	if affected == 0 {
		return contracts.NewFrameworkBug("state-lifecycle",
			"CompleteNodeState called for non-existent state %s", in.StateID)
	}

	r.journalRecord("complete_node_state", map[string]any{
		"state_id": in.StateID,
		"status":   string(in.Status),
	})
	return nil
}

// GetNodeState fetches one attempt, or nil when it does not exist.
func (r *Recorder) GetNodeState(ctx context.Context, stateID string) (*NodeState, error) {
	var state NodeState
	query := r.db.Rebind(`SELECT * FROM node_states WHERE state_id = ?`)
	if err := r.db.GetContext(ctx, &state, query, stateID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get node state %s: %w", stateID, err)
	}
	return &state, nil
}

// RoutingSpec is one destination of a routing decision.
type RoutingSpec struct {
	EdgeID string
	Mode   contracts.EdgeMode
}

// RecordRoutingEvent records a single-destination routing decision.
func (r *Recorder) RecordRoutingEvent(ctx context.Context, stateID, edgeID string, mode contracts.EdgeMode, reason map[string]any) (*RoutingEvent, error) {
	events, err := r.RecordRoutingEvents(ctx, stateID, []RoutingSpec{{EdgeID: edgeID, Mode: mode}}, reason)
	if err != nil {
		return nil, err
	}
	return &events[0], nil
}

// RecordRoutingEvents records one routing decision with multiple
// destinations (fork, copy-to). All events share a routing group; ordinals
// preserve destination order. The edge must already be registered; routing
// over an unknown edge is refused rather than recorded without lineage.
func (r *Recorder) RecordRoutingEvents(ctx context.Context, stateID string, routes []RoutingSpec, reason map[string]any) ([]RoutingEvent, error) {
	if len(routes) == 0 {
		return nil, contracts.NewFrameworkBug("routing-event",
			"routing decision for state %s has no destinations", stateID)
	}
	for _, route := range routes {
		if route.EdgeID == "" {
			return nil, contracts.NewFrameworkBug("routing-event",
				"routing decision for state %s names an unregistered edge", stateID)
		}
	}

	var reasonHash, reasonRef *string
	if reason != nil {
		hash, err := canonical.StableHash(reason)
		if err != nil {
			return nil, fmt.Errorf("failed to hash routing reason for state %s: %w", stateID, err)
		}
		reasonHash = &hash
		if r.payloads != nil {
			payload, err := canonical.Marshal(reason)
			if err != nil {
				return nil, fmt.Errorf("failed to serialize routing reason for state %s: %w", stateID, err)
			}
			ref, err := r.payloads.Put(ctx, payload)
			if err != nil {
				return nil, fmt.Errorf("failed to store routing reason for state %s: %w", stateID, err)
			}
			reasonRef = &ref
		}
	}

	groupID := newID()
	events := make([]RoutingEvent, 0, len(routes))

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin routing transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for ordinal, route := range routes {
		event := RoutingEvent{
			EventID:        newID(),
			StateID:        stateID,
			EdgeID:         route.EdgeID,
			RoutingGroupID: groupID,
			Ordinal:        ordinal,
			Mode:           string(route.Mode),
			ReasonHash:     reasonHash,
			ReasonRef:      reasonRef,
			CreatedAt:      now(),
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO routing_events (event_id, state_id, edge_id, routing_group_id, ordinal, mode, reason_hash, reason_ref, created_at)
			VALUES (:event_id, :state_id, :edge_id, :routing_group_id, :ordinal, :mode, :reason_hash, :reason_ref, :created_at)`, &event); err != nil {
			return nil, fmt.Errorf("failed to record routing event for state %s: %w", stateID, err)
		}
		events = append(events, event)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit routing events: %w", err)
	}
	return events, nil
}

// RecordArtifactInput describes one sink output.
type RecordArtifactInput struct {
	RunID             string
	ProducedByStateID string
	SinkNodeID        string
	ArtifactType      string
	PathOrURI         string
	ContentHash       string
	SizeBytes         int64
	IdempotencyKey    string
}

// RecordArtifact records what a sink produced and where it went.
func (r *Recorder) RecordArtifact(ctx context.Context, in RecordArtifactInput) (*Artifact, error) {
	artifact := &Artifact{
		ArtifactID:        newID(),
		RunID:             in.RunID,
		ProducedByStateID: in.ProducedByStateID,
		SinkNodeID:        in.SinkNodeID,
		ArtifactType:      in.ArtifactType,
		PathOrURI:         in.PathOrURI,
		ContentHash:       in.ContentHash,
		SizeBytes:         in.SizeBytes,
		CreatedAt:         now(),
	}
	if in.IdempotencyKey != "" {
		artifact.IdempotencyKey = &in.IdempotencyKey
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO artifacts (
			artifact_id, run_id, produced_by_state_id, sink_node_id,
			artifact_type, path_or_uri, content_hash, size_bytes,
			idempotency_key, created_at
		) VALUES (
			:artifact_id, :run_id, :produced_by_state_id, :sink_node_id,
			:artifact_type, :path_or_uri, :content_hash, :size_bytes,
			:idempotency_key, :created_at
		)`, artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to record artifact %s: %w", in.PathOrURI, err)
	}
	return artifact, nil
}

// GetArtifacts returns a run's artifacts in creation order.
func (r *Recorder) GetArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	var artifacts []Artifact
	query := r.db.Rebind(`SELECT * FROM artifacts WHERE run_id = ? ORDER BY created_at, artifact_id`)
	if err := r.db.SelectContext(ctx, &artifacts, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get artifacts for run %s: %w", runID, err)
	}
	return artifacts, nil
}

// RecordValidationError stores a row the source contract rejected. Rejected
// rows are external data, so hashing and serialization fall back to repr
// forms rather than refuse the record.
func (r *Recorder) RecordValidationError(ctx context.Context, in contracts.ValidationErrorInput) (string, error) {
	rowHash, err := canonical.StableHash(in.RowData)
	if err != nil {
		rowHash = canonical.ReprHash(in.RowData)
	}

	errText := in.Error
	if len(in.Violations) > 0 {
		if reasonJSON, merr := canonical.Marshal(contracts.ViolationsReason(in.Violations)); merr == nil {
			errText = errText + " " + string(reasonJSON)
		}
	}

	rec := &ValidationErrorRecord{
		ErrorID:     newID(),
		RunID:       in.RunID,
		RowHash:     rowHash,
		Error:       errText,
		SchemaMode:  in.SchemaMode,
		Destination: in.Destination,
		CreatedAt:   now(),
	}
	if in.NodeID != "" {
		rec.NodeID = &in.NodeID
	}
	if rowJSON, merr := canonical.Marshal(in.RowData); merr == nil {
		rec.RowDataJSON = strPtr(string(rowJSON))
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO validation_errors (error_id, run_id, node_id, row_hash, row_data_json, error, schema_mode, destination, created_at)
		VALUES (:error_id, :run_id, :node_id, :row_hash, :row_data_json, :error, :schema_mode, :destination, :created_at)`, rec)
	if err != nil {
		return "", fmt.Errorf("failed to record validation error: %w", err)
	}
	return rec.ErrorID, nil
}

// RecordTransformError stores a row a transform declined: a data failure the
// pipeline routes onward, distinct from a plugin crash.
func (r *Recorder) RecordTransformError(ctx context.Context, in contracts.TransformErrorInput) (string, error) {
	rowHash, err := canonical.StableHash(map[string]any(in.RowData))
	if err != nil {
		rowHash = canonical.ReprHash(map[string]any(in.RowData))
	}

	rec := &TransformErrorRecord{
		ErrorID:     newID(),
		RunID:       in.RunID,
		TokenID:     in.TokenID,
		TransformID: in.TransformID,
		RowHash:     rowHash,
		Destination: in.Destination,
		CreatedAt:   now(),
	}
	if rowJSON, merr := canonical.Marshal(map[string]any(in.RowData)); merr == nil {
		rec.RowDataJSON = strPtr(string(rowJSON))
	}
	if in.ErrorDetails != nil {
		detailsJSON, merr := canonical.Marshal(in.ErrorDetails)
		if merr != nil {
			return "", fmt.Errorf("failed to canonicalize transform error details: %w", merr)
		}
		rec.ErrorDetailsJSON = strPtr(string(detailsJSON))
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO transform_errors (error_id, run_id, token_id, transform_id, row_hash, row_data_json, error_details_json, destination, created_at)
		VALUES (:error_id, :run_id, :token_id, :transform_id, :row_hash, :row_data_json, :error_details_json, :destination, :created_at)`, rec)
	if err != nil {
		return "", fmt.Errorf("failed to record transform error for token %s: %w", in.TokenID, err)
	}
	return rec.ErrorID, nil
}

// GetValidationErrors returns a run's validation errors in creation order.
func (r *Recorder) GetValidationErrors(ctx context.Context, runID string) ([]ValidationErrorRecord, error) {
	var recs []ValidationErrorRecord
	query := r.db.Rebind(`SELECT * FROM validation_errors WHERE run_id = ? ORDER BY created_at, error_id`)
	if err := r.db.SelectContext(ctx, &recs, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get validation errors for run %s: %w", runID, err)
	}
	return recs, nil
}

// GetTransformErrors returns a run's transform errors in creation order.
func (r *Recorder) GetTransformErrors(ctx context.Context, runID string) ([]TransformErrorRecord, error) {
	var recs []TransformErrorRecord
	query := r.db.Rebind(`SELECT * FROM transform_errors WHERE run_id = ? ORDER BY created_at, error_id`)
	if err := r.db.SelectContext(ctx, &recs, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get transform errors for run %s: %w", runID, err)
	}
	return recs, nil
}
