package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/payload"
)

// AllocateCallIndex hands out the next call index for a node state. Indices
// are contiguous per state across all client types, which is what the
// UNIQUE(state_id, call_index) constraint checks. The counter seeds from the
// database on first use per state so allocation survives recorder recreation
// on resume.
func (r *Recorder) AllocateCallIndex(stateID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stateCallIndex[stateID]; !ok {
		r.stateCallIndex[stateID] = r.seedCallIndex("state_id", stateID)
	}
	idx := r.stateCallIndex[stateID]
	r.stateCallIndex[stateID]++
	return idx
}

// AllocateOperationCallIndex is AllocateCallIndex for operation-parented
// calls.
func (r *Recorder) AllocateOperationCallIndex(operationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.opCallIndex[operationID]; !ok {
		r.opCallIndex[operationID] = r.seedCallIndex("operation_id", operationID)
	}
	idx := r.opCallIndex[operationID]
	r.opCallIndex[operationID]++
	return idx
}

// seedCallIndex reads max(call_index)+1 for a parent column. On a read
// failure it seeds 0 and lets the unique constraint catch any collision at
// insert, where the error can actually be returned to a caller.
func (r *Recorder) seedCallIndex(parentColumn, parentID string) int {
	var maxIdx sql.NullInt64
	query := r.db.Rebind(`SELECT max(call_index) FROM calls WHERE ` + parentColumn + ` = ?`)
	if err := r.db.Get(&maxIdx, query, parentID); err != nil {
		slog.Warn("Call index seed query failed, starting at 0",
			"parent", parentID, "error", err)
		return 0
	}
	if !maxIdx.Valid {
		return 0
	}
	return int(maxIdx.Int64) + 1
}

// RecordCall records one external side effect. The request is hashed always;
// the response only when one exists (an empty-but-valid response still counts
// as existing). With a payload store attached, canonical request and response
// bytes are persisted so replay can serve recorded responses later.
func (r *Recorder) RecordCall(ctx context.Context, in contracts.CallInput) (string, error) {
	hasState := in.StateID != ""
	hasOperation := in.OperationID != ""
	if hasState == hasOperation {
		return "", contracts.NewFrameworkBug("call-parentage",
			"call must have exactly one parent, got state_id=%q operation_id=%q", in.StateID, in.OperationID)
	}

	callIndex := in.CallIndex
	var callID string
	if hasState {
		callID = newID()
	} else {
		callIndex = r.AllocateOperationCallIndex(in.OperationID)
		callID = operationCallID(in.OperationID, callIndex)
	}

	requestHash, err := canonical.StableHash(in.RequestData)
	if err != nil {
		return "", fmt.Errorf("failed to hash call request: %w", err)
	}

	call := &Call{
		CallID:      callID,
		CallIndex:   callIndex,
		CallType:    string(in.CallType),
		Status:      string(in.Status),
		RequestHash: requestHash,
		CreatedAt:   now(),
	}
	if hasState {
		call.StateID = &in.StateID
	} else {
		call.OperationID = &in.OperationID
	}
	if in.LatencyMS != 0 {
		call.LatencyMS = &in.LatencyMS
	}
	if in.Provider != "" {
		call.Provider = &in.Provider
	}

	if r.payloads != nil {
		requestBytes, err := canonical.Marshal(in.RequestData)
		if err != nil {
			return "", fmt.Errorf("failed to serialize call request: %w", err)
		}
		ref, err := r.payloads.Put(ctx, requestBytes)
		if err != nil {
			return "", fmt.Errorf("failed to store call request: %w", err)
		}
		call.RequestRef = &ref
	}

	if in.ResponseData != nil {
		responseHash, err := canonical.StableHash(in.ResponseData)
		if err != nil {
			return "", fmt.Errorf("failed to hash call response: %w", err)
		}
		call.ResponseHash = &responseHash
		if r.payloads != nil {
			responseBytes, err := canonical.Marshal(in.ResponseData)
			if err != nil {
				return "", fmt.Errorf("failed to serialize call response: %w", err)
			}
			ref, err := r.payloads.Put(ctx, responseBytes)
			if err != nil {
				return "", fmt.Errorf("failed to store call response: %w", err)
			}
			call.ResponseRef = &ref
		}
	}

	if in.Error != nil {
		errorJSON, err := canonical.Marshal(in.Error)
		if err != nil {
			return "", fmt.Errorf("failed to canonicalize call error: %w", err)
		}
		call.ErrorJSON = strPtr(string(errorJSON))
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO calls (
			call_id, state_id, operation_id, call_index, call_type, status,
			request_hash, request_ref, response_hash, response_ref,
			error_json, latency_ms, provider, created_at
		) VALUES (
			:call_id, :state_id, :operation_id, :call_index, :call_type, :status,
			:request_hash, :request_ref, :response_hash, :response_ref,
			:error_json, :latency_ms, :provider, :created_at
		)`, call)
	if err != nil {
		return "", fmt.Errorf("failed to record call %s: %w", callID, err)
	}
	return callID, nil
}

// TokenIDForState resolves which token a state belongs to, for telemetry
// attribution. Returns empty on any failure; telemetry must never stop a run.
func (r *Recorder) TokenIDForState(ctx context.Context, stateID string) string {
	var tokenID string
	query := r.db.Rebind(`SELECT token_id FROM node_states WHERE state_id = ?`)
	if err := r.db.GetContext(ctx, &tokenID, query, stateID); err != nil {
		return ""
	}
	return tokenID
}

// BeginOperation opens a source/sink operation: the parent context for
// external calls made while loading rows or writing them out.
func (r *Recorder) BeginOperation(ctx context.Context, runID, nodeID string, opType contracts.OperationType, inputData map[string]any) (*Operation, error) {
	op := &Operation{
		OperationID:   newOperationID(),
		RunID:         runID,
		NodeID:        nodeID,
		OperationType: string(opType),
		StartedAt:     now(),
		Status:        string(contracts.OperationOpen),
	}

	if inputData != nil {
		hash, err := canonical.StableHash(inputData)
		if err != nil {
			return nil, fmt.Errorf("failed to hash operation input for node %s: %w", nodeID, err)
		}
		op.InputHash = &hash
		if r.payloads != nil {
			inputBytes, err := canonical.Marshal(inputData)
			if err != nil {
				return nil, fmt.Errorf("failed to serialize operation input for node %s: %w", nodeID, err)
			}
			ref, err := r.payloads.Put(ctx, inputBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to store operation input for node %s: %w", nodeID, err)
			}
			op.InputRef = &ref
		}
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO operations (
			operation_id, run_id, node_id, operation_type, started_at, status,
			input_hash, input_ref
		) VALUES (
			:operation_id, :run_id, :node_id, :operation_type, :started_at, :status,
			:input_hash, :input_ref
		)`, op)
	if err != nil {
		return nil, fmt.Errorf("failed to begin %s operation for node %s: %w", opType, nodeID, err)
	}

	r.journalRecord("begin_operation", map[string]any{
		"run_id":       runID,
		"node_id":      nodeID,
		"operation_id": op.OperationID,
		"type":         string(opType),
	})
	return op, nil
}

// CompleteOperationInput closes an operation.
type CompleteOperationInput struct {
	OperationID string
	Status      contracts.OperationStatus
	OutputData  map[string]any
	Error       string
	DurationMS  float64
}

// CompleteOperation transitions an operation out of OPEN atomically: the
// UPDATE carries the status predicate, so a duplicate completion changes
// nothing and is reported as the framework bug it is. The output payload is
// stored only after the transition succeeds, avoiding orphaned blobs.
func (r *Recorder) CompleteOperation(ctx context.Context, in CompleteOperationInput) error {
	switch in.Status {
	case contracts.OperationCompleted, contracts.OperationFailed, contracts.OperationPending:
	default:
		return contracts.NewFrameworkBug("operation-lifecycle",
			"CompleteOperation for %s requires completed, failed, or pending, got %q", in.OperationID, in.Status)
	}

	var outputHash, errorMessage *string
	if in.OutputData != nil {
		hash, err := canonical.StableHash(in.OutputData)
		if err != nil {
			return fmt.Errorf("failed to hash operation output for %s: %w", in.OperationID, err)
		}
		outputHash = &hash
	}
	if in.Error != "" {
		errorMessage = &in.Error
	}

	query := r.db.Rebind(`
		UPDATE operations SET
			status = ?, completed_at = ?, error_message = ?, duration_ms = ?, output_hash = ?
		WHERE operation_id = ? AND status = ?`)
	res, err := r.db.ExecContext(ctx, query,
		string(in.Status), now(), errorMessage, in.DurationMS, outputHash,
		in.OperationID, string(contracts.OperationOpen))
	if err != nil {
		return fmt.Errorf("failed to complete operation %s: %w", in.OperationID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check operation completion %s: %w", in.OperationID, err)
	}
	if affected == 0 {
		var current string
		checkQuery := r.db.Rebind(`SELECT status FROM operations WHERE operation_id = ?`)
		if err := r.db.GetContext(ctx, &current, checkQuery, in.OperationID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return contracts.NewFrameworkBug("operation-lifecycle",
					"completing non-existent operation %s", in.OperationID)
			}
			return fmt.Errorf("failed to inspect operation %s after no-op completion: %w", in.OperationID, err)
		}
		return contracts.NewFrameworkBug("operation-lifecycle",
			"completing already-completed operation %s: current status=%s, new status=%s",
			in.OperationID, current, in.Status)
	}

	if in.OutputData != nil && r.payloads != nil {
		outputBytes, err := canonical.Marshal(in.OutputData)
		if err != nil {
			return fmt.Errorf("failed to serialize operation output for %s: %w", in.OperationID, err)
		}
		ref, err := r.payloads.Put(ctx, outputBytes)
		if err != nil {
			return fmt.Errorf("failed to store operation output for %s: %w", in.OperationID, err)
		}
		refQuery := r.db.Rebind(`UPDATE operations SET output_ref = ? WHERE operation_id = ?`)
		if _, err := r.db.ExecContext(ctx, refQuery, ref, in.OperationID); err != nil {
			return fmt.Errorf("failed to attach operation output ref for %s: %w", in.OperationID, err)
		}
	}

	r.journalRecord("complete_operation", map[string]any{
		"operation_id": in.OperationID,
		"status":       string(in.Status),
	})
	return nil
}

// GetOperation fetches one operation, or nil when it does not exist.
func (r *Recorder) GetOperation(ctx context.Context, operationID string) (*Operation, error) {
	var op Operation
	query := r.db.Rebind(`SELECT * FROM operations WHERE operation_id = ?`)
	if err := r.db.GetContext(ctx, &op, query, operationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get operation %s: %w", operationID, err)
	}
	return &op, nil
}

// GetOperationCalls returns an operation's calls in index order.
func (r *Recorder) GetOperationCalls(ctx context.Context, operationID string) ([]Call, error) {
	var calls []Call
	query := r.db.Rebind(`SELECT * FROM calls WHERE operation_id = ? ORDER BY call_index`)
	if err := r.db.SelectContext(ctx, &calls, query, operationID); err != nil {
		return nil, fmt.Errorf("failed to get calls for operation %s: %w", operationID, err)
	}
	return calls, nil
}

// GetOperationsForRun returns a run's operations in start order.
func (r *Recorder) GetOperationsForRun(ctx context.Context, runID string) ([]Operation, error) {
	var ops []Operation
	query := r.db.Rebind(`SELECT * FROM operations WHERE run_id = ? ORDER BY started_at, operation_id`)
	if err := r.db.SelectContext(ctx, &ops, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get operations for run %s: %w", runID, err)
	}
	return ops, nil
}

// GetAllOperationCallsForRun returns every operation-parented call in a run
// in one query, ordered by operation then index. The exporter uses this
// instead of a per-operation loop.
func (r *Recorder) GetAllOperationCallsForRun(ctx context.Context, runID string) ([]Call, error) {
	var calls []Call
	query := r.db.Rebind(`
		SELECT c.* FROM calls c
		JOIN operations o ON c.operation_id = o.operation_id
		WHERE o.run_id = ?
		ORDER BY c.operation_id, c.call_index`)
	if err := r.db.SelectContext(ctx, &calls, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get operation calls for run %s: %w", runID, err)
	}
	return calls, nil
}

// FindCallByRequestHash locates a recorded call by the hash of its request,
// for replaying runs against recorded responses. When a run repeated the
// same request, sequenceIndex selects the Nth occurrence in recording order.
// The join runs through node_states because only state-parented calls belong
// to row processing.
func (r *Recorder) FindCallByRequestHash(ctx context.Context, runID string, callType contracts.CallType, requestHash string, sequenceIndex int) (*Call, error) {
	var call Call
	query := r.db.Rebind(`
		SELECT c.* FROM calls c
		JOIN node_states ns ON c.state_id = ns.state_id
		WHERE ns.run_id = ? AND c.call_type = ? AND c.request_hash = ?
		ORDER BY c.created_at, c.call_id
		LIMIT 1 OFFSET ?`)
	if err := r.db.GetContext(ctx, &call, query, runID, string(callType), requestHash, sequenceIndex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find call by request hash %s: %w", requestHash, err)
	}
	return &call, nil
}

// GetCallResponseData retrieves a call's recorded response from the payload
// store. Nil without error when the call is unknown, recorded no response,
// no store is attached, or the payload was purged.
func (r *Recorder) GetCallResponseData(ctx context.Context, callID string) (map[string]any, error) {
	var call Call
	query := r.db.Rebind(`SELECT * FROM calls WHERE call_id = ?`)
	if err := r.db.GetContext(ctx, &call, query, callID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call %s: %w", callID, err)
	}
	if call.ResponseRef == nil || r.payloads == nil {
		return nil, nil
	}

	data, err := r.payloads.Get(ctx, *call.ResponseRef)
	if err != nil {
		var notFound *payload.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read response payload for call %s: %w", callID, err)
	}

	var response map[string]any
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response payload for call %s: %w", callID, err)
	}
	return response, nil
}
