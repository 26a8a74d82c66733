package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/payload"
)

// RowDataState says why row payload data is or is not available. Callers get
// an explicit state instead of an ambiguous nil.
type RowDataState string

const (
	RowDataAvailable          RowDataState = "available"
	RowDataNeverStored        RowDataState = "never_stored"
	RowDataStoreNotConfigured RowDataState = "store_not_configured"
	RowDataPurged             RowDataState = "purged"
	RowDataRowNotFound        RowDataState = "row_not_found"
)

// RowDataResult carries row payload data plus the state explaining absence.
type RowDataResult struct {
	State RowDataState
	Data  contracts.Row
}

// GetRows returns a run's source rows ordered by row_index.
func (r *Recorder) GetRows(ctx context.Context, runID string) ([]SourceRow, error) {
	var rows []SourceRow
	query := r.db.Rebind(`SELECT * FROM rows WHERE run_id = ? ORDER BY row_index`)
	if err := r.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get rows for run %s: %w", runID, err)
	}
	return rows, nil
}

// GetRow returns a row by ID, or nil when not found.
func (r *Recorder) GetRow(ctx context.Context, rowID string) (*SourceRow, error) {
	var row SourceRow
	query := r.db.Rebind(`SELECT * FROM rows WHERE row_id = ?`)
	if err := r.db.GetContext(ctx, &row, query, rowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get row %s: %w", rowID, err)
	}
	return &row, nil
}

// GetRowData returns a row's source payload with an explicit availability
// state. A stored ref that decodes to anything but a JSON object means the
// payload store has been corrupted.
func (r *Recorder) GetRowData(ctx context.Context, rowID string) (RowDataResult, error) {
	row, err := r.GetRow(ctx, rowID)
	if err != nil {
		return RowDataResult{}, err
	}
	if row == nil {
		return RowDataResult{State: RowDataRowNotFound}, nil
	}
	if row.SourceDataRef == nil {
		return RowDataResult{State: RowDataNeverStored}, nil
	}
	if r.payloads == nil {
		return RowDataResult{State: RowDataStoreNotConfigured}, nil
	}

	data, err := r.payloads.Get(ctx, *row.SourceDataRef)
	if err != nil {
		var notFound *payload.NotFoundError
		if errors.As(err, &notFound) {
			return RowDataResult{State: RowDataPurged}, nil
		}
		return RowDataResult{}, fmt.Errorf("failed to read payload for row %s: %w", rowID, err)
	}
	decoded, err := decodeRowPayload(rowID, *row.SourceDataRef, data)
	if err != nil {
		return RowDataResult{}, err
	}
	return RowDataResult{State: RowDataAvailable, Data: decoded}, nil
}

func decodeRowPayload(rowID, ref string, data []byte) (contracts.Row, error) {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, &contracts.DataIntegrityError{
			Message: fmt.Sprintf("corrupt payload for row %s (ref=%s): %v", rowID, ref, err),
		}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &contracts.DataIntegrityError{
			Message:  fmt.Sprintf("corrupt payload for row %s (ref=%s)", rowID, ref),
			Expected: "JSON object",
			Actual:   fmt.Sprintf("%T", decoded),
		}
	}
	return contracts.Row(obj), nil
}

// GetTokens returns a row's tokens ordered by created_at then token_id, so
// export signatures are deterministic.
func (r *Recorder) GetTokens(ctx context.Context, rowID string) ([]Token, error) {
	var tokens []Token
	query := r.db.Rebind(`
		SELECT * FROM tokens WHERE row_id = ?
		ORDER BY created_at, token_id`)
	if err := r.db.SelectContext(ctx, &tokens, query, rowID); err != nil {
		return nil, fmt.Errorf("failed to get tokens for row %s: %w", rowID, err)
	}
	return tokens, nil
}

// GetNodeStatesForToken returns a token's node states ordered by
// (step_index, attempt) so retries stay in execution order.
func (r *Recorder) GetNodeStatesForToken(ctx context.Context, tokenID string) ([]NodeState, error) {
	var states []NodeState
	query := r.db.Rebind(`
		SELECT * FROM node_states WHERE token_id = ?
		ORDER BY step_index, attempt`)
	if err := r.db.SelectContext(ctx, &states, query, tokenID); err != nil {
		return nil, fmt.Errorf("failed to get node states for token %s: %w", tokenID, err)
	}
	return states, nil
}

// GetTokenParents returns a token's parent links ordered by ordinal.
func (r *Recorder) GetTokenParents(ctx context.Context, tokenID string) ([]TokenParent, error) {
	var parents []TokenParent
	query := r.db.Rebind(`SELECT * FROM token_parents WHERE token_id = ? ORDER BY ordinal`)
	if err := r.db.SelectContext(ctx, &parents, query, tokenID); err != nil {
		return nil, fmt.Errorf("failed to get parents for token %s: %w", tokenID, err)
	}
	return parents, nil
}

// GetRoutingEvents returns a state's routing events ordered by ordinal then
// event_id.
func (r *Recorder) GetRoutingEvents(ctx context.Context, stateID string) ([]RoutingEvent, error) {
	var events []RoutingEvent
	query := r.db.Rebind(`
		SELECT * FROM routing_events WHERE state_id = ?
		ORDER BY ordinal, event_id`)
	if err := r.db.SelectContext(ctx, &events, query, stateID); err != nil {
		return nil, fmt.Errorf("failed to get routing events for state %s: %w", stateID, err)
	}
	return events, nil
}

// GetCalls returns a state's external calls ordered by call_index.
func (r *Recorder) GetCalls(ctx context.Context, stateID string) ([]Call, error) {
	var calls []Call
	query := r.db.Rebind(`SELECT * FROM calls WHERE state_id = ? ORDER BY call_index`)
	if err := r.db.SelectContext(ctx, &calls, query, stateID); err != nil {
		return nil, fmt.Errorf("failed to get calls for state %s: %w", stateID, err)
	}
	return calls, nil
}

// GetRoutingEventsForStates fetches routing events for a state set in one
// query, ordered by execution order (step_index, attempt, ordinal, event_id).
func (r *Recorder) GetRoutingEventsForStates(ctx context.Context, stateIDs []string) ([]RoutingEvent, error) {
	if len(stateIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT e.* FROM routing_events e
		JOIN node_states s ON e.state_id = s.state_id
		WHERE e.state_id IN (?)
		ORDER BY s.step_index, s.attempt, e.ordinal, e.event_id`, stateIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build routing events query: %w", err)
	}
	var events []RoutingEvent
	if err := r.db.SelectContext(ctx, &events, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get routing events for states: %w", err)
	}
	return events, nil
}

// GetCallsForStates fetches calls for a state set in one query, ordered by
// execution order (step_index, attempt, call_index).
func (r *Recorder) GetCallsForStates(ctx context.Context, stateIDs []string) ([]Call, error) {
	if len(stateIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT c.* FROM calls c
		JOIN node_states s ON c.state_id = s.state_id
		WHERE c.state_id IN (?)
		ORDER BY s.step_index, s.attempt, c.call_index`, stateIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build calls query: %w", err)
	}
	var calls []Call
	if err := r.db.SelectContext(ctx, &calls, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get calls for states: %w", err)
	}
	return calls, nil
}

// GetAllTokensForRun returns every token in a run, ordered by row then
// creation. One query instead of one per row.
func (r *Recorder) GetAllTokensForRun(ctx context.Context, runID string) ([]Token, error) {
	var tokens []Token
	query := r.db.Rebind(`
		SELECT t.* FROM tokens t
		JOIN rows r ON t.row_id = r.row_id
		WHERE r.run_id = ?
		ORDER BY t.row_id, t.created_at, t.token_id`)
	if err := r.db.SelectContext(ctx, &tokens, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get tokens for run %s: %w", runID, err)
	}
	return tokens, nil
}

// GetAllNodeStatesForRun returns every node state in a run, ordered by
// (token_id, step_index, attempt).
func (r *Recorder) GetAllNodeStatesForRun(ctx context.Context, runID string) ([]NodeState, error) {
	var states []NodeState
	query := r.db.Rebind(`
		SELECT * FROM node_states WHERE run_id = ?
		ORDER BY token_id, step_index, attempt`)
	if err := r.db.SelectContext(ctx, &states, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get node states for run %s: %w", runID, err)
	}
	return states, nil
}

// GetAllRoutingEventsForRun returns every routing event in a run, ordered by
// execution order.
func (r *Recorder) GetAllRoutingEventsForRun(ctx context.Context, runID string) ([]RoutingEvent, error) {
	var events []RoutingEvent
	query := r.db.Rebind(`
		SELECT e.* FROM routing_events e
		JOIN node_states s ON e.state_id = s.state_id
		WHERE s.run_id = ?
		ORDER BY s.step_index, s.attempt, e.ordinal, e.event_id`)
	if err := r.db.SelectContext(ctx, &events, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get routing events for run %s: %w", runID, err)
	}
	return events, nil
}

// GetAllCallsForRun returns every state-parented call in a run, ordered by
// execution order. Operation-parented calls come from
// GetAllOperationCallsForRun.
func (r *Recorder) GetAllCallsForRun(ctx context.Context, runID string) ([]Call, error) {
	var calls []Call
	query := r.db.Rebind(`
		SELECT c.* FROM calls c
		JOIN node_states s ON c.state_id = s.state_id
		WHERE s.run_id = ?
		ORDER BY s.step_index, s.attempt, c.call_index`)
	if err := r.db.SelectContext(ctx, &calls, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get calls for run %s: %w", runID, err)
	}
	return calls, nil
}

// GetAllTokenParentsForRun returns every token parent link in a run, ordered
// by (token_id, ordinal).
func (r *Recorder) GetAllTokenParentsForRun(ctx context.Context, runID string) ([]TokenParent, error) {
	var parents []TokenParent
	query := r.db.Rebind(`
		SELECT p.* FROM token_parents p
		JOIN tokens t ON p.token_id = t.token_id
		JOIN rows r ON t.row_id = r.row_id
		WHERE r.run_id = ?
		ORDER BY p.token_id, p.ordinal`)
	if err := r.db.SelectContext(ctx, &parents, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get token parents for run %s: %w", runID, err)
	}
	return parents, nil
}

// ExplainRow returns lineage for a row, degrading gracefully when the payload
// was purged: the hash survives even when the data does not. Returns nil when
// the row does not exist or belongs to a different run.
func (r *Recorder) ExplainRow(ctx context.Context, runID, rowID string) (*RowLineage, error) {
	row, err := r.GetRow(ctx, rowID)
	if err != nil {
		return nil, err
	}
	if row == nil || row.RunID != runID {
		return nil, nil
	}

	lineage := &RowLineage{
		RowID:          row.RowID,
		RunID:          row.RunID,
		SourceNodeID:   row.SourceNodeID,
		RowIndex:       row.RowIndex,
		SourceDataHash: row.SourceDataHash,
		CreatedAt:      row.CreatedAt,
	}
	if row.SourceDataRef == nil || r.payloads == nil {
		return lineage, nil
	}

	data, err := r.payloads.Get(ctx, *row.SourceDataRef)
	if err != nil {
		var notFound *payload.NotFoundError
		if errors.As(err, &notFound) {
			// Purged by retention policy. Expected; lineage keeps the hash.
			return lineage, nil
		}
		return nil, fmt.Errorf("failed to read payload for row %s: %w", rowID, err)
	}
	decoded, err := decodeRowPayload(rowID, *row.SourceDataRef, data)
	if err != nil {
		return nil, err
	}
	lineage.SourceData = decoded
	lineage.PayloadAvailable = true
	return lineage, nil
}

// GetUnprocessedRows returns rows a resumed run still has to deal with: rows
// with no tokens at all, or with at least one token lacking a terminal
// outcome. Ordered by row_index so resume replays in source order.
func (r *Recorder) GetUnprocessedRows(ctx context.Context, runID string) ([]SourceRow, error) {
	var rows []SourceRow
	query := r.db.Rebind(`
		SELECT r.* FROM rows r
		WHERE r.run_id = ?
		AND (
			NOT EXISTS (SELECT 1 FROM tokens t WHERE t.row_id = r.row_id)
			OR EXISTS (
				SELECT 1 FROM tokens t
				WHERE t.row_id = r.row_id
				AND NOT EXISTS (
					SELECT 1 FROM token_outcomes o
					WHERE o.token_id = t.token_id AND o.is_terminal = 1
				)
			)
		)
		ORDER BY r.row_index`)
	if err := r.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get unprocessed rows for run %s: %w", runID, err)
	}
	return rows, nil
}
