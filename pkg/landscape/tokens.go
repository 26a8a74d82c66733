package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// CreateRowInput describes one source row at load time.
type CreateRowInput struct {
	// RowID is generated when empty.
	RowID        string
	RunID        string
	SourceNodeID string
	RowIndex     int
	Data         contracts.Row

	// Quarantined marks external data that failed validation and may hold
	// values canonical JSON cannot express. Hashing and payload capture
	// fall back to a repr form instead of failing the audit write.
	Quarantined bool
}

// CreateRow records a source row: its position, content hash, and, when a
// payload store is attached, the canonical bytes themselves.
func (r *Recorder) CreateRow(ctx context.Context, in CreateRowInput) (*SourceRow, error) {
	dataHash, err := canonical.StableHash(map[string]any(in.Data))
	if err != nil {
		if !in.Quarantined {
			return nil, fmt.Errorf("failed to hash row %d: %w", in.RowIndex, err)
		}
		dataHash = canonical.ReprHash(map[string]any(in.Data))
	}

	row := &SourceRow{
		RowID:          in.RowID,
		RunID:          in.RunID,
		SourceNodeID:   in.SourceNodeID,
		RowIndex:       in.RowIndex,
		SourceDataHash: dataHash,
		CreatedAt:      now(),
	}
	if row.RowID == "" {
		row.RowID = newID()
	}

	if r.payloads != nil {
		payload, err := canonical.Marshal(map[string]any(in.Data))
		if err != nil {
			if !in.Quarantined {
				return nil, fmt.Errorf("failed to serialize row %d payload: %w", in.RowIndex, err)
			}
			payload, err = json.Marshal(map[string]any{"_repr": fmt.Sprintf("%v", map[string]any(in.Data))})
			if err != nil {
				return nil, fmt.Errorf("failed to serialize quarantined row %d payload: %w", in.RowIndex, err)
			}
		}
		ref, err := r.payloads.Put(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to store row %d payload: %w", in.RowIndex, err)
		}
		row.SourceDataRef = &ref
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO rows (row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at)
		VALUES (:row_id, :run_id, :source_node_id, :row_index, :source_data_hash, :source_data_ref, :created_at)`, row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert row %d: %w", in.RowIndex, err)
	}
	return row, nil
}

// CreateTokenInput describes a token. Group and branch fields are only set
// when the caller creates the token manually instead of via ForkToken,
// CoalesceTokens, or ExpandToken.
type CreateTokenInput struct {
	// TokenID is generated when empty.
	TokenID     string
	RowID       string
	BranchName  string
	ForkGroupID string
	JoinGroupID string
}

// CreateToken records a new token for a row.
func (r *Recorder) CreateToken(ctx context.Context, in CreateTokenInput) (*Token, error) {
	token := &Token{
		TokenID:   in.TokenID,
		RowID:     in.RowID,
		CreatedAt: now(),
	}
	if token.TokenID == "" {
		token.TokenID = newID()
	}
	if in.BranchName != "" {
		token.BranchName = &in.BranchName
	}
	if in.ForkGroupID != "" {
		token.ForkGroupID = &in.ForkGroupID
	}
	if in.JoinGroupID != "" {
		token.JoinGroupID = &in.JoinGroupID
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO tokens (token_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at)
		VALUES (:token_id, :row_id, :fork_group_id, :join_group_id, :expand_group_id, :branch_name, :step_in_pipeline, :created_at)`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to insert token for row %s: %w", in.RowID, err)
	}
	return token, nil
}

// GetToken fetches a token, or nil when it does not exist.
func (r *Recorder) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	var token Token
	query := r.db.Rebind(`SELECT * FROM tokens WHERE token_id = ?`)
	if err := r.db.GetContext(ctx, &token, query, tokenID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token %s: %w", tokenID, err)
	}
	return &token, nil
}

// ForkInput describes a fork: one parent splitting onto named branches.
type ForkInput struct {
	RunID          string
	ParentTokenID  string
	RowID          string
	Branches       []string
	StepInPipeline *int
}

// ForkToken creates one child token per branch and closes the parent with a
// FORKED outcome, all in one transaction. A crash can therefore never leave
// children without the parent outcome that explains them. The expected
// branch list is stored with the outcome for recovery validation.
func (r *Recorder) ForkToken(ctx context.Context, in ForkInput) ([]Token, string, error) {
	if len(in.Branches) == 0 {
		return nil, "", contracts.NewFrameworkBug("token-fork",
			"fork of token %s requires at least one branch", in.ParentTokenID)
	}

	forkGroupID := newID()
	children := make([]Token, 0, len(in.Branches))

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin fork transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for ordinal, branch := range in.Branches {
		branchName := branch
		child := Token{
			TokenID:        newID(),
			RowID:          in.RowID,
			ForkGroupID:    &forkGroupID,
			BranchName:     &branchName,
			StepInPipeline: in.StepInPipeline,
			CreatedAt:      now(),
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO tokens (token_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at)
			VALUES (:token_id, :row_id, :fork_group_id, :join_group_id, :expand_group_id, :branch_name, :step_in_pipeline, :created_at)`, &child); err != nil {
			return nil, "", fmt.Errorf("failed to insert fork child for branch %s: %w", branch, err)
		}

		parent := TokenParent{TokenID: child.TokenID, ParentTokenID: in.ParentTokenID, Ordinal: ordinal}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO token_parents (token_id, parent_token_id, ordinal)
			VALUES (:token_id, :parent_token_id, :ordinal)`, &parent); err != nil {
			return nil, "", fmt.Errorf("failed to link fork child to parent %s: %w", in.ParentTokenID, err)
		}
		children = append(children, child)
	}

	expectedBranches, err := json.Marshal(in.Branches)
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize fork branches: %w", err)
	}
	if err := insertOutcome(ctx, tx, &TokenOutcomeRecord{
		OutcomeID:            newOutcomeID(),
		RunID:                in.RunID,
		TokenID:              in.ParentTokenID,
		Outcome:              string(contracts.RowForked),
		IsTerminal:           1,
		RecordedAt:           now(),
		ForkGroupID:          &forkGroupID,
		ExpectedBranchesJSON: strPtr(string(expectedBranches)),
	}); err != nil {
		return nil, "", fmt.Errorf("failed to record fork outcome for token %s: %w", in.ParentTokenID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("failed to commit fork: %w", err)
	}
	return children, forkGroupID, nil
}

// CoalesceTokens creates the merged token for a join and links every parent
// in arrival order. Parent outcomes are not recorded here: the caller closes
// each parent as COALESCED only after the merge succeeds.
func (r *Recorder) CoalesceTokens(ctx context.Context, parentTokenIDs []string, rowID string, stepInPipeline *int) (*Token, error) {
	if len(parentTokenIDs) == 0 {
		return nil, contracts.NewFrameworkBug("token-coalesce",
			"coalesce for row %s requires at least one parent token", rowID)
	}

	joinGroupID := newID()
	merged := &Token{
		TokenID:        newID(),
		RowID:          rowID,
		JoinGroupID:    &joinGroupID,
		StepInPipeline: stepInPipeline,
		CreatedAt:      now(),
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin coalesce transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO tokens (token_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at)
		VALUES (:token_id, :row_id, :fork_group_id, :join_group_id, :expand_group_id, :branch_name, :step_in_pipeline, :created_at)`, merged); err != nil {
		return nil, fmt.Errorf("failed to insert coalesced token: %w", err)
	}
	for ordinal, parentID := range parentTokenIDs {
		parent := TokenParent{TokenID: merged.TokenID, ParentTokenID: parentID, Ordinal: ordinal}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO token_parents (token_id, parent_token_id, ordinal)
			VALUES (:token_id, :parent_token_id, :ordinal)`, &parent); err != nil {
			return nil, fmt.Errorf("failed to link coalesced token to parent %s: %w", parentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit coalesce: %w", err)
	}
	return merged, nil
}

// ExpandInput describes a deaggregation: one parent becoming count children.
type ExpandInput struct {
	RunID          string
	ParentTokenID  string
	RowID          string
	Count          int
	StepInPipeline *int

	// SkipParentOutcome suppresses the EXPANDED outcome on the parent.
	// Batch execution sets this: the parent is closed CONSUMED_IN_BATCH
	// by the batch path instead.
	SkipParentOutcome bool
}

// ExpandToken creates count child tokens sharing the parent's row and, unless
// suppressed, closes the parent with an EXPANDED outcome in the same
// transaction. The expected count is stored for recovery validation.
func (r *Recorder) ExpandToken(ctx context.Context, in ExpandInput) ([]Token, string, error) {
	if in.Count < 1 {
		return nil, "", contracts.NewFrameworkBug("token-expand",
			"expansion of token %s requires at least one child, got %d", in.ParentTokenID, in.Count)
	}

	expandGroupID := newID()
	children := make([]Token, 0, in.Count)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin expand transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for ordinal := 0; ordinal < in.Count; ordinal++ {
		child := Token{
			TokenID:        newID(),
			RowID:          in.RowID,
			ExpandGroupID:  &expandGroupID,
			StepInPipeline: in.StepInPipeline,
			CreatedAt:      now(),
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO tokens (token_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at)
			VALUES (:token_id, :row_id, :fork_group_id, :join_group_id, :expand_group_id, :branch_name, :step_in_pipeline, :created_at)`, &child); err != nil {
			return nil, "", fmt.Errorf("failed to insert expand child %d: %w", ordinal, err)
		}

		parent := TokenParent{TokenID: child.TokenID, ParentTokenID: in.ParentTokenID, Ordinal: ordinal}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO token_parents (token_id, parent_token_id, ordinal)
			VALUES (:token_id, :parent_token_id, :ordinal)`, &parent); err != nil {
			return nil, "", fmt.Errorf("failed to link expand child to parent %s: %w", in.ParentTokenID, err)
		}
		children = append(children, child)
	}

	if !in.SkipParentOutcome {
		expectedCount, err := json.Marshal(map[string]any{"count": in.Count})
		if err != nil {
			return nil, "", fmt.Errorf("failed to serialize expand count: %w", err)
		}
		if err := insertOutcome(ctx, tx, &TokenOutcomeRecord{
			OutcomeID:            newOutcomeID(),
			RunID:                in.RunID,
			TokenID:              in.ParentTokenID,
			Outcome:              string(contracts.RowExpanded),
			IsTerminal:           1,
			RecordedAt:           now(),
			ExpandGroupID:        &expandGroupID,
			ExpectedBranchesJSON: strPtr(string(expectedCount)),
		}); err != nil {
			return nil, "", fmt.Errorf("failed to record expand outcome for token %s: %w", in.ParentTokenID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("failed to commit expand: %w", err)
	}
	return children, expandGroupID, nil
}

// TokenOutcomeInput is one outcome event for a token. Required fields vary
// by outcome; RecordTokenOutcome rejects incomplete inputs.
type TokenOutcomeInput struct {
	RunID         string
	TokenID       string
	Outcome       contracts.RowOutcome
	SinkName      string
	BatchID       string
	ForkGroupID   string
	JoinGroupID   string
	ExpandGroupID string
	ErrorHash     string
	Context       map[string]any
}

func validateOutcomeFields(in TokenOutcomeInput) error {
	missing := func(field string) error {
		return contracts.NewFrameworkBug("token-outcome",
			"%s outcome for token %s requires %s", in.Outcome, in.TokenID, field)
	}
	switch in.Outcome {
	case contracts.RowCompleted, contracts.RowRouted:
		if in.SinkName == "" {
			return missing("sink_name")
		}
	case contracts.RowForked:
		if in.ForkGroupID == "" {
			return missing("fork_group_id")
		}
	case contracts.RowFailed, contracts.RowQuarantined:
		if in.ErrorHash == "" {
			return missing("error_hash")
		}
	case contracts.RowConsumedInBatch, contracts.RowBuffered:
		if in.BatchID == "" {
			return missing("batch_id")
		}
	case contracts.RowCoalesced:
		if in.JoinGroupID == "" {
			return missing("join_group_id")
		}
	case contracts.RowExpanded:
		if in.ExpandGroupID == "" {
			return missing("expand_group_id")
		}
	}
	return nil
}

// RecordTokenOutcome stores a token's disposition. BUFFERED is the one
// non-terminal outcome: a second, terminal record follows when the batch
// flushes. The partial unique index rejects a second terminal record, so a
// double-completion bug surfaces as a constraint error instead of silently
// rewriting history.
func (r *Recorder) RecordTokenOutcome(ctx context.Context, in TokenOutcomeInput) (string, error) {
	if err := validateOutcomeFields(in); err != nil {
		return "", err
	}

	rec := &TokenOutcomeRecord{
		OutcomeID:  newOutcomeID(),
		RunID:      in.RunID,
		TokenID:    in.TokenID,
		Outcome:    string(in.Outcome),
		RecordedAt: now(),
	}
	if in.Outcome != contracts.RowBuffered {
		rec.IsTerminal = 1
	}
	if in.SinkName != "" {
		rec.SinkName = &in.SinkName
	}
	if in.BatchID != "" {
		rec.BatchID = &in.BatchID
	}
	if in.ForkGroupID != "" {
		rec.ForkGroupID = &in.ForkGroupID
	}
	if in.JoinGroupID != "" {
		rec.JoinGroupID = &in.JoinGroupID
	}
	if in.ExpandGroupID != "" {
		rec.ExpandGroupID = &in.ExpandGroupID
	}
	if in.ErrorHash != "" {
		rec.ErrorHash = &in.ErrorHash
	}
	if in.Context != nil {
		contextJSON, err := canonical.Marshal(in.Context)
		if err != nil {
			return "", fmt.Errorf("failed to canonicalize outcome context for token %s: %w", in.TokenID, err)
		}
		rec.ContextJSON = strPtr(string(contextJSON))
	}

	if err := insertOutcome(ctx, r.db, rec); err != nil {
		return "", fmt.Errorf("failed to record %s outcome for token %s: %w", in.Outcome, in.TokenID, err)
	}

	r.journalRecord("token_outcome", map[string]any{
		"run_id":   in.RunID,
		"token_id": in.TokenID,
		"outcome":  string(in.Outcome),
	})
	return rec.OutcomeID, nil
}

// insertOutcome writes one token_outcomes record through either the pool or
// an open transaction.
func insertOutcome(ctx context.Context, execer namedExecer, rec *TokenOutcomeRecord) error {
	_, err := execer.NamedExecContext(ctx, `
		INSERT INTO token_outcomes (
			outcome_id, run_id, token_id, outcome, is_terminal, recorded_at,
			sink_name, batch_id, fork_group_id, join_group_id, expand_group_id,
			error_hash, context_json, expected_branches_json
		) VALUES (
			:outcome_id, :run_id, :token_id, :outcome, :is_terminal, :recorded_at,
			:sink_name, :batch_id, :fork_group_id, :join_group_id, :expand_group_id,
			:error_hash, :context_json, :expected_branches_json
		)`, rec)
	return err
}

type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

// GetTokenOutcome returns a token's outcome, preferring the terminal record
// over a BUFFERED one. Nil when the token has no outcome yet.
func (r *Recorder) GetTokenOutcome(ctx context.Context, tokenID string) (*TokenOutcomeRecord, error) {
	var rec TokenOutcomeRecord
	query := r.db.Rebind(`
		SELECT * FROM token_outcomes WHERE token_id = ?
		ORDER BY is_terminal DESC, recorded_at DESC LIMIT 1`)
	if err := r.db.GetContext(ctx, &rec, query, tokenID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get outcome for token %s: %w", tokenID, err)
	}
	return &rec, nil
}

// GetTokenOutcomesForRow returns every outcome across all of a row's tokens
// in one joined query, ordered by recording time.
func (r *Recorder) GetTokenOutcomesForRow(ctx context.Context, runID, rowID string) ([]TokenOutcomeRecord, error) {
	var recs []TokenOutcomeRecord
	query := r.db.Rebind(`
		SELECT o.* FROM token_outcomes o
		JOIN tokens t ON o.token_id = t.token_id
		WHERE t.row_id = ? AND o.run_id = ?
		ORDER BY o.recorded_at, o.outcome_id`)
	if err := r.db.SelectContext(ctx, &recs, query, rowID, runID); err != nil {
		return nil, fmt.Errorf("failed to get outcomes for row %s: %w", rowID, err)
	}
	return recs, nil
}

func strPtr(s string) *string { return &s }
