// Package engine executes pipelines: it walks tokens through the graph,
// drives plugins, and records every step to the Landscape before anything
// else observes it.
package engine

import (
	"context"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// StepResolver maps a node ID to its 1-indexed audit step position. Nil means
// the node has no pipeline position (unknown node).
type StepResolver func(nodeID string) *int

// TokenManager layers row-data handling over the recorder's token
// operations: children of forks and expansions get deep-copied rows so
// sibling branches cannot leak mutations into each other, and audit step
// positions are resolved from the acting node.
type TokenManager struct {
	recorder    *landscape.Recorder
	resolveStep StepResolver
}

// NewTokenManager builds a manager over the recorder. The resolver is
// normally Graph.StepIndex adapted to the StepResolver shape.
func NewTokenManager(recorder *landscape.Recorder, resolveStep StepResolver) *TokenManager {
	return &TokenManager{recorder: recorder, resolveStep: resolveStep}
}

// CreateInitialToken records a source row and its first token. The source
// row must carry a contract; sources set one on every valid row.
func (m *TokenManager) CreateInitialToken(ctx context.Context, runID, sourceNodeID string, rowIndex int, sourceRow contracts.SourceRow) (contracts.TokenInfo, error) {
	if sourceRow.Contract == nil {
		return contracts.TokenInfo{}, fmt.Errorf(
			"source row %d has no contract; sources must attach one to every valid row", rowIndex)
	}

	pipelineRow := contracts.NewPipelineRow(sourceRow.Row, sourceRow.Contract)

	row, err := m.recorder.CreateRow(ctx, landscape.CreateRowInput{
		RunID:        runID,
		SourceNodeID: sourceNodeID,
		RowIndex:     rowIndex,
		Data:         pipelineRow.Data(),
	})
	if err != nil {
		return contracts.TokenInfo{}, err
	}
	token, err := m.recorder.CreateToken(ctx, landscape.CreateTokenInput{RowID: row.RowID})
	if err != nil {
		return contracts.TokenInfo{}, err
	}

	return contracts.TokenInfo{
		TokenID: token.TokenID,
		RowID:   row.RowID,
		RowData: pipelineRow,
	}, nil
}

// CreateQuarantineToken records a row that failed source validation.
// Quarantined rows carry no contract; an empty OBSERVED one is attached so
// the audit trail stays uniform, and recording falls back to repr hashing
// for values canonical JSON cannot express.
func (m *TokenManager) CreateQuarantineToken(ctx context.Context, runID, sourceNodeID string, rowIndex int, sourceRow contracts.SourceRow) (contracts.TokenInfo, error) {
	if !sourceRow.Quarantined {
		return contracts.TokenInfo{}, contracts.NewFrameworkBug("token-quarantine",
			"CreateQuarantineToken called for non-quarantined row %d", rowIndex)
	}

	quarantineContract, err := contracts.NewContract(contracts.ModeObserved)
	if err != nil {
		return contracts.TokenInfo{}, err
	}
	pipelineRow := contracts.NewPipelineRow(sourceRow.Row, quarantineContract)

	row, err := m.recorder.CreateRow(ctx, landscape.CreateRowInput{
		RunID:        runID,
		SourceNodeID: sourceNodeID,
		RowIndex:     rowIndex,
		Data:         pipelineRow.Data(),
		Quarantined:  true,
	})
	if err != nil {
		return contracts.TokenInfo{}, err
	}
	token, err := m.recorder.CreateToken(ctx, landscape.CreateTokenInput{RowID: row.RowID})
	if err != nil {
		return contracts.TokenInfo{}, err
	}

	return contracts.TokenInfo{
		TokenID: token.TokenID,
		RowID:   row.RowID,
		RowData: pipelineRow,
	}, nil
}

// CreateTokenForExistingRow opens a fresh token for a row the original run
// already recorded. Resume uses this: rows survive the crash, tokens do not.
func (m *TokenManager) CreateTokenForExistingRow(ctx context.Context, rowID string, rowData *contracts.PipelineRow) (contracts.TokenInfo, error) {
	token, err := m.recorder.CreateToken(ctx, landscape.CreateTokenInput{RowID: rowID})
	if err != nil {
		return contracts.TokenInfo{}, err
	}
	return contracts.TokenInfo{
		TokenID: token.TokenID,
		RowID:   rowID,
		RowData: rowData,
	}, nil
}

// ForkToken splits a token onto the named branches. Children and the parent's
// FORKED outcome are written in one transaction. rowData overrides the
// parent's row when non-nil; every child receives its own deep copy so one
// branch cannot mutate what a sibling sees.
func (m *TokenManager) ForkToken(ctx context.Context, runID string, parent contracts.TokenInfo, branches []string, nodeID string, rowData *contracts.PipelineRow) ([]contracts.TokenInfo, string, error) {
	data := rowData
	if data == nil {
		data = parent.RowData
	}

	children, forkGroupID, err := m.recorder.ForkToken(ctx, landscape.ForkInput{
		RunID:          runID,
		ParentTokenID:  parent.TokenID,
		RowID:          parent.RowID,
		Branches:       branches,
		StepInPipeline: m.resolveStep(nodeID),
	})
	if err != nil {
		return nil, "", err
	}

	infos := make([]contracts.TokenInfo, 0, len(children))
	for _, child := range children {
		info := contracts.TokenInfo{
			RowID:   parent.RowID,
			TokenID: child.TokenID,
			RowData: contracts.NewPipelineRow(data.Data(), data.Contract()),
		}
		if child.BranchName != nil {
			info.BranchName = *child.BranchName
		}
		if child.ForkGroupID != nil {
			info.ForkGroupID = *child.ForkGroupID
		}
		infos = append(infos, info)
	}
	return infos, forkGroupID, nil
}

// CoalesceTokens merges the parent tokens into one. All parents share a
// row_id, so the merged token takes the first parent's. Parent COALESCED
// outcomes are the caller's to record after the merge succeeds.
func (m *TokenManager) CoalesceTokens(ctx context.Context, parents []contracts.TokenInfo, mergedData *contracts.PipelineRow, nodeID string) (contracts.TokenInfo, error) {
	if len(parents) == 0 {
		return contracts.TokenInfo{}, contracts.NewFrameworkBug("token-coalesce",
			"coalesce at node %s has no parent tokens", nodeID)
	}

	rowID := parents[0].RowID
	parentIDs := make([]string, len(parents))
	for i, p := range parents {
		parentIDs[i] = p.TokenID
	}

	merged, err := m.recorder.CoalesceTokens(ctx, parentIDs, rowID, m.resolveStep(nodeID))
	if err != nil {
		return contracts.TokenInfo{}, err
	}

	info := contracts.TokenInfo{
		RowID:   rowID,
		TokenID: merged.TokenID,
		RowData: mergedData,
	}
	if merged.JoinGroupID != nil {
		info.JoinGroupID = *merged.JoinGroupID
	}
	return info, nil
}

// ExpandToken creates one child per expanded row for a 1-to-N transform
// output. Unlike a fork, children continue down the same path. The output
// contract must be locked before any side effect is written; children are
// validated downstream against it, not against the parent's contract.
// recordParentOutcome is false for batch execution, where the parent closes
// CONSUMED_IN_BATCH instead of EXPANDED.
func (m *TokenManager) ExpandToken(ctx context.Context, runID string, parent contracts.TokenInfo, expandedRows []contracts.Row, outputContract *contracts.SchemaContract, nodeID string, recordParentOutcome bool) ([]contracts.TokenInfo, string, error) {
	if outputContract == nil || !outputContract.Locked() {
		return nil, "", contracts.NewFrameworkBug("token-expand",
			"output contract must be locked before token %s expands", parent.TokenID)
	}

	children, expandGroupID, err := m.recorder.ExpandToken(ctx, landscape.ExpandInput{
		RunID:             runID,
		ParentTokenID:     parent.TokenID,
		RowID:             parent.RowID,
		Count:             len(expandedRows),
		StepInPipeline:    m.resolveStep(nodeID),
		SkipParentOutcome: !recordParentOutcome,
	})
	if err != nil {
		return nil, "", err
	}

	infos := make([]contracts.TokenInfo, 0, len(children))
	for i, child := range children {
		info := contracts.TokenInfo{
			RowID:   parent.RowID,
			TokenID: child.TokenID,
			RowData: contracts.NewPipelineRow(expandedRows[i], outputContract),
			// Expanded children stay on the parent's branch.
			BranchName: parent.BranchName,
		}
		if child.ExpandGroupID != nil {
			info.ExpandGroupID = *child.ExpandGroupID
		}
		infos = append(infos, info)
	}
	return infos, expandGroupID, nil
}
