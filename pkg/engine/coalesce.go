package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// CoalesceOutcome is the result of offering a token to a coalesce point.
//
// Held means the token is parked waiting for siblings. Otherwise either
// MergedToken carries the merge result, or FailureReason says why the group
// failed. OutcomesRecorded reports whether the executor already wrote
// terminal outcomes for ConsumedTokens; when true the caller must not record
// them again.
type CoalesceOutcome struct {
	Held             bool
	MergedToken      *contracts.TokenInfo
	ConsumedTokens   []contracts.TokenInfo
	Metadata         map[string]any
	FailureReason    string
	CoalesceName     string
	OutcomesRecorded bool
}

// pendingCoalesce tracks one row's tokens waiting at a coalesce point.
type pendingCoalesce struct {
	arrived      map[string]contracts.TokenInfo
	arrivalTimes map[string]time.Time
	order        []string // branch names in arrival order
	firstArrival time.Time
	stateIDs     map[string]string // branch name -> open node state
}

type coalesceKey struct {
	nodeID string
	rowID  string
}

// maxCompletedCoalesceKeys bounds late-arrival detection memory. Evicted
// keys make a late arrival look like a fresh group, which then times out or
// flushes; that beats unbounded growth on long runs.
const maxCompletedCoalesceKeys = 10000

// CoalesceExecutor is the barrier where forked branches rejoin. Tokens
// correlate by row_id; each group merges, fails, or times out exactly once,
// and every held token has an open node state so lineage queries can see it
// waiting.
type CoalesceExecutor struct {
	recorder *landscape.Recorder
	dag      *graph.Graph
	tokens   *TokenManager
	runID    string

	// now is replaced in tests.
	now func() time.Time

	pending        map[coalesceKey]*pendingCoalesce
	completedKeys  map[coalesceKey]struct{}
	completedOrder []coalesceKey

	// lost records branches that terminated before reaching the coalesce
	// (failed, quarantined, or error-routed), keyed like pending. A loss can
	// land before any sibling arrives, so it is tracked independently.
	lost map[coalesceKey]map[string]string
}

// NewCoalesceExecutor builds an executor over the graph's coalesce nodes.
func NewCoalesceExecutor(recorder *landscape.Recorder, dag *graph.Graph, tokens *TokenManager, runID string) *CoalesceExecutor {
	return &CoalesceExecutor{
		recorder:      recorder,
		dag:           dag,
		tokens:        tokens,
		runID:         runID,
		now:           time.Now,
		pending:       make(map[coalesceKey]*pendingCoalesce),
		completedKeys: make(map[coalesceKey]struct{}),
		lost:          make(map[coalesceKey]map[string]string),
	}
}

// Accept offers a token to the coalesce node. The token is held, merged with
// its siblings, or rejected as a late arrival after its group already
// resolved.
func (e *CoalesceExecutor) Accept(ctx context.Context, nodeID string, token contracts.TokenInfo) (CoalesceOutcome, error) {
	spec, ok := e.dag.Coalesce(nodeID)
	if !ok {
		return CoalesceOutcome{}, contracts.NewFrameworkBug("coalesce-node",
			"token %s routed to %s, which is not a coalesce node", token.TokenID, nodeID)
	}
	if token.BranchName == "" {
		return CoalesceOutcome{}, fmt.Errorf(
			"token %s has no branch name; only forked tokens can reach coalesce %q", token.TokenID, spec.Name)
	}
	if _, expected := spec.Branches[token.BranchName]; !expected {
		return CoalesceOutcome{}, fmt.Errorf(
			"token branch %q is not one of coalesce %q branches %v",
			token.BranchName, spec.Name, spec.ExpectedBranches())
	}

	key := coalesceKey{nodeID: nodeID, rowID: token.RowID}
	arrivedAt := e.now()

	if _, done := e.completedKeys[key]; done {
		return e.rejectLateArrival(ctx, spec, nodeID, token)
	}

	pending, exists := e.pending[key]
	if !exists {
		pending = &pendingCoalesce{
			arrived:      make(map[string]contracts.TokenInfo),
			arrivalTimes: make(map[string]time.Time),
			firstArrival: arrivedAt,
			stateIDs:     make(map[string]string),
		}
		e.pending[key] = pending
	}

	if existing, dup := pending.arrived[token.BranchName]; dup {
		return CoalesceOutcome{}, contracts.NewFrameworkBug("coalesce-duplicate",
			"branch %q arrived twice at coalesce %q: token %s was already held when token %s arrived; fork, retry, or resume produced two tokens for one branch",
			token.BranchName, spec.Name, existing.TokenID, token.TokenID)
	}

	pending.arrived[token.BranchName] = token
	pending.arrivalTimes[token.BranchName] = arrivedAt
	pending.order = append(pending.order, token.BranchName)

	state, err := e.recorder.BeginNodeState(ctx, landscape.BeginNodeStateInput{
		TokenID:   token.TokenID,
		RunID:     e.runID,
		NodeID:    nodeID,
		StepIndex: e.dag.StepIndex(nodeID),
		InputData: token.RowData.Data(),
	})
	if err != nil {
		return CoalesceOutcome{}, err
	}
	pending.stateIDs[token.BranchName] = state.StateID

	merge, err := shouldMerge(spec, pending)
	if err != nil {
		return CoalesceOutcome{}, err
	}
	if merge {
		return e.executeMerge(ctx, spec, nodeID, key, pending)
	}

	// A sibling may already be known lost; that can settle the group now
	// instead of leaving it to time out.
	resolved, err := e.resolveWithLosses(ctx, spec, nodeID, key, pending)
	if err != nil {
		return CoalesceOutcome{}, err
	}
	if resolved != nil {
		return *resolved, nil
	}
	return CoalesceOutcome{Held: true, CoalesceName: spec.Name}, nil
}

// NotifyLostBranch tells the coalesce consuming lostBranch that the branch's
// token for rowID terminated upstream and will never arrive. Under
// require_all the held siblings fail immediately; under quorum they fail
// once the surviving branches cannot reach the count; under best_effort the
// group merges once every surviving branch has arrived. Returns nil when the
// loss resolves nothing yet.
func (e *CoalesceExecutor) NotifyLostBranch(ctx context.Context, rowID, lostBranch, reason string) (*CoalesceOutcome, error) {
	nodeID, ok := e.dag.CoalesceForBranch(lostBranch)
	if !ok {
		return nil, nil
	}
	spec, ok := e.dag.Coalesce(nodeID)
	if !ok {
		return nil, contracts.NewFrameworkBug("coalesce-node",
			"branch %q maps to %s, which is not a coalesce node", lostBranch, nodeID)
	}

	key := coalesceKey{nodeID: nodeID, rowID: rowID}
	if _, done := e.completedKeys[key]; done {
		return nil, nil
	}

	losses := e.lost[key]
	if losses == nil {
		losses = make(map[string]string)
		e.lost[key] = losses
	}
	losses[lostBranch] = reason

	pending := e.pending[key]
	if pending == nil || len(pending.arrived) == 0 {
		// Nothing is held yet. The loss is remembered and applied when a
		// sibling arrives; if none ever does there is nothing to resolve.
		return nil, nil
	}
	return e.resolveWithLosses(ctx, spec, nodeID, key, pending)
}

// resolveWithLosses settles a held group against its recorded branch losses.
// A nil outcome means the group keeps waiting.
func (e *CoalesceExecutor) resolveWithLosses(ctx context.Context, spec graph.CoalesceSpec, nodeID string, key coalesceKey, pending *pendingCoalesce) (*CoalesceOutcome, error) {
	losses := e.lost[key]
	if len(losses) == 0 {
		return nil, nil
	}
	surviving := len(spec.Branches) - len(losses)

	lostBranches := make(map[string]any, len(losses))
	for branch, why := range losses {
		lostBranches[branch] = why
	}

	switch spec.Policy {
	case contracts.PolicyRequireAll:
		metadata := map[string]any{
			"policy":            string(spec.Policy),
			"expected_branches": spec.ExpectedBranches(),
			"branches_arrived":  branchesArrived(pending),
			"lost_branches":     lostBranches,
		}
		outcome, err := e.failPending(ctx, spec, key, pending, "branch_lost", metadata, nil)
		if err != nil {
			return nil, err
		}
		return &outcome, nil

	case contracts.PolicyQuorum:
		if spec.QuorumCount == nil {
			return nil, contracts.NewFrameworkBug("coalesce-quorum",
				"coalesce %q has quorum policy but no quorum_count; config validation must reject this", spec.Name)
		}
		if surviving < *spec.QuorumCount {
			metadata := map[string]any{
				"policy":           string(spec.Policy),
				"quorum_required":  *spec.QuorumCount,
				"branches_arrived": branchesArrived(pending),
				"lost_branches":    lostBranches,
			}
			outcome, err := e.failPending(ctx, spec, key, pending, "quorum_unreachable", metadata, nil)
			if err != nil {
				return nil, err
			}
			return &outcome, nil
		}
		return nil, nil

	case contracts.PolicyBestEffort:
		if len(pending.arrived) > 0 && len(pending.arrived) >= surviving {
			outcome, err := e.executeMerge(ctx, spec, nodeID, key, pending)
			if err != nil {
				return nil, err
			}
			return &outcome, nil
		}
		return nil, nil

	default: // first merges on arrival; a loss changes nothing
		return nil, nil
	}
}

// rejectLateArrival fails a token whose siblings already merged or failed.
// The caller records the token's FAILED outcome.
func (e *CoalesceExecutor) rejectLateArrival(ctx context.Context, spec graph.CoalesceSpec, nodeID string, token contracts.TokenInfo) (CoalesceOutcome, error) {
	state, err := e.recorder.BeginNodeState(ctx, landscape.BeginNodeStateInput{
		TokenID:   token.TokenID,
		RunID:     e.runID,
		NodeID:    nodeID,
		StepIndex: e.dag.StepIndex(nodeID),
		InputData: token.RowData.Data(),
	})
	if err != nil {
		return CoalesceOutcome{}, err
	}
	if err := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
		StateID: state.StateID,
		Status:  contracts.StateFailed,
		Error:   map[string]any{"failure_reason": "late_arrival_after_merge"},
	}); err != nil {
		return CoalesceOutcome{}, err
	}

	return CoalesceOutcome{
		FailureReason:  "late_arrival_after_merge",
		ConsumedTokens: []contracts.TokenInfo{token},
		Metadata: map[string]any{
			"policy": string(spec.Policy),
			"reason": "siblings already merged or failed; this token arrived too late",
		},
		CoalesceName: spec.Name,
	}, nil
}

func shouldMerge(spec graph.CoalesceSpec, pending *pendingCoalesce) (bool, error) {
	arrived := len(pending.arrived)
	expected := len(spec.Branches)

	switch spec.Policy {
	case contracts.PolicyRequireAll:
		return arrived == expected, nil
	case contracts.PolicyFirst:
		return arrived >= 1, nil
	case contracts.PolicyQuorum:
		if spec.QuorumCount == nil {
			return false, contracts.NewFrameworkBug("coalesce-quorum",
				"coalesce %q has quorum policy but no quorum_count; config validation must reject this", spec.Name)
		}
		return arrived >= *spec.QuorumCount, nil
	default: // best_effort merges early only when everything arrived
		return arrived == expected, nil
	}
}

// executeMerge resolves a complete (or policy-satisfied) group: merges row
// data, creates the merged token, completes the held states, and records
// COALESCED outcomes for the consumed tokens. The merged token's own outcome
// is recorded later, at a sink or an outer coalesce.
func (e *CoalesceExecutor) executeMerge(ctx context.Context, spec graph.CoalesceSpec, nodeID string, key coalesceKey, pending *pendingCoalesce) (CoalesceOutcome, error) {
	mergedAt := e.now()

	if spec.Merge == contracts.MergeSelect {
		if _, present := pending.arrived[spec.SelectBranch]; !present {
			metadata := map[string]any{
				"policy":           string(spec.Policy),
				"merge_strategy":   string(spec.Merge),
				"select_branch":    spec.SelectBranch,
				"branches_arrived": branchesArrived(pending),
			}
			stateError := map[string]any{
				"select_branch":    spec.SelectBranch,
				"branches_arrived": branchesArrived(pending),
			}
			return e.failPending(ctx, spec, key, pending, "select_branch_not_arrived", metadata, stateError)
		}
	}

	mergedRow, err := e.mergeData(spec, pending)
	if err != nil {
		return CoalesceOutcome{}, fmt.Errorf("coalesce %q merge failed: %w", spec.Name, err)
	}

	consumed := consumedTokens(pending)
	merged, err := e.tokens.CoalesceTokens(ctx, consumed, mergedRow, nodeID)
	if err != nil {
		return CoalesceOutcome{}, err
	}

	arrivalOrder := make([]any, 0, len(pending.order))
	byTime := append([]string(nil), pending.order...)
	sort.SliceStable(byTime, func(i, j int) bool {
		return pending.arrivalTimes[byTime[i]].Before(pending.arrivalTimes[byTime[j]])
	})
	for _, branch := range byTime {
		arrivalOrder = append(arrivalOrder, map[string]any{
			"branch":            branch,
			"arrival_offset_ms": float64(pending.arrivalTimes[branch].Sub(pending.firstArrival).Microseconds()) / 1000.0,
		})
	}
	metadata := map[string]any{
		"policy":            string(spec.Policy),
		"merge_strategy":    string(spec.Merge),
		"expected_branches": spec.ExpectedBranches(),
		"branches_arrived":  branchesArrived(pending),
		"arrival_order":     arrivalOrder,
		"wait_duration_ms":  float64(mergedAt.Sub(pending.firstArrival).Microseconds()) / 1000.0,
	}

	for _, branch := range pending.order {
		token := pending.arrived[branch]
		heldMS := float64(mergedAt.Sub(pending.arrivalTimes[branch]).Microseconds()) / 1000.0
		if err := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
			StateID:      pending.stateIDs[branch],
			Status:       contracts.StateCompleted,
			OutputData:   map[string]any{"merged_into": merged.TokenID},
			DurationMS:   heldMS,
			ContextAfter: map[string]any{"coalesce_context": metadata},
		}); err != nil {
			return CoalesceOutcome{}, err
		}
		if _, err := e.recorder.RecordTokenOutcome(ctx, landscape.TokenOutcomeInput{
			RunID:       e.runID,
			TokenID:     token.TokenID,
			Outcome:     contracts.RowCoalesced,
			JoinGroupID: merged.JoinGroupID,
		}); err != nil {
			return CoalesceOutcome{}, err
		}
	}

	delete(e.pending, key)
	e.markCompleted(key)

	return CoalesceOutcome{
		MergedToken:    &merged,
		ConsumedTokens: consumed,
		Metadata:       metadata,
		CoalesceName:   spec.Name,
	}, nil
}

// mergeData combines arrived row data per the merge strategy, producing the
// merged token's row and contract.
func (e *CoalesceExecutor) mergeData(spec graph.CoalesceSpec, pending *pendingCoalesce) (*contracts.PipelineRow, error) {
	switch spec.Merge {
	case contracts.MergeUnion:
		// Branches fold in sorted label order; on field collisions the
		// later label wins.
		data := make(contracts.Row)
		var contract *contracts.SchemaContract
		for _, branch := range spec.ExpectedBranches() {
			token, present := pending.arrived[branch]
			if !present {
				continue
			}
			for k, v := range token.RowData.Data() {
				data[k] = v
			}
			branchContract := token.RowData.Contract()
			if contract == nil {
				contract = branchContract
				continue
			}
			merged, err := contract.Merge(branchContract)
			if err != nil {
				return nil, err
			}
			contract = merged
		}
		return contracts.NewPipelineRow(data, contract), nil

	case contracts.MergeNested:
		data := make(contracts.Row, len(pending.arrived))
		fields := make([]contracts.FieldContract, 0, len(pending.arrived))
		for _, branch := range spec.ExpectedBranches() {
			token, present := pending.arrived[branch]
			if !present {
				continue
			}
			data[branch] = map[string]any(token.RowData.Data())
			fields = append(fields, contracts.FieldContract{
				NormalizedName: branch,
				OriginalName:   branch,
				Kind:           contracts.KindAny,
				Required:       true,
				Source:         contracts.SourceInferred,
			})
		}
		contract, err := contracts.NewContract(contracts.ModeObserved, fields...)
		if err != nil {
			return nil, err
		}
		return contracts.NewPipelineRow(data, contract), nil

	case contracts.MergeSelect:
		token, present := pending.arrived[spec.SelectBranch]
		if !present {
			return nil, contracts.NewFrameworkBug("coalesce-select",
				"select branch %q absent at merge time for coalesce %q; executeMerge must reject this first",
				spec.SelectBranch, spec.Name)
		}
		return contracts.NewPipelineRow(token.RowData.Data(), token.RowData.Contract()), nil

	default:
		return nil, contracts.NewFrameworkBug("coalesce-merge",
			"coalesce %q has unsupported merge strategy %q", spec.Name, spec.Merge)
	}
}

// failPending resolves a group as failed: every held state closes FAILED and
// every consumed token gets a terminal FAILED outcome. stateError enriches
// the per-state error beyond the failure reason.
func (e *CoalesceExecutor) failPending(ctx context.Context, spec graph.CoalesceSpec, key coalesceKey, pending *pendingCoalesce, reason string, metadata, stateError map[string]any) (CoalesceOutcome, error) {
	errorHash := canonical.ErrorHash(reason)
	failedAt := e.now()

	errInfo := map[string]any{"failure_reason": reason}
	for k, v := range stateError {
		errInfo[k] = v
	}

	for _, branch := range pending.order {
		token := pending.arrived[branch]
		heldMS := float64(failedAt.Sub(pending.arrivalTimes[branch]).Microseconds()) / 1000.0
		if err := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
			StateID:    pending.stateIDs[branch],
			Status:     contracts.StateFailed,
			DurationMS: heldMS,
			Error:      errInfo,
		}); err != nil {
			return CoalesceOutcome{}, err
		}
		if _, err := e.recorder.RecordTokenOutcome(ctx, landscape.TokenOutcomeInput{
			RunID:     e.runID,
			TokenID:   token.TokenID,
			Outcome:   contracts.RowFailed,
			ErrorHash: errorHash,
		}); err != nil {
			return CoalesceOutcome{}, err
		}
	}

	consumed := consumedTokens(pending)
	delete(e.pending, key)
	e.markCompleted(key)

	return CoalesceOutcome{
		FailureReason:    reason,
		ConsumedTokens:   consumed,
		Metadata:         metadata,
		CoalesceName:     spec.Name,
		OutcomesRecorded: true,
	}, nil
}

// CheckTimeouts sweeps the node's pending groups and resolves any past the
// configured timeout: best_effort merges what arrived, quorum merges or
// fails on the count, require_all always fails.
func (e *CoalesceExecutor) CheckTimeouts(ctx context.Context, nodeID string) ([]CoalesceOutcome, error) {
	spec, ok := e.dag.Coalesce(nodeID)
	if !ok {
		return nil, contracts.NewFrameworkBug("coalesce-node",
			"timeout sweep on %s, which is not a coalesce node", nodeID)
	}
	if spec.TimeoutSeconds == nil {
		return nil, nil
	}

	sweepAt := e.now()
	var expired []coalesceKey
	for key, pending := range e.pending {
		if key.nodeID != nodeID {
			continue
		}
		if sweepAt.Sub(pending.firstArrival).Seconds() >= *spec.TimeoutSeconds {
			expired = append(expired, key)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].rowID < expired[j].rowID })

	var outcomes []CoalesceOutcome
	for _, key := range expired {
		pending := e.pending[key]
		outcome, err := e.resolveIncomplete(ctx, spec, nodeID, key, pending, true)
		if err != nil {
			return outcomes, err
		}
		if outcome != nil {
			outcomes = append(outcomes, *outcome)
		}
	}
	return outcomes, nil
}

// FlushPending resolves every pending group at end of source. No more
// arrivals are possible, so partial groups merge or fail per policy, and
// late-arrival tracking resets.
func (e *CoalesceExecutor) FlushPending(ctx context.Context) ([]CoalesceOutcome, error) {
	keys := make([]coalesceKey, 0, len(e.pending))
	for key := range e.pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].nodeID != keys[j].nodeID {
			return keys[i].nodeID < keys[j].nodeID
		}
		return keys[i].rowID < keys[j].rowID
	})

	var outcomes []CoalesceOutcome
	for _, key := range keys {
		pending := e.pending[key]
		spec, ok := e.dag.Coalesce(key.nodeID)
		if !ok {
			return outcomes, contracts.NewFrameworkBug("coalesce-node",
				"pending group held for %s, which is not a coalesce node", key.nodeID)
		}
		if spec.Policy == contracts.PolicyFirst {
			return outcomes, contracts.NewFrameworkBug("coalesce-first",
				"first policy coalesce %q has a pending group for row %s with branches %v; Accept must merge on first arrival",
				spec.Name, key.rowID, branchesArrived(pending))
		}
		outcome, err := e.resolveIncomplete(ctx, spec, key.nodeID, key, pending, false)
		if err != nil {
			return outcomes, err
		}
		if outcome != nil {
			outcomes = append(outcomes, *outcome)
		}
	}

	// Source ended; nothing can arrive late anymore.
	e.completedKeys = make(map[coalesceKey]struct{})
	e.completedOrder = nil
	e.lost = make(map[coalesceKey]map[string]string)

	return outcomes, nil
}

// resolveIncomplete applies the policy to a group that will receive no more
// arrivals (timeout or end of source).
func (e *CoalesceExecutor) resolveIncomplete(ctx context.Context, spec graph.CoalesceSpec, nodeID string, key coalesceKey, pending *pendingCoalesce, timedOut bool) (*CoalesceOutcome, error) {
	switch spec.Policy {
	case contracts.PolicyBestEffort:
		if len(pending.arrived) == 0 {
			return nil, nil
		}
		outcome, err := e.executeMerge(ctx, spec, nodeID, key, pending)
		if err != nil {
			return nil, err
		}
		return &outcome, nil

	case contracts.PolicyQuorum:
		if spec.QuorumCount == nil {
			return nil, contracts.NewFrameworkBug("coalesce-quorum",
				"coalesce %q has quorum policy but no quorum_count; config validation must reject this", spec.Name)
		}
		if len(pending.arrived) >= *spec.QuorumCount {
			outcome, err := e.executeMerge(ctx, spec, nodeID, key, pending)
			if err != nil {
				return nil, err
			}
			return &outcome, nil
		}
		reason := "quorum_not_met"
		metadata := map[string]any{
			"policy":           string(spec.Policy),
			"quorum_required":  *spec.QuorumCount,
			"branches_arrived": branchesArrived(pending),
		}
		if timedOut {
			reason = "quorum_not_met_at_timeout"
			metadata["timeout_seconds"] = *spec.TimeoutSeconds
		}
		outcome, err := e.failPending(ctx, spec, key, pending, reason, metadata, nil)
		if err != nil {
			return nil, err
		}
		return &outcome, nil

	default: // require_all never merges a partial group
		metadata := map[string]any{
			"policy":            string(spec.Policy),
			"expected_branches": spec.ExpectedBranches(),
			"branches_arrived":  branchesArrived(pending),
		}
		if timedOut {
			metadata["timeout_seconds"] = *spec.TimeoutSeconds
		}
		outcome, err := e.failPending(ctx, spec, key, pending, "incomplete_branches", metadata, nil)
		if err != nil {
			return nil, err
		}
		return &outcome, nil
	}
}

// PendingCount returns how many groups are parked at the node.
func (e *CoalesceExecutor) PendingCount(nodeID string) int {
	count := 0
	for key := range e.pending {
		if key.nodeID == nodeID {
			count++
		}
	}
	return count
}

func (e *CoalesceExecutor) markCompleted(key coalesceKey) {
	delete(e.lost, key)
	e.completedKeys[key] = struct{}{}
	e.completedOrder = append(e.completedOrder, key)
	for len(e.completedKeys) > maxCompletedCoalesceKeys {
		oldest := e.completedOrder[0]
		e.completedOrder = e.completedOrder[1:]
		delete(e.completedKeys, oldest)
	}
}

func consumedTokens(pending *pendingCoalesce) []contracts.TokenInfo {
	out := make([]contracts.TokenInfo, 0, len(pending.order))
	for _, branch := range pending.order {
		out = append(out, pending.arrived[branch])
	}
	return out
}

func branchesArrived(pending *pendingCoalesce) []string {
	return append([]string(nil), pending.order...)
}
