package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// maxWorkQueueItems bounds how many queued tokens one source row may produce
// through forks and expansions before the engine declares the graph broken.
const maxWorkQueueItems = 10000

// workItem positions a token at the node that processes it next.
type workItem struct {
	token  contracts.TokenInfo
	nodeID string
}

// ProcessorDeps wires the executors a RowProcessor drives. Plugin maps are
// keyed by node ID.
type ProcessorDeps struct {
	DAG          *graph.Graph
	Recorder     *landscape.Recorder
	Tokens       *TokenManager
	Transforms   *TransformExecutor
	Gates        *GateExecutor
	Aggregations *AggregationExecutor
	Coalesces    *CoalesceExecutor
	Retries      *RetryManager
	RunID        string

	TransformPlugins  map[string]contracts.Transform
	AggregatorPlugins map[string]contracts.Aggregator

	Emit   contracts.TelemetryFunc
	Logger *slog.Logger
}

// RowProcessor drives tokens through the graph between source and sinks:
// transforms under retry, gates, aggregation buffers, and coalesce points.
// It returns a RowResult per settled token; terminal outcomes bound for a
// sink stay unrecorded until the sink write is durable, everything else is
// recorded here the moment it is known.
type RowProcessor struct {
	dag          *graph.Graph
	recorder     *landscape.Recorder
	tokens       *TokenManager
	transforms   *TransformExecutor
	gates        *GateExecutor
	aggregations *AggregationExecutor
	coalesces    *CoalesceExecutor
	retries      *RetryManager
	runID        string

	transformPlugins  map[string]contracts.Transform
	aggregatorPlugins map[string]contracts.Aggregator

	emit   contracts.TelemetryFunc
	logger *slog.Logger
}

// NewRowProcessor builds a processor over already-constructed executors.
func NewRowProcessor(deps ProcessorDeps) *RowProcessor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RowProcessor{
		dag:               deps.DAG,
		recorder:          deps.Recorder,
		tokens:            deps.Tokens,
		transforms:        deps.Transforms,
		gates:             deps.Gates,
		aggregations:      deps.Aggregations,
		coalesces:         deps.Coalesces,
		retries:           deps.Retries,
		runID:             deps.RunID,
		transformPlugins:  deps.TransformPlugins,
		aggregatorPlugins: deps.AggregatorPlugins,
		emit:              deps.Emit,
		logger:            logger,
	}
}

// ProcessToken drives one token from startNodeID until it and every token it
// spawns reach a terminal outcome, park in an aggregation buffer, or hold at
// a coalesce point. The returned results cover each settled token; held and
// buffered tokens surface in later calls.
func (p *RowProcessor) ProcessToken(ctx context.Context, token contracts.TokenInfo, startNodeID string, pctx *contracts.PluginContext) ([]contracts.RowResult, error) {
	return p.drain(ctx, []workItem{{token: token, nodeID: startNodeID}}, pctx)
}

// FlushAggregation executes a node's buffered batch outside row processing
// (timeout sweeps and end of source) and drives the batch output downstream.
func (p *RowProcessor) FlushAggregation(ctx context.Context, nodeID string, decision TriggerDecision, pctx *contracts.PluginContext) ([]contracts.RowResult, error) {
	spec, ok := p.dag.Aggregation(nodeID)
	if !ok {
		return nil, contracts.NewFrameworkBug("aggregation-node",
			"flush requested for %s, which is not an aggregation node", nodeID)
	}
	results, continuations, err := p.flushAggregation(ctx, nodeID, spec, decision, nil, pctx)
	if err != nil {
		return results, err
	}
	more, err := p.drain(ctx, continuations, pctx)
	return append(results, more...), err
}

// ResolveCoalesceOutcome routes a merge or failure produced outside row
// processing (timeout sweeps and FlushPending) to its destination.
func (p *RowProcessor) ResolveCoalesceOutcome(ctx context.Context, nodeID string, outcome CoalesceOutcome, pctx *contracts.PluginContext) ([]contracts.RowResult, error) {
	results, continuations, err := p.handleCoalesceOutcome(ctx, nodeID, outcome)
	if err != nil {
		return results, err
	}
	more, err := p.drain(ctx, continuations, pctx)
	return append(results, more...), err
}

// drain processes queued tokens breadth first until the queue empties. Forks
// and expansions push their children instead of recursing, so sibling
// branches interleave and a deep graph cannot blow the stack.
func (p *RowProcessor) drain(ctx context.Context, queue []workItem, pctx *contracts.PluginContext) ([]contracts.RowResult, error) {
	var results []contracts.RowResult
	for processed := 0; len(queue) > 0; processed++ {
		if processed >= maxWorkQueueItems {
			return results, contracts.NewFrameworkBug("work-queue",
				"work queue processed %d tokens for one entry point without settling; a fork or expansion is spawning tokens without bound",
				maxWorkQueueItems)
		}
		item := queue[0]
		queue = queue[1:]

		itemResults, continuations, err := p.processItem(ctx, item, pctx)
		results = append(results, itemResults...)
		if err != nil {
			return results, err
		}
		queue = append(queue, continuations...)
	}
	return results, nil
}

// processItem walks one token through consecutive nodes until it settles or
// hands off to the queue. The hop bound catches routing loops that the graph
// validator should have made impossible.
func (p *RowProcessor) processItem(ctx context.Context, item workItem, pctx *contracts.PluginContext) ([]contracts.RowResult, []workItem, error) {
	var results []contracts.RowResult
	var continuations []workItem

	token := item.token
	nodeID := item.nodeID
	maxHops := len(p.dag.Nodes()) + 1

	for hop := 0; hop < maxHops; hop++ {
		node, ok := p.dag.Node(nodeID)
		if !ok {
			return results, continuations, contracts.NewFrameworkBug("traversal",
				"token %s routed to unknown node %s", token.TokenID, nodeID)
		}

		switch node.Type {
		case contracts.NodeTypeSink:
			sinkName, ok := p.dag.SinkNameByID(nodeID)
			if !ok {
				return results, continuations, contracts.NewFrameworkBug("traversal",
					"sink node %s is not registered under a sink name", nodeID)
			}
			// Sink-bound: the COMPLETED outcome is recorded only after the
			// sink write flushes.
			results = append(results, contracts.RowResult{
				Token:     token,
				FinalData: token.RowData,
				Outcome:   contracts.RowCompleted,
				SinkName:  sinkName,
			})
			return results, continuations, nil

		case contracts.NodeTypeCoalesce:
			outcome, err := p.coalesces.Accept(ctx, nodeID, token)
			if err != nil {
				return results, continuations, err
			}
			res, cont, err := p.handleCoalesceOutcome(ctx, nodeID, outcome)
			results = append(results, res...)
			continuations = append(continuations, cont...)
			return results, continuations, err

		case contracts.NodeTypeGate:
			res, cont, next, updated, err := p.processGate(ctx, nodeID, token, pctx)
			results = append(results, res...)
			continuations = append(continuations, cont...)
			if err != nil || next == "" {
				return results, continuations, err
			}
			token = updated
			nodeID = next

		case contracts.NodeTypeAggregation:
			res, cont, err := p.processAggregation(ctx, nodeID, token, pctx)
			results = append(results, res...)
			continuations = append(continuations, cont...)
			return results, continuations, err

		case contracts.NodeTypeTransform:
			res, cont, next, updated, err := p.processTransform(ctx, node, token, pctx)
			results = append(results, res...)
			continuations = append(continuations, cont...)
			if err != nil || next == "" {
				return results, continuations, err
			}
			token = updated
			nodeID = next

		default:
			return results, continuations, contracts.NewFrameworkBug("traversal",
				"token %s reached %s node %s mid-pipeline", token.TokenID, node.Type, nodeID)
		}
	}

	return results, continuations, contracts.NewFrameworkBug("traversal",
		"token %s visited more than %d nodes without settling; the graph validator must reject cycles", token.TokenID, maxHops)
}

// processGate evaluates the gate and follows its decision. A non-empty next
// node means the caller keeps walking with the updated token; otherwise the
// token settled here.
func (p *RowProcessor) processGate(ctx context.Context, nodeID string, token contracts.TokenInfo, pctx *contracts.PluginContext) (results []contracts.RowResult, continuations []workItem, next string, updated contracts.TokenInfo, err error) {
	out, err := p.gates.Execute(ctx, nodeID, token, pctx)
	if err != nil {
		return nil, nil, "", token, err
	}

	switch {
	case out.Discarded:
		if rerr := p.recordOutcome(ctx, out.Token, landscape.TokenOutcomeInput{
			Outcome: contracts.RowDiscarded,
		}); rerr != nil {
			return nil, nil, "", token, rerr
		}
		results = append(results, contracts.RowResult{
			Token:     out.Token,
			FinalData: out.Token.RowData,
			Outcome:   contracts.RowDiscarded,
		})
		return results, nil, "", token, nil

	case out.SinkName != "":
		results = append(results, contracts.RowResult{
			Token:     out.Token,
			FinalData: out.Token.RowData,
			Outcome:   contracts.RowRouted,
			SinkName:  out.SinkName,
		})
		return results, nil, "", token, nil

	case len(out.Children) > 0:
		for _, child := range out.Children {
			entry, ok := p.dag.BranchEntryNode(child.BranchName)
			if !ok {
				return results, continuations, "", token, contracts.NewFrameworkBug("gate-fork",
					"fork branch %q has no entry node; graph construction must wire every branch", child.BranchName)
			}
			continuations = append(continuations, workItem{token: child, nodeID: entry})
		}
		// ForkToken already recorded the parent's FORKED outcome.
		p.emitOutcome(out.Token, contracts.RowForked, "")
		results = append(results, contracts.RowResult{
			Token:     out.Token,
			FinalData: out.Token.RowData,
			Outcome:   contracts.RowForked,
		})
		return results, continuations, "", token, nil

	case out.NextNodeID != "":
		return nil, nil, out.NextNodeID, out.Token, nil

	default:
		return nil, nil, "", token, contracts.NewFrameworkBug("gate-route",
			"gate node %s produced an outcome with no destination", nodeID)
	}
}

// processTransform runs the transform under the retry policy and follows the
// result: a jump to the next node, an expansion, a divert to on_error, or a
// terminal failure after exhausted retries.
func (p *RowProcessor) processTransform(ctx context.Context, node *graph.Node, token contracts.TokenInfo, pctx *contracts.PluginContext) (results []contracts.RowResult, continuations []workItem, next string, updated contracts.TokenInfo, err error) {
	plugin, ok := p.transformPlugins[node.ID]
	if !ok {
		return nil, nil, "", token, contracts.NewFrameworkBug("transform-plugin",
			"no plugin instance registered for transform node %s", node.ID)
	}

	pctx.Token = &token
	pctx.PluginName = node.PluginName

	var out *TransformOutcome
	err = p.retries.Execute(ctx, p.runID, node.ID, token.TokenID, func(attempt int) error {
		res, execErr := p.transforms.Execute(ctx, plugin, node.ID, token, pctx, attempt)
		if execErr != nil {
			return execErr
		}
		out = res
		return nil
	})
	if err != nil {
		var exceeded *contracts.MaxRetriesExceeded
		if !errors.As(err, &exceeded) {
			return results, continuations, "", token, err
		}
		// Retries exhausted. The token fails terminally; siblings held at a
		// coalesce learn the branch will never arrive; the run moves on.
		p.logger.Warn("transform failed after retries",
			"node_id", node.ID, "token_id", token.TokenID, "attempts", exceeded.Attempts)
		if rerr := p.recordOutcome(ctx, token, landscape.TokenOutcomeInput{
			Outcome:   contracts.RowFailed,
			ErrorHash: canonical.ErrorHash(err.Error()),
		}); rerr != nil {
			return results, continuations, "", token, rerr
		}
		res, cont, nerr := p.notifyBranchLost(ctx, token, "max_retries_exceeded: "+err.Error())
		results = append(results, res...)
		continuations = append(continuations, cont...)
		if nerr != nil {
			return results, continuations, "", token, nerr
		}
		results = append(results, contracts.RowResult{
			Token:     token,
			FinalData: token.RowData,
			Outcome:   contracts.RowFailed,
			Error:     contracts.FailureFromRetriesExceeded(exceeded),
		})
		return results, continuations, "", token, nil
	}

	if out.ErrorSink != "" {
		reason := errorReasonText(out.Result.ErrorReason)

		if out.ErrorSink == config.RouteDiscard {
			if rerr := p.recordOutcome(ctx, out.Token, landscape.TokenOutcomeInput{
				Outcome:   contracts.RowQuarantined,
				ErrorHash: canonical.ErrorHash(reason),
			}); rerr != nil {
				return results, continuations, "", token, rerr
			}
			res, cont, nerr := p.notifyBranchLost(ctx, out.Token, "quarantined: "+reason)
			results = append(results, res...)
			continuations = append(continuations, cont...)
			if nerr != nil {
				return results, continuations, "", token, nerr
			}
			results = append(results, contracts.RowResult{
				Token:     out.Token,
				FinalData: out.Token.RowData,
				Outcome:   contracts.RowQuarantined,
			})
			return results, continuations, "", token, nil
		}

		// Diverted to the error sink; ROUTED is recorded after that sink's
		// write flushes.
		res, cont, nerr := p.notifyBranchLost(ctx, out.Token, "error_routed: "+reason)
		results = append(results, res...)
		continuations = append(continuations, cont...)
		if nerr != nil {
			return results, continuations, "", token, nerr
		}
		results = append(results, contracts.RowResult{
			Token:     out.Token,
			FinalData: out.Token.RowData,
			Outcome:   contracts.RowRouted,
			SinkName:  out.ErrorSink,
			Error:     &contracts.FailureInfo{ExceptionType: "TransformError", Message: reason},
		})
		return results, continuations, "", token, nil
	}

	nextID, ok := p.dag.NextHop(node.ID)
	if !ok {
		return results, continuations, "", token, contracts.NewFrameworkBug("transform-continuation",
			"transform node %s has no on_success edge", node.ID)
	}

	if out.Result.IsMultiRow() {
		res, cont, eerr := p.expandTransformResult(ctx, node.ID, nextID, out)
		results = append(results, res...)
		continuations = append(continuations, cont...)
		return results, continuations, "", token, eerr
	}

	return results, continuations, nextID, out.Token, nil
}

// expandTransformResult turns a multi-row success into child tokens queued
// at the transform's continuation. The parent closes EXPANDED inside
// ExpandToken, atomically with the children's creation.
func (p *RowProcessor) expandTransformResult(ctx context.Context, nodeID, nextID string, out *TransformOutcome) ([]contracts.RowResult, []workItem, error) {
	rows := make([]contracts.Row, len(out.Result.Rows))
	for i, r := range out.Result.Rows {
		rows[i] = r.Data()
	}
	outputContract := out.Result.Rows[0].Contract()
	if outputContract == nil {
		return nil, nil, contracts.NewFrameworkBug("transform-expand",
			"multi-row result from node %s carries no contract", nodeID)
	}
	if !outputContract.Locked() {
		outputContract = outputContract.WithLocked()
	}

	children, _, err := p.tokens.ExpandToken(ctx, p.runID, out.Token, rows, outputContract, nodeID, true)
	if err != nil {
		return nil, nil, err
	}
	p.emitOutcome(out.Token, contracts.RowExpanded, "")

	continuations := make([]workItem, 0, len(children))
	for _, child := range children {
		continuations = append(continuations, workItem{token: child, nodeID: nextID})
	}
	results := []contracts.RowResult{{
		Token:     out.Token,
		FinalData: out.Token.RowData,
		Outcome:   contracts.RowExpanded,
	}}
	return results, continuations, nil
}

// processAggregation buffers the token and flushes the batch when its
// trigger fires. A parked token's outcome depends on the output mode:
// passthrough tokens continue downstream later, so BUFFERED is provisional;
// transform and single mode tokens are consumed terminally the moment they
// join the batch.
func (p *RowProcessor) processAggregation(ctx context.Context, nodeID string, token contracts.TokenInfo, pctx *contracts.PluginContext) ([]contracts.RowResult, []workItem, error) {
	spec, ok := p.dag.Aggregation(nodeID)
	if !ok {
		return nil, nil, contracts.NewFrameworkBug("aggregation-node",
			"token %s routed to %s, which is not an aggregation node", token.TokenID, nodeID)
	}

	if err := p.aggregations.BufferRow(ctx, nodeID, token); err != nil {
		return nil, nil, err
	}
	decision, err := p.aggregations.CheckTrigger(nodeID)
	if err != nil {
		return nil, nil, err
	}
	if decision.Fired {
		return p.flushAggregation(ctx, nodeID, spec, decision, &token, pctx)
	}

	batchID := p.aggregations.CurrentBatchID(nodeID)
	outcome := contracts.RowBuffered
	if spec.OutputMode != contracts.OutputPassthrough {
		outcome = contracts.RowConsumedInBatch
	}
	if err := p.recordOutcome(ctx, token, landscape.TokenOutcomeInput{
		Outcome: outcome,
		BatchID: batchID,
	}); err != nil {
		return nil, nil, err
	}
	return []contracts.RowResult{{
		Token:     token,
		FinalData: token.RowData,
		Outcome:   outcome,
	}}, nil, nil
}

// flushAggregation executes the buffered batch and routes its output. The
// triggering token is the row-loop member whose arrival fired the trigger;
// timeout and end-of-source flushes pass nil.
func (p *RowProcessor) flushAggregation(ctx context.Context, nodeID string, spec graph.AggregationSpec, decision TriggerDecision, triggering *contracts.TokenInfo, pctx *contracts.PluginContext) ([]contracts.RowResult, []workItem, error) {
	aggregator, ok := p.aggregatorPlugins[nodeID]
	if !ok {
		return nil, nil, contracts.NewFrameworkBug("aggregation-plugin",
			"no plugin instance registered for aggregation node %s", nodeID)
	}

	flush, err := p.aggregations.ExecuteFlush(ctx, nodeID, decision, aggregator, pctx)
	if err != nil {
		// A pending batch keeps its buffer and interrupts the run upstream;
		// any other error already failed the batch.
		return nil, nil, err
	}
	if flush == nil {
		return nil, nil, nil
	}

	if flush.Result.Status == contracts.StatusError {
		return p.failFlushedBatch(ctx, spec, flush, triggering)
	}

	nextID, ok := p.dag.NextHop(nodeID)
	if !ok {
		return nil, nil, contracts.NewFrameworkBug("aggregation-continuation",
			"aggregation node %s has no on_success edge", nodeID)
	}

	if spec.OutputMode == contracts.OutputPassthrough {
		rows := flush.Result.Rows
		if len(rows) != len(flush.Tokens) {
			return nil, nil, fmt.Errorf(
				"aggregation %q passthrough returned %d rows for %d buffered tokens; passthrough preserves row count",
				spec.Name, len(rows), len(flush.Tokens))
		}
		continuations := make([]workItem, 0, len(flush.Tokens))
		for i, t := range flush.Tokens {
			continuations = append(continuations, workItem{token: t.WithRowData(rows[i]), nodeID: nextID})
		}
		return nil, continuations, nil
	}

	rows := flush.Result.Rows
	if rows == nil {
		rows = []*contracts.PipelineRow{flush.Result.Row}
	}
	if spec.OutputMode == contracts.OutputSingle && len(rows) != 1 {
		return nil, nil, fmt.Errorf(
			"aggregation %q has output_mode single but returned %d rows", spec.Name, len(rows))
	}
	if spec.ExpectedOutputCount != nil && len(rows) != *spec.ExpectedOutputCount {
		return nil, nil, fmt.Errorf(
			"aggregation %q returned %d rows but declares expected_output_count %d",
			spec.Name, len(rows), *spec.ExpectedOutputCount)
	}

	dataRows := make([]contracts.Row, len(rows))
	for i, r := range rows {
		dataRows[i] = r.Data()
	}
	outputContract := rows[0].Contract()
	if outputContract == nil {
		return nil, nil, contracts.NewFrameworkBug("aggregation-expand",
			"batch output from node %s carries no contract", nodeID)
	}
	if !outputContract.Locked() {
		outputContract = outputContract.WithLocked()
	}

	// Batch members already closed CONSUMED_IN_BATCH at buffer time, so the
	// output tokens expand without touching the parent's outcome.
	parent := flush.Tokens[0]
	if triggering != nil {
		parent = *triggering
	}
	children, _, err := p.tokens.ExpandToken(ctx, p.runID, parent, dataRows, outputContract, nodeID, false)
	if err != nil {
		return nil, nil, err
	}

	var results []contracts.RowResult
	if triggering != nil {
		// The triggering member skipped the buffer-time outcome because its
		// arrival went straight into the flush.
		if err := p.recordOutcome(ctx, *triggering, landscape.TokenOutcomeInput{
			Outcome: contracts.RowConsumedInBatch,
			BatchID: flush.BatchID,
		}); err != nil {
			return nil, nil, err
		}
		results = append(results, contracts.RowResult{
			Token:     *triggering,
			FinalData: triggering.RowData,
			Outcome:   contracts.RowConsumedInBatch,
		})
	}

	continuations := make([]workItem, 0, len(children))
	for _, child := range children {
		continuations = append(continuations, workItem{token: child, nodeID: nextID})
	}
	return results, continuations, nil
}

// failFlushedBatch settles the consumed tokens of a batch whose aggregator
// returned an error result. Passthrough members fail outright; transform and
// single members were already consumed terminally, so only the counters see
// their failure.
func (p *RowProcessor) failFlushedBatch(ctx context.Context, spec graph.AggregationSpec, flush *FlushResult, triggering *contracts.TokenInfo) ([]contracts.RowResult, []workItem, error) {
	reason := errorReasonText(flush.Result.ErrorReason)
	failure := &contracts.FailureInfo{ExceptionType: "AggregationError", Message: reason}
	p.logger.Warn("aggregation batch failed",
		"aggregation", spec.Name, "batch_id", flush.BatchID, "reason", reason)

	var results []contracts.RowResult
	for _, t := range flush.Tokens {
		switch {
		case spec.OutputMode == contracts.OutputPassthrough:
			if err := p.recordOutcome(ctx, t, landscape.TokenOutcomeInput{
				Outcome:   contracts.RowFailed,
				BatchID:   flush.BatchID,
				ErrorHash: canonical.ErrorHash(reason),
			}); err != nil {
				return results, nil, err
			}
		case triggering != nil && t.TokenID == triggering.TokenID:
			if err := p.recordOutcome(ctx, t, landscape.TokenOutcomeInput{
				Outcome: contracts.RowConsumedInBatch,
				BatchID: flush.BatchID,
			}); err != nil {
				return results, nil, err
			}
		}
		results = append(results, contracts.RowResult{
			Token:     t,
			FinalData: t.RowData,
			Outcome:   contracts.RowFailed,
			Error:     failure,
		})
	}
	return results, nil, nil
}

// handleCoalesceOutcome routes what a coalesce point decided: held tokens
// produce nothing yet, a merge continues downstream or heads to a sink, and
// a failure settles every consumed token.
func (p *RowProcessor) handleCoalesceOutcome(ctx context.Context, nodeID string, outcome CoalesceOutcome) ([]contracts.RowResult, []workItem, error) {
	if outcome.Held {
		return nil, nil, nil
	}

	if outcome.MergedToken != nil {
		for _, t := range outcome.ConsumedTokens {
			p.emitOutcome(t, contracts.RowCoalesced, "")
		}
		next, ok := p.dag.NextHop(nodeID)
		if !ok {
			return nil, nil, contracts.NewFrameworkBug("coalesce-continuation",
				"coalesce node %s has no on_success edge", nodeID)
		}
		merged := *outcome.MergedToken
		if sinkName, isSink := p.dag.SinkNameByID(next); isSink {
			// COALESCED here names the merge for the counters; the merged
			// token itself completes when the sink write flushes.
			return []contracts.RowResult{{
				Token:     merged,
				FinalData: merged.RowData,
				Outcome:   contracts.RowCoalesced,
				SinkName:  sinkName,
			}}, nil, nil
		}
		return nil, []workItem{{token: merged, nodeID: next}}, nil
	}

	failure := &contracts.FailureInfo{ExceptionType: "CoalesceFailure", Message: outcome.FailureReason}
	var results []contracts.RowResult
	for _, t := range outcome.ConsumedTokens {
		if !outcome.OutcomesRecorded {
			if err := p.recordOutcome(ctx, t, landscape.TokenOutcomeInput{
				Outcome:   contracts.RowFailed,
				ErrorHash: canonical.ErrorHash(outcome.FailureReason),
			}); err != nil {
				return results, nil, err
			}
		} else {
			p.emitOutcome(t, contracts.RowFailed, "")
		}
		results = append(results, contracts.RowResult{
			Token:     t,
			FinalData: t.RowData,
			Outcome:   contracts.RowFailed,
			Error:     failure,
		})
	}
	return results, nil, nil
}

// notifyBranchLost tells the coalesce waiting on the token's branch that it
// terminated upstream. The loss may settle the whole group immediately.
func (p *RowProcessor) notifyBranchLost(ctx context.Context, token contracts.TokenInfo, reason string) ([]contracts.RowResult, []workItem, error) {
	if token.BranchName == "" {
		return nil, nil, nil
	}
	outcome, err := p.coalesces.NotifyLostBranch(ctx, token.RowID, token.BranchName, reason)
	if err != nil {
		return nil, nil, err
	}
	if outcome == nil {
		return nil, nil, nil
	}
	nodeID, ok := p.dag.CoalesceForBranch(token.BranchName)
	if !ok {
		return nil, nil, contracts.NewFrameworkBug("coalesce-node",
			"lost branch %q resolved an outcome but maps to no coalesce node", token.BranchName)
	}
	return p.handleCoalesceOutcome(ctx, nodeID, *outcome)
}

// recordOutcome writes the token's outcome to the audit trail first, then
// mirrors it to telemetry.
func (p *RowProcessor) recordOutcome(ctx context.Context, token contracts.TokenInfo, in landscape.TokenOutcomeInput) error {
	in.RunID = p.runID
	in.TokenID = token.TokenID
	if _, err := p.recorder.RecordTokenOutcome(ctx, in); err != nil {
		return err
	}
	p.emitOutcome(token, in.Outcome, in.SinkName)
	return nil
}

func (p *RowProcessor) emitOutcome(token contracts.TokenInfo, outcome contracts.RowOutcome, sinkName string) {
	if p.emit == nil {
		return
	}
	p.emit(contracts.RowOutcomeEvent{
		BaseEvent: contracts.NewBaseEvent(p.runID),
		TokenID:   token.TokenID,
		RowID:     token.RowID,
		Outcome:   outcome,
		SinkName:  sinkName,
	})
}

// errorReasonText extracts the human-readable reason from an error result's
// details.
func errorReasonText(reason map[string]any) string {
	if len(reason) == 0 {
		return "unknown error"
	}
	if msg, ok := reason["reason"].(string); ok && msg != "" {
		return msg
	}
	return fmt.Sprintf("%v", reason)
}
