package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// SourceBinding pairs the source plugin instance with the registration
// metadata the graph builder needs.
type SourceBinding struct {
	Plugin contracts.Source
	Info   graph.PluginInfo
}

// TransformBinding pairs a transform plugin with its metadata.
type TransformBinding struct {
	Plugin contracts.Transform
	Info   graph.PluginInfo
}

// AggregatorBinding pairs an aggregator plugin with its metadata.
type AggregatorBinding struct {
	Plugin contracts.Aggregator
	Info   graph.PluginInfo
}

// SinkBinding pairs a sink plugin with its metadata.
type SinkBinding struct {
	Plugin contracts.Sink
	Info   graph.PluginInfo
}

// PluginSet carries every plugin instance a pipeline needs, keyed the way
// the settings name them: transforms and aggregations by component name,
// sinks by their key in the sinks mapping.
type PluginSet struct {
	Source       SourceBinding
	Transforms   map[string]TransformBinding
	Aggregations map[string]AggregatorBinding
	Sinks        map[string]SinkBinding
}

// Checkpointer persists resume state as rows become durable. The engine
// calls it and stays ignorant of frequency policy and storage.
type Checkpointer interface {
	// AfterTokenWritten runs once per durably written token. The
	// implementation decides whether this write warrants a checkpoint.
	AfterTokenWritten(ctx context.Context, token contracts.TokenInfo, nodeID string, state map[string]any) error

	// Save persists a checkpoint unconditionally, bypassing frequency
	// policy. Used when a run stops early and the state must not be lost.
	Save(ctx context.Context, tokenID, nodeID string, state map[string]any) error

	// Clear removes the run's checkpoints after successful completion.
	Clear(ctx context.Context) error
}

// CheckpointerFactory builds the checkpointer for one run once the graph and
// run ID exist. The run ID is generated at BeginRun, so the factory cannot be
// replaced by a pre-built instance. nil disables checkpointing.
type CheckpointerFactory func(dag *graph.Graph, runID string) (Checkpointer, error)

// RunResult totals a run's terminal outcomes. A forked or expanded row
// contributes to several counters, so the sum of counters can exceed
// Processed.
type RunResult struct {
	RunID  string
	Status contracts.RunStatus

	Processed      int
	Succeeded      int
	Failed         int
	Routed         int
	Quarantined    int
	Forked         int
	Coalesced      int
	CoalesceFailed int
	Expanded       int
	Buffered       int

	// Destinations counts rows durably written per sink name.
	Destinations map[string]int

	Interrupted bool
	DurationMS  float64
}

// ResumeRow is one recovered source row to re-process: the original row ID
// from the audit trail and its payload carrying the original run's contract.
type ResumeRow struct {
	RowID    string
	RowIndex int
	Data     *contracts.PipelineRow
}

// ResumeInput is a recovery plan: which run to continue, the rows that never
// reached a terminal outcome, and the aggregation buffers as checkpointed.
type ResumeInput struct {
	RunID            string
	Rows             []ResumeRow
	AggregationState map[string]any
	SourceContract   *contracts.SchemaContract
}

// OrchestratorDeps wires a pipeline run. Telemetry, Checkpoints, and
// Exporter are optional; everything else is required.
type OrchestratorDeps struct {
	Settings    *config.Settings
	Recorder    *landscape.Recorder
	Payloads    contracts.PayloadStore
	RateLimits  contracts.RateLimiterRegistry
	Telemetry   contracts.TelemetryFunc
	Checkpoints CheckpointerFactory
	Exporter    *landscape.Exporter
	Logger      *slog.Logger
}

// Orchestrator drives complete pipeline runs: graph registration, the source
// row loop, end-of-source flushes, sink writes, and run finalization. It
// holds no per-run state, so one instance can serve sequential runs.
type Orchestrator struct {
	settings    *config.Settings
	recorder    *landscape.Recorder
	payloads    contracts.PayloadStore
	rateLimits  contracts.RateLimiterRegistry
	emit        contracts.TelemetryFunc
	checkpoints CheckpointerFactory
	exporter    *landscape.Exporter
	logger      *slog.Logger
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emit := deps.Telemetry
	if emit == nil {
		emit = func(contracts.Event) {}
	}
	return &Orchestrator{
		settings:    deps.Settings,
		recorder:    deps.Recorder,
		payloads:    deps.Payloads,
		rateLimits:  deps.RateLimits,
		emit:        emit,
		checkpoints: deps.Checkpoints,
		exporter:    deps.Exporter,
		logger:      logger,
	}
}

// Run executes the configured pipeline once. The returned result is non-nil
// whenever a run record exists, including failed and interrupted runs; the
// error carries what stopped the run early. A *contracts.BatchPendingError
// return means the run is INTERRUPTED and resumable once the external batch
// completes.
func (o *Orchestrator) Run(ctx context.Context, plugins PluginSet) (result *RunResult, err error) {
	dag, err := o.buildGraph(plugins)
	if err != nil {
		return nil, fmt.Errorf("building pipeline graph: %w", err)
	}

	snapshot, err := o.settings.AuditSnapshot()
	if err != nil {
		return nil, err
	}
	declared, err := declaredSourceContract(plugins.Source.Info)
	if err != nil {
		return nil, err
	}

	run, err := o.recorder.BeginRun(ctx, landscape.BeginRunInput{
		Settings: snapshot,
		Contract: declared,
	})
	if err != nil {
		return nil, err
	}

	r := newPipelineRun(o, dag, plugins, run.RunID)
	defer func() { err = errors.Join(err, r.closePlugins(ctx)) }()

	if cpErr := r.buildCheckpointer(); cpErr != nil {
		return r.fail(ctx, contracts.PhaseGraph, "", cpErr)
	}
	if prepErr := r.prepare(ctx); prepErr != nil {
		return r.fail(ctx, contracts.PhaseGraph, "", prepErr)
	}
	return r.runFromSource(ctx)
}

// Resume continues an interrupted run from a recovery plan. Rows come from
// the audit trail instead of the source plugin; everything downstream of the
// source behaves exactly as in a fresh run, including sink durability rules.
func (o *Orchestrator) Resume(ctx context.Context, in ResumeInput, plugins PluginSet) (result *RunResult, err error) {
	dag, err := o.buildGraph(plugins)
	if err != nil {
		return nil, fmt.Errorf("building pipeline graph: %w", err)
	}
	if in.RunID == "" {
		return nil, fmt.Errorf("resume requires a run ID")
	}
	for _, name := range sortedKeys(plugins.Sinks) {
		if sink := plugins.Sinks[name].Plugin; sink != nil && !sink.SupportsResume() {
			return nil, fmt.Errorf("sink %q cannot continue a partial output; run %s is not resumable", name, in.RunID)
		}
	}

	if err := o.recorder.UpdateRunStatus(ctx, in.RunID, contracts.RunStatusRunning); err != nil {
		return nil, err
	}

	r := newPipelineRun(o, dag, plugins, in.RunID)
	defer func() { err = errors.Join(err, r.closePlugins(ctx)) }()

	if cpErr := r.buildCheckpointer(); cpErr != nil {
		return r.fail(ctx, contracts.PhaseGraph, "", cpErr)
	}
	if prepErr := r.prepareForResume(ctx, in); prepErr != nil {
		return r.fail(ctx, contracts.PhaseGraph, "", prepErr)
	}
	return r.runFromRecoveredRows(ctx, in.Rows)
}

func (o *Orchestrator) buildGraph(plugins PluginSet) (*graph.Graph, error) {
	transforms := make(map[string]graph.PluginInfo, len(plugins.Transforms))
	for name, b := range plugins.Transforms {
		transforms[name] = b.Info
	}
	aggregations := make(map[string]graph.PluginInfo, len(plugins.Aggregations))
	for name, b := range plugins.Aggregations {
		aggregations[name] = b.Info
	}
	sinks := make(map[string]graph.PluginInfo, len(plugins.Sinks))
	for name, b := range plugins.Sinks {
		sinks[name] = b.Info
	}
	return graph.Build(graph.BuildInput{
		Settings:     o.settings,
		Source:       plugins.Source.Info,
		Transforms:   transforms,
		Aggregations: aggregations,
		Sinks:        sinks,
	})
}

// declaredSourceContract converts a fixed source schema into the contract
// recorded at run start. Dynamic sources attach theirs at the first row.
func declaredSourceContract(info graph.PluginInfo) (*contracts.SchemaContract, error) {
	schema := info.OutputSchema
	if schema == nil || schema.IsDynamic || len(schema.Fields) == 0 {
		return nil, nil
	}
	contract, err := schema.Contract()
	if err != nil {
		return nil, fmt.Errorf("source schema: %w", err)
	}
	return contract, nil
}

// pendingToken is a token parked at a sink with the outcome to record once
// the write is durable.
type pendingToken struct {
	token   contracts.TokenInfo
	outcome PendingOutcome
}

// pipelineRun is the per-run working state.
type pipelineRun struct {
	o            *Orchestrator
	dag          *graph.Graph
	plugins      PluginSet
	runID        string
	checkpointer Checkpointer

	tokens       *TokenManager
	aggregations *AggregationExecutor
	coalesces    *CoalesceExecutor
	sinks        *SinkExecutor
	processor    *RowProcessor
	pctx         *contracts.PluginContext

	result  *RunResult
	pending map[string][]pendingToken

	started                time.Time
	lastProgress           time.Time
	lastToken              contracts.TokenInfo
	sourceContractRecorded bool
}

func newPipelineRun(o *Orchestrator, dag *graph.Graph, plugins PluginSet, runID string) *pipelineRun {
	return &pipelineRun{
		o:       o,
		dag:     dag,
		plugins: plugins,
		runID:   runID,
		result: &RunResult{
			RunID:        runID,
			Status:       contracts.RunStatusRunning,
			Destinations: make(map[string]int),
		},
		pending: make(map[string][]pendingToken),
		started: time.Now(),
	}
}

// buildCheckpointer instantiates the run's checkpointer from the factory.
// Without a factory the run carries none and every checkpoint hook no-ops.
func (r *pipelineRun) buildCheckpointer() error {
	if r.o.checkpoints == nil {
		return nil
	}
	cp, err := r.o.checkpoints(r.dag, r.runID)
	if err != nil {
		return fmt.Errorf("building checkpointer: %w", err)
	}
	r.checkpointer = cp
	return nil
}

// prepare registers the graph with the audit trail and builds the executor
// stack. Registration happens before any row so every later record can
// reference its node.
func (r *pipelineRun) prepare(ctx context.Context) error {
	edgeIDs, err := r.registerGraph(ctx)
	if err != nil {
		return err
	}
	if err := r.buildExecutors(edgeIDs); err != nil {
		return err
	}

	r.o.emit(contracts.RunStartedEvent{
		BaseEvent:    contracts.NewBaseEvent(r.runID),
		PipelineName: r.o.settings.Source.Plugin,
		NodeCount:    len(r.dag.Nodes()),
	})
	return nil
}

// prepareForResume re-registers the graph under the original run and
// restores aggregation buffers from the checkpoint. Node IDs are
// deterministic, so re-registration upserts the same rows.
func (r *pipelineRun) prepareForResume(ctx context.Context, in ResumeInput) error {
	edgeIDs, err := r.registerGraph(ctx)
	if err != nil {
		return err
	}
	if err := r.buildExecutors(edgeIDs); err != nil {
		return err
	}

	if len(in.AggregationState) > 0 {
		if err := r.aggregations.RestoreFromCheckpoint(in.AggregationState); err != nil {
			return fmt.Errorf("restoring aggregation buffers: %w", err)
		}
	}
	r.sourceContractRecorded = true

	r.o.emit(contracts.RunStartedEvent{
		BaseEvent:    contracts.NewBaseEvent(r.runID),
		PipelineName: r.o.settings.Source.Plugin,
		NodeCount:    len(r.dag.Nodes()),
	})
	return nil
}

func (r *pipelineRun) registerGraph(ctx context.Context) (map[landscape.EdgeKey]string, error) {
	for _, node := range r.dag.Nodes() {
		var seq *int
		if step := r.dag.StepIndex(node.ID); step >= 0 {
			seq = &step
		}
		schema := node.OutputSchema
		if node.Type == contracts.NodeTypeSink || schema == nil {
			schema = node.InputSchema
		}
		if _, err := r.o.recorder.RegisterNode(ctx, landscape.RegisterNodeInput{
			RunID:         r.runID,
			NodeID:        node.ID,
			PluginName:    node.PluginName,
			NodeType:      node.Type,
			PluginVersion: node.PluginVersion,
			Determinism:   node.Determinism,
			Config:        node.Config,
			Schema:        schema,
			Sequence:      seq,
		}); err != nil {
			return nil, err
		}
	}

	edgeIDs := make(map[landscape.EdgeKey]string)
	for _, e := range r.dag.Edges() {
		edge, err := r.o.recorder.RegisterEdge(ctx, r.runID, e.From, e.To, e.Label, e.Mode)
		if err != nil {
			return nil, err
		}
		edgeIDs[landscape.EdgeKey{FromNodeID: e.From, Label: e.Label}] = edge.EdgeID
	}
	return edgeIDs, nil
}

func (r *pipelineRun) buildExecutors(edgeIDs map[landscape.EdgeKey]string) error {
	resolveStep := func(nodeID string) *int {
		if step := r.dag.StepIndex(nodeID); step >= 0 {
			return &step
		}
		return nil
	}
	r.tokens = NewTokenManager(r.o.recorder, resolveStep)

	transforms := NewTransformExecutor(r.o.recorder, r.dag, edgeIDs, r.o.emit)
	gates := NewGateExecutor(r.o.recorder, r.dag, edgeIDs, r.tokens, r.o.emit)
	aggregations, err := NewAggregationExecutor(r.o.recorder, r.dag, r.runID, r.o.emit, r.o.logger)
	if err != nil {
		return err
	}
	r.aggregations = aggregations
	r.coalesces = NewCoalesceExecutor(r.o.recorder, r.dag, r.tokens, r.runID)
	r.sinks = NewSinkExecutor(r.o.recorder, r.dag, r.runID, r.o.emit, r.o.logger)
	retries := NewRetryManager(r.o.settings.Retry, r.o.emit, r.o.logger)

	transformPlugins := make(map[string]contracts.Transform, len(r.plugins.Transforms))
	for name, b := range r.plugins.Transforms {
		if node, ok := r.dag.NodeByName(name); ok {
			transformPlugins[node.ID] = b.Plugin
		}
	}
	aggregatorPlugins := make(map[string]contracts.Aggregator, len(r.plugins.Aggregations))
	for name, b := range r.plugins.Aggregations {
		if node, ok := r.dag.NodeByName(name); ok {
			aggregatorPlugins[node.ID] = b.Plugin
		}
	}

	r.processor = NewRowProcessor(ProcessorDeps{
		DAG:               r.dag,
		Recorder:          r.o.recorder,
		Tokens:            r.tokens,
		Transforms:        transforms,
		Gates:             gates,
		Aggregations:      r.aggregations,
		Coalesces:         r.coalesces,
		Retries:           retries,
		RunID:             r.runID,
		TransformPlugins:  transformPlugins,
		AggregatorPlugins: aggregatorPlugins,
		Emit:              r.o.emit,
		Logger:            r.o.logger,
	})

	r.pctx = &contracts.PluginContext{
		RunID:         r.runID,
		Recorder:      r.o.recorder,
		Payloads:      r.o.payloads,
		RateLimits:    r.o.rateLimits,
		TelemetryEmit: r.o.emit,
		Logger:        r.o.logger,
	}
	return nil
}

// runFromSource executes the row loop against the live source plugin. The
// load runs under a tracked operation; the operation ID is restored around
// each iterator pull so calls the source makes while fetching attribute to
// the load, not to whatever node processed the previous row.
func (r *pipelineRun) runFromSource(ctx context.Context) (*RunResult, error) {
	sourceID := r.dag.SourceID()
	sourceNode, ok := r.dag.Node(sourceID)
	if !ok {
		return r.fail(ctx, contracts.PhaseGraph, sourceID,
			contracts.NewFrameworkBug("source-node", "graph has no source node %s", sourceID))
	}
	firstHop, ok := r.dag.NextHop(sourceID)
	if !ok {
		return r.fail(ctx, contracts.PhaseGraph, sourceID,
			contracts.NewFrameworkBug("source-continuation", "source %s has no on_success edge", sourceID))
	}

	op, err := r.o.recorder.BeginOperation(ctx, r.runID, sourceID, contracts.OperationSourceLoad, map[string]any{
		"plugin": sourceNode.PluginName,
	})
	if err != nil {
		return r.fail(ctx, contracts.PhaseSource, sourceID, err)
	}

	r.pctx.NodeID = sourceID
	r.pctx.PluginName = sourceNode.PluginName
	r.pctx.Config = sourceNode.Config
	r.pctx.OperationID = op.OperationID

	iter, err := r.plugins.Source.Plugin.Load(ctx, r.pctx)
	if err != nil {
		r.completeOperation(ctx, op.OperationID, contracts.OperationFailed, nil, err)
		return r.fail(ctx, contracts.PhaseSource, sourceID, err)
	}
	defer iter.Close()

	rowIndex := 0
	for {
		if ctx.Err() != nil {
			r.completeOperation(ctx, op.OperationID, contracts.OperationPending, loadStats(rowIndex), nil)
			return r.interrupt(ctx)
		}
		if r.o.settings.MaxRows != nil && rowIndex >= *r.o.settings.MaxRows {
			break
		}

		r.pctx.OperationID = op.OperationID
		more := iter.Next(ctx)
		r.pctx.OperationID = ""
		if !more {
			break
		}

		if err := r.processSourceRow(ctx, rowIndex, iter.Row(), firstHop); err != nil {
			return r.abortRowLoop(ctx, op.OperationID, rowIndex, err)
		}
		rowIndex++
	}
	r.pctx.OperationID = ""

	if err := iter.Err(); err != nil {
		r.completeOperation(ctx, op.OperationID, contracts.OperationFailed, loadStats(rowIndex), err)
		return r.fail(ctx, contracts.PhaseSource, sourceID, err)
	}
	r.completeOperation(ctx, op.OperationID, contracts.OperationCompleted, loadStats(rowIndex), nil)

	return r.finish(ctx)
}

// runFromRecoveredRows executes the row loop against rows recovered from
// the audit trail. There is no source operation: the rows were loaded, and
// accounted for, by the original run.
func (r *pipelineRun) runFromRecoveredRows(ctx context.Context, rows []ResumeRow) (*RunResult, error) {
	sourceID := r.dag.SourceID()
	firstHop, ok := r.dag.NextHop(sourceID)
	if !ok {
		return r.fail(ctx, contracts.PhaseGraph, sourceID,
			contracts.NewFrameworkBug("source-continuation", "source %s has no on_success edge", sourceID))
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			return r.interrupt(ctx)
		}
		if err := r.processRecoveredRow(ctx, row, firstHop); err != nil {
			return r.abortRowLoop(ctx, "", r.result.Processed, err)
		}
	}
	return r.finish(ctx)
}

func loadStats(rows int) map[string]any {
	return map[string]any{"rows_loaded": rows}
}

// processSourceRow handles one pulled row: timeout sweeps on either side,
// then quarantine or admission into the graph.
func (r *pipelineRun) processSourceRow(ctx context.Context, rowIndex int, srcRow contracts.SourceRow, firstHop string) error {
	if err := r.sweepAggregationTimeouts(ctx); err != nil {
		return err
	}

	r.result.Processed++
	if srcRow.Quarantined {
		if err := r.quarantineSourceRow(ctx, rowIndex, srcRow); err != nil {
			return err
		}
	} else {
		if err := r.admitSourceRow(ctx, rowIndex, srcRow, firstHop); err != nil {
			return err
		}
	}

	if err := r.sweepCoalesceTimeouts(ctx); err != nil {
		return err
	}
	r.maybeEmitProgress()
	return nil
}

func (r *pipelineRun) processRecoveredRow(ctx context.Context, row ResumeRow, firstHop string) error {
	if err := r.sweepAggregationTimeouts(ctx); err != nil {
		return err
	}

	r.result.Processed++
	token, err := r.tokens.CreateTokenForExistingRow(ctx, row.RowID, row.Data)
	if err != nil {
		return err
	}
	r.lastToken = token

	results, err := r.processor.ProcessToken(ctx, token, firstHop, r.pctx)
	if err != nil {
		return err
	}
	r.tally(results)

	if err := r.sweepCoalesceTimeouts(ctx); err != nil {
		return err
	}
	r.maybeEmitProgress()
	return nil
}

// admitSourceRow creates the row's token and drives it through the graph.
// The first valid row pins the source contract for the run.
func (r *pipelineRun) admitSourceRow(ctx context.Context, rowIndex int, srcRow contracts.SourceRow, firstHop string) error {
	if !r.sourceContractRecorded && srcRow.Contract != nil {
		if err := r.o.recorder.SetSourceContract(ctx, r.runID, srcRow.Contract); err != nil {
			return err
		}
		if mapping, version := r.plugins.Source.Plugin.FieldResolution(); len(mapping) > 0 {
			if err := r.o.recorder.RecordSourceFieldResolution(ctx, r.runID, mapping, version); err != nil {
				return err
			}
		}
		r.sourceContractRecorded = true
	}

	token, err := r.tokens.CreateInitialToken(ctx, r.runID, r.dag.SourceID(), rowIndex, srcRow)
	if err != nil {
		return err
	}
	r.lastToken = token

	if hash, hashErr := canonical.StableHash(srcRow.Row); hashErr == nil {
		r.o.emit(contracts.RowCreatedEvent{
			BaseEvent:   contracts.NewBaseEvent(r.runID),
			RowID:       token.RowID,
			TokenID:     token.TokenID,
			ContentHash: hash,
		})
	}

	results, err := r.processor.ProcessToken(ctx, token, firstHop, r.pctx)
	if err != nil {
		return err
	}
	r.tally(results)
	return nil
}

// quarantineSourceRow records the validation failure and, when a quarantine
// sink is configured, parks a token there. A discard destination keeps only
// the validation record.
func (r *pipelineRun) quarantineSourceRow(ctx context.Context, rowIndex int, srcRow contracts.SourceRow) error {
	dest := srcRow.QuarantineDestination
	if dest == "" {
		dest = r.plugins.Source.Info.QuarantineDestination
	}
	schemaMode := ""
	if schema := r.plugins.Source.Info.OutputSchema; schema != nil {
		schemaMode = schema.Mode
	}

	r.pctx.NodeID = r.dag.SourceID()
	if _, err := r.pctx.RecordValidationError(ctx, srcRow.Row, srcRow.QuarantineError, schemaMode, dest); err != nil {
		return err
	}
	r.result.Quarantined++

	if dest == "" || dest == config.RouteDiscard {
		return nil
	}
	if _, ok := r.dag.SinkIDs()[dest]; !ok {
		return contracts.NewFrameworkBug("quarantine-destination",
			"quarantine destination %q is not a configured sink", dest)
	}

	token, err := r.tokens.CreateQuarantineToken(ctx, r.runID, r.dag.SourceID(), rowIndex, srcRow)
	if err != nil {
		return err
	}
	r.bufferForSink(dest, token, PendingOutcome{
		Outcome:   contracts.RowQuarantined,
		ErrorHash: canonical.ErrorHash(srcRow.QuarantineError),
	})
	return nil
}

// sweepAggregationTimeouts fires any aggregation whose timeout elapsed while
// other rows were processing. Runs before each row so a stale buffer cannot
// sit past its deadline indefinitely.
func (r *pipelineRun) sweepAggregationTimeouts(ctx context.Context) error {
	for _, nodeID := range r.aggregations.NodesWithBufferedRows() {
		decision, err := r.aggregations.CheckTrigger(nodeID)
		if err != nil {
			return err
		}
		if !decision.Fired {
			continue
		}
		results, err := r.processor.FlushAggregation(ctx, nodeID, decision, r.pctx)
		if err != nil {
			return err
		}
		r.tally(results)
	}
	return nil
}

// sweepCoalesceTimeouts resolves joins whose window expired, after each row
// so arrival of unrelated rows advances the clock.
func (r *pipelineRun) sweepCoalesceTimeouts(ctx context.Context) error {
	for _, nodeID := range r.dag.CoalesceIDs() {
		outcomes, err := r.coalesces.CheckTimeouts(ctx, nodeID)
		if err != nil {
			return err
		}
		for _, outcome := range outcomes {
			results, err := r.processor.ResolveCoalesceOutcome(ctx, nodeID, outcome, r.pctx)
			if err != nil {
				return err
			}
			r.tally(results)
		}
	}
	return nil
}

// finish runs the end-of-source phase: flush aggregation buffers and pending
// joins, write every parked token to its sink, then finalize and export.
func (r *pipelineRun) finish(ctx context.Context) (*RunResult, error) {
	if err := r.flushAggregations(ctx); err != nil {
		return r.abortRowLoop(ctx, "", r.result.Processed, err)
	}
	if err := r.flushCoalesces(ctx); err != nil {
		return r.abortRowLoop(ctx, "", r.result.Processed, err)
	}

	if err := r.writeSinks(ctx); err != nil {
		return r.fail(ctx, contracts.PhaseProcess, "", err)
	}

	if r.checkpointer != nil {
		if err := r.checkpointer.Clear(ctx); err != nil {
			r.o.logger.Warn("failed to clear checkpoints after completion",
				"run_id", r.runID, "error", err)
		}
	}

	if _, err := r.o.recorder.FinalizeRun(ctx, r.runID, contracts.RunStatusCompleted); err != nil {
		return r.result, err
	}
	r.result.Status = contracts.RunStatusCompleted

	r.exportIfConfigured(ctx)

	r.result.DurationMS = msSince(r.started)
	r.o.emit(contracts.RunCompletedEvent{
		BaseEvent:  contracts.NewBaseEvent(r.runID),
		Status:     contracts.RunStatusCompleted,
		RowsTotal:  r.result.Processed,
		RowsFailed: r.result.Failed,
		DurationMS: r.result.DurationMS,
	})
	return r.result, nil
}

func (r *pipelineRun) flushAggregations(ctx context.Context) error {
	for _, nodeID := range r.aggregations.NodesWithBufferedRows() {
		decision := TriggerDecision{Fired: true, Type: contracts.TriggerManual, Reason: "end_of_source"}
		results, err := r.processor.FlushAggregation(ctx, nodeID, decision, r.pctx)
		if err != nil {
			return err
		}
		r.tally(results)
	}
	return nil
}

func (r *pipelineRun) flushCoalesces(ctx context.Context) error {
	outcomes, err := r.coalesces.FlushPending(ctx)
	if err != nil {
		return err
	}
	for _, outcome := range outcomes {
		nodeID, ok := r.coalesceNodeByName(outcome.CoalesceName)
		if !ok {
			return contracts.NewFrameworkBug("coalesce-flush",
				"flushed coalesce %q maps to no node", outcome.CoalesceName)
		}
		results, err := r.processor.ResolveCoalesceOutcome(ctx, nodeID, outcome, r.pctx)
		if err != nil {
			return err
		}
		r.tally(results)
	}
	return nil
}

func (r *pipelineRun) coalesceNodeByName(name string) (string, bool) {
	for _, nodeID := range r.dag.CoalesceIDs() {
		if spec, ok := r.dag.Coalesce(nodeID); ok && spec.Name == name {
			return nodeID, true
		}
	}
	return "", false
}

// writeSinks drains the pending buffers in deterministic sink order. Tokens
// are grouped by (outcome, error hash) so one write call carries rows that
// will all receive the same outcome, and groups preserve arrival order.
func (r *pipelineRun) writeSinks(ctx context.Context) error {
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	sort.Strings(names)

	sinkIDs := r.dag.SinkIDs()
	for _, name := range names {
		entries := r.pending[name]
		if len(entries) == 0 {
			continue
		}
		binding, ok := r.plugins.Sinks[name]
		if !ok {
			return contracts.NewFrameworkBug("sink-binding", "no plugin bound for sink %q", name)
		}
		sinkID, ok := sinkIDs[name]
		if !ok {
			return contracts.NewFrameworkBug("sink-node", "sink %q is not in the graph", name)
		}

		if r.checkpointer != nil {
			nodeID := sinkID
			r.sinks.SetOnTokenWritten(func(token contracts.TokenInfo) error {
				state, err := r.aggregations.CheckpointState()
				if err != nil {
					return err
				}
				return r.checkpointer.AfterTokenWritten(ctx, token, nodeID, state)
			})
		}

		if node, ok := r.dag.Node(sinkID); ok {
			r.pctx.PluginName = node.PluginName
			r.pctx.Config = node.Config
		}

		for _, group := range groupPending(entries) {
			tokens := make([]contracts.TokenInfo, len(group))
			outcomes := make(map[string]PendingOutcome, len(group))
			for i, entry := range group {
				tokens[i] = entry.token
				outcomes[entry.token.TokenID] = entry.outcome
			}
			res, err := r.sinks.Write(ctx, binding.Plugin, sinkID, name, tokens, outcomes, r.pctx)
			if err != nil {
				return fmt.Errorf("writing sink %q: %w", name, err)
			}
			if res != nil {
				r.result.Destinations[name] += res.RowCount
			}
		}
		delete(r.pending, name)
	}
	return nil
}

// groupPending splits a sink's parked tokens into write groups keyed by
// (outcome, error hash), keeping first-arrival order among groups and
// within each group.
func groupPending(entries []pendingToken) [][]pendingToken {
	type groupKey struct {
		outcome   contracts.RowOutcome
		errorHash string
	}
	index := make(map[groupKey]int)
	groups := make([][]pendingToken, 0, 1)
	for _, entry := range entries {
		key := groupKey{entry.outcome.Outcome, entry.outcome.ErrorHash}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], entry)
	}
	return groups
}

func (r *pipelineRun) bufferForSink(sinkName string, token contracts.TokenInfo, outcome PendingOutcome) {
	r.pending[sinkName] = append(r.pending[sinkName], pendingToken{token: token, outcome: outcome})
}

// tally folds settled row results into the run counters and parks
// sink-bound tokens for the write phase.
func (r *pipelineRun) tally(results []contracts.RowResult) {
	for _, res := range results {
		switch res.Outcome {
		case contracts.RowCompleted:
			r.result.Succeeded++
			r.bufferForSink(res.SinkName, res.Token, PendingOutcome{Outcome: contracts.RowCompleted})
		case contracts.RowRouted:
			r.result.Routed++
			r.bufferForSink(res.SinkName, res.Token, PendingOutcome{Outcome: contracts.RowRouted})
		case contracts.RowCoalesced:
			// A merge that lands directly on a sink: the merged token
			// completes when the write flushes.
			r.result.Coalesced++
			r.result.Succeeded++
			r.bufferForSink(res.SinkName, res.Token, PendingOutcome{Outcome: contracts.RowCompleted})
		case contracts.RowFailed:
			r.result.Failed++
			if res.Error != nil && res.Error.ExceptionType == "CoalesceFailure" {
				r.result.CoalesceFailed++
			}
		case contracts.RowQuarantined:
			r.result.Quarantined++
		case contracts.RowForked:
			r.result.Forked++
		case contracts.RowExpanded:
			r.result.Expanded++
		case contracts.RowBuffered:
			r.result.Buffered++
		case contracts.RowConsumedInBatch, contracts.RowDiscarded:
			// Audited, but not part of the counter set.
		}
	}
}

func (r *pipelineRun) maybeEmitProgress() {
	processed := r.result.Processed
	if processed != 1 && processed%100 != 0 && time.Since(r.lastProgress) < 5*time.Second {
		return
	}
	r.lastProgress = time.Now()
	r.o.emit(contracts.ProgressEvent{
		BaseEvent:       contracts.NewBaseEvent(r.runID),
		RowsProcessed:   processed,
		RowsSucceeded:   r.result.Succeeded + r.result.Routed,
		RowsFailed:      r.result.Failed,
		RowsQuarantined: r.result.Quarantined,
		ElapsedSeconds:  time.Since(r.started).Seconds(),
	})
}

// abortRowLoop classifies an error that stopped row processing. A pending
// batch and a cancellation both leave the run resumable; anything else
// fails it. The source operation, when still open, is settled to match.
func (r *pipelineRun) abortRowLoop(ctx context.Context, operationID string, rowsLoaded int, cause error) (*RunResult, error) {
	var pendingErr *contracts.BatchPendingError
	switch {
	case errors.As(cause, &pendingErr):
		if operationID != "" {
			r.completeOperation(context.WithoutCancel(ctx), operationID, contracts.OperationPending, loadStats(rowsLoaded), nil)
		}
		return r.batchPending(ctx, pendingErr, cause)

	case errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded):
		if operationID != "" {
			r.completeOperation(context.WithoutCancel(ctx), operationID, contracts.OperationPending, loadStats(rowsLoaded), nil)
		}
		return r.interrupt(ctx)

	default:
		if operationID != "" {
			r.completeOperation(ctx, operationID, contracts.OperationFailed, loadStats(rowsLoaded), cause)
		}
		return r.fail(ctx, contracts.PhaseProcess, "", cause)
	}
}

// batchPending parks the run for external batch completion: checkpoint the
// buffers, mark the run INTERRUPTED, and hand the original error back so
// callers can schedule the retry.
func (r *pipelineRun) batchPending(ctx context.Context, pending *contracts.BatchPendingError, cause error) (*RunResult, error) {
	base := context.WithoutCancel(ctx)

	if r.checkpointer != nil {
		state, err := r.aggregations.CheckpointState()
		if err != nil {
			r.o.logger.Error("failed to snapshot aggregation state for pending batch",
				"run_id", r.runID, "batch_id", pending.BatchID, "error", err)
		} else {
			tokenID := r.lastToken.TokenID
			if buffered := r.aggregations.BufferedTokens(pending.NodeID); len(buffered) > 0 {
				tokenID = buffered[0].TokenID
			}
			if tokenID == "" {
				r.o.logger.Warn("pending batch has no checkpointable token",
					"run_id", r.runID, "batch_id", pending.BatchID)
			} else if err := r.checkpointer.Save(base, tokenID, pending.NodeID, state); err != nil {
				r.o.logger.Error("failed to checkpoint pending batch",
					"run_id", r.runID, "batch_id", pending.BatchID, "error", err)
			}
		}
	}

	r.o.logger.Info("run interrupted, batch pending external completion",
		"run_id", r.runID,
		"batch_id", pending.BatchID,
		"status", pending.Status,
		"check_after", pending.CheckAfter)

	r.finalizeInterrupted(base)
	return r.result, cause
}

// interrupt settles a cancelled run: checkpoint what the buffers hold so the
// run can resume, then mark it INTERRUPTED. Cancellation is an operator
// action, not an error, so the error return is nil.
func (r *pipelineRun) interrupt(ctx context.Context) (*RunResult, error) {
	base := context.WithoutCancel(ctx)

	if r.checkpointer != nil && r.lastToken.TokenID != "" {
		if state, err := r.aggregations.CheckpointState(); err != nil {
			r.o.logger.Error("failed to snapshot aggregation state on interrupt",
				"run_id", r.runID, "error", err)
		} else if err := r.checkpointer.Save(base, r.lastToken.TokenID, r.dag.SourceID(), state); err != nil {
			r.o.logger.Error("failed to checkpoint on interrupt",
				"run_id", r.runID, "error", err)
		}
	}

	r.finalizeInterrupted(base)
	return r.result, nil
}

func (r *pipelineRun) finalizeInterrupted(ctx context.Context) {
	if _, err := r.o.recorder.FinalizeRun(ctx, r.runID, contracts.RunStatusInterrupted); err != nil {
		r.o.logger.Error("failed to finalize interrupted run", "run_id", r.runID, "error", err)
	}
	r.result.Status = contracts.RunStatusInterrupted
	r.result.Interrupted = true
	r.result.DurationMS = msSince(r.started)
	r.o.emit(contracts.RunCompletedEvent{
		BaseEvent:   contracts.NewBaseEvent(r.runID),
		Status:      contracts.RunStatusInterrupted,
		RowsTotal:   r.result.Processed,
		RowsFailed:  r.result.Failed,
		DurationMS:  r.result.DurationMS,
		Interrupted: true,
	})
}

// fail settles a run that cannot continue. The cause is returned unchanged
// so callers can inspect it.
func (r *pipelineRun) fail(ctx context.Context, phase contracts.PipelinePhase, target string, cause error) (*RunResult, error) {
	base := context.WithoutCancel(ctx)

	r.o.emit(contracts.PhaseErrorEvent{
		BaseEvent: contracts.NewBaseEvent(r.runID),
		Phase:     phase,
		Error:     cause.Error(),
		Target:    target,
	})
	if _, err := r.o.recorder.FinalizeRun(base, r.runID, contracts.RunStatusFailed); err != nil {
		r.o.logger.Error("failed to finalize failed run", "run_id", r.runID, "error", err)
	}
	r.result.Status = contracts.RunStatusFailed
	r.result.DurationMS = msSince(r.started)
	r.o.emit(contracts.RunCompletedEvent{
		BaseEvent:    contracts.NewBaseEvent(r.runID),
		Status:       contracts.RunStatusFailed,
		RowsTotal:    r.result.Processed,
		RowsFailed:   r.result.Failed,
		DurationMS:   r.result.DurationMS,
		ErrorMessage: cause.Error(),
	})
	return r.result, cause
}

func (r *pipelineRun) completeOperation(ctx context.Context, operationID string, status contracts.OperationStatus, output map[string]any, cause error) {
	in := landscape.CompleteOperationInput{
		OperationID: operationID,
		Status:      status,
		OutputData:  output,
	}
	if cause != nil {
		in.Error = cause.Error()
	}
	if err := r.o.recorder.CompleteOperation(ctx, in); err != nil {
		r.o.logger.Error("failed to complete source load operation",
			"run_id", r.runID, "operation_id", operationID, "error", err)
	}
}

// exportIfConfigured runs the post-completion export through the configured
// sink. Export failure is recorded on the run but never demotes a COMPLETED
// status: the pipeline's own work is done and durable.
func (r *pipelineRun) exportIfConfigured(ctx context.Context) {
	exportCfg := r.o.settings.Landscape.Export
	if !exportCfg.Enabled {
		return
	}
	if r.o.exporter == nil {
		r.o.logger.Warn("landscape export enabled but no exporter wired", "run_id", r.runID)
		return
	}

	base := context.WithoutCancel(ctx)
	if err := r.o.recorder.SetExportStatus(base, r.runID, landscape.ExportStatusUpdate{
		Status: contracts.ExportStatusPending,
		Format: exportCfg.Format,
		Sink:   exportCfg.Sink,
	}); err != nil {
		r.o.logger.Error("failed to mark export pending", "run_id", r.runID, "error", err)
		return
	}

	if err := r.runExport(base, exportCfg); err != nil {
		r.o.logger.Error("landscape export failed", "run_id", r.runID, "error", err)
		r.o.emit(contracts.PhaseErrorEvent{
			BaseEvent: contracts.NewBaseEvent(r.runID),
			Phase:     contracts.PhaseExport,
			Error:     err.Error(),
			Target:    exportCfg.Sink,
		})
		if serr := r.o.recorder.SetExportStatus(base, r.runID, landscape.ExportStatusUpdate{
			Status: contracts.ExportStatusFailed,
			Error:  err.Error(),
			Format: exportCfg.Format,
			Sink:   exportCfg.Sink,
		}); serr != nil {
			r.o.logger.Error("failed to mark export failed", "run_id", r.runID, "error", serr)
		}
		return
	}

	if err := r.o.recorder.SetExportStatus(base, r.runID, landscape.ExportStatusUpdate{
		Status: contracts.ExportStatusCompleted,
		Format: exportCfg.Format,
		Sink:   exportCfg.Sink,
	}); err != nil {
		r.o.logger.Error("failed to mark export completed", "run_id", r.runID, "error", err)
	}
}

// runExport writes the run's audit records through the export sink plugin.
// CSV exports go out grouped by record type so each write shares a column
// set; JSON exports go out as one ordered stream.
func (r *pipelineRun) runExport(ctx context.Context, exportCfg config.ExportSettings) error {
	binding, ok := r.plugins.Sinks[exportCfg.Sink]
	if !ok {
		return fmt.Errorf("export sink %q is not a configured sink", exportCfg.Sink)
	}
	sinkID, ok := r.dag.SinkIDs()[exportCfg.Sink]
	if !ok {
		return fmt.Errorf("export sink %q is not in the graph", exportCfg.Sink)
	}

	contract, err := contracts.NewContract(contracts.ModeObserved)
	if err != nil {
		return err
	}

	pctx := &contracts.PluginContext{
		RunID:         r.runID,
		NodeID:        sinkID,
		PluginName:    binding.Info.PluginName,
		Recorder:      r.o.recorder,
		Payloads:      r.o.payloads,
		RateLimits:    r.o.rateLimits,
		TelemetryEmit: r.o.emit,
		Logger:        r.o.logger,
	}
	if node, ok := r.dag.Node(sinkID); ok {
		pctx.Config = node.Config
	}

	writeRecords := func(records []landscape.ExportRecord) error {
		if len(records) == 0 {
			return nil
		}
		rows := make([]*contracts.PipelineRow, len(records))
		for i, rec := range records {
			rows[i] = contracts.NewPipelineRow(contracts.Row(rec), contract)
		}
		artifact, err := binding.Plugin.Write(ctx, rows, pctx)
		if err != nil {
			return err
		}
		if artifact != nil {
			if _, aerr := r.o.recorder.RecordArtifact(ctx, landscape.RecordArtifactInput{
				RunID:        r.runID,
				SinkNodeID:   sinkID,
				ArtifactType: artifact.ArtifactType,
				PathOrURI:    artifact.PathOrURI,
				ContentHash:  artifact.ContentHash,
				SizeBytes:    artifact.SizeBytes,
			}); aerr != nil {
				return aerr
			}
		}
		return nil
	}

	if exportCfg.Format == "csv" {
		groups, err := r.o.exporter.ExportRunGrouped(ctx, r.runID, exportCfg.Sign)
		if err != nil {
			return err
		}
		types := make([]string, 0, len(groups))
		for recordType := range groups {
			types = append(types, recordType)
		}
		sort.Strings(types)
		for _, recordType := range types {
			if err := writeRecords(groups[recordType]); err != nil {
				return err
			}
		}
	} else {
		records, err := r.o.exporter.ExportRun(ctx, r.runID, exportCfg.Sign)
		if err != nil {
			return err
		}
		if err := writeRecords(records); err != nil {
			return err
		}
	}
	return binding.Plugin.Flush(ctx)
}

// closePlugins runs completion hooks and closes every plugin, in use order:
// source, transforms, aggregations, sinks. All cleanup runs regardless of
// individual failures; the errors aggregate into one.
func (r *pipelineRun) closePlugins(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	var errs []error

	closeOne := func(kind, name string, plugin contracts.Plugin) {
		if plugin == nil {
			return
		}
		if hooks, ok := plugin.(contracts.LifecycleHooks); ok {
			if err := hooks.OnComplete(base, r.pctx); err != nil {
				errs = append(errs, fmt.Errorf("%s %q on_complete: %w", kind, name, err))
			}
		}
		if err := plugin.Close(base); err != nil {
			errs = append(errs, fmt.Errorf("closing %s %q: %w", kind, name, err))
		}
	}

	closeOne("source", r.o.settings.Source.Plugin, r.plugins.Source.Plugin)
	for _, name := range sortedKeys(r.plugins.Transforms) {
		closeOne("transform", name, r.plugins.Transforms[name].Plugin)
	}
	for _, name := range sortedKeys(r.plugins.Aggregations) {
		closeOne("aggregation", name, r.plugins.Aggregations[name].Plugin)
	}
	for _, name := range sortedKeys(r.plugins.Sinks) {
		closeOne("sink", name, r.plugins.Sinks[name].Plugin)
	}

	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
