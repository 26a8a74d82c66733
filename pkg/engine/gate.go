package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/expr"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// MissingEdgeError reports a routing decision whose edge was never
// registered for the run. Moving a token without a recorded edge would break
// lineage, so routing fails closed.
type MissingEdgeError struct {
	NodeID string
	Label  string
}

func (e *MissingEdgeError) Error() string {
	return fmt.Sprintf("no edge registered from node %s with label %q", e.NodeID, e.Label)
}

// GateOutcome is a gate's decision applied to one token. Exactly one of
// Children, SinkName, NextNodeID, and Discarded describes where the token
// went; the rest stay zero.
type GateOutcome struct {
	Result     *contracts.GateResult
	Token      contracts.TokenInfo
	Children   []contracts.TokenInfo
	SinkName   string
	NextNodeID string
	Discarded  bool
}

// GateExecutor evaluates gate conditions and records the routing decision.
// Gates never modify row data; the node state always completes COMPLETED on
// a successful evaluation, and the terminal disposition is derived from
// routing events and token parentage.
type GateExecutor struct {
	recorder *landscape.Recorder
	dag      *graph.Graph
	edges    map[landscape.EdgeKey]string
	tokens   *TokenManager
	emit     contracts.TelemetryFunc

	// conditions caches one parsed expression per gate node. Conditions
	// were validated at config load, so a parse failure here is a bug.
	conditions map[string]*expr.Expression
}

// NewGateExecutor builds an executor over the run's registered edges.
func NewGateExecutor(recorder *landscape.Recorder, dag *graph.Graph, edges map[landscape.EdgeKey]string, tokens *TokenManager, emit contracts.TelemetryFunc) *GateExecutor {
	return &GateExecutor{
		recorder:   recorder,
		dag:        dag,
		edges:      edges,
		tokens:     tokens,
		emit:       emit,
		conditions: make(map[string]*expr.Expression),
	}
}

// Execute evaluates the gate's condition against the token's row and routes
// it. A boolean condition result selects the "true"/"false" route; a string
// result is the route label itself. Routing events are recorded before fork
// children are created, so lineage always shows the decision first.
func (e *GateExecutor) Execute(ctx context.Context, gateID string, token contracts.TokenInfo, pctx *contracts.PluginContext) (*GateOutcome, error) {
	spec, ok := e.dag.Gate(gateID)
	if !ok {
		return nil, contracts.NewFrameworkBug("gate-node", "gate executed with unknown node %s", gateID)
	}
	step := e.dag.StepIndex(gateID)

	inputData := token.RowData.Data()
	inputHash, err := canonical.StableHash(inputData)
	if err != nil {
		return nil, fmt.Errorf("input for gate %q is not canonicalizable: %w", spec.Name, err)
	}

	state, err := e.recorder.BeginNodeState(ctx, landscape.BeginNodeStateInput{
		TokenID:   token.TokenID,
		RunID:     pctx.RunID,
		NodeID:    gateID,
		StepIndex: step,
		InputData: inputData,
	})
	if err != nil {
		return nil, err
	}
	pctx.Contract = token.RowData.Contract()

	condition, err := e.condition(gateID, spec.Condition)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	value, evalErr := condition.Eval(evalView(token.RowData))
	durationMS := msSince(start)
	if evalErr != nil {
		evalErr = fmt.Errorf("gate %q condition failed: %w", spec.Name, evalErr)
		if cerr := e.completeFailed(ctx, state.StateID, durationMS, executionError(evalErr)); cerr != nil {
			return nil, cerr
		}
		return nil, evalErr
	}

	label := routeLabel(value)
	dest, ok := e.dag.ResolveRoute(gateID, label)
	if !ok {
		routeErr := fmt.Errorf("gate %q condition returned %q, which is not one of its routes", spec.Name, label)
		if cerr := e.completeFailed(ctx, state.StateID, durationMS, executionError(routeErr)); cerr != nil {
			return nil, cerr
		}
		return nil, routeErr
	}

	reason := map[string]any{"condition": spec.Condition, "result": label}
	outcome := &GateOutcome{Token: token}
	var action contracts.RoutingAction

	switch dest.Kind {
	case graph.RouteToDiscard:
		// No edge leaves a discard route; the DISCARDED outcome is the
		// audit evidence.
		action = contracts.RouteAction(label, contracts.EdgeMove, reason)
		outcome.Discarded = true

	case graph.RouteToSink:
		action = contracts.RouteAction(label, contracts.EdgeMove, reason)
		if err := e.recordRoute(ctx, state.StateID, gateID, label, contracts.EdgeMove, reason, durationMS); err != nil {
			return nil, err
		}
		outcome.SinkName = dest.Sink

	case graph.RouteToNode:
		action = contracts.RouteAction(label, contracts.EdgeMove, reason)
		if err := e.recordRoute(ctx, state.StateID, gateID, label, contracts.EdgeMove, reason, durationMS); err != nil {
			return nil, err
		}
		outcome.NextNodeID = dest.NodeID

	case graph.RouteToFork:
		if e.tokens == nil {
			return nil, contracts.NewFrameworkBug("gate-fork",
				"gate %q routes to fork but the executor has no token manager", spec.Name)
		}
		action = contracts.ForkAction(spec.ForkTo, reason)
		if err := e.recordFork(ctx, state.StateID, gateID, spec.ForkTo, reason, durationMS); err != nil {
			return nil, err
		}
		children, _, err := e.tokens.ForkToken(ctx, pctx.RunID, token, spec.ForkTo, gateID, nil)
		if err != nil {
			return nil, err
		}
		outcome.Children = children

	default:
		return nil, contracts.NewFrameworkBug("gate-route",
			"gate %q route %q resolved to unsupported destination kind %q", spec.Name, label, dest.Kind)
	}

	result := &contracts.GateResult{
		Row:        inputData,
		Action:     action,
		Contract:   token.RowData.Contract(),
		InputHash:  inputHash,
		OutputHash: inputHash,
		DurationMS: durationMS,
	}
	outcome.Result = result

	if err := e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
		StateID:    state.StateID,
		Status:     contracts.StateCompleted,
		OutputData: inputData,
		DurationMS: durationMS,
	}); err != nil {
		return nil, err
	}
	if e.emit != nil {
		e.emit(contracts.NodeStateCompletedEvent{
			BaseEvent:  contracts.NewBaseEvent(pctx.RunID),
			NodeID:     gateID,
			TokenID:    token.TokenID,
			StateID:    state.StateID,
			Status:     contracts.StateCompleted,
			DurationMS: durationMS,
		})
	}

	return outcome, nil
}

func (e *GateExecutor) condition(gateID, source string) (*expr.Expression, error) {
	if cached, ok := e.conditions[gateID]; ok {
		return cached, nil
	}
	condition, err := expr.Parse(source)
	if err != nil {
		return nil, contracts.NewFrameworkBug("gate-condition",
			"condition for gate node %s failed to parse after config validation: %v", gateID, err)
	}
	e.conditions[gateID] = condition
	return condition, nil
}

// recordRoute records a single-destination routing event, failing the node
// state first when the edge is missing.
func (e *GateExecutor) recordRoute(ctx context.Context, stateID, gateID, label string, mode contracts.EdgeMode, reason map[string]any, durationMS float64) error {
	edgeID, ok := e.edges[landscape.EdgeKey{FromNodeID: gateID, Label: label}]
	if !ok {
		missing := &MissingEdgeError{NodeID: gateID, Label: label}
		if cerr := e.completeFailed(ctx, stateID, durationMS, executionError(missing)); cerr != nil {
			return cerr
		}
		return missing
	}
	_, err := e.recorder.RecordRoutingEvent(ctx, stateID, edgeID, mode, reason)
	return err
}

// recordFork records one COPY routing event per branch in a single write.
func (e *GateExecutor) recordFork(ctx context.Context, stateID, gateID string, branches []string, reason map[string]any, durationMS float64) error {
	routes := make([]landscape.RoutingSpec, 0, len(branches))
	for _, branch := range branches {
		edgeID, ok := e.edges[landscape.EdgeKey{FromNodeID: gateID, Label: branch}]
		if !ok {
			missing := &MissingEdgeError{NodeID: gateID, Label: branch}
			if cerr := e.completeFailed(ctx, stateID, durationMS, executionError(missing)); cerr != nil {
				return cerr
			}
			return missing
		}
		routes = append(routes, landscape.RoutingSpec{EdgeID: edgeID, Mode: contracts.EdgeCopy})
	}
	_, err := e.recorder.RecordRoutingEvents(ctx, stateID, routes, reason)
	return err
}

func (e *GateExecutor) completeFailed(ctx context.Context, stateID string, durationMS float64, errInfo map[string]any) error {
	return e.recorder.CompleteNodeState(ctx, landscape.CompleteNodeStateInput{
		StateID:    stateID,
		Status:     contracts.StateFailed,
		DurationMS: durationMS,
		Error:      errInfo,
	})
}

// routeLabel converts a condition result to a route label: booleans become
// "true"/"false", strings pass through, anything else is stringified.
func routeLabel(value any) string {
	switch v := value.(type) {
	case bool:
		if v {
			return "true"
		}
		return "false"
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// evalView renders a row for expression evaluation with both normalized and
// original field names visible, matching contract-resolved row access.
func evalView(row *contracts.PipelineRow) map[string]any {
	view := row.Data()
	contract := row.Contract()
	if contract == nil {
		return view
	}
	for _, f := range contract.Fields() {
		if f.OriginalName == "" || f.OriginalName == f.NormalizedName {
			continue
		}
		value, present := view[f.NormalizedName]
		if !present {
			continue
		}
		if _, taken := view[f.OriginalName]; !taken {
			view[f.OriginalName] = value
		}
	}
	return view
}
