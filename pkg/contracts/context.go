package contracts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonical"
)

// CallRecord is what a plugin reports about one external side-effect. The
// parent (node state or operation) comes from the context, not the plugin.
type CallRecord struct {
	CallType     CallType
	Status       CallStatus
	RequestData  map[string]any
	ResponseData any
	Error        map[string]any
	LatencyMS    float64
	Provider     string
}

// CallInput is the full recorder-side call payload including parentage.
// Exactly one of StateID and OperationID must be set; the store enforces
// this with a constraint as well.
type CallInput struct {
	StateID     string
	OperationID string
	CallIndex   int
	CallType    CallType
	Status      CallStatus
	RequestData map[string]any

	// ResponseData nil means no response existed. Empty-but-valid
	// responses (empty map, list, or string) still get a response hash.
	ResponseData any

	Error     map[string]any
	LatencyMS float64
	Provider  string
}

// ValidationErrorInput records a row that failed source validation.
type ValidationErrorInput struct {
	RunID       string
	NodeID      string
	RowData     any
	Error       string
	SchemaMode  string
	Destination string
	Violations  []Violation
}

// TransformErrorInput records a row a transform could not process.
type TransformErrorInput struct {
	RunID        string
	TokenID      string
	TransformID  string
	RowData      Row
	ErrorDetails map[string]any
	Destination  string
}

// ContextRecorder is the slice of the audit recorder reachable from plugin
// code. The full recorder lives in the landscape package; this interface
// keeps plugins decoupled from it.
type ContextRecorder interface {
	// AllocateCallIndex hands out the next contiguous call index for a
	// node state. Centralized so mixed recording paths cannot collide.
	AllocateCallIndex(stateID string) int

	RecordCall(ctx context.Context, input CallInput) (string, error)
	RecordValidationError(ctx context.Context, input ValidationErrorInput) (string, error)
	RecordTransformError(ctx context.Context, input TransformErrorInput) (string, error)

	// TokenIDForState resolves the token a state belongs to, for
	// telemetry attribution when the context has no token set.
	TokenIDForState(ctx context.Context, stateID string) string
}

// PayloadStore stores content-addressed payloads. Implementations live in
// the payload package.
type PayloadStore interface {
	Put(ctx context.Context, payload []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// RateLimiterRegistry grants permission to call a named external service.
// Acquire blocks until the service's configured rate allows another call or
// the context is cancelled. The returned release must be called when the
// call finishes.
type RateLimiterRegistry interface {
	Acquire(ctx context.Context, service string) (release func(), err error)
}

// TelemetryFunc receives engine events for operational export. The engine
// installs a no-op when telemetry is disabled, so callers never nil-check.
type TelemetryFunc func(event Event)

// ValidationErrorToken tracks a quarantined row through the audit trail.
type ValidationErrorToken struct {
	RowID       string
	NodeID      string
	ErrorID     string
	Destination string
}

// TransformErrorToken tracks a transform-errored row through the audit
// trail. This is for legitimate processing errors, not plugin bugs.
type TransformErrorToken struct {
	TokenID     string
	TransformID string
	ErrorID     string
	Destination string
}

// PluginContext carries everything a plugin may need during one invocation:
// run metadata, configuration, the audit recorder slice, payload store,
// rate limits, and telemetry. Executors build a fresh context per
// invocation, so plugins never synchronize access to it.
type PluginContext struct {
	RunID      string
	NodeID     string
	PluginName string
	Config     map[string]any

	// Exactly one of StateID and OperationID is set while an invocation
	// is in flight. Transforms and gates run under a node state;
	// source loads and sink writes run under an operation.
	StateID     string
	OperationID string

	// Token is the row instance currently being processed, when there
	// is one. Batch invocations set BatchTokenIDs instead, mapping batch
	// position to originating token.
	Token         *TokenInfo
	Contract      *SchemaContract
	BatchTokenIDs []string

	Recorder      ContextRecorder
	Payloads      PayloadStore
	RateLimits    RateLimiterRegistry
	TelemetryEmit TelemetryFunc
	Logger        *slog.Logger

	checkpoint       map[string]any
	batchCheckpoints map[string]map[string]any
}

// Get returns a config value by dotted path, or def when absent.
func (c *PluginContext) Get(key string, def any) any {
	var value any = c.Config
	for {
		m, ok := value.(map[string]any)
		if !ok {
			return def
		}
		head, rest, more := cutPath(key)
		v, present := m[head]
		if !present {
			return def
		}
		if !more {
			return v
		}
		value = v
		key = rest
	}
}

func cutPath(key string) (head, rest string, more bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}

func (c *PluginContext) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// StartSpan times a named operation, logging the duration at debug level
// when the returned func runs.
func (c *PluginContext) StartSpan(name string) func() {
	start := time.Now()
	return func() {
		c.logger().Debug("span completed",
			"span", name,
			"run_id", c.RunID,
			"node_id", c.NodeID,
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0)
	}
}

// RecordCall records an external call to the audit trail and then emits
// telemetry. The call is parented to the context's node state or operation;
// having both or neither set is a framework bug, never a data error.
func (c *PluginContext) RecordCall(ctx context.Context, rec CallRecord) (string, error) {
	hasState := c.StateID != ""
	hasOperation := c.OperationID != ""

	if hasState && hasOperation {
		return "", &FrameworkBugError{
			Invariant: "call-parentage",
			Message:   "record_call invoked with both state_id and operation_id set: state_id=" + c.StateID + " operation_id=" + c.OperationID,
		}
	}
	if !hasState && !hasOperation {
		return "", &FrameworkBugError{
			Invariant: "call-parentage",
			Message:   "record_call invoked without state_id or operation_id: run_id=" + c.RunID + " node_id=" + c.NodeID,
		}
	}
	if c.Recorder == nil {
		c.logger().Warn("external call not recorded, no recorder configured",
			"run_id", c.RunID, "node_id", c.NodeID)
		return "", nil
	}

	input := CallInput{
		StateID:      c.StateID,
		OperationID:  c.OperationID,
		CallType:     rec.CallType,
		Status:       rec.Status,
		RequestData:  rec.RequestData,
		ResponseData: rec.ResponseData,
		Error:        rec.Error,
		LatencyMS:    rec.LatencyMS,
		Provider:     rec.Provider,
	}
	if hasState {
		input.CallIndex = c.Recorder.AllocateCallIndex(c.StateID)
	}

	callID, err := c.Recorder.RecordCall(ctx, input)
	if err != nil {
		return "", err
	}

	event := ExternalCallCompletedEvent{
		BaseEvent:   NewBaseEvent(c.RunID),
		StateID:     c.StateID,
		OperationID: c.OperationID,
		CallType:    rec.CallType,
		Provider:    rec.Provider,
		Status:      rec.Status,
		LatencyMS:   rec.LatencyMS,
	}
	if hash, hashErr := canonical.StableHash(rec.RequestData); hashErr == nil {
		event.RequestHash = hash
	}
	if rec.ResponseData != nil {
		if hash, hashErr := canonical.StableHash(rec.ResponseData); hashErr == nil {
			event.ResponseHash = hash
		}
	}
	if c.Token != nil {
		event.TokenID = c.Token.TokenID
	} else if hasState {
		event.TokenID = c.Recorder.TokenIDForState(ctx, c.StateID)
	}
	c.emitTelemetry(event)

	return callID, nil
}

// RecordValidationError records a source validation failure. The row is
// quarantined, not processed, but the audit trail keeps what was seen.
func (c *PluginContext) RecordValidationError(ctx context.Context, row any, validationErr, schemaMode, destination string, violations ...Violation) (ValidationErrorToken, error) {
	rowID := validationRowID(row)
	token := ValidationErrorToken{
		RowID:       rowID,
		NodeID:      c.NodeID,
		Destination: destination,
	}
	if c.Recorder == nil {
		c.logger().Warn("validation error not recorded, no recorder configured",
			"run_id", c.RunID, "error", validationErr)
		return token, nil
	}
	errorID, err := c.Recorder.RecordValidationError(ctx, ValidationErrorInput{
		RunID:       c.RunID,
		NodeID:      c.NodeID,
		RowData:     row,
		Error:       validationErr,
		SchemaMode:  schemaMode,
		Destination: destination,
		Violations:  violations,
	})
	if err != nil {
		return token, err
	}
	token.ErrorID = errorID
	return token, nil
}

// validationRowID derives an identifier for a row that never entered the
// pipeline. External data may be malformed beyond canonicalization (NaN,
// non-map values), so fall back to a representation hash rather than lose
// the audit record.
func validationRowID(row any) string {
	if m, ok := row.(map[string]any); ok {
		if id, present := m["id"]; present && id != nil {
			return fmt.Sprint(id)
		}
	}
	if hash, err := canonical.StableHash(row); err == nil {
		return hash[:16]
	}
	return canonical.ReprHash(row)
}

// RecordTransformError records a legitimate processing error from a
// transform, routing the row to its configured destination.
func (c *PluginContext) RecordTransformError(ctx context.Context, tokenID, transformID string, row Row, errorDetails map[string]any, destination string) (TransformErrorToken, error) {
	token := TransformErrorToken{
		TokenID:     tokenID,
		TransformID: transformID,
		Destination: destination,
	}
	if c.Recorder == nil {
		c.logger().Warn("transform error not recorded, no recorder configured",
			"run_id", c.RunID, "transform_id", transformID)
		return token, nil
	}
	errorID, err := c.Recorder.RecordTransformError(ctx, TransformErrorInput{
		RunID:        c.RunID,
		TokenID:      tokenID,
		TransformID:  transformID,
		RowData:      row,
		ErrorDetails: errorDetails,
		Destination:  destination,
	})
	if err != nil {
		return token, err
	}
	token.ErrorID = errorID
	return token, nil
}

func (c *PluginContext) emitTelemetry(event Event) {
	if c.TelemetryEmit == nil {
		return
	}
	// Telemetry is advisory; a failing exporter must never affect the
	// recording path it trails.
	defer func() {
		if r := recover(); r != nil {
			c.logger().Warn("telemetry emit failed", "error", r, "run_id", c.RunID)
		}
	}()
	c.TelemetryEmit(event)
}

// GetCheckpoint returns checkpoint state for batch transforms, preferring a
// checkpoint restored from a previous pending batch over local updates.
// Returns nil when no checkpoint exists.
func (c *PluginContext) GetCheckpoint() map[string]any {
	if c.NodeID != "" {
		if restored, ok := c.batchCheckpoints[c.NodeID]; ok && len(restored) > 0 {
			return restored
		}
	}
	if len(c.checkpoint) == 0 {
		return nil
	}
	return c.checkpoint
}

// UpdateCheckpoint merges data into the local checkpoint.
func (c *PluginContext) UpdateCheckpoint(data map[string]any) {
	if c.checkpoint == nil {
		c.checkpoint = make(map[string]any, len(data))
	}
	for k, v := range data {
		c.checkpoint[k] = v
	}
}

// ClearCheckpoint drops local and restored checkpoint state so a completed
// batch cannot leak stale resume data into the next one.
func (c *PluginContext) ClearCheckpoint() {
	c.checkpoint = nil
	if c.NodeID != "" {
		delete(c.batchCheckpoints, c.NodeID)
	}
}

// RestoreBatchCheckpoint installs checkpoint state carried by a pending
// batch, keyed by node. Called by the engine before re-invoking a batch
// transform.
func (c *PluginContext) RestoreBatchCheckpoint(nodeID string, data map[string]any) {
	if c.batchCheckpoints == nil {
		c.batchCheckpoints = make(map[string]map[string]any)
	}
	c.batchCheckpoints[nodeID] = data
}
