package contracts

import "time"

// Telemetry events are operational signals emitted after audit recording
// succeeds. They are advisory: losing one never affects the legal record.

// Event is implemented by every telemetry event.
type Event interface {
	EventKind() string
	EventTime() time.Time
}

// BaseEvent carries the fields common to every event. Embed it and stamp
// it with NewBaseEvent.
type BaseEvent struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
}

func (b BaseEvent) EventTime() time.Time { return b.Timestamp }

// NewBaseEvent stamps an event with the current time.
func NewBaseEvent(runID string) BaseEvent {
	return BaseEvent{Timestamp: time.Now().UTC(), RunID: runID}
}

// RunStartedEvent fires once execution begins.
type RunStartedEvent struct {
	BaseEvent
	PipelineName string `json:"pipeline_name"`
	NodeCount    int    `json:"node_count"`
}

func (RunStartedEvent) EventKind() string { return "run_started" }

// RunCompletedEvent fires once per run with the final status.
type RunCompletedEvent struct {
	BaseEvent
	Status       RunStatus `json:"status"`
	RowsTotal    int       `json:"rows_total"`
	RowsFailed   int       `json:"rows_failed"`
	DurationMS   float64   `json:"duration_ms"`
	Interrupted  bool      `json:"interrupted"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

func (RunCompletedEvent) EventKind() string { return "run_completed" }

// RowCreatedEvent fires when a source row becomes a token, after the audit
// recording succeeds.
type RowCreatedEvent struct {
	BaseEvent
	RowID       string `json:"row_id"`
	TokenID     string `json:"token_id"`
	ContentHash string `json:"content_hash"`
}

func (RowCreatedEvent) EventKind() string { return "row_created" }

// ProgressEvent fires on a hybrid cadence (first row, every hundredth row,
// every five seconds) so long runs stay observable without per-row noise.
type ProgressEvent struct {
	BaseEvent
	RowsProcessed   int     `json:"rows_processed"`
	RowsSucceeded   int     `json:"rows_succeeded"`
	RowsFailed      int     `json:"rows_failed"`
	RowsQuarantined int     `json:"rows_quarantined"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
}

func (ProgressEvent) EventKind() string { return "progress" }

// PhaseErrorEvent fires when a run phase fails outside row processing:
// database setup, graph construction, source iteration, or export.
type PhaseErrorEvent struct {
	BaseEvent
	Phase  PipelinePhase `json:"phase"`
	Error  string        `json:"error"`
	Target string        `json:"target,omitempty"`
}

func (PhaseErrorEvent) EventKind() string { return "phase_error" }

// NodeStateCompletedEvent fires per node visit at node granularity.
type NodeStateCompletedEvent struct {
	BaseEvent
	NodeID     string          `json:"node_id"`
	TokenID    string          `json:"token_id"`
	StateID    string          `json:"state_id"`
	Status     NodeStateStatus `json:"status"`
	DurationMS float64         `json:"duration_ms"`
}

func (NodeStateCompletedEvent) EventKind() string { return "node_state_completed" }

// RowOutcomeEvent fires when a token reaches a terminal outcome.
type RowOutcomeEvent struct {
	BaseEvent
	TokenID  string     `json:"token_id"`
	RowID    string     `json:"row_id"`
	Outcome  RowOutcome `json:"outcome"`
	SinkName string     `json:"sink_name,omitempty"`
}

func (RowOutcomeEvent) EventKind() string { return "row_outcome" }

// ExternalCallCompletedEvent fires after an external call is recorded to
// the audit store. Hashes are snapshotted at call time so asynchronous
// export cannot drift from what was recorded.
type ExternalCallCompletedEvent struct {
	BaseEvent
	StateID      string     `json:"state_id,omitempty"`
	OperationID  string     `json:"operation_id,omitempty"`
	TokenID      string     `json:"token_id,omitempty"`
	CallType     CallType   `json:"call_type"`
	Provider     string     `json:"provider"`
	Status       CallStatus `json:"status"`
	LatencyMS    float64    `json:"latency_ms"`
	RequestHash  string     `json:"request_hash"`
	ResponseHash string     `json:"response_hash,omitempty"`
}

func (ExternalCallCompletedEvent) EventKind() string { return "external_call_completed" }

// RetryScheduledEvent fires when the retry manager schedules another
// attempt for a node invocation.
type RetryScheduledEvent struct {
	BaseEvent
	NodeID   string        `json:"node_id"`
	TokenID  string        `json:"token_id"`
	Attempt  int           `json:"attempt"`
	Delay    time.Duration `json:"delay"`
	LastErr  string        `json:"last_error"`
	Exceeded bool          `json:"exceeded"`
}

func (RetryScheduledEvent) EventKind() string { return "retry_scheduled" }

// AggregationFlushedEvent fires when a buffered batch executes.
type AggregationFlushedEvent struct {
	BaseEvent
	NodeID    string      `json:"node_id"`
	BatchID   string      `json:"batch_id"`
	Trigger   TriggerType `json:"trigger"`
	BatchSize int         `json:"batch_size"`
}

func (AggregationFlushedEvent) EventKind() string { return "aggregation_flushed" }
