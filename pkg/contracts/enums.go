// Package contracts defines the shared vocabulary of the engine: enums,
// schema contracts, plugin capability interfaces, result types, and the
// error taxonomy. Every other package speaks in these types; none of them
// depend back on the engine.
package contracts

// RunStatus tracks the lifecycle of a run. Transitions only move forward.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// ExportStatus tracks the post-run audit export phase.
type ExportStatus string

const (
	ExportStatusNone      ExportStatus = "none"
	ExportStatusPending   ExportStatus = "pending"
	ExportStatusCompleted ExportStatus = "completed"
	ExportStatusFailed    ExportStatus = "failed"
)

// ReproducibilityGrade records how faithfully a completed run can be
// replayed from its audit trail alone.
type ReproducibilityGrade string

const (
	// FullReproducible: every node deterministic and every payload persisted.
	GradeFullReproducible ReproducibilityGrade = "FULL_REPRODUCIBLE"
	// ReplayReproducible: external calls present, but request/response
	// payloads were captured so the run can be replayed from recordings.
	GradeReplayReproducible ReproducibilityGrade = "REPLAY_REPRODUCIBLE"
)

// NodeType classifies graph nodes.
type NodeType string

const (
	NodeTypeSource      NodeType = "source"
	NodeTypeTransform   NodeType = "transform"
	NodeTypeSink        NodeType = "sink"
	NodeTypeGate        NodeType = "gate"
	NodeTypeAggregation NodeType = "aggregation"
	NodeTypeCoalesce    NodeType = "coalesce"
)

// Determinism declares how a plugin's output relates to its input, used for
// reproducibility grading.
type Determinism string

const (
	DeterminismDeterministic    Determinism = "deterministic"
	DeterminismNonDeterministic Determinism = "non_deterministic"
	DeterminismIORead           Determinism = "io_read"
	DeterminismIOWrite          Determinism = "io_write"
	DeterminismExternalCall     Determinism = "external_call"
)

// EdgeMode describes how a token moves along an edge.
type EdgeMode string

const (
	// EdgeMove advances the token to the successor.
	EdgeMove EdgeMode = "move"
	// EdgeCopy emits a duplicate without consuming the token.
	EdgeCopy EdgeMode = "copy"
	// EdgeDivert is a move onto an off-happy-path edge (quarantine, on_error).
	EdgeDivert EdgeMode = "divert"
)

// NodeStateStatus is the lifecycle of a single attempt at a node.
// OPEN transitions to exactly one of the terminal variants; PENDING is the
// suspended batch-pending state and may be superseded by a later attempt.
type NodeStateStatus string

const (
	StateOpen      NodeStateStatus = "open"
	StatePending   NodeStateStatus = "pending"
	StateCompleted NodeStateStatus = "completed"
	StateFailed    NodeStateStatus = "failed"
)

// TokenOutcome is the stored terminal classification of a token. Exactly one
// per token, ever.
type TokenOutcome string

const (
	OutcomeCompletedAtSink TokenOutcome = "completed_at_sink"
	OutcomeForked          TokenOutcome = "forked"
	OutcomeExpanded        TokenOutcome = "expanded"
	OutcomeJoined          TokenOutcome = "joined"
	OutcomeConsumedInBatch TokenOutcome = "consumed_in_batch"
	OutcomeFailed          TokenOutcome = "failed"
	OutcomeDiscarded       TokenOutcome = "discarded"
	OutcomeQuarantined     TokenOutcome = "quarantined"
)

// RowOutcome is the in-flight processing disposition the engine loop hands
// back to the orchestrator for each token. Sink-bound dispositions
// (Completed, Routed, Coalesced) become stored outcomes only after sink
// durability; the rest map directly onto TokenOutcome values.
type RowOutcome string

const (
	RowCompleted       RowOutcome = "completed"
	RowRouted          RowOutcome = "routed"
	RowFailed          RowOutcome = "failed"
	RowQuarantined     RowOutcome = "quarantined"
	RowForked          RowOutcome = "forked"
	RowConsumedInBatch RowOutcome = "consumed_in_batch"
	RowCoalesced       RowOutcome = "coalesced"
	RowExpanded        RowOutcome = "expanded"
	RowBuffered        RowOutcome = "buffered"
	RowDiscarded       RowOutcome = "discarded"
)

// OperationType distinguishes the two engine-level operations.
type OperationType string

const (
	OperationSourceLoad OperationType = "source_load"
	OperationSinkWrite  OperationType = "sink_write"
)

// OperationStatus is the lifecycle of an operation. An open operation
// transitions exactly once.
type OperationStatus string

const (
	OperationOpen      OperationStatus = "open"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationPending   OperationStatus = "pending"
)

// CallType classifies external side effects.
type CallType string

const (
	CallLLM        CallType = "llm"
	CallHTTP       CallType = "http"
	CallSQL        CallType = "sql"
	CallFilesystem CallType = "filesystem"
)

// CallStatus is the outcome of an external call.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

// BatchStatus is the aggregation batch lifecycle.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// TriggerType records why a batch executed.
type TriggerType string

const (
	TriggerCount  TriggerType = "count"
	TriggerTime   TriggerType = "time"
	TriggerManual TriggerType = "manual"
)

// ContractMode governs how a schema contract treats undeclared fields.
type ContractMode string

const (
	// ModeFixed admits only declared fields; extras are violations.
	ModeFixed ContractMode = "fixed"
	// ModeFlexible requires the declared minimum and infers extras on
	// first-row observation.
	ModeFlexible ContractMode = "flexible"
	// ModeObserved infers every field from data.
	ModeObserved ContractMode = "observed"
)

// FieldKind is the closed set of primitive kinds a contract field may carry.
// Compound and exotic values normalize to KindAny.
type FieldKind string

const (
	KindInt      FieldKind = "int"
	KindFloat    FieldKind = "float"
	KindBool     FieldKind = "bool"
	KindString   FieldKind = "str"
	KindDatetime FieldKind = "datetime"
	KindNone     FieldKind = "none_type"
	KindAny      FieldKind = "any"
)

// FieldSource records whether a field was declared in configuration or
// inferred from data.
type FieldSource string

const (
	SourceDeclared FieldSource = "declared"
	SourceInferred FieldSource = "inferred"
)

// CoalescePolicy decides when a coalesce point merges its branches.
type CoalescePolicy string

const (
	PolicyRequireAll CoalescePolicy = "require_all"
	PolicyQuorum     CoalescePolicy = "quorum"
	PolicyBestEffort CoalescePolicy = "best_effort"
	PolicyFirst      CoalescePolicy = "first"
)

// MergeStrategy decides how arrived branch rows combine into the merged row.
type MergeStrategy string

const (
	MergeUnion  MergeStrategy = "union"
	MergeNested MergeStrategy = "nested"
	MergeSelect MergeStrategy = "select"
)

// AggregationOutputMode decides what an aggregation emits after execution.
type AggregationOutputMode string

const (
	// OutputSingle merges the batch into one output token.
	OutputSingle AggregationOutputMode = "single"
	// OutputTransform emits one output token per input token.
	OutputTransform AggregationOutputMode = "transform"
	// OutputPassthrough re-emits the buffered tokens unchanged.
	OutputPassthrough AggregationOutputMode = "passthrough"
)

// CheckpointFrequency controls when the orchestrator snapshots progress.
type CheckpointFrequency string

const (
	CheckpointEveryRow        CheckpointFrequency = "every_row"
	CheckpointEveryN          CheckpointFrequency = "every_n"
	CheckpointAggregationOnly CheckpointFrequency = "aggregation_only"
)

// SecurityLevel annotates a node for export consumers. The engine records it
// and never enforces it.
type SecurityLevel string

const SecurityUnofficial SecurityLevel = "UNOFFICIAL"

// PipelinePhase names the coarse stage a run is in, for phase-level error
// reporting.
type PipelinePhase string

const (
	PhaseDatabase PipelinePhase = "database"
	PhaseGraph    PipelinePhase = "graph"
	PhaseSource   PipelinePhase = "source"
	PhaseProcess  PipelinePhase = "process"
	PhaseExport   PipelinePhase = "export"
)
