package landscape

import (
	"time"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// Run is one pipeline execution. settings_json holds the fully resolved
// configuration so exports stay self-contained without database access.
type Run struct {
	RunID                     string     `db:"run_id"`
	StartedAt                 time.Time  `db:"started_at"`
	CompletedAt               *time.Time `db:"completed_at"`
	ConfigHash                string     `db:"config_hash"`
	SettingsJSON              string     `db:"settings_json"`
	ReproducibilityGrade      *string    `db:"reproducibility_grade"`
	CanonicalVersion          string     `db:"canonical_version"`
	SourceContractJSON        *string    `db:"source_contract_json"`
	SourceContractHash        *string    `db:"source_contract_hash"`
	SourceFieldResolutionJSON *string    `db:"source_field_resolution_json"`
	Status                    string     `db:"status"`
	ExportStatus              *string    `db:"export_status"`
	ExportError               *string    `db:"export_error"`
	ExportedAt                *time.Time `db:"exported_at"`
	ExportFormat              *string    `db:"export_format"`
	ExportSink                *string    `db:"export_sink"`
}

// Node is one registered plugin instance. The primary key is composite
// (node_id, run_id): deterministic node IDs repeat across runs of the same
// pipeline against the same database.
type Node struct {
	NodeID             string    `db:"node_id"`
	RunID              string    `db:"run_id"`
	PluginName         string    `db:"plugin_name"`
	NodeType           string    `db:"node_type"`
	PluginVersion      string    `db:"plugin_version"`
	Determinism        string    `db:"determinism"`
	ConfigHash         string    `db:"config_hash"`
	ConfigJSON         string    `db:"config_json"`
	SchemaHash         *string   `db:"schema_hash"`
	SchemaMode         *string   `db:"schema_mode"`
	SchemaFieldsJSON   *string   `db:"schema_fields_json"`
	SequenceInPipeline *int      `db:"sequence_in_pipeline"`
	RegisteredAt       time.Time `db:"registered_at"`
}

// Edge is one graph edge. (run_id, from_node_id, label) is unique so routing
// events can resolve an edge from the routing decision alone.
type Edge struct {
	EdgeID      string    `db:"edge_id"`
	RunID       string    `db:"run_id"`
	FromNodeID  string    `db:"from_node_id"`
	ToNodeID    string    `db:"to_node_id"`
	Label       string    `db:"label"`
	DefaultMode string    `db:"default_mode"`
	CreatedAt   time.Time `db:"created_at"`
}

// SourceRow is one row as loaded from the source. The payload reference is
// nil when no payload store is configured; the hash is always present.
type SourceRow struct {
	RowID          string    `db:"row_id"`
	RunID          string    `db:"run_id"`
	SourceNodeID   string    `db:"source_node_id"`
	RowIndex       int       `db:"row_index"`
	SourceDataHash string    `db:"source_data_hash"`
	SourceDataRef  *string   `db:"source_data_ref"`
	CreatedAt      time.Time `db:"created_at"`
}

// Token is one row instance traversing a DAG path. Group IDs link siblings
// created by the same fork, join, or expansion.
type Token struct {
	TokenID        string    `db:"token_id"`
	RowID          string    `db:"row_id"`
	ForkGroupID    *string   `db:"fork_group_id"`
	JoinGroupID    *string   `db:"join_group_id"`
	ExpandGroupID  *string   `db:"expand_group_id"`
	BranchName     *string   `db:"branch_name"`
	StepInPipeline *int      `db:"step_in_pipeline"`
	CreatedAt      time.Time `db:"created_at"`
}

// Info converts the stored token to the engine-facing TokenInfo.
func (t *Token) Info() contracts.TokenInfo {
	info := contracts.TokenInfo{TokenID: t.TokenID, RowID: t.RowID}
	if t.BranchName != nil {
		info.BranchName = *t.BranchName
	}
	if t.ForkGroupID != nil {
		info.ForkGroupID = *t.ForkGroupID
	}
	if t.JoinGroupID != nil {
		info.JoinGroupID = *t.JoinGroupID
	}
	if t.ExpandGroupID != nil {
		info.ExpandGroupID = *t.ExpandGroupID
	}
	return info
}

// TokenParent links a child token to one parent. Forked and expanded
// children have one parent; coalesced tokens have one per merged branch.
type TokenParent struct {
	TokenID       string `db:"token_id"`
	ParentTokenID string `db:"parent_token_id"`
	Ordinal       int    `db:"ordinal"`
}

// TokenOutcomeRecord is a token's disposition. A partial unique index allows
// at most one terminal record per token; BUFFERED records are non-terminal
// and may be followed by the real outcome when the batch flushes.
type TokenOutcomeRecord struct {
	OutcomeID            string    `db:"outcome_id"`
	RunID                string    `db:"run_id"`
	TokenID              string    `db:"token_id"`
	Outcome              string    `db:"outcome"`
	IsTerminal           int       `db:"is_terminal"`
	RecordedAt           time.Time `db:"recorded_at"`
	SinkName             *string   `db:"sink_name"`
	BatchID              *string   `db:"batch_id"`
	ForkGroupID          *string   `db:"fork_group_id"`
	JoinGroupID          *string   `db:"join_group_id"`
	ExpandGroupID        *string   `db:"expand_group_id"`
	ErrorHash            *string   `db:"error_hash"`
	ContextJSON          *string   `db:"context_json"`
	ExpectedBranchesJSON *string   `db:"expected_branches_json"`
}

// Terminal reports whether this record closed the token.
func (o *TokenOutcomeRecord) Terminal() bool { return o.IsTerminal == 1 }

// NodeState is one attempt of one token at one node. Retries append new
// records with incremented attempt; earlier attempts stay in place.
type NodeState struct {
	StateID           string     `db:"state_id"`
	TokenID           string     `db:"token_id"`
	RunID             string     `db:"run_id"`
	NodeID            string     `db:"node_id"`
	StepIndex         int        `db:"step_index"`
	Attempt           int        `db:"attempt"`
	Status            string     `db:"status"`
	InputHash         string     `db:"input_hash"`
	OutputHash        *string    `db:"output_hash"`
	InputRef          *string    `db:"input_ref"`
	OutputRef         *string    `db:"output_ref"`
	ContextBeforeJSON *string    `db:"context_before_json"`
	ContextAfterJSON  *string    `db:"context_after_json"`
	DurationMS        *float64   `db:"duration_ms"`
	ErrorJSON         *string    `db:"error_json"`
	SuccessReasonJSON *string    `db:"success_reason_json"`
	StartedAt         time.Time  `db:"started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
}

// Operation is the source/sink analogue of a node state: the parent context
// for external calls made during load() or write(). Operations exist at the
// run/node level because sources create tokens rather than processing them.
type Operation struct {
	OperationID   string     `db:"operation_id"`
	RunID         string     `db:"run_id"`
	NodeID        string     `db:"node_id"`
	OperationType string     `db:"operation_type"`
	StartedAt     time.Time  `db:"started_at"`
	CompletedAt   *time.Time `db:"completed_at"`
	Status        string     `db:"status"`
	InputHash     *string    `db:"input_hash"`
	InputRef      *string    `db:"input_ref"`
	OutputHash    *string    `db:"output_hash"`
	OutputRef     *string    `db:"output_ref"`
	ErrorMessage  *string    `db:"error_message"`
	DurationMS    *float64   `db:"duration_ms"`
}

// Call is one recorded external side effect. Exactly one of StateID and
// OperationID is set; a CHECK constraint enforces the same rule in the
// database.
type Call struct {
	CallID       string    `db:"call_id"`
	StateID      *string   `db:"state_id"`
	OperationID  *string   `db:"operation_id"`
	CallIndex    int       `db:"call_index"`
	CallType     string    `db:"call_type"`
	Status       string    `db:"status"`
	RequestHash  string    `db:"request_hash"`
	RequestRef   *string   `db:"request_ref"`
	ResponseHash *string   `db:"response_hash"`
	ResponseRef  *string   `db:"response_ref"`
	ErrorJSON    *string   `db:"error_json"`
	LatencyMS    *float64  `db:"latency_ms"`
	Provider     *string   `db:"provider"`
	CreatedAt    time.Time `db:"created_at"`
}

// RoutingEvent is one routing decision applied to one token at one state.
type RoutingEvent struct {
	EventID        string    `db:"event_id"`
	StateID        string    `db:"state_id"`
	EdgeID         string    `db:"edge_id"`
	RoutingGroupID string    `db:"routing_group_id"`
	Ordinal        int       `db:"ordinal"`
	Mode           string    `db:"mode"`
	ReasonHash     *string   `db:"reason_hash"`
	ReasonRef      *string   `db:"reason_ref"`
	CreatedAt      time.Time `db:"created_at"`
}

// Batch is one aggregation buffer execution.
type Batch struct {
	BatchID            string     `db:"batch_id"`
	RunID              string     `db:"run_id"`
	AggregationNodeID  string     `db:"aggregation_node_id"`
	AggregationStateID *string    `db:"aggregation_state_id"`
	TriggerReason      *string    `db:"trigger_reason"`
	TriggerType        *string    `db:"trigger_type"`
	Attempt            int        `db:"attempt"`
	Status             string     `db:"status"`
	CreatedAt          time.Time  `db:"created_at"`
	CompletedAt        *time.Time `db:"completed_at"`
}

// BatchMember is one token's membership in a batch, with its buffer position.
type BatchMember struct {
	BatchID string `db:"batch_id"`
	TokenID string `db:"token_id"`
	Ordinal int    `db:"ordinal"`
}

// Artifact is one sink output: file, table, or external object.
type Artifact struct {
	ArtifactID        string    `db:"artifact_id"`
	RunID             string    `db:"run_id"`
	ProducedByStateID string    `db:"produced_by_state_id"`
	SinkNodeID        string    `db:"sink_node_id"`
	ArtifactType      string    `db:"artifact_type"`
	PathOrURI         string    `db:"path_or_uri"`
	ContentHash       string    `db:"content_hash"`
	SizeBytes         int64     `db:"size_bytes"`
	IdempotencyKey    *string   `db:"idempotency_key"`
	CreatedAt         time.Time `db:"created_at"`
}

// ValidationErrorRecord is one row that failed source validation.
type ValidationErrorRecord struct {
	ErrorID     string    `db:"error_id"`
	RunID       string    `db:"run_id"`
	NodeID      *string   `db:"node_id"`
	RowHash     string    `db:"row_hash"`
	RowDataJSON *string   `db:"row_data_json"`
	Error       string    `db:"error"`
	SchemaMode  string    `db:"schema_mode"`
	Destination string    `db:"destination"`
	CreatedAt   time.Time `db:"created_at"`
}

// TransformErrorRecord is one row a transform declined to process. These are
// legitimate data failures routed by on_error, not plugin bugs.
type TransformErrorRecord struct {
	ErrorID          string    `db:"error_id"`
	RunID            string    `db:"run_id"`
	TokenID          string    `db:"token_id"`
	TransformID      string    `db:"transform_id"`
	RowHash          string    `db:"row_hash"`
	RowDataJSON      *string   `db:"row_data_json"`
	ErrorDetailsJSON *string   `db:"error_details_json"`
	Destination      string    `db:"destination"`
	CreatedAt        time.Time `db:"created_at"`
}

// CheckpointRecord is one resume point. The topology hashes gate restore:
// a checkpoint taken under a different upstream graph must be rejected.
type CheckpointRecord struct {
	CheckpointID             string    `db:"checkpoint_id"`
	RunID                    string    `db:"run_id"`
	TokenID                  string    `db:"token_id"`
	NodeID                   string    `db:"node_id"`
	SequenceNumber           int64     `db:"sequence_number"`
	AggregationStateJSON     *string   `db:"aggregation_state_json"`
	UpstreamTopologyHash     string    `db:"upstream_topology_hash"`
	CheckpointNodeConfigHash string    `db:"checkpoint_node_config_hash"`
	FormatVersion            int       `db:"format_version"`
	CreatedAt                time.Time `db:"created_at"`
}

// SecretResolution documents one secret lookup: where the value came from
// and its HMAC fingerprint. Values themselves are never stored.
type SecretResolution struct {
	ResolutionID string    `db:"resolution_id"`
	RunID        string    `db:"run_id"`
	Timestamp    time.Time `db:"timestamp"`
	EnvVarName   string    `db:"env_var_name"`
	Source       string    `db:"source"`
	ProviderURL  *string   `db:"provider_url"`
	SecretName   *string   `db:"secret_name"`
	Fingerprint  string    `db:"fingerprint"`
	LatencyMS    float64   `db:"latency_ms"`
}

// RowLineage is the graceful-degradation view of one row: hashes always
// present, payload data only when the store still holds it.
type RowLineage struct {
	RowID            string
	RunID            string
	SourceNodeID     string
	RowIndex         int
	SourceDataHash   string
	CreatedAt        time.Time
	SourceData       contracts.Row
	PayloadAvailable bool
}
