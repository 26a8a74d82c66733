package contracts

import "fmt"

// TransformStatus is deliberately a two-value string, not a full enum:
// transforms either produced output or a structured error. Everything else
// (retry, routing, outcomes) is the engine's business.
type TransformStatus string

const (
	StatusSuccess TransformStatus = "success"
	StatusError   TransformStatus = "error"
)

// TransformResult is what a transform hands back to the engine. Build one
// with TransformSuccess, TransformSuccessMulti, or TransformError; the
// audit fields (InputHash, OutputHash, DurationMS) are populated by the
// executor, never by the plugin.
type TransformResult struct {
	Status TransformStatus

	// Row is set for single-row success, Rows for multi-row success.
	Row  *PipelineRow
	Rows []*PipelineRow

	// SuccessReason is required metadata on success results and must
	// include at least an "action" key.
	SuccessReason map[string]any

	// ErrorReason is required on error results and must include at least
	// a "reason" key.
	ErrorReason map[string]any

	Retryable bool

	// ContextAfter carries operational metadata for the audit trail,
	// e.g. pool statistics or ordering info.
	ContextAfter map[string]any

	// Audit fields, set by the executor.
	InputHash  string
	OutputHash string
	DurationMS float64
}

// TransformSuccess builds a single-row success result.
func TransformSuccess(row *PipelineRow, successReason map[string]any) *TransformResult {
	return &TransformResult{
		Status:        StatusSuccess,
		Row:           row,
		SuccessReason: successReason,
	}
}

// TransformSuccessMulti builds a multi-row success result. All rows must
// share the same contract instance; the executor rejects mixed contracts as
// a plugin bug via CheckInvariants.
func TransformSuccessMulti(rows []*PipelineRow, successReason map[string]any) *TransformResult {
	return &TransformResult{
		Status:        StatusSuccess,
		Rows:          rows,
		SuccessReason: successReason,
	}
}

// TransformError builds an error result with a structured reason.
func TransformError(errorReason map[string]any, retryable bool) *TransformResult {
	return &TransformResult{
		Status:      StatusError,
		ErrorReason: errorReason,
		Retryable:   retryable,
	}
}

// IsMultiRow reports whether this result carries multiple output rows.
func (r *TransformResult) IsMultiRow() bool { return r.Rows != nil }

// HasOutputData reports whether any output rows exist.
func (r *TransformResult) HasOutputData() bool { return r.Row != nil || r.Rows != nil }

// CheckInvariants validates the result shape. Executors call this on every
// plugin return; a violation is a plugin bug, not a data error.
func (r *TransformResult) CheckInvariants() error {
	switch r.Status {
	case StatusSuccess:
		if r.SuccessReason == nil {
			return fmt.Errorf("success result missing success reason: transforms must report what they did")
		}
		if r.Row == nil && r.Rows == nil {
			return fmt.Errorf("success result has no output data")
		}
		if r.Row != nil && r.Rows != nil {
			return fmt.Errorf("success result sets both single and multi row output")
		}
		if len(r.Rows) > 0 {
			first := r.Rows[0].Contract()
			for i, row := range r.Rows[1:] {
				if row.Contract() != first {
					return fmt.Errorf("multi-row result carries inconsistent contracts: row 0 and row %d differ", i+1)
				}
			}
		}
	case StatusError:
		if r.ErrorReason == nil {
			return fmt.Errorf("error result missing error reason")
		}
	default:
		return fmt.Errorf("unknown transform result status %q", r.Status)
	}
	return nil
}

// RoutingKind classifies what a gate decided to do with a token.
type RoutingKind string

const (
	RouteContinue RoutingKind = "continue"
	RouteTo       RoutingKind = "route"
	RouteFork     RoutingKind = "fork"
)

// RoutingAction is a gate's routing decision: continue down the pipeline,
// route to a labeled destination, or fork to multiple branches.
type RoutingAction struct {
	Kind     RoutingKind
	Label    string
	Mode     EdgeMode
	Branches []string
	Reason   map[string]any
}

// ContinueAction keeps the token on the default pipeline path.
func ContinueAction(reason map[string]any) RoutingAction {
	return RoutingAction{Kind: RouteContinue, Reason: reason}
}

// RouteAction sends the token down the edge with the given label.
func RouteAction(label string, mode EdgeMode, reason map[string]any) RoutingAction {
	return RoutingAction{Kind: RouteTo, Label: label, Mode: mode, Reason: reason}
}

// ForkAction copies the token onto each named branch.
func ForkAction(branches []string, reason map[string]any) RoutingAction {
	return RoutingAction{Kind: RouteFork, Branches: branches, Reason: reason}
}

// GateResult is a gate's output: the (possibly modified) row plus the
// routing decision. Audit fields are set by the executor.
type GateResult struct {
	Row      Row
	Action   RoutingAction
	Contract *SchemaContract

	InputHash  string
	OutputHash string
	DurationMS float64
}

// ToPipelineRow wraps the gate output for downstream processing.
func (g *GateResult) ToPipelineRow() (*PipelineRow, error) {
	if g.Contract == nil {
		return nil, fmt.Errorf("gate result has no contract")
	}
	return NewPipelineRow(g.Row, g.Contract), nil
}

// FailureInfo captures structured error details for failed outcomes.
type FailureInfo struct {
	ExceptionType string `json:"exception_type"`
	Message       string `json:"message"`
	Attempts      int    `json:"attempts,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// FailureFromRetriesExceeded builds a FailureInfo from exhausted retries.
func FailureFromRetriesExceeded(e *MaxRetriesExceeded) *FailureInfo {
	info := &FailureInfo{
		ExceptionType: "MaxRetriesExceeded",
		Message:       e.Error(),
		Attempts:      e.Attempts,
	}
	if e.LastErr != nil {
		info.LastError = e.LastErr.Error()
	}
	return info
}

// RowResult is the final result of processing one token through the
// pipeline. The outcome here is the in-flight classification; the recorder
// maps it to the stored terminal outcome once sink durability is confirmed.
type RowResult struct {
	Token     TokenInfo
	FinalData *PipelineRow
	Outcome   RowOutcome
	SinkName  string
	Error     *FailureInfo
}

// CheckInvariants rejects outcome and field combinations that would corrupt
// the audit trail.
func (r *RowResult) CheckInvariants() error {
	switch r.Outcome {
	case RowCompleted, RowRouted, RowCoalesced:
		if r.SinkName == "" {
			return fmt.Errorf("%s outcome requires a sink name", r.Outcome)
		}
	case RowFailed:
		if r.Error == nil {
			return fmt.Errorf("failed outcome requires error details")
		}
	}
	return nil
}

// ArtifactDescriptor describes one artifact a sink produced. ContentHash
// and SizeBytes are mandatory: verification against what was actually
// written is the point of the audit trail.
type ArtifactDescriptor struct {
	ArtifactType string
	PathOrURI    string
	ContentHash  string
	SizeBytes    int64
	Metadata     map[string]any
}

// FileArtifact describes a file written to the local filesystem.
func FileArtifact(path, contentHash string, sizeBytes int64) ArtifactDescriptor {
	return ArtifactDescriptor{
		ArtifactType: "file",
		PathOrURI:    "file://" + path,
		ContentHash:  contentHash,
		SizeBytes:    sizeBytes,
	}
}

// DatabaseArtifact describes rows written to a database table. The URL must
// already be credential-free; sinks sanitize before constructing this.
func DatabaseArtifact(sanitizedURL, table, contentHash string, payloadSize int64, rowCount int) ArtifactDescriptor {
	return ArtifactDescriptor{
		ArtifactType: "database",
		PathOrURI:    fmt.Sprintf("db://%s@%s", table, sanitizedURL),
		ContentHash:  contentHash,
		SizeBytes:    payloadSize,
		Metadata:     map[string]any{"table": table, "row_count": rowCount},
	}
}

// WebhookArtifact describes a webhook delivery. The URL must already be
// token-free.
func WebhookArtifact(sanitizedURL, contentHash string, requestSize int64, responseCode int) ArtifactDescriptor {
	return ArtifactDescriptor{
		ArtifactType: "webhook",
		PathOrURI:    "webhook://" + sanitizedURL,
		ContentHash:  contentHash,
		SizeBytes:    requestSize,
		Metadata:     map[string]any{"response_code": responseCode},
	}
}

// SourceRow is what sources yield: either validated data with a contract or
// quarantined data bound for an error sink. Wrapping invalid rows rather
// than dropping them keeps source outcomes visible in the audit trail.
type SourceRow struct {
	// Row holds the data. Quarantined rows may be non-tabular (malformed
	// external input), so the engine wraps non-map values before recording.
	Row Row

	Quarantined           bool
	QuarantineError       string
	QuarantineDestination string

	Contract *SchemaContract
}

// ValidSourceRow wraps a validated row with its contract.
func ValidSourceRow(row Row, contract *SchemaContract) SourceRow {
	return SourceRow{Row: row, Contract: contract}
}

// QuarantinedSourceRow wraps a row that failed source validation, bound for
// the named destination ("discard" or a sink name).
func QuarantinedSourceRow(row Row, validationError, destination string) SourceRow {
	return SourceRow{
		Row:                   row,
		Quarantined:           true,
		QuarantineError:       validationError,
		QuarantineDestination: destination,
	}
}

// ToPipelineRow converts a valid source row for processing.
func (s *SourceRow) ToPipelineRow() (*PipelineRow, error) {
	if s.Quarantined {
		return nil, fmt.Errorf("cannot convert quarantined row to pipeline row")
	}
	if s.Contract == nil {
		return nil, fmt.Errorf("source row has no contract")
	}
	return NewPipelineRow(s.Row, s.Contract), nil
}
