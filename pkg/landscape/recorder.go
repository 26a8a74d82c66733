package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

var terminalRunStatuses = map[contracts.RunStatus]bool{
	contracts.RunStatusCompleted:   true,
	contracts.RunStatusFailed:      true,
	contracts.RunStatusInterrupted: true,
}

// Recorder writes the audit trail. All methods are safe for concurrent use:
// the database serializes writes, and the call-index allocators hold their
// own lock. Recording failures are returned, never swallowed; an audit trail
// with holes is worse than a stopped pipeline.
type Recorder struct {
	db       *DB
	payloads contracts.PayloadStore
	journal  *Journal

	// mu guards the in-memory allocators. Values are seeded from the
	// database on first use so allocation survives recorder recreation.
	mu             sync.Mutex
	stateCallIndex map[string]int
	opCallIndex    map[string]int
	checkpointSeq  map[string]int64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithPayloadStore attaches a content-addressed payload store. Without one
// the recorder keeps hashes only and row data is not recoverable.
func WithPayloadStore(store contracts.PayloadStore) RecorderOption {
	return func(r *Recorder) { r.payloads = store }
}

// WithJournal mirrors every recorder write to a JSONL journal for debugging.
func WithJournal(j *Journal) RecorderOption {
	return func(r *Recorder) { r.journal = j }
}

// NewRecorder builds a Recorder over an open audit database.
func NewRecorder(db *DB, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		db:             db,
		stateCallIndex: make(map[string]int),
		opCallIndex:    make(map[string]int),
		checkpointSeq:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PayloadStore exposes the attached store, nil when none was configured.
func (r *Recorder) PayloadStore() contracts.PayloadStore { return r.payloads }

// DB exposes the underlying connection for the query and export sides.
func (r *Recorder) DB() *DB { return r.db }

func (r *Recorder) journalRecord(op string, fields map[string]any) {
	if r.journal == nil {
		return
	}
	r.journal.Append(op, fields)
}

// BeginRunInput carries everything known at run start. Settings must already
// be fully resolved; the recorder hashes and stores them verbatim.
type BeginRunInput struct {
	// RunID is generated when empty.
	RunID    string
	Settings map[string]any

	// Contract is the source schema contract when declared in config.
	// Sources that infer their schema from the first row attach it later
	// via SetSourceContract.
	Contract *contracts.SchemaContract
}

// BeginRun opens a new run in RUNNING status and records the resolved
// settings, their hash, and the canonical hashing version in force.
func (r *Recorder) BeginRun(ctx context.Context, in BeginRunInput) (*Run, error) {
	settingsJSON, err := canonical.Marshal(in.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize run settings: %w", err)
	}
	configHash, err := canonical.StableHash(in.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to hash run settings: %w", err)
	}

	run := &Run{
		RunID:            in.RunID,
		StartedAt:        now(),
		ConfigHash:       configHash,
		SettingsJSON:     string(settingsJSON),
		CanonicalVersion: canonical.Version,
		Status:           string(contracts.RunStatusRunning),
	}
	if run.RunID == "" {
		run.RunID = newID()
	}

	if in.Contract != nil {
		contractJSON, err := in.Contract.ToCheckpoint()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize source contract: %w", err)
		}
		contractStr := string(contractJSON)
		contractHash := in.Contract.VersionHash()
		run.SourceContractJSON = &contractStr
		run.SourceContractHash = &contractHash
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO runs (
			run_id, started_at, config_hash, settings_json, canonical_version,
			status, source_contract_json, source_contract_hash
		) VALUES (
			:run_id, :started_at, :config_hash, :settings_json, :canonical_version,
			:status, :source_contract_json, :source_contract_hash
		)`, run)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	r.journalRecord("begin_run", map[string]any{
		"run_id":      run.RunID,
		"config_hash": run.ConfigHash,
	})
	return run, nil
}

// GetRun fetches a run, or nil when no such run exists.
func (r *Recorder) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	query := r.db.Rebind(`SELECT * FROM runs WHERE run_id = ?`)
	if err := r.db.GetContext(ctx, &run, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return &run, nil
}

// CompleteRun closes a run with a terminal status. Non-terminal statuses are
// rejected; use UpdateRunStatus for intermediate transitions.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status contracts.RunStatus) (*Run, error) {
	return r.completeRun(ctx, runID, status, nil)
}

// FinalizeRun computes the reproducibility grade from the run's registered
// nodes and completes the run with it.
func (r *Recorder) FinalizeRun(ctx context.Context, runID string, status contracts.RunStatus) (*Run, error) {
	grade, err := r.ComputeReproducibilityGrade(ctx, runID)
	if err != nil {
		return nil, err
	}
	g := string(grade)
	return r.completeRun(ctx, runID, status, &g)
}

func (r *Recorder) completeRun(ctx context.Context, runID string, status contracts.RunStatus, grade *string) (*Run, error) {
	if !terminalRunStatuses[status] {
		return nil, contracts.NewFrameworkBug("run-lifecycle",
			"CompleteRun requires a terminal status, got %q", status)
	}

	completedAt := now()
	query := r.db.Rebind(`
		UPDATE runs SET status = ?, completed_at = ?, reproducibility_grade = ?
		WHERE run_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, string(status), completedAt, grade, runID); err != nil {
		return nil, fmt.Errorf("failed to complete run %s: %w", runID, err)
	}

	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &contracts.DataIntegrityError{
			Message: fmt.Sprintf("run %s not found after completion update", runID),
		}
	}

	r.journalRecord("complete_run", map[string]any{
		"run_id": runID,
		"status": string(status),
	})
	return run, nil
}

// ComputeReproducibilityGrade grades a run from its registered nodes. Any
// node whose output cannot be re-derived from inputs alone demotes the run
// to REPLAY_REPRODUCIBLE; recorded calls still allow a faithful replay.
func (r *Recorder) ComputeReproducibilityGrade(ctx context.Context, runID string) (contracts.ReproducibilityGrade, error) {
	var count int
	query := r.db.Rebind(`
		SELECT count(*) FROM nodes
		WHERE run_id = ? AND determinism IN (?, ?)`)
	err := r.db.GetContext(ctx, &count, query, runID,
		string(contracts.DeterminismNonDeterministic),
		string(contracts.DeterminismExternalCall))
	if err != nil {
		return "", fmt.Errorf("failed to inspect node determinism for run %s: %w", runID, err)
	}
	if count > 0 {
		return contracts.GradeReplayReproducible, nil
	}
	return contracts.GradeFullReproducible, nil
}

// UpdateRunStatus changes the run status without touching completed_at.
// Meant for intermediate transitions such as interrupted → running on resume.
func (r *Recorder) UpdateRunStatus(ctx context.Context, runID string, status contracts.RunStatus) error {
	query := r.db.Rebind(`UPDATE runs SET status = ? WHERE run_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, string(status), runID); err != nil {
		return fmt.Errorf("failed to update run %s status: %w", runID, err)
	}
	r.journalRecord("update_run_status", map[string]any{
		"run_id": runID,
		"status": string(status),
	})
	return nil
}

// SetSourceContract stores the source schema contract after first-row
// inference. The contract should be locked; it governs every later row and
// restores row types on resume.
func (r *Recorder) SetSourceContract(ctx context.Context, runID string, contract *contracts.SchemaContract) error {
	contractJSON, err := contract.ToCheckpoint()
	if err != nil {
		return fmt.Errorf("failed to serialize source contract: %w", err)
	}
	query := r.db.Rebind(`
		UPDATE runs SET source_contract_json = ?, source_contract_hash = ?
		WHERE run_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, string(contractJSON), contract.VersionHash(), runID); err != nil {
		return fmt.Errorf("failed to store source contract for run %s: %w", runID, err)
	}
	return nil
}

// GetSourceContract restores the stored source contract, verifying its
// embedded version hash. Returns nil when the run stored no contract.
func (r *Recorder) GetSourceContract(ctx context.Context, runID string) (*contracts.SchemaContract, error) {
	var contractJSON sql.NullString
	query := r.db.Rebind(`SELECT source_contract_json FROM runs WHERE run_id = ?`)
	if err := r.db.GetContext(ctx, &contractJSON, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, fmt.Errorf("failed to get source contract for run %s: %w", runID, err)
	}
	if !contractJSON.Valid {
		return nil, nil
	}
	contract, err := contracts.ContractFromCheckpoint([]byte(contractJSON.String))
	if err != nil {
		return nil, fmt.Errorf("stored source contract for run %s is invalid: %w", runID, err)
	}
	return contract, nil
}

// RecordSourceFieldResolution stores the mapping from original source
// headers to final field names. Headers are only known once load() runs, so
// this lands after node registration; without it the audit trail could not
// recover original column names.
func (r *Recorder) RecordSourceFieldResolution(ctx context.Context, runID string, mapping map[string]string, normalizationVersion string) error {
	payload := map[string]any{
		"resolution_mapping": mapping,
	}
	if normalizationVersion != "" {
		payload["normalization_version"] = normalizationVersion
	} else {
		payload["normalization_version"] = nil
	}
	resolutionJSON, err := canonical.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to canonicalize field resolution: %w", err)
	}
	query := r.db.Rebind(`UPDATE runs SET source_field_resolution_json = ? WHERE run_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, string(resolutionJSON), runID); err != nil {
		return fmt.Errorf("failed to store field resolution for run %s: %w", runID, err)
	}
	return nil
}

// GetSourceFieldResolution returns the original-header → final-field mapping,
// or nil when the source recorded none. Stored JSON that fails to parse as a
// string map means the trail itself is damaged.
func (r *Recorder) GetSourceFieldResolution(ctx context.Context, runID string) (map[string]string, error) {
	var resolutionJSON sql.NullString
	query := r.db.Rebind(`SELECT source_field_resolution_json FROM runs WHERE run_id = ?`)
	if err := r.db.GetContext(ctx, &resolutionJSON, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, fmt.Errorf("failed to get field resolution for run %s: %w", runID, err)
	}
	if !resolutionJSON.Valid {
		return nil, nil
	}

	var payload struct {
		ResolutionMapping map[string]string `json:"resolution_mapping"`
	}
	if err := json.Unmarshal([]byte(resolutionJSON.String), &payload); err != nil {
		return nil, &contracts.DataIntegrityError{
			Message: fmt.Sprintf("corrupt field resolution data for run %s: %v", runID, err),
		}
	}
	if payload.ResolutionMapping == nil {
		return nil, &contracts.DataIntegrityError{
			Message: fmt.Sprintf("corrupt field resolution data for run %s: missing resolution_mapping", runID),
		}
	}
	return payload.ResolutionMapping, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (r *Recorder) ListRuns(ctx context.Context, status contracts.RunStatus) ([]Run, error) {
	var runs []Run
	if status == "" {
		if err := r.db.SelectContext(ctx, &runs,
			`SELECT * FROM runs ORDER BY started_at DESC`); err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		return runs, nil
	}
	query := r.db.Rebind(`SELECT * FROM runs WHERE status = ? ORDER BY started_at DESC`)
	if err := r.db.SelectContext(ctx, &runs, query, string(status)); err != nil {
		return nil, fmt.Errorf("failed to list runs with status %s: %w", status, err)
	}
	return runs, nil
}

// ExportStatusUpdate is one export-phase transition. Export status lives
// apart from run status so a failed export never masks a completed run.
type ExportStatusUpdate struct {
	Status contracts.ExportStatus
	Error  string
	Format string
	Sink   string
}

// SetExportStatus applies an export-phase transition. Completing sets
// exported_at and clears any stale error; re-entering PENDING clears the
// error too.
func (r *Recorder) SetExportStatus(ctx context.Context, runID string, update ExportStatusUpdate) error {
	sets := []string{"export_status = ?"}
	args := []any{string(update.Status)}

	switch update.Status {
	case contracts.ExportStatusCompleted:
		sets = append(sets, "exported_at = ?", "export_error = NULL")
		args = append(args, now())
	case contracts.ExportStatusPending:
		sets = append(sets, "export_error = NULL")
	}
	if update.Error != "" {
		sets = append(sets, "export_error = ?")
		args = append(args, update.Error)
	}
	if update.Format != "" {
		sets = append(sets, "export_format = ?")
		args = append(args, update.Format)
	}
	if update.Sink != "" {
		sets = append(sets, "export_sink = ?")
		args = append(args, update.Sink)
	}
	args = append(args, runID)

	query := r.db.Rebind("UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE run_id = ?")
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to set export status for run %s: %w", runID, err)
	}
	return nil
}

// RegisterNodeInput describes one graph node at registration time.
type RegisterNodeInput struct {
	RunID         string
	NodeID        string
	PluginName    string
	NodeType      contracts.NodeType
	PluginVersion string
	Determinism   contracts.Determinism
	Config        map[string]any
	Schema        *contracts.SchemaConfig
	Sequence      *int
}

// RegisterNode records a node's identity, configuration, and declared schema
// before any row touches it. Node IDs are deterministic per pipeline shape,
// so the primary key is composite with the run.
func (r *Recorder) RegisterNode(ctx context.Context, in RegisterNodeInput) (*Node, error) {
	configJSON, err := canonical.Marshal(in.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize config for node %s: %w", in.NodeID, err)
	}
	configHash, err := canonical.StableHash(in.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to hash config for node %s: %w", in.NodeID, err)
	}

	node := &Node{
		NodeID:        in.NodeID,
		RunID:         in.RunID,
		PluginName:    in.PluginName,
		NodeType:      string(in.NodeType),
		PluginVersion: in.PluginVersion,
		Determinism:   string(in.Determinism),
		ConfigHash:    configHash,
		ConfigJSON:    string(configJSON),
		RegisteredAt:  now(),
	}
	node.SequenceInPipeline = in.Sequence

	if in.Schema != nil {
		schemaMap := in.Schema.ToMap()
		schemaJSON, err := canonical.Marshal(schemaMap)
		if err != nil {
			return nil, fmt.Errorf("failed to canonicalize schema for node %s: %w", in.NodeID, err)
		}
		schemaHash, err := canonical.StableHash(schemaMap)
		if err != nil {
			return nil, fmt.Errorf("failed to hash schema for node %s: %w", in.NodeID, err)
		}
		fieldsStr := string(schemaJSON)
		mode := in.Schema.Mode
		if in.Schema.IsDynamic {
			mode = "dynamic"
		}
		node.SchemaHash = &schemaHash
		node.SchemaMode = &mode
		node.SchemaFieldsJSON = &fieldsStr
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO nodes (
			node_id, run_id, plugin_name, node_type, plugin_version, determinism,
			config_hash, config_json, schema_hash, schema_mode, schema_fields_json,
			sequence_in_pipeline, registered_at
		) VALUES (
			:node_id, :run_id, :plugin_name, :node_type, :plugin_version, :determinism,
			:config_hash, :config_json, :schema_hash, :schema_mode, :schema_fields_json,
			:sequence_in_pipeline, :registered_at
		)`, node)
	if err != nil {
		return nil, fmt.Errorf("failed to register node %s: %w", in.NodeID, err)
	}

	r.journalRecord("register_node", map[string]any{
		"run_id":  in.RunID,
		"node_id": in.NodeID,
		"type":    string(in.NodeType),
	})
	return node, nil
}

// RegisterEdge records one graph edge. The (run, from, label) triple is
// unique so later routing events resolve their edge from the decision alone.
func (r *Recorder) RegisterEdge(ctx context.Context, runID, fromNodeID, toNodeID, label string, mode contracts.EdgeMode) (*Edge, error) {
	edge := &Edge{
		EdgeID:      newID(),
		RunID:       runID,
		FromNodeID:  fromNodeID,
		ToNodeID:    toNodeID,
		Label:       label,
		DefaultMode: string(mode),
		CreatedAt:   now(),
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
		VALUES (:edge_id, :run_id, :from_node_id, :to_node_id, :label, :default_mode, :created_at)`, edge)
	if err != nil {
		return nil, fmt.Errorf("failed to register edge %s -[%s]-> %s: %w", fromNodeID, label, toNodeID, err)
	}
	return edge, nil
}

// GetNodes returns a run's nodes in registration order.
func (r *Recorder) GetNodes(ctx context.Context, runID string) ([]Node, error) {
	var nodes []Node
	query := r.db.Rebind(`SELECT * FROM nodes WHERE run_id = ? ORDER BY registered_at, node_id`)
	if err := r.db.SelectContext(ctx, &nodes, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get nodes for run %s: %w", runID, err)
	}
	return nodes, nil
}

// GetNode returns one node, or nil when the run never registered it.
func (r *Recorder) GetNode(ctx context.Context, runID, nodeID string) (*Node, error) {
	var node Node
	query := r.db.Rebind(`SELECT * FROM nodes WHERE run_id = ? AND node_id = ?`)
	if err := r.db.GetContext(ctx, &node, query, runID, nodeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get node %s for run %s: %w", nodeID, runID, err)
	}
	return &node, nil
}

// GetEdges returns a run's edges ordered by source node and label.
func (r *Recorder) GetEdges(ctx context.Context, runID string) ([]Edge, error) {
	var edges []Edge
	query := r.db.Rebind(`SELECT * FROM edges WHERE run_id = ? ORDER BY from_node_id, label`)
	if err := r.db.SelectContext(ctx, &edges, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get edges for run %s: %w", runID, err)
	}
	return edges, nil
}

// EdgeKey addresses an edge by its routing decision: the node that made it
// and the label it chose.
type EdgeKey struct {
	FromNodeID string
	Label      string
}

// GetEdgeMap returns edge IDs keyed by (from node, label) for routing-event
// recording.
func (r *Recorder) GetEdgeMap(ctx context.Context, runID string) (map[EdgeKey]string, error) {
	edges, err := r.GetEdges(ctx, runID)
	if err != nil {
		return nil, err
	}
	m := make(map[EdgeKey]string, len(edges))
	for _, e := range edges {
		m[EdgeKey{FromNodeID: e.FromNodeID, Label: e.Label}] = e.EdgeID
	}
	return m, nil
}

// SecretResolutionInput is one secret lookup captured during config loading,
// before the run exists. Only provenance and an HMAC fingerprint are kept.
type SecretResolutionInput struct {
	Timestamp   time.Time
	EnvVarName  string
	Source      string
	ProviderURL string
	SecretName  string
	Fingerprint string
	LatencyMS   float64
}

// RecordSecretResolutions attaches deferred secret-resolution records to a
// run once it exists.
func (r *Recorder) RecordSecretResolutions(ctx context.Context, runID string, resolutions []SecretResolutionInput) error {
	for _, res := range resolutions {
		rec := &SecretResolution{
			ResolutionID: newID(),
			RunID:        runID,
			Timestamp:    res.Timestamp,
			EnvVarName:   res.EnvVarName,
			Source:       res.Source,
			Fingerprint:  res.Fingerprint,
			LatencyMS:    res.LatencyMS,
		}
		if res.ProviderURL != "" {
			rec.ProviderURL = &res.ProviderURL
		}
		if res.SecretName != "" {
			rec.SecretName = &res.SecretName
		}
		_, err := r.db.NamedExecContext(ctx, `
			INSERT INTO secret_resolutions (
				resolution_id, run_id, timestamp, env_var_name, source,
				provider_url, secret_name, fingerprint, latency_ms
			) VALUES (
				:resolution_id, :run_id, :timestamp, :env_var_name, :source,
				:provider_url, :secret_name, :fingerprint, :latency_ms
			)`, rec)
		if err != nil {
			return fmt.Errorf("failed to record secret resolution for %s: %w", res.EnvVarName, err)
		}
	}
	return nil
}

// GetSecretResolutions returns a run's secret lookups in resolution order.
func (r *Recorder) GetSecretResolutions(ctx context.Context, runID string) ([]SecretResolution, error) {
	var resolutions []SecretResolution
	query := r.db.Rebind(`SELECT * FROM secret_resolutions WHERE run_id = ? ORDER BY timestamp, resolution_id`)
	if err := r.db.SelectContext(ctx, &resolutions, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get secret resolutions for run %s: %w", runID, err)
	}
	return resolutions, nil
}
