package landscape

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// ExportRecord is one flat audit record tagged with a record_type.
type ExportRecord map[string]any

// RecordTypes lists record types in emission order. Grouped export and CSV
// writers iterate this instead of map keys so output order is stable.
var RecordTypes = []string{
	"run",
	"secret_resolution",
	"node",
	"edge",
	"operation",
	"call",
	"row",
	"token",
	"token_parent",
	"node_state",
	"routing_event",
	"batch",
	"batch_member",
	"artifact",
	"validation_error",
	"transform_error",
	"manifest",
}

// Exporter produces the flat audit bundle for a run: a sequence of records
// suitable for compliance review and legal inquiry. Records are
// self-contained, carrying full resolved configuration rather than hashes
// alone, so a third-party auditor needs no access to the original database.
// With a signing key the exporter adds an HMAC-SHA256 signature per record
// and a terminal manifest carrying the running hash of the signature chain.
type Exporter struct {
	recorder   *Recorder
	signingKey []byte
}

// NewExporter returns an exporter reading through the given recorder.
// signingKey may be nil when signed export is not needed.
func NewExporter(recorder *Recorder, signingKey []byte) *Exporter {
	return &Exporter{recorder: recorder, signingKey: signingKey}
}

// ExportRun returns every audit record of a run in deterministic order:
// run, secret resolutions, nodes, edges, operations with their calls, rows
// with their tokens, parents, states, routing events and calls, batches with
// members, artifacts, then validation and transform errors. Entities are
// batch-loaded so the query count stays constant regardless of run size.
//
// With sign=true each record gains a signature and the bundle ends with a
// signed manifest.
func (e *Exporter) ExportRun(ctx context.Context, runID string, sign bool) ([]ExportRecord, error) {
	if sign && e.signingKey == nil {
		return nil, fmt.Errorf("signing requested but no signing key configured")
	}

	records, err := e.collectRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !sign {
		return records, nil
	}

	runningHash := sha256.New()
	for _, rec := range records {
		sig, err := e.signRecord(rec)
		if err != nil {
			return nil, err
		}
		rec["signature"] = sig
		runningHash.Write([]byte(sig))
	}

	manifest := ExportRecord{
		"record_type":         "manifest",
		"run_id":              runID,
		"record_count":        len(records),
		"final_hash":          hex.EncodeToString(runningHash.Sum(nil)),
		"hash_algorithm":      "sha256",
		"signature_algorithm": "hmac-sha256",
		"exported_at":         isoTime(now()),
	}
	sig, err := e.signRecord(manifest)
	if err != nil {
		return nil, err
	}
	manifest["signature"] = sig
	return append(records, manifest), nil
}

// ExportRunGrouped returns the bundle grouped by record type, for CSV export
// where each type needs its own file. Iterate RecordTypes for stable order.
func (e *Exporter) ExportRunGrouped(ctx context.Context, runID string, sign bool) (map[string][]ExportRecord, error) {
	records, err := e.ExportRun(ctx, runID, sign)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]ExportRecord)
	for _, rec := range records {
		rtype, _ := rec["record_type"].(string)
		groups[rtype] = append(groups[rtype], rec)
	}
	return groups, nil
}

// VerifyResult summarizes a successful bundle verification.
type VerifyResult struct {
	RunID   string
	Records int
}

// Verify re-walks an exported bundle: recomputes each record's signature,
// rebuilds the running hash chain, and checks the manifest count, final hash
// and signature. The first divergence is reported as a DataIntegrityError
// naming the record. Bundles decoded from JSON must be parsed with
// json.Decoder.UseNumber so numeric fields re-serialize identically.
func (e *Exporter) Verify(records []ExportRecord) (*VerifyResult, error) {
	if e.signingKey == nil {
		return nil, fmt.Errorf("verification requires a signing key")
	}
	if len(records) == 0 {
		return nil, &contracts.DataIntegrityError{Message: "bundle is empty"}
	}

	runningHash := sha256.New()
	runID := ""
	count := 0
	for i, rec := range records {
		rtype, _ := rec["record_type"].(string)
		sig, ok := rec["signature"].(string)
		if !ok || sig == "" {
			return nil, &contracts.DataIntegrityError{
				Message: fmt.Sprintf("record %d (%s): missing signature", i, rtype),
			}
		}
		computed, err := e.signRecord(unsigned(rec))
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", i, rtype, err)
		}
		if !hmac.Equal([]byte(computed), []byte(sig)) {
			return nil, &contracts.DataIntegrityError{
				Message:  fmt.Sprintf("record %d (%s): signature mismatch", i, rtype),
				Expected: sig,
				Actual:   computed,
			}
		}

		if rtype == "manifest" {
			if i != len(records)-1 {
				return nil, &contracts.DataIntegrityError{
					Message: fmt.Sprintf("record %d: manifest before end of bundle", i),
				}
			}
			return e.verifyManifest(rec, runID, count, runningHash.Sum(nil))
		}

		if id, ok := rec["run_id"].(string); ok && runID == "" {
			runID = id
		}
		runningHash.Write([]byte(sig))
		count++
	}
	return nil, &contracts.DataIntegrityError{Message: "bundle has no manifest"}
}

func (e *Exporter) verifyManifest(manifest ExportRecord, runID string, count int, finalSum []byte) (*VerifyResult, error) {
	declared, err := intField(manifest, "record_count")
	if err != nil {
		return nil, &contracts.DataIntegrityError{Message: fmt.Sprintf("manifest: %v", err)}
	}
	if declared != int64(count) {
		return nil, &contracts.DataIntegrityError{
			Message:  "manifest: record count mismatch",
			Expected: strconv.FormatInt(declared, 10),
			Actual:   strconv.Itoa(count),
		}
	}
	finalHash, _ := manifest["final_hash"].(string)
	if computed := hex.EncodeToString(finalSum); finalHash != computed {
		return nil, &contracts.DataIntegrityError{
			Message:  "manifest: final hash mismatch",
			Expected: finalHash,
			Actual:   computed,
		}
	}
	if id, ok := manifest["run_id"].(string); ok && runID == "" {
		runID = id
	}
	return &VerifyResult{RunID: runID, Records: count}, nil
}

func (e *Exporter) signRecord(rec ExportRecord) (string, error) {
	if e.signingKey == nil {
		return "", fmt.Errorf("signing key not configured")
	}
	data, err := canonical.Marshal(map[string]any(rec))
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize record for signing: %w", err)
	}
	mac := hmac.New(sha256.New, e.signingKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func unsigned(rec ExportRecord) ExportRecord {
	out := make(ExportRecord, len(rec))
	for k, v := range rec {
		if k == "signature" {
			continue
		}
		out[k] = v
	}
	return out
}

func (e *Exporter) collectRecords(ctx context.Context, runID string) ([]ExportRecord, error) {
	rec := e.recorder

	run, err := rec.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	settings, err := decodeJSONText(&run.SettingsJSON)
	if err != nil {
		return nil, &contracts.DataIntegrityError{
			Message: fmt.Sprintf("corrupt settings for run %s: %v", runID, err),
		}
	}

	records := []ExportRecord{{
		"record_type":           "run",
		"run_id":                run.RunID,
		"status":                run.Status,
		"started_at":            isoTime(run.StartedAt),
		"completed_at":          timeVal(run.CompletedAt),
		"canonical_version":     run.CanonicalVersion,
		"config_hash":           run.ConfigHash,
		"settings":              settings,
		"reproducibility_grade": strVal(run.ReproducibilityGrade),
	}}

	secrets, err := rec.GetSecretResolutions(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, s := range secrets {
		records = append(records, ExportRecord{
			"record_type":   "secret_resolution",
			"run_id":        runID,
			"resolution_id": s.ResolutionID,
			"timestamp":     isoTime(s.Timestamp),
			"env_var_name":  s.EnvVarName,
			"source":        s.Source,
			"provider_url":  strVal(s.ProviderURL),
			"secret_name":   strVal(s.SecretName),
			"fingerprint":   s.Fingerprint,
			"latency_ms":    floatNum(s.LatencyMS),
		})
	}

	nodes, err := rec.GetNodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		config, err := decodeJSONText(&n.ConfigJSON)
		if err != nil {
			return nil, &contracts.DataIntegrityError{
				Message: fmt.Sprintf("corrupt config for node %s: %v", n.NodeID, err),
			}
		}
		schemaFields, err := decodeJSONText(n.SchemaFieldsJSON)
		if err != nil {
			return nil, &contracts.DataIntegrityError{
				Message: fmt.Sprintf("corrupt schema fields for node %s: %v", n.NodeID, err),
			}
		}
		records = append(records, ExportRecord{
			"record_type":          "node",
			"run_id":               runID,
			"node_id":              n.NodeID,
			"plugin_name":          n.PluginName,
			"node_type":            n.NodeType,
			"plugin_version":       n.PluginVersion,
			"determinism":          n.Determinism,
			"config_hash":          n.ConfigHash,
			"config":               config,
			"schema_hash":          strVal(n.SchemaHash),
			"schema_mode":          strVal(n.SchemaMode),
			"schema_fields":        schemaFields,
			"sequence_in_pipeline": intVal(n.SequenceInPipeline),
		})
	}

	edges, err := rec.GetEdges(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, ed := range edges {
		records = append(records, ExportRecord{
			"record_type":  "edge",
			"run_id":       runID,
			"edge_id":      ed.EdgeID,
			"from_node_id": ed.FromNodeID,
			"to_node_id":   ed.ToNodeID,
			"label":        ed.Label,
			"default_mode": ed.DefaultMode,
		})
	}

	operations, err := rec.GetOperationsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	opCalls, err := rec.GetAllOperationCallsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	callsByOperation := make(map[string][]Call)
	for _, c := range opCalls {
		if c.OperationID != nil {
			callsByOperation[*c.OperationID] = append(callsByOperation[*c.OperationID], c)
		}
	}
	for _, op := range operations {
		records = append(records, ExportRecord{
			"record_type":    "operation",
			"run_id":         runID,
			"operation_id":   op.OperationID,
			"node_id":        op.NodeID,
			"operation_type": op.OperationType,
			"status":         op.Status,
			"started_at":     isoTime(op.StartedAt),
			"completed_at":   timeVal(op.CompletedAt),
			"duration_ms":    floatPtrNum(op.DurationMS),
			"error_message":  strVal(op.ErrorMessage),
		})
		for _, c := range callsByOperation[op.OperationID] {
			records = append(records, callRecord(runID, c))
		}
	}

	rows, err := rec.GetRows(ctx, runID)
	if err != nil {
		return nil, err
	}
	tokens, err := rec.GetAllTokensForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tokensByRow := make(map[string][]Token)
	for _, t := range tokens {
		tokensByRow[t.RowID] = append(tokensByRow[t.RowID], t)
	}
	parents, err := rec.GetAllTokenParentsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	parentsByToken := make(map[string][]TokenParent)
	for _, p := range parents {
		parentsByToken[p.TokenID] = append(parentsByToken[p.TokenID], p)
	}
	states, err := rec.GetAllNodeStatesForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	statesByToken := make(map[string][]NodeState)
	for _, s := range states {
		statesByToken[s.TokenID] = append(statesByToken[s.TokenID], s)
	}
	events, err := rec.GetAllRoutingEventsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	eventsByState := make(map[string][]RoutingEvent)
	for _, ev := range events {
		eventsByState[ev.StateID] = append(eventsByState[ev.StateID], ev)
	}
	stateCalls, err := rec.GetAllCallsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	callsByState := make(map[string][]Call)
	for _, c := range stateCalls {
		if c.StateID != nil {
			callsByState[*c.StateID] = append(callsByState[*c.StateID], c)
		}
	}

	for _, row := range rows {
		records = append(records, ExportRecord{
			"record_type":      "row",
			"run_id":           runID,
			"row_id":           row.RowID,
			"row_index":        row.RowIndex,
			"source_node_id":   row.SourceNodeID,
			"source_data_hash": row.SourceDataHash,
		})
		for _, token := range tokensByRow[row.RowID] {
			records = append(records, ExportRecord{
				"record_type":      "token",
				"run_id":           runID,
				"token_id":         token.TokenID,
				"row_id":           token.RowID,
				"step_in_pipeline": intVal(token.StepInPipeline),
				"branch_name":      strVal(token.BranchName),
				"fork_group_id":    strVal(token.ForkGroupID),
				"join_group_id":    strVal(token.JoinGroupID),
				"expand_group_id":  strVal(token.ExpandGroupID),
			})
			for _, p := range parentsByToken[token.TokenID] {
				records = append(records, ExportRecord{
					"record_type":     "token_parent",
					"run_id":          runID,
					"token_id":        p.TokenID,
					"parent_token_id": p.ParentTokenID,
					"ordinal":         p.Ordinal,
				})
			}
			for _, s := range statesByToken[token.TokenID] {
				records = append(records, ExportRecord{
					"record_type":  "node_state",
					"run_id":       runID,
					"state_id":     s.StateID,
					"token_id":     s.TokenID,
					"node_id":      s.NodeID,
					"step_index":   s.StepIndex,
					"attempt":      s.Attempt,
					"status":       s.Status,
					"input_hash":   s.InputHash,
					"output_hash":  strVal(s.OutputHash),
					"duration_ms":  floatPtrNum(s.DurationMS),
					"started_at":   isoTime(s.StartedAt),
					"completed_at": timeVal(s.CompletedAt),
				})
				for _, ev := range eventsByState[s.StateID] {
					records = append(records, ExportRecord{
						"record_type":      "routing_event",
						"run_id":           runID,
						"event_id":         ev.EventID,
						"state_id":         ev.StateID,
						"edge_id":          ev.EdgeID,
						"routing_group_id": ev.RoutingGroupID,
						"ordinal":          ev.Ordinal,
						"mode":             ev.Mode,
						"reason_hash":      strVal(ev.ReasonHash),
					})
				}
				for _, c := range callsByState[s.StateID] {
					records = append(records, callRecord(runID, c))
				}
			}
		}
	}

	batches, err := rec.GetBatchesForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	members, err := rec.GetBatchMembersForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	membersByBatch := make(map[string][]BatchMember)
	for _, m := range members {
		membersByBatch[m.BatchID] = append(membersByBatch[m.BatchID], m)
	}
	for _, b := range batches {
		records = append(records, ExportRecord{
			"record_type":         "batch",
			"run_id":              runID,
			"batch_id":            b.BatchID,
			"aggregation_node_id": b.AggregationNodeID,
			"attempt":             b.Attempt,
			"status":              b.Status,
			"trigger_type":        strVal(b.TriggerType),
			"trigger_reason":      strVal(b.TriggerReason),
			"created_at":          isoTime(b.CreatedAt),
			"completed_at":        timeVal(b.CompletedAt),
		})
		for _, m := range membersByBatch[b.BatchID] {
			records = append(records, ExportRecord{
				"record_type": "batch_member",
				"run_id":      runID,
				"batch_id":    m.BatchID,
				"token_id":    m.TokenID,
				"ordinal":     m.Ordinal,
			})
		}
	}

	artifacts, err := rec.GetArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		records = append(records, ExportRecord{
			"record_type":          "artifact",
			"run_id":               runID,
			"artifact_id":          a.ArtifactID,
			"sink_node_id":         a.SinkNodeID,
			"produced_by_state_id": a.ProducedByStateID,
			"artifact_type":        a.ArtifactType,
			"path_or_uri":          a.PathOrURI,
			"content_hash":         a.ContentHash,
			"size_bytes":           a.SizeBytes,
		})
	}

	// Error records export hashes and routing only. Row payloads stay in the
	// database; bundles travel further than the data should.
	validationErrs, err := rec.GetValidationErrors(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, v := range validationErrs {
		records = append(records, ExportRecord{
			"record_type": "validation_error",
			"run_id":      runID,
			"error_id":    v.ErrorID,
			"node_id":     strVal(v.NodeID),
			"row_hash":    v.RowHash,
			"error":       v.Error,
			"schema_mode": v.SchemaMode,
			"destination": v.Destination,
			"created_at":  isoTime(v.CreatedAt),
		})
	}
	transformErrs, err := rec.GetTransformErrors(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, te := range transformErrs {
		records = append(records, ExportRecord{
			"record_type":  "transform_error",
			"run_id":       runID,
			"error_id":     te.ErrorID,
			"token_id":     te.TokenID,
			"transform_id": te.TransformID,
			"row_hash":     te.RowHash,
			"destination":  te.Destination,
			"created_at":   isoTime(te.CreatedAt),
		})
	}

	return records, nil
}

func callRecord(runID string, c Call) ExportRecord {
	return ExportRecord{
		"record_type":   "call",
		"run_id":        runID,
		"call_id":       c.CallID,
		"state_id":      strVal(c.StateID),
		"operation_id":  strVal(c.OperationID),
		"call_index":    c.CallIndex,
		"call_type":     c.CallType,
		"status":        c.Status,
		"request_hash":  c.RequestHash,
		"response_hash": strVal(c.ResponseHash),
		"latency_ms":    floatPtrNum(c.LatencyMS),
	}
}

// isoTime renders a timestamp in UTC ISO-8601 with an explicit +00:00 offset,
// matching the canonical package's timestamp form.
func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999999") + "+00:00"
}

func timeVal(t *time.Time) any {
	if t == nil {
		return nil
	}
	return isoTime(*t)
}

func strVal(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func intVal(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

// floatNum renders a float as json.Number so the value survives a JSON
// round-trip byte-identically. encoding/json drops the fractional marker on
// integral floats, which would change the canonical bytes and break
// signature verification.
func floatNum(f float64) json.Number {
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

func floatPtrNum(f *float64) any {
	if f == nil {
		return nil
	}
	return floatNum(*f)
}

// decodeJSONText parses stored JSON with UseNumber so numbers re-serialize
// exactly as stored. nil in, nil out.
func decodeJSONText(s *string) (any, error) {
	if s == nil {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(*s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func intField(rec ExportRecord, key string) (int64, error) {
	switch v := rec[key].(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("field %s has unexpected type %T", key, rec[key])
	}
}
