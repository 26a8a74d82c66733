package landscape

import "strings"

// sqliteSchema is the full audit schema for the SQLite backend. Statements
// are idempotent so the schema can be applied on every open. The Postgres
// backend uses the embedded golang-migrate migrations instead; the two must
// stay shape-identical.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id                       TEXT PRIMARY KEY,
    started_at                   TIMESTAMP NOT NULL,
    completed_at                 TIMESTAMP,
    config_hash                  TEXT NOT NULL,
    settings_json                TEXT NOT NULL,
    reproducibility_grade        TEXT,
    canonical_version            TEXT NOT NULL,
    source_contract_json         TEXT,
    source_contract_hash         TEXT,
    source_field_resolution_json TEXT,
    status                       TEXT NOT NULL,
    export_status                TEXT,
    export_error                 TEXT,
    exported_at                  TIMESTAMP,
    export_format                TEXT,
    export_sink                  TEXT
);

CREATE TABLE IF NOT EXISTS nodes (
    node_id              TEXT NOT NULL,
    run_id               TEXT NOT NULL REFERENCES runs(run_id),
    plugin_name          TEXT NOT NULL,
    node_type            TEXT NOT NULL,
    plugin_version       TEXT NOT NULL,
    determinism          TEXT NOT NULL,
    config_hash          TEXT NOT NULL,
    config_json          TEXT NOT NULL,
    schema_hash          TEXT,
    schema_mode          TEXT,
    schema_fields_json   TEXT,
    sequence_in_pipeline INTEGER,
    registered_at        TIMESTAMP NOT NULL,
    PRIMARY KEY (node_id, run_id)
);
CREATE INDEX IF NOT EXISTS ix_nodes_run_id ON nodes(run_id);

CREATE TABLE IF NOT EXISTS edges (
    edge_id      TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL REFERENCES runs(run_id),
    from_node_id TEXT NOT NULL,
    to_node_id   TEXT NOT NULL,
    label        TEXT NOT NULL,
    default_mode TEXT NOT NULL,
    created_at   TIMESTAMP NOT NULL,
    UNIQUE (run_id, from_node_id, label),
    FOREIGN KEY (from_node_id, run_id) REFERENCES nodes(node_id, run_id),
    FOREIGN KEY (to_node_id, run_id) REFERENCES nodes(node_id, run_id)
);
CREATE INDEX IF NOT EXISTS ix_edges_run_id ON edges(run_id);

CREATE TABLE IF NOT EXISTS rows (
    row_id           TEXT PRIMARY KEY,
    run_id           TEXT NOT NULL REFERENCES runs(run_id),
    source_node_id   TEXT NOT NULL,
    row_index        INTEGER NOT NULL,
    source_data_hash TEXT NOT NULL,
    source_data_ref  TEXT,
    created_at       TIMESTAMP NOT NULL,
    UNIQUE (run_id, row_index),
    FOREIGN KEY (source_node_id, run_id) REFERENCES nodes(node_id, run_id)
);
CREATE INDEX IF NOT EXISTS ix_rows_run_id ON rows(run_id);

CREATE TABLE IF NOT EXISTS tokens (
    token_id         TEXT PRIMARY KEY,
    row_id           TEXT NOT NULL REFERENCES rows(row_id),
    fork_group_id    TEXT,
    join_group_id    TEXT,
    expand_group_id  TEXT,
    branch_name      TEXT,
    step_in_pipeline INTEGER,
    created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_tokens_row_id ON tokens(row_id);
CREATE INDEX IF NOT EXISTS ix_tokens_expand_group ON tokens(expand_group_id);

CREATE TABLE IF NOT EXISTS token_parents (
    token_id        TEXT NOT NULL REFERENCES tokens(token_id),
    parent_token_id TEXT NOT NULL REFERENCES tokens(token_id),
    ordinal         INTEGER NOT NULL,
    PRIMARY KEY (token_id, parent_token_id),
    UNIQUE (token_id, ordinal)
);
CREATE INDEX IF NOT EXISTS ix_token_parents_parent ON token_parents(parent_token_id);

CREATE TABLE IF NOT EXISTS node_states (
    state_id            TEXT PRIMARY KEY,
    token_id            TEXT NOT NULL REFERENCES tokens(token_id),
    run_id              TEXT NOT NULL REFERENCES runs(run_id),
    node_id             TEXT NOT NULL,
    step_index          INTEGER NOT NULL,
    attempt             INTEGER NOT NULL DEFAULT 0,
    status              TEXT NOT NULL,
    input_hash          TEXT NOT NULL,
    output_hash         TEXT,
    input_ref           TEXT,
    output_ref          TEXT,
    context_before_json TEXT,
    context_after_json  TEXT,
    duration_ms         REAL,
    error_json          TEXT,
    success_reason_json TEXT,
    started_at          TIMESTAMP NOT NULL,
    completed_at        TIMESTAMP,
    UNIQUE (token_id, node_id, attempt),
    UNIQUE (token_id, step_index, attempt),
    FOREIGN KEY (node_id, run_id) REFERENCES nodes(node_id, run_id)
);
CREATE INDEX IF NOT EXISTS ix_node_states_token ON node_states(token_id);
CREATE INDEX IF NOT EXISTS ix_node_states_node ON node_states(node_id);
CREATE INDEX IF NOT EXISTS ix_node_states_run ON node_states(run_id);

CREATE TABLE IF NOT EXISTS operations (
    operation_id   TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL REFERENCES runs(run_id),
    node_id        TEXT NOT NULL,
    operation_type TEXT NOT NULL,
    started_at     TIMESTAMP NOT NULL,
    completed_at   TIMESTAMP,
    status         TEXT NOT NULL,
    input_hash     TEXT,
    input_ref      TEXT,
    output_hash    TEXT,
    output_ref     TEXT,
    error_message  TEXT,
    duration_ms    REAL,
    FOREIGN KEY (node_id, run_id) REFERENCES nodes(node_id, run_id)
);
CREATE INDEX IF NOT EXISTS ix_operations_run ON operations(run_id);
CREATE INDEX IF NOT EXISTS ix_operations_node_run ON operations(node_id, run_id);

CREATE TABLE IF NOT EXISTS calls (
    call_id       TEXT PRIMARY KEY,
    state_id      TEXT REFERENCES node_states(state_id),
    operation_id  TEXT REFERENCES operations(operation_id),
    call_index    INTEGER NOT NULL,
    call_type     TEXT NOT NULL,
    status        TEXT NOT NULL,
    request_hash  TEXT NOT NULL,
    request_ref   TEXT,
    response_hash TEXT,
    response_ref  TEXT,
    error_json    TEXT,
    latency_ms    REAL,
    provider      TEXT,
    created_at    TIMESTAMP NOT NULL,
    CONSTRAINT calls_has_parent CHECK (
        (state_id IS NOT NULL AND operation_id IS NULL)
        OR (state_id IS NULL AND operation_id IS NOT NULL)
    )
);
CREATE INDEX IF NOT EXISTS ix_calls_state ON calls(state_id);
CREATE INDEX IF NOT EXISTS ix_calls_operation ON calls(operation_id);
CREATE UNIQUE INDEX IF NOT EXISTS ix_calls_state_call_index_unique
    ON calls(state_id, call_index) WHERE state_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS ix_calls_operation_call_index_unique
    ON calls(operation_id, call_index) WHERE operation_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS routing_events (
    event_id         TEXT PRIMARY KEY,
    state_id         TEXT NOT NULL REFERENCES node_states(state_id),
    edge_id          TEXT NOT NULL REFERENCES edges(edge_id),
    routing_group_id TEXT NOT NULL,
    ordinal          INTEGER NOT NULL,
    mode             TEXT NOT NULL,
    reason_hash      TEXT,
    reason_ref       TEXT,
    created_at       TIMESTAMP NOT NULL,
    UNIQUE (routing_group_id, ordinal)
);
CREATE INDEX IF NOT EXISTS ix_routing_events_state ON routing_events(state_id);
CREATE INDEX IF NOT EXISTS ix_routing_events_group ON routing_events(routing_group_id);

CREATE TABLE IF NOT EXISTS batches (
    batch_id             TEXT PRIMARY KEY,
    run_id               TEXT NOT NULL REFERENCES runs(run_id),
    aggregation_node_id  TEXT NOT NULL,
    aggregation_state_id TEXT REFERENCES node_states(state_id),
    trigger_reason       TEXT,
    trigger_type         TEXT,
    attempt              INTEGER NOT NULL DEFAULT 0,
    status               TEXT NOT NULL,
    created_at           TIMESTAMP NOT NULL,
    completed_at         TIMESTAMP,
    FOREIGN KEY (aggregation_node_id, run_id) REFERENCES nodes(node_id, run_id)
);
CREATE INDEX IF NOT EXISTS ix_batches_run_status ON batches(run_id, status);

CREATE TABLE IF NOT EXISTS batch_members (
    batch_id TEXT NOT NULL REFERENCES batches(batch_id),
    token_id TEXT NOT NULL REFERENCES tokens(token_id),
    ordinal  INTEGER NOT NULL,
    UNIQUE (batch_id, ordinal),
    UNIQUE (batch_id, token_id)
);
CREATE INDEX IF NOT EXISTS ix_batch_members_batch ON batch_members(batch_id);

CREATE TABLE IF NOT EXISTS token_outcomes (
    outcome_id             TEXT PRIMARY KEY,
    run_id                 TEXT NOT NULL REFERENCES runs(run_id),
    token_id               TEXT NOT NULL REFERENCES tokens(token_id),
    outcome                TEXT NOT NULL,
    is_terminal            INTEGER NOT NULL,
    recorded_at            TIMESTAMP NOT NULL,
    sink_name              TEXT,
    batch_id               TEXT REFERENCES batches(batch_id),
    fork_group_id          TEXT,
    join_group_id          TEXT,
    expand_group_id        TEXT,
    error_hash             TEXT,
    context_json           TEXT,
    expected_branches_json TEXT
);
CREATE INDEX IF NOT EXISTS ix_token_outcomes_run ON token_outcomes(run_id);
CREATE INDEX IF NOT EXISTS ix_token_outcomes_token ON token_outcomes(token_id);
CREATE UNIQUE INDEX IF NOT EXISTS ix_token_outcomes_terminal_unique
    ON token_outcomes(token_id) WHERE is_terminal = 1;

CREATE TABLE IF NOT EXISTS artifacts (
    artifact_id          TEXT PRIMARY KEY,
    run_id               TEXT NOT NULL REFERENCES runs(run_id),
    produced_by_state_id TEXT NOT NULL REFERENCES node_states(state_id),
    sink_node_id         TEXT NOT NULL,
    artifact_type        TEXT NOT NULL,
    path_or_uri          TEXT NOT NULL,
    content_hash         TEXT NOT NULL,
    size_bytes           INTEGER NOT NULL,
    idempotency_key      TEXT,
    created_at           TIMESTAMP NOT NULL,
    FOREIGN KEY (sink_node_id, run_id) REFERENCES nodes(node_id, run_id)
);
CREATE INDEX IF NOT EXISTS ix_artifacts_run ON artifacts(run_id);

CREATE TABLE IF NOT EXISTS validation_errors (
    error_id      TEXT PRIMARY KEY,
    run_id        TEXT NOT NULL REFERENCES runs(run_id),
    node_id       TEXT,
    row_hash      TEXT NOT NULL,
    row_data_json TEXT,
    error         TEXT NOT NULL,
    schema_mode   TEXT NOT NULL,
    destination   TEXT NOT NULL,
    created_at    TIMESTAMP NOT NULL,
    FOREIGN KEY (node_id, run_id) REFERENCES nodes(node_id, run_id)
);
CREATE INDEX IF NOT EXISTS ix_validation_errors_run ON validation_errors(run_id);
CREATE INDEX IF NOT EXISTS ix_validation_errors_node ON validation_errors(node_id);

CREATE TABLE IF NOT EXISTS transform_errors (
    error_id           TEXT PRIMARY KEY,
    run_id             TEXT NOT NULL REFERENCES runs(run_id),
    token_id           TEXT NOT NULL REFERENCES tokens(token_id),
    transform_id       TEXT NOT NULL,
    row_hash           TEXT NOT NULL,
    row_data_json      TEXT,
    error_details_json TEXT,
    destination        TEXT NOT NULL,
    created_at         TIMESTAMP NOT NULL,
    FOREIGN KEY (transform_id, run_id) REFERENCES nodes(node_id, run_id)
);
CREATE INDEX IF NOT EXISTS ix_transform_errors_run ON transform_errors(run_id);
CREATE INDEX IF NOT EXISTS ix_transform_errors_token ON transform_errors(token_id);
CREATE INDEX IF NOT EXISTS ix_transform_errors_transform ON transform_errors(transform_id);

CREATE TABLE IF NOT EXISTS checkpoints (
    checkpoint_id               TEXT PRIMARY KEY,
    run_id                      TEXT NOT NULL REFERENCES runs(run_id),
    token_id                    TEXT NOT NULL REFERENCES tokens(token_id),
    node_id                     TEXT NOT NULL,
    sequence_number             INTEGER NOT NULL,
    aggregation_state_json      TEXT,
    upstream_topology_hash      TEXT NOT NULL,
    checkpoint_node_config_hash TEXT NOT NULL,
    format_version              INTEGER NOT NULL,
    created_at                  TIMESTAMP NOT NULL,
    FOREIGN KEY (node_id, run_id) REFERENCES nodes(node_id, run_id)
);
CREATE INDEX IF NOT EXISTS ix_checkpoints_run ON checkpoints(run_id);
CREATE INDEX IF NOT EXISTS ix_checkpoints_run_seq ON checkpoints(run_id, sequence_number);

CREATE TABLE IF NOT EXISTS secret_resolutions (
    resolution_id TEXT PRIMARY KEY,
    run_id        TEXT NOT NULL REFERENCES runs(run_id),
    timestamp     TIMESTAMP NOT NULL,
    env_var_name  TEXT NOT NULL,
    source        TEXT NOT NULL,
    provider_url  TEXT,
    secret_name   TEXT,
    fingerprint   TEXT NOT NULL,
    latency_ms    REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_secret_resolutions_run ON secret_resolutions(run_id);
`

// splitStatements breaks a multi-statement DDL script into individual
// statements for drivers that execute one statement per call.
func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	statements := make([]string, 0, len(parts))
	for _, part := range parts {
		stmt := strings.TrimSpace(part)
		if stmt == "" {
			continue
		}
		statements = append(statements, stmt)
	}
	return statements
}
