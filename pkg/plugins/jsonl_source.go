package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type jsonlSourceOptions struct {
	Path              string         `yaml:"path"`
	Schema            map[string]any `yaml:"schema"`
	OnValidationError string         `yaml:"on_validation_error"`
}

// JSONLSource reads one JSON object per line. JSON numbers decode as float64;
// values for declared int fields are narrowed back through the contract
// before validation. Lines that are not objects or fail validation are
// yielded quarantined.
type JSONLSource struct {
	opts   jsonlSourceOptions
	schema *contracts.SchemaConfig

	file *os.File
}

// NewJSONLSource builds the plugin from its options block.
func NewJSONLSource(options map[string]any) (contracts.Source, error) {
	var opts jsonlSourceOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("missing required option %q", "path")
	}
	schema, err := parseSchemaOption(opts.Schema, false)
	if err != nil {
		return nil, err
	}
	if opts.OnValidationError == "" {
		opts.OnValidationError = "discard"
	}
	return &JSONLSource{opts: opts, schema: schema}, nil
}

func (s *JSONLSource) Name() string { return "jsonl" }

// OutputSchema returns the declared schema, dynamic when options omit one.
func (s *JSONLSource) OutputSchema() *contracts.SchemaConfig { return s.schema }

// FieldResolution is empty: JSON object keys are already field names.
func (s *JSONLSource) FieldResolution() (map[string]string, string) { return nil, "" }

// Load opens the file, recording the read as a filesystem call.
func (s *JSONLSource) Load(ctx context.Context, pctx *contracts.PluginContext) (contracts.SourceIterator, error) {
	start := time.Now()
	file, err := os.Open(s.opts.Path)

	rec := contracts.CallRecord{
		CallType:    contracts.CallFilesystem,
		Status:      contracts.CallSuccess,
		RequestData: map[string]any{"operation": "open", "path": s.opts.Path},
		LatencyMS:   float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if err != nil {
		rec.Status = contracts.CallError
		rec.Error = map[string]any{"error": err.Error()}
	}
	if _, recErr := pctx.RecordCall(ctx, rec); recErr != nil && pctx.Logger != nil {
		pctx.Logger.Warn("failed to record source open call", "path", s.opts.Path, "error", recErr)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.opts.Path, err)
	}
	s.file = file

	contract, err := declaredContract(s.schema)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	return &jsonlIterator{
		source:      s,
		scanner:     scanner,
		contract:    contract,
		destination: s.opts.OnValidationError,
	}, nil
}

// Close releases the file handle. Safe to call more than once.
func (s *JSONLSource) Close(context.Context) error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

type jsonlIterator struct {
	source      *JSONLSource
	scanner     *bufio.Scanner
	contract    *contracts.SchemaContract
	destination string

	line    int
	current contracts.SourceRow
	err     error
}

func (it *jsonlIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for {
		if ctx.Err() != nil {
			it.err = ctx.Err()
			return false
		}
		if !it.scanner.Scan() {
			it.err = it.scanner.Err()
			return false
		}
		it.line++
		text := it.scanner.Text()
		if len(text) == 0 {
			// Blank lines separate nothing in JSONL; skip them.
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			it.current = contracts.QuarantinedSourceRow(
				contracts.Row{"_raw": text},
				fmt.Sprintf("line %d is not a JSON object: %v", it.line, err),
				it.destination,
			)
			return true
		}

		row := contracts.Row(raw)
		if it.contract != nil {
			row = it.contract.CoerceRow(row)
		}
		contract, violations := admitRow(&it.contract, row)
		if len(violations) > 0 {
			it.current = contracts.QuarantinedSourceRow(row, violationMessage(violations), it.destination)
			return true
		}
		it.current = contracts.ValidSourceRow(row, contract)
		return true
	}
}

func (it *jsonlIterator) Row() contracts.SourceRow { return it.current }

func (it *jsonlIterator) Err() error { return it.err }

func (it *jsonlIterator) Close() error { return it.source.Close(context.Background()) }
