package plugins

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type csvSourceOptions struct {
	Path              string            `yaml:"path"`
	Delimiter         string            `yaml:"delimiter"`
	Schema            map[string]any    `yaml:"schema"`
	NormalizeFields   bool              `yaml:"normalize_fields"`
	FieldMapping      map[string]string `yaml:"field_mapping"`
	Columns           []string          `yaml:"columns"`
	OnValidationError string            `yaml:"on_validation_error"`
}

// CSVSource reads rows from a delimited file. Headers resolve to field names
// at load time (verbatim, normalized, or caller-supplied for headerless
// files); cell values are parsed to the contract's declared kinds. Rows that
// fail parsing or validation are yielded quarantined, never dropped.
type CSVSource struct {
	opts   csvSourceOptions
	schema *contracts.SchemaConfig
	comma  rune

	resolution *FieldResolution
	file       *os.File
}

// NewCSVSource builds the plugin from its options block.
func NewCSVSource(options map[string]any) (contracts.Source, error) {
	var opts csvSourceOptions
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
	comma := ','
	if opts.Delimiter != "" {
		runes := []rune(opts.Delimiter)
		if len(runes) != 1 {
			return nil, fmt.Errorf("delimiter must be a single character, got %q", opts.Delimiter)
		}
		comma = runes[0]
	}
	if opts.OnValidationError == "" {
		opts.OnValidationError = "discard"
	}
	return &CSVSource{opts: opts, schema: schema, comma: comma}, nil
}

func (s *CSVSource) Name() string { return "csv" }

// OutputSchema returns the declared schema, dynamic when options omit one.
func (s *CSVSource) OutputSchema() *contracts.SchemaConfig { return s.schema }

// FieldResolution reports the header-to-field mapping computed during Load.
func (s *CSVSource) FieldResolution() (map[string]string, string) {
	if s.resolution == nil {
		return nil, ""
	}
	return s.resolution.Mapping, s.resolution.Version
}

// Load opens the file and resolves headers. The file read is recorded as a
// filesystem call under the source load operation.
func (s *CSVSource) Load(ctx context.Context, pctx *contracts.PluginContext) (contracts.SourceIterator, error) {
	start := time.Now()
	file, err := os.Open(s.opts.Path)
	if err != nil {
		s.recordOpen(ctx, pctx, start, nil, err)
		return nil, fmt.Errorf("opening %s: %w", s.opts.Path, err)
	}
	s.file = file

	reader := csv.NewReader(file)
	reader.Comma = s.comma
	reader.FieldsPerRecord = -1

	var rawHeaders []string
	if s.opts.Columns == nil {
		rawHeaders, err = reader.Read()
		if err != nil {
			s.recordOpen(ctx, pctx, start, nil, err)
			_ = s.Close(ctx)
			if err == io.EOF {
				return nil, fmt.Errorf("%s is empty: a CSV source needs at least a header row", s.opts.Path)
			}
			return nil, fmt.Errorf("reading header of %s: %w", s.opts.Path, err)
		}
	}

	resolution, err := ResolveFieldNames(rawHeaders, s.opts.NormalizeFields, s.opts.FieldMapping, s.opts.Columns)
	if err != nil {
		s.recordOpen(ctx, pctx, start, nil, err)
		_ = s.Close(ctx)
		return nil, err
	}
	s.resolution = resolution
	s.recordOpen(ctx, pctx, start, resolution.FinalHeaders, nil)

	contract, err := declaredContract(s.schema)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}

	return &csvIterator{
		source:      s,
		reader:      reader,
		fields:      resolution.FinalHeaders,
		contract:    contract,
		destination: s.opts.OnValidationError,
	}, nil
}

func (s *CSVSource) recordOpen(ctx context.Context, pctx *contracts.PluginContext, start time.Time, headers []string, openErr error) {
	rec := contracts.CallRecord{
		CallType:    contracts.CallFilesystem,
		Status:      contracts.CallSuccess,
		RequestData: map[string]any{"operation": "open", "path": s.opts.Path},
		LatencyMS:   float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if openErr != nil {
		rec.Status = contracts.CallError
		rec.Error = map[string]any{"error": openErr.Error()}
	} else {
		rec.ResponseData = map[string]any{"headers": headers}
	}
	if _, err := pctx.RecordCall(ctx, rec); err != nil && pctx.Logger != nil {
		pctx.Logger.Warn("failed to record source open call", "path", s.opts.Path, "error", err)
	}
}

// Close releases the file handle. Safe to call more than once.
func (s *CSVSource) Close(context.Context) error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

type csvIterator struct {
	source      *CSVSource
	reader      *csv.Reader
	fields      []string
	contract    *contracts.SchemaContract
	destination string

	current contracts.SourceRow
	err     error
	done    bool
}

func (it *csvIterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if ctx.Err() != nil {
		it.err = ctx.Err()
		return false
	}

	record, err := it.reader.Read()
	if err == io.EOF {
		it.done = true
		return false
	}
	if err != nil {
		// A malformed line is bad data, not a failed load: quarantine it
		// and keep reading.
		it.current = contracts.QuarantinedSourceRow(
			contracts.Row{"_raw": fmt.Sprintf("%v", record)},
			fmt.Sprintf("malformed CSV record: %v", err),
			it.destination,
		)
		return true
	}
	if len(record) != len(it.fields) {
		it.current = contracts.QuarantinedSourceRow(
			rawRecordRow(it.fields, record),
			fmt.Sprintf("expected %d columns, got %d", len(it.fields), len(record)),
			it.destination,
		)
		return true
	}

	row, parseErr := it.parseRecord(record)
	if parseErr != nil {
		it.current = contracts.QuarantinedSourceRow(rawRecordRow(it.fields, record), parseErr.Error(), it.destination)
		return true
	}

	contract, violations := admitRow(&it.contract, row)
	if len(violations) > 0 {
		it.current = contracts.QuarantinedSourceRow(row, violationMessage(violations), it.destination)
		return true
	}

	it.current = contracts.ValidSourceRow(row, contract)
	return true
}

func (it *csvIterator) Row() contracts.SourceRow { return it.current }

func (it *csvIterator) Err() error { return it.err }

func (it *csvIterator) Close() error { return it.source.Close(context.Background()) }

// parseRecord converts one CSV record to a row, parsing cells to the kinds
// the contract declares. Undeclared columns stay strings.
func (it *csvIterator) parseRecord(record []string) (contracts.Row, error) {
	row := make(contracts.Row, len(it.fields))
	for i, name := range it.fields {
		kind := contracts.KindString
		required := true
		if it.contract != nil {
			if f, ok := it.contract.Field(name); ok {
				kind = f.Kind
				required = f.Required
			}
		}
		value, err := parseCSVValue(record[i], kind, required)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		row[name] = value
	}
	return row, nil
}

// parseCSVValue converts a cell to the declared kind. An empty cell is nil
// for optional fields and an error for required non-string ones; string
// fields keep "" as a value.
func parseCSVValue(raw string, kind contracts.FieldKind, required bool) (any, error) {
	if raw == "" && kind != contracts.KindString && kind != contracts.KindAny {
		if required {
			return nil, fmt.Errorf("required %s value is empty", kind)
		}
		return nil, nil
	}
	switch kind {
	case contracts.KindInt:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return v, nil
	case contracts.KindFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return v, nil
	case contracts.KindBool:
		switch strings.ToLower(raw) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", raw)
	case contracts.KindDatetime:
		v, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not an RFC 3339 timestamp", raw)
		}
		return v, nil
	default:
		return raw, nil
	}
}

func rawRecordRow(fields, record []string) contracts.Row {
	row := make(contracts.Row, len(record))
	for i, value := range record {
		key := fmt.Sprintf("column_%d", i)
		if i < len(fields) {
			key = fields[i]
		}
		row[key] = value
	}
	return row
}

// declaredContract converts an explicit schema to its contract, or returns
// nil for dynamic schemas, whose contract comes from first-row observation.
func declaredContract(schema *contracts.SchemaConfig) (*contracts.SchemaContract, error) {
	if schema == nil || schema.IsDynamic {
		return nil, nil
	}
	return schema.Contract()
}

// admitRow validates a source row, building or extending the shared contract
// on the first observation. Dynamic schemas observe the whole row; flexible
// ones admit extras as inferred optional fields. The first valid row locks
// the contract for the rest of the load.
func admitRow(contract **contracts.SchemaContract, row contracts.Row) (*contracts.SchemaContract, []contracts.Violation) {
	if *contract == nil {
		*contract = contracts.ObserveRow(row).WithLocked()
		return *contract, nil
	}

	c := *contract
	if !c.Locked() {
		if c.Mode() == contracts.ModeFlexible {
			for key, value := range row {
				if c.Has(key) {
					continue
				}
				extended, err := c.WithField(key, key, value)
				if err != nil {
					return c, []contracts.Violation{{
						Kind:  contracts.ViolationTypeMismatch,
						Field: key,
					}}
				}
				c = extended
			}
		}
		c = c.WithLocked()
	}

	violations := c.Validate(row)
	if len(violations) > 0 {
		return *contract, violations
	}
	*contract = c
	return c, nil
}

func violationMessage(violations []contracts.Violation) string {
	parts := make([]string, len(violations))
	for i, v := range violations {
		parts[i] = v.Error()
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}
