package plugins

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type csvSinkOptions struct {
	Path      string   `yaml:"path"`
	Delimiter string   `yaml:"delimiter"`
	Columns   []string `yaml:"columns"`
	Append    bool     `yaml:"append"`
}

// CSVSink writes rows to a delimited file. The full file content is kept in
// memory and rewritten atomically on every Write, so the artifact hash always
// covers the complete file and identical inputs produce identical bytes.
// Column order comes from the columns option or the first row's contract.
type CSVSink struct {
	name  string
	opts  csvSinkOptions
	comma rune

	buf         bytes.Buffer
	columns     []string
	rows        int64
	initialized bool
}

// NewCSVSink builds the plugin from its options block.
func NewCSVSink(name string, options map[string]any) (contracts.Sink, error) {
	var opts csvSinkOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("missing required option %q", "path")
	}
	comma := ','
	if opts.Delimiter != "" {
		runes := []rune(opts.Delimiter)
		if len(runes) != 1 {
			return nil, fmt.Errorf("delimiter must be a single character, got %q", opts.Delimiter)
		}
		comma = runes[0]
	}
	if opts.Append && opts.Columns == nil {
		return nil, fmt.Errorf("append requires explicit columns: the header of a resumed file must be known up front")
	}
	return &CSVSink{name: name, opts: opts, comma: comma}, nil
}

func (s *CSVSink) Name() string { return s.name }

func (s *CSVSink) Close(context.Context) error { return nil }

func (s *CSVSink) InputSchema() *contracts.SchemaConfig { return contracts.DynamicSchema() }

// SupportsResume is true only in append mode, where a restart can pick up a
// partially written file without duplicating the header.
func (s *CSVSink) SupportsResume() bool { return s.opts.Append }

// Write appends the rows and rewrites the file. The returned artifact hashes
// the complete file content as written.
func (s *CSVSink) Write(ctx context.Context, rows []*contracts.PipelineRow, pctx *contracts.PluginContext) (*contracts.ArtifactDescriptor, error) {
	if err := s.init(rows); err != nil {
		return nil, err
	}

	w := csv.NewWriter(&s.buf)
	w.Comma = s.comma
	record := make([]string, len(s.columns))
	for _, row := range rows {
		for i, col := range s.columns {
			value, _ := row.Get(col)
			record[i] = formatCSVValue(value)
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("encoding row for %s: %w", s.opts.Path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encoding rows for %s: %w", s.opts.Path, err)
	}
	s.rows += int64(len(rows))

	if err := writeFileAtomic(s.opts.Path, s.buf.Bytes()); err != nil {
		return nil, err
	}

	artifact := contracts.FileArtifact(s.opts.Path, canonical.HashBytes(s.buf.Bytes()), int64(s.buf.Len()))
	artifact.Metadata = map[string]any{"row_count": s.rows, "format": "csv"}
	return &artifact, nil
}

// init fixes the column order and writes the header, loading existing file
// content first in append mode.
func (s *CSVSink) init(rows []*contracts.PipelineRow) error {
	if s.initialized {
		return nil
	}
	s.initialized = true

	if s.opts.Columns != nil {
		s.columns = s.opts.Columns
	} else {
		if len(rows) == 0 || rows[0].Contract() == nil {
			return fmt.Errorf("csv sink %s cannot derive columns: no columns option and first batch carries no contract", s.name)
		}
		for _, f := range rows[0].Contract().Fields() {
			s.columns = append(s.columns, f.NormalizedName)
		}
	}

	if s.opts.Append {
		existing, err := os.ReadFile(s.opts.Path)
		if err == nil && len(existing) > 0 {
			s.buf.Write(existing)
			return nil
		}
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading existing %s: %w", s.opts.Path, err)
		}
	}

	w := csv.NewWriter(&s.buf)
	w.Comma = s.comma
	if err := w.Write(s.columns); err != nil {
		return fmt.Errorf("encoding header for %s: %w", s.opts.Path, err)
	}
	w.Flush()
	return w.Error()
}

// Flush is a no-op: Write leaves the file durable on disk.
func (s *CSVSink) Flush(context.Context) error { return nil }

// formatCSVValue renders one cell. The formats are fixed so identical rows
// always produce identical file bytes.
func formatCSVValue(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case bool:
		return strconv.FormatBool(n)
	case int:
		return strconv.FormatInt(int64(n), 10)
	case int32:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case float32:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case time.Time:
		return n.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", n)
	}
}

// writeFileAtomic replaces path with data via a same-directory temp file and
// rename, so readers never observe a half-written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s to %s: %w", tmpName, path, err)
	}
	return nil
}
