package plugins

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type jsonlSinkOptions struct {
	Path   string `yaml:"path"`
	Append bool   `yaml:"append"`
}

// JSONLSink writes one canonical JSON object per line. Canonical encoding
// sorts keys, so the same rows always produce the same file bytes and the
// same artifact hash. The full content is rewritten atomically on every
// Write, the same model as the CSV sink.
type JSONLSink struct {
	name string
	opts jsonlSinkOptions

	buf    bytes.Buffer
	rows   int64
	loaded bool
}

// NewJSONLSink builds the plugin from its options block.
func NewJSONLSink(name string, options map[string]any) (contracts.Sink, error) {
	var opts jsonlSinkOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("missing required option %q", "path")
	}
	return &JSONLSink{name: name, opts: opts}, nil
}

func (s *JSONLSink) Name() string { return s.name }

func (s *JSONLSink) Close(context.Context) error { return nil }

func (s *JSONLSink) InputSchema() *contracts.SchemaConfig { return contracts.DynamicSchema() }

func (s *JSONLSink) SupportsResume() bool { return s.opts.Append }

func (s *JSONLSink) Write(ctx context.Context, rows []*contracts.PipelineRow, pctx *contracts.PluginContext) (*contracts.ArtifactDescriptor, error) {
	if s.opts.Append && !s.loaded {
		existing, err := os.ReadFile(s.opts.Path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading existing %s: %w", s.opts.Path, err)
		}
		s.buf.Write(existing)
		s.loaded = true
	}

	for _, row := range rows {
		line, err := canonical.Marshal(map[string]any(row.Data()))
		if err != nil {
			return nil, fmt.Errorf("encoding row for %s: %w", s.opts.Path, err)
		}
		s.buf.Write(line)
		s.buf.WriteByte('\n')
	}
	s.rows += int64(len(rows))

	if err := writeFileAtomic(s.opts.Path, s.buf.Bytes()); err != nil {
		return nil, err
	}

	artifact := contracts.FileArtifact(s.opts.Path, canonical.HashBytes(s.buf.Bytes()), int64(s.buf.Len()))
	artifact.Metadata = map[string]any{"row_count": s.rows, "format": "jsonl"}
	return &artifact, nil
}

// Flush is a no-op: Write leaves the file durable on disk.
func (s *JSONLSink) Flush(context.Context) error { return nil }
