package plugins

import (
	"context"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// NullSink accepts and discards rows. It still hashes what it was given, so
// the audit trail records what would have been written. Used as a discard
// destination and in tests.
type NullSink struct {
	name string
	rows int64
	hash string
}

// NewNullSink builds the plugin. It accepts no options.
func NewNullSink(name string, options map[string]any) (contracts.Sink, error) {
	var opts struct{}
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return &NullSink{name: name, hash: canonical.HashBytes(nil)}, nil
}

func (s *NullSink) Name() string { return s.name }

func (s *NullSink) Close(context.Context) error { return nil }

func (s *NullSink) InputSchema() *contracts.SchemaConfig { return contracts.DynamicSchema() }

// SupportsResume is true: discarding is trivially resumable.
func (s *NullSink) SupportsResume() bool { return true }

func (s *NullSink) Write(ctx context.Context, rows []*contracts.PipelineRow, pctx *contracts.PluginContext) (*contracts.ArtifactDescriptor, error) {
	for _, row := range rows {
		line, err := canonical.Marshal(map[string]any(row.Data()))
		if err != nil {
			return nil, fmt.Errorf("encoding discarded row: %w", err)
		}
		// Chain row hashes so the final hash commits to content and order.
		s.hash = canonical.HashBytes(append([]byte(s.hash), line...))
	}
	s.rows += int64(len(rows))

	return &contracts.ArtifactDescriptor{
		ArtifactType: "null",
		PathOrURI:    "null://" + s.name,
		ContentHash:  s.hash,
		SizeBytes:    0,
		Metadata:     map[string]any{"row_count": s.rows},
	}, nil
}

func (s *NullSink) Flush(context.Context) error { return nil }
