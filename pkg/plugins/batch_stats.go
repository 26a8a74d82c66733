package plugins

import (
	"context"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type batchStatsOptions struct {
	Field string `yaml:"field"`
}

// BatchStats reduces a batch to descriptive statistics over one numeric
// field: count, sum, min, max, mean.
type BatchStats struct {
	name string
	opts batchStatsOptions
}

// NewBatchStats builds the plugin from its options block.
func NewBatchStats(name string, options map[string]any) (contracts.Aggregator, error) {
	var opts batchStatsOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	if opts.Field == "" {
		return nil, fmt.Errorf("missing required option %q", "field")
	}
	return &BatchStats{name: name, opts: opts}, nil
}

func (b *BatchStats) Name() string { return b.name }

func (b *BatchStats) Close(context.Context) error { return nil }

func (b *BatchStats) InputSchema() *contracts.SchemaConfig { return contracts.DynamicSchema() }

func (b *BatchStats) OutputSchema() *contracts.SchemaConfig {
	return &contracts.SchemaConfig{
		Mode: "strict",
		Fields: []contracts.FieldDefinition{
			{Name: "field", Kind: contracts.KindString, Required: true},
			{Name: "count", Kind: contracts.KindInt, Required: true},
			{Name: "sum", Kind: contracts.KindFloat, Required: true},
			{Name: "min", Kind: contracts.KindFloat, Required: true},
			{Name: "max", Kind: contracts.KindFloat, Required: true},
			{Name: "mean", Kind: contracts.KindFloat, Required: true},
		},
	}
}

// Reduce computes the statistics. A non-numeric or missing value anywhere in
// the batch fails the whole reduction; partial statistics would be a false
// audit claim.
func (b *BatchStats) Reduce(ctx context.Context, rows []*contracts.PipelineRow, pctx *contracts.PluginContext) (*contracts.TransformResult, error) {
	if len(rows) == 0 {
		return contracts.TransformError(map[string]any{
			"reason": "empty_batch",
			"field":  b.opts.Field,
		}, false), nil
	}

	var sum, min, max float64
	for i, row := range rows {
		value, present := row.Get(b.opts.Field)
		if !present {
			return contracts.TransformError(map[string]any{
				"reason": "missing_field",
				"field":  b.opts.Field,
				"row":    i,
			}, false), nil
		}
		n, ok := asFloat(value)
		if !ok {
			return contracts.TransformError(map[string]any{
				"reason":      "non_numeric_field",
				"field":       b.opts.Field,
				"row":         i,
				"actual_type": string(contracts.KindOf(value)),
			}, false), nil
		}
		if i == 0 {
			min, max = n, n
		} else {
			if n < min {
				min = n
			}
			if n > max {
				max = n
			}
		}
		sum += n
	}

	out := contracts.Row{
		"field": b.opts.Field,
		"count": int64(len(rows)),
		"sum":   sum,
		"min":   min,
		"max":   max,
		"mean":  sum / float64(len(rows)),
	}
	outContract, err := b.OutputSchema().Contract()
	if err != nil {
		return nil, fmt.Errorf("building output contract: %w", err)
	}
	return contracts.TransformSuccess(
		contracts.NewPipelineRow(out, outContract.WithLocked()),
		map[string]any{"action": "aggregate", "rows": len(rows), "field": b.opts.Field},
	), nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
