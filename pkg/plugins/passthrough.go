package plugins

import (
	"context"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// Passthrough hands every row through unchanged. Useful as a pipeline
// placeholder and for exercising the executor in tests.
type Passthrough struct {
	name string
}

// NewPassthrough builds the plugin. It accepts no options.
func NewPassthrough(name string, options map[string]any) (contracts.Transform, error) {
	var opts struct{}
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return &Passthrough{name: name}, nil
}

func (p *Passthrough) Name() string { return p.name }

func (p *Passthrough) Close(context.Context) error { return nil }

func (p *Passthrough) InputSchema() *contracts.SchemaConfig { return contracts.DynamicSchema() }

func (p *Passthrough) OutputSchema() *contracts.SchemaConfig { return contracts.DynamicSchema() }

func (p *Passthrough) OnErrorDestination() string { return "" }

func (p *Passthrough) Process(ctx context.Context, row *contracts.PipelineRow, pctx *contracts.PluginContext) (*contracts.TransformResult, error) {
	return contracts.TransformSuccess(row, map[string]any{"action": "passthrough"}), nil
}
