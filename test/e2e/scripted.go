package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/plugins"
)

// flakyTransform fails its first failures Process calls with a retryable
// error and passes rows through unchanged afterwards. The counter is shared
// across retries of the same token, which is exactly what the retry tests
// need.
type flakyTransform struct {
	name     string
	failures int
	calls    atomic.Int32
}

func (f *flakyTransform) Name() string { return f.name }

func (f *flakyTransform) Close(context.Context) error { return nil }

func (f *flakyTransform) InputSchema() *contracts.SchemaConfig { return contracts.DynamicSchema() }

func (f *flakyTransform) OutputSchema() *contracts.SchemaConfig { return contracts.DynamicSchema() }

func (f *flakyTransform) OnErrorDestination() string { return "" }

func (f *flakyTransform) Process(ctx context.Context, row *contracts.PipelineRow, pctx *contracts.PluginContext) (*contracts.TransformResult, error) {
	call := f.calls.Add(1)
	if int(call) <= f.failures {
		return nil, &contracts.PluginInvocationError{
			Plugin:    "flaky",
			NodeID:    pctx.NodeID,
			Retryable: true,
			Err:       fmt.Errorf("transient outage on call %d", call),
		}
	}
	return contracts.TransformSuccess(row, map[string]any{"action": "annotate"}), nil
}

// registerFlaky installs the flaky plugin on the test's registry and returns
// the shared instance so assertions can read its call count.
func registerFlaky(t *testing.T, registry *plugins.Registry, failures int) *flakyTransform {
	t.Helper()
	plugin := &flakyTransform{failures: failures}
	require.NoError(t, registry.RegisterTransform(contracts.PluginMeta{
		Name:          "flaky",
		Version:       plugins.Version,
		NodeType:      contracts.NodeTypeTransform,
		Determinism:   contracts.DeterminismExternalCall,
		SecurityLevel: contracts.SecurityUnofficial,
	}, func(name string, options map[string]any) (contracts.Transform, error) {
		plugin.name = name
		return plugin, nil
	}))
	return plugin
}

// externalBatchAggregator models an aggregation handed to an external system:
// the first Reduce submits the batch and parks the run, and any Reduce after
// that finds the submission marker on disk and returns the summary. The
// marker lives in the filesystem because the plugin instance is rebuilt
// between the original run and the resume.
type externalBatchAggregator struct {
	name      string
	markerDir string
}

const externalBatchID = "ext-batch-1"

func (a *externalBatchAggregator) marker() string {
	return filepath.Join(a.markerDir, "submitted")
}

func (a *externalBatchAggregator) Name() string { return a.name }

func (a *externalBatchAggregator) Close(context.Context) error { return nil }

func (a *externalBatchAggregator) InputSchema() *contracts.SchemaConfig {
	return contracts.DynamicSchema()
}

func (a *externalBatchAggregator) OutputSchema() *contracts.SchemaConfig {
	return &contracts.SchemaConfig{
		Mode: "strict",
		Fields: []contracts.FieldDefinition{
			{Name: "batch_id", Kind: contracts.KindString, Required: true},
			{Name: "rows", Kind: contracts.KindInt, Required: true},
		},
	}
}

func (a *externalBatchAggregator) Reduce(ctx context.Context, rows []*contracts.PipelineRow, pctx *contracts.PluginContext) (*contracts.TransformResult, error) {
	if _, err := os.Stat(a.marker()); errors.Is(err, os.ErrNotExist) {
		if werr := os.WriteFile(a.marker(), []byte(externalBatchID), 0o600); werr != nil {
			return nil, werr
		}
		return nil, contracts.NewBatchPendingError(externalBatchID, "submitted")
	} else if err != nil {
		return nil, err
	}

	out := contracts.Row{
		"batch_id": externalBatchID,
		"rows":     int64(len(rows)),
	}
	outContract, err := a.OutputSchema().Contract()
	if err != nil {
		return nil, fmt.Errorf("building output contract: %w", err)
	}
	return contracts.TransformSuccess(
		contracts.NewPipelineRow(out, outContract.WithLocked()),
		map[string]any{"action": "aggregate", "rows": len(rows)},
	), nil
}

func registerExternalBatch(t *testing.T, registry *plugins.Registry, markerDir string) {
	t.Helper()
	require.NoError(t, registry.RegisterAggregator(contracts.PluginMeta{
		Name:          "external_batch",
		Version:       plugins.Version,
		NodeType:      contracts.NodeTypeAggregation,
		Determinism:   contracts.DeterminismExternalCall,
		SecurityLevel: contracts.SecurityUnofficial,
	}, func(name string, options map[string]any) (contracts.Aggregator, error) {
		return &externalBatchAggregator{name: name, markerDir: markerDir}, nil
	}))
}
