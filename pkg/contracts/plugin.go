package contracts

import "context"

// PluginMeta is the capability descriptor a plugin registers at init time.
// The registry publishes these for discovery; nothing inspects plugin source.
type PluginMeta struct {
	Name          string
	Version       string
	NodeType      NodeType
	Determinism   Determinism
	SecurityLevel SecurityLevel

	// ConfigSchema documents the plugin's accepted configuration keys.
	ConfigSchema map[string]any
}

// Plugin is the base capability every plugin implements. Close must be
// idempotent; the engine calls it once per run during cleanup and again on
// error paths.
type Plugin interface {
	Name() string
	Close(ctx context.Context) error
}

// LifecycleHooks are optional start and completion callbacks. The engine
// invokes them when the plugin implements the interface.
type LifecycleHooks interface {
	OnStart(ctx context.Context, pctx *PluginContext) error
	OnComplete(ctx context.Context, pctx *PluginContext) error
}

// SourceIterator yields source rows one at a time, scanner style:
//
//	for it.Next(ctx) {
//	    row := it.Row()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
type SourceIterator interface {
	Next(ctx context.Context) bool
	Row() SourceRow
	Err() error
	Close() error
}

// Source loads rows into the pipeline. Implementations must honor their
// declared output schema: every valid row carries the source's contract, and
// validation failures are yielded as quarantined rows rather than dropped.
type Source interface {
	Plugin
	Load(ctx context.Context, pctx *PluginContext) (SourceIterator, error)
	OutputSchema() *SchemaConfig

	// FieldResolution returns the original-header-to-field-name mapping
	// computed during Load, with a normalization scheme version, or nil
	// when the source does not rename fields.
	FieldResolution() (map[string]string, string)
}

// Transform processes one row at a time. Retryable failures (capacity,
// rate limit, transient upstream errors) are returned as errors for the
// engine to retry; data-level failures become TransformResult errors.
// Transforms must not silently coerce input types.
type Transform interface {
	Plugin
	Process(ctx context.Context, row *PipelineRow, pctx *PluginContext) (*TransformResult, error)
	InputSchema() *SchemaConfig
	OutputSchema() *SchemaConfig

	// OnErrorDestination names the sink that receives rows this transform
	// could not process, or "" to fail the token instead.
	OnErrorDestination() string
}

// BatchTransform processes a batch of rows in one invocation. It may return
// a BatchPendingError to signal that completion depends on an external
// system; the engine persists the checkpoint and retries after CheckAfter.
type BatchTransform interface {
	Plugin
	ProcessBatch(ctx context.Context, rows []*PipelineRow, pctx *PluginContext) (*TransformResult, error)
	InputSchema() *SchemaConfig
	OutputSchema() *SchemaConfig
	OnErrorDestination() string
}

// Aggregator reduces a buffered batch of rows into output rows once its
// trigger fires. Output shape depends on the node's configured output mode.
type Aggregator interface {
	Plugin
	Reduce(ctx context.Context, rows []*PipelineRow, pctx *PluginContext) (*TransformResult, error)
	InputSchema() *SchemaConfig
	OutputSchema() *SchemaConfig
}

// Gate evaluates a routing condition for a row. Gates never modify audit
// fields; the executor records the decision.
type Gate interface {
	Plugin
	Evaluate(ctx context.Context, row *PipelineRow, pctx *PluginContext) (*GateResult, error)
}

// Coalescer merges branch outputs at a join point, used when the configured
// merge strategy is plugin-custom rather than union, nested, or select.
type Coalescer interface {
	Plugin
	Merge(ctx context.Context, branchRows map[string]*PipelineRow, pctx *PluginContext) (Row, error)
}

// Sink writes rows to an external destination and describes what it wrote.
// Write is durable only after Flush returns; the engine records terminal
// token outcomes after that point, never before. Flush and Close must be
// idempotent.
type Sink interface {
	Plugin
	Write(ctx context.Context, rows []*PipelineRow, pctx *PluginContext) (*ArtifactDescriptor, error)
	Flush(ctx context.Context) error
	InputSchema() *SchemaConfig

	// SupportsResume reports whether the sink can continue a partially
	// written output across process restarts. Resume is rejected for
	// pipelines containing sinks that return false.
	SupportsResume() bool
}
