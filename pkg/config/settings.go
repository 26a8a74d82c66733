package config

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// Settings is the root of a pipeline configuration: one source, at least
// one sink, and any number of transforms, gates, aggregations, and coalesce
// points wired between them by name.
type Settings struct {
	Source       SourceSettings          `yaml:"source" validate:"required"`
	Sinks        map[string]SinkSettings `yaml:"sinks" validate:"required,min=1"`
	Transforms   []TransformSettings     `yaml:"transforms" validate:"dive"`
	Gates        []GateSettings          `yaml:"gates" validate:"dive"`
	Aggregations []AggregationSettings   `yaml:"aggregations" validate:"dive"`
	Coalesce     []CoalesceSettings      `yaml:"coalesce" validate:"dive"`

	Landscape    LandscapeSettings    `yaml:"landscape"`
	Concurrency  ConcurrencySettings  `yaml:"concurrency"`
	Retry        RetrySettings        `yaml:"retry"`
	PayloadStore PayloadStoreSettings `yaml:"payload_store"`
	Checkpoint   CheckpointSettings   `yaml:"checkpoint"`
	RateLimit    RateLimitSettings    `yaml:"rate_limit"`
	Telemetry    TelemetrySettings    `yaml:"telemetry"`

	// MaxRows caps how many rows the source emits, for smoke runs against
	// production configs. Nil means unbounded.
	MaxRows *int `yaml:"max_rows" validate:"omitempty,min=1"`
}

// SourceSettings configures the single row producer.
type SourceSettings struct {
	Plugin    string         `yaml:"plugin" validate:"required"`
	OnSuccess string         `yaml:"on_success" validate:"required"`
	Options   map[string]any `yaml:"options"`
}

// SinkSettings configures a terminal row consumer. Sinks are named by their
// key in the sinks mapping.
type SinkSettings struct {
	Plugin  string         `yaml:"plugin" validate:"required"`
	Options map[string]any `yaml:"options"`
}

// TransformSettings configures a row-to-row processing step.
type TransformSettings struct {
	Name      string         `yaml:"name" validate:"required"`
	Plugin    string         `yaml:"plugin" validate:"required"`
	Input     string         `yaml:"input" validate:"required"`
	OnSuccess string         `yaml:"on_success" validate:"required"`
	OnError   string         `yaml:"on_error"`
	Options   map[string]any `yaml:"options"`
}

// GateSettings configures a conditional router. The condition is an
// expression over row; routes map its result labels to destinations. The
// reserved destination "fork" duplicates the token to every entry in
// fork_to, and "discard" retires it.
type GateSettings struct {
	Name      string            `yaml:"name" validate:"required"`
	Input     string            `yaml:"input" validate:"required"`
	Condition string            `yaml:"condition" validate:"required"`
	Routes    map[string]string `yaml:"routes" validate:"omitempty,max=32,dive,required"`
	ForkTo    []string          `yaml:"fork_to" validate:"omitempty,min=1,dive,required"`
}

// CoalesceSettings configures a merge point where forked branches rejoin.
type CoalesceSettings struct {
	Name           string                   `yaml:"name" validate:"required"`
	Branches       BranchMap                `yaml:"branches" validate:"required"`
	Policy         contracts.CoalescePolicy `yaml:"policy" validate:"oneof=require_all quorum best_effort first"`
	Merge          contracts.MergeStrategy  `yaml:"merge" validate:"oneof=union nested select"`
	TimeoutSeconds *float64                 `yaml:"timeout_seconds" validate:"omitempty,gt=0"`
	QuorumCount    *int                     `yaml:"quorum_count" validate:"omitempty,min=1"`
	SelectBranch   string                   `yaml:"select_branch"`
	OnSuccess      string                   `yaml:"on_success" validate:"required"`
}

// UnmarshalYAML applies per-item defaults before decoding, so a coalesce
// block that names only its branches still gets require_all and union.
func (c *CoalesceSettings) UnmarshalYAML(value *yaml.Node) error {
	type raw CoalesceSettings
	out := raw{
		Policy: contracts.PolicyRequireAll,
		Merge:  contracts.MergeUnion,
	}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*c = CoalesceSettings(out)
	return nil
}

// BranchMap maps coalesce branch labels to the node names that feed them.
// YAML accepts either a list of node names, which become their own labels,
// or an explicit label to node mapping.
type BranchMap map[string]string

func (b *BranchMap) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		m := make(BranchMap, len(names))
		for _, name := range names {
			if _, dup := m[name]; dup {
				return fmt.Errorf("duplicate branch %q", name)
			}
			m[name] = name
		}
		*b = m
		return nil
	case yaml.MappingNode:
		m := make(map[string]string)
		if err := value.Decode(&m); err != nil {
			return err
		}
		*b = m
		return nil
	default:
		return fmt.Errorf("branches must be a list of node names or a label mapping")
	}
}

// Labels returns the branch labels in sorted order.
func (b BranchMap) Labels() []string {
	labels := make([]string, 0, len(b))
	for label := range b {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// AggregationSettings configures a batching step that buffers tokens until
// a trigger fires, then runs its plugin over the whole batch.
type AggregationSettings struct {
	Name                string                          `yaml:"name" validate:"required"`
	Plugin              string                          `yaml:"plugin" validate:"required"`
	Input               string                          `yaml:"input" validate:"required"`
	OnSuccess           string                          `yaml:"on_success" validate:"required"`
	Trigger             TriggerSettings                 `yaml:"trigger"`
	OutputMode          contracts.AggregationOutputMode `yaml:"output_mode" validate:"oneof=single transform passthrough"`
	ExpectedOutputCount *int                            `yaml:"expected_output_count" validate:"omitempty,min=1"`
	Options             map[string]any                  `yaml:"options"`
}

func (a *AggregationSettings) UnmarshalYAML(value *yaml.Node) error {
	type raw AggregationSettings
	out := raw{
		OutputMode: contracts.OutputTransform,
	}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*a = AggregationSettings(out)
	return nil
}

// TriggerSettings decides when an aggregation batch executes. At least one
// of count, timeout_seconds, or condition must be set; whichever fires
// first wins. Conditions range over batch_count and batch_age_seconds.
type TriggerSettings struct {
	Count          *int     `yaml:"count" validate:"omitempty,min=1"`
	TimeoutSeconds *float64 `yaml:"timeout_seconds" validate:"omitempty,gt=0"`
	Condition      string   `yaml:"condition"`
}

// LandscapeSettings configures the audit trail backend.
type LandscapeSettings struct {
	Enabled bool            `yaml:"enabled"`
	Backend string          `yaml:"backend" validate:"oneof=sqlite postgres"`
	URL     string          `yaml:"url" validate:"required"`
	Export  ExportSettings  `yaml:"export"`
	Journal JournalSettings `yaml:"journal"`
}

// ExportSettings configures post-run audit export through a named sink.
type ExportSettings struct {
	Enabled bool   `yaml:"enabled"`
	Sink    string `yaml:"sink"`
	Format  string `yaml:"format" validate:"oneof=csv json"`
	Sign    bool   `yaml:"sign"`
}

// JournalSettings configures the hash-chained side journal.
type JournalSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ConcurrencySettings bounds the worker pool.
type ConcurrencySettings struct {
	MaxWorkers int `yaml:"max_workers" validate:"min=1"`
}

// RetrySettings shapes the backoff schedule applied to retryable plugin
// failures. Delays are in seconds; the attempt delay is
// initial * base^(attempt-1), capped at max, with optional jitter.
type RetrySettings struct {
	MaxAttempts         int     `yaml:"max_attempts" validate:"min=1"`
	InitialDelaySeconds float64 `yaml:"initial_delay_seconds" validate:"gt=0"`
	MaxDelaySeconds     float64 `yaml:"max_delay_seconds" validate:"gt=0"`
	ExponentialBase     float64 `yaml:"exponential_base" validate:"gt=1"`
	Jitter              bool    `yaml:"jitter"`
}

// PayloadStoreSettings configures the content-addressed row payload store.
type PayloadStoreSettings struct {
	Backend       string `yaml:"backend" validate:"oneof=filesystem memory"`
	BasePath      string `yaml:"base_path"`
	RetentionDays int    `yaml:"retention_days" validate:"min=0"`
}

// CheckpointSettings configures resume snapshots.
type CheckpointSettings struct {
	Enabled   bool                          `yaml:"enabled"`
	Frequency contracts.CheckpointFrequency `yaml:"frequency" validate:"oneof=every_row every_n aggregation_only"`
	Interval  *int                          `yaml:"interval" validate:"omitempty,min=1"`
}

// RateLimitSettings throttles named external services. Plugins declare the
// service they call; the limiter enforces the per-service rate or the
// default.
type RateLimitSettings struct {
	Enabled                  bool                        `yaml:"enabled"`
	DefaultRequestsPerMinute int                         `yaml:"default_requests_per_minute" validate:"min=0"`
	PersistencePath          string                      `yaml:"persistence_path"`
	Services                 map[string]ServiceRateLimit `yaml:"services" validate:"omitempty,dive"`
}

// ServiceRateLimit overrides the default rate for one service.
type ServiceRateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"min=1"`
}

// ServiceLimit returns the requests-per-minute budget for a service,
// falling back to the default when the service has no override. Zero means
// unlimited.
func (r RateLimitSettings) ServiceLimit(service string) int {
	if svc, ok := r.Services[service]; ok {
		return svc.RequestsPerMinute
	}
	return r.DefaultRequestsPerMinute
}

// TelemetryGranularity controls how much of a run the telemetry bus sees.
type TelemetryGranularity string

const (
	// GranularityLifecycle emits run start and completion only.
	GranularityLifecycle TelemetryGranularity = "lifecycle"
	// GranularityRows adds per-row outcomes.
	GranularityRows TelemetryGranularity = "rows"
	// GranularityFull adds node states, external calls, and retries.
	GranularityFull TelemetryGranularity = "full"
)

// BackpressureMode decides what happens when a telemetry exporter cannot
// keep up.
type BackpressureMode string

const (
	// BackpressureBlock stalls the emitting worker until the exporter
	// drains.
	BackpressureBlock BackpressureMode = "block"
	// BackpressureDrop discards events once the buffer is full.
	BackpressureDrop BackpressureMode = "drop"
	// BackpressureSlow inserts a fixed delay per event while the buffer is
	// saturated.
	BackpressureSlow BackpressureMode = "slow"
)

// TelemetrySettings configures the observer bus. Telemetry is advisory:
// exporter failures never fail a run, but max_consecutive_failures disables
// an exporter that keeps failing.
type TelemetrySettings struct {
	Enabled                bool                 `yaml:"enabled"`
	Granularity            TelemetryGranularity `yaml:"granularity" validate:"oneof=lifecycle rows full"`
	BackpressureMode       BackpressureMode     `yaml:"backpressure_mode" validate:"oneof=block drop slow"`
	MaxConsecutiveFailures int                  `yaml:"max_consecutive_failures" validate:"min=1"`
	Exporters              []ExporterSettings   `yaml:"exporters" validate:"dive"`
}

// ExporterSettings names one telemetry exporter plugin and its options.
type ExporterSettings struct {
	Name    string         `yaml:"name" validate:"required"`
	Options map[string]any `yaml:"options"`
}
