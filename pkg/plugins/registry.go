// Package plugins provides the built-in pipeline plugins (CSV and JSONL
// sources and sinks, row transforms, batch aggregators) and the registry the
// CLI uses to construct them from settings. Plugins declare their
// capabilities in a descriptor at registration time; nothing inspects plugin
// internals.
package plugins

import (
	"fmt"
	"sort"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// Factory signatures per plugin kind. The name argument is the component
// name from settings, so two instances of one plugin stay distinguishable in
// logs and artifacts.
type (
	SourceFactory     func(options map[string]any) (contracts.Source, error)
	TransformFactory  func(name string, options map[string]any) (contracts.Transform, error)
	AggregatorFactory func(name string, options map[string]any) (contracts.Aggregator, error)
	SinkFactory       func(name string, options map[string]any) (contracts.Sink, error)
)

type sourceEntry struct {
	meta    contracts.PluginMeta
	factory SourceFactory
}

type transformEntry struct {
	meta    contracts.PluginMeta
	factory TransformFactory
}

type aggregatorEntry struct {
	meta    contracts.PluginMeta
	factory AggregatorFactory
}

type sinkEntry struct {
	meta    contracts.PluginMeta
	factory SinkFactory
}

// Registry maps plugin names to factories, per kind. A source and a sink may
// share a name (csv does); two sources may not.
type Registry struct {
	sources      map[string]sourceEntry
	transforms   map[string]transformEntry
	aggregations map[string]aggregatorEntry
	sinks        map[string]sinkEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:      make(map[string]sourceEntry),
		transforms:   make(map[string]transformEntry),
		aggregations: make(map[string]aggregatorEntry),
		sinks:        make(map[string]sinkEntry),
	}
}

// RegisterSource adds a source plugin under meta.Name.
func (r *Registry) RegisterSource(meta contracts.PluginMeta, factory SourceFactory) error {
	if err := checkMeta(meta, contracts.NodeTypeSource); err != nil {
		return err
	}
	if _, dup := r.sources[meta.Name]; dup {
		return fmt.Errorf("source plugin %q already registered", meta.Name)
	}
	r.sources[meta.Name] = sourceEntry{meta: meta, factory: factory}
	return nil
}

// RegisterTransform adds a transform plugin under meta.Name.
func (r *Registry) RegisterTransform(meta contracts.PluginMeta, factory TransformFactory) error {
	if err := checkMeta(meta, contracts.NodeTypeTransform); err != nil {
		return err
	}
	if _, dup := r.transforms[meta.Name]; dup {
		return fmt.Errorf("transform plugin %q already registered", meta.Name)
	}
	r.transforms[meta.Name] = transformEntry{meta: meta, factory: factory}
	return nil
}

// RegisterAggregator adds an aggregator plugin under meta.Name.
func (r *Registry) RegisterAggregator(meta contracts.PluginMeta, factory AggregatorFactory) error {
	if err := checkMeta(meta, contracts.NodeTypeAggregation); err != nil {
		return err
	}
	if _, dup := r.aggregations[meta.Name]; dup {
		return fmt.Errorf("aggregator plugin %q already registered", meta.Name)
	}
	r.aggregations[meta.Name] = aggregatorEntry{meta: meta, factory: factory}
	return nil
}

// RegisterSink adds a sink plugin under meta.Name.
func (r *Registry) RegisterSink(meta contracts.PluginMeta, factory SinkFactory) error {
	if err := checkMeta(meta, contracts.NodeTypeSink); err != nil {
		return err
	}
	if _, dup := r.sinks[meta.Name]; dup {
		return fmt.Errorf("sink plugin %q already registered", meta.Name)
	}
	r.sinks[meta.Name] = sinkEntry{meta: meta, factory: factory}
	return nil
}

func checkMeta(meta contracts.PluginMeta, want contracts.NodeType) error {
	if meta.Name == "" {
		return fmt.Errorf("plugin descriptor has no name")
	}
	if meta.Version == "" {
		return fmt.Errorf("plugin %q declares no version; audit registration needs one", meta.Name)
	}
	if meta.NodeType != want {
		return fmt.Errorf("plugin %q declares node type %s, registered as %s", meta.Name, meta.NodeType, want)
	}
	return nil
}

// NewSource constructs a source plugin instance.
func (r *Registry) NewSource(plugin string, options map[string]any) (contracts.Source, contracts.PluginMeta, error) {
	entry, ok := r.sources[plugin]
	if !ok {
		return nil, contracts.PluginMeta{}, unknownPlugin("source", plugin, keys(r.sources))
	}
	src, err := entry.factory(options)
	if err != nil {
		return nil, contracts.PluginMeta{}, fmt.Errorf("source %q: %w", plugin, err)
	}
	return src, entry.meta, nil
}

// NewTransform constructs a transform plugin instance for the named component.
func (r *Registry) NewTransform(plugin, name string, options map[string]any) (contracts.Transform, contracts.PluginMeta, error) {
	entry, ok := r.transforms[plugin]
	if !ok {
		return nil, contracts.PluginMeta{}, unknownPlugin("transform", plugin, keys(r.transforms))
	}
	t, err := entry.factory(name, options)
	if err != nil {
		return nil, contracts.PluginMeta{}, fmt.Errorf("transform %q (%s): %w", name, plugin, err)
	}
	return t, entry.meta, nil
}

// NewAggregator constructs an aggregator plugin instance for the named
// component.
func (r *Registry) NewAggregator(plugin, name string, options map[string]any) (contracts.Aggregator, contracts.PluginMeta, error) {
	entry, ok := r.aggregations[plugin]
	if !ok {
		return nil, contracts.PluginMeta{}, unknownPlugin("aggregation", plugin, keys(r.aggregations))
	}
	a, err := entry.factory(name, options)
	if err != nil {
		return nil, contracts.PluginMeta{}, fmt.Errorf("aggregation %q (%s): %w", name, plugin, err)
	}
	return a, entry.meta, nil
}

// NewSink constructs a sink plugin instance for the named component.
func (r *Registry) NewSink(plugin, name string, options map[string]any) (contracts.Sink, contracts.PluginMeta, error) {
	entry, ok := r.sinks[plugin]
	if !ok {
		return nil, contracts.PluginMeta{}, unknownPlugin("sink", plugin, keys(r.sinks))
	}
	s, err := entry.factory(name, options)
	if err != nil {
		return nil, contracts.PluginMeta{}, fmt.Errorf("sink %q (%s): %w", name, plugin, err)
	}
	return s, entry.meta, nil
}

// Descriptors returns every registered capability descriptor, sorted by node
// type then name, for discovery surfaces.
func (r *Registry) Descriptors() []contracts.PluginMeta {
	var out []contracts.PluginMeta
	for _, e := range r.sources {
		out = append(out, e.meta)
	}
	for _, e := range r.transforms {
		out = append(out, e.meta)
	}
	for _, e := range r.aggregations {
		out = append(out, e.meta)
	}
	for _, e := range r.sinks {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeType != out[j].NodeType {
			return out[i].NodeType < out[j].NodeType
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func unknownPlugin(kind, plugin string, known []string) error {
	sort.Strings(known)
	return contracts.NewConfigurationError("unknown %s plugin %q, available: %v", kind, plugin, known)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// DefaultRegistry returns a registry with every built-in plugin registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	must := func(err error) {
		if err != nil {
			// Registration of built-ins fails only on a programming error.
			panic(err)
		}
	}

	must(r.RegisterSource(contracts.PluginMeta{
		Name:          "csv",
		Version:       Version,
		NodeType:      contracts.NodeTypeSource,
		Determinism:   contracts.DeterminismIORead,
		SecurityLevel: contracts.SecurityUnofficial,
	}, NewCSVSource))
	must(r.RegisterSource(contracts.PluginMeta{
		Name:          "jsonl",
		Version:       Version,
		NodeType:      contracts.NodeTypeSource,
		Determinism:   contracts.DeterminismIORead,
		SecurityLevel: contracts.SecurityUnofficial,
	}, NewJSONLSource))

	must(r.RegisterTransform(contracts.PluginMeta{
		Name:          "field_mapper",
		Version:       Version,
		NodeType:      contracts.NodeTypeTransform,
		Determinism:   contracts.DeterminismDeterministic,
		SecurityLevel: contracts.SecurityUnofficial,
	}, NewFieldMapper))
	must(r.RegisterTransform(contracts.PluginMeta{
		Name:          "passthrough",
		Version:       Version,
		NodeType:      contracts.NodeTypeTransform,
		Determinism:   contracts.DeterminismDeterministic,
		SecurityLevel: contracts.SecurityUnofficial,
	}, NewPassthrough))

	must(r.RegisterAggregator(contracts.PluginMeta{
		Name:          "batch_stats",
		Version:       Version,
		NodeType:      contracts.NodeTypeAggregation,
		Determinism:   contracts.DeterminismDeterministic,
		SecurityLevel: contracts.SecurityUnofficial,
	}, NewBatchStats))

	must(r.RegisterSink(contracts.PluginMeta{
		Name:          "csv",
		Version:       Version,
		NodeType:      contracts.NodeTypeSink,
		Determinism:   contracts.DeterminismIOWrite,
		SecurityLevel: contracts.SecurityUnofficial,
	}, NewCSVSink))
	must(r.RegisterSink(contracts.PluginMeta{
		Name:          "jsonl",
		Version:       Version,
		NodeType:      contracts.NodeTypeSink,
		Determinism:   contracts.DeterminismIOWrite,
		SecurityLevel: contracts.SecurityUnofficial,
	}, NewJSONLSink))
	must(r.RegisterSink(contracts.PluginMeta{
		Name:          "null",
		Version:       Version,
		NodeType:      contracts.NodeTypeSink,
		Determinism:   contracts.DeterminismDeterministic,
		SecurityLevel: contracts.SecurityUnofficial,
	}, NewNullSink))

	return r
}

// Version is the release version of the built-in plugin set, recorded with
// each node registration so exported audit trails name the exact behavior.
const Version = "1.0.0"
