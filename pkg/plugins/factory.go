package plugins

import (
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/engine"
	"github.com/elspeth-io/elspeth/pkg/graph"
)

// BuildPluginSet instantiates every plugin the settings name and pairs each
// with the registration metadata the graph builder needs. Construction is
// fail-fast: a bad options block surfaces here, before any run record exists.
func BuildPluginSet(settings *config.Settings, registry *Registry) (engine.PluginSet, error) {
	var set engine.PluginSet

	source, meta, err := registry.NewSource(settings.Source.Plugin, settings.Source.Options)
	if err != nil {
		return set, err
	}
	set.Source = engine.SourceBinding{
		Plugin: source,
		Info: graph.PluginInfo{
			PluginName:            meta.Name,
			Version:               meta.Version,
			Determinism:           meta.Determinism,
			OutputSchema:          source.OutputSchema(),
			QuarantineDestination: quarantineDestination(settings.Source.Options),
		},
	}

	set.Transforms = make(map[string]engine.TransformBinding, len(settings.Transforms))
	for _, t := range settings.Transforms {
		plugin, meta, err := registry.NewTransform(t.Plugin, t.Name, t.Options)
		if err != nil {
			return set, err
		}
		if _, dup := set.Transforms[t.Name]; dup {
			return set, fmt.Errorf("duplicate transform name %q", t.Name)
		}
		set.Transforms[t.Name] = engine.TransformBinding{
			Plugin: plugin,
			Info: graph.PluginInfo{
				PluginName:   meta.Name,
				Version:      meta.Version,
				Determinism:  meta.Determinism,
				InputSchema:  plugin.InputSchema(),
				OutputSchema: plugin.OutputSchema(),
			},
		}
	}

	set.Aggregations = make(map[string]engine.AggregatorBinding, len(settings.Aggregations))
	for _, a := range settings.Aggregations {
		plugin, meta, err := registry.NewAggregator(a.Plugin, a.Name, a.Options)
		if err != nil {
			return set, err
		}
		if _, dup := set.Aggregations[a.Name]; dup {
			return set, fmt.Errorf("duplicate aggregation name %q", a.Name)
		}
		set.Aggregations[a.Name] = engine.AggregatorBinding{
			Plugin: plugin,
			Info: graph.PluginInfo{
				PluginName:   meta.Name,
				Version:      meta.Version,
				Determinism:  meta.Determinism,
				InputSchema:  plugin.InputSchema(),
				OutputSchema: plugin.OutputSchema(),
			},
		}
	}

	set.Sinks = make(map[string]engine.SinkBinding, len(settings.Sinks))
	for name, s := range settings.Sinks {
		plugin, meta, err := registry.NewSink(s.Plugin, name, s.Options)
		if err != nil {
			return set, err
		}
		set.Sinks[name] = engine.SinkBinding{
			Plugin: plugin,
			Info: graph.PluginInfo{
				PluginName:  meta.Name,
				Version:     meta.Version,
				Determinism: meta.Determinism,
				InputSchema: plugin.InputSchema(),
			},
		}
	}

	return set, nil
}

// quarantineDestination pulls the source's on_validation_error option without
// re-decoding the whole options block; the source plugin validates it fully.
func quarantineDestination(options map[string]any) string {
	if dest, ok := options["on_validation_error"].(string); ok {
		return dest
	}
	return ""
}
