package telemetry

import (
	"context"
	"log/slog"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// SlogExporter writes events to a structured logger. It is the only
// built-in exporter; anything heavier lives outside the engine.
type SlogExporter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogExporter exports events at the given level through logger.
func NewSlogExporter(logger *slog.Logger, level slog.Level) *SlogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogExporter{logger: logger, level: level}
}

func (e *SlogExporter) Name() string { return "slog" }

func (e *SlogExporter) Export(event contracts.Event) error {
	e.logger.Log(context.Background(), e.level, "telemetry event",
		"kind", event.EventKind(),
		"at", event.EventTime(),
		"event", event)
	return nil
}

func (e *SlogExporter) Flush() error { return nil }
func (e *SlogExporter) Close() error { return nil }

// BuildExporters instantiates the exporters named in settings. Unknown
// names are configuration errors so typos surface before the run starts.
func BuildExporters(settings []config.ExporterSettings, logger *slog.Logger) ([]Exporter, error) {
	exporters := make([]Exporter, 0, len(settings))
	for _, exp := range settings {
		switch exp.Name {
		case "slog":
			level := slog.LevelInfo
			if raw, ok := exp.Options["level"].(string); ok {
				if err := level.UnmarshalText([]byte(raw)); err != nil {
					return nil, contracts.NewConfigurationError(
						"telemetry exporter %q: invalid level %q", exp.Name, raw)
				}
			}
			exporters = append(exporters, NewSlogExporter(logger, level))
		default:
			return nil, contracts.NewConfigurationError(
				"unknown telemetry exporter %q (built-in exporters: slog)", exp.Name)
		}
	}
	return exporters, nil
}
