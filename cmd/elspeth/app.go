package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/landscape"
	"github.com/elspeth-io/elspeth/pkg/payload"
	"github.com/elspeth-io/elspeth/pkg/ratelimit"
	"github.com/elspeth-io/elspeth/pkg/telemetry"
)

// payloadCacheEntries bounds the in-memory read cache in front of the
// filesystem payload store.
const payloadCacheEntries = 256

// app is the assembled runtime every subcommand works against: settings,
// the audit store, payload storage, rate limits, telemetry, and the bundle
// exporter. Close releases everything in reverse order of construction.
type app struct {
	settings  *config.Settings
	db        *landscape.DB
	journal   *landscape.Journal
	recorder  *landscape.Recorder
	payloads  contracts.PayloadStore
	fsStore   *payload.FSStore
	limits    *ratelimit.Registry
	telemetry *telemetry.Manager
	exporter  *landscape.Exporter
	logger    *slog.Logger
}

func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	logger := slog.Default()

	settings, err := config.LoadProfile(opts.configPath, opts.profile)
	if err != nil {
		return nil, err
	}

	a := &app{settings: settings, logger: logger}

	if settings.Landscape.Enabled {
		a.db, err = landscape.Open(ctx, settings.Landscape.URL)
	} else {
		// Audit disabled still needs a working recorder for the engine's
		// lineage invariants; the records just do not outlive the process.
		a.db, err = landscape.InMemory(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	if err := a.buildPayloadStore(); err != nil {
		a.Close()
		return nil, err
	}

	recorderOpts := []landscape.RecorderOption{landscape.WithPayloadStore(a.payloads)}
	if settings.Landscape.Journal.Enabled {
		a.journal, err = landscape.OpenJournal(settings.Landscape.Journal.Path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening audit journal: %w", err)
		}
		recorderOpts = append(recorderOpts, landscape.WithJournal(a.journal))
	}
	a.recorder = landscape.NewRecorder(a.db, recorderOpts...)

	key := signingKey()
	if settings.Landscape.Export.Enabled && settings.Landscape.Export.Sign && key == nil {
		a.Close()
		return nil, fmt.Errorf("landscape.export.sign is enabled but %s is not set", signingKeyEnv)
	}
	a.exporter = landscape.NewExporter(a.recorder, key)

	a.limits = ratelimit.NewRegistry(settings.RateLimit, logger)
	a.telemetry = telemetry.NewManager(settings.Telemetry, telemetryExporters(settings.Telemetry, logger), logger)

	return a, nil
}

func (a *app) buildPayloadStore() error {
	switch a.settings.PayloadStore.Backend {
	case "memory":
		a.payloads = payload.NewMemoryStore()
	default:
		fs, err := payload.NewFSStore(a.settings.PayloadStore.BasePath)
		if err != nil {
			return fmt.Errorf("opening payload store: %w", err)
		}
		cached, err := payload.NewCachedStore(fs, payloadCacheEntries)
		if err != nil {
			return fmt.Errorf("building payload cache: %w", err)
		}
		a.fsStore = fs
		a.payloads = cached
	}
	return nil
}

func (a *app) Close() {
	if a.telemetry != nil {
		a.telemetry.Flush()
		a.telemetry.Close()
	}
	if a.limits != nil {
		if err := a.limits.Close(); err != nil {
			a.logger.Warn("Failed to persist rate limit state", "error", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("Failed to close audit journal", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close audit database", "error", err)
		}
	}
}

// telemetryExporters builds the configured exporter list. Only the slog
// exporter ships in-tree; unknown names are skipped with a warning rather
// than failing the run, because telemetry must never block data movement.
func telemetryExporters(settings config.TelemetrySettings, logger *slog.Logger) []telemetry.Exporter {
	if !settings.Enabled {
		return nil
	}
	if len(settings.Exporters) == 0 {
		return []telemetry.Exporter{telemetry.NewSlogExporter(logger, slog.LevelInfo)}
	}

	var exporters []telemetry.Exporter
	for _, cfg := range settings.Exporters {
		switch cfg.Name {
		case "slog":
			level := slog.LevelInfo
			if raw, ok := cfg.Options["level"].(string); ok {
				switch raw {
				case "debug":
					level = slog.LevelDebug
				case "warn":
					level = slog.LevelWarn
				case "error":
					level = slog.LevelError
				}
			}
			exporters = append(exporters, telemetry.NewSlogExporter(logger, level))
		default:
			logger.Warn("Unknown telemetry exporter, skipping", "name", cfg.Name)
		}
	}
	return exporters
}
