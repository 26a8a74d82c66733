package config

import "github.com/elspeth-io/elspeth/pkg/contracts"

// DefaultSettings returns a Settings value with every optional subsystem at
// its documented default. The loader decodes YAML over this value, so keys
// absent from the file keep these defaults while explicit values, including
// explicit false, win.
func DefaultSettings() *Settings {
	return &Settings{
		Landscape: LandscapeSettings{
			Enabled: true,
			Backend: "sqlite",
			URL:     "sqlite:///./state/audit.db",
			Export: ExportSettings{
				Format: "csv",
			},
			Journal: JournalSettings{
				Path: "./state/journal.ndjson",
			},
		},
		Concurrency: ConcurrencySettings{
			MaxWorkers: 4,
		},
		Retry: RetrySettings{
			MaxAttempts:         3,
			InitialDelaySeconds: 1.0,
			MaxDelaySeconds:     60.0,
			ExponentialBase:     2.0,
			Jitter:              true,
		},
		PayloadStore: PayloadStoreSettings{
			Backend:       "filesystem",
			BasePath:      "./state/payloads",
			RetentionDays: 90,
		},
		Checkpoint: CheckpointSettings{
			Enabled:   true,
			Frequency: contracts.CheckpointEveryRow,
		},
		RateLimit: RateLimitSettings{
			Enabled:                  true,
			DefaultRequestsPerMinute: 60,
			PersistencePath:          "./state/ratelimit.json",
		},
		Telemetry: TelemetrySettings{
			Enabled:                false,
			Granularity:            GranularityLifecycle,
			BackpressureMode:       BackpressureBlock,
			MaxConsecutiveFailures: 10,
		},
	}
}
