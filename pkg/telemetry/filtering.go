package telemetry

import (
	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// Granularity tiers. Lifecycle covers run-level signals an operator always
// wants; rows adds per-row creation and outcomes; full adds node states,
// external calls, retries, and batch flushes.
var eventTier = map[string]config.TelemetryGranularity{
	"run_started":   config.GranularityLifecycle,
	"run_completed": config.GranularityLifecycle,
	"progress":      config.GranularityLifecycle,
	"phase_error":   config.GranularityLifecycle,

	"row_created": config.GranularityRows,
	"row_outcome": config.GranularityRows,

	"node_state_completed":    config.GranularityFull,
	"external_call_completed": config.GranularityFull,
	"retry_scheduled":         config.GranularityFull,
	"aggregation_flushed":     config.GranularityFull,
}

var tierRank = map[config.TelemetryGranularity]int{
	config.GranularityLifecycle: 0,
	config.GranularityRows:      1,
	config.GranularityFull:      2,
}

// shouldEmit decides whether an event passes the configured granularity.
// Unknown event kinds only pass at full granularity, so adding an event
// type can never widen an operator's lifecycle-only feed.
func shouldEmit(event contracts.Event, granularity config.TelemetryGranularity) bool {
	tier, known := eventTier[event.EventKind()]
	if !known {
		tier = config.GranularityFull
	}
	return tierRank[tier] <= tierRank[granularity]
}
