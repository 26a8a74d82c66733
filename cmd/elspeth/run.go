package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/elspeth-io/elspeth/pkg/checkpoint"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/engine"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/plugins"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute the configured pipeline once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			set, err := plugins.BuildPluginSet(a.settings, plugins.DefaultRegistry())
			if err != nil {
				return err
			}

			result, err := newOrchestrator(a).Run(ctx, set)
			return settleRun(cmd, a, result, err)
		},
	}
}

func newOrchestrator(a *app) *engine.Orchestrator {
	return engine.NewOrchestrator(engine.OrchestratorDeps{
		Settings:    a.settings,
		Recorder:    a.recorder,
		Payloads:    a.payloads,
		RateLimits:  a.limits,
		Telemetry:   a.telemetry.EmitFunc(),
		Checkpoints: checkpointerFactory(a),
		Exporter:    a.exporter,
		Logger:      a.logger,
	})
}

func checkpointerFactory(a *app) engine.CheckpointerFactory {
	if !a.settings.Checkpoint.Enabled {
		return nil
	}
	return func(dag *graph.Graph, runID string) (engine.Checkpointer, error) {
		return checkpoint.NewManager(a.recorder, dag, a.settings.Checkpoint, runID, a.logger)
	}
}

// settleRun turns a run outcome into process exit semantics: 0 for a
// completed run, the errInterrupted sentinel (exit 2) for anything
// resumable, and the underlying error (exit 1) otherwise. A pending batch
// counts as interrupted; the run continues once the batch completes.
func settleRun(cmd *cobra.Command, a *app, result *engine.RunResult, err error) error {
	if result != nil {
		printSummary(cmd, result)
	}

	var pending *contracts.BatchPendingError
	switch {
	case errors.As(err, &pending):
		a.logger.Info("Run parked on a pending batch",
			"run_id", result.RunID, "batch_id", pending.BatchID)
		return errInterrupted
	case err != nil:
		return err
	case result != nil && result.Interrupted:
		return errInterrupted
	}
	return nil
}

func printSummary(cmd *cobra.Command, result *engine.RunResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run:         %s\n", result.RunID)
	fmt.Fprintf(out, "status:      %s\n", result.Status)
	fmt.Fprintf(out, "processed:   %d\n", result.Processed)
	fmt.Fprintf(out, "succeeded:   %d\n", result.Succeeded)
	fmt.Fprintf(out, "failed:      %d\n", result.Failed)
	fmt.Fprintf(out, "routed:      %d\n", result.Routed)
	fmt.Fprintf(out, "quarantined: %d\n", result.Quarantined)
	for _, sink := range sortedKeys(result.Destinations) {
		fmt.Fprintf(out, "sink %s: %d rows\n", sink, result.Destinations[sink])
	}
	fmt.Fprintf(out, "duration:    %.1fms\n", result.DurationMS)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
