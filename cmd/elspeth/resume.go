package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elspeth-io/elspeth/pkg/checkpoint"
	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/engine"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/plugins"
)

func newResumeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue an interrupted run from its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			set, err := plugins.BuildPluginSet(a.settings, plugins.DefaultRegistry())
			if err != nil {
				return err
			}

			// The recovery plan refuses checkpoints written under a different
			// topology, so hash the graph the resume would actually execute.
			dag, err := pipelineGraph(a.settings, set)
			if err != nil {
				return err
			}
			topology, err := dag.TopologyHash()
			if err != nil {
				return fmt.Errorf("fingerprinting pipeline topology: %w", err)
			}

			plan, err := checkpoint.NewRecoveryManager(a.recorder, a.logger).Plan(ctx, runID, topology)
			if err != nil {
				return err
			}

			rows := make([]engine.ResumeRow, len(plan.Rows))
			for i, r := range plan.Rows {
				rows[i] = engine.ResumeRow{RowID: r.RowID, RowIndex: r.RowIndex, Data: r.Data}
			}
			a.logger.Info("Resuming run",
				"run_id", runID,
				"recovered_rows", len(rows),
				"has_checkpoint", plan.Checkpoint != nil)

			result, err := newOrchestrator(a).Resume(ctx, engine.ResumeInput{
				RunID:            runID,
				Rows:             rows,
				AggregationState: plan.AggregationState,
				SourceContract:   plan.SourceContract,
			}, set)
			return settleRun(cmd, a, result, err)
		},
	}
}

func pipelineGraph(settings *config.Settings, set engine.PluginSet) (*graph.Graph, error) {
	transforms := make(map[string]graph.PluginInfo, len(set.Transforms))
	for name, b := range set.Transforms {
		transforms[name] = b.Info
	}
	aggregations := make(map[string]graph.PluginInfo, len(set.Aggregations))
	for name, b := range set.Aggregations {
		aggregations[name] = b.Info
	}
	sinks := make(map[string]graph.PluginInfo, len(set.Sinks))
	for name, b := range set.Sinks {
		sinks[name] = b.Info
	}
	return graph.Build(graph.BuildInput{
		Settings:     settings,
		Source:       set.Source.Info,
		Transforms:   transforms,
		Aggregations: aggregations,
		Sinks:        sinks,
	})
}
