package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

func newInspectCommand(opts *rootOptions) *cobra.Command {
	var rowID string

	cmd := &cobra.Command{
		Use:   "inspect [run-id]",
		Short: "Show a run's audit summary, or list runs",
		Long: `Inspect prints what the audit trail knows about a run: status, hashes,
artifacts, and export state. With --row it explains one row's lineage.
Without a run ID it lists recorded runs.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				return listRuns(ctx, a, out)
			}
			runID := args[0]
			if rowID != "" {
				return explainRow(ctx, a, out, runID, rowID)
			}
			return showRun(ctx, a, out, runID)
		},
	}

	cmd.Flags().StringVar(&rowID, "row", "", "explain one row's lineage instead")
	return cmd
}

func listRuns(ctx context.Context, a *app, out io.Writer) error {
	runs, err := a.recorder.ListRuns(ctx, "")
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return nil
	}
	for _, run := range runs {
		completed := "-"
		if run.CompletedAt != nil {
			completed = run.CompletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%s  %-12s  started %s  completed %s\n",
			run.RunID, run.Status, run.StartedAt.Format(time.RFC3339), completed)
	}
	return nil
}

func showRun(ctx context.Context, a *app, out io.Writer, runID string) error {
	run, err := a.recorder.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	fmt.Fprintf(out, "run:          %s\n", run.RunID)
	fmt.Fprintf(out, "status:       %s\n", run.Status)
	fmt.Fprintf(out, "started:      %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(out, "completed:    %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "config hash:  %s\n", run.ConfigHash)
	if run.SourceContractHash != nil {
		fmt.Fprintf(out, "contract:     %s\n", *run.SourceContractHash)
	}
	if run.ReproducibilityGrade != nil {
		fmt.Fprintf(out, "reproducible: %s\n", *run.ReproducibilityGrade)
	}
	if run.ExportStatus != nil && contracts.ExportStatus(*run.ExportStatus) != contracts.ExportStatusNone {
		fmt.Fprintf(out, "export:       %s", *run.ExportStatus)
		if run.ExportSink != nil {
			fmt.Fprintf(out, " → %s", *run.ExportSink)
		}
		fmt.Fprintln(out)
		if run.ExportError != nil && *run.ExportError != "" {
			fmt.Fprintf(out, "export error: %s\n", *run.ExportError)
		}
	}

	artifacts, err := a.recorder.GetArtifacts(ctx, runID)
	if err != nil {
		return err
	}
	for _, art := range artifacts {
		fmt.Fprintf(out, "artifact:     %s %s (%d bytes, sha256 %s)\n",
			art.ArtifactType, art.PathOrURI, art.SizeBytes, art.ContentHash)
	}
	return nil
}

func explainRow(ctx context.Context, a *app, out io.Writer, runID, rowID string) error {
	lineage, err := a.recorder.ExplainRow(ctx, runID, rowID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "row:        %s (index %d)\n", lineage.RowID, lineage.RowIndex)
	fmt.Fprintf(out, "run:        %s\n", lineage.RunID)
	fmt.Fprintf(out, "source:     %s\n", lineage.SourceNodeID)
	fmt.Fprintf(out, "created:    %s\n", lineage.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "data hash:  %s\n", lineage.SourceDataHash)
	if lineage.PayloadAvailable {
		fmt.Fprintf(out, "data:       %v\n", lineage.SourceData)
	} else {
		fmt.Fprintln(out, "data:       payload purged; hash remains verifiable")
	}
	return nil
}
