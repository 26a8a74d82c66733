package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		out    string
		format string
		sign   bool
	)

	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Export a run's audit bundle",
		Long: `Export writes the complete audit trail of one run as a flat bundle a
third-party auditor can verify without database access. JSON bundles are one
record per line; CSV bundles are a directory with one file per record type.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if sign && signingKey() == nil {
				return fmt.Errorf("signed export requires %s", signingKeyEnv)
			}
			if out == "" {
				out = runID + "-audit"
				if format == "json" {
					out += ".jsonl"
				}
			}

			if err := writeBundle(ctx, a, runID, out, format, sign); err != nil {
				markExportFailed(ctx, a, runID, format, out, err)
				return err
			}

			if err := a.recorder.SetExportStatus(ctx, runID, landscape.ExportStatusUpdate{
				Status: contracts.ExportStatusCompleted,
				Format: format,
				Sink:   "file:" + out,
			}); err != nil {
				a.logger.Warn("Failed to record export status", "run_id", runID, "error", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "exported run %s to %s\n", runID, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (file for json, directory for csv)")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "bundle format (json, csv)")
	cmd.Flags().BoolVar(&sign, "sign", true, "sign each record and append a manifest")
	return cmd
}

func writeBundle(ctx context.Context, a *app, runID, out, format string, sign bool) error {
	switch format {
	case "json":
		records, err := a.exporter.ExportRun(ctx, runID, sign)
		if err != nil {
			return err
		}
		return writeJSONBundle(out, records)
	case "csv":
		groups, err := a.exporter.ExportRunGrouped(ctx, runID, sign)
		if err != nil {
			return err
		}
		return writeCSVBundle(out, groups)
	default:
		return fmt.Errorf("unknown export format %q (want json or csv)", format)
	}
}

func markExportFailed(ctx context.Context, a *app, runID, format, out string, cause error) {
	if err := a.recorder.SetExportStatus(ctx, runID, landscape.ExportStatusUpdate{
		Status: contracts.ExportStatusFailed,
		Error:  cause.Error(),
		Format: format,
		Sink:   "file:" + out,
	}); err != nil {
		a.logger.Warn("Failed to record export failure", "run_id", runID, "error", err)
	}
}

// writeJSONBundle renders one canonical JSON record per line. Canonical
// encoding keeps the bytes identical to what was signed, so a bundle
// re-parsed with UseNumber verifies.
func writeJSONBundle(path string, records []landscape.ExportRecord) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, rec := range records {
		line, err := canonical.Marshal(map[string]any(rec))
		if err != nil {
			return fmt.Errorf("encoding export record: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return f.Sync()
}

// writeCSVBundle writes one CSV file per record type into a directory.
// Columns are the union of keys across the type's records, sorted, so the
// layout does not depend on which record happened to come first.
func writeCSVBundle(dir string, groups map[string][]landscape.ExportRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, rtype := range landscape.RecordTypes {
		records := groups[rtype]
		if len(records) == 0 {
			continue
		}
		if err := writeCSVGroup(filepath.Join(dir, rtype+".csv"), records); err != nil {
			return fmt.Errorf("writing %s records: %w", rtype, err)
		}
	}
	return nil
}

func writeCSVGroup(path string, records []landscape.ExportRecord) error {
	columns := map[string]bool{}
	for _, rec := range records {
		for k := range rec {
			columns[k] = true
		}
	}
	header := make([]string, 0, len(columns))
	for k := range columns {
		header = append(header, k)
	}
	sort.Strings(header)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, rec := range records {
		row := make([]string, len(header))
		for i, col := range header {
			row[i] = csvCell(rec[col])
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

// csvCell flattens an export value to text. Nested structures (settings,
// node configs) become JSON so the cell stays machine-readable.
func csvCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
