package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/elspeth-io/elspeth/pkg/landscape"
)

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <bundle.jsonl>",
		Short: "Verify a signed audit bundle",
		Long: `Verify recomputes every record signature in an exported JSON bundle,
rebuilds the hash chain, and checks the manifest. It needs the signing key
the bundle was exported with, from ` + signingKeyEnv + `.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := requireSigningKey()
			if err != nil {
				return err
			}

			records, err := readBundle(args[0])
			if err != nil {
				return err
			}

			// Verification is offline: the exporter only needs the key, not
			// the audit database the bundle came from.
			result, err := landscape.NewExporter(nil, key).Verify(records)
			if err != nil {
				return fmt.Errorf("bundle verification failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "bundle verified: run %s, %d records\n",
				result.RunID, result.Records)
			return nil
		},
	}
}

// readBundle parses one export record per line. UseNumber keeps numeric
// fields byte-identical through the round-trip; plain float64 decoding would
// change the canonical bytes and fail every signature.
func readBundle(path string) ([]landscape.ExportRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []landscape.ExportRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var rec landscape.ExportRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return records, nil
}
