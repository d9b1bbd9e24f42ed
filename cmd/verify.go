// File: cmd/verify.go
package cmd

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/clawops/chargebot/internal/records"
	"github.com/clawops/chargebot/pkg/batch"
)

// newVerifyCmd creates the `verify` command, the post-hoc integrity check
// of a finished job against a source-of-truth dataset.
func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [job-artifact.json] [source-file]",
		Short: "Cross-references a job artifact against a source dataset",
		Long: `Verify compares the results recorded in a job artifact (written by
'submit') with an externally supplied source dataset and reports count
mismatches, missing submissions and duplicates. Nothing is corrected.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading job artifact: %w", err)
			}
			var job records.Job
			if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("parsing job artifact: %w", err)
			}

			source, err := records.LoadFile(args[1])
			if err != nil {
				return fmt.Errorf("loading source dataset: %w", err)
			}

			rep := batch.CheckIntegrity(&job, source.Records)
			fmt.Fprint(cmd.OutOrStdout(), batch.SummarizeIntegrity(rep))

			if !rep.Clean() {
				return fmt.Errorf("integrity check found %d discrepancy(ies)", len(rep.Discrepancies))
			}
			return nil
		},
	}
}
