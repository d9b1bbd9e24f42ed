// File: cmd/submit.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/clawops/chargebot/internal/config"
	"github.com/clawops/chargebot/internal/observability"
	"github.com/clawops/chargebot/internal/records"
	"github.com/clawops/chargebot/pkg/batch"
	"github.com/clawops/chargebot/pkg/browser"
	"github.com/clawops/chargebot/pkg/pipeline"
)

// newSubmitCmd creates and configures the `submit` command.
func newSubmitCmd() *cobra.Command {
	submitCmd := &cobra.Command{
		Use:   "submit [input-file]",
		Short: "Loads records from a CSV or JSON file and submits them to the portal",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so command-line values override
			// the config file and environment.
			if err := viper.BindPFlag("pool.max_sessions", cmd.Flags().Lookup("max-sessions")); err != nil {
				return err
			}
			if err := viper.BindPFlag("pool.acquire_mode", cmd.Flags().Lookup("acquire-mode")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return viper.BindPFlag("pipeline.artifacts_dir", cmd.Flags().Lookup("artifacts-dir"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-resolve the config now that flags are bound.
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			ownerID, _ := cmd.Flags().GetString("owner")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			sourceFile, _ := cmd.Flags().GetString("verify-against")

			report, err := records.LoadFile(args[0])
			if err != nil {
				return err
			}
			logger.Info("Input loaded",
				zap.Int("total", report.TotalRows),
				zap.Int("valid", report.ValidCount),
				zap.Int("invalid", report.InvalidCount))
			for _, re := range report.RowErrors {
				logger.Warn("Row rejected", zap.Int("row", re.Row), zap.Strings("errors", re.Errors))
			}
			if len(report.Records) == 0 {
				return fmt.Errorf("no valid records in %s", args[0])
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "Dry run: %d record(s) valid, %d rejected.\n",
					report.ValidCount, report.InvalidCount)
				return nil
			}

			pool, err := browser.NewPool(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = pool.Close(closeCtx)
			}()

			pipe, err := pipeline.New(logger, cfg)
			if err != nil {
				return err
			}
			coord := batch.NewCoordinator(logger, batch.WrapPool(pool), pipe)

			job, runErr := coord.Run(ctx, ownerID, report.Records)

			if path, err := batch.WriteJobArtifact(cfg.Pipeline().ArtifactsDir, job); err != nil {
				logger.Warn("Could not write job artifact", zap.Error(err))
			} else {
				logger.Info("Job artifact written", zap.String("path", path))
			}

			fmt.Fprint(cmd.OutOrStdout(), batch.Summarize(job))

			if sourceFile != "" {
				source, err := records.LoadFile(sourceFile)
				if err != nil {
					return fmt.Errorf("loading integrity source: %w", err)
				}
				rep := batch.CheckIntegrity(job, source.Records)
				fmt.Fprint(cmd.OutOrStdout(), batch.SummarizeIntegrity(rep))
			}

			if runErr != nil {
				return fmt.Errorf("job %s: %w", job.ID, runErr)
			}
			if job.Aborted {
				return fmt.Errorf("job %s aborted: %s", job.ID, job.AbortKind)
			}
			return nil
		},
	}

	submitCmd.Flags().String("owner", "default", "owner identity the session is bound to")
	submitCmd.Flags().Bool("dry-run", false, "validate the input file without submitting")
	submitCmd.Flags().String("verify-against", "", "source-of-truth file to run the integrity check against")
	submitCmd.Flags().Int("max-sessions", 0, "override pool.max_sessions")
	submitCmd.Flags().String("acquire-mode", "", "override pool.acquire_mode (fail|block)")
	submitCmd.Flags().Bool("headless", true, "run the browser headless")
	submitCmd.Flags().String("artifacts-dir", "", "override pipeline.artifacts_dir")

	return submitCmd
}
