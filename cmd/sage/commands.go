package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/sage/pkg/models"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}

			a := newApp(cfg, logger)
			a.addDatabase()
			defer a.stop()
			return a.st.Start(cmd.Context())
		},
	}
}

func newSyncCommand() *cobra.Command {
	var (
		workspace string
		src       string
		jobType   string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Queue a sync job for one workspace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			workspaceID, err := uuid.Parse(workspace)
			if err != nil {
				return fmt.Errorf("invalid --workspace: %w", err)
			}

			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}

			a := newApp(cfg, logger)
			a.addDatabase()
			a.addRedis()
			defer a.stop()
			if err := a.st.Start(cmd.Context()); err != nil {
				return err
			}
			if err := a.wire(); err != nil {
				return err
			}
			if err := a.st.Start(cmd.Context()); err != nil {
				return err
			}

			result, err := a.orchestrator.EnqueueSync(cmd.Context(), workspaceID, src, models.SyncJobType(jobType))
			if err != nil {
				return err
			}

			state := "queued"
			if result.Coalesced {
				state = "coalesced onto"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s job %s (%s %s)\n", state, result.Job.ID, result.Job.Source, result.Job.JobType)
			return nil
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&src, "source", models.SourceQuickBooks, "integration source")
	cmd.Flags().StringVar(&jobType, "type", string(models.SyncJobTypeManual), "job type: initial, incremental or manual")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func newMetricsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Administrative metric operations",
	}
	cmd.AddCommand(newMetricsSeedCommand(), newMetricsResetCommand())
	return cmd
}

func newMetricsSeedCommand() *cobra.Command {
	var (
		workspace string
		file      string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert metric values from a YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			seed, err := parseSeedFile(f)
			if err != nil {
				return err
			}
			workspaceID, err := seed.workspace(workspace)
			if err != nil {
				return err
			}

			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}

			a := newApp(cfg, logger)
			a.addDatabase()
			defer a.stop()
			if err := a.st.Start(cmd.Context()); err != nil {
				return err
			}

			written, err := a.metricStore().UpsertBatch(cmd.Context(), workspaceID, seed.Metrics)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d metric values to workspace %s\n", written, workspaceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id, overrides the file's workspace_id")
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newMetricsResetCommand() *cobra.Command {
	var (
		workspace string
		confirm   bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every metric value for a workspace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			workspaceID, err := uuid.Parse(workspace)
			if err != nil {
				return fmt.Errorf("invalid --workspace: %w", err)
			}
			if !confirm {
				return fmt.Errorf("refusing to reset workspace %s without --yes", workspaceID)
			}

			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}

			a := newApp(cfg, logger)
			a.addDatabase()
			defer a.stop()
			if err := a.st.Start(cmd.Context()); err != nil {
				return err
			}

			deleted, err := a.metricStore().ResetWorkspace(cmd.Context(), workspaceID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d metric values from workspace %s\n", deleted, workspaceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the reset")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}
