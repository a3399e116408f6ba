package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rendis/loom/internal/store"
)

func newScheduleCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "manage cron schedules",
	}
	cmd.AddCommand(newScheduleCreateCmd(c), newScheduleListCmd(c), newScheduleDeleteCmd(c))
	return cmd
}

func newScheduleCreateCmd(c *cli) *cobra.Command {
	var params string
	cmd := &cobra.Command{
		Use:   "create <workflow-type> <cron-expression>",
		Short: "start a workflow on a cron schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseJSONArg("params", params)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.reg.ValidateWorkflowInput(args[0], raw); err != nil {
					return err
				}
				job, err := a.newScheduler().CreateJob(ctx, args[0], args[1], raw)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "workflow input as JSON")
	return cmd
}

func newScheduleListCmd(c *cli) *cobra.Command {
	var wfType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list cron schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				jobs, err := a.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{WorkflowType: wfType})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}
	cmd.Flags().StringVar(&wfType, "type", "", "only schedules of this workflow type")
	return cmd
}

func newScheduleDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "delete a cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.DeleteScheduledJob(ctx, args[0])
			})
		},
	}
}
