package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/loom/pkg/client"
	"github.com/rendis/loom/pkg/schema"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseJSONArg(name, raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--%s is not valid JSON", name)
	}
	return json.RawMessage(raw), nil
}

// awaitResult waits for the run behind h and prints its result. A run that
// did not complete is reported as an error.
func awaitResult(ctx context.Context, w io.Writer, h *client.Handle, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var out json.RawMessage
	if err := h.Result(ctx, &out); err != nil {
		return err
	}
	return printJSON(w, out)
}

func newStartCmd(c *cli) *cobra.Command {
	var (
		id, input, reuse string
		wait             bool
		timeout          time.Duration
		executionTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start <workflow-type>",
		Short: "start a workflow run",
		Long: "Start a workflow run. Without --redis-addr the run executes in this " +
			"process, so start always waits for the result.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseJSONArg("input", input)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.withLocalWorker(ctx, func(ctx context.Context) error {
					h, err := a.client.StartWorkflow(ctx, args[0], payload, client.StartWorkflowOptions{
						ID:               id,
						IDReusePolicy:    schema.IDReusePolicy(reuse),
						ExecutionTimeout: executionTimeout,
					})
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					if err := printJSON(out, map[string]any{
						"workflow_id": h.WorkflowID,
						"run_id":      h.RunID,
						"created":     h.Created,
					}); err != nil {
						return err
					}
					if !wait && a.distributed() {
						return nil
					}
					return awaitResult(ctx, out, h, timeout)
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workflow ID (generated when empty)")
	cmd.Flags().StringVar(&input, "input", "", "workflow input as JSON")
	cmd.Flags().StringVar(&reuse, "id-reuse-policy", string(schema.ReuseRejectDuplicate),
		"reject_duplicate, allow_duplicate or allow_duplicate_failed_only")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the result")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long")
	cmd.Flags().DurationVar(&executionTimeout, "execution-timeout", 0, "bound the run's duration")
	return cmd
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "print the current run of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				run, err := a.client.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			})
		},
	}
}

func newDescribeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <workflow-id>",
		Short: "print a run with its pending activities and timers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				desc, err := a.client.DescribeWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), desc)
			})
		},
	}
}

func newResultCmd(c *cli) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "result <workflow-id>",
		Short: "wait for a workflow to close and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.withLocalWorker(ctx, func(ctx context.Context) error {
					h, err := a.client.GetHandle(ctx, args[0], "")
					if err != nil {
						return err
					}
					return awaitResult(ctx, cmd.OutOrStdout(), h, timeout)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long")
	return cmd
}

func newSignalCmd(c *cli) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "signal <workflow-id> <signal-name>",
		Short: "deliver a signal to the current run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseJSONArg("payload", payload)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.client.SignalWorkflow(ctx, args[0], args[1], raw)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "signal payload as JSON")
	return cmd
}

func newCancelCmd(c *cli) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "ask the current run to cancel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.client.CancelWorkflow(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled from cli", "recorded cancel reason")
	return cmd
}

func newTerminateCmd(c *cli) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <workflow-id>",
		Short: "close the current run immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.client.TerminateWorkflow(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "terminated from cli", "recorded termination reason")
	return cmd
}

func newRunsCmd(c *cli) *cobra.Command {
	var (
		wfType, status string
		limit          int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "list workflow runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				runs, err := a.client.ListRuns(ctx, client.RunFilter{
					WorkflowType: wfType,
					Status:       schema.ExecutionStatus(status),
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), runs)
			})
		},
	}
	cmd.Flags().StringVar(&wfType, "type", "", "only runs of this workflow type")
	cmd.Flags().StringVar(&status, "status", "", "only runs in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to list")
	return cmd
}

func newTypesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "list registered workflow and activity types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(_ context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), map[string][]string{
					"workflows":  a.reg.WorkflowTypes(),
					"activities": a.reg.ActivityTypes(),
				})
			})
		},
	}
}
