package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/loom/internal/pipeline"
)

func newPipelineCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "work with declarative pipeline definitions",
	}
	cmd.AddCommand(newPipelineValidateCmd(c))
	return cmd
}

func newPipelineValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "check a pipeline file and list every problem found",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			loader, err := pipeline.NewLoader()
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(_ context.Context, a *app) error {
				res := loader.Validate(data, a.reg)
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Valid() {
					return fmt.Errorf("%s: %d problems", args[0], len(res.Errors))
				}
				return nil
			})
		},
	}
}
