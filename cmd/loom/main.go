package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const errExitCode = 1

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(errExitCode)
	}
}

// cli carries the resolved configuration to subcommands.
type cli struct {
	flags  flagValues
	cfg    Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "durable workflow engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path := c.flags.configPath
			if path == "" {
				path = settingsPath()
			}
			cfg, err := loadConfig(path, os.Getenv)
			if err != nil {
				return err
			}
			c.flags.apply(&cfg, cmd.Flags().Changed)
			c.cfg = cfg
			c.logger = newLogger(cfg, cmd.ErrOrStderr())
			slog.SetDefault(c.logger)
			return nil
		},
	}

	d := defaultConfig()
	pf := cmd.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "settings file (default ~/.loom/settings.json)")
	pf.StringVar(&c.flags.dbPath, "db-path", d.DBPath, "libSQL database path")
	pf.StringVar(&c.flags.redisAddr, "redis-addr", "", "Redis address; empty keeps queue and locks in process")
	pf.StringVar(&c.flags.taskQueue, "task-queue", d.TaskQueue, "default task queue")
	pf.StringVar(&c.flags.logLevel, "log-level", d.LogLevel, "log level: debug, info, warn, error")
	pf.StringVar(&c.flags.logFormat, "log-format", d.LogFormat, "log format: text or json")
	pf.IntVar(&c.flags.poolSize, "pool-size", d.PoolSize, "concurrent tasks per worker")
	pf.StringVar(&c.flags.metricsAddr, "metrics-addr", d.MetricsAddr, "address serving /metrics; empty disables")
	pf.DurationVar(&c.flags.cancelTimeout, "cancel-timeout", time.Duration(d.CancelTimeout), "time a run has to honour a cancel request")
	pf.StringVar(&c.flags.pipelinesDir, "pipelines-dir", d.PipelinesDir, "directory of pipeline definitions")
	pf.BoolVar(&c.flags.schedules, "schedules", d.SchedulesEnabled, "run cron schedules in serve")

	cmd.AddCommand(
		newVersionCmd(),
		newServeCmd(c),
		newStartCmd(c),
		newStatusCmd(c),
		newDescribeCmd(c),
		newResultCmd(c),
		newSignalCmd(c),
		newCancelCmd(c),
		newTerminateCmd(c),
		newRunsCmd(c),
		newTypesCmd(c),
		newScheduleCmd(c),
		newPipelineCmd(c),
	)
	return cmd
}

// withApp builds the engine for the duration of fn. Interrupts cancel ctx.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn("shutdown", "error", err)
		}
	}()
	return fn(ctx, a)
}
