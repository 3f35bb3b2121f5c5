package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"irqsched/internal/hw"
	"irqsched/internal/job"
	"irqsched/internal/sched"
)

var (
	flagConfig   string
	flagLogLevel string
	flagTrace    string
	flagMaxTicks uint64
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "irqsched",
		Short:         "Run interrupt-driven task scheduler applications on a simulated board",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "config.yml", "YAML board and scheduler config")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (trace, debug, info, warn, error, off); overrides config")

	root.AddCommand(newRunCmd(), newListCmd())
	return root
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the bundled applications",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, ex := range job.Examples() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-22s %s\n", ex.Name, ex.About)
			}
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <application>",
		Short: "Build and run a bundled application until it exits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ex, ok := job.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown application %q, see 'irqsched list'", args[0])
			}

			cfg, err := sched.Load(flagConfig)
			if err != nil {
				return err
			}
			if flagLogLevel != "" {
				cfg.LogLevel = flagLogLevel
			}
			if flagTrace != "" {
				cfg.TraceCSV = flagTrace
			}
			if cmd.Flags().Changed("max-ticks") {
				cfg.MaxTicks = flagMaxTicks
			}
			logger := sched.NewLogger(os.Stderr, sched.ParseLevel(cfg.LogLevel))

			board, err := hw.NewBoard(cfg.Board())
			if err != nil {
				return err
			}
			opts := ex.Build(cfg)
			opts.Output = cmd.OutOrStdout()
			opts.Logger = logger

			app, err := sched.Build(board, opts)
			if err != nil {
				return fmt.Errorf("build %s: %w", ex.Name, err)
			}
			if cfg.TraceCSV != "" {
				if err := app.EnableCSVLogging(cfg.TraceCSV); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			logger.Info().
				Str("app", ex.Name).
				Uint64("tick_hz", cfg.TickHz).
				Int("counter_bits", int(cfg.CounterBits)).
				Log("starting")
			err = app.Run(ctx)
			logger.Info().
				Str("app", ex.Name).
				Uint64("tick", uint64(app.Now())).
				Log("stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&flagTrace, "trace", "", "Write a CSV event trace to this path")
	cmd.Flags().Uint64Var(&flagMaxTicks, "max-ticks", 0, "Stop after this many ticks (0 = no limit)")
	return cmd
}
