package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	loggerv2 "mcprun/logger/v2"
	"mcprun/runner"
)

var (
	idleTimeout time.Duration
	maxRetries  int
)

var runCmd = &cobra.Command{
	Use:   "run <qualified-name>",
	Short: "Relay a tool server over stdio",
	Long: `Resolve a tool server from the registry and relay raw JSON-RPC
between the client on stdin/stdout and the server's endpoint. Remote
connections are re-established on failure with bounded backoff and torn
down after a configurable idle window.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		qualifiedName := args[0]

		logger, err := newLogger()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
			exitCode = 1
			return nil
		}
		defer logger.Close()

		ctx, stop := signalContext()
		defer stop()

		opt, err := resolveServer(ctx, logger, qualifiedName)
		if err != nil {
			logger.Error("Failed to resolve server", err,
				loggerv2.String("server", qualifiedName))
			exitCode = 1
			return nil
		}

		cfg := runner.DefaultConfigFor(opt.DetectKind())
		if cmd.Flags().Changed("idle-timeout") {
			cfg.IdleTimeout = idleTimeout
		}
		if cmd.Flags().Changed("max-retries") {
			cfg.MaxRetries = maxRetries
		}

		var opts []runner.Option
		if svc := newSettings(logger); svc != nil {
			defer svc.Close()
			opts = append(opts, runner.WithUsageTracker(svc))
		}

		r := runner.New(qualifiedName, *opt, cfg, logger, opts...)
		exitCode = r.Run(ctx)
		return nil
	},
}

func init() {
	runCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "idle window before graceful shutdown (0 uses the per-transport default)")
	runCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "reconnection attempts before giving up (0 uses the default)")
}
