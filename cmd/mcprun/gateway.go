package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mcprun/gateway"
	loggerv2 "mcprun/logger/v2"
)

var callTimeout time.Duration

var gatewayCmd = &cobra.Command{
	Use:   "gateway <qualified-name>",
	Short: "Expose a tool server as a local stdio MCP server",
	Long: `Connect to a tool server, discover its capabilities, and serve a
local stdio MCP server mirroring exactly those capabilities. Each incoming
request is forwarded with identical params under a per-call timeout.`,
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

		cfg := gateway.DefaultConfig()
		cfg.QualifiedName = qualifiedName
		if cmd.Flags().Changed("call-timeout") {
			cfg.CallTimeout = callTimeout
		}

		var opts []gateway.Option
		if svc := newSettings(logger); svc != nil {
			defer svc.Close()
			opts = append(opts, gateway.WithUsageTracker(svc))
		}

		g := gateway.New(cfg, logger, opts...)
		exitCode = g.Run(ctx, *opt)
		return nil
	},
}

func init() {
	gatewayCmd.Flags().DurationVar(&callTimeout, "call-timeout", 60*time.Second, "timeout per forwarded request")
}
