package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	loggerv2 "mcprun/logger/v2"
	"mcprun/registry"
	"mcprun/settings"
	"mcprun/transport"
)

var rootCmd = &cobra.Command{
	Use:   "mcprun",
	Short: "Run and bridge MCP tool servers",
	Long: `mcprun launches MCP tool servers and bridges them onto stdio.

The run command relays raw JSON-RPC between the client on stdin/stdout and a
local or remote tool server. The gateway command exposes a remote server as a
local stdio MCP server with mirrored capabilities.

Examples:
  # Relay a server resolved from the registry
  mcprun run acme/weather --config '{"apiKey":"..."}'

  # Bridge a remote server onto stdio
  mcprun gateway acme/weather`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Common flags shared by all subcommands
var (
	logLevel    string
	logFile     string
	registryURL string
	registryKey string
	configJSON  string
)

func init() {
	// .env values become ordinary environment variables before viper reads
	// them. A missing file is fine.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file path (default stderr)")
	rootCmd.PersistentFlags().StringVar(&registryURL, "registry", registry.DefaultBaseURL, "registry base URL")
	rootCmd.PersistentFlags().StringVar(&registryKey, "key", "", "registry API key")
	rootCmd.PersistentFlags().StringVar(&configJSON, "config", "", "server config as a JSON object")

	// Bind to viper for configuration (with error handling)
	for flag, key := range map[string]string{
		"log-level": "log-level",
		"log-file":  "log-file",
		"registry":  "registry",
		"key":       "key",
		"config":    "config",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", flag, err)
		}
	}

	viper.SetEnvPrefix("MCPRUN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(gatewayCmd)
}

func execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return exitCode
}

// exitCode carries the subcommand's result out through Execute, which only
// reports errors.
var exitCode int

// newLogger builds the process logger from flags. All output goes to stderr
// or the log file; stdout is reserved for JSON-RPC.
func newLogger() (loggerv2.Logger, error) {
	cfg := loggerv2.Config{
		Level:  viper.GetString("log-level"),
		Format: "text",
		Output: "stderr",
	}
	if path := viper.GetString("log-file"); path != "" {
		cfg.Output = path
	}
	return loggerv2.New(cfg)
}

// newSettings loads the settings service. Analytics is best-effort; a
// failure here downgrades to a nil tracker rather than blocking the run.
func newSettings(logger loggerv2.Logger) *settings.Service {
	svc, err := settings.New(logger)
	if err != nil {
		logger.Warn("Settings unavailable, usage tracking disabled", loggerv2.Error(err))
		return nil
	}
	return svc
}

// parseServerConfig decodes the --config JSON object.
func parseServerConfig() (map[string]any, error) {
	raw := viper.GetString("config")
	if raw == "" {
		return nil, nil
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("invalid --config JSON: %w", err)
	}
	return cfg, nil
}

// resolveServer looks the qualified name up in the registry.
func resolveServer(ctx context.Context, logger loggerv2.Logger, qualifiedName string) (*transport.ConnectionOption, error) {
	cfg, err := parseServerConfig()
	if err != nil {
		return nil, err
	}
	client := registry.NewClient(logger,
		registry.WithBaseURL(viper.GetString("registry")),
		registry.WithAPIKey(viper.GetString("key")))

	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return client.Resolve(rctx, qualifiedName, cfg)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
