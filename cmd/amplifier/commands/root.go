// Package commands provides the CLI for the amplifier runtime server.
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/amplifier-ai/runtime/internal/handler"
	"github.com/amplifier-ai/runtime/internal/logging"
)

// ExitError carries a specific process exit code up to main.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func usageError(format string, args ...any) error {
	return &ExitError{Code: 2, Err: fmt.Errorf(format, args...)}
}

var (
	flagHTTP       bool
	flagHost       string
	flagPort       int
	flagReload     bool
	flagACP        bool
	flagStorageDir string
	flagNoPersist  bool
	flagHealth     bool
	flagHealthURL  string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "amplifier",
	Short: "Amplifier agent runtime server",
	Long: `Amplifier serves the agent command/event protocol. Without flags it
speaks newline-delimited JSON on stdin/stdout; --http starts the HTTP+SSE
server with WebSocket endpoints, and --acp adds JSON-RPC editor routes.`,
	Version:       handler.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	rootCmd.Flags().BoolVar(&flagHTTP, "http", false, "Serve HTTP+SSE instead of stdio")
	rootCmd.Flags().StringVar(&flagHost, "host", "127.0.0.1", "HTTP listen host")
	rootCmd.Flags().IntVar(&flagPort, "port", 8765, "HTTP listen port")
	rootCmd.Flags().BoolVar(&flagReload, "reload", false, "Watch the bundle directory and reload on change")
	rootCmd.Flags().BoolVar(&flagACP, "acp", false, "Mount JSON-RPC (ACP) endpoints (requires --http)")
	rootCmd.Flags().StringVar(&flagStorageDir, "storage-dir", "", "Override the session storage directory")
	rootCmd.Flags().BoolVar(&flagNoPersist, "no-persist", false, "Disable session persistence")
	rootCmd.Flags().BoolVar(&flagHealth, "health", false, "Probe a running server's health endpoint and exit")
	rootCmd.Flags().StringVar(&flagHealthURL, "health-url", "", "Health endpoint to probe (default derived from --host/--port)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug|info|warn|error)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("amplifier %s (protocol %s)\n", handler.Version, handler.ProtocolVersion))
}

func runRoot(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError("unexpected argument %q", args[0])
	}
	if flagACP && !flagHTTP {
		return usageError("--acp requires --http")
	}

	logging.Init(logging.Config{Level: logging.ParseLevel(flagLogLevel)})

	if flagHealth {
		return runHealth()
	}
	return runServe(cmd.Context())
}

// Execute runs the root command. A .env file in the working directory is
// loaded first so provider keys can live alongside the project.
func Execute() error {
	godotenv.Load()
	return rootCmd.Execute()
}
