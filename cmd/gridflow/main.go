package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gridflow/gridflow/internal/logging"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "gridflow",
		Short: "Multi-tenant workflow graph engine",
		Long:  "Gridflow compiles visual workflow graphs into executions: typed nodes, conditional routing, retries, and human-in-the-loop approval gates.",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(diagramCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gridflow version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gridflow " + version)
		},
	}
}

// newLogger builds the process logger: JSON to stderr (stdout carries the
// MCP transport) with correlation IDs injected from contexts.
func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(inner))
}
