// Package main is the entrypoint for analysisd, the single-cell analysis job
// worker and its operator control plane.
package main

import (
	"log/slog"
	"os"
)

// logLevel is raised or lowered from LOG_LEVEL once config is loaded.
var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := execute(newRootCmd()); err != nil {
		slog.Error("analysisd failed", "error", err)
		os.Exit(1)
	}
}
