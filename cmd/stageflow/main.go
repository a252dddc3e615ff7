// Command stageflow runs agent workflows defined by workspace artifacts.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

var version = "dev"

// Globals are the flags shared by every subcommand.
type Globals struct {
	Config string `help:"Platform config file." default:"stageflow.yaml" env:"STAGEFLOW_CONFIG" type:"path"`
}

type CLI struct {
	Globals

	Run      RunCmd      `cmd:"" help:"Run a user message through a workspace."`
	Validate ValidateCmd `cmd:"" help:"Load every workspace and report broken artifacts."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

type VersionCmd struct{}

func (VersionCmd) Run(*Globals) error {
	fmt.Println("stageflow", version)
	return nil
}

// setupLogging configures the default slog logger from the environment:
// LOG_LEVEL (debug|info|warn|error), LOG_FORMAT (text|json), and LOG_FILE.
func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if path := os.Getenv("LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: cannot open log file %s: %v\n", path, err)
		} else {
			out = f
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	// A missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()
	setupLogging()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("stageflow"),
		kong.Description("Stage-graph agent workflow orchestrator."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
