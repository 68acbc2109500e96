package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/depthpose/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// errUsage marks an invalid command line; usage has already been printed.
var errUsage = errors.New("invalid usage")

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return errUsage
	}

	command, rest := args[0], args[1:]
	switch command {
	case "track":
		return runTrack(ctx, rest, stdout, stderr)
	case "recognize":
		return runRecognize(ctx, rest, stdout, stderr)
	case "serve":
		return runServe(ctx, rest, stdout, stderr)
	case "migrate":
		return runMigrate(rest, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "depthpose version %s\n", version.String())
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return errUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `depthpose - probabilistic pose estimation from depth images

Usage: depthpose <command> [options]

Commands:
  track      Track a sliding cube with the particle filter
  recognize  Identify a rendered object against the shape library
  serve      Serve recorded runs as JSON and charts
  migrate    Manage the run database schema (up, down, version)
  version    Show depthpose version
  help       Show this help message

Common Flags:
  --config <file>   Inference config JSON; missing keys take defaults
  --db <file>       SQLite database that runs are recorded in
  --v               Write diagnostics to stderr
  --trace           Write per-particle and per-pose traces to stderr

Examples:
  # Track with the defaults and write PNG plots
  depthpose track --plots ./plots

  # Track, record into a database and stream to visualiser clients
  depthpose track --db runs.db --grpc localhost:50061

  # Browse recorded runs
  depthpose serve --db runs.db --listen :8080`)
}
