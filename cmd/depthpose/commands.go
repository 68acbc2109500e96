package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/depthpose/internal/config"
	"github.com/banshee-data/depthpose/internal/depth/l5filter"
	"github.com/banshee-data/depthpose/internal/depth/l6recognition"
	"github.com/banshee-data/depthpose/internal/depth/monitor"
	"github.com/banshee-data/depthpose/internal/depth/pipeline"
	"github.com/banshee-data/depthpose/internal/depth/storage/sqlite"
	"github.com/banshee-data/depthpose/internal/depth/visualiser"
	"github.com/banshee-data/depthpose/internal/monitoring"
)

// logFlags are shared by the commands that run inference.
type logFlags struct {
	verbose *bool
	trace   *bool
}

func addLogFlags(fs *flag.FlagSet) logFlags {
	return logFlags{
		verbose: fs.Bool("v", false, "Write diagnostics to stderr"),
		trace:   fs.Bool("trace", false, "Write per-particle and per-pose traces to stderr"),
	}
}

// configureLogging routes every package's ops stream to stderr and enables
// the diag and trace streams on request.
func configureLogging(stderr io.Writer, lf logFlags) {
	var diag, trace io.Writer
	if lf.verbose != nil && *lf.verbose {
		diag = stderr
	}
	if lf.trace != nil && *lf.trace {
		trace = stderr
	}
	l5filter.SetLogWriters(stderr, diag, trace)
	l6recognition.SetLogWriters(stderr, diag, trace)
	pipeline.SetLogWriters(stderr, diag, trace)
	visualiser.SetLogWriters(stderr, diag, trace)
	monitoring.SetLogger(log.New(stderr, "", log.LstdFlags).Printf)
}

func loadConfig(path string) (*config.InferenceConfig, error) {
	if path == "" {
		return config.DefaultInferenceConfig(), nil
	}
	cfg, err := config.LoadInferenceConfig(path)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("loaded inference config from %s", path)
	return cfg, nil
}

func openStore(path string) (*sqlite.DB, *sqlite.RunStore, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, sqlite.NewRunStore(db.DB), nil
}

func runTrack(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("track", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Inference config JSON (defaults apply to missing keys)")
	dbPath := fs.String("db", "", "SQLite database to record the run in")
	plotsDir := fs.String("plots", "", "Directory for trajectory, error and ESS PNG plots")
	listen := fs.String("listen", "", "Serve live charts on this address; keeps serving after the run until interrupted")
	grpcAddr := fs.String("grpc", "", "Stream filter steps to visualiser clients on this address")
	lf := addLogFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	configureLogging(stderr, lf)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	exp, err := pipeline.NewTrackingExperiment(cfg)
	if err != nil {
		return err
	}

	var store *sqlite.RunStore
	if *dbPath != "" {
		db, s, err := openStore(*dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		store = s
		rec := pipeline.NewStoreRecorder(store)
		exp.Recorder = rec
		exp.Sinks = append(exp.Sinks, rec)
	}

	var plotter *monitor.TrajectoryPlotter
	if *plotsDir != "" {
		plotter = monitor.NewTrajectoryPlotter()
		if err := plotter.Start(*plotsDir); err != nil {
			return err
		}
		exp.Sinks = append(exp.Sinks, plotter)
	}

	if *grpcAddr != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = *grpcAddr
		pub := visualiser.NewPublisher(vcfg)
		if err := pub.Start(); err != nil {
			return fmt.Errorf("start visualiser: %w", err)
		}
		defer pub.Stop()
		exp.Sinks = append(exp.Sinks, pub)
	}

	var ws *monitor.WebServer
	if *listen != "" {
		ws = monitor.NewWebServer(monitor.WebServerConfig{Address: *listen, Store: store})
		exp.Sinks = append(exp.Sinks, ws)
	}

	g, gctx := errgroup.WithContext(ctx)
	if ws != nil {
		g.Go(func() error { return ws.Start(gctx) })
	}
	g.Go(func() error {
		done := monitoring.Timed("tracking run")
		res, err := exp.Run(gctx)
		done()
		if err != nil {
			return err
		}
		printTracking(stdout, res)
		if plotter != nil {
			plotter.Stop()
			paths, err := plotter.GeneratePlots()
			if err != nil {
				return fmt.Errorf("generate plots: %w", err)
			}
			for _, p := range paths {
				fmt.Fprintf(stdout, "wrote %s\n", p)
			}
		}
		if ws != nil {
			monitoring.Logf("run complete; serving charts on %s until interrupted", *listen)
		}
		return nil
	})
	return g.Wait()
}

func printTracking(w io.Writer, res *pipeline.TrackingResult) {
	fmt.Fprintf(w, "run %s: %d frames in %v\n", res.RunID, len(res.Truth), res.Elapsed)
	fmt.Fprintf(w, "mean abs error (last %d frames): %.4f\n", pipeline.EvalWindow, res.MeanAbsError)
	fmt.Fprintf(w, "log marginal likelihood: %.3f\n", res.LogMarginalLikelihood)
}

func runRecognize(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("recognize", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Inference config JSON (defaults apply to missing keys)")
	dbPath := fs.String("db", "", "SQLite database to record the run in")
	target := fs.String("target", "cube", "Library shape to render as the observation (cube, slab, bar, ball)")
	htmlPath := fs.String("html", "", "Write a chart page of the ranked matches (requires --db)")
	lf := addLogFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	configureLogging(stderr, lf)
	if *htmlPath != "" && *dbPath == "" {
		return errors.New("--html requires --db")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	exp, err := pipeline.NewRecognitionExperiment(cfg, *target)
	if err != nil {
		return err
	}

	var store *sqlite.RunStore
	if *dbPath != "" {
		db, s, err := openStore(*dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		store = s
		exp.Recorder = pipeline.NewStoreRecorder(store)
	}

	done := monitoring.Timed("recognition run")
	res, err := exp.Run(ctx)
	done()
	if err != nil {
		return err
	}
	printRecognition(stdout, res)

	if *htmlPath != "" {
		if err := writeRunPage(store, res.RunID, *htmlPath); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", *htmlPath)
	}
	return nil
}

func printRecognition(w io.Writer, res *pipeline.RecognitionResult) {
	fmt.Fprintf(w, "run %s: target %q over %d poses in %v\n", res.RunID, res.Target, res.NumPoses, res.Elapsed)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tNAME\tPOSE\tSCORE")
	for i, m := range res.Matches {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%.2f\n", i+1, m.Name, m.PoseIndex, m.Score)
	}
	tw.Flush()
	if res.Recognized {
		fmt.Fprintf(w, "recognized %q\n", res.Target)
	} else {
		fmt.Fprintf(w, "misidentified %q as %q\n", res.Target, res.Matches[0].Name)
	}
}

func writeRunPage(store *sqlite.RunStore, runID, path string) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	steps, err := store.ListSteps(runID)
	if err != nil {
		return err
	}
	matches, err := store.ListMatches(runID)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := monitor.RenderRunPage(f, run, steps, matches); err != nil {
		f.Close()
		return fmt.Errorf("render run page: %w", err)
	}
	return f.Close()
}

func runServe(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "", "SQLite database of recorded runs (required)")
	listen := fs.String("listen", ":8080", "Listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	configureLogging(stderr, logFlags{})
	if *dbPath == "" {
		fs.Usage()
		return errors.New("--db is required")
	}

	db, store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Fprintf(stdout, "serving %s on %s\n", *dbPath, *listen)
	ws := monitor.NewWebServer(monitor.WebServerConfig{Address: *listen, Store: store})
	return ws.Start(ctx)
}

func runMigrate(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "", "SQLite database (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	configureLogging(stderr, logFlags{})
	if *dbPath == "" || fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: depthpose migrate --db <file> <up|down|version>")
		return errUsage
	}

	db, err := sqlite.OpenDB(*dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", *dbPath, err)
	}
	defer db.Close()

	switch action := fs.Arg(0); action {
	case "up":
		if err := db.MigrateUp(); err != nil {
			return err
		}
	case "down":
		if err := db.MigrateDown(); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}

	v, dirty, err := db.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "schema version %d (dirty=%v)\n", v, dirty)
	return nil
}
