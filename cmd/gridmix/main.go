// Command gridmix ingests the grid production mix, derives emissions and
// serves the result.
//
// Usage:
//
//	gridmix serve   [--addr :8080] [--interval 5m] [--use-memory]
//	gridmix fetch   [--output snapshot|series|emissions]
//	gridmix migrate
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"gridmix/internal/api"
	"gridmix/internal/config"
	"gridmix/internal/feed"
	"gridmix/internal/observability"
	"gridmix/internal/refresh"
	"gridmix/internal/series"
)

var (
	version = "dev"
	commit  = "none"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:    "gridmix",
		Usage:   "Grid energy-mix ingestion and emissions engine",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (default: ./gridmix.yaml or /etc/gridmix/gridmix.yaml)",
				EnvVars: []string{"GRIDMIX_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (json, console)",
			},
			&cli.StringFlag{
				Name:  "feed-url",
				Usage: "Feed records search endpoint",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			fetchCommand(),
			migrateCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, applies flag overrides and builds the logger.
func setup(c *cli.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	if c.IsSet("feed-url") {
		cfg.Feed.URL = c.String("feed-url")
	}
	if c.IsSet("addr") {
		cfg.HTTP.Addr = c.String("addr")
	}
	if c.IsSet("interval") {
		cfg.Refresh.Interval = c.Duration("interval")
	}
	if c.IsSet("max-records") {
		cfg.Retention.MaxRecords = c.Int("max-records")
	}

	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}

	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger = logger.With().Str("service", "gridmix").Logger()
	if cfg.File != "" {
		logger.Info().Str("file", cfg.File).Msg("config loaded")
	}
	return cfg, logger, nil
}

// handleSignals cancels on the first SIGINT/SIGTERM and exits on the second,
// or when graceful shutdown takes longer than shutdownTimeout.
func handleSignals(logger zerolog.Logger, cancel context.CancelFunc, done <-chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
		cancel()
	case <-done:
		return
	}

	select {
	case sig := <-sigCh:
		logger.Warn().Str("signal", sig.String()).Msg("second signal, forcing immediate shutdown")
		os.Exit(1)
	case <-time.After(shutdownTimeout):
		logger.Error().Dur("timeout", shutdownTimeout).Msg("graceful shutdown timed out, forcing exit")
		os.Exit(1)
	case <-done:
	}
}

func newRunner(cfg *config.Config, logger zerolog.Logger, sinks []refresh.Sink) (*refresh.Runner, error) {
	factors, err := cfg.Factors()
	if err != nil {
		return nil, err
	}
	runner, err := refresh.NewRunner(refresh.RunnerOptions{
		Feed:         feed.NewHTTPClient(cfg.Feed.URL, cfg.FeedOptions()...),
		Store:        series.NewStore(series.Retention{MaxRecords: cfg.Retention.MaxRecords}),
		Factors:      &factors,
		Interval:     cfg.Refresh.Interval,
		FetchTimeout: cfg.Feed.Timeout,
		SinkTimeout:  cfg.Refresh.SinkTimeout,
		Sinks:        sinks,
		Logger:       &logger,
		Metrics:      observability.DefaultMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}
	return runner, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the refresh loop and serve the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "HTTP listen address",
				EnvVars: []string{"GRIDMIX_HTTP_ADDR"},
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Refresh interval",
			},
			&cli.IntFlag{
				Name:  "max-records",
				Usage: "Keep at most this many records in memory (0 = unbounded)",
			},
			&cli.BoolFlag{
				Name:    "use-memory",
				Usage:   "Archive to in-memory stores when no database is configured",
				EnvVars: []string{"GRIDMIX_USE_MEMORY"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go handleSignals(logger, cancel, done)

	sinks, err := buildSinks(ctx, cfg, logger, c.Bool("use-memory"))
	if err != nil {
		return err
	}
	defer sinks.Close()

	metrics := observability.DefaultMetrics
	hub := api.NewHub(nil, logger, metrics)

	runner, err := newRunner(cfg, logger, append(sinks.list, hub))
	if err != nil {
		return err
	}

	server := api.NewServer(api.ServerOptions{
		Reader:  runner,
		Hub:     hub,
		Metrics: metrics,
		Logger:  &logger,

		EnergyArchive:   sinks.energy,
		EmissionArchive: sinks.emissions,
		SnapshotCache:   sinks.cache,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		_ = runner.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-httpErr:
		logger.Error().Err(runErr).Msg("http server failed")
		cancel()
	}

	<-runnerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	hub.Close()

	logger.Info().Msg("shutdown complete")
	return runErr
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Run one refresh cycle against the feed and print the result as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   "snapshot",
				Usage:   "What to print (snapshot, series, emissions)",
			},
		},
		Action: runFetch,
	}
}

func runFetch(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	runner, err := newRunner(cfg, logger, nil)
	if err != nil {
		return err
	}

	g, err := runner.RunOnce(c.Context)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	var out any
	switch c.String("output") {
	case "snapshot":
		snap, err := runner.Snapshot()
		if err != nil {
			return err
		}
		out = snap
	case "series":
		out = g.Series
	case "emissions":
		out = g.Emissions
	default:
		return fmt.Errorf("unknown output %q", c.String("output"))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Apply embedded migrations to the configured databases",
		Action: runMigrate,
	}
}

func runMigrate(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" && cfg.ClickHouse.DSN == "" {
		return errors.New("no database configured: set postgres.dsn and/or clickhouse.dsn")
	}

	ctx := c.Context
	if cfg.Postgres.DSN != "" {
		if err := migratePostgres(ctx, cfg.Postgres.DSN, logger); err != nil {
			return err
		}
	}
	if cfg.ClickHouse.DSN != "" {
		if err := migrateClickhouse(ctx, cfg.ClickHouse.DSN, logger); err != nil {
			return err
		}
	}
	return nil
}
