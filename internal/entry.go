// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/raido/internal/api"
	"github.com/starford/raido/internal/archive"
	"github.com/starford/raido/internal/checkpoint"
	"github.com/starford/raido/internal/extract"
	"github.com/starford/raido/internal/fetch"
	"github.com/starford/raido/internal/refine"
	"github.com/starford/raido/internal/report"
	"github.com/starford/raido/internal/sink"
)

// Run executes the extraction pipeline with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("staging_dir", cfg.Dumps.StagingDir),
		slog.String("spool_dir", cfg.Extract.SpoolDir),
		slog.String("output_path", cfg.Extract.OutputPath),
		slog.Int("workers", cfg.Extract.EffectiveWorkers()),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Initialize the checkpoint store.
	store, err := checkpoint.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init checkpoint store: %w", err)
	}
	defer store.Close()

	// Report broker for live status and SSE clients.
	broker := report.NewBroker()
	defer broker.Close()

	// Refinement filters, when configured.
	filter, err := loadFilter(cfg)
	if err != nil {
		return err
	}

	// Output sink.
	out := app.sink
	if out == nil {
		fs, err := sink.NewFileSink(cfg.Extract.OutputPath, cfg.Extract.Compress)
		if err != nil {
			return err
		}
		logger.Info("writing operations", slog.String("path", fs.Path()))
		out = fs
	}

	coord := &extract.Coordinator{
		Workers:          cfg.Extract.EffectiveWorkers(),
		SpoolDir:         cfg.Extract.SpoolDir,
		MergeFanIn:       cfg.Extract.MergeFanIn,
		Store:            store,
		Broker:           broker,
		Logger:           logger,
		Sink:             out,
		ResolveRedirects: cfg.Extract.ResolveRedirects,
		Filter:           filter,
		Guard:            cfg.Extract.Guard,
	}

	// runCtx is cancelled when the pipeline finishes, which tells the status
	// server and the signal handler to wind down.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(runCtx)

	var httpServer *http.Server
	if cfg.App.HTTP.Enabled() {
		svc := api.NewService(broker, store)
		apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		// Health check endpoints (unauthenticated).
		r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})

		// Mount API routes under /api.
		r.Mount("/api", apiRouter)

		httpServer = &http.Server{
			Addr:    cfg.App.HTTP.Address(),
			Handler: r,
		}

		g.Go(func() error {
			logger.Info("Starting status server", slog.String("address", cfg.App.HTTP.Address()))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server error: %w", err)
			}
			return nil
		})
	}

	// The pipeline itself. Cancels runCtx on completion so the other
	// goroutines stop too.
	g.Go(func() error {
		defer cancel()
		return runPipeline(gCtx, app, cfg, coord, broker, logger)
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-gCtx.Done():
		}

		if httpServer != nil {
			shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer sdCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	runErr := g.Wait()

	if err := out.Close(); err != nil {
		logger.Error("close sink", slog.String("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("Application error", slog.String("error", runErr.Error()))
		return runErr
	}

	st := broker.Status()
	logger.Info("Run finished",
		slog.Int("shards_done", st.ShardsDone),
		slog.Int("shards_failed", st.ShardsFailed),
		slog.Int64("operations", st.Emitted))
	return nil
}

// runPipeline feeds shard sources to the coordinator, either from a fixed
// list, a one-time staging scan, or a live directory watch.
func runPipeline(ctx context.Context, app *application, cfg *Config, coord *extract.Coordinator, broker *report.Broker, logger *slog.Logger) error {
	switch {
	case app.sources != nil:
		return coord.Run(ctx, app.sources)

	case app.follow:
		if app.expect > 0 {
			broker.SetShardsTotal(app.expect)
		}
		ch := make(chan archive.Source, 16)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return fetch.Watch(gctx, cfg.Dumps.StagingDir, app.expect, logger, ch)
		})
		g.Go(func() error {
			return coord.RunStream(gctx, ch)
		})
		return g.Wait()

	default:
		sources, err := archive.ScanDir(cfg.Dumps.StagingDir)
		if err != nil {
			return fmt.Errorf("scan staging dir: %w", err)
		}
		if len(sources) == 0 {
			return fmt.Errorf("no revision-history archives in %s", cfg.Dumps.StagingDir)
		}
		logger.Info("archives discovered", slog.Int("count", len(sources)))
		return coord.Run(ctx, sources)
	}
}

func loadFilter(cfg *Config) (*refine.Filter, error) {
	if cfg.Extract.EntitiesFilter == "" && cfg.Extract.PredicatesFilter == "" {
		return nil, nil
	}
	f := &refine.Filter{}
	if path := cfg.Extract.EntitiesFilter; path != "" {
		set, err := refine.LoadFilterFile(path)
		if err != nil {
			return nil, fmt.Errorf("load entities filter: %w", err)
		}
		f.Entities = set
	}
	if path := cfg.Extract.PredicatesFilter; path != "" {
		set, err := refine.LoadFilterFile(path)
		if err != nil {
			return nil, fmt.Errorf("load predicates filter: %w", err)
		}
		f.Predicates = set
	}
	return f, nil
}

// RunFetch downloads and verifies the revision-history archives of the
// configured dump into the staging directory.
func RunFetch(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	if cfg.Dumps.MirrorURL == "" {
		return fmt.Errorf("dumps: mirror_url is required for fetch")
	}

	store, err := checkpoint.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init checkpoint store: %w", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := fetch.NewClient(cfg.Dumps.MirrorURL, logger)
	paths, err := client.Sync(ctx, cfg.Dumps.Date, cfg.Dumps.StagingDir, store)
	if err != nil {
		return err
	}
	logger.Info("fetch finished", slog.Int("archives", len(paths)))
	return nil
}
