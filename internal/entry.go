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

	"github.com/hvaillaud/marginalia/internal/api"
	"github.com/hvaillaud/marginalia/internal/chat"
	"github.com/hvaillaud/marginalia/internal/device"
	"github.com/hvaillaud/marginalia/internal/library"
	"github.com/hvaillaud/marginalia/internal/llm"
	"github.com/hvaillaud/marginalia/internal/mcpserver"
	"github.com/hvaillaud/marginalia/internal/notesync"
	"github.com/hvaillaud/marginalia/internal/reading"
	"github.com/hvaillaud/marginalia/internal/sse"
	"github.com/hvaillaud/marginalia/internal/vault"
)

// newLogger initializes the structured JSON logger.
func newLogger(cfg *Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// services holds the wired application components.
type services struct {
	db       *library.DB
	vault    *vault.Vault
	registry *notesync.Registry
	importer *device.Importer
	reading  *reading.Service
	broker   *sse.Broker
}

// buildServices wires the stores and domain services from configuration.
// The returned services own the library database; callers must close it.
// broker may be nil for the one-shot and stdio entrypoints.
func buildServices(cfg *Config, logger *slog.Logger, broker *sse.Broker) (*services, error) {
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	v, err := vault.New(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	db, err := library.Open(cfg.Library.Path)
	if err != nil {
		return nil, fmt.Errorf("init library: %w", err)
	}

	var noteEvents notesync.Publisher
	var highlightEvents reading.Publisher
	if broker != nil {
		noteEvents = broker
		highlightEvents = broker
	}

	registry := notesync.NewRegistry(v, noteEvents, logger, notesync.Config{
		PollInterval:  cfg.Sync.PollInterval,
		Debounce:      cfg.Sync.Debounce,
		FlushAttempts: cfg.Sync.FlushAttempts,
		RetryBackoff:  cfg.Sync.RetryBackoff,
	})

	completer := llm.New(cfg.LLM.BaseURL, cfg.LLM.Model)
	chatSvc := chat.NewService(db, completer, logger)
	importer := device.NewImporter(db, logger)

	svc := reading.NewService(db, v, registry, chatSvc, importer, cfg.Device.DBPath, highlightEvents, logger)

	return &services{db: db, vault: v, registry: registry, importer: importer, reading: svc, broker: broker}, nil
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config
	logger := newLogger(cfg)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("library_path", cfg.Library.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker(500 * time.Millisecond)
	defer broker.Close()

	svcs, err := buildServices(cfg, logger, broker)
	if err != nil {
		return err
	}
	defer svcs.db.Close()

	apiRouter := api.NewRouter(svcs.reading, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
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

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start the vault watcher: it nudges open note sessions on file events.
	// Polling still covers external edits if the watcher cannot start.
	g.Go(func() error {
		if err := notesync.Watch(gCtx, cfg.Vault.Path, svcs.registry, logger); err != nil {
			logger.Warn("vault watcher unavailable", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		// Drain note sessions so no buffered edit is lost.
		svcs.registry.CloseAll(shutdownCtx)

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunImport imports a book manifest (and optionally its device highlights)
// from the command line.
func RunImport(ctx context.Context, cfg *Config, manifestPath string, withHighlights bool) error {
	logger := newLogger(cfg)

	svcs, err := buildServices(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer svcs.db.Close()

	book, err := svcs.importer.ImportBook(manifestPath)
	if err != nil {
		return fmt.Errorf("import book: %w", err)
	}
	fmt.Printf("imported %q (%s), %d chapters\n", book.Title, book.ID, len(book.Chapters))

	if !withHighlights {
		return nil
	}
	if cfg.Device.DBPath == "" {
		return fmt.Errorf("device db_path is not configured")
	}
	res, err := svcs.reading.ImportHighlights(ctx, book.ID)
	if err != nil {
		return fmt.Errorf("import highlights: %w", err)
	}
	fmt.Printf("highlights: %d added, %d already present\n", res.Added, res.Skipped)
	return nil
}

// RunMCP serves the MCP stdio transport over the library.
func RunMCP(_ context.Context, cfg *Config) error {
	// MCP talks JSON-RPC on stdout, so logs go to stderr here.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	svcs, err := buildServices(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer svcs.db.Close()

	return mcpserver.New(svcs.reading).ServeStdio()
}
