/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tuition ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and environment configuration
  2. Parse command-line flags (override the environment)
  3. Open the SQLite or PostgreSQL store
  4. Connect the RabbitMQ event producer (falls back to logging)
  5. Wire billing services, API handler and router
  6. Start the late fee accrual job
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: PORT or 8080)
  -driver  sqlite | postgres (default: DATABASE_DRIVER or sqlite)
  -db      SQLite database path (default: DATABASE_PATH or tuition.db)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go. DATABASE_URL, AMQP_URL, LATE_FEE_JOB_SCHEDULE,
  BILLING_INCLUDE_DROPPED, CORS_ALLOWED_ORIGINS, LOG_LEVEL.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM, or when the listener fails:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Wait for a running accrual job
  4. Close the event producer and database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/tuition.db"

  # Run against PostgreSQL
  DATABASE_URL=postgres://localhost/tuition ./server -driver=postgres

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Late fee accrual job
  - config/config.go: Environment settings
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/tuition-engine/api"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/config"
	"github.com/warp/tuition-engine/events"
	"github.com/warp/tuition-engine/generic"
	"github.com/warp/tuition-engine/store/postgres"
	"github.com/warp/tuition-engine/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if !config.LoadDotEnv() {
		logger.Info("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	driver := flag.String("driver", cfg.DatabaseDriver, "Database driver (sqlite or postgres)")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	flag.Parse()

	// Initialize store
	repo, err := openRepository(*driver, *dbPath, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to initialize database", "driver", *driver, "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	producer := events.Connect(cfg.AMQPURL, logger)
	defer producer.Close()

	svc := billing.NewServices(repo, billing.Options{
		Policy: billing.AssessmentPolicy{IncludeDropped: cfg.IncludeDropped},
		Events: producer,
		Logger: logger,
		Clock:  generic.SystemClock,
	})

	handler := api.NewHandler(svc, logger, generic.SystemClock)
	router := api.NewRouter(handler, cfg.AllowedOrigins())

	scheduler := api.NewLateFeeScheduler(svc.LateFees, logger, cfg.LateFeeJobSchedule)
	scheduler.Enabled = cfg.LateFeeJobEnabled
	if err := scheduler.Start(); err != nil {
		logger.Warn("late fee accrual job not running", "error", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("server starting", "addr", server.Addr, "driver", *driver)
	if err := serve(server, quit); err != nil {
		// Fall through to shutdown so the store and producer are closed.
		logger.Error("server failed", "error", err)
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		logger.Warn("late fee accrual job still running at shutdown")
	}

	logger.Info("server stopped")
}

// serve runs the server until a signal arrives on quit or the listener
// fails. The listener error is returned; a signal returns nil.
func serve(server *http.Server, quit <-chan os.Signal) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-quit:
		return nil
	case err := <-serveErr:
		return err
	}
}

func openRepository(driver, path, url string) (billing.Repository, error) {
	switch driver {
	case config.DriverSQLite:
		return sqlite.New(path)
	case config.DriverPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return postgres.New(ctx, url)
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}
