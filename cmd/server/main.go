// viagen chat server: streams assistant CLI exchanges to the browser.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/viagen/viagen/internal/agent"
	"github.com/viagen/viagen/internal/api"
	"github.com/viagen/viagen/internal/config"
	"github.com/viagen/viagen/internal/credentials"
	"github.com/viagen/viagen/internal/diagnostics"
	"github.com/viagen/viagen/internal/health"
	"github.com/viagen/viagen/internal/identity"
	"github.com/viagen/viagen/internal/middleware"
	"github.com/viagen/viagen/internal/process"
	"github.com/viagen/viagen/internal/store"
	"github.com/viagen/viagen/internal/transcript"
	"github.com/viagen/viagen/internal/worker"
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func main() {
	slog.SetDefault(newLogger(os.Getenv("LOG_LEVEL")))

	envRoot := os.Getenv("PROJECT_ROOT")
	if envRoot == "" {
		envRoot = "."
	}
	if err := godotenv.Load(filepath.Join(envRoot, ".env")); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "project_root", cfg.ProjectRoot, "model", cfg.Model)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)
	if n, err := repo.AbandonRunningExchanges(context.Background(), time.Now()); err != nil {
		slog.Warn("Failed to mark stale exchanges", "error", err)
	} else if n > 0 {
		slog.Info("Marked exchanges from previous run as failed", "count", n)
	}

	creds := credentials.FromConfig(cfg.Auth, credentials.Options{
		Refresher: credentials.NewOAuthRefresher(cfg.Auth.TokenURL, cfg.Auth.OAuthClientID),
		Persister: credentials.NewDotenvPersister(cfg.EnvFile),
		Logger:    logger,
	})
	if !creds.Configured() {
		slog.Warn("No Claude auth configured; chat requests will fail until ANTHROPIC_API_KEY or CLAUDE_ACCESS_TOKEN is set")
	} else {
		slog.Info("Credentials loaded", "mode", creds.Mode())
	}

	diag := diagnostics.NewBuffer(filepath.Join(cfg.ProjectRoot, ".viagen", "server.log"), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.BuildLogPath != "" {
		watcher := diagnostics.NewWatcher(cfg.BuildLogPath, diag, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Build log watcher stopped", "error", err, "path", cfg.BuildLogPath)
			}
		}()
	}

	session := agent.NewSession(agent.SessionConfig{
		Credentials:       creds,
		Transcript:        transcript.New(cfg.Transcript),
		Diagnostics:       diag,
		Spawner:           process.NewExecSpawner(cfg.TerminateGrace, logger),
		Store:             repo,
		ClaudeBin:         cfg.ClaudeBin,
		Model:             cfg.Model,
		ProjectRoot:       cfg.ProjectRoot,
		SystemPrompt:      cfg.SystemPrompt,
		PersistContinuity: cfg.ResumeOnRestart,
		Logger:            logger,
	})
	if cfg.ResumeOnRestart {
		if err := session.Restore(ctx); err != nil {
			slog.Warn("Failed to restore continuity token", "error", err)
		}
	}

	var limiter *agent.RateLimiter
	if cfg.RateLimit.RequestsPerWindow > 0 {
		limiter = agent.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	}
	chatHandler := agent.NewHandler(session, agent.HandlerOptions{
		Repo:           repo,
		RateLimiter:    limiter,
		OriginPatterns: originPatterns(cfg.CORSOrigins),
		Logger:         logger,
	})
	defer chatHandler.Close()

	sideHandler := api.NewHandler(cfg, creds, diag, repo)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(identity.Middleware(cfg.AccessToken, cfg.CookieSecure))

	sideHandler.RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)

	// SSE responses stay open for a whole exchange, so no WriteTimeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	worker.StartRetentionWorker(ctx, repo, cfg.ExchangeRetention, worker.DefaultRetentionInterval)
	if creds.Mode() == credentials.ModeOAuth {
		worker.StartTokenRefreshWorker(ctx, creds, worker.DefaultRefreshInterval)
	}

	var healthSrv *health.Server
	if cfg.GRPCHealthAddr != "" {
		healthSrv = health.NewServer(func(context.Context) bool { return creds.Configured() }, 0)
		if _, err := healthSrv.Start(ctx, cfg.GRPCHealthAddr); err != nil {
			slog.Error("Failed to start gRPC health server", "error", err)
			os.Exit(1)
		}
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Cancel the running exchange first so its SSE handler can return.
	if err := session.Shutdown(shutdownCtx); err != nil {
		slog.Warn("In-flight exchange did not finish before shutdown deadline", "error", err)
	}
	if healthSrv != nil {
		healthSrv.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// originPatterns converts CORS origins into WebSocket origin host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		patterns = append(patterns, strings.TrimRight(o, "/"))
	}
	return patterns
}
