package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/jasl/tavern-kit-sub011/internal/auth"
	"github.com/jasl/tavern-kit-sub011/internal/config"
	"github.com/jasl/tavern-kit-sub011/internal/handler"
	"github.com/jasl/tavern-kit-sub011/internal/handler/sse"
	"github.com/jasl/tavern-kit-sub011/internal/middleware"
	"github.com/jasl/tavern-kit-sub011/internal/notify"
	"github.com/jasl/tavern-kit-sub011/internal/repository/postgres"
	postgresSched "github.com/jasl/tavern-kit-sub011/internal/repository/postgres/scheduling"
	"github.com/jasl/tavern-kit-sub011/internal/service/runner"
	"github.com/jasl/tavern-kit-sub011/internal/service/scheduler"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}

	var logOut io.Writer = os.Stdout
	if cfg.LogDir != "" {
		logFile, err := config.SetupLogFile(cfg.LogDir, cfg.LogMaxFiles)
		if err != nil {
			log.Fatalf("Failed to set up log file: %v", err)
		}
		defer logFile.Close()
		logOut = io.MultiWriter(os.Stdout, logFile)
	}

	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"table_prefix", cfg.TablePrefix,
	)

	defaults, err := config.LoadSchedulingDefaults()
	if err != nil {
		log.Fatalf("Failed to load scheduling defaults: %v", err)
	}

	// Create pgx connection pool
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Create repositories
	repoConfig := &postgres.RepositoryConfig{
		Pool:        pool,
		Tables:      postgres.NewTableNames(cfg.TablePrefix),
		Logger:      logger,
		LockTimeout: defaults.LockAcquireTimeout(),
	}
	conversationRepo := postgresSched.NewConversationRepository(repoConfig)
	membershipRepo := postgresSched.NewMembershipRepository(repoConfig)
	roundRepo := postgresSched.NewRoundRepository(repoConfig)
	runRepo := postgresSched.NewRunRepository(repoConfig)
	messageRepo := postgresSched.NewMessageRepository(repoConfig)
	txManager := postgres.NewTransactionManager(pool)

	// Notification hub and scheduler service
	hub := notify.NewHub(logger)
	schedulerService := scheduler.NewService(
		conversationRepo,
		membershipRepo,
		roundRepo,
		runRepo,
		messageRepo,
		txManager,
		hub,
		defaults,
		logger,
	)

	// In-process run executor
	var executor *runner.Executor
	if cfg.RunnerEnabled {
		provider := runner.NewLoremProvider(2 * time.Second)
		executor = runner.NewExecutor(runRepo, messageRepo, membershipRepo, schedulerService, provider, logger)
		executor.Start(ctx)
	} else {
		logger.Info("run executor disabled; expecting external executors on /api/runs")
	}

	// Handlers
	schedulerHandler := handler.NewSchedulerHandler(schedulerService, logger)
	runHandler := handler.NewRunHandler(schedulerService, logger)
	eventsHandler := handler.NewEventsHandler(hub, schedulerService, sse.DefaultConfig(), logger)

	logger.Info("services initialized")

	// Create HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Round lifecycle routes
	mux.HandleFunc("GET /api/conversations/{id}/round", schedulerHandler.GetRound)
	mux.HandleFunc("POST /api/conversations/{id}/round/start", schedulerHandler.StartRound)
	mux.HandleFunc("POST /api/conversations/{id}/round/pause", schedulerHandler.PauseRound)
	mux.HandleFunc("POST /api/conversations/{id}/round/resume", schedulerHandler.ResumeRound)
	mux.HandleFunc("POST /api/conversations/{id}/round/retry", schedulerHandler.RetrySpeaker)
	mux.HandleFunc("POST /api/conversations/{id}/round/skip", schedulerHandler.SkipHumanTurn)
	mux.HandleFunc("POST /api/conversations/{id}/round/stop", schedulerHandler.StopRound)

	// Queue mutation routes
	mux.HandleFunc("POST /api/conversations/{id}/round/participants", schedulerHandler.AppendSpeaker)
	mux.HandleFunc("PUT /api/conversations/{id}/round/participants/order", schedulerHandler.ReorderQueue)
	mux.HandleFunc("DELETE /api/conversations/{id}/round/participants/{slotID}", schedulerHandler.RemoveSlot)

	// Event stream
	mux.HandleFunc("GET /api/conversations/{id}/events", eventsHandler.Stream)

	// External executor completion reports
	mux.HandleFunc("POST /api/runs/{id}/outcome", runHandler.ReportOutcome)

	// Build middleware chain
	var httpHandler http.Handler = mux

	// Apply middleware in reverse order (they wrap each other)
	// Order: CORS -> Recovery -> Auth -> Routes
	if cfg.JWKSURL != "" {
		jwtVerifier, err := auth.NewJWTVerifier(cfg.JWKSURL, logger)
		if err != nil {
			log.Fatalf("Failed to create JWT verifier: %v", err)
		}
		defer jwtVerifier.Close()
		httpHandler = middleware.Auth(jwtVerifier, logger)(httpHandler)
	} else {
		if cfg.Environment == "prod" {
			log.Fatalf("JWKS_URL is required in prod")
		}
		logger.Warn("JWKS_URL not set; all requests run as the dev user")
		httpHandler = middleware.StaticUser("dev-user")(httpHandler)
	}
	httpHandler = middleware.Recovery(logger)(httpHandler)

	// CORS - must be outermost to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
	})
	httpHandler = corsHandler.Handler(httpHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	// Serve until interrupted
	shutdownCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received")
	}

	// Drain HTTP first so no new commands arrive, then stop the executor
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if executor != nil {
		executor.Shutdown()
	}

	logger.Info("server stopped")
}
