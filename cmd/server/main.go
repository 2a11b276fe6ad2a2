// MedQuery - conversational medical research assistant server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/ashureev/medquery/internal/account"
	"github.com/ashureev/medquery/internal/agent"
	"github.com/ashureev/medquery/internal/api"
	"github.com/ashureev/medquery/internal/config"
	"github.com/ashureev/medquery/internal/errtrack"
	"github.com/ashureev/medquery/internal/healthcheck"
	"github.com/ashureev/medquery/internal/identity"
	"github.com/ashureev/medquery/internal/llm"
	"github.com/ashureev/medquery/internal/metrics"
	"github.com/ashureev/medquery/internal/middleware"
	"github.com/ashureev/medquery/internal/pending"
	"github.com/ashureev/medquery/internal/research"
	"github.com/ashureev/medquery/internal/search"
	"github.com/ashureev/medquery/internal/store"
	"github.com/ashureev/medquery/internal/ws"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	port := pflag.String("port", "", "HTTP port, overrides PORT")
	legacyUsers := pflag.String("legacy-users", "", "legacy JSON user file to import at startup, overrides LEGACY_USERS_PATH")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *legacyUsers != "" {
		cfg.LegacyUsersPath = *legacyUsers
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"model_provider", cfg.Model.Provider,
		"model", cfg.Model.Name,
	)

	reporter, err := errtrack.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		slog.Error("Failed to initialize error tracking", "error", err)
		os.Exit(1)
	}
	defer reporter.Flush()

	metrics.Init()

	// Initialize storage.
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

	sessionService, err := store.NewSessionService(cfg.SessionDBPath, logger)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sessionService.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()

	accounts := account.NewService(repo, logger)
	if cfg.LegacyUsersPath != "" {
		res, err := accounts.ImportLegacyUsers(context.Background(), cfg.LegacyUsersPath)
		if err != nil {
			slog.Error("Failed to import legacy users", "path", cfg.LegacyUsersPath, "error", err)
			os.Exit(1)
		}
		slog.Info("Legacy users imported",
			"imported", res.Imported,
			"existing", res.Existing,
			"skipped", res.Skipped,
		)
	}

	healthChecks := []api.Check{
		{Name: "database", Ping: repo.Ping},
		{Name: "sessions", Ping: sessionService.Ping},
	}

	// Pending questions live in Redis when configured so they survive restarts.
	var pendingStore pending.Store
	if cfg.Redis.Addr != "" {
		client, err := pending.NewRedisClient(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer func() { _ = client.Close() }()
		redisStore := pending.NewRedisStore(client, cfg.Redis.PendingTTL)
		pendingStore = redisStore
		healthChecks = append(healthChecks, api.Check{Name: "redis", Ping: redisStore.Ping})
		slog.Info("Pending questions stored in Redis", "addr", cfg.Redis.Addr)
	} else {
		pendingStore = pending.NewMemoryStore(cfg.Redis.PendingTTL)
	}

	// Initialize the research runtime.
	llmModel, err := llm.New(context.Background(), cfg.Model, logger)
	if err != nil {
		slog.Error("Failed to initialize model", "error", err)
		os.Exit(1)
	}

	searcher := search.NewClient(search.Config{
		APIKey:            cfg.Search.APIKey,
		BaseURL:           cfg.Search.BaseURL,
		MaxResults:        cfg.Search.MaxResults,
		Timeout:           cfg.Search.Timeout,
		RequestsPerMinute: cfg.Search.RequestsPerMinute,
	}, logger)

	runtime := research.NewRuntime(research.RuntimeConfig{
		AppName:  cfg.Agent.AppName,
		Model:    llmModel,
		Searcher: searcher,
		Sessions: sessionService,
		MaxTurns: cfg.Agent.MaxTurns,
		Logger:   logger,
	})

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	sessions := agent.NewSessionManager(runtime, logger)
	agentService := agent.NewService(agent.ServiceConfig{
		Runtime:     runtime,
		Sessions:    sessions,
		Users:       accounts,
		Pending:     pendingStore,
		Reporter:    reporter,
		Log:         conversationLogger,
		TurnTimeout: cfg.Agent.TurnTimeout,
		Logger:      logger,
	})

	// Initialize handlers.
	chatLimiter := middleware.NewWindowLimiter(cfg.RateLimit.ChatRequests, cfg.RateLimit.ChatWindow)
	ipLimiter := middleware.NewKeyedLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)

	baseHandler := api.NewHandler(accounts)
	healthHandler := api.NewHealthHandler(healthChecks...)
	agentHandler := agent.NewHandler(agentService, chatLimiter)
	registry := ws.NewRegistry()
	wsHandler := ws.NewHandler(ws.Config{
		Agent:         agentService,
		Registry:      registry,
		Users:         accounts,
		Limiter:       chatLimiter,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
	})

	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" && !cfg.IsDevelopment() {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(metrics.Middleware)
	r.Use(middleware.CORS(allowedOrigins))

	// Operational routes skip the per-IP limiter.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(ipLimiter, identity.IPFromRequest))
		baseHandler.RegisterRoutes(r)
		agentHandler.RegisterRoutes(r)
		wsHandler.RegisterRoutes(r)
	})

	// Create server.
	// Note: SSE and websocket connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for streaming turns
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go chatLimiter.Run(ctx)
	go ipLimiter.Run(ctx)

	// gRPC health mirrors /health for orchestrators that probe gRPC.
	hc := healthcheck.New(healthHandler, 15*time.Second, logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC health", "port", cfg.GRPCHealthPort, "error", err)
		os.Exit(1)
	}
	go hc.Watch(ctx)
	go func() {
		if err := hc.Serve(lis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	hc.Stop()

	// Pending session deletions must finish before the session store closes.
	sessions.Wait()
	if err := conversationLogger.Close(); err != nil {
		slog.Error("Failed to close conversation logger", "error", err)
	}

	slog.Info("Server stopped successfully")
}
