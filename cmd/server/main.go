package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redis "github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"dialogue-server/internal/ai"
	"dialogue-server/internal/authutils"
	"dialogue-server/internal/config"
	"dialogue-server/internal/handler"
	"dialogue-server/internal/messaging"
	"dialogue-server/internal/middleware"
	"dialogue-server/internal/pipeline"
	"dialogue-server/internal/service"
	"dialogue-server/internal/store"
	"dialogue-server/migrations"
	appLogger "dialogue-server/pkg/logger"
	"dialogue-server/pkg/migration"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger, err := appLogger.New(appLogger.Config{
		Level:    cfg.LogLevel,
		Encoding: "json",
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	zap.ReplaceGlobals(logger)
	zap.L().Info("Logger initialized", zap.String("logLevel", cfg.LogLevel))

	// --- External connections ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pgPool, err := setupPostgres(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgPool.Close()
	zap.L().Info("Connected to PostgreSQL")

	if cfg.MigrateOnStart {
		migrator := migration.NewMigrator(migration.Config{
			MigrationsPath: ".",
			MigrationsFS:   migrations.FS,
		}, pgPool)
		if err := migrator.Up(ctx); err != nil {
			zap.L().Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	var guard store.TurnGuard = store.NoopTurnGuard{}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			zap.L().Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		zap.L().Info("Connected to Redis")
		guard = store.NewRedisTurnGuard(redisClient, cfg.TurnLockTTL, logger)
	} else {
		zap.L().Warn("Redis not configured, turn guard disabled")
	}

	var publisher messaging.ClientUpdatePublisher = messaging.NoopClientUpdatePublisher{}
	if cfg.RabbitMQURL != "" {
		mqConn, err := connectRabbitMQ(cfg.RabbitMQURL, logger)
		if err != nil {
			zap.L().Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer mqConn.Close()
		zap.L().Info("Connected to RabbitMQ")

		publisher, err = messaging.NewRabbitMQClientUpdatePublisher(mqConn, cfg.ClientUpdatesQueue, logger)
		if err != nil {
			zap.L().Fatal("Failed to create client update publisher", zap.Error(err))
		}
	} else {
		zap.L().Warn("RabbitMQ not configured, client updates disabled")
	}

	// --- AI providers ---
	textGen, err := ai.NewTextGenerator(ai.Config{
		Provider: cfg.AIProvider,
		APIKey:   cfg.AIAPIKey,
		BaseURL:  cfg.AIBaseURL,
		Model:    cfg.AIModel,
		Timeout:  cfg.AITimeout,
	})
	if err != nil {
		zap.L().Fatal("Failed to create text generator", zap.Error(err))
	}

	judgeModel := cfg.JudgeModel
	if judgeModel == "" {
		judgeModel = cfg.AIModel
	}
	judgeGen, err := ai.NewTextGenerator(ai.Config{
		Provider: cfg.AIProvider,
		APIKey:   cfg.AIAPIKey,
		BaseURL:  cfg.AIBaseURL,
		Model:    judgeModel,
		Timeout:  cfg.AITimeout,
	})
	if err != nil {
		zap.L().Fatal("Failed to create judge text generator", zap.Error(err))
	}

	// --- Dependency injection ---
	metaRepo := store.NewPgProgressMetaRepository(logger)
	chunkRepo := store.NewPgChunkRepository(logger)
	legacyRepo := store.NewPgLegacyTranscriptRepository(logger)
	gameRepo := store.NewPgGameConfigRepository(logger)
	txRunner := store.NewPgTxRunner(pgPool)
	transcriptStore := store.New(pgPool, txRunner, metaRepo, chunkRepo, legacyRepo, logger)

	replyGen := pipeline.NewGenerator(
		textGen,
		pipeline.DefaultPolicies(),
		pipeline.NewSafetyGuard(judgeGen, logger),
		pipeline.DefaultMaxAttempts,
		logger,
	)
	milestoneJudge := pipeline.NewMilestoneJudge(judgeGen, logger)

	turnService := service.NewTurnService(
		guard, transcriptStore, pgPool, gameRepo, replyGen, milestoneJudge, publisher, logger)

	verifier, err := authutils.NewJWTVerifier(cfg.JWTSecret, logger)
	if err != nil {
		zap.L().Fatal("Failed to create JWT verifier", zap.Error(err))
	}
	dialogueHandler := handler.NewDialogueHandler(turnService, logger)

	// --- HTTP server (Gin) ---
	gin.SetMode(gin.ReleaseMode)
	if cfg.Env == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(middleware.GinZapLogger(logger))
	router.Use(gin.Recovery())

	p := ginprometheus.NewPrometheus("gin")

	corsConfig := cors.DefaultConfig()
	allowedOrigins := cfg.GetAllowedOrigins()
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
		zap.L().Info("CORSAllowedOrigins not set, allowing default", zap.String("origin", "http://localhost:3000"))
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	dialogueHandler.RegisterRoutes(router, middleware.Auth(verifier.VerifyToken, logger))

	// Prometheus middleware goes on after the routes are registered.
	p.Use(router)

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
		// No WriteTimeout: turn responses stream for as long as generation
		// takes.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	zap.L().Info("Starting HTTP server", zap.String("port", cfg.ServerPort))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("HTTP Server listen error", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zap.L().Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("HTTP Server forced to shutdown", zap.Error(err))
	}

	zap.L().Info("Server exiting")
}

// setupPostgres initializes the PostgreSQL connection pool with retry logic.
func setupPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MaxConnIdleTime = cfg.DBIdleTimeout

	var pool *pgxpool.Pool
	var lastErr error
	maxRetries := 20
	retryDelay := 3 * time.Second

	for i := 0; i < maxRetries; i++ {
		attempt := i + 1
		connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		pool, err = pgxpool.NewWithConfig(connectCtx, poolConfig)
		if err == nil {
			err = pool.Ping(connectCtx)
		}
		connectCancel()

		if err == nil {
			return pool, nil
		}
		lastErr = fmt.Errorf("postgres connection failed (attempt %d/%d): %w", attempt, maxRetries, err)
		zap.L().Warn("Postgres connection failed, retrying...",
			zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries), zap.Error(err))
		if pool != nil {
			pool.Close()
		}
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return nil, lastErr
}

// connectRabbitMQ dials RabbitMQ with retry logic.
func connectRabbitMQ(url string, logger *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	maxRetries := 10
	retryDelay := 3 * time.Second

	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		logger.Warn("RabbitMQ connection failed, retrying...",
			zap.Int("attempt", i+1), zap.Int("max_retries", maxRetries), zap.Error(err))
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}
