package main

import (
	"context"
	"log"
	"os"
	"time"

	"servicebot/internal/api"
	"servicebot/internal/config"
	"servicebot/internal/logging"
	"servicebot/internal/redis"
	"servicebot/internal/security"
	"servicebot/internal/service/ai"
	"servicebot/internal/service/assistant"
	"servicebot/internal/service/conversation"
	"servicebot/internal/storage"
	"servicebot/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfgPath := os.Getenv("SERVICEBOT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()
	events := logging.NewRecorder(logger)

	dbType := config.DriverFromEnv()
	logger.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	// Create necessary tables: sessions, questions, answers
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	// Rate limit counters live in redis when it is configured so that several
	// instances share one budget; otherwise they stay in process.
	var counters security.CounterStore = security.NewMemoryCounter()
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			logger.Fatal("create redis client", zap.Error(err))
		}
		defer rdb.Close()
		counters = rdb
	}
	limiter := security.NewRateLimiter(counters, cfg.Security.RateLimitPerMinute, logger, events)

	chatModel, err := ai.NewChatModel(context.Background(), cfg.LLM.Provider, cfg.ProviderSettings())
	if err != nil {
		logger.Fatal("init chat model", zap.String("provider", cfg.LLM.Provider), zap.Error(err))
	}
	client := ai.NewClient(chatModel, ai.RetryPolicy{
		MaxAttempts:    cfg.LLM.MaxAttempts,
		BaseDelay:      time.Duration(cfg.LLM.RetryDelayMillis) * time.Millisecond,
		AttemptTimeout: time.Duration(cfg.LLM.AttemptTimeoutSeconds) * time.Second,
	}, events, logger)

	dispatcher := worker.NewDispatcher(worker.Config{
		Workers:   cfg.BasicConfig.Workers,
		QueueSize: cfg.BasicConfig.QueueSize,
	}, logger)
	defer dispatcher.Close()

	conv := conversation.NewService(assistant.NewService(db), client,
		conversation.WithRunner(dispatcher),
		conversation.WithEvents(events),
		conversation.WithLogger(logger),
	)
	handlers := api.NewHandler(conv, limiter, events, logger)

	if !cfg.BasicConfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := api.NewRouter(cfg, handlers, logger, events)
	if err != nil {
		logger.Fatal("build router", zap.Error(err))
	}

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = "127.0.0.1:8000"
	}
	logger.Info("server starting",
		zap.String("addr", addr),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("model", cfg.ProviderSettings().Model),
	)
	if err := router.Run(addr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
