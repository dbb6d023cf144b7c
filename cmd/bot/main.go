package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stepanboost/omybot/internal/bot"
	"github.com/stepanboost/omybot/internal/classifier"
	"github.com/stepanboost/omybot/internal/llm"
	"github.com/stepanboost/omybot/internal/solver"
	"github.com/stepanboost/omybot/internal/storage"
	"github.com/stepanboost/omybot/internal/sweeper"
	"github.com/stepanboost/omybot/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", configPath))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}

	// Initialize storage
	var store storage.Storage
	switch cfg.Database.Driver {
	case "postgres":
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
	default:
		logger.Info("Using SQLite storage", zap.String("path", cfg.Database.Path))
		store, err = storage.NewSQLiteStorage(cfg.Database.Path, logger)
	}
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	// Initialize model gateway
	gateway := llm.NewGateway(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		TextModel:   cfg.LLM.TextModel,
		VisionModel: cfg.LLM.VisionModel,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	}, logger)
	if gateway.DemoMode() {
		logger.Warn("No LLM credential configured, running in demo mode")
	}

	orch := solver.New(store, classifier.NewKeywordClassifier(), gateway, logger)

	policy := storage.RetentionPolicy{
		Context:              time.Duration(cfg.Retention.ContextDays) * 24 * time.Hour,
		Requests:             time.Duration(cfg.Retention.RequestDays) * 24 * time.Hour,
		InactiveUsers:        time.Duration(cfg.Retention.InactiveUserDays) * 24 * time.Hour,
		ExpiredSubscriptions: time.Duration(cfg.Retention.ExpiredSubscriptionDays) * 24 * time.Hour,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the retention sweeper
	sw := sweeper.New(store, policy,
		time.Duration(cfg.Retention.SweepIntervalHours)*time.Hour,
		cfg.Retention.CompactThreshold, logger)
	go sw.Run(ctx)

	// Initialize and start the bot
	b, err := bot.New(cfg.Telegram.Token, orch, store, policy, cfg.Telegram.AdminIDs, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	if err := b.Start(ctx); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
	logger.Info("Bot stopped")
}
