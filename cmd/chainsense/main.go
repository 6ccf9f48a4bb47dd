package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/chhongzh/chainsense"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := chainsense.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("启动失败", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg chainsense.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg.Database.Path)
	if err != nil {
		return err
	}

	blobs, err := chainsense.NewBlobStore(db, logger)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	var (
		usageStore chainsense.UsageStore   = chainsense.NewMemoryUsageStore()
		receipts   chainsense.ReceiptStore = chainsense.NewMemoryReceiptStore()
		history    chainsense.HistoryStore
	)
	if cfg.Database.Durable {
		store, err := chainsense.NewDBStore(db, logger)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		usageStore, receipts, history = store, store, store
	}

	ledger := chainsense.NewBlockscoutLedger(cfg.Payment.ExplorerURL, nil)
	verifier, err := chainsense.NewPaymentVerifier(
		ledger,
		cfg.Payment.RequiredRecipient,
		cfg.Payment.RequiredAmount,
		cfg.LedgerTimeout,
		logger,
	)
	if err != nil {
		return err
	}

	app := chainsense.New(ctx, logger, chainsense.Components{
		Inference: newInference(cfg.Inference),
		Gate:      chainsense.NewUsageGate(usageStore, cfg.Limits, logger),
		Verifier:  verifier,
		Receipts:  receipts,
		Conversations: chainsense.NewConversationStore(blobs, history, chainsense.ConversationOptions{
			HistoryRounds: cfg.HistoryRounds,
			StoreTimeout:  cfg.StoreTimeout,
		}, logger),
	}, cfg)

	closeCh, err := app.Start()
	if err != nil {
		return err
	}

	logger.Info(
		"Chainsense已启动",
		zap.String("Listen", cfg.Listen),
		zap.String("Provider", cfg.Inference.Provider),
		zap.Bool("Durable", cfg.Database.Durable),
		zap.Bool("Telegram", cfg.Telegram.Token != ""),
	)
	<-closeCh
	logger.Info("Chainsense已停止")
	return nil
}

func openDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite 单写者, 共用一个连接
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		return nil, fmt.Errorf("set pragma: %w", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		return nil, fmt.Errorf("set pragma: %w", err)
	}
	return db, nil
}

func newInference(cfg chainsense.InferenceConfig) chainsense.Inference {
	if strings.EqualFold(cfg.Provider, "anthropic") {
		opts := []anthropicoption.RequestOption{}
		if cfg.APIKey != "" {
			opts = append(opts, anthropicoption.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
		}
		client := anthropic.NewClient(opts...)
		return chainsense.NewAnthropicInference(&client, cfg.Model, cfg.MaxTokens, cfg.Temperature)
	}

	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return chainsense.NewOpenAIInference(&client, cfg.Model, cfg.Temperature)
}
