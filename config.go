package chainsense

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultSystemPrompt = `
You can save or load conversations securely:
- Save: /save password
- Load: /load CID password
`

// Config 用于配置Chainsense实例
type Config struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RateLimit 是每个客户端每秒允许的请求数, 0 表示不限制
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	SystemPrompt      string `yaml:"system_prompt"`
	Limits            Limits `yaml:"limits"`
	SingleUseReceipts bool   `yaml:"single_use_receipts"`
	HistoryRounds     int    `yaml:"history_rounds"`

	InferenceTimeout time.Duration `yaml:"inference_timeout"`
	StoreTimeout     time.Duration `yaml:"store_timeout"`
	LedgerTimeout    time.Duration `yaml:"ledger_timeout"`

	Inference InferenceConfig `yaml:"inference"`
	Payment   PaymentConfig   `yaml:"payment"`
	Database  DatabaseConfig  `yaml:"database"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Log       LogConfig       `yaml:"log"`
}

type InferenceConfig struct {
	// Provider 是 "openai" 或 "anthropic"
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens"`
}

type PaymentConfig struct {
	RequiredRecipient string `yaml:"required_recipient"`
	// RequiredAmount 是最小单位 (wei) 的十进制字符串
	RequiredAmount string `yaml:"required_amount"`
	ExplorerURL    string `yaml:"explorer_url"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
	// Durable 为 true 时配额, 收据和会话都写入数据库, 否则只保存在内存
	Durable bool `yaml:"durable"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Listen:            ":5001",
		AllowedOrigins:    []string{"https://chainsense.vercel.app"},
		RateLimit:         5,
		RateBurst:         10,
		SystemPrompt:      defaultSystemPrompt,
		Limits:            Limits{Save: DefaultSaveLimit, Load: DefaultLoadLimit},
		SingleUseReceipts: true,
		HistoryRounds:     50,
		InferenceTimeout:  60 * time.Second,
		StoreTimeout:      30 * time.Second,
		LedgerTimeout:     15 * time.Second,
		Inference: InferenceConfig{
			Provider:    "openai",
			Model:       "gpt-4",
			Temperature: 0.5,
			MaxTokens:   1024,
		},
		Payment:  PaymentConfig{ExplorerURL: DefaultBlockscoutURL},
		Database: DatabaseConfig{Path: "chainsense.db"},
		Log:      LogConfig{Level: "info", Format: "console", MaxSizeMB: 100, MaxBackups: 7, MaxAgeDays: 7},
	}
}

// LoadConfig 读取YAML配置 (path 为空时只用默认值), 再用环境变量覆盖
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	str("REQUIRED_RECIPIENT", &c.Payment.RequiredRecipient)
	str("REQUIRED_AMOUNT", &c.Payment.RequiredAmount)
	str("BLOCKSCOUT_API_URL", &c.Payment.ExplorerURL)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	str("DATABASE_PATH", &c.Database.Path)
	str("INFERENCE_PROVIDER", &c.Inference.Provider)
	str("INFERENCE_MODEL", &c.Inference.Model)
	str("LOG_LEVEL", &c.Log.Level)

	switch strings.ToLower(c.Inference.Provider) {
	case "anthropic":
		str("ANTHROPIC_API_KEY", &c.Inference.APIKey)
	default:
		str("OPENAI_API_KEY", &c.Inference.APIKey)
		str("OPENAI_BASE_URL", &c.Inference.BaseURL)
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		c.Listen = ":" + strings.TrimPrefix(v, ":")
	}
	if v, ok := lookup("DATABASE_DURABLE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Database.Durable = b
		}
	}
}

// Validate 检查必填项, 缺少收款地址或金额时拒绝启动
func (c Config) Validate() error {
	var errs []error
	if c.Payment.RequiredRecipient == "" {
		errs = append(errs, errors.New("payment.required_recipient (REQUIRED_RECIPIENT) is required"))
	}
	if c.Payment.RequiredAmount == "" {
		errs = append(errs, errors.New("payment.required_amount (REQUIRED_AMOUNT) is required"))
	} else if _, ok := new(big.Int).SetString(c.Payment.RequiredAmount, 10); !ok {
		errs = append(errs, fmt.Errorf("payment.required_amount %q is not a base-10 integer", c.Payment.RequiredAmount))
	}
	switch strings.ToLower(c.Inference.Provider) {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("inference.provider %q is not supported", c.Inference.Provider))
	}
	if c.Limits.Save < 0 || c.Limits.Load < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	return errors.Join(errs...)
}
