// Package chainsense 是带配额和链上支付重置的对话服务
package chainsense

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"go.uber.org/zap"
)

// Components 是 Chainsense 依赖的组件
type Components struct {
	Inference     Inference
	Gate          *UsageGate
	Verifier      *PaymentVerifier
	Receipts      ReceiptStore
	Conversations *ConversationStore
}

// Chainsense 是Chainsense的实例
type Chainsense struct {
	ctx           context.Context
	logger        *zap.Logger
	inference     Inference
	gate          *UsageGate
	verifier      *PaymentVerifier
	receipts      ReceiptStore
	conversations *ConversationStore
	bot           *bot.Bot
	config        Config
}

// New 创建一个新的Chainsense实例
func New(ctx context.Context, logger *zap.Logger, components Components, cfg Config) *Chainsense {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Chainsense{
		ctx:           ctx,
		logger:        logger.Named("Chainsense"),
		inference:     components.Inference,
		gate:          components.Gate,
		verifier:      components.Verifier,
		receipts:      components.Receipts,
		conversations: components.Conversations,
		config:        cfg,
	}
}

// Start 启动HTTP服务和 (配置了Token时的) Telegram Bot, 返回一个在全部停止后关闭的通道
func (a *Chainsense) Start() (<-chan struct{}, error) {
	if a.config.Telegram.Token != "" {
		if err := a.setupBot(); err != nil {
			return nil, err
		}
	}

	srv := a.setupHTTP()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("HTTP服务已启动", zap.String("Listen", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP服务异常退出", zap.Error(err))
		}
	}()

	if a.bot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.bot.Start(a.ctx)
		}()
	}

	go func() {
		<-a.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("关闭HTTP服务失败", zap.Error(err))
		}
	}()

	closeCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(closeCh)
	}()

	return closeCh, nil
}
