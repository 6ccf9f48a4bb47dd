package chainsense

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"
)

func (a *Chainsense) sendMessageTo(ctx context.Context, bt *bot.Bot, chatID int64, msg string, isMarkdown bool) (*models.Message, error) {
	param := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   msg,
	}
	if isMarkdown {
		param.ParseMode = models.ParseModeMarkdown
	}
	return bt.SendMessage(ctx, param)
}

func (a *Chainsense) sendChatAction(ctx context.Context, bt *bot.Bot, chatID int64, newAction models.ChatAction) error {
	_, err := bt.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: newAction,
	})

	return err
}

// sendError 只把面向用户的提示发出去, 细节留在日志里
func (a *Chainsense) sendError(ctx context.Context, bt *bot.Bot, chatID int64, err error) {
	e := AsError(err)
	a.logger.Info("发送错误", zap.Stringer("Kind", e.Kind), zap.Error(err))

	_, err = a.sendMessageTo(ctx, bt, chatID, e.Message, false)
	if err != nil {
		a.logger.Error("在发送错误时遇到错误! >_<", zap.Error(err))
		return
	}
}

// startTypingLoop 开启一个 goroutine 持续发送 Typing 状态，返回一个停止函数
func (a *Chainsense) startTypingLoop(ctx context.Context, bt *bot.Bot, chatID int64) func() {
	done := make(chan struct{})
	ticker := time.NewTicker(time.Second * 6)

	go func() {
		fn := func() {
			err := a.sendChatAction(ctx, bt, chatID, models.ChatActionTyping)
			if err != nil {
				a.logger.Error("Action Routine Error", zap.Error(err))
			}
		}
		fn()
		for {
			select {
			case <-done:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return func() {
		close(done)
	}
}
