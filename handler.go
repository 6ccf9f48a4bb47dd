package chainsense

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"
)

const (
	msgPaymentFieldsRequired = "Transaction hash and userId are required"
	msgVerified              = "Transaction verified successfully!"
	msgVerificationFailed    = "Transaction verification failed."
	msgResetDone             = "User usage reset successfully after payment verification."
	msgResetRefused          = "Payment verification failed. Unable to reset usage."
	msgReceiptUsed           = "This transaction has already been used to reset usage."
)

// Handle 是所有文本消息的入口: 命令优先, 其余进入对话
func (a *Chainsense) Handle(ctx context.Context, userID string, text string) (string, error) {
	// 只有以命令开头的原文才算命令, 前导空白的文本进入对话
	if command, ok := commandFor(text); ok {
		// 命令里有口令, 不记录原文
		a.logger.Info("收到命令", zap.String("UserID", userID), zap.String("Command", command))
		var args []string
		if parts := splitCommandLine(text); len(parts) > 1 {
			args = parts[1:]
		}
		return a.executeCommand(ctx, command, userID, args)
	}

	chatText := strings.TrimSpace(text)
	a.logger.Info("收到消息", zap.String("UserID", userID), zap.Int("Length", len(chatText)))
	return a.Chat(ctx, userID, chatText)
}

// CheckPayment 验证用户的支付交易
func (a *Chainsense) CheckPayment(ctx context.Context, userID, txHash string) (VerificationResult, error) {
	if userID == "" || txHash == "" {
		return VerificationResult{}, validationError(msgPaymentFieldsRequired)
	}
	return a.verifier.Verify(ctx, txHash, userID)
}

// ResetUsage 在支付验证成功后清零用户的配额. 返回是否重置以及给用户的提示
func (a *Chainsense) ResetUsage(ctx context.Context, userID, txHash string) (bool, string, error) {
	result, err := a.CheckPayment(ctx, userID, txHash)
	if err != nil {
		return false, "", err
	}
	if !result.Success {
		return false, msgResetRefused, nil
	}

	redeemed := false
	if a.config.SingleUseReceipts && a.receipts != nil {
		ok, err := a.receipts.Redeem(ctx, txHash, userID)
		if err != nil {
			return false, "", upstreamError("Failed to reset usage.", err)
		}
		if !ok {
			a.logger.Warn("交易已被使用过", zap.String("UserID", userID), zap.String("TxHash", txHash))
			return false, msgReceiptUsed, nil
		}
		redeemed = true
	}

	if err := a.gate.Reset(ctx, userID); err != nil {
		if redeemed {
			if releaseErr := a.receipts.Release(context.WithoutCancel(ctx), txHash); releaseErr != nil {
				a.logger.Error("释放交易收据失败", zap.String("TxHash", txHash), zap.Error(releaseErr))
			}
		}
		return false, "", err
	}

	return true, msgResetDone, nil
}

// Usage 返回用户的配额情况
func (a *Chainsense) Usage(ctx context.Context, userID string) (UsageRecord, error) {
	if userID == "" {
		return UsageRecord{}, validationError("UserId is required")
	}
	return a.gate.Usage(ctx, userID)
}

func (a *Chainsense) handlerForTextMessage(ctx context.Context, bt *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}

	chatID := update.Message.Chat.ID
	chatText := strings.TrimSpace(update.Message.Text)
	username := update.Message.Chat.Username
	userID := fmt.Sprintf("tg:%d", update.Message.From.ID)

	if strings.ToLower(chatText) == "/start" {
		a.sendMessageTo(ctx, bt, chatID, fmt.Sprintf("%s, welcome!\n%s", username, strings.TrimSpace(a.config.SystemPrompt)), false)
		return
	}

	stopTyping := a.startTypingLoop(ctx, bt, chatID)
	reply, err := a.Handle(ctx, userID, update.Message.Text)
	stopTyping()
	if err != nil {
		a.sendError(ctx, bt, chatID, err)
		return
	}

	if _, err := a.sendMessageTo(ctx, bt, chatID, reply, false); err != nil {
		a.logger.Error("发送回复失败", zap.Int64("Chat ID", chatID), zap.Error(err))
	}
}
