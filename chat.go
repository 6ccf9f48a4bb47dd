package chainsense

import (
	"context"

	"go.uber.org/zap"
)

// Chat 处理 AI 聊天逻辑, 不受配额限制
func (a *Chainsense) Chat(ctx context.Context, userID string, chatText string) (string, error) {
	messages := a.buildMessages(ctx, userID, chatText)

	if a.config.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.InferenceTimeout)
		defer cancel()
	}

	a.logger.Debug("调用API", zap.String("UserID", userID), zap.Int("Messages", len(messages)))
	reply, err := a.inference.Complete(ctx, messages)
	if err != nil {
		a.logger.Error("推理调用失败", zap.String("UserID", userID), zap.Error(err))
		return "", upstreamError(MsgChatFailed, err)
	}

	a.conversations.AppendTurn(context.WithoutCancel(ctx), userID, Turn{User: chatText, AI: reply})

	a.logger.Info(
		"会话完成",
		zap.String("UserID", userID),
		zap.Int("ReplyLength", len(reply)),
	)
	return reply, nil
}
