package chainsense

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// 以这些前缀开头的文本一律按命令处理, 不会进入对话
var commandNames = []string{"save", "load"}

// commandFor 返回文本对应的命令名
func commandFor(text string) (string, bool) {
	for _, name := range commandNames {
		if strings.HasPrefix(text, "/"+name) {
			return name, true
		}
	}
	return "", false
}

// executeCommand 执行命令
func (a *Chainsense) executeCommand(ctx context.Context, command string, userID string, args []string) (string, error) {
	handlers := map[string]commandHandlerFunc{
		"save": a.handleSave,
		"load": a.handleLoad,
	}

	if handler, ok := handlers[command]; ok {
		return handler(ctx, userID, args)
	}

	return "", validationError(fmt.Sprintf("unknown command: %s", command))
}

func (a *Chainsense) handleSave(ctx context.Context, userID string, args []string) (string, error) {
	password := ""
	if len(args) > 0 {
		password = args[0]
	}
	return a.Save(ctx, userID, password)
}

func (a *Chainsense) handleLoad(ctx context.Context, userID string, args []string) (string, error) {
	var cid, password string
	if len(args) > 0 {
		cid = args[0]
	}
	if len(args) > 1 {
		password = args[1]
	}
	return a.Load(ctx, userID, cid, password)
}

// Save 检查配额后保存会话, 只有保存成功才计入次数
func (a *Chainsense) Save(ctx context.Context, userID, password string) (string, error) {
	if !IsWalletUser(userID) {
		return "", denial(ReasonNoWallet, MsgSaveNeedsWallet)
	}
	if password == "" {
		return "", validationError(MsgSaveUsage)
	}

	reservation, err := a.gate.Reserve(ctx, userID, UsageSave)
	if err != nil {
		return "", err
	}

	cid, err := a.conversations.Save(ctx, userID, password)
	if err != nil {
		return "", multierr.Append(err, reservation.Rollback(context.WithoutCancel(ctx)))
	}
	reservation.Confirm()

	a.logger.Info(
		"保存成功",
		zap.String("UserID", userID),
		zap.String("CID", cid),
		zap.Int("SaveCount", reservation.Record().SaveCount),
	)
	return fmt.Sprintf("Conversation saved!\nCID: %s\nPassword: %s", cid, password), nil
}

// Load 检查配额后加载记忆, 只有加载成功才计入次数
func (a *Chainsense) Load(ctx context.Context, userID, cid, password string) (string, error) {
	if !IsWalletUser(userID) {
		return "", denial(ReasonNoWallet, MsgLoadNeedsWallet)
	}
	if cid == "" || password == "" {
		return "", validationError(MsgLoadUsage)
	}

	reservation, err := a.gate.Reserve(ctx, userID, UsageLoad)
	if err != nil {
		return "", err
	}

	if _, err := a.conversations.Load(ctx, userID, cid, password); err != nil {
		return "", multierr.Append(err, reservation.Rollback(context.WithoutCancel(ctx)))
	}
	reservation.Confirm()

	a.logger.Info(
		"加载成功",
		zap.String("UserID", userID),
		zap.String("CID", cid),
		zap.Int("LoadCount", reservation.Record().LoadCount),
	)
	return fmt.Sprintf("Memory loaded! CID: %s", cid), nil
}
