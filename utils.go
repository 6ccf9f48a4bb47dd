package chainsense

import (
	"context"
	"strings"

	"github.com/chhongzh/shlex"
)

// buildMessages 构建发给推理服务的消息: 系统提示, 已加载的记忆, 用户消息
func (a *Chainsense) buildMessages(ctx context.Context, userID string, chatText string) []Message {
	messages := []Message{{Role: RoleSystem, Content: a.config.SystemPrompt}}
	if memory := a.conversations.Memory(ctx, userID); memory != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: "Context: " + memory})
	}
	return append(messages, Message{Role: RoleUser, Content: chatText})
}

// splitCommandLine 按 shell 规则切分命令, 引号不配对时退回按空白切分
func splitCommandLine(commandLine string) []string {
	parts, err := shlex.Split(commandLine)
	if err != nil {
		return strings.Fields(commandLine)
	}
	return parts
}
