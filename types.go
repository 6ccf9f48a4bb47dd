package chainsense

import (
	"context"
	"strings"
	"sync"
)

// WalletPrefix 是钱包形式用户ID的前缀
const WalletPrefix = "0x"

// UsageKind 是受配额限制的操作类型
type UsageKind string

const (
	UsageSave UsageKind = "save"
	UsageLoad UsageKind = "load"
)

// Turn 是一轮对话
type Turn struct {
	User string
	AI   string
}

type userSession struct {
	mu     sync.Mutex
	loaded bool
	turns  []Turn
	memory string
}

type commandHandlerFunc = func(ctx context.Context, userID string, args []string) (string, error)

// IsWalletUser 判断userID是否是钱包地址形式
func IsWalletUser(userID string) bool {
	return strings.HasPrefix(userID, WalletPrefix)
}
