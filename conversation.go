package chainsense

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// SavedPayload 是写入内容存储的格式, 以userID为键
type SavedPayload map[string]SavedConversation

type SavedConversation struct {
	Messages []string `json:"messages"`
}

// ContentForm 是下载内容被解释成的形式
type ContentForm int

const (
	FormStructured ContentForm = iota + 1
	FormText
	FormRaw
)

// LoadedContent 是一次 load 得到的内容
type LoadedContent struct {
	Form       ContentForm
	Structured any
	Text       string
	Raw        []byte
}

// String 把内容重新序列化成文本
func (c LoadedContent) String() string {
	switch c.Form {
	case FormStructured:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c.Structured); err != nil {
			return ""
		}
		return string(bytes.TrimRight(buf.Bytes(), "\n"))
	case FormText:
		return c.Text
	default:
		return base64.StdEncoding.EncodeToString(c.Raw)
	}
}

// HistoryStore 是会话的持久化后端, 可以为空
type HistoryStore interface {
	LoadSession(ctx context.Context, userID string, maxRounds int) ([]Turn, string, error)
	AppendTurn(ctx context.Context, userID string, turn Turn) error
	AppendMemory(ctx context.Context, userID string, memory string) error
}

// ConversationOptions 配置 ConversationStore
type ConversationOptions struct {
	// HistoryRounds 是从 HistoryStore 恢复的最大轮数, <=0 表示全部
	HistoryRounds int
	// StoreTimeout 限制单次上传或下载的时长
	StoreTimeout time.Duration
}

// ConversationStore 管理每个用户的对话和已加载的记忆
type ConversationStore struct {
	content ContentStore
	history HistoryStore
	opts    ConversationOptions
	now     func() time.Time
	logger  *zap.Logger

	sessionLock sync.Mutex
	sessions    map[string]*userSession
}

func NewConversationStore(content ContentStore, history HistoryStore, opts ConversationOptions, logger *zap.Logger) *ConversationStore {
	return &ConversationStore{
		content:  content,
		history:  history,
		opts:     opts,
		now:      time.Now,
		logger:   logger.Named("ConversationStore"),
		sessions: make(map[string]*userSession),
	}
}

// getSessionOrInit 获取或初始化用户会话 (只锁会话表)
func (c *ConversationStore) getSessionOrInit(userID string) *userSession {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()

	session, ok := c.sessions[userID]
	if !ok {
		session = &userSession{}
		c.sessions[userID] = session
	}
	return session
}

// withSession 在持有该用户会话锁的情况下执行 fn
func (c *ConversationStore) withSession(ctx context.Context, userID string, fn func(*userSession) error) error {
	session := c.getSessionOrInit(userID)

	session.mu.Lock()
	defer session.mu.Unlock()

	if !session.loaded {
		session.loaded = true
		if c.history != nil {
			turns, memory, err := c.history.LoadSession(ctx, userID, c.opts.HistoryRounds)
			if err != nil {
				c.logger.Error("填充History错误!", zap.String("UserID", userID), zap.Error(err))
			} else {
				session.turns = turns
				session.memory = memory
			}
		}
	}

	return fn(session)
}

// Turns 返回用户对话的副本
func (c *ConversationStore) Turns(ctx context.Context, userID string) []Turn {
	var turns []Turn
	_ = c.withSession(ctx, userID, func(s *userSession) error {
		turns = append([]Turn(nil), s.turns...)
		return nil
	})
	return turns
}

// Memory 返回用户已加载的记忆文本
func (c *ConversationStore) Memory(ctx context.Context, userID string) string {
	var memory string
	_ = c.withSession(ctx, userID, func(s *userSession) error {
		memory = s.memory
		return nil
	})
	return memory
}

// AppendTurn 追加一轮对话
func (c *ConversationStore) AppendTurn(ctx context.Context, userID string, turn Turn) {
	_ = c.withSession(ctx, userID, func(s *userSession) error {
		s.turns = append(s.turns, turn)
		if c.history != nil {
			if err := c.history.AppendTurn(ctx, userID, turn); err != nil {
				c.logger.Error("写入会话历史失败", zap.String("UserID", userID), zap.Error(err))
			}
		}
		return nil
	})
}

// Transcript 把对话渲染成 "User: …\nAI: …" 形式的行
func Transcript(turns []Turn) []string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, fmt.Sprintf("User: %s\nAI: %s", turn.User, turn.AI))
	}
	return lines
}

// Save 序列化用户的对话并上传, 返回CID
func (c *ConversationStore) Save(ctx context.Context, userID, password string) (string, error) {
	if !IsWalletUser(userID) {
		return "", denial(ReasonNoWallet, MsgSaveNeedsWallet)
	}
	if password == "" {
		return "", validationError(MsgSaveUsage)
	}

	payload := SavedPayload{userID: {Messages: Transcript(c.Turns(ctx, userID))}}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", upstreamError(MsgSaveFailed, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	meta := UploadMeta{
		Filename: fmt.Sprintf("conversation_%s_%d.json", userID, c.now().UnixMilli()),
		MimeType: "application/json",
		UserID:   userID,
	}
	cid, err := c.content.Upload(ctx, data, password, meta)
	if err != nil {
		c.logger.Error("上传失败", zap.String("UserID", userID), zap.Error(err))
		return "", upstreamError(MsgSaveFailed, err)
	}

	c.logger.Info(
		"会话已保存",
		zap.String("UserID", userID),
		zap.String("CID", cid),
		zap.Int("Messages", len(payload[userID].Messages)),
	)
	return cid, nil
}

// Load 下载并解释内容, 然后追加到用户的记忆
func (c *ConversationStore) Load(ctx context.Context, userID, cid, password string) (LoadedContent, error) {
	if !IsWalletUser(userID) {
		return LoadedContent{}, denial(ReasonNoWallet, MsgLoadNeedsWallet)
	}
	if cid == "" || password == "" {
		return LoadedContent{}, validationError(MsgLoadUsage)
	}

	data, err := c.download(ctx, cid, password)
	if err != nil {
		c.logger.Error("加载记忆失败", zap.String("UserID", userID), zap.String("CID", cid), zap.Error(err))
		return LoadedContent{}, err
	}

	content := interpretContent(data)
	chunk := "\n" + content.String()

	_ = c.withSession(ctx, userID, func(s *userSession) error {
		s.memory += chunk
		if c.history != nil {
			if err := c.history.AppendMemory(ctx, userID, chunk); err != nil {
				c.logger.Error("写入记忆失败", zap.String("UserID", userID), zap.Error(err))
			}
		}
		return nil
	})

	c.logger.Info(
		"记忆已加载",
		zap.String("UserID", userID),
		zap.String("CID", cid),
		zap.Int("Form", int(content.Form)),
		zap.Int("Bytes", len(data)),
	)
	return content, nil
}

func (c *ConversationStore) download(ctx context.Context, cid, password string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	rc, err := c.content.Download(ctx, cid, password)
	if err != nil {
		return nil, classifyLoadError(ctx, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, classifyLoadError(ctx, fmt.Errorf("%w: %w", ErrDecode, err))
	}
	return data, nil
}

func classifyLoadError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return upstreamError(MsgLoadUnavailable, errors.Join(err, ctx.Err()))
	}
	if errors.Is(err, ErrDecode) || errors.Is(err, ErrContentNotFound) {
		return &Error{Kind: KindDecode, Message: MsgLoadFailed, Err: err}
	}
	return upstreamError(MsgLoadUnavailable, err)
}

func (c *ConversationStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.StoreTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

// interpretContent 依次尝试 JSON, 可打印文本, 原始字节
func interpretContent(data []byte) LoadedContent {
	if gjson.ValidBytes(data) {
		var structured any
		dec := json.NewDecoder(bytes.NewReader(data))
		// 保留大整数 (例如 wei 金额) 的原始精度
		dec.UseNumber()
		if err := dec.Decode(&structured); err == nil {
			return LoadedContent{Form: FormStructured, Structured: structured}
		}
	}
	if isPrintableText(data) {
		return LoadedContent{Form: FormText, Text: string(data)}
	}
	return LoadedContent{Form: FormRaw, Raw: data}
}

func isPrintableText(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, r := range string(data) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
