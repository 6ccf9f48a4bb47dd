package chainsense

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	DefaultSaveLimit = 1
	DefaultLoadLimit = 3
)

// UsageRecord 是一个用户的配额使用情况
type UsageRecord struct {
	UserID    string `json:"userId"`
	SaveCount int    `json:"saveCount"`
	LoadCount int    `json:"loadCount"`
	// Epoch 每次重置加一, 重置之前拿到的预留不能再回滚计数
	Epoch int64 `json:"-"`
}

// Count 返回指定类型的已用次数
func (r UsageRecord) Count(kind UsageKind) int {
	if kind == UsageSave {
		return r.SaveCount
	}
	return r.LoadCount
}

func (r UsageRecord) withCount(kind UsageKind, n int) UsageRecord {
	if kind == UsageSave {
		r.SaveCount = n
	} else {
		r.LoadCount = n
	}
	return r
}

// UsageStore 保存配额记录, Get 在记录不存在时创建零值记录, Peek 只读不创建
type UsageStore interface {
	Get(ctx context.Context, userID string) (UsageRecord, error)
	Peek(ctx context.Context, userID string) (UsageRecord, error)
	Put(ctx context.Context, record UsageRecord) error
	CompareAndSwap(ctx context.Context, old, next UsageRecord) (bool, error)
}

// ReceiptStore 记录已经用于重置的交易, 同一笔交易只能兑换一次
type ReceiptStore interface {
	Redeem(ctx context.Context, txHash, userID string) (bool, error)
	Release(ctx context.Context, txHash string) error
}

// MemoryUsageStore 是进程内的 UsageStore
type MemoryUsageStore struct {
	mu      sync.Mutex
	records map[string]UsageRecord
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{records: make(map[string]UsageRecord)}
}

func (s *MemoryUsageStore) Get(_ context.Context, userID string) (UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[userID]
	if !ok {
		record = UsageRecord{UserID: userID}
		s.records[userID] = record
	}
	return record, nil
}

func (s *MemoryUsageStore) Peek(_ context.Context, userID string) (UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[userID]; ok {
		return record, nil
	}
	return UsageRecord{UserID: userID}, nil
}

func (s *MemoryUsageStore) Put(_ context.Context, record UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.UserID] = record
	return nil
}

func (s *MemoryUsageStore) CompareAndSwap(_ context.Context, old, next UsageRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[old.UserID] != old {
		return false, nil
	}
	s.records[old.UserID] = next
	return true, nil
}

// MemoryReceiptStore 是进程内的 ReceiptStore
type MemoryReceiptStore struct {
	mu       sync.Mutex
	redeemed map[string]string
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{redeemed: make(map[string]string)}
}

func (s *MemoryReceiptStore) Redeem(_ context.Context, txHash, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(txHash)
	if _, ok := s.redeemed[key]; ok {
		return false, nil
	}
	s.redeemed[key] = userID
	return true, nil
}

func (s *MemoryReceiptStore) Release(_ context.Context, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.redeemed, strings.ToLower(txHash))
	return nil
}

// Limits 是每种操作的免费次数
type Limits struct {
	Save int `yaml:"save"`
	Load int `yaml:"load"`
}

// UsageGate 在受限操作执行前检查并预留配额
type UsageGate struct {
	store  UsageStore
	limits Limits
	logger *zap.Logger
}

// NewUsageGate 创建配额闸门, 非正数的限制使用默认值
func NewUsageGate(store UsageStore, limits Limits, logger *zap.Logger) *UsageGate {
	if limits.Save <= 0 {
		limits.Save = DefaultSaveLimit
	}
	if limits.Load <= 0 {
		limits.Load = DefaultLoadLimit
	}
	return &UsageGate{
		store:  store,
		limits: limits,
		logger: logger.Named("UsageGate"),
	}
}

// Limit 返回指定类型的限制
func (g *UsageGate) Limit(kind UsageKind) int {
	if kind == UsageSave {
		return g.limits.Save
	}
	return g.limits.Load
}

// Usage 返回用户当前的使用记录, 不会为未知用户创建记录
func (g *UsageGate) Usage(ctx context.Context, userID string) (UsageRecord, error) {
	record, err := g.store.Peek(ctx, userID)
	if err != nil {
		return UsageRecord{}, upstreamError("usage store unavailable", err)
	}
	return record, nil
}

// Reserve 原子地检查并占用一个配额. 被拒绝时返回 Kind 为 KindAuthorization 的 *Error
func (g *UsageGate) Reserve(ctx context.Context, userID string, kind UsageKind) (*Reservation, error) {
	if !IsWalletUser(userID) {
		if kind == UsageSave {
			return nil, denial(ReasonNoWallet, MsgSaveNeedsWallet)
		}
		return nil, denial(ReasonNoWallet, MsgLoadNeedsWallet)
	}

	limit := g.Limit(kind)
	for {
		if err := ctx.Err(); err != nil {
			return nil, upstreamError("usage reservation interrupted", err)
		}

		record, err := g.store.Get(ctx, userID)
		if err != nil {
			return nil, upstreamError("usage store unavailable", err)
		}

		used := record.Count(kind)
		if used >= limit {
			g.logger.Info(
				"配额已用尽",
				zap.String("UserID", userID),
				zap.String("Kind", string(kind)),
				zap.Int("Used", used),
				zap.Int("Limit", limit),
			)
			return nil, denial(ReasonLimitExceeded, MsgLimitExceeded)
		}

		next := record.withCount(kind, used+1)
		swapped, err := g.store.CompareAndSwap(ctx, record, next)
		if err != nil {
			return nil, upstreamError("usage store unavailable", err)
		}
		if swapped {
			return &Reservation{gate: g, userID: userID, kind: kind, record: next}, nil
		}
	}
}

// Reset 清零用户的全部计数, 只应在支付验证成功后调用
func (g *UsageGate) Reset(ctx context.Context, userID string) error {
	for {
		record, err := g.store.Get(ctx, userID)
		if err != nil {
			return upstreamError("usage store unavailable", err)
		}

		next := UsageRecord{UserID: userID, Epoch: record.Epoch + 1}
		swapped, err := g.store.CompareAndSwap(ctx, record, next)
		if err != nil {
			return upstreamError("usage store unavailable", err)
		}
		if swapped {
			g.logger.Info("配额已重置", zap.String("UserID", userID), zap.Int64("Epoch", next.Epoch))
			return nil
		}
	}
}

type reservationState int

const (
	reservationPending reservationState = iota
	reservationConfirmed
	reservationRolledBack
)

// Reservation 是一个已占用但尚未确认的配额
type Reservation struct {
	gate   *UsageGate
	userID string
	kind   UsageKind
	record UsageRecord

	mu    sync.Mutex
	state reservationState
}

// Record 返回占用之后的记录
func (r *Reservation) Record() UsageRecord {
	return r.record
}

// Confirm 在受限操作成功后调用
func (r *Reservation) Confirm() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == reservationPending {
		r.state = reservationConfirmed
	}
}

// Rollback 在受限操作失败后释放配额. 期间发生过重置时不做任何事
func (r *Reservation) Rollback(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != reservationPending {
		return nil
	}
	r.state = reservationRolledBack

	store := r.gate.store
	for {
		record, err := store.Get(ctx, r.userID)
		if err != nil {
			return upstreamError("usage store unavailable", err)
		}

		used := record.Count(r.kind)
		if record.Epoch != r.record.Epoch || used == 0 {
			return nil
		}

		swapped, err := store.CompareAndSwap(ctx, record, record.withCount(r.kind, used-1))
		if err != nil {
			return upstreamError("usage store unavailable", err)
		}
		if swapped {
			r.gate.logger.Debug(
				"配额已回滚",
				zap.String("UserID", r.userID),
				zap.String("Kind", string(r.kind)),
			)
			return nil
		}
	}
}
