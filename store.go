package chainsense

import (
	"context"
	"errors"
	"slices"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBStore 是基于gorm的持久化实现, 同时满足 UsageStore, ReceiptStore 和 HistoryStore
type DBStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDBStore 创建基于gorm的存储并迁移表结构
func NewDBStore(db *gorm.DB, logger *zap.Logger) (*DBStore, error) {
	s := &DBStore{db: db, logger: logger.Named("Store")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DBStore) migrate() error {
	return s.db.AutoMigrate(&usageRecord{}, &receiptRecord{}, &historyRecord{}, &memoryRecord{})
}

func (s *DBStore) Get(ctx context.Context, userID string) (UsageRecord, error) {
	record, err := gorm.G[usageRecord](s.db).Where("user_id = ?", userID).First(ctx)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// 并发的首次引用只会有一方插入成功, 之后统一重读
		err = s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&usageRecord{UserID: userID}).Error
		if err != nil {
			return UsageRecord{}, err
		}
		record, err = gorm.G[usageRecord](s.db).Where("user_id = ?", userID).First(ctx)
	}
	if err != nil {
		return UsageRecord{}, err
	}

	return UsageRecord{
		UserID:    record.UserID,
		SaveCount: record.SaveCount,
		LoadCount: record.LoadCount,
		Epoch:     record.Epoch,
	}, nil
}

func (s *DBStore) Peek(ctx context.Context, userID string) (UsageRecord, error) {
	record, err := gorm.G[usageRecord](s.db).Where("user_id = ?", userID).First(ctx)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UsageRecord{UserID: userID}, nil
	}
	if err != nil {
		return UsageRecord{}, err
	}
	return UsageRecord{
		UserID:    record.UserID,
		SaveCount: record.SaveCount,
		LoadCount: record.LoadCount,
		Epoch:     record.Epoch,
	}, nil
}

func (s *DBStore) Put(ctx context.Context, record UsageRecord) error {
	if _, err := s.Get(ctx, record.UserID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&usageRecord{}).
		Where("user_id = ?", record.UserID).
		Updates(map[string]any{
			"save_count": record.SaveCount,
			"load_count": record.LoadCount,
			"epoch":      record.Epoch,
		}).Error
}

func (s *DBStore) CompareAndSwap(ctx context.Context, old, next UsageRecord) (bool, error) {
	result := s.db.WithContext(ctx).Model(&usageRecord{}).
		Where(
			"user_id = ? AND save_count = ? AND load_count = ? AND epoch = ?",
			old.UserID, old.SaveCount, old.LoadCount, old.Epoch,
		).
		Updates(map[string]any{
			"save_count": next.SaveCount,
			"load_count": next.LoadCount,
			"epoch":      next.Epoch,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *DBStore) Redeem(ctx context.Context, txHash, userID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&receiptRecord{TxHash: strings.ToLower(txHash), UserID: userID})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Release 物理删除收据, 软删除的行仍占着唯一索引
func (s *DBStore) Release(ctx context.Context, txHash string) error {
	return s.db.WithContext(ctx).Unscoped().
		Where("tx_hash = ?", strings.ToLower(txHash)).
		Delete(&receiptRecord{}).Error
}

// LoadSession 读取最近 maxRounds 轮对话和全部记忆, maxRounds<=0 时不限制
func (s *DBStore) LoadSession(ctx context.Context, userID string, maxRounds int) ([]Turn, string, error) {
	query := gorm.G[historyRecord](s.db).Where("user_id = ?", userID).Order("id DESC")
	if maxRounds > 0 {
		query = query.Limit(maxRounds)
	}
	historyRecords, err := query.Find(ctx)
	if err != nil {
		return nil, "", err
	}

	turns := make([]Turn, 0, len(historyRecords))
	for _, record := range historyRecords {
		turns = append(turns, Turn{User: record.UserText, AI: record.AIText})
	}
	slices.Reverse(turns)

	memoryRecords, err := gorm.G[memoryRecord](s.db).Where("user_id = ?", userID).Order("id ASC").Find(ctx)
	if err != nil {
		return nil, "", err
	}
	var memory strings.Builder
	for _, record := range memoryRecords {
		memory.WriteString(record.String())
	}

	s.logger.Info(
		"加载会话历史完成",
		zap.String("UserID", userID),
		zap.Int("Turns", len(turns)),
		zap.Int("MemoryChunks", len(memoryRecords)),
		zap.Int("MaxRounds", maxRounds),
	)

	return turns, memory.String(), nil
}

func (s *DBStore) AppendTurn(ctx context.Context, userID string, turn Turn) error {
	return gorm.G[historyRecord](s.db).Create(ctx, &historyRecord{
		UserID:   userID,
		UserText: turn.User,
		AIText:   turn.AI,
	})
}

func (s *DBStore) AppendMemory(ctx context.Context, userID string, memory string) error {
	return gorm.G[memoryRecord](s.db).Create(ctx, &memoryRecord{UserID: userID, Memory: memory})
}
