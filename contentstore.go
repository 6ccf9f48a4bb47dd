package chainsense

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UploadMeta 仅用于存储端自己的记录, 读取时只依赖CID
type UploadMeta struct {
	Filename string
	MimeType string
	UserID   string
}

// ContentStore 上传和下载加密内容. 口令只在单次调用内使用
type ContentStore interface {
	Upload(ctx context.Context, data []byte, password string, meta UploadMeta) (string, error)
	Download(ctx context.Context, cid, password string) (io.ReadCloser, error)
}

// BlobStore 把密封后的内容存进数据库, CID 是密文的 SHA-256
type BlobStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewBlobStore(db *gorm.DB, logger *zap.Logger) (*BlobStore, error) {
	if err := db.AutoMigrate(&blobRecord{}); err != nil {
		return nil, err
	}
	return &BlobStore{db: db, logger: logger.Named("BlobStore")}, nil
}

func (s *BlobStore) Upload(ctx context.Context, data []byte, password string, meta UploadMeta) (string, error) {
	sealed, err := seal(password, data)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(sealed)
	cid := hex.EncodeToString(sum[:])

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&blobRecord{
			CID:      cid,
			Filename: meta.Filename,
			MimeType: meta.MimeType,
			UserID:   meta.UserID,
			Size:     len(data),
			Sealed:   sealed,
		}).Error
	if err != nil {
		return "", err
	}

	s.logger.Info(
		"内容已上传",
		zap.String("CID", cid),
		zap.String("Filename", meta.Filename),
		zap.Int("Size", len(data)),
		zap.Int("SealedSize", len(sealed)),
	)
	return cid, nil
}

func (s *BlobStore) Download(ctx context.Context, cid, password string) (io.ReadCloser, error) {
	record, err := gorm.G[blobRecord](s.db).Where("cid = ?", cid).First(ctx)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrContentNotFound
	}
	if err != nil {
		return nil, err
	}

	return unseal(password, record.Sealed)
}
