package chainsense

import "gorm.io/gorm"

type usageRecord struct {
	gorm.Model

	UserID    string `gorm:"uniqueIndex;not null"`
	SaveCount int    `gorm:"not null;default:0"`
	LoadCount int    `gorm:"not null;default:0"`
	Epoch     int64  `gorm:"not null;default:0"`
}

type receiptRecord struct {
	gorm.Model

	TxHash string `gorm:"uniqueIndex;not null"`
	UserID string `gorm:"not null"`
}

type historyRecord struct {
	gorm.Model

	UserID   string `gorm:"index;not null"`
	UserText string
	AIText   string
}

type memoryRecord struct {
	gorm.Model

	UserID string `gorm:"index;not null"`
	Memory string
}

func (m memoryRecord) String() string {
	return m.Memory
}

// blobRecord 存储密封后的内容, CID是密文的摘要
type blobRecord struct {
	gorm.Model

	CID      string `gorm:"column:cid;uniqueIndex;not null"`
	Filename string
	MimeType string
	UserID   string `gorm:"index"`
	Size     int
	Sealed   []byte
}
