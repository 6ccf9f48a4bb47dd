package chainsense

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testRecipient = "0xAbC0000000000000000000000000000000000001"
	testAmount    = "1000000000000000"
	testWallet    = "0xUser1"
)

// testDB 在临时目录里打开一个 sqlite 数据库
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func testDBStore(t *testing.T) *DBStore {
	t.Helper()
	store, err := NewDBStore(testDB(t), zap.NewNop())
	if err != nil {
		t.Fatalf("new db store: %v", err)
	}
	return store
}

// fakeContentStore 是内存里的 ContentStore, 口令不匹配时返回 ErrDecode
type fakeContentStore struct {
	mu        sync.Mutex
	blobs     map[string]fakeBlob
	uploadErr error
	uploads   int
}

type fakeBlob struct {
	data     []byte
	password string
	meta     UploadMeta
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{blobs: make(map[string]fakeBlob)}
}

func (f *fakeContentStore) Upload(_ context.Context, data []byte, password string, meta UploadMeta) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads++
	cid := fmt.Sprintf("cid-%d", f.uploads)
	f.blobs[cid] = fakeBlob{data: append([]byte(nil), data...), password: password, meta: meta}
	return cid, nil
}

func (f *fakeContentStore) Download(ctx context.Context, cid, password string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, ok := f.blobs[cid]
	if !ok {
		return nil, ErrContentNotFound
	}
	if blob.password != password {
		return nil, ErrDecode
	}
	return io.NopCloser(bytes.NewReader(blob.data)), nil
}

func (f *fakeContentStore) put(cid, password string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[cid] = fakeBlob{data: data, password: password}
}

// fakeLedger 返回固定的交易
type fakeLedger struct {
	mu    sync.Mutex
	txs   map[string]*Transaction
	err   error
	calls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{txs: make(map[string]*Transaction)}
}

func (f *fakeLedger) GetTransaction(_ context.Context, hash string) (*Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	tx, ok := f.txs[hash]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	copied := *tx
	return &copied, nil
}

func validTx(hash, from string) *Transaction {
	return &Transaction{
		Hash:   hash,
		Status: "ok",
		From:   from,
		To:     "0xabc0000000000000000000000000000000000001",
		Value:  testAmount,
	}
}

// fakeInference 记录收到的消息并返回固定回复
type fakeInference struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests [][]Message
}

func (f *fakeInference) Complete(ctx context.Context, messages []Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, append([]Message(nil), messages...))
	if f.err != nil {
		return "", f.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.reply, nil
}

func (f *fakeInference) last() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

type testApp struct {
	app       *Chainsense
	content   *fakeContentStore
	ledger    *fakeLedger
	inference *fakeInference
	usage     UsageStore
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	return newTestAppWith(t, NewMemoryUsageStore(), NewMemoryReceiptStore())
}

func newTestAppWith(t *testing.T, usage UsageStore, receipts ReceiptStore) *testApp {
	t.Helper()

	logger := zap.NewNop()
	content := newFakeContentStore()
	ledger := newFakeLedger()
	inference := &fakeInference{reply: "hello from AI"}

	verifier, err := NewPaymentVerifier(ledger, testRecipient, testAmount, 0, logger)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	cfg := DefaultConfig()
	cfg.RateLimit = 0
	app := New(context.Background(), logger, Components{
		Inference:     inference,
		Gate:          NewUsageGate(usage, cfg.Limits, logger),
		Verifier:      verifier,
		Receipts:      receipts,
		Conversations: NewConversationStore(content, nil, ConversationOptions{}, logger),
	}, cfg)

	return &testApp{app: app, content: content, ledger: ledger, inference: inference, usage: usage}
}

func errorKind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// flakyUsageStore 在 casErr 非空时让 CompareAndSwap 失败
type flakyUsageStore struct {
	*MemoryUsageStore

	mu     sync.Mutex
	casErr error
}

func (f *flakyUsageStore) setCASErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casErr = err
}

func (f *flakyUsageStore) CompareAndSwap(ctx context.Context, old, next UsageRecord) (bool, error) {
	f.mu.Lock()
	err := f.casErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.MemoryUsageStore.CompareAndSwap(ctx, old, next)
}
