package chainsense

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const DefaultBlockscoutURL = "https://blockscout.taurus.autonomys.xyz/api/v2"

// BlockscoutLedger 通过 Blockscout v2 API 查询交易
type BlockscoutLedger struct {
	baseURL string
	client  *http.Client
}

// NewBlockscoutLedger 创建客户端, client 为 nil 时使用带超时的默认客户端
func NewBlockscoutLedger(baseURL string, client *http.Client) *BlockscoutLedger {
	if baseURL == "" {
		baseURL = DefaultBlockscoutURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &BlockscoutLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (l *BlockscoutLedger) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	endpoint := fmt.Sprintf("%s/transactions/%s", l.baseURL, url.PathEscape(hash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Blockscout 对格式错误的哈希返回 422
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, ErrTransactionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blockscout: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("blockscout: read body: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("blockscout: invalid json body")
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() || !doc.Get("hash").Exists() {
		return nil, ErrTransactionNotFound
	}

	return &Transaction{
		Hash:   doc.Get("hash").String(),
		Status: doc.Get("status").String(),
		From:   doc.Get("from.hash").String(),
		To:     doc.Get("to.hash").String(),
		Value:  doc.Get("value").String(),
	}, nil
}
