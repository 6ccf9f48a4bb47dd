package chainsense

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"
)

// 交易成功时 status 字段的取值
const txStatusOK = "ok"

// Transaction 是账本返回的交易记录
type Transaction struct {
	Hash   string
	Status string
	From   string
	To     string
	Value  string
}

// Ledger 查询链上交易, 记录不存在时返回 ErrTransactionNotFound
type Ledger interface {
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)
}

// Reason 是一项未通过的验证条件
type Reason string

const (
	ReasonStatusNotOK       Reason = "status-not-ok"
	ReasonRecipientMismatch Reason = "recipient-mismatch"
	ReasonSenderMismatch    Reason = "sender-mismatch"
	ReasonAmountMismatch    Reason = "amount-mismatch"
)

// VerificationResult 是一次支付验证的结果
type VerificationResult struct {
	Success bool
	Reasons []Reason
	Details map[string]string
}

// Has 判断结果中是否包含指定原因
func (r VerificationResult) Has(reason Reason) bool {
	for _, got := range r.Reasons {
		if got == reason {
			return true
		}
	}
	return false
}

// PaymentVerifier 验证一笔交易是否满足收款地址, 付款地址, 金额和状态
type PaymentVerifier struct {
	ledger    Ledger
	recipient string
	amount    *big.Int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewPaymentVerifier 创建验证器, amount 是十进制的最小单位金额 (例如 wei)
func NewPaymentVerifier(ledger Ledger, recipient, amount string, timeout time.Duration, logger *zap.Logger) (*PaymentVerifier, error) {
	if recipient == "" {
		return nil, errors.New("required recipient is empty")
	}
	required, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok {
		return nil, fmt.Errorf("required amount %q is not a base-10 integer", amount)
	}
	return &PaymentVerifier{
		ledger:    ledger,
		recipient: recipient,
		amount:    required,
		timeout:   timeout,
		logger:    logger.Named("PaymentVerifier"),
	}, nil
}

// Verify 拉取交易并逐项比较, 没有副作用, 可以安全地重复调用
func (v *PaymentVerifier) Verify(ctx context.Context, txHash, claimedSender string) (VerificationResult, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	tx, err := v.ledger.GetTransaction(ctx, txHash)
	if errors.Is(err, ErrTransactionNotFound) || (err == nil && tx == nil) {
		return VerificationResult{}, &Error{Kind: KindNotFound, Message: MsgTxNotFound, Err: ErrTransactionNotFound}
	}
	if err != nil {
		v.logger.Error("查询交易失败", zap.String("TxHash", txHash), zap.Error(err))
		return VerificationResult{}, upstreamError(MsgVerifyFailed, err)
	}

	result := v.check(tx, claimedSender)
	v.logger.Info(
		"交易验证完成",
		zap.String("TxHash", txHash),
		zap.String("UserID", claimedSender),
		zap.Bool("Success", result.Success),
		zap.Any("Reasons", result.Reasons),
	)
	return result, nil
}

func (v *PaymentVerifier) check(tx *Transaction, claimedSender string) VerificationResult {
	statusOK := tx.Status == txStatusOK
	recipientOK := strings.EqualFold(tx.To, v.recipient)
	senderOK := tx.From != "" && strings.EqualFold(tx.From, claimedSender)
	value, parsed := new(big.Int).SetString(strings.TrimSpace(tx.Value), 10)
	amountOK := parsed && value.Cmp(v.amount) == 0

	result := VerificationResult{Details: map[string]string{
		"status":    mark(statusOK, "✅ OK", "❌ NOT OK"),
		"recipient": mark(recipientOK, "✅ Correct", "❌ Incorrect"),
		"sender":    mark(senderOK, "✅ Correct", "❌ Incorrect"),
		"amount":    mark(amountOK, "✅ Correct", "❌ Incorrect"),
	}}
	if !statusOK {
		result.Reasons = append(result.Reasons, ReasonStatusNotOK)
	}
	if !recipientOK {
		result.Reasons = append(result.Reasons, ReasonRecipientMismatch)
	}
	if !senderOK {
		result.Reasons = append(result.Reasons, ReasonSenderMismatch)
	}
	if !amountOK {
		result.Reasons = append(result.Reasons, ReasonAmountMismatch)
	}
	result.Success = len(result.Reasons) == 0
	return result
}

func mark(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
