package chainsense

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind 描述错误的类别, 传输层依据它决定返回码
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindAuthorization
	KindNotFound
	KindUpstream
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not-found"
	case KindUpstream:
		return "upstream"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// DenialReason 是配额拒绝的机器可读原因
type DenialReason string

const (
	ReasonNoWallet      DenialReason = "no-wallet"
	ReasonLimitExceeded DenialReason = "limit-exceeded"
)

// 对外的固定提示, 客户端会匹配 MsgLimitExceeded 来触发支付流程
const (
	MsgLimitExceeded   = "Usage limit exceeded. Please make a payment."
	MsgSaveNeedsWallet = "Wallet connection required to save data."
	MsgLoadNeedsWallet = "Wallet connection required to load data."
	MsgSaveUsage       = "Please provide a password: /save password"
	MsgLoadUsage       = "Please provide both CID and password: /load CID password"
	MsgLoadFailed      = "Error loading memory. Check CID and password."
	MsgLoadUnavailable = "Failed to load memory. Please try again later."
	MsgSaveFailed      = "Failed to save memory."
	MsgChatFailed      = "Error communicating with AI"
	MsgTxNotFound      = "Transaction not found"
	MsgVerifyFailed    = "Failed to verify transaction."
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrContentNotFound     = errors.New("content not found")
	ErrDecode              = errors.New("cannot decode content")
)

// Error 是所有请求级错误的统一类型
type Error struct {
	Kind      ErrorKind
	Message   string
	Reason    DenialReason
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func denial(reason DenialReason, msg string) *Error {
	return &Error{Kind: KindAuthorization, Reason: reason, Message: msg}
}

// upstreamError 包装外部调用的失败, 超时被标记为可重试
func upstreamError(msg string, err error) *Error {
	return &Error{
		Kind:      KindUpstream,
		Message:   msg,
		Retryable: errors.Is(err, context.DeadlineExceeded),
		Err:       err,
	}
}

// AsError 取出 err 链中的 *Error, 没有时归为上游错误
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return upstreamError("internal error", err)
}

// IsDenial 判断 err 是否是指定原因的配额拒绝
func IsDenial(err error, reason DenialReason) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAuthorization && e.Reason == reason
}
