package model

import (
	"errors"
	"fmt"
)

// 摄取 RPC 的终态错误码。两者都表示"本次尝试结束"：
// INVALID_ARGUMENT 不会消耗序列号，INTERNAL 可能已消耗（产生空洞），
// 调用方带同一 clientMsgId 重试即可幂等收敛。
const (
	CodeOK              = "OK"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInternal        = "INTERNAL"
)

// IngestError 带错误码的摄取错误
type IngestError struct {
	Code    string
	Message string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidArgument 构造校验错误（发生在任何副作用之前）
func NewInvalidArgument(format string, args ...any) *IngestError {
	return &IngestError{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NewInternal 构造内部错误（存储或中间件故障）
func NewInternal(format string, args ...any) *IngestError {
	return &IngestError{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// CodeOf 提取错误码，未携带错误码的一律归为 INTERNAL
func CodeOf(err error) string {
	if err == nil {
		return CodeOK
	}
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return CodeInternal
}
