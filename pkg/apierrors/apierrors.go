package apierrors

import (
	"errors"
	"fmt"
)

// Code 表示统一业务错误码。
type Code string

const (
	CodeInvalidPhrase     Code = "INVALID_PHRASE"
	CodeExtensionNotFound Code = "EXTENSION_NOT_FOUND"
	CodeNoActiveSession   Code = "NO_ACTIVE_SESSION"
	CodeRelayTimeout      Code = "RELAY_TIMEOUT"
	CodeUserRejected      Code = "USER_REJECTED"
	CodeBroadcastRejected Code = "BROADCAST_REJECTED"
	CodeSigningDeclined   Code = "SIGNING_DECLINED"
	CodeDerivationFailure Code = "DERIVATION_FAILURE"

	// 以下两个仅用于 HTTP 接口层。
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeInternal        Code = "INTERNAL"
)

var httpStatusMap = map[Code]int{
	CodeInvalidPhrase:     400,
	CodeInvalidArgument:   400,
	CodeExtensionNotFound: 424,
	CodeNoActiveSession:   409,
	CodeRelayTimeout:      504,
	CodeUserRejected:      403,
	CodeSigningDeclined:   403,
	CodeBroadcastRejected: 422,
	CodeDerivationFailure: 500,
}

// Error 表示带统一错误码的业务错误。
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New 创建一个新的业务错误。
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf 按格式化消息创建业务错误。
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 用错误码包装底层错误，消息沿用底层错误原文。
func Wrap(code Code, cause error) *Error {
	if cause == nil {
		return New(code, string(code))
	}
	return &Error{Code: code, Message: cause.Error(), cause: cause}
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Unwrap 暴露底层错误。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code && (other.Message == "" || other.Message == e.Message)
}

// FromError 尝试从通用 error 中解析业务错误。
func FromError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// CodeOf 返回错误码，非业务错误返回 CodeInternal。
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if apiErr, ok := FromError(err); ok {
		return apiErr.Code
	}
	return CodeInternal
}

// HasCode 判断错误链上是否存在指定错误码。
func HasCode(err error, code Code) bool {
	apiErr, ok := FromError(err)
	return ok && apiErr.Code == code
}

// HTTPStatus 返回对应的 HTTP 状态码，未知错误默认 500。
func HTTPStatus(code Code) int {
	if status, ok := httpStatusMap[code]; ok {
		return status
	}
	return 500
}

// UserRecoverable 标记错误是否可以由用户重新发起操作来恢复。
// 核心逻辑从不自动重试。
func UserRecoverable(code Code) bool {
	switch code {
	case CodeRelayTimeout, CodeUserRejected, CodeSigningDeclined, CodeNoActiveSession, CodeBroadcastRejected:
		return true
	default:
		return false
	}
}
