// Package errors 提供带错误码的领域错误类型。
//
// 调用方通过 Code 区分错误类别（传输、协议、配置等），
// 而不是匹配错误字符串。
package errors

import (
	stderrors "errors"
)

// Code 机器可读的错误码
type Code string

const (
	// CodeUnknown 未分类错误
	CodeUnknown Code = "UNKNOWN"

	// CodeTransport 进程启动失败、SSE 打开失败、HTTP 非 2xx 等
	CodeTransport Code = "TRANSPORT"
	// CodeProtocol JSON-RPC error 对象，或空/畸形响应
	CodeProtocol Code = "PROTOCOL"
	// CodeDiscovery tools/list 或 resources/list 失败（在连接内部被吸收）
	CodeDiscovery Code = "DISCOVERY"
	// CodeToolInvocation tools/call 失败或返回 isError
	CodeToolInvocation Code = "TOOL_INVOCATION"
	// CodeConfiguration 未知的 server/target/tool，或配置非法
	CodeConfiguration Code = "CONFIGURATION"
	// CodeSecurityDeclined 用户拒绝启动动态服务
	CodeSecurityDeclined Code = "SECURITY_DECLINED"
	// CodePersistence 磁盘读写失败
	CodePersistence Code = "PERSISTENCE"
	// CodeUnavailable 功能不可用（例如解释器缺失）
	CodeUnavailable Code = "UNAVAILABLE"
)

// Error 带错误码和元数据的领域错误
type Error struct {
	Code     Code              // 错误码
	Message  string            // 面向日志的消息
	Metadata map[string]string // 附加上下文（server_id、tool 等）
	Cause    error             // 被包装的底层错误
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap 返回底层错误，支持 errors.Is / errors.As 链式匹配
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New 创建简单的领域错误
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata 创建带元数据的领域错误
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap 创建包装底层错误的领域错误
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapWithMetadata 创建同时带元数据和底层错误的领域错误
func WrapWithMetadata(code Code, message string, metadata map[string]string, cause error) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
		Cause:    cause,
	}
}

// CodeOf 返回错误链上第一个领域错误的错误码，找不到时返回 CodeUnknown
func CodeOf(err error) Code {
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否存在指定错误码
func HasCode(err error, code Code) bool {
	return stderrors.Is(err, &Error{Code: code})
}
