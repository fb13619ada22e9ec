package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// 错误码常量
const (
	// 成功
	ErrCodeSuccess = 0

	// 请求错误 (400xx)
	ErrCodeInvalidRequest = 40000 // 无效请求
	ErrCodeInvalidKey     = 40001 // 公钥无法解析
	ErrCodeInvalidUsage   = 40002 // 不支持的证书用途

	// 资源错误 (404xx)
	ErrCodeNotFound     = 40400 // 资源不存在
	ErrCodeCertNotFound = 40401 // 证书不存在
	ErrCodePVNotFound   = 40402 // 状态 PV 不存在

	// 冲突 (409xx)
	ErrCodeAlreadyRevoked = 40901 // 证书已吊销

	// 限流错误 (429xx)
	ErrCodeRateLimited = 42900 // 签发限流

	// 服务错误 (500xx/503xx)
	ErrCodeInternal       = 50000 // 内部错误
	ErrCodeSigningFailed  = 50001 // 签名失败
	ErrCodeServiceUnavail = 50301 // 服务不可用
)

// Error PVA CMS 协议错误
type Error struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error 实现 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// NewError 创建新错误
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError 包装已有错误
func WrapError(code int, err error) *Error {
	return &Error{
		Code:    code,
		Message: err.Error(),
		Details: make(map[string]interface{}),
	}
}

// WithDetails 添加详细信息
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatus 错误码对应的 HTTP 状态码（错误码前三位）
func (e *Error) HTTPStatus() int {
	status := e.Code / 100
	if status < 400 || status > 599 {
		return http.StatusInternalServerError
	}
	return status
}

// CodeOf 提取错误链中的协议错误码，非协议错误返回 ErrCodeInternal
func CodeOf(err error) int {
	if err == nil {
		return ErrCodeSuccess
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeInternal
}
