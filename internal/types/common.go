// Package types provides the API envelope and error codes shared by the HTTP layer
// 这个包提供 HTTP 层共享的响应格式和错误码
package types

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents unified error codes
// 统一的错误码定义
type ErrorCode string

const (
	ErrModelNotFound        ErrorCode = "MODEL_NOT_FOUND"
	ErrNotFound             ErrorCode = "NOT_FOUND"
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrDownloadActive       ErrorCode = "DOWNLOAD_ACTIVE"
	ErrInsufficientStorage  ErrorCode = "INSUFFICIENT_STORAGE"
	ErrIntegrityCheckFailed ErrorCode = "INTEGRITY_CHECK_FAILED"
	ErrSourceUnavailable    ErrorCode = "SOURCE_UNAVAILABLE"
	ErrServiceUnavailable   ErrorCode = "SERVICE_UNAVAILABLE"
	ErrTimeout              ErrorCode = "TIMEOUT"
	ErrInternalError        ErrorCode = "INTERNAL_ERROR"
)

// String returns the string representation of the error code
func (e ErrorCode) String() string {
	return string(e)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error
func (e ErrorCode) HTTPStatusCode() int {
	switch e {
	case ErrModelNotFound, ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrDownloadActive:
		return http.StatusConflict
	case ErrInsufficientStorage:
		return http.StatusInsufficientStorage
	case ErrIntegrityCheckFailed:
		return http.StatusUnprocessableEntity
	case ErrSourceUnavailable:
		return http.StatusBadGateway
	case ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorInfo represents detailed error information
// 错误详细信息
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// Error returns a formatted error message
func (e *ErrorInfo) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ResponseMeta represents metadata included in API responses
// API 响应元数据
type ResponseMeta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId"`
}

// NewResponseMeta creates a new ResponseMeta with current timestamp
func NewResponseMeta(requestID string) *ResponseMeta {
	return &ResponseMeta{
		Timestamp: time.Now().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// ApiResponse represents a unified API response format
// 统一的 API 响应格式，支持泛型类型
type ApiResponse[T any] struct {
	Success  bool          `json:"success"`
	Data     T             `json:"data,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Metadata *ResponseMeta `json:"metadata,omitempty"`
}

// NewSuccessResponse creates a successful API response
func NewSuccessResponse[T any](data T, requestID string) *ApiResponse[T] {
	return &ApiResponse[T]{
		Success:  true,
		Data:     data,
		Metadata: NewResponseMeta(requestID),
	}
}

// NewErrorResponse creates an error API response
func NewErrorResponse(code ErrorCode, message, details, requestID string) *ApiResponse[struct{}] {
	return &ApiResponse[struct{}]{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
		Metadata: NewResponseMeta(requestID),
	}
}

// ListResponse wraps a list with its size and the limit applied
// 列表响应格式
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
	Limit int `json:"limit,omitempty"`
}

// NewListResponse never returns a nil Items slice so clients always see an array
func NewListResponse[T any](items []T, limit int) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items), Limit: limit}
}
