// Package api provides unified response building utilities for API handlers
// 这个包提供统一的响应构建工具，用于 API 处理器
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/registry"
	"github.com/shepherd-project/modelfetch/internal/service"
	"github.com/shepherd-project/modelfetch/internal/types"
)

const requestIDKey = "requestId"

// getRequestID gets the request ID from context, returns "unknown" if not set
func getRequestID(c *gin.Context) string {
	if requestID := c.GetString(requestIDKey); requestID != "" {
		return requestID
	}
	return "unknown"
}

// Success sends a successful API response with data
// 发送成功响应，携带数据
func Success[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(data, getRequestID(c)))
}

// Accepted sends an accepted response for work that continues in the background
// 发送已接受响应（用于异步操作）
func Accepted[T any](c *gin.Context, data T) {
	c.JSON(http.StatusAccepted, types.NewSuccessResponse(data, getRequestID(c)))
}

// Error sends an error API response
// 发送错误响应
func Error(c *gin.Context, code types.ErrorCode, message string) {
	ErrorWithDetails(c, code, message, "")
}

// ErrorWithDetails sends an error API response with details
// 发送带详情的错误响应
func ErrorWithDetails(c *gin.Context, code types.ErrorCode, message, details string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponse(code, message, details, getRequestID(c)))
}

// BadRequest sends a bad request error response
func BadRequest(c *gin.Context, message string) {
	Error(c, types.ErrInvalidRequest, message)
}

// NotFound sends a not found error response
func NotFound(c *gin.Context, resource string) {
	Error(c, types.ErrNotFound, resource+" not found")
}

// FromError maps a domain error onto its error code and sends it
// 根据领域错误选择错误码
func FromError(c *gin.Context, err error) {
	code := CodeOf(err)
	if code == types.ErrInternalError {
		ErrorWithDetails(c, code, "Internal server error", err.Error())
		return
	}
	Error(c, code, err.Error())
}

// CodeOf classifies an error returned by the download service
func CodeOf(err error) types.ErrorCode {
	var integrityErr *download.IntegrityError
	var info *types.ErrorInfo

	switch {
	case errors.As(err, &info):
		return info.Code
	case errors.Is(err, registry.ErrModelNotFound):
		return types.ErrModelNotFound
	case errors.Is(err, service.ErrNoDownload):
		return types.ErrNotFound
	case errors.Is(err, download.ErrAlreadyActive):
		return types.ErrDownloadActive
	case errors.Is(err, download.ErrInsufficientSpace):
		return types.ErrInsufficientStorage
	case errors.As(err, &integrityErr):
		return types.ErrIntegrityCheckFailed
	case errors.Is(err, download.ErrSourcesExhausted):
		return types.ErrSourceUnavailable
	case errors.Is(err, service.ErrClosed), errors.Is(err, download.ErrManagerClosed):
		return types.ErrServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	default:
		return types.ErrInternalError
	}
}
