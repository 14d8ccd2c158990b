// Package api provides HTTP middleware for API handling
// 这个包提供 HTTP 中间件用于 API 处理
package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/types"
)

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// RequestID middleware adds a unique request ID to each request, keeping one sent by the client
// RequestID 中间件为每个请求添加唯一 ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// ErrorHandler answers requests whose handlers attached an error with c.Error
// ErrorHandler 中间件处理请求处理过程中发生的错误
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		log.WithError(err).WithField("path", c.Request.URL.Path).Warn("请求处理失败")
		FromError(c, err)
	}
}

// RecoveryMiddleware handles panics and converts them to errors
// RecoveryMiddleware 处理 panic 并转换为错误
func RecoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Panic recovered: %v", r)
				ErrorWithDetails(c, types.ErrInternalError, "Internal server error", "A panic occurred")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// CORSMiddleware adds CORS headers for cross-origin requests.
// An empty list or "*" allows every origin; other entries must carry a scheme.
// CORSMiddleware 添加 CORS 头用于跨域请求
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", RequestIDHeader},
		ExposeHeaders: []string{RequestIDHeader},
		MaxAge:        24 * time.Hour,
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

// LoggerMiddleware logs request information. Streaming endpoints are logged when they close.
// LoggerMiddleware 记录请求信息
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		entry := log.WithFields(map[string]interface{}{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"query":     c.Request.URL.RawQuery,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"requestId": c.GetString(requestIDKey),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("API 请求失败")
			return
		}
		entry.Debug("API 请求")
	}
}
