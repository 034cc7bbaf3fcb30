package middleware

import (
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/relay/gateway/observability"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader HTTP header 中请求 ID 的键
const RequestIDHeader = "X-Request-ID"

// Logger 返回一个请求日志中间件
// 记录请求方法、路径、状态码、耗时、客户端 IP 等
func Logger(logger clog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 为请求建立 span，trace 信息随 Context 传播
		ctx, endSpan := observability.StartSpan(c.Request.Context(), "http "+c.FullPath())
		defer endSpan()
		c.Request = c.Request.WithContext(ctx)

		// 2. 生成请求 ID
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("RequestID", requestID)
		c.Header(RequestIDHeader, requestID)

		// 3. 记录开始时间
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// 4. 处理请求
		c.Next()

		// 5. 计算耗时
		latency := time.Since(start)
		observability.RecordHTTPRequestDuration(ctx, latency)

		// 6. 构建日志字段
		fields := []clog.Field{
			clog.String("request_id", requestID),
			clog.String("method", c.Request.Method),
			clog.String("path", path),
			clog.String("query", query),
			clog.Int("status", c.Writer.Status()),
			clog.String("client_ip", c.ClientIP()),
			clog.Duration("latency", latency),
		}

		// 7. 根据状态码选择日志级别
		// 使用 InfoContext 以便自动提取 Context 中的 trace_id
		switch {
		case c.Writer.Status() >= 500:
			observability.RecordHTTPError(ctx)
			logger.ErrorContext(ctx, "server error", fields...)
		case c.Writer.Status() >= 400:
			logger.WarnContext(ctx, "client error", fields...)
		default:
			logger.InfoContext(ctx, "request", fields...)
		}
	}
}
