package middleware

import (
	"time"

	"github.com/beego/beego/v2/server/web/context"
	"go.uber.org/zap"

	"github.com/aihub/rag-service/internal/logger"
)

const requestStartKey = "requestStart"

// RequestStartFilter 在路由前记录开始时间
func RequestStartFilter(ctx *context.Context) {
	ctx.Input.SetData(requestStartKey, time.Now())
}

// RequestLogFilter 请求结束后记录访问日志
func RequestLogFilter(ctx *context.Context) {
	fields := []zap.Field{
		zap.String("method", ctx.Input.Method()),
		zap.String("path", ctx.Input.URL()),
		zap.Int("status", ctx.ResponseWriter.Status),
		zap.String("ip", ctx.Input.IP()),
	}
	if start, ok := ctx.Input.GetData(requestStartKey).(time.Time); ok {
		fields = append(fields, zap.Duration("latency", time.Since(start)))
	}
	logger.Info("HTTP request", fields...)
}
