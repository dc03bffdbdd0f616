package middleware

import (
	"net/http"

	"github.com/beego/beego/v2/server/web/context"
)

// CORSMiddleware CORS中间件；allowedOrigins 为空时回显任意来源
func CORSMiddleware(allowedOrigins ...string) func(*context.Context) {
	return func(ctx *context.Context) {
		origin := ctx.Input.Header("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			ctx.Output.Header("Access-Control-Allow-Origin", origin)
			ctx.Output.Header("Vary", "Origin")
		}

		ctx.Output.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		ctx.Output.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		ctx.Output.Header("Access-Control-Max-Age", "3600")

		// 处理OPTIONS预检请求
		if ctx.Input.Method() == http.MethodOptions {
			ctx.Output.SetStatus(http.StatusNoContent)
			_ = ctx.Output.Body([]byte(""))
		}
	}
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
