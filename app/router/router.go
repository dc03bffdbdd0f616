package router

import (
	"github.com/beego/beego/v2/server/web"

	"github.com/aihub/rag-service/app/controllers"
	"github.com/aihub/rag-service/app/middleware"
)

// Controllers 路由使用的控制器实例
type Controllers struct {
	Health    *controllers.HealthController
	Documents *controllers.DocumentController
	Query     *controllers.QueryController
	Metrics   *controllers.MetricsController
}

// Options 路由可选项
type Options struct {
	MetricsPath    string
	AllowedOrigins []string
}

// Register 在给定的 ControllerRegister 上注册全部路由
func Register(handler *web.ControllerRegister, ctrls Controllers, opts Options) {
	_ = handler.InsertFilter("/*", web.BeforeRouter, middleware.CORSMiddleware(opts.AllowedOrigins...))
	_ = handler.InsertFilter("/*", web.BeforeRouter, middleware.RequestStartFilter)
	_ = handler.InsertFilter("/*", web.FinishRouter, middleware.RequestLogFilter, web.WithReturnOnOutput(false))

	handler.Add("/health", ctrls.Health, web.WithRouterMethods(ctrls.Health, "get:Health"))

	// 文档上传与入库状态
	handler.Add("/api/upload", ctrls.Documents, web.WithRouterMethods(ctrls.Documents, "post:Upload"))
	handler.Add("/api/status/:file_id", ctrls.Documents, web.WithRouterMethods(ctrls.Documents, "get:Status"))
	handler.Add("/api/documents", ctrls.Documents, web.WithRouterMethods(ctrls.Documents, "get:List"))

	// 问答
	handler.Add("/api/query", ctrls.Query, web.WithRouterMethods(ctrls.Query, "post:Query"))
	handler.Add("/api/query/stream", ctrls.Query, web.WithRouterMethods(ctrls.Query, "post:Stream"))

	if ctrls.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		handler.Add(path, ctrls.Metrics, web.WithRouterMethods(ctrls.Metrics, "get:Metrics"))
	}
}

// Init registers all routes on the global beego app. Must be called after bootstrap.
func Init(ctrls Controllers, opts Options) {
	Register(web.BeeApp.Handlers, ctrls, opts)
}
