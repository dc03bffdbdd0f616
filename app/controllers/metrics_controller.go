package controllers

import (
	"github.com/beego/beego/v2/server/web"

	"github.com/aihub/rag-service/internal/services"
)

// MetricsController 指标控制器
type MetricsController struct {
	web.Controller
	MetricsService *services.MetricsService
}

// NewMetricsController 创建指标控制器
func NewMetricsController(metricsService *services.MetricsService) *MetricsController {
	return &MetricsController{MetricsService: metricsService}
}

// Metrics 返回Prometheus格式的指标
func (c *MetricsController) Metrics() {
	c.MetricsService.ServeHTTP(c.Ctx.ResponseWriter, c.Ctx.Request)
}
