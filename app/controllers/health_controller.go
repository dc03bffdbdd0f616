package controllers

import (
	"github.com/aihub/rag-service/internal/database"
	"github.com/aihub/rag-service/internal/knowledge"
)

// HealthController 健康检查控制器
type HealthController struct {
	BaseController
	Index    *knowledge.IndexHandle
	Checkers []*database.HealthChecker
}

// NewHealthController 创建健康检查控制器，checkers 为已启动的依赖检查器
func NewHealthController(index *knowledge.IndexHandle, checkers ...*database.HealthChecker) *HealthController {
	return &HealthController{Index: index, Checkers: checkers}
}

// Health GET /health
func (c *HealthController) Health() {
	deps := make([]database.HealthCheckResult, 0, len(c.Checkers))
	for _, checker := range c.Checkers {
		deps = append(deps, checker.GetHealthResult())
	}

	c.Data["json"] = map[string]interface{}{
		"status":       "ok",
		"index_ready":  c.Index != nil && c.Index.Ready(),
		"dependencies": deps,
	}
	_ = c.ServeJSON()
}
