package services

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService 暴露 /metrics
type MetricsService struct {
	gatherer prometheus.Gatherer
}

// NewMetricsService 创建指标服务，gatherer 为 nil 时使用默认注册表
func NewMetricsService(gatherer prometheus.Gatherer) *MetricsService {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &MetricsService{gatherer: gatherer}
}

// Handler 返回Prometheus指标的HTTP处理器
func (ms *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(ms.gatherer, promhttp.HandlerOpts{})
}

// ServeHTTP 实现http.Handler接口
func (ms *MetricsService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ms.Handler().ServeHTTP(w, r)
}
