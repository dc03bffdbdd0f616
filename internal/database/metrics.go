package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// PoolStatsSource 提供连接池统计，*sql.DB 直接满足
type PoolStatsSource interface {
	Stats() sql.DBStats
}

// MetricsCollector 连接池指标收集器
type MetricsCollector struct {
	source          PoolStatsSource
	logger          *logrus.Logger
	collectInterval time.Duration

	dbConnectionsGauge *prometheus.GaugeVec
	dbWaitDuration     prometheus.Gauge
}

// NewMetricsCollector 创建指标收集器，reg 为 nil 时注册到默认注册表
func NewMetricsCollector(source PoolStatsSource, reg prometheus.Registerer, logger *logrus.Logger) *MetricsCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	factory := promauto.With(reg)

	return &MetricsCollector{
		source:          source,
		logger:          logger,
		collectInterval: 15 * time.Second, // 默认15秒收集一次
		dbConnectionsGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rag_database_connections",
				Help: "Number of database connections in different states",
			},
			[]string{"state"}, // idle, in_use, open, wait_count
		),
		dbWaitDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rag_database_wait_duration_seconds",
			Help: "Total time blocked waiting for a new connection",
		}),
	}
}

// Start 定期收集，ctx 取消后退出
func (mc *MetricsCollector) Start(ctx context.Context) {
	mc.logger.Info("Starting database metrics collection")

	go func() {
		ticker := time.NewTicker(mc.collectInterval)
		defer ticker.Stop()

		mc.Collect()
		for {
			select {
			case <-ticker.C:
				mc.Collect()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Collect 采集一次连接池统计
func (mc *MetricsCollector) Collect() {
	stats := mc.source.Stats()

	mc.dbConnectionsGauge.WithLabelValues("idle").Set(float64(stats.Idle))
	mc.dbConnectionsGauge.WithLabelValues("in_use").Set(float64(stats.InUse))
	mc.dbConnectionsGauge.WithLabelValues("open").Set(float64(stats.OpenConnections))
	mc.dbConnectionsGauge.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
	mc.dbWaitDuration.Set(stats.WaitDuration.Seconds())

	mc.logger.WithFields(logrus.Fields{
		"idle":   stats.Idle,
		"in_use": stats.InUse,
		"open":   stats.OpenConnections,
		"wait":   stats.WaitCount,
	}).Debug("Database connection pool stats collected")
}
