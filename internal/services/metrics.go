package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 查询结果分类
const (
	OutcomeAnswered     = "answered"
	OutcomeNoResults    = "no_results"
	OutcomeLowRelevance = "low_relevance"
	OutcomeError        = "error"
)

// PipelineMetrics RAG 流水线的 Prometheus 指标。nil 接收者上的方法都是空操作
type PipelineMetrics struct {
	ingestsCounter     *prometheus.CounterVec
	chunksIndexed      prometheus.Counter
	queriesCounter     *prometheus.CounterVec
	retrievalDuration  prometheus.Histogram
	ingestDuration     prometheus.Histogram
	inflightIngestions prometheus.Gauge
}

// NewPipelineMetrics 在 reg 上注册指标，reg 为 nil 时使用默认注册表
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PipelineMetrics{
		ingestsCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_ingestions_total",
				Help: "Total number of document ingestions by final status",
			},
			[]string{"status"}, // completed, failed, rejected
		),
		chunksIndexed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_chunks_indexed_total",
			Help: "Total number of chunks written to the vector index",
		}),
		queriesCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_queries_total",
				Help: "Total number of queries by outcome",
			},
			[]string{"outcome"},
		),
		retrievalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_retrieval_duration_seconds",
			Help:    "Duration of embedding plus vector search",
			Buckets: prometheus.DefBuckets,
		}),
		ingestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_ingestion_duration_seconds",
			Help:    "Duration of a full document ingestion",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		inflightIngestions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rag_ingestions_inflight",
			Help: "Number of ingestions currently running",
		}),
	}
}

// IngestStarted 记录一次入库开始
func (m *PipelineMetrics) IngestStarted() {
	if m == nil {
		return
	}
	m.inflightIngestions.Inc()
}

// IngestFinished 记录入库结束
func (m *PipelineMetrics) IngestFinished(status string, chunks int, duration time.Duration) {
	if m == nil {
		return
	}
	m.inflightIngestions.Dec()
	m.ingestsCounter.WithLabelValues(status).Inc()
	if chunks > 0 {
		m.chunksIndexed.Add(float64(chunks))
	}
	m.ingestDuration.Observe(duration.Seconds())
}

// IngestRejected 并发重复入库被拒绝
func (m *PipelineMetrics) IngestRejected() {
	if m == nil {
		return
	}
	m.ingestsCounter.WithLabelValues("rejected").Inc()
}

// ObserveRetrieval 记录检索耗时
func (m *PipelineMetrics) ObserveRetrieval(duration time.Duration) {
	if m == nil {
		return
	}
	m.retrievalDuration.Observe(duration.Seconds())
}

// RecordQuery 记录查询结果分类
func (m *PipelineMetrics) RecordQuery(outcome string) {
	if m == nil {
		return
	}
	m.queriesCounter.WithLabelValues(outcome).Inc()
}
