package services

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-service/internal/errors"
	"github.com/aihub/rag-service/internal/knowledge"
	"github.com/aihub/rag-service/internal/logger"
)

const fingerprintRunes = 100

// Retrieval 一次检索的结果
type Retrieval struct {
	Results             []knowledge.SearchResult `json:"results"`
	RelevancePercentage int                      `json:"relevance_percentage"`
	MaxScore            float64                  `json:"max_score"`
	Candidates          int                      `json:"candidates"`
	Answerable          bool                     `json:"answerable"`
}

// DefaultRelevanceThreshold 未配置阈值时使用
const DefaultRelevanceThreshold = 0.5

// RetrievalOptions 检索参数
type RetrievalOptions struct {
	TopK int
	// RelevanceThreshold 为 nil 时取默认值；0 表示只要有结果就可回答
	RelevanceThreshold *float64
	MinSources         int
}

// Threshold 构造 RelevanceThreshold 字段值
func Threshold(v float64) *float64 {
	return &v
}

func (o RetrievalOptions) withDefaults() RetrievalOptions {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.RelevanceThreshold == nil || *o.RelevanceThreshold < 0 {
		o.RelevanceThreshold = Threshold(DefaultRelevanceThreshold)
	}
	if o.MinSources <= 0 {
		o.MinSources = 3
	}
	return o
}

// RetrievalService 查询向量化、近邻检索、相关性判断和来源多样化
type RetrievalService struct {
	embedder knowledge.Embedder
	index    *knowledge.IndexHandle
	metrics  *PipelineMetrics

	mu   sync.RWMutex
	opts RetrievalOptions
}

// NewRetrievalService 创建检索服务
func NewRetrievalService(embedder knowledge.Embedder, index *knowledge.IndexHandle, opts RetrievalOptions, metrics *PipelineMetrics) *RetrievalService {
	return &RetrievalService{
		embedder: embedder,
		index:    index,
		metrics:  metrics,
		opts:     opts.withDefaults(),
	}
}

// SetOptions 更新检索参数
func (s *RetrievalService) SetOptions(opts RetrievalOptions) {
	s.mu.Lock()
	s.opts = opts.withDefaults()
	s.mu.Unlock()
}

// Options 当前检索参数
func (s *RetrievalService) Options() RetrievalOptions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// Retrieve 检索与 query 最相关的 k 个分块；k <= 0 时使用配置的 TopK。
// 没有结果或最高分低于阈值时 Answerable 为 false，这不是错误
func (s *RetrievalService) Retrieve(ctx context.Context, query string, k int) (*Retrieval, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.NewValidationError("query must not be empty")
	}
	opts := s.Options()
	if k <= 0 {
		k = opts.TopK
	}

	start := time.Now()
	results, err := s.search(ctx, query, k)
	s.metrics.ObserveRetrieval(time.Since(start))
	if err != nil {
		return nil, err
	}

	answerable, maxScore, percentage := EvaluateRelevance(results, *opts.RelevanceThreshold)
	retrieval := &Retrieval{
		Results:             []knowledge.SearchResult{},
		RelevancePercentage: percentage,
		MaxScore:            maxScore,
		Candidates:          len(results),
		Answerable:          answerable,
	}
	if !answerable {
		logger.Info("Query below relevance threshold",
			zap.Int("results", len(results)),
			zap.Float64("max_score", maxScore),
			zap.Int("relevance", percentage))
		return retrieval, nil
	}

	retrieval.Results = Diversify(results, opts.MinSources)
	logger.Debug("Retrieved sources",
		zap.Int("candidates", len(results)),
		zap.Int("selected", len(retrieval.Results)),
		zap.Float64("max_score", maxScore))
	return retrieval, nil
}

func (s *RetrievalService) search(ctx context.Context, query string, k int) ([]knowledge.SearchResult, error) {
	if s.embedder == nil || !s.embedder.Ready() {
		return nil, apperrors.NewProviderError("embedding", knowledge.ErrEmbedderNotConfigured)
	}
	vector, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, apperrors.NewProviderError("embedding", err)
	}

	index, err := s.index.Get(ctx)
	if err != nil {
		return nil, apperrors.NewVectorIndexError("connect", err)
	}
	results, err := index.Search(ctx, vector, k)
	if err != nil {
		return nil, apperrors.NewVectorIndexError("search", err)
	}
	return results, nil
}

// EvaluateRelevance 返回是否可回答、最高分以及平均分的百分比（四舍五入）
func EvaluateRelevance(results []knowledge.SearchResult, threshold float64) (bool, float64, int) {
	if len(results) == 0 {
		return false, 0, 0
	}
	maxScore := math.Inf(-1)
	var sum float64
	for _, r := range results {
		sum += r.Score
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	percentage := int(math.Round(sum / float64(len(results)) * 100))
	return maxScore >= threshold, maxScore, percentage
}

// Diversify 每个文档只保留得分最高的分块；不足 minSources 时按得分补入其他分块，
// 用前 100 个字符作为指纹跳过重复内容。结果按得分降序
func Diversify(results []knowledge.SearchResult, minSources int) []knowledge.SearchResult {
	if len(results) == 0 {
		return []knowledge.SearchResult{}
	}

	ranked := make([]knowledge.SearchResult, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	selected := make([]knowledge.SearchResult, 0, len(ranked))
	taken := make([]bool, len(ranked))
	seenSource := make(map[string]bool)
	seenText := make(map[string]bool)

	for i, r := range ranked {
		base := knowledge.BaseSource(r.Source)
		if seenSource[base] {
			continue
		}
		seenSource[base] = true
		seenText[fingerprint(r.Text)] = true
		selected = append(selected, r)
		taken[i] = true
	}

	for i, r := range ranked {
		if len(selected) >= minSources {
			break
		}
		if taken[i] {
			continue
		}
		fp := fingerprint(r.Text)
		if seenText[fp] {
			continue
		}
		seenText[fp] = true
		selected = append(selected, r)
		taken[i] = true
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Score > selected[j].Score
	})
	return selected
}

func fingerprint(text string) string {
	runes := []rune(text)
	if len(runes) > fingerprintRunes {
		runes = runes[:fingerprintRunes]
	}
	return string(runes)
}
