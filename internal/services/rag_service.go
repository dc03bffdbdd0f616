package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-service/internal/errors"
	"github.com/aihub/rag-service/internal/knowledge"
	"github.com/aihub/rag-service/internal/logger"
)

// 查询无法正常回答时返回给用户的固定文案
const (
	MessageNoResults        = "I don't have any relevant information from your uploaded PDFs to answer this question. Please try a different question related to the PDF content."
	MessageSearchFailed     = "I encountered an error while searching for relevant information. Please try again."
	MessageGenerationFailed = "I encountered an error while generating the answer. Please try again."

	messageLowRelevance = "While I found some content in your PDFs, it doesn't seem directly relevant to your question (relevance: %d%%). Please try a different question related to the PDF content."
)

// LowRelevanceMessage 相关性不足时的文案
func LowRelevanceMessage(percentage int) string {
	return fmt.Sprintf(messageLowRelevance, percentage)
}

// QueryRequest 查询请求
type QueryRequest struct {
	Query        string `json:"query" validate:"required"`
	K            int    `json:"k,omitempty" validate:"gte=0,lte=50"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// QueryResponse 非流式查询结果
type QueryResponse struct {
	Answer              string                   `json:"answer"`
	Sources             []knowledge.SearchResult `json:"sources"`
	Answerable          bool                     `json:"answerable"`
	RelevancePercentage int                      `json:"relevance_percentage"`
}

// StreamingAnswer 来源列表先于 token 流可用
type StreamingAnswer struct {
	Sources []knowledge.SearchResult
	Stream  <-chan StreamItem
}

// RAGService 组合检索和回答生成，负责降级文案
type RAGService struct {
	retrieval *RetrievalService
	answers   *AnswerService
	metrics   *PipelineMetrics
}

// NewRAGService 创建问答服务
func NewRAGService(retrieval *RetrievalService, answers *AnswerService, metrics *PipelineMetrics) *RAGService {
	return &RAGService{retrieval: retrieval, answers: answers, metrics: metrics}
}

// retrieve 返回检索结果；不可回答时返回降级文案
func (s *RAGService) retrieve(ctx context.Context, req QueryRequest) (*Retrieval, string, error) {
	retrieval, err := s.retrieval.Retrieve(ctx, req.Query, req.K)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeValidationFailed) {
			return nil, "", err
		}
		logger.Error("Retrieval failed", zap.String("query", req.Query), zap.Error(err))
		s.metrics.RecordQuery(OutcomeError)
		return nil, MessageSearchFailed, nil
	}

	if !retrieval.Answerable {
		if retrieval.Candidates == 0 {
			s.metrics.RecordQuery(OutcomeNoResults)
			return retrieval, MessageNoResults, nil
		}
		s.metrics.RecordQuery(OutcomeLowRelevance)
		return retrieval, LowRelevanceMessage(retrieval.RelevancePercentage), nil
	}
	return retrieval, "", nil
}

// Query 非流式问答。除参数校验外不返回错误，失败时 Answer 为降级文案
func (s *RAGService) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, apperrors.NewValidationError("query must not be empty")
	}

	retrieval, fallback, err := s.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := &QueryResponse{Sources: []knowledge.SearchResult{}}
	if retrieval != nil {
		resp.RelevancePercentage = retrieval.RelevancePercentage
	}
	if fallback != "" {
		resp.Answer = fallback
		return resp, nil
	}

	resp.Sources = retrieval.Results
	resp.Answerable = true
	answer, err := s.answers.Complete(ctx, req.Query, retrieval.Results, req.SystemPrompt)
	if err != nil {
		logger.Error("Answer generation failed", zap.Error(err))
		s.metrics.RecordQuery(OutcomeError)
		resp.Answer = MessageGenerationFailed
		return resp, nil
	}
	s.metrics.RecordQuery(OutcomeAnswered)
	resp.Answer = answer
	return resp, nil
}

// StreamQuery 流式问答。降级时流中只有一条文案和 Done
func (s *RAGService) StreamQuery(ctx context.Context, req QueryRequest) (*StreamingAnswer, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, apperrors.NewValidationError("query must not be empty")
	}

	retrieval, fallback, err := s.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	if fallback != "" {
		return &StreamingAnswer{
			Sources: []knowledge.SearchResult{},
			Stream:  SingleMessageStream(ctx, fallback),
		}, nil
	}

	s.metrics.RecordQuery(OutcomeAnswered)
	return &StreamingAnswer{
		Sources: retrieval.Results,
		Stream:  s.answers.Synthesize(ctx, req.Query, retrieval.Results, req.SystemPrompt),
	}, nil
}
