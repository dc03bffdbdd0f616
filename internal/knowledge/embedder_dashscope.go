package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aihub/rag-service/internal/dashscope"
)

// DashScopeEmbedder 使用阿里云DashScope Embedding API
type DashScopeEmbedder struct {
	service    *dashscope.Service
	model      string
	dimensions int
}

var dashscopeEmbeddingDimensions = map[string]int{
	"text-embedding-v1": 1536,
	"text-embedding-v2": 1536,
	"text-embedding-v3": 1024,
	"text-embedding-v4": 1024,
}

// DashScope 单次请求最多 10 条输入
const dashscopeEmbeddingBatch = 10

// NewDashScopeEmbedder 创建DashScope嵌入向量生成器
func NewDashScopeEmbedder(service *dashscope.Service, model string) Embedder {
	if !service.Ready() {
		return &NoopEmbedder{}
	}
	if model == "" || strings.HasPrefix(model, "text-embedding-3") {
		model = "text-embedding-v2"
	}

	dims, ok := dashscopeEmbeddingDimensions[model]
	if !ok {
		dims = 1536
	}

	return &DashScopeEmbedder{
		service:    service,
		model:      model,
		dimensions: dims,
	}
}

func (e *DashScopeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text is empty")
	}
	vectors, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *DashScopeEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if !e.service.Ready() {
		return nil, errors.New("dashscope service not initialized")
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += dashscopeEmbeddingBatch {
		end := start + dashscopeEmbeddingBatch
		if end > len(texts) {
			end = len(texts)
		}

		req := dashscope.EmbeddingRequest{
			Model:          e.model,
			Input:          texts[start:end],
			EncodingFormat: "float",
		}
		// v3/v4 支持自定义维度
		if e.model == "text-embedding-v3" || e.model == "text-embedding-v4" {
			dims := e.dimensions
			req.Dimensions = &dims
		}

		resp, err := e.service.CreateEmbeddings(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("embedding request failed: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), end-start)
		}

		for i, item := range resp.Data {
			idx := item.Index
			if idx < 0 || idx >= end-start {
				idx = i
			}
			vec := make([]float32, len(item.Embedding))
			for j, v := range item.Embedding {
				vec[j] = float32(v)
			}
			out[start+idx] = vec
		}
	}
	return out, nil
}

func (e *DashScopeEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *DashScopeEmbedder) Ready() bool {
	return e.service.Ready()
}
