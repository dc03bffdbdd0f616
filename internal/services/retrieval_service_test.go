package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/rag-service/internal/errors"
	"github.com/aihub/rag-service/internal/knowledge"
)

func searchHit(source, text string, score float64) knowledge.SearchResult {
	return knowledge.SearchResult{Source: source, Text: text, Score: score}
}

func TestEvaluateRelevance(t *testing.T) {
	tests := []struct {
		name       string
		scores     []float64
		answerable bool
		percentage int
	}{
		{"empty", nil, false, 0},
		{"one strong hit", []float64{0.9, 0.3}, true, 60},
		{"all weak", []float64{0.4, 0.3}, false, 35},
		{"exactly at threshold", []float64{0.5}, true, 50},
		{"rounds to nearest", []float64{0.456, 0.3}, false, 38},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []knowledge.SearchResult
			for _, s := range tt.scores {
				results = append(results, searchHit("doc.pdf", "text", s))
			}
			answerable, _, percentage := EvaluateRelevance(results, 0.5)
			assert.Equal(t, tt.answerable, answerable)
			assert.Equal(t, tt.percentage, percentage)
		})
	}
}

func TestDiversify_TwoDocuments(t *testing.T) {
	results := []knowledge.SearchResult{
		searchHit("A.pdf (Section 1)", "alpha one", 0.91),
		searchHit("A.pdf (Section 2)", "alpha two", 0.88),
		searchHit("A.pdf (Section 3)", "alpha three", 0.85),
		searchHit("B.pdf (Section 1)", "beta one", 0.70),
		searchHit("B.pdf (Section 4)", "beta four", 0.65),
	}

	got := Diversify(results, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "A.pdf (Section 1)", got[0].Source)
	assert.Equal(t, "A.pdf (Section 2)", got[1].Source)
	assert.Equal(t, "B.pdf (Section 1)", got[2].Source)
}

func TestDiversify_ManyDocumentsKeepsBestPerDocument(t *testing.T) {
	results := []knowledge.SearchResult{
		searchHit("A.pdf (Section 1)", "a1", 0.95),
		searchHit("B.pdf (Section 2)", "b2", 0.90),
		searchHit("A.pdf (Section 5)", "a5", 0.89),
		searchHit("C.pdf", "c", 0.80),
		searchHit("D.pdf (Section 3)", "d3", 0.60),
	}

	got := Diversify(results, 3)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
	sources := make(map[string]bool)
	for _, r := range got {
		base := knowledge.BaseSource(r.Source)
		assert.False(t, sources[base], "duplicate document %s", base)
		sources[base] = true
	}
}

func TestDiversify_BackfillSkipsDuplicateText(t *testing.T) {
	long := corpusText(150)
	results := []knowledge.SearchResult{
		searchHit("A.pdf (Section 1)", long, 0.9),
		searchHit("A.pdf (Section 2)", long[:100]+"different tail", 0.8),
		searchHit("A.pdf (Section 3)", "something else", 0.7),
	}

	got := Diversify(results, 3)
	require.Len(t, got, 2)
	assert.Equal(t, "A.pdf (Section 1)", got[0].Source)
	assert.Equal(t, "A.pdf (Section 3)", got[1].Source)
}

func TestDiversify_SingleResultAndEmpty(t *testing.T) {
	assert.Empty(t, Diversify(nil, 3))
	got := Diversify([]knowledge.SearchResult{searchHit("x.txt", "only", 0.7)}, 3)
	assert.Len(t, got, 1)
}

func TestRetrievalService_Retrieve(t *testing.T) {
	ctx := context.Background()
	handle, store := newMemoryHandle(t)
	embedder := &hashEmbedder{}

	index, err := handle.Get(ctx)
	require.NoError(t, err)

	texts := []string{
		"the quick brown fox jumps over the lazy dog",
		"solar panels convert sunlight into electricity",
		"rust prevents data races at compile time",
	}
	var points []knowledge.Point
	for i, text := range texts {
		vec, err := embedder.EmbedOne(ctx, text)
		require.NoError(t, err)
		points = append(points, knowledge.Point{
			Vector: vec,
			Payload: knowledge.ChunkPayload(knowledge.Chunk{
				Text: text, Source: "notes.txt", FileID: "ab12cd34", ChunkIndex: i, TotalChunks: len(texts),
			}),
		})
	}
	_, err = index.Upsert(ctx, points)
	require.NoError(t, err)
	require.Equal(t, 3, store.Count())

	service := NewRetrievalService(embedder, handle, RetrievalOptions{TopK: 3}, nil)
	retrieval, err := service.Retrieve(ctx, "solar panels convert sunlight into electricity", 0)
	require.NoError(t, err)
	require.True(t, retrieval.Answerable)
	assert.InDelta(t, 1.0, retrieval.MaxScore, 1e-6)
	assert.Equal(t, "notes.txt (Section 2)", retrieval.Results[0].Source)
	assert.Equal(t, texts[1], retrieval.Results[0].Text)

	retrieval, err = service.Retrieve(ctx, "completely unrelated zebra vocabulary", 3)
	require.NoError(t, err)
	assert.False(t, retrieval.Answerable)
	assert.Empty(t, retrieval.Results)
}

func TestRetrievalService_ThresholdOptions(t *testing.T) {
	ctx := context.Background()
	handle, _ := newMemoryHandle(t)
	embedder := &hashEmbedder{}

	index, err := handle.Get(ctx)
	require.NoError(t, err)
	vec, err := embedder.EmbedOne(ctx, "solar panels convert sunlight")
	require.NoError(t, err)
	_, err = index.Upsert(ctx, []knowledge.Point{{
		Vector:  vec,
		Payload: knowledge.ChunkPayload(knowledge.Chunk{Text: "solar panels convert sunlight", Source: "notes.txt", FileID: "ab12cd34"}),
	}})
	require.NoError(t, err)

	service := NewRetrievalService(embedder, handle, RetrievalOptions{}, nil)
	require.NotNil(t, service.Options().RelevanceThreshold)
	assert.Equal(t, DefaultRelevanceThreshold, *service.Options().RelevanceThreshold)

	retrieval, err := service.Retrieve(ctx, "completely unrelated zebra vocabulary", 3)
	require.NoError(t, err)
	assert.False(t, retrieval.Answerable)

	// 阈值 0 不会被替换成默认值
	service.SetOptions(RetrievalOptions{RelevanceThreshold: Threshold(0)})
	assert.Equal(t, 0.0, *service.Options().RelevanceThreshold)
	retrieval, err = service.Retrieve(ctx, "completely unrelated zebra vocabulary", 3)
	require.NoError(t, err)
	assert.True(t, retrieval.Answerable)
	require.Len(t, retrieval.Results, 1)
}

func TestRetrievalService_Errors(t *testing.T) {
	ctx := context.Background()
	handle, _ := newMemoryHandle(t)

	service := NewRetrievalService(&hashEmbedder{}, handle, RetrievalOptions{}, nil)
	_, err := service.Retrieve(ctx, "  ", 3)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))

	service = NewRetrievalService(&hashEmbedder{err: errors.New("timeout")}, handle, RetrievalOptions{}, nil)
	_, err = service.Retrieve(ctx, "question", 3)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProvider))

	service = NewRetrievalService(&hashEmbedder{}, failingHandle(), RetrievalOptions{}, nil)
	_, err = service.Retrieve(ctx, "question", 3)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeVectorIndex))
}

func TestRetrievalService_EmptyCollection(t *testing.T) {
	handle, _ := newMemoryHandle(t)
	service := NewRetrievalService(&hashEmbedder{}, handle, RetrievalOptions{}, nil)

	retrieval, err := service.Retrieve(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.False(t, retrieval.Answerable)
	assert.Zero(t, retrieval.RelevancePercentage)
	assert.Empty(t, retrieval.Results)
}
