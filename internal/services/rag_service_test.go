package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/rag-service/internal/errors"
	"github.com/aihub/rag-service/internal/knowledge"
	"github.com/aihub/rag-service/internal/storage"
)

type ragFixture struct {
	ingestion *IngestionService
	rag       *RAGService
	chat      *scriptedChat
	store     *storage.LocalStore
	metrics   *PipelineMetrics
	chunker   *knowledge.Chunker
}

func newRAGFixture(t *testing.T, handle *knowledge.IndexHandle) *ragFixture {
	t.Helper()
	chunker, err := knowledge.NewChunker(1000, 200)
	require.NoError(t, err)

	embedder := &hashEmbedder{}
	metrics := NewPipelineMetrics(prometheus.NewRegistry())
	store := storage.NewLocalStore(t.TempDir())
	chat := &scriptedChat{tokens: []string{"According to ", "the guide, ", "yes."}}

	ingestion := NewIngestionService(NewDocumentLoader(store, nil), chunker, embedder, handle, nil,
		IngestionOptions{Metrics: metrics})
	retrieval := NewRetrievalService(embedder, handle, RetrievalOptions{TopK: 5, RelevanceThreshold: Threshold(0.5), MinSources: 3}, metrics)
	rag := NewRAGService(retrieval, NewAnswerService(chat, ""), metrics)

	return &ragFixture{ingestion: ingestion, rag: rag, chat: chat, store: store, metrics: metrics, chunker: chunker}
}

func (f *ragFixture) ingest(t *testing.T, name, display, text string) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), name, strings.NewReader(text), int64(len(text))))
	_, err := f.ingestion.Ingest(context.Background(), name, display)
	require.NoError(t, err)
}

func (f *ragFixture) queries(outcome string) float64 {
	return testutil.ToFloat64(f.metrics.queriesCounter.WithLabelValues(outcome))
}

func TestRAGService_EmptyCollection(t *testing.T) {
	handle, _ := newMemoryHandle(t)
	f := newRAGFixture(t, handle)

	answer, err := f.rag.StreamQuery(context.Background(), QueryRequest{Query: "What is covered?"})
	require.NoError(t, err)
	assert.Empty(t, answer.Sources)

	items := drain(t, answer.Stream)
	require.Len(t, items, 2)
	assert.Equal(t, MessageNoResults, items[0].Text)
	assertSingleDone(t, items)

	resp, err := f.rag.Query(context.Background(), QueryRequest{Query: "What is covered?"})
	require.NoError(t, err)
	assert.Equal(t, MessageNoResults, resp.Answer)
	assert.False(t, resp.Answerable)
	assert.Equal(t, 2.0, f.queries(OutcomeNoResults))
	assert.Empty(t, f.chat.Messages())
}

func TestRAGService_EndToEnd(t *testing.T) {
	handle, _ := newMemoryHandle(t)
	f := newRAGFixture(t, handle)

	text := corpusText(2500)
	f.ingest(t, "ab12cd34_guide.txt", "guide.txt", text)

	windows := f.chunker.SplitText(text)
	require.Len(t, windows, 4)

	answer, err := f.rag.StreamQuery(context.Background(), QueryRequest{Query: windows[2]})
	require.NoError(t, err)
	require.Len(t, answer.Sources, 3)
	assert.Equal(t, "guide.txt (Section 3)", answer.Sources[0].Source)
	assert.Equal(t, windows[2], answer.Sources[0].Text)
	for i := 1; i < len(answer.Sources); i++ {
		assert.GreaterOrEqual(t, answer.Sources[i-1].Score, answer.Sources[i].Score)
	}

	items := drain(t, answer.Stream)
	var tokens []string
	for _, item := range items {
		if item.Kind == StreamToken {
			tokens = append(tokens, item.Text)
		}
	}
	assert.Equal(t, "According to the guide, yes.", strings.Join(tokens, ""))
	assertSingleDone(t, items)

	messages := f.chat.Messages()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[1].Content, "[Document 1] Source: guide.txt (Section 3)\n"+windows[2])
	assert.True(t, strings.HasSuffix(messages[1].Content, "Question: "+windows[2]+"\n\nAnswer:"))
	assert.Equal(t, 1.0, f.queries(OutcomeAnswered))
}

func TestRAGService_LowRelevance(t *testing.T) {
	handle, _ := newMemoryHandle(t)
	f := newRAGFixture(t, handle)
	f.ingest(t, "ab12cd34_guide.txt", "guide.txt", corpusText(1500))

	resp, err := f.rag.Query(context.Background(), QueryRequest{Query: "zebra migration patterns", K: 3})
	require.NoError(t, err)
	assert.False(t, resp.Answerable)
	assert.Empty(t, resp.Sources)
	assert.Equal(t, LowRelevanceMessage(resp.RelevancePercentage), resp.Answer)
	assert.True(t, strings.HasPrefix(resp.Answer, "While I found some content in your PDFs"))
	assert.Equal(t, 1.0, f.queries(OutcomeLowRelevance))
}

func TestRAGService_SearchFailure(t *testing.T) {
	f := newRAGFixture(t, failingHandle())

	resp, err := f.rag.Query(context.Background(), QueryRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Equal(t, MessageSearchFailed, resp.Answer)

	answer, err := f.rag.StreamQuery(context.Background(), QueryRequest{Query: "anything"})
	require.NoError(t, err)
	items := drain(t, answer.Stream)
	assert.Equal(t, MessageSearchFailed, items[0].Text)
	assertSingleDone(t, items)
	assert.Equal(t, 2.0, f.queries(OutcomeError))
}

func TestRAGService_GenerationFailure(t *testing.T) {
	handle, _ := newMemoryHandle(t)
	f := newRAGFixture(t, handle)
	text := corpusText(900)
	f.ingest(t, "ab12cd34_guide.txt", "guide.txt", text)
	f.chat.err = errors.New("model overloaded")

	resp, err := f.rag.Query(context.Background(), QueryRequest{Query: text})
	require.NoError(t, err)
	assert.Equal(t, MessageGenerationFailed, resp.Answer)
	assert.Len(t, resp.Sources, 1)

	answer, err := f.rag.StreamQuery(context.Background(), QueryRequest{Query: text})
	require.NoError(t, err)
	items := drain(t, answer.Stream)
	require.Len(t, items, 2)
	assert.Equal(t, ErrorItem(MessageGenerationFailed), items[0])
	assertSingleDone(t, items)
}

func TestRAGService_EmptyQuery(t *testing.T) {
	handle, _ := newMemoryHandle(t)
	f := newRAGFixture(t, handle)

	_, err := f.rag.Query(context.Background(), QueryRequest{Query: " "})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))
	_, err = f.rag.StreamQuery(context.Background(), QueryRequest{})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))
}
