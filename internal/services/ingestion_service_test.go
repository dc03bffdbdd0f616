package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/rag-service/internal/errors"
	"github.com/aihub/rag-service/internal/kafka"
	"github.com/aihub/rag-service/internal/knowledge"
	"github.com/aihub/rag-service/internal/storage"
)

type ingestionFixture struct {
	service   *IngestionService
	store     *storage.LocalStore
	index     *knowledge.MemoryVectorStore
	publisher *recordingPublisher
}

func newIngestionFixture(t *testing.T, embedder knowledge.Embedder) *ingestionFixture {
	t.Helper()
	chunker, err := knowledge.NewChunker(1000, 200)
	require.NoError(t, err)

	handle, index := newMemoryHandle(t)
	store := storage.NewLocalStore(t.TempDir())
	publisher := &recordingPublisher{}

	service := NewIngestionService(
		NewDocumentLoader(store, nil),
		chunker,
		embedder,
		handle,
		NewProcessingRegistry(nil),
		IngestionOptions{MaxParallel: 2, Publisher: publisher},
	)
	return &ingestionFixture{service: service, store: store, index: index, publisher: publisher}
}

func (f *ingestionFixture) save(t *testing.T, name, text string) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), name, strings.NewReader(text), int64(len(text))))
}

func TestDeriveFileID(t *testing.T) {
	assert.Equal(t, "ab12cd34", DeriveFileID("ab12cd34_guide.pdf", "guide.pdf"))
	assert.Equal(t, "ab12cd34", DeriveFileID("uploads/ab12cd34_my_guide.pdf", "my_guide.pdf"))

	// 没有前缀时由展示名决定，结果稳定
	id := DeriveFileID("guide.pdf", "guide.pdf")
	assert.Len(t, id, 8)
	assert.Equal(t, id, DeriveFileID("other/guide.pdf", "guide.pdf"))
	assert.NotEqual(t, id, DeriveFileID("notes.pdf", "notes.pdf"))
}

func TestIngestionService_Ingest(t *testing.T) {
	f := newIngestionFixture(t, &hashEmbedder{})
	f.save(t, "ab12cd34_guide.txt", corpusText(2500))

	result, err := f.service.Ingest(context.Background(), "ab12cd34_guide.txt", "guide.txt")
	require.NoError(t, err)
	assert.Equal(t, "ab12cd34", result.FileID)
	assert.Equal(t, "guide.txt", result.Filename)
	assert.Equal(t, 4, result.NumChunks)
	assert.Len(t, result.ChunkIDs, 4)

	points := collectPoints(t, f.index)
	require.Len(t, points, 4)
	for i, point := range points {
		meta := knowledge.ResolveMetadata(point.Payload)
		assert.Equal(t, knowledge.MetadataNested, meta.Kind)
		assert.Equal(t, "guide.txt", meta.Source(point.Payload))
		assert.Equal(t, "ab12cd34", meta.FileID())
		idx, ok := meta.ChunkIndex()
		require.True(t, ok)
		assert.Equal(t, i, idx)
		total, _ := meta.TotalChunks()
		assert.Equal(t, 4, total)
		assert.Equal(t, result.ChunkIDs[i], point.ID)
	}

	record, ok := f.service.GetStatus(context.Background(), "ab12cd34")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, 4, record.NumChunks)

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "completed", events[0].Status)
	assert.Equal(t, 4, events[0].NumChunks)
}

func TestIngestionService_MissingSource(t *testing.T) {
	f := newIngestionFixture(t, &hashEmbedder{})

	_, err := f.service.Ingest(context.Background(), "deadbeef_missing.txt", "missing.txt")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound))

	_, ok := f.service.GetStatus(context.Background(), "deadbeef")
	assert.False(t, ok)
	assert.Empty(t, f.publisher.Events())
}

func TestIngestionService_SequentialReingestReplacesPoints(t *testing.T) {
	f := newIngestionFixture(t, &hashEmbedder{})
	f.save(t, "ab12cd34_guide.txt", corpusText(2500))

	_, err := f.service.Ingest(context.Background(), "ab12cd34_guide.txt", "guide.txt")
	require.NoError(t, err)

	f.save(t, "ab12cd34_guide.txt", corpusText(900))
	result, err := f.service.Ingest(context.Background(), "ab12cd34_guide.txt", "guide.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, result.NumChunks)
	assert.Equal(t, 1, f.index.Count())
}

func TestIngestionService_FailedReingestKeepsPoints(t *testing.T) {
	embedder := &hashEmbedder{}
	f := newIngestionFixture(t, embedder)
	f.save(t, "ab12cd34_guide.txt", corpusText(2500))

	first, err := f.service.Ingest(context.Background(), "ab12cd34_guide.txt", "guide.txt")
	require.NoError(t, err)
	require.Equal(t, 4, f.index.Count())

	embedder.err = errors.New("rate limited")
	f.save(t, "ab12cd34_guide.txt", corpusText(900))
	_, err = f.service.Ingest(context.Background(), "ab12cd34_guide.txt", "guide.txt")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProvider))

	points := collectPoints(t, f.index)
	require.Len(t, points, 4)
	for i, point := range points {
		assert.Equal(t, first.ChunkIDs[i], point.ID)
	}

	docs, err := f.service.ListIngested(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, StatusFailed, docs[0].Status)
	assert.Equal(t, 4, docs[0].TotalChunks)
	assert.Contains(t, docs[0].Error, "rate limited")
}

func TestIngestionService_ReingestKeepsOtherFiles(t *testing.T) {
	f := newIngestionFixture(t, &hashEmbedder{})
	f.save(t, "ab12cd34_guide.txt", corpusText(2500))
	f.save(t, "ef56ab78_notes.txt", corpusText(1200))

	_, err := f.service.Ingest(context.Background(), "ab12cd34_guide.txt", "guide.txt")
	require.NoError(t, err)
	_, err = f.service.Ingest(context.Background(), "ef56ab78_notes.txt", "notes.txt")
	require.NoError(t, err)
	require.Equal(t, 6, f.index.Count())

	second, err := f.service.Ingest(context.Background(), "ab12cd34_guide.txt", "guide.txt")
	require.NoError(t, err)
	assert.Equal(t, 6, f.index.Count())

	ids := map[string]bool{}
	for _, point := range collectPoints(t, f.index) {
		ids[point.ID] = true
	}
	for _, id := range second.ChunkIDs {
		assert.True(t, ids[id])
	}
}

func TestIngestionService_ConcurrentReingestRejected(t *testing.T) {
	embedder := newGatedEmbedder()
	f := newIngestionFixture(t, embedder)
	f.save(t, "ab12cd34_guide.txt", corpusText(1500))

	fileID, err := f.service.IngestAsync("ab12cd34_guide.txt", "guide.txt")
	require.NoError(t, err)
	assert.Equal(t, "ab12cd34", fileID)
	<-embedder.entered

	record, ok := f.service.GetStatus(context.Background(), fileID)
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, record.Status)

	_, err = f.service.Ingest(context.Background(), "ab12cd34_guide.txt", "guide.txt")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))

	close(embedder.release)
	f.service.Wait()

	record, _ = f.service.GetStatus(context.Background(), fileID)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, 2, record.NumChunks)
}

func TestIngestionService_EmbeddingFailure(t *testing.T) {
	f := newIngestionFixture(t, &hashEmbedder{err: errors.New("rate limited")})
	f.save(t, "ab12cd34_guide.txt", corpusText(1200))

	_, err := f.service.Ingest(context.Background(), "ab12cd34_guide.txt", "guide.txt")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProvider))

	record, ok := f.service.GetStatus(context.Background(), "ab12cd34")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Contains(t, record.Error, "rate limited")
	assert.Zero(t, f.index.Count())

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "failed", events[0].Status)
}

func TestIngestionService_EmptyDocument(t *testing.T) {
	f := newIngestionFixture(t, &hashEmbedder{})
	f.save(t, "ab12cd34_empty.txt", "")

	result, err := f.service.Ingest(context.Background(), "ab12cd34_empty.txt", "empty.txt")
	require.NoError(t, err)
	assert.Zero(t, result.NumChunks)
	assert.Empty(t, result.ChunkIDs)

	record, _ := f.service.GetStatus(context.Background(), "ab12cd34")
	assert.Equal(t, StatusCompleted, record.Status)
}

func TestIngestionService_ListIngested(t *testing.T) {
	f := newIngestionFixture(t, &hashEmbedder{})
	f.save(t, "aaaa1111_alpha.txt", corpusText(2500))
	f.save(t, "bbbb2222_beta.txt", corpusText(500))

	_, err := f.service.Ingest(context.Background(), "aaaa1111_alpha.txt", "alpha.txt")
	require.NoError(t, err)
	_, err = f.service.Ingest(context.Background(), "bbbb2222_beta.txt", "beta.txt")
	require.NoError(t, err)

	f.save(t, "cccc3333_gamma.txt", corpusText(300))
	f.service.embedder = &hashEmbedder{err: errors.New("boom")}
	_, err = f.service.Ingest(context.Background(), "cccc3333_gamma.txt", "gamma.txt")
	require.Error(t, err)

	docs, err := f.service.ListIngested(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, IngestedDocument{FileID: "aaaa1111", Filename: "alpha.txt", TotalChunks: 4, Status: StatusCompleted}, docs[0])
	assert.Equal(t, IngestedDocument{FileID: "bbbb2222", Filename: "beta.txt", TotalChunks: 1, Status: StatusCompleted}, docs[1])
	assert.Equal(t, "cccc3333", docs[2].FileID)
	assert.Equal(t, StatusFailed, docs[2].Status)
	assert.Contains(t, docs[2].Error, "boom")
}

func TestIngestionService_IndexUnavailable(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	require.NoError(t, store.Save(context.Background(), "ab12cd34_guide.txt", strings.NewReader("hello"), 5))
	chunker, err := knowledge.NewChunker(1000, 200)
	require.NoError(t, err)

	service := NewIngestionService(NewDocumentLoader(store, nil), chunker, &hashEmbedder{}, failingHandle(), nil, IngestionOptions{})
	_, err = service.Ingest(context.Background(), "ab12cd34_guide.txt", "guide.txt")
	require.Error(t, err)

	record, _ := service.GetStatus(context.Background(), "ab12cd34")
	assert.Equal(t, StatusFailed, record.Status)

	_, err = service.ListIngested(context.Background())
	assert.Error(t, err)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishDocumentIngested(ctx context.Context, event kafka.DocumentIngestedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func TestIngestionService_PublishFailureKeepsResult(t *testing.T) {
	chunker, err := knowledge.NewChunker(1000, 200)
	require.NoError(t, err)
	handle, index := newMemoryHandle(t)
	store := storage.NewLocalStore(t.TempDir())

	publisher := &mockPublisher{}
	publisher.On("PublishDocumentIngested", mock.Anything, mock.MatchedBy(func(event kafka.DocumentIngestedEvent) bool {
		return event.FileID == "ab12cd34" && event.Status == "completed" && event.NumChunks == 1 && !event.Timestamp.IsZero()
	})).Return(errors.New("broker unavailable")).Once()

	service := NewIngestionService(
		NewDocumentLoader(store, nil),
		chunker,
		&hashEmbedder{},
		handle,
		NewProcessingRegistry(nil),
		IngestionOptions{MaxParallel: 1, Publisher: publisher},
	)

	text := corpusText(300)
	require.NoError(t, store.Save(context.Background(), "ab12cd34_short.txt", strings.NewReader(text), int64(len(text))))

	result, err := service.Ingest(context.Background(), "ab12cd34_short.txt", "short.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, result.NumChunks)
	assert.Equal(t, 1, index.Count())

	record, ok := service.GetStatus(context.Background(), "ab12cd34")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, record.Status)
	publisher.AssertExpectations(t)
}
