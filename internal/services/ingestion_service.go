package services

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-service/internal/errors"
	"github.com/aihub/rag-service/internal/kafka"
	"github.com/aihub/rag-service/internal/knowledge"
	"github.com/aihub/rag-service/internal/logger"
	"github.com/aihub/rag-service/internal/storage"
)

// IngestResult 一次入库的结果
type IngestResult struct {
	FileID    string   `json:"file_id"`
	Filename  string   `json:"filename"`
	NumChunks int      `json:"num_chunks"`
	ChunkIDs  []string `json:"chunk_ids"`
}

// IngestedDocument 已入库文档的汇总信息
type IngestedDocument struct {
	FileID      string           `json:"file_id"`
	Filename    string           `json:"filename"`
	TotalChunks int              `json:"total_chunks"`
	Status      ProcessingStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
}

// EventPublisher 入库完成事件的发布方，*kafka.Producer 实现该接口
type EventPublisher interface {
	PublishDocumentIngested(ctx context.Context, event kafka.DocumentIngestedEvent) error
}

// DocumentLoader 从源存储读取文件并解析出文本
type DocumentLoader struct {
	store   storage.SourceStore
	parsers *knowledge.FileParserManager
}

// NewDocumentLoader 创建文档加载器，parsers 为 nil 时使用默认解析器
func NewDocumentLoader(store storage.SourceStore, parsers *knowledge.FileParserManager) *DocumentLoader {
	if parsers == nil {
		parsers = knowledge.NewFileParserManager()
	}
	return &DocumentLoader{store: store, parsers: parsers}
}

// Exists 源文件是否存在
func (l *DocumentLoader) Exists(ctx context.Context, sourceID string) (bool, error) {
	return l.store.Exists(ctx, sourceID)
}

// Supports 是否支持该文件格式
func (l *DocumentLoader) Supports(filename string) bool {
	return l.parsers.Supports(filename)
}

// Load 读取并解析源文件，Source 使用展示名
func (l *DocumentLoader) Load(ctx context.Context, sourceID, displayName string) (knowledge.Document, error) {
	reader, err := l.store.Open(ctx, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return knowledge.Document{}, apperrors.NewNotFoundError("source " + sourceID)
	}
	if err != nil {
		return knowledge.Document{}, fmt.Errorf("open source %s: %w", sourceID, err)
	}
	defer reader.Close()

	text, err := l.parsers.ParseFile(reader, sourceID)
	if err != nil {
		return knowledge.Document{}, apperrors.NewBusinessError(apperrors.ErrCodeInvalidFileFormat, err.Error()).WithCause(err)
	}
	return knowledge.Document{Text: text, Source: displayName}, nil
}

// DeriveFileID 存储名形如 <file_id>_<name> 时取前缀，否则取展示名 SHA-1 的前 8 位
func DeriveFileID(sourceID, displayName string) string {
	base := filepath.Base(sourceID)
	if idx := strings.Index(base, "_"); idx > 0 {
		return base[:idx]
	}
	sum := sha1.Sum([]byte(displayName))
	return hex.EncodeToString(sum[:])[:8]
}

// IngestionOptions 入库流水线的可选依赖
type IngestionOptions struct {
	MaxParallel int
	Publisher   EventPublisher
	Metrics     *PipelineMetrics
}

// IngestionService 入库流水线：加载、分块、向量化、写入索引
type IngestionService struct {
	loader    *DocumentLoader
	embedder  knowledge.Embedder
	index     *knowledge.IndexHandle
	registry  *ProcessingRegistry
	publisher EventPublisher
	metrics   *PipelineMetrics

	chunkerMu sync.RWMutex
	chunker   *knowledge.Chunker

	workers chan struct{}
	wg      sync.WaitGroup
}

// NewIngestionService 创建入库流水线
func NewIngestionService(
	loader *DocumentLoader,
	chunker *knowledge.Chunker,
	embedder knowledge.Embedder,
	index *knowledge.IndexHandle,
	registry *ProcessingRegistry,
	opts IngestionOptions,
) *IngestionService {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if registry == nil {
		registry = NewProcessingRegistry(nil)
	}
	return &IngestionService{
		loader:    loader,
		embedder:  embedder,
		index:     index,
		registry:  registry,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		chunker:   chunker,
		workers:   make(chan struct{}, opts.MaxParallel),
	}
}

// SetChunker 替换分块参数，对之后开始的入库生效
func (s *IngestionService) SetChunker(chunker *knowledge.Chunker) {
	if chunker == nil {
		return
	}
	s.chunkerMu.Lock()
	s.chunker = chunker
	s.chunkerMu.Unlock()
}

func (s *IngestionService) currentChunker() *knowledge.Chunker {
	s.chunkerMu.RLock()
	defer s.chunkerMu.RUnlock()
	return s.chunker
}

// Registry 状态表
func (s *IngestionService) Registry() *ProcessingRegistry {
	return s.registry
}

// Supports 是否支持该文件格式
func (s *IngestionService) Supports(filename string) bool {
	return s.loader.Supports(filename)
}

// Ingest 同步入库
func (s *IngestionService) Ingest(ctx context.Context, sourceID, displayName string) (*IngestResult, error) {
	fileID, err := s.begin(ctx, sourceID, displayName)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, fileID, sourceID, displayName)
}

// IngestAsync 登记后在后台 worker 中入库，立即返回 file_id
func (s *IngestionService) IngestAsync(sourceID, displayName string) (string, error) {
	ctx := context.Background()
	fileID, err := s.begin(ctx, sourceID, displayName)
	if err != nil {
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.workers <- struct{}{}
		defer func() { <-s.workers }()

		if _, err := s.run(ctx, fileID, sourceID, displayName); err != nil {
			logger.Error("Background ingestion failed",
				zap.String("file_id", fileID),
				zap.String("filename", displayName),
				zap.Error(err))
		}
	}()
	return fileID, nil
}

// Wait 等待所有后台入库结束
func (s *IngestionService) Wait() {
	s.wg.Wait()
}

func (s *IngestionService) begin(ctx context.Context, sourceID, displayName string) (string, error) {
	if strings.TrimSpace(sourceID) == "" {
		return "", apperrors.NewInvalidInputError("source_id", "must not be empty")
	}
	if displayName == "" {
		displayName = filepath.Base(sourceID)
	}

	exists, err := s.loader.Exists(ctx, sourceID)
	if err != nil {
		return "", fmt.Errorf("check source %s: %w", sourceID, err)
	}
	if !exists {
		return "", apperrors.NewNotFoundError("source " + sourceID)
	}

	fileID := DeriveFileID(sourceID, displayName)
	if _, err := s.registry.Begin(ctx, fileID, displayName); err != nil {
		s.metrics.IngestRejected()
		return "", err
	}
	return fileID, nil
}

func (s *IngestionService) run(ctx context.Context, fileID, sourceID, displayName string) (*IngestResult, error) {
	if displayName == "" {
		displayName = filepath.Base(sourceID)
	}
	start := time.Now()
	s.metrics.IngestStarted()

	result, err := s.process(ctx, fileID, sourceID, displayName)
	if err != nil {
		s.metrics.IngestFinished(string(StatusFailed), 0, time.Since(start))
		if failErr := s.registry.Fail(ctx, fileID, err); failErr != nil {
			logger.Warn("Failed to record ingestion failure", zap.String("file_id", fileID), zap.Error(failErr))
		}
		s.publish(ctx, kafka.DocumentIngestedEvent{
			FileID:   fileID,
			Filename: displayName,
			Status:   string(StatusFailed),
			Error:    err.Error(),
		})
		return nil, err
	}

	s.metrics.IngestFinished(string(StatusCompleted), result.NumChunks, time.Since(start))
	if err := s.registry.Complete(ctx, fileID, result.NumChunks); err != nil {
		logger.Warn("Failed to record ingestion completion", zap.String("file_id", fileID), zap.Error(err))
	}
	s.publish(ctx, kafka.DocumentIngestedEvent{
		FileID:    fileID,
		Filename:  displayName,
		Status:    string(StatusCompleted),
		NumChunks: result.NumChunks,
	})

	logger.Info("Document ingested",
		zap.String("file_id", fileID),
		zap.String("filename", displayName),
		zap.Int("chunks", result.NumChunks),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

func (s *IngestionService) process(ctx context.Context, fileID, sourceID, displayName string) (*IngestResult, error) {
	doc, err := s.loader.Load(ctx, sourceID, displayName)
	if err != nil {
		return nil, err
	}

	chunks := s.currentChunker().Split([]knowledge.Document{doc})
	for i := range chunks {
		chunks[i].FileID = fileID
	}
	result := &IngestResult{
		FileID:    fileID,
		Filename:  displayName,
		NumChunks: len(chunks),
		ChunkIDs:  []string{},
	}

	index, err := s.index.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		logger.Warn("Document produced no chunks", zap.String("file_id", fileID), zap.String("filename", displayName))
		if err := index.DeleteByFileID(ctx, fileID); err != nil {
			return nil, err
		}
		return result, nil
	}

	if s.embedder == nil || !s.embedder.Ready() {
		return nil, apperrors.NewProviderError("embedding", knowledge.ErrEmbedderNotConfigured)
	}
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := s.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return nil, apperrors.NewProviderError("embedding", err)
	}
	if len(vectors) != len(chunks) {
		return nil, apperrors.NewProviderError("embedding",
			fmt.Errorf("expected %d embeddings, got %d", len(chunks), len(vectors)))
	}

	points := make([]knowledge.Point, len(chunks))
	for i, chunk := range chunks {
		points[i] = knowledge.Point{
			Vector:  vectors[i],
			Payload: knowledge.ChunkPayload(chunk),
		}
	}
	// 新点写入成功后才清理旧点，失败时保留上一次的内容
	ids, err := index.Upsert(ctx, points)
	if err != nil {
		return nil, err
	}
	if err := index.DeleteByFileID(ctx, fileID, ids...); err != nil {
		logger.Warn("Failed to remove stale points",
			zap.String("file_id", fileID), zap.Error(err))
	}
	result.ChunkIDs = ids
	return result, nil
}

func (s *IngestionService) publish(ctx context.Context, event kafka.DocumentIngestedEvent) {
	if s.publisher == nil {
		return
	}
	event.Timestamp = time.Now()
	if err := s.publisher.PublishDocumentIngested(ctx, event); err != nil {
		logger.Warn("Failed to publish ingestion event", zap.String("file_id", event.FileID), zap.Error(err))
	}
}

// GetStatus 查询入库状态
func (s *IngestionService) GetStatus(ctx context.Context, fileID string) (ProcessingRecord, bool) {
	return s.registry.Get(ctx, fileID)
}

// ListIngested 遍历索引按 file_id 汇总，再合并仍在处理或失败的记录
func (s *IngestionService) ListIngested(ctx context.Context) ([]IngestedDocument, error) {
	index, err := s.index.Get(ctx)
	if err != nil {
		return nil, err
	}

	byFile := make(map[string]*IngestedDocument)
	it := index.ScrollAll(ctx, 0)
	for it.Next() {
		point := it.Point()
		meta := knowledge.ResolveMetadata(point.Payload)
		fileID := meta.FileID()
		if fileID == "" {
			continue
		}
		doc, ok := byFile[fileID]
		if !ok {
			doc = &IngestedDocument{
				FileID:   fileID,
				Filename: meta.Source(point.Payload),
				Status:   StatusCompleted,
			}
			byFile[fileID] = doc
		}
		if total, ok := meta.TotalChunks(); ok && total > doc.TotalChunks {
			doc.TotalChunks = total
		}
	}
	if err := it.Err(); err != nil {
		return nil, apperrors.NewVectorIndexError("scroll", err)
	}

	for _, record := range s.registry.List() {
		// 已有索引内容时以索引为准，只叠加进行中或失败的状态
		if doc, ok := byFile[record.FileID]; ok {
			if record.Status != StatusCompleted {
				doc.Status = record.Status
				doc.Error = record.Error
			}
			continue
		}
		byFile[record.FileID] = &IngestedDocument{
			FileID:      record.FileID,
			Filename:    record.Filename,
			TotalChunks: record.NumChunks,
			Status:      record.Status,
			Error:       record.Error,
		}
	}

	out := make([]IngestedDocument, 0, len(byFile))
	for _, doc := range byFile {
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Filename == out[j].Filename {
			return out[i].FileID < out[j].FileID
		}
		return out[i].Filename < out[j].Filename
	})
	return out, nil
}
