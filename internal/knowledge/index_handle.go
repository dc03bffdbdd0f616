package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aihub/rag-service/internal/config"
	"github.com/aihub/rag-service/internal/logger"
)

// IndexFactory 构造向量库客户端
type IndexFactory func(ctx context.Context) (VectorIndex, error)

// IndexHandle 进程级向量库句柄。首次成功的 Get 构造实例并确保集合存在，之后复用；
// 构造失败不缓存，下一次 Get 重新连接
type IndexHandle struct {
	factory    IndexFactory
	vectorSize int
	distance   Distance

	initMu sync.Mutex // 串行化构造

	mu     sync.Mutex
	index  VectorIndex
	closed bool
}

var errHandleClosed = fmt.Errorf("vector index handle is closed")

// NewIndexHandle 创建句柄，不会立即连接
func NewIndexHandle(factory IndexFactory, vectorSize int, distance Distance) *IndexHandle {
	return &IndexHandle{factory: factory, vectorSize: vectorSize, distance: distance}
}

// NewIndexHandleFromConfig 按配置选择向量库实现
func NewIndexHandleFromConfig(cfg config.KnowledgeConfig, db *gorm.DB) *IndexHandle {
	vs := cfg.VectorStore
	distance := ParseDistance(vs.Distance)

	factory := func(ctx context.Context) (VectorIndex, error) {
		switch vs.Provider {
		case "memory":
			return NewMemoryVectorStore(cfg.Collection), nil
		case "milvus":
			return NewMilvusVectorStore(ctx, MilvusOptions{
				Address:    vs.Milvus.Address,
				Username:   vs.Milvus.Username,
				Password:   vs.Milvus.Password,
				Database:   vs.Milvus.Database,
				Collection: cfg.Collection,
				VectorSize: vs.VectorSize,
				Distance:   distance,
				UseTLS:     vs.Milvus.TLS,
			})
		case "postgres":
			if db == nil {
				return nil, fmt.Errorf("postgres vector store requires a database connection")
			}
			return NewDatabaseVectorStore(db, cfg.Collection, true), nil
		case "elasticsearch":
			return NewElasticsearchVectorStore(ElasticsearchOptions{
				Addresses: vs.Elasticsearch.Addresses,
				Username:  vs.Elasticsearch.Username,
				Password:  vs.Elasticsearch.Password,
				APIKey:    vs.Elasticsearch.APIKey,
				Index:     cfg.Collection,
			})
		case "qdrant", "":
			return NewQdrantVectorStore(QdrantOptions{
				Endpoint:   vs.Qdrant.Endpoint,
				APIKey:     vs.Qdrant.APIKey,
				Collection: cfg.Collection,
				VectorSize: vs.VectorSize,
				Timeout:    time.Duration(vs.Qdrant.TimeoutSeconds) * time.Second,
			}), nil
		default:
			return nil, fmt.Errorf("unknown vector store provider %q", vs.Provider)
		}
	}
	return NewIndexHandle(factory, vs.VectorSize, distance)
}

// Get 返回共享实例
func (h *IndexHandle) Get(ctx context.Context) (VectorIndex, error) {
	if index, ok, err := h.current(); ok {
		return index, err
	}

	h.initMu.Lock()
	defer h.initMu.Unlock()
	if index, ok, err := h.current(); ok {
		return index, err
	}

	index, err := h.build(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		if index != nil {
			_ = index.Close()
		}
		return nil, errHandleClosed
	}
	if err != nil {
		logger.Error("Failed to initialise vector index", zap.Error(err))
		return nil, err
	}
	h.index = index
	logger.Info("Vector index ready",
		zap.String("collection", index.Collection()),
		zap.Int("vector_size", h.vectorSize))
	return index, nil
}

// current 已构造或已关闭时 ok 为 true
func (h *IndexHandle) current() (VectorIndex, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, true, errHandleClosed
	}
	if h.index != nil {
		return h.index, true, nil
	}
	return nil, false, nil
}

func (h *IndexHandle) build(ctx context.Context) (VectorIndex, error) {
	index, err := h.factory(ctx)
	if err != nil {
		return nil, err
	}
	if err := index.EnsureCollection(ctx, index.Collection(), h.vectorSize, h.distance); err != nil {
		_ = index.Close()
		return nil, err
	}
	return index, nil
}

// Ready 句柄已构造且底层可用
func (h *IndexHandle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && h.index != nil && h.index.Ready()
}

// Close 释放底层客户端，可重复调用
func (h *IndexHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.index == nil {
		return nil
	}
	return h.index.Close()
}
