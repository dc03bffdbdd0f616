package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"gorm.io/gorm"

	"github.com/aihub/rag-service/internal/config"
	"github.com/aihub/rag-service/internal/knowledge"
	"github.com/aihub/rag-service/internal/services"
	"github.com/aihub/rag-service/internal/storage"
)

// Infrastructure bootstrap 建立的外部连接，未启用的组件留空
type Infrastructure struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Publisher services.EventPublisher
	Store     storage.SourceStore
	Registry  *prometheus.Registry
}

// Services 从容器中取出的业务服务
type Services struct {
	dig.In

	Config    *config.Config
	Index     *knowledge.IndexHandle
	Ingestion *services.IngestionService
	Retrieval *services.RetrievalService
	Answers   *services.AnswerService
	RAG       *services.RAGService
	Metrics   *services.MetricsService
}

// RegisterProviders 注册所有依赖提供者
func RegisterProviders(container *dig.Container, cfg *config.Config, infra Infrastructure) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if infra.Registry == nil {
		infra.Registry = prometheus.NewRegistry()
	}

	providers := []interface{}{
		// 配置与基础设施
		func() *config.Config { return cfg },
		func() *prometheus.Registry { return infra.Registry },
		func(cfg *config.Config) storage.SourceStore {
			if infra.Store != nil {
				return infra.Store
			}
			return storage.NewSourceStore(context.Background(), cfg.Knowledge.Storage, cfg.FileUpload.UploadPath)
		},

		// 知识库组件
		func(cfg *config.Config) *knowledge.IndexHandle {
			return knowledge.NewIndexHandleFromConfig(cfg.Knowledge, infra.DB)
		},
		func(cfg *config.Config) (*knowledge.Chunker, error) {
			return knowledge.NewChunker(cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)
		},
		services.SelectEmbedder,
		services.SelectChatModel,
		func(store storage.SourceStore) *services.DocumentLoader {
			return services.NewDocumentLoader(store, nil)
		},

		// 状态与指标
		func(cfg *config.Config) *services.ProcessingRegistry {
			return services.NewProcessingRegistry(statusMirror(infra.Redis, cfg.Knowledge.StatusTTLSeconds))
		},
		func(reg *prometheus.Registry) *services.PipelineMetrics {
			return services.NewPipelineMetrics(reg)
		},
		func(reg *prometheus.Registry) *services.MetricsService {
			return services.NewMetricsService(reg)
		},

		// 业务服务
		func(
			cfg *config.Config,
			loader *services.DocumentLoader,
			chunker *knowledge.Chunker,
			embedder knowledge.Embedder,
			index *knowledge.IndexHandle,
			registry *services.ProcessingRegistry,
			metrics *services.PipelineMetrics,
		) *services.IngestionService {
			return services.NewIngestionService(loader, chunker, embedder, index, registry, services.IngestionOptions{
				MaxParallel: cfg.Knowledge.MaxParallel,
				Publisher:   infra.Publisher,
				Metrics:     metrics,
			})
		},
		func(
			cfg *config.Config,
			embedder knowledge.Embedder,
			index *knowledge.IndexHandle,
			metrics *services.PipelineMetrics,
		) *services.RetrievalService {
			return services.NewRetrievalService(embedder, index, RetrievalOptions(cfg), metrics)
		},
		func(cfg *config.Config, chat knowledge.ChatModel) *services.AnswerService {
			return services.NewAnswerService(chat, cfg.AI.SystemPrompt)
		},
		services.NewRAGService,
	}

	for _, provider := range providers {
		if err := container.Provide(provider); err != nil {
			return err
		}
	}
	return nil
}

// Resolve 构造并返回全部业务服务
func Resolve(container *dig.Container) (*Services, error) {
	var out *Services
	err := container.Invoke(func(s Services) {
		out = &s
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RetrievalOptions 从配置生成检索参数
func RetrievalOptions(cfg *config.Config) services.RetrievalOptions {
	return services.RetrievalOptions{
		TopK:               cfg.Knowledge.TopK,
		RelevanceThreshold: services.Threshold(cfg.Knowledge.RelevanceThreshold),
		MinSources:         cfg.Knowledge.MinSources,
	}
}

// statusMirror 未启用 Redis 时返回 nil 接口值
func statusMirror(client *redis.Client, ttlSeconds int) services.StatusMirror {
	if client == nil {
		return nil
	}
	return services.NewRedisStatusStore(client, time.Duration(ttlSeconds)*time.Second)
}
