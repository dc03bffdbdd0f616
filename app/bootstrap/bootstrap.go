package bootstrap

import (
	"context"
	"log"
	"os"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/aihub/rag-service/app/controllers"
	"github.com/aihub/rag-service/app/router"
	"github.com/aihub/rag-service/internal/config"
	"github.com/aihub/rag-service/internal/database"
	"github.com/aihub/rag-service/internal/di"
	"github.com/aihub/rag-service/internal/kafka"
	"github.com/aihub/rag-service/internal/knowledge"
	"github.com/aihub/rag-service/internal/logger"
	"github.com/aihub/rag-service/internal/services"
	"github.com/aihub/rag-service/internal/storage"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	Config    *config.Config
	Container *dig.Container
	Services  *di.Services

	checkers     []*database.HealthChecker
	cancel       context.CancelFunc
	cleanupTasks []func() error
}

// Init bootstraps configuration, logger, storage connections and the RAG
// services required by the Beego application.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Initialize structured logger.
	if err := logger.InitLogger(); err != nil {
		return nil, err
	}

	// Load dynamic configuration.
	if err := config.LoadConfig(); err != nil {
		return nil, err
	}
	cfg := config.GetAppConfig()

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{Config: cfg, cancel: cancel}
	infra := di.Infrastructure{Registry: newRegistry()}
	healthLogger := newHealthLogger(cfg.Server.Env)

	// PostgreSQL is only needed by the postgres vector backend.
	if cfg.Knowledge.VectorStore.Provider == "postgres" {
		db, err := database.InitDB(cfg.Database, cfg.Server.Env)
		if err != nil {
			app.Shutdown()
			return nil, err
		}
		infra.DB = db
		app.cleanupTasks = append(app.cleanupTasks, database.CloseDB)

		if sqlDB, err := db.DB(); err == nil {
			checker := database.NewHealthChecker("postgres", sqlDB, healthLogger)
			checker.Start(ctx)
			app.checkers = append(app.checkers, checker)
			database.NewMetricsCollector(sqlDB, infra.Registry, healthLogger).Start(ctx)
		}
	}

	// Initialize Redis (optional). Failure shouldn't block the app.
	if cfg.Redis.Enabled {
		if client, err := database.InitRedis(cfg.Redis); err != nil {
			logger.Warn("Failed to initialize Redis, status mirror disabled", zap.Error(err))
		} else {
			infra.Redis = client
			app.cleanupTasks = append(app.cleanupTasks, database.CloseRedis)

			checker := database.NewHealthChecker("redis", database.RedisPinger(client), healthLogger)
			checker.Start(ctx)
			app.checkers = append(app.checkers, checker)
		}
	}

	// Source files: MinIO when configured, local upload directory otherwise.
	infra.Store = storage.NewSourceStore(ctx, cfg.Knowledge.Storage, cfg.FileUpload.UploadPath)

	// Initialize Kafka producer (optional). Failure shouldn't block the app.
	if cfg.Kafka.Enabled {
		if err := kafka.InitProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic); err != nil {
			logger.Warn("Failed to initialize Kafka producer", zap.Error(err))
		} else {
			producer := kafka.GetProducer()
			infra.Publisher = producer
			app.cleanupTasks = append(app.cleanupTasks, producer.Close)
		}
	}

	app.Container = di.InitContainer()
	if err := di.RegisterProviders(app.Container, cfg, infra); err != nil {
		app.Shutdown()
		return nil, err
	}
	svc, err := di.Resolve(app.Container)
	if err != nil {
		app.Shutdown()
		return nil, err
	}
	app.Services = svc
	app.cleanupTasks = append(app.cleanupTasks, svc.Index.Close)

	// Connect the vector index eagerly so /health reports readiness from the start.
	go func() {
		if _, err := svc.Index.Get(ctx); err != nil {
			logger.Warn("Vector index not available yet", zap.Error(err))
		}
	}()

	app.cleanupTasks = append(app.cleanupTasks, func() error {
		svc.Ingestion.Wait()
		return nil
	})

	// 启动Kafka消费者，消息触发入库
	if cfg.Kafka.Enabled {
		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, []string{cfg.Kafka.IngestTopic})
		if err != nil {
			logger.Warn("Failed to initialize Kafka consumer", zap.Error(err))
		} else {
			consumer.RegisterHandler(cfg.Kafka.IngestTopic, IngestHandler(svc.Ingestion))
			consumer.Start()
			app.cleanupTasks = append(app.cleanupTasks, consumer.Close)
		}
	}

	config.WatchConfig(func(newCfg *config.Config) {
		ApplyTunables(svc, newCfg)
	})

	logger.Info("RAG service initialised",
		zap.String("vector_store", cfg.Knowledge.VectorStore.Provider),
		zap.String("embedding", cfg.Knowledge.Embedding.Provider),
		zap.String("collection", cfg.Knowledge.Collection))
	return app, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newHealthLogger(env string) *logrus.Logger {
	l := &logrus.Logger{
		Out:       os.Stdout,
		Formatter: &logrus.JSONFormatter{},
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
	if env == "development" {
		l.Level = logrus.DebugLevel
	}
	return l
}

// IngestHandler 处理入库请求消息
func IngestHandler(ingestion *services.IngestionService) kafka.MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		req, err := kafka.ParseIngestRequest(message.Value)
		if err != nil {
			return err
		}
		result, err := ingestion.Ingest(ctx, req.SourceID, req.DisplayName)
		if err != nil {
			return err
		}
		logger.Info("Ingested document from queue",
			zap.String("file_id", result.FileID),
			zap.Int("chunks", result.NumChunks))
		return nil
	}
}

// ApplyTunables 配置热更新：只替换分块和检索参数
func ApplyTunables(svc *di.Services, cfg *config.Config) {
	chunker, err := knowledge.NewChunker(cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)
	if err != nil {
		logger.Warn("Ignoring invalid chunker settings", zap.Error(err))
	} else {
		svc.Ingestion.SetChunker(chunker)
	}
	svc.Retrieval.SetOptions(di.RetrievalOptions(cfg))

	logger.Info("Configuration reloaded",
		zap.Int("chunk_size", cfg.Knowledge.ChunkSize),
		zap.Int("chunk_overlap", cfg.Knowledge.ChunkOverlap),
		zap.Int("top_k", cfg.Knowledge.TopK),
		zap.Float64("relevance_threshold", cfg.Knowledge.RelevanceThreshold))
}

// HealthCheckers 已启动的依赖检查器
func (a *App) HealthCheckers() []*database.HealthChecker {
	return a.checkers
}

// Controllers 构造路由所需的控制器
func (a *App) Controllers() (router.Controllers, error) {
	factory := controllers.NewControllerFactory(a.Container)

	health, err := factory.CreateHealthController(a.checkers...)
	if err != nil {
		return router.Controllers{}, err
	}
	documents, err := factory.CreateDocumentController()
	if err != nil {
		return router.Controllers{}, err
	}
	query, err := factory.CreateQueryController()
	if err != nil {
		return router.Controllers{}, err
	}

	ctrls := router.Controllers{Health: health, Documents: documents, Query: query}
	if a.Config.Prometheus.Enabled {
		if ctrls.Metrics, err = factory.CreateMetricsController(); err != nil {
			return router.Controllers{}, err
		}
	}
	return ctrls, nil
}

// Shutdown flushes/logs and closes resources gracefully.
func (a *App) Shutdown() {
	for _, checker := range a.checkers {
		checker.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}

	// Execute cleanup tasks in reverse order (best effort).
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](); err != nil {
			log.Printf("Cleanup error: %v\n", err)
		}
	}

	// Flush logger buffers.
	logger.Sync()
}
