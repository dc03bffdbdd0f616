package controllers

import (
	"go.uber.org/dig"

	"github.com/aihub/rag-service/internal/config"
	"github.com/aihub/rag-service/internal/database"
	"github.com/aihub/rag-service/internal/knowledge"
	"github.com/aihub/rag-service/internal/services"
	"github.com/aihub/rag-service/internal/storage"
)

// ControllerFactory 控制器工厂
type ControllerFactory struct {
	container *dig.Container
}

// NewControllerFactory 创建控制器工厂
func NewControllerFactory(container *dig.Container) *ControllerFactory {
	return &ControllerFactory{
		container: container,
	}
}

// CreateDocumentController 创建文档控制器
func (f *ControllerFactory) CreateDocumentController() (*DocumentController, error) {
	var ctrl *DocumentController

	err := f.container.Invoke(func(cfg *config.Config, ingestion *services.IngestionService, store storage.SourceStore) {
		ctrl = NewDocumentController(ingestion, store, cfg.FileUpload)
	})

	if err != nil {
		return nil, err
	}

	return ctrl, nil
}

// CreateQueryController 创建问答控制器
func (f *ControllerFactory) CreateQueryController() (*QueryController, error) {
	var ragService *services.RAGService

	err := f.container.Invoke(func(rs *services.RAGService) {
		ragService = rs
	})

	if err != nil {
		return nil, err
	}

	return NewQueryController(ragService), nil
}

// CreateHealthController 创建健康检查控制器
func (f *ControllerFactory) CreateHealthController(checkers ...*database.HealthChecker) (*HealthController, error) {
	var index *knowledge.IndexHandle

	err := f.container.Invoke(func(h *knowledge.IndexHandle) {
		index = h
	})

	if err != nil {
		return nil, err
	}

	return NewHealthController(index, checkers...), nil
}

// CreateMetricsController 创建指标控制器
func (f *ControllerFactory) CreateMetricsController() (*MetricsController, error) {
	var metricsService *services.MetricsService

	err := f.container.Invoke(func(ms *services.MetricsService) {
		metricsService = ms
	})

	if err != nil {
		return nil, err
	}

	return NewMetricsController(metricsService), nil
}
