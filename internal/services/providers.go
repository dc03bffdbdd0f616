package services

import (
	"strings"

	"go.uber.org/zap"

	"github.com/aihub/rag-service/internal/config"
	"github.com/aihub/rag-service/internal/dashscope"
	"github.com/aihub/rag-service/internal/knowledge"
	"github.com/aihub/rag-service/internal/logger"
)

// SelectEmbedder 按 knowledge.embedding.provider 选择向量化实现，缺少凭据时退回 NoopEmbedder
func SelectEmbedder(cfg *config.Config) knowledge.Embedder {
	if cfg == nil {
		return &knowledge.NoopEmbedder{}
	}

	embedCfg := cfg.Knowledge.Embedding
	switch strings.ToLower(strings.TrimSpace(embedCfg.Provider)) {
	case "dashscope", "tongyi", "qianwen":
		service := dashscopeService(cfg)
		if service == nil {
			logger.Warn("DashScope embedding selected but no API key configured")
			return &knowledge.NoopEmbedder{}
		}
		return knowledge.NewDashScopeEmbedder(service, embedCfg.Model)
	case "none":
		return &knowledge.NoopEmbedder{}
	default:
		embedder := knowledge.NewOpenAIEmbedder(cfg.AI.OpenAIAPIKey, cfg.AI.OpenAIBaseURL, embedCfg.Model)
		if !embedder.Ready() {
			logger.Warn("OpenAI embedding selected but no API key configured")
		}
		return embedder
	}
}

// SelectChatModel OpenAI 优先，其次 DashScope；都没有配置时返回 nil
func SelectChatModel(cfg *config.Config) knowledge.ChatModel {
	if cfg == nil {
		return nil
	}
	opts := knowledge.ChatOptions{
		Model:       cfg.AI.DefaultModel,
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
	}

	if model := knowledge.NewOpenAIChatModel(cfg.AI.OpenAIAPIKey, cfg.AI.OpenAIBaseURL, opts); model != nil {
		logger.Info("Chat model selected", zap.String("provider", "openai"), zap.String("model", opts.Model))
		return model
	}
	if service := dashscopeService(cfg); service != nil {
		logger.Info("Chat model selected", zap.String("provider", "dashscope"))
		return knowledge.NewDashScopeChatModel(service, opts)
	}

	logger.Warn("No chat provider configured, answers will fail")
	return nil
}

func dashscopeService(cfg *config.Config) *dashscope.Service {
	if service := dashscope.GetGlobalService(); service.Ready() {
		return service
	}
	if cfg.AI.DashScopeAPIKey == "" {
		return nil
	}
	dashscope.InitGlobalService(cfg.AI.DashScopeAPIKey, "")
	return dashscope.GetGlobalService()
}
