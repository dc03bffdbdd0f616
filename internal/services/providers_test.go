package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aihub/rag-service/internal/config"
	"github.com/aihub/rag-service/internal/knowledge"
)

func TestSelectEmbedder(t *testing.T) {
	assert.IsType(t, &knowledge.NoopEmbedder{}, SelectEmbedder(nil))

	cfg := &config.Config{}
	cfg.Knowledge.Embedding.Provider = "none"
	assert.False(t, SelectEmbedder(cfg).Ready())

	cfg.Knowledge.Embedding.Provider = "openai"
	assert.False(t, SelectEmbedder(cfg).Ready())

	cfg.AI.OpenAIAPIKey = "sk-test"
	cfg.Knowledge.Embedding.Model = "text-embedding-3-small"
	embedder := SelectEmbedder(cfg)
	assert.True(t, embedder.Ready())
	assert.Equal(t, 1536, embedder.Dimensions())
}

func TestSelectChatModel(t *testing.T) {
	cfg := &config.Config{}
	assert.Nil(t, SelectChatModel(cfg))

	cfg.AI.OpenAIAPIKey = "sk-test"
	cfg.AI.DefaultModel = "gpt-4.1-mini"
	model := SelectChatModel(cfg)
	if assert.NotNil(t, model) {
		assert.True(t, model.Ready())
		assert.IsType(t, &knowledge.OpenAIChatModel{}, model)
	}

	cfg.AI.OpenAIAPIKey = ""
	cfg.AI.DashScopeAPIKey = "ds-test"
	model = SelectChatModel(cfg)
	if assert.NotNil(t, model) {
		assert.IsType(t, &knowledge.DashScopeChatModel{}, model)
	}
}
