package knowledge

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aihub/rag-service/internal/dashscope"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage 一条对话消息
type ChatMessage struct {
	Role    string
	Content string
}

// TokenStream 增量输出，Recv 在结束时返回 io.EOF
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// ChatModel 对话补全接口
type ChatModel interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
	Stream(ctx context.Context, messages []ChatMessage) (TokenStream, error)
	Ready() bool
}

// ErrChatNotConfigured 未配置对话模型
var ErrChatNotConfigured = errors.New("chat provider not configured")

// ChatOptions 模型参数
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// OpenAIChatModel 基于 go-openai 的对话模型
type OpenAIChatModel struct {
	client *openai.Client
	opts   ChatOptions
}

// NewOpenAIChatModel 创建OpenAI对话模型，apiKey 为空时返回 nil
func NewOpenAIChatModel(apiKey, baseURL string, opts ChatOptions) *OpenAIChatModel {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if opts.Model == "" {
		opts.Model = "gpt-4.1-mini"
	}
	return &OpenAIChatModel{client: openai.NewClientWithConfig(cfg), opts: opts}
}

func (m *OpenAIChatModel) request(messages []ChatMessage, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       m.opts.Model,
		Messages:    msgs,
		MaxTokens:   m.opts.MaxTokens,
		Temperature: float32(m.opts.Temperature),
		Stream:      stream,
	}
}

func (m *OpenAIChatModel) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	if !m.Ready() {
		return "", ErrChatNotConfigured
	}
	resp, err := m.client.CreateChatCompletion(ctx, m.request(messages, false))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (m *OpenAIChatModel) Stream(ctx context.Context, messages []ChatMessage) (TokenStream, error) {
	if !m.Ready() {
		return nil, ErrChatNotConfigured
	}
	stream, err := m.client.CreateChatCompletionStream(ctx, m.request(messages, true))
	if err != nil {
		return nil, err
	}
	return &openAITokenStream{stream: stream}, nil
}

func (m *OpenAIChatModel) Ready() bool {
	return m != nil && m.client != nil
}

type openAITokenStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAITokenStream) Recv() (string, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (s *openAITokenStream) Close() error {
	return s.stream.Close()
}

// DashScopeChatModel 通义千问兼容模式，流式输出退化为一次性返回
type DashScopeChatModel struct {
	service *dashscope.Service
	opts    ChatOptions
}

// NewDashScopeChatModel 创建DashScope对话模型
func NewDashScopeChatModel(service *dashscope.Service, opts ChatOptions) *DashScopeChatModel {
	if opts.Model == "" || strings.HasPrefix(opts.Model, "gpt-") {
		opts.Model = "qwen-plus"
	}
	return &DashScopeChatModel{service: service, opts: opts}
}

func (m *DashScopeChatModel) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	if !m.Ready() {
		return "", ErrChatNotConfigured
	}

	req := dashscope.ChatRequest{Model: m.opts.Model}
	for _, msg := range messages {
		req.Messages = append(req.Messages, dashscope.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	if m.opts.MaxTokens > 0 {
		maxTokens := m.opts.MaxTokens
		req.MaxTokens = &maxTokens
	}
	temperature := m.opts.Temperature
	req.Temperature = &temperature

	resp, err := m.service.ChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (m *DashScopeChatModel) Stream(ctx context.Context, messages []ChatMessage) (TokenStream, error) {
	text, err := m.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	return &staticTokenStream{tokens: []string{text}}, nil
}

func (m *DashScopeChatModel) Ready() bool {
	return m != nil && m.service.Ready()
}

// staticTokenStream 预先确定内容的流
type staticTokenStream struct {
	tokens []string
	err    error
}

func (s *staticTokenStream) Recv() (string, error) {
	if len(s.tokens) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return tok, nil
}

func (s *staticTokenStream) Close() error {
	return nil
}
