package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-service/internal/errors"
	"github.com/aihub/rag-service/internal/knowledge"
	"github.com/aihub/rag-service/internal/logger"
)

// StreamCompleteMarker 流结束在线路上的编码
const StreamCompleteMarker = "__STREAM_COMPLETE__"

// DefaultSystemPrompt 未指定系统提示词时使用
const DefaultSystemPrompt = "You are a helpful AI assistant that answers questions based on the provided context. " +
	"Use the context to provide accurate and relevant answers. " +
	"If the answer is not in the context, say that you don't know based on the provided information. " +
	"Always cite the source of your information from the context when possible."

// StreamKind 流中元素的类型
type StreamKind int

const (
	StreamToken StreamKind = iota
	StreamDone
	StreamError
)

func (k StreamKind) String() string {
	switch k {
	case StreamDone:
		return "done"
	case StreamError:
		return "error"
	default:
		return "token"
	}
}

// StreamItem Token(text) | Done | Error(message)
type StreamItem struct {
	Kind StreamKind
	Text string
}

// TokenItem 文本片段
func TokenItem(text string) StreamItem { return StreamItem{Kind: StreamToken, Text: text} }

// DoneItem 结束标记
func DoneItem() StreamItem { return StreamItem{Kind: StreamDone} }

// ErrorItem 可读的错误信息
func ErrorItem(message string) StreamItem { return StreamItem{Kind: StreamError, Text: message} }

// Wire 线路编码：Done 编码为 StreamCompleteMarker，其余为文本本身
func (i StreamItem) Wire() string {
	if i.Kind == StreamDone {
		return StreamCompleteMarker
	}
	return i.Text
}

// FormatContext 把检索结果拼成提示词上下文
func FormatContext(results []knowledge.SearchResult) string {
	parts := make([]string, 0, len(results))
	for i, r := range results {
		parts = append(parts, fmt.Sprintf("[Document %d] Source: %s\n%s\n", i+1, r.Source, r.Text))
	}
	return strings.Join(parts, "\n\n")
}

// BuildMessages 系统提示词加一条用户消息
func BuildMessages(query string, results []knowledge.SearchResult, systemPrompt string) []knowledge.ChatMessage {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return []knowledge.ChatMessage{
		{Role: knowledge.RoleSystem, Content: systemPrompt},
		{Role: knowledge.RoleUser, Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nAnswer:", FormatContext(results), query)},
	}
}

// AnswerService 基于检索结果生成回答
type AnswerService struct {
	chat          knowledge.ChatModel
	defaultPrompt string
}

// NewAnswerService 创建回答生成服务；defaultPrompt 为空时使用 DefaultSystemPrompt
func NewAnswerService(chat knowledge.ChatModel, defaultPrompt string) *AnswerService {
	if strings.TrimSpace(defaultPrompt) == "" {
		defaultPrompt = DefaultSystemPrompt
	}
	return &AnswerService{chat: chat, defaultPrompt: defaultPrompt}
}

func (s *AnswerService) prompt(systemPrompt string) string {
	if strings.TrimSpace(systemPrompt) != "" {
		return systemPrompt
	}
	return s.defaultPrompt
}

func (s *AnswerService) ready() bool {
	return s.chat != nil && s.chat.Ready()
}

// Complete 非流式生成
func (s *AnswerService) Complete(ctx context.Context, query string, results []knowledge.SearchResult, systemPrompt string) (string, error) {
	if !s.ready() {
		return "", apperrors.NewProviderError("chat", knowledge.ErrChatNotConfigured)
	}
	answer, err := s.chat.Complete(ctx, BuildMessages(query, results, s.prompt(systemPrompt)))
	if err != nil {
		return "", apperrors.NewProviderError("chat", err)
	}
	return answer, nil
}

// Synthesize 流式生成。返回的 channel 无缓冲，每个流以唯一的 Done 结束；
// 生成失败时先发送 Error。ctx 取消后不再发送并关闭 channel
func (s *AnswerService) Synthesize(ctx context.Context, query string, results []knowledge.SearchResult, systemPrompt string) <-chan StreamItem {
	out := make(chan StreamItem)
	messages := BuildMessages(query, results, s.prompt(systemPrompt))

	go func() {
		defer close(out)

		send := func(item StreamItem) bool {
			select {
			case out <- item:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			logger.Error("Answer generation failed", zap.Error(err))
			if send(ErrorItem(MessageGenerationFailed)) {
				send(DoneItem())
			}
		}

		if !s.ready() {
			fail(knowledge.ErrChatNotConfigured)
			return
		}

		stream, err := s.chat.Stream(ctx, messages)
		if err != nil {
			fail(err)
			return
		}
		defer stream.Close()

		for {
			token, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(DoneItem())
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				fail(err)
				return
			}
			if token == "" {
				continue
			}
			if !send(TokenItem(token)) {
				return
			}
		}
	}()
	return out
}

// SingleMessageStream 只包含一条文本和 Done 的流
func SingleMessageStream(ctx context.Context, message string) <-chan StreamItem {
	out := make(chan StreamItem)
	go func() {
		defer close(out)
		for _, item := range []StreamItem{TokenItem(message), DoneItem()} {
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
