package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aihub/rag-service/internal/kafka"
	"github.com/aihub/rag-service/internal/knowledge"
)

const testDimensions = 256

// hashEmbedder 把词哈希到固定维度的词袋向量，相同文本得到相同向量
type hashEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *hashEmbedder) vector(text string) []float32 {
	vec := make([]float32, testDimensions)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%testDimensions]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func (e *hashEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *hashEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *hashEmbedder) Dimensions() int { return testDimensions }
func (e *hashEmbedder) Ready() bool     { return true }

// gatedEmbedder 在 release 关闭前阻塞 EmbedMany
type gatedEmbedder struct {
	hashEmbedder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedEmbedder() *gatedEmbedder {
	return &gatedEmbedder{entered: make(chan struct{}), release: make(chan struct{})}
}

func (e *gatedEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	e.once.Do(func() { close(e.entered) })
	<-e.release
	return e.hashEmbedder.EmbedMany(ctx, texts)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.DocumentIngestedEvent
}

func (p *recordingPublisher) PublishDocumentIngested(ctx context.Context, event kafka.DocumentIngestedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Events() []kafka.DocumentIngestedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.DocumentIngestedEvent(nil), p.events...)
}

// scriptedChat 按预设 token 回复，并记录收到的消息
type scriptedChat struct {
	mu        sync.Mutex
	tokens    []string
	err       error
	streamErr error
	messages  []knowledge.ChatMessage
}

func (c *scriptedChat) record(messages []knowledge.ChatMessage) {
	c.mu.Lock()
	c.messages = append([]knowledge.ChatMessage(nil), messages...)
	c.mu.Unlock()
}

func (c *scriptedChat) Messages() []knowledge.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages
}

func (c *scriptedChat) Complete(ctx context.Context, messages []knowledge.ChatMessage) (string, error) {
	c.record(messages)
	if c.err != nil {
		return "", c.err
	}
	return strings.Join(c.tokens, ""), nil
}

func (c *scriptedChat) Stream(ctx context.Context, messages []knowledge.ChatMessage) (knowledge.TokenStream, error) {
	c.record(messages)
	if c.err != nil {
		return nil, c.err
	}
	return &sliceStream{tokens: append([]string(nil), c.tokens...), err: c.streamErr}, nil
}

func (c *scriptedChat) Ready() bool { return true }

type sliceStream struct {
	tokens []string
	err    error
}

func (s *sliceStream) Recv() (string, error) {
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

func (s *sliceStream) Close() error { return nil }

// newMemoryHandle 内存向量库句柄，返回底层实例方便断言
func newMemoryHandle(t *testing.T) (*knowledge.IndexHandle, *knowledge.MemoryVectorStore) {
	t.Helper()
	store := knowledge.NewMemoryVectorStore("documents")
	handle := knowledge.NewIndexHandle(func(ctx context.Context) (knowledge.VectorIndex, error) {
		return store, nil
	}, testDimensions, knowledge.DistanceCosine)
	t.Cleanup(func() { _ = handle.Close() })
	return handle, store
}

func failingHandle() *knowledge.IndexHandle {
	return knowledge.NewIndexHandle(func(ctx context.Context) (knowledge.VectorIndex, error) {
		return nil, errors.New("connection refused")
	}, testDimensions, knowledge.DistanceCosine)
}

// corpusText 生成长度恰好为 n 的文本，每个词都不同
func corpusText(n int) string {
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "term%04d ", i)
	}
	return b.String()[:n]
}

func collectPoints(t *testing.T, store *knowledge.MemoryVectorStore) []knowledge.Point {
	t.Helper()
	points, err := store.ScrollAll(context.Background(), 0).Collect()
	require.NoError(t, err)
	return points
}
