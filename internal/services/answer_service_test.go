package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/rag-service/internal/errors"
	"github.com/aihub/rag-service/internal/knowledge"
)

func drain(t *testing.T, stream <-chan StreamItem) []StreamItem {
	t.Helper()
	var items []StreamItem
	timeout := time.After(5 * time.Second)
	for {
		select {
		case item, ok := <-stream:
			if !ok {
				return items
			}
			items = append(items, item)
		case <-timeout:
			t.Fatal("stream did not close")
			return items
		}
	}
}

func assertSingleDone(t *testing.T, items []StreamItem) {
	t.Helper()
	require.NotEmpty(t, items)
	done := 0
	for _, item := range items {
		if item.Kind == StreamDone {
			done++
		}
	}
	assert.Equal(t, 1, done)
	assert.Equal(t, StreamDone, items[len(items)-1].Kind)
}

var sampleResults = []knowledge.SearchResult{
	{Source: "guide.pdf (Section 1)", Text: "Install the CLI first.", Score: 0.9},
	{Source: "faq.md", Text: "Restart after upgrading.", Score: 0.7},
}

func TestFormatContext(t *testing.T) {
	want := "[Document 1] Source: guide.pdf (Section 1)\nInstall the CLI first.\n" +
		"\n\n" +
		"[Document 2] Source: faq.md\nRestart after upgrading.\n"
	assert.Equal(t, want, FormatContext(sampleResults))
	assert.Equal(t, "", FormatContext(nil))
}

func TestBuildMessages(t *testing.T) {
	messages := BuildMessages("How do I start?", sampleResults[:1], "")
	require.Len(t, messages, 2)
	assert.Equal(t, knowledge.RoleSystem, messages[0].Role)
	assert.Equal(t, DefaultSystemPrompt, messages[0].Content)
	assert.Equal(t, knowledge.RoleUser, messages[1].Role)
	assert.Equal(t,
		"Context:\n[Document 1] Source: guide.pdf (Section 1)\nInstall the CLI first.\n\n\nQuestion: How do I start?\n\nAnswer:",
		messages[1].Content)

	messages = BuildMessages("q", nil, "Be brief.")
	assert.Equal(t, "Be brief.", messages[0].Content)
}

func TestAnswerService_SynthesizeStreamsTokens(t *testing.T) {
	chat := &scriptedChat{tokens: []string{"Install ", "", "the CLI."}}
	service := NewAnswerService(chat, "")

	items := drain(t, service.Synthesize(context.Background(), "How do I start?", sampleResults, "Custom prompt"))
	require.Len(t, items, 3)
	assert.Equal(t, TokenItem("Install "), items[0])
	assert.Equal(t, TokenItem("the CLI."), items[1])
	assert.Equal(t, StreamCompleteMarker, items[2].Wire())
	assertSingleDone(t, items)

	assert.Equal(t, "Custom prompt", chat.Messages()[0].Content)
}

func TestAnswerService_SynthesizeProviderFailures(t *testing.T) {
	tests := []struct {
		name   string
		chat   knowledge.ChatModel
		tokens int
	}{
		{"stream cannot start", &scriptedChat{err: errors.New("401 unauthorized")}, 0},
		{"stream breaks midway", &scriptedChat{tokens: []string{"partial"}, streamErr: errors.New("connection reset")}, 1},
		{"no chat model", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewAnswerService(tt.chat, "")
			items := drain(t, service.Synthesize(context.Background(), "q", sampleResults, ""))

			require.Len(t, items, tt.tokens+2)
			errItem := items[len(items)-2]
			assert.Equal(t, StreamError, errItem.Kind)
			assert.Equal(t, MessageGenerationFailed, errItem.Text)
			assertSingleDone(t, items)
		})
	}
}

func TestAnswerService_SynthesizeStopsOnCancel(t *testing.T) {
	chat := &scriptedChat{tokens: []string{"a", "b", "c", "d"}}
	service := NewAnswerService(chat, "")

	ctx, cancel := context.WithCancel(context.Background())
	stream := service.Synthesize(ctx, "q", sampleResults, "")
	first := <-stream
	assert.Equal(t, TokenItem("a"), first)
	cancel()
	time.Sleep(50 * time.Millisecond)

	// 取消后生产者退出并关闭 channel，不再发送
	assert.Empty(t, drain(t, stream))
}

func TestAnswerService_Complete(t *testing.T) {
	chat := &scriptedChat{tokens: []string{"Install ", "the CLI."}}
	service := NewAnswerService(chat, "Default prompt")

	answer, err := service.Complete(context.Background(), "How?", sampleResults, "")
	require.NoError(t, err)
	assert.Equal(t, "Install the CLI.", answer)
	assert.Equal(t, "Default prompt", chat.Messages()[0].Content)

	service = NewAnswerService(&scriptedChat{err: errors.New("boom")}, "")
	_, err = service.Complete(context.Background(), "How?", sampleResults, "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProvider))
}

func TestSingleMessageStream(t *testing.T) {
	items := drain(t, SingleMessageStream(context.Background(), MessageNoResults))
	require.Len(t, items, 2)
	assert.Equal(t, TokenItem(MessageNoResults), items[0])
	assertSingleDone(t, items)
}
