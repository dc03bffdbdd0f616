package controllers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-service/internal/errors"
	"github.com/aihub/rag-service/internal/logger"
	"github.com/aihub/rag-service/internal/services"
)

var (
	requestValidator = validator.New()
	errorTranslator  = apperrors.NewErrorTranslator()
)

// QueryController 问答接口
type QueryController struct {
	BaseController
	RAG *services.RAGService
}

// NewQueryController 创建问答控制器
func NewQueryController(rag *services.RAGService) *QueryController {
	return &QueryController{RAG: rag}
}

func (c *QueryController) parseRequest() (services.QueryRequest, error) {
	var req services.QueryRequest
	if err := c.decodeBody(&req); err != nil {
		return req, err
	}
	if err := requestValidator.Struct(req); err != nil {
		return req, errorTranslator.Translate(err)
	}
	return req, nil
}

// Query POST /api/query
func (c *QueryController) Query() {
	req, err := c.parseRequest()
	if err != nil {
		c.JSONAppError(err)
		return
	}

	resp, err := c.RAG.Query(c.Ctx.Request.Context(), req)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(resp)
}

// Stream POST /api/query/stream
// 第一个事件是 sources，随后每个 token 一个 data 事件，以 __STREAM_COMPLETE__ 结束
func (c *QueryController) Stream() {
	req, err := c.parseRequest()
	if err != nil {
		c.JSONAppError(err)
		return
	}

	ctx := c.Ctx.Request.Context()
	answer, err := c.RAG.StreamQuery(ctx, req)
	if err != nil {
		c.JSONAppError(err)
		return
	}

	w := c.Ctx.ResponseWriter
	flusher, _ := interface{}(w).(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher}
	sources, _ := json.Marshal(answer.Sources)
	if err := sse.event("sources", string(sources)); err != nil {
		return
	}

	for item := range answer.Stream {
		switch item.Kind {
		case services.StreamError:
			err = sse.event("error", item.Text)
		default:
			err = sse.event("", item.Wire())
		}
		if err != nil {
			logger.Warn("Stream client went away", zap.Error(err))
			// drain so the producer goroutine can exit once ctx is cancelled
			for range answer.Stream {
			}
			return
		}
	}
}

// sseWriter Server-Sent Events 编码
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// event 多行数据按行拆成多个 data 字段
func (s *sseWriter) event(name, data string) error {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "event: %s\n", name)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
