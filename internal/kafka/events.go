package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const EventDocumentIngested = "document.ingested"

// DocumentIngestedEvent 入库结束（成功或失败）后发布
type DocumentIngestedEvent struct {
	FileID    string    `json:"file_id"`
	Filename  string    `json:"filename"`
	Status    string    `json:"status"`
	NumChunks int       `json:"num_chunks"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IngestRequest 通过消息触发入库
type IngestRequest struct {
	SourceID    string `json:"source_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ParseIngestRequest 解析入库请求
func ParseIngestRequest(data []byte) (*IngestRequest, error) {
	var req IngestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse ingest request: %w", err)
	}
	if strings.TrimSpace(req.SourceID) == "" {
		return nil, fmt.Errorf("parse ingest request: source_id is required")
	}
	return &req, nil
}
