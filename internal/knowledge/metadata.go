package knowledge

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

const (
	PayloadText     = "text"
	PayloadMetadata = "metadata"
	PayloadSource   = "source"

	MetaSource      = "source"
	MetaFileID      = "file_id"
	MetaChunkIndex  = "chunk_index"
	MetaTotalChunks = "total_chunks"

	UnknownSource = "Unknown"
)

// MetadataKind payload 中元数据的存放形式
type MetadataKind int

const (
	// MetadataFlat 字段直接平铺在 payload 中
	MetadataFlat MetadataKind = iota
	// MetadataNested 字段位于 payload["metadata"] 下
	MetadataNested
)

func (k MetadataKind) String() string {
	if k == MetadataNested {
		return "nested"
	}
	return "flat"
}

// Metadata 读路径上解析出的元数据
type Metadata struct {
	Kind   MetadataKind
	Fields map[string]interface{}
}

// ResolveMetadata payload["metadata"] 为对象时取嵌套形式，否则整个 payload 即元数据
func ResolveMetadata(payload map[string]interface{}) Metadata {
	if nested, ok := payload[PayloadMetadata].(map[string]interface{}); ok {
		return Metadata{Kind: MetadataNested, Fields: nested}
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Metadata{Kind: MetadataFlat, Fields: payload}
}

// Source 依次取 metadata.source、payload.source，都没有时返回 "Unknown"
func (m Metadata) Source(payload map[string]interface{}) string {
	if s, ok := m.Fields[MetaSource].(string); ok && s != "" {
		return s
	}
	if s, ok := payload[PayloadSource].(string); ok && s != "" {
		return s
	}
	return UnknownSource
}

// FileID 返回 file_id，缺失时为空
func (m Metadata) FileID() string {
	switch v := m.Fields[MetaFileID].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ChunkIndex 返回 chunk_index
func (m Metadata) ChunkIndex() (int, bool) {
	return intField(m.Fields, MetaChunkIndex)
}

// TotalChunks 返回 total_chunks
func (m Metadata) TotalChunks() (int, bool) {
	return intField(m.Fields, MetaTotalChunks)
}

func intField(fields map[string]interface{}, key string) (int, bool) {
	switch v := fields[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

var sectionSuffix = regexp.MustCompile(`\s\(Section \d+\)$`)

// DisplaySource 有 chunk_index 时附加 " (Section N)"，N 从 1 开始
func DisplaySource(source string, m Metadata) string {
	if idx, ok := m.ChunkIndex(); ok {
		return fmt.Sprintf("%s (Section %d)", source, idx+1)
	}
	return source
}

// BaseSource 去掉结尾的 " (Section N)"，得到文档本身的标识
func BaseSource(display string) string {
	return sectionSuffix.ReplaceAllString(display, "")
}

// ChunkPayload 构造写入向量库的 payload：text、嵌套 metadata 以及顶层 source 副本
func ChunkPayload(chunk Chunk) map[string]interface{} {
	return map[string]interface{}{
		PayloadText: chunk.Text,
		PayloadMetadata: map[string]interface{}{
			MetaSource:      chunk.Source,
			MetaFileID:      chunk.FileID,
			MetaChunkIndex:  chunk.ChunkIndex,
			MetaTotalChunks: chunk.TotalChunks,
		},
		PayloadSource: chunk.Source,
	}
}

func payloadText(payload map[string]interface{}) string {
	if s, ok := payload[PayloadText].(string); ok {
		return s
	}
	return ""
}

// NewSearchResult 由 payload 和分数生成检索结果
func NewSearchResult(payload map[string]interface{}, score float64) SearchResult {
	meta := ResolveMetadata(payload)
	return SearchResult{
		Text:     payloadText(payload),
		Score:    score,
		Source:   DisplaySource(meta.Source(payload), meta),
		Metadata: meta,
	}
}
