package knowledge

import (
	"fmt"

	apperrors "github.com/aihub/rag-service/internal/errors"
)

// Document 待分块的原始文档
type Document struct {
	Text   string
	Source string
}

// Chunk 表示分块后的文本结构
type Chunk struct {
	Text        string
	Source      string
	FileID      string
	ChunkIndex  int
	TotalChunks int
}

// Chunker 文本分块器，按字符窗口滑动切分
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker 创建分块器，overlap 必须小于 chunkSize
func NewChunker(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, apperrors.NewConfigError(fmt.Sprintf("chunk_size must be positive, got %d", chunkSize))
	}
	if overlap < 0 {
		return nil, apperrors.NewConfigError(fmt.Sprintf("chunk_overlap must not be negative, got %d", overlap))
	}
	if overlap >= chunkSize {
		return nil, apperrors.NewConfigError(fmt.Sprintf("chunk_overlap (%d) must be smaller than chunk_size (%d)", overlap, chunkSize))
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
	}, nil
}

// ChunkSize 返回窗口大小
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// ChunkOverlap 返回重叠字符数
func (c *Chunker) ChunkOverlap() int { return c.chunkOverlap }

// Split 对每个文档独立切分，chunk_index / total_chunks 按文档计算
func (c *Chunker) Split(docs []Document) []Chunk {
	var chunks []Chunk
	for _, doc := range docs {
		windows := c.SplitText(doc.Text)
		for i, text := range windows {
			chunks = append(chunks, Chunk{
				Text:        text,
				Source:      doc.Source,
				ChunkIndex:  i,
				TotalChunks: len(windows),
			})
		}
	}
	return chunks
}

// SplitText 将文本切分为重叠窗口；不超过 chunkSize 的非空文本原样作为一个窗口
func (c *Chunker) SplitText(text string) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= c.chunkSize {
		return []string{text}
	}

	step := c.chunkSize - c.chunkOverlap
	windows := make([]string, 0, (len(runes)+step-1)/step)
	for start := 0; start < len(runes); start += step {
		end := start + c.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		windows = append(windows, string(runes[start:end]))
	}
	return windows
}

// ExpectedChunks 返回给定字符数会产生的窗口数量
func (c *Chunker) ExpectedChunks(length int) int {
	if length <= 0 {
		return 0
	}
	if length <= c.chunkSize {
		return 1
	}
	step := c.chunkSize - c.chunkOverlap
	return (length + step - 1) / step
}
