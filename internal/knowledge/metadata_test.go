package knowledge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMetadata_Nested(t *testing.T) {
	payload := map[string]interface{}{
		"text": "hello",
		"metadata": map[string]interface{}{
			"source":      "guide.pdf",
			"file_id":     "ab12cd34",
			"chunk_index": float64(2),
		},
		"source": "top-level.pdf",
	}

	meta := ResolveMetadata(payload)
	assert.Equal(t, MetadataNested, meta.Kind)
	assert.Equal(t, "guide.pdf", meta.Source(payload))
	assert.Equal(t, "ab12cd34", meta.FileID())
	idx, ok := meta.ChunkIndex()
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestResolveMetadata_FlatAndFallbacks(t *testing.T) {
	flat := map[string]interface{}{"text": "x", "source": "flat.txt", "chunk_index": 0}
	meta := ResolveMetadata(flat)
	assert.Equal(t, MetadataFlat, meta.Kind)
	assert.Equal(t, "flat.txt", meta.Source(flat))

	// metadata 存在但不是对象时按平铺处理
	odd := map[string]interface{}{"text": "x", "metadata": "not-a-map"}
	assert.Equal(t, MetadataFlat, ResolveMetadata(odd).Kind)
	assert.Equal(t, UnknownSource, ResolveMetadata(odd).Source(odd))

	// 嵌套 metadata 缺 source 时回落到顶层 source
	nested := map[string]interface{}{"metadata": map[string]interface{}{"file_id": "1"}, "source": "outer.pdf"}
	assert.Equal(t, "outer.pdf", ResolveMetadata(nested).Source(nested))

	assert.Equal(t, UnknownSource, ResolveMetadata(nil).Source(nil))
}

func TestDisplayAndBaseSource(t *testing.T) {
	withIndex := ResolveMetadata(map[string]interface{}{"chunk_index": json.Number("4")})
	assert.Equal(t, "a.pdf (Section 5)", DisplaySource("a.pdf", withIndex))

	withoutIndex := ResolveMetadata(map[string]interface{}{})
	assert.Equal(t, "a.pdf", DisplaySource("a.pdf", withoutIndex))

	assert.Equal(t, "a.pdf", BaseSource("a.pdf (Section 12)"))
	assert.Equal(t, "a (Section 1).pdf", BaseSource("a (Section 1).pdf"))
	assert.Equal(t, "plain", BaseSource("plain"))
}

func TestChunkPayload_RoundTrip(t *testing.T) {
	payload := ChunkPayload(Chunk{Text: "body", Source: "doc.pdf", FileID: "f1", ChunkIndex: 1, TotalChunks: 3})

	result := NewSearchResult(payload, 0.8)
	assert.Equal(t, "body", result.Text)
	assert.Equal(t, "doc.pdf (Section 2)", result.Source)
	assert.Equal(t, 0.8, result.Score)
	assert.Equal(t, MetadataNested, result.Metadata.Kind)
	total, ok := result.Metadata.TotalChunks()
	require.True(t, ok)
	assert.Equal(t, 3, total)
	assert.Equal(t, "doc.pdf", payload[PayloadSource])
}
