package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Distance 向量距离度量
type Distance string

const (
	DistanceCosine Distance = "cosine"
	DistanceDot    Distance = "dot"
	DistanceEuclid Distance = "euclid"
)

// ParseDistance 解析配置中的距离名称，默认 cosine
func ParseDistance(value string) Distance {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dot", "dotproduct", "ip", "inner_product":
		return DistanceDot
	case "euclid", "euclidean", "l2":
		return DistanceEuclid
	default:
		return DistanceCosine
	}
}

// Point 向量库中的存储单元
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// SearchResult 一次检索命中
type SearchResult struct {
	ID       string   `json:"id,omitempty"`
	Text     string   `json:"text"`
	Score    float64  `json:"score"`
	Source   string   `json:"source"`
	Metadata Metadata `json:"-"`
}

// VectorIndex 向量库抽象。实例绑定到一个集合，Upsert/Search/ScrollAll 都作用于该集合
type VectorIndex interface {
	// Collection 返回绑定的集合名
	Collection() string
	// EnsureCollection 集合不存在时创建，已存在则什么都不做
	EnsureCollection(ctx context.Context, name string, vectorSize int, distance Distance) error
	// Upsert 整批写入，未指定 ID 的点生成 UUID，返回的 ID 与输入顺序一致
	Upsert(ctx context.Context, points []Point) ([]string, error)
	// Search 按相似度降序返回至多 k 条，同分按写入顺序
	Search(ctx context.Context, vector []float32, k int) ([]SearchResult, error)
	// ScrollAll 从头遍历全部点，惰性分页
	ScrollAll(ctx context.Context, batchSize int) *PointIterator
	// DeleteByFileID 删除某个文件的点，keep 中的 ID 保留
	DeleteByFileID(ctx context.Context, fileID string, keep ...string) error
	Ready() bool
	Close() error
}

// PageFetcher 按游标拉取一页；next 为 nil 表示没有更多数据
type PageFetcher func(ctx context.Context, cursor interface{}, limit int) (points []Point, next interface{}, err error)

// PointIterator 惰性遍历器，只能从头开始，不支持断点续传
type PointIterator struct {
	ctx       context.Context
	fetch     PageFetcher
	batchSize int

	buf     []Point
	pos     int
	cursor  interface{}
	started bool
	done    bool
	current Point
	err     error
}

const defaultScrollBatch = 256

// NewPointIterator 创建遍历器
func NewPointIterator(ctx context.Context, batchSize int, fetch PageFetcher) *PointIterator {
	if batchSize <= 0 {
		batchSize = defaultScrollBatch
	}
	return &PointIterator{ctx: ctx, fetch: fetch, batchSize: batchSize}
}

// Next 前进到下一个点，没有更多或出错时返回 false
func (it *PointIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		if it.started && it.cursor == nil {
			it.done = true
			return false
		}
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}
		points, next, err := it.fetch(it.ctx, it.cursor, it.batchSize)
		if err != nil {
			it.err = err
			return false
		}
		it.started = true
		it.buf, it.pos, it.cursor = points, 0, next
		if next == nil && len(points) == 0 {
			it.done = true
			return false
		}
	}
	it.current = it.buf[it.pos]
	it.pos++
	return true
}

// Point 当前点
func (it *PointIterator) Point() Point { return it.current }

// Err 遍历过程中的错误
func (it *PointIterator) Err() error { return it.err }

// Collect 读取剩余全部点
func (it *PointIterator) Collect() ([]Point, error) {
	var out []Point
	for it.Next() {
		out = append(out, it.Point())
	}
	return out, it.Err()
}

// errIterator 直接返回错误的遍历器
func errIterator(ctx context.Context, err error) *PointIterator {
	return NewPointIterator(ctx, 1, func(context.Context, interface{}, int) ([]Point, interface{}, error) {
		return nil, nil, err
	})
}

// assignPointIDs 为缺少 ID 的点生成 UUID 并校验维度；vectorSize 为 0 时只校验非空
func assignPointIDs(points []Point, vectorSize int) ([]string, error) {
	ids := make([]string, len(points))
	for i := range points {
		if len(points[i].Vector) == 0 {
			return nil, fmt.Errorf("point %d: embedding is empty", i)
		}
		if vectorSize > 0 && len(points[i].Vector) != vectorSize {
			return nil, fmt.Errorf("point %d: vector size %d does not match collection size %d", i, len(points[i].Vector), vectorSize)
		}
		if points[i].ID == "" {
			points[i].ID = uuid.NewString()
		} else if _, err := uuid.Parse(points[i].ID); err != nil {
			return nil, fmt.Errorf("point %d: id %q is not a UUID: %w", i, points[i].ID, err)
		}
		ids[i] = points[i].ID
	}
	return ids, nil
}

// sortResultsByScore 稳定排序，同分保留原有顺序
func sortResultsByScore(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// cosineSimilarity normA 由调用方预先计算，便于对同一查询复用
func cosineSimilarity(a, b []float32, normA float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot float64
	var normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * math.Sqrt(normB))
}

func cloneVector(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
