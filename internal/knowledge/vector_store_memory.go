package knowledge

import (
	"context"
	"fmt"
	"math"
	"sync"
)

type memoryCollection struct {
	vectorSize int
	distance   Distance
	points     []Point
	positions  map[string]int
}

// MemoryVectorStore 进程内向量库，暴力计算相似度，用于测试和单机演示
type MemoryVectorStore struct {
	mu          sync.RWMutex
	collection  string
	collections map[string]*memoryCollection
}

// NewMemoryVectorStore 创建内存向量库
func NewMemoryVectorStore(collection string) *MemoryVectorStore {
	if collection == "" {
		collection = "documents"
	}
	return &MemoryVectorStore{
		collection:  collection,
		collections: make(map[string]*memoryCollection),
	}
}

func (s *MemoryVectorStore) Collection() string {
	return s.collection
}

func (s *MemoryVectorStore) EnsureCollection(ctx context.Context, name string, vectorSize int, distance Distance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[name]; ok {
		return nil
	}
	s.collections[name] = &memoryCollection{
		vectorSize: vectorSize,
		distance:   distance,
		positions:  make(map[string]int),
	}
	return nil
}

func (s *MemoryVectorStore) bound() (*memoryCollection, error) {
	coll, ok := s.collections[s.collection]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", s.collection)
	}
	return coll, nil
}

func (s *MemoryVectorStore) Upsert(ctx context.Context, points []Point) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.bound()
	if err != nil {
		return nil, err
	}

	batch := make([]Point, len(points))
	copy(batch, points)
	ids, err := assignPointIDs(batch, coll.vectorSize)
	if err != nil {
		return nil, err
	}

	// 同一ID重复写入时保留最初的位置
	for _, p := range batch {
		stored := Point{ID: p.ID, Vector: cloneVector(p.Vector), Payload: p.Payload}
		if pos, ok := coll.positions[p.ID]; ok {
			coll.points[pos] = stored
			continue
		}
		coll.positions[p.ID] = len(coll.points)
		coll.points = append(coll.points, stored)
	}
	return ids, nil
}

func (s *MemoryVectorStore) Search(ctx context.Context, vector []float32, k int) ([]SearchResult, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, err := s.bound()
	if err != nil {
		return nil, err
	}

	queryNorm := vectorNorm(vector)
	results := make([]SearchResult, 0, len(coll.points))
	for _, p := range coll.points {
		if p.Payload == nil {
			continue
		}
		result := NewSearchResult(p.Payload, similarityScore(coll.distance, vector, p.Vector, queryNorm))
		result.ID = p.ID
		results = append(results, result)
	}

	sortResultsByScore(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func similarityScore(distance Distance, query, vec []float32, queryNorm float64) float64 {
	switch distance {
	case DistanceDot:
		var dot float64
		for i := range query {
			if i < len(vec) {
				dot += float64(query[i]) * float64(vec[i])
			}
		}
		return dot
	case DistanceEuclid:
		var sum float64
		for i := range query {
			if i < len(vec) {
				d := float64(query[i]) - float64(vec[i])
				sum += d * d
			}
		}
		return 1 / (1 + math.Sqrt(sum))
	default:
		return cosineSimilarity(query, vec, queryNorm)
	}
}

func (s *MemoryVectorStore) ScrollAll(ctx context.Context, batchSize int) *PointIterator {
	return NewPointIterator(ctx, batchSize, func(ctx context.Context, cursor interface{}, limit int) ([]Point, interface{}, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		coll, err := s.bound()
		if err != nil {
			return nil, nil, err
		}

		offset, _ := cursor.(int)
		if offset >= len(coll.points) {
			return nil, nil, nil
		}
		end := offset + limit
		if end > len(coll.points) {
			end = len(coll.points)
		}
		page := make([]Point, end-offset)
		copy(page, coll.points[offset:end])

		var next interface{}
		if end < len(coll.points) {
			next = end
		}
		return page, next, nil
	})
}

func (s *MemoryVectorStore) DeleteByFileID(ctx context.Context, fileID string, keep ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.bound()
	if err != nil {
		return err
	}

	retain := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		retain[id] = struct{}{}
	}

	kept := coll.points[:0]
	positions := make(map[string]int, len(coll.points))
	for _, p := range coll.points {
		if _, ok := retain[p.ID]; !ok && ResolveMetadata(p.Payload).FileID() == fileID {
			continue
		}
		positions[p.ID] = len(kept)
		kept = append(kept, p)
	}
	coll.points = kept
	coll.positions = positions
	return nil
}

// Count 返回绑定集合中的点数
func (s *MemoryVectorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if coll, ok := s.collections[s.collection]; ok {
		return len(coll.points)
	}
	return 0
}

func (s *MemoryVectorStore) Ready() bool {
	return true
}

func (s *MemoryVectorStore) Close() error {
	return nil
}
