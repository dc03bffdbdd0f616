package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/aihub/rag-service/internal/logger"
)

const (
	milvusFieldID      = "id"
	milvusFieldFileID  = "file_id"
	milvusFieldPayload = "payload"
	milvusFieldVector  = "vector"
)

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address    string
	Username   string
	Password   string
	Database   string
	Collection string
	VectorSize int
	Distance   Distance
	UseTLS     bool
	Timeout    time.Duration
}

// MilvusVectorStore 基于 milvus-sdk-go 的向量库
type MilvusVectorStore struct {
	milvusClient client.Client
	collection   string
	vectorSize   int
	distance     Distance
}

// NewMilvusVectorStore 创建Milvus向量存储
func NewMilvusVectorStore(ctx context.Context, opts MilvusOptions) (*MilvusVectorStore, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if !strings.Contains(opts.Address, ":") {
		opts.Address += ":19530"
	}
	if opts.Collection == "" {
		opts.Collection = "documents"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	milvusClient, err := client.NewClient(dialCtx, client.Config{
		Address:       opts.Address,
		DBName:        opts.Database,
		Username:      opts.Username,
		Password:      opts.Password,
		EnableTLSAuth: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	return &MilvusVectorStore{
		milvusClient: milvusClient,
		collection:   opts.Collection,
		vectorSize:   opts.VectorSize,
		distance:     opts.Distance,
	}, nil
}

func milvusMetric(d Distance) entity.MetricType {
	switch d {
	case DistanceDot:
		return entity.IP
	case DistanceEuclid:
		return entity.L2
	default:
		return entity.COSINE
	}
}

func (s *MilvusVectorStore) Collection() string {
	return s.collection
}

func (s *MilvusVectorStore) EnsureCollection(ctx context.Context, name string, vectorSize int, distance Distance) error {
	exists, err := s.milvusClient.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if name == s.collection {
		if s.vectorSize == 0 {
			s.vectorSize = vectorSize
		}
		if s.distance == "" {
			s.distance = distance
		}
	}
	if exists {
		return s.milvusClient.LoadCollection(ctx, name, false)
	}

	schema := &entity.Schema{
		CollectionName: name,
		Description:    "document chunks",
		Fields: []*entity.Field{
			{
				Name:       milvusFieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       milvusFieldFileID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
			{
				Name:     milvusFieldPayload,
				DataType: entity.FieldTypeJSON,
			},
			{
				Name:       milvusFieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", vectorSize)},
			},
		},
	}
	if err := s.milvusClient.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	index, err := milvusIndex(distance)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := s.milvusClient.CreateIndex(ctx, name, milvusFieldVector, index, false); err != nil {
		logger.Warn("Failed to create milvus index", zap.String("collection", name), zap.Error(err))
	}
	return s.milvusClient.LoadCollection(ctx, name, false)
}

// milvusIndex 优先 HNSW，参数不被接受时退回 IVF_FLAT
func milvusIndex(distance Distance) (entity.Index, error) {
	var index entity.Index
	var err error
	index, err = entity.NewIndexHNSW(milvusMetric(distance), 8, 64)
	if err != nil {
		index, err = entity.NewIndexIvfFlat(milvusMetric(distance), 128)
	}
	return index, err
}

func (s *MilvusVectorStore) Upsert(ctx context.Context, points []Point) ([]string, error) {
	batch := make([]Point, len(points))
	copy(batch, points)
	ids, err := assignPointIDs(batch, s.vectorSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return ids, nil
	}

	fileIDs := make([]string, len(batch))
	payloads := make([][]byte, len(batch))
	vectors := make([][]float32, len(batch))
	for i, p := range batch {
		raw, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("point %d: encode payload: %w", i, err)
		}
		fileIDs[i] = ResolveMetadata(p.Payload).FileID()
		payloads[i] = raw
		vectors[i] = p.Vector
	}

	dim := len(vectors[0])
	if _, err := s.milvusClient.Upsert(ctx, s.collection, "",
		entity.NewColumnVarChar(milvusFieldID, ids),
		entity.NewColumnVarChar(milvusFieldFileID, fileIDs),
		entity.NewColumnJSONBytes(milvusFieldPayload, payloads),
		entity.NewColumnFloatVector(milvusFieldVector, dim, vectors),
	); err != nil {
		return nil, fmt.Errorf("milvus upsert failed: %w", err)
	}

	if err := s.milvusClient.Flush(ctx, s.collection, false); err != nil {
		logger.Warn("Failed to flush milvus collection", zap.String("collection", s.collection), zap.Error(err))
	}
	return ids, nil
}

func (s *MilvusVectorStore) Search(ctx context.Context, vector []float32, k int) ([]SearchResult, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}

	sp, _ := entity.NewIndexHNSWSearchParam(64)
	searchResults, err := s.milvusClient.Search(
		ctx,
		s.collection,
		[]string{},
		"",
		[]string{milvusFieldPayload},
		[]entity.Vector{entity.FloatVector(vector)},
		milvusFieldVector,
		milvusMetric(s.distance),
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}
	if len(searchResults) == 0 {
		return []SearchResult{}, nil
	}
	if searchResults[0].Err != nil {
		return nil, fmt.Errorf("milvus search error: %w", searchResults[0].Err)
	}

	// 只有一个查询向量
	result := searchResults[0]
	ids := varCharData(result.IDs)
	payloads := jsonColumnData(result.Fields)

	results := make([]SearchResult, 0, result.ResultCount)
	for i := 0; i < result.ResultCount; i++ {
		if i >= len(payloads) {
			break
		}
		payload, err := decodePayload(payloads[i])
		if err != nil {
			return nil, err
		}
		score := float64(0)
		if i < len(result.Scores) {
			score = float64(result.Scores[i])
		}
		// L2 返回距离，转成越大越相似
		if s.distance == DistanceEuclid {
			score = 1 / (1 + score)
		}
		item := NewSearchResult(payload, score)
		if i < len(ids) {
			item.ID = ids[i]
		}
		results = append(results, item)
	}
	sortResultsByScore(results)
	return results, nil
}

func (s *MilvusVectorStore) ScrollAll(ctx context.Context, batchSize int) *PointIterator {
	return NewPointIterator(ctx, batchSize, func(ctx context.Context, cursor interface{}, limit int) ([]Point, interface{}, error) {
		offset, _ := cursor.(int64)
		rs, err := s.milvusClient.Query(ctx, s.collection, nil, "",
			[]string{milvusFieldID, milvusFieldPayload, milvusFieldVector},
			client.WithOffset(offset), client.WithLimit(int64(limit)),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("milvus query failed: %w", err)
		}

		var ids []string
		var payloads [][]byte
		var vectors [][]float32
		for _, col := range rs {
			switch c := col.(type) {
			case *entity.ColumnVarChar:
				if c.Name() == milvusFieldID {
					ids = c.Data()
				}
			case *entity.ColumnJSONBytes:
				payloads = c.Data()
			case *entity.ColumnFloatVector:
				vectors = c.Data()
			}
		}

		page := make([]Point, 0, len(ids))
		for i, id := range ids {
			p := Point{ID: id}
			if i < len(payloads) {
				payload, err := decodePayload(payloads[i])
				if err != nil {
					return nil, nil, err
				}
				p.Payload = payload
			}
			if i < len(vectors) {
				p.Vector = vectors[i]
			}
			page = append(page, p)
		}

		var next interface{}
		if len(page) == limit {
			next = offset + int64(len(page))
		}
		return page, next, nil
	})
}

func (s *MilvusVectorStore) DeleteByFileID(ctx context.Context, fileID string, keep ...string) error {
	expr := fmt.Sprintf("%s == %q", milvusFieldFileID, fileID)
	if len(keep) > 0 {
		quoted := make([]string, len(keep))
		for i, id := range keep {
			quoted[i] = strconv.Quote(id)
		}
		expr += fmt.Sprintf(" && %s not in [%s]", milvusFieldID, strings.Join(quoted, ", "))
	}
	if err := s.milvusClient.Delete(ctx, s.collection, "", expr); err != nil {
		return fmt.Errorf("milvus delete failed: %w", err)
	}
	if err := s.milvusClient.Flush(ctx, s.collection, false); err != nil {
		logger.Warn("Failed to flush milvus after delete", zap.String("collection", s.collection), zap.Error(err))
	}
	return nil
}

func (s *MilvusVectorStore) Ready() bool {
	if s.milvusClient == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.milvusClient.ListCollections(ctx)
	return err == nil
}

func (s *MilvusVectorStore) Close() error {
	if s.milvusClient == nil {
		return nil
	}
	return s.milvusClient.Close()
}

func varCharData(col entity.Column) []string {
	if c, ok := col.(*entity.ColumnVarChar); ok {
		return c.Data()
	}
	return nil
}

func jsonColumnData(cols client.ResultSet) [][]byte {
	for _, col := range cols {
		if c, ok := col.(*entity.ColumnJSONBytes); ok && c.Name() == milvusFieldPayload {
			return c.Data()
		}
	}
	return nil
}

func decodePayload(raw []byte) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}
