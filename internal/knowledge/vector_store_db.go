package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ragPoint rag_points 表的一行，seq 记录写入顺序
type ragPoint struct {
	Seq        uint64 `gorm:"column:seq;primaryKey;autoIncrement"`
	ID         string `gorm:"column:id;size:64;uniqueIndex"`
	Collection string `gorm:"column:collection;size:128;index"`
	FileID     string `gorm:"column:file_id;size:256;index"`
	Payload    string `gorm:"column:payload;type:text"`
	Embedding  string `gorm:"column:embedding;type:text"`
}

func (ragPoint) TableName() string { return "rag_points" }

type ragCollection struct {
	Name       string `gorm:"column:name;primaryKey;size:128"`
	VectorSize int    `gorm:"column:vector_size"`
	Distance   string `gorm:"column:distance;size:16"`
}

func (ragCollection) TableName() string { return "rag_collections" }

// DatabaseVectorStore 基于PostgreSQL的退化向量存储，相似度在进程内计算
type DatabaseVectorStore struct {
	db          *gorm.DB
	collection  string
	vectorSize  int
	distance    Distance
	autoMigrate bool
}

// NewDatabaseVectorStore 创建数据库向量存储
func NewDatabaseVectorStore(db *gorm.DB, collection string, autoMigrate bool) *DatabaseVectorStore {
	if collection == "" {
		collection = "documents"
	}
	return &DatabaseVectorStore{db: db, collection: collection, distance: DistanceCosine, autoMigrate: autoMigrate}
}

func (s *DatabaseVectorStore) Collection() string {
	return s.collection
}

func (s *DatabaseVectorStore) EnsureCollection(ctx context.Context, name string, vectorSize int, distance Distance) error {
	db := s.db.WithContext(ctx)
	if s.autoMigrate {
		if err := db.AutoMigrate(&ragCollection{}, &ragPoint{}); err != nil {
			return fmt.Errorf("migrate vector tables: %w", err)
		}
	}

	var coll ragCollection
	err := db.Where(ragCollection{Name: name}).
		Attrs(ragCollection{VectorSize: vectorSize, Distance: string(distance)}).
		FirstOrCreate(&coll).Error
	if err != nil {
		return fmt.Errorf("ensure collection %s: %w", name, err)
	}
	if name == s.collection {
		s.vectorSize = coll.VectorSize
		s.distance = ParseDistance(coll.Distance)
	}
	return nil
}

func (s *DatabaseVectorStore) Upsert(ctx context.Context, points []Point) ([]string, error) {
	batch := make([]Point, len(points))
	copy(batch, points)
	ids, err := assignPointIDs(batch, s.vectorSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return ids, nil
	}

	rows := make([]ragPoint, 0, len(batch))
	for i, p := range batch {
		payloadJSON, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("point %d: encode payload: %w", i, err)
		}
		embeddingJSON, err := json.Marshal(p.Vector)
		if err != nil {
			return nil, fmt.Errorf("point %d: encode embedding: %w", i, err)
		}
		rows = append(rows, ragPoint{
			ID:         p.ID,
			Collection: s.collection,
			FileID:     ResolveMetadata(p.Payload).FileID(),
			Payload:    string(payloadJSON),
			Embedding:  string(embeddingJSON),
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"file_id", "payload", "embedding"}),
		}).CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return nil, fmt.Errorf("vector upsert failed: %w", err)
	}
	return ids, nil
}

func (s *DatabaseVectorStore) Search(ctx context.Context, vector []float32, k int) ([]SearchResult, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}

	var rows []ragPoint
	err := s.db.WithContext(ctx).
		Select("id", "payload", "embedding").
		Where("collection = ?", s.collection).
		Order("seq").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	queryNorm := vectorNorm(vector)
	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		point, err := row.toPoint()
		if err != nil {
			continue
		}
		result := NewSearchResult(point.Payload, similarityScore(s.distance, vector, point.Vector, queryNorm))
		result.ID = row.ID
		results = append(results, result)
	}

	sortResultsByScore(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *DatabaseVectorStore) ScrollAll(ctx context.Context, batchSize int) *PointIterator {
	return NewPointIterator(ctx, batchSize, func(ctx context.Context, cursor interface{}, limit int) ([]Point, interface{}, error) {
		after, _ := cursor.(uint64)

		var rows []ragPoint
		err := s.db.WithContext(ctx).
			Where("collection = ? AND seq > ?", s.collection, after).
			Order("seq").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return nil, nil, fmt.Errorf("vector scroll failed: %w", err)
		}

		page := make([]Point, 0, len(rows))
		for _, row := range rows {
			point, err := row.toPoint()
			if err != nil {
				return nil, nil, err
			}
			page = append(page, point)
		}

		var next interface{}
		if len(rows) == limit {
			next = rows[len(rows)-1].Seq
		}
		return page, next, nil
	})
}

func (s *DatabaseVectorStore) DeleteByFileID(ctx context.Context, fileID string, keep ...string) error {
	query := s.db.WithContext(ctx).Where("collection = ? AND file_id = ?", s.collection, fileID)
	if len(keep) > 0 {
		query = query.Where("id NOT IN ?", keep)
	}
	return query.Delete(&ragPoint{}).Error
}

func (s *DatabaseVectorStore) Ready() bool {
	return s.db != nil
}

// Close 连接由 database 包统一管理
func (s *DatabaseVectorStore) Close() error {
	return nil
}

func (r ragPoint) toPoint() (Point, error) {
	point := Point{ID: r.ID}
	if r.Payload != "" {
		if err := json.Unmarshal([]byte(r.Payload), &point.Payload); err != nil {
			return point, fmt.Errorf("decode payload of %s: %w", r.ID, err)
		}
	}
	if r.Embedding != "" {
		if err := json.Unmarshal([]byte(r.Embedding), &point.Vector); err != nil {
			return point, fmt.Errorf("decode embedding of %s: %w", r.ID, err)
		}
	}
	return point, nil
}
