package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchOptions ES客户端配置
type ElasticsearchOptions struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	Index     string
}

// ElasticsearchVectorStore 基于 dense_vector + knn 的向量库
type ElasticsearchVectorStore struct {
	client     *elasticsearch.Client
	index      string
	vectorSize int
	distance   Distance
	seq        atomic.Int64
}

// NewElasticsearchVectorStore 创建ES向量存储
func NewElasticsearchVectorStore(opts ElasticsearchOptions) (*ElasticsearchVectorStore, error) {
	if len(opts.Addresses) == 0 {
		opts.Addresses = []string{"http://localhost:9200"}
	}
	if opts.Index == "" {
		opts.Index = "documents"
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		APIKey:    opts.APIKey,
	})
	if err != nil {
		return nil, err
	}

	store := &ElasticsearchVectorStore{client: client, index: opts.Index, distance: DistanceCosine}
	store.seq.Store(time.Now().UnixNano())
	return store, nil
}

func esSimilarity(d Distance) string {
	switch d {
	case DistanceDot:
		return "dot_product"
	case DistanceEuclid:
		return "l2_norm"
	default:
		return "cosine"
	}
}

func (e *ElasticsearchVectorStore) Collection() string {
	return e.index
}

func (e *ElasticsearchVectorStore) EnsureCollection(ctx context.Context, name string, vectorSize int, distance Distance) error {
	if name == e.index {
		e.vectorSize = vectorSize
		e.distance = distance
	}

	resp, err := esapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, e.client)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode == 200 {
		return nil
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"vector": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       vectorSize,
					"index":      true,
					"similarity": esSimilarity(distance),
				},
				"file_id": map[string]interface{}{"type": "keyword"},
				"seq":     map[string]interface{}{"type": "long"},
				"payload": map[string]interface{}{"type": "object", "enabled": false},
			},
		},
	}

	body, _ := json.Marshal(mapping)
	createResp, err := esapi.IndicesCreateRequest{Index: name, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer createResp.Body.Close()

	if createResp.IsError() {
		return fmt.Errorf("create index error: %s", createResp.String())
	}
	return nil
}

func (e *ElasticsearchVectorStore) Upsert(ctx context.Context, points []Point) ([]string, error) {
	batch := make([]Point, len(points))
	copy(batch, points)
	ids, err := assignPointIDs(batch, e.vectorSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return ids, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range batch {
		meta := map[string]interface{}{"index": map[string]interface{}{"_index": e.index, "_id": p.ID}}
		doc := map[string]interface{}{
			"vector":  p.Vector,
			"file_id": ResolveMetadata(p.Payload).FileID(),
			"seq":     e.seq.Add(1),
			"payload": p.Payload,
		}
		if err := enc.Encode(meta); err != nil {
			return nil, err
		}
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
	}

	resp, err := esapi.BulkRequest{Index: e.index, Body: &buf, Refresh: "true"}.Do(ctx, e.client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("bulk index error: %s", resp.String())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bulkResp); err != nil {
		return nil, err
	}
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, res := range item {
				if res.Status >= 300 {
					return nil, fmt.Errorf("bulk index error: %s", res.Error.Reason)
				}
			}
		}
		return nil, fmt.Errorf("bulk index error")
	}
	return ids, nil
}

type esHits struct {
	Hits struct {
		Hits []struct {
			ID     string          `json:"_id"`
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
			Sort   []interface{}   `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

type esDocument struct {
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

func (e *ElasticsearchVectorStore) search(ctx context.Context, body map[string]interface{}) (*esHits, error) {
	payload, _ := json.Marshal(body)
	resp, err := esapi.SearchRequest{Index: []string{e.index}, Body: bytes.NewReader(payload)}.Do(ctx, e.client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("search error: %s", resp.String())
	}

	var result esHits
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *ElasticsearchVectorStore) Search(ctx context.Context, vector []float32, k int) ([]SearchResult, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}

	candidates := k * 10
	if candidates < 100 {
		candidates = 100
	}
	hits, err := e.search(ctx, map[string]interface{}{
		"size": k,
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": candidates,
		},
		"_source": []string{"payload"},
	})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits.Hits.Hits))
	for _, hit := range hits.Hits.Hits {
		var doc esDocument
		if err := json.Unmarshal(hit.Source, &doc); err != nil || doc.Payload == nil {
			continue
		}
		result := NewSearchResult(doc.Payload, e.similarity(hit.Score))
		result.ID = hit.ID
		results = append(results, result)
	}
	sortResultsByScore(results)
	return results, nil
}

// similarity ES 对 cosine/dot_product 返回 (1+s)/2，这里还原为原始相似度
func (e *ElasticsearchVectorStore) similarity(score float64) float64 {
	if e.distance == DistanceEuclid {
		return score
	}
	return 2*score - 1
}

func (e *ElasticsearchVectorStore) ScrollAll(ctx context.Context, batchSize int) *PointIterator {
	return NewPointIterator(ctx, batchSize, func(ctx context.Context, cursor interface{}, limit int) ([]Point, interface{}, error) {
		body := map[string]interface{}{
			"size":  limit,
			"query": map[string]interface{}{"match_all": map[string]interface{}{}},
			"sort":  []interface{}{map[string]interface{}{"seq": "asc"}},
		}
		if cursor != nil {
			body["search_after"] = cursor
		}

		hits, err := e.search(ctx, body)
		if err != nil {
			return nil, nil, err
		}

		page := make([]Point, 0, len(hits.Hits.Hits))
		var last []interface{}
		for _, hit := range hits.Hits.Hits {
			var doc esDocument
			if err := json.Unmarshal(hit.Source, &doc); err != nil {
				return nil, nil, fmt.Errorf("decode document %s: %w", hit.ID, err)
			}
			page = append(page, Point{ID: hit.ID, Vector: doc.Vector, Payload: doc.Payload})
			last = hit.Sort
		}

		var next interface{}
		if len(page) == limit && last != nil {
			next = last
		}
		return page, next, nil
	})
}

func (e *ElasticsearchVectorStore) DeleteByFileID(ctx context.Context, fileID string, keep ...string) error {
	match := map[string]interface{}{
		"must": []map[string]interface{}{
			{"term": map[string]interface{}{"file_id": fileID}},
		},
	}
	if len(keep) > 0 {
		match["must_not"] = []map[string]interface{}{
			{"ids": map[string]interface{}{"values": keep}},
		}
	}
	query := map[string]interface{}{
		"query": map[string]interface{}{"bool": match},
	}

	body, _ := json.Marshal(query)
	refresh := true
	resp, err := esapi.DeleteByQueryRequest{
		Index:   []string{e.index},
		Body:    bytes.NewReader(body),
		Refresh: &refresh,
	}.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("delete by file id error: %s", resp.String())
	}
	return nil
}

func (e *ElasticsearchVectorStore) Ready() bool {
	return e.client != nil
}

func (e *ElasticsearchVectorStore) Close() error {
	return nil
}
